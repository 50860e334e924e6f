package drivesync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"brify/api/internal/drive"
	"brify/api/internal/logging"
	"brify/api/internal/rbac"
	"brify/api/internal/store"
)

type PermissionLister interface {
	ListPermissions(ctx context.Context, fileID string) ([]drive.Permission, error)
}

type AccessStore interface {
	ListSharedAccess(ctx context.Context, folderID, ownerEmail string) ([]store.SharedAccessRecord, error)
	InsertSharedAccess(ctx context.Context, record store.SharedAccessRecord) (bool, error)
	DeleteSharedAccess(ctx context.Context, folderID, ownerEmail, granteeEmail string) (bool, error)
}

type AccessChanges struct {
	Granted []store.SharedAccessRecord
	Revoked []string
}

func (c AccessChanges) Empty() bool {
	return len(c.Granted) == 0 && len(c.Revoked) == 0
}

// AccessMirror keeps the shared-access table equal to the non-owner
// permissions Drive reports for a folder.
type AccessMirror struct {
	perms PermissionLister
	store AccessStore
	now   func() time.Time
}

func NewAccessMirror(perms PermissionLister, accessStore AccessStore, now func() time.Time) *AccessMirror {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &AccessMirror{perms: perms, store: accessStore, now: now}
}

// ReconcileAccess inserts grants Drive has and the mirror lacks, and prunes
// the ones Drive no longer reports. A role change counts as both. A folder
// with no non-owner permissions is left untouched.
func (m *AccessMirror) ReconcileAccess(ctx context.Context, folderID, owner string) (AccessChanges, error) {
	permissions, err := m.perms.ListPermissions(ctx, folderID)
	if err != nil {
		return AccessChanges{}, fmt.Errorf("list permissions for %s: %w", folderID, err)
	}

	want := make(map[string]rbac.AccessRole)
	order := make([]string, 0, len(permissions))
	for _, perm := range permissions {
		email := strings.ToLower(strings.TrimSpace(perm.EmailAddress))
		if perm.IsOwner() || email == "" || strings.EqualFold(email, owner) {
			continue
		}
		if _, dup := want[email]; !dup {
			order = append(order, email)
		}
		// The strongest role wins when a grantee appears twice.
		role := rbac.FromDriveRole(perm.Role)
		if want[email] != rbac.AccessEditor {
			want[email] = role
		}
	}
	if len(want) == 0 {
		return AccessChanges{}, nil
	}

	existing, err := m.store.ListSharedAccess(ctx, folderID, owner)
	if err != nil {
		return AccessChanges{}, fmt.Errorf("list shared access for %s: %w", folderID, err)
	}
	have := make(map[string]string, len(existing))
	for _, rec := range existing {
		have[strings.ToLower(rec.GranteeEmail)] = rec.Role
	}

	var changes AccessChanges
	for _, rec := range existing {
		grantee := strings.ToLower(rec.GranteeEmail)
		role, keep := want[grantee]
		if keep && string(role) == rec.Role {
			continue
		}
		if _, err := m.store.DeleteSharedAccess(ctx, folderID, owner, rec.GranteeEmail); err != nil {
			return changes, fmt.Errorf("revoke %s on %s: %w", rec.GranteeEmail, folderID, err)
		}
		changes.Revoked = append(changes.Revoked, grantee)
		delete(have, grantee)
	}

	for _, email := range order {
		if _, ok := have[email]; ok {
			continue
		}
		rec := store.SharedAccessRecord{
			FolderID:     folderID,
			OwnerEmail:   owner,
			GranteeEmail: email,
			Role:         string(want[email]),
			CreatedAt:    m.now(),
		}
		inserted, err := m.store.InsertSharedAccess(ctx, rec)
		if err != nil {
			return changes, fmt.Errorf("grant %s on %s: %w", email, folderID, err)
		}
		if inserted {
			changes.Granted = append(changes.Granted, rec)
		}
	}

	if !changes.Empty() {
		logging.Ctx(ctx).Info().
			Str("folder_id", folderID).
			Int("granted", len(changes.Granted)).
			Int("revoked", len(changes.Revoked)).
			Msg("shared access reconciled")
	}
	return changes, nil
}

// Revoke drops every grant on a folder that left Drive.
func (m *AccessMirror) Revoke(ctx context.Context, folderID, owner string) (int, error) {
	existing, err := m.store.ListSharedAccess(ctx, folderID, owner)
	if err != nil {
		return 0, fmt.Errorf("list shared access for %s: %w", folderID, err)
	}
	revoked := 0
	for _, rec := range existing {
		deleted, err := m.store.DeleteSharedAccess(ctx, folderID, owner, rec.GranteeEmail)
		if err != nil {
			return revoked, fmt.Errorf("revoke %s on %s: %w", rec.GranteeEmail, folderID, err)
		}
		if deleted {
			revoked++
		}
	}
	return revoked, nil
}
