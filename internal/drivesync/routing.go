package drivesync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"brify/api/internal/drive"
	"brify/api/internal/store"
	"brify/api/internal/validation"
)

// FolderTable picks the mirror table a new folder goes to. Folders of an
// always-group extension are groups; folders named like an email address
// belong to that user; everything else is a group.
func FolderTable(node drive.Node, alwaysGroup map[string]bool) store.Source {
	if node.ExtensionTag != "" && alwaysGroup[strings.ToLower(node.ExtensionTag)] {
		return store.SourceGroups
	}
	if _, ok := folderUserEmail(node.Name); ok {
		return store.SourceUserFolders
	}
	return store.SourceGroups
}

func folderUserEmail(name string) (string, bool) {
	bare := strings.TrimSpace(name)
	if bare == "" || !validation.IsEmail(bare) {
		return "", false
	}
	return strings.ToLower(bare), true
}

func folderRecord(node drive.Node, owner string, table store.Source, syncedAt time.Time) store.MirrorRecord {
	record := store.MirrorRecord{
		Source:         table,
		FileID:         node.ID,
		Name:           node.Name,
		Type:           node.MimeType,
		OwnerEmail:     owner,
		Service:        node.ExtensionTag,
		ParentFolderID: node.ParentFolderID,
		LastSyncedAt:   &syncedAt,
		Metadata: map[string]any{
			"synced_at":           syncedAt.Format(time.RFC3339),
			"source":              "drive_sync",
			"shared":              node.Shared,
			"drive_modified_time": node.ModifiedTime.UTC().Format(time.RFC3339),
		},
	}
	if table == store.SourceUserFolders {
		record.UserEmail, _ = folderUserEmail(node.Name)
	}
	return record
}

// insertFolder writes the folder to its table. It reports false when a row
// for the same Drive id already exists.
func (s *Service) insertFolder(ctx context.Context, node drive.Node) (store.Source, bool, error) {
	table := FolderTable(node, s.alwaysGroup)
	record := folderRecord(node, s.cfg.Owner, table, s.now())

	if table == store.SourceUserFolders {
		exists, err := s.store.UserFolderExists(ctx, node.ID, s.cfg.Owner)
		if err != nil {
			return table, false, fmt.Errorf("check user folder: %w", err)
		}
		if exists {
			return table, false, nil
		}
		inserted, err := s.store.InsertUserFolder(ctx, record)
		if err != nil {
			return table, false, fmt.Errorf("insert user folder: %w", err)
		}
		return table, inserted, nil
	}

	inserted, err := s.store.InsertGroupFolder(ctx, record)
	if err != nil {
		return table, false, fmt.Errorf("insert group folder: %w", err)
	}
	return table, inserted, nil
}
