package drivesync

import (
	"brify/api/internal/drive"
	"brify/api/internal/store"
)

// UpdateMode picks the mirror timestamp Drive's modifiedTime is compared with.
type UpdateMode string

const (
	// UpdateByLastSynced compares against last_synced_at, falling back to
	// created_at for rows written before the column existed.
	UpdateByLastSynced UpdateMode = "last_synced_at"
	// UpdateByCreatedAt compares against created_at. Every file edited after
	// its first sync keeps showing up as an update.
	UpdateByCreatedAt UpdateMode = "created_at"
)

// Protection lists the administrator's structural folders. Mirror rows for
// them, or directly under them, are never removed.
type Protection struct {
	RootFolderID       string
	ExtensionFolderIDs map[string]bool
}

func NewProtection(rootFolderID string, extensions []store.ExtensionSubfolder) Protection {
	ids := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		ids[ext.FolderID] = true
	}
	return Protection{RootFolderID: rootFolderID, ExtensionFolderIDs: ids}
}

func (p Protection) Protects(record store.MirrorRecord) bool {
	if p.RootFolderID != "" && (record.FileID == p.RootFolderID || record.ParentFolderID == p.RootFolderID) {
		return true
	}
	return p.ExtensionFolderIDs[record.FileID] || p.ExtensionFolderIDs[record.ParentFolderID]
}

// Reconcile diffs the live Drive tree against the mirror snapshot. It does
// no I/O. Output order follows the input order.
func Reconcile(live []drive.Node, mirror []store.MirrorRecord, guard Protection, mode UpdateMode) Diff {
	mirrorByID := make(map[string]store.MirrorRecord, len(mirror))
	for _, record := range mirror {
		if _, seen := mirrorByID[record.FileID]; !seen {
			mirrorByID[record.FileID] = record
		}
	}
	liveByID := make(map[string]drive.Node, len(live))
	for _, node := range live {
		liveByID[node.ID] = node
	}

	diff := Diff{
		ToAdd:    make([]drive.Node, 0),
		ToUpdate: make([]Discrepancy, 0),
		ToRemove: make([]store.MirrorRecord, 0),
	}

	queued := make(map[string]bool, len(live))
	for _, node := range live {
		if queued[node.ID] {
			continue
		}
		queued[node.ID] = true

		record, mirrored := mirrorByID[node.ID]
		switch {
		case !mirrored:
			diff.ToAdd = append(diff.ToAdd, node)
		case needsUpdate(node, record, mode):
			diff.ToUpdate = append(diff.ToUpdate, UpdateOf(node, record))
		}
	}

	for _, record := range mirror {
		if _, ok := liveByID[record.FileID]; ok {
			continue
		}
		if guard.Protects(record) {
			continue
		}
		diff.ToRemove = append(diff.ToRemove, record)
	}
	return diff
}

func needsUpdate(node drive.Node, record store.MirrorRecord, mode UpdateMode) bool {
	if node.Name != record.Name || node.MimeType != record.Type {
		return true
	}
	if node.ModifiedTime.IsZero() {
		return false
	}
	reference := record.CreatedAt
	if mode != UpdateByCreatedAt {
		reference = record.SyncReference()
	}
	return node.ModifiedTime.After(reference)
}
