package app

import (
	"time"

	"brify/api/internal/drive"
	"brify/api/internal/drivesync"
	"brify/api/internal/store"
)

func diffView(diff drivesync.Diff) map[string]any {
	toAdd := make([]map[string]any, 0, len(diff.ToAdd))
	for _, node := range diff.ToAdd {
		toAdd = append(toAdd, nodeView(node))
	}
	toUpdate := make([]map[string]any, 0, len(diff.ToUpdate))
	for _, update := range diff.ToUpdate {
		view := nodeView(update.Node)
		view["mirrored"] = recordView(update.Record)
		toUpdate = append(toUpdate, view)
	}
	toRemove := make([]map[string]any, 0, len(diff.ToRemove))
	for _, record := range diff.ToRemove {
		toRemove = append(toRemove, recordView(record))
	}
	return map[string]any{
		"toAdd":    toAdd,
		"toUpdate": toUpdate,
		"toRemove": toRemove,
		"total":    len(toAdd) + len(toUpdate) + len(toRemove),
	}
}

func nodeView(node drive.Node) map[string]any {
	return map[string]any{
		"fileId":         node.ID,
		"name":           node.Name,
		"mimeType":       node.MimeType,
		"isFolder":       node.IsFolder,
		"size":           node.Size,
		"parentFolderId": node.ParentFolderID,
		"extension":      node.ExtensionTag,
		"shared":         node.Shared,
		"modifiedTime":   timeValue(node.ModifiedTime),
	}
}

func recordView(record store.MirrorRecord) map[string]any {
	var lastSynced any
	if record.LastSyncedAt != nil {
		lastSynced = timeValue(*record.LastSyncedAt)
	}
	return map[string]any{
		"fileId":       record.FileID,
		"name":         record.Name,
		"mimeType":     record.Type,
		"table":        string(record.Source),
		"service":      record.Service,
		"createdAt":    timeValue(record.CreatedAt),
		"lastSyncedAt": lastSynced,
	}
}

func resultView(result drivesync.Result) map[string]any {
	errs := make([]map[string]any, 0, len(result.Errors))
	for _, itemErr := range result.Errors {
		errs = append(errs, map[string]any{
			"kind":   string(itemErr.Action.Kind),
			"fileId": itemErr.Action.FileID(),
			"name":   itemErr.Action.Name(),
			"step":   itemErr.Step,
			"error":  itemErr.Err.Error(),
		})
	}
	return map[string]any{
		"added":   appliedViews(result.Added),
		"updated": appliedViews(result.Updated),
		"removed": appliedViews(result.Removed),
		"skipped": appliedViews(result.Skipped),
		"errors":  errs,
	}
}

func appliedViews(items []drivesync.Applied) []map[string]any {
	views := make([]map[string]any, 0, len(items))
	for _, item := range items {
		view := map[string]any{
			"kind":   string(item.Kind),
			"fileId": item.FileID,
			"name":   item.Name,
			"table":  string(item.Table),
		}
		if item.EmbeddingGenerated {
			view["embeddingGenerated"] = true
		}
		if item.Reason != "" {
			view["reason"] = item.Reason
		}
		views = append(views, view)
	}
	return views
}

func statsView(stats drivesync.Stats) map[string]any {
	extensions := make([]map[string]any, 0, len(stats.Extensions))
	for _, ext := range stats.Extensions {
		extensions = append(extensions, map[string]any{
			"folderId":   ext.FolderID,
			"extension":  ext.Extension,
			"folderName": ext.FolderName,
		})
	}
	var lastSynced any
	if stats.Mirror.LastSyncedAt != nil {
		lastSynced = timeValue(*stats.Mirror.LastSyncedAt)
	}
	return map[string]any{
		"state":        string(stats.State),
		"owner":        stats.Owner,
		"rootFolderId": stats.RootFolderID,
		"extensions":   extensions,
		"mirror": map[string]any{
			"documents":            stats.Mirror.Documents,
			"documentsWithVectors": stats.Mirror.DocumentsWithVectors,
			"groupFolders":         stats.Mirror.GroupFolders,
			"userFolders":          stats.Mirror.UserFolders,
			"sharedGrants":         stats.Mirror.SharedGrants,
			"tokensUsed":           stats.Mirror.TokensUsed,
			"storageBytes":         stats.Mirror.StorageBytes,
			"lastSyncedAt":         lastSynced,
		},
		"lastDetection": summaryView(stats.LastDetection),
		"lastApply":     summaryView(stats.LastApply),
	}
}

func summaryView(summary *drivesync.RunSummary) any {
	if summary == nil {
		return nil
	}
	return map[string]any{
		"at":         timeValue(summary.At),
		"durationMs": summary.Duration.Milliseconds(),
		"added":      summary.Added,
		"updated":    summary.Updated,
		"removed":    summary.Removed,
		"skipped":    summary.Skipped,
		"errors":     summary.Errors,
	}
}

func timeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
