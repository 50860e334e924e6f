package drive

import (
	"context"
	"fmt"

	"brify/api/internal/logging"
	"brify/api/internal/metrics"
)

const DefaultPageSize int64 = 1000

// Walker enumerates Drive folder trees one request at a time.
type Walker struct {
	api      API
	pageSize int64
}

func NewWalker(api API, pageSize int64) *Walker {
	if pageSize <= 0 || pageSize > DefaultPageSize {
		pageSize = DefaultPageSize
	}
	return &Walker{api: api, pageSize: pageSize}
}

// ListTree returns the children of folderID. Subfolders are emitted as nodes
// and, when recursive is set, descended into breadth first. Every node is
// tagged with extension.
//
// A failed listing aborts the walk: a partial tree would look like deletions.
// A failed metadata lookup on a file only degrades to the listing's fields.
func (w *Walker) ListTree(ctx context.Context, folderID string, recursive bool, extension string) ([]Node, error) {
	nodes := make([]Node, 0)
	queue := []string{folderID}
	visited := map[string]bool{folderID: true}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current := queue[0]
		queue = queue[1:]

		children, err := w.listChildren(ctx, current)
		if err != nil {
			return nil, err
		}

		for _, f := range children {
			if f.MimeType != FolderMimeType {
				f = w.withDetails(ctx, f)
			}
			node, err := NodeFromFile(f, current)
			if err != nil {
				metrics.DriveNodesQuarantined.Inc()
				logging.Ctx(ctx).Warn().Err(err).Str("folder_id", current).Msg("skipping malformed drive entry")
				continue
			}
			node.ExtensionTag = extension
			nodes = append(nodes, node)

			if node.IsFolder && recursive && !visited[node.ID] {
				visited[node.ID] = true
				queue = append(queue, node.ID)
			}
		}
	}
	return nodes, nil
}

func (w *Walker) listChildren(ctx context.Context, folderID string) ([]File, error) {
	files := make([]File, 0)
	pageToken := ""
	for {
		page, err := w.api.ListChildren(ctx, folderID, pageToken, w.pageSize)
		if err != nil {
			return nil, fmt.Errorf("list folder %s: %w", folderID, err)
		}
		files = append(files, page.Files...)
		if page.NextPageToken == "" {
			return files, nil
		}
		pageToken = page.NextPageToken
	}
}

func (w *Walker) withDetails(ctx context.Context, listed File) File {
	detailed, err := w.api.GetFile(ctx, listed.ID)
	if err != nil {
		logging.Ctx(ctx).Debug().Err(err).Str("file_id", listed.ID).Msg("file metadata lookup failed, using listing fields")
		return listed
	}
	if detailed.ID == "" {
		detailed.ID = listed.ID
	}
	if detailed.MimeType == "" {
		detailed.MimeType = listed.MimeType
	}
	if detailed.Name == "" {
		detailed.Name = listed.Name
	}
	if len(detailed.Parents) == 0 {
		detailed.Parents = listed.Parents
	}
	return detailed
}

// MergeNodes concatenates node sets keeping the first occurrence of each ID.
func MergeNodes(sets ...[]Node) []Node {
	seen := make(map[string]bool)
	merged := make([]Node, 0)
	for _, set := range sets {
		for _, node := range set {
			if seen[node.ID] {
				continue
			}
			seen[node.ID] = true
			merged = append(merged, node)
		}
	}
	return merged
}
