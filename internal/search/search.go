package search

import (
	"context"

	"github.com/google/uuid"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	FileID   string `json:"fileId"`
	Name     string `json:"name"`
	Snippet  string `json:"snippet"`
	MimeType string `json:"mimeType"`
	Service  string `json:"service,omitempty"`
}

// Query describes a search request. OwnerEmail is required; results never
// cross administrators.
type Query struct {
	Text          string
	OwnerEmail    string
	FilterService string
	Limit         int
	Offset        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// DocumentRecord is the data we index for a mirrored Drive file. Content is
// omitted on metadata-only updates so the indexed text survives the merge.
type DocumentRecord struct {
	ID         string `json:"id"`
	FileID     string `json:"fileId"`
	Name       string `json:"name"`
	MimeType   string `json:"mimeType"`
	OwnerEmail string `json:"ownerEmail"`
	Service    string `json:"service"`
	Content    string `json:"content,omitempty"`
}

// DocumentKey derives the index primary key. Drive ids are only unique per
// administrator, and the owner email holds characters the index rejects.
func DocumentKey(owner, fileID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(owner+"/"+fileID)).String()
}
