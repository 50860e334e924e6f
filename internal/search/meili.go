package search

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	meili "github.com/meilisearch/meilisearch-go"

	"brify/api/internal/logging"
)

const idxDocuments = "brify_drive_documents"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the index.
// An unreachable server is tolerated; the health loop picks it up later.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logging.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxDocuments,
		PrimaryKey: "id",
	}); err != nil {
		logging.Debug().Err(err).Str("index", idxDocuments).Msg("create index (may already exist)")
	}

	index := m.client.Index(idxDocuments)
	filterable := []interface{}{"ownerEmail", "service", "mimeType"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		logging.Warn().Err(err).Str("index", idxDocuments).Msg("update filterable attributes")
	}
	searchable := []string{"name", "content"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		logging.Warn().Err(err).Str("index", idxDocuments).Msg("update searchable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				logging.Info().Msg("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	filters := []string{fmt.Sprintf("ownerEmail = %q", q.OwnerEmail)}
	if q.FilterService != "" {
		filters = append(filters, fmt.Sprintf("service = %q", q.FilterService))
	}

	resp, err := m.client.Index(idxDocuments).Search(q.Text, &meili.SearchRequest{
		Limit:                 limit,
		Offset:                int64(q.Offset),
		Filter:                filters,
		AttributesToCrop:      []string{"content"},
		CropLength:            30,
		AttributesToHighlight: []string{"name", "content"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ID:       decodeString(hit, "id"),
		FileID:   decodeString(hit, "fileId"),
		Name:     firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name")),
		Snippet:  decodeFormattedString(hit, "content"),
		MimeType: decodeString(hit, "mimeType"),
		Service:  decodeString(hit, "service"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	value, _ := formatted[key].(string)
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexDocuments merges records into the index; fields a record leaves out
// keep their indexed value.
func (m *Meili) IndexDocuments(documents []DocumentRecord) error {
	if len(documents) == 0 {
		return nil
	}
	_, err := m.client.Index(idxDocuments).UpdateDocuments(documents, nil)
	return err
}

func (m *Meili) DeleteDocument(id string) error {
	_, err := m.client.Index(idxDocuments).DeleteDocument(id, nil)
	return err
}
