package search

import (
	"context"
	"fmt"
	"unicode/utf8"

	"brify/api/internal/logging"
	"brify/api/internal/store"
)

// DefaultMaxIndexedContent caps the text pushed to Meilisearch per document.
const DefaultMaxIndexedContent = 20000

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili      *Meili
	pgfts      *PgFTS
	maxContent int
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts, maxContent: DefaultMaxIndexedContent}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		logging.Ctx(ctx).Warn().Err(err).Msg("meilisearch error, falling back to pgfts")
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDocument pushes a mirrored document to Meilisearch. Without a healthy
// Meilisearch it is a no-op: PG FTS reads the mirror table directly and the
// next ReindexAllFromPG catches the index up.
func (s *Service) IndexDocument(_ context.Context, record store.MirrorRecord) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	if err := s.meili.IndexDocuments([]DocumentRecord{s.recordFor(record)}); err != nil {
		return fmt.Errorf("index document %s: %w", record.FileID, err)
	}
	return nil
}

func (s *Service) DeleteDocument(_ context.Context, owner, fileID string) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	if err := s.meili.DeleteDocument(DocumentKey(owner, fileID)); err != nil {
		return fmt.Errorf("delete document %s: %w", fileID, err)
	}
	return nil
}

func (s *Service) recordFor(record store.MirrorRecord) DocumentRecord {
	return DocumentRecord{
		ID:         DocumentKey(record.OwnerEmail, record.FileID),
		FileID:     record.FileID,
		Name:       record.Name,
		MimeType:   record.Type,
		OwnerEmail: record.OwnerEmail,
		Service:    record.Service,
		Content:    truncate(record.Content, s.maxContent),
	}
}

// ReindexAllFromPG reindexes every mirrored document into Meilisearch.
// Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	documents, err := s.pgfts.LoadAllRecords(ctx, s.maxContent)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("search reindex load failed")
		return
	}
	if err := s.meili.IndexDocuments(documents); err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("search reindex failed")
		return
	}
	logging.Ctx(ctx).Info().Int("documents", len(documents)).Msg("search index rebuilt")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

func truncate(text string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxRunes])
}
