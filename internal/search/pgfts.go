package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the documents mirror using PostgreSQL
// full-text search. It reads the mirror directly, so it needs no indexing.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks documentos_administrador rows of one owner with
// plainto_tsquery and ts_rank, using ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "d.search_vector @@ plainto_tsquery('simple', $1) AND d.owner_email = $2"
	args := []any{q.Text, q.OwnerEmail}
	if q.FilterService != "" {
		where += " AND d.service = $3"
		args = append(args, q.FilterService)
	}

	var total int
	countSQL := "SELECT count(*) FROM documentos_administrador d WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT d.file_id, d.name,
			ts_headline('simple', coalesce(d.content, ''), plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			d.file_type, coalesce(d.service, '')
		FROM documentos_administrador d
		WHERE %s
		ORDER BY ts_rank(d.search_vector, plainto_tsquery('simple', $1)) DESC, d.id
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.FileID, &r.Name, &r.Snippet, &r.MimeType, &r.Service); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.ID = DocumentKey(q.OwnerEmail, r.FileID)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every mirrored document for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context, maxContent int) ([]DocumentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT file_id, name, file_type, owner_email, coalesce(service, ''), coalesce(content, '')
		FROM documentos_administrador
	`)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	documents := make([]DocumentRecord, 0)
	for rows.Next() {
		var d DocumentRecord
		if err := rows.Scan(&d.FileID, &d.Name, &d.MimeType, &d.OwnerEmail, &d.Service, &d.Content); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.ID = DocumentKey(d.OwnerEmail, d.FileID)
		d.Content = truncate(d.Content, maxContent)
		documents = append(documents, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return documents, nil
}
