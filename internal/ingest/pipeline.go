// Package ingest turns newly discovered Drive files into mirror records with
// extracted text and an embedding.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"brify/api/internal/drive"
	"brify/api/internal/logging"
	"brify/api/internal/metrics"
	"brify/api/internal/store"
)

// UsageOperation tags token ledger entries written by the sync engine.
const UsageOperation = "drive_sync_embedding"

const defaultMaxEmbedChars = 30000

type Downloader interface {
	Download(ctx context.Context, fileID, mimeType string) ([]byte, error)
}

type UsageTracker interface {
	TrackTokenUsage(ctx context.Context, userID string, tokens int64, operation string) error
}

type Options struct {
	// MaxEmbedChars caps the text sent to the embedder. Content keeps the full text.
	MaxEmbedChars int
	Now           func() time.Time
}

type Pipeline struct {
	downloader Downloader
	extractor  Extractor
	embedder   Embedder
	usage      UsageTracker
	archive    Archive
	maxEmbed   int
	now        func() time.Time
}

// New wires a pipeline. archive may be nil; a nil embedder stores text
// without vectors.
func New(downloader Downloader, extractor Extractor, embedder Embedder, usage UsageTracker, archive Archive, opts Options) *Pipeline {
	maxEmbed := opts.MaxEmbedChars
	if maxEmbed <= 0 {
		maxEmbed = defaultMaxEmbedChars
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Pipeline{
		downloader: downloader,
		extractor:  extractor,
		embedder:   embedder,
		usage:      usage,
		archive:    archive,
		maxEmbed:   maxEmbed,
		now:        now,
	}
}

// Outcome is what ingesting one file produced. Warnings are failures that
// degraded the record without preventing it from being stored.
type Outcome struct {
	Record             store.MirrorRecord
	EmbeddingGenerated bool
	Tokens             int64
	Archived           bool
	Warnings           []error
}

// Ingest downloads, extracts and embeds node. Download, extraction and
// embedding failures are folded into the record instead of being returned;
// only context cancellation aborts.
func (p *Pipeline) Ingest(ctx context.Context, node drive.Node, owner string) (Outcome, error) {
	syncedAt := p.now()
	out := Outcome{Record: store.MirrorRecord{
		Source:         store.SourceDocuments,
		FileID:         node.ID,
		Name:           node.Name,
		Type:           node.MimeType,
		OwnerEmail:     owner,
		Service:        node.ExtensionTag,
		ParentFolderID: node.ParentFolderID,
		Size:           node.Size,
		LastSyncedAt:   &syncedAt,
	}}
	log := logging.Ctx(ctx).With().Str("file_id", node.ID).Str("mime_type", node.MimeType).Logger()

	processed := false
	originalLength := 0

	data, err := p.downloader.Download(ctx, node.ID, node.MimeType)
	switch {
	case ctx.Err() != nil:
		return Outcome{}, ctx.Err()
	case err != nil:
		log.Warn().Err(err).Msg("download failed, storing error description")
		out.Record.Content = "Error processing file: " + err.Error()
		out.Warnings = append(out.Warnings, fmt.Errorf("download %s: %w", node.ID, err))
	case !p.extractor.Supported(node.MimeType):
		out.Record.Content = fmt.Sprintf("Unsupported file type: %s", node.MimeType)
		p.archiveRaw(ctx, &out, node, owner, data)
	default:
		p.archiveRaw(ctx, &out, node, owner, data)
		text, err := p.extractor.Extract(ctx, node.MimeType, data)
		if err != nil {
			log.Warn().Err(err).Msg("text extraction failed, storing error description")
			out.Record.Content = "Error processing file: " + err.Error()
			out.Warnings = append(out.Warnings, fmt.Errorf("extract %s: %w", node.ID, err))
			break
		}
		out.Record.Content = text
		originalLength = utf8.RuneCountInString(text)
		processed = true

		if strings.TrimSpace(text) == "" || p.embedder == nil {
			break
		}
		if err := p.embed(ctx, &out, owner, text); err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			log.Warn().Err(err).Msg("embedding failed, storing text without vector")
			out.Warnings = append(out.Warnings, fmt.Errorf("embed %s: %w", node.ID, err))
		}
	}

	out.Record.Metadata = map[string]any{
		"synced_at":              syncedAt.Format(time.RFC3339),
		"original_length":        originalLength,
		"processed_successfully": processed,
		"embedding_generated":    out.EmbeddingGenerated,
		"source":                 "drive_sync",
		"mime_type":              node.MimeType,
		"drive_modified_time":    node.ModifiedTime.UTC().Format(time.RFC3339),
		"archived":               out.Archived,
	}
	return out, nil
}

// embed charges the owner for the text actually sent, not the full content.
func (p *Pipeline) embed(ctx context.Context, out *Outcome, owner, text string) error {
	input := text
	if utf8.RuneCountInString(input) > p.maxEmbed {
		input = string([]rune(input)[:p.maxEmbed])
	}

	vector, err := p.embedder.Embed(ctx, input)
	if err != nil {
		return err
	}
	out.Record.Embedding = vector
	out.EmbeddingGenerated = true
	out.Tokens = EstimateTokens(input)
	metrics.EmbeddingTokens.Add(float64(out.Tokens))

	if err := p.usage.TrackTokenUsage(ctx, owner, out.Tokens, UsageOperation); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("owner", owner).Msg("token usage tracking failed")
		out.Warnings = append(out.Warnings, fmt.Errorf("track token usage for %s: %w", out.Record.FileID, err))
	}
	return nil
}

func (p *Pipeline) archiveRaw(ctx context.Context, out *Outcome, node drive.Node, owner string, data []byte) {
	if p.archive == nil {
		return
	}
	if err := p.archive.Put(ctx, owner, node.ID, node.MimeType, data); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("file_id", node.ID).Msg("raw file archive failed")
		return
	}
	out.Archived = true
}

// EstimateTokens applies the four characters per token heuristic, rounding up.
func EstimateTokens(text string) int64 {
	chars := utf8.RuneCountInString(text)
	return int64((chars + 3) / 4)
}

// StorageBytes is the accounted size of a float32 vector.
func StorageBytes(embedding []float32) int64 {
	return int64(len(embedding)) * 4
}
