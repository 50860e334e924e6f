package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"brify/api/internal/logging"
	"brify/api/internal/metrics"
)

// Embedder computes a vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTPEmbedder calls an OpenAI compatible /embeddings endpoint.
type HTTPEmbedder struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

func NewHTTPEmbedder(url, apiKey, model string, timeout time.Duration) *HTTPEmbedder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEmbedder{
		url:    url,
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: timeout},
	}
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embeddingRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("encode embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call embedding service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode embedding response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 {
		message := http.StatusText(resp.StatusCode)
		if decoded.Error != nil && decoded.Error.Message != "" {
			message = decoded.Error.Message
		}
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, message)
	}
	if len(decoded.Data) == 0 || len(decoded.Data[0].Embedding) == 0 {
		return nil, errors.New("embedding service returned no vector")
	}
	return decoded.Data[0].Embedding, nil
}

// CachedEmbedder memoizes vectors in redis keyed by the text's sha256.
type CachedEmbedder struct {
	next   Embedder
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewCachedEmbedder(next Embedder, client *redis.Client, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{next: next, client: client, ttl: ttl, prefix: "embedding:"}
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.prefix + hex.EncodeToString(sum[:])
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var vector []float32
		if decodeErr := json.Unmarshal(raw, &vector); decodeErr == nil && len(vector) > 0 {
			metrics.EmbeddingCache.WithLabelValues("hit").Inc()
			return vector, nil
		}
	case !errors.Is(err, redis.Nil):
		logging.Ctx(ctx).Warn().Err(err).Msg("embedding cache read failed")
	}
	metrics.EmbeddingCache.WithLabelValues("miss").Inc()

	vector, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(vector); err == nil {
		if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("embedding cache write failed")
		}
	}
	return vector, nil
}
