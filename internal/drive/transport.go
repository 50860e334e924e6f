package drive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// TokenSource hands out access tokens and can drop a token the API rejected.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// AuthTransport attaches a bearer token and retries a request once with a
// fresh token when Drive answers 401.
type AuthTransport struct {
	Source TokenSource
	Base   http.RoundTripper
}

func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	var body []byte
	if req.Body != nil && req.GetBody == nil {
		raw, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("buffer request body: %w", err)
		}
		body = raw
	}

	resp, err := t.attempt(req, base, body)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	t.Source.Invalidate()
	return t.attempt(req, base, body)
}

func (t *AuthTransport) attempt(req *http.Request, base http.RoundTripper, body []byte) (*http.Response, error) {
	token, err := t.Source.Token(req.Context())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	clone := req.Clone(req.Context())
	switch {
	case body != nil:
		clone.Body = io.NopCloser(bytes.NewReader(body))
	case req.GetBody != nil:
		fresh, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		clone.Body = fresh
	}
	clone.Header.Set("Authorization", "Bearer "+token)
	return base.RoundTrip(clone)
}

// RefreshingSource exchanges an administrator refresh token for access tokens
// through Google's OAuth endpoint and caches the current one.
type RefreshingSource struct {
	config       *oauth2.Config
	refreshToken string

	mu      sync.Mutex
	current *oauth2.Token
}

func NewRefreshingSource(clientID, clientSecret, refreshToken string) *RefreshingSource {
	return &RefreshingSource{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"https://www.googleapis.com/auth/drive.readonly"},
		},
		refreshToken: refreshToken,
	}
}

// NewRefreshingSourceWithConfig is used when the token endpoint is not Google's.
func NewRefreshingSourceWithConfig(config *oauth2.Config, refreshToken string) *RefreshingSource {
	return &RefreshingSource{config: config, refreshToken: refreshToken}
}

func (s *RefreshingSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.Valid() {
		return s.current.AccessToken, nil
	}
	token, err := s.config.TokenSource(ctx, &oauth2.Token{RefreshToken: s.refreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}
	if token.RefreshToken != "" {
		s.refreshToken = token.RefreshToken
	}
	s.current = token
	return token.AccessToken, nil
}

func (s *RefreshingSource) Invalidate() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

// StaticSource serves a fixed access token. Invalidate is a no-op.
type StaticSource string

func (s StaticSource) Token(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("no access token")
	}
	return string(s), nil
}

func (StaticSource) Invalidate() {}
