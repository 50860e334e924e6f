package drive

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), srv.Client(), ClientOptions{Endpoint: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestClientListChildren(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if q := r.URL.Query().Get("q"); q != "'ROOT' in parents and trashed=false" {
			t.Errorf("unexpected query %q", q)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			_, _ = io.WriteString(w, `{"nextPageToken":"p2","files":[{"id":"F1","name":"doc.pdf","mimeType":"application/pdf","size":"12","parents":["ROOT"],"modifiedTime":"2024-02-01T00:00:00Z"}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"files":[{"id":"D1","name":"legal","mimeType":"application/vnd.google-apps.folder","shared":true}]}`)
	}))

	first, err := client.ListChildren(context.Background(), "ROOT", "", 1000)
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if first.NextPageToken != "p2" || len(first.Files) != 1 || first.Files[0].Size != 12 {
		t.Fatalf("unexpected first page %+v", first)
	}

	second, err := client.ListChildren(context.Background(), "ROOT", "p2", 1000)
	if err != nil {
		t.Fatalf("ListChildren page 2: %v", err)
	}
	if len(second.Files) != 1 || !second.Files[0].Shared {
		t.Fatalf("unexpected second page %+v", second)
	}
}

func TestClientMapsNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":404,"message":"File not found: F404"}}`)
	}))

	_, err := client.GetFile(context.Background(), "F404")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClientDownloadExportsWorkspaceDocuments(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/files/DOC/export":
			if got := r.URL.Query().Get("mimeType"); got != "text/plain" {
				t.Errorf("unexpected export mime %q", got)
			}
			_, _ = io.WriteString(w, "exported text")
		case r.URL.Path == "/files/BIN" && r.URL.Query().Get("alt") == "media":
			_, _ = io.WriteString(w, "raw bytes")
		default:
			t.Errorf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
	}))

	doc, err := client.Download(context.Background(), "DOC", "application/vnd.google-apps.document")
	if err != nil || string(doc) != "exported text" {
		t.Fatalf("export download = %q, %v", doc, err)
	}
	raw, err := client.Download(context.Background(), "BIN", "application/pdf")
	if err != nil || string(raw) != "raw bytes" {
		t.Fatalf("media download = %q, %v", raw, err)
	}
}

func TestClientDownloadEnforcesLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 64))
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), srv.Client(), ClientOptions{Endpoint: srv.URL + "/", MaxDownload: 16})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.Download(context.Background(), "BIG", "text/plain"); err == nil {
		t.Fatal("expected size limit error")
	}
}

func TestClientListPermissions(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/files/FOLDER/permissions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"permissions":[{"id":"1","type":"user","role":"owner","emailAddress":"admin@x.com"},{"id":"2","type":"user","role":"writer","emailAddress":" A@x.com "}]}`)
	}))

	perms, err := client.ListPermissions(context.Background(), "FOLDER")
	if err != nil {
		t.Fatalf("ListPermissions: %v", err)
	}
	if len(perms) != 2 || !perms[0].IsOwner() || perms[1].EmailAddress != "a@x.com" {
		t.Fatalf("unexpected permissions %+v", perms)
	}
}

func TestAuthTransportRetriesOnceAfter401(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(srv.Close)

	source := &rotatingSource{tokens: []string{"stale", "fresh"}}
	client := &http.Client{Transport: &AuthTransport{Source: source, Base: srv.Client().Transport}}

	resp, err := client.Post(srv.URL, "text/plain", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after retry, got %d", resp.StatusCode)
	}
	if hits.Load() != 2 || source.invalidated != 1 {
		t.Fatalf("expected one retry, got hits=%d invalidated=%d", hits.Load(), source.invalidated)
	}
}

func TestAuthTransportSurfacesPersistent401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	client := &http.Client{Transport: &AuthTransport{Source: StaticSource("revoked"), Base: srv.Client().Transport}}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 to surface, got %d", resp.StatusCode)
	}
}

type rotatingSource struct {
	tokens      []string
	invalidated int
}

func (s *rotatingSource) Token(context.Context) (string, error) {
	return s.tokens[s.invalidated], nil
}

func (s *rotatingSource) Invalidate() {
	s.invalidated++
}
