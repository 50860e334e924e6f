package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"brify/api/internal/auth"
	"brify/api/internal/config"
	"brify/api/internal/drive"
	"brify/api/internal/drivesync"
	"brify/api/internal/email"
	"brify/api/internal/ingest"
	"brify/api/internal/rbac"
	"brify/api/internal/search"
	"brify/api/internal/store"
)

const (
	testSecret = "test-secret"
	testOwner  = "admin@example.com"
	testRoot   = "ROOT"
)

type fakeStore struct {
	mu        sync.Mutex
	pingFn    func(context.Context) error
	credsFn   func(context.Context, string) (store.AdminCredentials, error)
	noRoot    bool
	documents map[string]store.MirrorRecord
	storage   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{documents: make(map[string]store.MirrorRecord)}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) Snapshot(_ context.Context, owner string) ([]store.MirrorRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	records := make([]store.MirrorRecord, 0, len(f.documents))
	for _, record := range f.documents {
		if record.OwnerEmail == owner {
			records = append(records, record)
		}
	}
	return records, nil
}

func (f *fakeStore) InsertDocument(_ context.Context, record store.MirrorRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.documents[record.FileID]; ok {
		return false, nil
	}
	record.Source = store.SourceDocuments
	f.documents[record.FileID] = record
	return true, nil
}

func (f *fakeStore) InsertGroupFolder(context.Context, store.MirrorRecord) (bool, error) {
	return true, nil
}

func (f *fakeStore) InsertUserFolder(context.Context, store.MirrorRecord) (bool, error) {
	return true, nil
}

func (f *fakeStore) UserFolderExists(context.Context, string, string) (bool, error) {
	return false, nil
}

func (f *fakeStore) DocumentExists(_ context.Context, fileID, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.documents[fileID]
	return ok, nil
}

func (f *fakeStore) UpdateMirrorRecord(context.Context, store.Source, string, string, store.RecordUpdate) (bool, error) {
	return true, nil
}

func (f *fakeStore) DeleteMirrorRecord(_ context.Context, _ store.Source, fileID, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.documents[fileID]; !ok {
		return false, nil
	}
	delete(f.documents, fileID)
	return true, nil
}

func (f *fakeStore) GetAdminRootFolder(_ context.Context, owner string) (store.AdminRootFolder, error) {
	if f.noRoot {
		return store.AdminRootFolder{}, store.ErrNotFound
	}
	return store.AdminRootFolder{OwnerEmail: owner, RootFolderID: testRoot, FolderName: "Brify"}, nil
}

func (f *fakeStore) GetAdminCredentials(ctx context.Context, owner string) (store.AdminCredentials, error) {
	if f.credsFn != nil {
		return f.credsFn(ctx, owner)
	}
	return store.AdminCredentials{}, store.ErrNotFound
}

func (f *fakeStore) ListExtensionSubfolders(context.Context, string) ([]store.ExtensionSubfolder, error) {
	return nil, nil
}

func (f *fakeStore) IncrementStorageUsage(_ context.Context, _ string, bytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storage += bytes
	return nil
}

func (f *fakeStore) TrackTokenUsage(context.Context, string, int64, string) error {
	return nil
}

func (f *fakeStore) MirrorStats(context.Context, string) (store.MirrorStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return store.MirrorStats{Documents: len(f.documents), StorageBytes: f.storage}, nil
}

func (f *fakeStore) ListSharedAccess(context.Context, string, string) ([]store.SharedAccessRecord, error) {
	return nil, nil
}

func (f *fakeStore) InsertSharedAccess(context.Context, store.SharedAccessRecord) (bool, error) {
	return true, nil
}

func (f *fakeStore) DeleteSharedAccess(context.Context, string, string, string) (bool, error) {
	return true, nil
}

// fakeDrive serves a flat root folder and doubles as walker and ingester.
type fakeDrive struct {
	files   []drive.Node
	ingests int
}

func (f *fakeDrive) ListTree(_ context.Context, folderID string, _ bool, _ string) ([]drive.Node, error) {
	if folderID != testRoot {
		return nil, nil
	}
	return f.files, nil
}

func (f *fakeDrive) GetFile(_ context.Context, fileID string) (drive.File, error) {
	return drive.File{ID: fileID, Name: "Brify", MimeType: drive.FolderMimeType}, nil
}

func (f *fakeDrive) ListPermissions(context.Context, string) ([]drive.Permission, error) {
	return nil, nil
}

func (f *fakeDrive) Ingest(_ context.Context, node drive.Node, owner string) (ingest.Outcome, error) {
	f.ingests++
	now := time.Now().UTC()
	return ingest.Outcome{
		Record: store.MirrorRecord{
			Source:         store.SourceDocuments,
			FileID:         node.ID,
			Name:           node.Name,
			Type:           node.MimeType,
			OwnerEmail:     owner,
			ParentFolderID: node.ParentFolderID,
			Content:        "contents of " + node.Name,
			Embedding:      []float32{0.1, 0.2},
			LastSyncedAt:   &now,
		},
		EmbeddingGenerated: true,
	}, nil
}

type fakeConnector struct {
	drive *fakeDrive
}

func (c *fakeConnector) Connect(context.Context, string) (drivesync.Session, error) {
	return drivesync.Session{Tree: c.drive, Drive: c.drive, Ingest: c.drive}, nil
}

type fakeIndex struct {
	mu      sync.Mutex
	indexed []string
	queries []search.Query
}

func (f *fakeIndex) IndexDocument(_ context.Context, record store.MirrorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, record.FileID)
	return nil
}

func (f *fakeIndex) DeleteDocument(context.Context, string, string) error {
	return nil
}

func (f *fakeIndex) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return search.Response{
		Results: []search.Result{{ID: "doc-1", FileID: "F1", Name: "contract.txt", Snippet: "the <mark>contract</mark>"}},
		Total:   1,
		Query:   q.Text,
	}
}

type fakeMailer struct {
	configured bool
	reports    []email.SyncReport
	sendFn     func(email.SyncReport) error
}

func (f *fakeMailer) IsConfigured() bool {
	return f.configured
}

func (f *fakeMailer) SendSyncReport(report email.SyncReport) error {
	f.reports = append(f.reports, report)
	if f.sendFn != nil {
		return f.sendFn(report)
	}
	return nil
}

func fileNode(id, name string) drive.Node {
	return drive.Node{
		ID:             id,
		Name:           name,
		MimeType:       "text/plain",
		ParentFolderID: testRoot,
		ModifiedTime:   time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

type testEnv struct {
	store  *fakeStore
	drive  *fakeDrive
	index  *fakeIndex
	svc    *Service
	server *HTTPServer
}

func newTestEnv(files ...drive.Node) *testEnv {
	env := &testEnv{
		store: newFakeStore(),
		drive: &fakeDrive{files: files},
		index: &fakeIndex{},
	}
	cfg := config.Config{JWTSecret: testSecret}
	cfg.Sync.AlwaysGroupExtensions = []string{"legal"}
	env.svc = New(cfg, env.store, Deps{
		Search:    env.index,
		Connector: &fakeConnector{drive: env.drive},
	})
	env.server = NewHTTPServer(env.svc, "*")
	return env
}

func issueToken(t *testing.T, owner string, role rbac.Role) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.NewClaims(owner, "", role, time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func containsAll(haystack string, needles ...string) bool {
	for _, needle := range needles {
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}
