package drivesync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"brify/api/internal/drive"
	"brify/api/internal/ingest"
	"brify/api/internal/store"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

type mirrorKey struct {
	source store.Source
	fileID string
}

type accessKey struct {
	folderID string
	grantee  string
}

// memStore is an in-memory MirrorStore and AccessStore keyed the way the
// unique constraints are.
type memStore struct {
	mu         sync.Mutex
	owner      string
	root       store.AdminRootFolder
	rootErr    error
	extensions []store.ExtensionSubfolder
	records    map[mirrorKey]store.MirrorRecord
	order      []mirrorKey
	access     map[accessKey]store.SharedAccessRecord
	storage    int64
	tokens     int64

	insertDocumentFn func(record store.MirrorRecord) error
	storageFn        func(bytes int64) error
}

func newMemStore(owner, rootID string, extensions ...store.ExtensionSubfolder) *memStore {
	return &memStore{
		owner:      owner,
		root:       store.AdminRootFolder{OwnerEmail: owner, RootFolderID: rootID, FolderName: "Brify"},
		extensions: extensions,
		records:    make(map[mirrorKey]store.MirrorRecord),
		access:     make(map[accessKey]store.SharedAccessRecord),
	}
}

func (m *memStore) put(record store.MirrorRecord) {
	key := mirrorKey{record.Source, record.FileID}
	if _, ok := m.records[key]; !ok {
		m.order = append(m.order, key)
	}
	if record.OwnerEmail == "" {
		record.OwnerEmail = m.owner
	}
	m.records[key] = record
}

func (m *memStore) seed(records ...store.MirrorRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range records {
		m.put(record)
	}
}

func (m *memStore) count(source store.Source) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.records {
		if key.source == source {
			n++
		}
	}
	return n
}

func (m *memStore) get(source store.Source, fileID string) (store.MirrorRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[mirrorKey{source, fileID}]
	return record, ok
}

func (m *memStore) grants(folderID string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for key, rec := range m.access {
		if key.folderID == folderID {
			out[key.grantee] = rec.Role
		}
	}
	return out
}

func (m *memStore) Snapshot(_ context.Context, ownerEmail string) ([]store.MirrorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.MirrorRecord, 0, len(m.order))
	for _, key := range m.order {
		record, ok := m.records[key]
		if ok && record.OwnerEmail == ownerEmail {
			out = append(out, record)
		}
	}
	return out, nil
}

func (m *memStore) insert(record store.MirrorRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[mirrorKey{record.Source, record.FileID}]; exists {
		return false, nil
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = testNow
	}
	m.put(record)
	return true, nil
}

func (m *memStore) InsertDocument(_ context.Context, record store.MirrorRecord) (bool, error) {
	if m.insertDocumentFn != nil {
		if err := m.insertDocumentFn(record); err != nil {
			return false, err
		}
	}
	record.Source = store.SourceDocuments
	return m.insert(record)
}

func (m *memStore) InsertGroupFolder(_ context.Context, record store.MirrorRecord) (bool, error) {
	record.Source = store.SourceGroups
	return m.insert(record)
}

func (m *memStore) InsertUserFolder(_ context.Context, record store.MirrorRecord) (bool, error) {
	record.Source = store.SourceUserFolders
	return m.insert(record)
}

func (m *memStore) UserFolderExists(_ context.Context, fileID, _ string) (bool, error) {
	_, ok := m.get(store.SourceUserFolders, fileID)
	return ok, nil
}

func (m *memStore) DocumentExists(_ context.Context, fileID, _ string) (bool, error) {
	_, ok := m.get(store.SourceDocuments, fileID)
	return ok, nil
}

func (m *memStore) TrackTokenUsage(_ context.Context, _ string, tokens int64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens += tokens
	return nil
}

func (m *memStore) UpdateMirrorRecord(_ context.Context, source store.Source, fileID, _ string, update store.RecordUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mirrorKey{source, fileID}
	record, ok := m.records[key]
	if !ok {
		return false, nil
	}
	record.Name = update.Name
	record.Type = update.Type
	record.ParentFolderID = update.ParentFolderID
	synced := update.SyncedAt
	record.LastSyncedAt = &synced
	if source == store.SourceDocuments {
		record.Size = update.Size
	}
	m.records[key] = record
	return true, nil
}

func (m *memStore) DeleteMirrorRecord(_ context.Context, source store.Source, fileID, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mirrorKey{source, fileID}
	if _, ok := m.records[key]; !ok {
		return false, nil
	}
	delete(m.records, key)
	return true, nil
}

func (m *memStore) GetAdminRootFolder(context.Context, string) (store.AdminRootFolder, error) {
	if m.rootErr != nil {
		return store.AdminRootFolder{}, m.rootErr
	}
	return m.root, nil
}

func (m *memStore) ListExtensionSubfolders(context.Context, string) ([]store.ExtensionSubfolder, error) {
	return m.extensions, nil
}

func (m *memStore) IncrementStorageUsage(_ context.Context, _ string, bytes int64) error {
	if m.storageFn != nil {
		if err := m.storageFn(bytes); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.storage += bytes
	m.mu.Unlock()
	return nil
}

func (m *memStore) MirrorStats(context.Context, string) (store.MirrorStats, error) {
	return store.MirrorStats{
		Documents:    m.count(store.SourceDocuments),
		GroupFolders: m.count(store.SourceGroups),
		UserFolders:  m.count(store.SourceUserFolders),
		StorageBytes: m.storage,
	}, nil
}

func (m *memStore) ListSharedAccess(_ context.Context, folderID, _ string) ([]store.SharedAccessRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.SharedAccessRecord, 0)
	for key, rec := range m.access {
		if key.folderID == folderID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GranteeEmail < out[j].GranteeEmail })
	return out, nil
}

func (m *memStore) InsertSharedAccess(_ context.Context, record store.SharedAccessRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := accessKey{record.FolderID, record.GranteeEmail}
	if _, ok := m.access[key]; ok {
		return false, nil
	}
	m.access[key] = record
	return true, nil
}

func (m *memStore) DeleteSharedAccess(_ context.Context, folderID, _, grantee string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := accessKey{folderID, grantee}
	if _, ok := m.access[key]; !ok {
		return false, nil
	}
	delete(m.access, key)
	return true, nil
}

type fakeTree struct {
	listTreeFn func(folderID string, recursive bool, extension string) ([]drive.Node, error)
}

func (f *fakeTree) ListTree(_ context.Context, folderID string, recursive bool, extension string) ([]drive.Node, error) {
	return f.listTreeFn(folderID, recursive, extension)
}

type fakeDrive struct {
	getFileFn         func(fileID string) (drive.File, error)
	listPermissionsFn func(fileID string) ([]drive.Permission, error)
}

func (f *fakeDrive) GetFile(_ context.Context, fileID string) (drive.File, error) {
	if f.getFileFn == nil {
		return drive.File{ID: fileID, Name: "root", MimeType: drive.FolderMimeType}, nil
	}
	return f.getFileFn(fileID)
}

func (f *fakeDrive) ListPermissions(_ context.Context, fileID string) ([]drive.Permission, error) {
	if f.listPermissionsFn == nil {
		return nil, nil
	}
	return f.listPermissionsFn(fileID)
}

type fakeIngester struct {
	calls    int
	ingestFn func(node drive.Node, owner string) (ingest.Outcome, error)
}

func (f *fakeIngester) Ingest(_ context.Context, node drive.Node, owner string) (ingest.Outcome, error) {
	f.calls++
	if f.ingestFn != nil {
		return f.ingestFn(node, owner)
	}
	synced := testNow
	return ingest.Outcome{
		Record: store.MirrorRecord{
			Source:         store.SourceDocuments,
			FileID:         node.ID,
			Name:           node.Name,
			Type:           node.MimeType,
			OwnerEmail:     owner,
			Service:        node.ExtensionTag,
			ParentFolderID: node.ParentFolderID,
			Content:        "text of " + node.Name,
			Embedding:      []float32{0.1, 0.2, 0.3},
			LastSyncedAt:   &synced,
		},
		EmbeddingGenerated: true,
		Tokens:             3,
	}, nil
}

type fakeConnector struct {
	session Session
	err     error
}

func (f *fakeConnector) Connect(context.Context, string) (Session, error) {
	return f.session, f.err
}

type fakeIndex struct {
	indexed []string
	deleted []string
	err     error
}

func (f *fakeIndex) IndexDocument(_ context.Context, record store.MirrorRecord) error {
	f.indexed = append(f.indexed, record.FileID)
	return f.err
}

func (f *fakeIndex) DeleteDocument(_ context.Context, _, fileID string) error {
	f.deleted = append(f.deleted, fileID)
	return f.err
}

type fakeArchive struct {
	removed []string
}

func (f *fakeArchive) Put(context.Context, string, string, string, []byte) error { return nil }

func (f *fakeArchive) Remove(_ context.Context, _, fileID string) error {
	f.removed = append(f.removed, fileID)
	return nil
}

type fakeNotifier struct {
	reports []Result
}

func (f *fakeNotifier) NotifySyncReport(_ context.Context, _ string, result Result) error {
	f.reports = append(f.reports, result)
	return nil
}

var errDownload = errors.New("drive download failed")

func fileNode(id, name, parent string) drive.Node {
	return drive.Node{
		ID:             id,
		Name:           name,
		MimeType:       "text/plain",
		Size:           42,
		CreatedTime:    testNow.Add(-48 * time.Hour),
		ModifiedTime:   testNow.Add(-24 * time.Hour),
		ParentFolderID: parent,
	}
}

func folderNode(id, name, parent string) drive.Node {
	return drive.Node{
		ID:             id,
		Name:           name,
		MimeType:       drive.FolderMimeType,
		CreatedTime:    testNow.Add(-48 * time.Hour),
		ModifiedTime:   testNow.Add(-24 * time.Hour),
		ParentFolderID: parent,
		IsFolder:       true,
	}
}

type harness struct {
	store    *memStore
	tree     *fakeTree
	drive    *fakeDrive
	ingester *fakeIngester
	index    *fakeIndex
	archive  *fakeArchive
	notifier *fakeNotifier
	svc      *Service
}

// newHarness builds an initialized service whose Drive tree is live.
func newHarness(t *testing.T, live map[string][]drive.Node, extensions ...store.ExtensionSubfolder) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore("admin@example.com", "ROOT", extensions...),
		drive:    &fakeDrive{},
		ingester: &fakeIngester{},
		index:    &fakeIndex{},
		archive:  &fakeArchive{},
		notifier: &fakeNotifier{},
	}
	h.tree = &fakeTree{listTreeFn: func(folderID string, _ bool, extension string) ([]drive.Node, error) {
		nodes := append([]drive.Node(nil), live[folderID]...)
		for i := range nodes {
			if extension != "" {
				nodes[i].ExtensionTag = extension
			}
		}
		return nodes, nil
	}}
	h.svc = New(Deps{
		Store:     h.store,
		Access:    h.store,
		Connector: &fakeConnector{session: Session{Tree: h.tree, Drive: h.drive, Ingest: h.ingester}},
		Index:     h.index,
		Archive:   h.archive,
		Notifier:  h.notifier,
		Now:       fixedNow,
	}, Config{
		Owner:                 "admin@example.com",
		AlwaysGroupExtensions: []string{"legal"},
		NotifyOnErrors:        true,
	})
	if err := h.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return h
}
