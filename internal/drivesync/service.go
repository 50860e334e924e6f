// Package drivesync reconciles an administrator's Google Drive tree with the
// mirror tables and applies the resulting adds, updates and removals.
package drivesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"brify/api/internal/drive"
	"brify/api/internal/ingest"
	"brify/api/internal/logging"
	"brify/api/internal/metrics"
	"brify/api/internal/runlock"
	"brify/api/internal/store"
)

var tracer = otel.Tracer("brify/drivesync")

const defaultLockTTL = 30 * time.Minute

type MirrorStore interface {
	Snapshot(ctx context.Context, ownerEmail string) ([]store.MirrorRecord, error)
	InsertDocument(ctx context.Context, record store.MirrorRecord) (bool, error)
	InsertGroupFolder(ctx context.Context, record store.MirrorRecord) (bool, error)
	InsertUserFolder(ctx context.Context, record store.MirrorRecord) (bool, error)
	UserFolderExists(ctx context.Context, fileID, ownerEmail string) (bool, error)
	DocumentExists(ctx context.Context, fileID, ownerEmail string) (bool, error)
	UpdateMirrorRecord(ctx context.Context, source store.Source, fileID, ownerEmail string, update store.RecordUpdate) (bool, error)
	DeleteMirrorRecord(ctx context.Context, source store.Source, fileID, ownerEmail string) (bool, error)
	GetAdminRootFolder(ctx context.Context, ownerEmail string) (store.AdminRootFolder, error)
	ListExtensionSubfolders(ctx context.Context, ownerEmail string) ([]store.ExtensionSubfolder, error)
	IncrementStorageUsage(ctx context.Context, userID string, bytes int64) error
	MirrorStats(ctx context.Context, ownerEmail string) (store.MirrorStats, error)
}

type TreeWalker interface {
	ListTree(ctx context.Context, folderID string, recursive bool, extension string) ([]drive.Node, error)
}

type DriveAPI interface {
	GetFile(ctx context.Context, fileID string) (drive.File, error)
	PermissionLister
}

type Ingester interface {
	Ingest(ctx context.Context, node drive.Node, owner string) (ingest.Outcome, error)
}

// Session is an authenticated view of one administrator's Drive.
type Session struct {
	Tree   TreeWalker
	Drive  DriveAPI
	Ingest Ingester
}

type Connector interface {
	Connect(ctx context.Context, owner string) (Session, error)
}

type Indexer interface {
	IndexDocument(ctx context.Context, record store.MirrorRecord) error
	DeleteDocument(ctx context.Context, owner, fileID string) error
}

type Notifier interface {
	NotifySyncReport(ctx context.Context, owner string, result Result) error
}

// Deps are the collaborators of a Service. Index, Archive and Notifier may be
// nil. Locker defaults to an in-process lock.
type Deps struct {
	Store     MirrorStore
	Access    AccessStore
	Connector Connector
	Index     Indexer
	Archive   ingest.Archive
	Notifier  Notifier
	Locker    runlock.Locker
	Now       func() time.Time
}

type Config struct {
	Owner                 string
	AlwaysGroupExtensions []string
	UpdateMode            UpdateMode
	LockTTL               time.Duration
	// NotifyOnErrors sends a report through the Notifier when an apply run
	// collected item errors.
	NotifyOnErrors bool
}

// Service drives one administrator's sync. Runs are sequential: one Drive or
// database call at a time, and at most one detect or apply per owner.
type Service struct {
	store     MirrorStore
	access    AccessStore
	connector Connector
	index     Indexer
	archive   ingest.Archive
	notifier  Notifier
	locker    runlock.Locker
	now       func() time.Time

	cfg         Config
	alwaysGroup map[string]bool

	mu            sync.Mutex
	state         State
	rootFolderID  string
	extensions    []store.ExtensionSubfolder
	protection    Protection
	session       Session
	acl           *AccessMirror
	lastDiff      *Diff
	lastDetection *RunSummary
	lastApply     *RunSummary
}

func New(deps Deps, cfg Config) *Service {
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	locker := deps.Locker
	if locker == nil {
		locker = runlock.NewLocalLocker()
	}
	if cfg.UpdateMode == "" {
		cfg.UpdateMode = UpdateByLastSynced
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	cfg.Owner = strings.ToLower(strings.TrimSpace(cfg.Owner))

	alwaysGroup := make(map[string]bool, len(cfg.AlwaysGroupExtensions))
	for _, ext := range cfg.AlwaysGroupExtensions {
		if ext = strings.ToLower(strings.TrimSpace(ext)); ext != "" {
			alwaysGroup[ext] = true
		}
	}

	return &Service{
		store:       deps.Store,
		access:      deps.Access,
		connector:   deps.Connector,
		index:       deps.Index,
		archive:     deps.Archive,
		notifier:    deps.Notifier,
		locker:      locker,
		now:         now,
		cfg:         cfg,
		alwaysGroup: alwaysGroup,
		state:       StateUninitialized,
	}
}

func (s *Service) Owner() string {
	return s.cfg.Owner
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastDiff returns the most recent detection result, if any.
func (s *Service) LastDiff() (Diff, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastDiff == nil {
		return Diff{}, false
	}
	return *s.lastDiff, true
}

// Initialize loads the root folder and extension registry, opens a Drive
// session and checks that the root still resolves. On failure the service
// stays uninitialized and the error is a *ConfigError.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDiffing || s.state == StateApplying {
		s.mu.Unlock()
		return ErrBusy
	}
	s.lastDiff = nil
	s.state = StateInitializing
	s.mu.Unlock()

	log := logging.Ctx(ctx).With().Str("owner", s.cfg.Owner).Logger()

	fail := func(err error) error {
		s.mu.Lock()
		s.state = StateUninitialized
		s.mu.Unlock()
		log.Error().Err(err).Msg("sync initialization failed")
		return err
	}

	if s.cfg.Owner == "" {
		return fail(&ConfigError{Reason: "owner email is empty"})
	}

	root, err := s.store.GetAdminRootFolder(ctx, s.cfg.Owner)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail(&ConfigError{Reason: "no root folder registered", Err: err})
		}
		return fail(&ConfigError{Reason: "load root folder", Err: err})
	}
	if strings.TrimSpace(root.RootFolderID) == "" {
		return fail(&ConfigError{Reason: "root folder id is empty"})
	}

	extensions, err := s.store.ListExtensionSubfolders(ctx, s.cfg.Owner)
	if err != nil {
		return fail(&ConfigError{Reason: "load extension subfolders", Err: err})
	}

	session, err := s.connector.Connect(ctx, s.cfg.Owner)
	if err != nil {
		return fail(&ConfigError{Reason: "connect to drive", Err: err})
	}
	if _, err := session.Drive.GetFile(ctx, root.RootFolderID); err != nil {
		return fail(&ConfigError{Reason: "resolve root folder " + root.RootFolderID, Err: err})
	}

	s.mu.Lock()
	s.rootFolderID = root.RootFolderID
	s.extensions = extensions
	s.protection = NewProtection(root.RootFolderID, extensions)
	s.session = session
	s.acl = NewAccessMirror(session.Drive, s.access, s.now)
	s.state = StateReady
	s.mu.Unlock()

	log.Info().
		Str("root_folder_id", root.RootFolderID).
		Int("extensions", len(extensions)).
		Msg("sync service initialized")
	return nil
}

// heldLease is a run lease plus the goroutine keeping it alive.
type heldLease struct {
	runlock.Lease
	stop func()
}

// begin moves ready → next and takes the owner's run lease.
func (s *Service) begin(ctx context.Context, next State) (*heldLease, error) {
	s.mu.Lock()
	switch s.state {
	case StateReady:
	case StateDiffing, StateApplying:
		s.mu.Unlock()
		return nil, ErrBusy
	default:
		s.mu.Unlock()
		return nil, ErrNotReady
	}
	s.state = next
	s.mu.Unlock()

	lease, err := s.locker.Acquire(ctx, s.cfg.Owner, s.cfg.LockTTL)
	if err != nil {
		s.finish()
		if errors.Is(err, runlock.ErrHeld) {
			return nil, fmt.Errorf("%w: %w", ErrBusy, err)
		}
		return nil, err
	}
	return &heldLease{Lease: lease, stop: s.keepAlive(ctx, lease)}, nil
}

// keepAlive extends lease every third of the lock TTL so long walks and
// applies never outlive it. The returned func stops the renewals.
func (s *Service) keepAlive(ctx context.Context, lease runlock.Lease) func() {
	ttl := s.cfg.LockTTL
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(ttl/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := lease.Extend(ctx, ttl)
				if err == nil {
					continue
				}
				logging.Ctx(ctx).Warn().Err(err).Str("owner", s.cfg.Owner).Msg("failed to extend sync lock")
				if errors.Is(err, runlock.ErrLost) {
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

func (s *Service) finish() {
	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()
}

func (s *Service) release(ctx context.Context, lease *heldLease) {
	lease.stop()
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to release sync lock")
	}
	s.finish()
}

// DetectDiscrepancies walks the root folder (one level) and every extension
// subfolder (recursively) and diffs the result against the mirror snapshot.
func (s *Service) DetectDiscrepancies(ctx context.Context) (Diff, error) {
	lease, err := s.begin(ctx, StateDiffing)
	if err != nil {
		return Diff{}, err
	}
	defer s.release(ctx, lease)

	ctx, span := tracer.Start(ctx, "drivesync.detect")
	defer span.End()
	span.SetAttributes(attribute.String("owner", s.cfg.Owner))

	started := s.now()
	log := logging.Ctx(ctx).With().Str("owner", s.cfg.Owner).Logger()

	s.mu.Lock()
	rootID, extensions, guard, session := s.rootFolderID, s.extensions, s.protection, s.session
	s.mu.Unlock()

	live, err := s.liveTree(ctx, session.Tree, rootID, extensions)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "walk drive tree")
		return Diff{}, err
	}

	mirror, err := s.store.Snapshot(ctx, s.cfg.Owner)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load mirror snapshot")
		return Diff{}, fmt.Errorf("load mirror snapshot: %w", err)
	}

	diff := Reconcile(live, mirror, guard, s.cfg.UpdateMode)
	took := s.now().Sub(started)

	metrics.SyncDiscrepancies.WithLabelValues(string(KindAdd)).Add(float64(len(diff.ToAdd)))
	metrics.SyncDiscrepancies.WithLabelValues(string(KindUpdate)).Add(float64(len(diff.ToUpdate)))
	metrics.SyncDiscrepancies.WithLabelValues(string(KindRemove)).Add(float64(len(diff.ToRemove)))
	metrics.SyncRunDuration.WithLabelValues("detect").Observe(took.Seconds())
	span.SetAttributes(
		attribute.Int("live_nodes", len(live)),
		attribute.Int("mirror_records", len(mirror)),
		attribute.Int("to_add", len(diff.ToAdd)),
		attribute.Int("to_update", len(diff.ToUpdate)),
		attribute.Int("to_remove", len(diff.ToRemove)),
	)

	s.mu.Lock()
	s.lastDiff = &diff
	s.lastDetection = summarizeDiff(diff, started, took)
	s.mu.Unlock()

	log.Info().
		Int("live_nodes", len(live)).
		Int("mirror_records", len(mirror)).
		Int("to_add", len(diff.ToAdd)).
		Int("to_update", len(diff.ToUpdate)).
		Int("to_remove", len(diff.ToRemove)).
		Dur("took", took).
		Msg("discrepancies detected")
	return diff, nil
}

func (s *Service) liveTree(ctx context.Context, tree TreeWalker, rootID string, extensions []store.ExtensionSubfolder) ([]drive.Node, error) {
	rootNodes, err := tree.ListTree(ctx, rootID, false, "")
	if err != nil {
		return nil, fmt.Errorf("list root folder: %w", err)
	}

	extByFolder := make(map[string]string, len(extensions))
	sets := [][]drive.Node{nil}
	for _, ext := range extensions {
		extByFolder[ext.FolderID] = ext.Extension
		nodes, err := tree.ListTree(ctx, ext.FolderID, true, ext.Extension)
		if err != nil {
			return nil, fmt.Errorf("list extension folder %s: %w", ext.Extension, err)
		}
		sets = append(sets, nodes)
	}

	// Extension folders sit directly under the root; tag them so routing
	// sees the extension they belong to.
	for i := range rootNodes {
		if tag, ok := extByFolder[rootNodes[i].ID]; ok {
			rootNodes[i].ExtensionTag = tag
		}
	}
	sets[0] = rootNodes
	return drive.MergeNodes(sets...), nil
}

// ApplySyncActions executes actions one at a time. Item failures are
// collected in Result.Errors and never abort the batch; only context
// cancellation stops it early.
func (s *Service) ApplySyncActions(ctx context.Context, actions []Discrepancy) (Result, error) {
	lease, err := s.begin(ctx, StateApplying)
	if err != nil {
		return Result{}, err
	}
	defer s.release(ctx, lease)

	ctx, span := tracer.Start(ctx, "drivesync.apply")
	defer span.End()
	span.SetAttributes(attribute.String("owner", s.cfg.Owner), attribute.Int("actions", len(actions)))

	started := s.now()
	log := logging.Ctx(ctx).With().Str("owner", s.cfg.Owner).Logger()

	s.mu.Lock()
	guard, session, acl := s.protection, s.session, s.acl
	s.mu.Unlock()
	run := &applyRun{svc: s, guard: guard, session: session, acl: acl}

	var result Result
	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancelled")
			s.recordApply(result, started)
			return result, err
		}
		if err := run.apply(ctx, action, &result); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancelled")
			s.recordApply(result, started)
			return result, err
		}
	}

	took := s.recordApply(result, started)
	span.SetAttributes(
		attribute.Int("added", len(result.Added)),
		attribute.Int("updated", len(result.Updated)),
		attribute.Int("removed", len(result.Removed)),
		attribute.Int("skipped", len(result.Skipped)),
		attribute.Int("errors", len(result.Errors)),
	)

	event := log.Info()
	if result.HasErrors() {
		event = log.Warn()
	}
	event.
		Int("added", len(result.Added)).
		Int("updated", len(result.Updated)).
		Int("removed", len(result.Removed)).
		Int("skipped", len(result.Skipped)).
		Int("errors", len(result.Errors)).
		Dur("took", took).
		Msg("sync actions applied")

	if result.HasErrors() && s.cfg.NotifyOnErrors && s.notifier != nil {
		if err := s.notifier.NotifySyncReport(ctx, s.cfg.Owner, result); err != nil {
			log.Warn().Err(err).Msg("failed to send sync report")
		}
	}
	return result, nil
}

func (s *Service) recordApply(result Result, started time.Time) time.Duration {
	took := s.now().Sub(started)
	metrics.SyncRunDuration.WithLabelValues("apply").Observe(took.Seconds())
	s.mu.Lock()
	s.lastApply = summarizeResult(result, started, took)
	if s.lastDiff != nil {
		pending := s.lastDiff.Pending(result)
		s.lastDiff = &pending
	}
	s.mu.Unlock()
	return took
}

// GetSyncStats reports the service state and mirror counts.
func (s *Service) GetSyncStats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	stats := Stats{
		State:         s.state,
		Owner:         s.cfg.Owner,
		RootFolderID:  s.rootFolderID,
		Extensions:    append([]store.ExtensionSubfolder(nil), s.extensions...),
		LastDetection: s.lastDetection,
		LastApply:     s.lastApply,
	}
	s.mu.Unlock()

	if stats.State == StateUninitialized || stats.State == StateInitializing {
		return stats, ErrNotReady
	}

	mirror, err := s.store.MirrorStats(ctx, s.cfg.Owner)
	if err != nil {
		return stats, fmt.Errorf("load mirror stats: %w", err)
	}
	stats.Mirror = mirror
	return stats, nil
}
