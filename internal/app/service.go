package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"brify/api/internal/config"
	"brify/api/internal/drive"
	"brify/api/internal/drivesync"
	"brify/api/internal/email"
	"brify/api/internal/ingest"
	"brify/api/internal/logging"
	"brify/api/internal/runlock"
	"brify/api/internal/search"
	"brify/api/internal/store"
)

type dataStore interface {
	drivesync.MirrorStore
	drivesync.AccessStore
	GetAdminCredentials(ctx context.Context, ownerEmail string) (store.AdminCredentials, error)
	TrackTokenUsage(ctx context.Context, userID string, tokens int64, operation string) error
	Ping(ctx context.Context) error
}

type documentIndex interface {
	drivesync.Indexer
	Search(ctx context.Context, q search.Query) search.Response
}

type reportSender interface {
	IsConfigured() bool
	SendSyncReport(report email.SyncReport) error
}

// Deps are the optional collaborators of the API service. Zero values disable
// the matching feature; Connector defaults to a Drive connector built from cfg.
type Deps struct {
	Search    documentIndex
	Mailer    reportSender
	Locker    runlock.Locker
	Archive   ingest.Archive
	Embedder  ingest.Embedder
	Connector drivesync.Connector
}

// Service owns one drivesync.Service per administrator and exposes the
// operations the HTTP layer needs.
type Service struct {
	cfg       config.Config
	store     dataStore
	search    documentIndex
	archive   ingest.Archive
	locker    runlock.Locker
	notifier  drivesync.Notifier
	connector drivesync.Connector

	mu    sync.Mutex
	syncs map[string]*drivesync.Service
}

func New(cfg config.Config, st dataStore, deps Deps) *Service {
	locker := deps.Locker
	if locker == nil {
		locker = runlock.NewLocalLocker()
	}
	connector := deps.Connector
	if connector == nil {
		connector = &driveConnector{
			google:   cfg.Google,
			drive:    cfg.Drive,
			store:    st,
			embedder: deps.Embedder,
			archive:  deps.Archive,
		}
	}
	var notifier drivesync.Notifier
	if deps.Mailer != nil && deps.Mailer.IsConfigured() {
		notifier = &syncNotifier{mailer: deps.Mailer}
	}
	return &Service{
		cfg:       cfg,
		store:     st,
		search:    deps.Search,
		archive:   deps.Archive,
		locker:    locker,
		notifier:  notifier,
		connector: connector,
		syncs:     make(map[string]*drivesync.Service),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// syncFor returns the owner's sync service, creating an uninitialized one on
// first use.
func (s *Service) syncFor(owner string) *drivesync.Service {
	owner = strings.ToLower(strings.TrimSpace(owner))

	s.mu.Lock()
	defer s.mu.Unlock()
	if svc, ok := s.syncs[owner]; ok {
		return svc
	}

	mode := drivesync.UpdateByLastSynced
	if s.cfg.Sync.LegacyUpdateDetection {
		mode = drivesync.UpdateByCreatedAt
	}
	deps := drivesync.Deps{
		Store:     s.store,
		Access:    s.store,
		Connector: s.connector,
		Archive:   s.archive,
		Notifier:  s.notifier,
		Locker:    s.locker,
	}
	if s.search != nil {
		deps.Index = s.search
	}
	svc := drivesync.New(deps, drivesync.Config{
		Owner:                 owner,
		AlwaysGroupExtensions: s.cfg.Sync.AlwaysGroupExtensions,
		UpdateMode:            mode,
		LockTTL:               s.cfg.Sync.LockTTL,
		NotifyOnErrors:        s.cfg.Sync.NotifyOnErrors,
	})
	s.syncs[owner] = svc
	return svc
}

func (s *Service) InitializeSync(ctx context.Context, owner string) (drivesync.Stats, error) {
	svc := s.syncFor(owner)
	if err := svc.Initialize(ctx); err != nil {
		return drivesync.Stats{}, err
	}
	return svc.GetSyncStats(ctx)
}

func (s *Service) DetectDiscrepancies(ctx context.Context, owner string) (drivesync.Diff, error) {
	return s.syncFor(owner).DetectDiscrepancies(ctx)
}

// ApplySync applies the actions of the owner's last detection whose file ids
// are listed, or all of them when fileIDs is empty.
func (s *Service) ApplySync(ctx context.Context, owner string, fileIDs []string) (drivesync.Result, error) {
	svc := s.syncFor(owner)
	if svc.State() == drivesync.StateUninitialized {
		return drivesync.Result{}, drivesync.ErrNotReady
	}
	diff, ok := svc.LastDiff()
	if !ok {
		return drivesync.Result{}, domainError(http.StatusConflict, "NO_DETECTION", "Run discrepancy detection before applying", nil)
	}
	actions, missing := selectActions(diff, fileIDs)
	if len(missing) > 0 {
		return drivesync.Result{}, domainError(http.StatusUnprocessableEntity, "UNKNOWN_ACTIONS", "Some file ids are not pending in the last detection", map[string]any{"fileIds": missing})
	}
	return svc.ApplySyncActions(ctx, actions)
}

func selectActions(diff drivesync.Diff, fileIDs []string) ([]drivesync.Discrepancy, []string) {
	all := diff.Actions()
	if len(fileIDs) == 0 {
		return all, nil
	}
	wanted := make(map[string]bool, len(fileIDs))
	for _, id := range fileIDs {
		if id = strings.TrimSpace(id); id != "" {
			wanted[id] = true
		}
	}
	selected := make([]drivesync.Discrepancy, 0, len(wanted))
	for _, action := range all {
		if wanted[action.FileID()] {
			selected = append(selected, action)
			delete(wanted, action.FileID())
		}
	}
	missing := make([]string, 0, len(wanted))
	for _, id := range fileIDs {
		if wanted[strings.TrimSpace(id)] {
			missing = append(missing, strings.TrimSpace(id))
		}
	}
	return selected, missing
}

func (s *Service) SyncStats(ctx context.Context, owner string) (drivesync.Stats, error) {
	return s.syncFor(owner).GetSyncStats(ctx)
}

func (s *Service) SearchDocuments(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

// driveConnector opens an authenticated Drive session from the refresh token
// stored for the administrator.
type driveConnector struct {
	google   config.GoogleConfig
	drive    config.DriveConfig
	store    dataStore
	embedder ingest.Embedder
	archive  ingest.Archive
}

func (c *driveConnector) Connect(ctx context.Context, owner string) (drivesync.Session, error) {
	creds, err := c.store.GetAdminCredentials(ctx, owner)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return drivesync.Session{}, drivesync.ErrMissingCredentials
		}
		return drivesync.Session{}, fmt.Errorf("load drive credentials: %w", err)
	}
	if strings.TrimSpace(creds.RefreshToken) == "" {
		return drivesync.Session{}, drivesync.ErrMissingCredentials
	}

	source := drive.NewRefreshingSource(c.google.ClientID, c.google.ClientSecret, creds.RefreshToken)
	httpClient := &http.Client{
		Transport: &drive.AuthTransport{Source: source},
		Timeout:   5 * time.Minute,
	}
	client, err := drive.NewClient(ctx, httpClient, drive.ClientOptions{
		RateLimit:      c.drive.RateLimit,
		RateBurst:      c.drive.RateBurst,
		BreakerTimeout: c.drive.BreakerTimeout,
		MaxDownload:    c.drive.MaxDownload,
	})
	if err != nil {
		return drivesync.Session{}, err
	}

	return drivesync.Session{
		Tree:   drive.NewWalker(client, c.drive.PageSize),
		Drive:  client,
		Ingest: ingest.New(client, ingest.TextExtractor{}, c.embedder, c.store, c.archive, ingest.Options{}),
	}, nil
}

// syncNotifier mails the apply report to the administrator.
type syncNotifier struct {
	mailer reportSender
}

func (n *syncNotifier) NotifySyncReport(ctx context.Context, owner string, result drivesync.Result) error {
	report := email.SyncReport{
		Owner:   owner,
		At:      time.Now().UTC(),
		Added:   len(result.Added),
		Updated: len(result.Updated),
		Removed: len(result.Removed),
		Skipped: len(result.Skipped),
	}
	for _, itemErr := range result.Errors {
		report.Failures = append(report.Failures, email.Failure{
			FileID: itemErr.Action.FileID(),
			Name:   itemErr.Action.Name(),
			Action: string(itemErr.Action.Kind),
			Reason: itemErr.Step + ": " + itemErr.Err.Error(),
		})
	}
	if err := n.mailer.SendSyncReport(report); err != nil {
		return fmt.Errorf("send sync report: %w", err)
	}
	logging.Ctx(ctx).Info().Str("owner", owner).Int("failures", len(report.Failures)).Msg("sync report sent")
	return nil
}
