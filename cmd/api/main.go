package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"brify/api/internal/app"
	"brify/api/internal/auth"
	"brify/api/internal/config"
	"brify/api/internal/email"
	"brify/api/internal/ingest"
	"brify/api/internal/logging"
	"brify/api/internal/rbac"
	"brify/api/internal/runlock"
	"brify/api/internal/search"
	"brify/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("configuration invalid")
		os.Exit(1)
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(cfg, os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return
	}

	if err := run(cfg); err != nil {
		logging.Error().Err(err).Msg("brify api stopped")
		os.Exit(1)
	}
}

// issueToken prints a bearer token for an administrator.
func issueToken(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	owner := fs.String("owner", "", "administrator email")
	name := fs.String("name", "", "display name")
	role := fs.String("role", string(rbac.RoleAdmin), "viewer, operator or admin")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	token, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.NewClaims(*owner, *name, rbac.Normalize(*role), *ttl))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func run(cfg config.Config) error {
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	dataStore := store.NewPostgresStore(db)

	var redisClient *redis.Client
	locker := runlock.Locker(runlock.NewLocalLocker())
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisClient, err = runlock.Connect(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisClient.Close()
		locker = runlock.NewRedisLocker(redisClient)
		logging.Info().Msg("using redis for sync run locks and embedding cache")
	}

	var embedder ingest.Embedder
	if strings.TrimSpace(cfg.Embedding.URL) != "" {
		embedder = ingest.NewHTTPEmbedder(cfg.Embedding.URL, cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Timeout)
		if redisClient != nil {
			embedder = ingest.NewCachedEmbedder(embedder, redisClient, cfg.Embedding.CacheTTL)
		}
	} else {
		logging.Warn().Msg("embedding.url not set, documents are mirrored without vectors")
	}

	var archive ingest.Archive
	if strings.TrimSpace(cfg.Archive.Endpoint) != "" {
		blobs, err := ingest.NewBlobArchive(ctx, cfg.Archive.Endpoint, cfg.Archive.AccessKey, cfg.Archive.SecretKey, cfg.Archive.Bucket, cfg.Archive.UseSSL)
		if err != nil {
			return fmt.Errorf("archive setup failed: %w", err)
		}
		archive = blobs
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.Search.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.Search.MeiliURL, cfg.Search.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	go searchService.ReindexAllFromPG(ctx)

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		FromName: cfg.SMTP.FromName,
	})

	service := app.New(cfg, dataStore, app.Deps{
		Search:   searchService,
		Mailer:   mailer,
		Locker:   locker,
		Archive:  archive,
		Embedder: embedder,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Apply runs download and embed every file inline.
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", cfg.Addr).Msg("brify api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("shutdown error")
	}
	return nil
}
