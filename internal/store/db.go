package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"brify/api/internal/logging"
)

const applicationName = "brify-drive-sync"

// Open connects through the pgx stdlib driver. Sync runs issue one query at a
// time per owner, so the pool stays small.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	connConfig, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if connConfig.RuntimeParams == nil {
		connConfig.RuntimeParams = map[string]string{}
	}
	if _, ok := connConfig.RuntimeParams["application_name"]; !ok {
		connConfig.RuntimeParams["application_name"] = applicationName
	}

	db := stdlib.OpenDB(*connConfig)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(10)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db %s/%s: %w", connConfig.Host, connConfig.Database, err)
	}
	logging.Info().Str("host", connConfig.Host).Str("database", connConfig.Database).Msg("database connected")
	return db, nil
}
