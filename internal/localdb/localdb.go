package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ichi0g0y/twitch-coindrop/internal/shared/logger"
	_ "github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Open opens the store without touching the network. Connectivity is
// established later by Monitor, which drives the readiness Gate.
func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverSQLite:
		// WALモードとBusy Timeoutを設定（読み取りが書き込みトランザクションを待たないように）
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		// SQLiteは単一ライター。読み取り用に数本だけ接続を許可する
		db.SetMaxOpenConns(4)
	}

	return db, nil
}

// IsBusy reports whether err is SQLite lock contention, such as another
// connection holding the write lock past the busy timeout.
func IsBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

// SetupSchema creates the currency_users table. The statement is valid for
// both SQLite and PostgreSQL.
func SetupSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS currency_users (
		user_id TEXT PRIMARY KEY,
		coins BIGINT NOT NULL DEFAULT 0 CHECK (coins >= 0),
		last_picked TIMESTAMP
	)`)
	if err != nil {
		logger.Error("Failed to create currency_users table", zap.Error(err))
		return fmt.Errorf("failed to create currency_users table: %w", err)
	}

	_, err = db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS currency_users_coins_idx ON currency_users (coins DESC)`)
	if err != nil {
		return fmt.Errorf("failed to create currency_users index: %w", err)
	}
	return nil
}

// Monitor connects to the store, creates the schema and then keeps pinging
// it. The gate is opened while the store answers and closed while it does not.
// It returns when ctx is cancelled.
func Monitor(ctx context.Context, db *sql.DB, gate *Gate, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	for {
		if err := connect(ctx, db); err != nil {
			// ctx cancelled
			return
		}
		gate.Open()
		logger.Info("Database connection ready")

		if !watch(ctx, db, interval) {
			return
		}
		gate.Close()
		logger.Warn("Database connection lost, waiting for it to come back")
	}
}

func connect(ctx context.Context, db *sql.DB) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			logger.Warn("Database ping failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		if err := SetupSchema(pingCtx, db); err != nil {
			return err
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}

// watch returns false when ctx is done and true when the store stopped answering.
func watch(ctx context.Context, db *sql.DB, interval time.Duration) bool {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := db.PingContext(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				logger.Error("Database ping failed", zap.Error(err))
				return true
			}
		}
	}
}
