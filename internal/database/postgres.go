// Package database persists the ledger's key-value state in PostgreSQL.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/keyleu/secure-messaging/internal/engine/store"
)

// Config holds connection settings.
type Config struct {
	Driver          string `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
}

// Open connects and pings the database.
func Open(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn not configured")
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Backend implements store.Backend on the ledger_state table.
type Backend struct {
	db *sqlx.DB
}

var _ store.Backend = (*Backend)(nil)

// NewBackend wraps an open database handle.
func NewBackend(db *sqlx.DB) *Backend {
	return &Backend{db: db}
}

type stateRow struct {
	Key   []byte `db:"key"`
	Value []byte `db:"value"`
}

// LoadAll reads the whole committed state.
func (b *Backend) LoadAll(ctx context.Context) (map[string][]byte, error) {
	var rows []stateRow
	if err := b.db.SelectContext(ctx, &rows, `SELECT key, value FROM ledger_state`); err != nil {
		return nil, fmt.Errorf("load ledger state: %w", err)
	}
	out := make(map[string][]byte, len(rows))
	for _, r := range rows {
		out[string(r.Key)] = r.Value
	}
	return out, nil
}

// Apply writes one committed block in a single database transaction.
func (b *Backend) Apply(ctx context.Context, writes []store.Write) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	deletes := 0
	for _, w := range writes {
		if w.Delete {
			deletes++
			if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_state WHERE key = $1`, w.Key); err != nil {
				return fmt.Errorf("delete %x: %w", w.Key, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_state (key, value, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
		`, w.Key, w.Value); err != nil {
			return fmt.Errorf("upsert %x: %w", w.Key, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_commits (writes, deletes) VALUES ($1, $2)`,
		len(writes)-deletes, deletes,
	); err != nil {
		return fmt.Errorf("record commit: %w", err)
	}
	return tx.Commit()
}
