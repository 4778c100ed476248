// Package store owns the durable substrate: the embedded Postgres schema,
// open helpers for both drivers, and the lite-mode sqlite event archive.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/arbiterhq/arbiter/pkg/contracts"
)

// OpenPostgres opens and pings a Postgres handle.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return db, nil
}

// OpenSQLite opens a local sqlite file for the lite-mode archive.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// The archive has a single writer; serialized access avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	return db, nil
}

// IsPostgresDSN reports whether the URL names a Postgres database rather
// than a sqlite file.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// ApplySchema applies the Postgres DDL. Safe to run on every boot.
func ApplySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

// Archive mirrors finished events into a local sqlite file. Lite mode runs
// the control plane in memory; the archive is what survives a restart for
// offline inspection.
type Archive struct {
	db *sql.DB
}

// NewArchive applies the archive schema and wraps the handle.
func NewArchive(ctx context.Context, db *sql.DB) (*Archive, error) {
	if _, err := db.ExecContext(ctx, sqliteArchiveSchema); err != nil {
		return nil, fmt.Errorf("store: archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Record inserts one event; replays of the same event id are no-ops, so the
// archive can trail an at-least-once feed.
func (a *Archive) Record(ctx context.Context, e *contracts.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: encode event %s: %w", e.EventID, err)
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO evt_archive (event_id, event_type, stream_type, stream_id, stream_seq, recorded_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.EventType, string(e.Stream.Type), e.Stream.ID, e.Stream.Seq,
		e.RecordedAt.UTC().Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return fmt.Errorf("store: archive event %s: %w", e.EventID, err)
	}
	return nil
}

// Count returns the number of archived events (operator tooling).
func (a *Archive) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evt_archive`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: archive count: %w", err)
	}
	return n, nil
}
