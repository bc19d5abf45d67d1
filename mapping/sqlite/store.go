// Package sqlite is a mapping.Store persisted in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/cyp0633/caldora-sync/mapping"
	"github.com/samber/mo"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial schema
// 1 - cursors.ctag
const currentSchemaVersion = 1

// Store keeps mappings and cursors in SQLite.
type Store struct {
	db *sql.DB
}

var _ mapping.Store = (*Store)(nil)

// Open creates or opens the database at path and applies pragmas and
// migrations. It is safe to call on an existing database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`ALTER TABLE cursors ADD COLUMN ctag TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

const selectMapping = `SELECT calendar_id, series_id, href, etag, last_sync, fingerprint FROM mappings`

func scanMapping(row interface{ Scan(...any) error }) (mapping.Mapping, error) {
	var m mapping.Mapping
	var lastSync int64
	if err := row.Scan(&m.CalendarID, &m.SeriesID, &m.Href, &m.ETag, &lastSync, &m.Fingerprint); err != nil {
		return mapping.Mapping{}, err
	}
	m.LastSync = fromUnix(lastSync)
	return m, nil
}

func (s *Store) queryOne(ctx context.Context, where string, args ...any) (mo.Option[mapping.Mapping], error) {
	m, err := scanMapping(s.db.QueryRowContext(ctx, selectMapping+" WHERE "+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return mo.None[mapping.Mapping](), nil
	}
	if err != nil {
		return mo.None[mapping.Mapping](), fmt.Errorf("query mapping: %w", err)
	}
	return mo.Some(m), nil
}

func (s *Store) Get(ctx context.Context, calendarID, seriesID string) (mo.Option[mapping.Mapping], error) {
	return s.queryOne(ctx, "calendar_id = ? AND series_id = ?", calendarID, seriesID)
}

func (s *Store) LookupByHref(ctx context.Context, calendarID, href string) (mo.Option[mapping.Mapping], error) {
	return s.queryOne(ctx, "calendar_id = ? AND href = ?", calendarID, href)
}

func (s *Store) List(ctx context.Context, calendarID string) ([]mapping.Mapping, error) {
	rows, err := s.db.QueryContext(ctx, selectMapping+" WHERE calendar_id = ? ORDER BY series_id", calendarID)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var out []mapping.Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Upsert checks the href invariant and writes the row in one transaction.
func (s *Store) Upsert(ctx context.Context, m mapping.Mapping) error {
	if err := m.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx,
		`SELECT series_id FROM mappings WHERE calendar_id = ? AND href = ?`,
		m.CalendarID, m.Href).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("check href: %w", err)
	case owner != m.SeriesID:
		return fmt.Errorf("%w: %s is held by %s", mapping.ErrHrefConflict, m.Href, owner)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mappings (calendar_id, series_id, href, etag, last_sync, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (calendar_id, series_id) DO UPDATE SET
			href = excluded.href,
			etag = excluded.etag,
			last_sync = excluded.last_sync,
			fingerprint = excluded.fingerprint`,
		m.CalendarID, m.SeriesID, m.Href, m.ETag, toUnix(m.LastSync), m.Fingerprint)
	if err != nil {
		return fmt.Errorf("upsert mapping: %w", err)
	}
	return tx.Commit()
}

func (s *Store) Delete(ctx context.Context, calendarID, seriesID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM mappings WHERE calendar_id = ? AND series_id = ?`, calendarID, seriesID); err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	return nil
}

func (s *Store) Cursor(ctx context.Context, calendarID string) (mapping.Cursor, error) {
	c := mapping.Cursor{CalendarID: calendarID}
	var localSince, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT local_since, sync_token, ctag, updated_at FROM cursors WHERE calendar_id = ?`, calendarID).
		Scan(&localSince, &c.SyncToken, &c.CTag, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("query cursor: %w", err)
	}
	c.LocalSince = fromUnix(localSince)
	c.UpdatedAt = fromUnix(updatedAt)
	return c, nil
}

func (s *Store) SaveCursor(ctx context.Context, c mapping.Cursor) error {
	if c.CalendarID == "" {
		return fmt.Errorf("%w: cursor without calendar id", mapping.ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (calendar_id, local_since, sync_token, ctag, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (calendar_id) DO UPDATE SET
			local_since = excluded.local_since,
			sync_token = excluded.sync_token,
			ctag = excluded.ctag,
			updated_at = excluded.updated_at`,
		c.CalendarID, toUnix(c.LocalSince), c.SyncToken, c.CTag, toUnix(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
