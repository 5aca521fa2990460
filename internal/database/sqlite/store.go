// Package sqlite is the local share log store used by sharelogd when no
// PostgreSQL server is configured
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bardlex/gominer/internal/database/postgres"
	"github.com/bardlex/gominer/internal/sharelog"

	// SQLite driver for database/sql
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS shares (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	logged_at   INTEGER NOT NULL,
	disposition TEXT NOT NULL,
	target      TEXT NOT NULL,
	pool_url    TEXT NOT NULL,
	device      TEXT NOT NULL,
	thr_id      INTEGER NOT NULL,
	hash        TEXT NOT NULL,
	data        TEXT NOT NULL,
	difficulty  REAL NOT NULL,
	share_diff  REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS shares_logged_at_idx ON shares (logged_at);
CREATE INDEX IF NOT EXISTS shares_pool_idx ON shares (pool_url, disposition);
`

// Store keeps share-log records in a SQLite file
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	// one writer avoids SQLITE_BUSY under the consumer's concurrent inserts
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Health checks the database is usable
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertShare stores one share-log record
func (s *Store) InsertShare(ctx context.Context, rec *sharelog.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shares (logged_at, disposition, target, pool_url, device, thr_id, hash, data, difficulty, share_diff)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Time.UnixNano(), rec.Disposition, rec.Target, rec.PoolURL, rec.Device,
		rec.ThrID, rec.Hash, rec.Data, rec.Difficulty, rec.ShareDiff,
	)
	if err != nil {
		return fmt.Errorf("failed to insert share: %w", err)
	}
	return nil
}

// CountShares summarizes records logged since the given time
func (s *Store) CountShares(ctx context.Context, since time.Time) ([]postgres.DispositionCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pool_url, disposition, COUNT(*)
		FROM shares WHERE logged_at >= ?
		GROUP BY pool_url, disposition
		ORDER BY pool_url, disposition`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to count shares: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var counts []postgres.DispositionCount
	for rows.Next() {
		var c postgres.DispositionCount
		if err := rows.Scan(&c.PoolURL, &c.Disposition, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan share count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// RecentShares returns the newest records first
func (s *Store) RecentShares(ctx context.Context, limit int) ([]sharelog.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT logged_at, disposition, target, pool_url, device, thr_id, hash, data, difficulty, share_diff
		FROM shares ORDER BY logged_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent shares: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var recs []sharelog.Record
	for rows.Next() {
		var rec sharelog.Record
		var ns int64
		if err := rows.Scan(&ns, &rec.Disposition, &rec.Target, &rec.PoolURL, &rec.Device,
			&rec.ThrID, &rec.Hash, &rec.Data, &rec.Difficulty, &rec.ShareDiff); err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		rec.Time = time.Unix(0, ns)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteBefore prunes records older than cutoff and returns how many were removed
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM shares WHERE logged_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune shares: %w", err)
	}
	return res.RowsAffected()
}
