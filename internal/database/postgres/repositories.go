package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bardlex/gominer/internal/sharelog"
)

// ShareRepository handles share log database operations
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a new share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// InsertShare stores one share-log record
func (r *ShareRepository) InsertShare(ctx context.Context, rec *sharelog.Record) error {
	query := `
		INSERT INTO shares (logged_at, disposition, target, pool_url, device, thr_id, hash, data, difficulty, share_diff)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		rec.Time, rec.Disposition, rec.Target, rec.PoolURL, rec.Device,
		rec.ThrID, rec.Hash, rec.Data, rec.Difficulty, rec.ShareDiff,
	)
	if err != nil {
		return fmt.Errorf("failed to insert share: %w", err)
	}
	return nil
}

// CountShares summarizes records logged since the given time
func (r *ShareRepository) CountShares(ctx context.Context, since time.Time) ([]DispositionCount, error) {
	query := `
		SELECT pool_url, disposition, COUNT(*)
		FROM shares WHERE logged_at >= $1
		GROUP BY pool_url, disposition
		ORDER BY pool_url, disposition`

	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count shares: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var counts []DispositionCount
	for rows.Next() {
		var c DispositionCount
		if err := rows.Scan(&c.PoolURL, &c.Disposition, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan share count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// RecentShares returns the newest records first
func (r *ShareRepository) RecentShares(ctx context.Context, limit int) ([]sharelog.Record, error) {
	query := `
		SELECT logged_at, disposition, target, pool_url, device, thr_id, hash, data, difficulty, share_diff
		FROM shares ORDER BY logged_at DESC, id DESC LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent shares: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var recs []sharelog.Record
	for rows.Next() {
		var rec sharelog.Record
		if err := rows.Scan(&rec.Time, &rec.Disposition, &rec.Target, &rec.PoolURL, &rec.Device,
			&rec.ThrID, &rec.Hash, &rec.Data, &rec.Difficulty, &rec.ShareDiff); err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteBefore prunes records older than cutoff and returns how many were removed
func (r *ShareRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM shares WHERE logged_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune shares: %w", err)
	}
	return res.RowsAffected()
}
