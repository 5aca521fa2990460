package postgres

const schema = `
CREATE TABLE IF NOT EXISTS shares (
	id          BIGSERIAL PRIMARY KEY,
	logged_at   TIMESTAMPTZ NOT NULL,
	disposition TEXT NOT NULL,
	target      TEXT NOT NULL,
	pool_url    TEXT NOT NULL,
	device      TEXT NOT NULL,
	thr_id      INTEGER NOT NULL,
	hash        TEXT NOT NULL,
	data        TEXT NOT NULL,
	difficulty  DOUBLE PRECISION NOT NULL,
	share_diff  DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS shares_logged_at_idx ON shares (logged_at);
CREATE INDEX IF NOT EXISTS shares_pool_idx ON shares (pool_url, disposition);
`

// DispositionCount is one row of a per-pool disposition summary
type DispositionCount struct {
	PoolURL     string `db:"pool_url"`
	Disposition string `db:"disposition"`
	Count       int64  `db:"count"`
}
