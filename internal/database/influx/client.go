// Package influx writes miner time series to InfluxDB: hashrate, per-pool
// share counters and latency from the miner, share points from sharelogd.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes pending points and closes the client
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Errors exposes asynchronous write failures
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Miner metrics

// PoolPoint carries the counters of one pool at one instant
type PoolPoint struct {
	Index          int
	URL            string
	Status         string
	Accepted       int64
	Rejected       int64
	Stale          int64
	Discarded      int64
	HWErrors       int64
	DiffAccepted   float64
	DiffRejected   float64
	GetFailures    int64
	RemoteFailures int64
	Latency        time.Duration
	Difficulty     float64
}

// WritePoolMetric writes one pool's counters
func (c *Client) WritePoolMetric(p PoolPoint, at time.Time) {
	tags := map[string]string{
		"pool":   strconv.Itoa(p.Index),
		"url":    p.URL,
		"status": p.Status,
	}

	fields := map[string]any{
		"accepted":        p.Accepted,
		"rejected":        p.Rejected,
		"stale":           p.Stale,
		"discarded":       p.Discarded,
		"hw_errors":       p.HWErrors,
		"diff_accepted":   p.DiffAccepted,
		"diff_rejected":   p.DiffRejected,
		"get_failures":    p.GetFailures,
		"remote_failures": p.RemoteFailures,
		"latency_ms":      float64(p.Latency) / float64(time.Millisecond),
		"difficulty":      p.Difficulty,
	}

	c.writeAPI.WritePoint(write.NewPoint("pool_stats", tags, fields, at))
}

// WriteHashrateMetric writes a hashrate measurement. worker is "total" for
// the global rate.
func (c *Client) WriteHashrateMetric(worker string, hashrate float64, at time.Time) {
	tags := map[string]string{
		"worker": worker,
	}

	fields := map[string]any{
		"hashrate": hashrate,
	}

	c.writeAPI.WritePoint(write.NewPoint("hashrate", tags, fields, at))
}

// WriteMinerMetric writes the global share counters
func (c *Client) WriteMinerMetric(accepted, rejected, stale, hwErrors, solved int64, utility float64, staged int, at time.Time) {
	fields := map[string]any{
		"accepted":  accepted,
		"rejected":  rejected,
		"stale":     stale,
		"hw_errors": hwErrors,
		"solved":    solved,
		"utility":   utility,
		"staged":    staged,
	}

	c.writeAPI.WritePoint(write.NewPoint("miner", map[string]string{}, fields, at))
}

// WriteShareMetric writes one share-log record
func (c *Client) WriteShareMetric(poolURL, device, disposition string, difficulty, shareDiff float64, at time.Time) {
	tags := map[string]string{
		"pool_url":    poolURL,
		"device":      device,
		"disposition": disposition,
	}

	fields := map[string]any{
		"difficulty": difficulty,
		"share_diff": shareDiff,
		"count":      1,
	}

	c.writeAPI.WritePoint(write.NewPoint("shares", tags, fields, at))
}

// WriteBlockMetric records a solved block
func (c *Client) WriteBlockMetric(poolURL, hash string, height int64, difficulty float64, at time.Time) {
	tags := map[string]string{
		"pool_url": poolURL,
		"hash":     hash,
	}

	fields := map[string]any{
		"height":     height,
		"difficulty": difficulty,
		"count":      1,
	}

	c.writeAPI.WritePoint(write.NewPoint("blocks", tags, fields, at))
}

// Query methods

// GetShareCounts sums share points by disposition over the last duration
func (c *Client) GetShareCounts(ctx context.Context, duration time.Duration) (map[string]int64, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "shares")
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["disposition"])
		|> sum()
	`, c.bucket, duration.String())

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query share counts: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	counts := make(map[string]int64)
	for result.Next() {
		record := result.Record()
		d, _ := record.ValueByKey("disposition").(string)
		if n, ok := record.Value().(int64); ok {
			counts[d] = n
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return counts, nil
}
