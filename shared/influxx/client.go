package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"sales-funnel-crm-realtime/shared/config"
)

// Client records event-throughput analytics points. The whole package is
// optional: a nil *Client is a no-op everywhere.
type Client struct {
	client influxdb2.Client
	org    string
	bucket string
}

func New(cfg config.Config) (*Client, error) {
	if cfg.InfluxURL == "" || cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.InfluxTimeoutMS))
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{client: client, org: cfg.InfluxOrg, bucket: cfg.InfluxBucket}, nil
}

func (c *Client) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	p := influxdb2.NewPoint(measurement, tags, fields, ts)
	writeAPI := c.client.WriteAPIBlocking(c.org, c.bucket)
	return writeAPI.WritePoint(ctx, p)
}

// RecordEmit writes one point per emitted event, tagged by tenant and type.
func (c *Client) RecordEmit(ctx context.Context, tenantID string, eventType string, sequence int64) error {
	return c.WritePoint(ctx, "sync_emit",
		map[string]string{"tenant_id": tenantID, "event_type": eventType},
		map[string]any{"sequence": sequence},
		time.Time{},
	)
}

// RecordPurge writes the row count removed by a retention sweep.
func (c *Client) RecordPurge(ctx context.Context, removed int64, took time.Duration) error {
	return c.WritePoint(ctx, "sync_purge",
		nil,
		map[string]any{"removed": removed, "duration_ms": took.Milliseconds()},
		time.Time{},
	)
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}
