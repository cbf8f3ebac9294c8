package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/obsidianstack/metricflow/pkg/types"
)

const createTable = `CREATE TABLE IF NOT EXISTS metric_values (
	metric_id    TEXT NOT NULL,
	tenant_id    TEXT NOT NULL DEFAULT '',
	ts           TIMESTAMPTZ NOT NULL,
	value        DOUBLE PRECISION NOT NULL,
	dimensions   JSONB,
	tags         JSONB,
	data_quality DOUBLE PRECISION NOT NULL DEFAULT 0,
	attributes   JSONB
);
CREATE INDEX IF NOT EXISTS metric_values_metric_ts ON metric_values (metric_id, ts DESC);`

var columns = []string{"metric_id", "tenant_id", "ts", "value", "dimensions", "tags", "data_quality", "attributes"}

// Postgres writes metric values into the metric_values table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn, checks the connection and creates the
// metric_values table when missing.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, createTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Write copies values into metric_values.
func (p *Postgres) Write(ctx context.Context, values []types.MetricValue) error {
	rows := make([][]any, 0, len(values))
	for _, v := range values {
		row, err := toRow(v)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if _, err := p.pool.CopyFrom(ctx, pgx.Identifier{"metric_values"}, columns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("store: copy %d values: %w", len(rows), err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func toRow(v types.MetricValue) ([]any, error) {
	dims, err := jsonColumn(v.Dimensions)
	if err != nil {
		return nil, err
	}
	tags, err := jsonColumn(v.Tags)
	if err != nil {
		return nil, err
	}
	attrs, err := jsonColumn(v.Attributes)
	if err != nil {
		return nil, err
	}
	return []any{v.MetricID, v.TenantID, v.Timestamp, v.Value, dims, tags, v.DataQuality, attrs}, nil
}

// jsonColumn encodes x for a JSONB column; empty values become NULL.
func jsonColumn[T any](x T) ([]byte, error) {
	b, err := json.Marshal(x)
	if err != nil {
		return nil, fmt.Errorf("store: encode column: %w", err)
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}
