package source

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/obsidianstack/metricflow/agent/internal/config"
	"github.com/obsidianstack/metricflow/agent/internal/record"
)

type databaseFetcher struct {
	id string
	db *sql.DB
}

func newDatabaseFetcher(src config.Source) (*databaseFetcher, error) {
	driverName, dsn, err := buildDSN(src.Database)
	if err != nil {
		return nil, &Error{Kind: KindConfig, Source: src.ID, Err: err}
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, &Error{Kind: KindConfig, Source: src.ID, Err: fmt.Errorf("open %s: %w", driverName, err)}
	}
	return &databaseFetcher{id: src.ID, db: db}, nil
}

// buildDSN returns the database/sql driver name and DSN for cfg.
func buildDSN(cfg config.DatabaseConfig) (string, string, error) {
	sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql":
		if cfg.Port == 0 {
			cfg.Port = 5432
		}
		if sslMode == "" {
			sslMode = "disable"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.User, cfg.Password()),
			Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Path:     "/" + cfg.Database,
			RawQuery: "sslmode=" + url.QueryEscape(sslMode),
		}
		return "postgres", u.String(), nil
	case "mysql":
		if cfg.Port == 0 {
			cfg.Port = 3306
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", cfg.User, cfg.Password(), cfg.Host, cfg.Port, cfg.Database)
		if sslMode == "disable" {
			dsn += "&tls=false"
		} else if sslMode != "" {
			dsn += "&tls=true"
		}
		return "mysql", dsn, nil
	case "sqlserver", "mssql":
		if cfg.Port == 0 {
			cfg.Port = 1433
		}
		encrypt := "true"
		if sslMode == "disable" {
			encrypt = "disable"
		}
		q := url.Values{}
		q.Set("database", cfg.Database)
		q.Set("encrypt", encrypt)
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(cfg.User, cfg.Password()),
			Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			RawQuery: q.Encode(),
		}
		return "sqlserver", u.String(), nil
	default:
		return "", "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Fetch runs req.Query. Positional arguments are taken from
// req.Parameters["args"] when it is a list.
func (f *databaseFetcher) Fetch(ctx context.Context, req Request) ([]record.Record, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, &Error{Kind: KindQuery, Source: f.id, Err: fmt.Errorf("query is required")}
	}
	var args []any
	if list, ok := req.Parameters["args"].([]any); ok {
		args = list
	}

	rows, err := f.db.QueryContext(ctx, req.Query, args...)
	if err != nil {
		return nil, classify(f.id, KindQuery, fmt.Errorf("query: %w", err))
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, classify(f.id, KindQuery, err)
	}
	return out, nil
}

// Close releases the connection pool.
func (f *databaseFetcher) Close() error { return f.db.Close() }

func scanRows(rows *sql.Rows) ([]record.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	var out []record.Record
	for rows.Next() {
		values := make([]any, len(cols))
		for i := range values {
			var v any
			values[i] = &v
		}
		if err := rows.Scan(values...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		rec := make(record.Record, len(cols))
		for i, col := range cols {
			v := *(values[i].(*any))
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			rec[col] = v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
