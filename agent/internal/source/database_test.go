package source

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/obsidianstack/metricflow/agent/internal/config"
)

func TestBuildDSN(t *testing.T) {
	t.Setenv("TEST_DB_PASS", "p@ss")
	tests := []struct {
		cfg        config.DatabaseConfig
		wantDriver string
		wantParts  []string
	}{
		{
			cfg:        config.DatabaseConfig{Driver: "postgres", Host: "db", User: "u", PasswordEnv: "TEST_DB_PASS", Database: "dw"},
			wantDriver: "postgres",
			wantParts:  []string{"postgres://u:p%40ss@db:5432/dw", "sslmode=disable"},
		},
		{
			cfg:        config.DatabaseConfig{Driver: "mysql", Host: "db", User: "u", Database: "dw", SSLMode: "require"},
			wantDriver: "mysql",
			wantParts:  []string{"u:@tcp(db:3306)/dw?parseTime=true", "&tls=true"},
		},
		{
			cfg:        config.DatabaseConfig{Driver: "sqlserver", Host: "db", Port: 1500, User: "u", Database: "dw", SSLMode: "disable"},
			wantDriver: "sqlserver",
			wantParts:  []string{"sqlserver://u:@db:1500", "database=dw", "encrypt=disable"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.cfg.Driver, func(t *testing.T) {
			driver, dsn, err := buildDSN(tc.cfg)
			if err != nil {
				t.Fatalf("buildDSN() error = %v", err)
			}
			if driver != tc.wantDriver {
				t.Errorf("driver: got %q, want %q", driver, tc.wantDriver)
			}
			for _, part := range tc.wantParts {
				if !strings.Contains(dsn, part) {
					t.Errorf("dsn %q missing %q", dsn, part)
				}
			}
		})
	}
}

func TestBuildDSN_UnknownDriver(t *testing.T) {
	if _, _, err := buildDSN(config.DatabaseConfig{Driver: "oracle"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestDatabaseFetcher_EmptyQuery(t *testing.T) {
	f, err := newDatabaseFetcher(config.Source{ID: "db", Database: config.DatabaseConfig{Driver: "postgres", Host: "127.0.0.1"}})
	if err != nil {
		t.Fatalf("newDatabaseFetcher() error = %v", err)
	}
	defer f.Close()

	_, err = f.Fetch(context.Background(), Request{})
	var se *Error
	if !errors.As(err, &se) || se.Kind != KindQuery {
		t.Errorf("got %v, want query error", err)
	}
}
