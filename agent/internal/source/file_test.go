package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/obsidianstack/metricflow/agent/internal/config"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileFetcher_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		format  string
	}{
		{"json", "data.json", `[{"value": 5, "region": "eu"}, {"value": 7, "region": "us"}]`, ""},
		{"csv", "data.csv", "value,region\n5,eu\n7,us\n", ""},
		{"yaml", "data.yml", "- value: 5\n  region: eu\n- value: 7\n  region: us\n", ""},
		{"explicit format", "data.txt", "value,region\n5,eu\n7,us\n", "csv"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			src := config.Source{ID: "f", Type: config.SourceFile, Endpoint: writeTemp(t, tc.file, tc.content), Format: tc.format}
			f, err := New(src, Options{})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			recs, err := f.Fetch(context.Background(), Request{})
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if len(recs) != 2 {
				t.Fatalf("records: got %d, want 2", len(recs))
			}
			if recs[1]["region"] != "us" {
				t.Errorf("region: got %v", recs[1]["region"])
			}
		})
	}
}

func TestFileFetcher_CSVNumbersAndBlanks(t *testing.T) {
	path := writeTemp(t, "d.csv", "value,note\n3.5,\n")
	recs, err := (&fileFetcher{src: config.Source{ID: "f", Endpoint: path}}).Fetch(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	if recs[0]["value"] != 3.5 {
		t.Errorf("value: got %#v, want 3.5", recs[0]["value"])
	}
	if recs[0]["note"] != nil {
		t.Errorf("note: got %#v, want nil", recs[0]["note"])
	}
}

func TestFileFetcher_MissingFileIsConnectionError(t *testing.T) {
	f := &fileFetcher{src: config.Source{ID: "f", Endpoint: filepath.Join(t.TempDir(), "nope.json")}}
	_, err := f.Fetch(context.Background(), Request{})
	var se *Error
	if !errors.As(err, &se) || se.Kind != KindConnection {
		t.Errorf("got %v, want connection error", err)
	}
}
