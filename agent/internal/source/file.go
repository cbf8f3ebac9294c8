package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/obsidianstack/metricflow/agent/internal/config"
	"github.com/obsidianstack/metricflow/agent/internal/record"
)

type fileFetcher struct {
	src config.Source
}

// Fetch reads the whole file on every call. The format comes from
// src.Format, falling back to the file extension.
func (f *fileFetcher) Fetch(ctx context.Context, _ Request) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(f.src.ID, KindConnection, err)
	}
	fh, err := os.Open(f.src.Endpoint)
	if err != nil {
		return nil, classify(f.src.ID, KindConnection, err)
	}
	defer fh.Close()

	var records []record.Record
	switch f.format() {
	case "csv":
		records, err = decodeCSV(fh)
	case "yaml":
		records, err = decodeYAML(fh, f.src.RecordsPath)
	default:
		records, err = decodeJSON(fh, f.src.RecordsPath)
	}
	if err != nil {
		return nil, &Error{Kind: KindQuery, Source: f.src.ID, Err: err}
	}
	return records, nil
}

func (f *fileFetcher) format() string {
	if f.src.Format != "" {
		return f.src.Format
	}
	switch strings.ToLower(filepath.Ext(f.src.Endpoint)) {
	case ".csv":
		return "csv"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// decodeCSV treats the first row as the header. Cells that parse as numbers
// become float64 so formulas can use them directly.
func decodeCSV(r io.Reader) ([]record.Record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	var out []record.Record
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", len(out)+1, err)
		}
		rec := make(record.Record, len(header))
		for i, col := range header {
			if i >= len(row) {
				rec[col] = nil
				continue
			}
			cell := row[i]
			if cell == "" {
				rec[col] = nil
			} else if f, err := strconv.ParseFloat(cell, 64); err == nil {
				rec[col] = f
			} else {
				rec[col] = cell
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeYAML(r io.Reader, path string) ([]record.Record, error) {
	var body any
	if err := yaml.NewDecoder(r).Decode(&body); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return extractRecords(body, path)
}
