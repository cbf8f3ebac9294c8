package source

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/obsidianstack/metricflow/agent/internal/config"
	"github.com/obsidianstack/metricflow/agent/internal/record"
)

const defaultAPIKeyHeader = "X-API-Key"

type apiFetcher struct {
	src    config.Source
	client *http.Client
}

// Fetch calls the endpoint and decodes the response into records.
// req.Query is appended to the endpoint; for GET requests Parameters become
// query-string values, otherwise they are sent as a JSON body.
func (f *apiFetcher) Fetch(ctx context.Context, req Request) ([]record.Record, error) {
	httpReq, err := f.newRequest(ctx, req)
	if err != nil {
		return nil, &Error{Kind: KindQuery, Source: f.src.ID, Err: err}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, classify(f.src.ID, KindConnection, fmt.Errorf("http %s: %w", httpReq.Method, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &Error{Kind: KindConnection, Source: f.src.ID, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	case resp.StatusCode >= 300:
		return nil, &Error{Kind: KindQuery, Source: f.src.ID, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var records []record.Record
	if f.src.Format == "prometheus" {
		records, err = parsePrometheus(resp.Body)
	} else {
		records, err = decodeJSON(resp.Body, f.src.RecordsPath)
	}
	if err != nil {
		return nil, classify(f.src.ID, KindQuery, err)
	}
	return records, nil
}

func (f *apiFetcher) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := strings.ToUpper(f.src.Method)
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(f.src.Endpoint + req.Query)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	var body io.Reader
	if len(req.Parameters) > 0 {
		if method == http.MethodGet {
			q := u.Query()
			keys := make([]string, 0, len(req.Parameters))
			for k := range req.Parameters {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				q.Set(k, record.String(req.Parameters[k]))
			}
			u.RawQuery = q.Encode()
		} else {
			b, err := json.Marshal(req.Parameters)
			if err != nil {
				return nil, fmt.Errorf("encode parameters: %w", err)
			}
			body = bytes.NewReader(b)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if f.src.Format == "prometheus" {
		httpReq.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	for k, v := range f.src.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// decodeJSON accepts an array of objects, a single object, or an object
// holding the array at path.
func decodeJSON(r io.Reader, path string) ([]record.Record, error) {
	var body any
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return extractRecords(body, path)
}

func extractRecords(body any, path string) ([]record.Record, error) {
	if path != "" {
		obj, ok := body.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("records_path %q: body is %T, want object", path, body)
		}
		v, ok := record.Lookup(obj, path)
		if !ok {
			return nil, fmt.Errorf("records_path %q not found", path)
		}
		body = v
	}
	switch v := body.(type) {
	case []any:
		out := make([]record.Record, 0, len(v))
		for i, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("record %d is %T, want object", i, item)
			}
			out = append(out, obj)
		}
		return out, nil
	case map[string]any:
		return []record.Record{v}, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("body is %T, want array or object", body)
	}
}

// parsePrometheus decodes a text exposition into one record per sample:
// {"metric": family, "value": v, "timestamp": ms?, <label>: <value>...}.
// A partial result with a non-fatal parse warning is still returned.
func parsePrometheus(r io.Reader) ([]record.Record, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}

	names := make([]string, 0, len(mfs))
	for name := range mfs {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []record.Record
	for _, name := range names {
		for _, m := range mfs[name].GetMetric() {
			v, ok := sampleValue(m)
			if !ok {
				continue
			}
			rec := record.Record{"metric": name, "value": v}
			for _, lp := range m.GetLabel() {
				rec[lp.GetName()] = lp.GetValue()
			}
			if m.TimestampMs != nil {
				rec["timestamp"] = float64(m.GetTimestampMs())
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// sampleValue returns the scalar of a sample. Summaries and histograms
// report their sample sum.
func sampleValue(m *dto.Metric) (float64, bool) {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue(), true
	case m.Gauge != nil:
		return m.Gauge.GetValue(), true
	case m.Untyped != nil:
		return m.Untyped.GetValue(), true
	case m.Summary != nil:
		return m.Summary.GetSampleSum(), true
	case m.Histogram != nil:
		return m.Histogram.GetSampleSum(), true
	}
	return 0, false
}

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	auth config.AuthConfig
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	switch t.auth.Mode {
	case "apikey":
		header := t.auth.Header
		if header == "" {
			header = defaultAPIKeyHeader
		}
		req = req.Clone(req.Context())
		req.Header.Set(header, t.auth.Key())
	case "bearer":
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.auth.Token())
	case "basic":
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.auth.Username, t.auth.Password())
	}
	return t.base.RoundTrip(req)
}

// buildHTTPClient constructs an http.Client for the source's auth and TLS
// settings. Timeouts come from the caller's context.
func buildHTTPClient(src config.Source) (*http.Client, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: src.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}

	if src.Auth.Mode == "mtls" {
		cert, err := tls.LoadX509KeyPair(src.Auth.CertFile, src.Auth.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}

		if src.Auth.CAFile != "" {
			caPEM, err := os.ReadFile(src.Auth.CAFile)
			if err != nil {
				return nil, fmt.Errorf("read ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caPEM) {
				return nil, fmt.Errorf("no valid certs found in ca file %q", src.Auth.CAFile)
			}
			tlsCfg.RootCAs = pool
		}
	}

	return &http.Client{
		Transport: &authRoundTripper{
			base: &http.Transport{TLSClientConfig: tlsCfg},
			auth: src.Auth,
		},
	}, nil
}
