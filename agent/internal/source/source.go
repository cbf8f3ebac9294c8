package source

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/nats-io/nats.go"

	"github.com/obsidianstack/metricflow/agent/internal/config"
	"github.com/obsidianstack/metricflow/agent/internal/record"
)

// DefaultInboxSize bounds records buffered by stream and webhook sources
// between job runs.
const DefaultInboxSize = 10000

// Request carries the job-specific part of a fetch.
type Request struct {
	Query      string
	Parameters map[string]any
}

// Fetcher is the common interface implemented by every source adapter.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]record.Record, error)
}

// Kind classifies a fetch failure.
type Kind string

const (
	KindConnection Kind = "connection" // source unreachable, timed out, or throttling
	KindQuery      Kind = "query"      // request rejected or response malformed
	KindConfig     Kind = "config"     // adapter cannot be built from its config
)

// Error is returned by adapters for every fetch failure.
type Error struct {
	Kind   Kind
	Source string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("source %q: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options carries shared dependencies for adapters that need them.
type Options struct {
	// NATS is required for stream sources.
	NATS *nats.Conn
	// InboxSize bounds stream and webhook buffers (default DefaultInboxSize).
	InboxSize int
}

// New returns the adapter for src.
func New(src config.Source, opts Options) (Fetcher, error) {
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	switch src.Type {
	case config.SourceAPI:
		client, err := buildHTTPClient(src)
		if err != nil {
			return nil, &Error{Kind: KindConfig, Source: src.ID, Err: fmt.Errorf("build http client: %w", err)}
		}
		return &apiFetcher{src: src, client: client}, nil
	case config.SourceDatabase:
		return newDatabaseFetcher(src)
	case config.SourceFile:
		return &fileFetcher{src: src}, nil
	case config.SourceStream:
		return newStream(src, opts.NATS, opts.InboxSize)
	case config.SourceWebhook:
		return NewInbox(src.ID, opts.InboxSize), nil
	default:
		return nil, &Error{Kind: KindConfig, Source: src.ID, Err: fmt.Errorf("unsupported type %q", src.Type)}
	}
}

// WebhookPath returns the HTTP path a webhook source is mounted on.
func WebhookPath(src config.Source) string {
	if src.Path != "" {
		return src.Path
	}
	return "/webhooks/" + src.ID
}

// classify wraps err as a connection error when it looks like a transport
// failure and as kind otherwise.
func classify(id string, kind Kind, err error) error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, os.ErrNotExist),
		errors.Is(err, os.ErrPermission):
		kind = KindConnection
	}
	return &Error{Kind: kind, Source: id, Err: err}
}
