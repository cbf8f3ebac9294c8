package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/obsidianstack/metricflow/agent/internal/config"
	"github.com/obsidianstack/metricflow/agent/internal/record"
)

const maxWebhookBody = 10 << 20

// Inbox buffers pushed records until the next Fetch drains them. When full,
// the oldest records are evicted. It backs both stream and webhook sources.
type Inbox struct {
	id   string
	size int

	mu      sync.Mutex
	records []record.Record
	dropped int

	sub *nats.Subscription
}

// NewInbox returns an empty Inbox holding at most size records.
func NewInbox(id string, size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{id: id, size: size}
}

// Push appends records, evicting the oldest beyond capacity.
func (in *Inbox) Push(records ...record.Record) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.records = append(in.records, records...)
	if over := len(in.records) - in.size; over > 0 {
		in.records = append(in.records[:0], in.records[over:]...)
		in.dropped += over
		slog.Warn("source: inbox full, evicted oldest records", "source", in.id, "evicted", over)
	}
}

// Fetch returns and clears everything pushed since the last call.
func (in *Inbox) Fetch(ctx context.Context, _ Request) ([]record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(in.id, KindConnection, err)
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	out := in.records
	in.records = nil
	return out, nil
}

// Len returns the number of buffered records.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.records)
}

// Dropped returns the number of records evicted so far.
func (in *Inbox) Dropped() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.dropped
}

// ServeHTTP accepts a JSON object or array of objects.
func (in *Inbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	records, err := decodeJSON(io.LimitReader(r.Body, maxWebhookBody), "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	in.Push(records...)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]int{"accepted": len(records)})
}

// Close unsubscribes a stream inbox. It is a no-op for webhook inboxes.
func (in *Inbox) Close() error {
	if in.sub == nil {
		return nil
	}
	return in.sub.Unsubscribe()
}

// newStream subscribes an Inbox to src.Subject. Each message carries a JSON
// object or array of objects; undecodable messages are logged and dropped.
func newStream(src config.Source, nc *nats.Conn, size int) (*Inbox, error) {
	if nc == nil {
		return nil, &Error{Kind: KindConfig, Source: src.ID, Err: fmt.Errorf("stream source needs a NATS connection")}
	}
	in := NewInbox(src.ID, size)
	sub, err := nc.Subscribe(src.Subject, func(msg *nats.Msg) {
		var body any
		if err := json.Unmarshal(msg.Data, &body); err != nil {
			slog.Warn("source: undecodable stream message", "source", src.ID, "subject", msg.Subject, "err", err)
			return
		}
		records, err := extractRecords(body, src.RecordsPath)
		if err != nil {
			slog.Warn("source: stream message has no records", "source", src.ID, "err", err)
			return
		}
		in.Push(records...)
	})
	if err != nil {
		return nil, classify(src.ID, KindConnection, fmt.Errorf("subscribe %s: %w", src.Subject, err))
	}
	in.sub = sub
	return in, nil
}
