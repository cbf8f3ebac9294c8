package shipper

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/obsidianstack/metricflow/agent/internal/config"
	"github.com/obsidianstack/metricflow/pkg/types"
	"github.com/obsidianstack/metricflow/pkg/wire"
)

// fakeConn records published messages. The first failN publishes fail with failErr.
type fakeConn struct {
	mu      sync.Mutex
	msgs    []*nats.Msg
	failN   int
	failErr error
	closed  bool
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return f.failErr
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) FlushTimeout(time.Duration) error { return nil }

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) published() []*nats.Msg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*nats.Msg, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func dialTo(c *fakeConn) dialFunc {
	return func(config.NATSConfig) (conn, error) { return c, nil }
}

func makeBatch(job string, seq int) *types.MetricBatch {
	return &types.MetricBatch{
		JobID:    job,
		MetricID: "revenue",
		Sequence: seq,
		Values: []types.MetricValue{
			{MetricID: "revenue", Timestamp: time.Unix(1700000000, 0).UTC(), Value: float64(seq)},
		},
	}
}

func agentCfg() config.AgentConfig {
	return config.AgentConfig{
		NATS: config.NATSConfig{URL: "nats://unused", Subject: "metricflow.test"},
		Collection: config.CollectionConfig{
			BufferSize:         10,
			FlushInterval:      time.Second,
			CompressionEnabled: true,
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// --- Tests ---

func TestShipper_DeliversBatch(t *testing.T) {
	fc := &fakeConn{}
	s := New(agentCfg())
	s.dialFn = dialTo(fc)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go s.Run(ctx)

	if err := s.Publish(context.Background(), makeBatch("job-1", 0)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool { return len(fc.published()) > 0 })

	msgs := fc.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Subject != "metricflow.test" {
		t.Errorf("Subject = %q", m.Subject)
	}
	if got := m.Header.Get(HeaderJobID); got != "job-1" {
		t.Errorf("%s = %q, want job-1", HeaderJobID, got)
	}
	if got := m.Header.Get(wire.HeaderEncoding); got != wire.EncodingGzip {
		t.Errorf("%s = %q, want %q", wire.HeaderEncoding, got, wire.EncodingGzip)
	}

	batch, err := wire.Decode(m.Data, wire.Headers{wire.HeaderEncoding: m.Header.Get(wire.HeaderEncoding)}, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if batch.JobID != "job-1" || len(batch.Values) != 1 {
		t.Errorf("decoded batch = %+v", batch)
	}
}

func TestShipper_MultipleBatchesInOrder(t *testing.T) {
	fc := &fakeConn{}
	s := New(agentCfg())
	s.dialFn = dialTo(fc)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go s.Run(ctx)

	for i := 0; i < 5; i++ {
		_ = s.Publish(context.Background(), makeBatch("job", i))
	}
	waitFor(t, func() bool { return len(fc.published()) >= 5 })

	msgs := fc.published()
	if len(msgs) != 5 {
		t.Fatalf("published %d messages, want 5", len(msgs))
	}
	for i, m := range msgs {
		if got := m.Header.Get(HeaderSequence); got != strconv.Itoa(i) {
			t.Errorf("msgs[%d] sequence = %q, want %d", i, got, i)
		}
	}
}

func TestShipper_BufferEvictsOldest(t *testing.T) {
	// BufferSize=3; publish 5 batches while the shipper is not running.
	// Only the 3 most recent should survive.
	cfg := agentCfg()
	cfg.Collection.BufferSize = 3
	s := New(cfg)

	for i := 0; i < 5; i++ {
		_ = s.Publish(context.Background(), makeBatch("job", i))
	}
	if s.Pending() != 3 {
		t.Fatalf("Pending = %d, want 3", s.Pending())
	}

	var seqs []int
	for len(s.buf) > 0 {
		seqs = append(seqs, (<-s.buf).batch.Sequence)
	}
	for i, want := range []int{2, 3, 4} {
		if seqs[i] != want {
			t.Errorf("seqs[%d] = %d, want %d", i, seqs[i], want)
		}
	}
}

func TestShipper_RequeuesOnTransientError(t *testing.T) {
	fc := &fakeConn{failN: 1, failErr: nats.ErrConnectionClosed}
	s := New(agentCfg())
	s.dialFn = dialTo(fc)

	_ = s.Publish(context.Background(), makeBatch("job", 7))

	err := s.drain(context.Background(), fc)
	if !errors.Is(err, nats.ErrConnectionClosed) {
		t.Fatalf("drain err = %v, want ErrConnectionClosed", err)
	}
	if s.Pending() != 1 {
		t.Errorf("Pending = %d, want batch requeued", s.Pending())
	}
}

func TestShipper_DiscardsOnPermanentError(t *testing.T) {
	fc := &fakeConn{failN: 1, failErr: nats.ErrMaxPayload}
	s := New(agentCfg())
	s.dialFn = dialTo(fc)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go s.Run(ctx)

	_ = s.Publish(context.Background(), makeBatch("job", 0))
	_ = s.Publish(context.Background(), makeBatch("job", 1))
	waitFor(t, func() bool { return len(fc.published()) >= 1 })

	msgs := fc.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if got := msgs[0].Header.Get(HeaderSequence); got != "1" {
		t.Errorf("sequence = %q, want 1 (first batch discarded)", got)
	}
}

func TestShipper_EncryptedPayload(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	fc := &fakeConn{}
	s := New(agentCfg())
	s.codec.Key = key
	s.dialFn = dialTo(fc)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go s.Run(ctx)

	_ = s.Publish(context.Background(), makeBatch("secure", 0))
	waitFor(t, func() bool { return len(fc.published()) > 0 })

	msgs := fc.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	hdr := wire.Headers{}
	for _, k := range []string{wire.HeaderEncoding, wire.HeaderEncryption} {
		if v := msgs[0].Header.Get(k); v != "" {
			hdr[k] = v
		}
	}
	if hdr[wire.HeaderEncryption] == "" {
		t.Fatal("encryption header missing")
	}
	if _, err := wire.Decode(msgs[0].Data, hdr, key); err != nil {
		t.Fatalf("Decode with key: %v", err)
	}
}

func TestShipper_BackoffResets(t *testing.T) {
	b := newBackoff()
	first := b.next()
	if first > 2*time.Second {
		t.Errorf("first backoff too large: %v", first)
	}
	for i := 0; i < 10; i++ {
		b.next()
	}
	b.reset()
	after := b.next()
	if after > 2*time.Second {
		t.Errorf("backoff after reset too large: %v", after)
	}
}

func TestBackoff_NeverExceedsMax(t *testing.T) {
	b := newBackoff()
	for i := 0; i < 50; i++ {
		d := b.next()
		// With jitter, max is backoffMax * 1.25
		if d > backoffMax*2 {
			t.Errorf("backoff[%d] = %v, exceeds 2×max", i, d)
		}
	}
}

func TestShipper_GracefulShutdown(t *testing.T) {
	fc := &fakeConn{}
	s := New(agentCfg())
	s.dialFn = dialTo(fc)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
	fc.mu.Lock()
	closed := fc.closed
	fc.mu.Unlock()
	if !closed {
		t.Error("connection not closed on shutdown")
	}
}
