package ratelimit

import (
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }
func newLimiter(cfg Config, c *clock) *Limiter {
	l := New(cfg)
	l.now = c.now
	return l
}

func TestCanMakeRequest_PerSecond(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l := newLimiter(Config{RequestsPerSecond: 5}, c)

	for i := 0; i < 5; i++ {
		if !l.CanMakeRequest() {
			t.Fatalf("request %d: denied, want allowed", i)
		}
	}
	if l.CanMakeRequest() {
		t.Fatal("6th request in same second: allowed, want denied")
	}

	c.advance(1001 * time.Millisecond)
	if !l.CanMakeRequest() {
		t.Error("after window slides: denied, want allowed")
	}
}

func TestCanMakeRequest_DeniedRecordsNothing(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l := newLimiter(Config{RequestsPerSecond: 1, RequestsPerMinute: 100}, c)

	l.CanMakeRequest()
	for i := 0; i < 10; i++ {
		l.CanMakeRequest()
	}
	st := l.Stats()
	if st.LastMinute != 1 {
		t.Errorf("LastMinute: got %d, want 1", st.LastMinute)
	}
	if st.Denied != 10 {
		t.Errorf("Denied: got %d, want 10", st.Denied)
	}
}

func TestCanMakeRequest_PerMinute(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l := newLimiter(Config{RequestsPerMinute: 3}, c)

	for i := 0; i < 3; i++ {
		if !l.CanMakeRequest() {
			t.Fatalf("request %d denied", i)
		}
		c.advance(10 * time.Second)
	}
	if l.CanMakeRequest() {
		t.Fatal("4th request inside minute: allowed, want denied")
	}
	c.advance(31 * time.Second) // first request now older than 60s
	if !l.CanMakeRequest() {
		t.Error("after oldest expires: denied, want allowed")
	}
}

func TestCanMakeRequest_Burst(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l := newLimiter(Config{RequestsPerSecond: 10, Burst: 2}, c)

	if !l.CanMakeRequest() || !l.CanMakeRequest() {
		t.Fatal("first two requests should fit the burst")
	}
	if l.CanMakeRequest() {
		t.Error("3rd immediate request: allowed, want denied by burst")
	}
	if got := l.Stats().LastSecond; got != 2 {
		t.Errorf("LastSecond: got %d, want 2", got)
	}
}

func TestCanMakeRequest_Unlimited(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 1000; i++ {
		if !l.CanMakeRequest() {
			t.Fatalf("request %d denied with no caps", i)
		}
	}
}
