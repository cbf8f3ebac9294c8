package compute

import (
	"testing"
	"time"
)

// baseTime is a fixed reference point so all test timings are deterministic.
var baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestTracker_UnknownBeforeFirstRun(t *testing.T) {
	tr := NewTracker()
	h, ok := tr.Health("nope")
	if ok {
		t.Error("Health on untracked job: ok = true")
	}
	if h.State != StateUnknown {
		t.Errorf("state: got %q, want unknown", h.State)
	}
}

func TestTracker_MixedOutcomes(t *testing.T) {
	tr := NewTracker()
	tr.Record(Outcome{JobID: "j", Success: true, Counts: Counts{Processed: 10, Inserted: 10}, At: baseTime})
	tr.Record(Outcome{JobID: "j", Success: true, Counts: Counts{Processed: 10, Inserted: 6}, At: baseTime.Add(time.Minute)})
	h := tr.Record(Outcome{JobID: "j", Success: false, At: baseTime.Add(2 * time.Minute)})

	if h.Runs != 3 {
		t.Errorf("runs: got %d, want 3", h.Runs)
	}
	if !almostEqual(h.UptimePct, 200.0/3, 1e-9) {
		t.Errorf("uptime: got %v", h.UptimePct)
	}
	if !almostEqual(h.QualityScore, 80, 1e-9) {
		t.Errorf("quality: got %v, want 80 (mean of 100 and 60)", h.QualityScore)
	}
	if !h.LastRun.Equal(baseTime.Add(2 * time.Minute)) {
		t.Errorf("last run: got %v", h.LastRun)
	}
	// 0.7*80 + 0.3*66.67 = 76
	if h.State != StateDegraded {
		t.Errorf("state: got %q, want degraded", h.State)
	}
}

func TestTracker_WindowIsBounded(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < uptimeWindow; i++ {
		tr.Record(Outcome{JobID: "j", Success: false, At: baseTime})
	}
	var h JobHealth
	for i := 0; i < uptimeWindow; i++ {
		h = tr.Record(Outcome{JobID: "j", Success: true, Counts: Counts{Processed: 1, Inserted: 1}, At: baseTime})
	}
	if h.UptimePct != 100 {
		t.Errorf("uptime after window rolled: got %v, want 100", h.UptimePct)
	}
	if h.State != StateHealthy {
		t.Errorf("state: got %q", h.State)
	}
}

func TestTracker_AllSorted(t *testing.T) {
	tr := NewTracker()
	for _, id := range []string{"c", "a", "b"} {
		tr.Record(Outcome{JobID: id, Success: true, At: baseTime})
	}
	all := tr.All()
	if len(all) != 3 || all[0].JobID != "a" || all[2].JobID != "c" {
		t.Errorf("All(): got %+v", all)
	}
}
