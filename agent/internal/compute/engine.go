package compute

import (
	"sort"
	"sync"
	"time"
)

// uptimeWindow is the number of recent run outcomes tracked per job.
const uptimeWindow = 20

// Outcome is what the tracker learns from one finished run.
type Outcome struct {
	JobID   string
	Success bool
	Counts  Counts
	At      time.Time
}

// JobHealth is the derived health snapshot of one job.
type JobHealth struct {
	JobID        string    `json:"jobId"`
	State        string    `json:"state"`
	Score        float64   `json:"score"`
	QualityScore float64   `json:"qualityScore"` // mean over successful runs in the window
	UptimePct    float64   `json:"uptimePct"`    // successful runs in the window
	Runs         int       `json:"runs"`
	LastRun      time.Time `json:"lastRun"`
}

// Tracker keeps a rolling window of run outcomes per job.
//
// All exported methods are safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	states map[string]*jobState
}

type jobState struct {
	history []outcome // newest last
	runs    int
	lastRun time.Time
}

type outcome struct {
	success bool
	quality float64
}

// NewTracker returns a ready-to-use Tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[string]*jobState)}
}

// Record adds o to its job's window and returns the updated health.
func (t *Tracker) Record(o Outcome) JobHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[o.JobID]
	if !ok {
		st = &jobState{}
		t.states[o.JobID] = st
	}
	if len(st.history) >= uptimeWindow {
		st.history = st.history[1:]
	}
	st.history = append(st.history, outcome{success: o.Success, quality: QualityScore(o.Counts)})
	st.runs++
	st.lastRun = o.At
	return st.health(o.JobID)
}

// Health returns the current health of jobID.
func (t *Tracker) Health(jobID string) (JobHealth, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[jobID]
	if !ok {
		return JobHealth{JobID: jobID, State: StateUnknown}, false
	}
	return st.health(jobID), true
}

// All returns the health of every tracked job ordered by job id.
func (t *Tracker) All() []JobHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]JobHealth, 0, len(t.states))
	for id, st := range t.states {
		out = append(out, st.health(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

func (st *jobState) health(id string) JobHealth {
	h := JobHealth{JobID: id, Runs: st.runs, LastRun: st.lastRun, State: StateUnknown}
	if len(st.history) == 0 {
		return h
	}
	var ok int
	var quality float64
	for _, o := range st.history {
		if o.success {
			ok++
			quality += o.quality
		}
	}
	h.UptimePct = float64(ok) / float64(len(st.history)) * 100
	if ok > 0 {
		h.QualityScore = quality / float64(ok)
	}
	h.Score = HealthScore(h.QualityScore, h.UptimePct)
	h.State = State(h.Score)
	return h
}
