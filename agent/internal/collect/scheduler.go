package collect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/obsidianstack/metricflow/pkg/events"
	"github.com/obsidianstack/metricflow/pkg/types"
)

// Scheduler executes due jobs on a fixed tick.
type Scheduler struct {
	pipeline *Pipeline
	tick     time.Duration
	workers  int
	events   events.Publisher
	now      func() time.Time
}

// NewScheduler returns a Scheduler running at most workers jobs at once.
func NewScheduler(p *Pipeline, tick time.Duration, workers int, bus events.Publisher) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	if bus == nil {
		bus = events.Discard{}
	}
	return &Scheduler{pipeline: p, tick: tick, workers: workers, events: bus, now: time.Now}
}

// Run ticks until ctx is cancelled. The first scan happens immediately.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("collect: scheduler started", "tick", s.tick, "workers", s.workers)
	s.Tick(ctx, s.now())

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("collect: scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

// Tick executes every job due at now and waits for them to finish. A failing
// or panicking job never stops the others. It returns the number of jobs run.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	due := s.pipeline.DueJobs(now)
	if len(due) == 0 {
		return 0
	}

	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, id := range due {
		id := id
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					s.report(id, fmt.Errorf("panic: %v", r))
				}
			}()
			if _, err := s.pipeline.ExecuteJob(ctx, id); err != nil {
				if errors.Is(err, ErrJobRunning) {
					slog.Debug("collect: job still running, skipped", "job", id)
					return nil
				}
				s.report(id, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(due)
}

func (s *Scheduler) report(id string, err error) {
	slog.Warn("collect: scheduled job error", "job", id, "err", err)
	s.events.Publish(types.EventScheduledJobError, types.ScheduledJobError{JobID: id, Error: err.Error()})
}
