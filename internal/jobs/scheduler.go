// Package jobs runs the daily rollup in the background.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/puyujian/xhs-kapian-sub000/internal/metrics"
	"github.com/puyujian/xhs-kapian-sub000/internal/rollup"
)

// ErrRunning is returned by RunDay when another rollup is in progress.
var ErrRunning = errors.New("rollup already running")

// DayAggregator rolls up one UTC day.
type DayAggregator interface {
	AggregateDay(ctx context.Context, day time.Time) (rollup.Result, error)
}

// EventRollup is the event type published when a rollup finishes.
const EventRollup = "rollup"

// Publisher receives rollup lifecycle events.
type Publisher interface {
	Publish(eventType string, v any) error
}

// RollupEvent describes one finished rollup.
type RollupEvent struct {
	Date    string `json:"date"`
	Trigger string `json:"trigger"`
	Status  string `json:"status"`
	Groups  int    `json:"aggregated_groups"`
	Events  int    `json:"raw_events_processed"`
	Error   string `json:"error,omitempty"`
}

// Scheduler triggers the rollup of the previous UTC day on a cron schedule
// and on demand. At most one rollup runs at a time; triggers that arrive while
// one is running are skipped.
type Scheduler struct {
	agg     DayAggregator
	metrics *metrics.Metrics
	cron    *cron.Cron
	spec    string
	now     func() time.Time
	pub     Publisher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processingMutex sync.Mutex
	isProcessing    bool
}

// NewScheduler validates spec (standard 5-field cron syntax or a descriptor
// such as "@daily", evaluated in UTC) and returns a stopped Scheduler.
func NewScheduler(agg DayAggregator, m *metrics.Metrics, spec string) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		agg:     agg,
		metrics: m,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		spec:    spec,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	if _, err := s.cron.AddFunc(spec, s.runScheduled); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid rollup schedule %q: %w", spec, err)
	}
	return s, nil
}

// SetPublisher sends an event for every finished rollup to p. Call it before
// Start.
func (s *Scheduler) SetPublisher(p Publisher) {
	s.pub = p
}

// Start begins running the cron schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("rollup scheduler started", "schedule", s.spec)
}

// Stop halts the schedule and waits for any in-flight rollup to run to
// completion before releasing the scheduler context.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.cancel()
	slog.Debug("rollup scheduler stopped")
}

// Yesterday returns the previous UTC day relative to the scheduler clock.
func (s *Scheduler) Yesterday() time.Time {
	return s.now().UTC().AddDate(0, 0, -1)
}

// TriggerAsync starts a rollup of day in the background and returns
// immediately. It reports false when a rollup is already in progress. The
// outcome is only logged and counted.
func (s *Scheduler) TriggerAsync(day time.Time) bool {
	if !s.tryAcquire("manual") {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release()
		s.execute(s.ctx, day, "manual")
	}()
	return true
}

// RunDay rolls up day synchronously and returns its result. It fails with
// ErrRunning instead of waiting when another rollup is in progress.
func (s *Scheduler) RunDay(ctx context.Context, day time.Time) (rollup.Result, error) {
	if !s.tryAcquire("sync") {
		return rollup.Result{}, ErrRunning
	}
	defer s.release()
	return s.execute(ctx, day, "sync")
}

func (s *Scheduler) runScheduled() {
	if !s.tryAcquire("cron") {
		return
	}
	defer s.release()
	s.execute(s.ctx, s.Yesterday(), "cron")
}

func (s *Scheduler) tryAcquire(trigger string) bool {
	s.processingMutex.Lock()
	defer s.processingMutex.Unlock()
	if s.isProcessing {
		slog.Debug("skipping rollup, previous run still in progress", "trigger", trigger)
		s.metrics.RecordRollupSkipped()
		return false
	}
	s.isProcessing = true
	return true
}

func (s *Scheduler) release() {
	s.processingMutex.Lock()
	s.isProcessing = false
	s.processingMutex.Unlock()
}

// execute runs one rollup, converting a panic into an error.
func (s *Scheduler) execute(ctx context.Context, day time.Time, trigger string) (res rollup.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rollup panic: %v", r)
			s.metrics.RecordRollupFailure(0)
			slog.Error("panic recovered in rollup", "trigger", trigger, "panic", r)
		}
		s.publish(day, trigger, res, err)
	}()

	res, err = s.agg.AggregateDay(ctx, day)
	if err != nil {
		slog.Error("rollup failed", "trigger", trigger, "date", day.UTC().Format("2006-01-02"), "error", err)
		return res, err
	}
	return res, nil
}

func (s *Scheduler) publish(day time.Time, trigger string, res rollup.Result, err error) {
	if s.pub == nil {
		return
	}
	evt := RollupEvent{
		Date:    day.UTC().Format("2006-01-02"),
		Trigger: trigger,
		Status:  "completed",
		Groups:  res.AggregatedGroups,
		Events:  res.RawEventsProcessed,
	}
	if err != nil {
		evt.Status = "failed"
		evt.Error = err.Error()
	}
	if perr := s.pub.Publish(EventRollup, evt); perr != nil {
		slog.Warn("failed to publish rollup event", "error", perr)
	}
}
