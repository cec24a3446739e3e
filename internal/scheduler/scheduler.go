// Package scheduler hosts the coordinator's named-task scheduling: a
// keyed-timer scheduler for one-shot and interval tasks (booking
// transitions, OSD sign-off, mixer reset), a cron-backed daily-at-time
// scheduler for recurring wall-clock tasks, and an Orchestrator that
// aggregates every long-running component into one graceful-shutdown
// group.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskFunc is the work performed when a scheduled entry fires. Errors are
// logged by the scheduler and never propagated to the caller; a task
// loop that needs to stop itself does so by not rescheduling.
type TaskFunc func(ctx context.Context) error

// Scheduler manages named one-shot, interval, and daily-at-time tasks.
// All methods are safe for concurrent use.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer // name -> timer, for ScheduleAt/ScheduleEvery
	cron    *cron.Cron
	cronIDs map[string]cron.EntryID // name -> cron entry, for ScheduleDailyAt
	running bool
	wg      sync.WaitGroup
}

// New creates a scheduler ready for use.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger:  logger,
		timers:  make(map[string]*time.Timer),
		cron:    cron.New(cron.WithSeconds()),
		cronIDs: make(map[string]cron.EntryID),
	}
}

// Start begins the scheduler's cron driver. One-shot and interval tasks
// need no separate start — they run their own timers as soon as they are
// scheduled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
}

// Stop cancels every pending timer and cron entry and waits for any
// in-flight task to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for name, timer := range s.timers {
		timer.Stop()
		delete(s.timers, name)
	}
	for name, id := range s.cronIDs {
		s.cron.Remove(id)
		delete(s.cronIDs, name)
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// ScheduleAt registers a one-shot task to fire at the given time.
// Scheduling under a name that already has a pending entry replaces it —
// registration is idempotent by name, as required for re-running the
// booking reconciliation's per-transition scheduling every 10 minutes
// without duplicating timers.
func (s *Scheduler) ScheduleAt(name string, at time.Time, fn TaskFunc) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, exists := s.timers[name]; exists {
		timer.Stop()
	}

	s.timers[name] = time.AfterFunc(delay, func() {
		s.fire(name, fn)
	})
}

// ScheduleEvery registers a recurring task that fires every interval,
// starting after the first interval elapses.
func (s *Scheduler) ScheduleEvery(name string, interval time.Duration, fn TaskFunc) {
	var rearm func()
	rearm = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.running {
			return
		}
		s.timers[name] = time.AfterFunc(interval, func() {
			s.fire(name, fn)
			rearm()
		})
	}

	s.mu.Lock()
	if timer, exists := s.timers[name]; exists {
		timer.Stop()
	}
	s.running = true
	s.mu.Unlock()

	rearm()
}

// ScheduleDailyAt registers a recurring task that fires once per day at
// the given hour/minute/second, local time. Backed by robfig/cron rather
// than the timer map, since expressing "same wall-clock time every day"
// correctly (across DST, month-end, etc.) with raw timers would
// reimplement calendar arithmetic cron already solves.
func (s *Scheduler) ScheduleDailyAt(name string, hh, mm, ss int, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.cronIDs[name]; exists {
		s.cron.Remove(id)
		delete(s.cronIDs, name)
	}

	spec := cronSpec(hh, mm, ss)
	id, err := s.cron.AddFunc(spec, func() {
		s.fire(name, fn)
	})
	if err != nil {
		return err
	}
	s.cronIDs[name] = id
	return nil
}

// Cancel removes a named one-shot/interval timer or daily-at-time entry.
// If the task is mid-execution, its in-flight run completes; Cancel only
// prevents future firings.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, exists := s.timers[name]; exists {
		timer.Stop()
		delete(s.timers, name)
	}
	if id, exists := s.cronIDs[name]; exists {
		s.cron.Remove(id)
		delete(s.cronIDs, name)
	}
}

// Pending reports whether a named one-shot/interval timer is currently
// registered.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}

func (s *Scheduler) fire(name string, fn TaskFunc) {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	running := s.running
	delete(s.timers, name)
	s.mu.Unlock()
	if !running {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := fn(ctx); err != nil {
		s.logger.Error("scheduled task failed", "name", name, "error", err)
	}
}

func cronSpec(hh, mm, ss int) string {
	return fmt.Sprintf("%d %d %d * * *", ss, mm, hh)
}
