package scheduler

import (
	"context"
	"log/slog"
	"sync"
)

// LongRunningFunc is a component's blocking run loop. It must return
// promptly once ctx is canceled — all suspension points (MQTT
// publish/subscribe, HTTP, channel receive, sleep) must select on ctx.Done().
type LongRunningFunc func(ctx context.Context) error

// Orchestrator aggregates every long-running component (drivers,
// monitors, publishers) into one supervised group.
// Run blocks until ctx is canceled (SIGINT/SIGTERM in cmd/spacecoord),
// then waits for every registered task to return.
type Orchestrator struct {
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]LongRunningFunc
}

// NewOrchestrator creates an orchestrator ready for use.
func NewOrchestrator(logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		logger: logger,
		tasks:  make(map[string]LongRunningFunc),
	}
}

// AddTask registers a long-running function under a name, which Run
// uses in its log lines. Tasks are keyed by name: adding a task under a
// name that is already registered replaces the earlier task.
func (o *Orchestrator) AddTask(name string, fn LongRunningFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tasks[name] = fn
}

// Run starts every registered task in its own goroutine and blocks until
// ctx is canceled, then waits (bounded by ctx's own cancellation having
// already propagated to every task) for all of them to return.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	tasks := make(map[string]LongRunningFunc, len(o.tasks))
	for name, fn := range o.tasks {
		tasks[name] = fn
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for name, fn := range tasks {
		wg.Add(1)
		go func(name string, fn LongRunningFunc) {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("task exited with error", "task", name, "error", err)
			}
		}(name, fn)
	}

	<-ctx.Done()
	o.logger.Info("shutdown signal received, waiting for tasks to exit")
	wg.Wait()
	return nil
}
