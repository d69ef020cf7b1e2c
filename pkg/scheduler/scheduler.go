// Package scheduler runs the engine's periodic maintenance tasks.
//
// Each registered task ticks on its own goroutine. A panicking or failing
// task is logged and the next tick still runs; one misbehaving task cannot
// stall the others. Liveness exposes the last successful run per task for
// the health endpoint.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskFunc is one maintenance pass. The context is cancelled on Stop.
type TaskFunc func(ctx context.Context) error

// task is a registered maintenance task.
type task struct {
	name     string
	interval time.Duration
	run      TaskFunc
}

// Scheduler drives registered tasks at fixed intervals.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	tasks   []task
	lastRun map[string]time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger:  logger,
		lastRun: make(map[string]time.Time),
	}
}

// Register adds a task. Must be called before Start.
func (s *Scheduler) Register(name string, interval time.Duration, fn TaskFunc) error {
	if name == "" || interval <= 0 || fn == nil {
		return fmt.Errorf("invalid task registration: %q every %s", name, interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("cannot register task %q on a running scheduler", name)
	}
	for _, t := range s.tasks {
		if t.name == name {
			return fmt.Errorf("task %q already registered", name)
		}
	}

	s.tasks = append(s.tasks, task{name: name, interval: interval, run: fn})
	return nil
}

// Start launches one ticker goroutine per registered task.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}

	s.logger.Info("scheduler started",
		zap.Int("tasks", len(s.tasks)),
	)
}

// Stop cancels all task contexts and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Liveness returns the last successful run time per task. Tasks that have
// not yet succeeded are absent.
func (s *Scheduler) Liveness() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.lastRun))
	for name, at := range s.lastRun {
		out[name] = at
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context, t task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

// runOnce executes a single tick with panic recovery.
func (s *Scheduler) runOnce(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked",
				zap.String("task", t.name),
				zap.Any("panic", r),
			)
		}
	}()

	if err := t.run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("task failed",
			zap.String("task", t.name),
			zap.Error(err),
		)
		return
	}

	s.mu.Lock()
	s.lastRun[t.name] = time.Now().UTC()
	s.mu.Unlock()
}
