// Package scheduler runs named, independently-looping background jobs and
// stops them together. The scheduler knows nothing about what a job does; the
// contract is "this function runs until its context is cancelled". A job that
// returns early on its own error is a bug in that job, not in the scheduler;
// each loop owns its retry/backoff and must only exit on cancellation.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onnwee/chat-tender/telemetry"
)

// Job is one indefinitely-looping background task.
type Job func(ctx context.Context)

// Scheduler holds the registry and the handles of running jobs.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []namedJob
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

type namedJob struct {
	name string
	run  Job
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Register stores run under name. Must be called before StartAll; names are
// unique.
func (s *Scheduler) Register(name string, run Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("register %q: scheduler already started", name)
	}
	for _, j := range s.jobs {
		if j.name == name {
			return fmt.Errorf("register %q: duplicate job name", name)
		}
	}
	s.jobs = append(s.jobs, namedJob{name: name, run: run})
	return nil
}

// StartAll spawns one goroutine per registered job, all sharing a context
// derived from parent. Calling it twice is an error.
func (s *Scheduler) StartAll(parent context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.started = true
	for _, j := range s.jobs {
		j := j
		s.wg.Add(1)
		telemetry.JobsRunning.Inc()
		go func() {
			defer s.wg.Done()
			defer telemetry.JobsRunning.Dec()
			slog.Info("job started", slog.String("job", j.name))
			j.run(ctx)
			slog.Info("job stopped", slog.String("job", j.name))
		}()
	}
	return nil
}

// StopAll cancels every running job and blocks until all of them return.
// Callers rely on the bounded shutdown to release network connections cleanly.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// Names returns the registered job names, in registration order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = j.name
	}
	return out
}
