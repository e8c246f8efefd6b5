// Package supervisor runs the node's fixed task set. Tasks are
// long-lived: each one is expected to hold its goroutine until
// shutdown. There is no per-task restart policy; the recovery story
// for a wedged task is the same as for a wedged device, reset the
// whole thing and come back clean. An unexpected task exit therefore
// cancels every sibling and requests a restart.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/envsense/envnode/internal/state"
)

// Task is one long-running unit of the node.
type Task struct {
	// Name identifies the task in logs.
	Name string

	// Run blocks until ctx ends. Returning earlier, with or without
	// an error, is treated as a failure.
	Run func(ctx context.Context) error

	// NeedsLink delays the task's start until the link is up. The
	// link watcher itself must not set this.
	NeedsLink bool
}

// Runner supervises a fixed set of tasks.
type Runner struct {
	link    *state.Cell[state.LinkState]
	restart func()
	logger  *slog.Logger
	tasks   []Task
}

// New builds a runner. restart is invoked after an unexpected task
// exit, once every task has been cancelled; in production it resets
// the process.
func New(link *state.Cell[state.LinkState], restart func(), logger *slog.Logger) *Runner {
	return &Runner{link: link, restart: restart, logger: logger}
}

// Add registers a task. Not safe to call after Run.
func (r *Runner) Add(t Task) {
	if t.Name == "" || t.Run == nil {
		panic("supervisor: task needs a name and a run function")
	}
	r.tasks = append(r.tasks, t)
}

// Run starts every task and blocks until ctx is cancelled or a task
// exits unexpectedly. Link-gated tasks wait for the link watcher to
// bring the link up before their first iteration.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		failed   bool
	)

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			failed = true
		}
		mu.Unlock()
		cancel()
	}

	for _, t := range r.tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if t.NeedsLink {
				_, err := r.link.Wait(ctx, func(s state.LinkState) bool {
					return s == state.LinkUp
				})
				if err != nil {
					return // shutdown before the link came up
				}
				r.logger.Debug("task released by link", "task", t.Name)
			}

			err := t.Run(ctx)
			if ctx.Err() != nil {
				r.logger.Debug("task stopped", "task", t.Name)
				return
			}

			// Still running everywhere else: this exit is a defect.
			if err == nil {
				err = fmt.Errorf("task %s exited without error", t.Name)
			} else {
				err = fmt.Errorf("task %s exited: %w", t.Name, err)
			}
			r.logger.Error("unexpected task exit", "task", t.Name, "error", err)
			fail(err)
		}()
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if failed {
		r.logger.Error("supervisor requesting device restart", "error", firstErr)
		r.restart()
		return firstErr
	}
	return ctx.Err()
}
