// Package engine implements the task scheduler: a FIFO queue with a
// concurrency bound, dependency gating, automatic retry of transient
// failures, and exactly-once completion fan-out to any number of waiters.
//
// The scheduler is single-threaded in its decision-making: dispatch passes
// and completion handling are serialized under one mutex, even though the
// tasks themselves run as independent out-of-process workers.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ahoyland/flotilla/internal/errors"
	"github.com/ahoyland/flotilla/internal/logging"
)

// Runner executes one task and reports its output. Implementations spawn
// the external agent process; the engine only observes the exit.
type Runner interface {
	Run(ctx context.Context, task Task) (output string, err error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, task Task) (string, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, task Task) (string, error) {
	return f(ctx, task)
}

// Engine schedules tasks against a bounded pool of concurrent runner slots.
type Engine struct {
	runner        Runner
	logger        *logging.Logger
	maxConcurrent int
	taskTimeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	tasks     map[string]*taskEntry
	queue     []string // queued ids, FIFO
	running   map[string]context.CancelFunc
	results   map[string]TaskResult
	observers map[string][]chan TaskResult
	closed    bool

	nextPosition   int
	completedCount int
	failedCount    int
	cancelledCount int
	spawnCount     int
	totalDuration  time.Duration
	startedAt      time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxConcurrent sets the concurrency bound. Zero is valid and means
// tasks queue forever without dispatching; used to exercise queue behavior
// in isolation.
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) { e.maxConcurrent = n }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTaskTimeout bounds each runner invocation. Zero disables the timeout.
func WithTaskTimeout(d time.Duration) Option {
	return func(e *Engine) { e.taskTimeout = d }
}

// New creates an Engine dispatching tasks to runner. The default
// concurrency bound is 3.
func New(runner Runner, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		runner:        runner,
		logger:        logging.NopLogger(),
		maxConcurrent: 3,
		ctx:           ctx,
		cancel:        cancel,
		tasks:         make(map[string]*taskEntry),
		running:       make(map[string]context.CancelFunc),
		results:       make(map[string]TaskResult),
		observers:     make(map[string][]chan TaskResult),
		startedAt:     time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit enqueues a task and returns its id. The task id is generated when
// empty. Every dependency must name a previously submitted task.
func (e *Engine) Submit(task Task) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", errors.ErrEngineClosed
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if _, exists := e.tasks[task.ID]; exists {
		return "", errors.Wrapf(errors.ErrDuplicateTask, "task %s", task.ID)
	}
	for _, dep := range task.Dependencies {
		if _, known := e.tasks[dep]; !known {
			return "", errors.Wrapf(errors.ErrUnknownDependency, "task %s depends on %s", task.ID, dep)
		}
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	entry := &taskEntry{
		task:     task,
		state:    StateQueued,
		position: e.nextPosition,
	}
	e.nextPosition++
	e.tasks[task.ID] = entry
	e.queue = append(e.queue, task.ID)

	e.logger.WithTask(task.ID).Debug("task queued",
		"position", entry.position,
		"dependencies", len(task.Dependencies))

	e.dispatch()
	return task.ID, nil
}

// SubmitAll enqueues tasks in order and returns their ids in the same
// order. Submission stops at the first invalid task.
func (e *Engine) SubmitAll(tasks []Task) ([]string, error) {
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		id, err := e.Submit(task)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// WaitFor blocks until the task reaches a terminal state and returns its
// result. Safe to call before, during, or after completion, and from any
// number of goroutines; every caller observes the identical result. After
// the terminal state is reached the cached result returns without blocking.
// A failed or cancelled task returns its result alongside a non-nil error.
func (e *Engine) WaitFor(ctx context.Context, id string) (TaskResult, error) {
	e.mu.Lock()
	if _, known := e.tasks[id]; !known {
		e.mu.Unlock()
		return TaskResult{}, errors.Wrapf(errors.ErrTaskNotFound, "task %s", id)
	}
	if result, done := e.results[id]; done {
		e.mu.Unlock()
		return result, result.Err
	}

	ch := make(chan TaskResult, 1)
	e.observers[id] = append(e.observers[id], ch)
	e.mu.Unlock()

	select {
	case result := <-ch:
		return result, result.Err
	case <-ctx.Done():
		return TaskResult{}, ctx.Err()
	}
}

// WaitForAll waits for every listed task and returns their results in the
// input order, not completion order. It fails fast: the first terminal
// failure cancels the remaining waits and is returned immediately. An empty
// or nil id list returns an empty slice without blocking.
func (e *Engine) WaitForAll(ctx context.Context, ids []string) ([]TaskResult, error) {
	if len(ids) == 0 {
		return []TaskResult{}, nil
	}

	results := make([]TaskResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			result, err := e.WaitFor(gctx, id)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Cancel requests cancellation of a task. A queued task is removed from the
// queue and terminally cancelled. For a running task the underlying process
// is killed best-effort; a cancel recorded before the completion handler
// runs wins over a result already in flight.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, known := e.tasks[id]
	if !known {
		return errors.Wrapf(errors.ErrTaskNotFound, "task %s", id)
	}
	if entry.state.Terminal() {
		return nil
	}

	entry.cancelled = true

	if entry.state == StateQueued {
		e.removeFromQueue(id)
		e.finalize(entry, TaskResult{
			TaskID:      id,
			Success:     false,
			CompletedAt: time.Now(),
			Err:         errors.NewTaskError("cancelled while queued", errors.ErrTaskCancelled).WithTaskID(id),
		})
		return nil
	}

	// Running: kill the process and let the completion handler observe the
	// cancelled flag.
	if cancelRun, ok := e.running[id]; ok {
		cancelRun()
	}
	e.logger.WithTask(id).Info("cancellation requested")
	return nil
}

// Status returns the task's current scheduling state. Unknown ids return
// errors.ErrTaskNotFound.
func (e *Engine) Status(id string) (TaskStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, known := e.tasks[id]
	if !known {
		return TaskStatus{}, errors.Wrapf(errors.ErrTaskNotFound, "task %s", id)
	}
	return TaskStatus{
		ID:       id,
		State:    entry.state,
		Position: entry.position,
		Attempt:  entry.attempt,
	}, nil
}

// Metrics returns a snapshot of the engine's counters.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotMetrics()
}

// Close shuts the engine down. Running tasks are killed, queued tasks stay
// queued, and further submissions return errors.ErrEngineClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
}

// -----------------------------------------------------------------------------
// Scheduling
// -----------------------------------------------------------------------------

// dispatch runs one dispatch pass: while a concurrency slot is free, start
// the earliest-queued task whose dependencies are all completed. Dependency
// satisfaction gates eligibility; FIFO order breaks ties among eligible
// tasks, so a blocked head does not starve a later eligible task. Callers
// must hold e.mu.
func (e *Engine) dispatch() {
	if e.closed {
		return
	}
	for len(e.running) < e.maxConcurrent {
		id, ok := e.nextEligible()
		if !ok {
			return
		}
		e.start(id)
	}
}

// nextEligible scans the queue in FIFO order for the first task whose
// dependencies are all completed. Callers must hold e.mu.
func (e *Engine) nextEligible() (string, bool) {
	for _, id := range e.queue {
		if e.depsSatisfied(e.tasks[id]) {
			return id, true
		}
	}
	return "", false
}

func (e *Engine) depsSatisfied(entry *taskEntry) bool {
	for _, dep := range entry.task.Dependencies {
		if e.tasks[dep].state != StateCompleted {
			return false
		}
	}
	return true
}

// start dequeues a task and hands it to the runner. Callers must hold e.mu.
func (e *Engine) start(id string) {
	entry := e.tasks[id]
	e.removeFromQueue(id)
	entry.state = StateRunning
	entry.attempt++
	entry.startedAt = time.Now()
	e.spawnCount++

	var runCtx context.Context
	var cancelRun context.CancelFunc
	if e.taskTimeout > 0 {
		runCtx, cancelRun = context.WithTimeout(e.ctx, e.taskTimeout)
	} else {
		runCtx, cancelRun = context.WithCancel(e.ctx)
	}
	e.running[id] = cancelRun

	e.logger.WithTask(id).Info("task started",
		"attempt", entry.attempt,
		"running", len(e.running))

	go func() {
		output, err := e.runner.Run(runCtx, entry.task)
		e.handleCompletion(id, output, err)
	}()
}

// handleCompletion is the single completion-handling step for one runner
// invocation: retry, finalize, or honor a pending cancel, then run another
// dispatch pass.
func (e *Engine) handleCompletion(id string, output string, runErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry := e.tasks[id]
	if cancelRun, ok := e.running[id]; ok {
		cancelRun()
		delete(e.running, id)
	}

	// A cancel recorded before this handler wins, even when the runner
	// produced a result.
	if entry.cancelled {
		e.finalize(entry, TaskResult{
			TaskID:      id,
			Success:     false,
			Output:      output,
			CompletedAt: time.Now(),
			Err: errors.NewTaskError("cancelled", errors.ErrTaskCancelled).
				WithTaskID(id).WithAttempt(entry.attempt),
		})
		return
	}

	if runErr != nil {
		if entry.attempt <= entry.task.MaxRetries {
			entry.state = StateQueued
			entry.position = e.nextPosition
			e.nextPosition++
			e.queue = append(e.queue, id)
			e.logger.WithTask(id).Warn("task failed, retrying",
				"attempt", entry.attempt,
				"max_retries", entry.task.MaxRetries,
				"error", runErr)
			e.dispatch()
			return
		}

		e.finalize(entry, TaskResult{
			TaskID:      id,
			Success:     false,
			Output:      output,
			CompletedAt: time.Now(),
			Err: errors.NewTaskError("retries exhausted", errors.Join(errors.ErrTaskFailed, runErr)).
				WithTaskID(id).WithAttempt(entry.attempt),
		})
		return
	}

	e.finalize(entry, TaskResult{
		TaskID:      id,
		Success:     true,
		Output:      output,
		CompletedAt: time.Now(),
	})
}

// finalize records a terminal result exactly once: caches it, updates the
// counters, drains this task's observers with the identical result, and
// runs a dispatch pass for any dependents it unblocked. Callers must hold
// e.mu.
func (e *Engine) finalize(entry *taskEntry, result TaskResult) {
	id := entry.task.ID

	switch {
	case entry.cancelled:
		entry.state = StateCancelled
		e.cancelledCount++
	case result.Success:
		entry.state = StateCompleted
		e.completedCount++
		if !entry.startedAt.IsZero() {
			e.totalDuration += result.CompletedAt.Sub(entry.startedAt)
		}
	default:
		entry.state = StateFailed
		e.failedCount++
	}

	e.results[id] = result
	for _, ch := range e.observers[id] {
		ch <- result
	}
	delete(e.observers, id)

	e.logger.WithTask(id).Info("task finished",
		"state", string(entry.state),
		"attempts", entry.attempt)

	e.dispatch()
}

// removeFromQueue deletes id from the FIFO queue preserving the order and
// stored positions of the remaining entries. Callers must hold e.mu.
func (e *Engine) removeFromQueue(id string) {
	for i, queued := range e.queue {
		if queued == id {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}
