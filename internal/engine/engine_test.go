package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ahoyland/flotilla/internal/errors"
)

// succeedRunner completes every task immediately with a canned output.
func succeedRunner() Runner {
	return RunnerFunc(func(ctx context.Context, task Task) (string, error) {
		return "done: " + task.ID, nil
	})
}

// waitForState polls until the task reaches the wanted state or the
// deadline expires.
func waitForState(t *testing.T, e *Engine, id string, want TaskState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := e.Status(id)
		if err != nil {
			t.Fatalf("Status(%s): %v", id, err)
		}
		if status.State == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	status, _ := e.Status(id)
	t.Fatalf("task %s never reached %s, last state %s", id, want, status.State)
}

func TestQueuePositionsAtZeroConcurrency(t *testing.T) {
	e := New(succeedRunner(), WithMaxConcurrent(0))
	defer e.Close()

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := e.Submit(Task{ID: fmt.Sprintf("t%d", i)})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, id)
	}

	for i, id := range ids {
		status, err := e.Status(id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.State != StateQueued {
			t.Errorf("task %s state = %s, want queued", id, status.State)
		}
		if status.Position != i {
			t.Errorf("task %s position = %d, want %d", id, status.Position, i)
		}
	}

	m := e.Metrics()
	if m.QueuedTasks != 4 || m.CurrentlyRunning != 0 {
		t.Errorf("metrics = %+v, want 4 queued, 0 running", m)
	}
}

func TestConcurrentWaitersObserveSameResult(t *testing.T) {
	e := New(succeedRunner())
	defer e.Close()

	id, err := e.Submit(Task{ID: "t1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	const n = 16
	results := make([]TaskResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.WaitFor(context.Background(), id)
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("waiter %d: unexpected error %v", i, errs[i])
		}
		if results[i].TaskID != "t1" || !results[i].Success {
			t.Errorf("waiter %d: result = %+v", i, results[i])
		}
		if results[i] != results[0] {
			t.Errorf("waiter %d observed a different result", i)
		}
	}
}

func TestConcurrentWaitersAllRejectOnFailure(t *testing.T) {
	e := New(RunnerFunc(func(ctx context.Context, task Task) (string, error) {
		return "", fmt.Errorf("agent exited 1")
	}))
	defer e.Close()

	id, err := e.Submit(Task{ID: "t1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.WaitFor(context.Background(), id)
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if !errors.Is(errs[i], errors.ErrTaskFailed) {
			t.Errorf("waiter %d: error = %v, want ErrTaskFailed", i, errs[i])
		}
	}
}

func TestDependencyCompletionOrdering(t *testing.T) {
	e := New(succeedRunner(), WithMaxConcurrent(4))
	defer e.Close()

	if _, err := e.Submit(Task{ID: "parent"}); err != nil {
		t.Fatalf("Submit parent: %v", err)
	}
	if _, err := e.Submit(Task{ID: "child", Dependencies: []string{"parent"}}); err != nil {
		t.Fatalf("Submit child: %v", err)
	}

	results, err := e.WaitForAll(context.Background(), []string{"parent", "child"})
	if err != nil {
		t.Fatalf("WaitForAll: %v", err)
	}
	if results[0].CompletedAt.After(results[1].CompletedAt) {
		t.Errorf("child completed at %v before parent at %v",
			results[1].CompletedAt, results[0].CompletedAt)
	}
}

func TestRetryFailOnceThenSucceed(t *testing.T) {
	var invocations atomic.Int32
	e := New(RunnerFunc(func(ctx context.Context, task Task) (string, error) {
		if invocations.Add(1) == 1 {
			return "", fmt.Errorf("transient failure")
		}
		return "ok", nil
	}))
	defer e.Close()

	id, err := e.Submit(Task{ID: "t1", MaxRetries: 2})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	result, err := e.WaitFor(context.Background(), id)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if !result.Success {
		t.Error("task should have completed after retry")
	}
	if got := invocations.Load(); got != 2 {
		t.Errorf("runner invoked %d times, want 2", got)
	}
}

func TestPermanentFailureExhaustsRetries(t *testing.T) {
	var invocations atomic.Int32
	e := New(RunnerFunc(func(ctx context.Context, task Task) (string, error) {
		invocations.Add(1)
		return "", fmt.Errorf("permanent failure")
	}))
	defer e.Close()

	id, err := e.Submit(Task{ID: "t1", MaxRetries: 2})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	result, err := e.WaitFor(context.Background(), id)
	if !errors.Is(err, errors.ErrTaskFailed) {
		t.Errorf("error = %v, want ErrTaskFailed", err)
	}
	if result.Success {
		t.Error("result should not be successful")
	}
	if got := invocations.Load(); got != 3 {
		t.Errorf("runner invoked %d times, want 3 (1 + 2 retries)", got)
	}

	status, statusErr := e.Status(id)
	if statusErr != nil {
		t.Fatalf("Status: %v", statusErr)
	}
	if status.State != StateFailed {
		t.Errorf("state = %s, want failed", status.State)
	}

	var taskErr *errors.TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("expected *errors.TaskError, got %T", err)
	}
	if taskErr.Attempt != 3 {
		t.Errorf("TaskError.Attempt = %d, want 3", taskErr.Attempt)
	}
}

func TestWaitForAllEmpty(t *testing.T) {
	e := New(succeedRunner())
	defer e.Close()

	done := make(chan struct{})
	var results []TaskResult
	var err error
	go func() {
		results, err = e.WaitForAll(context.Background(), nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForAll(nil) should resolve immediately")
	}
	if err != nil {
		t.Fatalf("WaitForAll: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %v, want empty", results)
	}
}

func TestWaitForAllInputOrder(t *testing.T) {
	// First-submitted task finishes last; results must still follow the
	// caller's requested order.
	release := make(chan struct{})
	e := New(RunnerFunc(func(ctx context.Context, task Task) (string, error) {
		if task.ID == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return task.ID, nil
	}), WithMaxConcurrent(4))
	defer e.Close()

	ids, err := e.SubmitAll([]Task{{ID: "slow"}, {ID: "fast"}})
	if err != nil {
		t.Fatalf("SubmitAll: %v", err)
	}
	if ids[0] != "slow" || ids[1] != "fast" {
		t.Fatalf("SubmitAll ids = %v, want submission order", ids)
	}

	waitForState(t, e, "fast", StateCompleted)
	close(release)

	results, err := e.WaitForAll(context.Background(), ids)
	if err != nil {
		t.Fatalf("WaitForAll: %v", err)
	}
	if results[0].Output != "slow" || results[1].Output != "fast" {
		t.Errorf("results out of input order: %q, %q", results[0].Output, results[1].Output)
	}
}

func TestWaitForAllFailsFast(t *testing.T) {
	e := New(RunnerFunc(func(ctx context.Context, task Task) (string, error) {
		if task.ID == "doomed" {
			return "", fmt.Errorf("agent exited 1")
		}
		// Never finishes on its own.
		<-ctx.Done()
		return "", ctx.Err()
	}), WithMaxConcurrent(4))
	defer e.Close()

	ids, err := e.SubmitAll([]Task{{ID: "stuck"}, {ID: "doomed"}})
	if err != nil {
		t.Fatalf("SubmitAll: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, waitErr := e.WaitForAll(context.Background(), ids)
		done <- waitErr
	}()

	select {
	case waitErr := <-done:
		if !errors.Is(waitErr, errors.ErrTaskFailed) {
			t.Errorf("error = %v, want ErrTaskFailed", waitErr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForAll should fail fast without waiting for the stuck task")
	}
}

func TestDispatchSkipsBlockedHead(t *testing.T) {
	// With a free slot, a later-queued task with satisfied dependencies
	// runs even though an earlier-queued task is blocked on a dependency.
	blockParent := make(chan struct{})
	var independentRan atomic.Bool
	e := New(RunnerFunc(func(ctx context.Context, task Task) (string, error) {
		switch task.ID {
		case "parent":
			select {
			case <-blockParent:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		case "independent":
			independentRan.Store(true)
		}
		return "", nil
	}), WithMaxConcurrent(2))
	defer e.Close()

	if _, err := e.SubmitAll([]Task{
		{ID: "parent"},
		{ID: "blocked", Dependencies: []string{"parent"}},
		{ID: "independent"},
	}); err != nil {
		t.Fatalf("SubmitAll: %v", err)
	}

	waitForState(t, e, "independent", StateCompleted)
	if !independentRan.Load() {
		t.Error("independent task should have run past the blocked head")
	}

	status, err := e.Status("blocked")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != StateQueued {
		t.Errorf("blocked task state = %s, want queued while parent runs", status.State)
	}

	close(blockParent)
	waitForState(t, e, "blocked", StateCompleted)
}

func TestConcurrencyBound(t *testing.T) {
	var running, peak atomic.Int32
	e := New(RunnerFunc(func(ctx context.Context, task Task) (string, error) {
		now := running.Add(1)
		for {
			p := peak.Load()
			if now <= p || peak.CompareAndSwap(p, now) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return "", nil
	}), WithMaxConcurrent(2))
	defer e.Close()

	var tasks []Task
	for i := 0; i < 8; i++ {
		tasks = append(tasks, Task{ID: fmt.Sprintf("t%d", i)})
	}
	ids, err := e.SubmitAll(tasks)
	if err != nil {
		t.Fatalf("SubmitAll: %v", err)
	}
	if _, err := e.WaitForAll(context.Background(), ids); err != nil {
		t.Fatalf("WaitForAll: %v", err)
	}

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestCachedResultAfterTerminalState(t *testing.T) {
	e := New(succeedRunner())
	defer e.Close()

	id, err := e.Submit(Task{ID: "t1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForState(t, e, id, StateCompleted)

	// Already-expired context: WaitFor must still return the cached result
	// because the terminal state is consulted before blocking.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := e.WaitFor(ctx, id)
	if err != nil {
		t.Fatalf("WaitFor after completion: %v", err)
	}
	if !result.Success {
		t.Error("cached result should be successful")
	}
}

func TestCancelQueuedTask(t *testing.T) {
	e := New(succeedRunner(), WithMaxConcurrent(0))
	defer e.Close()

	id, err := e.Submit(Task{ID: "t1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := e.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	status, err := e.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != StateCancelled {
		t.Errorf("state = %s, want cancelled", status.State)
	}

	_, err = e.WaitFor(context.Background(), id)
	if !errors.Is(err, errors.ErrTaskCancelled) {
		t.Errorf("error = %v, want ErrTaskCancelled", err)
	}
}

func TestCancelRunningTask(t *testing.T) {
	started := make(chan struct{})
	e := New(RunnerFunc(func(ctx context.Context, task Task) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}))
	defer e.Close()

	id, err := e.Submit(Task{ID: "t1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	if err := e.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	_, err = e.WaitFor(context.Background(), id)
	if !errors.Is(err, errors.ErrTaskCancelled) {
		t.Errorf("error = %v, want ErrTaskCancelled", err)
	}
	waitForState(t, e, id, StateCancelled)
}

func TestSubmitValidation(t *testing.T) {
	e := New(succeedRunner(), WithMaxConcurrent(0))
	defer e.Close()

	if _, err := e.Submit(Task{ID: "t1"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := e.Submit(Task{ID: "t1"}); !errors.Is(err, errors.ErrDuplicateTask) {
		t.Errorf("duplicate submit error = %v, want ErrDuplicateTask", err)
	}

	if _, err := e.Submit(Task{ID: "t2", Dependencies: []string{"ghost"}}); !errors.Is(err, errors.ErrUnknownDependency) {
		t.Errorf("unknown dependency error = %v, want ErrUnknownDependency", err)
	}
}

func TestSubmitGeneratesID(t *testing.T) {
	e := New(succeedRunner(), WithMaxConcurrent(0))
	defer e.Close()

	id, err := e.Submit(Task{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id == "" {
		t.Error("Submit should generate an id for tasks without one")
	}
}

func TestStatusUnknownTask(t *testing.T) {
	e := New(succeedRunner())
	defer e.Close()

	if _, err := e.Status("ghost"); !errors.Is(err, errors.ErrTaskNotFound) {
		t.Errorf("error = %v, want ErrTaskNotFound", err)
	}
	if _, err := e.WaitFor(context.Background(), "ghost"); !errors.Is(err, errors.ErrTaskNotFound) {
		t.Errorf("error = %v, want ErrTaskNotFound", err)
	}
	if err := e.Cancel("ghost"); !errors.Is(err, errors.ErrTaskNotFound) {
		t.Errorf("error = %v, want ErrTaskNotFound", err)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	e := New(succeedRunner())
	e.Close()

	if _, err := e.Submit(Task{ID: "t1"}); !errors.Is(err, errors.ErrEngineClosed) {
		t.Errorf("error = %v, want ErrEngineClosed", err)
	}
}

func TestMetricsSnapshot(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	e := New(RunnerFunc(func(ctx context.Context, task Task) (string, error) {
		if task.ID == "bad" && fail.Load() {
			return "", fmt.Errorf("agent exited 1")
		}
		return "", nil
	}), WithMaxConcurrent(2))
	defer e.Close()

	ids, err := e.SubmitAll([]Task{{ID: "good"}, {ID: "bad"}})
	if err != nil {
		t.Fatalf("SubmitAll: %v", err)
	}
	if _, waitErr := e.WaitForAll(context.Background(), ids); waitErr == nil {
		t.Fatal("expected WaitForAll to fail")
	}
	waitForState(t, e, "bad", StateFailed)

	m := e.Metrics()
	if m.CompletedTasks != 1 || m.FailedTasks != 1 {
		t.Errorf("metrics = %+v, want 1 completed, 1 failed", m)
	}
	if m.SuccessRate != 0.5 {
		t.Errorf("success rate = %v, want 0.5", m.SuccessRate)
	}
	if m.SpawnCount != 2 {
		t.Errorf("spawn count = %d, want 2", m.SpawnCount)
	}
	if m.MaxConcurrent != 2 {
		t.Errorf("max concurrent = %d, want 2", m.MaxConcurrent)
	}
}
