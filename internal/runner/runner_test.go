package runner

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/creack/pty"

	"github.com/ahoyland/flotilla/internal/config"
	"github.com/ahoyland/flotilla/internal/engine"
	"github.com/ahoyland/flotilla/internal/errors"
)

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func TestRunAppendsPromptToArgs(t *testing.T) {
	requireCommand(t, "echo")

	r := New(config.RunnerConfig{Command: "echo", Args: []string{"prefix"}}, nil)
	output, err := r.Run(context.Background(), engine.Task{
		ID:      "t1",
		Prompt:  "do the thing",
		WorkDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(output, "prefix do the thing") {
		t.Errorf("output = %q, want prompt appended after args", output)
	}
}

func TestRunPromptViaStdin(t *testing.T) {
	requireCommand(t, "cat")

	r := New(config.RunnerConfig{Command: "cat", PromptViaStdin: true}, nil)
	output, err := r.Run(context.Background(), engine.Task{
		ID:      "t1",
		Prompt:  "stdin payload",
		WorkDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(output) != "stdin payload" {
		t.Errorf("output = %q, want the prompt echoed back", output)
	}
}

func TestRunNonzeroExitIsRetryable(t *testing.T) {
	requireCommand(t, "false")

	r := New(config.RunnerConfig{Command: "false"}, nil)
	_, err := r.Run(context.Background(), engine.Task{ID: "t1", WorkDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error for nonzero exit")
	}
	if !errors.IsRetryable(err) {
		t.Errorf("nonzero exit should be retryable, got %v", err)
	}

	var taskErr *errors.TaskError
	if !errors.As(err, &taskErr) {
		t.Fatalf("expected *errors.TaskError, got %T", err)
	}
	if taskErr.TaskID != "t1" {
		t.Errorf("TaskID = %q, want t1", taskErr.TaskID)
	}
}

func TestRunMissingExecutable(t *testing.T) {
	r := New(config.RunnerConfig{Command: "flotilla-no-such-agent"}, nil)
	_, err := r.Run(context.Background(), engine.Task{ID: "t1", WorkDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error for missing executable")
	}
}

func TestRunContextCancellationKillsProcess(t *testing.T) {
	requireCommand(t, "sleep")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	r := New(config.RunnerConfig{Command: "sleep", Args: []string{"60"}}, nil)
	start := time.Now()
	_, err := r.Run(ctx, engine.Task{ID: "t1", WorkDir: t.TempDir()})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled in chain", err)
	}
	if elapsed > 10*time.Second {
		t.Errorf("Run took %v after cancel, process was not killed", elapsed)
	}
	if errors.IsRetryable(err) {
		t.Error("cancellation should not be retryable")
	}
}

func TestRunWithPTY(t *testing.T) {
	requireCommand(t, "echo")
	// Skip on hosts without a usable pty device.
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	_ = ptmx.Close()
	_ = tty.Close()

	r := New(config.RunnerConfig{Command: "echo", UsePTY: true}, nil)
	output, err := r.Run(context.Background(), engine.Task{
		ID:      "t1",
		Prompt:  "tty check",
		WorkDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(output, "tty check") {
		t.Errorf("output = %q, want prompt echoed", output)
	}
}
