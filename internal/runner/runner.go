// Package runner spawns the external agent process for each task. It
// implements the engine's Runner interface: the engine decides when a task
// runs, the runner owns the process for the duration of one attempt.
package runner

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/ahoyland/flotilla/internal/config"
	"github.com/ahoyland/flotilla/internal/engine"
	"github.com/ahoyland/flotilla/internal/errors"
	"github.com/ahoyland/flotilla/internal/logging"
)

// killDelay bounds how long Wait blocks on output pipes after the process
// is killed.
const killDelay = 5 * time.Second

// AgentRunner runs the configured agent executable once per attempt, in the
// task's work directory, with the prompt delivered on argv or stdin.
type AgentRunner struct {
	command        string
	args           []string
	usePTY         bool
	promptViaStdin bool
	logger         *logging.Logger
}

// New creates an AgentRunner from the runner configuration.
func New(cfg config.RunnerConfig, logger *logging.Logger) *AgentRunner {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &AgentRunner{
		command:        cfg.Command,
		args:           append([]string(nil), cfg.Args...),
		usePTY:         cfg.UsePTY,
		promptViaStdin: cfg.PromptViaStdin,
		logger:         logger,
	}
}

// Run executes one attempt of the task and returns the process's combined
// output. Context cancellation kills the process group; a nonzero exit is a
// retryable task error.
func (r *AgentRunner) Run(ctx context.Context, task engine.Task) (string, error) {
	args := append([]string(nil), r.args...)
	if !r.promptViaStdin {
		args = append(args, task.Prompt)
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = task.WorkDir
	cmd.Env = os.Environ()

	r.logger.WithTask(task.ID).Debug("spawning agent",
		"command", r.command,
		"work_dir", task.WorkDir,
		"pty", r.usePTY)

	if r.usePTY {
		return r.runPTY(ctx, cmd, task)
	}

	if r.promptViaStdin {
		cmd.Stdin = strings.NewReader(task.Prompt)
	}

	// Run the agent in its own process group so cancellation reaches any
	// children it spawned, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = killDelay

	output, err := cmd.CombinedOutput()
	return string(output), r.attemptError(ctx, task, err)
}

// runPTY runs the agent attached to a pseudo-terminal. Needed for agents
// that refuse to run or change behavior without a TTY.
func (r *AgentRunner) runPTY(ctx context.Context, cmd *exec.Cmd, task engine.Task) (string, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return "", errors.NewTaskError("failed to start agent on pty", err).WithTaskID(task.ID)
	}
	defer func() { _ = ptmx.Close() }()

	if r.promptViaStdin {
		// EOT after the prompt stands in for the EOF a pipe would deliver.
		_, _ = ptmx.WriteString(task.Prompt + "\n\x04")
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		case <-done:
		}
	}()

	// The copy ends with EIO when the child exits and the pty closes; that
	// is the normal shutdown path, not a failure.
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, ptmx)
	close(done)

	return buf.String(), r.attemptError(ctx, task, cmd.Wait())
}

// attemptError classifies the outcome of one attempt. Cancellation is
// surfaced as such; any other process failure is transient and retryable.
func (r *AgentRunner) attemptError(ctx context.Context, task engine.Task, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errors.NewTaskError("agent cancelled", ctx.Err()).WithTaskID(task.ID)
	}
	return errors.NewTaskError("agent process failed", err).
		WithTaskID(task.ID).
		WithRetryable(true)
}
