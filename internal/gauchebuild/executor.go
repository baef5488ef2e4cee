package gauchebuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Executor runs external commands for one package. Output goes to the run
// log; every child gets its own process group so that cancelling Context
// takes down configure/make and everything they spawned.
type Executor struct {
	Context context.Context // The context to use for cancellation
	Env     []string        // Env is the child environment; nil inherits os.Environ()
	Stdout  io.Writer
	Stderr  io.Writer
}

// NewExecutor returns an executor writing both streams to log.
func NewExecutor(ctx context.Context, env []string, log io.Writer) *Executor {
	return &Executor{Context: ctx, Env: env, Stdout: log, Stderr: log}
}

// Command runs name with args in dir.
func (e *Executor) Command(dir, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return e.Run(cmd)
}

// Run executes cmd under the executor's context, environment and stdio.
// Fields already set on cmd take precedence.
func (e *Executor) Run(cmd *exec.Cmd) error {
	ctx := e.Context
	if ctx == nil {
		ctx = context.Background()
	}

	// --- Phase 0: wire up stdio ---
	if cmd.Stdout == nil {
		cmd.Stdout = e.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = e.Stderr
	}
	if cmd.Stdout == nil {
		cmd.Stdout = io.Discard
	}
	if cmd.Stderr == nil {
		cmd.Stderr = io.Discard
	}

	// preserve or inherit the environment
	if len(cmd.Env) == 0 {
		if len(e.Env) > 0 {
			cmd.Env = e.Env
		} else {
			cmd.Env = os.Environ()
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("command aborted: %w", err)
	}

	// --- Phase 1: isolate process group for context-based cleanup ---
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	debugf("exec %v (dir=%s)", cmd.Args, cmd.Dir)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", cmd.Args[0], err)
	}

	pgid := cmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()

	// --- Phase 2: wait and return ---
	if waitErr := cmd.Wait(); waitErr != nil {
		if ctx.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %w", ctx.Err())
		}
		return fmt.Errorf("%s: %w", cmd.Args[0], waitErr)
	}
	return nil
}
