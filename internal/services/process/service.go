// Package process runs external tools (docker, gpg, schtasks, tailscale, database
// clients) without an interactive console.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fgeck/nextcloud-restore/internal/apperr"
	"github.com/rs/zerolog"
)

// terminateGrace is how long a cancelled child gets between terminate and kill.
const terminateGrace = 5 * time.Second

// Command describes one invocation. Args are passed as separate tokens, never
// through a shell.
type Command struct {
	Name    string
	Args    []string
	Stdin   io.Reader
	Stdout  io.Writer // streams stdout instead of capturing it
	Env     []string  // appended to the current environment
	Dir     string
	Timeout time.Duration // zero means no timeout
	Secrets []string      // values masked in logs
}

// Result holds the outcome of a finished process.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Success reports a zero exit code.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
	Start(cmd Command) error
	LookPath(name string) (string, error)
}

// Impl implements Runner using os/exec.
type Impl struct {
	logger zerolog.Logger
}

// New creates a new process runner.
func New(logger zerolog.Logger) *Impl {
	return &Impl{logger: logger}
}

// Run executes cmd and waits for it. A non-zero exit is reported through
// Result.ExitCode with a nil error; errors are reserved for spawn failures,
// timeouts and cancellation.
func (s *Impl) Run(ctx context.Context, c Command) (*Result, error) {
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	configureCommand(cmd)
	cmd.Cancel = func() error { return terminate(cmd.Process) }
	cmd.WaitDelay = terminateGrace
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin

	var stdout, stderr bytes.Buffer
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = &stderr

	s.logger.Debug().
		Str("command", c.Name).
		Strs("args", MaskArgs(c.Args, c.Secrets)).
		Dur("timeout", c.Timeout).
		Msg("running command")

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if err == nil {
		return result, nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.ExitCode = -1
		return result, apperr.Wrap(apperr.KindTimedOut, err,
			fmt.Sprintf("%s exceeded its %s budget", c.Name, c.Timeout))
	}
	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, apperr.Wrap(apperr.KindCancelled, ctx.Err(), fmt.Sprintf("%s cancelled", c.Name))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		s.logger.Debug().
			Str("command", c.Name).
			Int("exit_code", result.ExitCode).
			Str("stderr", truncate(string(result.Stderr), 512)).
			Msg("command exited with error")
		return result, nil
	}

	result.ExitCode = -1
	if errors.Is(err, exec.ErrNotFound) {
		return result, apperr.Wrap(apperr.KindToolMissing, err, fmt.Sprintf("%s not found", c.Name))
	}
	return result, fmt.Errorf("failed to run %s: %w", c.Name, err)
}

// Start launches cmd detached and does not wait for it.
func (s *Impl) Start(c Command) error {
	cmd := exec.Command(c.Name, c.Args...) //nolint:gosec // argv is built by callers, no shell
	configureCommand(cmd)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	s.logger.Info().Str("command", c.Name).Int("pid", cmd.Process.Pid).Msg("started detached process")
	go func() { _ = cmd.Wait() }()
	return nil
}

// LookPath searches PATH for name.
func (s *Impl) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// MaskArgs returns args with every secret replaced by "***".
func MaskArgs(args, secrets []string) []string {
	if len(secrets) == 0 {
		return args
	}
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = a
		for _, secret := range secrets {
			if secret != "" {
				out[i] = strings.ReplaceAll(out[i], secret, "***")
			}
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
