// Package proc runs external scanner binaries and exposes their stdout as
// a lazy, bounded line stream. Every invocation is independent: there is
// no shared process table, and abandoning a stream kills its child.
package proc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	// Retained stderr per invocation.
	stderrTailSize = 64 * 1024

	// Scanner line limit; scanners emit JSON lines that can get large.
	maxLineSize = 1024 * 1024

	defaultLineBuffer = 256
	defaultTimeout    = 600 * time.Second
	defaultKillGrace  = 5 * time.Second

	minTimeout = time.Second
	maxTimeout = time.Hour
)

// State is the terminal condition of one invocation.
type State int

const (
	StateOK State = iota
	StateFailed
	StateNotFound
	StateTimedOut
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateOK:
		return "ok"
	case StateFailed:
		return "failed"
	case StateNotFound:
		return "tool_not_found"
	case StateTimedOut:
		return "timed_out"
	case StateCanceled:
		return "canceled"
	}
	return "unknown"
}

// Status reports how an invocation ended. Fields beyond State are only
// meaningful for the states that set them.
type Status struct {
	State      State
	ExitCode   int           // StateFailed
	StderrTail string        // StateFailed, StateTimedOut
	Path       string        // StateNotFound
	After      time.Duration // StateTimedOut
	Err        error
}

// Command describes one tool invocation.
type Command struct {
	Path    string
	Args    []string
	Stdin   []byte // written fully then closed; nil leaves stdin empty
	Dir     string
	Timeout time.Duration // 0 uses the supervisor default; clamped to [1s, 1h]
}

// Config tunes a Supervisor.
type Config struct {
	Logger         *zap.Logger
	DefaultTimeout time.Duration
	KillGrace      time.Duration
	LineBuffer     int
}

// Supervisor starts commands and supervises their lifecycle.
type Supervisor struct {
	log        *zap.Logger
	defTimeout time.Duration
	grace      time.Duration
	lineBuf    int
}

// NewSupervisor builds a Supervisor, filling zero config fields with
// defaults.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.LineBuffer <= 0 {
		cfg.LineBuffer = defaultLineBuffer
	}
	return &Supervisor{
		log:        cfg.Logger.Named("proc"),
		defTimeout: cfg.DefaultTimeout,
		grace:      cfg.KillGrace,
		lineBuf:    cfg.LineBuffer,
	}
}

// Stream is a running invocation. Receive lines until the channel closes,
// then call Wait for the terminal status. Close abandons the invocation
// and kills the child.
type Stream struct {
	lines  <-chan string
	done   chan struct{}
	cancel context.CancelFunc
	status Status
}

// Lines returns the stdout line channel. It closes when the process exits
// or the stream is abandoned.
func (s *Stream) Lines() <-chan string { return s.lines }

// Wait blocks until the invocation reaches a terminal state.
func (s *Stream) Wait() Status {
	<-s.done
	return s.status
}

// Close abandons the stream: the child is signaled, the producer drains,
// and Wait becomes available. Safe to call more than once.
func (s *Stream) Close() {
	s.cancel()
	// Drain so the producer can finish even mid-send.
	for range s.lines {
	}
	<-s.done
}

// Start launches a command. A missing binary is reported through the
// stream's status, not as an error; the error return is reserved for
// malformed commands.
func (sv *Supervisor) Start(ctx context.Context, command Command) (*Stream, error) {
	if command.Path == "" {
		return nil, errors.New("proc: empty command path")
	}

	timeout := command.Timeout
	if timeout <= 0 {
		timeout = sv.defTimeout
	}
	if timeout < minTimeout {
		timeout = minTimeout
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	lines := make(chan string, sv.lineBuf)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	stream := &Stream{lines: lines, done: make(chan struct{}), cancel: cancel}

	path, err := exec.LookPath(command.Path)
	if err != nil {
		sv.log.Warn("tool binary not found", zap.String("path", command.Path))
		close(lines)
		stream.status = Status{State: StateNotFound, Path: command.Path, Err: err}
		close(stream.done)
		cancel()
		return stream, nil
	}

	cmd := exec.CommandContext(runCtx, path, command.Args...)
	cmd.Dir = command.Dir
	if command.Stdin != nil {
		cmd.Stdin = bytes.NewReader(command.Stdin)
	}

	// SIGTERM first, SIGKILL after the grace window.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = sv.grace

	stderr := newRingBuffer(stderrTailSize)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		close(lines)
		if errors.Is(err, exec.ErrNotFound) {
			stream.status = Status{State: StateNotFound, Path: command.Path, Err: err}
		} else {
			stream.status = Status{State: StateFailed, ExitCode: -1, Err: err}
		}
		close(stream.done)
		return stream, nil
	}

	sv.log.Debug("tool started",
		zap.String("path", path),
		zap.Strings("args", command.Args),
		zap.Duration("timeout", timeout))

	go func() {
		defer close(stream.done)
		defer cancel()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	scan:
		for scanner.Scan() {
			line := strings.ToValidUTF8(scanner.Text(), "�")
			select {
			case lines <- line:
			case <-runCtx.Done():
				break scan
			}
		}
		close(lines)

		waitErr := cmd.Wait()
		stream.status = sv.statusFor(runCtx, ctx, cmd, waitErr, stderr, command, timeout, started)
	}()

	return stream, nil
}

func (sv *Supervisor) statusFor(runCtx, parent context.Context, cmd *exec.Cmd, waitErr error, stderr *ringBuffer, command Command, timeout time.Duration, started time.Time) Status {
	tail := stderr.String()
	elapsed := time.Since(started)

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		sv.log.Warn("tool timed out",
			zap.String("path", command.Path),
			zap.Duration("after", timeout))
		return Status{State: StateTimedOut, After: timeout, StderrTail: tail, Err: waitErr}

	case parent.Err() != nil:
		return Status{State: StateCanceled, StderrTail: tail, Err: parent.Err()}

	case errors.Is(runCtx.Err(), context.Canceled):
		// Consumer abandoned the stream via Close.
		return Status{State: StateCanceled, StderrTail: tail, Err: context.Canceled}

	case waitErr == nil:
		sv.log.Debug("tool finished",
			zap.String("path", command.Path),
			zap.Duration("elapsed", elapsed))
		return Status{State: StateOK}

	default:
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		} else if errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
			if code == 0 {
				return Status{State: StateOK}
			}
		}
		sv.log.Warn("tool failed",
			zap.String("path", command.Path),
			zap.Int("exit_code", code),
			zap.String("stderr_tail", lastLines(tail, 3)))
		return Status{State: StateFailed, ExitCode: code, StderrTail: tail, Err: waitErr}
	}
}

// lastLines trims a stderr tail down to its final n lines for log fields.
func lastLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return s
	}
	parts := strings.Split(s, "\n")
	if len(parts) > n {
		parts = parts[len(parts)-n:]
	}
	return strings.Join(parts, "\n")
}
