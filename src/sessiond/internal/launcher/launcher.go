// Package launcher spawns child server processes and wires their standard
// streams into a duplex byte stream suitable for JSON-RPC framing.
package launcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/nextide/sessiond/src/sessiond/entity"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides a launcher to inject using fx.
var Module = fx.Provide(func(logger *zap.SugaredLogger) Launcher {
	return NewLauncher(WithLogger(logger))
})

// ExitStatus reports how a child process exited.
type ExitStatus struct {
	Code int
	Err  error
}

// Graceful reports whether the exit should be treated as a clean stop.
func (s ExitStatus) Graceful() bool {
	return s.Code == 0 && s.Err == nil
}

// Launcher starts child processes for launch configurations.
type Launcher interface {
	// Launch starts the configured command with piped stdio and begins reaping
	// it in the background. The returned handle owns the process.
	Launch(ctx context.Context, cfg entity.LaunchConfig) (*Handle, error)
}

type launcherImp struct {
	logger *zap.SugaredLogger
	// startFunc may be overridden in tests to avoid spawning real processes.
	startFunc func(cmd *exec.Cmd) error
}

// Option customizes launcher behavior.
type Option func(*launcherImp)

// WithLogger overrides the default noop logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(l *launcherImp) {
		l.logger = logger
	}
}

// WithStartFunc provides customized process start behavior.
func WithStartFunc(start func(cmd *exec.Cmd) error) Option {
	return func(l *launcherImp) {
		l.startFunc = start
	}
}

// NewLauncher creates a launcher with the default start behavior.
func NewLauncher(opts ...Option) Launcher {
	l := &launcherImp{
		logger:    zap.NewNop().Sugar(),
		startFunc: func(cmd *exec.Cmd) error { return cmd.Start() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch starts the child and wires its stdio.
func (l *launcherImp) Launch(ctx context.Context, cfg entity.LaunchConfig) (*Handle, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("piping stderr: %w", err)
	}

	l.logger.Infow("launching server", "command", cfg.Command, "args", cfg.Args, "dir", cfg.WorkingDir)
	if err := l.startFunc(cmd); err != nil {
		return nil, fmt.Errorf("starting %q: %w", cfg.Command, err)
	}

	h := &Handle{
		pid:   cmd.Process.Pid,
		cmd:   cmd,
		stdio: &stdioDuplex{reader: stdout, writer: stdin},
		exit:  make(chan ExitStatus, 1),
	}

	go l.logStderr(cfg.Command, stderr)
	go func() {
		err := cmd.Wait()
		st := ExitStatus{Code: cmd.ProcessState.ExitCode(), Err: err}
		l.logger.Infow("server exited", "command", cfg.Command, "pid", h.pid, "code", st.Code)
		h.exit <- st
	}()

	return h, nil
}

// logStderr forwards child stderr lines to the broker log.
func (l *launcherImp) logStderr(command string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		l.logger.Debugw("server stderr", "command", command, "line", scanner.Text())
	}
}

// Handle owns one running child process.
type Handle struct {
	pid   int
	cmd   *exec.Cmd
	stdio io.ReadWriteCloser
	exit  chan ExitStatus
}

// NewHandle builds a handle around an already-running process. Used by tests
// with an in-memory stdio pipe.
func NewHandle(pid int, stdio io.ReadWriteCloser, exit chan ExitStatus) *Handle {
	return &Handle{pid: pid, stdio: stdio, exit: exit}
}

// PID returns the child's process ID.
func (h *Handle) PID() int {
	return h.pid
}

// Stdio returns the duplex stream connected to the child's stdout/stdin.
func (h *Handle) Stdio() io.ReadWriteCloser {
	return h.stdio
}

// Exit delivers the child's exit status exactly once.
func (h *Handle) Exit() <-chan ExitStatus {
	return h.exit
}

// Kill terminates the child. Closing stdio first gives well-behaved servers a
// chance to notice EOF before the signal lands.
func (h *Handle) Kill() error {
	_ = h.stdio.Close()
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

// stdioDuplex joins the child's stdout (read side) and stdin (write side).
type stdioDuplex struct {
	reader io.ReadCloser
	writer io.WriteCloser
}

func (s *stdioDuplex) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *stdioDuplex) Write(p []byte) (int, error) {
	return s.writer.Write(p)
}

func (s *stdioDuplex) Close() error {
	werr := s.writer.Close()
	rerr := s.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
