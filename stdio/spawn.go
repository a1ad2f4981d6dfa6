package stdio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

// Process is a transport to a child process speaking MCP on its stdin and
// stdout. The child's stderr is drained into the logger.
//
// The Receive sequence ends when the child exits; a non-zero exit that was
// not caused by Close is yielded as a receive error.
type Process struct {
	*Transport
	cmd *exec.Cmd

	stderrDone chan struct{}
	exited     chan struct{}
	waitErr    error
}

// Spawn starts cmd with piped stdio. cmd must not have Stdin, Stdout or
// Stderr set. ctx only gates the start; use exec.CommandContext to tie the
// child's lifetime to a context.
func Spawn(ctx context.Context, cmd *exec.Cmd, opts ...Option) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stdio: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("stdio: start %s: %w", cmd.Path, err)
	}

	p := &Process{
		Transport:  newTransport(stdout, stdin, stdin, opts...),
		cmd:        cmd,
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}
	p.log = p.log.With(slog.Int("pid", cmd.Process.Pid))
	p.finish = p.reap

	p.log.InfoContext(ctx, "stdio.child.start", slog.String("path", cmd.Path))

	go p.drainStderr(stderr)
	go p.readLoop()
	return p, nil
}

// Close closes the child's stdin and waits for it to exit, killing it once
// the shutdown grace period has passed.
func (p *Process) Close() error {
	err := p.Transport.Close()
	select {
	case <-p.exited:
	case <-time.After(p.opts.grace):
		p.log.Warn("stdio.child.kill", slog.Duration("grace", p.opts.grace))
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	return err
}

// Exited is closed once the child has been waited for.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitErr returns the child's exit error once Exited is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.exited:
		return p.waitErr
	default:
		return nil
	}
}

func (p *Process) drainStderr(r io.Reader) {
	defer close(p.stderrDone)
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 1<<20)
	for s.Scan() {
		p.log.Info("stdio.child.stderr", slog.String("line", s.Text()))
	}
	// Keep the pipe drained even past an oversized line.
	_, _ = io.Copy(io.Discard, r)
}

// reap runs on the read goroutine once stdout is exhausted or delivery
// stopped, and waits for the child.
func (p *Process) reap(readErr error) error {
	<-p.stderrDone
	p.waitErr = p.cmd.Wait()
	close(p.exited)

	if p.waitErr != nil {
		p.log.Info("stdio.child.exit", slog.String("err", p.waitErr.Error()))
	} else {
		p.log.Info("stdio.child.exit")
	}

	if cause := p.readError(readErr); cause != nil {
		return cause
	}
	if p.waitErr != nil && !p.closed.Load() {
		return fmt.Errorf("stdio: server process exited: %w", p.waitErr)
	}
	return nil
}
