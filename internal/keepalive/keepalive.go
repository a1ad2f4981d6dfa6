// Package keepalive runs the per-connection liveness ping loop.
package keepalive

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PingFunc sends one liveness ping and waits for its acknowledgement. It must
// return promptly once ctx is cancelled.
type PingFunc func(ctx context.Context) error

// Config controls a Supervisor.
type Config struct {
	// Interval between pings. Required.
	Interval time.Duration
	// Timeout bounds each ping; zero means Interval.
	Timeout time.Duration
	// MaxFailures is the number of consecutive failed pings after which
	// OnDead is called. Zero disables the check.
	MaxFailures int
	// OnDead is called at most once, from the supervisor goroutine after the
	// loop has exited, when MaxFailures is reached.
	OnDead func(lastErr error)
	Logger *slog.Logger
}

// Supervisor is a running ping loop.
type Supervisor struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start launches the ping loop. The first ping is sent one Interval after
// Start. The loop runs until Stop is called, ctx ends, or OnDead fires.
func Start(ctx context.Context, cfg Config, ping PingFunc) *Supervisor {
	ctx, cancel := context.WithCancel(ctx)
	s := &Supervisor{cancel: cancel, done: make(chan struct{})}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = cfg.Interval
	}

	go func() {
		var deadErr error
		defer func() {
			close(s.done)
			// Run after done is closed so that OnDead may call Stop.
			if deadErr != nil && cfg.OnDead != nil {
				cfg.OnDead(deadErr)
			}
		}()
		t := time.NewTicker(cfg.Interval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			// The tick and the cancellation may race; cancellation wins.
			if ctx.Err() != nil {
				return
			}

			pingCtx, pingCancel := context.WithTimeout(ctx, timeout)
			start := time.Now()
			err := ping(pingCtx)
			pingCancel()

			if ctx.Err() != nil {
				return
			}
			if err == nil {
				failures = 0
				log.DebugContext(ctx, "keepalive.ping.ok", slog.Duration("dur", time.Since(start)))
				continue
			}

			failures++
			log.WarnContext(ctx, "keepalive.ping.fail", slog.String("err", err.Error()), slog.Int("failures", failures))
			if cfg.MaxFailures > 0 && failures >= cfg.MaxFailures {
				deadErr = err
				return
			}
		}
	}()

	return s
}

// Stop aborts the loop, cancelling any ping in flight, and waits for the
// goroutine to exit. Once Stop returns no further ping is started. It is safe
// to call more than once, including from OnDead.
func (s *Supervisor) Stop() {
	s.once.Do(s.cancel)
	<-s.done
}

// Abort cancels the loop without waiting for it to exit.
func (s *Supervisor) Abort() { s.once.Do(s.cancel) }

// Done is closed when the loop has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.done }
