package stdio

import (
	"context"
	"io"
	"log/slog"
	"os/exec"

	"github.com/ggoodman/mcp-runtime-go/engine"
)

// Serve runs a single engine connection over r and w until the peer closes
// its end of r, the connection is torn down, or ctx is cancelled. If r is an
// io.Closer it is closed on the way out.
//
// A clean shutdown returns nil; otherwise the connection's teardown cause is
// returned.
func Serve(ctx context.Context, eng *engine.Engine, r io.Reader, w io.Writer, opts ...Option) error {
	var closer io.Closer
	if c, ok := r.(io.Closer); ok {
		closer = c
	}
	t := NewTransport(r, w, closer, opts...)

	userID, err := t.opts.users.CurrentUserID()
	if err != nil {
		t.log.WarnContext(ctx, "stdio.user.fail", slog.String("err", err.Error()))
		userID = ""
	}

	c, err := eng.Accept(t, engine.AcceptOptions{UserID: userID, Transport: "stdio"})
	if err != nil {
		_ = t.Close()
		return err
	}

	select {
	case <-c.Done():
	case <-ctx.Done():
		_ = c.Close()
	}
	return c.Err()
}

// Client is an initiating connection to a spawned server process.
type Client struct {
	*engine.Conn
	proc *Process
}

// Dial spawns cmd and performs the initialize handshake with it. ctx bounds
// the spawn and the handshake. Closing the client closes the connection and
// then reaps the child.
func Dial(ctx context.Context, eng *engine.Engine, cmd *exec.Cmd, opts ...Option) (*Client, error) {
	p, err := Spawn(ctx, cmd, opts...)
	if err != nil {
		return nil, err
	}
	userID, _ := p.opts.users.CurrentUserID()
	c, err := eng.Dial(ctx, p, engine.DialOptions{UserID: userID, Transport: "stdio"})
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	return &Client{Conn: c, proc: p}, nil
}

// Process returns the spawned child.
func (c *Client) Process() *Process { return c.proc }

// Close tears down the connection and waits for the child to exit.
func (c *Client) Close() error {
	_ = c.Conn.Close()
	return c.proc.Close()
}
