package sse

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-runtime-go/engine"
	"github.com/ggoodman/mcp-runtime-go/internal/outbox"
	"github.com/ggoodman/mcp-runtime-go/jsonrpc"
	"github.com/ggoodman/mcp-runtime-go/transport"
)

// session is the transport behind one SSE connection: POST bodies feed the
// queue, outbound messages go through the outbox to whichever stream is
// attached.
type session struct {
	h      *Handler
	id     string
	userID string
	q      *transport.Queue
	ob     *outbox.Outbox

	mu   sync.Mutex
	conn *engine.Conn

	closeOnce sync.Once
}

func (s *session) Send(ctx context.Context, msg jsonrpc.Message) error {
	if _, err := s.ob.Publish(ctx, msg); err != nil {
		if errors.Is(err, outbox.ErrClosed) {
			return transport.ErrTransportClosed
		}
		return transport.SendError(err)
	}
	return nil
}

func (s *session) Receive(ctx context.Context) iter.Seq2[jsonrpc.Frame, error] {
	return s.q.Receive(ctx)
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.q.Close(nil)
		if err = s.ob.Close(context.Background()); err != nil {
			s.h.log.Warn("sse.outbox.close.fail", slog.String("session_id", s.id), slog.String("err", err.Error()))
		}
		s.h.remove(s.id)
	})
	return err
}

// closeConn tears the engine connection down, which closes the session.
func (s *session) closeConn() error {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return s.Close()
	}
	return c.Close()
}
