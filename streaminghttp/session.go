package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-runtime-go/internal/outbox"
	"github.com/ggoodman/mcp-runtime-go/jsonrpc"
	"github.com/ggoodman/mcp-runtime-go/transport"
)

var errDuplicateRequestID = errors.New("streaminghttp: request id already in flight")

// exchange is a POST waiting for the reply to the requests it carried. The
// engine answers a frame with exactly one message (a response, or an array
// for a batch), so one slot suffices.
type exchange struct {
	reply chan jsonrpc.Message
}

func newExchange() *exchange { return &exchange{reply: make(chan jsonrpc.Message, 1)} }

// httpSession is the transport behind one streamable HTTP session. POST
// bodies feed the queue. Responses go back to the POST that carried the
// request while it is still waiting; everything else, and responses whose
// POST went away, goes through the outbox to the standalone GET stream.
type httpSession struct {
	id     string
	userID string
	log    *slog.Logger
	q      *transport.Queue
	ob     *outbox.Outbox

	mu        sync.Mutex
	exchanges map[string]*exchange

	closed    chan struct{}
	closeOnce sync.Once
}

func newHTTPSession(id, userID string, ob *outbox.Outbox, log *slog.Logger) *httpSession {
	return &httpSession{
		id:        id,
		userID:    userID,
		log:       log,
		q:         transport.NewQueue(0),
		ob:        ob,
		exchanges: make(map[string]*exchange),
		closed:    make(chan struct{}),
	}
}

func idKey(id *jsonrpc.RequestID) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func (s *httpSession) Send(ctx context.Context, msg jsonrpc.Message) error {
	if ex := s.claim(msg); ex != nil {
		ex.reply <- msg
		return nil
	}
	return s.publish(ctx, msg)
}

func (s *httpSession) publish(ctx context.Context, msg jsonrpc.Message) error {
	if _, err := s.ob.Publish(ctx, msg); err != nil {
		if errors.Is(err, outbox.ErrClosed) {
			return transport.ErrTransportClosed
		}
		return transport.SendError(err)
	}
	return nil
}

func (s *httpSession) Receive(ctx context.Context) iter.Seq2[jsonrpc.Frame, error] {
	return s.q.Receive(ctx)
}

func (s *httpSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.q.Close(nil)
		if err = s.ob.Close(context.Background()); err != nil {
			s.log.Warn("session.outbox.close.fail", slog.String("session_id", s.id), slog.String("err", err.Error()))
		}
	})
	return err
}

// expect registers ex as the destination for the responses to ids.
func (s *httpSession) expect(ex *exchange, ids []*jsonrpc.RequestID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return transport.ErrTransportClosed
	default:
	}
	for _, id := range ids {
		if _, dup := s.exchanges[idKey(id)]; dup {
			return errDuplicateRequestID
		}
	}
	for _, id := range ids {
		s.exchanges[idKey(id)] = ex
	}
	return nil
}

// abandon unregisters ex. A reply that was already routed to it is handed to
// the outbox instead so it is not lost.
func (s *httpSession) abandon(ctx context.Context, ex *exchange) {
	s.mu.Lock()
	for k, e := range s.exchanges {
		if e == ex {
			delete(s.exchanges, k)
		}
	}
	s.mu.Unlock()

	select {
	case msg := <-ex.reply:
		if err := s.publish(ctx, msg); err != nil {
			s.log.WarnContext(ctx, "session.reply.reroute.fail", slog.String("err", err.Error()))
		}
	default:
	}
}

// claim finds and unregisters the exchange waiting for msg, if msg is a
// response somebody is waiting for.
func (s *httpSession) claim(msg jsonrpc.Message) *exchange {
	id, ok := jsonrpc.PeekResponseID(msg)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ex := s.exchanges[idKey(id)]
	if ex == nil {
		return nil
	}
	for k, e := range s.exchanges {
		if e == ex {
			delete(s.exchanges, k)
		}
	}
	return ex
}
