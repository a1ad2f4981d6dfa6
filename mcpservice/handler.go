package mcpservice

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ggoodman/mcp-runtime-go/jsonrpc"
	"github.com/ggoodman/mcp-runtime-go/sessions"
)

// ErrMethodNotFound is returned by handlers that do not serve the requested
// method. The engine answers it with a MethodNotFound error response.
var ErrMethodNotFound = errors.New("mcpservice: method not found")

// Session is the handler's view of the connection a message arrived on.
type Session interface {
	SessionID() string
	UserID() string
	ProtocolVersion() string
	Capabilities() sessions.CapabilitySet

	// Call issues a request to the peer and waits for its response. A
	// response carrying a JSON-RPC error is returned as such, not as a Go
	// error.
	Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error)
	// Notify sends a notification to the peer.
	Notify(ctx context.Context, method string, params any) error
}

// Handler processes requests and notifications. For notifications
// req.IsNotification() is true and the returned result is ignored.
// Requests run concurrently. Notifications of one session run one at a time
// in receipt order, apart from the receive loop, so either may call the peer.
//
// The result is marshalled into the response. A returned *jsonrpc.Error is
// forwarded to the peer verbatim, ErrMethodNotFound becomes MethodNotFound,
// and any other error becomes InternalError.
type Handler interface {
	Handle(ctx context.Context, req *jsonrpc.Request, sess Session) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *jsonrpc.Request, sess Session) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, req *jsonrpc.Request, sess Session) (any, error) {
	return f(ctx, req, sess)
}

// RPCError converts a handler error into the error object sent to the peer.
func RPCError(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, ErrMethodNotFound):
		return jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, "method not found", nil)
	default:
		return jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
}

// Typed adapts a function taking decoded params to Handler. Missing params
// decode as the zero value; params that do not decode are answered with
// InvalidParams without calling fn.
func Typed[P any, R any](fn func(ctx context.Context, sess Session, params P) (R, error)) Handler {
	return HandlerFunc(func(ctx context.Context, req *jsonrpc.Request, sess Session) (any, error) {
		var p P
		if len(req.Params) > 0 && string(req.Params) != "null" {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid params: "+err.Error(), nil)
			}
		}
		return fn(ctx, sess, p)
	})
}
