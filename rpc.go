package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// errRPCConnClosed is returned for calls made after the RPC connection
// is gone.
var errRPCConnClosed = errors.New("sandbox: rpc connection closed")

// rpcRequest is a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// rpcMessage is a JSON-RPC 2.0 response or subscription notification.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  *rpcSubParams   `json:"params,omitempty"`
}

// rpcErrorBody is the error member of a JSON-RPC response.
type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcSubParams is the params member of a subscription notification.
type rpcSubParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// rpcConnection is a JSON-RPC 2.0 client over a websocket to the
// sandbox agent. A single background goroutine reads the socket and
// dispatches responses to pending calls and notifications to
// subscription handlers. Handlers run on the read goroutine, so they
// must not block.
type rpcConnection struct {
	conn   *websocket.Conn
	logger *slog.Logger

	// gorilla/websocket supports at most one concurrent writer.
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *rpcMessage
	subs    map[string]func(json.RawMessage)
	closed  bool
	done    chan struct{}
}

// dialRPC opens the websocket and starts the read loop.
func dialRPC(ctx context.Context, url string, logger *slog.Logger) (*rpcConnection, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, newTimeoutError("connect")
		}
		return nil, fmt.Errorf("failed to connect to sandbox agent: %w", err)
	}

	r := &rpcConnection{
		conn:    conn,
		logger:  logger,
		pending: make(map[uint64]chan *rpcMessage),
		subs:    make(map[string]func(json.RawMessage)),
		done:    make(chan struct{}),
	}

	go r.readLoop()

	return r, nil
}

// readLoop reads messages until the socket closes and dispatches them.
func (r *rpcConnection) readLoop() {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			r.teardown()
			return
		}

		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			r.logger.Warn("discarding malformed rpc message", "error", err)
			continue
		}

		switch {
		case msg.ID != nil:
			r.mu.Lock()
			ch, ok := r.pending[*msg.ID]
			if ok {
				delete(r.pending, *msg.ID)
			}
			r.mu.Unlock()
			if ok {
				ch <- &msg
			}

		case strings.HasSuffix(msg.Method, "_subscription") && msg.Params != nil:
			r.mu.Lock()
			handler := r.subs[msg.Params.Subscription]
			r.mu.Unlock()
			if handler != nil {
				handler(msg.Params.Result)
			}

		default:
			r.logger.Warn("unhandled rpc message", "method", msg.Method)
		}
	}
}

// teardown fails all pending calls and marks the connection closed.
func (r *rpcConnection) teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for id, ch := range r.pending {
		delete(r.pending, id)
		close(ch)
	}
	close(r.done)
}

// call performs a JSON-RPC call and waits for the response.
func (r *rpcConnection) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errRPCConnClosed
	}
	r.nextID++
	id := r.nextID
	ch := make(chan *rpcMessage, 1)
	r.pending[id] = ch
	r.mu.Unlock()

	req := &rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	r.writeMu.Lock()
	err := r.conn.WriteJSON(req)
	r.writeMu.Unlock()
	if err != nil {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, newTimeoutError(method)
		}
		return nil, ctx.Err()

	case <-r.done:
		return nil, errRPCConnClosed

	case msg, ok := <-ch:
		if !ok {
			return nil, errRPCConnClosed
		}
		if msg.Error != nil {
			return nil, &RPCError{
				Code:    msg.Error.Code,
				Message: msg.Error.Message,
				Method:  method,
			}
		}
		return msg.Result, nil
	}
}

// subscribe registers for a service event and routes its notifications
// to handler. It returns the server-assigned subscription ID.
func (r *rpcConnection) subscribe(ctx context.Context, service, event string, handler func(json.RawMessage), params ...any) (string, error) {
	callParams := append([]any{event}, params...)
	result, err := r.call(ctx, service+"_subscribe", callParams...)
	if err != nil {
		return "", err
	}

	var subID string
	if err := json.Unmarshal(result, &subID); err != nil {
		return "", fmt.Errorf("failed to parse subscription ID: %w", err)
	}

	r.mu.Lock()
	r.subs[subID] = handler
	r.mu.Unlock()

	return subID, nil
}

// unsubscribe cancels a subscription.
func (r *rpcConnection) unsubscribe(ctx context.Context, service, subID string) error {
	r.mu.Lock()
	delete(r.subs, subID)
	r.mu.Unlock()

	_, err := r.call(ctx, service+"_unsubscribe", subID)
	return err
}

// close shuts the websocket down. Safe to call more than once.
func (r *rpcConnection) close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	r.writeMu.Lock()
	_ = r.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	r.writeMu.Unlock()

	err := r.conn.Close()
	r.teardown()
	return err
}
