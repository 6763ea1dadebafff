// Package protocol implements the client side of the tool protocol on top
// of a pluggable transport: request/response correlation by id, per-call
// timeouts, one-way notifications and connection lifecycle callbacks.
//
// Responses are matched purely by correlation id; no FIFO assumption is
// made on the wire. Ids are a monotonic counter owned by the Client, so
// concurrent requests over the same transport always carry distinct ids.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/toolproto"
	"github.com/effective-security/toolgate/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolgate", "protocol")

// DefaultRequestTimeout applies when a request is issued without an
// explicit timeout.
const DefaultRequestTimeout = 60 * time.Second

// ErrClosed is returned for requests pending when the connection closes.
var ErrClosed = errors.New("connection closed")

// ErrTimeout is returned when no matching response arrives in time.
// A timeout cancels only the local wait; the remote side may still
// complete, so the call's outcome is unknown.
var ErrTimeout = errors.New("request timeout")

// RPCError is an error response reported by the remote side.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type responseEnvelope struct {
	result json.RawMessage
	err    error
}

// Client drives one transport, correlating requests to responses.
// All methods are safe for concurrent use.
type Client struct {
	tr transport.Transport

	mu               sync.Mutex
	nextID           toolproto.RequestId
	responseHandlers map[toolproto.RequestId]chan *responseEnvelope
	closed           bool

	// OnClose is invoked once when the connection closes for any reason.
	OnClose func()
	// OnError is invoked for out-of-band transport errors.
	OnError func(error)
}

// NewClient creates a Client not yet attached to a transport.
func NewClient() *Client {
	return &Client{
		responseHandlers: make(map[toolproto.RequestId]chan *responseEnvelope),
	}
}

// Connect attaches to the given transport, starts it, and begins
// dispatching received messages.
func (c *Client) Connect(ctx context.Context, tr transport.Transport) error {
	c.tr = tr

	tr.SetCloseHandler(func() {
		c.handleClose()
	})
	tr.SetErrorHandler(func(err error) {
		if c.OnError != nil {
			c.OnError(err)
		}
	})
	tr.SetMessageHandler(func(ctx context.Context, message *transport.Message) {
		switch message.Type {
		case transport.MessageTypeResponse:
			c.handleResponse(message.Response.Id, message.Response.Result, nil)
		case transport.MessageTypeError:
			c.handleResponse(message.Error.Id, nil, &RPCError{
				Code:    message.Error.Error.Code,
				Message: message.Error.Error.Message,
			})
		case transport.MessageTypeNotification:
			logger.KV(xlog.DEBUG, "notification", message.Notification.Method)
		case transport.MessageTypeRequest:
			// Server-initiated requests are not part of the contract;
			// answer with method-not-found so the peer does not hang.
			_ = c.tr.Send(ctx, transport.NewErrorMessage(&toolproto.ErrorResponse{
				Jsonrpc: "2.0",
				Id:      message.Request.Id,
				Error: toolproto.ErrorDetail{
					Code:    toolproto.CodeMethodNotFound,
					Message: "method not found: " + message.Request.Method,
				},
			}))
		}
	})

	return tr.Start(ctx)
}

func (c *Client) handleClose() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.responseHandlers
	c.responseHandlers = make(map[toolproto.RequestId]chan *responseEnvelope)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- &responseEnvelope{err: errors.WithStack(ErrClosed)}
	}
	if c.OnClose != nil {
		c.OnClose()
	}
}

func (c *Client) handleResponse(id toolproto.RequestId, result json.RawMessage, rpcErr error) {
	c.mu.Lock()
	ch := c.responseHandlers[id]
	delete(c.responseHandlers, id)
	c.mu.Unlock()

	if ch == nil {
		logger.KV(xlog.DEBUG, "reason", "unmatched response", "id", id)
		return
	}
	ch <- &responseEnvelope{result: result, err: rpcErr}
}

// Request sends a request and waits for the matching response, the
// context to end, or the timeout to expire.
func (c *Client) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if c.tr == nil {
		return nil, errors.Errorf("not connected")
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	marshalled, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal params")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.WithStack(ErrClosed)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *responseEnvelope, 1)
	c.responseHandlers[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.responseHandlers, id)
		c.mu.Unlock()
	}()

	req := &toolproto.Request{
		Jsonrpc: "2.0",
		Id:      id,
		Method:  method,
		Params:  marshalled,
	}
	// The budget covers the whole exchange, including Send: transports
	// that perform the round trip synchronously (HTTP POST) observe it
	// through the request context, asynchronous transports through the
	// wait below.
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.tr.Send(reqCtx, transport.NewRequestMessage(req)); err != nil {
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return nil, errors.Wrapf(ErrTimeout, "method %s after %v", method, timeout)
		}
		return nil, errors.Wrap(err, "failed to send request")
	}

	select {
	case envelope := <-ch:
		if envelope.err != nil {
			return nil, envelope.err
		}
		return envelope.result, nil
	case <-reqCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(ErrTimeout, "method %s after %v", method, timeout)
	}
}

// Notify emits a one-way notification that expects no response.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if c.tr == nil {
		return errors.Errorf("not connected")
	}
	marshalled, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "failed to marshal params")
	}
	n := &toolproto.Notification{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  marshalled,
	}
	return c.tr.Send(ctx, transport.NewNotificationMessage(n))
}

// Close tears down the transport. Pending requests fail with ErrClosed.
func (c *Client) Close() error {
	if c.tr == nil {
		return nil
	}
	return c.tr.Close()
}
