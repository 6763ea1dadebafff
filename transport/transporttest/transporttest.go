// Package transporttest provides a scripted in-memory transport for
// exercising the protocol client and remote adapters without processes
// or sockets.
package transporttest

import (
	"context"
	"sync"

	"github.com/effective-security/toolgate/toolproto"
	"github.com/effective-security/toolgate/transport"
)

// Transport records everything sent through it and answers requests via
// a script function. A nil script, or a script returning nil, leaves the
// request unanswered, which is how handshake and invocation timeouts are
// simulated.
type Transport struct {
	// OnRequest scripts the remote side. It runs on a separate goroutine,
	// as responses arrive asynchronously on real transports.
	OnRequest func(req *toolproto.Request) *transport.Message

	mu             sync.Mutex
	started        bool
	closed         bool
	requests       []*toolproto.Request
	notifications  []*toolproto.Notification
	messageHandler func(ctx context.Context, message *transport.Message)
	errorHandler   func(error)
	closeHandler   func()
}

// New creates an empty scripted transport.
func New() *Transport {
	return &Transport{}
}

// Start implements transport.Transport.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	return nil
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, message *transport.Message) error {
	t.mu.Lock()
	switch message.Type {
	case transport.MessageTypeRequest:
		t.requests = append(t.requests, message.Request)
	case transport.MessageTypeNotification:
		t.notifications = append(t.notifications, message.Notification)
	}
	script := t.OnRequest
	t.mu.Unlock()

	if message.Type == transport.MessageTypeRequest && script != nil {
		req := message.Request
		go func() {
			if resp := script(req); resp != nil {
				t.Deliver(resp)
			}
		}()
	}
	return nil
}

// Deliver injects a message as if received from the remote side.
func (t *Transport) Deliver(message *transport.Message) {
	t.mu.Lock()
	handler := t.messageHandler
	closed := t.closed
	t.mu.Unlock()
	if handler != nil && !closed {
		handler(context.Background(), message)
	}
}

// Crash simulates the remote process dying: the close handler fires as
// it would when the read loop hits EOF.
func (t *Transport) Crash() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	handler := t.closeHandler
	t.mu.Unlock()
	if handler != nil {
		handler()
	}
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.Crash()
	return nil
}

// Requests returns a copy of all requests sent so far.
func (t *Transport) Requests() []*toolproto.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*toolproto.Request, len(t.requests))
	copy(out, t.requests)
	return out
}

// Notifications returns a copy of all notifications sent so far.
func (t *Transport) Notifications() []*toolproto.Notification {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*toolproto.Notification, len(t.notifications))
	copy(out, t.notifications)
	return out
}

// Started reports whether Start was called.
func (t *Transport) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// SetMessageHandler implements transport.Transport.
func (t *Transport) SetMessageHandler(handler func(ctx context.Context, message *transport.Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

// SetErrorHandler implements transport.Transport.
func (t *Transport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetCloseHandler implements transport.Transport.
func (t *Transport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

var _ transport.Transport = (*Transport)(nil)
