// Package transport defines the pluggable message transport used by the
// remote tool adapters, and the partially deserialized JSON-RPC message
// union passed between a transport and the protocol layer.
package transport

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/toolproto"
)

// MessageType discriminates the union held by a Message.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeNotification MessageType = "notification"
	MessageTypeResponse     MessageType = "response"
	MessageTypeError        MessageType = "error"
)

// Message is a partially deserialized JSON-RPC message. Exactly one of the
// payload fields is set, indicated by Type.
type Message struct {
	Type         MessageType
	Request      *toolproto.Request
	Notification *toolproto.Notification
	Response     *toolproto.Response
	Error        *toolproto.ErrorResponse
}

// Id returns the correlation id of the message, or 0 for notifications.
func (m *Message) Id() toolproto.RequestId {
	switch m.Type {
	case MessageTypeRequest:
		return m.Request.Id
	case MessageTypeResponse:
		return m.Response.Id
	case MessageTypeError:
		return m.Error.Id
	}
	return 0
}

// MarshalJSON marshals the active member of the union.
func (m *Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case MessageTypeRequest:
		return json.Marshal(m.Request)
	case MessageTypeNotification:
		return json.Marshal(m.Notification)
	case MessageTypeResponse:
		return json.Marshal(m.Response)
	case MessageTypeError:
		return json.Marshal(m.Error)
	}
	return []byte("null"), nil
}

// NewRequestMessage wraps a request into a Message.
func NewRequestMessage(req *toolproto.Request) *Message {
	return &Message{Type: MessageTypeRequest, Request: req}
}

// NewNotificationMessage wraps a notification into a Message.
func NewNotificationMessage(n *toolproto.Notification) *Message {
	return &Message{Type: MessageTypeNotification, Notification: n}
}

// NewResponseMessage wraps a response into a Message.
func NewResponseMessage(resp *toolproto.Response) *Message {
	return &Message{Type: MessageTypeResponse, Response: resp}
}

// NewErrorMessage wraps an error response into a Message.
func NewErrorMessage(errResp *toolproto.ErrorResponse) *Message {
	return &Message{Type: MessageTypeError, Error: errResp}
}

// Decode partially deserializes a raw JSON-RPC frame into a Message.
// A frame with a method and an id is a request; a method without an id is
// a notification; an error member makes it an error response; anything
// else with an id is a response.
func Decode(body []byte) (*Message, error) {
	var probe struct {
		Id     *toolproto.RequestId   `json:"id"`
		Method string                 `json:"method"`
		Error  *toolproto.ErrorDetail `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, err
	}

	switch {
	case probe.Method != "" && probe.Id != nil:
		var req toolproto.Request
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		return NewRequestMessage(&req), nil
	case probe.Method != "":
		var n toolproto.Notification
		if err := json.Unmarshal(body, &n); err != nil {
			return nil, err
		}
		return NewNotificationMessage(&n), nil
	case probe.Error != nil:
		var errResp toolproto.ErrorResponse
		if err := json.Unmarshal(body, &errResp); err != nil {
			return nil, err
		}
		return NewErrorMessage(&errResp), nil
	default:
		if probe.Id == nil {
			return nil, errors.Errorf("not a protocol frame")
		}
		var resp toolproto.Response
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		return NewResponseMessage(&resp), nil
	}
}

// Transport moves JSON-RPC messages between the adapter and one tool
// server. Each adapter exclusively owns its transport handle; the registry
// never touches transports directly.
type Transport interface {
	// Start establishes the underlying channel. For process transports
	// this spawns the child; it must be called before Send.
	Start(ctx context.Context) error

	// Send writes a message to the remote side.
	Send(ctx context.Context, message *Message) error

	// Close tears down the channel and releases owned resources.
	Close() error

	// SetMessageHandler sets the callback invoked for every message
	// received from the remote side.
	SetMessageHandler(handler func(ctx context.Context, message *Message))

	// SetErrorHandler sets the callback for out-of-band transport errors.
	// Such errors are not necessarily fatal.
	SetErrorHandler(handler func(error))

	// SetCloseHandler sets the callback invoked when the connection is
	// closed for any reason, including Close itself.
	SetCloseHandler(handler func())
}
