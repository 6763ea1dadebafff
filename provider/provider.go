// Package provider defines the contract shared by every tool execution
// site: local in-process providers and remote stdio/network adapters.
// The registry speaks only this interface; it never touches a provider's
// transport or process handle.
package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/effective-security/toolgate/toolproto"
)

// TransportKind identifies how a provider executes its tools.
type TransportKind string

const (
	KindLocal   TransportKind = "local"
	KindStdio   TransportKind = "stdio"
	KindNetwork TransportKind = "network"
)

// Concurrency declares how many exchanges a provider's transport supports
// in flight. This is a property of the adapter, never assumed by callers.
type Concurrency int

const (
	// Serialized transports support a single in-flight exchange; the
	// adapter queues concurrent calls.
	Serialized Concurrency = iota
	// Pipelined transports support concurrent exchanges under distinct
	// correlation ids.
	Pipelined
)

// ErrorKind classifies a failed tool call or provider fault.
type ErrorKind string

const (
	ErrConfiguration     ErrorKind = "ConfigurationError"
	ErrHandshakeTimeout  ErrorKind = "HandshakeTimeout"
	ErrToolNotFound      ErrorKind = "ToolNotFound"
	ErrValidation        ErrorKind = "ValidationError"
	ErrInvocationTimeout ErrorKind = "InvocationTimeout"
	ErrProviderCrashed   ErrorKind = "ProviderCrashed"
	ErrTransport         ErrorKind = "TransportError"
	ErrApplication       ErrorKind = "ApplicationError"
)

// ToolResult is the structured outcome of one tool call. Providers always
// produce a result; invocation failures are carried here, never raised as
// faults into the caller.
type ToolResult struct {
	Success   bool      `json:"success"`
	Content   string    `json:"content,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// TextResult wraps successful content into a ToolResult.
func TextResult(content string) *ToolResult {
	return &ToolResult{Success: true, Content: content}
}

// ErrorResult builds a failed ToolResult of the given kind.
func ErrorResult(kind ErrorKind, format string, args ...any) *ToolResult {
	return &ToolResult{
		Success:   false,
		ErrorKind: kind,
		Message:   fmt.Sprintf(format, args...),
	}
}

// ToolDescriptor is the registry's immutable record of one registered
// tool. The qualified name is globally unique across the live catalog.
type ToolDescriptor struct {
	QualifiedName string                 `json:"qualified_name"`
	RawName       string                 `json:"raw_name"`
	Description   string                 `json:"description,omitempty"`
	InputSchema   *toolproto.InputSchema `json:"input_schema,omitempty"`
	ProviderID    string                 `json:"owner_provider_id"`
}

// Provider is one tool execution site. Implementations own their
// transport and process handles exclusively.
type Provider interface {
	// ID returns the provider id, also used as its namespace prefix.
	ID() string

	// Kind reports the provider's transport kind.
	Kind() TransportKind

	// State reports the provider's current health state.
	State() State

	// Concurrency reports the declared in-flight exchange capability.
	Concurrency() Concurrency

	// Start brings the provider up: spawn, handshake and discovery for
	// remote adapters; immediate for local providers. A failed Start
	// leaves the provider DEAD, it is never retried by the caller.
	Start(ctx context.Context) error

	// Tools returns raw (unprefixed) tool metadata discovered or
	// registered on this provider.
	Tools() []toolproto.ToolInfo

	// Call executes the named raw tool. The outcome is always a
	// structured ToolResult; Call never panics and never returns nil.
	Call(ctx context.Context, rawName string, args json.RawMessage) *ToolResult

	// Close releases the provider's resources. For process adapters this
	// performs the shutdown notification, grace period and reap.
	Close(ctx context.Context) error
}
