// Package remote implements the out-of-process tool adapters. One
// Adapter owns the full lifecycle of a single tool server (spawn or
// connect, handshake, discovery, invocation, shutdown) over either a
// stdio child process or an HTTP endpoint. The registry only ever sees
// the provider.Provider surface.
package remote

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/protocol"
	"github.com/effective-security/toolgate/provider"
	"github.com/effective-security/toolgate/toolproto"
	"github.com/effective-security/toolgate/transport"
	"github.com/effective-security/xlog"
	"github.com/tidwall/gjson"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolgate", "remote")

// Defaults for adapter options.
const (
	DefaultHandshakeTimeout        = 10 * time.Second
	DefaultInvocationTimeout       = 5 * time.Second
	DefaultConsecutiveTimeoutLimit = 3
	DefaultHandshakeAttempts       = 3
	DefaultProbeAttempts           = 3
	DefaultProbeInterval           = time.Second
)

// Options configure one remote adapter.
type Options struct {
	// HandshakeTimeout bounds the whole initialize exchange, including
	// retries.
	HandshakeTimeout time.Duration
	// InvocationTimeout applies per tools/call request.
	InvocationTimeout time.Duration
	// ConsecutiveTimeoutLimit is how many invocation timeouts in a row
	// transition the provider to DEGRADED.
	ConsecutiveTimeoutLimit int
	// HandshakeAttempts is the bounded retry count for initialize.
	// Servers intermittently miss the first initialize while still
	// warming up, so a fresh request is retried within HandshakeTimeout.
	HandshakeAttempts int
	// ProbeAttempts is how many health probes run while DEGRADED before
	// the provider is declared DEAD.
	ProbeAttempts int
	// ProbeInterval is the delay between health probes.
	ProbeInterval time.Duration
	// Pipelined declares that the server supports concurrent in-flight
	// requests under distinct ids. When false, calls are serialized.
	Pipelined bool
	// AllowedTools restricts discovery to the listed raw tool names.
	// Empty means every discovered tool is registered.
	AllowedTools []string
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.InvocationTimeout <= 0 {
		o.InvocationTimeout = DefaultInvocationTimeout
	}
	if o.ConsecutiveTimeoutLimit <= 0 {
		o.ConsecutiveTimeoutLimit = DefaultConsecutiveTimeoutLimit
	}
	if o.HandshakeAttempts <= 0 {
		o.HandshakeAttempts = DefaultHandshakeAttempts
	}
	if o.ProbeAttempts <= 0 {
		o.ProbeAttempts = DefaultProbeAttempts
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = DefaultProbeInterval
	}
	return o
}

// Adapter drives one remote tool server through the protocol client.
type Adapter struct {
	id   string
	kind provider.TransportKind
	opts Options
	tr   transport.Transport

	client *protocol.Client
	state  *provider.StateTracker

	callMu sync.Mutex // serializes calls when !opts.Pipelined

	mu                  sync.Mutex
	tools               []toolproto.ToolInfo
	consecutiveTimeouts int
	crashed             bool
	closing             bool
	probing             bool
}

// NewAdapter builds an adapter over an arbitrary transport. The stdio
// and network constructors below are the usual entry points; this one
// exists for scripted transports in tests.
func NewAdapter(id string, kind provider.TransportKind, tr transport.Transport, opts Options) *Adapter {
	a := &Adapter{
		id:    id,
		kind:  kind,
		opts:  opts.withDefaults(),
		tr:    tr,
		state: provider.NewStateTracker(id),
	}
	return a
}

// OnStateChange sets the observer for health state transitions.
func (a *Adapter) OnStateChange(fn func(provider.Transition)) {
	a.state.OnChange(fn)
}

// ID implements provider.Provider.
func (a *Adapter) ID() string {
	return a.id
}

// Kind implements provider.Provider.
func (a *Adapter) Kind() provider.TransportKind {
	return a.kind
}

// State implements provider.Provider.
func (a *Adapter) State() provider.State {
	return a.state.State()
}

// Concurrency implements provider.Provider, reporting the declared
// capability of the underlying server.
func (a *Adapter) Concurrency() provider.Concurrency {
	if a.opts.Pipelined {
		return provider.Pipelined
	}
	return provider.Serialized
}

// Start implements provider.Provider: connect the transport, perform the
// initialize handshake with bounded retry, then discover tools. Failure
// leaves the adapter DEAD without affecting sibling providers.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.state.Set(provider.Starting, "start"); err != nil {
		return err
	}

	a.client = protocol.NewClient()
	a.client.OnClose = a.handleTransportClosed
	a.client.OnError = func(err error) {
		logger.KV(xlog.WARNING, "provider", a.id, "err", err.Error())
	}

	if err := a.client.Connect(ctx, a.tr); err != nil {
		a.fail("transport start failed: " + err.Error())
		return errors.Wrapf(err, "provider %q: failed to start transport", a.id)
	}

	if err := a.handshake(ctx); err != nil {
		reason := "handshake failed: " + err.Error()
		if errors.Is(err, protocol.ErrTimeout) {
			reason = string(provider.ErrHandshakeTimeout) + ": no acknowledgment within " +
				a.opts.HandshakeTimeout.String()
		}
		a.fail(reason)
		_ = a.client.Close()
		return err
	}

	if err := a.discover(ctx); err != nil {
		a.fail("discovery failed: " + err.Error())
		_ = a.client.Close()
		return err
	}

	if err := a.state.Set(provider.Ready, "handshake and discovery complete"); err != nil {
		return err
	}
	logger.KV(xlog.INFO, "provider", a.id, "kind", a.kind, "tools", len(a.Tools()))
	return nil
}

// handshake sends initialize and requires a matching acknowledgment
// within HandshakeTimeout, split across HandshakeAttempts fresh requests.
func (a *Adapter) handshake(ctx context.Context) error {
	params := &toolproto.InitializeParams{
		ProtocolVersion: toolproto.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo: toolproto.Implementation{
			Name:    "toolgate",
			Version: "1.0.0",
		},
	}

	attempts := a.opts.HandshakeAttempts
	perAttempt := a.opts.HandshakeTimeout / time.Duration(attempts)
	var lastErr error
	for i := 0; i < attempts; i++ {
		raw, err := a.client.Request(ctx, toolproto.MethodInitialize, params, perAttempt)
		if err == nil {
			var res toolproto.InitializeResult
			if err := json.Unmarshal(raw, &res); err != nil {
				return errors.Wrapf(err, "provider %q: malformed initialize result", a.id)
			}
			logger.KV(xlog.DEBUG,
				"provider", a.id,
				"protocol", res.ProtocolVersion,
				"server", res.ServerInfo.Name,
			)
			_ = a.client.Notify(ctx, toolproto.NotificationInitialized, map[string]any{})
			return nil
		}
		lastErr = err
		if !errors.Is(err, protocol.ErrTimeout) {
			break
		}
		logger.KV(xlog.WARNING, "provider", a.id, "attempt", i+1, "err", err.Error())
	}
	return errors.Wrapf(lastErr, "provider %q: handshake failed after %d attempts", a.id, attempts)
}

func (a *Adapter) discover(ctx context.Context) error {
	raw, err := a.client.Request(ctx, toolproto.MethodListTools, map[string]any{}, a.opts.HandshakeTimeout)
	if err != nil {
		return errors.Wrapf(err, "provider %q: tools/list failed", a.id)
	}
	var res toolproto.ListToolsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return errors.Wrapf(err, "provider %q: malformed tools/list result", a.id)
	}

	tools := res.Tools
	if len(a.opts.AllowedTools) > 0 {
		allowed := make(map[string]bool, len(a.opts.AllowedTools))
		for _, name := range a.opts.AllowedTools {
			allowed[name] = true
		}
		kept := tools[:0]
		for _, t := range tools {
			if allowed[t.Name] {
				kept = append(kept, t)
			}
		}
		tools = kept
	}

	a.mu.Lock()
	a.tools = tools
	a.mu.Unlock()
	return nil
}

// Tools implements provider.Provider.
func (a *Adapter) Tools() []toolproto.ToolInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]toolproto.ToolInfo, len(a.tools))
	copy(out, a.tools)
	return out
}

// Call implements provider.Provider. A timeout returns an
// InvocationTimeout result without killing the server: the remote side
// may still complete, so the call's outcome is unknown. Consecutive
// timeouts beyond the configured limit transition the adapter to
// DEGRADED and kick off health probes.
func (a *Adapter) Call(ctx context.Context, rawName string, args json.RawMessage) *provider.ToolResult {
	switch st := a.state.State(); st {
	case provider.Ready:
	case provider.Degraded:
		return provider.ErrorResult(provider.ErrTransport,
			"provider %q is DEGRADED, awaiting health probe", a.id)
	case provider.Dead:
		if a.isCrashed() {
			return provider.ErrorResult(provider.ErrProviderCrashed,
				"provider %q process exited unexpectedly", a.id)
		}
		return provider.ErrorResult(provider.ErrTransport, "provider %q is DEAD", a.id)
	default:
		return provider.ErrorResult(provider.ErrTransport,
			"provider %q is not accepting calls (state %s)", a.id, st)
	}

	if !a.opts.Pipelined {
		a.callMu.Lock()
		defer a.callMu.Unlock()
	}

	params := &toolproto.CallParams{Name: rawName, Arguments: args}
	raw, err := a.client.Request(ctx, toolproto.MethodCallTool, params, a.opts.InvocationTimeout)
	if err != nil {
		return a.callError(rawName, err)
	}

	a.resetTimeouts()
	return parseCallResult(raw)
}

func (a *Adapter) callError(rawName string, err error) *provider.ToolResult {
	switch {
	case errors.Is(err, protocol.ErrTimeout):
		a.noteTimeout()
		return provider.ErrorResult(provider.ErrInvocationTimeout,
			"tool %q timed out after %v; outcome unknown", rawName, a.opts.InvocationTimeout)
	case errors.Is(err, protocol.ErrClosed):
		return provider.ErrorResult(provider.ErrProviderCrashed,
			"provider %q process exited unexpectedly", a.id)
	default:
		var rpcErr *protocol.RPCError
		if errors.As(err, &rpcErr) {
			return provider.ErrorResult(provider.ErrApplication, "%s", rpcErr.Message)
		}
		return provider.ErrorResult(provider.ErrTransport, "%s", err.Error())
	}
}

func (a *Adapter) resetTimeouts() {
	a.mu.Lock()
	a.consecutiveTimeouts = 0
	a.mu.Unlock()
}

func (a *Adapter) noteTimeout() {
	a.mu.Lock()
	a.consecutiveTimeouts++
	count := a.consecutiveTimeouts
	limit := a.opts.ConsecutiveTimeoutLimit
	alreadyProbing := a.probing
	if count >= limit && !alreadyProbing {
		a.probing = true
	}
	a.mu.Unlock()

	if count < limit || alreadyProbing {
		return
	}
	if a.state.CompareAndSet(provider.Ready, provider.Degraded,
		"consecutive invocation timeouts reached limit") {
		go a.probeLoop()
	} else {
		a.mu.Lock()
		a.probing = false
		a.mu.Unlock()
	}
}

// probeLoop runs while the adapter is DEGRADED: a lightweight ping (or a
// re-sent initialize when the server does not implement ping) restores
// READY; exhausting the attempts declares the adapter DEAD.
func (a *Adapter) probeLoop() {
	defer func() {
		a.mu.Lock()
		a.probing = false
		a.mu.Unlock()
	}()

	ctx := context.Background()
	for i := 0; i < a.opts.ProbeAttempts; i++ {
		time.Sleep(a.opts.ProbeInterval)
		if a.state.State() != provider.Degraded {
			return
		}

		_, err := a.client.Request(ctx, toolproto.MethodPing, map[string]any{}, a.opts.InvocationTimeout)
		var rpcErr *protocol.RPCError
		if err != nil && errors.As(err, &rpcErr) && rpcErr.Code == toolproto.CodeMethodNotFound {
			params := &toolproto.InitializeParams{
				ProtocolVersion: toolproto.ProtocolVersion,
				Capabilities:    map[string]any{},
				ClientInfo:      toolproto.Implementation{Name: "toolgate", Version: "1.0.0"},
			}
			_, err = a.client.Request(ctx, toolproto.MethodInitialize, params, a.opts.InvocationTimeout)
		}
		if err == nil {
			a.resetTimeouts()
			a.state.CompareAndSet(provider.Degraded, provider.Ready, "health probe succeeded")
			return
		}
		logger.KV(xlog.WARNING, "provider", a.id, "probe", i+1, "err", err.Error())
	}

	if a.state.CompareAndSet(provider.Degraded, provider.Dead, "health probes exhausted") {
		_ = a.client.Close()
	}
}

func (a *Adapter) isCrashed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.crashed
}

func (a *Adapter) handleTransportClosed() {
	a.mu.Lock()
	closing := a.closing
	if !closing {
		a.crashed = true
	}
	a.mu.Unlock()

	if closing {
		return
	}
	st := a.state.State()
	if st == provider.Ready || st == provider.Degraded {
		_ = a.state.Set(provider.Dead, "transport closed unexpectedly")
	}
}

func (a *Adapter) fail(reason string) {
	_ = a.state.Set(provider.Dead, reason)
	logger.KV(xlog.ERROR, "provider", a.id, "kind", a.kind, "reason", reason)
}

// Close implements provider.Provider: send the shutdown notification,
// then tear down the transport. For stdio this triggers the grace
// period, terminate, kill and reap sequence in the transport.
func (a *Adapter) Close(ctx context.Context) error {
	st := a.state.State()
	if st == provider.Unstarted {
		return nil
	}

	a.mu.Lock()
	a.closing = true
	a.mu.Unlock()

	if st.Terminal() {
		if a.client != nil {
			return a.client.Close()
		}
		return nil
	}

	if err := a.state.Set(provider.Stopping, "close"); err != nil {
		return err
	}
	_ = a.client.Notify(ctx, toolproto.NotificationShutdown, map[string]any{})
	err := a.client.Close()
	_ = a.state.Set(provider.Stopped, "closed")
	return err
}

// parseCallResult maps a tools/call result payload to a ToolResult.
// Servers differ in shape: a content array of typed blocks, a plain
// string content, or a bare result. All are flattened to text.
func parseCallResult(raw json.RawMessage) *provider.ToolResult {
	doc := gjson.ParseBytes(raw)
	isError := doc.Get("isError").Bool() || doc.Get("is_error").Bool()

	var text string
	content := doc.Get("content")
	switch {
	case content.IsArray():
		var parts []string
		content.ForEach(func(_, block gjson.Result) bool {
			if t := block.Get("text"); t.Exists() {
				parts = append(parts, t.String())
			} else {
				parts = append(parts, block.Raw)
			}
			return true
		})
		text = strings.Join(parts, "\n")
	case content.Type == gjson.String:
		text = content.String()
	case content.Exists():
		text = content.Raw
	default:
		text = doc.Raw
	}

	if isError {
		return provider.ErrorResult(provider.ErrApplication, "%s", text)
	}
	return provider.TextResult(text)
}

var _ provider.Provider = (*Adapter)(nil)
