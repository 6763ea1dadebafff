// Package local implements the in-process tool provider: a fixed set of
// tools registered at construction and executed directly, with argument
// validation and fault capture at the provider boundary.
package local

import (
	"context"
	"encoding/json"
	"reflect"
	"runtime/debug"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/provider"
	"github.com/effective-security/toolgate/schema"
	"github.com/effective-security/toolgate/toolproto"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolgate", "local")

// Tool is one locally executed tool: metadata, input schema and handler.
type Tool struct {
	Name        string
	Description string
	InputSchema *toolproto.InputSchema

	handler func(ctx context.Context, args json.RawMessage) (string, error)
}

// NewTool builds a Tool whose arguments unmarshal into I. The input
// schema is reflected from I; the handler's result is marshalled to JSON
// unless it already is a string.
func NewTool[I any](name, description string, run func(ctx context.Context, in *I) (any, error)) (*Tool, error) {
	var def I
	sc, err := schema.New(reflect.TypeOf(def))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create schema for tool %q", name)
	}
	t := &Tool{
		Name:        name,
		Description: description,
		InputSchema: sc,
		handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in I
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return "", errors.Wrap(err, "failed to unmarshal arguments")
				}
			}
			out, err := run(ctx, &in)
			if err != nil {
				return "", err
			}
			if s, ok := out.(string); ok {
				return s, nil
			}
			bs, err := json.Marshal(out)
			if err != nil {
				return "", errors.Wrap(err, "failed to marshal result")
			}
			return string(bs), nil
		},
	}
	return t, nil
}

// Provider exposes a fixed set of tools executed in-process. Side effects
// of each tool are confined to the resource the provider manages; a
// provider never touches another provider's state.
type Provider struct {
	id    string
	state *provider.StateTracker

	tools map[string]*Tool
	order []string

	closers []func() error
}

// NewProvider creates an empty local provider with the given id, which
// also serves as its namespace prefix.
func NewProvider(id string) *Provider {
	return &Provider{
		id:    id,
		state: provider.NewStateTracker(id),
		tools: make(map[string]*Tool),
	}
}

// Register adds a tool. A duplicate name within the provider is a
// configuration error.
func (p *Provider) Register(tools ...*Tool) error {
	for _, t := range tools {
		if _, ok := p.tools[t.Name]; ok {
			return errors.Errorf("provider %q: duplicate tool name %q", p.id, t.Name)
		}
		p.tools[t.Name] = t
		p.order = append(p.order, t.Name)
	}
	return nil
}

// AddCloser registers cleanup to run when the provider closes, such as
// releasing a database handle.
func (p *Provider) AddCloser(fn func() error) {
	p.closers = append(p.closers, fn)
}

// OnStateChange sets the observer for health state transitions.
func (p *Provider) OnStateChange(fn func(provider.Transition)) {
	p.state.OnChange(fn)
}

// ID implements provider.Provider.
func (p *Provider) ID() string {
	return p.id
}

// Kind implements provider.Provider.
func (p *Provider) Kind() provider.TransportKind {
	return provider.KindLocal
}

// State implements provider.Provider.
func (p *Provider) State() provider.State {
	return p.state.State()
}

// Concurrency implements provider.Provider. Local tools run inline, so
// any number of calls may proceed concurrently.
func (p *Provider) Concurrency() provider.Concurrency {
	return provider.Pipelined
}

// Start implements provider.Provider.
func (p *Provider) Start(ctx context.Context) error {
	if err := p.state.Set(provider.Starting, "start"); err != nil {
		return err
	}
	return p.state.Set(provider.Ready, "started")
}

// Tools implements provider.Provider, returning tools in registration
// order.
func (p *Provider) Tools() []toolproto.ToolInfo {
	infos := make([]toolproto.ToolInfo, 0, len(p.order))
	for _, name := range p.order {
		t := p.tools[name]
		infos = append(infos, toolproto.ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return infos
}

// Call implements provider.Provider. Arguments are validated against the
// tool's input schema before invocation; any error or panic raised by the
// tool body is converted into an ApplicationError result, never
// propagated as a fault.
func (p *Provider) Call(ctx context.Context, rawName string, args json.RawMessage) (res *provider.ToolResult) {
	t, ok := p.tools[rawName]
	if !ok {
		return provider.ErrorResult(provider.ErrToolNotFound, "provider %q has no tool %q", p.id, rawName)
	}
	if err := schema.Validate(args, t.InputSchema); err != nil {
		return provider.ErrorResult(provider.ErrValidation, "%s", err.Error())
	}

	defer func() {
		if r := recover(); r != nil {
			logger.KV(xlog.ERROR,
				"provider", p.id,
				"tool", rawName,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			res = provider.ErrorResult(provider.ErrApplication, "tool %q panicked: %v", rawName, r)
		}
	}()

	content, err := t.handler(ctx, args)
	if err != nil {
		return provider.ErrorResult(provider.ErrApplication, "%s", err.Error())
	}
	return provider.TextResult(content)
}

// Close implements provider.Provider.
func (p *Provider) Close(ctx context.Context) error {
	if p.state.State() == provider.Unstarted {
		return nil
	}
	if err := p.state.Set(provider.Stopping, "close"); err != nil {
		return err
	}
	var firstErr error
	for _, fn := range p.closers {
		if err := fn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.state.Set(provider.Stopped, "closed"); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

var _ provider.Provider = (*Provider)(nil)
