// Package registry aggregates tools from many providers behind a single
// flat catalog. Tool names are namespaced as <provider_id>_<raw_name>;
// callers see only ListTools and Call, never the providers themselves.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/provider"
	"github.com/effective-security/toolgate/schema"
	"github.com/effective-security/toolgate/toolproto"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolgate", "registry")

// stateObserver is implemented by providers that publish health
// transitions; both the local provider and the remote adapters do.
type stateObserver interface {
	OnStateChange(func(provider.Transition))
}

type record struct {
	prov  provider.Provider
	tools []provider.ToolDescriptor
}

// Registry is the tool multiplexer. Providers are registered in
// configuration order, which fixes both catalog ordering and the winner
// of any qualified-name clash.
type Registry struct {
	mu      sync.RWMutex
	records []*record
	byID    map[string]*record
	catalog map[string]*record
	order   []string
	aliases map[string]string
	started bool

	onEvent func(Event)
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byID:    map[string]*record{},
		catalog: map[string]*record{},
		aliases: map[string]string{},
	}
}

// OnEvent sets the observer for provider state-transition events. Set it
// before AddProvider so no transition is missed.
func (r *Registry) OnEvent(fn func(Event)) {
	r.mu.Lock()
	r.onEvent = fn
	r.mu.Unlock()
}

// AddProvider registers a provider. A duplicate id is a configuration
// error. Must be called before Start.
func (r *Registry) AddProvider(p provider.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.Errorf("registry already started")
	}
	id := p.ID()
	if _, ok := r.byID[id]; ok {
		return errors.Errorf("duplicate provider id %q", id)
	}

	rec := &record{prov: p}
	r.records = append(r.records, rec)
	r.byID[id] = rec

	if obs, ok := p.(stateObserver); ok {
		obs.OnStateChange(r.emitTransition)
	}
	return nil
}

// AddAlias maps an alternate published name to a qualified tool name.
// The target need not exist yet; an alias to an absent tool resolves to
// ToolNotFound at call time. Duplicate aliases are rejected.
func (r *Registry) AddAlias(alias, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.aliases[alias]; ok {
		return errors.Errorf("alias %q already maps to %q", alias, prev)
	}
	r.aliases[alias] = target
	return nil
}

func (r *Registry) emitTransition(t provider.Transition) {
	r.mu.RLock()
	fn := r.onEvent
	r.mu.RUnlock()

	logger.KV(xlog.INFO,
		"provider", t.ProviderID,
		"from", t.From,
		"to", t.To,
		"reason", t.Reason,
	)
	if fn != nil {
		fn(newEvent(t))
	}
}

// Start launches every provider in registration order and builds the
// catalog from those that came up. A provider that fails its handshake
// is left DEAD and excluded; its siblings are unaffected.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.Errorf("registry already started")
	}
	r.started = true
	records := r.records
	r.mu.Unlock()

	for _, rec := range records {
		if err := rec.prov.Start(ctx); err != nil {
			logger.KV(xlog.ERROR, "provider", rec.prov.ID(), "err", err.Error())
		}
	}

	r.buildCatalog()
	return nil
}

// buildCatalog assigns each discovered tool its qualified name. On a
// clash the earlier registration wins and the loser is dropped with a
// logged configuration error.
func (r *Registry) buildCatalog() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.catalog = map[string]*record{}
	r.order = r.order[:0]

	for _, rec := range r.records {
		p := rec.prov
		if !p.State().Accepting() {
			continue
		}
		rec.tools = rec.tools[:0]
		for _, t := range p.Tools() {
			qualified := fmt.Sprintf("%s_%s", p.ID(), t.Name)
			if prev, ok := r.catalog[qualified]; ok {
				logger.KV(xlog.ERROR,
					"kind", provider.ErrConfiguration,
					"tool", qualified,
					"provider", p.ID(),
					"kept", prev.prov.ID(),
					"reason", "duplicate qualified tool name, first registration wins",
				)
				continue
			}
			rec.tools = append(rec.tools, provider.ToolDescriptor{
				QualifiedName: qualified,
				RawName:       t.Name,
				Description:   t.Description,
				InputSchema:   t.InputSchema,
				ProviderID:    p.ID(),
			})
			r.catalog[qualified] = rec
			r.order = append(r.order, qualified)
		}
	}
}

// ListTools returns the aggregated catalog in registration order.
// Tools of providers that have since died are omitted; the provider
// records themselves persist for inspection.
func (r *Registry) ListTools() []toolproto.ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]toolproto.ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		rec := r.catalog[name]
		if rec.prov.State().Terminal() {
			continue
		}
		desc := rec.descriptor(name)
		if desc == nil {
			continue
		}
		out = append(out, toolproto.ToolInfo{
			Name:        desc.QualifiedName,
			Description: desc.Description,
			InputSchema: desc.InputSchema,
		})
	}
	return out
}

// Descriptors returns the catalog as qualified descriptors, for callers
// that need provider attribution.
func (r *Registry) Descriptors() []provider.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]provider.ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		rec := r.catalog[name]
		if rec.prov.State().Terminal() {
			continue
		}
		if desc := rec.descriptor(name); desc != nil {
			out = append(out, *desc)
		}
	}
	return out
}

func (rec *record) descriptor(qualified string) *provider.ToolDescriptor {
	for i := range rec.tools {
		if rec.tools[i].QualifiedName == qualified {
			return &rec.tools[i]
		}
	}
	return nil
}

// Call resolves name through the alias table, validates the arguments
// against the tool's declared schema, and dispatches to the owning
// provider under the tool's raw name. Validation failures enumerate
// every offending field and nothing is sent to the provider.
//
// ToolNotFound is reserved for names that never made the catalog and
// for stale aliases. A known tool whose provider died mid-session
// dispatches to the provider, which reports its own condition, such as
// ProviderCrashed.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) *provider.ToolResult {
	r.mu.RLock()
	target, viaAlias := r.aliases[name]
	if viaAlias {
		name = target
	}
	rec, ok := r.catalog[name]
	r.mu.RUnlock()

	if !ok {
		return provider.ErrorResult(provider.ErrToolNotFound, "unknown tool %q", name)
	}

	r.mu.RLock()
	desc := rec.descriptor(name)
	r.mu.RUnlock()
	if desc == nil {
		return provider.ErrorResult(provider.ErrToolNotFound, "unknown tool %q", name)
	}

	if st := rec.prov.State(); st.Terminal() {
		if st == provider.Dead && !viaAlias {
			return rec.prov.Call(ctx, desc.RawName, args)
		}
		return provider.ErrorResult(provider.ErrToolNotFound,
			"tool %q is gone: provider %q is %s", name, rec.prov.ID(), st)
	}

	if err := schema.Validate(args, desc.InputSchema); err != nil {
		return provider.ErrorResult(provider.ErrValidation, "%s", err.Error())
	}

	return rec.prov.Call(ctx, desc.RawName, args)
}

// Provider returns the provider registered under id, for health
// inspection. Dead providers remain reachable here even after their
// tools leave the catalog.
func (r *Registry) Provider(id string) (provider.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return rec.prov, true
}

// Providers returns all registered providers in registration order.
func (r *Registry) Providers() []provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.Provider, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.prov)
	}
	return out
}

// Close shuts down every provider in reverse registration order. Each
// provider gets its graceful sequence; the first error is returned after
// all of them have been closed.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.RLock()
	records := make([]*record, len(r.records))
	copy(records, r.records)
	r.mu.RUnlock()

	var firstErr error
	for i := len(records) - 1; i >= 0; i-- {
		p := records[i].prov
		if p.State() == provider.Unstarted || p.State().Terminal() {
			continue
		}
		if err := p.Close(ctx); err != nil {
			logger.KV(xlog.WARNING, "provider", p.ID(), "err", err.Error())
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "failed to close provider %q", p.ID())
			}
		}
	}
	return firstErr
}
