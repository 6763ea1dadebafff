package registry_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/effective-security/toolgate/local"
	"github.com/effective-security/toolgate/provider"
	"github.com/effective-security/toolgate/registry"
	"github.com/effective-security/toolgate/remote"
	"github.com/effective-security/toolgate/toolproto"
	"github.com/effective-security/toolgate/transport"
	"github.com/effective-security/toolgate/transport/transporttest"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoArgs struct {
	Text string `json:"text" jsonschema:"description=Text to echo back"`
}

func echoProvider(t *testing.T, id string) *local.Provider {
	t.Helper()
	tool, err := local.NewTool("echo", "Echo the input text.",
		func(_ context.Context, in *echoArgs) (any, error) {
			return in.Text, nil
		})
	require.NoError(t, err)

	p := local.NewProvider(id)
	require.NoError(t, p.Register(tool))
	return p
}

func startedRegistry(t *testing.T, providers ...provider.Provider) *registry.Registry {
	t.Helper()
	r := registry.New()
	for _, p := range providers {
		require.NoError(t, r.AddProvider(p))
	}
	require.NoError(t, r.Start(context.Background()))
	return r
}

func TestQualifiedNamesAreUnique(t *testing.T) {
	r := startedRegistry(t, echoProvider(t, "a"), echoProvider(t, "b"))

	tools := r.ListTools()
	require.Len(t, tools, 2)

	seen := map[string]bool{}
	for _, tool := range tools {
		assert.False(t, seen[tool.Name], "duplicate qualified name %q", tool.Name)
		seen[tool.Name] = true
	}
	assert.True(t, seen["a_echo"])
	assert.True(t, seen["b_echo"])
}

func TestDuplicateProviderIDRejected(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.AddProvider(echoProvider(t, "a")))
	err := r.AddProvider(echoProvider(t, "a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate provider id")
}

func TestNameClashFirstRegistrationWins(t *testing.T) {
	// distinct provider ids can still collide after prefixing:
	// "a" + "b_echo" and "a_b" + "echo" both qualify as a_b_echo
	clashTool, err := local.NewTool("b_echo", "",
		func(_ context.Context, in *echoArgs) (any, error) {
			return "first " + in.Text, nil
		})
	require.NoError(t, err)
	first := local.NewProvider("a")
	require.NoError(t, first.Register(clashTool))

	laterTool, err := local.NewTool("echo", "",
		func(_ context.Context, in *echoArgs) (any, error) {
			return "second " + in.Text, nil
		})
	require.NoError(t, err)
	second := local.NewProvider("a_b")
	require.NoError(t, second.Register(laterTool))

	r := startedRegistry(t, first, second)

	// the winner is stable across repeated listings and calls
	for i := 0; i < 3; i++ {
		tools := r.ListTools()
		require.Len(t, tools, 1)
		assert.Equal(t, "a_b_echo", tools[0].Name)
	}
	res := r.Call(context.Background(), "a_b_echo", json.RawMessage(`{"text":"x"}`))
	require.True(t, res.Success)
	assert.Equal(t, "first x", res.Content)
}

func TestListToolsIdempotent(t *testing.T) {
	r := startedRegistry(t, echoProvider(t, "a"), echoProvider(t, "b"))

	first := r.ListTools()
	for i := 0; i < 5; i++ {
		assert.Empty(t, cmp.Diff(first, r.ListTools()))
	}
}

func TestCallMatchesDirectInvocation(t *testing.T) {
	direct := echoProvider(t, "a")
	viaRegistry := echoProvider(t, "b")
	require.NoError(t, direct.Start(context.Background()))

	r := startedRegistry(t, viaRegistry)

	args := json.RawMessage(`{"text":"same"}`)
	want := direct.Call(context.Background(), "echo", args)
	got := r.Call(context.Background(), "b_echo", args)

	assert.Equal(t, want.Success, got.Success)
	assert.Equal(t, want.Content, got.Content)
}

func TestCallUnknownTool(t *testing.T) {
	r := startedRegistry(t, echoProvider(t, "a"))

	res := r.Call(context.Background(), "a_missing", nil)
	require.False(t, res.Success)
	assert.Equal(t, provider.ErrToolNotFound, res.ErrorKind)

	// raw names without the prefix are not published
	res = r.Call(context.Background(), "echo", nil)
	assert.Equal(t, provider.ErrToolNotFound, res.ErrorKind)
}

func TestCallValidatesBeforeDispatch(t *testing.T) {
	called := false
	tool, err := local.NewTool("probe", "",
		func(_ context.Context, in *echoArgs) (any, error) {
			called = true
			return in.Text, nil
		})
	require.NoError(t, err)
	p := local.NewProvider("v")
	require.NoError(t, p.Register(tool))

	r := startedRegistry(t, p)

	res := r.Call(context.Background(), "v_probe", json.RawMessage(`{}`))
	require.False(t, res.Success)
	assert.Equal(t, provider.ErrValidation, res.ErrorKind)
	assert.Contains(t, res.Message, "text: missing required field")
	assert.False(t, called, "invalid arguments must never reach the tool")
}

func TestAliasResolution(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.AddProvider(echoProvider(t, "a")))
	require.NoError(t, r.AddAlias("shout", "a_echo"))
	require.NoError(t, r.Start(context.Background()))

	args := json.RawMessage(`{"text":"hi"}`)
	direct := r.Call(context.Background(), "a_echo", args)
	aliased := r.Call(context.Background(), "shout", args)

	require.True(t, direct.Success)
	require.True(t, aliased.Success)
	assert.Equal(t, direct.Content, aliased.Content)

	// aliases are resolution-only and never listed
	for _, tool := range r.ListTools() {
		assert.NotEqual(t, "shout", tool.Name)
	}
}

func TestAliasToAbsentTool(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.AddProvider(echoProvider(t, "a")))
	require.NoError(t, r.AddAlias("ghost", "a_gone"))
	require.NoError(t, r.Start(context.Background()))

	res := r.Call(context.Background(), "ghost", nil)
	require.False(t, res.Success)
	assert.Equal(t, provider.ErrToolNotFound, res.ErrorKind)
}

func TestAliasCollisionRejected(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.AddAlias("x", "a_echo"))
	err := r.AddAlias("x", "b_echo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already maps")
}

func TestStateTransitionEvents(t *testing.T) {
	r := registry.New()
	var events []registry.Event
	r.OnEvent(func(e registry.Event) {
		events = append(events, e)
	})
	require.NoError(t, r.AddProvider(echoProvider(t, "a")))
	require.NoError(t, r.Start(context.Background()))

	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].ProviderID)
	assert.Equal(t, provider.Unstarted, events[0].From)
	assert.Equal(t, provider.Starting, events[0].To)
	assert.Equal(t, provider.Ready, events[1].To)
	assert.Equal(t, "STARTING", events[1].FromState)
	assert.Equal(t, "READY", events[1].ToState)
}

func TestHandshakeTimeoutIsolatedFromSiblings(t *testing.T) {
	// a child that never speaks the protocol
	mute := remote.NewStdioProvider("mute", "/bin/sh", []string{"-c", "sleep 5"}, remote.StdioOptions{
		Options:       remote.Options{HandshakeTimeout: 100 * time.Millisecond},
		ShutdownGrace: 50 * time.Millisecond,
	})
	healthy := echoProvider(t, "ok")

	r := registry.New()
	require.NoError(t, r.AddProvider(mute))
	require.NoError(t, r.AddProvider(healthy))

	started := time.Now()
	require.NoError(t, r.Start(context.Background()))
	assert.Less(t, time.Since(started), 2*time.Second)

	assert.Equal(t, provider.Dead, mute.State())
	assert.Equal(t, provider.Ready, healthy.State())

	// only the healthy provider's tools are published
	tools := r.ListTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "ok_echo", tools[0].Name)

	require.NoError(t, r.Close(context.Background()))
}

func TestCrashedProviderToolsDisappear(t *testing.T) {
	tr := transporttest.New()
	tr.OnRequest = func(req *toolproto.Request) *transport.Message {
		switch req.Method {
		case toolproto.MethodInitialize:
			return transport.NewResponseMessage(&toolproto.Response{
				Jsonrpc: "2.0", Id: req.Id,
				Result: json.RawMessage(`{"protocolVersion":"2024-11-05"}`),
			})
		case toolproto.MethodListTools:
			return transport.NewResponseMessage(&toolproto.Response{
				Jsonrpc: "2.0", Id: req.Id,
				Result: json.RawMessage(`{"tools":[{"name":"crashy"}]}`),
			})
		}
		return nil
	}
	crashable := remote.NewAdapter("r", provider.KindStdio, tr, remote.Options{})
	healthy := echoProvider(t, "ok")

	r := registry.New()
	require.NoError(t, r.AddProvider(crashable))
	require.NoError(t, r.AddProvider(healthy))
	require.NoError(t, r.AddAlias("crash", "r_crashy"))
	require.NoError(t, r.Start(context.Background()))
	require.Len(t, r.ListTools(), 2)

	tr.Crash()

	// descriptors are gone, the sibling is untouched
	tools := r.ListTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "ok_echo", tools[0].Name)

	// the tool is still known, so the provider reports its own demise
	res := r.Call(context.Background(), "r_crashy", nil)
	require.False(t, res.Success)
	assert.Equal(t, provider.ErrProviderCrashed, res.ErrorKind)

	// aliases into a dead provider go stale instead
	res = r.Call(context.Background(), "crash", nil)
	require.False(t, res.Success)
	assert.Equal(t, provider.ErrToolNotFound, res.ErrorKind)

	// the provider record persists for inspection
	p, ok := r.Provider("r")
	require.True(t, ok)
	assert.Equal(t, provider.Dead, p.State())
}

func TestCloseStopsProviders(t *testing.T) {
	a := echoProvider(t, "a")
	b := echoProvider(t, "b")
	r := startedRegistry(t, a, b)

	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, provider.Stopped, a.State())
	assert.Equal(t, provider.Stopped, b.State())
}
