package local_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/local"
	"github.com/effective-security/toolgate/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greetArgs struct {
	Name  string `json:"name" jsonschema:"description=Who to greet"`
	Shout bool   `json:"shout,omitempty"`
}

type emptyArgs struct{}

func newGreetTool(t *testing.T) *local.Tool {
	t.Helper()
	tool, err := local.NewTool("greet", "Greet someone.",
		func(_ context.Context, in *greetArgs) (any, error) {
			if in.Name == "nobody" {
				return nil, errors.Errorf("nobody to greet")
			}
			out := "hello " + in.Name
			if in.Shout {
				out += "!"
			}
			return out, nil
		})
	require.NoError(t, err)
	return tool
}

func newStarted(t *testing.T, tools ...*local.Tool) *local.Provider {
	t.Helper()
	p := local.NewProvider("test")
	require.NoError(t, p.Register(tools...))
	require.NoError(t, p.Start(context.Background()))
	return p
}

func TestToolSchemaReflected(t *testing.T) {
	tool := newGreetTool(t)
	require.NotNil(t, tool.InputSchema)
	assert.Equal(t, []string{"name"}, tool.InputSchema.Required)
	assert.Equal(t, "string", tool.InputSchema.Properties["name"].Type)
	assert.Equal(t, "boolean", tool.InputSchema.Properties["shout"].Type)
}

func TestLifecycle(t *testing.T) {
	p := local.NewProvider("test")
	assert.Equal(t, provider.Unstarted, p.State())
	assert.Equal(t, provider.KindLocal, p.Kind())
	assert.Equal(t, provider.Pipelined, p.Concurrency())

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, provider.Ready, p.State())

	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, provider.Stopped, p.State())
}

func TestRegisterDuplicate(t *testing.T) {
	p := local.NewProvider("test")
	require.NoError(t, p.Register(newGreetTool(t)))
	err := p.Register(newGreetTool(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate tool name")
}

func TestToolsInRegistrationOrder(t *testing.T) {
	a, err := local.NewTool("alpha", "", func(_ context.Context, _ *emptyArgs) (any, error) { return "a", nil })
	require.NoError(t, err)
	b, err := local.NewTool("beta", "", func(_ context.Context, _ *emptyArgs) (any, error) { return "b", nil })
	require.NoError(t, err)

	p := newStarted(t, b, a)
	infos := p.Tools()
	require.Len(t, infos, 2)
	assert.Equal(t, "beta", infos[0].Name)
	assert.Equal(t, "alpha", infos[1].Name)
}

func TestCallSuccess(t *testing.T) {
	p := newStarted(t, newGreetTool(t))

	res := p.Call(context.Background(), "greet", json.RawMessage(`{"name":"world","shout":true}`))
	require.True(t, res.Success)
	assert.Equal(t, "hello world!", res.Content)
}

func TestCallMarshalsNonStringResults(t *testing.T) {
	tool, err := local.NewTool("count", "",
		func(_ context.Context, _ *emptyArgs) (any, error) {
			return map[string]int{"count": 3}, nil
		})
	require.NoError(t, err)

	p := newStarted(t, tool)
	res := p.Call(context.Background(), "count", nil)
	require.True(t, res.Success)
	assert.JSONEq(t, `{"count":3}`, res.Content)
}

func TestCallUnknownTool(t *testing.T) {
	p := newStarted(t, newGreetTool(t))

	res := p.Call(context.Background(), "missing", nil)
	require.False(t, res.Success)
	assert.Equal(t, provider.ErrToolNotFound, res.ErrorKind)
}

func TestCallValidationFailure(t *testing.T) {
	p := newStarted(t, newGreetTool(t))

	res := p.Call(context.Background(), "greet", json.RawMessage(`{"shout":"loud"}`))
	require.False(t, res.Success)
	assert.Equal(t, provider.ErrValidation, res.ErrorKind)
	assert.Contains(t, res.Message, "name: missing required field")
	assert.Contains(t, res.Message, "shout: expected boolean")
}

func TestCallHandlerError(t *testing.T) {
	p := newStarted(t, newGreetTool(t))

	res := p.Call(context.Background(), "greet", json.RawMessage(`{"name":"nobody"}`))
	require.False(t, res.Success)
	assert.Equal(t, provider.ErrApplication, res.ErrorKind)
	assert.Contains(t, res.Message, "nobody to greet")
}

func TestCallRecoversPanic(t *testing.T) {
	tool, err := local.NewTool("explode", "",
		func(_ context.Context, _ *emptyArgs) (any, error) {
			panic("kaboom")
		})
	require.NoError(t, err)

	p := newStarted(t, tool)
	res := p.Call(context.Background(), "explode", nil)
	require.False(t, res.Success)
	assert.Equal(t, provider.ErrApplication, res.ErrorKind)
	assert.Contains(t, res.Message, "kaboom")

	// the provider survives its tools' faults
	assert.Equal(t, provider.Ready, p.State())
}

func TestCloseRunsClosers(t *testing.T) {
	p := local.NewProvider("test")
	closed := false
	p.AddCloser(func() error {
		closed = true
		return nil
	})
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Close(context.Background()))
	assert.True(t, closed)
}
