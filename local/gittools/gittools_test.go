package gittools_test

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/effective-security/toolgate/local"
	"github.com/effective-security/toolgate/local/gittools"
	"github.com/effective-security/toolgate/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gitOrSkip(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func newRepo(t *testing.T) (*local.Provider, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	dir := t.TempDir()
	gitOrSkip(t, dir, "init")
	gitOrSkip(t, dir, "config", "user.name", "test")
	gitOrSkip(t, dir, "config", "user.email", "test@example.com")

	p, err := gittools.New("git", dir)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	return p, dir
}

func TestNewRejectsNonRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	_, err := gittools.New("git", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a git repository")
}

func TestStatusCleanAndDirty(t *testing.T) {
	p, dir := newRepo(t)

	res := p.Call(context.Background(), "status", json.RawMessage(`{}`))
	require.True(t, res.Success, res.Message)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644))
	res = p.Call(context.Background(), "status", json.RawMessage(`{}`))
	require.True(t, res.Success)
	assert.Contains(t, res.Content, "new.txt")
}

func TestAddCommitLog(t *testing.T) {
	p, dir := newRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one"), 0o644))

	res := p.Call(context.Background(), "add", json.RawMessage(`{"paths":["a.txt"]}`))
	require.True(t, res.Success, res.Message)

	res = p.Call(context.Background(), "commit", json.RawMessage(`{"message":"add a.txt"}`))
	require.True(t, res.Success, res.Message)
	assert.Contains(t, res.Content, "add a.txt")

	res = p.Call(context.Background(), "log", json.RawMessage(`{}`))
	require.True(t, res.Success)
	assert.Contains(t, res.Content, "add a.txt")
}

func TestCommitRequiresMessage(t *testing.T) {
	p, _ := newRepo(t)

	res := p.Call(context.Background(), "commit", json.RawMessage(`{"message":"  "}`))
	require.False(t, res.Success)
	assert.Equal(t, provider.ErrApplication, res.ErrorKind)

	// missing field is caught by validation, not the handler
	res = p.Call(context.Background(), "commit", json.RawMessage(`{}`))
	require.False(t, res.Success)
	assert.Equal(t, provider.ErrValidation, res.ErrorKind)
}

func TestDiff(t *testing.T) {
	p, dir := newRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0o644))
	require.True(t, p.Call(context.Background(), "add", json.RawMessage(`{"paths":["a.txt"]}`)).Success)
	require.True(t, p.Call(context.Background(), "commit", json.RawMessage(`{"message":"base"}`)).Success)

	res := p.Call(context.Background(), "diff", json.RawMessage(`{}`))
	require.True(t, res.Success)
	assert.Equal(t, "no changes", res.Content)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("two\n"), 0o644))
	res = p.Call(context.Background(), "diff", json.RawMessage(`{"path":"a.txt"}`))
	require.True(t, res.Success)
	assert.Contains(t, res.Content, "-one")
	assert.Contains(t, res.Content, "+two")
}

func TestBranch(t *testing.T) {
	p, dir := newRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	require.True(t, p.Call(context.Background(), "add", json.RawMessage(`{"paths":["a.txt"]}`)).Success)
	require.True(t, p.Call(context.Background(), "commit", json.RawMessage(`{"message":"base"}`)).Success)

	res := p.Call(context.Background(), "branch", json.RawMessage(`{"create":"feature"}`))
	require.True(t, res.Success, res.Message)

	res = p.Call(context.Background(), "branch", json.RawMessage(`{}`))
	require.True(t, res.Success)
	assert.Contains(t, res.Content, "feature")
}
