// Package gittools provides an in-process git tool provider that shells
// out to the git binary. Every command runs inside a configured
// repository directory with a hard execution timeout.
package gittools

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/local"
)

// commandTimeout bounds a single git invocation.
const commandTimeout = 30 * time.Second

type toolset struct {
	repo string
}

// New builds a git provider for the repository at dir, publishing
// status, log, diff, add, commit and branch tools.
func New(id, dir string) (*local.Provider, error) {
	ts := &toolset{repo: dir}

	if _, err := ts.git(context.Background(), "rev-parse", "--git-dir"); err != nil {
		return nil, errors.Wrapf(err, "%q is not a git repository", dir)
	}

	status, err := local.NewTool("status",
		"Show the working tree status.",
		ts.status)
	if err != nil {
		return nil, err
	}
	log, err := local.NewTool("log",
		"Show recent commits.",
		ts.log)
	if err != nil {
		return nil, err
	}
	diff, err := local.NewTool("diff",
		"Show unstaged changes, or changes for a specific path.",
		ts.diff)
	if err != nil {
		return nil, err
	}
	add, err := local.NewTool("add",
		"Stage files for the next commit.",
		ts.add)
	if err != nil {
		return nil, err
	}
	commit, err := local.NewTool("commit",
		"Create a commit from the staged changes.",
		ts.commit)
	if err != nil {
		return nil, err
	}
	branch, err := local.NewTool("branch",
		"List branches, or create a new one.",
		ts.branch)
	if err != nil {
		return nil, err
	}

	p := local.NewProvider(id)
	if err := p.Register(status, log, diff, add, commit, branch); err != nil {
		return nil, err
	}
	return p, nil
}

func (ts *toolset) git(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = ts.repo

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", errors.Errorf("git %s timed out after %v", args[0], commandTimeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", errors.Errorf("git %s failed: %s", args[0], msg)
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

type statusInput struct{}

func (ts *toolset) status(ctx context.Context, _ *statusInput) (any, error) {
	out, err := ts.git(ctx, "status", "--short", "--branch")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return "clean working tree", nil
	}
	return out, nil
}

type logInput struct {
	MaxCount int `json:"max_count,omitempty" jsonschema:"description=Number of commits to show; defaults to 10"`
}

func (ts *toolset) log(ctx context.Context, in *logInput) (any, error) {
	n := in.MaxCount
	if n <= 0 {
		n = 10
	}
	return ts.git(ctx, "log", "--oneline", "-n", strconv.Itoa(n))
}

type diffInput struct {
	Path   string `json:"path,omitempty" jsonschema:"description=Limit the diff to this path"`
	Staged bool   `json:"staged,omitempty" jsonschema:"description=Show staged changes instead of unstaged ones"`
}

func (ts *toolset) diff(ctx context.Context, in *diffInput) (any, error) {
	args := []string{"diff"}
	if in.Staged {
		args = append(args, "--cached")
	}
	if in.Path != "" {
		args = append(args, "--", in.Path)
	}
	out, err := ts.git(ctx, args...)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return "no changes", nil
	}
	return out, nil
}

type addInput struct {
	Paths []string `json:"paths" jsonschema:"description=Files to stage"`
}

func (ts *toolset) add(ctx context.Context, in *addInput) (any, error) {
	if len(in.Paths) == 0 {
		return nil, errors.Errorf("paths must not be empty")
	}
	args := append([]string{"add", "--"}, in.Paths...)
	if _, err := ts.git(ctx, args...); err != nil {
		return nil, err
	}
	return "staged " + strings.Join(in.Paths, ", "), nil
}

type commitInput struct {
	Message string `json:"message" jsonschema:"description=Commit message"`
}

func (ts *toolset) commit(ctx context.Context, in *commitInput) (any, error) {
	if strings.TrimSpace(in.Message) == "" {
		return nil, errors.Errorf("message must not be empty")
	}
	if _, err := ts.git(ctx, "commit", "-m", in.Message); err != nil {
		return nil, err
	}
	return ts.git(ctx, "log", "--oneline", "-n", "1")
}

type branchInput struct {
	Create string `json:"create,omitempty" jsonschema:"description=Name of a branch to create; empty lists branches"`
}

func (ts *toolset) branch(ctx context.Context, in *branchInput) (any, error) {
	if in.Create != "" {
		if _, err := ts.git(ctx, "branch", in.Create); err != nil {
			return nil, err
		}
		return "created branch " + in.Create, nil
	}
	return ts.git(ctx, "branch", "--list")
}
