// Package fstools provides an in-process file system tool provider.
// Every path argument is resolved inside a configured root directory;
// escapes via .. or absolute paths are rejected before any I/O happens.
package fstools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/local"
)

// Options configure the provider.
type Options struct {
	// IgnorePatterns are path-segment globs skipped by list_files,
	// e.g. ".git" or "node_modules". Matching uses filepath.Match per
	// segment.
	IgnorePatterns []string
}

type toolset struct {
	root   string
	ignore []string
}

// New builds a filesystem provider rooted at dir, publishing read_file,
// write_file, list_files and delete_file.
func New(id, dir string, opts Options) (*local.Provider, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve root %q", dir)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat root %q", root)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("root %q is not a directory", root)
	}

	ts := &toolset{root: root, ignore: opts.IgnorePatterns}

	readFile, err := local.NewTool("read_file",
		"Read the contents of a file under the configured root.",
		ts.readFile)
	if err != nil {
		return nil, err
	}
	writeFile, err := local.NewTool("write_file",
		"Write content to a file under the configured root, creating parent directories as needed.",
		ts.writeFile)
	if err != nil {
		return nil, err
	}
	listFiles, err := local.NewTool("list_files",
		"List files under a directory in the configured root.",
		ts.listFiles)
	if err != nil {
		return nil, err
	}
	deleteFile, err := local.NewTool("delete_file",
		"Delete a file under the configured root.",
		ts.deleteFile)
	if err != nil {
		return nil, err
	}

	p := local.NewProvider(id)
	if err := p.Register(readFile, writeFile, listFiles, deleteFile); err != nil {
		return nil, err
	}
	return p, nil
}

// resolve confines a relative path to the root.
func (ts *toolset) resolve(rel string) (string, error) {
	if rel == "" {
		return "", errors.Errorf("path must not be empty")
	}
	if filepath.IsAbs(rel) {
		return "", errors.Errorf("path %q must be relative to the root", rel)
	}
	full := filepath.Join(ts.root, filepath.Clean(rel))
	if full != ts.root && !strings.HasPrefix(full, ts.root+string(filepath.Separator)) {
		return "", errors.Errorf("path %q escapes the root", rel)
	}
	return full, nil
}

func (ts *toolset) ignored(name string) bool {
	for _, pat := range ts.ignore {
		if ok, _ := filepath.Match(pat, name); ok {
			return true
		}
	}
	return false
}

type readFileInput struct {
	Path string `json:"path" jsonschema:"description=File path relative to the root"`
}

func (ts *toolset) readFile(_ context.Context, in *readFileInput) (any, error) {
	full, err := ts.resolve(in.Path)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(full)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", in.Path)
	}
	return string(body), nil
}

type writeFileInput struct {
	Path    string `json:"path" jsonschema:"description=File path relative to the root"`
	Content string `json:"content" jsonschema:"description=Content to write"`
}

func (ts *toolset) writeFile(_ context.Context, in *writeFileInput) (any, error) {
	full, err := ts.resolve(in.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create parent of %q", in.Path)
	}
	if err := os.WriteFile(full, []byte(in.Content), 0o644); err != nil {
		return nil, errors.Wrapf(err, "failed to write %q", in.Path)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path), nil
}

type listFilesInput struct {
	Path      string `json:"path,omitempty" jsonschema:"description=Directory relative to the root; defaults to the root itself"`
	Recursive bool   `json:"recursive,omitempty" jsonschema:"description=Descend into subdirectories"`
}

func (ts *toolset) listFiles(_ context.Context, in *listFilesInput) (any, error) {
	rel := in.Path
	if rel == "" {
		rel = "."
	}
	full, err := ts.resolve(rel)
	if err != nil {
		return nil, err
	}

	var names []string
	if in.Recursive {
		err = filepath.WalkDir(full, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ts.ignored(d.Name()) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if path == full || d.IsDir() {
				return nil
			}
			r, _ := filepath.Rel(ts.root, path)
			names = append(names, filepath.ToSlash(r))
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to walk %q", rel)
		}
	} else {
		entries, err := os.ReadDir(full)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list %q", rel)
		}
		for _, e := range entries {
			if ts.ignored(e.Name()) {
				continue
			}
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "no files", nil
	}
	return strings.Join(names, "\n"), nil
}

type deleteFileInput struct {
	Path string `json:"path" jsonschema:"description=File path relative to the root"`
}

func (ts *toolset) deleteFile(_ context.Context, in *deleteFileInput) (any, error) {
	full, err := ts.resolve(in.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat %q", in.Path)
	}
	if info.IsDir() {
		return nil, errors.Errorf("%q is a directory, not a file", in.Path)
	}
	if err := os.Remove(full); err != nil {
		return nil, errors.Wrapf(err, "failed to delete %q", in.Path)
	}
	return "deleted " + in.Path, nil
}
