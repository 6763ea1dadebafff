// Package stdiotransport runs one child-process tool server and frames
// JSON-RPC messages over its stdin/stdout as newline-delimited JSON.
//
// The transport exclusively owns the process handle and its pipes. The
// child's stderr is a diagnostic stream: it is drained into the log sink
// and never mixed into the message channel. The process is always reaped,
// whether it exits on its own or is terminated during Close.
package stdiotransport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/transport"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolgate", "stdiotransport")

// DefaultShutdownGrace is how long Close waits after closing stdin and
// again after SIGTERM before escalating.
const DefaultShutdownGrace = 3 * time.Second

// maxFrameSize bounds a single response frame.
const maxFrameSize = 16 * 1024 * 1024

// Transport spawns and owns one child-process tool server.
type Transport struct {
	command string
	args    []string
	env     []string
	dir     string

	needsWrapper  bool
	wrapperPath   string
	shutdownGrace time.Duration

	mu             sync.RWMutex
	writeMu        sync.Mutex
	stdin          io.WriteCloser
	cmd            *exec.Cmd
	messageHandler func(ctx context.Context, message *transport.Message)
	errorHandler   func(error)
	closeHandler   func()

	procExited chan struct{}
	closeOnce  sync.Once
	closedCh   chan struct{}
}

// New creates a transport for the given command. Start spawns it.
func New(command string, args ...string) *Transport {
	return &Transport{
		command:       command,
		args:          args,
		shutdownGrace: DefaultShutdownGrace,
		procExited:    make(chan struct{}),
		closedCh:      make(chan struct{}),
	}
}

// WithEnv sets the child's environment.
func (t *Transport) WithEnv(env []string) *Transport {
	t.env = env
	return t
}

// WithDir sets the child's working directory.
func (t *Transport) WithDir(dir string) *Transport {
	t.dir = dir
	return t
}

// WithCompatibilityWrapper launches the server through a minimal wrapper
// that primes it with a blank line before handing over the stream. Some
// servers never answer initialize until their startup banner is prompted
// and flushed; without the wrapper they hang indefinitely.
func (t *Transport) WithCompatibilityWrapper(enable bool) *Transport {
	t.needsWrapper = enable
	return t
}

// WithShutdownGrace overrides the per-stage shutdown grace period.
func (t *Transport) WithShutdownGrace(d time.Duration) *Transport {
	if d > 0 {
		t.shutdownGrace = d
	}
	return t
}

const wrapperScript = `#!/bin/sh
( printf '\n'; exec cat ) | exec "$@"
`

func (t *Transport) writeWrapper() (string, error) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("toolgate-wrap-%s.sh", uuid.NewString()))
	if err := os.WriteFile(path, []byte(wrapperScript), 0o700); err != nil {
		return "", errors.Wrap(err, "failed to write compatibility wrapper")
	}
	return path, nil
}

// Start implements transport.Transport: it spawns the child, binds the
// pipes and begins the read loops.
func (t *Transport) Start(ctx context.Context) error {
	var cmd *exec.Cmd
	if t.needsWrapper {
		path, err := t.writeWrapper()
		if err != nil {
			return err
		}
		t.wrapperPath = path
		argv := append([]string{path, t.command}, t.args...)
		cmd = exec.Command("/bin/sh", argv...)
	} else {
		cmd = exec.Command(t.command, t.args...)
	}
	if t.env != nil {
		cmd.Env = t.env
	}
	cmd.Dir = t.dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		t.removeWrapper()
		return errors.Wrapf(err, "failed to start %q", t.command)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.mu.Unlock()

	logger.KV(xlog.DEBUG, "command", t.command, "pid", cmd.Process.Pid)

	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go t.readLoop(ctx, stdout, stdoutDone)
	go t.stderrLoop(stderr, stderrDone)
	go t.reapLoop(cmd, stdoutDone, stderrDone)

	return nil
}

func (t *Transport) readLoop(ctx context.Context, stdout io.Reader, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := transport.Decode(line)
		if err != nil {
			t.reportError(errors.Wrap(err, "malformed frame"))
			continue
		}
		t.mu.RLock()
		handler := t.messageHandler
		t.mu.RUnlock()
		if handler != nil {
			handler(ctx, msg)
		}
	}
	if err := scanner.Err(); err != nil {
		t.reportError(errors.Wrap(err, "read failed"))
	}
}

func (t *Transport) stderrLoop(stderr io.Reader, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.KV(xlog.DEBUG, "command", t.command, "stderr", scanner.Text())
	}
}

// reapLoop waits for the pipes to drain, reaps the process and fires the
// close handler exactly once. This runs both for voluntary exit (crash
// detection) and for Close-initiated termination.
func (t *Transport) reapLoop(cmd *exec.Cmd, stdoutDone, stderrDone <-chan struct{}) {
	<-stdoutDone
	<-stderrDone
	err := cmd.Wait()
	if err != nil {
		logger.KV(xlog.DEBUG, "command", t.command, "exit", err.Error())
	}
	close(t.procExited)
	t.removeWrapper()

	t.mu.RLock()
	handler := t.closeHandler
	t.mu.RUnlock()
	if handler != nil {
		handler()
	}
}

func (t *Transport) reportError(err error) {
	t.mu.RLock()
	handler := t.errorHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

func (t *Transport) removeWrapper() {
	if t.wrapperPath != "" {
		_ = os.Remove(t.wrapperPath)
	}
}

// Send implements transport.Transport: one newline-terminated JSON frame
// per message. Writes are serialized so concurrent requests never
// interleave frames.
func (t *Transport) Send(ctx context.Context, message *transport.Message) error {
	t.mu.RLock()
	stdin := t.stdin
	t.mu.RUnlock()
	if stdin == nil {
		return errors.Errorf("not started")
	}

	bs, err := message.MarshalJSON()
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}
	bs = append(bs, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := stdin.Write(bs); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

// Close implements transport.Transport. It closes the child's stdin,
// waits a grace period for voluntary exit, terminates, waits again, then
// kills. The process is always reaped and wrapper artifacts removed.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		defer close(t.closedCh)

		t.mu.RLock()
		stdin := t.stdin
		cmd := t.cmd
		t.mu.RUnlock()

		if cmd == nil {
			return
		}
		if stdin != nil {
			_ = stdin.Close()
		}
		select {
		case <-t.procExited:
			return
		case <-time.After(t.shutdownGrace):
		}

		logger.KV(xlog.DEBUG, "command", t.command, "reason", "terminate after grace")
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-t.procExited:
			return
		case <-time.After(t.shutdownGrace):
		}

		logger.KV(xlog.WARNING, "command", t.command, "reason", "kill after grace")
		_ = cmd.Process.Kill()
		<-t.procExited
	})
	<-t.closedCh
	return nil
}

// SetMessageHandler implements transport.Transport.
func (t *Transport) SetMessageHandler(handler func(ctx context.Context, message *transport.Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

// SetErrorHandler implements transport.Transport.
func (t *Transport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetCloseHandler implements transport.Transport.
func (t *Transport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

var _ transport.Transport = (*Transport)(nil)
