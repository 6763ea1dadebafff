package remote

import (
	"time"

	"github.com/effective-security/toolgate/provider"
	"github.com/effective-security/toolgate/transport/stdiotransport"
)

// StdioOptions extend Options with process spawn settings.
type StdioOptions struct {
	Options

	// Env entries are appended to the child's environment, KEY=VALUE.
	Env []string
	// Dir is the child's working directory; empty inherits ours.
	Dir string
	// CompatibilityWrapper primes the child with a leading newline for
	// servers that block on a startup banner prompt before speaking the
	// protocol.
	CompatibilityWrapper bool
	// ShutdownGrace overrides the per-stage wait during teardown before
	// escalating from stdin close to SIGTERM to kill.
	ShutdownGrace time.Duration
}

// NewStdioProvider builds an adapter that spawns command as a child
// process and speaks newline-delimited frames over its pipes.
func NewStdioProvider(id, command string, args []string, opts StdioOptions) *Adapter {
	tr := stdiotransport.New(command, args...).
		WithEnv(opts.Env).
		WithDir(opts.Dir).
		WithCompatibilityWrapper(opts.CompatibilityWrapper).
		WithShutdownGrace(opts.ShutdownGrace)
	return NewAdapter(id, provider.KindStdio, tr, opts.Options)
}
