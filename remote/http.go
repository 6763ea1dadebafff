package remote

import (
	"net/http"

	"github.com/effective-security/toolgate/provider"
	"github.com/effective-security/toolgate/transport/httptransport"
)

// HTTPOptions extend Options with endpoint settings.
type HTTPOptions struct {
	Options

	// Headers are attached to every request, e.g. Authorization.
	Headers map[string]string
	// Client overrides the default http.Client.
	Client *http.Client
}

// NewHTTPProvider builds an adapter over an HTTP endpoint. There is no
// process to reap; shutdown releases idle connections. Network failures
// surface as TransportError, malformed payloads as protocol errors.
func NewHTTPProvider(id, url string, opts HTTPOptions) *Adapter {
	tr := httptransport.New(url)
	if opts.Client != nil {
		tr = tr.WithHTTPClient(opts.Client)
	}
	for k, v := range opts.Headers {
		tr = tr.WithHeader(k, v)
	}

	return NewAdapter(id, provider.KindNetwork, tr, opts.Options)
}
