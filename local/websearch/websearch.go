// Package websearch provides an in-process web search tool provider
// backed by the Tavily API.
package websearch

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	tavilygo "github.com/diverged/tavily-go"
	tavilyModels "github.com/diverged/tavily-go/models"
	"github.com/effective-security/toolgate/local"
)

// Options configure the provider.
type Options struct {
	// APIKey authenticates against Tavily; required.
	APIKey string
	// BaseURL overrides the API endpoint, used in tests.
	BaseURL string
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

type toolset struct {
	opts Options
}

// New builds a provider publishing a single search tool.
func New(id string, opts Options) (*local.Provider, error) {
	if opts.APIKey == "" {
		return nil, errors.Errorf("web search API key is not set")
	}

	ts := &toolset{opts: opts}
	search, err := local.NewTool("search",
		"Search the web and return an aggregated answer with source links.",
		ts.search)
	if err != nil {
		return nil, err
	}

	p := local.NewProvider(id)
	if err := p.Register(search); err != nil {
		return nil, err
	}
	return p, nil
}

type searchInput struct {
	Query string `json:"query" jsonschema:"description=The query to search the web for"`
}

func (ts *toolset) search(_ context.Context, in *searchInput) (any, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, errors.Errorf("query must not be empty")
	}

	client := tavilygo.NewClient(ts.opts.APIKey)
	if ts.opts.BaseURL != "" {
		client.BaseURL = ts.opts.BaseURL
	}
	if ts.opts.HTTPClient != nil {
		client.HTTPClient = ts.opts.HTTPClient
	}

	resp, err := tavilygo.Search(client, tavilyModels.SearchRequest{
		Query:         in.Query,
		SearchDepth:   "basic",
		IncludeAnswer: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "search failed")
	}

	var b strings.Builder
	if resp.Answer != "" {
		fmt.Fprintf(&b, "ANSWER: %s\n", resp.Answer)
	}
	for _, r := range resp.Results {
		fmt.Fprintf(&b, "- URL: %s\n", r.URL)
		fmt.Fprintf(&b, "  TITLE: %s\n", r.Title)
		fmt.Fprintf(&b, "  CONTENT: %s\n", r.Content)
	}
	if b.Len() == 0 {
		return "no results", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
