// Package config loads the gateway configuration: which tool servers to
// launch or connect to, their timeout budgets, and the alias table.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolgate/local/fstools"
	"github.com/effective-security/toolgate/local/gittools"
	"github.com/effective-security/toolgate/local/sqltools"
	"github.com/effective-security/toolgate/local/websearch"
	"github.com/effective-security/toolgate/provider"
	"github.com/effective-security/toolgate/registry"
	"github.com/effective-security/toolgate/remote"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Transport names accepted in provider entries.
const (
	TransportLocal   = "local"
	TransportStdio   = "stdio"
	TransportNetwork = "network"
)

// Toolset names accepted for local providers.
const (
	ToolsetFS        = "fs"
	ToolsetSQLite    = "sqlite"
	ToolsetGit       = "git"
	ToolsetWebSearch = "websearch"
)

// Provider describes one tool server: an in-process toolset, a spawned
// stdio server or a network endpoint.
type Provider struct {
	// ID becomes the namespace prefix for the server's tools.
	ID        string `yaml:"id" validate:"required,max=64"`
	Transport string `yaml:"transport" validate:"required,oneof=local stdio network"`

	// Toolset selects the in-process tools of a local provider.
	Toolset string `yaml:"toolset,omitempty" validate:"omitempty,oneof=fs sqlite git websearch"`
	// Root confines the fs toolset and locates the git repository.
	Root string `yaml:"root,omitempty"`
	// Ignore lists path-segment globs skipped by fs listings.
	Ignore []string `yaml:"ignore,omitempty"`
	// DBPath locates the sqlite database file.
	DBPath string `yaml:"db_path,omitempty"`
	// APIKey authenticates the websearch toolset.
	APIKey string `yaml:"api_key,omitempty"`

	// Command and Args spawn a stdio server.
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	Env     []string `yaml:"env,omitempty"`
	Dir     string   `yaml:"dir,omitempty"`
	// CompatibilityWrapper primes servers that wait for a banner prompt.
	CompatibilityWrapper bool `yaml:"compatibility_wrapper,omitempty"`

	// URL points at a network server.
	URL     string            `yaml:"url,omitempty" validate:"omitempty,url"`
	Headers map[string]string `yaml:"headers,omitempty"`

	HandshakeTimeoutMs      int  `yaml:"handshake_timeout_ms,omitempty" validate:"gte=0"`
	InvocationTimeoutMs     int  `yaml:"invocation_timeout_ms,omitempty" validate:"gte=0"`
	ConsecutiveTimeoutLimit int  `yaml:"consecutive_timeout_limit,omitempty" validate:"gte=0"`
	Pipelined               bool `yaml:"pipelined,omitempty"`

	// Tools restricts registration to the listed raw names. Empty
	// registers everything the server advertises.
	Tools []string `yaml:"tools,omitempty"`
}

// Config is the root document.
type Config struct {
	Providers []Provider `yaml:"providers" validate:"required,min=1,dive"`
	// Aliases map alternate published names to qualified tool names,
	// e.g. codesearch: exa_get_code_context.
	Aliases map[string]string `yaml:"aliases,omitempty"`
}

var validate = validator.New()

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %q", path)
	}
	cfg, err := Parse(body)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid config %q", path)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML configuration document.
func Parse(body []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML")
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, errors.Wrap(err, "validation failed")
	}

	seen := map[string]bool{}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if strings.ContainsAny(p.ID, " \t") {
			return nil, errors.Errorf("provider id %q must not contain whitespace", p.ID)
		}
		if seen[p.ID] {
			return nil, errors.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true

		switch p.Transport {
		case TransportLocal:
			if p.Toolset == "" {
				return nil, errors.Errorf("provider %q: local transport requires toolset", p.ID)
			}
			if p.Command != "" || p.URL != "" {
				return nil, errors.Errorf("provider %q: command and url are not valid for local transport", p.ID)
			}
			switch p.Toolset {
			case ToolsetFS, ToolsetGit:
				if p.Root == "" {
					return nil, errors.Errorf("provider %q: toolset %q requires root", p.ID, p.Toolset)
				}
			case ToolsetSQLite:
				if p.DBPath == "" {
					return nil, errors.Errorf("provider %q: toolset sqlite requires db_path", p.ID)
				}
			case ToolsetWebSearch:
				if p.APIKey == "" {
					return nil, errors.Errorf("provider %q: toolset websearch requires api_key", p.ID)
				}
			}
		case TransportStdio:
			if p.Command == "" {
				return nil, errors.Errorf("provider %q: stdio transport requires command", p.ID)
			}
			if p.URL != "" {
				return nil, errors.Errorf("provider %q: url is not valid for stdio transport", p.ID)
			}
		case TransportNetwork:
			if p.URL == "" {
				return nil, errors.Errorf("provider %q: network transport requires url", p.ID)
			}
			if p.Command != "" || p.CompatibilityWrapper {
				return nil, errors.Errorf("provider %q: process settings are not valid for network transport", p.ID)
			}
		}
	}

	for alias, target := range cfg.Aliases {
		if alias == "" || target == "" {
			return nil, errors.Errorf("alias entries must have non-empty name and target")
		}
	}
	return &cfg, nil
}

func (p *Provider) options() remote.Options {
	return remote.Options{
		HandshakeTimeout:        time.Duration(p.HandshakeTimeoutMs) * time.Millisecond,
		InvocationTimeout:       time.Duration(p.InvocationTimeoutMs) * time.Millisecond,
		ConsecutiveTimeoutLimit: p.ConsecutiveTimeoutLimit,
		Pipelined:               p.Pipelined,
		AllowedTools:            p.Tools,
	}
}

// Build constructs the provider for one entry.
func (p *Provider) Build() (provider.Provider, error) {
	switch p.Transport {
	case TransportLocal:
		switch p.Toolset {
		case ToolsetFS:
			return fstools.New(p.ID, p.Root, fstools.Options{IgnorePatterns: p.Ignore})
		case ToolsetSQLite:
			return sqltools.New(p.ID, p.DBPath)
		case ToolsetGit:
			return gittools.New(p.ID, p.Root)
		case ToolsetWebSearch:
			return websearch.New(p.ID, websearch.Options{APIKey: p.APIKey})
		default:
			return nil, errors.Errorf("provider %q: unsupported toolset %q", p.ID, p.Toolset)
		}
	case TransportStdio:
		return remote.NewStdioProvider(p.ID, p.Command, p.Args, remote.StdioOptions{
			Options:              p.options(),
			Env:                  p.Env,
			Dir:                  p.Dir,
			CompatibilityWrapper: p.CompatibilityWrapper,
		}), nil
	case TransportNetwork:
		return remote.NewHTTPProvider(p.ID, p.URL, remote.HTTPOptions{
			Options: p.options(),
			Headers: p.Headers,
		}), nil
	default:
		return nil, errors.Errorf("provider %q: unsupported transport %q", p.ID, p.Transport)
	}
}

// Apply populates a registry with every configured provider and alias.
// The registry still needs Start to launch the servers.
func (c *Config) Apply(r *registry.Registry) error {
	for i := range c.Providers {
		p, err := c.Providers[i].Build()
		if err != nil {
			return err
		}
		if err := r.AddProvider(p); err != nil {
			return err
		}
	}
	for alias, target := range c.Aliases {
		if err := r.AddAlias(alias, target); err != nil {
			return err
		}
	}
	return nil
}
