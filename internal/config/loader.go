// Package config loads mcpgate's YAML configuration file: the set of
// downstream servers to connect on startup, the upstream OAuth
// authorization server to proxy, and the HTTP listener settings. There
// is no backing store to seed or reconcile against (spec.md's
// Non-goals exclude a persistent store), so, unlike the teacher's
// config package, Parse/LoadFile produce a value consumed directly by
// cmd/mcpgate rather than upserted into a database.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the top-level mcpgate.yaml structure.
type FileConfig struct {
	DownstreamServers []DownstreamServerConfig `yaml:"downstream_servers"`
	OAuth             *OAuthProxyConfig        `yaml:"oauth,omitempty"`
	HTTP              HTTPConfig               `yaml:"http"`
	LogLevel          string                   `yaml:"log_level,omitempty"`
}

// DownstreamServerConfig describes one server the aggregator connects
// to at startup.
type DownstreamServerConfig struct {
	Name           string   `yaml:"name"`
	Transport      string   `yaml:"transport"` // "stdio" or "http"
	Command        string   `yaml:"command,omitempty"`
	Args           []string `yaml:"args,omitempty"`
	Env            []string `yaml:"env,omitempty"`
	URL            string   `yaml:"url,omitempty"`
	IdleTimeoutSec int      `yaml:"idle_timeout_sec,omitempty"`
}

// OAuthProxyConfig configures internal/oauthproxy against a real
// upstream authorization server.
type OAuthProxyConfig struct {
	BaseURL               string   `yaml:"base_url"`
	UpstreamIssuer        string   `yaml:"upstream_issuer"`
	UpstreamAuthorizeURL  string   `yaml:"upstream_authorize_url"`
	UpstreamTokenURL      string   `yaml:"upstream_token_url"`
	UpstreamIntrospectURL string   `yaml:"upstream_introspect_url,omitempty"`
	UpstreamRevokeURL     string   `yaml:"upstream_revoke_url,omitempty"`
	UpstreamClientIDEnv   string   `yaml:"upstream_client_id_env"`
	UpstreamSecretEnv     string   `yaml:"upstream_secret_env"`
	StateSigningKeyEnv    string   `yaml:"state_signing_key_env"`
	AllowedScopes         []string `yaml:"allowed_scopes,omitempty"`
	ScopesSupported       []string `yaml:"scopes_supported,omitempty"`
}

// HTTPConfig configures the HTTP server transport's listener.
type HTTPConfig struct {
	Addr               string        `yaml:"addr"`
	ManagementTokenEnv string        `yaml:"management_token_env,omitempty"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout,omitempty"`
	RequiredScopes     []string      `yaml:"required_scopes,omitempty"`
}

// LoadFile reads, parses, and validates a YAML config file.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates YAML config data, applying defaults.
func Parse(data []byte) (*FileConfig, error) {
	cfg := FileConfig{
		HTTP: HTTPConfig{Addr: ":8080", SessionIdleTimeout: 30 * time.Minute},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.SessionIdleTimeout == 0 {
		cfg.HTTP.SessionIdleTimeout = 30 * time.Minute
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
