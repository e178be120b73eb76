package config

import (
	"fmt"
	"strings"
)

// ValidationError holds all validation failures for a config file.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: %s", strings.Join(e.Errors, "; "))
}

// validate checks the parsed config for correctness.
func validate(cfg *FileConfig) error {
	var errs []string

	names := make(map[string]bool, len(cfg.DownstreamServers))
	for i, ds := range cfg.DownstreamServers {
		if ds.Name == "" {
			errs = append(errs, fmt.Sprintf("downstream_servers[%d]: name is required", i))
		}
		if names[ds.Name] {
			errs = append(errs, fmt.Sprintf("downstream_servers[%d]: duplicate name %q", i, ds.Name))
		}
		names[ds.Name] = true

		if err := validateTransport(ds.Transport); err != nil {
			errs = append(errs, fmt.Sprintf("downstream_servers[%d]: %v", i, err))
		}
		switch ds.Transport {
		case "stdio":
			if ds.Command == "" {
				errs = append(errs, fmt.Sprintf("downstream_servers[%d]: command is required for stdio transport", i))
			}
		case "http":
			if ds.URL == "" {
				errs = append(errs, fmt.Sprintf("downstream_servers[%d]: url is required for http transport", i))
			}
		}
	}

	if cfg.OAuth != nil {
		if cfg.OAuth.BaseURL == "" {
			errs = append(errs, "oauth.base_url is required when oauth is configured")
		}
		if cfg.OAuth.UpstreamAuthorizeURL == "" || cfg.OAuth.UpstreamTokenURL == "" {
			errs = append(errs, "oauth.upstream_authorize_url and oauth.upstream_token_url are required when oauth is configured")
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func validateTransport(t string) error {
	switch t {
	case "stdio", "http":
		return nil
	default:
		return fmt.Errorf("invalid transport %q (must be stdio or http)", t)
	}
}
