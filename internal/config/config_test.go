package config

import "testing"

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`downstream_servers: []`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("expected default addr, got %q", cfg.HTTP.Addr)
	}
}

func TestParseRejectsDuplicateNames(t *testing.T) {
	_, err := Parse([]byte(`
downstream_servers:
  - name: weather
    transport: stdio
    command: weather-server
  - name: weather
    transport: stdio
    command: weather-server
`))
	if err == nil {
		t.Fatal("expected a validation error for duplicate names")
	}
}

func TestParseRejectsMissingCommandForStdio(t *testing.T) {
	_, err := Parse([]byte(`
downstream_servers:
  - name: weather
    transport: stdio
`))
	if err == nil {
		t.Fatal("expected a validation error for missing command")
	}
}

func TestParseRejectsIncompleteOAuthConfig(t *testing.T) {
	_, err := Parse([]byte(`
oauth:
  base_url: https://gateway.example.com
`))
	if err == nil {
		t.Fatal("expected a validation error for incomplete oauth config")
	}
}
