package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Identity.Audience != "tabula-bff" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if len(cfg.Specs.Sources) != 1 {
		t.Errorf("Specs.Sources = %d entries, want 1", len(cfg.Specs.Sources))
	}

	svc, ok := cfg.Services["customers-svc"]
	if !ok {
		t.Fatal("Services[customers-svc] not found")
	}
	if svc.Timeout != 10*time.Second {
		t.Errorf("customers-svc.Timeout = %v, want 10s", svc.Timeout)
	}
	if svc.Auth.Strategy != AuthClientCredentials {
		t.Errorf("customers-svc.Auth.Strategy = %q, want %q", svc.Auth.Strategy, AuthClientCredentials)
	}
	if len(svc.Auth.Scopes) != 2 {
		t.Errorf("customers-svc.Auth.Scopes = %v, want 2 entries", svc.Auth.Scopes)
	}
	if svc.Retry.BackoffMax != 2*time.Second {
		t.Errorf("customers-svc.Retry.BackoffMax = %v, want 2s", svc.Retry.BackoffMax)
	}

	if cfg.Lists.SearchDebounce != 250*time.Millisecond {
		t.Errorf("Lists.SearchDebounce = %v, want 250ms", cfg.Lists.SearchDebounce)
	}
	if cfg.Lists.DefaultPerPage != 25 {
		t.Errorf("Lists.DefaultPerPage = %d, want default 25", cfg.Lists.DefaultPerPage)
	}
	if cfg.Layout.Driver != LayoutDriverRedis {
		t.Errorf("Layout.Driver = %q, want redis", cfg.Layout.Driver)
	}
	if cfg.Export.RateLimit != 5 {
		t.Errorf("Export.RateLimit = %d, want 5", cfg.Export.RateLimit)
	}
	if cfg.Export.RateWindow != time.Minute {
		t.Errorf("Export.RateWindow = %v, want default 1m", cfg.Export.RateWindow)
	}
}

func TestLoad_missing_file(t *testing.T) {
	if _, err := Load("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
	for _, want := range []string{"identity.issuer", "identity.jwks_url", "identity.audience"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoad_unknown_layout_driver(t *testing.T) {
	_, err := Load("testdata/bad_driver.yaml")
	if err == nil || !strings.Contains(err.Error(), "layout.driver") {
		t.Fatalf("Load() error = %v, want layout.driver error", err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Lists.SearchDebounce != 300*time.Millisecond {
		t.Errorf("default Lists.SearchDebounce = %v, want 300ms", cfg.Lists.SearchDebounce)
	}
	if cfg.Layout.Driver != LayoutDriverMemory {
		t.Errorf("default Layout.Driver = %q, want memory", cfg.Layout.Driver)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TABULA_SERVER_PORT", "3000")
	t.Setenv("TABULA_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("TABULA_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("TABULA_OBSERVABILITY_LOG_LEVEL", "error")
	t.Setenv("TABULA_LAYOUT_DRIVER", "postgres")
	t.Setenv("TABULA_LISTS_SEARCH_DEBOUNCE", "500ms")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
	if cfg.Layout.Driver != LayoutDriverPostgres {
		t.Errorf("Layout.Driver = %q, want postgres (env override)", cfg.Layout.Driver)
	}
	if cfg.Lists.SearchDebounce != 500*time.Millisecond {
		t.Errorf("Lists.SearchDebounce = %v, want 500ms (env override)", cfg.Lists.SearchDebounce)
	}
}

func validConfig() *Config {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
	cfg.Identity.Audience = "tabula-bff"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "port 0", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "zero debounce", mutate: func(c *Config) { c.Lists.SearchDebounce = 0 }, wantErr: "lists.search_debounce"},
		{name: "bad timezone", mutate: func(c *Config) { c.Lists.Timezone = "Mars/Olympus" }, wantErr: "lists.timezone"},
		{
			name: "service without base url",
			mutate: func(c *Config) {
				c.Services = map[string]ServiceConfig{"trips-svc": {}}
			},
			wantErr: "services.trips-svc.base_url",
		},
		{
			name: "client credentials without endpoint",
			mutate: func(c *Config) {
				c.Services = map[string]ServiceConfig{"trips-svc": {
					BaseURL: "https://trips.internal",
					Auth:    ServiceAuthConfig{Strategy: AuthClientCredentials, ClientID: "tabula"},
				}}
			},
			wantErr: "requires client_id and token_endpoint",
		},
		{
			name: "unknown strategy",
			mutate: func(c *Config) {
				c.Services = map[string]ServiceConfig{"trips-svc": {
					BaseURL: "https://trips.internal",
					Auth:    ServiceAuthConfig{Strategy: "basic"},
				}}
			},
			wantErr: "not supported",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
