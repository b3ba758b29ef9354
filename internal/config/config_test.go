package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sessions.Timeout != DefaultSessionTimeout {
		t.Fatalf("expected session timeout %v, got %v", DefaultSessionTimeout, cfg.Sessions.Timeout)
	}
	if cfg.Sessions.CleanupInterval != 24*time.Hour {
		t.Fatalf("expected cleanup interval 24h, got %v", cfg.Sessions.CleanupInterval)
	}
	up := cfg.Upstream()
	if up.BaseURL != DefaultSpacedeckURL || up.APIToken != DefaultSpacedeckAPIToken || up.SessionMediated {
		t.Fatalf("unexpected local upstream: %+v", up)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whiteboard.yaml")
	contents := []byte(`
spacedeck:
  use_local: false
  base_url: https://deck.example.com/
  api_token: from-file
database:
  driver: postgres
`)
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("WB_SPACEDECK_API_TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("expected postgres driver, got %q", cfg.Database.Driver)
	}
	up := cfg.Upstream()
	if up.BaseURL != "https://deck.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", up.BaseURL)
	}
	if up.APIToken != "from-env" {
		t.Fatalf("expected env override, got %q", up.APIToken)
	}
	if !up.SessionMediated {
		t.Fatal("remote mode must be session mediated")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

type mapResolver map[string]string

func (m mapResolver) GetSecret(_ context.Context, name string) (string, error) {
	value, ok := m[name]
	if !ok {
		return "", errors.New("missing")
	}
	return value, nil
}

func TestResolveSecrets(t *testing.T) {
	cfg := Config{Secrets: SecretsConfig{
		JWTSecretParam: "/whiteboard/jwt-secret",
		APITokenParam:  "/whiteboard/spacedeck-api-token",
	}}
	resolver := mapResolver{
		"/whiteboard/jwt-secret":          "jwt",
		"/whiteboard/spacedeck-api-token": "token",
	}
	if err := cfg.ResolveSecrets(context.Background(), resolver); err != nil {
		t.Fatalf("ResolveSecrets() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "jwt" || cfg.Spacedeck.APIToken != "token" {
		t.Fatalf("secrets not applied: %+v", cfg)
	}

	cfg.Secrets.APITokenParam = "/whiteboard/unknown"
	if err := cfg.ResolveSecrets(context.Background(), resolver); err == nil {
		t.Fatal("expected error for unknown parameter")
	}
}
