package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"whiteboard/api/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Database: config.DatabaseConfig{
			Driver:        "sqlite",
			URL:           filepath.Join(dir, "wb.db"),
			MigrationsDir: "../../db/migrations",
		},
		Documents: config.DocumentsConfig{Backend: "fs", Dir: filepath.Join(dir, "documents")},
		Spacedeck: config.SpacedeckConfig{
			UseLocal:       true,
			StorageBackend: "fs",
			StorageDir:     filepath.Join(dir, "storage"),
		},
		Auth: config.AuthConfig{CookieName: "wb_token"},
	}
}

func TestBuildLocalMode(t *testing.T) {
	c, err := Build(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer c.Close()

	if c.Upstream.SessionMediated || c.Upstream.BaseURL != config.DefaultSpacedeckURL {
		t.Fatalf("unexpected upstream %+v", c.Upstream)
	}
	if c.Reconciler == nil {
		t.Fatalf("local mode should reconcile storage")
	}
	if c.Launcher != nil {
		t.Fatalf("no launcher without an app data dir")
	}

	server := NewHTTPServer(c.Service(), "*", testSecret, "wb_token")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d %s", rr.Code, rr.Body.String())
	}

	// Reconciliation depends on a running Spacedeck; the sweep does not.
	if report, _ := c.Cleanup.RunOnce(context.Background()); report == nil {
		t.Fatalf("expected the session sweep to report")
	}
}

func TestBuildRemoteMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Spacedeck.UseLocal = false

	if _, err := Build(context.Background(), cfg); err == nil {
		t.Fatalf("expected missing base url to fail")
	}

	cfg.Spacedeck.BaseURL = "https://deck.example/"
	cfg.Spacedeck.APIToken = "secret"
	c, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer c.Close()
	if !c.Upstream.SessionMediated || c.Upstream.BaseURL != "https://deck.example" {
		t.Fatalf("unexpected upstream %+v", c.Upstream)
	}
	if c.Reconciler != nil {
		t.Fatalf("remote mode must not touch spacedeck storage")
	}
}
