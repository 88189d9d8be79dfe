package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Address != ":3000" {
		t.Errorf("address = %q", cfg.Server.Address)
	}
	if cfg.WhatsApp.DeviceName == "" {
		t.Error("expected a default device name")
	}
	if !cfg.Access.AllowAllWhenEmpty {
		t.Error("empty whitelist should default to allow-all")
	}
	if !cfg.Access.IgnoreSelf {
		t.Error("ignore_self should default on")
	}
	if cfg.Snapshots.Enabled {
		t.Error("snapshots should default off")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "valvewatch.yaml")
	content := `
server:
  address: ":8080"
access:
  whitelist:
    - "5511999999999"
  ignore_self: false
gemini:
  model: gemini-1.5-pro
snapshots:
  enabled: true
  base_dir: /tmp/snaps
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Address != ":8080" {
		t.Errorf("address = %q", cfg.Server.Address)
	}
	if len(cfg.Access.Whitelist) != 1 || cfg.Access.Whitelist[0] != "5511999999999" {
		t.Errorf("whitelist = %v", cfg.Access.Whitelist)
	}
	if cfg.Access.IgnoreSelf {
		t.Error("ignore_self should be overridden off")
	}
	if cfg.Gemini.Model != "gemini-1.5-pro" {
		t.Errorf("model = %q", cfg.Gemini.Model)
	}
	if !cfg.Snapshots.Enabled || cfg.Snapshots.BaseDir != "/tmp/snaps" {
		t.Errorf("snapshots = %+v", cfg.Snapshots)
	}
	// Untouched sections keep their defaults.
	if cfg.WhatsApp.SessionDir == "" {
		t.Error("whatsapp defaults should survive a partial file")
	}
}

func TestLoadMissingFileIsFine(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Server.Address != ":3000" {
		t.Errorf("expected defaults, got address %q", cfg.Server.Address)
	}
}

func TestLoadBadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("GEMINI_MODEL", "gemini-2.0-flash")
	t.Setenv("VALVEWATCH_WHITELIST", " 5511999999999, 5511888888888 ,")
	t.Setenv("RENDER_EXTERNAL_HOSTNAME", "valvewatch.onrender.com")
	t.Setenv("VALVEWATCH_SESSION_DIR", "/data/sessions")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Address != ":9090" {
		t.Errorf("address = %q", cfg.Server.Address)
	}
	if cfg.Gemini.APIKey != "test-key" {
		t.Errorf("api key = %q", cfg.Gemini.APIKey)
	}
	if cfg.Gemini.Model != "gemini-2.0-flash" {
		t.Errorf("model = %q", cfg.Gemini.Model)
	}
	if len(cfg.Access.Whitelist) != 2 {
		t.Errorf("whitelist = %v", cfg.Access.Whitelist)
	}
	if cfg.Server.ExternalURL != "https://valvewatch.onrender.com" {
		t.Errorf("external url = %q", cfg.Server.ExternalURL)
	}
	if cfg.WhatsApp.SessionDir != "/data/sessions" {
		t.Errorf("session dir = %q", cfg.WhatsApp.SessionDir)
	}
}

func TestExternalURLPrecedence(t *testing.T) {
	t.Setenv("EXTERNAL_URL", "https://example.com/")
	t.Setenv("RENDER_EXTERNAL_HOSTNAME", "ignored.onrender.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.ExternalURL != "https://example.com" {
		t.Errorf("external url = %q", cfg.Server.ExternalURL)
	}
}
