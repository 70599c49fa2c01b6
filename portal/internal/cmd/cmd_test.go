package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/covenant-hub/covenant/portal/internal/config"
)

func TestVersionCommand(t *testing.T) {
	root := NewRootCmd("1.2.3")
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out.String()); got != "covenant-portal 1.2.3" {
		t.Errorf("version output = %q", got)
	}
}

func TestInitDefaultsWritesLoadableConfig(t *testing.T) {
	t.Setenv(config.EnvJWTSecret, "")
	t.Setenv(config.EnvDatabaseDSN, "")
	t.Setenv(config.EnvStripeSecretKey, "")
	t.Setenv(config.EnvStripeWebhookSecret, "")

	path := filepath.Join(t.TempDir(), "portal.json")
	root := NewRootCmd("test")
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"init", "--defaults", "-o", path})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if _, err := config.Load(path); err != nil {
		t.Errorf("config does not load: %v", err)
	}
}

func TestStreaksCommand(t *testing.T) {
	t.Setenv(config.EnvJWTSecret, "")
	t.Setenv(config.EnvDatabaseDSN, "")

	dir := t.TempDir()
	path := filepath.Join(dir, "portal.json")
	cfgJSON := `{
  "server": {"addr": ":0"},
  "auth": {"jwt_secret": "streaks-command-test-secret-32-chars!!"},
  "storage": {"driver": "sqlite", "dsn": "` + filepath.ToSlash(filepath.Join(dir, "portal.db")) + `"}
}`
	if err := os.WriteFile(path, []byte(cfgJSON), 0600); err != nil {
		t.Fatal(err)
	}

	root := NewRootCmd("test")
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetArgs([]string{"streaks", path})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "notified 0 member(s)") {
		t.Errorf("output = %q", out.String())
	}
}

func TestResolveConfigPathDefault(t *testing.T) {
	root := NewRootCmd("test")
	if got := resolveConfigPath(root, nil, "covenant-portal.json"); got != "covenant-portal.json" {
		t.Errorf("resolveConfigPath = %q", got)
	}
	if got := resolveConfigPath(root, []string{"x.json"}, "covenant-portal.json"); got != "x.json" {
		t.Errorf("resolveConfigPath = %q", got)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "text"}, buf)
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("log output = %q", buf.String())
	}
}
