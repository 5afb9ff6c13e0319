package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/metamcp/metamcp-core/internal/model"
)

func writeConfigFile(t *testing.T, contents map[string]any) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "metamcpd.json")
	data, err := json.Marshal(contents)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsForUnsetFields(t *testing.T) {
	path := writeConfigFile(t, map[string]any{})
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr {
		t.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.ServerName != defaultServerName || cfg.ServerVersion != defaultServerVersion {
		t.Fatalf("expected default server identity, got %q/%q", cfg.ServerName, cfg.ServerVersion)
	}
}

func TestLoadPreservesExplicitValues(t *testing.T) {
	path := writeConfigFile(t, map[string]any{
		"listenAddr": ":9090",
		"serverName": "custom",
	})
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.ServerName != "custom" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestEnvOverrideWinsOverFile(t *testing.T) {
	path := writeConfigFile(t, map[string]any{"listenAddr": ":9090"})
	t.Setenv(envListenAddr, ":1111")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":1111" {
		t.Fatalf("expected env override, got %q", cfg.ListenAddr)
	}
}

func TestResolvedMaxToolCallsFallsBackToModelDefault(t *testing.T) {
	cfg := &Config{}
	if got := cfg.ResolvedMaxToolCalls(0); got != model.DefaultMaxToolCalls {
		t.Fatalf("expected model default %d, got %d", model.DefaultMaxToolCalls, got)
	}
}

func TestResolvedMaxToolCallsHonorsRequestedOverDefault(t *testing.T) {
	cfg := &Config{}
	if got := cfg.ResolvedMaxToolCalls(7); got != 7 {
		t.Fatalf("expected requested value 7, got %d", got)
	}
}

func TestPackageInstallEnvOverride(t *testing.T) {
	path := writeConfigFile(t, map[string]any{})
	t.Setenv("METAMCP_ENABLE_PACKAGE_INSTALL", "true")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.PackageInstallEnabled {
		t.Fatal("expected PackageInstallEnabled to be set from env")
	}
}
