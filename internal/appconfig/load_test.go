package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.APIBase != "http://localhost:8000" || cfg.Clusters.PollIntervalSeconds != 60 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadReadsFileAndExpandsEnv(t *testing.T) {
	t.Setenv("CHAOS_KEY", "sk-test")
	path := writeConfig(t, `
config_version: 1
state_dir: /tmp/chaosdeck
backend:
  api_base: https://chaos.example.com/api
  api_key: $CHAOS_KEY
console:
  execution_mode: interactive
  approval_agents: [steady_state]
form:
  model: anthropic/claude
  seed: 7
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.APIKey != "sk-test" {
		t.Fatalf("expected expanded api key, got %q", cfg.Backend.APIKey)
	}
	if cfg.Console.ExecutionMode != "interactive" || len(cfg.Console.Agents()) != 1 {
		t.Fatalf("unexpected console config %+v", cfg.Console)
	}
	if cfg.Form.Model != "anthropic/claude" || cfg.Form.Seed != 7 || cfg.Form.MaxRetries != 3 {
		t.Fatalf("unexpected form %+v", cfg.Form)
	}
	if cfg.DatabasePath() != filepath.Join("/tmp/chaosdeck", "snapshots.db") {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath())
	}
}

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 3
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRequiresConfigVersion(t *testing.T) {
	path := writeConfig(t, `
backend:
  api_base: http://localhost:9000
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version is required") {
		t.Fatalf("expected config_version required error, got %v", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"api base without scheme", "backend:\n  api_base: localhost:8000\n", "backend.api_base"},
		{"websocket api base", "backend:\n  api_base: ws://localhost:8000\n", "http or https"},
		{"unknown mode", "console:\n  execution_mode: yolo\n", "execution_mode"},
		{"zero poll interval", "clusters:\n  poll_interval_seconds: 0\n", "poll_interval_seconds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "config_version: 1\n"+tc.body)
			if _, err := Load(path); err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") {
		t.Fatalf("expected UID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
	t.Setenv("OPENAI_API_KEY", "sk-env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load written default: %v", err)
	}
	if cfg.Backend.APIKey != "sk-env" {
		t.Fatalf("expected written api key to reference the environment, got %q", cfg.Backend.APIKey)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
