package appconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/chaosdeck/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("backend.api_base", cfg.Backend.APIBase)
	v.SetDefault("backend.api_key", cfg.Backend.APIKey)
	v.SetDefault("backend.request_timeout_seconds", cfg.Backend.RequestTimeoutSeconds)
	v.SetDefault("backend.handshake_timeout_seconds", cfg.Backend.HandshakeTimeoutSeconds)
	v.SetDefault("console.profile", cfg.Console.Profile)
	v.SetDefault("console.execution_mode", cfg.Console.ExecutionMode)
	v.SetDefault("console.approval_agents", cfg.Console.ApprovalAgents)
	v.SetDefault("console.approval_timeout_seconds", cfg.Console.ApprovalTimeoutSeconds)
	v.SetDefault("console.frame_flush_ms", cfg.Console.FrameFlushMS)
	v.SetDefault("console.snapshot_debounce_ms", cfg.Console.SnapshotDebounceMS)
	v.SetDefault("clusters.preferred", cfg.Clusters.Preferred)
	v.SetDefault("clusters.poll_interval_seconds", cfg.Clusters.PollIntervalSeconds)
	v.SetDefault("clusters.unload_timeout_seconds", cfg.Clusters.UnloadTimeoutSeconds)
	v.SetDefault("form.model", string(cfg.Form.Model))
	v.SetDefault("form.cluster", string(cfg.Form.Cluster))
	v.SetDefault("form.project_name", cfg.Form.ProjectName)
	v.SetDefault("form.instructions", cfg.Form.Instructions)
	v.SetDefault("form.clean_before", cfg.Form.CleanBefore)
	v.SetDefault("form.clean_after", cfg.Form.CleanAfter)
	v.SetDefault("form.new_deployment", cfg.Form.NewDeployment)
	v.SetDefault("form.temperature", cfg.Form.Temperature)
	v.SetDefault("form.seed", cfg.Form.Seed)
	v.SetDefault("form.max_steady_states", cfg.Form.MaxSteadyStates)
	v.SetDefault("form.max_retries", cfg.Form.MaxRetries)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.max_size_mb", cfg.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", cfg.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", cfg.Logging.Compress)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// viper reports a missing explicit config file as a plain fs error.
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return os.IsNotExist(err)
}

// Validate checks the values Load cannot default.
func Validate(cfg Config) error {
	if err := validateAPIBase(cfg.Backend.APIBase); err != nil {
		return err
	}
	switch cfg.Console.Mode() {
	case schema.ModeFullAuto, schema.ModeInteractive:
	default:
		return fmt.Errorf("unsupported console.execution_mode %q", cfg.Console.ExecutionMode)
	}
	positive := []struct {
		key   string
		value int
	}{
		{"backend.request_timeout_seconds", cfg.Backend.RequestTimeoutSeconds},
		{"backend.handshake_timeout_seconds", cfg.Backend.HandshakeTimeoutSeconds},
		{"console.approval_timeout_seconds", cfg.Console.ApprovalTimeoutSeconds},
		{"console.frame_flush_ms", cfg.Console.FrameFlushMS},
		{"console.snapshot_debounce_ms", cfg.Console.SnapshotDebounceMS},
		{"clusters.poll_interval_seconds", cfg.Clusters.PollIntervalSeconds},
		{"clusters.unload_timeout_seconds", cfg.Clusters.UnloadTimeoutSeconds},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.key)
		}
	}
	if strings.TrimSpace(cfg.StateDir) == "" {
		return fmt.Errorf("state_dir is required")
	}
	return nil
}

func validateAPIBase(raw string) error {
	base := strings.TrimSpace(raw)
	if base == "" {
		return fmt.Errorf("backend.api_base is required")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("backend.api_base must include scheme and host (e.g. http://localhost:8000)")
	}
	switch parsed.Scheme {
	case "http", "https":
		return nil
	}
	return fmt.Errorf("backend.api_base must be an http or https URL")
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Backend.APIBase = expandEnv(cfg.Backend.APIBase)
	cfg.Backend.APIKey = expandEnv(cfg.Backend.APIKey)
	cfg.Logging.File = expandEnv(cfg.Logging.File)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "HOME":
		if home, err := os.UserHomeDir(); err == nil {
			return home, true
		}
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}
	cfg.Backend.APIKey = "$OPENAI_API_KEY"

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
