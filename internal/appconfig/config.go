package appconfig

import (
	"os"
	"path/filepath"

	"pkt.systems/chaosdeck/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int             `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string          `mapstructure:"state_dir" yaml:"state_dir"`
	Backend       BackendConfig   `mapstructure:"backend" yaml:"backend"`
	Console       ConsoleConfig   `mapstructure:"console" yaml:"console"`
	Clusters      ClustersConfig  `mapstructure:"clusters" yaml:"clusters"`
	Form          schema.FormData `mapstructure:"form" yaml:"form"`
	Logging       LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// BackendConfig locates the chaos backend.
type BackendConfig struct {
	APIBase string `mapstructure:"api_base" yaml:"api_base"`
	// APIKey is sent with job requests. Prefer an environment reference such as $OPENAI_API_KEY.
	APIKey                  string `mapstructure:"api_key" yaml:"api_key"`
	RequestTimeoutSeconds   int    `mapstructure:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	HandshakeTimeoutSeconds int    `mapstructure:"handshake_timeout_seconds" yaml:"handshake_timeout_seconds"`
}

// ConsoleConfig controls job handling in the console.
type ConsoleConfig struct {
	Profile                string   `mapstructure:"profile" yaml:"profile"`
	ExecutionMode          string   `mapstructure:"execution_mode" yaml:"execution_mode"`
	ApprovalAgents         []string `mapstructure:"approval_agents" yaml:"approval_agents"`
	ApprovalTimeoutSeconds int      `mapstructure:"approval_timeout_seconds" yaml:"approval_timeout_seconds"`
	FrameFlushMS           int      `mapstructure:"frame_flush_ms" yaml:"frame_flush_ms"`
	SnapshotDebounceMS     int      `mapstructure:"snapshot_debounce_ms" yaml:"snapshot_debounce_ms"`
}

// ClustersConfig controls the cluster pool lease.
type ClustersConfig struct {
	Preferred            string `mapstructure:"preferred" yaml:"preferred"`
	PollIntervalSeconds  int    `mapstructure:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	UnloadTimeoutSeconds int    `mapstructure:"unload_timeout_seconds" yaml:"unload_timeout_seconds"`
}

// LoggingConfig controls the optional log file.
type LoggingConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".chaosdeck", "state"),
		Backend: BackendConfig{
			APIBase:                 "http://localhost:8000",
			APIKey:                  "",
			RequestTimeoutSeconds:   30,
			HandshakeTimeoutSeconds: 15,
		},
		Console: ConsoleConfig{
			Profile:                "default",
			ExecutionMode:          string(schema.ModeFullAuto),
			ApprovalAgents:         []string{},
			ApprovalTimeoutSeconds: 30,
			FrameFlushMS:           16,
			SnapshotDebounceMS:     600,
		},
		Clusters: ClustersConfig{
			Preferred:            "",
			PollIntervalSeconds:  60,
			UnloadTimeoutSeconds: 3,
		},
		Form: schema.DefaultFormData(),
		Logging: LoggingConfig{
			File:       "",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   false,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".chaosdeck", "config.yaml"), nil
}

// DatabasePath is the snapshot database inside the state directory.
func (c Config) DatabasePath() string {
	return filepath.Join(c.StateDir, "snapshots.db")
}

// ProfileDir holds the per-profile state files.
func (c Config) ProfileDir() string {
	return filepath.Join(c.StateDir, "profiles")
}

// Mode returns the configured execution mode.
func (c ConsoleConfig) Mode() schema.ExecutionMode {
	return schema.ExecutionMode(c.ExecutionMode)
}

// Agents returns the agents gated on the operator in interactive mode.
func (c ConsoleConfig) Agents() []schema.AgentName {
	out := make([]schema.AgentName, 0, len(c.ApprovalAgents))
	for _, agent := range c.ApprovalAgents {
		if agent != "" {
			out = append(out, schema.AgentName(agent))
		}
	}
	return out
}
