// Package config loads a rig's configuration from <rig>/config.yaml or
// <rig>/config.toml. Missing keys keep their defaults; durations are
// written as strings such as "30s".
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rigd/pkg/protocol"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvRigHome overrides the rig directory when no flag is given.
const EnvRigHome = "RIG_HOME"

// Duration is a time.Duration that reads and writes as "1m30s".
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler (TOML).
func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler (TOML).
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	return d.UnmarshalText([]byte(s))
}

// LaunchConfig configures the agent launcher.
type LaunchConfig struct {
	// Command is the argv template; {agent} and {bead} are substituted.
	Command []string `yaml:"command,omitempty" toml:"command,omitempty"`
	// LogDir holds per-agent output logs. Relative paths are under the rig
	// directory. Defaults to <rig>/agents.
	LogDir string `yaml:"log_dir,omitempty" toml:"log_dir,omitempty"`
}

// MergeConfig configures the merge coordinator.
type MergeConfig struct {
	// RepoDir is the git checkout merges run in. Relative paths are under
	// the rig directory's parent. Defaults to that parent.
	RepoDir string `yaml:"repo_dir,omitempty" toml:"repo_dir,omitempty"`
	Target  string `yaml:"target" toml:"target"`
}

// Config is one rig's configuration.
type Config struct {
	Name                string       `yaml:"name" toml:"name"`
	HeartbeatStale      Duration     `yaml:"heartbeat_stale" toml:"heartbeat_stale"`
	ArmDelay            Duration     `yaml:"arm_delay" toml:"arm_delay"`
	RearmInterval       Duration     `yaml:"rearm_interval" toml:"rearm_interval"`
	CollaboratorTimeout Duration     `yaml:"collaborator_timeout" toml:"collaborator_timeout"`
	ReloadInterval      Duration     `yaml:"reload_interval" toml:"reload_interval"`
	DegradedLabel       string       `yaml:"degraded_label" toml:"degraded_label"`
	ReclaimOrphans      bool         `yaml:"reclaim_orphans" toml:"reclaim_orphans"`
	LogLevel            string       `yaml:"log_level" toml:"log_level"`
	Launch              LaunchConfig `yaml:"launch" toml:"launch"`
	Merge               MergeConfig  `yaml:"merge" toml:"merge"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Name:                "rig",
		HeartbeatStale:      Duration(5 * time.Minute),
		ArmDelay:            Duration(time.Second),
		RearmInterval:       Duration(30 * time.Second),
		CollaboratorTimeout: Duration(2 * time.Minute),
		ReloadInterval:      Duration(15 * time.Second),
		DegradedLabel:       string(protocol.DefaultDegradedLabel),
		ReclaimOrphans:      true,
		LogLevel:            "info",
		Merge:               MergeConfig{Target: "main"},
	}
}

// Load reads the configuration in rigDir. config.yaml wins over
// config.toml; with neither present the defaults are returned and path is
// empty.
func Load(rigDir string) (cfg *Config, path string, err error) {
	cfg = Default()

	yamlPath := filepath.Join(rigDir, protocol.ConfigYAML)
	data, err := os.ReadFile(yamlPath) //nolint:gosec // path derived from rig dir
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, "", fmt.Errorf("parse %s: %w", yamlPath, err)
		}
		path = yamlPath
	case errors.Is(err, os.ErrNotExist):
		tomlPath := filepath.Join(rigDir, protocol.ConfigTOML)
		data, err = os.ReadFile(tomlPath) //nolint:gosec // path derived from rig dir
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, "", fmt.Errorf("parse %s: %w", tomlPath, err)
			}
			path = tomlPath
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, "", fmt.Errorf("read %s: %w", tomlPath, err)
		}
	default:
		return nil, "", fmt.Errorf("read %s: %w", yamlPath, err)
	}

	if err := cfg.Validate(); err != nil {
		if path != "" {
			return nil, "", fmt.Errorf("%s: %w", path, err)
		}
		return nil, "", err
	}
	return cfg, path, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	for _, f := range []struct {
		key string
		val Duration
	}{
		{"heartbeat_stale", c.HeartbeatStale},
		{"rearm_interval", c.RearmInterval},
		{"collaborator_timeout", c.CollaboratorTimeout},
		{"reload_interval", c.ReloadInterval},
	} {
		if f.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", f.key, f.val))
		}
	}
	if c.ArmDelay < 0 {
		errs = append(errs, fmt.Errorf("arm_delay must not be negative, got %s", c.ArmDelay))
	}
	if !protocol.AgentStatus(c.DegradedLabel).IsDegraded() {
		errs = append(errs, fmt.Errorf("degraded_label must be %q or %q, got %q",
			protocol.AgentStalled, protocol.AgentBlocked, c.DegradedLabel))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Merge.Target) == "" {
		errs = append(errs, fmt.Errorf("merge.target must not be empty"))
	}
	return errors.Join(errs...)
}

// Level returns the configured slog level.
func (c *Config) Level() slog.Level {
	lvl, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// ParseLevel maps debug|info|warn|error onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log_level %q", s)
	}
}

// LogDir returns the absolute agent log directory for rigDir.
func (c *Config) LogDir(rigDir string) string {
	switch {
	case c.Launch.LogDir == "":
		return filepath.Join(rigDir, protocol.AgentLogsDir)
	case filepath.IsAbs(c.Launch.LogDir):
		return c.Launch.LogDir
	default:
		return filepath.Join(rigDir, c.Launch.LogDir)
	}
}

// RepoDir returns the git checkout merges run in for rigDir.
func (c *Config) RepoDir(rigDir string) string {
	parent := filepath.Dir(filepath.Clean(rigDir))
	switch {
	case c.Merge.RepoDir == "":
		return parent
	case filepath.IsAbs(c.Merge.RepoDir):
		return c.Merge.RepoDir
	default:
		return filepath.Join(parent, c.Merge.RepoDir)
	}
}

// BuildYAML renders c as a config.yaml document.
func BuildYAML(c *Config) ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// WriteDefault writes the default config.yaml into rigDir unless a YAML or
// TOML config already exists. Returns the written path, or "" if skipped.
func WriteDefault(rigDir, name string) (string, error) {
	for _, f := range []string{protocol.ConfigYAML, protocol.ConfigTOML} {
		if _, err := os.Stat(filepath.Join(rigDir, f)); err == nil {
			return "", nil
		}
	}
	cfg := Default()
	if name != "" {
		cfg.Name = name
	}
	data, err := BuildYAML(cfg)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(rigDir, 0o755); err != nil {
		return "", fmt.Errorf("create rig dir %s: %w", rigDir, err)
	}
	path := filepath.Join(rigDir, protocol.ConfigYAML)
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // config is not secret
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// ResolveRigDir picks the rig directory: flag, then $RIG_HOME, then ./.rig.
func ResolveRigDir(flag string) (string, error) {
	dir := flag
	if dir == "" {
		dir = os.Getenv(EnvRigHome)
	}
	if dir == "" {
		dir = protocol.RigDir
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve rig dir %s: %w", dir, err)
	}
	return abs, nil
}
