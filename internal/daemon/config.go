// Package daemon manages the roastd daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config holds all daemon configuration.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Database  DatabaseConfig  `toml:"database"`
	Bus       BusConfig       `toml:"bus"`
	Signing   SigningConfig   `toml:"signing"`
	Services  ServicesConfig  `toml:"services"`
	Missions  MissionsConfig  `toml:"missions"`
	Commands  CommandsConfig  `toml:"commands"`
	Breaker   BreakerConfig   `toml:"breaker"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Logging   LoggingConfig   `toml:"logging"`
	Shutdown  ShutdownConfig  `toml:"shutdown"`
}

// NodeConfig identifies this control-plane node.
type NodeConfig struct {
	ID        string `toml:"id"`
	KernelURL string `toml:"kernel_url"`
}

// DatabaseConfig selects and locates the storage backend.
type DatabaseConfig struct {
	Type string `toml:"type"` // "sqlite"; any other value, "postgres" included, is rejected at startup
	Dir  string `toml:"dir"`
}

// BusConfig controls the MQTT connection.
type BusConfig struct {
	URL      string `toml:"url"`
	ClientID string `toml:"client_id"`
	QoS      int    `toml:"qos"`
}

// SigningConfig controls envelope signing.
type SigningConfig struct {
	Mode          string `toml:"mode"` // "off" or "ed25519"
	Kid           string `toml:"kid"`
	PrivateKeyB64 string `toml:"private_key_b64"`
}

// ServicesConfig assigns each HTTP service its listen address.
type ServicesConfig struct {
	Host           string `toml:"host"`
	InferencePort  int    `toml:"inference_port"`
	MissionPort    int    `toml:"mission_port"`
	CommandPort    int    `toml:"command_port"`
	GovernancePort int    `toml:"governance_port"`
}

// MissionsConfig tunes the mission store.
type MissionsConfig struct {
	MaxAttempts   int `toml:"max_attempts"`
	BaseBackoffMs int `toml:"base_backoff_ms"`
	LeaseSeconds  int `toml:"lease_seconds"`
	ReapSeconds   int `toml:"reap_seconds"`
}

// CommandsConfig tunes the command service.
type CommandsConfig struct {
	ApprovalTimeoutSeconds int `toml:"approval_timeout_seconds"`
	SweepSeconds           int `toml:"sweep_seconds"`
}

// BreakerConfig tunes the circuit-breaker loop.
type BreakerConfig struct {
	CheckIntervalSeconds int `toml:"check_interval_seconds"`
}

// TelemetryConfig controls observability.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// ShutdownConfig controls graceful drain on SIGTERM/SIGINT.
type ShutdownConfig struct {
	GraceSeconds int `toml:"grace_seconds"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Database: DatabaseConfig{
			Type: "sqlite",
			Dir:  roastdHome(),
		},
		Bus: BusConfig{
			ClientID: "roastd",
			QoS:      1,
		},
		Signing: SigningConfig{
			Mode: "off",
			Kid:  "roastd-1",
		},
		Services: ServicesConfig{
			Host:           "127.0.0.1",
			InferencePort:  8041,
			MissionPort:    8042,
			CommandPort:    8043,
			GovernancePort: 8044,
		},
		Missions: MissionsConfig{
			MaxAttempts:   5,
			BaseBackoffMs: 1000,
			LeaseSeconds:  60,
			ReapSeconds:   5,
		},
		Commands: CommandsConfig{
			ApprovalTimeoutSeconds: 300,
			SweepSeconds:           5,
		},
		Breaker: BreakerConfig{
			CheckIntervalSeconds: 60,
		},
		Telemetry: TelemetryConfig{
			Prometheus: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Shutdown: ShutdownConfig{
			GraceSeconds: 10,
		},
	}
}

// LoadConfig reads config from $ROASTD_HOME/config.toml, falling back to
// defaults, then applies environment overrides.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(roastdHome(), "config.toml")

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// SaveConfig writes the config to $ROASTD_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(roastdHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// applyEnv overrides config fields from the recognized environment
// variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MQTT_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("KERNEL_URL"); v != "" {
		cfg.Node.KernelURL = v
	}
	if v := os.Getenv("SIGNING_MODE"); v != "" {
		cfg.Signing.Mode = v
	}
	if v := os.Getenv("SIGNING_KID"); v != "" {
		cfg.Signing.Kid = v
	}
	if v := os.Getenv("SIGNING_PRIVATE_KEY_B64"); v != "" {
		cfg.Signing.PrivateKeyB64 = v
	}
	if v := os.Getenv("DATABASE_TYPE"); v != "" {
		cfg.Database.Type = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Dir = v
	}
	envPort("EVENT_INFERENCE_PORT", &cfg.Services.InferencePort)
	envPort("MISSION_PORT", &cfg.Services.MissionPort)
	envPort("COMMAND_PORT", &cfg.Services.CommandPort)
	envPort("GOVERNANCE_PORT", &cfg.Services.GovernancePort)
}

func envPort(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			*dst = port
		}
	}
}

// roastdHome returns the roastd data directory.
func roastdHome() string {
	if env := os.Getenv("ROASTD_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".roastd")
}

// Home is exported for use by other packages.
func Home() string {
	return roastdHome()
}
