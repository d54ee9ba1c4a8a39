package daemon

import (
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Database.Type != "sqlite" {
		t.Errorf("database type = %q", cfg.Database.Type)
	}
	if cfg.Shutdown.GraceSeconds != 10 {
		t.Errorf("grace = %d, want 10", cfg.Shutdown.GraceSeconds)
	}
	if cfg.Missions.MaxAttempts != 5 || cfg.Commands.ApprovalTimeoutSeconds != 300 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Breaker.CheckIntervalSeconds != 60 {
		t.Errorf("breaker interval = %d", cfg.Breaker.CheckIntervalSeconds)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ROASTD_HOME", t.TempDir())
	t.Setenv("MQTT_URL", "tcp://broker.local:1883")
	t.Setenv("SIGNING_MODE", "ed25519")
	t.Setenv("SIGNING_KID", "fleet-2")
	t.Setenv("EVENT_INFERENCE_PORT", "9100")
	t.Setenv("COMMAND_PORT", "9101")
	t.Setenv("DATABASE_TYPE", "sqlite")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus.URL != "tcp://broker.local:1883" {
		t.Errorf("MQTT_URL not applied: %q", cfg.Bus.URL)
	}
	if cfg.Signing.Mode != "ed25519" || cfg.Signing.Kid != "fleet-2" {
		t.Errorf("signing = %+v", cfg.Signing)
	}
	if cfg.Services.InferencePort != 9100 || cfg.Services.CommandPort != 9101 {
		t.Errorf("ports = %+v", cfg.Services)
	}
}

func TestEnvPortIgnoresGarbage(t *testing.T) {
	t.Setenv("ROASTD_HOME", t.TempDir())
	t.Setenv("EVENT_INFERENCE_PORT", "not-a-port")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Services.InferencePort != DefaultConfig().Services.InferencePort {
		t.Errorf("garbage port applied: %d", cfg.Services.InferencePort)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Setenv("ROASTD_HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.Services.InferencePort = 7777
	cfg.Logging.Level = "debug"
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Services.InferencePort != 7777 || loaded.Logging.Level != "debug" {
		t.Errorf("round trip = %+v", loaded)
	}
}
