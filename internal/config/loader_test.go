package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	t.Setenv("AURA_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Network.Mode != ModeStandalone {
		t.Errorf("expected standalone mode, got %s", cfg.Network.Mode)
	}
	if cfg.Network.Port != 18650 {
		t.Errorf("expected default port, got %d", cfg.Network.Port)
	}
	if !cfg.TLS.RequireClientCert {
		t.Error("client certs should be required by default")
	}
}

func TestLoadFromFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AURA_HOME", home)

	dir := filepath.Join(home, ConfigDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	body := `{"network": {"mode": "server", "port": 9999}, "registry": {"absenceTimeout": 60000000000}}`
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Network.Mode != ModeServer {
		t.Errorf("expected server mode, got %s", cfg.Network.Mode)
	}
	if cfg.Network.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Network.Port)
	}
	if cfg.Registry.AbsenceTimeout != time.Minute {
		t.Errorf("expected 1m absence timeout, got %v", cfg.Registry.AbsenceTimeout)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("AURA_HOME", t.TempDir())
	t.Setenv("AURA_NETWORK_MODE", "client")
	t.Setenv("AURA_NETWORK_SERVER_ADDR", "10.0.0.5:18650")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Network.Mode != ModeClient {
		t.Errorf("env should win, got mode %s", cfg.Network.Mode)
	}
	if cfg.Network.ServerAddr != "10.0.0.5:18650" {
		t.Errorf("unexpected server addr %s", cfg.Network.ServerAddr)
	}
}

func TestInvalidModeFallsBack(t *testing.T) {
	t.Setenv("AURA_HOME", t.TempDir())
	t.Setenv("AURA_NETWORK_MODE", "mesh")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Network.Mode != ModeStandalone {
		t.Errorf("invalid mode should fall back to standalone, got %s", cfg.Network.Mode)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("AURA_HOME", t.TempDir())

	cfg := DefaultConfig()
	cfg.Network.Mode = ModeServer
	cfg.Events.KafkaBrokers = "localhost:9092"
	if err := Save(cfg); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Network.Mode != ModeServer {
		t.Errorf("expected server mode after round trip, got %s", loaded.Network.Mode)
	}
	if loaded.Events.KafkaBrokers != "localhost:9092" {
		t.Errorf("kafka brokers lost in round trip: %q", loaded.Events.KafkaBrokers)
	}
}
