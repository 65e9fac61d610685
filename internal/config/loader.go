package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".aura"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("AURA_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("AURA_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	// If file doesn't exist, continue with defaults

	// Override with environment variables for each group
	envconfig.Process("AURA_PATHS", &cfg.Paths)
	envconfig.Process("AURA_NETWORK", &cfg.Network)
	envconfig.Process("AURA_TLS", &cfg.TLS)
	envconfig.Process("AURA_REGISTRY", &cfg.Registry)
	envconfig.Process("AURA_ROUTER", &cfg.Router)
	envconfig.Process("AURA_TELEMETRY", &cfg.Telemetry)
	envconfig.Process("AURA_PLANNER", &cfg.Planner)
	envconfig.Process("AURA_PATTERNS", &cfg.Patterns)
	envconfig.Process("AURA_EVENTS", &cfg.Events)
	envconfig.Process("AURA_DISCOVERY", &cfg.Discovery)

	// Expand ~ in paths
	expandHome := func(p *string) {
		if strings.HasPrefix(*p, "~") {
			if home, err := os.UserHomeDir(); err == nil {
				*p = filepath.Join(home, (*p)[1:])
			}
		}
	}
	expandHome(&cfg.Paths.DataDir)
	expandHome(&cfg.Paths.CertDir)
	expandHome(&cfg.TLS.CertPath)
	expandHome(&cfg.TLS.KeyPath)
	expandHome(&cfg.TLS.CAPath)

	if cfg.Registry.HeartbeatMisses <= 0 {
		cfg.Registry.HeartbeatMisses = 3
	}
	if cfg.Telemetry.HistorySize <= 0 {
		cfg.Telemetry.HistorySize = 64
	}
	if cfg.Planner.MaxAttempts <= 0 {
		cfg.Planner.MaxAttempts = 1
	}
	switch cfg.Network.Mode {
	case ModeStandalone, ModeServer, ModeClient:
	default:
		cfg.Network.Mode = ModeStandalone
	}

	return cfg, nil
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
