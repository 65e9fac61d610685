// Package config provides configuration types and loading for aura.
package config

import "time"

// Network modes.
const (
	ModeStandalone = "standalone"
	ModeServer     = "server"
	ModeClient     = "client"
)

// Config is the root configuration struct. It is read once at startup and
// treated as immutable afterwards.
// Top-level groups: Paths, Network, TLS, Registry, Router, Telemetry,
// Planner, Patterns, Events, Discovery.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Network   NetworkConfig   `json:"network"`
	TLS       TLSConfig       `json:"tls"`
	Registry  RegistryConfig  `json:"registry"`
	Router    RouterConfig    `json:"router"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Planner   PlannerConfig   `json:"planner"`
	Patterns  PatternsConfig  `json:"patterns"`
	Events    EventsConfig    `json:"events"`
	Discovery DiscoveryConfig `json:"discovery"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
	CertDir string `json:"certDir" envconfig:"CERT_DIR"`
}

// ---------------------------------------------------------------------------
// Network – control-plane topology
// ---------------------------------------------------------------------------

// NetworkConfig selects the network mode and addressing.
type NetworkConfig struct {
	Mode       string `json:"mode" envconfig:"MODE"` // "standalone", "server", "client"
	BindHost   string `json:"bindHost" envconfig:"BIND_HOST"`
	Port       int    `json:"port" envconfig:"PORT"`
	ServerAddr string `json:"serverAddr" envconfig:"SERVER_ADDR"` // client mode: host:port of the brain
	ClientID   string `json:"clientId" envconfig:"CLIENT_ID"`
}

// TLSConfig points at the identity material used for the mutual-TLS channel.
type TLSConfig struct {
	CertPath          string        `json:"certPath" envconfig:"CERT_PATH"`
	KeyPath           string        `json:"keyPath" envconfig:"KEY_PATH"`
	CAPath            string        `json:"caPath" envconfig:"CA_PATH"`
	RequireClientCert bool          `json:"requireClientCert" envconfig:"REQUIRE_CLIENT_CERT"`
	ClockSkew         time.Duration `json:"clockSkew" envconfig:"CLOCK_SKEW"`
}

// ---------------------------------------------------------------------------
// Registry – client liveness bookkeeping
// ---------------------------------------------------------------------------

// RegistryConfig controls heartbeat monitoring and record eviction.
type RegistryConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeatInterval" envconfig:"HEARTBEAT_INTERVAL"`
	HeartbeatMisses   int           `json:"heartbeatMisses" envconfig:"HEARTBEAT_MISSES"`
	AbsenceTimeout    time.Duration `json:"absenceTimeout" envconfig:"ABSENCE_TIMEOUT"`
}

// RouterConfig controls command dispatch defaults.
type RouterConfig struct {
	DefaultTimeout time.Duration `json:"defaultTimeout" envconfig:"DEFAULT_TIMEOUT"`
}

// TelemetryConfig controls context aggregation.
type TelemetryConfig struct {
	ReportInterval time.Duration `json:"reportInterval" envconfig:"REPORT_INTERVAL"`
	StaleAfter     time.Duration `json:"staleAfter" envconfig:"STALE_AFTER"`
	HistorySize    int           `json:"historySize" envconfig:"HISTORY_SIZE"`
}

// PlannerConfig controls plan execution defaults.
type PlannerConfig struct {
	MaxAttempts  int           `json:"maxAttempts" envconfig:"MAX_ATTEMPTS"`
	RetryBackoff time.Duration `json:"retryBackoff" envconfig:"RETRY_BACKOFF"`
}

// PatternsConfig controls the proactive-suggestion learner.
type PatternsConfig struct {
	Enabled             bool          `json:"enabled" envconfig:"ENABLED"`
	SequenceWindow      time.Duration `json:"sequenceWindow" envconfig:"SEQUENCE_WINDOW"`
	DecayFactor         float64       `json:"decayFactor" envconfig:"DECAY_FACTOR"`
	DecayPeriod         time.Duration `json:"decayPeriod" envconfig:"DECAY_PERIOD"`
	PruneThreshold      float64       `json:"pruneThreshold" envconfig:"PRUNE_THRESHOLD"`
	ConfidenceThreshold float64       `json:"confidenceThreshold" envconfig:"CONFIDENCE_THRESHOLD"`
}

// EventsConfig controls the replayable event journal and its optional
// Kafka mirror. Leave KafkaBrokers empty to keep events local.
type EventsConfig struct {
	Site         string `json:"site" envconfig:"SITE"`
	KafkaBrokers string `json:"kafkaBrokers" envconfig:"KAFKA_BROKERS"`
}

// DiscoveryConfig controls LAN beacon discovery.
type DiscoveryConfig struct {
	Enabled  bool          `json:"enabled" envconfig:"ENABLED"`
	Port     int           `json:"port" envconfig:"PORT"`
	Interval time.Duration `json:"interval" envconfig:"INTERVAL"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "~/.aura",
			CertDir: "~/.aura/certs",
		},
		Network: NetworkConfig{
			Mode:     ModeStandalone,
			BindHost: "127.0.0.1", // Secure default
			Port:     18650,
		},
		TLS: TLSConfig{
			RequireClientCert: true,
			ClockSkew:         2 * time.Minute,
		},
		Registry: RegistryConfig{
			HeartbeatInterval: 10 * time.Second,
			HeartbeatMisses:   3,
			AbsenceTimeout:    5 * time.Minute,
		},
		Router: RouterConfig{
			DefaultTimeout: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ReportInterval: 15 * time.Second,
			StaleAfter:     time.Minute,
			HistorySize:    64,
		},
		Planner: PlannerConfig{
			MaxAttempts:  3,
			RetryBackoff: 2 * time.Second,
		},
		Patterns: PatternsConfig{
			Enabled:             true,
			SequenceWindow:      5 * time.Minute,
			DecayFactor:         0.8,
			DecayPeriod:         24 * time.Hour,
			PruneThreshold:      0.5,
			ConfidenceThreshold: 0.6,
		},
		Events: EventsConfig{
			Site: "home",
		},
		Discovery: DiscoveryConfig{
			Enabled:  false,
			Port:     18651,
			Interval: 5 * time.Second,
		},
	}
}
