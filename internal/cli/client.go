package cli

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AuraHome/aura/internal/commands"
	"github.com/AuraHome/aura/internal/config"
	"github.com/AuraHome/aura/internal/discovery"
	"github.com/AuraHome/aura/internal/protocol"
	"github.com/AuraHome/aura/internal/transport"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run a client: connect to the hub and serve commands",
	RunE:  runClient,
}

func runClient(cmd *cobra.Command, args []string) error {
	printHeader("📡 Aura Client")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Network.ClientID == "" {
		return fmt.Errorf("no client id configured, set network.clientId or AURA_NETWORK_CLIENT_ID")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	certPath := cfg.TLS.CertPath
	keyPath := cfg.TLS.KeyPath
	if certPath == "" {
		certPath = filepath.Join(cfg.Paths.CertDir, cfg.Network.ClientID+".crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.Paths.CertDir, cfg.Network.ClientID+".key")
	}
	identity, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return fmt.Errorf("load client identity (issue one with 'aura certs client %s'): %w", cfg.Network.ClientID, err)
	}

	caPath := cfg.TLS.CAPath
	if caPath == "" {
		caPath = filepath.Join(cfg.Paths.CertDir, "root.crt")
	}
	rootPEM, err := os.ReadFile(caPath)
	if err != nil {
		return fmt.Errorf("read trust anchor %s: %w", caPath, err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(rootPEM) {
		return fmt.Errorf("no certificate found in %s", caPath)
	}

	registry := commands.NewRegistry()
	commands.RegisterBuiltins(registry)

	serverAddr := cfg.Network.ServerAddr
	if serverAddr == "" {
		if !cfg.Discovery.Enabled {
			return fmt.Errorf("no hub address configured, set network.serverAddr or enable discovery")
		}
		fmt.Printf("Waiting for a hub beacon on UDP port %d...\n", cfg.Discovery.Port)
		serverAddr, err = discovery.Listen(ctx, cfg.Discovery.Port)
		if err != nil {
			return err
		}
		logger.Info("discovered hub", "addr", serverAddr)
	}

	client := transport.NewClient(transport.ClientOptions{
		ClientID:          cfg.Network.ClientID,
		ServerAddr:        serverAddr,
		Identity:          identity,
		RootCAs:           roots,
		Commands:          registry,
		HeartbeatInterval: cfg.Registry.HeartbeatInterval,
		Logger:            logger,
	})

	go telemetryLoop(ctx, client, cfg.Network.ClientID, cfg.Telemetry.ReportInterval)

	fmt.Printf("Client:  %s\n", cfg.Network.ClientID)
	fmt.Printf("Hub:     %s\n", serverAddr)
	fmt.Println("Press Ctrl+C to stop.")

	return client.Run(ctx)
}

// telemetryLoop pushes a periodic snapshot of local observations. Pushes
// issued while disconnected are queued by the transport and flushed on
// reconnect.
func telemetryLoop(ctx context.Context, client *transport.Client, clientID string, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			hostname, _ := os.Hostname()
			payload, err := json.Marshal(protocol.TelemetryPayload{
				ClientID:  clientID,
				Timestamp: now.UTC(),
				Observations: map[string]string{
					"hostname":    hostname,
					"os":          runtime.GOOS,
					"cpus":        strconv.Itoa(runtime.NumCPU()),
					"time_of_day": timeOfDay(now.Hour()),
				},
			})
			if err != nil {
				continue
			}
			client.Push("telemetry", payload)
		}
	}
}

func timeOfDay(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 17:
		return "afternoon"
	case hour >= 17 && hour < 22:
		return "evening"
	default:
		return "night"
	}
}
