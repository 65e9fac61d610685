package cli

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AuraHome/aura/internal/ca"
	"github.com/AuraHome/aura/internal/config"
	"github.com/AuraHome/aura/internal/discovery"
	"github.com/AuraHome/aura/internal/events"
	"github.com/AuraHome/aura/internal/patterns"
	"github.com/AuraHome/aura/internal/planner"
	"github.com/AuraHome/aura/internal/registry"
	"github.com/AuraHome/aura/internal/router"
	"github.com/AuraHome/aura/internal/secrets"
	"github.com/AuraHome/aura/internal/telemetry"
	"github.com/AuraHome/aura/internal/transport"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the hub: accept client sessions, route commands, execute plans",
	RunE:  runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	printHeader("🧠 Aura Hub")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return err
	}

	authority, err := ca.Open(cfg.Paths.CertDir, secrets.NewKeychain(cfg.Paths.DataDir), cfg.TLS.ClockSkew)
	if err != nil {
		return err
	}
	defer authority.Close()

	certPath := cfg.TLS.CertPath
	keyPath := cfg.TLS.KeyPath
	if certPath == "" {
		certPath = filepath.Join(cfg.Paths.CertDir, "server.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.Paths.CertDir, "server.key")
	}
	identity, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return fmt.Errorf("load server identity (run 'aura certs server <hostname>' first): %w", err)
	}

	reg := registry.New(cfg.Registry.AbsenceTimeout, logger)
	go reg.Run(ctx)

	rt := router.New(reg, cfg.Router.DefaultTimeout, logger)

	agg := telemetry.New(cfg.Telemetry.HistorySize, cfg.Telemetry.StaleAfter, logger)
	rt.Subscribe("telemetry", agg.HandlePush)

	journal, err := events.Open(filepath.Join(cfg.Paths.DataDir, "events.db"), events.Options{
		KafkaBrokers: cfg.Events.KafkaBrokers,
		Site:         cfg.Events.Site,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer journal.Close()

	// Every completed dispatch becomes a journal entry the learner can
	// observe.
	rt.ObserveDispatch(func(c router.Command, dispatchErr error) {
		ev := events.Event{
			Timestamp: time.Now().UTC(),
			Kind:      events.KindCommand,
			ClientID:  c.Target,
			Name:      c.Name,
		}
		if dispatchErr != nil {
			ev.Payload, _ = json.Marshal(map[string]string{"error": dispatchErr.Error()})
		}
		if _, err := journal.Append(ctx, ev); err != nil {
			logger.Warn("journal append failed", "error", err)
		}
	})

	if cfg.Patterns.Enabled {
		learner, err := patterns.Open(filepath.Join(cfg.Paths.DataDir, "patterns.db"), patterns.Options{
			SequenceWindow:      cfg.Patterns.SequenceWindow,
			DecayFactor:         cfg.Patterns.DecayFactor,
			DecayPeriod:         cfg.Patterns.DecayPeriod,
			PruneThreshold:      cfg.Patterns.PruneThreshold,
			ConfidenceThreshold: cfg.Patterns.ConfidenceThreshold,
			Logger:              logger,
		})
		if err != nil {
			return err
		}
		defer learner.Close()
		ch, unsubscribe := journal.Subscribe(64)
		defer unsubscribe()
		go learner.Run(ctx, ch)
	}

	executor := planner.NewExecutor(rt, logger)
	executor.Observe(func(planID, stepID string, status planner.StepStatus) {
		payload, _ := json.Marshal(map[string]string{"plan_id": planID, "status": string(status)})
		ev := events.Event{
			Timestamp: time.Now().UTC(),
			Kind:      events.KindPlanStep,
			Name:      stepID,
			Payload:   payload,
		}
		if _, err := journal.Append(ctx, ev); err != nil {
			logger.Warn("journal append failed", "error", err)
		}
	})

	// Clients and operator tooling submit plans as pushes; execution runs
	// detached so a long plan never blocks the session read loop.
	rt.Subscribe("run-plan", func(clientID string, payload json.RawMessage) {
		var plan planner.Plan
		if err := json.Unmarshal(payload, &plan); err != nil {
			logger.Warn("discarding malformed plan", "client_id", clientID, "error", err)
			return
		}
		go func() {
			if _, err := executor.Execute(ctx, &plan); err != nil {
				logger.Error("plan failed", "plan_id", plan.ID, "error", err)
			}
		}()
	})

	srv := transport.NewServer(transport.ServerOptions{
		Identity:          identity,
		Authority:         authority,
		Registry:          reg,
		Router:            rt,
		RequireClientCert: cfg.TLS.RequireClientCert,
		HeartbeatInterval: cfg.Registry.HeartbeatInterval,
		HeartbeatMisses:   cfg.Registry.HeartbeatMisses,
		Logger:            logger,
	})
	addr := net.JoinHostPort(cfg.Network.BindHost, strconv.Itoa(cfg.Network.Port))
	if err := srv.Listen(addr); err != nil {
		return err
	}

	if cfg.Discovery.Enabled {
		hostname, _ := os.Hostname()
		announcer := discovery.NewAnnouncer(hostname, cfg.Network.Port, cfg.Discovery.Port, cfg.Discovery.Interval, logger)
		go announcer.Run(ctx)
	}

	fmt.Printf("Listening on %s\n", addr)
	fmt.Println("Press Ctrl+C to stop.")

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.Serve(); err != nil {
		return err
	}
	logger.Info("hub stopped")
	return nil
}
