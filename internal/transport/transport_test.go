package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/AuraHome/aura/internal/ca"
	"github.com/AuraHome/aura/internal/commands"
	"github.com/AuraHome/aura/internal/fault"
	"github.com/AuraHome/aura/internal/registry"
	"github.com/AuraHome/aura/internal/router"
	"github.com/AuraHome/aura/internal/secrets"
)

type harness struct {
	authority *ca.Authority
	registry  *registry.Registry
	router    *router.Router
	server    *Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("AURA_KEY_BACKEND", "file")

	dir := t.TempDir()
	authority, err := ca.Open(dir, secrets.NewKeychain(dir), 2*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { authority.Close() })

	serverID, err := authority.IssueServerCertificate("hub", nil)
	if err != nil {
		t.Fatal(err)
	}
	serverCert, err := tls.X509KeyPair(serverID.CertPEM, serverID.KeyPEM)
	if err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(time.Minute, logger)
	rtr := router.New(reg, time.Second, logger)

	srv := NewServer(ServerOptions{
		Identity:          serverCert,
		Authority:         authority,
		Registry:          reg,
		Router:            rtr,
		RequireClientCert: true,
		HeartbeatInterval: 100 * time.Millisecond,
		HeartbeatMisses:   3,
		Logger:            logger,
	})
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	return &harness{authority: authority, registry: reg, router: rtr, server: srv}
}

func (h *harness) startClient(t *testing.T, clientID string) *Client {
	t.Helper()
	id, err := h.authority.IssueClientCertificate(clientID)
	if err != nil {
		t.Fatal(err)
	}
	return h.startClientWithIdentity(t, clientID, id)
}

func (h *harness) startClientWithIdentity(t *testing.T, clientID string, id *ca.Identity) *Client {
	t.Helper()
	cert, err := tls.X509KeyPair(id.CertPEM, id.KeyPEM)
	if err != nil {
		t.Fatal(err)
	}
	reg := commands.NewRegistry()
	commands.RegisterBuiltins(reg)

	client := NewClient(ClientOptions{
		ClientID:          clientID,
		ServerAddr:        h.server.Addr().String(),
		Identity:          cert,
		RootCAs:           h.authority.TrustPool(),
		Commands:          reg,
		HeartbeatInterval: 50 * time.Millisecond,
		ReconnectBase:     20 * time.Millisecond,
		ReconnectCap:      100 * time.Millisecond,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)
	return client
}

func waitForActive(t *testing.T, reg *registry.Registry, clientID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec, err := reg.Get(clientID); err == nil && rec.State == registry.StateActive {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client %s never became active", clientID)
}

func TestHandshakeAndCommandRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.startClient(t, "pi")
	waitForActive(t, h.registry, "pi")

	rec, err := h.registry.Get("pi")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range rec.Capabilities {
		if c == "ping" {
			found = true
		}
	}
	if !found {
		t.Errorf("announced capabilities missing ping: %v", rec.Capabilities)
	}

	payload, err := h.router.Send(context.Background(), router.Command{
		Target: "pi", Name: "echo", Payload: json.RawMessage(`"hello"`), Idempotent: true,
	})
	if err != nil {
		t.Fatalf("send over real session failed: %v", err)
	}
	if string(payload) != `"hello"` {
		t.Errorf("unexpected echo payload %s", payload)
	}
}

func TestUnknownCommandSurfacesRemoteError(t *testing.T) {
	h := newHarness(t)
	h.startClient(t, "pi")
	waitForActive(t, h.registry, "pi")

	_, err := h.router.Send(context.Background(), router.Command{Target: "pi", Name: "no-such-command"})
	if err == nil {
		t.Error("unknown remote command should fail")
	}
}

func TestRevokedClientRejected(t *testing.T) {
	h := newHarness(t)

	id, err := h.authority.IssueClientCertificate("revoked-pi")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.authority.Revoke(id.Serial); err != nil {
		t.Fatal(err)
	}

	cert, err := tls.X509KeyPair(id.CertPEM, id.KeyPEM)
	if err != nil {
		t.Fatal(err)
	}
	client := NewClient(ClientOptions{
		ClientID:      "revoked-pi",
		ServerAddr:    h.server.Addr().String(),
		Identity:      cert,
		RootCAs:       h.authority.TrustPool(),
		ReconnectBase: 10 * time.Millisecond,
		ReconnectCap:  50 * time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	done := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { done <- client.Run(ctx) }()

	select {
	case err := <-done:
		if !fault.IsAuthentication(err) {
			t.Errorf("expected terminal AuthenticationError, got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("revoked client kept retrying instead of giving up")
	}

	if _, regErr := h.registry.Get("revoked-pi"); regErr == nil {
		t.Error("revoked client must never reach the registry")
	}
}

func TestForeignCARejected(t *testing.T) {
	h := newHarness(t)

	t.Setenv("AURA_KEY_BACKEND", "file")
	foreignDir := t.TempDir()
	foreign, err := ca.Open(foreignDir, secrets.NewKeychain(foreignDir), 2*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer foreign.Close()

	id, err := foreign.IssueClientCertificate("impostor")
	if err != nil {
		t.Fatal(err)
	}
	cert, err := tls.X509KeyPair(id.CertPEM, id.KeyPEM)
	if err != nil {
		t.Fatal(err)
	}
	client := NewClient(ClientOptions{
		ClientID:      "impostor",
		ServerAddr:    h.server.Addr().String(),
		Identity:      cert,
		RootCAs:       h.authority.TrustPool(),
		ReconnectBase: 10 * time.Millisecond,
		ReconnectCap:  50 * time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	done := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { done <- client.Run(ctx) }()

	select {
	case err := <-done:
		if !fault.IsAuthentication(err) {
			t.Errorf("expected AuthenticationError, got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("foreign-CA client kept retrying instead of giving up")
	}
}

func TestTelemetryPushReachesSubscriber(t *testing.T) {
	h := newHarness(t)
	client := h.startClient(t, "pi")
	waitForActive(t, h.registry, "pi")

	got := make(chan string, 1)
	h.router.Subscribe("telemetry", func(clientID string, payload json.RawMessage) {
		select {
		case got <- clientID:
		default:
		}
	})

	if err := client.Push("telemetry", json.RawMessage(`{"observations":{"cpu":"12"}}`)); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-got:
		if id != "pi" {
			t.Errorf("push attributed to %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("telemetry push never arrived")
	}
}

func TestQueuedPushResumesAfterReconnect(t *testing.T) {
	h := newHarness(t)
	client := h.startClient(t, "pi")
	waitForActive(t, h.registry, "pi")

	got := make(chan string, 4)
	h.router.Subscribe("telemetry", func(clientID string, payload json.RawMessage) {
		select {
		case got <- string(payload):
		default:
		}
	})

	// Drop the hub side of the session and wait for the client to notice.
	sender, err := h.registry.Sender("pi")
	if err != nil {
		t.Fatal(err)
	}
	sender.Close()
	deadline := time.Now().Add(5 * time.Second)
	for client.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if client.Connected() {
		t.Fatal("client never noticed the dropped session")
	}

	// Pushed while offline: queued, then resumed on the next session.
	if err := client.Push("telemetry", json.RawMessage(`{"observations":{"cpu":"97"}}`)); err != nil {
		t.Fatal(err)
	}

	select {
	case payload := <-got:
		if !strings.Contains(payload, "97") {
			t.Errorf("unexpected resumed payload %s", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued push never resumed after reconnect")
	}
}

func TestPushRequeuedWhenWriteFails(t *testing.T) {
	// A session that drops between the connected check and the write must
	// not lose the envelope.
	p1, p2 := net.Pipe()
	p2.Close()

	client := NewClient(ClientOptions{ClientID: "pi", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	client.conn = tls.Client(p1, &tls.Config{})

	if err := client.Push("telemetry", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("push must queue on write failure, not fail: %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.pending) != 1 || client.pending[0].Command != "telemetry" {
		t.Fatalf("envelope not queued after write failure: %d queued", len(client.pending))
	}
}

func TestBackoffSchedule(t *testing.T) {
	b := &Backoff{Base: 100 * time.Millisecond, Cap: time.Second}

	var prevMax time.Duration
	for i := 0; i < 6; i++ {
		d := b.Next()
		if d <= 0 {
			t.Fatalf("non-positive delay %v", d)
		}
		if d > time.Second {
			t.Errorf("delay %v exceeds cap", d)
		}
		// Jitter keeps each delay within [nominal/2, nominal]; the upper
		// bound must be non-decreasing across attempts.
		if d > prevMax {
			prevMax = d
		}
	}

	b.Reset()
	if d := b.Next(); d > 100*time.Millisecond {
		t.Errorf("reset should return to the base delay, got %v", d)
	}
}
