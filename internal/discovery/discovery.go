// Package discovery lets clients on the same LAN find the hub without
// configuration. The hub broadcasts a small JSON beacon over UDP at a fixed
// interval; a client listens on the beacon port and returns the first
// matching hub address. Discovery only locates the endpoint, it never
// weakens authentication: a discovered hub still has to pass the mutual-TLS
// handshake.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const magic = "aura1"

// Beacon is the broadcast payload.
type Beacon struct {
	Magic    string `json:"magic"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
}

// Announcer broadcasts the hub's presence.
type Announcer struct {
	hostname  string
	hubPort   int
	beacon    int
	interval  time.Duration
	logger    *slog.Logger
	broadcast string
}

// NewAnnouncer creates an announcer for a hub reachable on hubPort.
// beaconPort is the UDP port clients listen on.
func NewAnnouncer(hostname string, hubPort, beaconPort int, interval time.Duration, logger *slog.Logger) *Announcer {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Announcer{
		hostname:  hostname,
		hubPort:   hubPort,
		beacon:    beaconPort,
		interval:  interval,
		logger:    logger,
		broadcast: fmt.Sprintf("255.255.255.255:%d", beaconPort),
	}
}

// Run broadcasts beacons until ctx is cancelled.
func (a *Announcer) Run(ctx context.Context) error {
	conn, err := net.Dial("udp", a.broadcast)
	if err != nil {
		return fmt.Errorf("failed to open beacon socket: %w", err)
	}
	defer conn.Close()

	payload, err := json.Marshal(Beacon{Magic: magic, Hostname: a.hostname, Port: a.hubPort})
	if err != nil {
		return err
	}

	a.logger.Info("discovery beacon started", "port", a.beacon, "interval", a.interval)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := conn.Write(payload); err != nil {
				a.logger.Warn("beacon send failed", "error", err)
			}
		}
	}
}

// Listen waits for one valid beacon on the given UDP port and returns the
// hub's host:port. It respects ctx cancellation and deadline.
func Listen(ctx context.Context, beaconPort int) (string, error) {
	pc, err := net.ListenPacket("udp", fmt.Sprintf(":%d", beaconPort))
	if err != nil {
		return "", fmt.Errorf("failed to listen for beacons: %w", err)
	}
	defer pc.Close()

	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	buf := make([]byte, 1024)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		var b Beacon
		if err := json.Unmarshal(buf[:n], &b); err != nil || b.Magic != magic {
			continue
		}
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			continue
		}
		return net.JoinHostPort(host, fmt.Sprintf("%d", b.Port)), nil
	}
}
