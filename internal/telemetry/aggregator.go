// Package telemetry merges per-client state snapshots into a unified
// world-state view. Snapshots are immutable once recorded; each update
// replaces the previous snapshot atomically, so a reader never observes a
// mix of two update cycles for the same client.
package telemetry

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/AuraHome/aura/internal/protocol"
)

// Snapshot is one client's observed state at a point in time.
type Snapshot struct {
	ClientID     string            `json:"client_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Observations map[string]string `json:"observations"`
}

// View is the merged world state. Stale entries are flagged rather than
// removed so a planner can reason about degraded confidence.
type View struct {
	ClientID string   `json:"client_id"`
	Snapshot Snapshot `json:"snapshot"`
	Stale    bool     `json:"stale"`
}

// Aggregator holds the latest snapshot per client plus a bounded history
// ring for trend queries.
type Aggregator struct {
	mu          sync.RWMutex
	latest      map[string]*Snapshot
	history     map[string][]Snapshot
	historySize int
	staleAfter  time.Duration
	logger      *slog.Logger
}

// New creates an aggregator. historySize bounds the per-client ring;
// snapshots older than staleAfter are flagged stale in the merged view.
func New(historySize int, staleAfter time.Duration, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if historySize <= 0 {
		historySize = 64
	}
	return &Aggregator{
		latest:      make(map[string]*Snapshot),
		history:     make(map[string][]Snapshot),
		historySize: historySize,
		staleAfter:  staleAfter,
		logger:      logger,
	}
}

// Record stores a new snapshot for a client. The observation map is copied
// so later caller mutation cannot leak into recorded state.
func (a *Aggregator) Record(snap Snapshot) {
	obs := make(map[string]string, len(snap.Observations))
	for k, v := range snap.Observations {
		obs[k] = v
	}
	snap.Observations = obs
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.latest[snap.ClientID] = &snap

	ring := append(a.history[snap.ClientID], snap)
	if len(ring) > a.historySize {
		ring = ring[len(ring)-a.historySize:]
	}
	a.history[snap.ClientID] = ring
}

// HandlePush is a router push handler for telemetry envelopes.
func (a *Aggregator) HandlePush(clientID string, payload json.RawMessage) {
	var p protocol.TelemetryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		a.logger.Warn("malformed telemetry push", "client_id", clientID, "error", err)
		return
	}
	a.Record(Snapshot{ClientID: clientID, Timestamp: p.Timestamp, Observations: p.Observations})
}

// CurrentView returns the merged map of latest snapshots keyed by client id.
// The returned views are copies and safe to hold across further updates.
func (a *Aggregator) CurrentView() map[string]View {
	a.mu.RLock()
	defer a.mu.RUnlock()

	now := time.Now()
	out := make(map[string]View, len(a.latest))
	for id, snap := range a.latest {
		out[id] = View{
			ClientID: id,
			Snapshot: snap.copy(),
			Stale:    now.Sub(snap.Timestamp) > a.staleAfter,
		}
	}
	return out
}

// Latest returns the most recent snapshot for one client.
func (a *Aggregator) Latest(clientID string) (Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap, ok := a.latest[clientID]
	if !ok {
		return Snapshot{}, false
	}
	return snap.copy(), true
}

// History returns the retained snapshots for a client newer than the window,
// oldest first.
func (a *Aggregator) History(clientID string, window time.Duration) []Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	var out []Snapshot
	for _, snap := range a.history[clientID] {
		if snap.Timestamp.After(cutoff) {
			out = append(out, snap.copy())
		}
	}
	return out
}

func (s *Snapshot) copy() Snapshot {
	obs := make(map[string]string, len(s.Observations))
	for k, v := range s.Observations {
		obs[k] = v
	}
	return Snapshot{ClientID: s.ClientID, Timestamp: s.Timestamp, Observations: obs}
}
