// Package registry tracks every known client: connection state, declared
// capabilities and liveness. It is the single source of truth the router and
// aggregator consult for "is this client addressable". All mutation happens
// through transport lifecycle callbacks and capability announcements.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AuraHome/aura/internal/fault"
	"github.com/AuraHome/aura/internal/protocol"
)

// State is the connection state of a client record.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateActive        State = "active"
)

// Sender writes envelopes to one connected client. The transport installs a
// live Sender on authentication and the registry drops it on disconnect.
type Sender interface {
	Send(env *protocol.Envelope) error
	Close() error
}

// Record is a read-only snapshot of one client's registry entry.
type Record struct {
	ClientID     string    `json:"client_id"`
	Endpoint     string    `json:"endpoint"`
	State        State     `json:"state"`
	Capabilities []string  `json:"capabilities"`
	LastSeen     time.Time `json:"last_seen"`
}

type entry struct {
	record Record
	sender Sender
}

// Registry is an in-memory index keyed by client id. A single RWMutex guards
// the map; every write touches exactly one record so readers are never
// blocked longer than a single record update.
type Registry struct {
	mu             sync.RWMutex
	clients        map[string]*entry
	absenceTimeout time.Duration
	logger         *slog.Logger
}

// New creates an empty registry. Records of disconnected clients are evicted
// after absenceTimeout by the Run loop.
func New(absenceTimeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clients:        make(map[string]*entry),
		absenceTimeout: absenceTimeout,
		logger:         logger,
	}
}

// Authenticated installs a live sender for a client that passed the TLS
// handshake. A reconnect within the absence timeout reuses the existing
// record, keeping its capability set.
func (r *Registry) Authenticated(clientID, endpoint string, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.clients[clientID]
	if !ok {
		e = &entry{record: Record{ClientID: clientID}}
		r.clients[clientID] = e
	}
	if e.sender != nil && e.sender != sender {
		// Stale session superseded by a fresh handshake.
		e.sender.Close()
	}
	e.sender = sender
	e.record.Endpoint = endpoint
	e.record.State = StateAuthenticated
	e.record.LastSeen = time.Now()
	r.logger.Info("client authenticated", "client_id", clientID, "endpoint", endpoint)
}

// Announce records the capability manifest a client declares after
// authentication and promotes the record to Active.
func (r *Registry) Announce(clientID string, capabilities []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.clients[clientID]
	if !ok {
		return
	}
	e.record.Capabilities = append([]string(nil), capabilities...)
	e.record.State = StateActive
	e.record.LastSeen = time.Now()
	r.logger.Info("client active", "client_id", clientID, "capabilities", capabilities)
}

// Touch refreshes the last-seen timestamp on heartbeat.
func (r *Registry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.clients[clientID]; ok {
		e.record.LastSeen = time.Now()
	}
}

// Disconnected degrades a client to Disconnected and drops its sender. The
// record itself survives until the absence timeout so a quick reconnect keeps
// identity and capabilities.
func (r *Registry) Disconnected(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.clients[clientID]
	if !ok {
		return
	}
	e.sender = nil
	e.record.State = StateDisconnected
	e.record.LastSeen = time.Now()
	r.logger.Info("client disconnected", "client_id", clientID)
}

// Get returns a snapshot of one client record.
func (r *Registry) Get(clientID string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.clients[clientID]
	if !ok {
		return Record{}, &fault.UnknownClientError{ClientID: clientID}
	}
	return e.record.snapshot(), nil
}

// ListOnline returns snapshots of every authenticated or active client.
func (r *Registry) ListOnline() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Record
	for _, e := range r.clients {
		if e.record.State == StateAuthenticated || e.record.State == StateActive {
			out = append(out, e.record.snapshot())
		}
	}
	return out
}

// ListAll returns snapshots of every record including disconnected ones.
func (r *Registry) ListAll() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.clients))
	for _, e := range r.clients {
		out = append(out, e.record.snapshot())
	}
	return out
}

// FindByCapability returns online clients that declared the named command.
func (r *Registry) FindByCapability(name string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Record
	for _, e := range r.clients {
		if e.record.State != StateAuthenticated && e.record.State != StateActive {
			continue
		}
		for _, c := range e.record.Capabilities {
			if c == name {
				out = append(out, e.record.snapshot())
				break
			}
		}
	}
	return out
}

// Sender returns the live sender for a client, or the routing fault that
// explains why it is unreachable.
func (r *Registry) Sender(clientID string) (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.clients[clientID]
	if !ok {
		return nil, &fault.UnknownClientError{ClientID: clientID}
	}
	if e.sender == nil || (e.record.State != StateAuthenticated && e.record.State != StateActive) {
		return nil, &fault.ClientOfflineError{ClientID: clientID}
	}
	return e.sender, nil
}

// Run evicts records of clients disconnected longer than the absence timeout.
// It blocks until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.absenceTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictAbsent()
		}
	}
}

func (r *Registry) evictAbsent() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.absenceTimeout)
	for id, e := range r.clients {
		if e.record.State == StateDisconnected && e.record.LastSeen.Before(cutoff) {
			delete(r.clients, id)
			r.logger.Info("client evicted", "client_id", id)
		}
	}
}

// EvictNow forces one eviction sweep. Used by tests and the status command.
func (r *Registry) EvictNow() {
	r.evictAbsent()
}

func (rec Record) snapshot() Record {
	out := rec
	out.Capabilities = append([]string(nil), rec.Capabilities...)
	return out
}
