// Package router dispatches commands to one or many clients and correlates
// their responses. It owns the pending-correlation table: every in-flight
// request has exactly one waiter, and a response is delivered exactly once
// even if duplicates arrive on the wire.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AuraHome/aura/internal/fault"
	"github.com/AuraHome/aura/internal/protocol"
	"github.com/AuraHome/aura/internal/registry"
)

// Command describes one dispatch. An empty Target means broadcast to every
// online client declaring the command. Non-idempotent commands are never
// silently retried by any layer above.
type Command struct {
	Target     string
	Name       string
	Payload    json.RawMessage
	Timeout    time.Duration
	Idempotent bool
}

// Result is one client's outcome of a broadcast.
type Result struct {
	ClientID string
	Payload  json.RawMessage
	Err      error
}

// PushHandler consumes an unsolicited client push for a subscribed command.
type PushHandler func(clientID string, payload json.RawMessage)

// DispatchObserver is notified after every unary dispatch completes, with
// its outcome. The event journal hooks in here.
type DispatchObserver func(cmd Command, err error)

// Router correlates requests with responses over the transport.
type Router struct {
	registry       *registry.Registry
	defaultTimeout time.Duration
	logger         *slog.Logger

	mu       sync.Mutex
	pending  map[string]chan *protocol.Envelope
	streams  map[string]*Stream
	subs     map[string][]PushHandler
	dispatch []DispatchObserver
}

// New creates a router over the given registry.
func New(reg *registry.Registry, defaultTimeout time.Duration, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:       reg,
		defaultTimeout: defaultTimeout,
		logger:         logger,
		pending:        make(map[string]chan *protocol.Envelope),
		streams:        make(map[string]*Stream),
		subs:           make(map[string][]PushHandler),
	}
}

// ObserveDispatch registers an observer for completed unary dispatches.
func (r *Router) ObserveDispatch(obs DispatchObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatch = append(r.dispatch, obs)
}

func (r *Router) notifyDispatch(cmd Command, err error) {
	r.mu.Lock()
	observers := append([]DispatchObserver(nil), r.dispatch...)
	r.mu.Unlock()
	for _, obs := range observers {
		obs(cmd, err)
	}
}

// Send dispatches a unary command and blocks until the correlated response,
// the command deadline, or ctx cancellation. Routing faults surface before
// anything is written to the wire.
func (r *Router) Send(ctx context.Context, cmd Command) (json.RawMessage, error) {
	payload, err := r.send(ctx, cmd)
	r.notifyDispatch(cmd, err)
	return payload, err
}

func (r *Router) send(ctx context.Context, cmd Command) (json.RawMessage, error) {
	sender, err := r.registry.Sender(cmd.Target)
	if err != nil {
		return nil, err
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	corr := uuid.NewString()
	ch := make(chan *protocol.Envelope, 1)
	r.mu.Lock()
	r.pending[corr] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, corr)
		r.mu.Unlock()
	}()

	env := protocol.NewRequest(corr, cmd.Name, cmd.Payload)
	if err := sender.Send(env); err != nil {
		return nil, &fault.ClientOfflineError{ClientID: cmd.Target}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Status == protocol.StatusError {
			return nil, errors.New(resp.Error)
		}
		return resp.Payload, nil
	case <-timer.C:
		r.logger.Warn("command timed out", "command", cmd.Name, "client_id", cmd.Target, "correlation_id", corr)
		return nil, &fault.TimeoutError{CorrelationID: corr, Command: cmd.Name}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &fault.TimeoutError{CorrelationID: corr, Command: cmd.Name}
		}
		return nil, ctx.Err()
	}
}

// Broadcast fans a command out to every online client that declared it and
// collects per-client results under one shared deadline. A slow client costs
// at most the deadline, never more, and never delays the other results.
func (r *Router) Broadcast(ctx context.Context, cmd Command) []Result {
	targets := r.registry.FindByCapability(cmd.Name)
	if len(targets) == 0 {
		return nil
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make([]Result, len(targets))
	g, ctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			sub := cmd
			sub.Target = target.ClientID
			sub.Timeout = timeout
			payload, err := r.Send(ctx, sub)
			results[i] = Result{ClientID: target.ClientID, Payload: payload, Err: err}
			// Individual failures are part of the aggregate, not fatal.
			return nil
		})
	}
	g.Wait()
	return results
}

// Subscribe registers a handler for unsolicited pushes of a named command,
// such as periodic telemetry.
func (r *Router) Subscribe(command string, handler PushHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[command] = append(r.subs[command], handler)
}

// HandleEnvelope is the transport's ingress for every non-heartbeat envelope
// arriving from an authenticated client.
func (r *Router) HandleEnvelope(clientID string, env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindResponse:
		r.deliverResponse(env)
	case protocol.KindPush:
		r.dispatchPush(clientID, env)
	case protocol.KindStream:
		r.deliverStreamFrame(env)
	default:
		r.logger.Debug("ignoring envelope", "kind", env.Kind, "client_id", clientID)
	}
}

// deliverResponse resolves the pending waiter exactly once. Removing the
// entry before sending means a duplicate response finds no waiter.
func (r *Router) deliverResponse(env *protocol.Envelope) {
	r.mu.Lock()
	ch, ok := r.pending[env.CorrelationID]
	if ok {
		delete(r.pending, env.CorrelationID)
	}
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("late or duplicate response discarded", "correlation_id", env.CorrelationID)
		return
	}
	ch <- env
}

func (r *Router) dispatchPush(clientID string, env *protocol.Envelope) {
	r.mu.Lock()
	handlers := append([]PushHandler(nil), r.subs[env.Command]...)
	r.mu.Unlock()
	for _, h := range handlers {
		h(clientID, env.Payload)
	}
}
