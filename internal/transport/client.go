package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/AuraHome/aura/internal/commands"
	"github.com/AuraHome/aura/internal/fault"
	"github.com/AuraHome/aura/internal/protocol"
)

// ClientOptions configures a client-side transport.
type ClientOptions struct {
	ClientID          string
	ServerAddr        string
	Identity          tls.Certificate
	RootCAs           *x509.CertPool
	ServerName        string
	Commands          *commands.Registry
	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	Logger            *slog.Logger
}

// Client maintains one authenticated session to the hub, reconnecting with
// backoff when it drops. Pushes issued while offline are queued and resumed
// after reconnection. An authentication failure is terminal: Run returns and
// never dials again with the same rejected identity.
type Client struct {
	opts ClientOptions

	mu      sync.Mutex
	conn    *tls.Conn
	pending []*protocol.Envelope

	streamMu sync.Mutex
	streams  map[string]context.CancelFunc
}

const pendingLimit = 256

// NewClient creates a client transport. Run starts it.
func NewClient(opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.Commands == nil {
		opts.Commands = commands.NewRegistry()
	}
	return &Client{
		opts:    opts,
		streams: make(map[string]context.CancelFunc),
	}
}

// Run connects and serves the session until ctx is cancelled or the identity
// is rejected. Reconnection is single-flight: this loop is the only dialer,
// so overlapping reconnect races cannot occur.
func (c *Client) Run(ctx context.Context) error {
	backoff := &Backoff{Base: c.opts.ReconnectBase, Cap: c.opts.ReconnectCap}
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if authErr := asAuthentication(err, c.opts.ClientID); authErr != nil {
				c.opts.Logger.Error("identity rejected, giving up", "error", err)
				return authErr
			}
			delay := backoff.Next()
			c.opts.Logger.Warn("connect failed, retrying", "error", err, "delay", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}

		err = c.serveSession(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		if authErr := asAuthentication(err, c.opts.ClientID); authErr != nil {
			c.opts.Logger.Error("identity rejected, giving up", "error", err)
			return authErr
		}
		backoff.Reset()
		c.opts.Logger.Warn("session lost, reconnecting", "error", err)
	}
}

// Connected reports whether a session is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Push sends an unsolicited envelope to the hub, queueing it for resume if
// the session is down. The oldest queued push is dropped past the limit.
func (c *Client) Push(command string, payload json.RawMessage) error {
	env := &protocol.Envelope{
		Kind:      protocol.KindPush,
		SenderID:  c.opts.ClientID,
		Command:   command,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.queue(env)
		return nil
	}
	if err := c.write(env); err != nil {
		// The session can drop between the check and the write; keep the
		// envelope for resume instead of losing it.
		c.queue(env)
	}
	return nil
}

// queue holds an envelope for resume after reconnection, dropping the oldest
// past the limit.
func (c *Client) queue(env *protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) >= pendingLimit {
		c.pending = c.pending[1:]
	}
	c.pending = append(c.pending, env)
}

func (c *Client) dial(ctx context.Context) (*tls.Conn, error) {
	serverName := c.opts.ServerName
	if serverName == "" {
		host, _, err := net.SplitHostPort(c.opts.ServerAddr)
		if err == nil {
			serverName = host
		}
	}
	dialer := &tls.Dialer{Config: &tls.Config{
		Certificates: []tls.Certificate{c.opts.Identity},
		RootCAs:      c.opts.RootCAs,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS13,
	}}
	netConn, err := dialer.DialContext(ctx, "tcp", c.opts.ServerAddr)
	if err != nil {
		return nil, err
	}
	return netConn.(*tls.Conn), nil
}

func (c *Client) serveSession(ctx context.Context, conn *tls.Conn) error {
	c.mu.Lock()
	c.conn = conn
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		c.cancelStreams()
	}()

	announce, err := json.Marshal(protocol.AnnouncePayload{
		ClientID:     c.opts.ClientID,
		Capabilities: c.opts.Commands.Capabilities(),
	})
	if err != nil {
		return err
	}
	if err := c.write(&protocol.Envelope{
		Kind:      protocol.KindAnnounce,
		SenderID:  c.opts.ClientID,
		Timestamp: time.Now().UTC(),
		Payload:   announce,
	}); err != nil {
		return err
	}

	// Resume pushes queued while disconnected. A failure mid-resume keeps
	// the unsent remainder for the next session.
	for i, env := range queued {
		if err := c.write(env); err != nil {
			c.mu.Lock()
			c.pending = append(append([]*protocol.Envelope(nil), queued[i:]...), c.pending...)
			c.mu.Unlock()
			return err
		}
	}
	c.opts.Logger.Info("connected", "server", c.opts.ServerAddr, "resumed", len(queued))

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeatLoop(sessCtx)

	for {
		env, err := protocol.ReadFrame(conn)
		if err != nil {
			return err
		}
		switch env.Kind {
		case protocol.KindRequest:
			go c.handleRequest(sessCtx, env)
		case protocol.KindStream:
			c.handleStreamFrame(sessCtx, env)
		case protocol.KindHeartbeat:
			// Server-side heartbeats need no reply; the read itself proves
			// the channel is live.
		default:
			c.opts.Logger.Debug("ignoring envelope", "kind", env.Kind)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(protocol.NewHeartbeat(c.opts.ClientID)); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleRequest(ctx context.Context, env *protocol.Envelope) {
	handler, err := c.opts.Commands.Get(env.Command)
	if err != nil {
		c.write(protocol.NewErrorResponse(env.CorrelationID, err.Error()))
		return
	}
	payload, err := handler.Execute(ctx, env.Payload)
	if err != nil {
		c.write(protocol.NewErrorResponse(env.CorrelationID, err.Error()))
		return
	}
	c.write(protocol.NewResponse(env.CorrelationID, payload))
}

// handleStreamFrame starts a stream handler on an open envelope and cancels
// it on the close marker.
func (c *Client) handleStreamFrame(ctx context.Context, env *protocol.Envelope) {
	if env.Command == "" {
		// Close marker.
		c.stopStream(env.StreamID)
		return
	}

	fn, err := c.opts.Commands.GetStream(env.Command)
	if err != nil {
		c.write(&protocol.Envelope{Kind: protocol.KindStream, StreamID: env.StreamID, Status: protocol.StatusOK})
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	c.streamMu.Lock()
	c.streams[env.StreamID] = cancel
	c.streamMu.Unlock()

	go func() {
		defer c.stopStream(env.StreamID)
		send := func(frame []byte) error {
			return c.write(&protocol.Envelope{
				Kind:     protocol.KindStream,
				StreamID: env.StreamID,
				Payload:  frame,
			})
		}
		if err := fn(streamCtx, env.Payload, send); err != nil && streamCtx.Err() == nil {
			c.opts.Logger.Warn("stream handler failed", "command", env.Command, "error", err)
		}
		// Close marker so the hub ends the frame sequence.
		c.write(&protocol.Envelope{Kind: protocol.KindStream, StreamID: env.StreamID, Status: protocol.StatusOK})
	}()
}

func (c *Client) stopStream(id string) {
	c.streamMu.Lock()
	cancel, ok := c.streams[id]
	if ok {
		delete(c.streams, id)
	}
	c.streamMu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Client) cancelStreams() {
	c.streamMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.streams))
	for id, cancel := range c.streams {
		cancels = append(cancels, cancel)
		delete(c.streams, id)
	}
	c.streamMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (c *Client) write(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return &fault.ClientOfflineError{ClientID: c.opts.ClientID}
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return protocol.WriteFrame(c.conn, env)
}

// asAuthentication maps TLS identity rejection to the terminal
// AuthenticationError. A peer alert surfaces only as a remote error string,
// so the text check is unavoidable for that case.
func asAuthentication(err error, clientID string) *fault.AuthenticationError {
	if err == nil {
		return nil
	}
	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var invalid x509.CertificateInvalidError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuthority) || errors.As(err, &invalid) {
		return &fault.AuthenticationError{ClientID: clientID, Reason: err.Error()}
	}
	msg := err.Error()
	if strings.Contains(msg, "tls: bad certificate") ||
		strings.Contains(msg, "tls: certificate required") ||
		strings.Contains(msg, "tls: expired certificate") ||
		strings.Contains(msg, "tls: revoked certificate") ||
		strings.Contains(msg, "tls: unknown certificate authority") {
		return &fault.AuthenticationError{ClientID: clientID, Reason: msg}
	}
	return nil
}
