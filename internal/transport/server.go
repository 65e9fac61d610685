// Package transport maintains the encrypted, mutually authenticated channel
// between the hub and each client. One TLS connection per client carries
// unary requests, pushes, heartbeats and multiplexed streams using the
// length-prefixed envelope framing from internal/protocol.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AuraHome/aura/internal/ca"
	"github.com/AuraHome/aura/internal/fault"
	"github.com/AuraHome/aura/internal/protocol"
	"github.com/AuraHome/aura/internal/registry"
	"github.com/AuraHome/aura/internal/router"
)

// ServerOptions configures the hub-side transport.
type ServerOptions struct {
	Identity          tls.Certificate
	Authority         *ca.Authority
	Registry          *registry.Registry
	Router            *router.Router
	RequireClientCert bool
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	Logger            *slog.Logger
}

// Server accepts client sessions and feeds their lifecycle into the registry
// and their traffic into the router.
type Server struct {
	opts ServerOptions

	ln net.Listener
	wg sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewServer creates a transport server. Serve must be called to start
// accepting.
func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.HeartbeatMisses <= 0 {
		opts.HeartbeatMisses = 3
	}
	return &Server{opts: opts}
}

// Listen binds the TLS listener. The peer certificate is checked against the
// authority during the handshake, so a revoked certificate is refused before
// any frame is exchanged.
func (s *Server) Listen(addr string) error {
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{s.opts.Identity},
		ClientCAs:    s.opts.Authority.TrustPool(),
		MinVersion:   tls.VersionTLS13,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return &fault.AuthenticationError{Reason: "no client certificate presented"}
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return &fault.AuthenticationError{Reason: "unparseable client certificate"}
			}
			if status := s.opts.Authority.Verify(leaf); status != ca.StatusValid {
				return &fault.AuthenticationError{
					ClientID: leaf.Subject.CommonName,
					Reason:   fmt.Sprintf("certificate %s", status),
				}
			}
			return nil
		},
	}
	if s.opts.RequireClientCert {
		tlsCfg.ClientAuth = tls.RequireAnyClientCert
	} else {
		tlsCfg.ClientAuth = tls.RequestClientCert
	}

	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.opts.Logger.Info("transport listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts sessions until Close. It blocks.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.opts.Logger.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting and waits for active sessions to finish their
// teardown.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		s.opts.Logger.Warn("handshake refused", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	state := tlsConn.ConnectionState()
	var clientID string
	if len(state.PeerCertificates) > 0 {
		clientID = state.PeerCertificates[0].Subject.CommonName
	} else if s.opts.RequireClientCert {
		s.opts.Logger.Warn("session without client certificate refused", "remote", conn.RemoteAddr().String())
		conn.Close()
		return
	}

	sess := &session{
		id:       uuid.NewString(),
		clientID: clientID,
		conn:     tlsConn,
	}
	if clientID != "" {
		s.opts.Registry.Authenticated(clientID, conn.RemoteAddr().String(), sess)
		s.opts.Logger.Info("session established", "client_id", clientID, "session_id", sess.id)
	}

	s.readLoop(sess)

	// Streams stay registered across the drop; they resume when the client
	// announces again.
	if sess.clientID != "" {
		s.opts.Registry.Disconnected(sess.clientID)
	}
	sess.Close()
	s.opts.Logger.Info("session closed", "client_id", sess.clientID, "session_id", sess.id)
}

// readLoop pumps frames from one session. The read deadline spans N
// heartbeat intervals; a client that misses that many heartbeats is treated
// as half-open and disconnected.
func (s *Server) readLoop(sess *session) {
	idle := s.opts.HeartbeatInterval * time.Duration(s.opts.HeartbeatMisses)
	for {
		sess.conn.SetReadDeadline(time.Now().Add(idle))
		env, err := protocol.ReadFrame(sess.conn)
		if err != nil {
			return
		}
		switch env.Kind {
		case protocol.KindHeartbeat:
			s.opts.Registry.Touch(sess.clientID)
		case protocol.KindAnnounce:
			var announce protocol.AnnouncePayload
			if err := json.Unmarshal(env.Payload, &announce); err != nil {
				s.opts.Logger.Warn("malformed announce", "client_id", sess.clientID, "error", err)
				continue
			}
			// A session without a certificate identity adopts the announced
			// id. Certificate-backed sessions keep the certificate subject.
			if sess.clientID == "" && announce.ClientID != "" {
				sess.clientID = announce.ClientID
				s.opts.Registry.Authenticated(sess.clientID, sess.conn.RemoteAddr().String(), sess)
			}
			s.opts.Registry.Announce(sess.clientID, announce.Capabilities)
			s.opts.Router.ResumeStreamsFor(sess.clientID)
		default:
			s.opts.Router.HandleEnvelope(sess.clientID, env)
		}
	}
}

// session is one live client connection. It implements registry.Sender;
// writes are serialized by a mutex since frames must not interleave.
type session struct {
	id       string
	clientID string
	conn     *tls.Conn

	writeMu sync.Mutex
	closed  bool
}

func (s *session) Send(env *protocol.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return &fault.ClientOfflineError{ClientID: s.clientID}
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return protocol.WriteFrame(s.conn, env)
}

func (s *session) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
