package router

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/AuraHome/aura/internal/protocol"
)

// Stream is one multiplexed frame sequence over a client session, used for
// screen capture and voice data. Frames arrive in order on Frames() until
// either side closes; session loss only pauses the sequence, which resumes
// when the client reconnects. A consumer lagging past the buffer loses
// frames rather than stalling the session read loop.
type Stream struct {
	ID       string
	ClientID string
	Command  string

	payload json.RawMessage

	mu     sync.Mutex
	closed bool
	frames chan []byte
	done   chan struct{}

	router *Router
}

const streamBuffer = 32

// OpenStream starts a streaming command on one client and returns the live
// frame sequence. The stream ends only on Close, a close frame from the
// client, or ctx cancellation; it spans session drops in between.
func (r *Router) OpenStream(ctx context.Context, clientID, command string, payload json.RawMessage) (*Stream, error) {
	sender, err := r.registry.Sender(clientID)
	if err != nil {
		return nil, err
	}

	s := &Stream{
		ID:       uuid.NewString(),
		ClientID: clientID,
		Command:  command,
		payload:  payload,
		frames:   make(chan []byte, streamBuffer),
		done:     make(chan struct{}),
		router:   r,
	}

	r.mu.Lock()
	r.streams[s.ID] = s
	r.mu.Unlock()

	if err := sender.Send(s.openEnvelope()); err != nil {
		r.closeStream(s.ID)
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Frames returns the ordered frame sequence. The channel is closed when the
// stream ends.
func (s *Stream) Frames() <-chan []byte {
	return s.frames
}

// openEnvelope builds the stream-open request, reused when a reconnected
// session resumes the stream.
func (s *Stream) openEnvelope() *protocol.Envelope {
	open := protocol.NewRequest(uuid.NewString(), s.Command, s.payload)
	open.Kind = protocol.KindStream
	open.StreamID = s.ID
	return open
}

// Close terminates the stream from this side. A close frame is sent to the
// client on a best-effort basis; an offline client simply never resumes.
func (s *Stream) Close() {
	if sender, err := s.router.registry.Sender(s.ClientID); err == nil {
		closeFrame := &protocol.Envelope{
			Kind:     protocol.KindStream,
			StreamID: s.ID,
			Status:   protocol.StatusOK,
		}
		_ = sender.Send(closeFrame)
	}
	s.router.closeStream(s.ID)
}

func (s *Stream) push(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.frames <- frame:
	default:
	}
}

func (s *Stream) terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.frames)
}

// ResumeStreamsFor re-issues the open request for every stream attached to
// a client whose session just came back. Streams span reconnects; only an
// explicit close from either side, or the opener's ctx, ends them.
func (r *Router) ResumeStreamsFor(clientID string) {
	r.mu.Lock()
	var streams []*Stream
	for _, s := range r.streams {
		if s.ClientID == clientID {
			streams = append(streams, s)
		}
	}
	r.mu.Unlock()
	if len(streams) == 0 {
		return
	}
	sender, err := r.registry.Sender(clientID)
	if err != nil {
		return
	}
	for _, s := range streams {
		if err := sender.Send(s.openEnvelope()); err != nil {
			r.logger.Warn("stream resume failed", "stream_id", s.ID, "client_id", clientID, "error", err)
		}
	}
}

func (r *Router) closeStream(id string) {
	r.mu.Lock()
	s, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	r.mu.Unlock()
	if ok {
		s.terminate()
	}
}

// deliverStreamFrame routes an inbound stream envelope to its open stream.
// An empty payload with StatusOK is the close marker.
func (r *Router) deliverStreamFrame(env *protocol.Envelope) {
	r.mu.Lock()
	s, ok := r.streams[env.StreamID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("frame for unknown stream discarded", "stream_id", env.StreamID)
		return
	}
	if len(env.Payload) == 0 {
		r.closeStream(env.StreamID)
		return
	}
	s.push(env.Payload)
}
