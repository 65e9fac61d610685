// Package protocol defines the wire format of the authenticated channel:
// a JSON envelope per message, framed with a 4-byte big-endian length prefix.
// Every kind of traffic shares the one framing so a session needs a single
// read loop.
package protocol

import (
	"encoding/json"
	"time"
)

// Kind discriminates envelope traffic on the multiplexed channel.
const (
	KindRequest   = "request"
	KindResponse  = "response"
	KindPush      = "push"
	KindStream    = "stream"
	KindHeartbeat = "heartbeat"
	KindAnnounce  = "announce"
)

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Envelope is the wire format for all channel messages. Heartbeats carry no
// payload. Stream frames reuse the envelope with a StreamID and raw payload
// bytes; an empty-payload stream frame with StatusOK closes the stream.
type Envelope struct {
	CorrelationID string          `json:"correlation_id"`
	Kind          string          `json:"kind"`
	SenderID      string          `json:"sender_id,omitempty"`
	Command       string          `json:"command,omitempty"`
	StreamID      string          `json:"stream_id,omitempty"`
	Status        string          `json:"status,omitempty"`
	Error         string          `json:"error,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// AnnouncePayload is the first message a client sends after the handshake:
// its stable id and the command names it can serve.
type AnnouncePayload struct {
	ClientID     string   `json:"client_id"`
	Capabilities []string `json:"capabilities"`
}

// TelemetryPayload is a periodic client state push consumed by the
// context aggregator.
type TelemetryPayload struct {
	ClientID     string            `json:"client_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Observations map[string]string `json:"observations"`
}

// NewRequest builds a request envelope for a named command.
func NewRequest(correlationID, command string, payload json.RawMessage) *Envelope {
	return &Envelope{
		CorrelationID: correlationID,
		Kind:          KindRequest,
		Command:       command,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

// NewResponse builds the response to a request, preserving its correlation id.
func NewResponse(correlationID string, payload json.RawMessage) *Envelope {
	return &Envelope{
		CorrelationID: correlationID,
		Kind:          KindResponse,
		Status:        StatusOK,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

// NewErrorResponse builds a failed response carrying the remote error text.
func NewErrorResponse(correlationID, errText string) *Envelope {
	return &Envelope{
		CorrelationID: correlationID,
		Kind:          KindResponse,
		Status:        StatusError,
		Error:         errText,
		Timestamp:     time.Now().UTC(),
	}
}

// NewHeartbeat builds an empty-payload heartbeat envelope.
func NewHeartbeat(senderID string) *Envelope {
	return &Envelope{
		Kind:      KindHeartbeat,
		SenderID:  senderID,
		Timestamp: time.Now().UTC(),
	}
}
