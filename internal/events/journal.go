// Package events keeps the replayable event journal: issued commands,
// plan-step transitions and telemetry snapshots, appended in order and
// never rewritten. The pattern learner consumes it by replay and by live
// subscription. An optional Kafka mirror publishes every event for
// off-site consumers.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	_ "modernc.org/sqlite"

	"github.com/AuraHome/aura/internal/fault"
)

// Event kinds.
const (
	KindCommand   = "command"
	KindPlanStep  = "plan-step"
	KindTelemetry = "telemetry"
	KindLifecycle = "lifecycle"
)

// Event is one journal entry. ID is assigned on append and strictly
// increasing.
type Event struct {
	ID        int64           `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"kind"`
	ClientID  string          `json:"client_id,omitempty"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts DATETIME NOT NULL,
	kind TEXT NOT NULL,
	client_id TEXT,
	name TEXT NOT NULL,
	payload TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
`

// Options configures the journal.
type Options struct {
	// KafkaBrokers enables the mirror when non-empty (comma separated).
	KafkaBrokers string
	// Site names the installation; the mirror topic is aura.<site>.events.
	Site   string
	Logger *slog.Logger
}

// Journal is the durable, replayable event log.
type Journal struct {
	db     *sql.DB
	writer *kafka.Writer
	logger *slog.Logger

	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// Open opens or creates the journal database.
func Open(dbPath string, opts Options) (*Journal, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &fault.StorageError{Op: "events.open", Err: err}
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, &fault.StorageError{Op: "events.schema", Err: err}
	}

	j := &Journal{
		db:     db,
		logger: opts.Logger,
		subs:   make(map[int]chan Event),
	}
	if opts.KafkaBrokers != "" {
		site := opts.Site
		if site == "" {
			site = "home"
		}
		j.writer = &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(opts.KafkaBrokers, ",")...),
			Topic:        fmt.Sprintf("aura.%s.events", site),
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		}
	}
	return j, nil
}

// Close flushes the mirror and closes the database.
func (j *Journal) Close() error {
	if j.writer != nil {
		j.writer.Close()
	}
	return j.db.Close()
}

// Append stores an event, fans it out to live subscribers and mirrors it to
// Kafka best-effort. The assigned id is returned.
func (j *Journal) Append(ctx context.Context, ev Event) (int64, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO events (ts, kind, client_id, name, payload) VALUES (?, ?, ?, ?, ?)`,
		ev.Timestamp, ev.Kind, ev.ClientID, ev.Name, string(ev.Payload))
	if err != nil {
		return 0, &fault.StorageError{Op: "events.append", Err: err}
	}
	ev.ID, err = res.LastInsertId()
	if err != nil {
		return 0, &fault.StorageError{Op: "events.append", Err: err}
	}

	j.fanout(ev)
	j.mirror(ctx, ev)
	return ev.ID, nil
}

// Replay returns all events with id greater than since, in append order.
func (j *Journal) Replay(since int64) ([]Event, error) {
	rows, err := j.db.Query(
		`SELECT id, ts, kind, client_id, name, payload FROM events WHERE id > ? ORDER BY id ASC`, since)
	if err != nil {
		return nil, &fault.StorageError{Op: "events.replay", Err: err}
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var payload string
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Kind, &ev.ClientID, &ev.Name, &payload); err != nil {
			return nil, &fault.StorageError{Op: "events.replay", Err: err}
		}
		if payload != "" {
			ev.Payload = json.RawMessage(payload)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Subscribe returns a channel of live events and a cancel function. A slow
// subscriber loses events past its buffer rather than blocking appenders.
func (j *Journal) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	j.mu.Lock()
	id := j.next
	j.next++
	j.subs[id] = ch
	j.mu.Unlock()

	cancel := func() {
		j.mu.Lock()
		if sub, ok := j.subs[id]; ok {
			delete(j.subs, id)
			close(sub)
		}
		j.mu.Unlock()
	}
	return ch, cancel
}

func (j *Journal) fanout(ev Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, ch := range j.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (j *Journal) mirror(ctx context.Context, ev Event) {
	if j.writer == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := j.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Kind),
		Value: data,
	}); err != nil {
		j.logger.Warn("kafka mirror write failed", "error", err)
	}
}
