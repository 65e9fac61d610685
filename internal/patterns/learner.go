// Package patterns learns proactive-suggestion triggers from the event
// journal. Two trigger families are derived: command sequences (command Y
// tends to follow command X within the window) and time-of-day habits
// (command X recurs at hour H on weekday D). Frequencies increment on
// matching events and decay multiplicatively per elapsed period otherwise;
// records falling below the prune threshold are deleted. The learner never
// issues commands, it only emits candidates for an external decision layer.
package patterns

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/AuraHome/aura/internal/events"
)

// Pattern types.
const (
	TypeSequence = "sequence"
	TypeTime     = "time"
)

// Record is one learned trigger. Confidence tracks suggestion quality and
// moves with user feedback; Frequency tracks raw recurrence and decays.
// DecayedAt marks how far decay has already been applied, so repeated ticks
// never recount the same silent period.
type Record struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Signature   string    `json:"signature"`
	Action      string    `json:"action"`
	Frequency   float64   `json:"frequency"`
	Confidence  float64   `json:"confidence"`
	Occurrences int       `json:"occurrences"`
	LastSeen    time.Time `json:"last_seen"`
	DecayedAt   time.Time `json:"decayed_at"`
}

// Suggestion is one ranked candidate from SuggestionsFor.
type Suggestion struct {
	PatternID  string  `json:"pattern_id"`
	Type       string  `json:"type"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Score      float64 `json:"score"`
}

// Context describes the current situation suggestions are matched against.
type Context struct {
	RecentCommand string
	Now           time.Time
}

// Options configures the learner.
type Options struct {
	SequenceWindow      time.Duration
	DecayFactor         float64
	DecayPeriod         time.Duration
	PruneThreshold      float64
	ConfidenceThreshold float64
	Logger              *slog.Logger
}

const maxSuggestions = 5

type historyEntry struct {
	command string
	at      time.Time
}

// Learner consumes events and maintains the pattern set.
type Learner struct {
	opts  Options
	store *patternStore

	mu      sync.Mutex
	records map[string]*Record
	history []historyEntry
}

// Open loads the pattern set from its database.
func Open(dbPath string, opts Options) (*Learner, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SequenceWindow <= 0 {
		opts.SequenceWindow = 5 * time.Minute
	}
	if opts.DecayFactor <= 0 || opts.DecayFactor >= 1 {
		opts.DecayFactor = 0.8
	}
	if opts.DecayPeriod <= 0 {
		opts.DecayPeriod = 24 * time.Hour
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 0.6
	}

	store, err := openPatternStore(dbPath)
	if err != nil {
		return nil, err
	}
	records, err := store.loadAll()
	if err != nil {
		store.Close()
		return nil, err
	}
	return &Learner{opts: opts, store: store, records: records}, nil
}

// Close releases the pattern database.
func (l *Learner) Close() error {
	return l.store.Close()
}

// Run consumes journal events until ctx is cancelled, decaying the pattern
// set once per period.
func (l *Learner) Run(ctx context.Context, ch <-chan events.Event) {
	ticker := time.NewTicker(l.opts.DecayPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Decay(time.Now())
		case ev, ok := <-ch:
			if !ok {
				return
			}
			l.Observe(ev)
		}
	}
}

// Observe feeds one event into the learner. Only command events contribute
// to triggers.
func (l *Learner) Observe(ev events.Event) {
	if ev.Kind != events.KindCommand {
		return
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Sequence triggers: every prior command still inside the window
	// co-occurs with this one.
	cutoff := at.Add(-l.opts.SequenceWindow)
	kept := l.history[:0]
	for _, h := range l.history {
		if h.at.After(cutoff) {
			kept = append(kept, h)
		}
	}
	l.history = kept
	for _, h := range l.history {
		if h.command == ev.Name {
			continue
		}
		l.bump(TypeSequence, fmt.Sprintf("after:%s", h.command), ev.Name, at)
	}
	l.history = append(l.history, historyEntry{command: ev.Name, at: at})

	// Time-of-day trigger.
	l.bump(TypeTime, fmt.Sprintf("at:%02d:%d", at.Hour(), int(at.Weekday())), ev.Name, at)
}

// bump increments a pattern, creating it on first sight. Confidence grows
// with recurrence and saturates at 0.9; only feedback can push it higher.
func (l *Learner) bump(ptype, signature, action string, at time.Time) {
	id := patternID(ptype, signature, action)
	rec, ok := l.records[id]
	if !ok {
		rec = &Record{
			ID:         id,
			Type:       ptype,
			Signature:  signature,
			Action:     action,
			Confidence: 0.3,
		}
		l.records[id] = rec
	}
	rec.Frequency++
	rec.Occurrences++
	rec.LastSeen = at
	rec.DecayedAt = at
	if grown := math.Min(0.9, float64(rec.Occurrences)/10); grown > rec.Confidence {
		rec.Confidence = grown
	}
	if err := l.store.save(rec); err != nil {
		l.opts.Logger.Warn("pattern save failed", "pattern_id", id, "error", err)
	}
}

// Decay multiplies every frequency by the decay factor once per elapsed
// period, pruning records that fall below the threshold. Each record's
// DecayedAt advances with the applied periods, so k silent periods cost
// exactly factor^k no matter how many ticks observed them.
func (l *Learner) Decay(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, rec := range l.records {
		anchor := rec.DecayedAt
		if anchor.IsZero() {
			anchor = rec.LastSeen
		}
		periods := int(now.Sub(anchor) / l.opts.DecayPeriod)
		if periods <= 0 {
			continue
		}
		rec.Frequency *= math.Pow(l.opts.DecayFactor, float64(periods))
		rec.DecayedAt = anchor.Add(time.Duration(periods) * l.opts.DecayPeriod)
		if rec.Frequency < l.opts.PruneThreshold {
			delete(l.records, id)
			if err := l.store.delete(id); err != nil {
				l.opts.Logger.Warn("pattern prune failed", "pattern_id", id, "error", err)
			}
			continue
		}
		if err := l.store.save(rec); err != nil {
			l.opts.Logger.Warn("pattern save failed", "pattern_id", id, "error", err)
		}
	}
}

// SuggestionsFor returns patterns matching the current context at or above
// the confidence threshold, ranked by recency-weighted frequency.
func (l *Learner) SuggestionsFor(c Context) []Suggestion {
	now := c.Now
	if now.IsZero() {
		now = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Suggestion
	for _, rec := range l.records {
		if rec.Confidence < l.opts.ConfidenceThreshold {
			continue
		}
		if !l.matches(rec, c, now) {
			continue
		}
		// Recency weighting halves the effective frequency per elapsed
		// decay period.
		age := now.Sub(rec.LastSeen).Seconds() / l.opts.DecayPeriod.Seconds()
		score := rec.Frequency * math.Pow(0.5, age)
		out = append(out, Suggestion{
			PatternID:  rec.ID,
			Type:       rec.Type,
			Action:     rec.Action,
			Confidence: rec.Confidence,
			Score:      score,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > maxSuggestions {
		out = out[:maxSuggestions]
	}
	return out
}

func (l *Learner) matches(rec *Record, c Context, now time.Time) bool {
	switch rec.Type {
	case TypeSequence:
		return c.RecentCommand != "" && rec.Signature == "after:"+c.RecentCommand
	case TypeTime:
		var hour, day int
		if _, err := fmt.Sscanf(rec.Signature, "at:%02d:%d", &hour, &day); err != nil {
			return false
		}
		if day != int(now.Weekday()) {
			return false
		}
		diff := now.Hour() - hour
		if diff < 0 {
			diff = -diff
		}
		return diff <= 1
	default:
		return false
	}
}

// Feedback adjusts a pattern's confidence after the decision layer accepted
// or discarded its suggestion.
func (l *Learner) Feedback(patternID string, accepted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[patternID]
	if !ok {
		return
	}
	if accepted {
		rec.Confidence = math.Min(1.0, rec.Confidence+0.1)
		rec.Occurrences++
		rec.LastSeen = time.Now()
		rec.DecayedAt = rec.LastSeen
	} else {
		rec.Confidence = math.Max(0.1, rec.Confidence-0.15)
	}
	if err := l.store.save(rec); err != nil {
		l.opts.Logger.Warn("pattern save failed", "pattern_id", patternID, "error", err)
	}
}

// Records returns a copy of the current pattern set.
func (l *Learner) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func patternID(ptype, signature, action string) string {
	sum := sha256.Sum256([]byte(ptype + "|" + signature + "|" + action))
	return ptype + "-" + hex.EncodeToString(sum[:6])
}
