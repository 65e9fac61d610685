package patterns

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/AuraHome/aura/internal/events"
)

func openTestLearner(t *testing.T) *Learner {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "patterns.db"), Options{
		SequenceWindow:      5 * time.Minute,
		DecayFactor:         0.8,
		DecayPeriod:         24 * time.Hour,
		PruneThreshold:      0.5,
		ConfidenceThreshold: 0.6,
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func commandEvent(name string, at time.Time) events.Event {
	return events.Event{Kind: events.KindCommand, Name: name, ClientID: "pi", Timestamp: at}
}

// feedSequence observes the pair (first, second) n times, spaced apart so
// the pairs do not cross-contaminate.
func feedSequence(l *Learner, first, second string, n int, base time.Time) {
	for i := 0; i < n; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		l.Observe(commandEvent(first, at))
		l.Observe(commandEvent(second, at.Add(time.Minute)))
	}
}

func findSequence(l *Learner, action string) (Record, bool) {
	for _, rec := range l.Records() {
		if rec.Type == TypeSequence && rec.Action == action {
			return rec, true
		}
	}
	return Record{}, false
}

func TestFrequencyIncreasesOnMatch(t *testing.T) {
	l := openTestLearner(t)
	base := time.Now().Add(-24 * time.Hour)

	feedSequence(l, "open-editor", "start-music", 3, base)

	rec, ok := findSequence(l, "start-music")
	if !ok {
		t.Fatal("sequence pattern never created")
	}
	before := rec.Frequency

	feedSequence(l, "open-editor", "start-music", 1, base.Add(12*time.Hour))
	rec, _ = findSequence(l, "start-music")
	if rec.Frequency <= before {
		t.Errorf("frequency must strictly increase on a match: %v -> %v", before, rec.Frequency)
	}
}

func TestFrequencyDecaysAcrossEmptyPeriods(t *testing.T) {
	l := openTestLearner(t)
	base := time.Now().Add(-10 * 24 * time.Hour)

	feedSequence(l, "open-editor", "start-music", 5, base)
	rec, ok := findSequence(l, "start-music")
	if !ok {
		t.Fatal("pattern missing")
	}
	before := rec.Frequency

	l.Decay(rec.LastSeen.Add(2 * 24 * time.Hour))
	rec, ok = findSequence(l, "start-music")
	if !ok {
		t.Fatal("pattern pruned too early")
	}
	if rec.Frequency >= before {
		t.Errorf("frequency must strictly decrease across empty periods: %v -> %v", before, rec.Frequency)
	}
	want := before * 0.8 * 0.8
	if diff := rec.Frequency - want; diff > 0.001 || diff < -0.001 {
		t.Errorf("expected multiplicative decay to %v, got %v", want, rec.Frequency)
	}
}

func TestRepeatedDecayTicksCountEachPeriodOnce(t *testing.T) {
	l := openTestLearner(t)
	base := time.Now().Add(-10 * 24 * time.Hour)

	feedSequence(l, "open-editor", "start-music", 5, base)
	rec, ok := findSequence(l, "start-music")
	if !ok {
		t.Fatal("pattern missing")
	}
	before := rec.Frequency

	// Two ticks one period apart, as the Run loop fires them. The second
	// tick must not recount the period the first already applied.
	l.Decay(rec.LastSeen.Add(24 * time.Hour))
	l.Decay(rec.LastSeen.Add(2 * 24 * time.Hour))

	rec, ok = findSequence(l, "start-music")
	if !ok {
		t.Fatal("pattern pruned too early")
	}
	want := before * 0.8 * 0.8
	if diff := rec.Frequency - want; diff > 0.001 || diff < -0.001 {
		t.Errorf("two silent periods must cost exactly two factors: want %v, got %v", want, rec.Frequency)
	}
}

func TestPruneBelowThreshold(t *testing.T) {
	l := openTestLearner(t)
	base := time.Now().Add(-100 * 24 * time.Hour)

	feedSequence(l, "a", "b", 1, base)
	rec, ok := findSequence(l, "b")
	if !ok {
		t.Fatal("pattern missing")
	}

	// Enough empty periods to push frequency 1.0 under 0.5.
	l.Decay(rec.LastSeen.Add(5 * 24 * time.Hour))
	if _, ok := findSequence(l, "b"); ok {
		t.Error("pattern should be pruned once frequency falls below the threshold")
	}
}

func TestSuggestionsRespectConfidenceThreshold(t *testing.T) {
	l := openTestLearner(t)
	now := time.Now()

	// Two observations leave confidence at 0.3, below the 0.6 threshold.
	feedSequence(l, "open-editor", "start-music", 2, now.Add(-2*time.Hour))

	got := l.SuggestionsFor(Context{RecentCommand: "open-editor", Now: now})
	for _, s := range got {
		if s.Confidence < 0.6 {
			t.Errorf("suggestion below threshold leaked: %+v", s)
		}
	}

	// Six more matches push occurrences past the confidence knee.
	feedSequence(l, "open-editor", "start-music", 6, now.Add(-time.Hour))
	got = l.SuggestionsFor(Context{RecentCommand: "open-editor", Now: now})
	found := false
	for _, s := range got {
		if s.Action == "start-music" {
			found = true
		}
	}
	if !found {
		t.Error("established pattern should be suggested")
	}
}

func TestSuggestionsRankedByRecencyWeightedFrequency(t *testing.T) {
	l := openTestLearner(t)
	now := time.Now()

	feedSequence(l, "trigger", "stale-action", 8, now.Add(-40*24*time.Hour))
	feedSequence(l, "trigger", "fresh-action", 8, now.Add(-8*time.Hour))

	got := l.SuggestionsFor(Context{RecentCommand: "trigger", Now: now})
	if len(got) < 2 {
		t.Fatalf("expected both patterns, got %d", len(got))
	}
	if got[0].Action != "fresh-action" {
		t.Errorf("recent pattern should rank first, got %s", got[0].Action)
	}
}

func TestFeedbackMovesConfidence(t *testing.T) {
	l := openTestLearner(t)
	feedSequence(l, "a", "b", 5, time.Now().Add(-time.Hour))

	rec, ok := findSequence(l, "b")
	if !ok {
		t.Fatal("pattern missing")
	}
	before := rec.Confidence

	l.Feedback(rec.ID, true)
	rec, _ = findSequence(l, "b")
	if rec.Confidence <= before {
		t.Error("accepted feedback should raise confidence")
	}

	raised := rec.Confidence
	l.Feedback(rec.ID, false)
	l.Feedback(rec.ID, false)
	rec, _ = findSequence(l, "b")
	if rec.Confidence >= raised {
		t.Error("rejected feedback should lower confidence")
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.db")
	opts := Options{
		SequenceWindow: 5 * time.Minute, DecayFactor: 0.8, DecayPeriod: 24 * time.Hour,
		PruneThreshold: 0.5, ConfidenceThreshold: 0.6, Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	l, err := Open(path, opts)
	if err != nil {
		t.Fatal(err)
	}
	feedSequence(l, "a", "b", 4, time.Now().Add(-time.Hour))
	count := len(l.Records())
	l.Close()

	reopened, err := Open(path, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if len(reopened.Records()) != count {
		t.Errorf("patterns lost across reopen: %d != %d", len(reopened.Records()), count)
	}
}
