package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "events.db"), Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	j := openTestJournal(t)

	var prev int64
	for i := 0; i < 5; i++ {
		id, err := j.Append(context.Background(), Event{Kind: KindCommand, Name: "ping", ClientID: "pi"})
		if err != nil {
			t.Fatal(err)
		}
		if id <= prev {
			t.Errorf("ids must strictly increase: %d after %d", id, prev)
		}
		prev = id
	}
}

func TestReplayPreservesOrder(t *testing.T) {
	j := openTestJournal(t)

	names := []string{"first", "second", "third"}
	for _, n := range names {
		if _, err := j.Append(context.Background(), Event{Kind: KindPlanStep, Name: n}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := j.Replay(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	for i, n := range names {
		if all[i].Name != n {
			t.Errorf("order violated at %d: got %s want %s", i, all[i].Name, n)
		}
	}

	tail, err := j.Replay(all[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Name != "second" {
		t.Errorf("since filter wrong: %v", tail)
	}
}

func TestReplayRoundTripsPayload(t *testing.T) {
	j := openTestJournal(t)

	payload := json.RawMessage(`{"step":"a","status":"succeeded"}`)
	if _, err := j.Append(context.Background(), Event{Kind: KindPlanStep, Name: "a", Payload: payload}); err != nil {
		t.Fatal(err)
	}
	all, err := j.Replay(0)
	if err != nil {
		t.Fatal(err)
	}
	if string(all[0].Payload) != string(payload) {
		t.Errorf("payload mangled: %s", all[0].Payload)
	}
}

func TestSubscribeDeliversLiveEvents(t *testing.T) {
	j := openTestJournal(t)

	ch, cancel := j.Subscribe(8)
	defer cancel()

	if _, err := j.Append(context.Background(), Event{Kind: KindTelemetry, Name: "snapshot", ClientID: "pi"}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		if ev.Name != "snapshot" || ev.ID == 0 {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}

	cancel()
	if _, open := <-ch; open {
		// Drain any buffered event, then the channel must close.
		if _, open := <-ch; open {
			t.Error("cancel should close the subscription channel")
		}
	}
}

func TestJournalSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.db")

	j, err := Open(path, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := j.Append(context.Background(), Event{Kind: KindCommand, Name: "persisted"}); err != nil {
		t.Fatal(err)
	}
	j.Close()

	reopened, err := Open(path, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	all, err := reopened.Replay(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Name != "persisted" {
		t.Errorf("journal lost across reopen: %v", all)
	}
}
