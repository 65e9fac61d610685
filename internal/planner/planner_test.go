package planner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/AuraHome/aura/internal/fault"
	"github.com/AuraHome/aura/internal/router"
)

// fakeDispatcher scripts per-command outcomes and records dispatch order.
type fakeDispatcher struct {
	mu       sync.Mutex
	calls    []string
	fail     map[string]error // command name -> error returned every time
	failOnce map[string]error // command name -> error returned on first call only
	seen     map[string]int
	delay    time.Duration
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		fail:     make(map[string]error),
		failOnce: make(map[string]error),
		seen:     make(map[string]int),
	}
}

func (d *fakeDispatcher) Send(ctx context.Context, cmd router.Command) (json.RawMessage, error) {
	d.mu.Lock()
	d.calls = append(d.calls, cmd.Name)
	d.seen[cmd.Name]++
	attempt := d.seen[cmd.Name]
	err := d.fail[cmd.Name]
	if err == nil && attempt == 1 {
		err = d.failOnce[cmd.Name]
	}
	delay := d.delay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(`"ok"`), nil
}

func (d *fakeDispatcher) attempts(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[name]
}

func newTestExecutor(d Dispatcher) *Executor {
	return NewExecutor(d, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func step(id, command string, deps ...string) *Step {
	return &Step{
		ID:        id,
		Command:   router.Command{Target: "pi", Name: command, Idempotent: true},
		DependsOn: deps,
		Critical:  true,
		Retry:     RetryPolicy{MaxAttempts: 1},
	}
}

func TestDiamondOrdering(t *testing.T) {
	d := newFakeDispatcher()
	e := newTestExecutor(d)

	plan := &Plan{Steps: []*Step{
		step("a", "cmd-a"),
		step("b", "cmd-b"),
		step("c", "cmd-c", "a", "b"),
	}}
	exec, err := e.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if exec.Status() != PlanSucceeded {
		t.Errorf("expected success, got %s", exec.Status())
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.calls) != 3 || d.calls[2] != "cmd-c" {
		t.Errorf("c must run last: %v", d.calls)
	}
}

func TestCriticalFailureCancelsPlan(t *testing.T) {
	d := newFakeDispatcher()
	d.fail["cmd-a"] = &fault.ClientOfflineError{ClientID: "pi"}
	e := newTestExecutor(d)

	a := step("a", "cmd-a")
	a.Retry = RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}
	plan := &Plan{Steps: []*Step{
		a,
		step("b", "cmd-b"),
		step("c", "cmd-c", "a", "b"),
	}}

	exec, err := e.Execute(context.Background(), plan)
	var planErr *fault.PlanExecutionError
	if !errors.As(err, &planErr) {
		t.Fatalf("expected PlanExecutionError, got %v", err)
	}
	if planErr.StepID != "a" {
		t.Errorf("failure should be attributed to step a, got %s", planErr.StepID)
	}
	if exec.Status() != PlanFailed {
		t.Errorf("expected failed plan, got %s", exec.Status())
	}
	if d.attempts("cmd-a") != 2 {
		t.Errorf("retry policy not applied: %d attempts", d.attempts("cmd-a"))
	}
	if d.attempts("cmd-c") != 0 {
		t.Error("c must never run after a critical failure")
	}
	results := exec.StepResults()
	if results["c"].Status != StepSkipped {
		t.Errorf("c should end skipped, got %s", results["c"].Status)
	}
}

func TestNonCriticalFailureSkipsAndTolerantDependentRuns(t *testing.T) {
	d := newFakeDispatcher()
	d.fail["cmd-opt"] = &fault.TimeoutError{Command: "cmd-opt"}
	e := newTestExecutor(d)

	opt := step("opt", "cmd-opt")
	opt.Critical = false
	tolerant := step("tolerant", "cmd-tolerant", "opt")
	tolerant.TolerateSkipped = true
	strict := step("strict", "cmd-strict", "opt")
	strict.Critical = false

	exec, err := e.Execute(context.Background(), &Plan{Steps: []*Step{opt, tolerant, strict}})
	if err != nil {
		t.Fatalf("non-critical failure must not fail the plan: %v", err)
	}
	results := exec.StepResults()
	if results["opt"].Status != StepSkipped {
		t.Errorf("exhausted non-critical step should be skipped, got %s", results["opt"].Status)
	}
	if results["tolerant"].Status != StepSucceeded {
		t.Errorf("tolerant dependent should run, got %s", results["tolerant"].Status)
	}
	if results["strict"].Status != StepSkipped {
		t.Errorf("strict dependent should inherit the skip, got %s", results["strict"].Status)
	}
	if d.attempts("cmd-strict") != 0 {
		t.Error("strict dependent must never be dispatched")
	}
}

func TestNonIdempotentNeverRetried(t *testing.T) {
	d := newFakeDispatcher()
	d.failOnce["cmd-once"] = &fault.TimeoutError{Command: "cmd-once"}
	e := newTestExecutor(d)

	s := step("s", "cmd-once")
	s.Command.Idempotent = false
	s.Retry = RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}

	_, err := e.Execute(context.Background(), &Plan{Steps: []*Step{s}})
	if err == nil {
		t.Fatal("expected plan failure")
	}
	if d.attempts("cmd-once") != 1 {
		t.Errorf("non-idempotent command retried: %d attempts", d.attempts("cmd-once"))
	}
}

func TestRetryOnlyOnRetryableFaults(t *testing.T) {
	d := newFakeDispatcher()
	d.fail["cmd-auth"] = &fault.AuthenticationError{Reason: "revoked"}
	e := newTestExecutor(d)

	s := step("s", "cmd-auth")
	s.Retry = RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}

	_, err := e.Execute(context.Background(), &Plan{Steps: []*Step{s}})
	if err == nil {
		t.Fatal("expected plan failure")
	}
	if d.attempts("cmd-auth") != 1 {
		t.Errorf("non-retryable fault retried: %d attempts", d.attempts("cmd-auth"))
	}
}

func TestFailedStepReportsActualAttempts(t *testing.T) {
	d := newFakeDispatcher()
	d.fail["cmd-auth"] = &fault.AuthenticationError{Reason: "revoked"}
	e := newTestExecutor(d)

	s := step("s", "cmd-auth")
	s.Retry = RetryPolicy{MaxAttempts: 5, Backoff: time.Millisecond}

	exec, err := e.Execute(context.Background(), &Plan{Steps: []*Step{s}})
	if err == nil {
		t.Fatal("expected plan failure")
	}
	if got := exec.StepResults()["s"]; got.Attempts != 1 {
		t.Errorf("one dispatch must report one attempt, not the policy maximum: %d", got.Attempts)
	}
}

func TestIdempotentTimeoutRetriedToSuccess(t *testing.T) {
	d := newFakeDispatcher()
	d.failOnce["cmd-flaky"] = &fault.TimeoutError{Command: "cmd-flaky"}
	e := newTestExecutor(d)

	s := step("s", "cmd-flaky")
	s.Retry = RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}

	exec, err := e.Execute(context.Background(), &Plan{Steps: []*Step{s}})
	if err != nil {
		t.Fatalf("retry should have recovered: %v", err)
	}
	if got := exec.StepResults()["s"]; got.Status != StepSucceeded || got.Attempts != 2 {
		t.Errorf("expected success on attempt 2, got %+v", got)
	}
}

func TestValidationRejectsBadGraphs(t *testing.T) {
	e := newTestExecutor(newFakeDispatcher())

	cases := map[string]*Plan{
		"empty":       {Steps: nil},
		"dup":         {Steps: []*Step{step("a", "x"), step("a", "y")}},
		"unknown dep": {Steps: []*Step{step("a", "x", "ghost")}},
		"cycle":       {Steps: []*Step{step("a", "x", "b"), step("b", "y", "a")}},
	}
	for name, plan := range cases {
		if _, err := e.Execute(context.Background(), plan); err == nil {
			t.Errorf("%s: expected validation error", name)
		} else {
			var inv *fault.InvalidInputError
			if !errors.As(err, &inv) {
				t.Errorf("%s: expected InvalidInputError, got %v", name, err)
			}
		}
	}
}

func TestObserverSeesTerminalTransitions(t *testing.T) {
	d := newFakeDispatcher()
	e := newTestExecutor(d)

	var mu sync.Mutex
	seen := map[string]StepStatus{}
	e.Observe(func(planID, stepID string, status StepStatus) {
		mu.Lock()
		seen[stepID] = status
		mu.Unlock()
	})

	_, err := e.Execute(context.Background(), &Plan{Steps: []*Step{step("a", "x"), step("b", "y", "a")}})
	if err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if seen["a"] != StepSucceeded || seen["b"] != StepSucceeded {
		t.Errorf("observer missed transitions: %v", seen)
	}
}
