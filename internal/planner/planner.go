// Package planner executes already-decomposed plans: dependency-ordered
// graphs of router commands with per-step retry policies. Plan construction
// from a high-level goal belongs to an external reasoning layer; this
// package only enforces the dependency, retry and cancellation contract.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AuraHome/aura/internal/fault"
	"github.com/AuraHome/aura/internal/router"
)

// Step statuses.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Plan statuses.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanSucceeded PlanStatus = "succeeded"
	PlanFailed    PlanStatus = "failed"
)

// RetryPolicy bounds re-dispatch of a failed step. Retries apply only to
// timeouts and offline targets, and only when the command is idempotent.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
}

// Step is one node of the plan graph.
type Step struct {
	ID        string         `json:"id"`
	Command   router.Command `json:"command"`
	DependsOn []string       `json:"depends_on,omitempty"`
	// Critical steps fail the whole plan when exhausted. Non-critical ones
	// transition to Skipped instead.
	Critical bool `json:"critical"`
	// TolerateSkipped lets this step run even if a prerequisite ended
	// Skipped rather than Succeeded.
	TolerateSkipped bool        `json:"tolerate_skipped"`
	Retry           RetryPolicy `json:"retry"`
}

// Plan is a dependency graph of steps.
type Plan struct {
	ID    string  `json:"id"`
	Steps []*Step `json:"steps"`
}

// StepResult is the terminal state of one step after execution.
type StepResult struct {
	Status   StepStatus      `json:"status"`
	Attempts int             `json:"attempts"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Err      error           `json:"-"`
}

// Execution is the live state of one running plan.
type Execution struct {
	PlanID string

	mu      sync.Mutex
	status  PlanStatus
	results map[string]*StepResult
	cancel  context.CancelFunc
}

// Dispatcher sends one command and returns the correlated response. The
// router satisfies it.
type Dispatcher interface {
	Send(ctx context.Context, cmd router.Command) (json.RawMessage, error)
}

// Observer is notified of terminal step transitions and plan completion.
// The event journal subscribes here.
type Observer func(planID, stepID string, status StepStatus)

// Executor runs plans.
type Executor struct {
	dispatcher Dispatcher
	logger     *slog.Logger

	mu        sync.Mutex
	observers []Observer
}

// NewExecutor creates a plan executor over the given dispatcher.
func NewExecutor(d Dispatcher, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{dispatcher: d, logger: logger}
}

// Observe registers a step-transition observer.
func (e *Executor) Observe(obs Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, obs)
}

func (e *Executor) notify(planID, stepID string, status StepStatus) {
	e.mu.Lock()
	observers := append([]Observer(nil), e.observers...)
	e.mu.Unlock()
	for _, obs := range observers {
		obs(planID, stepID, status)
	}
}

// Execute runs the plan to a terminal state and returns the execution. The
// returned error is non-nil only when a critical step exhausted its retries
// (PlanExecutionError) or the plan graph itself is invalid.
func (e *Executor) Execute(ctx context.Context, plan *Plan) (*Execution, error) {
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if err := validate(plan); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	exec := &Execution{
		PlanID:  plan.ID,
		status:  PlanRunning,
		results: make(map[string]*StepResult, len(plan.Steps)),
		cancel:  cancel,
	}
	for _, step := range plan.Steps {
		exec.results[step.ID] = &StepResult{Status: StepPending}
	}

	steps := make(map[string]*Step, len(plan.Steps))
	for _, step := range plan.Steps {
		steps[step.ID] = step
	}

	type outcome struct {
		stepID string
		result StepResult
	}
	// Buffered so a step finishing after plan failure never blocks on a
	// receiver that has moved on.
	done := make(chan outcome, len(plan.Steps))
	running := 0
	var planErr error

	for {
		if planErr == nil {
			// Dispatch until the ready set is exhausted. Skips can cascade,
			// so the scan repeats until it makes no progress.
			for {
				progressed := false
				for _, step := range plan.Steps {
					switch e.readiness(exec, step) {
					case readyRun:
						exec.setStatus(step.ID, StepRunning)
						running++
						progressed = true
						go func(step *Step) {
							done <- outcome{stepID: step.ID, result: e.runStep(ctx, plan.ID, step)}
						}(step)
					case readySkip:
						exec.setStatus(step.ID, StepSkipped)
						e.notify(plan.ID, step.ID, StepSkipped)
						progressed = true
					}
				}
				if !progressed {
					break
				}
			}
		}

		if running == 0 {
			break
		}

		out := <-done
		running--
		if planErr != nil {
			// Late result after plan failure; discarded, not applied.
			continue
		}
		// A non-critical step that exhausts retries ends Skipped, which
		// unblocks dependents declared tolerant of a skipped prerequisite.
		if out.result.Status == StepFailed && !steps[out.stepID].Critical {
			out.result.Status = StepSkipped
		}
		exec.mu.Lock()
		*exec.results[out.stepID] = out.result
		exec.mu.Unlock()
		e.notify(plan.ID, out.stepID, out.result.Status)

		if out.result.Status == StepFailed && steps[out.stepID].Critical {
			planErr = &fault.PlanExecutionError{PlanID: plan.ID, StepID: out.stepID, Err: out.result.Err}
			// Best-effort cancellation of outstanding siblings.
			cancel()
		}
	}

	var lateSkips []string
	exec.mu.Lock()
	if planErr != nil {
		exec.status = PlanFailed
		// Steps never dispatched or interrupted by cancellation end Skipped.
		for id, res := range exec.results {
			if res.Status == StepPending || res.Status == StepRunning {
				res.Status = StepSkipped
				lateSkips = append(lateSkips, id)
			}
		}
	} else {
		exec.status = PlanSucceeded
	}
	exec.mu.Unlock()

	for _, id := range lateSkips {
		e.notify(plan.ID, id, StepSkipped)
	}
	return exec, planErr
}

type readiness int

const (
	readyWait readiness = iota
	readyRun
	readySkip
)

// readiness decides whether a pending step can run, must wait, or inherits a
// skip from its prerequisites.
func (e *Executor) readiness(exec *Execution, step *Step) readiness {
	exec.mu.Lock()
	defer exec.mu.Unlock()

	if exec.results[step.ID].Status != StepPending {
		return readyWait
	}
	for _, dep := range step.DependsOn {
		switch exec.results[dep].Status {
		case StepSucceeded:
		case StepSkipped:
			if !step.TolerateSkipped {
				return readySkip
			}
		case StepFailed:
			// A non-critical failed prerequisite behaves like a skip.
			if !step.TolerateSkipped {
				return readySkip
			}
		default:
			return readyWait
		}
	}
	return readyRun
}

// runStep dispatches one step with its retry policy. Only retryable faults
// on idempotent commands are re-attempted.
func (e *Executor) runStep(ctx context.Context, planID string, step *Step) StepResult {
	attempts := step.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		payload, err := e.dispatcher.Send(ctx, step.Command)
		if err == nil {
			return StepResult{Status: StepSucceeded, Attempts: attempt, Payload: payload}
		}
		lastErr = err

		// Attempts reports dispatches actually made, so an early give-up
		// never claims the policy maximum.
		if ctx.Err() != nil || !fault.Retryable(err) || !step.Command.Idempotent || attempt == attempts {
			return StepResult{Status: StepFailed, Attempts: attempt, Err: lastErr}
		}
		e.logger.Warn("step retrying",
			"plan_id", planID, "step_id", step.ID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return StepResult{Status: StepFailed, Attempts: attempt, Err: lastErr}
		case <-time.After(step.Retry.Backoff):
		}
	}
}

func validate(plan *Plan) error {
	if len(plan.Steps) == 0 {
		return &fault.InvalidInputError{Field: "plan", Reason: "no steps"}
	}
	ids := make(map[string]bool, len(plan.Steps))
	for _, step := range plan.Steps {
		if step.ID == "" {
			return &fault.InvalidInputError{Field: "step", Reason: "missing id"}
		}
		if ids[step.ID] {
			return &fault.InvalidInputError{Field: "step", Reason: "duplicate id " + step.ID}
		}
		ids[step.ID] = true
	}
	for _, step := range plan.Steps {
		for _, dep := range step.DependsOn {
			if !ids[dep] {
				return &fault.InvalidInputError{Field: "step", Reason: fmt.Sprintf("step %s depends on unknown step %s", step.ID, dep)}
			}
		}
	}
	if cyclic(plan) {
		return &fault.InvalidInputError{Field: "plan", Reason: "dependency cycle"}
	}
	return nil
}

// cyclic runs Kahn's algorithm; any node left unprocessed is on a cycle.
func cyclic(plan *Plan) bool {
	indegree := make(map[string]int, len(plan.Steps))
	dependents := make(map[string][]string)
	for _, step := range plan.Steps {
		indegree[step.ID] += 0
		for _, dep := range step.DependsOn {
			indegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}
	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return processed != len(plan.Steps)
}

// Status returns the plan's current status.
func (x *Execution) Status() PlanStatus {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status
}

// StepResults returns a copy of all step outcomes keyed by step id.
func (x *Execution) StepResults() map[string]StepResult {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]StepResult, len(x.results))
	for id, res := range x.results {
		out[id] = *res
	}
	return out
}

// Cancel aborts the plan. Outstanding steps are cancelled best-effort and
// their late results discarded.
func (x *Execution) Cancel() {
	x.cancel()
}

func (x *Execution) setStatus(stepID string, status StepStatus) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.results[stepID].Status = status
}
