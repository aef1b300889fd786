package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stagehand/stagehand/pkg/telemetry"
)

// mockClient is a hand-rolled CommandClient that records traffic and
// delegates behavior to per-test functions.
type mockClient struct {
	mu          sync.Mutex
	dispatchFn  func(ctx context.Context, step Step) (StepResult, error)
	reconcileFn func(ctx context.Context, key string) (bool, error)
	dispatches  []Step
	reconciles  []string
	aborts      []string
	inFlight    int
	maxInFlight int
}

func (c *mockClient) Dispatch(ctx context.Context, step Step) (StepResult, error) {
	c.mu.Lock()
	c.dispatches = append(c.dispatches, step)
	c.inFlight++
	if c.inFlight > c.maxInFlight {
		c.maxInFlight = c.inFlight
	}
	fn := c.dispatchFn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	if fn == nil {
		return StepResult{Kind: ResultSuccess}, nil
	}
	return fn(ctx, step)
}

func (c *mockClient) Reconcile(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	c.reconciles = append(c.reconciles, key)
	fn := c.reconcileFn
	c.mu.Unlock()
	if fn == nil {
		return false, nil
	}
	return fn(ctx, key)
}

func (c *mockClient) Abort(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborts = append(c.aborts, key)
	return nil
}

func (c *mockClient) dispatched() []Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Step, len(c.dispatches))
	copy(out, c.dispatches)
	return out
}

// recordingRecordSink captures execution records for assertions.
type recordingRecordSink struct {
	mu      sync.Mutex
	records []ExecutionRecord
}

func (s *recordingRecordSink) AppendExecutionRecord(_ context.Context, rec ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// mustPlan builds a validated plan from the given steps, deriving
// idempotency keys the way the planner does.
func mustPlan(t *testing.T, steps ...Step) *Plan {
	t.Helper()
	const planID = "plan-test"
	for i := range steps {
		if steps[i].IdempotencyKey == "" {
			steps[i].IdempotencyKey = DeriveIdempotencyKey(planID, steps[i].ID)
		}
	}
	graph, err := BuildGraph(steps)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	return &Plan{ID: planID, Steps: steps, Graph: graph, CreatedAt: time.Now()}
}

// newTestExecutor builds an executor whose backoff sleeps are recorded
// instead of waited out.
func newTestExecutor(client CommandClient, oracle Oracle, opts ...ExecutorOption) (*Executor, func() []time.Duration) {
	e := NewExecutor(client, oracle, telemetry.NopLogger(), opts...)
	var mu sync.Mutex
	var delays []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	return e, func() []time.Duration {
		mu.Lock()
		defer mu.Unlock()
		out := make([]time.Duration, len(delays))
		copy(out, delays)
		return out
	}
}

func stepByID(t *testing.T, report *PlanReport, id string) StepReport {
	t.Helper()
	for _, s := range report.Steps {
		if s.StepID == id {
			return s
		}
	}
	t.Fatalf("Step %s missing from report", id)
	return StepReport{}
}

func TestExecute_IndependentStepsRunConcurrentlyBounded(t *testing.T) {
	client := &mockClient{
		dispatchFn: func(ctx context.Context, _ Step) (StepResult, error) {
			time.Sleep(30 * time.Millisecond)
			return StepResult{Kind: ResultSuccess}, nil
		},
	}
	exec, _ := newTestExecutor(client, &stubOracle{}, WithMaxInFlight(2))

	plan := mustPlan(t, Step{ID: "a"}, Step{ID: "b"}, Step{ID: "c"})
	report, err := exec.Execute(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if report.Status != PlanStatusCompleted {
		t.Errorf("Status = %s, want completed", report.Status)
	}
	if got := len(client.dispatched()); got != 3 {
		t.Errorf("Expected 3 dispatches, got %d", got)
	}
	if client.maxInFlight > 2 {
		t.Errorf("Observed %d concurrent dispatches, limit is 2", client.maxInFlight)
	}
}

func TestExecute_DependentStepWaitsForItsDependency(t *testing.T) {
	client := &mockClient{}
	exec, _ := newTestExecutor(client, &stubOracle{}, WithMaxInFlight(4))

	plan := mustPlan(t,
		Step{ID: "a"},
		Step{ID: "b", DependsOn: []string{"a"}},
	)
	report, err := exec.Execute(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if report.Status != PlanStatusCompleted {
		t.Fatalf("Status = %s, want completed", report.Status)
	}

	order := client.dispatched()
	if len(order) != 2 || order[0].ID != "a" || order[1].ID != "b" {
		t.Errorf("Expected dispatch order [a b], got %v", order)
	}
}

func TestExecute_RetriesTransientFailureWithBackoff(t *testing.T) {
	var calls int
	client := &mockClient{
		dispatchFn: func(_ context.Context, _ Step) (StepResult, error) {
			calls++
			if calls < 3 {
				return StepResult{
					Kind:        ResultRecoverableFailure,
					FailureKind: KindRemoteBusy,
					Reason:      "engine busy",
				}, nil
			}
			return StepResult{Kind: ResultSuccess}, nil
		},
	}
	sink := &recordingRecordSink{}
	exec, delays := newTestExecutor(client, &stubOracle{},
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}),
		WithRecordSink(sink),
	)

	plan := mustPlan(t, Step{ID: "a", Capability: "actor.spawn"})
	report, err := exec.Execute(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	sr := stepByID(t, report, "a")
	if sr.Status != StepStatusSucceeded {
		t.Errorf("Status = %s, want succeeded", sr.Status)
	}
	if sr.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", sr.Attempts)
	}

	got := delays()
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(got) != len(want) {
		t.Fatalf("Expected %d backoffs, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Backoff %d = %s, want %s", i+1, got[i], want[i])
		}
	}

	// Every retry carries the same idempotency key.
	dispatches := client.dispatched()
	for _, d := range dispatches[1:] {
		if d.IdempotencyKey != dispatches[0].IdempotencyKey {
			t.Errorf("Retry changed idempotency key: %s vs %s", d.IdempotencyKey, dispatches[0].IdempotencyKey)
		}
	}

	// One record per attempt, with the backoff noted on the failures.
	if len(sink.records) != 3 {
		t.Fatalf("Expected 3 execution records, got %d", len(sink.records))
	}
	if sink.records[0].Kind != ResultRecoverableFailure || sink.records[0].Backoff != time.Second {
		t.Errorf("Unexpected first record: %+v", sink.records[0])
	}
	if sink.records[2].Kind != ResultSuccess {
		t.Errorf("Unexpected final record: %+v", sink.records[2])
	}
}

func TestExecute_RetryBudgetExhaustion(t *testing.T) {
	client := &mockClient{
		dispatchFn: func(_ context.Context, _ Step) (StepResult, error) {
			return StepResult{Kind: ResultRecoverableFailure, FailureKind: KindTransientNetwork, Reason: "conn reset"}, nil
		},
	}
	exec, _ := newTestExecutor(client, &stubOracle{},
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2}))

	plan := mustPlan(t, Step{ID: "a"})
	report, err := exec.Execute(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	sr := stepByID(t, report, "a")
	if sr.Status != StepStatusFailed {
		t.Errorf("Status = %s, want failed", sr.Status)
	}
	if sr.FailureCause != ErrCodeRetryExhausted {
		t.Errorf("FailureCause = %s, want %s", sr.FailureCause, ErrCodeRetryExhausted)
	}
	if sr.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", sr.Attempts)
	}
	if report.Status != PlanStatusPartiallyFailed {
		t.Errorf("Plan status = %s, want partially_failed", report.Status)
	}
}

func TestExecute_TracedRunSpansEveryDispatchAttempt(t *testing.T) {
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{Enabled: false}, "test", "", "dev")
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}

	var calls int
	client := &mockClient{
		dispatchFn: func(_ context.Context, _ Step) (StepResult, error) {
			calls++
			if calls == 1 {
				return StepResult{Kind: ResultRecoverableFailure, FailureKind: KindRemoteBusy, Reason: "busy"}, nil
			}
			return StepResult{Kind: ResultSuccess}, nil
		},
	}
	exec, _ := newTestExecutor(client, &stubOracle{},
		WithTracer(tracer),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}))

	plan := mustPlan(t, Step{ID: "a"})
	report, err := exec.Execute(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if report.Status != PlanStatusCompleted {
		t.Errorf("Status = %s, want completed", report.Status)
	}
	if got := len(client.dispatched()); got != 2 {
		t.Errorf("Expected 2 dispatches, got %d", got)
	}
}

func TestExecute_RecoverableResultWithPermanentKindIsNotRetried(t *testing.T) {
	// A misbehaving engine can tag a permanent kind as recoverable; the
	// failure must then be reported by its kind, not as exhaustion.
	client := &mockClient{
		dispatchFn: func(_ context.Context, _ Step) (StepResult, error) {
			return StepResult{Kind: ResultRecoverableFailure, FailureKind: KindValidationRejected, Reason: "bad position"}, nil
		},
	}
	exec, _ := newTestExecutor(client, &stubOracle{},
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}))

	plan := mustPlan(t, Step{ID: "a"})
	report, err := exec.Execute(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	sr := stepByID(t, report, "a")
	if sr.Status != StepStatusFailed {
		t.Errorf("Status = %s, want failed", sr.Status)
	}
	if sr.FailureCause != string(KindValidationRejected) {
		t.Errorf("FailureCause = %s, want %s", sr.FailureCause, KindValidationRejected)
	}
	if sr.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", sr.Attempts)
	}
	if got := len(client.dispatched()); got != 1 {
		t.Errorf("Expected a single dispatch, got %d", got)
	}
}

func TestExecute_ReconcileConfirmsTimedOutMutation(t *testing.T) {
	client := &mockClient{
		dispatchFn: func(_ context.Context, step Step) (StepResult, error) {
			return StepResult{}, NewStepError(KindTimeout, "no result within timeout", nil).WithStep(step.ID)
		},
		reconcileFn: func(_ context.Context, _ string) (bool, error) {
			return true, nil
		},
	}
	exec, _ := newTestExecutor(client, &stubOracle{})

	plan := mustPlan(t, Step{ID: "a", Capability: "actor.spawn", Idempotent: false})
	report, err := exec.Execute(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	sr := stepByID(t, report, "a")
	if sr.Status != StepStatusSucceeded {
		t.Errorf("Status = %s, want succeeded after reconciliation", sr.Status)
	}
	if got := len(client.dispatched()); got != 1 {
		t.Errorf("Expected no redispatch after confirmed effect, got %d dispatches", got)
	}
	if len(client.reconciles) != 1 || client.reconciles[0] != plan.Steps[0].IdempotencyKey {
		t.Errorf("Expected one reconcile with the step's key, got %v", client.reconciles)
	}
}

func TestExecute_ReconcileDeniesEffectThenRetries(t *testing.T) {
	var calls int
	client := &mockClient{
		dispatchFn: func(_ context.Context, step Step) (StepResult, error) {
			calls++
			if calls == 1 {
				return StepResult{}, NewStepError(KindTimeout, "no result within timeout", nil)
			}
			return StepResult{Kind: ResultSuccess}, nil
		},
	}
	exec, _ := newTestExecutor(client, &stubOracle{},
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}))

	plan := mustPlan(t, Step{ID: "a", Capability: "actor.spawn", Idempotent: false})
	report, err := exec.Execute(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	sr := stepByID(t, report, "a")
	if sr.Status != StepStatusSucceeded || sr.Attempts != 2 {
		t.Errorf("Expected success on attempt 2, got %+v", sr)
	}
	if len(client.reconciles) != 1 {
		t.Errorf("Expected one reconcile before the retry, got %d", len(client.reconciles))
	}
}

func TestExecute_IdempotentTimeoutSkipsReconciliation(t *testing.T) {
	var calls int
	client := &mockClient{
		dispatchFn: func(_ context.Context, _ Step) (StepResult, error) {
			calls++
			if calls == 1 {
				return StepResult{}, NewStepError(KindTimeout, "no result within timeout", nil)
			}
			return StepResult{Kind: ResultSuccess}, nil
		},
	}
	exec, _ := newTestExecutor(client, &stubOracle{},
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}))

	plan := mustPlan(t, Step{ID: "a", Capability: "scene.save", Idempotent: true})
	if _, err := exec.Execute(context.Background(), plan, nil); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(client.reconciles) != 0 {
		t.Errorf("Idempotent capability must not trigger reconciliation, got %v", client.reconciles)
	}
}

func TestExecute_AmbiguityResolvedAndRebound(t *testing.T) {
	var second Step
	var calls int
	client := &mockClient{
		dispatchFn: func(_ context.Context, step Step) (StepResult, error) {
			calls++
			if calls == 1 {
				return StepResult{
					Kind: ResultAmbiguous,
					Ambiguity: &Ambiguity{
						Question:  "which actor",
						Options:   []string{"Cube1", "Cube2"},
						Parameter: "actor",
					},
				}, nil
			}
			second = step
			return StepResult{Kind: ResultSuccess}, nil
		},
	}
	oracle := &stubOracle{
		resolveFn: func(_ context.Context, question string, options []string) (string, error) {
			if question != "which actor" {
				t.Errorf("Unexpected question %q", question)
			}
			return "Cube1", nil
		},
	}
	exec, _ := newTestExecutor(client, oracle)

	plan := mustPlan(t, Step{
		ID:         "a",
		Capability: "actor.move",
		Parameters: map[string]any{"position": []any{1.0, 2.0, 3.0}},
	})
	report, err := exec.Execute(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	sr := stepByID(t, report, "a")
	if sr.Status != StepStatusSucceeded {
		t.Errorf("Status = %s, want succeeded", sr.Status)
	}
	if sr.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", sr.Attempts)
	}
	if second.Parameters["actor"] != "Cube1" {
		t.Errorf("Redispatch missing bound choice: %v", second.Parameters)
	}
	if second.IdempotencyKey != plan.Steps[0].IdempotencyKey {
		t.Error("Redispatch after resolution changed the idempotency key")
	}
	// The plan's own step stays untouched.
	if _, bound := plan.Steps[0].Parameters["actor"]; bound {
		t.Error("Resolution leaked into the immutable plan")
	}
}

func TestExecute_SuspendedStepBlocksDependentsUntilResolution(t *testing.T) {
	resolving := make(chan struct{})
	release := make(chan struct{})

	var calls int
	client := &mockClient{
		dispatchFn: func(_ context.Context, step Step) (StepResult, error) {
			if step.ID == "a" {
				calls++
				if calls == 1 {
					return StepResult{
						Kind: ResultAmbiguous,
						Ambiguity: &Ambiguity{
							Question:  "which actor",
							Options:   []string{"Cube1", "Cube2"},
							Parameter: "actor",
						},
					}, nil
				}
			}
			return StepResult{Kind: ResultSuccess}, nil
		},
	}
	oracle := &stubOracle{
		resolveFn: func(_ context.Context, _ string, options []string) (string, error) {
			close(resolving)
			<-release
			return options[0], nil
		},
	}
	sink := &recordingRecordSink{}
	exec, _ := newTestExecutor(client, oracle, WithRecordSink(sink), WithMaxInFlight(4))

	plan := mustPlan(t,
		Step{ID: "a"},
		Step{ID: "b", DependsOn: []string{"a"}},
	)

	done := make(chan *PlanReport, 1)
	go func() {
		report, err := exec.Execute(context.Background(), plan, nil)
		if err != nil {
			t.Errorf("Execute failed: %v", err)
		}
		done <- report
	}()

	// The step is now suspended awaiting resolution. Its suspension is
	// already on the record, and the dependent must not have moved.
	<-resolving
	time.Sleep(20 * time.Millisecond)
	for _, s := range client.dispatched() {
		if s.ID == "b" {
			t.Fatal("Dependent dispatched while its dependency was suspended")
		}
	}
	sink.mu.Lock()
	sawAmbiguous := false
	for _, rec := range sink.records {
		if rec.StepID == "a" && rec.Kind == ResultAmbiguous {
			sawAmbiguous = true
		}
	}
	sink.mu.Unlock()
	if !sawAmbiguous {
		t.Error("Suspension not visible in the execution records")
	}

	close(release)
	report := <-done

	if report.Status != PlanStatusCompleted {
		t.Errorf("Status = %s, want completed", report.Status)
	}
	if sr := stepByID(t, report, "a"); sr.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", sr.Attempts)
	}
	if sr := stepByID(t, report, "b"); sr.Status != StepStatusSucceeded {
		t.Errorf("Dependent status = %s, want succeeded", sr.Status)
	}
}

func TestExecute_AmbiguityUnresolvableFailsStep(t *testing.T) {
	client := &mockClient{
		dispatchFn: func(_ context.Context, _ Step) (StepResult, error) {
			return StepResult{
				Kind: ResultAmbiguous,
				Ambiguity: &Ambiguity{
					Question:  "which actor",
					Options:   []string{"Cube1", "Cube2"},
					Parameter: "actor",
				},
			}, nil
		},
	}
	oracle := &stubOracle{
		resolveFn: func(_ context.Context, _ string, _ []string) (string, error) {
			return "Pyramid9", nil // not among the options
		},
	}
	exec, _ := newTestExecutor(client, oracle)

	plan := mustPlan(t, Step{ID: "a", Capability: "actor.move"})
	report, err := exec.Execute(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	sr := stepByID(t, report, "a")
	if sr.Status != StepStatusFailed {
		t.Errorf("Status = %s, want failed", sr.Status)
	}
	if sr.FailureCause != ErrCodeAmbiguityUnresolved {
		t.Errorf("FailureCause = %s, want %s", sr.FailureCause, ErrCodeAmbiguityUnresolved)
	}
}

func TestExecute_RepeatedAmbiguityHitsRoundLimit(t *testing.T) {
	client := &mockClient{
		dispatchFn: func(_ context.Context, _ Step) (StepResult, error) {
			return StepResult{
				Kind: ResultAmbiguous,
				Ambiguity: &Ambiguity{
					Question:  "which actor",
					Options:   []string{"Cube1", "Cube2"},
					Parameter: "actor",
				},
			}, nil
		},
	}
	exec, _ := newTestExecutor(client, &stubOracle{}) // always picks Cube1

	plan := mustPlan(t, Step{ID: "a", Capability: "actor.move"})
	report, err := exec.Execute(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	sr := stepByID(t, report, "a")
	if sr.Status != StepStatusFailed || sr.FailureCause != ErrCodeAmbiguityUnresolved {
		t.Errorf("Expected ambiguity round limit failure, got %+v", sr)
	}
	if sr.Attempts != maxAmbiguityRounds+1 {
		t.Errorf("Attempts = %d, want %d", sr.Attempts, maxAmbiguityRounds+1)
	}
}

func TestExecute_FatalFailureCascadesCancellation(t *testing.T) {
	client := &mockClient{
		dispatchFn: func(_ context.Context, step Step) (StepResult, error) {
			if step.ID == "a" {
				return StepResult{
					Kind:        ResultFatalFailure,
					FailureKind: KindValidationRejected,
					Reason:      "no such asset",
				}, nil
			}
			return StepResult{Kind: ResultSuccess}, nil
		},
	}
	exec, _ := newTestExecutor(client, &stubOracle{})

	plan := mustPlan(t,
		Step{ID: "a"},
		Step{ID: "b", DependsOn: []string{"a"}},
		Step{ID: "c", DependsOn: []string{"b"}},
	)
	report, err := exec.Execute(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if report.Status != PlanStatusPartiallyFailed {
		t.Errorf("Status = %s, want partially_failed", report.Status)
	}

	a := stepByID(t, report, "a")
	if a.Status != StepStatusFailed || a.FailureCause != string(KindValidationRejected) {
		t.Errorf("Unexpected a: %+v", a)
	}
	for _, id := range []string{"b", "c"} {
		sr := stepByID(t, report, id)
		if sr.Status != StepStatusCancelled {
			t.Errorf("%s status = %s, want cancelled", id, sr.Status)
		}
		if sr.FailureCause != ErrCodeDependencyFailed {
			t.Errorf("%s cause = %s, want %s", id, sr.FailureCause, ErrCodeDependencyFailed)
		}
	}

	succeeded, failed, cancelled := report.Summary()
	if succeeded != 0 || failed != 1 || cancelled != 2 {
		t.Errorf("Summary = %d/%d/%d, want 0/1/2", succeeded, failed, cancelled)
	}
	if got := len(client.dispatched()); got != 1 {
		t.Errorf("Cancelled steps must never dispatch, got %d dispatches", got)
	}
}

func TestExecute_SiblingSurvivesFatalFailure(t *testing.T) {
	client := &mockClient{
		dispatchFn: func(_ context.Context, step Step) (StepResult, error) {
			if step.ID == "a" {
				return StepResult{Kind: ResultFatalFailure, FailureKind: KindRemoteFault, Reason: "refused"}, nil
			}
			return StepResult{Kind: ResultSuccess}, nil
		},
	}
	exec, _ := newTestExecutor(client, &stubOracle{})

	plan := mustPlan(t,
		Step{ID: "a"},
		Step{ID: "b"}, // independent of a
	)
	report, err := exec.Execute(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if sr := stepByID(t, report, "b"); sr.Status != StepStatusSucceeded {
		t.Errorf("Independent sibling should succeed, got %s", sr.Status)
	}
	if report.Status != PlanStatusPartiallyFailed {
		t.Errorf("Status = %s, want partially_failed", report.Status)
	}
}

func TestExecute_CallerCancellationAbortsPlan(t *testing.T) {
	started := make(chan struct{})
	client := &mockClient{
		dispatchFn: func(ctx context.Context, _ Step) (StepResult, error) {
			close(started)
			<-ctx.Done()
			return StepResult{}, ctx.Err()
		},
	}
	exec, _ := newTestExecutor(client, &stubOracle{}, WithMaxInFlight(1))

	plan := mustPlan(t,
		Step{ID: "a"},
		Step{ID: "b", DependsOn: []string{"a"}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	report, err := exec.Execute(ctx, plan, nil)
	if report == nil {
		t.Fatal("Aborted plans must still produce a report")
	}
	if err == nil {
		t.Fatal("Expected execution error on abort")
	}
	if ErrorCode(err) != ErrCodeCancelledByCaller {
		t.Errorf("Error code = %s, want %s", ErrorCode(err), ErrCodeCancelledByCaller)
	}
	if report.Status != PlanStatusAborted {
		t.Errorf("Status = %s, want aborted", report.Status)
	}

	a := stepByID(t, report, "a")
	if a.Status != StepStatusCancelled || a.FailureCause != ErrCodeCancelledByCaller {
		t.Errorf("Unexpected a: %+v", a)
	}
	b := stepByID(t, report, "b")
	if b.Status != StepStatusCancelled {
		t.Errorf("Pending step b should be cancelled, got %s", b.Status)
	}
	if got := len(client.dispatched()); got != 1 {
		t.Errorf("Step b must not dispatch after abort, got %d dispatches", got)
	}

	// Best-effort abort was signalled for the in-flight command.
	client.mu.Lock()
	aborts := len(client.aborts)
	client.mu.Unlock()
	if aborts != 1 {
		t.Errorf("Expected one abort signal, got %d", aborts)
	}
}

func TestExecute_DeadlineAbortsPlan(t *testing.T) {
	client := &mockClient{
		dispatchFn: func(ctx context.Context, _ Step) (StepResult, error) {
			<-ctx.Done()
			return StepResult{}, ctx.Err()
		},
	}
	exec, _ := newTestExecutor(client, &stubOracle{})

	plan := mustPlan(t, Step{ID: "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	report, err := exec.Execute(ctx, plan, nil)
	if report == nil || err == nil {
		t.Fatal("Expected report and error on deadline")
	}
	if report.Status != PlanStatusAborted {
		t.Errorf("Status = %s, want aborted", report.Status)
	}
	if ErrorCode(err) != ErrCodeDeadlineExceeded {
		t.Errorf("Error code = %s, want %s", ErrorCode(err), ErrCodeDeadlineExceeded)
	}
	if sr := stepByID(t, report, "a"); sr.FailureCause != ErrCodeDeadlineExceeded {
		t.Errorf("Step cause = %s, want %s", sr.FailureCause, ErrCodeDeadlineExceeded)
	}
}

func TestExecute_FactsFlowThroughSessionMemory(t *testing.T) {
	var spawnSaw string
	client := &mockClient{
		dispatchFn: func(_ context.Context, step Step) (StepResult, error) {
			switch step.ID {
			case "s1":
				return StepResult{
					Kind:  ResultSuccess,
					Facts: map[string]string{"asset_id": "a-42"},
				}, nil
			case "s2":
				spawnSaw, _ = step.Parameters["asset_id"].(string)
				return StepResult{Kind: ResultSuccess}, nil
			}
			return StepResult{}, fmt.Errorf("unexpected step %s", step.ID)
		},
	}
	exec, _ := newTestExecutor(client, &stubOracle{})

	memory := NewSessionMemory("run-1", nil)
	plan := mustPlan(t,
		Step{ID: "s1", Capability: "asset.import"},
		Step{
			ID:         "s2",
			Capability: "actor.spawn",
			Parameters: map[string]any{"asset_id": "${mem:asset_id}"},
			DependsOn:  []string{"s1"},
		},
	)

	report, err := exec.Execute(context.Background(), plan, memory)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if report.Status != PlanStatusCompleted {
		t.Fatalf("Status = %s, want completed", report.Status)
	}
	if spawnSaw != "a-42" {
		t.Errorf("Memory reference resolved to %q, want a-42", spawnSaw)
	}
	if got, _ := memory.Lookup("asset_id"); got != "a-42" {
		t.Errorf("Fact missing from session memory: %q", got)
	}
	if history := memory.History("asset_id"); len(history) != 1 || history[0].WrittenBy != "s1" {
		t.Errorf("Unexpected fact provenance: %+v", history)
	}
}

func TestExecute_UnresolvableMemoryReferenceFailsStep(t *testing.T) {
	client := &mockClient{}
	exec, _ := newTestExecutor(client, &stubOracle{})

	plan := mustPlan(t, Step{
		ID:         "a",
		Capability: "actor.spawn",
		Parameters: map[string]any{"asset_id": "${mem:ghost}"},
	})
	report, err := exec.Execute(context.Background(), plan, NewSessionMemory("run-1", nil))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	sr := stepByID(t, report, "a")
	if sr.Status != StepStatusFailed || sr.FailureCause != ErrCodeSchemaViolation {
		t.Errorf("Expected binding failure, got %+v", sr)
	}
	if got := len(client.dispatched()); got != 0 {
		t.Errorf("Unbindable step must not dispatch, got %d dispatches", got)
	}
}

func TestExecute_TransportErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus StepStatus
		wantCause  string
	}{
		{
			name:       "unclassified transport error is transient",
			err:        errors.New("broken pipe"),
			wantStatus: StepStatusFailed,
			wantCause:  ErrCodeRetryExhausted,
		},
		{
			name:       "classified permanent error fails fatally",
			err:        NewStepError(KindValidationRejected, "bad params", nil),
			wantStatus: StepStatusFailed,
			wantCause:  string(KindValidationRejected),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockClient{
				dispatchFn: func(_ context.Context, _ Step) (StepResult, error) {
					return StepResult{}, tt.err
				},
			}
			exec, _ := newTestExecutor(client, &stubOracle{},
				WithRetryPolicy(RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2}))

			plan := mustPlan(t, Step{ID: "a"})
			report, err := exec.Execute(context.Background(), plan, nil)
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			sr := stepByID(t, report, "a")
			if sr.Status != tt.wantStatus || sr.FailureCause != tt.wantCause {
				t.Errorf("Got %+v, want status %s cause %s", sr, tt.wantStatus, tt.wantCause)
			}
		})
	}
}

func TestExecute_ReportCoversEveryStep(t *testing.T) {
	client := &mockClient{}
	exec, _ := newTestExecutor(client, &stubOracle{})

	plan := mustPlan(t,
		Step{ID: "a"},
		Step{ID: "b", DependsOn: []string{"a"}},
		Step{ID: "c"},
	)
	report, err := exec.Execute(context.Background(), plan, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(report.Steps) != len(plan.Steps) {
		t.Fatalf("Report has %d steps, plan has %d", len(report.Steps), len(plan.Steps))
	}
	for i, s := range plan.Steps {
		if report.Steps[i].StepID != s.ID {
			t.Errorf("Report order diverges from plan order at %d", i)
		}
	}
	if report.StartedAt.IsZero() || report.CompletedAt.Before(report.StartedAt) {
		t.Errorf("Implausible report timestamps: %s .. %s", report.StartedAt, report.CompletedAt)
	}
}
