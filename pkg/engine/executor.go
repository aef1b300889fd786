package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stagehand/stagehand/pkg/telemetry"
)

const (
	// DefaultMaxInFlight bounds concurrent dispatches when the executor
	// is not configured with a limit.
	DefaultMaxInFlight = 4

	// DefaultResolutionTimeout bounds how long a step stays suspended
	// waiting for the Oracle to resolve an ambiguity.
	DefaultResolutionTimeout = 60 * time.Second

	// maxAmbiguityRounds bounds how many times a single step may come
	// back ambiguous before it is failed. Guards against a remote that
	// keeps asking.
	maxAmbiguityRounds = 3
)

// Executor drives a validated plan to a terminal PlanReport. Steps are
// dispatched concurrently once their dependencies succeed, bounded by
// the in-flight limit. Retries of a step are sequential and reuse its
// idempotency key. The executor never mutates the plan.
type Executor struct {
	client            CommandClient
	oracle            Oracle
	policy            RetryPolicy
	maxInFlight       int
	resolutionTimeout time.Duration
	records           RecordSink
	logger            *telemetry.Logger
	metrics           *telemetry.Metrics
	tracer            *telemetry.Tracer
	now               func() time.Time
	sleep             func(ctx context.Context, d time.Duration) error
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRetryPolicy sets the retry policy consulted after recoverable
// failures.
func WithRetryPolicy(p RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.policy = p }
}

// WithMaxInFlight bounds the number of concurrently dispatched steps.
func WithMaxInFlight(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxInFlight = n
		}
	}
}

// WithResolutionTimeout bounds Oracle ambiguity resolution.
func WithResolutionTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.resolutionTimeout = d
		}
	}
}

// WithRecordSink attaches a sink for per-attempt execution records.
func WithRecordSink(sink RecordSink) ExecutorOption {
	return func(e *Executor) { e.records = sink }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *telemetry.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer attaches a tracer for plan and step spans.
func WithTracer(t *telemetry.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// NewExecutor creates an executor over the given command client and
// Oracle.
func NewExecutor(client CommandClient, oracle Oracle, logger *telemetry.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		client:            client,
		oracle:            oracle,
		policy:            DefaultRetryPolicy(),
		maxInFlight:       DefaultMaxInFlight,
		resolutionTimeout: DefaultResolutionTimeout,
		logger:            logger.NewComponentLogger("executor"),
		now:               time.Now,
		sleep:             sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// stepOutcome is what a step goroutine reports back to the coordinator.
type stepOutcome struct {
	stepID   string
	status   StepStatus
	attempts int
	cause    string
	reason   string
}

// Execute runs the plan to completion and returns its report. A report
// is produced for every execution, including aborted ones; the error is
// non-nil only when the caller's context ended the plan early.
func (e *Executor) Execute(ctx context.Context, plan *Plan, memory *SessionMemory) (*PlanReport, error) {
	startedAt := e.now()

	graph := plan.Graph
	if graph == nil {
		var err error
		graph, err = BuildGraph(plan.Steps)
		if err != nil {
			return nil, err
		}
	}

	if e.tracer != nil {
		sctx, span := e.tracer.StartPlanSpan(ctx, plan.ID)
		ctx = sctx
		defer span.End()
	}
	logger := e.logger.WithField("plan_id", plan.ID)
	logger.WithField("steps", len(plan.Steps)).
		WithField("max_in_flight", e.maxInFlight).
		Info("plan execution started")
	if e.metrics != nil {
		e.metrics.RecordPlanStarted()
	}

	stepsByID := make(map[string]*Step, len(plan.Steps))
	status := make(map[string]StepStatus, len(plan.Steps))
	attempts := make(map[string]int, len(plan.Steps))
	causes := make(map[string]string, len(plan.Steps))
	reasons := make(map[string]string, len(plan.Steps))
	waiting := make(map[string]int, len(plan.Steps))

	for i := range plan.Steps {
		step := &plan.Steps[i]
		stepsByID[step.ID] = step
		status[step.ID] = StepStatusPending
		waiting[step.ID] = len(step.DependsOn)
	}

	outcomes := make(chan stepOutcome, len(plan.Steps))
	sem := make(chan struct{}, e.maxInFlight)

	var ready []string
	for _, id := range graph.Roots {
		ready = append(ready, id)
	}

	inFlight := 0
	aborted := false
	abortCause := ""

	launch := func(id string) {
		status[id] = StepStatusDispatched
		inFlight++
		go e.runStep(ctx, plan, *stepsByID[id], memory, sem, outcomes)
	}

	cancelPending := func(ids map[string]bool, cause, reason string) {
		for id, ok := range ids {
			if !ok {
				continue
			}
			if status[id] == StepStatusPending {
				status[id] = StepStatusCancelled
				causes[id] = cause
				reasons[id] = reason
				logger.WithField("step_id", id).WithField("cause", cause).Debug("step cancelled")
			}
		}
	}

	cancelAllPending := func(cause, reason string) {
		all := make(map[string]bool, len(status))
		for id := range status {
			all[id] = true
		}
		cancelPending(all, cause, reason)
	}

	for {
		if !aborted {
			for _, id := range ready {
				launch(id)
			}
			ready = nil
		} else {
			ready = nil
		}

		if inFlight == 0 {
			break
		}

		var out stepOutcome
		if aborted {
			out = <-outcomes
		} else {
			select {
			case out = <-outcomes:
			case <-ctx.Done():
				aborted = true
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					abortCause = ErrCodeDeadlineExceeded
				} else {
					abortCause = ErrCodeCancelledByCaller
				}
				cancelAllPending(abortCause, "plan aborted before dispatch")
				logger.WithField("cause", abortCause).Warn("plan aborted, draining in-flight steps")
				continue
			}
		}

		if !out.status.IsTerminal() {
			// A suspension or resume notice; the step goroutine is still
			// running and will report a terminal outcome later.
			status[out.stepID] = out.status
			reasons[out.stepID] = out.reason
			continue
		}

		inFlight--
		status[out.stepID] = out.status
		attempts[out.stepID] = out.attempts
		causes[out.stepID] = out.cause
		reasons[out.stepID] = out.reason

		switch out.status {
		case StepStatusSucceeded:
			node := graph.Nodes[out.stepID]
			for _, dep := range node.Dependents {
				waiting[dep]--
				if waiting[dep] == 0 && status[dep] == StepStatusPending {
					ready = append(ready, dep)
				}
			}
		case StepStatusFailed, StepStatusCancelled:
			cancelPending(graph.TransitiveDependents(out.stepID),
				ErrCodeDependencyFailed,
				fmt.Sprintf("dependency %s did not succeed", out.stepID))
		}
	}

	// The last in-flight outcome can win the select race against
	// ctx.Done(); a dead context is still an abort.
	if !aborted && ctx.Err() != nil {
		aborted = true
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			abortCause = ErrCodeDeadlineExceeded
		} else {
			abortCause = ErrCodeCancelledByCaller
		}
		cancelAllPending(abortCause, "plan aborted before dispatch")
	}

	// Steps unreached because every path to them was cancelled.
	if !aborted {
		for id, st := range status {
			if st == StepStatusPending {
				status[id] = StepStatusCancelled
				causes[id] = ErrCodeDependencyFailed
				reasons[id] = "unreachable after upstream failure"
			}
		}
	}

	report := &PlanReport{
		PlanID:      plan.ID,
		Steps:       make([]StepReport, 0, len(plan.Steps)),
		StartedAt:   startedAt,
		CompletedAt: e.now(),
	}
	allSucceeded := true
	for _, step := range plan.Steps {
		st := status[step.ID]
		if st != StepStatusSucceeded {
			allSucceeded = false
		}
		report.Steps = append(report.Steps, StepReport{
			StepID:       step.ID,
			Capability:   step.Capability,
			Status:       st,
			Attempts:     attempts[step.ID],
			FailureCause: causes[step.ID],
			Reason:       reasons[step.ID],
		})
	}

	var execErr error
	switch {
	case aborted:
		report.Status = PlanStatusAborted
		execErr = NewExecutionError(abortCause, "plan execution aborted", ctx.Err())
	case allSucceeded:
		report.Status = PlanStatusCompleted
	default:
		report.Status = PlanStatusPartiallyFailed
	}

	succeeded, failed, cancelled := report.Summary()
	logger.WithField("status", report.Status).
		WithField("succeeded", succeeded).
		WithField("failed", failed).
		WithField("cancelled", cancelled).
		Info("plan execution finished")
	if e.metrics != nil {
		e.metrics.RecordPlanCompleted(string(report.Status), report.CompletedAt.Sub(report.StartedAt))
	}

	return report, execErr
}

// runStep drives a single step through its attempt loop and reports a
// terminal outcome. While suspended on an ambiguity it sends
// non-terminal Ambiguous/Dispatched notices so the coordinator's view
// tracks the suspension.
func (e *Executor) runStep(ctx context.Context, plan *Plan, step Step, memory *SessionMemory, sem chan struct{}, outcomes chan<- stepOutcome) {
	logger := e.logger.WithField("plan_id", plan.ID).
		WithField("step_id", step.ID).
		WithField("capability", step.Capability)

	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		outcomes <- e.cancelledOutcome(ctx, step, 0)
		return
	}

	if e.tracer != nil {
		sctx, span := e.tracer.StartStepSpan(ctx, step.ID, step.Capability)
		ctx = sctx
		defer span.End()
	}

	params, err := ResolveParameters(step.Parameters, memory)
	if err != nil {
		logger.WithError(err).Error("parameter binding failed")
		outcomes <- stepOutcome{
			stepID:   step.ID,
			status:   StepStatusFailed,
			attempts: 0,
			cause:    ErrCodeSchemaViolation,
			reason:   err.Error(),
		}
		return
	}
	step.Parameters = params

	started := e.now()
	attempt := 0
	ambiguityRounds := 0

	for {
		attempt++
		logger.WithField("attempt", attempt).Debug("dispatching step")

		result, kind, err := e.dispatchOnce(ctx, step, attempt)
		if err != nil && ctx.Err() != nil {
			e.abortRemote(step)
			outcomes <- e.cancelledOutcome(ctx, step, attempt)
			return
		}

		if err != nil {
			// Transport-level failure. A timed-out non-idempotent command
			// may or may not have taken effect; ask the remote before
			// deciding to retry.
			if kind == KindTimeout && !step.Idempotent {
				applied, recErr := e.client.Reconcile(ctx, step.IdempotencyKey)
				if e.metrics != nil {
					e.metrics.RecordReconciliation(step.Capability, recErr == nil && applied)
				}
				if recErr == nil && applied {
					logger.WithField("attempt", attempt).Info("timed-out command confirmed applied")
					e.appendRecord(ctx, plan.ID, step.ID, attempt, ResultSuccess, "applied per reconciliation", 0)
					e.finishSuccess(ctx, step, attempt, started, nil, memory, logger, outcomes)
					return
				}
				if recErr != nil {
					logger.WithError(recErr).Warn("reconciliation query failed")
				}
			}
			resKind := ResultRecoverableFailure
			if !IsTransientKind(kind) {
				resKind = ResultFatalFailure
			}
			result = StepResult{
				Kind:        resKind,
				FailureKind: kind,
				Reason:      err.Error(),
			}
		}

		switch result.Kind {
		case ResultSuccess:
			e.appendRecord(ctx, plan.ID, step.ID, attempt, ResultSuccess, "", 0)
			e.finishSuccess(ctx, step, attempt, started, result.Facts, memory, logger, outcomes)
			return

		case ResultFatalFailure:
			e.appendRecord(ctx, plan.ID, step.ID, attempt, ResultFatalFailure, result.Reason, 0)
			logger.WithField("attempt", attempt).
				WithField("kind", string(result.FailureKind)).
				Error("step failed fatally")
			e.recordStepMetrics(step, StepStatusFailed, started, result.FailureKind)
			outcomes <- stepOutcome{
				stepID:   step.ID,
				status:   StepStatusFailed,
				attempts: attempt,
				cause:    string(result.FailureKind),
				reason:   result.Reason,
			}
			return

		case ResultAmbiguous:
			ambiguityRounds++
			e.appendRecord(ctx, plan.ID, step.ID, attempt, ResultAmbiguous, result.Ambiguity.Question, 0)
			outcomes <- stepOutcome{
				stepID: step.ID,
				status: StepStatusAmbiguous,
				reason: result.Ambiguity.Question,
			}
			choice, resErr := e.resolveAmbiguity(ctx, step, result.Ambiguity, logger)
			if e.metrics != nil {
				e.metrics.RecordAmbiguity(step.Capability, resErr == nil)
			}
			if resErr != nil || ambiguityRounds > maxAmbiguityRounds {
				reason := "ambiguity round limit exceeded"
				if resErr != nil {
					reason = resErr.Error()
				}
				logger.WithField("question", result.Ambiguity.Question).
					WithField("reason", reason).
					Error("ambiguity unresolved")
				e.recordStepMetrics(step, StepStatusFailed, started, KindNone)
				outcomes <- stepOutcome{
					stepID:   step.ID,
					status:   StepStatusFailed,
					attempts: attempt,
					cause:    ErrCodeAmbiguityUnresolved,
					reason:   reason,
				}
				return
			}
			step.Parameters = bindChoice(step.Parameters, result.Ambiguity.Parameter, choice)
			outcomes <- stepOutcome{stepID: step.ID, status: StepStatusDispatched}
			logger.WithField("parameter", result.Ambiguity.Parameter).
				WithField("choice", choice).
				Info("ambiguity resolved, redispatching")
			continue

		case ResultRecoverableFailure:
			decision := e.policy.Decide(result.FailureKind, attempt)
			e.appendRecord(ctx, plan.ID, step.ID, attempt, ResultRecoverableFailure, result.Reason, decision.Delay)
			if !decision.Retry {
				// A recoverable result carrying a non-transient kind was
				// never retried; report the kind itself, not exhaustion.
				cause := ErrCodeRetryExhausted
				msg := "step failed, retry budget exhausted"
				if result.FailureKind != KindNone && !IsTransientKind(result.FailureKind) {
					cause = string(result.FailureKind)
					msg = "step failed, failure kind is not retryable"
				}
				logger.WithField("attempt", attempt).
					WithField("kind", string(result.FailureKind)).
					Error(msg)
				e.recordStepMetrics(step, StepStatusFailed, started, result.FailureKind)
				outcomes <- stepOutcome{
					stepID:   step.ID,
					status:   StepStatusFailed,
					attempts: attempt,
					cause:    cause,
					reason:   result.Reason,
				}
				return
			}
			logger.WithField("attempt", attempt).
				WithField("backoff", decision.Delay.String()).
				WithField("kind", string(result.FailureKind)).
				Warn("step failed, retrying")
			if e.metrics != nil {
				e.metrics.RecordRetry(step.Capability)
			}
			if err := e.sleep(ctx, decision.Delay); err != nil {
				outcomes <- e.cancelledOutcome(ctx, step, attempt)
				return
			}
		}
	}
}

// dispatchOnce sends one attempt with the step's timeout applied. The
// returned kind classifies transport-level errors for the retry policy.
func (e *Executor) dispatchOnce(ctx context.Context, step Step, attempt int) (StepResult, ErrorKind, error) {
	if e.tracer != nil {
		sctx, span := e.tracer.StartDispatchSpan(ctx, step.ID, attempt)
		ctx = sctx
		defer span.End()
	}

	dctx := ctx
	var cancel context.CancelFunc
	if step.Timeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	result, err := e.client.Dispatch(dctx, step)
	if err == nil {
		return result, KindNone, nil
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return StepResult{}, KindTimeout, NewStepError(KindTimeout,
			fmt.Sprintf("no result within %s", step.Timeout), err).WithStep(step.ID)
	}
	if kind := classifiedKind(err); kind != KindNone {
		return StepResult{}, kind, err
	}
	return StepResult{}, KindTransientNetwork, NewStepError(KindTransientNetwork,
		"dispatch failed", err).WithStep(step.ID)
}

// classifiedKind extracts a failure kind from an already-classified
// error, when the transport did the classification itself.
func classifiedKind(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		kind := ErrorKind(e.Code)
		switch kind {
		case KindTimeout, KindRemoteBusy, KindTransientNetwork, KindValidationRejected, KindRemoteFault:
			return kind
		}
	}
	return KindNone
}

// resolveAmbiguity suspends the step and asks the Oracle to choose among
// the remote's options, bounded by the resolution timeout.
func (e *Executor) resolveAmbiguity(ctx context.Context, step Step, amb *Ambiguity, logger *telemetry.Logger) (string, error) {
	if amb == nil || amb.Parameter == "" || len(amb.Options) == 0 {
		return "", fmt.Errorf("remote reported a malformed ambiguity")
	}
	logger.WithField("question", amb.Question).Info("step suspended on ambiguity")

	rctx, cancel := context.WithTimeout(ctx, e.resolutionTimeout)
	defer cancel()

	choice, err := e.oracle.ResolveAmbiguity(rctx, amb.Question, amb.Options)
	if err != nil {
		return "", fmt.Errorf("resolution failed: %w", err)
	}
	for _, opt := range amb.Options {
		if opt == choice {
			return choice, nil
		}
	}
	return "", fmt.Errorf("resolution %q is not among the offered options", choice)
}

// finishSuccess writes reported facts to session memory and reports the
// succeeded outcome.
func (e *Executor) finishSuccess(ctx context.Context, step Step, attempt int, started time.Time, facts map[string]string, memory *SessionMemory, logger *telemetry.Logger, outcomes chan<- stepOutcome) {
	for key, value := range facts {
		if memory == nil {
			break
		}
		if err := memory.Remember(context.WithoutCancel(ctx), key, value, step.ID); err != nil {
			logger.WithError(err).WithField("key", key).Warn("failed to persist fact")
		}
	}
	logger.WithField("attempts", attempt).Info("step succeeded")
	e.recordStepMetrics(step, StepStatusSucceeded, started, KindNone)
	outcomes <- stepOutcome{
		stepID:   step.ID,
		status:   StepStatusSucceeded,
		attempts: attempt,
	}
}

func (e *Executor) cancelledOutcome(ctx context.Context, step Step, attempt int) stepOutcome {
	cause := ErrCodeCancelledByCaller
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cause = ErrCodeDeadlineExceeded
	}
	return stepOutcome{
		stepID:   step.ID,
		status:   StepStatusCancelled,
		attempts: attempt,
		cause:    cause,
		reason:   "plan aborted",
	}
}

// abortRemote signals best-effort cancellation of an in-flight command
// after the caller's context is gone.
func (e *Executor) abortRemote(step Step) {
	actx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.client.Abort(actx, step.IdempotencyKey); err != nil {
		e.logger.WithError(err).WithField("step_id", step.ID).Debug("abort signal failed")
	}
}

func (e *Executor) appendRecord(ctx context.Context, planID, stepID string, attempt int, kind ResultKind, detail string, backoff time.Duration) {
	if e.records == nil {
		return
	}
	rec := ExecutionRecord{
		PlanID:    planID,
		StepID:    stepID,
		Attempt:   attempt,
		Kind:      kind,
		Detail:    detail,
		Backoff:   backoff,
		Timestamp: e.now(),
	}
	// Recording must survive plan abort.
	rctx := context.WithoutCancel(ctx)
	if err := e.records.AppendExecutionRecord(rctx, rec); err != nil {
		e.logger.WithError(err).WithField("step_id", stepID).Warn("failed to append execution record")
	}
}

func (e *Executor) recordStepMetrics(step Step, st StepStatus, started time.Time, kind ErrorKind) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordStepExecution(step.Capability, string(st), e.now().Sub(started))
	if st == StepStatusFailed {
		class := string(ErrorClassPermanent)
		if IsTransientKind(kind) {
			class = string(ErrorClassTransient)
		}
		e.metrics.RecordError(class, string(kind))
	}
}

// bindChoice returns a copy of params with the resolved choice bound to
// the ambiguous parameter. The original map is shared with the plan and
// must not be mutated.
func bindChoice(params map[string]any, parameter, choice string) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out[parameter] = choice
	return out
}

// sleepCtx waits for d or until the context ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
