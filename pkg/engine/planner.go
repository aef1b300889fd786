package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand/stagehand/pkg/telemetry"
)

// DefaultStepTimeout is the per-step dispatch timeout used when the
// planner is not configured with one.
const DefaultStepTimeout = 30 * time.Second

// Planner turns a caller intent into a validated Plan. Step proposal is
// delegated to the Oracle; the planner owns validation: every step must
// reference a registered capability, its parameters must satisfy the
// capability's schema, and the dependency graph must be acyclic. A plan
// that fails validation is rejected whole; there are no partial plans.
type Planner struct {
	registry    Registry
	oracle      Oracle
	logger      *telemetry.Logger
	stepTimeout time.Duration
	now         func() time.Time
	newID       func() string
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithStepTimeout sets the per-step dispatch timeout stamped onto every
// planned step.
func WithStepTimeout(d time.Duration) PlannerOption {
	return func(p *Planner) {
		if d > 0 {
			p.stepTimeout = d
		}
	}
}

// NewPlanner creates a planner over the given capability registry and
// Oracle.
func NewPlanner(registry Registry, oracle Oracle, logger *telemetry.Logger, opts ...PlannerOption) *Planner {
	p := &Planner{
		registry:    registry,
		oracle:      oracle,
		logger:      logger.NewComponentLogger("planner"),
		stepTimeout: DefaultStepTimeout,
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan derives a validated plan from the intent. The memory snapshot is
// passed through to the Oracle so proposals can build on facts from
// earlier plans in the session; pass nil for a fresh session.
func (p *Planner) Plan(ctx context.Context, intent Intent, memory map[string]string) (*Plan, error) {
	capabilities := p.registry.Enumerate()

	proposed, err := p.oracle.ProposePlan(ctx, intent, capabilities, memory)
	if err != nil {
		return nil, NewExecutionError("ORACLE_PROPOSAL_FAILED", "step proposal failed", err)
	}
	if len(proposed) == 0 {
		return nil, NewPlanningError(ErrCodeEmptyPlan, "no steps proposed for intent")
	}

	planID := p.newID()
	steps := make([]Step, 0, len(proposed))
	for _, ps := range proposed {
		step, err := p.validateStep(planID, ps)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	graph, err := BuildGraph(steps)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:        planID,
		Intent:    intent,
		Steps:     steps,
		CreatedAt: p.now(),
		Graph:     graph,
	}

	p.logger.WithField("plan_id", plan.ID).
		WithField("steps", len(plan.Steps)).
		WithField("levels", len(graph.Levels)).
		Info("plan validated")

	return plan, nil
}

// validateStep checks one proposed step against the registry and binds
// it into a plan step with its idempotency key.
func (p *Planner) validateStep(planID string, ps ProposedStep) (Step, error) {
	cap, ok := p.registry.Lookup(ps.Capability)
	if !ok {
		return Step{}, NewPlanningError(ErrCodeUnknownCapability,
			fmt.Sprintf("capability %q is not registered", ps.Capability)).WithStep(ps.ID)
	}
	if err := ValidateParameters(cap, ps.Parameters); err != nil {
		if e, ok := err.(*Error); ok {
			return Step{}, e.WithStep(ps.ID)
		}
		return Step{}, err
	}
	return Step{
		ID:             ps.ID,
		Capability:     ps.Capability,
		Parameters:     ps.Parameters,
		DependsOn:      ps.DependsOn,
		IdempotencyKey: DeriveIdempotencyKey(planID, ps.ID),
		Idempotent:     cap.Idempotent,
		Timeout:        p.stepTimeout,
	}, nil
}
