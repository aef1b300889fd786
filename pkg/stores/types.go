package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/stagehand/stagehand/pkg/engine"
)

// PlanRecord is the persisted form of a validated plan.
type PlanRecord struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	IntentText  string     `json:"intent_text"`
	Status      string     `json:"status"`
	Steps       string     `json:"steps"` // JSON array of engine.Step
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ReportRecord is the persisted form of a terminal plan report.
type ReportRecord struct {
	PlanID      string    `json:"plan_id"`
	Status      string    `json:"status"`
	Report      string    `json:"report"` // JSON blob of engine.PlanReport
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Plan operations
	SavePlan(ctx context.Context, runID string, plan *engine.Plan) error
	UpdatePlanStatus(ctx context.Context, planID string, status engine.PlanStatus) error
	GetPlan(ctx context.Context, planID string) (*PlanRecord, error)
	ListPlans(ctx context.Context, runID string, limit, offset int) ([]*PlanRecord, error)

	// Session memory operations
	AppendMemoryEntry(ctx context.Context, runID string, entry engine.MemoryEntry) error
	ListMemoryEntries(ctx context.Context, runID string) ([]engine.MemoryEntry, error)

	// Execution record operations
	AppendExecutionRecord(ctx context.Context, rec engine.ExecutionRecord) error
	ListExecutionRecords(ctx context.Context, planID string) ([]engine.ExecutionRecord, error)

	// Report operations
	SaveReport(ctx context.Context, report *engine.PlanReport) error
	GetReport(ctx context.Context, planID string) (*engine.PlanReport, error)
	ListReports(ctx context.Context, limit, offset int) ([]*ReportRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
