package execution

import (
	"math/big"
	"time"

	"github.com/Michael-Nwachukwu/boundless/internal/model"
)

// Policy decides what happens to the remaining routes after one fails.
type Policy string

const (
	ContinueOnFailure Policy = "continue_on_failure"
	HaltOnFailure     Policy = "halt_on_failure"
)

func (p Policy) Valid() bool {
	return p == ContinueOnFailure || p == HaltOnFailure
}

type CallKind string

const (
	CallApproval CallKind = "approval"
	CallSupply   CallKind = "supply"
	CallBridge   CallKind = "bridge"
	CallWithdraw CallKind = "withdraw"
)

// Call is one transaction for the active chain.
type Call struct {
	Kind    CallKind
	ChainID int64
	Target  string
	Data    string
	Value   *big.Int
	// ApprovalCap bounds the amount an approval may grant. Approvals without
	// a cap are rejected.
	ApprovalCap *big.Int
}

type RunStatus string

const (
	RunStatusPlanned   RunStatus = "planned"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the persisted record of one plan and its execution.
type Run struct {
	RunID     string                  `json:"run_id"`
	Flow      model.Flow              `json:"flow"`
	Status    RunStatus               `json:"status"`
	Wallet    string                  `json:"wallet,omitempty"`
	CreatedAt string                  `json:"created_at"`
	UpdatedAt string                  `json:"updated_at"`
	Plan      model.Plan              `json:"plan"`
	Summary   *model.ExecutionSummary `json:"summary,omitempty"`
}

func NewRun(runID string, plan model.Plan) Run {
	now := time.Now().UTC().Format(time.RFC3339)
	return Run{
		RunID:     runID,
		Flow:      plan.Flow,
		Status:    RunStatusPlanned,
		CreatedAt: now,
		UpdatedAt: now,
		Plan:      plan,
	}
}

func (r *Run) Touch() {
	r.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// Finish records summary and derives the terminal status from it.
func (r *Run) Finish(summary model.ExecutionSummary) {
	r.Summary = &summary
	switch {
	case summary.AllSucceeded():
		r.Status = RunStatusCompleted
	case summary.SuccessfulRoutes > 0:
		r.Status = RunStatusPartial
	default:
		r.Status = RunStatusFailed
	}
	r.Touch()
}
