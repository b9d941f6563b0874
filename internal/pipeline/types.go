package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Run is the authoritative record for a single change's journey from PR to
// production. It is created once per PR, mutated only by the engine, and
// never deleted.
type Run struct {
	ID            uuid.UUID         `json:"id"`
	PRNumber      int               `json:"pr_number"`
	SourceBranch  string            `json:"source_branch"`
	TargetBranch  string            `json:"target_branch"`
	CommitSHA     string            `json:"commit_sha"`
	State         State             `json:"state"`
	PreviousState State             `json:"previous_state"`
	FixCycleCount int               `json:"fix_cycle_count"`
	MaxFixCycles  int               `json:"max_fix_cycles"`
	LastError     string            `json:"last_error,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Transition is one immutable audit-log entry. Exactly one row is appended
// per accepted transition, in the same transaction as the run's state update.
type Transition struct {
	ID        uuid.UUID         `json:"id"`
	RunID     uuid.UUID         `json:"run_id"`
	FromState State             `json:"from_state"`
	ToState   State             `json:"to_state"`
	Trigger   Trigger           `json:"trigger"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// GateOutcome classifies a gate run.
type GateOutcome string

const (
	OutcomePass            GateOutcome = "pass"
	OutcomeNonCriticalFail GateOutcome = "non_critical_fail"
	OutcomeCriticalFail    GateOutcome = "critical_fail"
)

// GateResult records the evaluated outcome of one verification gate run.
type GateResult struct {
	ID          uuid.UUID   `json:"id"`
	RunID       uuid.UUID   `json:"run_id"`
	Gate        string      `json:"gate"`
	Outcome     GateOutcome `json:"outcome"`
	TotalTests  int         `json:"total_tests"`
	PassedTests int         `json:"passed_tests"`
	FailedTests int         `json:"failed_tests"`
	FailedNames []string    `json:"failed_names,omitempty"`
	Coverage    *float64    `json:"coverage,omitempty"`
	Severity    string      `json:"severity,omitempty"`
	WorkflowRef string      `json:"workflow_ref,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// AgentType distinguishes the two kinds of autonomous agent invocations.
type AgentType string

const (
	AgentFix   AgentType = "fix"
	AgentJudge AgentType = "judge"
)

// SessionStatus is the lifecycle state of one agent session.
type SessionStatus string

const (
	SessionLaunched  SessionStatus = "launched"
	SessionWorking   SessionStatus = "working"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionTimeout   SessionStatus = "timeout"
)

// AgentSession records one autonomous agent invocation. Its status is
// updated externally (webhook from the agent workspace) and by the monitor
// on timeout.
type AgentSession struct {
	ID          uuid.UUID     `json:"id"`
	RunID       uuid.UUID     `json:"run_id"`
	AgentType   AgentType     `json:"agent_type"`
	Cycle       int           `json:"cycle"`
	Status      SessionStatus `json:"status"`
	Gate        string        `json:"gate,omitempty"`
	CommitSHA   string        `json:"commit_sha,omitempty"`
	FailReason  string        `json:"fail_reason,omitempty"`
	LaunchedAt  time.Time     `json:"launched_at"`
	TimeoutAt   time.Time     `json:"timeout_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// DefectIssue tracks an external issue opened for a gate failure that did
// not abort the run outright.
type DefectIssue struct {
	ID          uuid.UUID `json:"id"`
	RunID       uuid.UUID `json:"run_id"`
	IssueNumber int       `json:"issue_number"`
	Gate        string    `json:"gate"`
	FailedTests []string  `json:"failed_tests,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
