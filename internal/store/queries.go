package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/conveyorci/conveyor/internal/pipeline"
)

func marshalMeta(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func unmarshalMeta(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateRun inserts a new pipeline run.
func (s *Store) CreateRun(ctx context.Context, run *pipeline.Run) error {
	meta, err := marshalMeta(run.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_runs
			(id, pr_number, source_branch, target_branch, commit_sha, state,
			 previous_state, fix_cycle_count, max_fix_cycles, last_error, metadata,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.ID.String(), run.PRNumber, run.SourceBranch, run.TargetBranch,
		run.CommitSHA, string(run.State), string(run.PreviousState),
		run.FixCycleCount, run.MaxFixCycles, run.LastError, meta,
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

const runColumns = `id, pr_number, source_branch, target_branch, commit_sha, state,
	previous_state, fix_cycle_count, max_fix_cycles, last_error, metadata,
	created_at, updated_at`

func scanRun(row pgx.Row) (*pipeline.Run, error) {
	var (
		run     pipeline.Run
		id      string
		state   string
		prev    string
		rawMeta []byte
	)
	err := row.Scan(&id, &run.PRNumber, &run.SourceBranch, &run.TargetBranch,
		&run.CommitSHA, &state, &prev, &run.FixCycleCount, &run.MaxFixCycles,
		&run.LastError, &rawMeta, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pipeline.ErrNotFound
		}
		return nil, err
	}
	run.ID, err = parseUUID(id)
	if err != nil {
		return nil, err
	}
	run.State = pipeline.State(state)
	run.PreviousState = pipeline.State(prev)
	run.Metadata, err = unmarshalMeta(rawMeta)
	if err != nil {
		return nil, fmt.Errorf("unmarshal run metadata: %w", err)
	}
	return &run, nil
}

// GetRun loads a run by id. Returns ErrNotFound if absent.
func (s *Store) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			return nil, pipeline.ErrNotFound
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns all runs ordered by creation time.
func (s *Store) ListRuns(ctx context.Context) ([]*pipeline.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*pipeline.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ApplyTransition commits a state change and its audit-log entry in one
// transaction. The run row is only updated when its state still matches the
// transition's from-state; otherwise ErrStaleState is returned and nothing
// is written.
func (s *Store) ApplyTransition(ctx context.Context, t *pipeline.Transition) error {
	meta, err := marshalMeta(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal transition metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE pipeline_runs
		SET state = $1, previous_state = $2, updated_at = now()
		WHERE id = $3 AND state = $2`,
		string(t.ToState), string(t.FromState), t.RunID.String())
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrStaleState
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO state_transitions (id, run_id, from_state, to_state, trigger, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID.String(), t.RunID.String(), string(t.FromState), string(t.ToState),
		string(t.Trigger), meta, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}

	return tx.Commit(ctx)
}

// IncrementFixCycle bumps the run's fix-cycle counter and returns the new
// value.
func (s *Store) IncrementFixCycle(ctx context.Context, runID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE pipeline_runs
		SET fix_cycle_count = fix_cycle_count + 1, updated_at = now()
		WHERE id = $1
		RETURNING fix_cycle_count`, runID).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, pipeline.ErrNotFound
		}
		return 0, fmt.Errorf("increment fix cycle: %w", err)
	}
	return count, nil
}

// UpdateCommitSHA records the run's current head commit.
func (s *Store) UpdateCommitSHA(ctx context.Context, runID, sha string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_runs SET commit_sha = $1, updated_at = now() WHERE id = $2`,
		sha, runID)
	if err != nil {
		return fmt.Errorf("update commit sha: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// SetError records a human-readable failure message without changing state.
func (s *Store) SetError(ctx context.Context, runID, msg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_runs SET last_error = $1, updated_at = now() WHERE id = $2`,
		msg, runID)
	if err != nil {
		return fmt.Errorf("set error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// ListTransitions returns a run's audit log ordered by creation time.
func (s *Store) ListTransitions(ctx context.Context, runID string) ([]*pipeline.Transition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, from_state, to_state, trigger, metadata, created_at
		FROM state_transitions WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	return collectTransitions(rows)
}

// ListAllTransitions returns every transition across all runs ordered by
// creation time. Feeds the analytics overview.
func (s *Store) ListAllTransitions(ctx context.Context) ([]*pipeline.Transition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, from_state, to_state, trigger, metadata, created_at
		FROM state_transitions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list all transitions: %w", err)
	}
	return collectTransitions(rows)
}

func collectTransitions(rows pgx.Rows) ([]*pipeline.Transition, error) {
	defer rows.Close()

	var transitions []*pipeline.Transition
	for rows.Next() {
		var (
			t         pipeline.Transition
			id, runID string
			from, to  string
			trigger   string
			rawMeta   []byte
			err       error
		)
		if err = rows.Scan(&id, &runID, &from, &to, &trigger, &rawMeta, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if t.ID, err = parseUUID(id); err != nil {
			return nil, err
		}
		if t.RunID, err = parseUUID(runID); err != nil {
			return nil, err
		}
		t.FromState = pipeline.State(from)
		t.ToState = pipeline.State(to)
		t.Trigger = pipeline.Trigger(trigger)
		if t.Metadata, err = unmarshalMeta(rawMeta); err != nil {
			return nil, fmt.Errorf("unmarshal transition metadata: %w", err)
		}
		transitions = append(transitions, &t)
	}
	return transitions, rows.Err()
}

// CreateGateResult inserts one gate result row.
func (s *Store) CreateGateResult(ctx context.Context, r *pipeline.GateResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gate_results
			(id, run_id, gate, outcome, total_tests, passed_tests, failed_tests,
			 failed_names, coverage, severity, workflow_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())`,
		r.ID.String(), r.RunID.String(), r.Gate, string(r.Outcome),
		r.TotalTests, r.PassedTests, r.FailedTests, r.FailedNames,
		r.Coverage, r.Severity, r.WorkflowRef)
	if err != nil {
		return fmt.Errorf("insert gate result: %w", err)
	}
	return nil
}

const gateResultColumns = `id, run_id, gate, outcome, total_tests, passed_tests,
	failed_tests, failed_names, coverage, severity, workflow_ref, created_at`

func scanGateResult(row pgx.Row) (*pipeline.GateResult, error) {
	var (
		r         pipeline.GateResult
		id, runID string
		outcome   string
	)
	err := row.Scan(&id, &runID, &r.Gate, &outcome, &r.TotalTests,
		&r.PassedTests, &r.FailedTests, &r.FailedNames, &r.Coverage,
		&r.Severity, &r.WorkflowRef, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pipeline.ErrNotFound
		}
		return nil, err
	}
	if r.ID, err = parseUUID(id); err != nil {
		return nil, err
	}
	if r.RunID, err = parseUUID(runID); err != nil {
		return nil, err
	}
	r.Outcome = pipeline.GateOutcome(outcome)
	return &r, nil
}

// LatestGateResult returns the most recent gate result for a run, or
// ErrNotFound when none exists yet.
func (s *Store) LatestGateResult(ctx context.Context, runID string) (*pipeline.GateResult, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+gateResultColumns+` FROM gate_results
		WHERE run_id = $1 ORDER BY created_at DESC LIMIT 1`, runID)
	return scanGateResult(row)
}

// ListGateResults returns a run's gate results ordered by creation time.
func (s *Store) ListGateResults(ctx context.Context, runID string) ([]*pipeline.GateResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+gateResultColumns+` FROM gate_results
		WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list gate results: %w", err)
	}
	defer rows.Close()

	var results []*pipeline.GateResult
	for rows.Next() {
		r, err := scanGateResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan gate result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ListAllGateResults returns every gate result across all runs ordered by
// creation time. Feeds the analytics overview.
func (s *Store) ListAllGateResults(ctx context.Context) ([]*pipeline.GateResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+gateResultColumns+` FROM gate_results ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list all gate results: %w", err)
	}
	defer rows.Close()

	var results []*pipeline.GateResult
	for rows.Next() {
		r, err := scanGateResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan gate result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CreateAgentSession inserts one agent session row.
func (s *Store) CreateAgentSession(ctx context.Context, sess *pipeline.AgentSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_sessions
			(id, run_id, agent_type, cycle, status, gate, commit_sha, fail_reason,
			 launched_at, timeout_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sess.ID.String(), sess.RunID.String(), string(sess.AgentType), sess.Cycle,
		string(sess.Status), sess.Gate, sess.CommitSHA, sess.FailReason,
		sess.LaunchedAt, sess.TimeoutAt, sess.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert agent session: %w", err)
	}
	return nil
}

const sessionColumns = `id, run_id, agent_type, cycle, status, gate, commit_sha,
	fail_reason, launched_at, timeout_at, completed_at`

func scanSession(row pgx.Row) (*pipeline.AgentSession, error) {
	var (
		sess      pipeline.AgentSession
		id, runID string
		atype     string
		status    string
	)
	err := row.Scan(&id, &runID, &atype, &sess.Cycle, &status, &sess.Gate,
		&sess.CommitSHA, &sess.FailReason, &sess.LaunchedAt, &sess.TimeoutAt,
		&sess.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pipeline.ErrNotFound
		}
		return nil, err
	}
	if sess.ID, err = parseUUID(id); err != nil {
		return nil, err
	}
	if sess.RunID, err = parseUUID(runID); err != nil {
		return nil, err
	}
	sess.AgentType = pipeline.AgentType(atype)
	sess.Status = pipeline.SessionStatus(status)
	return &sess, nil
}

// GetAgentSession loads a session by id. Returns ErrNotFound if absent.
func (s *Store) GetAgentSession(ctx context.Context, id string) (*pipeline.AgentSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE id = $1`, id)
	return scanSession(row)
}

// ListAgentSessions returns a run's sessions ordered by launch time.
func (s *Store) ListAgentSessions(ctx context.Context, runID string) ([]*pipeline.AgentSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM agent_sessions
		WHERE run_id = $1 ORDER BY launched_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list agent sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*pipeline.AgentSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateAgentSessionStatus moves a session to a new status, recording the
// resulting commit or failure reason when present.
func (s *Store) UpdateAgentSessionStatus(ctx context.Context, id string, status pipeline.SessionStatus, commitSHA, failReason string) error {
	var completedAt *time.Time
	switch status {
	case pipeline.SessionCompleted, pipeline.SessionFailed, pipeline.SessionTimeout:
		now := time.Now().UTC()
		completedAt = &now
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_sessions
		SET status = $1,
		    commit_sha = CASE WHEN $2 <> '' THEN $2 ELSE commit_sha END,
		    fail_reason = CASE WHEN $3 <> '' THEN $3 ELSE fail_reason END,
		    completed_at = COALESCE($4, completed_at)
		WHERE id = $5`,
		string(status), commitSHA, failReason, completedAt, id)
	if err != nil {
		return fmt.Errorf("update agent session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// SetAgentSessionTimeout records the absolute wall-clock deadline for a
// session. Persisted so a restarted process can still expire it.
func (s *Store) SetAgentSessionTimeout(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_sessions SET timeout_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("set agent session timeout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// CreateDefectIssue inserts one defect tracking row.
func (s *Store) CreateDefectIssue(ctx context.Context, d *pipeline.DefectIssue) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO defect_issues (id, run_id, issue_number, gate, failed_tests, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		d.ID.String(), d.RunID.String(), d.IssueNumber, d.Gate, d.FailedTests)
	if err != nil {
		return fmt.Errorf("insert defect issue: %w", err)
	}
	return nil
}

// ListDefectIssues returns a run's defect records ordered by creation time.
func (s *Store) ListDefectIssues(ctx context.Context, runID string) ([]*pipeline.DefectIssue, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, issue_number, gate, failed_tests, created_at
		FROM defect_issues WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list defect issues: %w", err)
	}
	defer rows.Close()

	var defects []*pipeline.DefectIssue
	for rows.Next() {
		var (
			d         pipeline.DefectIssue
			id, runID string
		)
		if err := rows.Scan(&id, &runID, &d.IssueNumber, &d.Gate, &d.FailedTests, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan defect issue: %w", err)
		}
		if d.ID, err = parseUUID(id); err != nil {
			return nil, err
		}
		if d.RunID, err = parseUUID(runID); err != nil {
			return nil, err
		}
		defects = append(defects, &d)
	}
	return defects, rows.Err()
}
