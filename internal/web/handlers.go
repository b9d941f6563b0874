package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/conveyorci/conveyor/internal/analytics"
	"github.com/conveyorci/conveyor/internal/engine"
	"github.com/conveyorci/conveyor/internal/gate"
	"github.com/conveyorci/conveyor/internal/pipeline"
)

// GateCompleteRequest is the payload the external gate workflow posts when
// it finishes.
type GateCompleteRequest struct {
	RunID       string          `json:"run_id"`
	Gate        string          `json:"gate"`
	WorkflowRef string          `json:"workflow_ref"`
	Format      string          `json:"format"`
	Report      json.RawMessage `json:"report"`
}

// GateCompleteResponse echoes the evaluation and the transition result.
type GateCompleteResponse struct {
	OK      bool          `json:"ok"`
	Outcome string        `json:"outcome"`
	Result  engine.Result `json:"result"`
}

func (s *Server) handleGateComplete(c echo.Context) error {
	var req GateCompleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RunID == "" || req.Gate == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run_id and gate are required")
	}

	report, err := gate.ParseReport(req.Format, req.Report)
	if err != nil {
		s.logger.Warn("unparseable gate report",
			zap.String("run_id", req.RunID),
			zap.String("format", req.Format),
			zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "unparseable report: "+err.Error())
	}

	run, err := s.queries.GetRun(c.Request().Context(), req.RunID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			return c.JSON(http.StatusOK, GateCompleteResponse{
				OK:     true,
				Result: engine.Result{Reason: "run not found"},
			})
		}
		return err
	}

	evaluation := s.evaluator.Evaluate(report)
	if _, err := s.evaluator.PersistResult(c.Request().Context(), run.ID, req.Gate, evaluation, req.WorkflowRef); err != nil {
		return err
	}

	trigger := gate.TriggerFor(evaluation.Outcome)
	result, err := s.eng.Advance(c.Request().Context(), req.RunID, trigger,
		map[string]string{engine.ExtraKeyGate: req.Gate})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, GateCompleteResponse{
		OK:      true,
		Outcome: string(evaluation.Outcome),
		Result:  result,
	})
}

// DeployCompleteRequest is posted by the external deploy workflow.
type DeployCompleteRequest struct {
	RunID       string `json:"run_id"`
	Environment string `json:"environment"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// DeployCompleteResponse reports the final state after any auto-chained
// gate advance.
type DeployCompleteResponse struct {
	OK     bool          `json:"ok"`
	Result engine.Result `json:"result"`
}

func (s *Server) handleDeployComplete(c echo.Context) error {
	var req DeployCompleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RunID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run_id is required")
	}

	ctx := c.Request().Context()
	trigger := pipeline.TriggerDeployCompleted
	if !req.Success {
		trigger = pipeline.TriggerDeployFailed
		if req.Error != "" {
			if err := s.eng.SetError(ctx, req.RunID, req.Error); err != nil && !errors.Is(err, pipeline.ErrNotFound) {
				return err
			}
		}
	}

	result, err := s.eng.Advance(ctx, req.RunID, trigger, nil)
	if err != nil {
		return err
	}

	// DEV_DEPLOYED and STAGING_DEPLOYED have no gate of their own; chain
	// straight into the next gate state.
	if result.Transitioned && pipeline.AutoAdvances(result.To) {
		chained, err := s.eng.Advance(ctx, req.RunID, pipeline.TriggerGatePassed, nil)
		if err != nil {
			return err
		}
		if chained.Transitioned {
			result = engine.Result{
				Transitioned: true,
				From:         result.From,
				To:           chained.To,
				SideEffect:   chained.SideEffect,
			}
		}
	}

	return c.JSON(http.StatusOK, DeployCompleteResponse{OK: true, Result: result})
}

// AgentCompleteRequest is posted by the agent workspace when a session
// changes status. SessionID is the callback id issued at launch; the
// monitor notices the updated row on its next poll and feeds the outcome
// back into the engine.
type AgentCompleteRequest struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	CommitSHA string `json:"commit_sha,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleAgentComplete(c echo.Context) error {
	var req AgentCompleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id is required")
	}

	var status pipeline.SessionStatus
	switch req.Status {
	case "working":
		status = pipeline.SessionWorking
	case "completed":
		status = pipeline.SessionCompleted
	case "failed":
		status = pipeline.SessionFailed
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "status must be working, completed or failed")
	}

	err := s.sessions.UpdateAgentSessionStatus(c.Request().Context(), req.SessionID, status, req.CommitSHA, req.Reason)
	if errors.Is(err, pipeline.ErrNotFound) {
		// Session expired or was superseded; nothing for the workspace
		// to retry.
		return c.JSON(http.StatusOK, map[string]any{"ok": true, "reason": "session not found"})
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// CreateRunRequest registers a new pipeline run for an opened PR.
type CreateRunRequest struct {
	PRNumber     int               `json:"pr_number"`
	SourceBranch string            `json:"source_branch"`
	TargetBranch string            `json:"target_branch"`
	CommitSHA    string            `json:"commit_sha"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CreateRunResponse returns the new run and its first transition.
type CreateRunResponse struct {
	OK     bool          `json:"ok"`
	Run    *pipeline.Run `json:"run"`
	Result engine.Result `json:"result"`
}

func (s *Server) handleCreateRun(c echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.PRNumber <= 0 || req.SourceBranch == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "pr_number and source_branch are required")
	}

	ctx := c.Request().Context()
	run, err := s.eng.CreateRun(ctx, req.PRNumber, req.SourceBranch, req.TargetBranch, req.CommitSHA, req.Metadata)
	if err != nil {
		return err
	}

	// A run exists because a PR opened; kick it into its first gate.
	result, err := s.eng.Advance(ctx, run.ID.String(), pipeline.TriggerPROpened, nil)
	if err != nil {
		return err
	}

	run, err = s.queries.GetRun(ctx, run.ID.String())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, CreateRunResponse{OK: true, Run: run, Result: result})
}

func (s *Server) handleListRuns(c echo.Context) error {
	runs, err := s.queries.ListRuns(c.Request().Context())
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*pipeline.Run{}
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

// RunDetail is the full view of one run.
type RunDetail struct {
	Run         *pipeline.Run            `json:"run"`
	Transitions []*pipeline.Transition   `json:"transitions"`
	GateResults []*pipeline.GateResult   `json:"gate_results"`
	Sessions    []*pipeline.AgentSession `json:"agent_sessions"`
	Defects     []*pipeline.DefectIssue  `json:"defects"`
}

func (s *Server) handleGetRun(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	run, err := s.queries.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return err
	}

	detail := RunDetail{Run: run}
	if detail.Transitions, err = s.queries.ListTransitions(ctx, id); err != nil {
		return err
	}
	if detail.GateResults, err = s.queries.ListGateResults(ctx, id); err != nil {
		return err
	}
	if detail.Sessions, err = s.queries.ListAgentSessions(ctx, id); err != nil {
		return err
	}
	if detail.Defects, err = s.queries.ListDefectIssues(ctx, id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, detail)
}

func (s *Server) handleStats(c echo.Context) error {
	overview, err := analytics.Compute(c.Request().Context(), s.queries)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, overview)
}
