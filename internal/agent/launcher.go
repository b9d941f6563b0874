package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conveyorci/conveyor/internal/agentapi"
	"github.com/conveyorci/conveyor/internal/engine"
	"github.com/conveyorci/conveyor/internal/pipeline"
)

// Advancer is the slice of the engine the launchers drive.
type Advancer interface {
	Advance(ctx context.Context, runID string, trigger pipeline.Trigger, extra map[string]string) (engine.Result, error)
	IncrementFixCycle(ctx context.Context, runID string) (int, error)
	UpdateCommitSHA(ctx context.Context, runID, sha string) error
	SetError(ctx context.Context, runID, msg string) error
}

// IssueCreator opens tracking issues on the git host.
type IssueCreator interface {
	CreateIssue(ctx context.Context, title, body string, labels []string) (int, error)
}

// SessionStarter starts sessions on the agent workspace API.
type SessionStarter interface {
	StartSession(ctx context.Context, req agentapi.StartRequest) (string, error)
}

// LaunchStore persists agent session rows.
type LaunchStore interface {
	CreateAgentSession(ctx context.Context, sess *pipeline.AgentSession) error
}

// LauncherConfig carries the knobs shared by both launchers.
type LauncherConfig struct {
	Repo         string
	PollInterval time.Duration
	Timeout      time.Duration
}

// FixAgent launches an autonomous agent to repair critical gate failures.
// One launch is one fix cycle: tracking issue, agent session, monitor.
type FixAgent struct {
	advancer Advancer
	store    LaunchStore
	issues   IssueCreator
	sessions SessionStarter
	monitor  *Monitor
	cfg      LauncherConfig
	logger   *zap.Logger
}

func NewFixAgent(advancer Advancer, store LaunchStore, issues IssueCreator, sessions SessionStarter, monitor *Monitor, cfg LauncherConfig, logger *zap.Logger) *FixAgent {
	return &FixAgent{
		advancer: advancer,
		store:    store,
		issues:   issues,
		sessions: sessions,
		monitor:  monitor,
		cfg:      cfg,
		logger:   logger.Named("fix-agent"),
	}
}

// Launch returns the new session id. On session completion the run advances
// with FIX_AGENT_PUSHED carrying the gate name, so the resolver routes back
// to the gate that failed.
func (a *FixAgent) Launch(ctx context.Context, run *pipeline.Run, gateName string, failedTests []string) (string, error) {
	cycle, err := a.advancer.IncrementFixCycle(ctx, run.ID.String())
	if err != nil {
		return "", fmt.Errorf("increment fix cycle: %w", err)
	}

	title := fmt.Sprintf("Fix %s gate failures on %s (cycle %d/%d)", gateName, run.SourceBranch, cycle, run.MaxFixCycles)
	body := fixIssueBody(run, gateName, failedTests)
	issueNum, err := a.issues.CreateIssue(ctx, title, body, []string{"pipeline-fix"})
	if err != nil {
		return "", fmt.Errorf("create tracking issue: %w", err)
	}

	prompt, err := fixPrompt(a.cfg.Repo, run.SourceBranch, gateName, cycle, run.MaxFixCycles, issueNum, failedTests)
	if err != nil {
		return "", err
	}

	sessionID := uuid.New()
	externalID, err := a.sessions.StartSession(ctx, agentapi.StartRequest{
		Prompt:     prompt,
		Repo:       a.cfg.Repo,
		Branch:     run.SourceBranch,
		CallbackID: sessionID.String(),
	})
	if err != nil {
		return "", fmt.Errorf("start fix session: %w", err)
	}

	now := time.Now().UTC()
	sess := &pipeline.AgentSession{
		ID:         sessionID,
		RunID:      run.ID,
		AgentType:  pipeline.AgentFix,
		Cycle:      cycle,
		Status:     pipeline.SessionLaunched,
		Gate:       gateName,
		LaunchedAt: now,
		TimeoutAt:  now.Add(a.cfg.Timeout),
	}
	if err := a.store.CreateAgentSession(ctx, sess); err != nil {
		return "", fmt.Errorf("persist fix session: %w", err)
	}

	runID := run.ID.String()
	err = a.monitor.StartMonitoring(ctx, sessionID.String(), MonitorOpts{
		PollInterval: a.cfg.PollInterval,
		Timeout:      a.cfg.Timeout,
		Callbacks: Callbacks{
			OnComplete: func(commitSHA string) {
				cbCtx := context.Background()
				if commitSHA != "" {
					if err := a.advancer.UpdateCommitSHA(cbCtx, runID, commitSHA); err != nil {
						a.logger.Error("record fix commit", zap.String("run_id", runID), zap.Error(err))
					}
				}
				a.advance(cbCtx, runID, pipeline.TriggerFixAgentPushed,
					map[string]string{engine.ExtraKeyGate: gateName})
			},
			OnTimeout: func() {
				a.advance(context.Background(), runID, pipeline.TriggerFixAgentTimeout, nil)
			},
			OnFailed: func(reason string) {
				cbCtx := context.Background()
				if err := a.advancer.SetError(cbCtx, runID, reason); err != nil {
					a.logger.Error("record fix failure", zap.String("run_id", runID), zap.Error(err))
				}
				a.advance(cbCtx, runID, pipeline.TriggerFixAgentFailed, nil)
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("start monitoring: %w", err)
	}

	a.logger.Info("fix agent launched",
		zap.String("run_id", runID),
		zap.String("session_id", sessionID.String()),
		zap.String("external_id", externalID),
		zap.String("gate", gateName),
		zap.Int("cycle", cycle))
	return sessionID.String(), nil
}

func (a *FixAgent) advance(ctx context.Context, runID string, trigger pipeline.Trigger, extra map[string]string) {
	if _, err := a.advancer.Advance(ctx, runID, trigger, extra); err != nil {
		a.logger.Error("advance from fix callback",
			zap.String("run_id", runID),
			zap.String("trigger", string(trigger)),
			zap.Error(err))
	}
}

func fixIssueBody(run *pipeline.Run, gateName string, failedTests []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline run `%s` hit critical failures in the %s gate.\n\n", run.ID, gateName)
	fmt.Fprintf(&b, "PR: #%d\nBranch: `%s`\nCommit: `%s`\n\n", run.PRNumber, run.SourceBranch, run.CommitSHA)
	if len(failedTests) > 0 {
		b.WriteString("Failing tests:\n")
		for _, name := range failedTests {
			fmt.Fprintf(&b, "- `%s`\n", name)
		}
	} else {
		b.WriteString("The gate reported critical failures without test names.\n")
	}
	b.WriteString("\nAn autonomous fix agent has been dispatched to this branch.\n")
	return b.String()
}

// JudgeAgent launches an agent to resolve a merge conflict that blocked a
// promotion, then retries the merge via JUDGE_RESOLVED.
type JudgeAgent struct {
	advancer Advancer
	store    LaunchStore
	issues   IssueCreator
	sessions SessionStarter
	monitor  *Monitor
	cfg      LauncherConfig
	logger   *zap.Logger
}

func NewJudgeAgent(advancer Advancer, store LaunchStore, issues IssueCreator, sessions SessionStarter, monitor *Monitor, cfg LauncherConfig, logger *zap.Logger) *JudgeAgent {
	return &JudgeAgent{
		advancer: advancer,
		store:    store,
		issues:   issues,
		sessions: sessions,
		monitor:  monitor,
		cfg:      cfg,
		logger:   logger.Named("judge-agent"),
	}
}

// Launch returns the new session id.
func (a *JudgeAgent) Launch(ctx context.Context, run *pipeline.Run, branch, targetBranch string) (string, error) {
	title := fmt.Sprintf("Resolve merge conflict: %s into %s", branch, targetBranch)
	body := fmt.Sprintf(
		"Pipeline run `%s` cannot merge `%s` into `%s` because of conflicts.\n\nPR: #%d\n\nAn autonomous judge agent has been dispatched to resolve them.\n",
		run.ID, branch, targetBranch, run.PRNumber)
	issueNum, err := a.issues.CreateIssue(ctx, title, body, []string{"merge-conflict"})
	if err != nil {
		return "", fmt.Errorf("create tracking issue: %w", err)
	}

	prompt, err := judgePrompt(a.cfg.Repo, branch, targetBranch, issueNum)
	if err != nil {
		return "", err
	}

	sessionID := uuid.New()
	externalID, err := a.sessions.StartSession(ctx, agentapi.StartRequest{
		Prompt:     prompt,
		Repo:       a.cfg.Repo,
		Branch:     branch,
		CallbackID: sessionID.String(),
	})
	if err != nil {
		return "", fmt.Errorf("start judge session: %w", err)
	}

	now := time.Now().UTC()
	sess := &pipeline.AgentSession{
		ID:         sessionID,
		RunID:      run.ID,
		AgentType:  pipeline.AgentJudge,
		Cycle:      run.FixCycleCount,
		Status:     pipeline.SessionLaunched,
		LaunchedAt: now,
		TimeoutAt:  now.Add(a.cfg.Timeout),
	}
	if err := a.store.CreateAgentSession(ctx, sess); err != nil {
		return "", fmt.Errorf("persist judge session: %w", err)
	}

	runID := run.ID.String()
	err = a.monitor.StartMonitoring(ctx, sessionID.String(), MonitorOpts{
		PollInterval: a.cfg.PollInterval,
		Timeout:      a.cfg.Timeout,
		Callbacks: Callbacks{
			OnComplete: func(commitSHA string) {
				cbCtx := context.Background()
				if commitSHA != "" {
					if err := a.advancer.UpdateCommitSHA(cbCtx, runID, commitSHA); err != nil {
						a.logger.Error("record judge commit", zap.String("run_id", runID), zap.Error(err))
					}
				}
				a.advance(cbCtx, runID, pipeline.TriggerJudgeResolved, nil)
			},
			OnTimeout: func() {
				a.advance(context.Background(), runID, pipeline.TriggerJudgeTimeout, nil)
			},
			OnFailed: func(reason string) {
				cbCtx := context.Background()
				if err := a.advancer.SetError(cbCtx, runID, reason); err != nil {
					a.logger.Error("record judge failure", zap.String("run_id", runID), zap.Error(err))
				}
				a.advance(cbCtx, runID, pipeline.TriggerJudgeFailed, nil)
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("start monitoring: %w", err)
	}

	a.logger.Info("judge agent launched",
		zap.String("run_id", runID),
		zap.String("session_id", sessionID.String()),
		zap.String("external_id", externalID),
		zap.String("branch", branch),
		zap.String("target_branch", targetBranch))
	return sessionID.String(), nil
}

func (a *JudgeAgent) advance(ctx context.Context, runID string, trigger pipeline.Trigger, extra map[string]string) {
	if _, err := a.advancer.Advance(ctx, runID, trigger, extra); err != nil {
		a.logger.Error("advance from judge callback",
			zap.String("run_id", runID),
			zap.String("trigger", string(trigger)),
			zap.Error(err))
	}
}
