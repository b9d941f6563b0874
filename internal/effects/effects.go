package effects

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conveyorci/conveyor/internal/engine"
	"github.com/conveyorci/conveyor/internal/githost"
	"github.com/conveyorci/conveyor/internal/pipeline"
)

// Advancer feeds follow-up triggers back into the engine. Merge outcomes
// are known synchronously inside the handler, so the handler itself reports
// MERGE_COMPLETED or MERGE_CONFLICT; the deploy watchdog reports
// DEPLOY_FAILED with an error message.
type Advancer interface {
	Advance(ctx context.Context, runID string, trigger pipeline.Trigger, extra map[string]string) (engine.Result, error)
	SetError(ctx context.Context, runID, msg string) error
}

// GitHost is the slice of the git host client the handlers use.
type GitHost interface {
	CreatePR(ctx context.Context, title, body, head, base string) (*githost.PullRequest, error)
	MergePR(ctx context.Context, number int, commitMessage string) error
	EnableAutoMerge(ctx context.Context, nodeID string) error
	CreateIssue(ctx context.Context, title, body string, labels []string) (int, error)
	DispatchWorkflow(ctx context.Context, workflowFile, ref string, inputs map[string]any) error
}

// Store persists defect records, reads back the gate result that caused
// them, and lets the deploy watchdog re-check a run's state.
type Store interface {
	GetRun(ctx context.Context, id string) (*pipeline.Run, error)
	CreateDefectIssue(ctx context.Context, d *pipeline.DefectIssue) error
	LatestGateResult(ctx context.Context, runID string) (*pipeline.GateResult, error)
}

// FixLauncher and JudgeLauncher are the two agent launchers.
type FixLauncher interface {
	Launch(ctx context.Context, run *pipeline.Run, gateName string, failedTests []string) (string, error)
}

type JudgeLauncher interface {
	Launch(ctx context.Context, run *pipeline.Run, branch, targetBranch string) (string, error)
}

// Config names the external workflows and branches the handlers target.
type Config struct {
	// DispatchRef is the long-lived branch whose workflow files are
	// triggered; workflow dispatch does not work against ephemeral refs.
	DispatchRef     string
	GateWorkflows   map[string]string
	DeployWorkflows map[string]string
	StagingBranch   string
	ProdBranch      string
	DryRun          bool

	// DeployPollInterval and DeployTimeout bound the watchdog that fires
	// DEPLOY_FAILED when the deploy-complete webhook never arrives.
	DeployPollInterval time.Duration
	DeployTimeout      time.Duration
}

// Handlers owns every side effect the resolver can name. Register wires
// them into the engine's registry at process start.
type Handlers struct {
	advancer Advancer
	git      GitHost
	store    Store
	fix      FixLauncher
	judge    JudgeLauncher
	cfg      Config
	logger   *zap.Logger
}

func NewHandlers(advancer Advancer, git GitHost, store Store, fix FixLauncher, judge JudgeLauncher, cfg Config, logger *zap.Logger) *Handlers {
	return &Handlers{
		advancer: advancer,
		git:      git,
		store:    store,
		fix:      fix,
		judge:    judge,
		cfg:      cfg,
		logger:   logger.Named("effects"),
	}
}

// Register binds every effect name to its handler. Combined handlers call
// the shared functions directly instead of looking each other up.
func (h *Handlers) Register(reg *engine.Registry) {
	reg.Register(pipeline.EffectDispatchUnitPactGate, h.gateDispatcher(pipeline.GateUnitPact))
	reg.Register(pipeline.EffectDispatchIntegrationGate, h.gateDispatcher(pipeline.GateIntegration))
	reg.Register(pipeline.EffectDispatchE2EGate, h.gateDispatcher(pipeline.GateE2E))
	reg.Register(pipeline.EffectDispatchRegressionGate, h.gateDispatcher(pipeline.GateRegression))

	reg.Register(pipeline.EffectDispatchDevDeploy, h.deployDispatcher("dev"))
	reg.Register(pipeline.EffectDispatchStagingDeploy, h.deployDispatcher("staging"))
	reg.Register(pipeline.EffectDispatchProdDeploy, h.deployDispatcher("prod"))

	reg.Register(pipeline.EffectMergeToStaging, h.mergeToStaging)
	reg.Register(pipeline.EffectCreateReleasePR, h.createReleasePR)
	reg.Register(pipeline.EffectCreateDefect, h.createDefect)

	reg.Register(pipeline.EffectDefectAndDevDeploy,
		h.defectThen(h.deployDispatcher("dev")))
	reg.Register(pipeline.EffectDefectAndMergeStaging,
		h.defectThen(h.mergeToStaging))
	reg.Register(pipeline.EffectDefectAndRegression,
		h.defectThen(h.gateDispatcher(pipeline.GateRegression)))
	reg.Register(pipeline.EffectDefectAndReleasePR,
		h.defectThen(h.createReleasePR))

	reg.Register(pipeline.EffectLaunchFixAgent, h.launchFixAgent)
	reg.Register(pipeline.EffectLaunchJudgeAgent, h.launchJudgeAgent)
}

// skipDry logs and reports whether the handler should skip its outward call.
func (h *Handlers) skipDry(what string, run *pipeline.Run) bool {
	if !h.cfg.DryRun {
		return false
	}
	h.logger.Info("dry run, skipping side effect",
		zap.String("effect", what),
		zap.String("run_id", run.ID.String()))
	return true
}

func (h *Handlers) gateDispatcher(gate string) engine.Handler {
	return func(ctx context.Context, _ pipeline.Context, run *pipeline.Run) error {
		if h.skipDry("dispatch "+gate+" gate", run) {
			return nil
		}
		workflow, ok := h.cfg.GateWorkflows[gate]
		if !ok {
			return fmt.Errorf("no workflow configured for gate %q", gate)
		}
		return h.git.DispatchWorkflow(ctx, workflow, h.cfg.DispatchRef, map[string]any{
			"run_id":     run.ID.String(),
			"gate":       gate,
			"pr_number":  fmt.Sprintf("%d", run.PRNumber),
			"branch":     run.SourceBranch,
			"commit_sha": run.CommitSHA,
		})
	}
}

func (h *Handlers) deployDispatcher(env string) engine.Handler {
	return func(ctx context.Context, _ pipeline.Context, run *pipeline.Run) error {
		if h.skipDry("dispatch "+env+" deploy", run) {
			return nil
		}
		workflow, ok := h.cfg.DeployWorkflows[env]
		if !ok {
			return fmt.Errorf("no workflow configured for %q deploy", env)
		}
		err := h.git.DispatchWorkflow(ctx, workflow, h.cfg.DispatchRef, map[string]any{
			"run_id":      run.ID.String(),
			"environment": env,
			"branch":      run.SourceBranch,
			"commit_sha":  run.CommitSHA,
		})
		if err != nil {
			return err
		}
		h.watchDeploy(run.ID.String(), env, run.State)
		return nil
	}
}

// watchDeploy polls the run until it leaves the deploying state; if the
// deadline passes first, the deploy-complete webhook never arrived and the
// watchdog reports DEPLOY_FAILED. A webhook that lands between the final
// poll and the deadline still wins: the state is re-checked before firing.
func (h *Handlers) watchDeploy(runID, env string, deploying pipeline.State) {
	if h.cfg.DeployTimeout <= 0 || h.cfg.DeployPollInterval <= 0 {
		return
	}
	go func() {
		ctx := context.Background()
		deadline := time.NewTimer(h.cfg.DeployTimeout)
		defer deadline.Stop()
		ticker := time.NewTicker(h.cfg.DeployPollInterval)
		defer ticker.Stop()

		stillDeploying := func() bool {
			run, err := h.store.GetRun(ctx, runID)
			switch {
			case errors.Is(err, pipeline.ErrNotFound):
				return false
			case err != nil:
				// Transient read failure must not kill the watchdog.
				h.logger.Warn("deploy watchdog poll", zap.String("run_id", runID), zap.Error(err))
				return true
			}
			return run.State == deploying
		}

		for {
			select {
			case <-ticker.C:
				if !stillDeploying() {
					return
				}
			case <-deadline.C:
				if !stillDeploying() {
					return
				}
				msg := fmt.Sprintf("%s deploy timed out after %s", env, h.cfg.DeployTimeout)
				if err := h.advancer.SetError(ctx, runID, msg); err != nil {
					h.logger.Error("record deploy timeout", zap.String("run_id", runID), zap.Error(err))
				}
				if _, err := h.advancer.Advance(ctx, runID, pipeline.TriggerDeployFailed, nil); err != nil {
					h.logger.Error("advance deploy timeout", zap.String("run_id", runID), zap.Error(err))
				}
				return
			}
		}
	}()
}

// mergeToStaging merges the run's originating PR, then opens a promotion
// PR between the two long-lived branches with auto-merge, and reports the
// outcome as a trigger. A conflict on the originating PR is a normal
// pipeline event, not a handler failure.
func (h *Handlers) mergeToStaging(ctx context.Context, _ pipeline.Context, run *pipeline.Run) error {
	if h.skipDry("merge to staging", run) {
		return nil
	}

	err := h.git.MergePR(ctx, run.PRNumber,
		fmt.Sprintf("Merge %s (#%d)", run.SourceBranch, run.PRNumber))
	switch {
	case errors.Is(err, githost.ErrMergeConflict):
		h.logger.Warn("originating PR hit merge conflict",
			zap.String("run_id", run.ID.String()),
			zap.Int("pr_number", run.PRNumber))
		_, aerr := h.advancer.Advance(ctx, run.ID.String(), pipeline.TriggerMergeConflict, nil)
		return aerr
	case err != nil:
		return fmt.Errorf("merge pr #%d: %w", run.PRNumber, err)
	}

	title := fmt.Sprintf("Promote %s to %s", run.TargetBranch, h.cfg.StagingBranch)
	body := fmt.Sprintf("Automated promotion for pipeline run `%s` (PR #%d).", run.ID, run.PRNumber)
	pr, err := h.git.CreatePR(ctx, title, body, run.TargetBranch, h.cfg.StagingBranch)
	if err != nil {
		return fmt.Errorf("open promotion pr: %w", err)
	}
	if err := h.git.EnableAutoMerge(ctx, pr.NodeID); err != nil {
		return fmt.Errorf("enable auto-merge on promotion pr #%d: %w", pr.Number, err)
	}

	_, err = h.advancer.Advance(ctx, run.ID.String(), pipeline.TriggerMergeCompleted, nil)
	return err
}

// createReleasePR opens the staging-to-production PR with auto-merge, so
// the release goes out once required checks pass. RELEASE_PR_MERGED arrives
// later from the host's webhook.
func (h *Handlers) createReleasePR(ctx context.Context, _ pipeline.Context, run *pipeline.Run) error {
	if h.skipDry("create release PR", run) {
		return nil
	}

	title := fmt.Sprintf("Release: %s (run %s)", run.SourceBranch, shortID(run.ID))
	var b strings.Builder
	fmt.Fprintf(&b, "Automated release PR for pipeline run `%s`.\n\n", run.ID)
	fmt.Fprintf(&b, "Source PR: #%d\nCommit: `%s`\n\n", run.PRNumber, run.CommitSHA)
	b.WriteString("Release checklist:\n")
	b.WriteString("- [ ] Staging deploy verified\n")
	b.WriteString("- [ ] E2E and regression gates green\n")
	b.WriteString("- [ ] Release notes drafted\n")
	b.WriteString("- [ ] Production deploy monitored after merge\n")
	pr, err := h.git.CreatePR(ctx, title, b.String(), h.cfg.StagingBranch, h.cfg.ProdBranch)
	if err != nil {
		return fmt.Errorf("open release pr: %w", err)
	}
	if err := h.git.EnableAutoMerge(ctx, pr.NodeID); err != nil {
		return fmt.Errorf("enable auto-merge on release pr #%d: %w", pr.Number, err)
	}
	return nil
}

// createDefect records the most recent gate failure as a defect row plus a
// tracking issue on the git host.
func (h *Handlers) createDefect(ctx context.Context, tc pipeline.Context, run *pipeline.Run) error {
	gate, failedTests := h.failureDetails(ctx, tc, run)
	if gate == "" {
		// No gate result and no gate in context yet; post-commit hooks
		// must not fail on that.
		h.logger.Debug("no gate known, skipping defect", zap.String("run_id", run.ID.String()))
		return nil
	}

	issueNum := 0
	if h.skipDry("create defect issue", run) {
		// Dry run still records the defect row so the audit trail is whole.
	} else {
		title := fmt.Sprintf("Defect: %s gate failures on %s", gate, run.SourceBranch)
		var b strings.Builder
		fmt.Fprintf(&b, "Pipeline run `%s` recorded failures in the %s gate.\n\n", run.ID, gate)
		fmt.Fprintf(&b, "PR: #%d\nBranch: `%s`\nCommit: `%s`\n", run.PRNumber, run.SourceBranch, run.CommitSHA)
		if len(failedTests) > 0 {
			b.WriteString("\nFailing tests:\n")
			for _, name := range failedTests {
				fmt.Fprintf(&b, "- `%s`\n", name)
			}
		}
		var err error
		issueNum, err = h.git.CreateIssue(ctx, title, b.String(), []string{"defect"})
		if err != nil {
			return fmt.Errorf("create defect issue: %w", err)
		}
	}

	defect := &pipeline.DefectIssue{
		ID:          uuid.New(),
		RunID:       run.ID,
		IssueNumber: issueNum,
		Gate:        gate,
		FailedTests: failedTests,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.store.CreateDefectIssue(ctx, defect); err != nil {
		return fmt.Errorf("persist defect: %w", err)
	}

	h.logger.Info("defect recorded",
		zap.String("run_id", run.ID.String()),
		zap.String("gate", gate),
		zap.Int("issue", issueNum))
	return nil
}

// defectThen composes createDefect with a follow-up action. The defect is
// best-effort relative to the follow-up: a failure to record it must not
// stall the pipeline's forward motion.
func (h *Handlers) defectThen(next engine.Handler) engine.Handler {
	return func(ctx context.Context, tc pipeline.Context, run *pipeline.Run) error {
		if err := h.createDefect(ctx, tc, run); err != nil {
			h.logger.Error("create defect", zap.String("run_id", run.ID.String()), zap.Error(err))
		}
		return next(ctx, tc, run)
	}
}

func (h *Handlers) launchFixAgent(ctx context.Context, tc pipeline.Context, run *pipeline.Run) error {
	if h.skipDry("launch fix agent", run) {
		return nil
	}
	gate, failedTests := h.failureDetails(ctx, tc, run)
	if gate == "" {
		return fmt.Errorf("cannot determine failing gate for run %s", run.ID)
	}
	_, err := h.fix.Launch(ctx, run, gate, failedTests)
	return err
}

func (h *Handlers) launchJudgeAgent(ctx context.Context, _ pipeline.Context, run *pipeline.Run) error {
	if h.skipDry("launch judge agent", run) {
		return nil
	}
	_, err := h.judge.Launch(ctx, run, run.SourceBranch, h.cfg.StagingBranch)
	return err
}

// failureDetails resolves which gate failed and the failing test names.
// The gate comes from the trigger context when the webhook carried it,
// otherwise from the state the run just left; names come from the latest
// persisted gate result.
func (h *Handlers) failureDetails(ctx context.Context, tc pipeline.Context, run *pipeline.Run) (string, []string) {
	gate := tc.Gate
	if gate == "" {
		gate = pipeline.GateForState(run.PreviousState)
	}

	var failedTests []string
	result, err := h.store.LatestGateResult(ctx, run.ID.String())
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
	case err != nil:
		h.logger.Warn("load latest gate result", zap.String("run_id", run.ID.String()), zap.Error(err))
	default:
		failedTests = result.FailedNames
		if gate == "" {
			gate = result.Gate
		}
	}
	return gate, failedTests
}

func shortID(id uuid.UUID) string {
	s := id.String()
	return s[:8]
}
