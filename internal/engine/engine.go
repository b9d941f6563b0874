// Package engine owns the authoritative pipeline-run record and applies the
// transition table to it transactionally.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conveyorci/conveyor/internal/metrics"
	"github.com/conveyorci/conveyor/internal/pipeline"
)

// ExtraKeyGate is the caller-supplied context key naming the gate a trigger
// refers to. The resolver needs it to branch FIXING back to the right gate.
const ExtraKeyGate = "gate"

// RunStore is the persistence surface the engine needs. The production
// implementation is internal/store; tests use an in-memory fake.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*pipeline.Run, error)
	CreateRun(ctx context.Context, run *pipeline.Run) error
	ApplyTransition(ctx context.Context, t *pipeline.Transition) error
	IncrementFixCycle(ctx context.Context, runID string) (int, error)
	UpdateCommitSHA(ctx context.Context, runID, sha string) error
	SetError(ctx context.Context, runID, msg string) error
}

// Result reports what one Advance call did. Business-logic non-transitions
// set Transitioned=false and Reason; they are not Go errors.
type Result struct {
	Transitioned bool           `json:"transitioned"`
	From         pipeline.State `json:"from_state,omitempty"`
	To           pipeline.State `json:"to_state,omitempty"`
	SideEffect   string         `json:"side_effect,omitempty"`
	Reason       string         `json:"error,omitempty"`
}

// Engine applies triggers to pipeline runs: resolve, commit atomically,
// then fire the named side effect.
type Engine struct {
	store        RunStore
	registry     *Registry
	locks        *runLocks
	logger       *zap.Logger
	maxFixCycles int

	effects sync.WaitGroup
}

// New creates an engine. maxFixCycles seeds new runs' fix budget.
func New(store RunStore, registry *Registry, logger *zap.Logger, maxFixCycles int) *Engine {
	return &Engine{
		store:        store,
		registry:     registry,
		locks:        newRunLocks(),
		logger:       logger.Named("engine"),
		maxFixCycles: maxFixCycles,
	}
}

// Advance feeds one trigger into the run's state machine. Concurrent calls
// for the same run id serialize on a per-run lock, so each call decides its
// transition against the state the previous one committed.
//
// The returned error is reserved for storage faults; everything else —
// missing run, terminal state, no matching rule — comes back as a
// non-transitioned Result.
func (e *Engine) Advance(ctx context.Context, runID string, trigger pipeline.Trigger, extra map[string]string) (Result, error) {
	release := e.locks.acquire(runID)
	defer release()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			// Triggers can race with run expiry; not a fault.
			metrics.RejectedTransitionsTotal.WithLabelValues("not_found").Inc()
			return Result{Reason: fmt.Sprintf("run %s not found", runID)}, nil
		}
		return Result{}, fmt.Errorf("load run %s: %w", runID, err)
	}

	if pipeline.IsTerminal(run.State) {
		e.logger.Warn("trigger against terminal state",
			zap.String("run_id", runID),
			zap.String("state", string(run.State)),
			zap.String("trigger", string(trigger)))
		metrics.RejectedTransitionsTotal.WithLabelValues("terminal").Inc()
		return Result{
			From:   run.State,
			Reason: fmt.Sprintf("run %s is in terminal state %s", runID, run.State),
		}, nil
	}

	tc := buildContext(run, extra)

	rule := pipeline.Resolve(run.State, trigger, tc)
	if rule == nil {
		e.logger.Warn("no transition rule",
			zap.String("run_id", runID),
			zap.String("state", string(run.State)),
			zap.String("trigger", string(trigger)))
		metrics.RejectedTransitionsTotal.WithLabelValues("no_rule").Inc()
		return Result{
			From:   run.State,
			Reason: fmt.Sprintf("no transition from %s on %s", run.State, trigger),
		}, nil
	}

	transition := &pipeline.Transition{
		ID:        uuid.New(),
		RunID:     run.ID,
		FromState: run.State,
		ToState:   rule.To,
		Trigger:   trigger,
		Metadata:  extra,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.ApplyTransition(ctx, transition); err != nil {
		return Result{}, fmt.Errorf("commit transition %s -> %s: %w", run.State, rule.To, err)
	}

	metrics.TransitionsTotal.WithLabelValues(
		string(run.State), string(rule.To), string(trigger)).Inc()
	e.logger.Info("transition committed",
		zap.String("run_id", runID),
		zap.String("from", string(run.State)),
		zap.String("to", string(rule.To)),
		zap.String("trigger", string(trigger)),
		zap.String("side_effect", rule.Effect))

	if rule.Effect != "" {
		e.fireEffect(ctx, rule.Effect, tc, runID)
	}

	return Result{
		Transitioned: true,
		From:         run.State,
		To:           rule.To,
		SideEffect:   rule.Effect,
	}, nil
}

// fireEffect dispatches the named handler with the freshly-reloaded run.
// The transition has already committed: a missing handler is a warning and
// a failing handler is logged, never rolled back.
func (e *Engine) fireEffect(ctx context.Context, effect string, tc pipeline.Context, runID string) {
	handler, ok := e.registry.Lookup(effect)
	if !ok {
		e.logger.Warn("no handler registered for side effect",
			zap.String("effect", effect), zap.String("run_id", runID))
		return
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		e.logger.Error("reload run for side effect",
			zap.String("effect", effect), zap.String("run_id", runID), zap.Error(err))
		return
	}

	// The effect outlives the caller's request context.
	effectCtx := context.WithoutCancel(ctx)

	e.effects.Add(1)
	go func() {
		defer e.effects.Done()
		if err := handler(effectCtx, tc, run); err != nil {
			metrics.SideEffectFailuresTotal.WithLabelValues(effect).Inc()
			e.logger.Error("side effect failed",
				zap.String("effect", effect),
				zap.String("run_id", runID),
				zap.Error(err))
		}
	}()
}

// Wait blocks until all in-flight side effects finish. Used on shutdown and
// by tests.
func (e *Engine) Wait() {
	e.effects.Wait()
}

// buildContext merges persisted run fields with caller-supplied extras;
// extras win for the keys they set.
func buildContext(run *pipeline.Run, extra map[string]string) pipeline.Context {
	tc := pipeline.Context{
		PRNumber:      run.PRNumber,
		SourceBranch:  run.SourceBranch,
		TargetBranch:  run.TargetBranch,
		CommitSHA:     run.CommitSHA,
		FixCycleCount: run.FixCycleCount,
		MaxFixCycles:  run.MaxFixCycles,
		Meta:          make(map[string]string, len(run.Metadata)+len(extra)),
	}
	for k, v := range run.Metadata {
		tc.Meta[k] = v
	}
	for k, v := range extra {
		tc.Meta[k] = v
	}
	tc.Gate = tc.Meta[ExtraKeyGate]
	return tc
}

// CreateRun inserts a new run at CREATED with cycle counters at zero.
func (e *Engine) CreateRun(ctx context.Context, prNumber int, sourceBranch, targetBranch, commitSHA string, metadata map[string]string) (*pipeline.Run, error) {
	now := time.Now().UTC()
	run := &pipeline.Run{
		ID:           uuid.New(),
		PRNumber:     prNumber,
		SourceBranch: sourceBranch,
		TargetBranch: targetBranch,
		CommitSHA:    commitSHA,
		State:        pipeline.StateCreated,
		MaxFixCycles: e.maxFixCycles,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run for PR #%d: %w", prNumber, err)
	}
	e.logger.Info("run created",
		zap.String("run_id", run.ID.String()),
		zap.Int("pr", prNumber),
		zap.String("source", sourceBranch),
		zap.String("target", targetBranch))
	return run, nil
}

// IncrementFixCycle bumps the run's fix-cycle counter.
func (e *Engine) IncrementFixCycle(ctx context.Context, runID string) (int, error) {
	return e.store.IncrementFixCycle(ctx, runID)
}

// UpdateCommitSHA records a new head commit for the run.
func (e *Engine) UpdateCommitSHA(ctx context.Context, runID, sha string) error {
	return e.store.UpdateCommitSHA(ctx, runID, sha)
}

// SetError records a failure message on the run without changing state.
func (e *Engine) SetError(ctx context.Context, runID, msg string) error {
	return e.store.SetError(ctx, runID, msg)
}
