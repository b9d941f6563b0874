package gate

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/conveyorci/conveyor/internal/pipeline"
)

// Evaluation is the pass/fail classification of one test report.
type Evaluation struct {
	Outcome       pipeline.GateOutcome
	Report        *TestReport
	CriticalFails []string
	OtherFails    []string
}

// ResultStore persists gate results.
type ResultStore interface {
	CreateGateResult(ctx context.Context, result *pipeline.GateResult) error
}

// Evaluator turns raw test reports into gate outcomes. It never mutates
// pipeline-run state; that is the engine's job.
type Evaluator struct {
	classifier Classifier
	store      ResultStore
}

// NewEvaluator creates an Evaluator with the given classification policy.
func NewEvaluator(classifier Classifier, store ResultStore) *Evaluator {
	return &Evaluator{classifier: classifier, store: store}
}

// Evaluate classifies a normalized test report. Zero failures pass; any
// critically-classified failure fails critically; anything else is a
// non-critical failure.
func (e *Evaluator) Evaluate(report *TestReport) Evaluation {
	ev := Evaluation{Report: report}

	if report.Failed == 0 && len(report.FailedN) == 0 {
		ev.Outcome = pipeline.OutcomePass
		return ev
	}

	for _, name := range report.FailedN {
		if e.classifier.Classify(name) == SeverityCritical {
			ev.CriticalFails = append(ev.CriticalFails, name)
		} else {
			ev.OtherFails = append(ev.OtherFails, name)
		}
	}

	if len(ev.CriticalFails) > 0 {
		ev.Outcome = pipeline.OutcomeCriticalFail
	} else {
		ev.Outcome = pipeline.OutcomeNonCriticalFail
	}
	return ev
}

// PersistResult writes one GateResult row for an evaluation and returns it.
func (e *Evaluator) PersistResult(ctx context.Context, runID uuid.UUID, gateName string, ev Evaluation, workflowRef string) (*pipeline.GateResult, error) {
	severity := ""
	if len(ev.CriticalFails) > 0 {
		severity = SeverityCritical
	} else if ev.Outcome == pipeline.OutcomeNonCriticalFail {
		severity = SeverityNonCritical
	}

	result := &pipeline.GateResult{
		ID:          uuid.New(),
		RunID:       runID,
		Gate:        gateName,
		Outcome:     ev.Outcome,
		TotalTests:  ev.Report.Total,
		PassedTests: ev.Report.Passed,
		FailedTests: ev.Report.Failed,
		FailedNames: ev.Report.FailedN,
		Coverage:    ev.Report.Coverage,
		Severity:    severity,
		WorkflowRef: workflowRef,
	}
	if err := e.store.CreateGateResult(ctx, result); err != nil {
		return nil, fmt.Errorf("persist gate result for run %s: %w", runID, err)
	}
	return result, nil
}

// TriggerFor maps a gate outcome to the trigger fed into the engine.
func TriggerFor(outcome pipeline.GateOutcome) pipeline.Trigger {
	switch outcome {
	case pipeline.OutcomePass:
		return pipeline.TriggerGatePassed
	case pipeline.OutcomeCriticalFail:
		return pipeline.TriggerGateCritFail
	default:
		return pipeline.TriggerGateNonCritFail
	}
}
