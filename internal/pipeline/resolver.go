package pipeline

// Side-effect names. Handlers are registered under these at process start;
// the resolver only ever returns one of them.
const (
	EffectDispatchUnitPactGate    = "dispatchUnitPactGate"
	EffectDispatchIntegrationGate = "dispatchIntegrationGate"
	EffectDispatchE2EGate         = "dispatchE2EGate"
	EffectDispatchRegressionGate  = "dispatchRegressionGate"
	EffectDispatchDevDeploy       = "dispatchDevDeploy"
	EffectDispatchStagingDeploy   = "dispatchStagingDeploy"
	EffectDispatchProdDeploy      = "dispatchProdDeploy"
	EffectMergeToStaging          = "mergeToStaging"
	EffectCreateReleasePR         = "createReleasePR"
	EffectCreateDefect            = "createDefect"
	EffectDefectAndDevDeploy      = "createDefectAndDispatchDevDeploy"
	EffectDefectAndMergeStaging   = "createDefectAndMergeToStaging"
	EffectDefectAndRegression     = "createDefectAndDispatchRegressionGate"
	EffectDefectAndReleasePR      = "createDefectAndCreateReleasePR"
	EffectLaunchFixAgent          = "launchFixAgent"
	EffectLaunchJudgeAgent        = "launchJudgeAgent"
)

// Context carries the merged run fields and caller-supplied extras that the
// guarded transition rules inspect.
type Context struct {
	PRNumber      int
	SourceBranch  string
	TargetBranch  string
	CommitSHA     string
	FixCycleCount int
	MaxFixCycles  int
	Gate          string
	Meta          map[string]string
}

// Rule is the outcome of a successful resolution: the state to move to and
// the side effect to dispatch after the transition commits ("" for none).
type Rule struct {
	To     State
	Effect string
}

// guardFn computes a rule from context for the edges whose destination or
// effect depends on more than the (state, trigger) pair. Returns nil when
// the context does not admit the transition.
type guardFn func(Context) *Rule

// gateAdvance describes where a gate state goes on pass, and which effects
// accompany the pass and non-critical-fail edges.
type gateAdvance struct {
	next              State
	passEffect        string
	nonCriticalEffect string
}

// gateAdvances drives the three gate-trigger edges for every gate state.
// The critical-fail edge is shared (criticalFailRule) and branches on the
// fix-cycle budget.
var gateAdvances = map[State]gateAdvance{
	StateUnitPactGate:    {StateDevDeploying, EffectDispatchDevDeploy, EffectDefectAndDevDeploy},
	StateIntegrationGate: {StateMergingToStaging, EffectMergeToStaging, EffectDefectAndMergeStaging},
	StateE2EGate:         {StateRegressionGate, EffectDispatchRegressionGate, EffectDefectAndRegression},
	StateRegressionGate:  {StateReleasePROpen, EffectCreateReleasePR, EffectDefectAndReleasePR},
}

// table holds every transition whose destination is a pure function of the
// (state, trigger) pair.
var table = map[State]map[Trigger]Rule{
	StateCreated: {
		TriggerPROpened: {StateUnitPactGate, EffectDispatchUnitPactGate},
	},
	StateDevDeploying: {
		TriggerDeployCompleted: {StateDevDeployed, ""},
		TriggerDeployFailed:    {StateFailed, ""},
	},
	StateDevDeployed: {
		TriggerGatePassed: {StateIntegrationGate, EffectDispatchIntegrationGate},
	},
	StateMergingToStaging: {
		TriggerMergeCompleted: {StateStagingDeploying, EffectDispatchStagingDeploy},
		TriggerMergeConflict:  {StateJudging, EffectLaunchJudgeAgent},
	},
	StateStagingDeploying: {
		TriggerDeployCompleted: {StateStagingDeployed, ""},
		TriggerDeployFailed:    {StateFailed, ""},
	},
	StateStagingDeployed: {
		TriggerGatePassed: {StateE2EGate, EffectDispatchE2EGate},
	},
	StateReleasePROpen: {
		TriggerReleasePRMerged: {StateProdDeploying, EffectDispatchProdDeploy},
	},
	StateProdDeploying: {
		TriggerDeployCompleted: {StateDone, ""},
		TriggerDeployFailed:    {StateFailed, ""},
	},
	StateFixing: {
		TriggerFixAgentFailed:  {StateFailed, ""},
		TriggerFixAgentTimeout: {StateFailed, ""},
	},
	StateJudging: {
		TriggerJudgeResolved: {StateMergingToStaging, EffectMergeToStaging},
		TriggerJudgeFailed:   {StateFailed, ""},
		TriggerJudgeTimeout:  {StateFailed, ""},
	},
}

// guards holds the context-dependent edges, kept out of the static table so
// that table stays exhaustively enumerable.
var guards = map[State]map[Trigger]guardFn{
	StateFixing: {
		TriggerFixAgentPushed: resolveFixAgentPushed,
	},
}

// criticalFailRule branches a gate's critical failure on the fix-cycle
// budget: under budget goes to FIXING via the fix agent, over budget gives
// up with a defect record.
func criticalFailRule(c Context) *Rule {
	if c.FixCycleCount < c.MaxFixCycles {
		return &Rule{StateFixing, EffectLaunchFixAgent}
	}
	return &Rule{StateFailed, EffectCreateDefect}
}

// resolveFixAgentPushed sends a completed fix back to the gate the failure
// originated from. The destination is carried in context, not the table.
func resolveFixAgentPushed(c Context) *Rule {
	target, ok := StateForGate(c.Gate)
	if !ok {
		return nil
	}
	return &Rule{target, dispatchEffectForGate(c.Gate)}
}

// dispatchEffectForGate names the effect that re-dispatches the given gate's
// external workflow.
func dispatchEffectForGate(gate string) string {
	switch gate {
	case GateUnitPact:
		return EffectDispatchUnitPactGate
	case GateIntegration:
		return EffectDispatchIntegrationGate
	case GateE2E:
		return EffectDispatchE2EGate
	case GateRegression:
		return EffectDispatchRegressionGate
	}
	return ""
}

// Resolve looks up the transition for (state, trigger) under ctx. It is pure
// and side-effect free. A nil result means no rule matched: not an error,
// but nothing happened.
func Resolve(state State, trigger Trigger, ctx Context) *Rule {
	if IsTerminal(state) {
		return nil
	}

	// Gate triggers are valid from exactly the gate-named state.
	if adv, ok := gateAdvances[state]; ok {
		switch trigger {
		case TriggerGatePassed:
			return &Rule{adv.next, adv.passEffect}
		case TriggerGateNonCritFail:
			return &Rule{adv.next, adv.nonCriticalEffect}
		case TriggerGateCritFail:
			return criticalFailRule(ctx)
		}
	}

	if byTrigger, ok := guards[state]; ok {
		if fn, ok := byTrigger[trigger]; ok {
			return fn(ctx)
		}
	}

	if byTrigger, ok := table[state]; ok {
		if rule, ok := byTrigger[trigger]; ok {
			r := rule
			return &r
		}
	}
	return nil
}
