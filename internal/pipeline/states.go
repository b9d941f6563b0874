package pipeline

// State is one of the closed set of pipeline-run states.
type State string

const (
	StateCreated          State = "CREATED"
	StateUnitPactGate     State = "UNIT_PACT_GATE"
	StateDevDeploying     State = "DEV_DEPLOYING"
	StateDevDeployed      State = "DEV_DEPLOYED"
	StateIntegrationGate  State = "INTEGRATION_GATE"
	StateMergingToStaging State = "MERGING_TO_STAGING"
	StateStagingDeploying State = "STAGING_DEPLOYING"
	StateStagingDeployed  State = "STAGING_DEPLOYED"
	StateE2EGate          State = "E2E_GATE"
	StateRegressionGate   State = "REGRESSION_GATE"
	StateReleasePROpen    State = "RELEASE_PR_OPEN"
	StateProdDeploying    State = "PROD_DEPLOYING"
	StateFixing           State = "FIXING"
	StateJudging          State = "JUDGING"
	StateDone             State = "DONE"
	StateFailed           State = "FAILED"
)

// Trigger is a named event fed into the engine against the current state.
type Trigger string

const (
	TriggerPROpened        Trigger = "PR_OPENED"
	TriggerGatePassed      Trigger = "GATE_PASSED"
	TriggerGateNonCritFail Trigger = "GATE_NON_CRITICAL_FAIL"
	TriggerGateCritFail    Trigger = "GATE_CRITICAL_FAIL"
	TriggerDeployCompleted Trigger = "DEPLOY_COMPLETED"
	TriggerDeployFailed    Trigger = "DEPLOY_FAILED"
	TriggerMergeCompleted  Trigger = "MERGE_COMPLETED"
	TriggerMergeConflict   Trigger = "MERGE_CONFLICT"
	TriggerReleasePRMerged Trigger = "RELEASE_PR_MERGED"
	TriggerFixAgentPushed  Trigger = "FIX_AGENT_PUSHED"
	TriggerFixAgentFailed  Trigger = "FIX_AGENT_FAILED"
	TriggerFixAgentTimeout Trigger = "FIX_AGENT_TIMEOUT"
	TriggerJudgeResolved   Trigger = "JUDGE_RESOLVED"
	TriggerJudgeFailed     Trigger = "JUDGE_FAILED"
	TriggerJudgeTimeout    Trigger = "JUDGE_TIMEOUT"
)

// Gate names as carried in webhook payloads and transition context.
const (
	GateUnitPact    = "unit_pact"
	GateIntegration = "integration"
	GateE2E         = "e2e"
	GateRegression  = "regression"
)

// gateStates maps gate names to the state that waits on that gate.
var gateStates = map[string]State{
	GateUnitPact:    StateUnitPactGate,
	GateIntegration: StateIntegrationGate,
	GateE2E:         StateE2EGate,
	GateRegression:  StateRegressionGate,
}

// gateNames is the inverse of gateStates.
var gateNames = map[State]string{
	StateUnitPactGate:    GateUnitPact,
	StateIntegrationGate: GateIntegration,
	StateE2EGate:         GateE2E,
	StateRegressionGate:  GateRegression,
}

// StateForGate returns the gate state waiting on the named gate.
func StateForGate(gate string) (State, bool) {
	s, ok := gateStates[gate]
	return s, ok
}

// GateForState returns the gate name a gate state waits on, or "" if the
// state is not a gate state.
func GateForState(s State) string {
	return gateNames[s]
}

// IsTerminal reports whether s has no outbound transitions.
func IsTerminal(s State) bool {
	return s == StateDone || s == StateFailed
}

// AutoAdvances reports whether s is an intermediate "deployed" state with no
// real gate of its own; reaching it should immediately chain a GATE_PASSED
// advance into the next gate state.
func AutoAdvances(s State) bool {
	return s == StateDevDeployed || s == StateStagingDeployed
}
