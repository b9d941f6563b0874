package pipeline

import "testing"

func TestResolve_PROpened(t *testing.T) {
	rule := Resolve(StateCreated, TriggerPROpened, Context{})
	if rule == nil {
		t.Fatal("expected a rule for CREATED + PR_OPENED")
	}
	if rule.To != StateUnitPactGate {
		t.Errorf("expected UNIT_PACT_GATE, got %s", rule.To)
	}
	if rule.Effect != EffectDispatchUnitPactGate {
		t.Errorf("expected %s, got %s", EffectDispatchUnitPactGate, rule.Effect)
	}
}

func TestResolve_GatePassAdvances(t *testing.T) {
	cases := []struct {
		from   State
		to     State
		effect string
	}{
		{StateUnitPactGate, StateDevDeploying, EffectDispatchDevDeploy},
		{StateIntegrationGate, StateMergingToStaging, EffectMergeToStaging},
		{StateE2EGate, StateRegressionGate, EffectDispatchRegressionGate},
		{StateRegressionGate, StateReleasePROpen, EffectCreateReleasePR},
	}
	for _, c := range cases {
		rule := Resolve(c.from, TriggerGatePassed, Context{})
		if rule == nil {
			t.Errorf("%s + GATE_PASSED: expected a rule", c.from)
			continue
		}
		if rule.To != c.to || rule.Effect != c.effect {
			t.Errorf("%s + GATE_PASSED: got (%s, %s), want (%s, %s)",
				c.from, rule.To, rule.Effect, c.to, c.effect)
		}
	}
}

func TestResolve_GateNonCriticalFailStillAdvances(t *testing.T) {
	rule := Resolve(StateUnitPactGate, TriggerGateNonCritFail, Context{})
	if rule == nil {
		t.Fatal("expected a rule")
	}
	if rule.To != StateDevDeploying {
		t.Errorf("non-critical fail should still advance, got %s", rule.To)
	}
	if rule.Effect != EffectDefectAndDevDeploy {
		t.Errorf("expected combined defect effect, got %s", rule.Effect)
	}
}

func TestResolve_CriticalFailBranchesOnBudget(t *testing.T) {
	gates := []State{StateUnitPactGate, StateIntegrationGate, StateE2EGate, StateRegressionGate}
	for _, g := range gates {
		for cycle := 0; cycle <= 2; cycle++ {
			rule := Resolve(g, TriggerGateCritFail, Context{FixCycleCount: cycle, MaxFixCycles: 3})
			if rule == nil {
				t.Fatalf("%s cycle=%d: expected a rule", g, cycle)
			}
			if rule.To != StateFixing || rule.Effect != EffectLaunchFixAgent {
				t.Errorf("%s cycle=%d: got (%s, %s), want (FIXING, %s)",
					g, cycle, rule.To, rule.Effect, EffectLaunchFixAgent)
			}
		}

		rule := Resolve(g, TriggerGateCritFail, Context{FixCycleCount: 3, MaxFixCycles: 3})
		if rule == nil {
			t.Fatalf("%s exhausted: expected a rule", g)
		}
		if rule.To != StateFailed || rule.Effect != EffectCreateDefect {
			t.Errorf("%s exhausted: got (%s, %s), want (FAILED, %s)",
				g, rule.To, rule.Effect, EffectCreateDefect)
		}
	}
}

func TestResolve_FixAgentPushedReturnsToOriginatingGate(t *testing.T) {
	cases := []struct {
		gate   string
		to     State
		effect string
	}{
		{GateUnitPact, StateUnitPactGate, EffectDispatchUnitPactGate},
		{GateIntegration, StateIntegrationGate, EffectDispatchIntegrationGate},
		{GateE2E, StateE2EGate, EffectDispatchE2EGate},
		{GateRegression, StateRegressionGate, EffectDispatchRegressionGate},
	}
	for _, c := range cases {
		rule := Resolve(StateFixing, TriggerFixAgentPushed, Context{Gate: c.gate})
		if rule == nil {
			t.Errorf("gate=%q: expected a rule", c.gate)
			continue
		}
		if rule.To != c.to || rule.Effect != c.effect {
			t.Errorf("gate=%q: got (%s, %s), want (%s, %s)",
				c.gate, rule.To, rule.Effect, c.to, c.effect)
		}
	}
}

func TestResolve_FixAgentPushedUnknownGate(t *testing.T) {
	if rule := Resolve(StateFixing, TriggerFixAgentPushed, Context{Gate: "nope"}); rule != nil {
		t.Errorf("unknown gate name should not resolve, got %+v", rule)
	}
	if rule := Resolve(StateFixing, TriggerFixAgentPushed, Context{}); rule != nil {
		t.Errorf("missing gate name should not resolve, got %+v", rule)
	}
}

func TestResolve_FixAgentTerminalOutcomes(t *testing.T) {
	for _, tr := range []Trigger{TriggerFixAgentFailed, TriggerFixAgentTimeout} {
		rule := Resolve(StateFixing, tr, Context{})
		if rule == nil || rule.To != StateFailed {
			t.Errorf("FIXING + %s: expected FAILED, got %+v", tr, rule)
		}
	}
}

func TestResolve_MergeConflictGoesToJudging(t *testing.T) {
	rule := Resolve(StateMergingToStaging, TriggerMergeConflict, Context{})
	if rule == nil {
		t.Fatal("expected a rule")
	}
	if rule.To != StateJudging || rule.Effect != EffectLaunchJudgeAgent {
		t.Errorf("got (%s, %s), want (JUDGING, %s)", rule.To, rule.Effect, EffectLaunchJudgeAgent)
	}

	back := Resolve(StateJudging, TriggerJudgeResolved, Context{})
	if back == nil || back.To != StateMergingToStaging || back.Effect != EffectMergeToStaging {
		t.Errorf("JUDGE_RESOLVED should retry the merge, got %+v", back)
	}
}

func TestResolve_TerminalStatesHaveNoOutboundEdges(t *testing.T) {
	allTriggers := []Trigger{
		TriggerPROpened, TriggerGatePassed, TriggerGateNonCritFail, TriggerGateCritFail,
		TriggerDeployCompleted, TriggerDeployFailed, TriggerMergeCompleted, TriggerMergeConflict,
		TriggerReleasePRMerged, TriggerFixAgentPushed, TriggerFixAgentFailed, TriggerFixAgentTimeout,
		TriggerJudgeResolved, TriggerJudgeFailed, TriggerJudgeTimeout,
	}
	for _, s := range []State{StateDone, StateFailed} {
		for _, tr := range allTriggers {
			if rule := Resolve(s, tr, Context{Gate: GateE2E, MaxFixCycles: 3}); rule != nil {
				t.Errorf("%s + %s: terminal state resolved to %+v", s, tr, rule)
			}
		}
	}
}

func TestResolve_UnmatchedPairsReturnNil(t *testing.T) {
	cases := []struct {
		state   State
		trigger Trigger
	}{
		{StateCreated, TriggerGatePassed},
		{StateCreated, TriggerDeployCompleted},
		{StateUnitPactGate, TriggerPROpened},
		{StateUnitPactGate, TriggerDeployCompleted},
		{StateDevDeploying, TriggerGatePassed},
		{StateDevDeployed, TriggerDeployCompleted},
		{StateMergingToStaging, TriggerGatePassed},
		{StateFixing, TriggerGatePassed},
		{StateJudging, TriggerFixAgentPushed},
		{StateReleasePROpen, TriggerGatePassed},
	}
	for _, c := range cases {
		if rule := Resolve(c.state, c.trigger, Context{Gate: GateE2E, MaxFixCycles: 3}); rule != nil {
			t.Errorf("%s + %s: expected nil, got %+v", c.state, c.trigger, rule)
		}
	}
}

func TestStateForGate(t *testing.T) {
	if s, ok := StateForGate(GateUnitPact); !ok || s != StateUnitPactGate {
		t.Errorf("unit_pact: got (%s, %v)", s, ok)
	}
	if _, ok := StateForGate("bogus"); ok {
		t.Error("bogus gate should not map to a state")
	}
}

func TestGateForState(t *testing.T) {
	if g := GateForState(StateE2EGate); g != GateE2E {
		t.Errorf("E2E_GATE: got %q", g)
	}
	if g := GateForState(StateFixing); g != "" {
		t.Errorf("FIXING is not a gate state, got %q", g)
	}
}

func TestAutoAdvances(t *testing.T) {
	for _, s := range []State{StateDevDeployed, StateStagingDeployed} {
		if !AutoAdvances(s) {
			t.Errorf("%s should auto-advance", s)
		}
	}
	for _, s := range []State{StateDevDeploying, StateDone, StateE2EGate} {
		if AutoAdvances(s) {
			t.Errorf("%s should not auto-advance", s)
		}
	}
}
