package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conveyorci/conveyor/internal/analytics"
	"github.com/conveyorci/conveyor/internal/engine"
	"github.com/conveyorci/conveyor/internal/gate"
	"github.com/conveyorci/conveyor/internal/pipeline"
)

const testToken = "hook-secret"

type advanceCall struct {
	runID   string
	trigger pipeline.Trigger
	extra   map[string]string
}

type fakeEngine struct {
	runs     map[string]*pipeline.Run
	advances []advanceCall
	results  []engine.Result
	lastErr  string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{runs: make(map[string]*pipeline.Run)}
}

// nextResult pops the scripted result for the next Advance call.
func (f *fakeEngine) Advance(_ context.Context, runID string, trigger pipeline.Trigger, extra map[string]string) (engine.Result, error) {
	f.advances = append(f.advances, advanceCall{runID, trigger, extra})
	if len(f.results) > 0 {
		res := f.results[0]
		f.results = f.results[1:]
		return res, nil
	}
	return engine.Result{Transitioned: true}, nil
}

func (f *fakeEngine) CreateRun(_ context.Context, prNumber int, sourceBranch, targetBranch, commitSHA string, metadata map[string]string) (*pipeline.Run, error) {
	run := &pipeline.Run{
		ID:           uuid.New(),
		PRNumber:     prNumber,
		SourceBranch: sourceBranch,
		TargetBranch: targetBranch,
		CommitSHA:    commitSHA,
		State:        pipeline.StateCreated,
		Metadata:     metadata,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	f.runs[run.ID.String()] = run
	return run, nil
}

func (f *fakeEngine) SetError(_ context.Context, runID, msg string) error {
	f.lastErr = msg
	return nil
}

type fakeQueries struct {
	runs        map[string]*pipeline.Run
	transitions []*pipeline.Transition
	gateResults []*pipeline.GateResult
	sessions    []*pipeline.AgentSession
	defects     []*pipeline.DefectIssue
}

func (f *fakeQueries) GetRun(_ context.Context, id string) (*pipeline.Run, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	return run, nil
}

func (f *fakeQueries) ListRuns(context.Context) ([]*pipeline.Run, error) {
	var out []*pipeline.Run
	for _, r := range f.runs {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeQueries) ListTransitions(context.Context, string) ([]*pipeline.Transition, error) {
	return f.transitions, nil
}

func (f *fakeQueries) ListGateResults(context.Context, string) ([]*pipeline.GateResult, error) {
	return f.gateResults, nil
}

func (f *fakeQueries) ListAgentSessions(context.Context, string) ([]*pipeline.AgentSession, error) {
	return f.sessions, nil
}

func (f *fakeQueries) ListDefectIssues(context.Context, string) ([]*pipeline.DefectIssue, error) {
	return f.defects, nil
}

func (f *fakeQueries) ListAllTransitions(context.Context) ([]*pipeline.Transition, error) {
	return f.transitions, nil
}

func (f *fakeQueries) ListAllGateResults(context.Context) ([]*pipeline.GateResult, error) {
	return f.gateResults, nil
}

type sessionUpdate struct {
	id         string
	status     pipeline.SessionStatus
	commitSHA  string
	failReason string
}

type fakeSessions struct {
	known   map[string]bool
	updates []sessionUpdate
}

func (f *fakeSessions) UpdateAgentSessionStatus(_ context.Context, id string, status pipeline.SessionStatus, commitSHA, failReason string) error {
	if !f.known[id] {
		return pipeline.ErrNotFound
	}
	f.updates = append(f.updates, sessionUpdate{id, status, commitSHA, failReason})
	return nil
}

type fakeResultStore struct {
	results []*pipeline.GateResult
}

func (f *fakeResultStore) CreateGateResult(_ context.Context, r *pipeline.GateResult) error {
	f.results = append(f.results, r)
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeEngine, *fakeQueries, *fakeResultStore) {
	t.Helper()
	server, eng, queries, store, _ := newTestServerWithSessions(t)
	return server, eng, queries, store
}

func newTestServerWithSessions(t *testing.T) (*Server, *fakeEngine, *fakeQueries, *fakeResultStore, *fakeSessions) {
	t.Helper()
	classifier, err := gate.LoadPolicy("")
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	eng := newFakeEngine()
	queries := &fakeQueries{runs: eng.runs}
	store := &fakeResultStore{}
	sessions := &fakeSessions{known: make(map[string]bool)}
	server := NewServer(eng, queries, sessions, gate.NewEvaluator(classifier, store), testToken, zap.NewNop())
	return server, eng, queries, store, sessions
}

func seedRun(eng *fakeEngine, state pipeline.State) *pipeline.Run {
	run, _ := eng.CreateRun(context.Background(), 5, "feature/x", "main", "abc", nil)
	run.State = state
	return run
}

func doJSON(server *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echoHeaderContentType, "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)
	return rec
}

const echoHeaderContentType = "Content-Type"

func TestAuthRequired(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	for _, path := range []string{"/webhooks/gate-complete", "/webhooks/deploy-complete", "/webhooks/agent-complete", "/api/runs"} {
		rec := doJSON(server, http.MethodPost, path, "", map[string]any{})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status %d", path, rec.Code)
		}
		rec = doJSON(server, http.MethodPost, path, "wrong", map[string]any{})
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s with bad token: status %d", path, rec.Code)
		}
	}
}

func TestHealthAndMetricsOpen(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	for _, path := range []string{"/health", "/metrics"} {
		rec := doJSON(server, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status %d", path, rec.Code)
		}
	}
}

func TestGateCompletePassed(t *testing.T) {
	server, eng, _, store := newTestServer(t)
	run := seedRun(eng, pipeline.StateIntegrationGate)

	report, _ := json.Marshal(map[string]any{"total": 10, "passed": 10, "failed": 0})
	rec := doJSON(server, http.MethodPost, "/webhooks/gate-complete", testToken, GateCompleteRequest{
		RunID:       run.ID.String(),
		Gate:        pipeline.GateIntegration,
		WorkflowRef: "wf-123",
		Format:      "generic",
		Report:      report,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}

	var resp GateCompleteResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Outcome != string(pipeline.OutcomePass) {
		t.Errorf("outcome = %q", resp.Outcome)
	}

	if len(eng.advances) != 1 || eng.advances[0].trigger != pipeline.TriggerGatePassed {
		t.Errorf("advances = %+v", eng.advances)
	}
	if eng.advances[0].extra[engine.ExtraKeyGate] != pipeline.GateIntegration {
		t.Errorf("gate not carried: %v", eng.advances[0].extra)
	}
	if len(store.results) != 1 || store.results[0].Gate != pipeline.GateIntegration {
		t.Errorf("gate result not persisted: %+v", store.results)
	}
}

func TestGateCompleteCriticalFail(t *testing.T) {
	server, eng, _, store := newTestServer(t)
	run := seedRun(eng, pipeline.StateE2EGate)

	report, _ := json.Marshal(map[string]any{
		"total": 10, "passed": 8, "failed": 2,
		"failed_names": []string{"TestPaymentCapture", "TestCosmeticAlignment"},
	})
	rec := doJSON(server, http.MethodPost, "/webhooks/gate-complete", testToken, GateCompleteRequest{
		RunID:  run.ID.String(),
		Gate:   pipeline.GateE2E,
		Format: "generic",
		Report: report,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}

	if len(eng.advances) != 1 || eng.advances[0].trigger != pipeline.TriggerGateCritFail {
		t.Errorf("advances = %+v", eng.advances)
	}
	if store.results[0].Severity != gate.SeverityCritical {
		t.Errorf("severity = %q", store.results[0].Severity)
	}
}

func TestGateCompleteBadReport(t *testing.T) {
	server, eng, _, _ := newTestServer(t)
	run := seedRun(eng, pipeline.StateUnitPactGate)

	rec := doJSON(server, http.MethodPost, "/webhooks/gate-complete", testToken, GateCompleteRequest{
		RunID:  run.ID.String(),
		Gate:   pipeline.GateUnitPact,
		Format: "nonsense",
		Report: json.RawMessage(`{}`),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d", rec.Code)
	}
	if len(eng.advances) != 0 {
		t.Errorf("bad report must not advance: %+v", eng.advances)
	}
}

func TestGateCompleteUnknownRunStays200(t *testing.T) {
	server, eng, _, _ := newTestServer(t)

	report, _ := json.Marshal(map[string]any{"total": 1, "passed": 1})
	rec := doJSON(server, http.MethodPost, "/webhooks/gate-complete", testToken, GateCompleteRequest{
		RunID:  uuid.NewString(),
		Gate:   pipeline.GateUnitPact,
		Format: "generic",
		Report: report,
	})
	if rec.Code != http.StatusOK {
		t.Errorf("status %d", rec.Code)
	}
	if len(eng.advances) != 0 {
		t.Errorf("unknown run must not advance: %+v", eng.advances)
	}
}

func TestDeployCompleteSuccess(t *testing.T) {
	server, eng, _, _ := newTestServer(t)
	run := seedRun(eng, pipeline.StateProdDeploying)
	eng.results = []engine.Result{
		{Transitioned: true, From: pipeline.StateProdDeploying, To: pipeline.StateDone},
	}

	rec := doJSON(server, http.MethodPost, "/webhooks/deploy-complete", testToken, DeployCompleteRequest{
		RunID:       run.ID.String(),
		Environment: "prod",
		Success:     true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if len(eng.advances) != 1 || eng.advances[0].trigger != pipeline.TriggerDeployCompleted {
		t.Errorf("advances = %+v", eng.advances)
	}
}

func TestDeployCompleteAutoChainsGatePassed(t *testing.T) {
	server, eng, _, _ := newTestServer(t)
	run := seedRun(eng, pipeline.StateDevDeploying)
	eng.results = []engine.Result{
		{Transitioned: true, From: pipeline.StateDevDeploying, To: pipeline.StateDevDeployed},
		{Transitioned: true, From: pipeline.StateDevDeployed, To: pipeline.StateIntegrationGate, SideEffect: pipeline.EffectDispatchIntegrationGate},
	}

	rec := doJSON(server, http.MethodPost, "/webhooks/deploy-complete", testToken, DeployCompleteRequest{
		RunID:       run.ID.String(),
		Environment: "dev",
		Success:     true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}

	if len(eng.advances) != 2 {
		t.Fatalf("advances = %+v", eng.advances)
	}
	if eng.advances[1].trigger != pipeline.TriggerGatePassed {
		t.Errorf("chained trigger = %s", eng.advances[1].trigger)
	}

	var resp DeployCompleteResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Result.To != pipeline.StateIntegrationGate {
		t.Errorf("final state = %s", resp.Result.To)
	}
	if resp.Result.From != pipeline.StateDevDeploying {
		t.Errorf("from = %s", resp.Result.From)
	}
}

func TestDeployCompleteFailureRecordsError(t *testing.T) {
	server, eng, _, _ := newTestServer(t)
	run := seedRun(eng, pipeline.StateStagingDeploying)
	eng.results = []engine.Result{
		{Transitioned: true, From: pipeline.StateStagingDeploying, To: pipeline.StateFailed},
	}

	rec := doJSON(server, http.MethodPost, "/webhooks/deploy-complete", testToken, DeployCompleteRequest{
		RunID:       run.ID.String(),
		Environment: "staging",
		Success:     false,
		Error:       "helm upgrade timed out",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if eng.lastErr != "helm upgrade timed out" {
		t.Errorf("error not recorded: %q", eng.lastErr)
	}
	if eng.advances[0].trigger != pipeline.TriggerDeployFailed {
		t.Errorf("trigger = %s", eng.advances[0].trigger)
	}
}

func TestDeployCompleteNoTransitionStays200(t *testing.T) {
	server, eng, _, _ := newTestServer(t)
	run := seedRun(eng, pipeline.StateUnitPactGate)
	eng.results = []engine.Result{
		{Transitioned: false, Reason: "no transition from UNIT_PACT_GATE on DEPLOY_COMPLETED"},
	}

	rec := doJSON(server, http.MethodPost, "/webhooks/deploy-complete", testToken, DeployCompleteRequest{
		RunID:       run.ID.String(),
		Environment: "dev",
		Success:     true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp DeployCompleteResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Result.Transitioned {
		t.Error("expected no transition")
	}
	if len(eng.advances) != 1 {
		t.Errorf("must not auto-chain after a refused advance: %+v", eng.advances)
	}
}

func TestAgentCompleteUpdatesSession(t *testing.T) {
	server, _, _, _, sessions := newTestServerWithSessions(t)
	sessions.known["sess-fix-1"] = true

	rec := doJSON(server, http.MethodPost, "/webhooks/agent-complete", testToken, AgentCompleteRequest{
		SessionID: "sess-fix-1",
		Status:    "completed",
		CommitSHA: "beef99",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if len(sessions.updates) != 1 {
		t.Fatalf("updates = %+v", sessions.updates)
	}
	u := sessions.updates[0]
	if u.status != pipeline.SessionCompleted || u.commitSHA != "beef99" {
		t.Errorf("update = %+v", u)
	}
}

func TestAgentCompleteFailedCarriesReason(t *testing.T) {
	server, _, _, _, sessions := newTestServerWithSessions(t)
	sessions.known["sess-judge-1"] = true

	rec := doJSON(server, http.MethodPost, "/webhooks/agent-complete", testToken, AgentCompleteRequest{
		SessionID: "sess-judge-1",
		Status:    "failed",
		Reason:    "tests still red after patch",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	u := sessions.updates[0]
	if u.status != pipeline.SessionFailed || u.failReason != "tests still red after patch" {
		t.Errorf("update = %+v", u)
	}
}

func TestAgentCompleteUnknownSessionStays200(t *testing.T) {
	server, _, _, _, sessions := newTestServerWithSessions(t)

	rec := doJSON(server, http.MethodPost, "/webhooks/agent-complete", testToken, AgentCompleteRequest{
		SessionID: "sess-gone",
		Status:    "completed",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["reason"] != "session not found" {
		t.Errorf("resp = %v", resp)
	}
	if len(sessions.updates) != 0 {
		t.Errorf("updates = %+v", sessions.updates)
	}
}

func TestAgentCompleteValidation(t *testing.T) {
	server, _, _, _, sessions := newTestServerWithSessions(t)
	sessions.known["sess-fix-1"] = true

	rec := doJSON(server, http.MethodPost, "/webhooks/agent-complete", testToken, AgentCompleteRequest{
		Status: "completed",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing session_id: status %d", rec.Code)
	}

	rec = doJSON(server, http.MethodPost, "/webhooks/agent-complete", testToken, AgentCompleteRequest{
		SessionID: "sess-fix-1",
		Status:    "done",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad status: status %d", rec.Code)
	}
	if len(sessions.updates) != 0 {
		t.Errorf("updates = %+v", sessions.updates)
	}
}

func TestCreateRun(t *testing.T) {
	server, eng, _, _ := newTestServer(t)

	rec := doJSON(server, http.MethodPost, "/api/runs", testToken, CreateRunRequest{
		PRNumber:     88,
		SourceBranch: "feature/wishlists",
		TargetBranch: "main",
		CommitSHA:    "f00",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	if len(eng.advances) != 1 || eng.advances[0].trigger != pipeline.TriggerPROpened {
		t.Errorf("advances = %+v", eng.advances)
	}

	var resp CreateRunResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Run == nil || resp.Run.PRNumber != 88 {
		t.Errorf("run = %+v", resp.Run)
	}
}

func TestCreateRunValidation(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	rec := doJSON(server, http.MethodPost, "/api/runs", testToken, CreateRunRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d", rec.Code)
	}
}

func TestGetRunDetail(t *testing.T) {
	server, eng, queries, _ := newTestServer(t)
	run := seedRun(eng, pipeline.StateE2EGate)
	queries.transitions = []*pipeline.Transition{
		{ID: uuid.New(), RunID: run.ID, FromState: pipeline.StateCreated, ToState: pipeline.StateUnitPactGate, Trigger: pipeline.TriggerPROpened},
	}
	queries.gateResults = []*pipeline.GateResult{
		{ID: uuid.New(), RunID: run.ID, Gate: pipeline.GateUnitPact, Outcome: pipeline.OutcomePass},
	}

	rec := doJSON(server, http.MethodGet, "/api/runs/"+run.ID.String(), testToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}

	var detail RunDetail
	json.Unmarshal(rec.Body.Bytes(), &detail)
	if detail.Run == nil || detail.Run.ID != run.ID {
		t.Errorf("run = %+v", detail.Run)
	}
	if len(detail.Transitions) != 1 || len(detail.GateResults) != 1 {
		t.Errorf("detail = %+v", detail)
	}
}

func TestGetRunNotFound(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	rec := doJSON(server, http.MethodGet, "/api/runs/"+uuid.NewString(), testToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status %d", rec.Code)
	}
}

func TestListRuns(t *testing.T) {
	server, eng, _, _ := newTestServer(t)
	seedRun(eng, pipeline.StateCreated)
	seedRun(eng, pipeline.StateDone)

	rec := doJSON(server, http.MethodGet, "/api/runs", testToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp struct {
		Runs []*pipeline.Run `json:"runs"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Runs) != 2 {
		t.Errorf("runs = %d", len(resp.Runs))
	}
}

func TestStats(t *testing.T) {
	server, eng, queries, _ := newTestServer(t)
	run := seedRun(eng, pipeline.StateDone)
	run.FixCycleCount = 1
	queries.gateResults = []*pipeline.GateResult{{
		ID:      uuid.New(),
		RunID:   run.ID,
		Gate:    pipeline.GateUnitPact,
		Outcome: pipeline.OutcomePass,
	}}

	rec := doJSON(server, http.MethodGet, "/api/stats", testToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var overview analytics.Overview
	json.Unmarshal(rec.Body.Bytes(), &overview)
	if len(overview.Gates) != 1 || overview.Gates[0].PassPct != 100 {
		t.Errorf("gates = %+v", overview.Gates)
	}
	if len(overview.FixCycles) != 1 || overview.FixCycles[0].One != 100 {
		t.Errorf("fix cycles = %+v", overview.FixCycles)
	}
}
