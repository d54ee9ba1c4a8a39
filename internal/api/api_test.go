package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/roast-network/roastd/internal/app/autonomy"
	"github.com/roast-network/roastd/internal/app/command"
	"github.com/roast-network/roastd/internal/app/inference"
	"github.com/roast-network/roastd/internal/app/mission"
	"github.com/roast-network/roastd/internal/domain"
	"github.com/roast-network/roastd/internal/infra/sqlite"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := zap.NewNop()
	governor := autonomy.NewGovernor(db, log)
	if err := governor.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	agg := autonomy.NewAggregator(db)

	s := NewServer(log)
	s.Inference = inference.NewEngine(inference.Options{ConfigStore: db}, log)
	s.Missions = mission.NewStore(db, mission.DefaultConfig(), log)
	s.Commands = command.NewService(db, command.Options{Governor: governor, Recent: db}, log)
	s.Governor = governor
	s.Breaker = autonomy.NewBreaker(db, agg, governor, autonomy.DefaultBreakerConfig(), log)
	s.Agg = agg
	s.GovRepo = db
	return s
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestConfigEndpoints(t *testing.T) {
	s := newTestServer(t)
	h := s.InferenceHandler()

	rec := doJSON(t, h, http.MethodPost, "/config", map[string]any{
		"orgId": "acme", "siteId": "sf", "machineId": "m-1",
		"config": map[string]any{"sessionGapSeconds": 45},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert status = %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodGet, "/config?orgId=acme&siteId=sf&machineId=m-1", nil)
	var got struct {
		SessionGapSeconds float64 `json:"sessionGapSeconds"`
		IsDefault         bool    `json:"isDefault"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionGapSeconds != 45 || got.IsDefault {
		t.Errorf("get config = %+v", got)
	}

	rec = doJSON(t, h, http.MethodGet, "/config?orgId=acme&siteId=sf&machineId=m-2", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.IsDefault {
		t.Error("unknown machine should report isDefault")
	}

	rec = doJSON(t, h, http.MethodDelete, "/config?orgId=acme&siteId=sf&machineId=m-1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodDelete, "/config?orgId=acme&siteId=sf&machineId=m-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}

	// Invalid config values are a 400.
	rec = doJSON(t, h, http.MethodPost, "/config", map[string]any{
		"orgId": "acme", "siteId": "sf", "machineId": "m-1",
		"config": map[string]any{"sessionGapSeconds": -5},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid config status = %d, want 400", rec.Code)
	}
}

func TestMissionEndpoints(t *testing.T) {
	s := newTestServer(t)
	h := s.MissionHandler()

	create := map[string]any{
		"goal":           map[string]any{"title": "generate-roast-report"},
		"idempotencyKey": "K",
	}
	rec := doJSON(t, h, http.MethodPost, "/missions", create)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	var first domain.Mission
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Idempotent repeat: 200, same mission id.
	rec = doJSON(t, h, http.MethodPost, "/missions", create)
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat create status = %d, want 200", rec.Code)
	}
	var second domain.Mission
	json.Unmarshal(rec.Body.Bytes(), &second)
	if second.ID != first.ID {
		t.Errorf("idempotent create: %s vs %s", second.ID, first.ID)
	}

	// Claim it.
	rec = doJSON(t, h, http.MethodPost, "/missions/claim", map[string]any{
		"agentName": "worker-1", "goals": []string{"generate-roast-report"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("claim status = %d: %s", rec.Code, rec.Body)
	}
	var claimed domain.Mission
	json.Unmarshal(rec.Body.Bytes(), &claimed)
	if claimed.Lease == nil {
		t.Fatal("claim returned no lease")
	}

	// Nothing left: 204.
	rec = doJSON(t, h, http.MethodPost, "/missions/claim", map[string]any{
		"agentName": "worker-2", "goals": []string{"generate-roast-report"},
	})
	if rec.Code != http.StatusNoContent {
		t.Errorf("empty claim status = %d, want 204", rec.Code)
	}

	// Bad lease on heartbeat: 409.
	rec = doJSON(t, h, http.MethodPost, "/missions/"+claimed.ID+"/heartbeat", map[string]any{
		"leaseId": "wrong", "agentName": "worker-1",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("bad heartbeat status = %d, want 409", rec.Code)
	}

	// Retryable failure returns the mission in RETRY.
	rec = doJSON(t, h, http.MethodPost, "/missions/"+claimed.ID+"/fail", map[string]any{
		"leaseId": claimed.Lease.LeaseID, "error": "transient", "retryable": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("fail status = %d: %s", rec.Code, rec.Body)
	}
	var failed domain.Mission
	json.Unmarshal(rec.Body.Bytes(), &failed)
	if failed.Status != domain.MissionRetry {
		t.Errorf("fail status = %s, want RETRY", failed.Status)
	}

	rec = doJSON(t, h, http.MethodGet, "/missions/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/missions/"+claimed.ID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/missions/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get unknown status = %d, want 404", rec.Code)
	}
}

func TestProposalEndpoints(t *testing.T) {
	s := newTestServer(t)
	h := s.CommandHandler()

	propose := map[string]any{
		"command": map[string]any{
			"type": "SET_POWER", "machineId": "m-1", "targetValue": 70, "unit": "%",
		},
		"proposer":  "HUMAN",
		"actor":     "operator-1",
		"reasoning": "raise heat into first crack",
	}
	rec := doJSON(t, h, http.MethodPost, "/proposals", propose)
	if rec.Code != http.StatusCreated {
		t.Fatalf("propose status = %d: %s", rec.Code, rec.Body)
	}
	var p domain.Proposal
	json.Unmarshal(rec.Body.Bytes(), &p)
	if p.Status != domain.StatusPendingApproval {
		t.Fatalf("status = %s", p.Status)
	}

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/proposals/%s/approve", p.ID), map[string]any{"actor": "operator-2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d: %s", rec.Code, rec.Body)
	}
	// Double approval: 409.
	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/proposals/%s/approve", p.ID), map[string]any{"actor": "operator-2"})
	if rec.Code != http.StatusConflict {
		t.Errorf("double approve status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/proposals?machineId=m-1", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("list status = %d", rec.Code)
	}
	var list struct {
		Proposals []domain.Proposal `json:"proposals"`
	}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list.Proposals) != 1 {
		t.Errorf("list = %d proposals, want 1", len(list.Proposals))
	}

	// Agent proposal blocked by the L3 governor: still 201, REJECTED body.
	agent := map[string]any{
		"command": map[string]any{
			"type": "SET_POWER", "machineId": "m-1", "targetValue": 60,
		},
		"proposer":  "AGENT",
		"actor":     "agent-7",
		"reasoning": "profile tracking correction",
	}
	rec = doJSON(t, h, http.MethodPost, "/proposals", agent)
	if rec.Code != http.StatusCreated {
		t.Fatalf("agent propose status = %d", rec.Code)
	}
	var rejected domain.Proposal
	json.Unmarshal(rec.Body.Bytes(), &rejected)
	if rejected.Status != domain.StatusRejected || rejected.RejectionReason.Code != domain.ReasonOutOfScope {
		t.Errorf("agent proposal = %s / %+v", rejected.Status, rejected.RejectionReason)
	}
}

func TestGovernanceEndpoints(t *testing.T) {
	s := newTestServer(t)
	h := s.GovernanceHandler()

	rec := doJSON(t, h, http.MethodGet, "/governance/state", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("state status = %d", rec.Code)
	}
	var state domain.GovernanceState
	json.Unmarshal(rec.Body.Bytes(), &state)
	if state.CurrentPhase != domain.PhaseL3 {
		t.Errorf("phase = %s, want L3", state.CurrentPhase)
	}

	rec = doJSON(t, h, http.MethodGet, "/circuit-breaker/rules", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rules status = %d", rec.Code)
	}

	// Patch a rule, then patch it with a malformed condition.
	rec = doJSON(t, h, http.MethodPatch, "/circuit-breaker/rules/high-error-rate", map[string]any{"enabled": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %s", rec.Code, rec.Body)
	}
	rec = doJSON(t, h, http.MethodPatch, "/circuit-breaker/rules/high-error-rate", map[string]any{"condition": "nonsense"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed patch status = %d, want 400", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPatch, "/circuit-breaker/rules/unknown-rule", map[string]any{"enabled": false})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown rule patch status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/governance/run-cycle", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("run-cycle status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/metrics/current", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("metrics/current status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/metrics/weekly", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("metrics/weekly status = %d", rec.Code)
	}
	// run-cycle persisted a snapshot, so latest exists.
	rec = doJSON(t, h, http.MethodGet, "/metrics/latest", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("metrics/latest status = %d", rec.Code)
	}
}
