package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/roast-network/roastd/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testMission(id, goal string, priority domain.MissionPriority, createdAt time.Time) domain.Mission {
	return domain.Mission{
		ID:           id,
		Goal:         domain.MissionGoal{Title: goal},
		Priority:     priority,
		Status:       domain.MissionPending,
		NextRunAfter: createdAt,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

// ─── Machine Configs ────────────────────────────────────────────────────────

func TestConfigRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	key := domain.MachineKey{OrgID: "acme", SiteID: "sf", MachineID: "m-1"}

	cfg := domain.DefaultHeuristics()
	cfg.SessionGapSeconds = 45
	if err := db.UpsertConfig(ctx, key, cfg); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := db.GetConfig(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.SessionGapSeconds != 45 {
		t.Errorf("got %+v", got)
	}

	if err := db.DeleteConfig(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := db.DeleteConfig(ctx, key); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
	if got, _ := db.GetConfig(ctx, key); got != nil {
		t.Errorf("config survived delete: %+v", got)
	}
}

// ─── Missions ───────────────────────────────────────────────────────────────

func TestClaimOrdering(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	// Insert out of order: LOW oldest, HIGH newest. HIGH must win; among
	// equal priorities, oldest first.
	missions := []domain.Mission{
		testMission("m-low", "roast-report", domain.PriorityLow, base),
		testMission("m-med-old", "roast-report", domain.PriorityMedium, base.Add(1*time.Second)),
		testMission("m-med-new", "roast-report", domain.PriorityMedium, base.Add(2*time.Second)),
		testMission("m-high", "roast-report", domain.PriorityHigh, base.Add(3*time.Second)),
	}
	for _, m := range missions {
		if err := db.InsertMission(ctx, m); err != nil {
			t.Fatalf("insert %s: %v", m.ID, err)
		}
	}

	now := base.Add(time.Minute)
	wantOrder := []string{"m-high", "m-med-old", "m-med-new", "m-low"}
	for i, want := range wantOrder {
		lease := domain.Lease{LeaseID: fmt.Sprintf("lease-%d", i), HolderID: "w", ExpiresAt: now.Add(time.Minute)}
		got, err := db.ClaimNext(ctx, []string{"roast-report"}, lease, now)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if got == nil || got.ID != want {
			t.Fatalf("claim %d = %+v, want %s", i, got, want)
		}
		if got.Attempts != 1 {
			t.Errorf("claim %d attempts = %d, want 1", i, got.Attempts)
		}
	}

	// Queue drained.
	if got, _ := db.ClaimNext(ctx, []string{"roast-report"}, domain.Lease{LeaseID: "x", HolderID: "w", ExpiresAt: now.Add(time.Minute)}, now); got != nil {
		t.Errorf("claim on empty queue returned %+v", got)
	}
}

func TestClaimFiltersGoalAndSchedule(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	future := testMission("m-future", "roast-report", domain.PriorityHigh, base)
	future.NextRunAfter = base.Add(time.Hour)
	other := testMission("m-other", "calibrate", domain.PriorityHigh, base)
	for _, m := range []domain.Mission{future, other} {
		if err := db.InsertMission(ctx, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	lease := domain.Lease{LeaseID: "l", HolderID: "w", ExpiresAt: base.Add(time.Minute)}
	if got, _ := db.ClaimNext(ctx, []string{"roast-report"}, lease, base.Add(time.Minute)); got != nil {
		t.Errorf("claimed mission scheduled for the future: %+v", got)
	}
	got, err := db.ClaimNext(ctx, []string{"calibrate"}, lease, base.Add(time.Minute))
	if err != nil || got == nil || got.ID != "m-other" {
		t.Errorf("goal-filtered claim = %+v, %v", got, err)
	}
}

func TestIdempotencyKeyUnique(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	m1 := testMission("m-1", "roast-report", domain.PriorityMedium, base)
	m1.IdempotencyKey = "K"
	if err := db.InsertMission(ctx, m1); err != nil {
		t.Fatalf("insert: %v", err)
	}

	m2 := testMission("m-2", "roast-report", domain.PriorityMedium, base)
	m2.IdempotencyKey = "K"
	if err := db.InsertMission(ctx, m2); err == nil {
		t.Error("duplicate idempotency key accepted")
	}

	got, err := db.GetMissionByIdempotencyKey(ctx, "K")
	if err != nil || got == nil || got.ID != "m-1" {
		t.Errorf("lookup by key = %+v, %v", got, err)
	}
}

func TestReapExpiredKeepsAttempts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	m := testMission("m-1", "roast-report", domain.PriorityMedium, base)
	if err := db.InsertMission(ctx, m); err != nil {
		t.Fatalf("insert: %v", err)
	}
	lease := domain.Lease{LeaseID: "l-1", HolderID: "w", ExpiresAt: base.Add(30 * time.Second)}
	claimed, err := db.ClaimNext(ctx, []string{"roast-report"}, lease, base)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %+v, %v", claimed, err)
	}

	// Lease still live: nothing reaped.
	ids, err := db.ReapExpired(ctx, base.Add(10*time.Second))
	if err != nil || len(ids) != 0 {
		t.Fatalf("early reap = %v, %v", ids, err)
	}

	ids, err = db.ReapExpired(ctx, base.Add(time.Minute))
	if err != nil || len(ids) != 1 || ids[0] != "m-1" {
		t.Fatalf("reap = %v, %v", ids, err)
	}

	got, _ := db.GetMission(ctx, "m-1")
	if got.Status != domain.MissionRetry {
		t.Errorf("status after reap = %s, want RETRY", got.Status)
	}
	if got.Lease != nil {
		t.Errorf("lease survived reap: %+v", got.Lease)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts after reap = %d, want 1 (reap never increments)", got.Attempts)
	}
}

// ─── Proposals ──────────────────────────────────────────────────────────────

func testProposal(id string, createdAt time.Time) domain.Proposal {
	v := 70.0
	p := domain.Proposal{
		ID: id,
		Command: domain.Command{
			CommandID:   "cmd-" + id,
			Type:        domain.CommandSetPower,
			MachineID:   "m-1",
			TargetValue: &v,
			Unit:        "%",
		},
		Proposer:               domain.ProposerHuman,
		Actor:                  "operator-1",
		Reasoning:              "raise power for development phase",
		SessionID:              "sess-1",
		Status:                 domain.StatusPendingApproval,
		CreatedAt:              createdAt,
		ApprovalRequired:       true,
		ApprovalTimeoutSeconds: 300,
	}
	p.Audit(createdAt, domain.AuditProposed, "operator-1", nil)
	return p
}

func TestProposalRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	p := testProposal("p-1", base)
	if err := db.InsertProposal(ctx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := db.GetProposal(ctx, "p-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Command.Type != domain.CommandSetPower || *got.Command.TargetValue != 70 {
		t.Errorf("command = %+v", got.Command)
	}
	if len(got.AuditLog) != 1 || got.AuditLog[0].Event != domain.AuditProposed {
		t.Errorf("audit log = %+v", got.AuditLog)
	}
	if !got.CreatedAt.Equal(base) {
		t.Errorf("createdAt = %v, want %v", got.CreatedAt, base)
	}
}

func TestMutateProposalAppendsAudit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	if err := db.InsertProposal(ctx, testProposal("p-1", base)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	updated, err := db.MutateProposal(ctx, "p-1", func(p *domain.Proposal) error {
		p.Status = domain.StatusApproved
		p.ApprovedBy = "operator-2"
		p.ApprovedAt = base.Add(time.Minute)
		p.Audit(base.Add(time.Minute), domain.AuditApproved, "operator-2", nil)
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if updated.Status != domain.StatusApproved {
		t.Errorf("status = %s", updated.Status)
	}

	got, _ := db.GetProposal(ctx, "p-1")
	if len(got.AuditLog) != 2 {
		t.Fatalf("audit log length = %d, want 2", len(got.AuditLog))
	}
	if got.AuditLog[0].Event != domain.AuditProposed || got.AuditLog[1].Event != domain.AuditApproved {
		t.Errorf("audit order = %s, %s", got.AuditLog[0].Event, got.AuditLog[1].Event)
	}
}

func TestMutateProposalAbortsOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	if err := db.InsertProposal(ctx, testProposal("p-1", base)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := db.MutateProposal(ctx, "p-1", func(p *domain.Proposal) error {
		p.Status = domain.StatusApproved
		return domain.ErrIllegalTransition
	})
	if !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("mutate err = %v", err)
	}
	got, _ := db.GetProposal(ctx, "p-1")
	if got.Status != domain.StatusPendingApproval {
		t.Errorf("aborted mutate leaked a write: status = %s", got.Status)
	}
}

func TestMutateProposalNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.MutateProposal(context.Background(), "nope", func(p *domain.Proposal) error { return nil })
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRecentCommandsExcludeRejected(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	admitted := testProposal("p-ok", base)
	admitted.Status = domain.StatusApproved
	rejected := testProposal("p-no", base.Add(time.Second))
	rejected.Status = domain.StatusRejected
	for _, p := range []domain.Proposal{admitted, rejected} {
		if err := db.InsertProposal(ctx, p); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	recent, err := db.RecentCommands(ctx, "m-1", domain.CommandSetPower, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("recent = %+v, want only the admitted command", recent)
	}
	if !recent[0].CreatedAt.Equal(base) {
		t.Errorf("recent createdAt = %v", recent[0].CreatedAt)
	}
}

func TestListProposalsOrdering(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	for i := 0; i < 3; i++ {
		p := testProposal(fmt.Sprintf("p-%d", i), base.Add(time.Duration(i)*time.Second))
		if err := db.InsertProposal(ctx, p); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	list, err := db.ListProposalsByMachine(ctx, "m-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].ID != "p-2" || list[2].ID != "p-0" {
		ids := make([]string, len(list))
		for i, p := range list {
			ids[i] = p.ID
		}
		t.Errorf("order = %v, want newest first", ids)
	}
}

// ─── Governance ─────────────────────────────────────────────────────────────

func TestGovernanceStateSeededAndSaved(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	state, err := db.GetGovernanceState(ctx)
	if err != nil {
		t.Fatalf("get seeded state: %v", err)
	}
	if state.CurrentPhase != domain.PhaseL3 || len(state.CommandWhitelist) != 0 {
		t.Errorf("seeded state = %+v", state)
	}

	state.CurrentPhase = domain.PhaseL4
	state.CommandWhitelist = []domain.CommandType{domain.CommandSetPower, domain.CommandSetFan}
	if err := db.SaveGovernanceState(ctx, *state); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _ := db.GetGovernanceState(ctx)
	if got.CurrentPhase != domain.PhaseL4 || len(got.CommandWhitelist) != 2 {
		t.Errorf("saved state = %+v", got)
	}
}

func TestDefaultRulesSeeded(t *testing.T) {
	db := newTestDB(t)
	rules, err := db.ListRules(context.Background())
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) == 0 {
		t.Fatal("no default rules seeded")
	}
	found := false
	for _, r := range rules {
		if r.Name == "high-error-rate" && r.Enabled && r.Action == domain.ActionRevertToL3 {
			found = true
		}
	}
	if !found {
		t.Errorf("high-error-rate rule missing from %+v", rules)
	}
}

func TestBreakerEventResolve(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	e := domain.BreakerEvent{
		ID:        "evt-1",
		Timestamp: time.Unix(1700000000, 0),
		Rule:      domain.BreakerRule{Name: "high-error-rate", Condition: "errorRate > 0.05"},
		Metrics:   domain.CommandMetrics{ErrorRate: 0.1},
		Action:    domain.ActionRevertToL3,
	}
	if err := db.InsertBreakerEvent(ctx, e); err != nil {
		t.Fatalf("insert: %v", err)
	}

	events, _ := db.ListBreakerEvents(ctx, 10)
	if len(events) != 1 || events[0].Resolved {
		t.Fatalf("events = %+v", events)
	}

	if err := db.ResolveBreakerEvent(ctx, "evt-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	events, _ = db.ListBreakerEvents(ctx, 10)
	if !events[0].Resolved {
		t.Error("event not resolved")
	}

	if err := db.ResolveBreakerEvent(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("resolve unknown = %v, want ErrNotFound", err)
	}
}

func TestPausedCommandTypes(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.SetCommandTypePaused(ctx, domain.CommandSetPower, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	paused, _ := db.PausedCommandTypes(ctx)
	if len(paused) != 1 || paused[0] != domain.CommandSetPower {
		t.Errorf("paused = %v", paused)
	}

	if err := db.SetCommandTypePaused(ctx, domain.CommandSetPower, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	paused, _ = db.PausedCommandTypes(ctx)
	if len(paused) != 0 {
		t.Errorf("paused after unpause = %v", paused)
	}
}

func TestSnapshots(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	for i := 0; i < 3; i++ {
		snap := domain.MetricsSnapshot{
			TakenAt: base.Add(time.Duration(i) * time.Hour),
			Kind:    "cycle",
			Metrics: domain.CommandMetrics{Total: i},
		}
		if err := db.InsertSnapshot(ctx, snap); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	latest, err := db.LatestSnapshot(ctx)
	if err != nil || latest == nil || latest.Metrics.Total != 2 {
		t.Errorf("latest = %+v, %v", latest, err)
	}

	since, _ := db.ListSnapshots(ctx, base.Add(30*time.Minute))
	if len(since) != 2 {
		t.Errorf("snapshots since = %d, want 2", len(since))
	}
}
