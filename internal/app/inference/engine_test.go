package inference

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/roast-network/roastd/internal/domain"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(Options{}, zap.NewNop())
}

func telemetryEnvelope(t *testing.T, key domain.MachineKey, ts time.Time, elapsed float64, btC *float64) domain.Envelope {
	t.Helper()
	p := domain.TelemetryPoint{
		TS:             ts,
		MachineID:      key.MachineID,
		ElapsedSeconds: elapsed,
		BtC:            btC,
	}
	payload, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal point: %v", err)
	}
	return domain.Envelope{
		TS:      ts.Format(time.RFC3339),
		Origin:  key,
		Topic:   domain.TopicTelemetry,
		Payload: payload,
	}
}

var testKey = domain.MachineKey{OrgID: "acme", SiteID: "sf", MachineID: "m-1"}

// clock is a controllable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(start time.Time) *clock { return &clock{t: start} }

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestChargeToFCToDrop(t *testing.T) {
	// End-to-end: charge point, first-crack point, then silence long
	// enough for the DROP tick.
	e := newTestEngine(t)
	clk := newClock(time.Unix(1700000000, 0))
	e.SetNow(clk.now)
	ctx := context.Background()

	ev1, err := e.HandleTelemetry(ctx, telemetryEnvelope(t, testKey, clk.now(), 0, f(180)))
	if err != nil {
		t.Fatalf("first envelope: %v", err)
	}
	if len(ev1) != 1 || ev1[0].Type != domain.EventCharge {
		t.Fatalf("first envelope events = %v, want [CHARGE]", eventTypes(ev1))
	}

	clk.advance(5 * time.Second)
	lastTS := clk.now()
	ev2, err := e.HandleTelemetry(ctx, telemetryEnvelope(t, testKey, lastTS, 350, f(198)))
	if err != nil {
		t.Fatalf("second envelope: %v", err)
	}
	if len(ev2) != 1 || ev2[0].Type != domain.EventFC {
		t.Fatalf("second envelope events = %v, want [FC]", eventTypes(ev2))
	}

	clk.advance(20 * time.Second)
	dropped := e.Tick(ctx, clk.now())
	if len(dropped) != 1 || dropped[0].Event.Type != domain.EventDrop {
		t.Fatalf("tick events = %+v, want one DROP", dropped)
	}
	if dropped[0].Event.ElapsedSeconds != 350 {
		t.Errorf("DROP elapsed = %.1f, want 350 (last point)", dropped[0].Event.ElapsedSeconds)
	}

	// Session ended — another tick stays silent.
	if again := e.Tick(ctx, clk.now().Add(time.Minute)); len(again) != 0 {
		t.Errorf("DROP emitted twice: %+v", again)
	}
}

func TestDropAfterSilence(t *testing.T) {
	e := newTestEngine(t)
	clk := newClock(time.Unix(1700000000, 0))
	e.SetNow(clk.now)
	ctx := context.Background()

	cfg := domain.DefaultHeuristics()
	silence := 5.0
	if _, err := e.UpsertConfig(ctx, testKey, domain.HeuristicsPatch{DropSilenceSeconds: &silence}); err != nil {
		t.Fatalf("upsert config: %v", err)
	}
	_ = cfg

	if _, err := e.HandleTelemetry(ctx, telemetryEnvelope(t, testKey, clk.now(), 0, f(180))); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// At 3s of silence, nothing; at 7s, DROP.
	if events := e.Tick(ctx, clk.now().Add(3*time.Second)); len(events) != 0 {
		t.Errorf("DROP fired before dropSilenceSeconds: %+v", events)
	}
	events := e.Tick(ctx, clk.now().Add(7*time.Second))
	if len(events) != 1 || events[0].Event.Type != domain.EventDrop {
		t.Errorf("tick(7s) = %+v, want DROP", events)
	}
}

func TestSessionGapResets(t *testing.T) {
	e := newTestEngine(t)
	clk := newClock(time.Unix(1700000000, 0))
	e.SetNow(clk.now)
	ctx := context.Background()

	ev1, _ := e.HandleTelemetry(ctx, telemetryEnvelope(t, testKey, clk.now(), 0, f(180)))
	if len(ev1) != 1 || ev1[0].Type != domain.EventCharge {
		t.Fatalf("expected initial CHARGE, got %v", eventTypes(ev1))
	}

	// Beyond sessionGapSeconds: the emitted set resets, so a fresh CHARGE
	// fires for the new logical session.
	clk.advance(40 * time.Second)
	ev2, _ := e.HandleTelemetry(ctx, telemetryEnvelope(t, testKey, clk.now(), 0, f(182)))
	if len(ev2) != 1 || ev2[0].Type != domain.EventCharge {
		t.Errorf("expected CHARGE after session gap, got %v", eventTypes(ev2))
	}
}

func TestBadPayloadDropped(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	env := telemetryEnvelope(t, testKey, time.Unix(1700000000, 0), 0, f(180))
	env.Topic = domain.TopicEvent
	if _, err := e.HandleTelemetry(ctx, env); !errors.Is(err, domain.ErrBadPayload) {
		t.Errorf("event-topic envelope: err = %v, want ErrBadPayload", err)
	}

	env2 := telemetryEnvelope(t, testKey, time.Unix(1700000000, 0), 0, f(180))
	env2.Payload = []byte(`{"elapsedSeconds": "not-a-number"}`)
	if _, err := e.HandleTelemetry(ctx, env2); !errors.Is(err, domain.ErrBadPayload) {
		t.Errorf("garbage payload: err = %v, want ErrBadPayload", err)
	}

	env3 := telemetryEnvelope(t, domain.MachineKey{OrgID: "acme"}, time.Unix(1700000000, 0), 0, f(180))
	if _, err := e.HandleTelemetry(ctx, env3); !errors.Is(err, domain.ErrBadPayload) {
		t.Errorf("incomplete origin: err = %v, want ErrBadPayload", err)
	}
}

func TestEventsAtMostOncePerSession(t *testing.T) {
	e := newTestEngine(t)
	clk := newClock(time.Unix(1700000000, 0))
	e.SetNow(clk.now)
	ctx := context.Background()

	counts := map[domain.EventType]int{}
	// Feed a profile that triggers CHARGE, TP, and FC, with repeats.
	profile := []struct {
		elapsed float64
		btC     float64
	}{
		{0, 180}, {30, 175}, {60, 176}, {90, 178},
		{320, 197}, {340, 198}, {360, 199},
	}
	for _, p := range profile {
		events, err := e.HandleTelemetry(ctx, telemetryEnvelope(t, testKey, clk.now(), p.elapsed, f(p.btC)))
		if err != nil {
			t.Fatalf("ingest elapsed=%.0f: %v", p.elapsed, err)
		}
		for _, ev := range events {
			counts[ev.Type]++
		}
		clk.advance(time.Second)
	}

	for typ, n := range counts {
		if n > 1 {
			t.Errorf("%s emitted %d times in one session", typ, n)
		}
	}
	if counts[domain.EventCharge] != 1 || counts[domain.EventFC] != 1 {
		t.Errorf("missing lifecycle events: %v", counts)
	}
}

func TestConfigMerge(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	gap := 60.0
	merged, err := e.UpsertConfig(ctx, testKey, domain.HeuristicsPatch{SessionGapSeconds: &gap})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if merged.SessionGapSeconds != 60 {
		t.Errorf("merged gap = %.0f, want 60", merged.SessionGapSeconds)
	}
	if merged.FCBtThresholdC != 196 {
		t.Errorf("unpatched field changed: fcBtThresholdC = %.0f", merged.FCBtThresholdC)
	}

	// A second patch layers over the first.
	threshold := 200.0
	merged2, err := e.UpsertConfig(ctx, testKey, domain.HeuristicsPatch{FCBtThresholdC: &threshold})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if merged2.SessionGapSeconds != 60 || merged2.FCBtThresholdC != 200 {
		t.Errorf("merge not cumulative: %+v", merged2)
	}

	cfg, isDefault := e.GetConfig(ctx, testKey)
	if isDefault || cfg.SessionGapSeconds != 60 {
		t.Errorf("GetConfig = %+v default=%v", cfg, isDefault)
	}

	bad := -1.0
	if _, err := e.UpsertConfig(ctx, testKey, domain.HeuristicsPatch{SessionGapSeconds: &bad}); !errors.Is(err, domain.ErrBadPayload) {
		t.Errorf("invalid patch: err = %v, want ErrBadPayload", err)
	}
}

func TestConcurrentIngestDistinctMachines(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		key := domain.MachineKey{OrgID: "acme", SiteID: "sf", MachineID: string(rune('a' + i))}
		wg.Add(1)
		go func(key domain.MachineKey) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				env := telemetryEnvelope(t, key, time.Unix(1700000000+int64(j), 0), float64(j), f(180+float64(j)/10))
				if _, err := e.HandleTelemetry(ctx, env); err != nil {
					t.Errorf("ingest %s: %v", key, err)
					return
				}
			}
		}(key)
	}
	wg.Wait()

	if got := len(e.Status()); got != 8 {
		t.Errorf("live sessions = %d, want 8", got)
	}
}
