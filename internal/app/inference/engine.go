// Package inference is the streaming event-inference engine. It consumes
// per-machine telemetry envelopes, maintains in-memory session state, and
// emits roast-lifecycle events (CHARGE, TP, FC, DROP).
//
// Session state is exclusively owned by this engine and is lost on restart;
// per-machine heuristics configs may be durable through a ConfigStore.
package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roast-network/roastd/internal/domain"
	"github.com/roast-network/roastd/internal/infra/metrics"
	"github.com/roast-network/roastd/internal/security"
)

// session is the per-machine roast state. One goroutine at a time — the
// engine serializes access per machine key.
type session struct {
	id        string
	startedAt time.Time
	lastSeen  time.Time
	cfg       domain.HeuristicsConfig
	buf       *ring
	emitted   map[domain.EventType]bool
}

func (s *session) reset(id string, now time.Time, cfg domain.HeuristicsConfig) {
	s.id = id
	s.startedAt = now
	s.cfg = cfg
	s.buf = newRing(cfg.MaxBufferPoints)
	s.emitted = map[domain.EventType]bool{}
}

// machineState pairs a session with its lock. Operations on distinct
// machine keys proceed in parallel; same-key operations serialize here.
type machineState struct {
	mu   sync.Mutex
	sess *session
}

// Options configures the engine's collaborators. All are optional.
type Options struct {
	ConfigStore domain.ConfigStore
	Publisher   domain.EventPublisher
	SigningMode string
	VerifyKey   []byte // public key for ed25519 envelope verification
}

// Engine is the event-inference engine.
type Engine struct {
	mu       sync.RWMutex // guards machines and configs maps
	machines map[domain.MachineKey]*machineState
	configs  map[domain.MachineKey]domain.HeuristicsConfig

	opts Options
	log  *zap.Logger

	// now is injectable for testing.
	now func() time.Time
}

// NewEngine creates an inference engine. Durable configs are loaded lazily
// per machine on first use.
func NewEngine(opts Options, log *zap.Logger) *Engine {
	return &Engine{
		machines: make(map[domain.MachineKey]*machineState),
		configs:  make(map[domain.MachineKey]domain.HeuristicsConfig),
		opts:     opts,
		log:      log,
		now:      time.Now,
	}
}

// ─── Ingest ─────────────────────────────────────────────────────────────────

// HandleTelemetry ingests one telemetry envelope and returns freshly emitted
// events in detection order. Invalid payloads fail with ErrBadPayload, which
// callers swallow to keep the stream alive.
func (e *Engine) HandleTelemetry(ctx context.Context, env domain.Envelope) ([]domain.RoastEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.ErrCanceled
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.Topic != domain.TopicTelemetry {
		return nil, fmt.Errorf("%w: expected telemetry topic, got %q", domain.ErrBadPayload, env.Topic)
	}
	if e.opts.SigningMode == security.ModeEd25519 && len(e.opts.VerifyKey) > 0 {
		if err := security.VerifyEnvelope(env, e.opts.VerifyKey); err != nil {
			return nil, err
		}
	}

	var point domain.TelemetryPoint
	if err := json.Unmarshal(env.Payload, &point); err != nil {
		return nil, fmt.Errorf("%w: telemetry payload: %v", domain.ErrBadPayload, err)
	}
	if point.MachineID == "" {
		point.MachineID = env.Origin.MachineID
	}
	if err := point.Validate(); err != nil {
		return nil, err
	}

	key := env.Origin
	cfg := e.resolveConfig(ctx, key)
	ms := e.machine(key)

	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := e.now()
	s := ms.sess
	if s == nil {
		s = &session{}
		s.reset(uuid.New().String(), now, cfg)
		ms.sess = s
		metrics.LiveSessions.Inc()
	} else if now.Sub(s.lastSeen).Seconds() > s.cfg.SessionGapSeconds {
		// Gap exceeded: a new logical roast begins. Emitted flags clear and
		// the buffer restarts under the freshly resolved configuration.
		s.reset(uuid.New().String(), now, cfg)
	} else {
		s.cfg = cfg
	}

	s.buf.push(point)
	s.lastSeen = now

	events := runDetectors(s, point)
	for i := range events {
		events[i].MachineID = point.MachineID
		e.emit(ctx, key, events[i])
	}
	return events, nil
}

// Tick evaluates the silence-based DROP detector over every live session.
// Called on a fixed interval, roughly 1 Hz. Sessions that drop are ended.
func (e *Engine) Tick(ctx context.Context, now time.Time) []domain.MachineEvent {
	e.mu.RLock()
	keys := make([]domain.MachineKey, 0, len(e.machines))
	for k := range e.machines {
		keys = append(keys, k)
	}
	e.mu.RUnlock()

	var out []domain.MachineEvent
	for _, key := range keys {
		ms := e.machine(key)
		ms.mu.Lock()
		s := ms.sess
		if s == nil || s.emitted[domain.EventDrop] {
			ms.mu.Unlock()
			continue
		}
		if now.Sub(s.lastSeen).Seconds() < s.cfg.DropSilenceSeconds {
			ms.mu.Unlock()
			continue
		}
		ev, ok := detectDrop(s)
		if ok {
			s.emitted[domain.EventDrop] = true
			ev.MachineID = key.MachineID
			ms.sess = nil // session ends at DROP
			metrics.LiveSessions.Dec()
			out = append(out, domain.MachineEvent{Key: key, Event: ev})
		}
		ms.mu.Unlock()

		if ok {
			e.emit(ctx, key, ev)
		}
	}
	return out
}

// Run drives Tick on interval until the context ends.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			e.Tick(ctx, t)
		}
	}
}

func (e *Engine) emit(ctx context.Context, key domain.MachineKey, ev domain.RoastEvent) {
	metrics.RoastEvents.WithLabelValues(string(ev.Type)).Inc()
	e.log.Info("roast event",
		zap.String("machine", key.String()),
		zap.String("type", string(ev.Type)),
		zap.Float64("elapsed", ev.ElapsedSeconds))
	if e.opts.Publisher != nil {
		if err := e.opts.Publisher.PublishEvent(ctx, key, ev); err != nil {
			e.log.Warn("publish event", zap.String("machine", key.String()), zap.Error(err))
		}
	}
}

func (e *Engine) machine(key domain.MachineKey) *machineState {
	e.mu.RLock()
	ms := e.machines[key]
	e.mu.RUnlock()
	if ms != nil {
		return ms
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ms = e.machines[key]; ms == nil {
		ms = &machineState{}
		e.machines[key] = ms
	}
	return ms
}

// ─── Config ─────────────────────────────────────────────────────────────────

// resolveConfig returns the effective config for a machine: the stored
// override when present, the default otherwise.
func (e *Engine) resolveConfig(ctx context.Context, key domain.MachineKey) domain.HeuristicsConfig {
	e.mu.RLock()
	cfg, ok := e.configs[key]
	e.mu.RUnlock()
	if ok {
		return cfg
	}
	if e.opts.ConfigStore != nil {
		stored, err := e.opts.ConfigStore.GetConfig(ctx, key)
		if err != nil {
			e.log.Warn("load machine config", zap.String("machine", key.String()), zap.Error(err))
		} else if stored != nil {
			e.mu.Lock()
			e.configs[key] = *stored
			e.mu.Unlock()
			return *stored
		}
	}
	return domain.DefaultHeuristics()
}

// UpsertConfig deep-merges a partial config over the machine's current (or
// default) config, validates, and persists it when a store is present.
func (e *Engine) UpsertConfig(ctx context.Context, key domain.MachineKey, patch domain.HeuristicsPatch) (domain.HeuristicsConfig, error) {
	if !key.Valid() {
		return domain.HeuristicsConfig{}, fmt.Errorf("%w: incomplete machine key", domain.ErrBadPayload)
	}
	base := e.resolveConfig(ctx, key)
	merged := base.Apply(patch)
	if err := merged.Validate(); err != nil {
		return domain.HeuristicsConfig{}, fmt.Errorf("%w: %v", domain.ErrBadPayload, err)
	}
	if e.opts.ConfigStore != nil {
		if err := e.opts.ConfigStore.UpsertConfig(ctx, key, merged); err != nil {
			return domain.HeuristicsConfig{}, err
		}
	}
	e.mu.Lock()
	e.configs[key] = merged
	e.mu.Unlock()
	return merged, nil
}

// GetConfig returns the effective config and whether it is the default.
func (e *Engine) GetConfig(ctx context.Context, key domain.MachineKey) (domain.HeuristicsConfig, bool) {
	e.mu.RLock()
	cfg, ok := e.configs[key]
	e.mu.RUnlock()
	if ok {
		return cfg, false
	}
	if e.opts.ConfigStore != nil {
		if stored, err := e.opts.ConfigStore.GetConfig(ctx, key); err == nil && stored != nil {
			e.mu.Lock()
			e.configs[key] = *stored
			e.mu.Unlock()
			return *stored, false
		}
	}
	return domain.DefaultHeuristics(), true
}

// DeleteConfig removes a machine's override, reverting it to defaults.
func (e *Engine) DeleteConfig(ctx context.Context, key domain.MachineKey) error {
	e.mu.Lock()
	_, cached := e.configs[key]
	delete(e.configs, key)
	e.mu.Unlock()

	if e.opts.ConfigStore != nil {
		return e.opts.ConfigStore.DeleteConfig(ctx, key)
	}
	if !cached {
		return domain.ErrNotFound
	}
	return nil
}

// ─── Status ─────────────────────────────────────────────────────────────────

// SessionStatus is a read-only snapshot of one live session.
type SessionStatus struct {
	Machine   string    `json:"machine"`
	SessionID string    `json:"sessionId"`
	StartedAt time.Time `json:"startedAt"`
	LastSeen  time.Time `json:"lastSeen"`
	Points    int       `json:"points"`
	Emitted   []string  `json:"emitted"`
}

// Status snapshots every live session.
func (e *Engine) Status() []SessionStatus {
	e.mu.RLock()
	keys := make([]domain.MachineKey, 0, len(e.machines))
	for k := range e.machines {
		keys = append(keys, k)
	}
	e.mu.RUnlock()

	var out []SessionStatus
	for _, key := range keys {
		ms := e.machine(key)
		ms.mu.Lock()
		if s := ms.sess; s != nil {
			st := SessionStatus{
				Machine:   key.String(),
				SessionID: s.id,
				StartedAt: s.startedAt,
				LastSeen:  s.lastSeen,
				Points:    s.buf.len(),
			}
			for _, t := range []domain.EventType{domain.EventCharge, domain.EventTP, domain.EventFC, domain.EventDrop} {
				if s.emitted[t] {
					st.Emitted = append(st.Emitted, string(t))
				}
			}
			out = append(out, st)
		}
		ms.mu.Unlock()
	}
	return out
}

// SetNow overrides the engine clock. Test hook.
func (e *Engine) SetNow(now func() time.Time) { e.now = now }
