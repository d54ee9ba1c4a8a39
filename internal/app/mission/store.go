// Package mission implements the durable agent work queue: create with
// idempotency, claim with heartbeat leases, complete or fail with
// exponential-backoff retry, and a reaper for lapsed leases.
//
// Claim is linearizable per mission — two concurrent claims never both win
// the same mission; the repository's transactional ClaimNext guarantees it.
package mission

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roast-network/roastd/internal/domain"
	"github.com/roast-network/roastd/internal/infra/metrics"
)

// Config controls retry and lease behavior.
type Config struct {
	MaxAttempts         int           // Attempts before permanent failure
	BaseBackoff         time.Duration // Initial backoff (doubles each attempt)
	MaxBackoff          time.Duration // Cap on backoff delay
	DefaultLeaseSeconds int           // Lease length when the claimer names none
	ReapInterval        time.Duration // How often lapsed leases are reclaimed
}

// DefaultConfig returns production mission-store defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         5,
		BaseBackoff:         1 * time.Second,
		MaxBackoff:          5 * time.Minute,
		DefaultLeaseSeconds: 60,
		ReapInterval:        5 * time.Second,
	}
}

// Store is the mission queue service.
type Store struct {
	repo domain.MissionRepo
	cfg  Config
	log  *zap.Logger

	// now is injectable for testing.
	now func() time.Time
}

// NewStore creates a mission store over the given repository.
func NewStore(repo domain.MissionRepo, cfg Config, log *zap.Logger) *Store {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.DefaultLeaseSeconds <= 0 {
		cfg.DefaultLeaseSeconds = 60
	}
	return &Store{repo: repo, cfg: cfg, log: log, now: time.Now}
}

// ─── Create ─────────────────────────────────────────────────────────────────

// Create persists a new PENDING mission. When the request carries an
// idempotency key that already exists, the original mission is returned
// with created=false.
func (s *Store) Create(ctx context.Context, req domain.CreateMissionRequest) (*domain.Mission, bool, error) {
	if req.Goal.Title == "" {
		return nil, false, fmt.Errorf("%w: mission goal title is required", domain.ErrBadPayload)
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityMedium
	}
	if !req.Priority.Valid() {
		return nil, false, fmt.Errorf("%w: unknown priority %q", domain.ErrBadPayload, req.Priority)
	}

	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetMissionByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	now := s.now()
	m := domain.Mission{
		ID:             uuid.New().String(),
		IdempotencyKey: req.IdempotencyKey,
		Goal:           req.Goal,
		Priority:       req.Priority,
		Status:         domain.MissionPending,
		NextRunAfter:   now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.InsertMission(ctx, m); err != nil {
		// A concurrent create with the same key may have won the unique
		// constraint; surface the original if so.
		if req.IdempotencyKey != "" {
			if existing, lookupErr := s.repo.GetMissionByIdempotencyKey(ctx, req.IdempotencyKey); lookupErr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	s.log.Info("mission created",
		zap.String("mission", m.ID),
		zap.String("goal", m.Goal.Title),
		zap.String("priority", string(m.Priority)))
	return &m, true, nil
}

// ─── Claim / Heartbeat ──────────────────────────────────────────────────────

// Claim atomically leases the next claimable mission whose goal title is in
// goals. Returns nil when nothing is claimable.
func (s *Store) Claim(ctx context.Context, agentName string, goals []string, leaseSeconds int) (*domain.Mission, error) {
	if agentName == "" {
		return nil, fmt.Errorf("%w: agentName is required", domain.ErrBadPayload)
	}
	if leaseSeconds <= 0 {
		leaseSeconds = s.cfg.DefaultLeaseSeconds
	}
	now := s.now()
	lease := domain.Lease{
		LeaseID:   uuid.New().String(),
		HolderID:  agentName,
		ExpiresAt: now.Add(time.Duration(leaseSeconds) * time.Second),
	}
	m, err := s.repo.ClaimNext(ctx, goals, lease, now)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}
	metrics.MissionsClaimed.Inc()
	s.log.Info("mission claimed",
		zap.String("mission", m.ID),
		zap.String("agent", agentName),
		zap.Int("attempt", m.Attempts))
	return m, nil
}

// Heartbeat validates the lease tuple and extends the lease.
func (s *Store) Heartbeat(ctx context.Context, missionID, leaseID, agentName string) error {
	m, err := s.checkLease(ctx, missionID, leaseID, agentName)
	if err != nil {
		return err
	}
	now := s.now()
	m.Lease.ExpiresAt = now.Add(time.Duration(s.cfg.DefaultLeaseSeconds) * time.Second)
	m.UpdatedAt = now
	return s.repo.UpdateMission(ctx, *m)
}

// ─── Complete / Fail ────────────────────────────────────────────────────────

// Complete marks a leased mission SUCCEEDED and clears the lease.
func (s *Store) Complete(ctx context.Context, missionID, leaseID string) (*domain.Mission, error) {
	m, err := s.checkLease(ctx, missionID, leaseID, "")
	if err != nil {
		return nil, err
	}
	now := s.now()
	m.Status = domain.MissionSucceeded
	m.Lease = nil
	m.LastError = ""
	m.UpdatedAt = now
	if err := s.repo.UpdateMission(ctx, *m); err != nil {
		return nil, err
	}
	metrics.MissionsCompleted.WithLabelValues(string(domain.MissionSucceeded)).Inc()
	s.log.Info("mission succeeded", zap.String("mission", m.ID))
	return m, nil
}

// Fail records a failed attempt. Retryable failures under the attempt cap
// go to RETRY with exponential backoff and ±25% jitter; everything else is
// terminal FAILED.
func (s *Store) Fail(ctx context.Context, missionID, leaseID string, failure domain.MissionFailure) (*domain.Mission, error) {
	m, err := s.checkLease(ctx, missionID, leaseID, "")
	if err != nil {
		return nil, err
	}
	now := s.now()
	m.Lease = nil
	m.LastError = failure.Error
	m.UpdatedAt = now

	if failure.Retryable && m.Attempts < s.cfg.MaxAttempts {
		m.Status = domain.MissionRetry
		m.NextRunAfter = now.Add(s.backoff(m.Attempts))
		s.log.Warn("mission retrying",
			zap.String("mission", m.ID),
			zap.Int("attempt", m.Attempts),
			zap.Time("nextRunAfter", m.NextRunAfter),
			zap.String("error", failure.Error))
	} else {
		m.Status = domain.MissionFailed
		metrics.MissionsCompleted.WithLabelValues(string(domain.MissionFailed)).Inc()
		s.log.Error("mission failed permanently",
			zap.String("mission", m.ID),
			zap.Int("attempts", m.Attempts),
			zap.String("error", failure.Error))
	}
	if err := s.repo.UpdateMission(ctx, *m); err != nil {
		return nil, err
	}
	return m, nil
}

// backoff computes base * 2^(attempts-1), capped, with jitter in ±25%.
func (s *Store) backoff(attempts int) time.Duration {
	delay := s.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if s.cfg.MaxBackoff > 0 && delay > s.cfg.MaxBackoff {
			delay = s.cfg.MaxBackoff
			break
		}
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(delay) * jitter)
}

// checkLease loads the mission and validates the lease tuple. An empty
// agentName skips the holder check (complete/fail validate id+lease only).
func (s *Store) checkLease(ctx context.Context, missionID, leaseID, agentName string) (*domain.Mission, error) {
	if missionID == "" || leaseID == "" {
		return nil, fmt.Errorf("%w: missionId and leaseId are required", domain.ErrBadPayload)
	}
	m, err := s.repo.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: mission %s", domain.ErrNotFound, missionID)
	}
	if m.Status != domain.MissionLeased || m.Lease == nil {
		return nil, fmt.Errorf("%w: mission %s is not leased", domain.ErrBadLease, missionID)
	}
	if m.Lease.LeaseID != leaseID {
		return nil, fmt.Errorf("%w: lease id mismatch for mission %s", domain.ErrBadLease, missionID)
	}
	if agentName != "" && m.Lease.HolderID != agentName {
		return nil, fmt.Errorf("%w: mission %s held by %s", domain.ErrBadLease, missionID, m.Lease.HolderID)
	}
	if m.Lease.Expired(s.now()) {
		return nil, fmt.Errorf("%w: lease on mission %s expired", domain.ErrBadLease, missionID)
	}
	return m, nil
}

// ─── Queries / Reaper ───────────────────────────────────────────────────────

// Get returns a mission by id.
func (s *Store) Get(ctx context.Context, id string) (*domain.Mission, error) {
	m, err := s.repo.GetMission(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: mission %s", domain.ErrNotFound, id)
	}
	return m, nil
}

// List returns missions, optionally filtered by status.
func (s *Store) List(ctx context.Context, status domain.MissionStatus, limit int) ([]domain.Mission, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListMissions(ctx, status, limit)
}

// Metrics summarizes the queue for the metrics endpoint.
func (s *Store) Metrics(ctx context.Context) (*domain.MissionMetrics, error) {
	counts, err := s.repo.MissionCounts(ctx)
	if err != nil {
		return nil, err
	}
	backlog, err := s.repo.ReadyBacklog(ctx, s.now())
	if err != nil {
		return nil, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return &domain.MissionMetrics{ByStatus: counts, ReadyBacklog: backlog, Total: total}, nil
}

// ReapOnce reclaims every lapsed lease. Reaped missions go back to RETRY
// immediately; attempts stay untouched.
func (s *Store) ReapOnce(ctx context.Context) ([]string, error) {
	ids, err := s.repo.ReapExpired(ctx, s.now())
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		metrics.LeasesReaped.Inc()
		s.log.Warn("lease expired, mission requeued", zap.String("mission", id))
	}
	return ids, nil
}

// RunReaper drives ReapOnce on interval until the context ends.
func (s *Store) RunReaper(ctx context.Context) {
	interval := s.cfg.ReapInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ReapOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("lease reaper", zap.Error(err))
			}
		}
	}
}

// SetNow overrides the store clock. Test hook.
func (s *Store) SetNow(now func() time.Time) { s.now = now }
