// Package expiry runs the periodic sweeps that move stuck runs to a terminal
// state: plans left unconfirmed past their timeout, environment runs stuck
// running past their deadline, and old policy evaluation rows past
// retention. One ticker loop drives all three, guarded by a Redis leader
// lock so a multi-replica worker deployment only ever has one sweeper active.
package expiry

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/butlerdotdev/butler-registry/internal/store"
	"github.com/butlerdotdev/butler-registry/internal/telemetry"
)

const (
	leaderLockKey = "butler-registry:sweeper:leader"
	leaderLockTTL = 30 * time.Second
)

// Sweeper periodically transitions timed-out plans, expired environment
// runs, and evicts old policy evaluations.
type Sweeper struct {
	logger            *slog.Logger
	store             *store.PostgresStore
	redis             *redis.Client // nil disables the leader lock (single-replica deployments)
	instanceID        string
	planTimeout       time.Duration
	environmentRunTTL time.Duration
	policyRetention   time.Duration
}

// NewSweeper builds a Sweeper. A nil redis client disables leader election —
// every instance sweeps, appropriate only for a single-replica deployment.
func NewSweeper(logger *slog.Logger, s *store.PostgresStore, rdb *redis.Client, planTimeout, environmentRunTTL, policyRetention time.Duration) *Sweeper {
	return &Sweeper{
		logger:            logger,
		store:             s,
		redis:             rdb,
		instanceID:        uuid.NewString(),
		planTimeout:       planTimeout,
		environmentRunTTL: environmentRunTTL,
		policyRetention:   policyRetention,
	}
}

// Run executes the sweep loop until ctx is cancelled, running once
// immediately and then on every tick.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	s.logger.Info("sweeper loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper loop stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if !s.acquireLeader(ctx) {
		return
	}

	now := time.Now()

	if n, err := s.store.SweepTimedOutPlans(ctx, now.Add(-s.planTimeout)); err != nil {
		s.logger.ErrorContext(ctx, "sweeping timed out plans", "error", err)
	} else if n > 0 {
		telemetry.SweeperTransitionsTotal.WithLabelValues("module_run").Add(float64(n))
		s.logger.InfoContext(ctx, "swept timed out plans", "count", n)
	}

	if n, err := s.store.SweepExpiredEnvironmentRuns(ctx, now.Add(-s.environmentRunTTL)); err != nil {
		s.logger.ErrorContext(ctx, "sweeping expired environment runs", "error", err)
	} else if n > 0 {
		telemetry.SweeperTransitionsTotal.WithLabelValues("environment_run").Add(float64(n))
		s.logger.InfoContext(ctx, "swept expired environment runs", "count", n)
	}

	if n, err := s.store.SweepPolicyEvaluations(ctx, s.policyRetention); err != nil {
		s.logger.ErrorContext(ctx, "sweeping policy evaluations", "error", err)
	} else if n > 0 {
		telemetry.SweeperTransitionsTotal.WithLabelValues("policy_evaluation").Add(float64(n))
		s.logger.InfoContext(ctx, "swept policy evaluations", "count", n)
	}
}

// acquireLeader reports whether this instance should perform this tick's
// sweep. With no Redis client configured, every instance is always the
// leader (single-replica deployments). Otherwise it attempts a SET NX PX —
// the first instance to land the key holds it for leaderLockTTL, refreshing
// on every tick it wins; every other instance's SetNX fails and skips.
func (s *Sweeper) acquireLeader(ctx context.Context) bool {
	if s.redis == nil {
		return true
	}
	ok, err := s.redis.SetNX(ctx, leaderLockKey, s.instanceID, leaderLockTTL).Result()
	if err != nil {
		s.logger.ErrorContext(ctx, "sweeper: acquiring leader lock failed", "error", err)
		return false
	}
	if ok {
		return true
	}

	// Not the one that set the key this time — but if we set it on a
	// previous tick (still within TTL), refresh our own hold.
	holder, err := s.redis.Get(ctx, leaderLockKey).Result()
	if err != nil {
		return false
	}
	if holder != s.instanceID {
		return false
	}
	s.redis.Expire(ctx, leaderLockKey, leaderLockTTL)
	return true
}
