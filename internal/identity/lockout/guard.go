// Package lockout tracks failed-authentication counters and temporary
// account suspension. Counters live in Redis so concurrent login attempts
// against the same account serialize on atomic INCR instead of a
// read-modify-write on a row.
package lockout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/clearvest/identity/pkg/metrics"
)

// Guard enforces the platform's single lockout policy.
type Guard struct {
	redis     *redis.Client
	logger    *zap.Logger
	threshold int
	window    time.Duration
}

// NewGuard creates a lockout guard with the given threshold and window.
func NewGuard(logger *zap.Logger, redisClient *redis.Client, threshold int, window time.Duration) *Guard {
	return &Guard{
		redis:     redisClient,
		logger:    logger,
		threshold: threshold,
		window:    window,
	}
}

func attemptsKey(accountID uuid.UUID) string {
	return fmt.Sprintf("lockout:attempts:%s", accountID)
}

func lockKey(accountID uuid.UUID) string {
	return fmt.Sprintf("lockout:until:%s", accountID)
}

// RecordFailedAttempt increments the failure counter and returns the number
// of attempts remaining before lockout (0 once the threshold is reached).
// Reaching the threshold sets the lockout key for the configured window.
func (g *Guard) RecordFailedAttempt(ctx context.Context, accountID uuid.UUID) (int, error) {
	key := attemptsKey(accountID)

	attempts, err := g.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to record attempt: %w", err)
	}

	// The counter itself expires with the window so stale failures age out.
	if attempts == 1 {
		g.redis.Expire(ctx, key, g.window)
	}

	remaining := g.threshold - int(attempts)
	if remaining <= 0 {
		remaining = 0
		if err := g.redis.Set(ctx, lockKey(accountID), "locked", g.window).Err(); err != nil {
			return 0, fmt.Errorf("failed to set lockout: %w", err)
		}
		metrics.AccountLockouts.Inc()
		g.logger.Warn("account locked after repeated failures",
			zap.String("account_id", accountID.String()),
			zap.Int64("attempts", attempts),
			zap.Duration("window", g.window))
	}

	return remaining, nil
}

// RecordSuccess resets the failure counter and clears any stale lockout.
func (g *Guard) RecordSuccess(ctx context.Context, accountID uuid.UUID) error {
	if err := g.redis.Del(ctx, attemptsKey(accountID), lockKey(accountID)).Err(); err != nil {
		return fmt.Errorf("failed to clear lockout state: %w", err)
	}
	return nil
}

// IsLocked reports whether the account is currently locked and, if so, when
// the lockout ends. Expiry is lazy: the Redis TTL is the source of truth.
func (g *Guard) IsLocked(ctx context.Context, accountID uuid.UUID) (bool, time.Time, error) {
	ttl, err := g.redis.TTL(ctx, lockKey(accountID)).Result()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("failed to check lock status: %w", err)
	}

	if ttl <= 0 {
		return false, time.Time{}, nil
	}

	return true, time.Now().Add(ttl), nil
}
