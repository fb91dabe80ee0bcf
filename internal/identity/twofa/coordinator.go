// Package twofa issues and single-use-validates short-lived verification
// codes for login, phone and email confirmation, and password reset.
package twofa

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/clearvest/identity/pkg/errors"
	"github.com/clearvest/identity/pkg/models"
)

// Coordinator manages one-time challenge codes. Codes are stored hashed;
// consumption is a conditional update so a raced second validation of the
// same code always loses.
type Coordinator struct {
	db          *gorm.DB
	logger      *zap.Logger
	ttl         time.Duration
	maxAttempts int
	codeLength  int
}

// NewCoordinator creates a challenge coordinator.
func NewCoordinator(logger *zap.Logger, db *gorm.DB, ttl time.Duration, maxAttempts, codeLength int) *Coordinator {
	if codeLength <= 0 {
		codeLength = 6
	}
	return &Coordinator{
		db:          db,
		logger:      logger,
		ttl:         ttl,
		maxAttempts: maxAttempts,
		codeLength:  codeLength,
	}
}

// Generate creates a new challenge for the account and purpose, invalidating
// any prior unconsumed challenge of the same purpose. The plain code is
// returned once for delivery and never stored.
func (c *Coordinator) Generate(ctx context.Context, accountID uuid.UUID, purpose models.ChallengePurpose) (string, error) {
	code, err := c.randomCode()
	if err != nil {
		return "", apperrors.Internal("failed to generate challenge code", err)
	}

	now := time.Now()
	challenge := &models.TwoFactorChallenge{
		ID:        uuid.New(),
		UserID:    accountID,
		Purpose:   purpose,
		CodeHash:  hashCode(code),
		ExpiresAt: now.Add(c.ttl),
		CreatedAt: now,
	}

	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Supersede any live challenge of the same purpose.
		if err := tx.Model(&models.TwoFactorChallenge{}).
			Where("user_id = ? AND purpose = ? AND consumed_at IS NULL AND expires_at > ?", accountID, purpose, now).
			Update("expires_at", now).Error; err != nil {
			return fmt.Errorf("failed to invalidate prior challenges: %w", err)
		}
		return tx.Create(challenge).Error
	})
	if err != nil {
		c.logger.Error("failed to create challenge",
			zap.Error(err),
			zap.String("account_id", accountID.String()),
			zap.String("purpose", string(purpose)))
		return "", apperrors.Internal("failed to create challenge", err)
	}

	c.logger.Info("challenge issued",
		zap.String("account_id", accountID.String()),
		zap.String("purpose", string(purpose)),
		zap.Time("expires_at", challenge.ExpiresAt))

	return code, nil
}

// Validate checks the code against the newest live challenge for the account
// and purpose. On success the challenge is consumed atomically: exactly one
// of any concurrent validations of the same code wins. Exceeding the failed-
// attempt ceiling invalidates the challenge.
func (c *Coordinator) Validate(ctx context.Context, accountID uuid.UUID, purpose models.ChallengePurpose, code string) error {
	now := time.Now()

	var challenge models.TwoFactorChallenge
	err := c.db.WithContext(ctx).
		Where("user_id = ? AND purpose = ? AND consumed_at IS NULL AND expires_at > ?", accountID, purpose, now).
		Order("created_at DESC").
		First(&challenge).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return apperrors.NotFound("no active challenge for purpose %s", purpose)
		}
		return apperrors.Internal("failed to load challenge", err)
	}

	if hashCode(code) != challenge.CodeHash {
		return c.recordFailure(ctx, &challenge, now)
	}

	// Single winner: the consume only succeeds if nobody consumed it first.
	res := c.db.WithContext(ctx).Model(&models.TwoFactorChallenge{}).
		Where("id = ? AND consumed_at IS NULL", challenge.ID).
		Update("consumed_at", now)
	if res.Error != nil {
		return apperrors.Internal("failed to consume challenge", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.Conflict("challenge already consumed")
	}

	c.logger.Info("challenge validated",
		zap.String("account_id", accountID.String()),
		zap.String("purpose", string(purpose)))

	return nil
}

func (c *Coordinator) recordFailure(ctx context.Context, challenge *models.TwoFactorChallenge, now time.Time) error {
	if err := c.db.WithContext(ctx).Model(&models.TwoFactorChallenge{}).
		Where("id = ?", challenge.ID).
		Update("attempts", gorm.Expr("attempts + 1")).Error; err != nil {
		return apperrors.Internal("failed to record challenge attempt", err)
	}

	// The ceiling is enforced against the stored counter, not the loaded
	// row, so raced failures cannot keep a challenge alive past it.
	if err := c.db.WithContext(ctx).Model(&models.TwoFactorChallenge{}).
		Where("id = ? AND attempts >= ? AND expires_at > ?", challenge.ID, c.maxAttempts, now).
		Update("expires_at", now).Error; err != nil {
		return apperrors.Internal("failed to expire challenge", err)
	}

	c.logger.Warn("challenge validation failed",
		zap.String("account_id", challenge.UserID.String()),
		zap.String("purpose", string(challenge.Purpose)))

	return apperrors.Validation("invalid verification code")
}

func (c *Coordinator) randomCode() (string, error) {
	const digits = "0123456789"
	buf := make([]byte, c.codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = digits[int(buf[i])%len(digits)]
	}
	return string(buf), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
