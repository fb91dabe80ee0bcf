// Package session issues, rotates, and revokes authentication token pairs
// and tracks multi-device sessions. Refresh tokens are single-use: each
// redemption rotates the token, and redeeming a superseded token is treated
// as a compromise signal that revokes the whole account's session family.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/clearvest/identity/pkg/errors"
	"github.com/clearvest/identity/pkg/metrics"
	"github.com/clearvest/identity/pkg/models"
)

// TokenPair is one issued access/refresh pair.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"`
}

// DeviceMetadata describes the client a session was issued to.
type DeviceMetadata struct {
	IPAddress  string
	UserAgent  string
	DeviceName string
}

// Manager implements the session/token lifecycle.
type Manager struct {
	db            *gorm.DB
	logger        *zap.Logger
	signer        TokenSigner
	accessTTL     time.Duration
	refreshTTL    time.Duration
	sessionMaxAge time.Duration
}

// NewManager creates a session manager.
func NewManager(logger *zap.Logger, db *gorm.DB, signer TokenSigner, accessTTL, refreshTTL, sessionMaxAge time.Duration) *Manager {
	return &Manager{
		db:            db,
		logger:        logger,
		signer:        signer,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		sessionMaxAge: sessionMaxAge,
	}
}

// Issue creates a new session for the user and returns its first token pair.
func (m *Manager) Issue(ctx context.Context, user *models.User, meta DeviceMetadata) (*TokenPair, *models.Session, error) {
	now := time.Now()

	sess := &models.Session{
		ID:             uuid.New(),
		UserID:         user.ID,
		IPAddress:      meta.IPAddress,
		UserAgent:      meta.UserAgent,
		DeviceName:     meta.DeviceName,
		IsActive:       true,
		LastActivityAt: now,
		ExpiresAt:      now.Add(m.sessionMaxAge),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	refreshPlain, refreshHash, err := newRefreshToken()
	if err != nil {
		return nil, nil, apperrors.Internal("failed to generate refresh token", err)
	}

	refresh := &models.RefreshToken{
		ID:        uuid.New(),
		SessionID: sess.ID,
		UserID:    user.ID,
		TokenHash: refreshHash,
		ExpiresAt: now.Add(m.refreshTTL),
		CreatedAt: now,
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sess).Error; err != nil {
			return err
		}
		return tx.Create(refresh).Error
	})
	if err != nil {
		m.logger.Error("failed to create session",
			zap.Error(err),
			zap.String("user_id", user.ID.String()))
		return nil, nil, apperrors.Internal("failed to create session", err)
	}

	access, err := m.signer.Issue(accessClaims(user.ID, user.Email, sess.ID, now, m.accessTTL))
	if err != nil {
		return nil, nil, apperrors.Internal("failed to sign access token", err)
	}

	m.logger.Info("session issued",
		zap.String("user_id", user.ID.String()),
		zap.String("session_id", sess.ID.String()),
		zap.String("ip_address", meta.IPAddress))

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refreshPlain,
		ExpiresAt:    now.Add(m.accessTTL),
		TokenType:    "Bearer",
	}, sess, nil
}

// Refresh rotates a refresh token, returning a new pair and the owning
// session. Redeeming a token that was already rotated — including losing a
// race against a concurrent redemption of the same token — revokes every
// active session of the owning account and fails with a conflict.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*TokenPair, *models.Session, error) {
	now := time.Now()
	hash := hashToken(refreshToken)

	var stored models.RefreshToken
	err := m.db.WithContext(ctx).Where("token_hash = ?", hash).First(&stored).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			metrics.TokenRotations.WithLabelValues("invalid").Inc()
			return nil, nil, apperrors.NotFound("unknown refresh token")
		}
		return nil, nil, apperrors.Internal("failed to load refresh token", err)
	}

	if stored.RotatedAt != nil {
		// Replay of a superseded token: containment, not just rejection.
		return nil, nil, m.containReuse(ctx, &stored)
	}

	if now.After(stored.ExpiresAt) {
		metrics.TokenRotations.WithLabelValues("expired").Inc()
		return nil, nil, apperrors.Validation("refresh token expired")
	}

	var sess models.Session
	if err := m.db.WithContext(ctx).First(&sess, "id = ?", stored.SessionID).Error; err != nil {
		return nil, nil, apperrors.Internal("failed to load session", err)
	}
	if !sess.IsActive || now.After(sess.ExpiresAt) {
		metrics.TokenRotations.WithLabelValues("invalid").Inc()
		return nil, nil, apperrors.Validation("session no longer active")
	}

	refreshPlain, refreshHash, err := newRefreshToken()
	if err != nil {
		return nil, nil, apperrors.Internal("failed to generate refresh token", err)
	}

	next := &models.RefreshToken{
		ID:        uuid.New(),
		SessionID: sess.ID,
		UserID:    sess.UserID,
		TokenHash: refreshHash,
		ExpiresAt: now.Add(m.refreshTTL),
		CreatedAt: now,
	}

	// Single-winner rotation: only the caller that flips RotatedAt first
	// proceeds; a raced loser is indistinguishable from a replay. The flip,
	// the successor, and the session touch commit or roll back together, so
	// a failed rotation never strands the account without a live token.
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.RefreshToken{}).
			Where("id = ? AND rotated_at IS NULL", stored.ID).
			Update("rotated_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrConflict
		}
		if err := tx.Create(next).Error; err != nil {
			return err
		}
		return tx.Model(&models.Session{}).
			Where("id = ?", sess.ID).
			Update("last_activity_at", now).Error
	})
	if err != nil {
		if apperrors.Is(err, apperrors.ErrConflict) {
			return nil, nil, m.containReuse(ctx, &stored)
		}
		return nil, nil, apperrors.Internal("failed to rotate refresh token", err)
	}

	var user models.User
	if err := m.db.WithContext(ctx).First(&user, "id = ?", sess.UserID).Error; err != nil {
		return nil, nil, apperrors.Internal("failed to load user", err)
	}

	access, err := m.signer.Issue(accessClaims(user.ID, user.Email, sess.ID, now, m.accessTTL))
	if err != nil {
		return nil, nil, apperrors.Internal("failed to sign access token", err)
	}

	metrics.TokenRotations.WithLabelValues("rotated").Inc()
	m.logger.Info("refresh token rotated",
		zap.String("user_id", user.ID.String()),
		zap.String("session_id", sess.ID.String()))

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refreshPlain,
		ExpiresAt:    now.Add(m.accessTTL),
		TokenType:    "Bearer",
	}, &sess, nil
}

func (m *Manager) containReuse(ctx context.Context, stored *models.RefreshToken) error {
	metrics.TokenRotations.WithLabelValues("reuse_detected").Inc()
	m.logger.Warn("refresh token reuse detected, revoking session family",
		zap.String("user_id", stored.UserID.String()),
		zap.String("session_id", stored.SessionID.String()))

	if err := m.RevokeAll(ctx, stored.UserID, "refresh token reuse"); err != nil {
		m.logger.Error("failed to revoke session family after reuse",
			zap.Error(err),
			zap.String("user_id", stored.UserID.String()))
	}

	return apperrors.Conflict("refresh token reuse detected; all sessions revoked")
}

// Revoke marks one session inactive.
func (m *Manager) Revoke(ctx context.Context, sessionID uuid.UUID, reason string) error {
	now := time.Now()
	res := m.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND is_active = ?", sessionID, true).
		Updates(map[string]interface{}{
			"is_active":      false,
			"revoked_at":     now,
			"revoked_reason": reason,
			"updated_at":     now,
		})
	if res.Error != nil {
		return apperrors.Internal("failed to revoke session", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound("no active session %s", sessionID)
	}

	m.logger.Info("session revoked",
		zap.String("session_id", sessionID.String()),
		zap.String("reason", reason))
	return nil
}

// RevokeAllExcept revokes every other active session of the account,
// implementing "log out everywhere else".
func (m *Manager) RevokeAllExcept(ctx context.Context, userID, currentSessionID uuid.UUID, reason string) (int64, error) {
	now := time.Now()
	res := m.db.WithContext(ctx).Model(&models.Session{}).
		Where("user_id = ? AND id <> ? AND is_active = ?", userID, currentSessionID, true).
		Updates(map[string]interface{}{
			"is_active":      false,
			"revoked_at":     now,
			"revoked_reason": reason,
			"updated_at":     now,
		})
	if res.Error != nil {
		return 0, apperrors.Internal("failed to revoke sessions", res.Error)
	}

	m.logger.Info("revoked other sessions",
		zap.String("user_id", userID.String()),
		zap.Int64("count", res.RowsAffected),
		zap.String("reason", reason))
	return res.RowsAffected, nil
}

// RevokeAll revokes every active session of the account (family revoke).
func (m *Manager) RevokeAll(ctx context.Context, userID uuid.UUID, reason string) error {
	now := time.Now()
	return m.db.WithContext(ctx).Model(&models.Session{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Updates(map[string]interface{}{
			"is_active":      false,
			"revoked_at":     now,
			"revoked_reason": reason,
			"updated_at":     now,
		}).Error
}

// ValidateAccess checks an access token signature and that its session is
// still active.
func (m *Manager) ValidateAccess(ctx context.Context, token string) (*Claims, error) {
	claims, err := m.signer.Validate(token)
	if err != nil {
		return nil, apperrors.Validation("invalid access token").Wrap(err)
	}

	var sess models.Session
	if err := m.db.WithContext(ctx).First(&sess, "id = ?", claims.SessionID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.NotFound("session not found")
		}
		return nil, apperrors.Internal("failed to load session", err)
	}
	if !sess.IsActive || time.Now().After(sess.ExpiresAt) {
		return nil, apperrors.Validation("session no longer active")
	}

	return claims, nil
}

// ActiveSessions lists the account's active sessions for device management.
func (m *Manager) ActiveSessions(ctx context.Context, userID uuid.UUID) ([]models.Session, error) {
	var sessions []models.Session
	err := m.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("last_activity_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, apperrors.Internal("failed to list sessions", err)
	}
	return sessions, nil
}

func newRefreshToken() (plain, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	plain = base64.RawURLEncoding.EncodeToString(buf)
	return plain, hashToken(plain), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
