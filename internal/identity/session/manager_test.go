package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	apperrors "github.com/clearvest/identity/pkg/errors"
	"github.com/clearvest/identity/pkg/models"
)

func setupManager(t *testing.T) (*Manager, *gorm.DB, *models.User) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Session{}, &models.RefreshToken{}))

	user := &models.User{
		ID:           uuid.New(),
		Email:        "investor@example.com",
		PasswordHash: "$2a$12$abcdefghijklmnopqrstuv",
		Status:       models.AccountActive,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, db.Create(user).Error)

	signer := NewJWTSigner("test-secret-test-secret-test-secret", "clearvest-test")
	mgr := NewManager(zap.NewNop(), db, signer, 15*time.Minute, 30*24*time.Hour, 90*24*time.Hour)
	return mgr, db, user
}

func TestIssueReturnsValidPair(t *testing.T) {
	mgr, db, user := setupManager(t)
	ctx := context.Background()

	pair, sess, err := mgr.Issue(ctx, user, DeviceMetadata{IPAddress: "203.0.113.7", UserAgent: "cli"})
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "Bearer", pair.TokenType)

	claims, err := mgr.ValidateAccess(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, sess.ID, claims.SessionID)

	var count int64
	require.NoError(t, db.Model(&models.Session{}).Where("user_id = ?", user.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestRefreshRotatesToken(t *testing.T) {
	mgr, _, user := setupManager(t)
	ctx := context.Background()

	pair, sess, err := mgr.Issue(ctx, user, DeviceMetadata{})
	require.NoError(t, err)

	next, rotatedSess, err := mgr.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
	assert.Equal(t, sess.ID, rotatedSess.ID)

	// New token works once more.
	_, _, err = mgr.Refresh(ctx, next.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshFailureLeavesTokenRedeemable(t *testing.T) {
	mgr, db, user := setupManager(t)
	ctx := context.Background()

	pair, _, err := mgr.Issue(ctx, user, DeviceMetadata{})
	require.NoError(t, err)

	// Fail the successor insert so the rotation cannot complete.
	failInsert := true
	require.NoError(t, db.Callback().Create().Before("gorm:create").
		Register("session_test:fail_successor", func(tx *gorm.DB) {
			if failInsert {
				if _, ok := tx.Statement.Dest.(*models.RefreshToken); ok {
					tx.AddError(errors.New("insert refused"))
				}
			}
		}))

	_, _, err = mgr.Refresh(ctx, pair.RefreshToken)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInternal))

	// The whole rotation rolled back: the token is neither marked rotated
	// nor treated as a replay on the next redemption.
	failInsert = false
	next, _, err := mgr.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
}

func TestRefreshReuseRevokesFamily(t *testing.T) {
	mgr, db, user := setupManager(t)
	ctx := context.Background()

	pair, _, err := mgr.Issue(ctx, user, DeviceMetadata{})
	require.NoError(t, err)

	// A second device session in the same family.
	_, otherSess, err := mgr.Issue(ctx, user, DeviceMetadata{DeviceName: "phone"})
	require.NoError(t, err)

	_, _, err = mgr.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	// Replaying the rotated token is a compromise signal.
	_, _, err = mgr.Refresh(ctx, pair.RefreshToken)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))

	var sessions []models.Session
	require.NoError(t, db.Where("user_id = ?", user.ID).Find(&sessions).Error)
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.False(t, s.IsActive, "every family session must be revoked")
		assert.Equal(t, "refresh token reuse", s.RevokedReason)
	}
	_ = otherSess
}

func TestRefreshUnknownToken(t *testing.T) {
	mgr, _, _ := setupManager(t)

	_, _, err := mgr.Refresh(context.Background(), "bogus-token")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestRefreshExpiredToken(t *testing.T) {
	mgr, db, user := setupManager(t)
	ctx := context.Background()

	pair, _, err := mgr.Issue(ctx, user, DeviceMetadata{})
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.RefreshToken{}).
		Where("user_id = ?", user.ID).
		Update("expires_at", time.Now().Add(-time.Hour)).Error)

	_, _, err = mgr.Refresh(ctx, pair.RefreshToken)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestRevokeStopsValidation(t *testing.T) {
	mgr, _, user := setupManager(t)
	ctx := context.Background()

	pair, sess, err := mgr.Issue(ctx, user, DeviceMetadata{})
	require.NoError(t, err)

	require.NoError(t, mgr.Revoke(ctx, sess.ID, "logout"))

	_, err = mgr.ValidateAccess(ctx, pair.AccessToken)
	require.Error(t, err)

	// Revoking twice is a not-found, the session is already inactive.
	err = mgr.Revoke(ctx, sess.ID, "logout")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestRevokeAllExceptKeepsCurrent(t *testing.T) {
	mgr, _, user := setupManager(t)
	ctx := context.Background()

	_, first, err := mgr.Issue(ctx, user, DeviceMetadata{DeviceName: "laptop"})
	require.NoError(t, err)
	_, _, err = mgr.Issue(ctx, user, DeviceMetadata{DeviceName: "phone"})
	require.NoError(t, err)
	_, _, err = mgr.Issue(ctx, user, DeviceMetadata{DeviceName: "tablet"})
	require.NoError(t, err)

	revoked, err := mgr.RevokeAllExcept(ctx, user.ID, first.ID, "logout everywhere")
	require.NoError(t, err)
	assert.EqualValues(t, 2, revoked)

	active, err := mgr.ActiveSessions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, first.ID, active[0].ID)
}
