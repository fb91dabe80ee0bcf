package identity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/clearvest/identity/internal/identity/audit"
	"github.com/clearvest/identity/internal/identity/lockout"
	"github.com/clearvest/identity/internal/identity/session"
	"github.com/clearvest/identity/internal/identity/twofa"
	apperrors "github.com/clearvest/identity/pkg/errors"
	"github.com/clearvest/identity/pkg/models"
)

// captureNotifier remembers the last code sent to each recipient.
type captureNotifier struct {
	emails map[string]map[string]string
	sms    map[string]string
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{emails: map[string]map[string]string{}, sms: map[string]string{}}
}

func (n *captureNotifier) SendEmail(_ context.Context, kind, recipient string, data map[string]string) error {
	n.emails[kind+":"+recipient] = data
	return nil
}

func (n *captureNotifier) SendSMS(_ context.Context, _, phoneNumber, code string) error {
	n.sms[phoneNumber] = code
	return nil
}

type serviceFixture struct {
	svc      *Service
	db       *gorm.DB
	redis    *miniredis.Miniredis
	notifier *captureNotifier
}

func setupService(t *testing.T) *serviceFixture {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.Session{}, &models.RefreshToken{},
		&models.TwoFactorChallenge{}, &models.BackupCode{}, &models.ActivityLog{}))

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	logger := zap.NewNop()
	recorder := audit.NewRecorder(logger, db)
	guard := lockout.NewGuard(logger, redisClient, 5, 30*time.Minute)
	challenges := twofa.NewCoordinator(logger, db, 10*time.Minute, 5, 6)
	totp := twofa.NewTOTPService(logger, db, "ClearVest")
	signer := session.NewJWTSigner("test-secret-at-least-32-bytes-long", "clearvest-identity")
	sessions := session.NewManager(logger, db, signer, 15*time.Minute, 30*24*time.Hour, 90*24*time.Hour)
	notifier := newCaptureNotifier()

	svc := NewService(logger, db, recorder, guard, challenges, totp, sessions, notifier)
	return &serviceFixture{svc: svc, db: db, redis: mr, notifier: notifier}
}

func registerUser(t *testing.T, f *serviceFixture, email string) *models.User {
	t.Helper()
	user, err := f.svc.Register(context.Background(), RegisterRequest{
		Email:     email,
		Password:  "correct-horse-battery",
		FirstName: "Ada",
		LastName:  "Lovelace",
	})
	require.NoError(t, err)
	return user
}

func TestRegisterAndDuplicateEmail(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	user := registerUser(t, f, "ada@example.com")
	assert.Equal(t, models.AccountActive, user.Status)
	assert.NotEqual(t, "correct-horse-battery", user.PasswordHash)

	_, err := f.svc.Register(ctx, RegisterRequest{
		Email:    "ada@example.com",
		Password: "another-long-password",
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))
}

func TestRegisterRejectsWeakInput(t *testing.T) {
	f := setupService(t)

	_, err := f.svc.Register(context.Background(), RegisterRequest{
		Email:    "not-an-email",
		Password: "short",
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestLoginIssuesTokens(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	user := registerUser(t, f, "ada@example.com")

	result, err := f.svc.Login(ctx, "ada@example.com", "correct-horse-battery", "",
		session.DeviceMetadata{IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	require.NotNil(t, result.Tokens)
	assert.False(t, result.TwoFactorRequired)
	assert.Equal(t, "Bearer", result.Tokens.TokenType)

	var entries []models.ActivityLog
	require.NoError(t, f.db.Where("user_id = ? AND event_type = ?", user.ID, audit.EventLogin).
		Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.OutcomeSuccess, entries[0].Outcome)
}

func TestLoginWithUnknownEmail(t *testing.T) {
	f := setupService(t)

	_, err := f.svc.Login(context.Background(), "ghost@example.com", "whatever-password", "",
		session.DeviceMetadata{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation),
		"unknown accounts must fail like bad passwords")
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	user := registerUser(t, f, "ada@example.com")
	meta := session.DeviceMetadata{IPAddress: "10.0.0.1"}

	for i := 0; i < 5; i++ {
		_, err := f.svc.Login(ctx, "ada@example.com", "wrong-password-here", "", meta)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	}

	// The correct password no longer helps while the lock holds.
	_, err := f.svc.Login(ctx, "ada@example.com", "correct-horse-battery", "", meta)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))

	var lockEntries []models.ActivityLog
	require.NoError(t, f.db.Where("user_id = ? AND event_type = ?", user.ID, audit.EventAccountLocked).
		Find(&lockEntries).Error)
	assert.Len(t, lockEntries, 1)

	// The window elapses; the very next attempt succeeds and resets state.
	f.redis.FastForward(31 * time.Minute)
	result, err := f.svc.Login(ctx, "ada@example.com", "correct-horse-battery", "", meta)
	require.NoError(t, err)
	require.NotNil(t, result.Tokens)
}

func TestSuccessfulLoginResetsFailureCount(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	registerUser(t, f, "ada@example.com")
	meta := session.DeviceMetadata{}

	for i := 0; i < 4; i++ {
		_, err := f.svc.Login(ctx, "ada@example.com", "wrong-password-here", "", meta)
		require.Error(t, err)
	}
	_, err := f.svc.Login(ctx, "ada@example.com", "correct-horse-battery", "", meta)
	require.NoError(t, err)

	// The counter restarted; four more failures do not lock.
	for i := 0; i < 4; i++ {
		_, err := f.svc.Login(ctx, "ada@example.com", "wrong-password-here", "", meta)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	}
	_, err = f.svc.Login(ctx, "ada@example.com", "correct-horse-battery", "", meta)
	require.NoError(t, err)
}

func TestLoginWithEmailSecondFactor(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	user := registerUser(t, f, "ada@example.com")
	require.NoError(t, f.db.Model(user).Update("mfa_enabled", true).Error)
	meta := session.DeviceMetadata{}

	result, err := f.svc.Login(ctx, "ada@example.com", "correct-horse-battery", "", meta)
	require.NoError(t, err)
	assert.True(t, result.TwoFactorRequired)
	assert.Nil(t, result.Tokens)

	data, ok := f.notifier.emails["login_code:ada@example.com"]
	require.True(t, ok, "a login code must have been sent")
	code := data["code"]
	require.NotEmpty(t, code)

	result, err = f.svc.Login(ctx, "ada@example.com", "correct-horse-battery", code, meta)
	require.NoError(t, err)
	require.NotNil(t, result.Tokens)

	// The code was consumed with the successful login.
	_, err = f.svc.Login(ctx, "ada@example.com", "correct-horse-battery", code, meta)
	require.Error(t, err)
}

func TestRefreshAuditCarriesActorContext(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	user := registerUser(t, f, "ada@example.com")

	result, err := f.svc.Login(ctx, "ada@example.com", "correct-horse-battery", "", session.DeviceMetadata{})
	require.NoError(t, err)

	_, err = f.svc.RefreshTokens(ctx, result.Tokens.RefreshToken)
	require.NoError(t, err)

	var entry models.ActivityLog
	require.NoError(t, f.db.First(&entry, "event_type = ?", audit.EventTokenRefresh).Error)
	require.NotNil(t, entry.UserID)
	assert.Equal(t, user.ID, *entry.UserID)
	require.NotNil(t, entry.SessionID)
	assert.Equal(t, result.Session.ID, *entry.SessionID)
}

func TestLogoutRevokesSession(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	user := registerUser(t, f, "ada@example.com")

	result, err := f.svc.Login(ctx, "ada@example.com", "correct-horse-battery", "", session.DeviceMetadata{})
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, user.ID, result.Session.ID))

	_, err = f.svc.RefreshTokens(ctx, result.Tokens.RefreshToken)
	require.Error(t, err, "a revoked session must not refresh")
}

func TestConfirmEmail(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	user := registerUser(t, f, "ada@example.com")

	data, ok := f.notifier.emails["email_confirm:ada@example.com"]
	require.True(t, ok, "registration must issue a confirmation code")

	require.NoError(t, f.svc.ConfirmEmail(ctx, user.ID, data["code"]))

	var stored models.User
	require.NoError(t, f.db.First(&stored, "id = ?", user.ID).Error)
	assert.True(t, stored.EmailConfirmed)

	err := f.svc.RequestEmailConfirmation(ctx, user.ID)
	require.Error(t, err, "a confirmed email needs no further codes")
}

func TestPasswordResetRevokesAllSessions(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	registerUser(t, f, "ada@example.com")

	result, err := f.svc.Login(ctx, "ada@example.com", "correct-horse-battery", "", session.DeviceMetadata{})
	require.NoError(t, err)

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ada@example.com"))
	data := f.notifier.emails["password_reset:ada@example.com"]
	require.NotEmpty(t, data["code"])

	require.NoError(t, f.svc.ResetPassword(ctx, "ada@example.com", data["code"], "brand-new-password-1"))

	_, err = f.svc.RefreshTokens(ctx, result.Tokens.RefreshToken)
	require.Error(t, err, "standing sessions must die with the old password")

	_, err = f.svc.Login(ctx, "ada@example.com", "correct-horse-battery", "", session.DeviceMetadata{})
	require.Error(t, err)

	loggedIn, err := f.svc.Login(ctx, "ada@example.com", "brand-new-password-1", "", session.DeviceMetadata{})
	require.NoError(t, err)
	require.NotNil(t, loggedIn.Tokens)
}

func TestPasswordResetForUnknownEmailIsSilent(t *testing.T) {
	f := setupService(t)
	require.NoError(t, f.svc.RequestPasswordReset(context.Background(), "ghost@example.com"))
	assert.Empty(t, f.notifier.emails["password_reset:ghost@example.com"])
}
