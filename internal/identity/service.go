// Package identity is the facade over the identity core: registration,
// authentication with lockout and two-factor enforcement, session lifecycle,
// and the confirmation/reset workflows. Every state-changing call lands an
// activity-log entry with its outcome.
package identity

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/clearvest/identity/internal/identity/audit"
	"github.com/clearvest/identity/internal/identity/lockout"
	"github.com/clearvest/identity/internal/identity/notification"
	"github.com/clearvest/identity/internal/identity/session"
	"github.com/clearvest/identity/internal/identity/twofa"
	apperrors "github.com/clearvest/identity/pkg/errors"
	"github.com/clearvest/identity/pkg/metrics"
	"github.com/clearvest/identity/pkg/models"
)

// Service wires the authentication components together.
type Service struct {
	db         *gorm.DB
	logger     *zap.Logger
	recorder   *audit.Recorder
	guard      *lockout.Guard
	challenges *twofa.Coordinator
	totp       *twofa.TOTPService
	sessions   *session.Manager
	notifier   notification.Notifier
	validate   *validator.Validate
}

func NewService(
	logger *zap.Logger,
	db *gorm.DB,
	recorder *audit.Recorder,
	guard *lockout.Guard,
	challenges *twofa.Coordinator,
	totp *twofa.TOTPService,
	sessions *session.Manager,
	notifier notification.Notifier,
) *Service {
	return &Service{
		db:         db,
		logger:     logger,
		recorder:   recorder,
		guard:      guard,
		challenges: challenges,
		totp:       totp,
		sessions:   sessions,
		notifier:   notifier,
		validate:   validator.New(),
	}
}

// RegisterRequest carries the registration inputs.
type RegisterRequest struct {
	Email        string `json:"email" validate:"required,email,max=254"`
	Password     string `json:"password" validate:"required,min=12,max=128"`
	FirstName    string `json:"first_name" validate:"max=50"`
	LastName     string `json:"last_name" validate:"max=50"`
	PhoneNumber  string `json:"phone_number" validate:"omitempty,e164"`
	Jurisdiction string `json:"jurisdiction" validate:"omitempty,iso3166_1_alpha3"`
}

// Register creates an account and kicks off email confirmation. The welcome
// notification is best-effort and never fails the registration.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.User, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.Validation("invalid registration request: %v", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperrors.Internal("failed to hash password", err)
	}

	now := time.Now()
	user := &models.User{
		ID:           uuid.New(),
		Email:        req.Email,
		PasswordHash: string(hash),
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		PhoneNumber:  req.PhoneNumber,
		Status:       models.AccountActive,
		Jurisdiction: req.Jurisdiction,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.User{}).Where("email = ?", req.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return apperrors.Conflict("email already registered")
		}
		if err := tx.Create(user).Error; err != nil {
			return err
		}
		return s.recorder.In(tx).Record(ctx, audit.Entry{
			UserID:    &user.ID,
			EventType: audit.EventRegister,
			Outcome:   audit.OutcomeSuccess,
			Metadata:  map[string]interface{}{"email": user.Email},
		})
	})
	if err != nil {
		if apperrors.Is(err, apperrors.ErrConflict) {
			return nil, err
		}
		return nil, apperrors.Internal("failed to create account", err)
	}

	if err := s.notifier.SendEmail(ctx, "welcome", user.Email, map[string]string{
		"first_name": user.FirstName,
	}); err != nil {
		s.logger.Warn("welcome notification failed", zap.Error(err),
			zap.String("user_id", user.ID.String()))
	}

	if err := s.RequestEmailConfirmation(ctx, user.ID); err != nil {
		s.logger.Warn("confirmation challenge failed", zap.Error(err),
			zap.String("user_id", user.ID.String()))
	}

	s.logger.Info("account registered", zap.String("user_id", user.ID.String()))
	return user, nil
}

// LoginResult is the login outcome: either issued tokens, or a signal that a
// second factor is still required.
type LoginResult struct {
	TwoFactorRequired bool               `json:"two_factor_required"`
	Tokens            *session.TokenPair `json:"tokens,omitempty"`
	Session           *models.Session    `json:"-"`
}

// Login authenticates a credential pair. The path is lockout check, password
// verification, then second factor when enabled; every failure is counted
// and audited, and hitting the threshold locks the account for the
// configured window.
func (s *Service) Login(ctx context.Context, email, password, twoFactorCode string, meta session.DeviceMetadata) (*LoginResult, error) {
	user, err := s.userByEmail(ctx, email)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			// Unknown accounts fail the same way as bad passwords.
			metrics.LoginAttempts.WithLabelValues("failure").Inc()
			return nil, apperrors.Validation("invalid credentials")
		}
		return nil, err
	}

	if user.Status != models.AccountActive {
		return nil, s.failLogin(ctx, user, meta, "account_"+string(user.Status),
			apperrors.Validation("account is %s", user.Status))
	}

	locked, until, err := s.guard.IsLocked(ctx, user.ID)
	if err != nil {
		return nil, apperrors.External("lockout check failed", err)
	}
	if locked {
		return nil, s.failLogin(ctx, user, meta, "account_locked",
			apperrors.Conflict("account locked until %s", until.Format(time.RFC3339)))
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		remaining, lockErr := s.guard.RecordFailedAttempt(ctx, user.ID)
		if lockErr != nil {
			return nil, apperrors.External("lockout update failed", lockErr)
		}
		if remaining == 0 {
			_ = s.recorder.Record(ctx, audit.Entry{
				UserID:        &user.ID,
				EventType:     audit.EventAccountLocked,
				Outcome:       audit.OutcomeFailure,
				FailureReason: "failed attempt threshold reached",
				IPAddress:     meta.IPAddress,
			})
		}
		return nil, s.failLogin(ctx, user, meta, "invalid_password",
			apperrors.Validation("invalid credentials"))
	}

	if user.MFAEnabled {
		result, done, err := s.secondFactor(ctx, user, twoFactorCode, meta)
		if err != nil || !done {
			return result, err
		}
	}

	if err := s.guard.RecordSuccess(ctx, user.ID); err != nil {
		s.logger.Warn("failed to clear lockout counters", zap.Error(err),
			zap.String("user_id", user.ID.String()))
	}

	tokens, sess, err := s.sessions.Issue(ctx, user, meta)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(user).
		Updates(map[string]interface{}{"last_login_at": now, "updated_at": now}).Error; err != nil {
		s.logger.Warn("failed to stamp last login", zap.Error(err))
	}

	metrics.LoginAttempts.WithLabelValues("success").Inc()
	_ = s.recorder.Record(ctx, audit.Entry{
		UserID:    &user.ID,
		SessionID: &sess.ID,
		EventType: audit.EventLogin,
		Outcome:   audit.OutcomeSuccess,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})

	return &LoginResult{Tokens: tokens, Session: sess}, nil
}

// secondFactor enforces the enabled second factor. With a TOTP secret
// enrolled the code is checked against it; otherwise a one-time email code
// is issued on the first pass and checked on the second. done reports
// whether login may proceed.
func (s *Service) secondFactor(ctx context.Context, user *models.User, code string, meta session.DeviceMetadata) (*LoginResult, bool, error) {
	if code == "" {
		if user.TOTPSecret == "" {
			challenge, err := s.challenges.Generate(ctx, user.ID, models.PurposeLogin)
			if err != nil {
				return nil, false, err
			}
			if err := s.notifier.SendEmail(ctx, "login_code", user.Email, map[string]string{
				"code": challenge,
			}); err != nil {
				s.logger.Warn("login code delivery failed", zap.Error(err),
					zap.String("user_id", user.ID.String()))
			}
			_ = s.recorder.Record(ctx, audit.Entry{
				UserID:    &user.ID,
				EventType: audit.EventChallengeIssued,
				Outcome:   audit.OutcomeSuccess,
				IPAddress: meta.IPAddress,
			})
		}
		return &LoginResult{TwoFactorRequired: true}, false, nil
	}

	var verifyErr error
	if user.TOTPSecret != "" {
		verifyErr = s.totp.Verify(ctx, user.ID, code)
	} else {
		verifyErr = s.challenges.Validate(ctx, user.ID, models.PurposeLogin, code)
	}
	if verifyErr != nil {
		// A wrong second factor counts toward lockout like a wrong password.
		if _, lockErr := s.guard.RecordFailedAttempt(ctx, user.ID); lockErr != nil {
			s.logger.Warn("failed to record attempt", zap.Error(lockErr))
		}
		return nil, false, s.failLogin(ctx, user, meta, "invalid_second_factor",
			apperrors.Validation("invalid two-factor code"))
	}

	_ = s.recorder.Record(ctx, audit.Entry{
		UserID:    &user.ID,
		EventType: audit.EventChallengeVerified,
		Outcome:   audit.OutcomeSuccess,
		IPAddress: meta.IPAddress,
	})
	return nil, true, nil
}

// RefreshTokens rotates a refresh token into a new pair.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*session.TokenPair, error) {
	pair, sess, err := s.sessions.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	_ = s.recorder.Record(ctx, audit.Entry{
		UserID:    &sess.UserID,
		SessionID: &sess.ID,
		EventType: audit.EventTokenRefresh,
		Outcome:   audit.OutcomeSuccess,
	})
	return pair, nil
}

// Logout revokes the session the call was made with.
func (s *Service) Logout(ctx context.Context, userID, sessionID uuid.UUID) error {
	if err := s.sessions.Revoke(ctx, sessionID, "logout"); err != nil {
		return err
	}
	return s.recorder.Record(ctx, audit.Entry{
		UserID:    &userID,
		SessionID: &sessionID,
		EventType: audit.EventLogout,
		Outcome:   audit.OutcomeSuccess,
	})
}

// LogoutEverywhereElse revokes every session except the current one.
func (s *Service) LogoutEverywhereElse(ctx context.Context, userID, currentSessionID uuid.UUID) (int64, error) {
	revoked, err := s.sessions.RevokeAllExcept(ctx, userID, currentSessionID, "logout everywhere")
	if err != nil {
		return 0, err
	}
	err = s.recorder.Record(ctx, audit.Entry{
		UserID:    &userID,
		SessionID: &currentSessionID,
		EventType: audit.EventLogoutEverywhere,
		Outcome:   audit.OutcomeSuccess,
		Metadata:  map[string]interface{}{"revoked": revoked},
	})
	return revoked, err
}

// RequestEmailConfirmation issues a confirmation code to the account email.
func (s *Service) RequestEmailConfirmation(ctx context.Context, userID uuid.UUID) error {
	user, err := s.userByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.EmailConfirmed {
		return apperrors.Validation("email already confirmed")
	}

	code, err := s.challenges.Generate(ctx, userID, models.PurposeEmailConfirm)
	if err != nil {
		return err
	}
	if err := s.notifier.SendEmail(ctx, "email_confirm", user.Email, map[string]string{"code": code}); err != nil {
		s.logger.Warn("confirmation email failed", zap.Error(err),
			zap.String("user_id", userID.String()))
	}
	return nil
}

// ConfirmEmail consumes the confirmation code and marks the email confirmed.
func (s *Service) ConfirmEmail(ctx context.Context, userID uuid.UUID, code string) error {
	if err := s.challenges.Validate(ctx, userID, models.PurposeEmailConfirm, code); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).Where("id = ?", userID).
			Updates(map[string]interface{}{"email_confirmed": true, "updated_at": time.Now()}).Error; err != nil {
			return err
		}
		return s.recorder.In(tx).Record(ctx, audit.Entry{
			UserID:    &userID,
			EventType: audit.EventEmailConfirmed,
			Outcome:   audit.OutcomeSuccess,
		})
	})
}

// RequestPhoneConfirmation sends a confirmation code over SMS.
func (s *Service) RequestPhoneConfirmation(ctx context.Context, userID uuid.UUID) error {
	user, err := s.userByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.PhoneNumber == "" {
		return apperrors.Validation("no phone number on file")
	}
	if user.PhoneConfirmed {
		return apperrors.Validation("phone already confirmed")
	}

	code, err := s.challenges.Generate(ctx, userID, models.PurposePhoneConfirm)
	if err != nil {
		return err
	}
	if err := s.notifier.SendSMS(ctx, "phone_confirm", user.PhoneNumber, code); err != nil {
		s.logger.Warn("confirmation sms failed", zap.Error(err),
			zap.String("user_id", userID.String()))
	}
	return nil
}

// ConfirmPhone consumes the SMS code and marks the phone confirmed.
func (s *Service) ConfirmPhone(ctx context.Context, userID uuid.UUID, code string) error {
	if err := s.challenges.Validate(ctx, userID, models.PurposePhoneConfirm, code); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).Where("id = ?", userID).
			Updates(map[string]interface{}{"phone_confirmed": true, "updated_at": time.Now()}).Error; err != nil {
			return err
		}
		return s.recorder.In(tx).Record(ctx, audit.Entry{
			UserID:    &userID,
			EventType: audit.EventPhoneConfirmed,
			Outcome:   audit.OutcomeSuccess,
		})
	})
}

// RequestPasswordReset issues a reset code. Unknown emails are absorbed so
// the endpoint cannot be used to probe which addresses exist.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.userByEmail(ctx, email)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	}

	code, err := s.challenges.Generate(ctx, user.ID, models.PurposePasswordReset)
	if err != nil {
		return err
	}
	if err := s.notifier.SendEmail(ctx, "password_reset", user.Email, map[string]string{"code": code}); err != nil {
		s.logger.Warn("reset email failed", zap.Error(err),
			zap.String("user_id", user.ID.String()))
	}
	return nil
}

// ResetPassword consumes the reset code, replaces the password, and revokes
// every session the account holds.
func (s *Service) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	if len(newPassword) < 12 {
		return apperrors.Validation("password must be at least 12 characters")
	}

	user, err := s.userByEmail(ctx, email)
	if err != nil {
		return err
	}

	if err := s.challenges.Validate(ctx, user.ID, models.PurposePasswordReset, code); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return apperrors.Internal("failed to hash password", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).Where("id = ?", user.ID).
			Updates(map[string]interface{}{"password_hash": string(hash), "updated_at": time.Now()}).Error; err != nil {
			return err
		}
		return s.recorder.In(tx).Record(ctx, audit.Entry{
			UserID:    &user.ID,
			EventType: audit.EventPasswordReset,
			Outcome:   audit.OutcomeSuccess,
		})
	})
	if err != nil {
		return apperrors.Internal("failed to reset password", err)
	}

	// A reset invalidates every standing session.
	if err := s.sessions.RevokeAll(ctx, user.ID, "password reset"); err != nil {
		s.logger.Warn("failed to revoke sessions after reset", zap.Error(err),
			zap.String("user_id", user.ID.String()))
	}
	if err := s.guard.RecordSuccess(ctx, user.ID); err != nil {
		s.logger.Warn("failed to clear lockout counters", zap.Error(err))
	}
	return nil
}

// Activity returns the user's most recent activity entries.
func (s *Service) Activity(ctx context.Context, userID uuid.UUID, limit int) ([]models.ActivityLog, error) {
	return s.recorder.Query(ctx, userID, limit)
}

// failLogin counts and audits a failed attempt, then returns loginErr.
func (s *Service) failLogin(ctx context.Context, user *models.User, meta session.DeviceMetadata, reason string, loginErr error) error {
	metrics.LoginAttempts.WithLabelValues("failure").Inc()
	_ = s.recorder.Record(ctx, audit.Entry{
		UserID:        &user.ID,
		EventType:     audit.EventLogin,
		Outcome:       audit.OutcomeFailure,
		FailureReason: reason,
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
	})
	return loginErr
}

func (s *Service) userByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.NotFound("account not found")
		}
		return nil, apperrors.Internal("failed to load account", err)
	}
	return &user, nil
}

func (s *Service) userByID(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.NotFound("account not found")
		}
		return nil, apperrors.Internal("failed to load account", err)
	}
	return &user, nil
}
