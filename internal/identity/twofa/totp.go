package twofa

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/clearvest/identity/pkg/errors"
	"github.com/clearvest/identity/pkg/models"
)

// backupCodeCount codes are issued once at activation.
const backupCodeCount = 8

// TOTPEnrollment is what the user needs to register an authenticator app.
type TOTPEnrollment struct {
	Secret       string `json:"secret"`
	ProvisionURL string `json:"provision_url"`
}

// TOTPService handles authenticator-app enrolment and verification as an
// alternative second factor to delivered codes.
type TOTPService struct {
	db     *gorm.DB
	logger *zap.Logger
	issuer string
}

func NewTOTPService(logger *zap.Logger, db *gorm.DB, issuer string) *TOTPService {
	return &TOTPService{db: db, logger: logger, issuer: issuer}
}

// Enroll generates a TOTP secret for the user. MFA stays disabled until the
// first successful Activate call proves the authenticator works.
func (s *TOTPService) Enroll(ctx context.Context, userID uuid.UUID, email string) (*TOTPEnrollment, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.NotFound("user %s not found", userID)
		}
		return nil, apperrors.Internal("failed to load user", err)
	}
	if user.MFAEnabled {
		return nil, apperrors.Conflict("authenticator already enabled")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: email,
		SecretSize:  32,
	})
	if err != nil {
		s.logger.Error("failed to generate TOTP key", zap.Error(err))
		return nil, apperrors.Internal("failed to generate TOTP key", err)
	}

	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("totp_secret", key.Secret()).Error; err != nil {
		return nil, apperrors.Internal("failed to store TOTP secret", err)
	}

	s.logger.Info("TOTP enrolment started", zap.String("user_id", userID.String()))

	return &TOTPEnrollment{Secret: key.Secret(), ProvisionURL: key.URL()}, nil
}

// Activate verifies the first code from the authenticator, enables MFA, and
// issues the single-use backup codes. The plain codes are returned exactly
// once; only hashes are stored.
func (s *TOTPService) Activate(ctx context.Context, userID uuid.UUID, code string) ([]string, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.NotFound("user %s not found", userID)
		}
		return nil, apperrors.Internal("failed to load user", err)
	}
	if user.TOTPSecret == "" {
		return nil, apperrors.Validation("no pending TOTP enrolment")
	}

	if !totp.Validate(code, user.TOTPSecret) {
		s.logger.Warn("invalid TOTP code during activation", zap.String("user_id", userID.String()))
		return nil, apperrors.Validation("invalid TOTP code")
	}

	codes := make([]string, backupCodeCount)
	now := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).
			Where("id = ?", userID).
			Update("mfa_enabled", true).Error; err != nil {
			return err
		}
		// Activation replaces any earlier code set.
		if err := tx.Where("user_id = ?", userID).Delete(&models.BackupCode{}).Error; err != nil {
			return err
		}
		for i := range codes {
			plain, err := randomBackupCode()
			if err != nil {
				return err
			}
			codes[i] = plain
			row := &models.BackupCode{
				ID:        uuid.New(),
				UserID:    userID,
				CodeHash:  hashCode(plain),
				CreatedAt: now,
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Internal("failed to enable MFA", err)
	}

	s.logger.Info("TOTP activated", zap.String("user_id", userID.String()))
	return codes, nil
}

// Verify checks a TOTP code for an MFA-enabled user.
func (s *TOTPService) Verify(ctx context.Context, userID uuid.UUID, code string) error {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return apperrors.NotFound("user %s not found", userID)
		}
		return apperrors.Internal("failed to load user", err)
	}
	if !user.MFAEnabled || user.TOTPSecret == "" {
		return apperrors.Validation("authenticator not enabled")
	}

	if totp.Validate(code, user.TOTPSecret) {
		return nil
	}

	// A lost authenticator can still get in with a backup code.
	if err := s.consumeBackupCode(ctx, userID, code); err == nil {
		s.logger.Info("backup code consumed", zap.String("user_id", userID.String()))
		return nil
	}
	return apperrors.Validation("invalid TOTP code")
}

// consumeBackupCode marks a matching unused backup code as used. The
// conditional update makes each code single-use even under concurrent
// attempts.
func (s *TOTPService) consumeBackupCode(ctx context.Context, userID uuid.UUID, code string) error {
	res := s.db.WithContext(ctx).Model(&models.BackupCode{}).
		Where("user_id = ? AND code_hash = ? AND used_at IS NULL", userID, hashCode(code)).
		Update("used_at", time.Now())
	if res.Error != nil {
		return apperrors.Internal("failed to consume backup code", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound("no matching backup code")
	}
	return nil
}

// Disable turns the authenticator off and discards the secret and any
// remaining backup codes.
func (s *TOTPService) Disable(ctx context.Context, userID uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).
			Where("id = ? AND mfa_enabled = ?", userID, true).
			Updates(map[string]interface{}{"mfa_enabled": false, "totp_secret": ""})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.NotFound("no active authenticator for user")
		}
		return tx.Where("user_id = ?", userID).Delete(&models.BackupCode{}).Error
	})
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		return apperrors.Internal("failed to disable MFA", err)
	}

	s.logger.Info("TOTP disabled", zap.String("user_id", userID.String()))
	return nil
}

// randomBackupCode returns a 10-character base32 code.
func randomBackupCode() (string, error) {
	raw := make([]byte, 6)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	code := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	return code[:10], nil
}
