// Package audit is the append-only sink for security-relevant events. Rows
// are immutable once written; nothing here updates or deletes.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/clearvest/identity/pkg/errors"
	"github.com/clearvest/identity/pkg/models"
)

// Event types recorded by the identity core.
const (
	EventRegister          = "register"
	EventLogin             = "login"
	EventLogout            = "logout"
	EventLogoutEverywhere  = "logout_everywhere"
	EventTokenRefresh      = "token_refresh"
	EventSessionRevoked    = "session_revoked"
	EventAccountLocked     = "account_locked"
	EventChallengeIssued   = "challenge_issued"
	EventChallengeVerified = "challenge_verified"
	EventPasswordReset     = "password_reset"
	EventEmailConfirmed    = "email_confirmed"
	EventPhoneConfirmed    = "phone_confirmed"
	EventKycSubmitted      = "kyc_submitted"
	EventKycDocumentReview = "kyc_document_review"
	EventKycStatusChanged  = "kyc_status_changed"
	EventKycWebhook        = "kyc_webhook"
	EventAccreditation     = "accreditation_recomputed"
	EventOverrideToggled   = "accreditation_override"
	EventRoleAssigned      = "role_assigned"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Entry is one event to append.
type Entry struct {
	UserID        *uuid.UUID
	SessionID     *uuid.UUID
	ActorID       *uuid.UUID
	EventType     string
	Outcome       string
	FailureReason string
	IPAddress     string
	UserAgent     string
	Metadata      map[string]interface{}
}

// Recorder appends immutable activity entries and serves bounded queries.
type Recorder struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewRecorder(logger *zap.Logger, db *gorm.DB) *Recorder {
	return &Recorder{db: db, logger: logger}
}

// In returns a recorder bound to the given transaction so an audit entry
// commits or rolls back together with the mutation it describes.
func (r *Recorder) In(tx *gorm.DB) *Recorder {
	return &Recorder{db: tx, logger: r.logger}
}

// Record appends one entry.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	var metadataJSON string
	if e.Metadata != nil {
		raw, _ := json.Marshal(e.Metadata)
		metadataJSON = string(raw)
	}

	row := &models.ActivityLog{
		ID:            uuid.New(),
		UserID:        e.UserID,
		SessionID:     e.SessionID,
		ActorID:       e.ActorID,
		EventType:     e.EventType,
		Outcome:       e.Outcome,
		FailureReason: e.FailureReason,
		IPAddress:     e.IPAddress,
		UserAgent:     e.UserAgent,
		Metadata:      metadataJSON,
		CreatedAt:     time.Now(),
	}

	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		r.logger.Error("failed to append activity log", zap.Error(err),
			zap.String("event_type", e.EventType))
		return apperrors.Internal("failed to append activity log", err)
	}

	fields := []zap.Field{
		zap.String("event_type", e.EventType),
		zap.String("outcome", e.Outcome),
	}
	if e.UserID != nil {
		fields = append(fields, zap.String("user_id", e.UserID.String()))
	}
	if e.Outcome == OutcomeFailure {
		fields = append(fields, zap.String("reason", e.FailureReason))
		r.logger.Warn("security event", fields...)
	} else {
		r.logger.Info("security event", fields...)
	}

	return nil
}

// Query returns the user's most recent entries, newest first, bounded by
// limit.
func (r *Recorder) Query(ctx context.Context, userID uuid.UUID, limit int) ([]models.ActivityLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var entries []models.ActivityLog
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, apperrors.Internal("failed to query activity log", err)
	}
	return entries, nil
}
