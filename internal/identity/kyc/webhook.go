package kyc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/clearvest/identity/internal/identity/audit"
	apperrors "github.com/clearvest/identity/pkg/errors"
	"github.com/clearvest/identity/pkg/models"
)

// WebhookPayload is the decision envelope posted by the verification
// provider. DocumentID is set for per-document decisions; otherwise the
// decision applies to the whole verification.
type WebhookPayload struct {
	VerificationID string `json:"verification_id"`
	DocumentID     string `json:"document_id,omitempty"`
	Decision       string `json:"decision"`
	RiskLevel      string `json:"risk_level,omitempty"`
	Reason         string `json:"reason,omitempty"`
	ProviderRef    string `json:"provider_ref,omitempty"`
}

// ProcessWebhook applies a provider decision. Replays of an already-applied
// outcome are acknowledged without a second state change or audit entry; a
// decision that contradicts a terminal state is rejected. A malformed
// payload never leaves partial state behind.
func (m *Machine) ProcessWebhook(ctx context.Context, payload []byte) error {
	var p WebhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return apperrors.Validation("malformed webhook payload")
	}

	verificationID, err := uuid.Parse(p.VerificationID)
	if err != nil {
		return apperrors.Validation("malformed verification id %q", p.VerificationID)
	}

	var target models.DocumentStatus
	switch p.Decision {
	case "approved":
		target = models.DocumentApproved
	case "rejected":
		target = models.DocumentRejected
		if p.Reason == "" {
			return apperrors.Validation("a rejection requires a reason")
		}
	default:
		return apperrors.Validation("unknown decision %q", p.Decision)
	}

	if p.DocumentID != "" {
		return m.applyDocumentDecision(ctx, verificationID, p, target)
	}
	return m.applyVerificationDecision(ctx, verificationID, p)
}

func (m *Machine) applyDocumentDecision(ctx context.Context, verificationID uuid.UUID, p WebhookPayload, target models.DocumentStatus) error {
	documentID, err := uuid.Parse(p.DocumentID)
	if err != nil {
		return apperrors.Validation("malformed document id %q", p.DocumentID)
	}

	var doc models.KycDocument
	err = m.db.WithContext(ctx).
		First(&doc, "id = ? AND verification_id = ?", documentID, verificationID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return apperrors.NotFound("document %s not found", documentID)
		}
		return apperrors.Internal("failed to load document", err)
	}

	// Replayed decision: already applied, nothing to do.
	if doc.Status == target {
		m.logger.Info("webhook replay ignored",
			zap.String("document_id", documentID.String()),
			zap.String("decision", p.Decision))
		return nil
	}
	if doc.Status != models.DocumentPending {
		return apperrors.Conflict("document %s already reviewed as %s", documentID, doc.Status)
	}

	var finalStatus models.KycStatus
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := m.recorder.In(tx).Record(ctx, audit.Entry{
			UserID:    &doc.UserID,
			EventType: audit.EventKycWebhook,
			Outcome:   audit.OutcomeSuccess,
			Metadata: map[string]interface{}{
				"verification_id": p.VerificationID,
				"document_id":     p.DocumentID,
				"decision":        p.Decision,
			},
		}); err != nil {
			return err
		}
		var err error
		finalStatus, err = m.reviewDocumentTx(ctx, tx, &doc, target == models.DocumentApproved, p.Reason, nil)
		return err
	})
	if err != nil {
		return err
	}

	if finalStatus == models.KycApproved && m.onTransition != nil {
		m.onTransition(ctx, doc.UserID, finalStatus)
	}
	return nil
}

func (m *Machine) applyVerificationDecision(ctx context.Context, verificationID uuid.UUID, p WebhookPayload) error {
	var verification models.KycVerification
	err := m.db.WithContext(ctx).First(&verification, "id = ?", verificationID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return apperrors.NotFound("verification %s not found", verificationID)
		}
		return apperrors.Internal("failed to load verification", err)
	}

	next := models.KycApproved
	if p.Decision == "rejected" {
		next = models.KycRejected
	}

	// Replayed decision: already applied, nothing to do.
	if verification.Status == next {
		m.logger.Info("webhook replay ignored",
			zap.String("verification_id", verificationID.String()),
			zap.String("decision", p.Decision))
		return nil
	}
	if verification.Status.Terminal() {
		return apperrors.Conflict("verification %s already settled as %s", verificationID, verification.Status)
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if next == models.KycApproved {
			// A whole-verification approval must not leave any document
			// pending underneath it.
			if err := m.settleOutstandingDocuments(tx, verificationID, nil, time.Now()); err != nil {
				return err
			}
		}
		if p.RiskLevel != "" || p.ProviderRef != "" {
			updates := map[string]interface{}{"updated_at": time.Now()}
			if p.RiskLevel != "" {
				updates["risk_level"] = p.RiskLevel
			}
			if p.ProviderRef != "" {
				updates["provider_ref"] = p.ProviderRef
			}
			if err := tx.Model(&models.KycVerification{}).Where("id = ?", verificationID).Updates(updates).Error; err != nil {
				return err
			}
		}
		if err := m.recorder.In(tx).Record(ctx, audit.Entry{
			UserID:    &verification.UserID,
			EventType: audit.EventKycWebhook,
			Outcome:   audit.OutcomeSuccess,
			Metadata: map[string]interface{}{
				"verification_id": verificationID.String(),
				"decision":        p.Decision,
				"risk_level":      p.RiskLevel,
			},
		}); err != nil {
			return err
		}
		return m.applyTransition(ctx, tx, &verification, next, p.Reason, nil)
	})
	if err != nil {
		return err
	}

	if next == models.KycApproved && m.onTransition != nil {
		m.onTransition(ctx, verification.UserID, next)
	}
	return nil
}
