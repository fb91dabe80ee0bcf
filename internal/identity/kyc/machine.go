// Package kyc drives identity-document review to a terminal outcome.
//
// One verification record covers one review cycle: submission creates the
// record InProgress with every required document Pending, document reviews
// (manual or provider-driven) move it to Approved or Rejected, and approval
// carries a validity window after which reads surface Expired. A new cycle
// after expiry creates a fresh record; expired approvals are never reused.
package kyc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/clearvest/identity/internal/identity/audit"
	"github.com/clearvest/identity/internal/identity/storage"
	apperrors "github.com/clearvest/identity/pkg/errors"
	"github.com/clearvest/identity/pkg/metrics"
	"github.com/clearvest/identity/pkg/models"
)

// transitions is the only legal status graph. Expired→InProgress happens
// exclusively through a fresh submission, never through a status update.
var transitions = map[models.KycStatus][]models.KycStatus{
	models.KycNotStarted: {models.KycInProgress},
	models.KycInProgress: {models.KycApproved, models.KycRejected},
	models.KycApproved:   {models.KycExpired},
	models.KycRejected:   {},
	models.KycExpired:    {},
}

func canTransition(from, to models.KycStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// DocumentUpload is one document handed in with a submission.
type DocumentUpload struct {
	Type        string
	FileName    string
	ContentType string
	Size        int64
	Content     io.Reader
}

// TransitionHook runs after a verification commits a transition to Approved
// or Expired; the accreditation engine subscribes to recompute limits.
type TransitionHook func(ctx context.Context, userID uuid.UUID, status models.KycStatus)

// Machine is the KYC verification state machine.
type Machine struct {
	db           *gorm.DB
	logger       *zap.Logger
	recorder     *audit.Recorder
	blobs        storage.BlobStore
	validity     time.Duration
	requiredDocs []string
	onTransition TransitionHook
}

// NewMachine creates the state machine. hook may be nil.
func NewMachine(logger *zap.Logger, db *gorm.DB, recorder *audit.Recorder, blobs storage.BlobStore, validity time.Duration, requiredDocs []string, hook TransitionHook) *Machine {
	return &Machine{
		db:           db,
		logger:       logger,
		recorder:     recorder,
		blobs:        blobs,
		validity:     validity,
		requiredDocs: requiredDocs,
		onTransition: hook,
	}
}

// Submit starts a verification cycle. The submission must cover every
// configured required document type, and is allowed only when the user has
// no cycle yet or the last one expired. Blob uploads happen before the record
// is written: a failed upload fails the submission with nothing stored.
func (m *Machine) Submit(ctx context.Context, userID uuid.UUID, docs []DocumentUpload) (*models.KycVerification, error) {
	if len(docs) == 0 {
		return nil, apperrors.Validation("at least one document is required")
	}
	provided := make(map[string]bool, len(docs))
	for _, d := range docs {
		provided[d.Type] = true
	}
	for _, r := range m.requiredDocs {
		if !provided[r] {
			return nil, apperrors.Validation("missing required document %q", r)
		}
	}

	current, err := m.latest(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		status := m.effectiveStatus(current)
		if status != models.KycExpired && status != models.KycNotStarted {
			return nil, apperrors.Validation("verification already %s; resubmission allowed only after expiry", status)
		}
	}

	now := time.Now()

	type uploaded struct {
		doc  DocumentUpload
		path string
		hash string
	}
	uploads := make([]uploaded, 0, len(docs))
	for _, d := range docs {
		hasher := sha256.New()
		path, err := m.blobs.Upload(ctx, io.TeeReader(d.Content, hasher), storage.ObjectMetadata{
			FileName:    d.FileName,
			ContentType: d.ContentType,
			Size:        d.Size,
		})
		if err != nil {
			// Correctness of a document add depends on the blob existing.
			return nil, apperrors.External("document upload failed", err)
		}
		uploads = append(uploads, uploaded{doc: d, path: path, hash: hex.EncodeToString(hasher.Sum(nil))})
	}

	verification := &models.KycVerification{
		ID:               uuid.New(),
		UserID:           userID,
		Status:           models.KycInProgress,
		VerificationType: "document",
		SubmittedAt:      &now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(verification).Error; err != nil {
			return err
		}
		for _, u := range uploads {
			row := &models.KycDocument{
				ID:             uuid.New(),
				VerificationID: verification.ID,
				UserID:         userID,
				DocumentType:   u.doc.Type,
				Required:       m.isRequired(u.doc.Type),
				Status:         models.DocumentPending,
				FilePath:       u.path,
				FileHash:       u.hash,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
		return m.recorder.In(tx).Record(ctx, audit.Entry{
			UserID:    &userID,
			EventType: audit.EventKycSubmitted,
			Outcome:   audit.OutcomeSuccess,
			Metadata: map[string]interface{}{
				"verification_id": verification.ID.String(),
				"documents":       len(uploads),
			},
		})
	})
	if err != nil {
		return nil, apperrors.Internal("failed to create verification", err)
	}

	metrics.KycTransitions.WithLabelValues(string(models.KycInProgress)).Inc()
	m.logger.Info("verification submitted",
		zap.String("user_id", userID.String()),
		zap.String("verification_id", verification.ID.String()),
		zap.Int("documents", len(docs)))

	return verification, nil
}

// VerifyDocument reviews one document and re-evaluates the aggregate status:
// any required document rejected rejects the verification with that reason;
// all required documents approved approves it and starts the validity clock.
func (m *Machine) VerifyDocument(ctx context.Context, documentID uuid.UUID, approved bool, reason string, reviewer *uuid.UUID) error {
	if !approved && reason == "" {
		return apperrors.Validation("a rejection requires a reason")
	}

	var doc models.KycDocument
	if err := m.db.WithContext(ctx).First(&doc, "id = ?", documentID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return apperrors.NotFound("document %s not found", documentID)
		}
		return apperrors.Internal("failed to load document", err)
	}

	var finalStatus models.KycStatus
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		finalStatus, err = m.reviewDocumentTx(ctx, tx, &doc, approved, reason, reviewer)
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

// reviewDocumentTx applies one review inside tx and re-evaluates the
// aggregate. It returns the verification status after the review;
// KycInProgress means the cycle stays open.
func (m *Machine) reviewDocumentTx(ctx context.Context, tx *gorm.DB, doc *models.KycDocument, approved bool, reason string, reviewer *uuid.UUID) (models.KycStatus, error) {
	var verification models.KycVerification
	if err := tx.First(&verification, "id = ?", doc.VerificationID).Error; err != nil {
		return "", err
	}
	if verification.Status != models.KycInProgress {
		return "", apperrors.Validation("verification is %s; documents can only be reviewed in progress", verification.Status)
	}

	now := time.Now()
	status := models.DocumentApproved
	if !approved {
		status = models.DocumentRejected
	}

	updates := map[string]interface{}{
		"status":           status,
		"rejection_reason": reason,
		"reviewed_at":      now,
		"updated_at":       now,
	}
	if reviewer != nil {
		updates["reviewed_by"] = *reviewer
	}
	if err := tx.Model(&models.KycDocument{}).Where("id = ?", doc.ID).Updates(updates).Error; err != nil {
		return "", err
	}

	if err := m.recorder.In(tx).Record(ctx, audit.Entry{
		UserID:    &doc.UserID,
		ActorID:   reviewer,
		EventType: audit.EventKycDocumentReview,
		Outcome:   audit.OutcomeSuccess,
		Metadata: map[string]interface{}{
			"document_id": doc.ID.String(),
			"approved":    approved,
		},
	}); err != nil {
		return "", err
	}

	next, aggregateReason, err := m.aggregate(tx, verification.ID)
	if err != nil {
		return "", err
	}
	if next == models.KycInProgress {
		return models.KycInProgress, nil
	}

	if err := m.applyTransition(ctx, tx, &verification, next, aggregateReason, reviewer); err != nil {
		return "", err
	}
	return next, nil
}

// settleOutstandingDocuments closes out a verification-level approval: every
// still-pending document is marked approved so stored document state agrees
// with the verification outcome. A rejected required document contradicts
// the approval and fails it.
func (m *Machine) settleOutstandingDocuments(tx *gorm.DB, verificationID uuid.UUID, reviewer *uuid.UUID, now time.Time) error {
	var rejected int64
	err := tx.Model(&models.KycDocument{}).
		Where("verification_id = ? AND required = ? AND status = ?", verificationID, true, models.DocumentRejected).
		Count(&rejected).Error
	if err != nil {
		return err
	}
	if rejected > 0 {
		return apperrors.Conflict("verification %s has a rejected required document", verificationID)
	}

	updates := map[string]interface{}{
		"status":      models.DocumentApproved,
		"reviewed_at": now,
		"updated_at":  now,
	}
	if reviewer != nil {
		updates["reviewed_by"] = *reviewer
	}
	return tx.Model(&models.KycDocument{}).
		Where("verification_id = ? AND status = ?", verificationID, models.DocumentPending).
		Updates(updates).Error
}

// UpdateStatus is the manual reviewer override. It obeys the same transition
// table as document-driven changes; an override approval settles any
// still-pending documents so none remain pending under an approved
// verification.
func (m *Machine) UpdateStatus(ctx context.Context, verificationID uuid.UUID, status models.KycStatus, remarks string, actor *uuid.UUID) error {
	if status == models.KycRejected && remarks == "" {
		return apperrors.Validation("a rejection requires a reason")
	}

	var verification models.KycVerification
	if err := m.db.WithContext(ctx).First(&verification, "id = ?", verificationID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return apperrors.NotFound("verification %s not found", verificationID)
		}
		return apperrors.Internal("failed to load verification", err)
	}

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if status == models.KycApproved {
			if err := m.settleOutstandingDocuments(tx, verification.ID, actor, time.Now()); err != nil {
				return err
			}
		}
		return m.applyTransition(ctx, tx, &verification, status, remarks, actor)
	})
	if err != nil {
		return err
	}

	if (status == models.KycApproved || status == models.KycExpired) && m.onTransition != nil {
		m.onTransition(ctx, verification.UserID, status)
	}
	return nil
}

// CurrentStatus returns the user's effective verification state, applying
// lazy expiry: an approved record past its validity window is persisted as
// expired on first read.
func (m *Machine) CurrentStatus(ctx context.Context, userID uuid.UUID) (models.KycStatus, *models.KycVerification, error) {
	verification, err := m.latest(ctx, userID)
	if err != nil {
		return "", nil, err
	}
	if verification == nil {
		return models.KycNotStarted, nil, nil
	}

	if m.effectiveStatus(verification) == models.KycExpired && verification.Status == models.KycApproved {
		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return m.applyTransition(ctx, tx, verification, models.KycExpired, "", nil)
		})
		if err != nil {
			// A raced expiry is fine; anything else is not.
			if !apperrors.Is(err, apperrors.ErrConflict) {
				return "", nil, err
			}
		} else if m.onTransition != nil {
			m.onTransition(ctx, userID, models.KycExpired)
		}
		verification.MarkExpired()
	}

	return verification.Status, verification, nil
}

// Documents lists a verification's documents.
func (m *Machine) Documents(ctx context.Context, verificationID uuid.UUID) ([]models.KycDocument, error) {
	var docs []models.KycDocument
	err := m.db.WithContext(ctx).
		Where("verification_id = ?", verificationID).
		Order("created_at ASC").
		Find(&docs).Error
	if err != nil {
		return nil, apperrors.Internal("failed to list documents", err)
	}
	return docs, nil
}

// applyTransition moves a verification to next inside tx, enforcing the
// transition table and the status/field invariants, with an optimistic
// guard on the previous status so concurrent transitions cannot apply from
// stale state.
func (m *Machine) applyTransition(ctx context.Context, tx *gorm.DB, verification *models.KycVerification, next models.KycStatus, reason string, actor *uuid.UUID) error {
	prev := verification.Status
	if !canTransition(prev, next) {
		return apperrors.Validation("cannot transition verification from %s to %s", prev, next)
	}

	now := time.Now()
	switch next {
	case models.KycApproved:
		verification.MarkApproved(now, m.validity)
	case models.KycRejected:
		verification.MarkRejected(now, reason)
	case models.KycExpired:
		verification.MarkExpired()
	default:
		return apperrors.Validation("cannot transition verification from %s to %s", prev, next)
	}
	verification.UpdatedAt = now

	res := tx.Model(&models.KycVerification{}).
		Where("id = ? AND status = ?", verification.ID, prev).
		Updates(map[string]interface{}{
			"status":           verification.Status,
			"approved_at":      verification.ApprovedAt,
			"rejected_at":      verification.RejectedAt,
			"rejection_reason": verification.RejectionReason,
			"expires_at":       verification.ExpiresAt,
			"updated_at":       now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.Conflict("verification %s changed concurrently", verification.ID)
	}

	if err := m.recorder.In(tx).Record(ctx, audit.Entry{
		UserID:    &verification.UserID,
		ActorID:   actor,
		EventType: audit.EventKycStatusChanged,
		Outcome:   audit.OutcomeSuccess,
		Metadata: map[string]interface{}{
			"verification_id": verification.ID.String(),
			"from":            string(prev),
			"to":              string(next),
			"reason":          reason,
		},
	}); err != nil {
		return err
	}

	metrics.KycTransitions.WithLabelValues(string(next)).Inc()
	m.logger.Info("verification transitioned",
		zap.String("verification_id", verification.ID.String()),
		zap.String("from", string(prev)),
		zap.String("to", string(next)))
	return nil
}

// aggregate derives the verification status from its required documents.
func (m *Machine) aggregate(tx *gorm.DB, verificationID uuid.UUID) (models.KycStatus, string, error) {
	var docs []models.KycDocument
	if err := tx.Where("verification_id = ? AND required = ?", verificationID, true).Find(&docs).Error; err != nil {
		return "", "", err
	}

	allApproved := len(docs) > 0
	for _, d := range docs {
		switch d.Status {
		case models.DocumentRejected:
			return models.KycRejected, d.RejectionReason, nil
		case models.DocumentPending:
			allApproved = false
		}
	}
	if allApproved {
		return models.KycApproved, "", nil
	}
	return models.KycInProgress, "", nil
}

func (m *Machine) latest(ctx context.Context, userID uuid.UUID) (*models.KycVerification, error) {
	var verification models.KycVerification
	err := m.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&verification).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, apperrors.Internal("failed to load verification", err)
	}
	return &verification, nil
}

// effectiveStatus applies lazy expiry without persisting it.
func (m *Machine) effectiveStatus(v *models.KycVerification) models.KycStatus {
	if v.Status == models.KycApproved && v.ExpiresAt != nil && time.Now().After(*v.ExpiresAt) {
		return models.KycExpired
	}
	return v.Status
}

func (m *Machine) isRequired(docType string) bool {
	for _, r := range m.requiredDocs {
		if r == docType {
			return true
		}
	}
	return false
}
