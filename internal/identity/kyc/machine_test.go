package kyc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/clearvest/identity/internal/identity/audit"
	"github.com/clearvest/identity/internal/identity/storage"
	apperrors "github.com/clearvest/identity/pkg/errors"
	"github.com/clearvest/identity/pkg/models"
)

type memoryBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func newMemoryBlobStore() *memoryBlobStore {
	return &memoryBlobStore{objects: map[string][]byte{}}
}

func (s *memoryBlobStore) Upload(_ context.Context, r io.Reader, meta storage.ObjectMetadata) (string, error) {
	if s.fail {
		return "", errors.New("bucket unavailable")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := fmt.Sprintf("mem/%s/%s", uuid.New(), meta.FileName)
	s.objects[path] = data
	return path, nil
}

func (s *memoryBlobStore) Fetch(_ context.Context, path string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, errors.New("no such object")
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

func (s *memoryBlobStore) Delete(_ context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[path]
	delete(s.objects, path)
	return ok, nil
}

type hookCapture struct {
	mu    sync.Mutex
	calls []models.KycStatus
}

func (h *hookCapture) hook(_ context.Context, _ uuid.UUID, status models.KycStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, status)
}

func setupMachine(t *testing.T) (*Machine, *gorm.DB, *memoryBlobStore, *hookCapture) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.KycVerification{}, &models.KycDocument{}, &models.ActivityLog{}))

	blobs := newMemoryBlobStore()
	hook := &hookCapture{}
	recorder := audit.NewRecorder(zap.NewNop(), db)
	machine := NewMachine(zap.NewNop(), db, recorder, blobs, 365*24*time.Hour,
		[]string{"passport", "proof_of_income"}, hook.hook)
	return machine, db, blobs, hook
}

func submitTwoDocs(t *testing.T, machine *Machine, userID uuid.UUID) *models.KycVerification {
	t.Helper()
	verification, err := machine.Submit(context.Background(), userID, []DocumentUpload{
		{Type: "passport", FileName: "passport.pdf", ContentType: "application/pdf", Content: strings.NewReader("passport-bytes")},
		{Type: "proof_of_income", FileName: "income.pdf", ContentType: "application/pdf", Content: strings.NewReader("income-bytes")},
	})
	require.NoError(t, err)
	return verification
}

func TestSubmitCreatesPendingDocuments(t *testing.T) {
	machine, _, blobs, _ := setupMachine(t)
	userID := uuid.New()

	verification := submitTwoDocs(t, machine, userID)
	assert.Equal(t, models.KycInProgress, verification.Status)

	docs, err := machine.Documents(context.Background(), verification.ID)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	for _, d := range docs {
		assert.Equal(t, models.DocumentPending, d.Status)
		assert.True(t, d.Required)
		assert.NotEmpty(t, d.FileHash)
		_, ok := blobs.objects[d.FilePath]
		assert.True(t, ok, "document bytes must be in the blob store")
	}
}

func TestSubmitFailsWhenUploadFails(t *testing.T) {
	machine, db, blobs, _ := setupMachine(t)
	blobs.fail = true
	userID := uuid.New()

	_, err := machine.Submit(context.Background(), userID, []DocumentUpload{
		{Type: "passport", FileName: "passport.pdf", ContentType: "application/pdf", Content: strings.NewReader("x")},
		{Type: "proof_of_income", FileName: "income.pdf", ContentType: "application/pdf", Content: strings.NewReader("y")},
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrExternal))

	var count int64
	db.Model(&models.KycVerification{}).Where("user_id = ?", userID).Count(&count)
	assert.Zero(t, count, "a failed upload must not leave a verification behind")
}

func TestSubmitRejectedWhileInProgress(t *testing.T) {
	machine, _, _, _ := setupMachine(t)
	userID := uuid.New()
	submitTwoDocs(t, machine, userID)

	_, err := machine.Submit(context.Background(), userID, []DocumentUpload{
		{Type: "passport", FileName: "p2.pdf", ContentType: "application/pdf", Content: strings.NewReader("x")},
		{Type: "proof_of_income", FileName: "i2.pdf", ContentType: "application/pdf", Content: strings.NewReader("y")},
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestSubmitRequiresConfiguredDocumentSet(t *testing.T) {
	machine, db, _, _ := setupMachine(t)
	userID := uuid.New()

	_, err := machine.Submit(context.Background(), userID, []DocumentUpload{
		{Type: "passport", FileName: "passport.pdf", ContentType: "application/pdf", Content: strings.NewReader("x")},
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
	assert.Contains(t, err.Error(), "proof_of_income")

	var count int64
	db.Model(&models.KycVerification{}).Where("user_id = ?", userID).Count(&count)
	assert.Zero(t, count, "an incomplete document set must not open a cycle")
}

func TestApprovingAllRequiredDocumentsApproves(t *testing.T) {
	machine, _, _, hook := setupMachine(t)
	userID := uuid.New()
	ctx := context.Background()
	verification := submitTwoDocs(t, machine, userID)

	docs, err := machine.Documents(ctx, verification.ID)
	require.NoError(t, err)

	reviewer := uuid.New()
	require.NoError(t, machine.VerifyDocument(ctx, docs[0].ID, true, "", &reviewer))

	status, _, err := machine.CurrentStatus(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, models.KycInProgress, status, "one pending document keeps the cycle open")

	require.NoError(t, machine.VerifyDocument(ctx, docs[1].ID, true, "", &reviewer))

	status, current, err := machine.CurrentStatus(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, models.KycApproved, status)
	require.NotNil(t, current.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(365*24*time.Hour), *current.ExpiresAt, time.Minute)
	assert.Contains(t, hook.calls, models.KycApproved)
}

func TestRejectingARequiredDocumentRejects(t *testing.T) {
	machine, _, _, _ := setupMachine(t)
	userID := uuid.New()
	ctx := context.Background()
	verification := submitTwoDocs(t, machine, userID)

	docs, err := machine.Documents(ctx, verification.ID)
	require.NoError(t, err)

	require.NoError(t, machine.VerifyDocument(ctx, docs[0].ID, false, "photo unreadable", nil))

	status, current, err := machine.CurrentStatus(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, models.KycRejected, status)
	assert.Equal(t, "photo unreadable", current.RejectionReason)
	assert.Nil(t, current.ExpiresAt)
}

func TestRejectionRequiresReason(t *testing.T) {
	machine, _, _, _ := setupMachine(t)
	userID := uuid.New()
	ctx := context.Background()
	verification := submitTwoDocs(t, machine, userID)

	docs, err := machine.Documents(ctx, verification.ID)
	require.NoError(t, err)

	err = machine.VerifyDocument(ctx, docs[0].ID, false, "", nil)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestUpdateStatusObeysTransitionTable(t *testing.T) {
	machine, _, _, _ := setupMachine(t)
	userID := uuid.New()
	ctx := context.Background()
	verification := submitTwoDocs(t, machine, userID)

	err := machine.UpdateStatus(ctx, verification.ID, models.KycExpired, "", nil)
	require.Error(t, err, "in_progress cannot expire")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	require.NoError(t, machine.UpdateStatus(ctx, verification.ID, models.KycApproved, "", nil))

	err = machine.UpdateStatus(ctx, verification.ID, models.KycInProgress, "", nil)
	require.Error(t, err, "approved cannot reopen without a fresh submission")
}

func TestLazyExpiryOnRead(t *testing.T) {
	machine, db, _, hook := setupMachine(t)
	userID := uuid.New()
	ctx := context.Background()
	verification := submitTwoDocs(t, machine, userID)

	require.NoError(t, machine.UpdateStatus(ctx, verification.ID, models.KycApproved, "", nil))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&models.KycVerification{}).
		Where("id = ?", verification.ID).
		Update("expires_at", past).Error)

	status, _, err := machine.CurrentStatus(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, models.KycExpired, status)
	assert.Contains(t, hook.calls, models.KycExpired)

	// The expiry is persisted, not just surfaced.
	var stored models.KycVerification
	require.NoError(t, db.First(&stored, "id = ?", verification.ID).Error)
	assert.Equal(t, models.KycExpired, stored.Status)

	// A new cycle is allowed after expiry.
	fresh := submitTwoDocs(t, machine, userID)
	assert.NotEqual(t, verification.ID, fresh.ID)
	status, _, err = machine.CurrentStatus(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, models.KycInProgress, status)
}

func TestWebhookApprovesVerification(t *testing.T) {
	machine, _, _, _ := setupMachine(t)
	userID := uuid.New()
	ctx := context.Background()
	verification := submitTwoDocs(t, machine, userID)

	payload, _ := json.Marshal(WebhookPayload{
		VerificationID: verification.ID.String(),
		Decision:       "approved",
		RiskLevel:      "low",
	})
	require.NoError(t, machine.ProcessWebhook(ctx, payload))

	status, current, err := machine.CurrentStatus(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, models.KycApproved, status)
	assert.Equal(t, "low", current.RiskLevel)

	// A whole-verification approval settles the outstanding documents.
	docs, err := machine.Documents(ctx, verification.ID)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	for _, d := range docs {
		assert.Equal(t, models.DocumentApproved, d.Status)
		require.NotNil(t, d.ReviewedAt)
	}
}

func TestWebhookApprovalRefusedWithRejectedRequiredDocument(t *testing.T) {
	machine, db, _, _ := setupMachine(t)
	userID := uuid.New()
	ctx := context.Background()
	verification := submitTwoDocs(t, machine, userID)

	docs, err := machine.Documents(ctx, verification.ID)
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.KycDocument{}).
		Where("id = ?", docs[0].ID).
		Update("status", models.DocumentRejected).Error)

	payload, _ := json.Marshal(WebhookPayload{
		VerificationID: verification.ID.String(),
		Decision:       "approved",
	})
	err = machine.ProcessWebhook(ctx, payload)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))

	status, _, err := machine.CurrentStatus(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, models.KycInProgress, status, "a contradicted approval must not apply")
}

func TestUpdateStatusApprovalSettlesPendingDocuments(t *testing.T) {
	machine, _, _, _ := setupMachine(t)
	userID := uuid.New()
	ctx := context.Background()
	verification := submitTwoDocs(t, machine, userID)

	reviewer := uuid.New()
	require.NoError(t, machine.UpdateStatus(ctx, verification.ID, models.KycApproved, "manual clearance", &reviewer))

	docs, err := machine.Documents(ctx, verification.ID)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	for _, d := range docs {
		assert.Equal(t, models.DocumentApproved, d.Status)
		require.NotNil(t, d.ReviewedBy)
		assert.Equal(t, reviewer, *d.ReviewedBy)
	}
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	machine, db, _, _ := setupMachine(t)
	userID := uuid.New()
	ctx := context.Background()
	verification := submitTwoDocs(t, machine, userID)

	payload, _ := json.Marshal(WebhookPayload{
		VerificationID: verification.ID.String(),
		Decision:       "approved",
	})
	require.NoError(t, machine.ProcessWebhook(ctx, payload))

	var before int64
	db.Model(&models.ActivityLog{}).Count(&before)

	require.NoError(t, machine.ProcessWebhook(ctx, payload), "replay must be acknowledged")

	var after int64
	db.Model(&models.ActivityLog{}).Count(&after)
	assert.Equal(t, before, after, "a replay must not append a second audit entry")
}

func TestWebhookConflictingDecisionOnTerminalState(t *testing.T) {
	machine, _, _, _ := setupMachine(t)
	userID := uuid.New()
	ctx := context.Background()
	verification := submitTwoDocs(t, machine, userID)

	approve, _ := json.Marshal(WebhookPayload{
		VerificationID: verification.ID.String(),
		Decision:       "approved",
	})
	require.NoError(t, machine.ProcessWebhook(ctx, approve))

	reject, _ := json.Marshal(WebhookPayload{
		VerificationID: verification.ID.String(),
		Decision:       "rejected",
		Reason:         "late finding",
	})
	err := machine.ProcessWebhook(ctx, reject)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))
}

func TestWebhookMalformedPayload(t *testing.T) {
	machine, db, _, _ := setupMachine(t)

	for _, payload := range []string{
		`{not json`,
		`{"verification_id":"not-a-uuid","decision":"approved"}`,
		`{"verification_id":"` + uuid.NewString() + `","decision":"maybe"}`,
	} {
		err := machine.ProcessWebhook(context.Background(), []byte(payload))
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrValidation), payload)
	}

	var count int64
	db.Model(&models.ActivityLog{}).Count(&count)
	assert.Zero(t, count, "malformed payloads must leave no partial state")
}

func TestWebhookDocumentDecisionDrivesAggregate(t *testing.T) {
	machine, _, _, _ := setupMachine(t)
	userID := uuid.New()
	ctx := context.Background()
	verification := submitTwoDocs(t, machine, userID)

	docs, err := machine.Documents(ctx, verification.ID)
	require.NoError(t, err)

	for _, d := range docs {
		payload, _ := json.Marshal(WebhookPayload{
			VerificationID: verification.ID.String(),
			DocumentID:     d.ID.String(),
			Decision:       "approved",
		})
		require.NoError(t, machine.ProcessWebhook(ctx, payload))
	}

	status, _, err := machine.CurrentStatus(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, models.KycApproved, status)
}

func TestWebhookDocumentDecisionOnSettledCycleLeavesNoAudit(t *testing.T) {
	machine, db, _, _ := setupMachine(t)
	userID := uuid.New()
	ctx := context.Background()
	verification := submitTwoDocs(t, machine, userID)

	docs, err := machine.Documents(ctx, verification.ID)
	require.NoError(t, err)
	require.NoError(t, machine.VerifyDocument(ctx, docs[0].ID, false, "photo unreadable", nil))

	var before int64
	db.Model(&models.ActivityLog{}).Count(&before)

	payload, _ := json.Marshal(WebhookPayload{
		VerificationID: verification.ID.String(),
		DocumentID:     docs[1].ID.String(),
		Decision:       "approved",
	})
	err = machine.ProcessWebhook(ctx, payload)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	var after int64
	db.Model(&models.ActivityLog{}).Count(&after)
	assert.Equal(t, before, after, "a failed review must not leave a webhook audit entry")
}
