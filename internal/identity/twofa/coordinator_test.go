package twofa

import (
	"context"
	"sync"
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

func setupCoordinator(t *testing.T) (*Coordinator, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.TwoFactorChallenge{}, &models.User{}))

	return NewCoordinator(zap.NewNop(), db, 10*time.Minute, 3, 6), db
}

func TestGenerateAndValidate(t *testing.T) {
	coord, _ := setupCoordinator(t)
	accountID := uuid.New()
	ctx := context.Background()

	code, err := coord.Generate(ctx, accountID, models.PurposeLogin)
	require.NoError(t, err)
	assert.Len(t, code, 6)

	require.NoError(t, coord.Validate(ctx, accountID, models.PurposeLogin, code))
}

func TestValidateConsumedCodeFails(t *testing.T) {
	coord, _ := setupCoordinator(t)
	accountID := uuid.New()
	ctx := context.Background()

	code, err := coord.Generate(ctx, accountID, models.PurposeLogin)
	require.NoError(t, err)

	require.NoError(t, coord.Validate(ctx, accountID, models.PurposeLogin, code))

	err = coord.Validate(ctx, accountID, models.PurposeLogin, code)
	require.Error(t, err, "a consumed code must never validate again")
}

func TestGenerateInvalidatesPriorChallenge(t *testing.T) {
	coord, _ := setupCoordinator(t)
	accountID := uuid.New()
	ctx := context.Background()

	first, err := coord.Generate(ctx, accountID, models.PurposeLogin)
	require.NoError(t, err)

	second, err := coord.Generate(ctx, accountID, models.PurposeLogin)
	require.NoError(t, err)

	err = coord.Validate(ctx, accountID, models.PurposeLogin, first)
	require.Error(t, err, "superseded code must not validate")

	require.NoError(t, coord.Validate(ctx, accountID, models.PurposeLogin, second))
}

func TestChallengesScopedByPurpose(t *testing.T) {
	coord, _ := setupCoordinator(t)
	accountID := uuid.New()
	ctx := context.Background()

	loginCode, err := coord.Generate(ctx, accountID, models.PurposeLogin)
	require.NoError(t, err)

	resetCode, err := coord.Generate(ctx, accountID, models.PurposePasswordReset)
	require.NoError(t, err)

	// Issuing the reset challenge must not touch the login one.
	require.NoError(t, coord.Validate(ctx, accountID, models.PurposeLogin, loginCode))
	require.NoError(t, coord.Validate(ctx, accountID, models.PurposePasswordReset, resetCode))
}

func TestAttemptCeilingInvalidatesChallenge(t *testing.T) {
	coord, _ := setupCoordinator(t)
	accountID := uuid.New()
	ctx := context.Background()

	code, err := coord.Generate(ctx, accountID, models.PurposeLogin)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		err = coord.Validate(ctx, accountID, models.PurposeLogin, "000000")
		require.Error(t, err)
	}

	// The correct code is dead once the ceiling was hit.
	err = coord.Validate(ctx, accountID, models.PurposeLogin, code)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestAttemptCeilingUsesStoredCounter(t *testing.T) {
	coord, db := setupCoordinator(t)
	accountID := uuid.New()
	ctx := context.Background()

	code, err := coord.Generate(ctx, accountID, models.PurposeLogin)
	require.NoError(t, err)

	var challenge models.TwoFactorChallenge
	require.NoError(t, db.First(&challenge, "user_id = ?", accountID).Error)

	// Failures applied behind this row's back must still count against it.
	require.NoError(t, db.Model(&models.TwoFactorChallenge{}).
		Where("id = ?", challenge.ID).
		Update("attempts", 2).Error)

	err = coord.recordFailure(ctx, &challenge, time.Now())
	require.Error(t, err)

	err = coord.Validate(ctx, accountID, models.PurposeLogin, code)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "the stored counter reached the ceiling")
}

func TestExpiredChallengeFails(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.TwoFactorChallenge{}))

	coord := NewCoordinator(zap.NewNop(), db, -time.Minute, 3, 6)
	accountID := uuid.New()

	code, err := coord.Generate(context.Background(), accountID, models.PurposeLogin)
	require.NoError(t, err)

	err = coord.Validate(context.Background(), accountID, models.PurposeLogin, code)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestConcurrentValidationSingleWinner(t *testing.T) {
	coord, db := setupCoordinator(t)
	// Serialize SQLite access; the single-winner guarantee comes from the
	// conditional update, not from connection scheduling.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	accountID := uuid.New()
	ctx := context.Background()

	code, err := coord.Generate(ctx, accountID, models.PurposeLogin)
	require.NoError(t, err)

	const racers = 8

	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- coord.Validate(ctx, accountID, models.PurposeLogin, code)
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent validation may succeed")
}
