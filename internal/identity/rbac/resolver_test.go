package rbac

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/clearvest/identity/internal/identity/audit"
	apperrors "github.com/clearvest/identity/pkg/errors"
	"github.com/clearvest/identity/pkg/models"
)

func setupResolver(t *testing.T) (*Resolver, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Role{}, &models.Permission{}, &models.RolePermission{},
		&models.RoleAssignment{}, &models.ActivityLog{}))

	recorder := audit.NewRecorder(zap.NewNop(), db)
	return NewResolver(zap.NewNop(), db, recorder), db
}

func seedRoles(t *testing.T, r *Resolver) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.EnsureRole(ctx, "investor", []string{"portfolio:read", "investment:place"}))
	require.NoError(t, r.EnsureRole(ctx, "reviewer", []string{"kyc:review", "portfolio:read"}))
}

func TestPermissionsUnionAcrossActiveRoles(t *testing.T) {
	resolver, _ := setupResolver(t)
	seedRoles(t, resolver)
	ctx := context.Background()
	userID := uuid.New()
	admin := uuid.New()

	require.NoError(t, resolver.AssignRole(ctx, userID, "investor", admin))
	require.NoError(t, resolver.AssignRole(ctx, userID, "reviewer", admin))

	perms, err := resolver.GetPermissionsByUserID(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []string{"investment:place", "kyc:review", "portfolio:read"}, perms,
		"shared permissions must appear once")
}

func TestRevokedAssignmentDoesNotCount(t *testing.T) {
	resolver, _ := setupResolver(t)
	seedRoles(t, resolver)
	ctx := context.Background()
	userID := uuid.New()
	admin := uuid.New()

	require.NoError(t, resolver.AssignRole(ctx, userID, "investor", admin))
	require.NoError(t, resolver.RevokeRole(ctx, userID, "investor"))

	perms, err := resolver.GetPermissionsByUserID(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, perms)

	ok, err := resolver.HasPermission(ctx, userID, "portfolio:read")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReassignReactivatesInsteadOfDuplicating(t *testing.T) {
	resolver, db := setupResolver(t)
	seedRoles(t, resolver)
	ctx := context.Background()
	userID := uuid.New()
	admin := uuid.New()

	require.NoError(t, resolver.AssignRole(ctx, userID, "investor", admin))
	require.NoError(t, resolver.RevokeRole(ctx, userID, "investor"))
	require.NoError(t, resolver.AssignRole(ctx, userID, "investor", admin))

	var count int64
	db.Model(&models.RoleAssignment{}).Where("user_id = ?", userID).Count(&count)
	assert.EqualValues(t, 1, count)

	ok, err := resolver.HasPermission(ctx, userID, "investment:place")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnknownRole(t *testing.T) {
	resolver, _ := setupResolver(t)
	ctx := context.Background()

	err := resolver.AssignRole(ctx, uuid.New(), "ghost", uuid.New())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	err = resolver.RevokeRole(ctx, uuid.New(), "ghost")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestEnsureRoleIsIdempotent(t *testing.T) {
	resolver, db := setupResolver(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, resolver.EnsureRole(ctx, "investor", []string{"portfolio:read"}))
	}

	var roles, perms, links int64
	db.Model(&models.Role{}).Count(&roles)
	db.Model(&models.Permission{}).Count(&perms)
	db.Model(&models.RolePermission{}).Count(&links)
	assert.EqualValues(t, 1, roles)
	assert.EqualValues(t, 1, perms)
	assert.EqualValues(t, 1, links)
}
