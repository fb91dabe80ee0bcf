// Package rbac resolves a user's effective permissions. The model is flat
// allow: permissions union across active role assignments, no deny rules, so
// no conflict resolution is needed.
package rbac

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/clearvest/identity/internal/identity/audit"
	apperrors "github.com/clearvest/identity/pkg/errors"
	"github.com/clearvest/identity/pkg/models"
)

// Resolver answers permission queries and manages role assignments.
type Resolver struct {
	db       *gorm.DB
	logger   *zap.Logger
	recorder *audit.Recorder
}

func NewResolver(logger *zap.Logger, db *gorm.DB, recorder *audit.Recorder) *Resolver {
	return &Resolver{db: db, logger: logger, recorder: recorder}
}

// GetPermissionsByUserID returns the union of permission names across the
// user's active role assignments, sorted for stable output.
func (r *Resolver) GetPermissionsByUserID(ctx context.Context, userID uuid.UUID) ([]string, error) {
	var names []string
	err := r.db.WithContext(ctx).
		Model(&models.Permission{}).
		Distinct("permissions.name").
		Joins("JOIN role_permissions ON role_permissions.permission_id = permissions.id").
		Joins("JOIN role_assignments ON role_assignments.role_id = role_permissions.role_id").
		Where("role_assignments.user_id = ? AND role_assignments.is_active = ?", userID, true).
		Pluck("permissions.name", &names).Error
	if err != nil {
		return nil, apperrors.Internal("failed to resolve permissions", err)
	}
	sort.Strings(names)
	return names, nil
}

// HasPermission reports whether any active assignment grants the permission.
func (r *Resolver) HasPermission(ctx context.Context, userID uuid.UUID, permission string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.Permission{}).
		Joins("JOIN role_permissions ON role_permissions.permission_id = permissions.id").
		Joins("JOIN role_assignments ON role_assignments.role_id = role_permissions.role_id").
		Where("role_assignments.user_id = ? AND role_assignments.is_active = ? AND permissions.name = ?",
			userID, true, permission).
		Count(&count).Error
	if err != nil {
		return false, apperrors.Internal("failed to resolve permission", err)
	}
	return count > 0, nil
}

// AssignRole grants a role by name, reactivating a prior revoked assignment
// rather than stacking duplicates.
func (r *Resolver) AssignRole(ctx context.Context, userID uuid.UUID, roleName string, assignedBy uuid.UUID) error {
	var role models.Role
	if err := r.db.WithContext(ctx).Where("name = ?", roleName).First(&role).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return apperrors.NotFound("role %q not found", roleName)
		}
		return apperrors.Internal("failed to load role", err)
	}

	now := time.Now()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.RoleAssignment
		err := tx.Where("user_id = ? AND role_id = ?", userID, role.ID).First(&existing).Error
		switch err {
		case nil:
			if existing.IsActive {
				return nil
			}
			if err := tx.Model(&existing).Updates(map[string]interface{}{
				"is_active":   true,
				"assigned_by": assignedBy,
				"updated_at":  now,
			}).Error; err != nil {
				return err
			}
		case gorm.ErrRecordNotFound:
			assignment := models.RoleAssignment{
				ID:         uuid.New(),
				UserID:     userID,
				RoleID:     role.ID,
				IsActive:   true,
				AssignedBy: assignedBy,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.Create(&assignment).Error; err != nil {
				return err
			}
		default:
			return err
		}

		return r.recorder.In(tx).Record(ctx, audit.Entry{
			UserID:    &userID,
			ActorID:   &assignedBy,
			EventType: audit.EventRoleAssigned,
			Outcome:   audit.OutcomeSuccess,
			Metadata:  map[string]interface{}{"role": roleName},
		})
	})
	if err != nil {
		return apperrors.Internal("failed to assign role", err)
	}

	r.logger.Info("role assigned",
		zap.String("user_id", userID.String()),
		zap.String("role", roleName))
	return nil
}

// RevokeRole deactivates an assignment; the grant history stays in place.
func (r *Resolver) RevokeRole(ctx context.Context, userID uuid.UUID, roleName string) error {
	var role models.Role
	if err := r.db.WithContext(ctx).Where("name = ?", roleName).First(&role).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return apperrors.NotFound("role %q not found", roleName)
		}
		return apperrors.Internal("failed to load role", err)
	}

	res := r.db.WithContext(ctx).Model(&models.RoleAssignment{}).
		Where("user_id = ? AND role_id = ? AND is_active = ?", userID, role.ID, true).
		Updates(map[string]interface{}{"is_active": false, "updated_at": time.Now()})
	if res.Error != nil {
		return apperrors.Internal("failed to revoke role", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound("user has no active %q assignment", roleName)
	}
	return nil
}

// EnsureRole creates the role and its permission grants if missing. Used at
// startup to seed the built-in roles; safe to call repeatedly.
func (r *Resolver) EnsureRole(ctx context.Context, name string, permissions []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var role models.Role
		err := tx.Where("name = ?", name).First(&role).Error
		if err == gorm.ErrRecordNotFound {
			role = models.Role{ID: uuid.New(), Name: name, CreatedAt: time.Now()}
			if err := tx.Create(&role).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		for _, permName := range permissions {
			var perm models.Permission
			err := tx.Where("name = ?", permName).First(&perm).Error
			if err == gorm.ErrRecordNotFound {
				perm = models.Permission{ID: uuid.New(), Name: permName, CreatedAt: time.Now()}
				if err := tx.Create(&perm).Error; err != nil {
					return err
				}
			} else if err != nil {
				return err
			}

			var count int64
			if err := tx.Model(&models.RolePermission{}).
				Where("role_id = ? AND permission_id = ?", role.ID, perm.ID).
				Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				link := models.RolePermission{RoleID: role.ID, PermissionID: perm.ID}
				if err := tx.Create(&link).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}
