// User-related database operations. The worker only needs these for
// admin bootstrap; day-to-day account management lives in the web tier.

package store

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/database"
	"github.com/JunyuZhan/pis-worker/internal/models"
)

// UserByEmail finds a user by case-insensitive email match. ILIKE
// narrows the candidates; the exact fold comparison happens here so
// LIKE wildcards inside the address cannot widen the match. Live rows
// win over tombstoned ones.
func (s *Store) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	rows, err := s.db.FindMany(ctx, database.TableUsers,
		database.Q().Where("email~~", email).Limit(10))
	if err != nil {
		return nil, err
	}
	var tombstoned *models.User
	for _, row := range rows {
		u := models.UserFromRow(row)
		if !strings.EqualFold(u.Email, email) {
			continue
		}
		if !u.IsDeleted() {
			return u, nil
		}
		if tombstoned == nil {
			tombstoned = u
		}
	}
	if tombstoned != nil {
		return tombstoned, nil
	}
	return nil, apperr.NotFound.New("user %s: not found", email)
}

// InsertUser stores a new account row and returns the stored copy.
func (s *Store) InsertUser(ctx context.Context, u *models.User) (*models.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := s.now()
	row := database.Row{
		"id":         u.ID,
		"email":      u.Email,
		"role":       u.Role,
		"is_active":  u.IsActive,
		"created_at": now,
		"updated_at": now,
	}
	if u.PasswordHash != nil {
		row["password_hash"] = *u.PasswordHash
	}
	stored, err := s.db.Insert(ctx, database.TableUsers, row)
	if err != nil {
		return nil, err
	}
	return models.UserFromRow(stored), nil
}

// SetUserPassword replaces the password hash. A nil hash locks the
// account until a password is set.
func (s *Store) SetUserPassword(ctx context.Context, id string, hash *string) error {
	row := database.Row{
		"updated_at": s.now(),
	}
	if hash != nil {
		row["password_hash"] = *hash
	} else {
		row["password_hash"] = nil
	}
	affected, err := s.db.Update(ctx, database.TableUsers,
		database.Q().Where("id", id).Where("deleted_at?", nil), row)
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound.New("user %s: not found", id)
	}
	return nil
}

// ReviveUser clears a tombstone so a re-seeded admin reuses its row.
func (s *Store) ReviveUser(ctx context.Context, id string) error {
	affected, err := s.db.Update(ctx, database.TableUsers,
		database.Q().Where("id", id),
		database.Row{
			"deleted_at": nil,
			"is_active":  true,
			"updated_at": s.now(),
		})
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound.New("user %s: not found", id)
	}
	return nil
}

// ActiveAdmins lists live admin accounts.
func (s *Store) ActiveAdmins(ctx context.Context) ([]*models.User, error) {
	rows, err := s.db.FindMany(ctx, database.TableUsers,
		database.Q().
			Where("role", models.RoleAdmin).
			Where("is_active", true).
			Where("deleted_at?", nil).
			OrderBy("created_at", database.Asc))
	if err != nil {
		return nil, err
	}
	users := make([]*models.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, models.UserFromRow(row))
	}
	return users, nil
}
