package models

import (
	"time"

	"github.com/JunyuZhan/pis-worker/internal/database"
)

// User roles.
const (
	RoleAdmin        = "admin"
	RolePhotographer = "photographer"
	RoleRetoucher    = "retoucher"
	RoleGuest        = "guest"
)

// User represents an operator account. Maps to the 'users' table.
// The worker only ever touches admin seeding; everything else is the
// web tier's business.
type User struct {
	ID           string
	Email        string
	PasswordHash *string
	Role         string
	IsActive     bool
	DeletedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserFromRow builds a User from a database row.
func UserFromRow(r database.Row) *User {
	return &User{
		ID:           r.String("id"),
		Email:        r.String("email"),
		PasswordHash: r.StringPtr("password_hash"),
		Role:         r.String("role"),
		IsActive:     r.Bool("is_active"),
		DeletedAt:    r.TimePtr("deleted_at"),
		CreatedAt:    r.Time("created_at"),
		UpdatedAt:    r.Time("updated_at"),
	}
}

// IsDeleted reports whether the account is tombstoned.
func (u *User) IsDeleted() bool {
	return u.DeletedAt != nil
}
