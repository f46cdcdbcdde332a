// Package bootstrap holds the one-shot provisioning helpers shared by
// worker startup and the admin CLI: bucket creation and the idempotent
// admin account seed.
package bootstrap

import (
	"context"
	"strings"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/logger"
	"github.com/JunyuZhan/pis-worker/internal/models"
	"github.com/JunyuZhan/pis-worker/internal/storage"
	"github.com/JunyuZhan/pis-worker/internal/store"
)

// actor recorded on audit entries written here.
const actor = "bootstrap"

// EnsureBucket invokes the storage adapter's bucket capability when it
// has one. Adapters without the capability need no provisioning.
func EnsureBucket(ctx context.Context, adapter storage.Adapter, log *logger.Logger) error {
	ensurer, ok := adapter.(storage.BucketEnsurer)
	if !ok {
		log.Debug("storage adapter manages no buckets")
		return nil
	}
	if err := ensurer.EnsureBucket(ctx); err != nil {
		return err
	}
	log.Info("storage bucket ensured")
	return nil
}

// SeedResult reports what SeedAdmin changed.
type SeedResult struct {
	UserID  string
	Email   string
	Created bool
	Revived bool
	Rotated bool
}

// Changed reports whether the seed mutated anything.
func (r *SeedResult) Changed() bool {
	return r.Created || r.Revived || r.Rotated
}

// SeedAdmin makes sure the bootstrap admin account exists. Matching is
// by case-insensitive email. A fresh install gets a new admin row; an
// existing row is left alone unless rotate asks for a new password or a
// tombstone needs clearing. An empty password on create leaves the hash
// NULL, which locks the account until a password is set.
//
// One active admin is the steady state; seeding a second one is
// refused so the invariant survives fat-fingered emails.
func SeedAdmin(ctx context.Context, st *store.Store, log *logger.Logger, email, password string, rotate bool) (*SeedResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperr.Validation.New("seed admin: invalid email %q", email)
	}
	log = log.WithComponent("bootstrap").WithField("email", email)

	existing, err := st.UserByEmail(ctx, email)
	if apperr.IsNotFound(err) {
		return createAdmin(ctx, st, log, email, password)
	}
	if err != nil {
		return nil, err
	}
	if existing.Role != models.RoleAdmin {
		return nil, apperr.Conflict.New("seed admin: %s already exists with role %s", email, existing.Role)
	}

	result := &SeedResult{UserID: existing.ID, Email: existing.Email}
	if existing.IsDeleted() {
		if err := ensureNoOtherAdmin(ctx, st, existing.ID); err != nil {
			return nil, err
		}
		if err := st.ReviveUser(ctx, existing.ID); err != nil {
			return nil, err
		}
		result.Revived = true
		log.Info("tombstoned admin revived")
	}

	needsPassword := existing.PasswordHash == nil && password != ""
	if rotate || needsPassword {
		if password == "" {
			return nil, apperr.Validation.New("seed admin: password rotation requires a password")
		}
		hash, err := HashPassword(password)
		if err != nil {
			return nil, err
		}
		if err := st.SetUserPassword(ctx, existing.ID, &hash); err != nil {
			return nil, err
		}
		result.Rotated = true
		log.Info("admin password rotated")
	}

	if result.Changed() {
		auditSeed(ctx, st, log, result)
	}
	return result, nil
}

func createAdmin(ctx context.Context, st *store.Store, log *logger.Logger, email, password string) (*SeedResult, error) {
	if err := ensureNoOtherAdmin(ctx, st, ""); err != nil {
		return nil, err
	}

	var hash *string
	if password != "" {
		h, err := HashPassword(password)
		if err != nil {
			return nil, err
		}
		hash = &h
	}
	user, err := st.InsertUser(ctx, &models.User{
		Email:        email,
		Role:         models.RoleAdmin,
		IsActive:     true,
		PasswordHash: hash,
	})
	if err != nil {
		return nil, err
	}

	result := &SeedResult{UserID: user.ID, Email: user.Email, Created: true}
	if hash == nil {
		log.Warn("admin created without password; account is locked until one is set")
	} else {
		log.Info("admin created")
	}
	auditSeed(ctx, st, log, result)
	return result, nil
}

// ensureNoOtherAdmin refuses to bring a second active admin into
// existence. selfID exempts the account being seeded.
func ensureNoOtherAdmin(ctx context.Context, st *store.Store, selfID string) error {
	admins, err := st.ActiveAdmins(ctx)
	if err != nil {
		return err
	}
	for _, admin := range admins {
		if admin.ID != selfID {
			return apperr.Conflict.New("seed admin: active admin %s already exists", admin.Email)
		}
	}
	return nil
}

func auditSeed(ctx context.Context, st *store.Store, log *logger.Logger, result *SeedResult) {
	action := store.ActionAdminSeeded
	if !result.Created && result.Rotated {
		action = store.ActionPasswordRotated
	}
	err := st.RecordAudit(ctx, actor, action, store.TargetUser, result.UserID, map[string]any{
		"email":   result.Email,
		"created": result.Created,
		"revived": result.Revived,
		"rotated": result.Rotated,
	})
	if err != nil {
		log.WithError(err).Warn("audit write failed")
	}
}
