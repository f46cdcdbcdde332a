// Package store is the persistence layer for the worker. Every read and
// write goes through the database.Adapter interface, so the same code
// runs against postgres, the Supabase REST gateway, and the in-memory
// adapter used in tests.
package store

import (
	"time"

	"github.com/JunyuZhan/pis-worker/internal/database"
	"github.com/JunyuZhan/pis-worker/internal/logger"
)

// Store provides typed access to albums, photos, users and event logs.
type Store struct {
	db  database.Adapter
	log *logger.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New creates a Store on top of a database adapter.
func New(db database.Adapter, log *logger.Logger) *Store {
	return &Store{
		db:  db,
		log: log.WithComponent("store"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// DB exposes the underlying adapter for health checks.
func (s *Store) DB() database.Adapter {
	return s.db
}
