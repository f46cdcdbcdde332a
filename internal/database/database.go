// Package database defines the uniform table-oriented query interface the
// worker uses for all persistence. Filters are built with a fluent Query
// and compiled per backend: parameterized SQL for postgres, a PostgREST
// query string for the supabase adapter, direct evaluation for the
// in-memory adapter. Rows travel as loosely-typed maps; typed entities are
// reconstructed in internal/models.
package database

import (
	"context"
)

// Adapter is implemented by every database backend. All methods normalize
// backend-native failures into apperr classes; FindOne returns
// apperr.NotFound when no row matches.
type Adapter interface {
	// FindOne returns the first row matching q.
	FindOne(ctx context.Context, table string, q Query) (Row, error)
	// FindMany returns all rows matching q, honoring order/limit/offset.
	FindMany(ctx context.Context, table string, q Query) ([]Row, error)
	// Insert stores values and returns the stored representation.
	Insert(ctx context.Context, table string, values Row) (Row, error)
	// Update applies values to every row matching q and returns the
	// number of rows affected.
	Update(ctx context.Context, table string, q Query, values Row) (int64, error)
	// Delete removes every row matching q and returns the number removed.
	Delete(ctx context.Context, table string, q Query) (int64, error)
	// Count returns the number of rows matching q, compiled from the same
	// WHERE as FindMany.
	Count(ctx context.Context, table string, q Query) (int64, error)
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	// Close releases the underlying pool or client.
	Close() error
}

// Table names shared by all backends.
const (
	TableAlbums           = "albums"
	TablePhotos           = "photos"
	TablePhotoGroups      = "photo_groups"
	TableGroupAssignments = "photo_group_assignments"
	TableUsers            = "users"
	TableAuditLogs        = "audit_logs"
	TableAlbumViews       = "album_views"
	TablePhotoViews       = "photo_views"
	TableDownloadLogs     = "download_logs"
	TableTranslations     = "translations"
)
