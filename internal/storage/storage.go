// Package storage defines the object storage abstraction used by the
// worker. Adapters hide backend differences behind a single interface;
// callers never see provider SDK types or provider error values.
package storage

import (
	"context"
	"time"
)

// PutResult describes a successful upload.
type PutResult struct {
	ETag      string
	VersionID string
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// UploadOptions carries optional attributes for an upload.
type UploadOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Part identifies one completed part of a multipart upload.
type Part struct {
	Number int
	ETag   string
}

// Adapter is the uniform object storage interface. All errors returned
// by an adapter are classified with the apperr package: missing objects
// are NotFound, connectivity and throttling are Transient, credential
// and configuration problems are Fatal.
type Adapter interface {
	// Download returns the full object body.
	Download(ctx context.Context, key string) ([]byte, error)

	// Upload stores data under key, replacing any existing object.
	Upload(ctx context.Context, key string, data []byte, opts UploadOptions) (*PutResult, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the object is present.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns objects under prefix ordered by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Copy duplicates src to dst within the same bucket.
	Copy(ctx context.Context, src, dst string) error

	// PresignGet signs a download URL against the public endpoint.
	// contentDisposition, when non-empty, is baked into the URL.
	PresignGet(ctx context.Context, key string, ttl time.Duration, contentDisposition string) (string, error)

	// PresignPut signs an upload URL against the public endpoint.
	PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error)

	// InitMultipart starts a multipart upload and returns its id.
	InitMultipart(ctx context.Context, key string) (string, error)

	// UploadPart stores one part of a multipart upload.
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (Part, error)

	// PresignPart signs an upload URL for a single part. Adapters that
	// cannot sign part URLs return an Unsupported error.
	PresignPart(ctx context.Context, key, uploadID string, partNumber int, ttl time.Duration) (string, error)

	// CompleteMultipart finishes a multipart upload from parts in order.
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) error

	// AbortMultipart discards a multipart upload and its parts.
	AbortMultipart(ctx context.Context, key, uploadID string) error

	// PublicURL maps a key to its publicly reachable URL.
	PublicURL(key string) string

	// Close releases adapter resources.
	Close() error
}

// BucketEnsurer is an optional capability: adapters that can create
// their bucket implement it, and startup calls it when present.
// Absence of the capability is not an error.
type BucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}
