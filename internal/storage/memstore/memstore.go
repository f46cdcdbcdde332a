// Package memstore implements an in-memory storage adapter used by
// tests and local development. It mirrors the semantics of the real
// adapters, including idempotent deletes and ordered listings, and
// supports fault injection through the Fail hook.
package memstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/storage"
)

type object struct {
	data        []byte
	contentType string
	metadata    map[string]string
	etag        string
	modTime     time.Time
}

type multipart struct {
	key   string
	parts map[int][]byte
	etags map[int]string
}

// Store is an in-memory storage.Adapter.
type Store struct {
	mu      sync.Mutex
	objects map[string]*object
	uploads map[string]*multipart
	nextID  int

	// PublicBase is the base used by PublicURL and presign results.
	PublicBase string

	// Fail, when set, is consulted before every operation with the
	// operation name and primary key. A non-nil return aborts the
	// operation with that error.
	Fail func(op, key string) error

	// BucketEnsured records whether EnsureBucket has been called.
	BucketEnsured bool

	CallCount struct {
		Download int
		Upload   int
		Delete   int
		Exists   int
		List     int
		Copy     int
	}
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		objects:    make(map[string]*object),
		uploads:    make(map[string]*multipart),
		PublicBase: "https://mem.local",
	}
}

func (s *Store) fail(op, key string) error {
	if s.Fail != nil {
		return s.Fail(op, key)
	}
	return nil
}

// Download returns a copy of the stored object body.
func (s *Store) Download(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCount.Download++
	if err := s.fail("download", key); err != nil {
		return nil, err
	}
	obj, ok := s.objects[key]
	if !ok {
		return nil, apperr.NotFound.New("%s: no such object", key)
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

// Upload stores a copy of data under key.
func (s *Store) Upload(ctx context.Context, key string, data []byte, opts storage.UploadOptions) (*storage.PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCount.Upload++
	if err := s.fail("upload", key); err != nil {
		return nil, err
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	meta := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	obj := &object{
		data:        stored,
		contentType: opts.ContentType,
		metadata:    meta,
		etag:        etagOf(stored),
		modTime:     time.Now(),
	}
	s.objects[key] = obj
	return &storage.PutResult{ETag: obj.etag}, nil
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCount.Delete++
	if err := s.fail("delete", key); err != nil {
		return err
	}
	delete(s.objects, key)
	return nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCount.Exists++
	if err := s.fail("exists", key); err != nil {
		return false, err
	}
	_, ok := s.objects[key]
	return ok, nil
}

// List returns objects under prefix ordered by key.
func (s *Store) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCount.List++
	if err := s.fail("list", prefix); err != nil {
		return nil, err
	}
	var infos []storage.ObjectInfo
	for key, obj := range s.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		infos = append(infos, s.infoLocked(key, obj))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Stat returns the info of a single object. Tests use it to assert
// stored content types and metadata.
func (s *Store) Stat(key string) (storage.ObjectInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return storage.ObjectInfo{}, false
	}
	return s.infoLocked(key, obj), true
}

func (s *Store) infoLocked(key string, obj *object) storage.ObjectInfo {
	meta := make(map[string]string, len(obj.metadata))
	for k, v := range obj.metadata {
		meta[k] = v
	}
	return storage.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ETag:         obj.etag,
		LastModified: obj.modTime,
		ContentType:  obj.contentType,
		Metadata:     meta,
	}
}

// Copy duplicates src to dst.
func (s *Store) Copy(ctx context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCount.Copy++
	if err := s.fail("copy", src); err != nil {
		return err
	}
	obj, ok := s.objects[src]
	if !ok {
		return apperr.NotFound.New("%s: no such object", src)
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	meta := make(map[string]string, len(obj.metadata))
	for k, v := range obj.metadata {
		meta[k] = v
	}
	s.objects[dst] = &object{
		data:        data,
		contentType: obj.contentType,
		metadata:    meta,
		etag:        obj.etag,
		modTime:     time.Now(),
	}
	return nil
}

// PresignGet returns a deterministic fake signed URL.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration, contentDisposition string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("presign-get", key); err != nil {
		return "", err
	}
	u := fmt.Sprintf("%s/%s?sig=mem&expires=%d", s.PublicBase, key, int(ttl.Seconds()))
	if contentDisposition != "" {
		u += "&response-content-disposition=" + url.QueryEscape(contentDisposition)
	}
	return u, nil
}

// PresignPut returns a deterministic fake signed URL.
func (s *Store) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("presign-put", key); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s?sig=mem-put&expires=%d", s.PublicBase, key, int(ttl.Seconds())), nil
}

// InitMultipart starts an in-memory multipart upload.
func (s *Store) InitMultipart(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("init-multipart", key); err != nil {
		return "", err
	}
	s.nextID++
	id := fmt.Sprintf("upload-%d", s.nextID)
	s.uploads[id] = &multipart{
		key:   key,
		parts: make(map[int][]byte),
		etags: make(map[int]string),
	}
	return id, nil
}

// UploadPart stores one part of a multipart upload.
func (s *Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (storage.Part, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("upload-part", key); err != nil {
		return storage.Part{}, err
	}
	up, ok := s.uploads[uploadID]
	if !ok || up.key != key {
		return storage.Part{}, apperr.NotFound.New("%s: no such multipart upload", uploadID)
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	up.parts[partNumber] = stored
	up.etags[partNumber] = etagOf(stored)
	return storage.Part{Number: partNumber, ETag: up.etags[partNumber]}, nil
}

// PresignPart returns a deterministic fake signed URL for one part.
func (s *Store) PresignPart(ctx context.Context, key, uploadID string, partNumber int, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("presign-part", key); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s?sig=mem-part&uploadId=%s&partNumber=%d", s.PublicBase, key, uploadID, partNumber), nil
}

// CompleteMultipart assembles parts in the given order into the final
// object and discards the upload state.
func (s *Store) CompleteMultipart(ctx context.Context, key, uploadID string, parts []storage.Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("complete-multipart", key); err != nil {
		return err
	}
	up, ok := s.uploads[uploadID]
	if !ok || up.key != key {
		return apperr.NotFound.New("%s: no such multipart upload", uploadID)
	}
	var data []byte
	for _, p := range parts {
		body, ok := up.parts[p.Number]
		if !ok {
			return apperr.Fatal.New("multipart %s: missing part %d", uploadID, p.Number)
		}
		if p.ETag != "" && p.ETag != up.etags[p.Number] {
			return apperr.Fatal.New("multipart %s: etag mismatch on part %d", uploadID, p.Number)
		}
		data = append(data, body...)
	}
	s.objects[key] = &object{
		data:    data,
		etag:    etagOf(data),
		modTime: time.Now(),
	}
	delete(s.uploads, uploadID)
	return nil
}

// AbortMultipart discards an in-memory multipart upload.
func (s *Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("abort-multipart", key); err != nil {
		return err
	}
	delete(s.uploads, uploadID)
	return nil
}

// PublicURL maps key to a URL under PublicBase.
func (s *Store) PublicURL(key string) string {
	return s.PublicBase + "/" + key
}

// EnsureBucket marks the bucket as created.
func (s *Store) EnsureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ensure-bucket", ""); err != nil {
		return err
	}
	s.BucketEnsured = true
	return nil
}

// Close releases nothing; it exists to satisfy storage.Adapter.
func (s *Store) Close() error { return nil }

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
