package memstore

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/storage"
)

func TestUploadDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	res, err := s.Upload(ctx, "raw/a1/p1.jpg", []byte("jpeg body"), storage.UploadOptions{
		ContentType: "image/jpeg",
		Metadata:    map[string]string{"original-filename": "portrait.jpg"},
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.ETag == "" {
		t.Error("Upload returned empty etag")
	}

	data, err := s.Download(ctx, "raw/a1/p1.jpg")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(data, []byte("jpeg body")) {
		t.Errorf("Download = %q", data)
	}

	info, ok := s.Stat("raw/a1/p1.jpg")
	if !ok {
		t.Fatal("Stat: object missing")
	}
	if info.ContentType != "image/jpeg" {
		t.Errorf("ContentType = %q", info.ContentType)
	}
	if info.Metadata["original-filename"] != "portrait.jpg" {
		t.Errorf("Metadata = %v", info.Metadata)
	}
}

func TestDownloadMissingIsNotFound(t *testing.T) {
	_, err := New().Download(context.Background(), "raw/nope")
	if !apperr.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.Upload(ctx, "k", []byte("x"), storage.UploadOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if ok, _ := s.Exists(ctx, "k"); ok {
		t.Error("object survived Delete")
	}
}

func TestListOrdersByKey(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, key := range []string{"processed/thumbs/a/2.jpg", "processed/thumbs/a/1.jpg", "raw/a/1.jpg"} {
		if _, err := s.Upload(ctx, key, []byte("x"), storage.UploadOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	infos, err := s.List(ctx, "processed/thumbs/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("List returned %d objects", len(infos))
	}
	if infos[0].Key != "processed/thumbs/a/1.jpg" || infos[1].Key != "processed/thumbs/a/2.jpg" {
		t.Errorf("order = %q, %q", infos[0].Key, infos[1].Key)
	}
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.Upload(ctx, "src", []byte("body"), storage.UploadOptions{ContentType: "image/png"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Copy(ctx, "src", "dst"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	data, err := s.Download(ctx, "dst")
	if err != nil || string(data) != "body" {
		t.Fatalf("Download(dst) = %q, %v", data, err)
	}
	if err := s.Copy(ctx, "missing", "other"); !apperr.IsNotFound(err) {
		t.Errorf("Copy(missing) = %v, want NotFound", err)
	}
}

func TestMultipartAssemblesInOrder(t *testing.T) {
	ctx := context.Background()
	s := New()

	id, err := s.InitMultipart(ctx, "big")
	if err != nil {
		t.Fatalf("InitMultipart: %v", err)
	}
	p2, err := s.UploadPart(ctx, "big", id, 2, []byte("world"))
	if err != nil {
		t.Fatal(err)
	}
	p1, err := s.UploadPart(ctx, "big", id, 1, []byte("hello "))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.CompleteMultipart(ctx, "big", id, []storage.Part{p1, p2}); err != nil {
		t.Fatalf("CompleteMultipart: %v", err)
	}
	data, err := s.Download(ctx, "big")
	if err != nil || string(data) != "hello world" {
		t.Fatalf("assembled = %q, %v", data, err)
	}
	if err := s.CompleteMultipart(ctx, "big", id, nil); !apperr.IsNotFound(err) {
		t.Errorf("second complete = %v, want NotFound", err)
	}
}

func TestCompleteMultipartRejectsMissingPart(t *testing.T) {
	ctx := context.Background()
	s := New()
	id, _ := s.InitMultipart(ctx, "big")
	if _, err := s.UploadPart(ctx, "big", id, 1, []byte("a")); err != nil {
		t.Fatal(err)
	}
	err := s.CompleteMultipart(ctx, "big", id, []storage.Part{{Number: 1}, {Number: 2}})
	if !apperr.IsFatal(err) {
		t.Fatalf("err = %v, want Fatal", err)
	}
}

func TestAbortMultipart(t *testing.T) {
	ctx := context.Background()
	s := New()
	id, _ := s.InitMultipart(ctx, "big")
	if err := s.AbortMultipart(ctx, "big", id); err != nil {
		t.Fatalf("AbortMultipart: %v", err)
	}
	if err := s.AbortMultipart(ctx, "big", id); err != nil {
		t.Fatalf("second AbortMultipart: %v", err)
	}
	if _, err := s.UploadPart(ctx, "big", id, 1, []byte("a")); !apperr.IsNotFound(err) {
		t.Errorf("UploadPart after abort = %v, want NotFound", err)
	}
}

func TestPresignURLs(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PublicBase = "https://cdn.example.com"

	u, err := s.PresignGet(ctx, "raw/a/p.jpg", 300*time.Second, `attachment; filename="p.jpg"`)
	if err != nil {
		t.Fatalf("PresignGet: %v", err)
	}
	if !strings.HasPrefix(u, "https://cdn.example.com/raw/a/p.jpg?") {
		t.Errorf("PresignGet URL = %q", u)
	}
	if !strings.Contains(u, "response-content-disposition=") {
		t.Errorf("disposition missing from %q", u)
	}

	if got := s.PublicURL("raw/a/p.jpg"); got != "https://cdn.example.com/raw/a/p.jpg" {
		t.Errorf("PublicURL = %q", got)
	}
}

func TestFailHookInjectsErrors(t *testing.T) {
	ctx := context.Background()
	s := New()
	calls := 0
	s.Fail = func(op, key string) error {
		if op == "upload" && calls < 2 {
			calls++
			return apperr.Transient.New("%s: injected", key)
		}
		return nil
	}

	for i := 0; i < 2; i++ {
		if _, err := s.Upload(ctx, "k", []byte("x"), storage.UploadOptions{}); !apperr.IsTransient(err) {
			t.Fatalf("upload %d = %v, want Transient", i, err)
		}
	}
	if _, err := s.Upload(ctx, "k", []byte("x"), storage.UploadOptions{}); err != nil {
		t.Fatalf("third upload: %v", err)
	}
	if s.CallCount.Upload != 3 {
		t.Errorf("CallCount.Upload = %d", s.CallCount.Upload)
	}
}

func TestEnsureBucket(t *testing.T) {
	s := New()
	var _ storage.BucketEnsurer = s
	if err := s.EnsureBucket(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.BucketEnsured {
		t.Error("BucketEnsured not set")
	}
}

var _ storage.Adapter = (*Store)(nil)
