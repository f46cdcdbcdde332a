package supabase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/database"
	"github.com/JunyuZhan/pis-worker/internal/logger"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) (*Adapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := New(Config{BaseURL: srv.URL, APIKey: "service-key"}, logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, srv
}

func TestFindManyEncodesFilters(t *testing.T) {
	var gotQuery map[string][]string
	var gotAuth, gotKey string

	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("apikey")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"p1","attempts":2}]`))
	})

	q := database.Q().
		Where("album_id", "a1").
		Where("deleted_at?", nil).
		Where("attempts<", 5).
		Where("status[]", []string{"pending", "failed"}).
		Where("filename~", "%.jpg").
		OrderBy("sort_order", database.Asc).
		Limit(20).Offset(10)

	rows, err := a.FindMany(context.Background(), "photos", q)
	if err != nil {
		t.Fatalf("FindMany: %v", err)
	}
	if len(rows) != 1 || rows[0].String("id") != "p1" || rows[0].Int("attempts") != 2 {
		t.Fatalf("rows = %v", rows)
	}

	checks := map[string]string{
		"album_id":   "eq.a1",
		"deleted_at": "is.null",
		"attempts":   "lt.5",
		"status":     `in.("pending","failed")`,
		"filename":   "like.*.jpg",
		"order":      "sort_order.asc",
		"limit":      "20",
		"offset":     "10",
	}
	for param, want := range checks {
		if got := gotQuery[param]; len(got) != 1 || got[0] != want {
			t.Errorf("param %s = %v, want %q", param, got, want)
		}
	}
	if gotAuth != "Bearer service-key" || gotKey != "service-key" {
		t.Errorf("auth headers = %q / %q", gotAuth, gotKey)
	}
}

func TestFindOneNotFound(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	})

	_, err := a.FindOne(context.Background(), "photos", database.Q().Where("id", "nope"))
	if !apperr.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestInsertReturnsRepresentation(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if prefer := r.Header.Get("Prefer"); prefer != "return=representation" {
			t.Errorf("Prefer = %q", prefer)
		}
		var payload []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || len(payload) != 1 {
			t.Errorf("payload decode: %v (%v)", err, payload)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`[{"id":"p1","status":"pending","created_at":"2025-06-01T10:00:00Z"}]`))
	})

	row, err := a.Insert(context.Background(), "photos", database.Row{"id": "p1", "status": "pending"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if row.String("status") != "pending" {
		t.Errorf("status = %q", row.String("status"))
	}
	if row.Time("created_at").IsZero() {
		t.Error("created_at did not parse")
	}
}

func TestUpdateCountsRepresentation(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s", r.Method)
		}
		if got := r.URL.Query().Get("id"); got != "eq.p1" {
			t.Errorf("id param = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"p1"}]`))
	})

	n, err := a.Update(context.Background(), "photos",
		database.Q().Where("id", "p1"), database.Row{"status": "processing"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if n != 1 {
		t.Errorf("affected = %d, want 1", n)
	}
}

func TestCountParsesContentRange(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if prefer := r.Header.Get("Prefer"); prefer != "count=exact" {
			t.Errorf("Prefer = %q", prefer)
		}
		w.Header().Set("Content-Range", "0-0/37")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"x"}]`))
	})

	n, err := a.Count(context.Background(), "photos", database.Q().Where("album_id", "a1"))
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 37 {
		t.Errorf("count = %d, want 37", n)
	}
}

func TestEmptyInShortCircuits(t *testing.T) {
	var calls atomic.Int64
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`[]`))
	})

	q := database.Q().Where("id[]", []string{})

	rows, err := a.FindMany(context.Background(), "photos", q)
	if err != nil || len(rows) != 0 {
		t.Fatalf("FindMany = %v, %v", rows, err)
	}
	if n, err := a.Count(context.Background(), "photos", q); err != nil || n != 0 {
		t.Fatalf("Count = %d, %v", n, err)
	}
	if n, err := a.Update(context.Background(), "photos", q, database.Row{"x": 1}); err != nil || n != 0 {
		t.Fatalf("Update = %d, %v", n, err)
	}
	if calls.Load() != 0 {
		t.Errorf("made %d HTTP calls, want 0", calls.Load())
	}
}

func TestStatusErrorClasses(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
		name   string
	}{
		{http.StatusConflict, apperr.IsConflict, "conflict"},
		{http.StatusBadRequest, apperr.IsValidation, "validation"},
		{http.StatusUnauthorized, apperr.IsUnauthorized, "unauthorized"},
		{http.StatusInternalServerError, apperr.IsTransient, "transient"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"message":"boom","code":"XX000"}`))
			})
			_, err := a.FindMany(context.Background(), "photos", database.Q())
			if err == nil || !tt.check(err) {
				t.Errorf("status %d: err = %v", tt.status, err)
			}
		})
	}
}

func TestLiteralRendering(t *testing.T) {
	ts := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
	if got := literal(ts); got != "2025-06-01T10:30:00Z" {
		t.Errorf("time literal = %q", got)
	}
	if got := literal(int64(42)); got != "42" {
		t.Errorf("int literal = %q", got)
	}
	if got := likePattern("%sunset%"); got != "*sunset*" {
		t.Errorf("like pattern = %q", got)
	}
}
