package database

import (
	"testing"
	"time"
)

func TestParseFilterKey(t *testing.T) {
	tests := []struct {
		key    string
		column string
		op     Op
	}{
		{"status", "status", OpEq},
		{"!status", "status", OpNeq},
		{"attempts<", "attempts", OpLt},
		{"attempts>", "attempts", OpGt},
		{"created_at<=", "created_at", OpLte},
		{"created_at>=", "created_at", OpGte},
		{"deleted_at?", "deleted_at", OpIs},
		{"title~", "title", OpLike},
		{"title~~", "title", OpILike},
		{"id[]", "id", OpIn},
		{"!deleted_at:is", "deleted_at", OpIsNot},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			column, op, err := ParseFilterKey(tt.key)
			if err != nil {
				t.Fatalf("ParseFilterKey(%q): %v", tt.key, err)
			}
			if column != tt.column {
				t.Errorf("column = %q, want %q", column, tt.column)
			}
			if op != tt.op {
				t.Errorf("op = %v, want %v", op, tt.op)
			}
		})
	}
}

func TestParseFilterKeyRejects(t *testing.T) {
	for _, key := range []string{"", "!", "<", "!attempts<", "a<b", "x[]y"} {
		t.Run(key, func(t *testing.T) {
			if _, _, err := ParseFilterKey(key); err == nil {
				t.Errorf("ParseFilterKey(%q) succeeded, want error", key)
			}
		})
	}
}

func TestQueryChaining(t *testing.T) {
	base := Q().Where("album_id", "a1").Where("deleted_at?", nil)

	completed := base.Where("status", "completed")
	failed := base.Where("status", "failed").Limit(10).Offset(5)

	if len(base.Filters) != 2 {
		t.Fatalf("base mutated: %d filters", len(base.Filters))
	}
	if len(completed.Filters) != 3 || len(failed.Filters) != 3 {
		t.Fatalf("chained filter counts: %d, %d", len(completed.Filters), len(failed.Filters))
	}
	if completed.Filters[2].Value != "completed" || failed.Filters[2].Value != "failed" {
		t.Error("chained queries share clause storage")
	}
	if failed.RowLimit != 10 || failed.RowOffset != 5 {
		t.Errorf("limit/offset = %d/%d", failed.RowLimit, failed.RowOffset)
	}
}

func TestQueryBadKeyRecordsError(t *testing.T) {
	q := Q().Where("status", "pending").Where("!!", 1)
	if q.FilterErr == nil {
		t.Fatal("expected FilterErr for invalid key")
	}
}

func TestRowGetters(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("native values", func(t *testing.T) {
		r := Row{
			"id":       "p1",
			"size":     int64(2048),
			"width":    int32(800),
			"ok":       true,
			"taken_at": now,
			"none":     nil,
		}
		if r.String("id") != "p1" {
			t.Errorf("String = %q", r.String("id"))
		}
		if r.Int64("size") != 2048 || r.Int("width") != 800 {
			t.Errorf("ints = %d, %d", r.Int64("size"), r.Int("width"))
		}
		if !r.Bool("ok") {
			t.Error("Bool = false")
		}
		if !r.Time("taken_at").Equal(now) {
			t.Errorf("Time = %v", r.Time("taken_at"))
		}
		if !r.IsNull("none") || r.IsNull("id") {
			t.Error("IsNull wrong")
		}
		if r.StringPtr("none") != nil {
			t.Error("StringPtr for NULL should be nil")
		}
	})

	t.Run("json values", func(t *testing.T) {
		r := Row{
			"size":     float64(2048),
			"taken_at": "2025-06-01T12:00:00Z",
			"ok":       "true",
		}
		if r.Int64("size") != 2048 {
			t.Errorf("Int64 from float = %d", r.Int64("size"))
		}
		if !r.Time("taken_at").Equal(now) {
			t.Errorf("Time from string = %v", r.Time("taken_at"))
		}
		if !r.Bool("ok") {
			t.Error("Bool from string = false")
		}
	})

	t.Run("json map", func(t *testing.T) {
		r := Row{"watermark_config": `{"text":"© studio","opacity":0.5}`}
		m := r.JSONMap("watermark_config")
		if m == nil || m["text"] != "© studio" {
			t.Fatalf("JSONMap = %v", m)
		}
		if (Row{}).JSONMap("missing") != nil {
			t.Error("JSONMap on missing column should be nil")
		}
	})
}
