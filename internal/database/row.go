package database

import (
	"encoding/json"
	"strconv"
	"time"
)

// Row is one table row as a loosely-typed map. The getters normalize the
// representational differences between backends (pgx returns native Go
// values, the supabase adapter returns JSON-decoded values) so callers
// read both identically.
type Row map[string]any

// Has reports whether the column is present, even if NULL.
func (r Row) Has(col string) bool {
	_, ok := r[col]
	return ok
}

// IsNull reports whether the column is absent or NULL.
func (r Row) IsNull(col string) bool {
	v, ok := r[col]
	return !ok || v == nil
}

// String returns the column as a string, or "" when NULL.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// StringPtr returns the column as *string, nil when NULL.
func (r Row) StringPtr(col string) *string {
	if r.IsNull(col) {
		return nil
	}
	s := r.String(col)
	return &s
}

// Int returns the column as int, 0 when NULL or non-numeric.
func (r Row) Int(col string) int {
	return int(r.Int64(col))
}

// Int64 returns the column as int64, 0 when NULL or non-numeric.
func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int16:
		return int64(v)
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// Float returns the column as float64, 0 when NULL or non-numeric.
func (r Row) Float(col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

// Bool returns the column as bool, false when NULL.
func (r Row) Bool(col string) bool {
	switch v := r[col].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Time returns the column as time.Time, the zero time when NULL or
// unparseable. String values are read as RFC 3339, with the fraction and
// offset variants PostgREST emits.
func (r Row) Time(col string) time.Time {
	switch v := r[col].(type) {
	case time.Time:
		return v
	case string:
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05.999999",
			"2006-01-02 15:04:05.999999-07",
			"2006-01-02",
		} {
			if t, err := time.Parse(layout, v); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// TimePtr returns the column as *time.Time, nil when NULL or unparseable.
func (r Row) TimePtr(col string) *time.Time {
	if r.IsNull(col) {
		return nil
	}
	t := r.Time(col)
	if t.IsZero() {
		return nil
	}
	return &t
}

// JSONMap decodes a TEXT column holding a JSON object. Returns nil when
// the column is NULL, empty, or not an object.
func (r Row) JSONMap(col string) map[string]any {
	// jsonb columns arrive pre-decoded from pgx and the REST gateway;
	// TEXT columns holding JSON arrive as strings.
	if m, ok := r[col].(map[string]any); ok {
		return m
	}
	raw := r.String(col)
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
