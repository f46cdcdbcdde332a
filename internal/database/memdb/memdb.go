// Package memdb implements the database adapter in memory. It evaluates
// the clause set directly over copied rows, which makes it the reference
// backend for tests: whatever semantics memdb exhibits, the postgres and
// supabase compilers must reproduce.
package memdb

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/database"
)

// Adapter implements database.Adapter over mutex-guarded table slices.
type Adapter struct {
	mu     sync.RWMutex
	tables map[string][]database.Row
}

// New returns an empty in-memory database.
func New() *Adapter {
	return &Adapter{tables: make(map[string][]database.Row)}
}

// FindOne implements database.Adapter.
func (a *Adapter) FindOne(ctx context.Context, table string, q database.Query) (database.Row, error) {
	rows, err := a.FindMany(ctx, table, q.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound.New("%s: no matching row", table)
	}
	return rows[0], nil
}

// FindMany implements database.Adapter.
func (a *Adapter) FindMany(_ context.Context, table string, q database.Query) ([]database.Row, error) {
	if q.FilterErr != nil {
		return nil, q.FilterErr
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	matched, err := matchRows(a.tables[table], q.Filters)
	if err != nil {
		return nil, err
	}
	orderRows(matched, q.Ordering)

	if q.RowOffset > 0 {
		if q.RowOffset >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.RowOffset:]
		}
	}
	if q.RowLimit > 0 && len(matched) > q.RowLimit {
		matched = matched[:q.RowLimit]
	}

	out := make([]database.Row, len(matched))
	for i, row := range matched {
		out[i] = projectRow(copyRow(row), q.SelectCols)
	}
	return out, nil
}

// Insert implements database.Adapter. Rows carrying an "id" column have
// primary-key uniqueness enforced, mirroring the relational schema.
func (a *Adapter) Insert(_ context.Context, table string, values database.Row) (database.Row, error) {
	if len(values) == 0 {
		return nil, apperr.Validation.New("insert into %s with no values", table)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if id, ok := values["id"]; ok {
		for _, row := range a.tables[table] {
			if existing, ok2 := row["id"]; ok2 && existing == id {
				return nil, apperr.Conflict.New("%s: duplicate id %v", table, id)
			}
		}
	}

	stored := copyRow(values)
	a.tables[table] = append(a.tables[table], stored)
	return copyRow(stored), nil
}

// Update implements database.Adapter.
func (a *Adapter) Update(_ context.Context, table string, q database.Query, values database.Row) (int64, error) {
	if q.FilterErr != nil {
		return 0, q.FilterErr
	}
	if len(values) == 0 {
		return 0, apperr.Validation.New("update %s with no values", table)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var affected int64
	for _, row := range a.tables[table] {
		ok, err := matches(row, q.Filters)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		for col, v := range values {
			row[col] = v
		}
		affected++
	}
	return affected, nil
}

// Delete implements database.Adapter.
func (a *Adapter) Delete(_ context.Context, table string, q database.Query) (int64, error) {
	if q.FilterErr != nil {
		return 0, q.FilterErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	kept := a.tables[table][:0]
	var removed int64
	for _, row := range a.tables[table] {
		ok, err := matches(row, q.Filters)
		if err != nil {
			return 0, err
		}
		if ok {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	a.tables[table] = kept
	return removed, nil
}

// Count implements database.Adapter via the same matcher as FindMany.
func (a *Adapter) Count(_ context.Context, table string, q database.Query) (int64, error) {
	if q.FilterErr != nil {
		return 0, q.FilterErr
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	matched, err := matchRows(a.tables[table], q.Filters)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

// Ping implements database.Adapter.
func (a *Adapter) Ping(context.Context) error { return nil }

// Close implements database.Adapter.
func (a *Adapter) Close() error { return nil }

func copyRow(row database.Row) database.Row {
	out := make(database.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func projectRow(row database.Row, cols []string) database.Row {
	if len(cols) == 0 {
		return row
	}
	out := make(database.Row, len(cols))
	for _, col := range cols {
		if v, ok := row[col]; ok {
			out[col] = v
		}
	}
	return out
}

func matchRows(rows []database.Row, clauses []database.Clause) ([]database.Row, error) {
	var out []database.Row
	for _, row := range rows {
		ok, err := matches(row, clauses)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func matches(row database.Row, clauses []database.Clause) (bool, error) {
	for _, c := range clauses {
		ok, err := matchClause(row, c)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchClause(row database.Row, c database.Clause) (bool, error) {
	actual := row[c.Column]

	switch c.Op {
	case database.OpEq:
		if c.Value == nil {
			return actual == nil, nil
		}
		if actual == nil {
			return false, nil
		}
		cmp, ok := compare(actual, c.Value)
		return ok && cmp == 0, nil
	case database.OpNeq:
		if c.Value == nil {
			return actual != nil, nil
		}
		if actual == nil {
			// SQL three-valued logic: NULL <> x is not true.
			return false, nil
		}
		cmp, ok := compare(actual, c.Value)
		return ok && cmp != 0, nil
	case database.OpLt, database.OpGt, database.OpLte, database.OpGte:
		if actual == nil || c.Value == nil {
			return false, nil
		}
		cmp, ok := compare(actual, c.Value)
		if !ok {
			return false, nil
		}
		switch c.Op {
		case database.OpLt:
			return cmp < 0, nil
		case database.OpGt:
			return cmp > 0, nil
		case database.OpLte:
			return cmp <= 0, nil
		default:
			return cmp >= 0, nil
		}
	case database.OpIs, database.OpIsNot:
		var truth bool
		switch want := c.Value.(type) {
		case nil:
			truth = actual == nil
		case bool:
			b, isBool := actual.(bool)
			truth = isBool && b == want
		default:
			return false, apperr.Validation.New("IS operand must be nil or bool, got %T", c.Value)
		}
		if c.Op == database.OpIsNot {
			truth = !truth
		}
		return truth, nil
	case database.OpLike, database.OpILike:
		if actual == nil {
			return false, nil
		}
		s, okStr := stringValue(actual)
		p, okPat := stringValue(c.Value)
		if !okStr || !okPat {
			return false, nil
		}
		return likeRegexp(p, c.Op == database.OpILike).MatchString(s), nil
	case database.OpIn:
		items, err := inItems(c.Value)
		if err != nil {
			return false, err
		}
		if len(items) == 0 {
			return false, nil
		}
		if actual == nil {
			return false, nil
		}
		for _, item := range items {
			if cmp, ok := compare(actual, item); ok && cmp == 0 {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, apperr.Validation.New("unsupported operator %v", c.Op)
	}
}

func inItems(v any) ([]any, error) {
	switch items := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return items, nil
	case []string:
		out := make([]any, len(items))
		for i, s := range items {
			out[i] = s
		}
		return out, nil
	case []int:
		out := make([]any, len(items))
		for i, n := range items {
			out[i] = n
		}
		return out, nil
	case []int64:
		out := make([]any, len(items))
		for i, n := range items {
			out[i] = n
		}
		return out, nil
	default:
		return nil, apperr.Validation.New("IN operand must be a slice, got %T", v)
	}
}

func stringValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	default:
		return "", false
	}
}

// compare normalizes numeric and temporal values before comparing. The
// bool result is false when the two values are not comparable.
func compare(a, b any) (int, bool) {
	if af, ok := floatValue(a); ok {
		if bf, ok2 := floatValue(b); ok2 {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	if at, ok := timeValue(a); ok {
		if bt, ok2 := timeValue(b); ok2 {
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	if as, ok := stringValue(a); ok {
		if bs, ok2 := stringValue(b); ok2 {
			return strings.Compare(as, bs), true
		}
		return 0, false
	}
	if ab, ok := a.(bool); ok {
		if bb, ok2 := b.(bool); ok2 {
			switch {
			case ab == bb:
				return 0, true
			case bb:
				return -1, true
			default:
				return 1, true
			}
		}
	}
	return 0, false
}

func floatValue(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

func timeValue(v any) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok
}

// likeRegexp translates a SQL LIKE pattern (% and _) into a regexp.
func likeRegexp(pattern string, caseInsensitive bool) *regexp.Regexp {
	var sb strings.Builder
	if caseInsensitive {
		sb.WriteString("(?i)")
	}
	sb.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.MustCompile(sb.String())
}

// orderRows sorts in place, applying terms in order. NULLs sort last on
// ascending terms and first on descending, matching postgres defaults.
func orderRows(rows []database.Row, ordering []database.Order) {
	if len(ordering) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, term := range ordering {
			av, bv := rows[i][term.Column], rows[j][term.Column]
			if av == nil && bv == nil {
				continue
			}
			desc := term.Dir == database.Desc
			if av == nil {
				return desc
			}
			if bv == nil {
				return !desc
			}
			cmp, ok := compare(av, bv)
			if !ok || cmp == 0 {
				continue
			}
			if desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}
