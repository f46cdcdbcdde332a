package postgres

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
	"github.com/JunyuZhan/pis-worker/internal/database"
)

// quoteIdent quotes a SQL identifier. Identifiers are always quoted;
// values never appear inline.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// compileWhere renders the clauses into a WHERE body with $n placeholders
// starting at firstArg. An empty clause list yields an empty string.
func compileWhere(clauses []database.Clause, firstArg int) (string, []any, error) {
	if len(clauses) == 0 {
		return "", nil, nil
	}

	var (
		parts []string
		args  []any
		n     = firstArg
	)
	next := func(v any) string {
		args = append(args, v)
		p := fmt.Sprintf("$%d", n)
		n++
		return p
	}

	for _, c := range clauses {
		col := quoteIdent(c.Column)
		switch c.Op {
		case database.OpEq:
			if c.Value == nil {
				parts = append(parts, col+" IS NULL")
			} else {
				parts = append(parts, col+" = "+next(c.Value))
			}
		case database.OpNeq:
			if c.Value == nil {
				parts = append(parts, col+" IS NOT NULL")
			} else {
				parts = append(parts, col+" <> "+next(c.Value))
			}
		case database.OpLt:
			parts = append(parts, col+" < "+next(c.Value))
		case database.OpGt:
			parts = append(parts, col+" > "+next(c.Value))
		case database.OpLte:
			parts = append(parts, col+" <= "+next(c.Value))
		case database.OpGte:
			parts = append(parts, col+" >= "+next(c.Value))
		case database.OpIs, database.OpIsNot:
			lit, err := isLiteral(c.Value)
			if err != nil {
				return "", nil, err
			}
			expr := col + " IS " + lit
			if c.Op == database.OpIsNot {
				expr = "NOT (" + expr + ")"
			}
			parts = append(parts, expr)
		case database.OpLike:
			parts = append(parts, col+" LIKE "+next(c.Value))
		case database.OpILike:
			parts = append(parts, col+" ILIKE "+next(c.Value))
		case database.OpIn:
			items, err := inValues(c.Value)
			if err != nil {
				return "", nil, err
			}
			if len(items) == 0 {
				parts = append(parts, "FALSE")
				continue
			}
			ph := make([]string, len(items))
			for i, item := range items {
				ph[i] = next(item)
			}
			parts = append(parts, col+" IN ("+strings.Join(ph, ", ")+")")
		default:
			return "", nil, apperr.Validation.New("unsupported operator %v", c.Op)
		}
	}
	return strings.Join(parts, " AND "), args, nil
}

// isLiteral maps an IS operand to its SQL keyword. IS accepts only NULL
// and booleans.
func isLiteral(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if t {
			return "TRUE", nil
		}
		return "FALSE", nil
	default:
		return "", apperr.Validation.New("IS operand must be nil or bool, got %T", v)
	}
}

// inValues flattens an IN operand into a value slice.
func inValues(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, apperr.Validation.New("IN operand must be a slice, got %T", v)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}

// sortedColumns returns the row's columns in deterministic order so the
// generated SQL is stable.
func sortedColumns(values database.Row) []string {
	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func compileSelect(table string, q database.Query) (string, []any, error) {
	cols := "*"
	if len(q.SelectCols) > 0 {
		quoted := make([]string, len(q.SelectCols))
		for i, c := range q.SelectCols {
			quoted[i] = quoteIdent(c)
		}
		cols = strings.Join(quoted, ", ")
	}

	sql := "SELECT " + cols + " FROM " + quoteIdent(table)
	where, args, err := compileWhere(q.Filters, 1)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		sql += " WHERE " + where
	}
	if len(q.Ordering) > 0 {
		terms := make([]string, len(q.Ordering))
		for i, o := range q.Ordering {
			dir := "ASC"
			if o.Dir == database.Desc {
				dir = "DESC"
			}
			terms[i] = quoteIdent(o.Column) + " " + dir
		}
		sql += " ORDER BY " + strings.Join(terms, ", ")
	}
	if q.RowLimit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.RowLimit)
	}
	if q.RowOffset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", q.RowOffset)
	}
	return sql, args, nil
}

func compileCount(table string, q database.Query) (string, []any, error) {
	sql := "SELECT COUNT(*) FROM " + quoteIdent(table)
	where, args, err := compileWhere(q.Filters, 1)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		sql += " WHERE " + where
	}
	return sql, args, nil
}

func compileInsert(table string, values database.Row) (string, []any, error) {
	if len(values) == 0 {
		return "", nil, apperr.Validation.New("insert into %s with no values", table)
	}
	cols := sortedColumns(values)
	quoted := make([]string, len(cols))
	ph := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdent(col)
		ph[i] = fmt.Sprintf("$%d", i+1)
		args[i] = values[col]
	}
	sql := "INSERT INTO " + quoteIdent(table) +
		" (" + strings.Join(quoted, ", ") + ") VALUES (" + strings.Join(ph, ", ") + ") RETURNING *"
	return sql, args, nil
}

func compileUpdate(table string, q database.Query, values database.Row) (string, []any, error) {
	if len(values) == 0 {
		return "", nil, apperr.Validation.New("update %s with no values", table)
	}
	cols := sortedColumns(values)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols))
	for i, col := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", quoteIdent(col), i+1)
		args = append(args, values[col])
	}
	sql := "UPDATE " + quoteIdent(table) + " SET " + strings.Join(sets, ", ")

	where, whereArgs, err := compileWhere(q.Filters, len(args)+1)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		sql += " WHERE " + where
		args = append(args, whereArgs...)
	}
	return sql, args, nil
}

func compileDelete(table string, q database.Query) (string, []any, error) {
	sql := "DELETE FROM " + quoteIdent(table)
	where, args, err := compileWhere(q.Filters, 1)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		sql += " WHERE " + where
	}
	return sql, args, nil
}
