package database

// Direction orders query results.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Order is one ordering term; terms apply in the order given.
type Order struct {
	Column string
	Dir    Direction
}

// Query is the fluent filter builder. The zero value selects everything.
// Chaining methods copy the query, so partially built queries can be
// shared safely.
type Query struct {
	Filters    []Clause
	Ordering   []Order
	RowLimit   int
	RowOffset  int
	SelectCols []string

	// FilterErr records the first filter-sugar parse failure; adapters
	// surface it instead of executing.
	FilterErr error
}

// Q returns an empty query to chain from.
func Q() Query {
	return Query{}
}

// Where appends a condition using the decorated-key sugar understood by
// ParseFilterKey, e.g. Where("status", "pending"), Where("attempts<", 5),
// Where("deleted_at?", nil), Where("id[]", ids).
func (q Query) Where(key string, value any) Query {
	column, op, err := ParseFilterKey(key)
	if err != nil {
		if q.FilterErr == nil {
			q.FilterErr = err
		}
		return q
	}
	return q.WhereClause(Clause{Column: column, Op: op, Value: value})
}

// WhereClause appends an already-built clause.
func (q Query) WhereClause(c Clause) Query {
	q.Filters = append(append([]Clause(nil), q.Filters...), c)
	return q
}

// OrderBy appends an ordering term.
func (q Query) OrderBy(column string, dir Direction) Query {
	q.Ordering = append(append([]Order(nil), q.Ordering...), Order{Column: column, Dir: dir})
	return q
}

// Limit bounds the number of rows returned. Zero means no limit.
func (q Query) Limit(n int) Query {
	q.RowLimit = n
	return q
}

// Offset skips the first n rows.
func (q Query) Offset(n int) Query {
	q.RowOffset = n
	return q
}

// Select restricts the returned columns. Defaults to all columns.
func (q Query) Select(cols ...string) Query {
	q.SelectCols = append([]string(nil), cols...)
	return q
}
