package database

import (
	"strings"

	"github.com/JunyuZhan/pis-worker/internal/apperr"
)

// Op enumerates the comparison operators of the filter sublanguage.
type Op int

const (
	OpEq Op = iota
	OpNeq
	OpLt
	OpGt
	OpLte
	OpGte
	OpIs
	OpIsNot
	OpLike
	OpILike
	OpIn
)

// String returns the operator name used in diagnostics.
func (op Op) String() string {
	switch op {
	case OpEq:
		return "eq"
	case OpNeq:
		return "neq"
	case OpLt:
		return "lt"
	case OpGt:
		return "gt"
	case OpLte:
		return "lte"
	case OpGte:
		return "gte"
	case OpIs:
		return "is"
	case OpIsNot:
		return "is not"
	case OpLike:
		return "like"
	case OpILike:
		return "ilike"
	case OpIn:
		return "in"
	default:
		return "unknown"
	}
}

// Clause is a single filter condition. The decorated-string sugar survives
// only at the builder boundary; adapters see clauses.
type Clause struct {
	Column string
	Op     Op
	Value  any
}

// ParseFilterKey decodes the decorated filter sugar into a column and
// operator:
//
//	col       equality           !col      inequality
//	col<      less than          col>      greater than
//	col<=     at most            col>=     at least
//	col?      IS (NULL/TRUE/FALSE)
//	col~      LIKE               col~~     case-insensitive LIKE
//	col[]     IN (empty list compiles to FALSE)
//	!col:is   NOT (col IS ...)
func ParseFilterKey(key string) (string, Op, error) {
	negated := strings.HasPrefix(key, "!")
	if negated {
		key = key[1:]
	}

	column := key
	op := OpEq

	switch {
	case strings.HasSuffix(key, ":is"):
		column = strings.TrimSuffix(key, ":is")
		op = OpIs
	case strings.HasSuffix(key, "<="):
		column = strings.TrimSuffix(key, "<=")
		op = OpLte
	case strings.HasSuffix(key, ">="):
		column = strings.TrimSuffix(key, ">=")
		op = OpGte
	case strings.HasSuffix(key, "<"):
		column = strings.TrimSuffix(key, "<")
		op = OpLt
	case strings.HasSuffix(key, ">"):
		column = strings.TrimSuffix(key, ">")
		op = OpGt
	case strings.HasSuffix(key, "?"):
		column = strings.TrimSuffix(key, "?")
		op = OpIs
	case strings.HasSuffix(key, "~~"):
		column = strings.TrimSuffix(key, "~~")
		op = OpILike
	case strings.HasSuffix(key, "~"):
		column = strings.TrimSuffix(key, "~")
		op = OpLike
	case strings.HasSuffix(key, "[]"):
		column = strings.TrimSuffix(key, "[]")
		op = OpIn
	}

	if negated {
		switch op {
		case OpEq:
			op = OpNeq
		case OpIs:
			op = OpIsNot
		default:
			return "", 0, apperr.Validation.New("filter key %q: negation is only valid for equality and IS", "!"+key)
		}
	}

	if column == "" || strings.ContainsAny(column, "<>?~[]!:") {
		return "", 0, apperr.Validation.New("invalid filter key %q", key)
	}
	return column, op, nil
}
