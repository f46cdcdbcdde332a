// Package apperr defines the error classes shared by every adapter and the
// processing pipeline. Adapters wrap backend-native failures into one of
// these classes at the boundary; consumers branch on the class, never on
// backend error strings.
package apperr

import "github.com/zeebo/errs"

var (
	// Transient marks retryable failures: network blips, 5xx responses,
	// connection resets, lock contention.
	Transient = errs.Class("transient")

	// NotFound marks missing rows or objects.
	NotFound = errs.Class("not found")

	// Validation marks bad input. Never retried.
	Validation = errs.Class("validation")

	// Conflict marks unique-constraint violations and state races.
	Conflict = errs.Class("conflict")

	// Unauthorized marks rejected credentials at a boundary.
	Unauthorized = errs.Class("unauthorized")

	// Unsupported marks operations an adapter deliberately refuses.
	Unsupported = errs.Class("unsupported")

	// Fatal marks misconfiguration discovered at startup: missing bucket,
	// invalid credentials, unreachable mandatory dependency.
	Fatal = errs.Class("fatal")
)

// IsTransient reports whether err belongs to the Transient class.
func IsTransient(err error) bool { return Transient.Has(err) }

// IsNotFound reports whether err belongs to the NotFound class.
func IsNotFound(err error) bool { return NotFound.Has(err) }

// IsValidation reports whether err belongs to the Validation class.
func IsValidation(err error) bool { return Validation.Has(err) }

// IsConflict reports whether err belongs to the Conflict class.
func IsConflict(err error) bool { return Conflict.Has(err) }

// IsUnauthorized reports whether err belongs to the Unauthorized class.
func IsUnauthorized(err error) bool { return Unauthorized.Has(err) }

// IsUnsupported reports whether err belongs to the Unsupported class.
func IsUnsupported(err error) bool { return Unsupported.Has(err) }

// IsFatal reports whether err belongs to the Fatal class.
func IsFatal(err error) bool { return Fatal.Has(err) }
