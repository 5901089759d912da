// Package store defines the error kinds shared by the dispatcher and
// inspector stores. Anything that is not one of these kinds is a plain
// database error and surfaces wrapped.
package store

import "errors"

// NotFoundError reports a row that does not exist.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ConflictError reports a lease-ownership or lease-lifecycle violation.
// Reason is one of the wire-visible conflict strings (lease_missing,
// lease_not_owned, lease_expired, lease_active).
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }

// ParseError reports corrupted persisted data: a bad UUID, an unknown
// status string, or invalid headers JSON. It indicates corruption and is
// never silently skipped.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string { return e.Message }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsParse reports whether err is a ParseError.
func IsParse(err error) bool {
	var p *ParseError
	return errors.As(err, &p)
}
