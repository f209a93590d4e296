package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no record matches the given ID.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned on UNIQUE constraint violations.
	ErrConflict = errors.New("conflict")

	// ErrMigrationPending is returned when the on-disk schema is older than
	// the daemon's schema version. Startup must block until `agor db migrate`.
	ErrMigrationPending = errors.New("database migration pending")
)

// AmbiguousIDError is returned when a short-ID prefix matches more than one
// record. Matches lists at most three candidate IDs.
type AmbiguousIDError struct {
	Prefix  string
	Matches []string
	Total   int
}

// Error implements the error interface.
func (e *AmbiguousIDError) Error() string {
	suffix := ""
	if e.Total > len(e.Matches) {
		suffix = ", ..."
	}
	return fmt.Sprintf("id prefix %q is ambiguous: matches %s%s",
		e.Prefix, strings.Join(e.Matches, ", "), suffix)
}

// IsAmbiguousID reports whether err is an AmbiguousIDError.
func IsAmbiguousID(err error) bool {
	var ae *AmbiguousIDError
	return errors.As(err, &ae)
}
