package recgo

import (
	"errors"

	"github.com/hupe1980/recgo/logstore"
	"github.com/hupe1980/recgo/query"
	"github.com/hupe1980/recgo/schema"
)

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateID is returned when creating a record whose id already
	// exists and is not deleted.
	ErrDuplicateID = errors.New("duplicate record id")
	// ErrConflict is returned by Save when the stored record changed since
	// the handle was loaded.
	ErrConflict = errors.New("write conflict: record changed since load")
	// ErrClosed is returned for operations on a closed database.
	ErrClosed = errors.New("database is closed")
	// ErrMaintenanceTimeout is returned when the maintenance barrier stays up
	// beyond the configured retry budget.
	ErrMaintenanceTimeout = errors.New("maintenance barrier wait timed out")

	// ErrLockTimeout is returned when the cross-process lock retry budget is
	// exhausted.
	ErrLockTimeout = logstore.ErrLockTimeout
	// ErrTailReadTimeout is returned when a data line stays unterminated
	// beyond the tail-read retry budget.
	ErrTailReadTimeout = logstore.ErrTailReadTimeout
)

// IsValidation reports whether err is a record validation failure.
func IsValidation(err error) bool {
	var ve *schema.ValidationError
	return errors.As(err, &ve)
}

// IsCorruption reports whether err is a log corruption failure. Corruption is
// never auto-repaired; restore from a backup.
func IsCorruption(err error) bool {
	var ce *logstore.CorruptionError
	return errors.As(err, &ce)
}

// IsQuerySyntax reports whether err is a query syntax failure.
func IsQuerySyntax(err error) bool {
	var se *query.SyntaxError
	return errors.As(err, &se)
}
