package rpc

import (
	"errors"
	"fmt"

	"github.com/agor-sh/agor/internal/store"
)

// Error codes carried on the wire. They map one-to-one onto the daemon's
// error taxonomy.
const (
	CodeNotAuthenticated   = "NOT_AUTHENTICATED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeAmbiguousIDPrefix  = "AMBIGUOUS_ID_PREFIX"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeSessionBusy        = "SESSION_BUSY"
	CodeExecutorSpawn      = "EXECUTOR_SPAWN_FAILED"
	CodeExecutorCrashed    = "EXECUTOR_CRASHED"
	CodeToolTransient      = "TOOL_FAILURE_TRANSIENT"
	CodeToolPermanent      = "TOOL_FAILURE_PERMANENT"
	CodePermissionDenied   = "PERMISSION_DENIED"
	CodeTimeout            = "TIMEOUT"
	CodeConflict           = "CONFLICT"
	CodeUnixOpFailed       = "UNIX_OP_FAILED"
	CodeFilesystemError    = "FILESYSTEM_ERROR"
	CodeGitError           = "GIT_ERROR"
	CodeNetworkError       = "NETWORK_ERROR"
	CodeMigrationPending   = "MIGRATION_PENDING"
	CodeUnknownAction      = "UNKNOWN_ACTION"
	CodeMethodNotSupported = "METHOD_NOT_SUPPORTED"
	CodeInternal           = "INTERNAL"
)

// Error is a coded service error that crosses the wire intact.
type Error struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// NewError builds a coded error.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf maps any error to its wire code.
func CodeOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	var ambiguous *store.AmbiguousIDError
	switch {
	case errors.As(err, &ambiguous):
		return CodeAmbiguousIDPrefix
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, store.ErrConflict):
		return CodeConflict
	case errors.Is(err, store.ErrInvalidQueryField):
		return CodeValidationFailed
	case errors.Is(err, store.ErrMigrationPending):
		return CodeMigrationPending
	default:
		return CodeInternal
	}
}
