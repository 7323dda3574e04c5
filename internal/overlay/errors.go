package overlay

import (
	"errors"
	"fmt"

	"fatoverlay/internal/alloc"
	"fatoverlay/internal/logging"
	"fatoverlay/internal/pathres"
)

var (
	errLogger = logging.GetLogger().WithPrefix("error")

	// ErrNotFound indicates a virtual path with no host entry
	ErrNotFound = errors.New("no such file or directory")

	// ErrAlreadyExists indicates the target of a create or rename exists
	ErrAlreadyExists = errors.New("path already exists")

	// ErrNotDirectory indicates a directory operation on a file
	ErrNotDirectory = errors.New("not a directory")

	// ErrIsDirectory indicates a file operation on a directory
	ErrIsDirectory = errors.New("is a directory")

	// ErrReserved indicates a path that holds overlay metadata
	ErrReserved = errors.New("path is reserved for overlay metadata")

	// ErrOutOfSpace indicates the simulated device has no free block
	ErrOutOfSpace = alloc.ErrOutOfSpace

	// ErrOutOfJail indicates a path outside the mount root
	ErrOutOfJail = pathres.ErrOutOfJail
)

// Error records a failed engine operation and the virtual path it was
// applied to.
type Error struct {
	Op   string // Operation that failed (e.g., "create", "rename")
	Path string // Virtual path
	Err  error  // Underlying error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with the operation and virtual path.
func NewError(op, path string, err error) *Error {
	e := &Error{Op: op, Path: path, Err: err}
	errLogger.Debug("%v", e)
	return e
}

// Operation names used in errors and logs.
const (
	OpMkdir      = "mkdir"
	OpCreate     = "create"
	OpRemove     = "remove"
	OpRename     = "rename"
	OpRead       = "read"
	OpWrite      = "write"
	OpList       = "list"
	OpChdir      = "chdir"
	OpStat       = "stat"
	OpFormat     = "format"
	OpCheckpoint = "checkpoint"
	OpOpen       = "open"
)
