// Package fs serves the overlay over FUSE.
//
// This file contains error types and error handling utilities.
package fs

import (
	"errors"
	"os"
	"syscall"

	"fatoverlay/internal/logging"
	"fatoverlay/internal/overlay"
)

var (
	errLogger = logging.GetLogger().WithPrefix("fuse-error")

	// ErrDirectoryNotEmpty indicates rmdir on a directory with entries
	ErrDirectoryNotEmpty = errors.New("directory not empty")
)

// ToFuseError converts an engine error to the errno FUSE expects.
func ToFuseError(err error) error {
	if err == nil {
		return nil
	}

	errLogger.Trace("Converting error to FUSE error: %v", err)
	switch {
	case errors.Is(err, overlay.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, overlay.ErrAlreadyExists), errors.Is(err, os.ErrExist):
		return syscall.EEXIST
	case errors.Is(err, overlay.ErrOutOfSpace):
		return syscall.ENOSPC
	case errors.Is(err, overlay.ErrOutOfJail), errors.Is(err, os.ErrPermission):
		return syscall.EACCES
	case errors.Is(err, overlay.ErrNotDirectory):
		return syscall.ENOTDIR
	case errors.Is(err, overlay.ErrIsDirectory):
		return syscall.EISDIR
	case errors.Is(err, overlay.ErrReserved):
		return syscall.EPERM
	case errors.Is(err, ErrDirectoryNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, os.ErrInvalid):
		return syscall.EINVAL
	default:
		errLogger.Debug("Unknown error type, returning EIO: %v", err)
		return syscall.EIO
	}
}
