// Package kernelerrors defines the closed error taxonomy shared by every
// backing file system and by the VFS dispatcher itself.
//
// The taxonomy mirrors the sentinel-error convention the fs package uses
// across rclone's backends (fs.ErrorObjectNotFound, fs.ErrorDirNotFound,
// ...): callers compare with errors.Is, never by string.
package kernelerrors

import "errors"

// Sentinel errors. Every value here corresponds to one entry of the closed
// taxonomy in spec.md §7. Backing file systems return these directly;
// wrapping (github.com/pkg/errors) may add context but must preserve Is().
var (
	ErrPermissionDenied    = errors.New("permission denied")
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrNotADirectory       = errors.New("not a directory")
	ErrIsADirectory        = errors.New("is a directory")
	ErrDirectoryNotEmpty   = errors.New("directory not empty")
	ErrInvalidPath         = errors.New("invalid path")
	ErrInvalidFile         = errors.New("invalid file")
	ErrInvalidIdentifier   = errors.New("invalid identifier")
	ErrInvalidInode        = errors.New("invalid inode")
	ErrInvalidMode         = errors.New("invalid mode")
	ErrInvalidFlags        = errors.New("invalid flags")
	ErrInvalidParameter    = errors.New("invalid parameter")
	ErrNoSpaceLeft         = errors.New("no space left on device")
	ErrFileSystemFull      = errors.New("file system full")
	ErrInputOutput         = errors.New("input/output error")
	ErrCorrupted           = errors.New("corrupted file system")
	ErrTruncated           = errors.New("truncated read or write")
	ErrResourceBusy        = errors.New("resource busy")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrCrossDeviceLink     = errors.New("cross-device link")
	ErrTooManyOpenFiles    = errors.New("too many open files")
	ErrNotMounted          = errors.New("not mounted")
	ErrNoAttribute         = errors.New("no such attribute")
	ErrInternalError       = errors.New("internal error")
)

// Is reports whether err (or any error it wraps) is the same sentinel as
// target. Thin alias over errors.Is kept here so call sites only ever
// import this package, not both errors and kernelerrors.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
