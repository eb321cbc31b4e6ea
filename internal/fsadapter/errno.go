package fsadapter

import (
	"syscall"

	"github.com/pkg/errors"

	"gate/internal/brokerclient"
	"gate/internal/store"
)

// toErrno maps an error from either the lock protocol or the underlying
// passthrough filesystem call to the errno a FUSE op should surface. Lock
// sentinels translate per the adapter failure semantics table (broker
// unreachability and acquire timeouts degrade to an I/O-class error, never
// a leaked descriptor or a leaked lock); any other error is assumed to
// already carry the real syscall errno from the passthrough operation
// (os.Open, os.Remove, ReadAt, ...) and is passed through unchanged so a
// plain ENOENT/EEXIST/ENOSPC isn't flattened into EIO.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, store.ErrPermissionDenied):
		return syscall.EACCES
	case errors.Is(err, store.ErrInvalidArgument), errors.Is(err, store.ErrPathInvalid):
		return syscall.EINVAL
	case errors.Is(err, store.ErrTimedOut):
		return syscall.EIO
	case errors.Is(err, store.ErrHoldCapExceeded):
		return syscall.EIO
	case errors.Is(err, brokerclient.ErrTransportFailure):
		return syscall.EIO
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}
