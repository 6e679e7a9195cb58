package cachefs

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/meigma/overlaycache/origin"
	"github.com/meigma/overlaycache/rangelock"
	"github.com/meigma/overlaycache/store"
)

// Errno is the small client-facing error-code taxonomy: every facade
// operation fails with one of these codes, mirroring an errno-style
// contract rather than an open-ended Go error tree.
type Errno int

const (
	// EINVAL marks alignment violations and other invalid arguments.
	EINVAL Errno = iota + 1
	// EAGAIN marks a lock-retry exhaustion. Not currently produced by any
	// operation here, since rangelock.Lock blocks rather than failing, but
	// kept for callers that wrap this package behind a bounded-retry policy.
	EAGAIN
	// ENOSPC marks the local media filesystem being full.
	ENOSPC
	// ENOENT marks "no such path".
	ENOENT
	// EIO marks an origin read failure with no local copy to fall back to.
	EIO
	// ENOSYS marks an unimplemented advisory operation.
	ENOSYS
	// EEXIST marks a no-overwrite collision.
	EEXIST
)

func (e Errno) String() string {
	switch e {
	case EINVAL:
		return "EINVAL"
	case EAGAIN:
		return "EAGAIN"
	case ENOSPC:
		return "ENOSPC"
	case ENOENT:
		return "ENOENT"
	case EIO:
		return "EIO"
	case ENOSYS:
		return "ENOSYS"
	case EEXIST:
		return "EEXIST"
	default:
		return fmt.Sprintf("Errno(%d)", int(e))
	}
}

// Error is the error type every facade operation returns on failure: an
// errno-style code plus the underlying cause, so callers that only care
// about the code can type-assert while callers that want detail can still
// unwrap.
type Error struct {
	Errno Errno
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Errno.String()
	}
	return fmt.Sprintf("%s: %s", e.Errno, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func errno(code Errno, err error) error {
	if err == nil {
		return &Error{Errno: code}
	}
	return &Error{Errno: code, Err: err}
}

// classify maps an internal error into the Errno taxonomy, falling back to
// EIO for anything unrecognised (a fetch or media failure with no more
// specific code).
func classify(err error) Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, syscall.ENOSPC):
		return ENOSPC
	case errors.Is(err, store.ErrAlignment):
		return EINVAL
	case errors.Is(err, store.ErrCacheOnlyMiss):
		return EIO
	case errors.Is(err, store.ErrNoOrigin):
		return EIO
	case errors.Is(err, rangelock.ErrUnknownHandle), errors.Is(err, rangelock.ErrOverlap):
		return EINVAL
	case errors.Is(err, origin.ErrRangeUnsupported):
		return EIO
	case errors.Is(err, errNotFound):
		return ENOENT
	case errors.Is(err, errExist):
		return EEXIST
	case errors.Is(err, errUnsupported):
		return ENOSYS
	default:
		return EIO
	}
}

var (
	errNotFound    = errors.New("cachefs: not found")
	errExist       = errors.New("cachefs: already exists")
	errUnsupported = errors.New("cachefs: operation not supported")
)
