package webstream

import (
	"errors"

	"github.com/jhump/webstream/driver"
)

// ErrLocked is returned when acquiring a reader or writer on a stream that is
// already locked to one. This indicates misuse by the caller and is distinct
// from stream failures.
var ErrLocked = driver.ErrLocked

// ErrClosed is returned by operations on an adapter that has already been
// closed or released.
var ErrClosed = errors.New("webstream: closed")

// Reason returns the opaque value with which a stream was errored, canceled,
// or aborted, given an error observed from a stream operation. An error that
// crossed the boundary unchanged is returned as is; a non-error reason is
// unwrapped from its carrier. The value is never inspected or transformed by
// this package, only relayed.
func Reason(err error) any {
	var se *driver.StreamError
	if errors.As(err, &se) {
		return se.Reason
	}
	return err
}
