// Package hosttest provides an in-memory implementation of the driver
// contract for use in tests. Its streams enforce queuing strategies, lock
// exclusivity, and pull scheduling the way a conforming host does, and they
// count the descriptor calls they make so tests can assert on the exact
// interaction, not just the data.
package hosttest

import (
	"github.com/jhump/webstream/driver"
)

// Runtime is an in-memory [driver.Runtime].
type Runtime struct{}

var _ driver.Runtime = (*Runtime)(nil)

func NewRuntime() *Runtime {
	return &Runtime{}
}

func (rt *Runtime) NewReadableStream(src driver.UnderlyingSource, strategy driver.QueuingStrategy) (driver.ReadableStream, error) {
	r, err := NewReadable(src, strategy)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (rt *Runtime) NewWritableStream(sink driver.UnderlyingSink, strategy driver.QueuingStrategy) (driver.WritableStream, error) {
	w, err := NewWritable(sink, strategy)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (rt *Runtime) NewTransformStream(t driver.UnderlyingTransformer, writable, readable driver.QueuingStrategy) (driver.TransformStream, error) {
	ts, err := NewTransform(t, writable, readable)
	if err != nil {
		return nil, err
	}
	return ts, nil
}

type streamState int

const (
	stateOpen streamState = iota
	stateClosed
	stateErrored
)

type queued struct {
	value any
	size  uint
}
