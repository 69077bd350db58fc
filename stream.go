package webstream

import (
	"context"

	"github.com/jhump/webstream/driver"
)

// Source is a pull-based sequence of opaque items. Next returns the next item,
// io.EOF after the final item, or any other error to end the sequence with a
// failure. Items and errors are passed across the host boundary verbatim.
//
// A Source is owned by a single consumer. After it is handed to
// [ReadableStreamFrom], no other code may call Next on it.
//
// A Source may additionally implement [io.Closer]; if it does, Close is called
// when the consuming adapter tears down, so the source can release resources
// it owns.
type Source interface {
	Next(ctx context.Context) (any, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (any, error)

func (fn SourceFunc) Next(ctx context.Context) (any, error) {
	return fn(ctx)
}

// Sink is a push-based consumer of opaque items with explicit readiness.
// Callers must wait for Ready to return nil before each Write; Write delivers
// one item; Close ends the sequence. Any error is terminal: a Sink that
// reported an error will not be written again.
//
// A Sink is owned by a single producer. After it is handed to
// [WritableStreamFrom], no other code may call into it.
type Sink interface {
	Ready(ctx context.Context) error
	Write(ctx context.Context, item any) error
	Close(ctx context.Context) error
}

// SinkAborter is implemented by Sinks that distinguish an abort (teardown with
// a reason, discarding unconsumed items) from a normal close. Sinks that do
// not implement it are closed instead when the host aborts.
type SinkAborter interface {
	Sink
	Abort(ctx context.Context, reason any) error
}

// TransformController enqueues results on the readable side of a transform
// stream. It is passed to a Transformer's callbacks.
type TransformController = driver.TransformController

// Transformer holds the callbacks behind [TransformStreamFrom]. Every field is
// optional; the zero value is the identity transform, which enqueues each
// written chunk unchanged.
type Transformer struct {
	// Start is invoked once, before any chunk is transformed.
	Start func(ctx context.Context, c TransformController) error
	// Transform is invoked once per chunk written to the writable side. If
	// nil, the chunk is enqueued unchanged.
	Transform func(ctx context.Context, chunk any, c TransformController) error
	// Flush is invoked after the writable side closes, before the readable
	// side closes, for any final chunks.
	Flush func(ctx context.Context, c TransformController) error
}
