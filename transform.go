package webstream

import (
	"context"

	"github.com/jhump/webstream/driver"
)

// TransformStream wraps a host transform stream: a writable end and a
// readable end coupled by a transformer that turns chunks written to the one
// into chunks readable from the other.
type TransformStream struct {
	rt       driver.Runtime
	raw      driver.TransformStream
	readable *ReadableStream
	writable *WritableStream
}

// NewTransformStream wraps raw, which must belong to rt.
func NewTransformStream(rt driver.Runtime, raw driver.TransformStream) *TransformStream {
	return &TransformStream{
		rt:       rt,
		raw:      raw,
		readable: NewReadableStream(rt, raw.Readable()),
		writable: NewWritableStream(rt, raw.Writable()),
	}
}

// TransformStreamFrom constructs a new transform stream on rt driven by t.
// The zero value of [Transformer] passes chunks through unchanged, so
// TransformStreamFrom(rt, Transformer{}) is an identity stream.
//
// The writable side admits one chunk of slack and the readable side none,
// so backpressure from the readable side reaches writers with at most one
// chunk in flight.
func TransformStreamFrom(rt driver.Runtime, t Transformer) (*TransformStream, error) {
	return TransformStreamWithStrategies(
		rt, t,
		driver.QueuingStrategy{HighWaterMark: 1},
		driver.QueuingStrategy{HighWaterMark: 0},
	)
}

// TransformStreamWithStrategies is [TransformStreamFrom] with explicit
// queuing strategies for the writable and readable sides.
func TransformStreamWithStrategies(rt driver.Runtime, t Transformer, writable, readable driver.QueuingStrategy) (*TransformStream, error) {
	raw, err := rt.NewTransformStream(&transformerAdapter{t: t}, writable, readable)
	if err != nil {
		return nil, err
	}
	return NewTransformStream(rt, raw), nil
}

// Raw returns the wrapped host stream.
func (ts *TransformStream) Raw() driver.TransformStream {
	return ts.raw
}

// Readable returns the side chunks are read from.
func (ts *TransformStream) Readable() *ReadableStream {
	return ts.readable
}

// Writable returns the side chunks are written to.
func (ts *TransformStream) Writable() *WritableStream {
	return ts.writable
}

// transformerAdapter adapts a [Transformer]'s optional callbacks to the
// host's transformer contract, substituting pass-through behavior for any
// callback left nil.
type transformerAdapter struct {
	t Transformer
}

var _ driver.UnderlyingTransformer = (*transformerAdapter)(nil)

func (a *transformerAdapter) Start(ctx context.Context, c driver.TransformController) error {
	if a.t.Start == nil {
		return nil
	}
	return a.t.Start(ctx, c)
}

func (a *transformerAdapter) Transform(ctx context.Context, chunk any, c driver.TransformController) error {
	if a.t.Transform == nil {
		return c.Enqueue(chunk)
	}
	return a.t.Transform(ctx, chunk, c)
}

func (a *transformerAdapter) Flush(ctx context.Context, c driver.TransformController) error {
	if a.t.Flush == nil {
		return nil
	}
	return a.t.Flush(ctx, c)
}
