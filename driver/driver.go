// Package driver defines the contract between the webstream package and a host
// runtime that provides native streaming objects (readable streams, writable
// streams, and transform streams in the style of the WHATWG Streams standard).
//
// A host runtime implements [Runtime] and the stream, reader, and writer
// interfaces below. Application code should not normally use this package
// directly; it should use the webstream package instead, which wraps these
// contracts in a friendlier API.
//
// Hosts must serialize calls into a given descriptor: no two Pull calls on the
// same UnderlyingSource may overlap, and no two Write calls on the same
// UnderlyingSink may overlap. The adapters in the webstream package rely on
// this serialization instead of adding locks of their own.
package driver

import (
	"context"
	"errors"
	"fmt"
)

// ErrLocked is returned when acquiring a reader or writer on a stream that is
// already locked, or when canceling or aborting a stream while it is locked.
// It indicates caller misuse, not a stream failure.
var ErrLocked = errors.New("stream is locked")

// ErrReleased is returned by operations on a reader or writer whose lock has
// been released, including a read that was outstanding when the lock was
// released.
var ErrReleased = errors.New("lock was released")

// StreamError carries an opaque, non-error reason with which a stream was
// errored, canceled, or aborted. Hosts that are asked to reject an operation
// with a reason that is itself an error should return that error directly, so
// the original value survives the round trip; any other reason is wrapped in a
// StreamError.
type StreamError struct {
	Reason any
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream errored: %v", e.Reason)
}

// ErrorForReason converts an opaque reason to the error a host should reject
// operations with: the reason itself when it is an error, so the value
// survives a round trip, and a StreamError carrier otherwise. This is the
// single conversion point between the two sides' failure representations.
func ErrorForReason(reason any) error {
	if err, ok := reason.(error); ok {
		return err
	}
	return &StreamError{Reason: reason}
}

// QueuingStrategy describes how a host stream accounts for queued chunks. The
// host enforces it; descriptors never do their own buffering.
type QueuingStrategy struct {
	// Size measures one chunk. A nil Size counts every chunk as 1.
	Size func(chunk any) uint
	// HighWaterMark is the queue size at or above which the host stops asking
	// for more chunks until the queue drains.
	HighWaterMark uint
}

// Measure applies the strategy's size function to a chunk.
func (s QueuingStrategy) Measure(chunk any) uint {
	if s.Size == nil {
		return 1
	}
	return s.Size(chunk)
}

// Runtime constructs native streams from descriptors. It is implemented by a
// host environment, for example an embedded script engine or a WASM host.
type Runtime interface {
	NewReadableStream(src UnderlyingSource, strategy QueuingStrategy) (ReadableStream, error)
	NewWritableStream(sink UnderlyingSink, strategy QueuingStrategy) (WritableStream, error)
	NewTransformStream(t UnderlyingTransformer, writable, readable QueuingStrategy) (TransformStream, error)
}

// UnderlyingSource is the callback bundle behind a host readable stream. The
// host invokes Start once during construction, Pull whenever its queue has
// room, and Cancel when the consumer loses interest. After Cancel, or after
// the controller is closed or errored, the host drops its reference to the
// descriptor.
type UnderlyingSource interface {
	Start(ctx context.Context, c SourceController) error
	Pull(ctx context.Context, c SourceController) error
	Cancel(ctx context.Context, reason any) error
}

// SourceController is the handle a host passes to an UnderlyingSource's Start
// and Pull. It is only valid for the duration the host guarantees (until the
// stream is closed, errored, or canceled); descriptors must not retain it
// beyond that.
type SourceController interface {
	// Enqueue inserts a chunk into the stream's queue. It is synchronous and
	// returns an error only if the stream is no longer readable.
	Enqueue(chunk any) error
	// Close closes the stream once the queue drains.
	Close()
	// Error moves the stream to a terminal errored state with an opaque
	// reason. No further pulls occur.
	Error(reason any)
	// DesiredSize reports the remaining queue capacity. ok is false once the
	// stream has errored.
	DesiredSize() (n int64, ok bool)
}

// UnderlyingSink is the callback bundle behind a host writable stream. Write
// is invoked once per chunk, serialized; Close when the producer finishes;
// Abort when the stream is torn down with a reason. After Close or Abort the
// host drops its reference to the descriptor.
type UnderlyingSink interface {
	Write(ctx context.Context, chunk any, c SinkController) error
	Close(ctx context.Context) error
	Abort(ctx context.Context, reason any) error
}

// SinkController is the handle a host passes to an UnderlyingSink's Write.
type SinkController interface {
	// Error moves the stream to a terminal errored state with an opaque
	// reason.
	Error(reason any)
}

// UnderlyingTransformer is the callback bundle behind a host transform
// stream. Transform is invoked once per chunk written to the writable side,
// serialized; Flush runs after the writable side closes and before the
// readable side closes.
type UnderlyingTransformer interface {
	Start(ctx context.Context, c TransformController) error
	Transform(ctx context.Context, chunk any, c TransformController) error
	Flush(ctx context.Context, c TransformController) error
}

// TransformController enqueues results on the readable side of a transform
// stream.
type TransformController interface {
	Enqueue(chunk any) error
	Error(reason any)
	// Terminate closes the readable side and errors the writable side.
	Terminate()
	DesiredSize() (n int64, ok bool)
}

// ReadableStream is a host readable stream object.
type ReadableStream interface {
	// GetReader locks the stream to a new exclusive reader. It fails with
	// ErrLocked if the stream is already locked.
	GetReader() (StreamReader, error)
	// Cancel signals a loss of interest in the stream. It fails with
	// ErrLocked while the stream is locked to a reader.
	Cancel(ctx context.Context, reason any) error
	Locked() bool
}

// StreamReader is an exclusive reader acquired from a ReadableStream. At most
// one reader exists per stream at a time; the lock is held until ReleaseLock.
type StreamReader interface {
	// Read blocks until a chunk is available, the stream closes (Done true),
	// or the stream errors. Hosts reject a read that is outstanding when the
	// lock is released with ErrReleased.
	Read(ctx context.Context) (ReadResult, error)
	Cancel(ctx context.Context, reason any) error
	// ReleaseLock releases the reader's lock on the stream. It is idempotent.
	ReleaseLock()
	// Closed blocks until the stream closes (nil), errors, or the lock is
	// released before the stream finished closing.
	Closed(ctx context.Context) error
}

// ReadResult is the outcome of a successful read: a chunk, or Done once the
// stream has closed and the queue is drained.
type ReadResult struct {
	Value any
	Done  bool
}

// WritableStream is a host writable stream object.
type WritableStream interface {
	// GetWriter locks the stream to a new exclusive writer. It fails with
	// ErrLocked if the stream is already locked.
	GetWriter() (StreamWriter, error)
	// Abort errors the stream with a reason, discarding queued chunks. It
	// fails with ErrLocked while the stream is locked to a writer.
	Abort(ctx context.Context, reason any) error
	Locked() bool
}

// StreamWriter is an exclusive writer acquired from a WritableStream.
type StreamWriter interface {
	// Ready blocks until the stream's desired size is positive, so a caller
	// that waits for it respects backpressure.
	Ready(ctx context.Context) error
	// Write inserts a chunk into the stream's queue and returns without
	// waiting for the underlying sink to consume it. It returns an error only
	// if the stream is closed, closing, or errored.
	Write(chunk any) error
	// Close flushes queued chunks to the sink and closes the stream.
	Close(ctx context.Context) error
	Abort(ctx context.Context, reason any) error
	// ReleaseLock releases the writer's lock on the stream. It is idempotent.
	ReleaseLock()
	Closed(ctx context.Context) error
	// DesiredSize reports remaining queue capacity: 0 when the stream is
	// closed, ok false once it has errored.
	DesiredSize() (n int64, ok bool)
}

// TransformStream is a host transform stream object: a writable side coupled
// to a readable side through a transformer.
type TransformStream interface {
	Readable() ReadableStream
	Writable() WritableStream
}
