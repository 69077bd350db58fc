package webstream

import (
	"context"
	"sync"

	"github.com/jhump/webstream/driver"
)

// WritableStream wraps a host writable stream.
//
// WritableStreams can wrap an existing host object with [NewWritableStream],
// or be built from a Go [Sink] with [WritableStreamFrom]. In the other
// direction, [WritableStream.AsSink] converts a host stream into a Sink for
// Go-side production.
type WritableStream struct {
	rt  driver.Runtime
	raw driver.WritableStream
}

// NewWritableStream wraps an existing host writable stream.
func NewWritableStream(rt driver.Runtime, raw driver.WritableStream) *WritableStream {
	return &WritableStream{rt: rt, raw: raw}
}

// Raw returns the underlying host stream object.
func (ws *WritableStream) Raw() driver.WritableStream {
	return ws.raw
}

// IsLocked reports whether the stream is locked to a writer.
func (ws *WritableStream) IsLocked() bool {
	return ws.raw.Locked()
}

// Abort errors the stream immediately, discarding any queued chunks. It
// returns [ErrLocked] while the stream is locked to a writer.
func (ws *WritableStream) Abort(ctx context.Context) error {
	return ws.raw.Abort(ctx, nil)
}

// AbortWithReason is like Abort, with a reason that is relayed to the
// underlying sink.
func (ws *WritableStream) AbortWithReason(ctx context.Context, reason any) error {
	return ws.raw.Abort(ctx, reason)
}

// GetWriter locks the stream to a new exclusive writer. While the stream is
// locked, no other writer can be acquired until this one releases its lock.
// If the stream is already locked, this returns [ErrLocked].
func (ws *WritableStream) GetWriter() (*StreamWriter, error) {
	raw, err := ws.raw.GetWriter()
	if err != nil {
		return nil, err
	}
	return &StreamWriter{raw: raw}, nil
}

// StreamWriter is an exclusive writer that can be used to write chunks to a
// [WritableStream].
//
// See [WritableStream.GetWriter].
type StreamWriter struct {
	mu       sync.Mutex
	raw      driver.StreamWriter
	released bool
}

// Ready blocks until the stream's queue has room for another chunk. Waiting
// for it before each Write respects the stream's backpressure.
func (w *StreamWriter) Ready(ctx context.Context) error {
	raw, err := w.rawWriter()
	if err != nil {
		return err
	}
	return raw.Ready(ctx)
}

// Write queues a chunk for delivery to the underlying sink. It does not wait
// for the sink to consume the chunk; the stream's own queue preserves writes
// in flight. It returns an error if the stream is closed, closing, or
// errored.
func (w *StreamWriter) Write(chunk any) error {
	raw, err := w.rawWriter()
	if err != nil {
		return err
	}
	return raw.Write(chunk)
}

// Close flushes any queued chunks to the underlying sink and closes the
// stream.
func (w *StreamWriter) Close(ctx context.Context) error {
	raw, err := w.rawWriter()
	if err != nil {
		return err
	}
	return raw.Close(ctx)
}

// Abort errors the stream immediately, discarding any queued chunks.
//
// Equivalent to [WritableStream.Abort].
func (w *StreamWriter) Abort(ctx context.Context) error {
	return w.AbortWithReason(ctx, nil)
}

// AbortWithReason is like Abort, with a reason that is relayed to the
// underlying sink.
func (w *StreamWriter) AbortWithReason(ctx context.Context, reason any) error {
	raw, err := w.rawWriter()
	if err != nil {
		return err
	}
	return raw.Abort(ctx, reason)
}

// Closed blocks until the stream becomes closed. It returns an error if the
// stream ever errors, or if the writer's lock is released before the stream
// finishes closing.
func (w *StreamWriter) Closed(ctx context.Context) error {
	raw, err := w.rawWriter()
	if err != nil {
		return err
	}
	return raw.Closed(ctx)
}

// DesiredSize reports the remaining capacity of the stream's queue. It
// returns 0 when the stream is closed, and ok false once the stream has
// errored.
func (w *StreamWriter) DesiredSize() (n int64, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return 0, false
	}
	return w.raw.DesiredSize()
}

// ReleaseLock releases this writer's lock on the corresponding stream, making
// the stream lockable again. It is idempotent.
func (w *StreamWriter) ReleaseLock() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return
	}
	w.released = true
	w.raw.ReleaseLock()
}

func (w *StreamWriter) rawWriter() (driver.StreamWriter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return nil, driver.ErrReleased
	}
	return w.raw, nil
}
