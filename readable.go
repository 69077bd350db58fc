package webstream

import (
	"context"
	"sync"

	"github.com/jhump/webstream/driver"
)

// ReadableStream wraps a host readable stream.
//
// ReadableStreams can wrap an existing host object with [NewReadableStream],
// or be built from a Go [Source] with [ReadableStreamFrom]. In the other
// direction, [ReadableStream.AsSource] converts a host stream into a Source
// for Go-side consumption.
type ReadableStream struct {
	rt  driver.Runtime
	raw driver.ReadableStream
}

// NewReadableStream wraps an existing host readable stream. The runtime is
// retained for operations that construct new streams, such as
// [ReadableStream.Tee] and [ReadableStream.PipeThrough].
func NewReadableStream(rt driver.Runtime, raw driver.ReadableStream) *ReadableStream {
	return &ReadableStream{rt: rt, raw: raw}
}

// Raw returns the underlying host stream object.
func (rs *ReadableStream) Raw() driver.ReadableStream {
	return rs.raw
}

// IsLocked reports whether the stream is locked to a reader.
func (rs *ReadableStream) IsLocked() bool {
	return rs.raw.Locked()
}

// Cancel signals a loss of interest in the stream by a consumer. It returns
// [ErrLocked] while the stream is locked to a reader.
func (rs *ReadableStream) Cancel(ctx context.Context) error {
	return rs.raw.Cancel(ctx, nil)
}

// CancelWithReason is like Cancel, with a reason that is relayed to the
// underlying source, which may or may not use it.
func (rs *ReadableStream) CancelWithReason(ctx context.Context, reason any) error {
	return rs.raw.Cancel(ctx, reason)
}

// GetReader locks the stream to a new exclusive reader. While the stream is
// locked, no other reader can be acquired until this one releases its lock.
// If the stream is already locked, this returns [ErrLocked].
func (rs *ReadableStream) GetReader() (*StreamReader, error) {
	raw, err := rs.raw.GetReader()
	if err != nil {
		return nil, err
	}
	return &StreamReader{raw: raw}, nil
}

// StreamReader is an exclusive reader that can be used to read chunks from a
// [ReadableStream].
//
// See [ReadableStream.GetReader].
type StreamReader struct {
	mu       sync.Mutex
	raw      driver.StreamReader
	released bool
}

// Read reads the next chunk from the stream's internal queue. It blocks until
// a chunk becomes available, the stream closes (done true), or the stream
// errors.
func (r *StreamReader) Read(ctx context.Context) (value any, done bool, err error) {
	raw, err := r.rawReader()
	if err != nil {
		return nil, false, err
	}
	res, err := raw.Read(ctx)
	if err != nil {
		return nil, false, err
	}
	return res.Value, res.Done, nil
}

// Cancel signals a loss of interest in the stream by a consumer.
//
// Equivalent to [ReadableStream.Cancel].
func (r *StreamReader) Cancel(ctx context.Context) error {
	return r.CancelWithReason(ctx, nil)
}

// CancelWithReason is like Cancel, with a reason that is relayed to the
// underlying source.
func (r *StreamReader) CancelWithReason(ctx context.Context, reason any) error {
	raw, err := r.rawReader()
	if err != nil {
		return err
	}
	return raw.Cancel(ctx, reason)
}

// Closed blocks until the stream becomes closed. It returns an error if the
// stream ever errors, or if the reader's lock is released before the stream
// finishes closing.
func (r *StreamReader) Closed(ctx context.Context) error {
	raw, err := r.rawReader()
	if err != nil {
		return err
	}
	return raw.Closed(ctx)
}

// ReleaseLock releases this reader's lock on the corresponding stream, making
// the stream lockable again. It is idempotent. A read that is still pending
// when the lock is released fails with [driver.ErrReleased].
func (r *StreamReader) ReleaseLock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	r.raw.ReleaseLock()
}

func (r *StreamReader) rawReader() (driver.StreamReader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil, driver.ErrReleased
	}
	return r.raw, nil
}
