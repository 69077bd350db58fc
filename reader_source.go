package webstream

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
)

// AsSource converts this stream into a [Source], translating the reader's
// repeated read calls into pull-based iteration. It acquires an exclusive
// reader, so it locks the stream; if the stream is already locked, this
// returns [ErrLocked].
//
// The returned source yields each chunk in order, then io.EOF once the stream
// closes. If the stream errors, the opaque error is yielded exactly once and
// the source ends. Closing the source releases the reader's lock, making the
// stream lockable again.
//
// With [WithCancelSignal], a pending read also races the given signal: when
// it fires, the stream's native cancel is issued with the signal's cause as
// reason and the source terminates as a normal end of sequence.
func (rs *ReadableStream) AsSource(opts ...SourceOption) (*ReaderSource, error) {
	var o sourceOpts
	for _, opt := range opts {
		opt.apply(&o)
	}
	reader, err := rs.GetReader()
	if err != nil {
		return nil, err
	}
	return &ReaderSource{reader: reader, signal: o.signal}, nil
}

// ReaderSource is a [Source] for the [ReadableStream.AsSource] method. It
// owns an exclusive reader on the underlying stream for its entire lifetime.
//
// A ReaderSource has a single consumer: Next must not be called concurrently
// with itself. Close may be called at any time, including while a Next call
// is waiting on a pending read; the outstanding host-side read is then
// rejected by the host and discarded.
type ReaderSource struct {
	reader *StreamReader
	signal context.Context

	// serializes Next calls, held for the duration of a read
	readMu sync.Mutex

	mu      sync.Mutex
	pending chan readOutcome // non-nil while a host read is outstanding
	done    bool
	closed  bool
}

type readOutcome struct {
	value any
	done  bool
	err   error
}

var _ Source = (*ReaderSource)(nil)
var _ io.Closer = (*ReaderSource)(nil)

// Next returns the next chunk of the underlying stream. It returns io.EOF
// after the stream closes, is canceled, or the source is closed. If the
// per-call ctx ends while a read is pending, Next returns the ctx error and
// the read stays outstanding; a later call resumes waiting on it.
func (s *ReaderSource) Next(ctx context.Context) (any, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	s.mu.Lock()
	if s.closed || s.done {
		s.mu.Unlock()
		return nil, io.EOF
	}
	if s.signal != nil && s.signal.Err() != nil {
		s.mu.Unlock()
		return s.cancelOnSignal(ctx)
	}
	if s.pending == nil {
		// No read outstanding; start one. The read is not bound to the
		// per-call ctx: abandoning the wait must not abandon the read.
		ch := make(chan readOutcome, 1)
		s.pending = ch
		go func(r *StreamReader) {
			value, done, err := r.Read(context.Background())
			ch <- readOutcome{value: value, done: done, err: err}
		}(s.reader)
	}
	ch := s.pending
	s.mu.Unlock()

	var signalDone <-chan struct{}
	if s.signal != nil {
		signalDone = s.signal.Done()
	}

	select {
	case out := <-ch:
		return s.dispatch(out)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-signalDone:
		return s.cancelOnSignal(ctx)
	}
}

func (s *ReaderSource) dispatch(out readOutcome) (any, error) {
	s.mu.Lock()
	s.pending = nil
	if s.closed {
		s.done = true
		s.mu.Unlock()
		return nil, io.EOF
	}
	terminal := out.done || out.err != nil
	if terminal {
		s.done = true
	}
	s.mu.Unlock()

	if !terminal {
		return out.value, nil
	}
	// End of stream or error: drop the reader eagerly so the stream becomes
	// lockable again without waiting for Close.
	s.reader.ReleaseLock()
	if out.err != nil {
		return nil, out.err
	}
	return nil, io.EOF
}

// cancelOnSignal issues the stream's native cancel and terminates the source
// as a clean end of sequence. The cancel acknowledgment is awaited, bounded
// by the per-call ctx.
func (s *ReaderSource) cancelOnSignal(ctx context.Context) (any, error) {
	s.mu.Lock()
	if s.closed || s.done {
		s.mu.Unlock()
		return nil, io.EOF
	}
	s.done = true
	s.mu.Unlock()

	reason := context.Cause(s.signal)
	if err := s.reader.CancelWithReason(ctx, reason); err != nil {
		Logger().Debug("error canceling stream on signal", zap.Error(err))
	}
	s.reader.ReleaseLock()
	return nil, io.EOF
}

// Close releases the reader's lock on the underlying stream. It is
// idempotent and never blocks on a pending read.
func (s *ReaderSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	inFlight := s.pending != nil
	s.mu.Unlock()

	if inFlight {
		Logger().Debug("releasing reader lock with a read in flight")
	}
	s.reader.ReleaseLock()
	return nil
}
