package webstream

import (
	"context"
	"sync"
)

// AsSink converts this stream into a [Sink], so that items written to it are
// delivered to the stream's underlying sink subject to the stream's own
// queuing strategy. It acquires an exclusive writer, so it locks the stream;
// if the stream is already locked, this returns [ErrLocked].
//
// The returned sink also implements [SinkAborter]. Closing it closes the
// underlying stream and releases the writer's lock.
func (ws *WritableStream) AsSink() (*WriterSink, error) {
	writer, err := ws.GetWriter()
	if err != nil {
		return nil, err
	}
	return &WriterSink{writer: writer}, nil
}

// WriterSink is a [Sink] for the [WritableStream.AsSink] method. It owns an
// exclusive writer on the underlying stream for its entire lifetime.
//
// Once the stream errors, that error is sticky: every subsequent operation
// reports it, and the writer's lock is released eagerly so the stream can be
// observed or locked by others. A failure that occurs between calls is only
// surfaced on the next call.
type WriterSink struct {
	writer *StreamWriter

	mu     sync.Mutex
	err    error
	closed bool
}

var _ Sink = (*WriterSink)(nil)
var _ SinkAborter = (*WriterSink)(nil)

// Ready blocks until the stream has spare capacity, its queue having drained
// below the configured high-water mark.
func (s *WriterSink) Ready(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.writer.Ready(ctx); err != nil {
		if ctx.Err() != nil {
			// Abandoned wait, not a stream failure.
			return err
		}
		return s.fail(err)
	}
	return nil
}

// Write waits for capacity and then queues item on the stream. The item is
// accepted once queued; delivery to the underlying sink happens on the
// stream's own schedule, so a delivery failure surfaces on a later call
// rather than this one.
func (s *WriterSink) Write(ctx context.Context, item any) error {
	if err := s.Ready(ctx); err != nil {
		return err
	}
	if err := s.writer.Write(item); err != nil {
		return s.fail(err)
	}
	return nil
}

// Close flushes queued items, closes the underlying stream, and releases the
// writer's lock. Extra calls after the first return nil.
func (s *WriterSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.writer.Close(ctx)
	s.writer.ReleaseLock()
	if err != nil {
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
	}
	return err
}

// Abort discards queued items, errors the underlying stream with reason, and
// releases the writer's lock.
func (s *WriterSink) Abort(ctx context.Context, reason any) error {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.writer.AbortWithReason(ctx, reason)
	s.writer.ReleaseLock()
	if err != nil {
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
	}
	return err
}

func (s *WriterSink) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.closed {
		return ErrClosed
	}
	return nil
}

// fail records the stream's error on first observation and releases the
// writer's lock so the failed stream is no longer held.
func (s *WriterSink) fail(err error) error {
	s.mu.Lock()
	if s.err != nil {
		err = s.err
		s.mu.Unlock()
		return err
	}
	s.err = err
	s.mu.Unlock()

	s.writer.ReleaseLock()
	return err
}
