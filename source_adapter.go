package webstream

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/jhump/webstream/driver"
)

// ReadableStreamFrom constructs a host readable stream that produces the
// items of the given source. The source is owned by the returned stream: it
// is polled once per host pull, and dropped (its Close method called, if it
// has one) when the stream ends, errors, or is canceled by the host.
//
// By default the stream's high-water mark is 0, so the host queue holds no
// chunks beyond the one an in-progress pull delivers; the source is better
// placed to do any buffering. Use [WithHighWaterMark] and [WithMeasure] to
// configure the queuing strategy, which the host enforces.
func ReadableStreamFrom(rt driver.Runtime, src Source, opts ...StreamOption) (*ReadableStream, error) {
	var o streamOpts
	for _, opt := range opts {
		opt.apply(&o)
	}
	raw, err := rt.NewReadableStream(&sourceAdapter{src: src}, o.strategy(0))
	if err != nil {
		return nil, err
	}
	return NewReadableStream(rt, raw), nil
}

// sourceAdapter exposes a Source as an underlying source descriptor. The host
// serializes Pull calls, so no lock is held across a poll; the mutex only
// guards teardown racing a pending pull.
type sourceAdapter struct {
	mu   sync.Mutex
	src  Source
	done bool
}

func (a *sourceAdapter) Start(_ context.Context, _ driver.SourceController) error {
	// nothing is pulled eagerly
	return nil
}

func (a *sourceAdapter) Pull(ctx context.Context, c driver.SourceController) error {
	a.mu.Lock()
	src, done := a.src, a.done
	a.mu.Unlock()
	if done {
		return nil
	}

	// Poll exactly once: more would over-produce past the host's
	// backpressure signal, less would stall the stream.
	item, err := src.Next(ctx)
	switch {
	case err == nil:
		return c.Enqueue(item)
	case errors.Is(err, io.EOF):
		c.Close()
		a.drop()
		return nil
	default:
		c.Error(err)
		a.drop()
		return nil
	}
}

func (a *sourceAdapter) Cancel(_ context.Context, _ any) error {
	// The reason is accepted but goes nowhere: a Source has no cancellation
	// hook beyond resource release.
	a.drop()
	return nil
}

// drop releases the wrapped source. Closing it also serves to unblock a poll
// that is still pending when the host cancels.
func (a *sourceAdapter) drop() {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return
	}
	a.done = true
	src := a.src
	a.src = nil
	a.mu.Unlock()

	if closer, ok := src.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			Logger().Debug("error closing stream source", zap.Error(err))
		}
	}
}
