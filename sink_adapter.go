package webstream

import (
	"context"

	"github.com/jhump/webstream/driver"
)

// WritableStreamFrom constructs a host writable stream that delivers written
// chunks to the given sink. Each host write waits for the sink to report
// readiness before delivering the chunk, so the sink's backpressure is
// respected. The sink is owned by the returned stream and is dropped after
// the host closes or aborts it.
//
// If the sink implements [SinkAborter], a host abort invokes it with the
// abort reason; otherwise the sink is closed normally.
//
// A sink failure that happens between host-initiated calls cannot be pushed
// to the host proactively; the next write, close, or abort the host issues
// observes it. By default the stream's high-water mark is 1.
func WritableStreamFrom(rt driver.Runtime, sink Sink, opts ...StreamOption) (*WritableStream, error) {
	var o streamOpts
	for _, opt := range opts {
		opt.apply(&o)
	}
	raw, err := rt.NewWritableStream(&sinkAdapter{sink: sink}, o.strategy(1))
	if err != nil {
		return nil, err
	}
	return NewWritableStream(rt, raw), nil
}

// sinkAdapter exposes a Sink as an underlying sink descriptor. The host
// serializes Write, Close, and Abort calls, so the fields need no lock.
type sinkAdapter struct {
	sink   Sink
	closed bool
}

func (a *sinkAdapter) Write(ctx context.Context, chunk any, _ driver.SinkController) error {
	if a.closed {
		return ErrClosed
	}
	// Never deliver before the consumer reports readiness.
	if err := a.sink.Ready(ctx); err != nil {
		return err
	}
	return a.sink.Write(ctx, chunk)
}

func (a *sinkAdapter) Close(ctx context.Context) error {
	sink := a.teardown()
	if sink == nil {
		return nil
	}
	return sink.Close(ctx)
}

func (a *sinkAdapter) Abort(ctx context.Context, reason any) error {
	sink := a.teardown()
	if sink == nil {
		return nil
	}
	if aborter, ok := sink.(SinkAborter); ok {
		return aborter.Abort(ctx, reason)
	}
	// The sink has no abort operation; fall back to a normal close.
	return sink.Close(ctx)
}

func (a *sinkAdapter) teardown() Sink {
	if a.closed {
		return nil
	}
	a.closed = true
	sink := a.sink
	a.sink = nil
	return sink
}
