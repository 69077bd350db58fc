package webstream

import (
	"context"

	"github.com/jhump/webstream/driver"
)

// StreamOption is an option for configuring the queuing strategy of a host
// stream constructed from a Go source, sink, or transformer.
type StreamOption interface {
	apply(*streamOpts)
}

// WithHighWaterMark returns an option that sets the high-water mark of the
// constructed stream's queue: the queue size at or above which the host stops
// requesting more chunks until consumption drains the queue.
//
// The default depends on the constructor: streams built from a [Source] use 0,
// so the host does not buffer chunks that the source is better placed to hold;
// streams built from a [Sink] or [Transformer] use 1, allowing one chunk in
// flight.
func WithHighWaterMark(n uint) StreamOption {
	return streamOptFunc(func(opts *streamOpts) {
		opts.highWaterMark = &n
	})
}

// WithMeasure returns an option that sets the size function used to account
// for queued chunks. Without it, every chunk counts as 1.
func WithMeasure(measure func(chunk any) uint) StreamOption {
	return streamOptFunc(func(opts *streamOpts) {
		opts.measure = measure
	})
}

type streamOpts struct {
	highWaterMark *uint
	measure       func(chunk any) uint
}

func (o *streamOpts) strategy(defaultHighWaterMark uint) driver.QueuingStrategy {
	hwm := defaultHighWaterMark
	if o.highWaterMark != nil {
		hwm = *o.highWaterMark
	}
	return driver.QueuingStrategy{
		Size:          o.measure,
		HighWaterMark: hwm,
	}
}

type streamOptFunc func(*streamOpts)

func (f streamOptFunc) apply(opts *streamOpts) {
	f(opts)
}

// SourceOption is an option for configuring a [ReaderSource].
type SourceOption interface {
	apply(*sourceOpts)
}

// WithCancelSignal returns an option that ties a [ReaderSource] to an external
// cancellation signal. If the signal fires while a read is pending, the source
// cancels the underlying stream, using the signal's cause as the cancellation
// reason, and then terminates as a normal end of sequence rather than an
// error.
func WithCancelSignal(signal context.Context) SourceOption {
	return sourceOptFunc(func(opts *sourceOpts) {
		opts.signal = signal
	})
}

type sourceOpts struct {
	signal context.Context
}

type sourceOptFunc func(*sourceOpts)

func (f sourceOptFunc) apply(opts *sourceOpts) {
	f(opts)
}
