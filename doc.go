// Package webstream bridges Go sources and sinks with host-managed streams:
// pull-based sequences on one side, reader/writer streams with queues and
// locks on the other.
//
// The bridge runs in both directions. A [Source] can be exposed as a host
// readable stream via [ReadableStreamFrom], and a [Sink] as a host writable
// stream via [WritableStreamFrom], with the host's queuing strategy deciding
// when more data is wanted. Going the other way, [ReadableStream.AsSource]
// and [WritableStream.AsSink] acquire an exclusive reader or writer on an
// existing host stream and present it behind the Go-side interfaces.
//
// Hosts plug in through the small contract in the driver subpackage. The
// package itself never buffers chunks and never drops errors: a stream's
// queue lives on the host side of the contract, and error values cross the
// bridge opaquely in both directions.
package webstream
