package webstream

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PipeOptions configures how a pipe reacts when one of its two ends settles.
// The zero value propagates everything: closing the source closes the
// destination, a source error aborts the destination, and a destination
// error cancels the source.
type PipeOptions struct {
	// PreventClose leaves the destination open after the source closes.
	PreventClose bool
	// PreventAbort leaves the destination alone after the source errors.
	PreventAbort bool
	// PreventCancel leaves the source alone after the destination errors.
	PreventCancel bool
	// Signal aborts the pipe when it fires. Both ends are then torn down,
	// subject to PreventAbort and PreventCancel, and the pipe returns the
	// signal's cause.
	Signal context.Context
}

// PipeTo reads this stream to completion and writes every chunk to dest,
// respecting dest's backpressure. Both streams are locked for the duration
// and unlocked when the pipe settles. On success dest is closed and PipeTo
// returns nil; see [PipeOptions] for how failures on either end propagate.
func (rs *ReadableStream) PipeTo(ctx context.Context, dest *WritableStream) error {
	return rs.PipeToWithOptions(ctx, dest, PipeOptions{})
}

// PipeToWithOptions is [ReadableStream.PipeTo] with explicit [PipeOptions].
func (rs *ReadableStream) PipeToWithOptions(ctx context.Context, dest *WritableStream, opts PipeOptions) error {
	reader, err := rs.GetReader()
	if err != nil {
		return err
	}
	writer, err := dest.GetWriter()
	if err != nil {
		reader.ReleaseLock()
		return err
	}
	defer reader.ReleaseLock()
	defer writer.ReleaseLock()

	pctx, cancelPipe := context.WithCancelCause(ctx)
	defer cancelPipe(nil)
	group, gctx := errgroup.WithContext(pctx)
	if opts.Signal != nil {
		signal := opts.Signal
		group.Go(func() error {
			select {
			case <-signal.Done():
				cancelPipe(context.Cause(signal))
			case <-gctx.Done():
			}
			return nil
		})
	}
	var failure *pipeFailure
	group.Go(func() error {
		failure = pump(gctx, reader, writer)
		// Unblock the signal watcher.
		cancelPipe(nil)
		return nil
	})
	_ = group.Wait()

	return settle(ctx, reader, writer, failure, opts)
}

// pump is the transfer loop: wait for capacity on the destination, read one
// chunk from the source, queue it. It returns nil on a clean end of the
// source and a classified failure otherwise.
func pump(ctx context.Context, reader *StreamReader, writer *StreamWriter) *pipeFailure {
	for {
		if err := writer.Ready(ctx); err != nil {
			return classify(ctx, err, false)
		}
		value, done, err := reader.Read(ctx)
		if err != nil {
			return classify(ctx, err, true)
		}
		if done {
			return nil
		}
		if err := writer.Write(value); err != nil {
			return classify(ctx, err, false)
		}
	}
}

type pipeFailure struct {
	fromSource bool
	aborted    bool // the pipe itself was canceled, not either stream
	cause      error
}

func classify(ctx context.Context, err error, fromSource bool) *pipeFailure {
	if ctx.Err() != nil {
		return &pipeFailure{aborted: true, cause: context.Cause(ctx)}
	}
	return &pipeFailure{fromSource: fromSource, cause: err}
}

// settle tears the two ends down according to what failed and the configured
// prevent flags, and produces the pipe's result. Teardown acknowledgments
// are best effort: the pipe's own context may already be gone.
func settle(ctx context.Context, reader *StreamReader, writer *StreamWriter, failure *pipeFailure, opts PipeOptions) error {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	switch {
	case failure == nil:
		if opts.PreventClose {
			return nil
		}
		return writer.Close(ctx)
	case failure.aborted:
		if !opts.PreventAbort {
			if err := writer.AbortWithReason(ctx, failure.cause); err != nil {
				Logger().Debug("error aborting pipe destination", zap.Error(err))
			}
		}
		if !opts.PreventCancel {
			if err := reader.CancelWithReason(ctx, failure.cause); err != nil {
				Logger().Debug("error canceling pipe source", zap.Error(err))
			}
		}
		return failure.cause
	case failure.fromSource:
		if !opts.PreventAbort {
			if err := writer.AbortWithReason(ctx, Reason(failure.cause)); err != nil {
				Logger().Debug("error aborting pipe destination", zap.Error(err))
			}
		}
		return failure.cause
	default:
		if !opts.PreventCancel {
			if err := reader.CancelWithReason(ctx, Reason(failure.cause)); err != nil {
				Logger().Debug("error canceling pipe source", zap.Error(err))
			}
		}
		return failure.cause
	}
}

// PipeThrough pipes this stream into the writable side of ts and returns the
// readable side, so transforms compose as a chain of calls. The pipe runs in
// the background; a failure is reflected by the returned stream's own state
// rather than an error return.
func (rs *ReadableStream) PipeThrough(ts *TransformStream, opts PipeOptions) *ReadableStream {
	go func() {
		if err := rs.PipeToWithOptions(context.Background(), ts.Writable(), opts); err != nil {
			Logger().Debug("pipe through transform failed", zap.Error(err))
		}
	}()
	return ts.Readable()
}
