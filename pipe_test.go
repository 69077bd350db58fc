package webstream

import (
	"context"
	"reflect"
	"testing"

	"github.com/jhump/webstream/driver"
	"github.com/jhump/webstream/internal/hosttest"
)

func newRecordingDest(t *testing.T, rt *hosttest.Runtime) (*WritableStream, *hosttest.RecordingSink) {
	t.Helper()
	sink := &hosttest.RecordingSink{}
	raw, err := hosttest.NewWritable(sink, driver.QueuingStrategy{HighWaterMark: 1})
	if err != nil {
		t.Fatalf("failed to create writable: %v", err)
	}
	return NewWritableStream(rt, raw), sink
}

func TestPipePropagation(t *testing.T) {
	rt := hosttest.NewRuntime()

	t.Run("source error aborts destination", func(t *testing.T) {
		rs, err := ReadableStreamFrom(rt, scriptedSource([]any{"a"}, errBoom))
		if err != nil {
			t.Fatalf("failed to create stream: %v", err)
		}
		dest, sink := newRecordingDest(t, rt)
		if err := rs.PipeTo(context.Background(), dest); err != errBoom {
			t.Fatalf("pipe result: got %v, want %v", err, errBoom)
		}
		want := []string{"write:a", "abort:boom"}
		if got := sink.Events(); !reflect.DeepEqual(got, want) {
			t.Fatalf("sink events: got %v, want %v", got, want)
		}
	})

	t.Run("source error with PreventAbort", func(t *testing.T) {
		rs, err := ReadableStreamFrom(rt, scriptedSource(nil, errBoom))
		if err != nil {
			t.Fatalf("failed to create stream: %v", err)
		}
		dest, sink := newRecordingDest(t, rt)
		err = rs.PipeToWithOptions(context.Background(), dest, PipeOptions{PreventAbort: true})
		if err != errBoom {
			t.Fatalf("pipe result: got %v, want %v", err, errBoom)
		}
		if got := sink.Events(); len(got) != 0 {
			t.Fatalf("sink events: got %v, want none", got)
		}
		if _, errored := dest.Raw().(*hosttest.Writable).ErrorReason(); errored {
			t.Fatalf("destination was errored despite PreventAbort")
		}
	})

	t.Run("destination error cancels source", func(t *testing.T) {
		rs, err := ReadableStreamFrom(rt, listSource(1, 2, 3))
		if err != nil {
			t.Fatalf("failed to create stream: %v", err)
		}
		sink := &hosttest.RecordingSink{
			OnWrite: func(any) error { return errBoom },
		}
		raw, err := hosttest.NewWritable(sink, driver.QueuingStrategy{HighWaterMark: 1})
		if err != nil {
			t.Fatalf("failed to create writable: %v", err)
		}
		dest := NewWritableStream(rt, raw)

		if err := rs.PipeTo(context.Background(), dest); err != errBoom {
			t.Fatalf("pipe result: got %v, want %v", err, errBoom)
		}
		src := rs.Raw().(*hosttest.Readable)
		if n := src.CancelCalls(); n != 1 {
			t.Fatalf("source cancel calls: got %d, want 1", n)
		}
		if reasons := src.CancelReasons(); len(reasons) != 1 || reasons[0] != errBoom {
			t.Fatalf("source cancel reasons: got %v, want [%v]", reasons, errBoom)
		}
	})

	t.Run("destination error with PreventCancel", func(t *testing.T) {
		rs, err := ReadableStreamFrom(rt, listSource(1, 2, 3))
		if err != nil {
			t.Fatalf("failed to create stream: %v", err)
		}
		sink := &hosttest.RecordingSink{
			OnWrite: func(any) error { return errBoom },
		}
		raw, err := hosttest.NewWritable(sink, driver.QueuingStrategy{HighWaterMark: 1})
		if err != nil {
			t.Fatalf("failed to create writable: %v", err)
		}
		dest := NewWritableStream(rt, raw)

		err = rs.PipeToWithOptions(context.Background(), dest, PipeOptions{PreventCancel: true})
		if err != errBoom {
			t.Fatalf("pipe result: got %v, want %v", err, errBoom)
		}
		src := rs.Raw().(*hosttest.Readable)
		if n := src.CancelCalls(); n != 0 {
			t.Fatalf("source cancel calls: got %d, want 0", n)
		}
		// the pipe released its locks, so the rest of the stream is readable
		it, err := rs.AsSource()
		if err != nil {
			t.Fatalf("failed to acquire source after pipe: %v", err)
		}
		if v, err := it.Next(context.Background()); err != nil || v != 2 {
			t.Fatalf("next item after pipe: got %v, %v", v, err)
		}
		_ = it.Close()
	})

	t.Run("close withheld by PreventClose", func(t *testing.T) {
		rs, err := ReadableStreamFrom(rt, listSource("a"))
		if err != nil {
			t.Fatalf("failed to create stream: %v", err)
		}
		dest, sink := newRecordingDest(t, rt)
		err = rs.PipeToWithOptions(context.Background(), dest, PipeOptions{PreventClose: true})
		if err != nil {
			t.Fatalf("pipe result: %v", err)
		}
		want := []string{"write:a"}
		if got := sink.Events(); !reflect.DeepEqual(got, want) {
			t.Fatalf("sink events: got %v, want %v", got, want)
		}
		// the destination is still open for more writes
		s, err := dest.AsSink()
		if err != nil {
			t.Fatalf("failed to acquire sink: %v", err)
		}
		if err := s.Write(context.Background(), "b"); err != nil {
			t.Fatalf("write after pipe: %v", err)
		}
		if err := s.Close(context.Background()); err != nil {
			t.Fatalf("close after pipe: %v", err)
		}
		want = []string{"write:a", "write:b", "close"}
		if got := sink.Events(); !reflect.DeepEqual(got, want) {
			t.Fatalf("sink events: got %v, want %v", got, want)
		}
	})

	t.Run("signal aborts both ends", func(t *testing.T) {
		src := newBlockingSource()
		rs, err := ReadableStreamFrom(rt, src)
		if err != nil {
			t.Fatalf("failed to create stream: %v", err)
		}
		dest, sink := newRecordingDest(t, rt)

		signal, fire := context.WithCancelCause(context.Background())
		result := make(chan error, 1)
		go func() {
			result <- rs.PipeToWithOptions(context.Background(), dest, PipeOptions{Signal: signal})
		}()

		src.ch <- 1
		waitFor(t, "first write to land", func() bool { return len(sink.Events()) == 1 })

		fire(errStop)
		if err := <-result; err != errStop {
			t.Fatalf("pipe result: got %v, want %v", err, errStop)
		}
		want := []string{"write:1", "abort:stop"}
		if got := sink.Events(); !reflect.DeepEqual(got, want) {
			t.Fatalf("sink events: got %v, want %v", got, want)
		}
		raw := rs.Raw().(*hosttest.Readable)
		if n := raw.CancelCalls(); n != 1 {
			t.Fatalf("source cancel calls: got %d, want 1", n)
		}
		if reasons := raw.CancelReasons(); len(reasons) != 1 || reasons[0] != errStop {
			t.Fatalf("source cancel reasons: got %v, want [%v]", reasons, errStop)
		}
		waitFor(t, "source to be closed", src.isClosed)
	})
}
