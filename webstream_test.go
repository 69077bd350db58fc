package webstream

import (
	"context"
	"errors"
	"io"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/jhump/webstream/driver"
	"github.com/jhump/webstream/internal/hosttest"
)

var (
	errBoom = errors.New("boom")
	errStop = errors.New("stop")
)

// listSource yields the given items in order, then ends.
func listSource(items ...any) Source {
	return scriptedSource(items, io.EOF)
}

// scriptedSource yields the given items in order and then fails with final.
func scriptedSource(items []any, final error) Source {
	var i int
	return SourceFunc(func(context.Context) (any, error) {
		if i >= len(items) {
			return nil, final
		}
		v := items[i]
		i++
		return v, nil
	})
}

// drainSource collects items until Next fails, returning the items and the
// terminal error.
func drainSource(ctx context.Context, src Source) ([]any, error) {
	var got []any
	for {
		v, err := src.Next(ctx)
		if err != nil {
			return got, err
		}
		got = append(got, v)
	}
}

// waitFor polls cond until it holds or a deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for deadline.After(time.Now()) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRoundTrip(t *testing.T) {
	rt := hosttest.NewRuntime()

	t.Run("items then end", func(t *testing.T) {
		checkForGoroutineLeak(t, func() {
			rs, err := ReadableStreamFrom(rt, listSource(1, 2, 3))
			if err != nil {
				t.Fatalf("failed to create stream: %v", err)
			}
			src, err := rs.AsSource()
			if err != nil {
				t.Fatalf("failed to acquire source: %v", err)
			}
			got, err := drainSource(context.Background(), src)
			if err != io.EOF {
				t.Fatalf("terminal error: got %v, want io.EOF", err)
			}
			if want := []any{1, 2, 3}; !reflect.DeepEqual(got, want) {
				t.Fatalf("items: got %v, want %v", got, want)
			}
			// end of stream released the lock without an explicit Close
			if rs.IsLocked() {
				t.Errorf("stream still locked after end of stream")
			}
		})
	})

	t.Run("error preserved", func(t *testing.T) {
		checkForGoroutineLeak(t, func() {
			rs, err := ReadableStreamFrom(rt, scriptedSource([]any{1}, errBoom))
			if err != nil {
				t.Fatalf("failed to create stream: %v", err)
			}
			src, err := rs.AsSource()
			if err != nil {
				t.Fatalf("failed to acquire source: %v", err)
			}
			ctx := context.Background()
			v, err := src.Next(ctx)
			if err != nil || v != 1 {
				t.Fatalf("first item: got %v, %v", v, err)
			}
			// the failure must surface as the very same error value
			if _, err := src.Next(ctx); err != errBoom {
				t.Fatalf("second item: got %v, want %v", err, errBoom)
			}
			if _, err := src.Next(ctx); err != io.EOF {
				t.Fatalf("after error: got %v, want io.EOF", err)
			}
			raw := rs.Raw().(*hosttest.Readable)
			if reason, ok := raw.ErrorReason(); !ok || reason != errBoom {
				t.Fatalf("host error reason: got %v (errored=%v), want %v", reason, ok, errBoom)
			}
		})
	})
}

func TestLockExclusivity(t *testing.T) {
	rt := hosttest.NewRuntime()

	t.Run("readable", func(t *testing.T) {
		rs, err := ReadableStreamFrom(rt, listSource(1))
		if err != nil {
			t.Fatalf("failed to create stream: %v", err)
		}
		reader, err := rs.GetReader()
		if err != nil {
			t.Fatalf("failed to acquire reader: %v", err)
		}
		if _, err := rs.GetReader(); err != ErrLocked {
			t.Fatalf("second reader: got %v, want ErrLocked", err)
		}
		if _, err := rs.AsSource(); err != ErrLocked {
			t.Fatalf("source on locked stream: got %v, want ErrLocked", err)
		}
		if err := rs.Cancel(context.Background()); err != ErrLocked {
			t.Fatalf("cancel on locked stream: got %v, want ErrLocked", err)
		}
		reader.ReleaseLock()
		reader.ReleaseLock() // idempotent
		if rs.IsLocked() {
			t.Errorf("stream still locked after release")
		}
		if _, err := rs.GetReader(); err != nil {
			t.Fatalf("reader after release: %v", err)
		}
	})

	t.Run("writable", func(t *testing.T) {
		ws := newRecordingStream(t, rt, &hosttest.RecordingSink{})
		writer, err := ws.GetWriter()
		if err != nil {
			t.Fatalf("failed to acquire writer: %v", err)
		}
		if _, err := ws.GetWriter(); err != ErrLocked {
			t.Fatalf("second writer: got %v, want ErrLocked", err)
		}
		if _, err := ws.AsSink(); err != ErrLocked {
			t.Fatalf("sink on locked stream: got %v, want ErrLocked", err)
		}
		if err := ws.Abort(context.Background()); err != ErrLocked {
			t.Fatalf("abort on locked stream: got %v, want ErrLocked", err)
		}
		writer.ReleaseLock()
		writer.ReleaseLock() // idempotent
		if ws.IsLocked() {
			t.Errorf("stream still locked after release")
		}
		if _, err := ws.GetWriter(); err != nil {
			t.Fatalf("writer after release: %v", err)
		}
	})
}

func TestCancelSignal(t *testing.T) {
	rt := hosttest.NewRuntime()
	rs, err := ReadableStreamFrom(rt, listSource(1, 2, 3))
	if err != nil {
		t.Fatalf("failed to create stream: %v", err)
	}
	signal, fire := context.WithCancelCause(context.Background())
	src, err := rs.AsSource(WithCancelSignal(signal))
	if err != nil {
		t.Fatalf("failed to acquire source: %v", err)
	}
	ctx := context.Background()
	if v, err := src.Next(ctx); err != nil || v != 1 {
		t.Fatalf("first item: got %v, %v", v, err)
	}

	fire(errStop)
	// a fired signal ends the sequence, it does not error it
	if _, err := src.Next(ctx); err != io.EOF {
		t.Fatalf("after signal: got %v, want io.EOF", err)
	}
	raw := rs.Raw().(*hosttest.Readable)
	if n := raw.CancelCalls(); n != 1 {
		t.Fatalf("cancel calls: got %d, want 1", n)
	}
	if reasons := raw.CancelReasons(); len(reasons) != 1 || reasons[0] != errStop {
		t.Fatalf("cancel reasons: got %v, want [%v]", reasons, errStop)
	}

	// further traffic stays settled and never cancels again
	if _, err := src.Next(ctx); err != io.EOF {
		t.Fatalf("after cancel: got %v, want io.EOF", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := raw.CancelCalls(); n != 1 {
		t.Fatalf("cancel calls after close: got %d, want 1", n)
	}
}

func TestCancelSignalDuringRead(t *testing.T) {
	rt := hosttest.NewRuntime()
	checkForGoroutineLeak(t, func() {
		raw, err := hosttest.NewReadable(&hosttest.SourceFuncs{
			OnPull: func(ctx context.Context, _ driver.SourceController) error {
				// produce nothing until the stream is torn down
				<-ctx.Done()
				return nil
			},
		}, driver.QueuingStrategy{HighWaterMark: 1})
		if err != nil {
			t.Fatalf("failed to create stream: %v", err)
		}
		rs := NewReadableStream(rt, raw)
		signal, fire := context.WithCancelCause(context.Background())
		src, err := rs.AsSource(WithCancelSignal(signal))
		if err != nil {
			t.Fatalf("failed to acquire source: %v", err)
		}

		type nextResult struct {
			v   any
			err error
		}
		got := make(chan nextResult, 1)
		go func() {
			v, err := src.Next(context.Background())
			got <- nextResult{v, err}
		}()

		waitFor(t, "pull to start", func() bool { return raw.PullCalls() == 1 })
		time.Sleep(50 * time.Millisecond) // let Next block on the pending read
		fire(errStop)

		select {
		case res := <-got:
			if res.err != io.EOF {
				t.Fatalf("next after signal: got %v, %v, want io.EOF", res.v, res.err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for the blocked read to end")
		}
		if n := raw.CancelCalls(); n != 1 {
			t.Fatalf("cancel calls: got %d, want 1", n)
		}
		if reasons := raw.CancelReasons(); len(reasons) != 1 || reasons[0] != errStop {
			t.Fatalf("cancel reasons: got %v, want [%v]", reasons, errStop)
		}
		if _, err := src.Next(context.Background()); err != io.EOF {
			t.Fatalf("after cancel: got %v, want io.EOF", err)
		}
		if n := raw.CancelCalls(); n != 1 {
			t.Fatalf("cancel calls after second next: got %d, want 1", n)
		}
		if rs.IsLocked() {
			t.Errorf("stream still locked after the signal fired")
		}
	})
}

func TestPipe(t *testing.T) {
	rt := hosttest.NewRuntime()
	checkForGoroutineLeak(t, func() {
		rs, err := ReadableStreamFrom(rt, listSource("a", "b", "c"))
		if err != nil {
			t.Fatalf("failed to create stream: %v", err)
		}
		sink := &hosttest.RecordingSink{}
		raw, err := hosttest.NewWritable(sink, driver.QueuingStrategy{HighWaterMark: 1})
		if err != nil {
			t.Fatalf("failed to create writable: %v", err)
		}
		dest := NewWritableStream(rt, raw)

		if err := rs.PipeTo(context.Background(), dest); err != nil {
			t.Fatalf("pipe failed: %v", err)
		}
		want := []string{"write:a", "write:b", "write:c", "close"}
		if got := sink.Events(); !reflect.DeepEqual(got, want) {
			t.Fatalf("sink events: got %v, want %v", got, want)
		}
		if rs.IsLocked() || dest.IsLocked() {
			t.Errorf("pipe left a stream locked: readable=%v writable=%v", rs.IsLocked(), dest.IsLocked())
		}
	})
}

func TestTransform(t *testing.T) {
	rt := hosttest.NewRuntime()

	upper := Transformer{
		Transform: func(_ context.Context, chunk any, c TransformController) error {
			return c.Enqueue(strings.ToUpper(chunk.(string)))
		},
	}

	t.Run("uppercase", func(t *testing.T) {
		checkForGoroutineLeak(t, func() {
			ts, err := TransformStreamFrom(rt, upper)
			if err != nil {
				t.Fatalf("failed to create transform: %v", err)
			}
			sink, err := ts.Writable().AsSink()
			if err != nil {
				t.Fatalf("failed to acquire sink: %v", err)
			}
			go func() {
				ctx := context.Background()
				for _, s := range []string{"one", "two"} {
					if err := sink.Write(ctx, s); err != nil {
						t.Errorf("write %q: %v", s, err)
						return
					}
				}
				if err := sink.Close(ctx); err != nil {
					t.Errorf("close: %v", err)
				}
			}()

			src, err := ts.Readable().AsSource()
			if err != nil {
				t.Fatalf("failed to acquire source: %v", err)
			}
			got, err := drainSource(context.Background(), src)
			if err != io.EOF {
				t.Fatalf("terminal error: got %v, want io.EOF", err)
			}
			if want := []any{"ONE", "TWO"}; !reflect.DeepEqual(got, want) {
				t.Fatalf("items: got %v, want %v", got, want)
			}
		})
	})

	t.Run("flush appends", func(t *testing.T) {
		checkForGoroutineLeak(t, func() {
			tr := upper
			tr.Flush = func(_ context.Context, c TransformController) error {
				return c.Enqueue("done")
			}
			ts, err := TransformStreamFrom(rt, tr)
			if err != nil {
				t.Fatalf("failed to create transform: %v", err)
			}
			sink, err := ts.Writable().AsSink()
			if err != nil {
				t.Fatalf("failed to acquire sink: %v", err)
			}
			go func() {
				ctx := context.Background()
				if err := sink.Write(ctx, "x"); err != nil {
					t.Errorf("write: %v", err)
					return
				}
				if err := sink.Close(ctx); err != nil {
					t.Errorf("close: %v", err)
				}
			}()
			src, err := ts.Readable().AsSource()
			if err != nil {
				t.Fatalf("failed to acquire source: %v", err)
			}
			got, err := drainSource(context.Background(), src)
			if err != io.EOF {
				t.Fatalf("terminal error: got %v, want io.EOF", err)
			}
			if want := []any{"X", "done"}; !reflect.DeepEqual(got, want) {
				t.Fatalf("items: got %v, want %v", got, want)
			}
		})
	})

	t.Run("chunks wait for downstream demand", func(t *testing.T) {
		checkForGoroutineLeak(t, func() {
			ts, err := TransformStreamFrom(rt, upper)
			if err != nil {
				t.Fatalf("failed to create transform: %v", err)
			}
			th := ts.Raw().(*hosttest.Transform)
			sink, err := ts.Writable().AsSink()
			if err != nil {
				t.Fatalf("failed to acquire sink: %v", err)
			}
			go func() {
				ctx := context.Background()
				for _, s := range []string{"one", "two"} {
					if err := sink.Write(ctx, s); err != nil {
						t.Errorf("write %q: %v", s, err)
						return
					}
				}
				if err := sink.Close(ctx); err != nil {
					t.Errorf("close: %v", err)
				}
			}()

			// the first chunk is accepted but held: nothing is transformed
			// until the readable side asks for data
			waitFor(t, "first chunk to be held", func() bool { return th.WritableEnd().QueueLen() == 1 })
			if n := th.ReadableEnd().PullCalls(); n != 0 {
				t.Fatalf("pull calls before any read: got %d, want 0", n)
			}
			if n := th.ReadableEnd().QueueLen(); n != 0 {
				t.Fatalf("readable queue before any read: got %d chunks, want 0", n)
			}

			src, err := ts.Readable().AsSource()
			if err != nil {
				t.Fatalf("failed to acquire source: %v", err)
			}
			ctx := context.Background()
			v, err := src.Next(ctx)
			if err != nil || v != "ONE" {
				t.Fatalf("first item: got %v, %v", v, err)
			}
			// one read warranted exactly one pull, which released exactly
			// one chunk; the next one is held again
			waitFor(t, "second chunk to be held", func() bool { return th.WritableEnd().QueueLen() == 1 })
			if n := th.ReadableEnd().PullCalls(); n != 1 {
				t.Fatalf("pull calls after one read: got %d, want 1", n)
			}

			got, err := drainSource(ctx, src)
			if err != io.EOF {
				t.Fatalf("terminal error: got %v, want io.EOF", err)
			}
			if want := []any{"TWO"}; !reflect.DeepEqual(got, want) {
				t.Fatalf("items: got %v, want %v", got, want)
			}
		})
	})

	t.Run("identity by default", func(t *testing.T) {
		checkForGoroutineLeak(t, func() {
			ts, err := TransformStreamFrom(rt, Transformer{})
			if err != nil {
				t.Fatalf("failed to create transform: %v", err)
			}
			sink, err := ts.Writable().AsSink()
			if err != nil {
				t.Fatalf("failed to acquire sink: %v", err)
			}
			go func() {
				ctx := context.Background()
				if err := sink.Write(ctx, 42); err != nil {
					t.Errorf("write: %v", err)
					return
				}
				if err := sink.Close(ctx); err != nil {
					t.Errorf("close: %v", err)
				}
			}()
			src, err := ts.Readable().AsSource()
			if err != nil {
				t.Fatalf("failed to acquire source: %v", err)
			}
			got, err := drainSource(context.Background(), src)
			if err != io.EOF {
				t.Fatalf("terminal error: got %v, want io.EOF", err)
			}
			if want := []any{42}; !reflect.DeepEqual(got, want) {
				t.Fatalf("items: got %v, want %v", got, want)
			}
		})
	})
}

func TestPipeThrough(t *testing.T) {
	rt := hosttest.NewRuntime()
	checkForGoroutineLeak(t, func() {
		rs, err := ReadableStreamFrom(rt, listSource("a", "b"))
		if err != nil {
			t.Fatalf("failed to create stream: %v", err)
		}
		ts, err := TransformStreamFrom(rt, Transformer{
			Transform: func(_ context.Context, chunk any, c TransformController) error {
				return c.Enqueue(strings.ToUpper(chunk.(string)))
			},
		})
		if err != nil {
			t.Fatalf("failed to create transform: %v", err)
		}
		out := rs.PipeThrough(ts, PipeOptions{})
		src, err := out.AsSource()
		if err != nil {
			t.Fatalf("failed to acquire source: %v", err)
		}
		got, err := drainSource(context.Background(), src)
		if err != io.EOF {
			t.Fatalf("terminal error: got %v, want io.EOF", err)
		}
		if want := []any{"A", "B"}; !reflect.DeepEqual(got, want) {
			t.Fatalf("items: got %v, want %v", got, want)
		}
	})
}

func checkForGoroutineLeak(t *testing.T, fn func()) {
	before := runtime.NumGoroutine()

	fn()

	// check for goroutine leaks
	deadline := time.Now().Add(time.Second * 5)
	after := 0
	for deadline.After(time.Now()) {
		after = runtime.NumGoroutine()
		if after <= before {
			// number of goroutines returned to previous level: no leak!
			return
		}
		time.Sleep(time.Millisecond * 50)
	}
	buf := make([]byte, 1024*1024)
	n := runtime.Stack(buf, true)
	t.Errorf("%d goroutines leaked:\n%s", after-before, string(buf[:n]))
}
