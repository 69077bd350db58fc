package hosttest

import (
	"context"
	"errors"
	"sync"

	"github.com/jhump/webstream/driver"
)

var errWriteAfterClose = errors.New("hosttest: write on a closing or closed stream")

// Writable is an in-memory host writable stream. Chunks queue synchronously
// on write and a single delivery goroutine feeds them to the sink one at a
// time, so the sink never sees overlapping calls. A chunk occupies the queue
// until its delivery resolves, which is what writers waiting on Ready
// observe as backpressure.
type Writable struct {
	sink     driver.UnderlyingSink
	strategy driver.QueuingStrategy

	ctx       context.Context
	cancelCtx context.CancelFunc

	mu             sync.Mutex
	change         chan struct{} // remade on every transition waiters care about
	queue          []queued
	queueSize      uint
	state          streamState
	reason         any
	closeRequested bool
	writing        bool
	locked         bool
	gen            int
}

var _ driver.WritableStream = (*Writable)(nil)

func NewWritable(sink driver.UnderlyingSink, strategy driver.QueuingStrategy) (*Writable, error) {
	w := &Writable{
		sink:     sink,
		strategy: strategy,
		change:   make(chan struct{}),
	}
	w.ctx, w.cancelCtx = context.WithCancel(context.Background())
	return w, nil
}

func (w *Writable) broadcastLocked() {
	close(w.change)
	w.change = make(chan struct{})
}

func (w *Writable) errorLocked(reason any) {
	w.state = stateErrored
	w.reason = reason
	w.queue = nil
	w.queueSize = 0
	w.broadcastLocked()
	w.cancelCtx()
}

func (w *Writable) desiredSizeLocked() int64 {
	return int64(w.strategy.HighWaterMark) - int64(w.queueSize)
}

// maybeWriteLocked starts the delivery goroutine when there is work for it
// and none is running.
func (w *Writable) maybeWriteLocked() {
	if w.writing || w.state != stateOpen {
		return
	}
	if len(w.queue) == 0 && !w.closeRequested {
		return
	}
	w.writing = true
	go w.run()
}

func (w *Writable) run() {
	for {
		w.mu.Lock()
		if w.state != stateOpen {
			w.writing = false
			w.broadcastLocked()
			w.mu.Unlock()
			return
		}
		if len(w.queue) == 0 {
			if !w.closeRequested {
				w.writing = false
				w.mu.Unlock()
				return
			}
			w.mu.Unlock()
			err := w.sink.Close(w.ctx)
			w.mu.Lock()
			w.writing = false
			if w.state == stateOpen {
				if err != nil {
					w.errorLocked(err)
				} else {
					w.state = stateClosed
					w.broadcastLocked()
					w.cancelCtx()
				}
			} else {
				w.broadcastLocked()
			}
			w.mu.Unlock()
			return
		}
		chunk := w.queue[0].value
		w.mu.Unlock()

		err := w.sink.Write(w.ctx, chunk, &sinkController{w: w})

		w.mu.Lock()
		if w.state != stateOpen {
			w.writing = false
			w.broadcastLocked()
			w.mu.Unlock()
			return
		}
		if err != nil {
			w.errorLocked(err)
			w.writing = false
			w.mu.Unlock()
			return
		}
		entry := w.queue[0]
		w.queue = w.queue[1:]
		w.queueSize -= entry.size
		w.broadcastLocked()
		w.mu.Unlock()
	}
}

func (w *Writable) GetWriter() (driver.StreamWriter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.locked {
		return nil, driver.ErrLocked
	}
	w.locked = true
	w.gen++
	return &writableWriter{
		w:        w,
		gen:      w.gen,
		released: make(chan struct{}),
	}, nil
}

func (w *Writable) Locked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.locked
}

// Abort errors the stream with reason and informs the sink. While a writer
// holds the lock this fails with ErrLocked; the writer's own Abort must be
// used instead.
func (w *Writable) Abort(ctx context.Context, reason any) error {
	w.mu.Lock()
	if w.locked {
		w.mu.Unlock()
		return driver.ErrLocked
	}
	w.mu.Unlock()
	return w.abort(ctx, reason)
}

func (w *Writable) abort(ctx context.Context, reason any) error {
	w.mu.Lock()
	if w.state != stateOpen {
		w.mu.Unlock()
		return nil
	}
	w.errorLocked(reason)
	w.mu.Unlock()

	// Erroring canceled the delivery ctx; wait out an in-flight write so the
	// sink never sees Abort concurrently with Write.
	for {
		w.mu.Lock()
		if !w.writing {
			w.mu.Unlock()
			break
		}
		ch := w.change
		w.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return w.sink.Abort(ctx, reason)
}

// errorFromOutside errors the stream without involving the sink. The
// transform host uses it when the readable side of a transform is canceled.
func (w *Writable) errorFromOutside(reason any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != stateOpen {
		return
	}
	w.errorLocked(reason)
}

// QueueLen reports how many chunks are queued, including one being delivered.
func (w *Writable) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// ErrorReason returns the reason the stream errored with, if it has.
func (w *Writable) ErrorReason() (any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason, w.state == stateErrored
}

type sinkController struct {
	w *Writable
}

var _ driver.SinkController = (*sinkController)(nil)

func (c *sinkController) Error(reason any) {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	if c.w.state != stateOpen {
		return
	}
	c.w.errorLocked(reason)
}

type writableWriter struct {
	w        *Writable
	gen      int
	released chan struct{}
}

var _ driver.StreamWriter = (*writableWriter)(nil)

func (wr *writableWriter) Ready(ctx context.Context) error {
	w := wr.w
	w.mu.Lock()
	for {
		if wr.gen != w.gen {
			w.mu.Unlock()
			return driver.ErrReleased
		}
		if w.state == stateErrored {
			err := driver.ErrorForReason(w.reason)
			w.mu.Unlock()
			return err
		}
		if w.state == stateClosed || w.closeRequested {
			w.mu.Unlock()
			return nil
		}
		if w.desiredSizeLocked() > 0 {
			w.mu.Unlock()
			return nil
		}
		ch := w.change
		w.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		w.mu.Lock()
	}
}

func (wr *writableWriter) Write(chunk any) error {
	w := wr.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if wr.gen != w.gen {
		return driver.ErrReleased
	}
	if w.state == stateErrored {
		return driver.ErrorForReason(w.reason)
	}
	if w.state == stateClosed || w.closeRequested {
		return errWriteAfterClose
	}
	size := w.strategy.Measure(chunk)
	w.queue = append(w.queue, queued{value: chunk, size: size})
	w.queueSize += size
	w.maybeWriteLocked()
	return nil
}

func (wr *writableWriter) Close(ctx context.Context) error {
	w := wr.w
	w.mu.Lock()
	if wr.gen != w.gen {
		w.mu.Unlock()
		return driver.ErrReleased
	}
	if w.state == stateErrored {
		err := driver.ErrorForReason(w.reason)
		w.mu.Unlock()
		return err
	}
	if w.state == stateClosed {
		w.mu.Unlock()
		return nil
	}
	w.closeRequested = true
	w.maybeWriteLocked()
	for {
		if w.state != stateOpen {
			break
		}
		ch := w.change
		w.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		w.mu.Lock()
		if wr.gen != w.gen {
			w.mu.Unlock()
			return driver.ErrReleased
		}
	}
	defer w.mu.Unlock()
	if w.state == stateErrored {
		return driver.ErrorForReason(w.reason)
	}
	return nil
}

func (wr *writableWriter) Abort(ctx context.Context, reason any) error {
	w := wr.w
	w.mu.Lock()
	if wr.gen != w.gen {
		w.mu.Unlock()
		return driver.ErrReleased
	}
	w.mu.Unlock()
	return w.abort(ctx, reason)
}

func (wr *writableWriter) ReleaseLock() {
	w := wr.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if wr.gen != w.gen {
		return
	}
	w.locked = false
	w.gen++
	w.broadcastLocked()
	close(wr.released)
}

func (wr *writableWriter) Closed(ctx context.Context) error {
	w := wr.w
	w.mu.Lock()
	for w.state == stateOpen {
		ch := w.change
		w.mu.Unlock()
		select {
		case <-ch:
		case <-wr.released:
			return driver.ErrReleased
		case <-ctx.Done():
			return ctx.Err()
		}
		w.mu.Lock()
	}
	defer w.mu.Unlock()
	if w.state == stateErrored {
		return driver.ErrorForReason(w.reason)
	}
	return nil
}

func (wr *writableWriter) DesiredSize() (int64, bool) {
	w := wr.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == stateErrored {
		return 0, false
	}
	if w.state == stateClosed {
		return 0, true
	}
	return w.desiredSizeLocked(), true
}
