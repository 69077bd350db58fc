package hosttest

import (
	"context"
	"errors"
	"sync"

	"github.com/jhump/webstream/driver"
)

var errEnqueueAfterClose = errors.New("hosttest: enqueue on a stream that is no longer readable")

// Readable is an in-memory host readable stream. It drives the given source
// the way a conforming host does: Start once during construction, then one
// Pull at a time, and only while the queue is below the high-water mark or a
// read is waiting. A pull that resolves without triggering further demand is
// not repeated, so tests can assert that exactly as many pulls happen as the
// consumer warrants.
type Readable struct {
	src      driver.UnderlyingSource
	strategy driver.QueuingStrategy

	// ctx is canceled once the stream settles, which also cancels the ctx
	// passed to an in-flight Pull.
	ctx       context.Context
	cancelCtx context.CancelFunc

	mu             sync.Mutex
	queue          []queued
	queueSize      uint
	readRequests   []*readRequest
	state          streamState
	reason         any
	closeRequested bool
	pulling        bool
	pullAgain      bool
	pullDone       chan struct{} // remade per pull; closed when that pull returns
	settled        chan struct{} // closed once, on close or error
	locked         bool
	gen            int

	pullCalls     int
	cancelCalls   int
	cancelReasons []any
}

type readRequest struct {
	ch chan readResponse
}

type readResponse struct {
	res driver.ReadResult
	err error
}

var _ driver.ReadableStream = (*Readable)(nil)

// NewReadable constructs a stream around src. Start is invoked synchronously;
// its error fails construction.
func NewReadable(src driver.UnderlyingSource, strategy driver.QueuingStrategy) (*Readable, error) {
	r := &Readable{
		src:      src,
		strategy: strategy,
		settled:  make(chan struct{}),
	}
	r.ctx, r.cancelCtx = context.WithCancel(context.Background())
	if err := src.Start(r.ctx, &sourceController{r: r}); err != nil {
		r.cancelCtx()
		return nil, err
	}
	r.mu.Lock()
	r.maybePullLocked()
	r.mu.Unlock()
	return r, nil
}

// maybePullLocked starts a pull if the source should be asked for data: the
// stream is still readable and either the queue has room or a read is
// waiting. While a pull is in flight the request is remembered and replayed
// once, after the current pull resolves.
func (r *Readable) maybePullLocked() {
	if r.state != stateOpen || r.closeRequested {
		return
	}
	if len(r.readRequests) == 0 && r.desiredSizeLocked() <= 0 {
		return
	}
	if r.pulling {
		r.pullAgain = true
		return
	}
	r.pulling = true
	r.pullCalls++
	r.pullDone = make(chan struct{})
	go r.runPull(r.pullDone)
}

func (r *Readable) runPull(done chan struct{}) {
	err := r.src.Pull(r.ctx, &sourceController{r: r})
	r.mu.Lock()
	r.pulling = false
	again := r.pullAgain
	r.pullAgain = false
	close(done)
	if err != nil && r.state == stateOpen {
		r.errorLocked(err)
		r.mu.Unlock()
		return
	}
	if again {
		r.maybePullLocked()
	}
	r.mu.Unlock()
}

func (r *Readable) desiredSizeLocked() int64 {
	return int64(r.strategy.HighWaterMark) - int64(r.queueSize)
}

func (r *Readable) errorLocked(reason any) {
	r.state = stateErrored
	r.reason = reason
	r.queue = nil
	r.queueSize = 0
	err := driver.ErrorForReason(reason)
	for _, req := range r.readRequests {
		req.ch <- readResponse{err: err}
	}
	r.readRequests = nil
	close(r.settled)
	r.cancelCtx()
}

func (r *Readable) finishCloseLocked() {
	r.state = stateClosed
	for _, req := range r.readRequests {
		req.ch <- readResponse{res: driver.ReadResult{Done: true}}
	}
	r.readRequests = nil
	close(r.settled)
	r.cancelCtx()
}

func (r *Readable) dequeueLocked() driver.ReadResult {
	entry := r.queue[0]
	r.queue = r.queue[1:]
	r.queueSize -= entry.size
	if r.closeRequested && len(r.queue) == 0 {
		r.finishCloseLocked()
	}
	return driver.ReadResult{Value: entry.value}
}

func (r *Readable) GetReader() (driver.StreamReader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return nil, driver.ErrLocked
	}
	r.locked = true
	r.gen++
	return &readableReader{
		r:        r,
		gen:      r.gen,
		released: make(chan struct{}),
	}, nil
}

func (r *Readable) Locked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked
}

// Cancel settles the stream as closed and informs the source. While a reader
// holds the lock this fails with ErrLocked; the reader's own Cancel must be
// used instead.
func (r *Readable) Cancel(ctx context.Context, reason any) error {
	r.mu.Lock()
	if r.locked {
		r.mu.Unlock()
		return driver.ErrLocked
	}
	r.mu.Unlock()
	return r.cancel(ctx, reason)
}

func (r *Readable) cancel(ctx context.Context, reason any) error {
	r.mu.Lock()
	switch r.state {
	case stateErrored:
		err := driver.ErrorForReason(r.reason)
		r.mu.Unlock()
		return err
	case stateClosed:
		r.mu.Unlock()
		return nil
	}
	r.cancelCalls++
	r.cancelReasons = append(r.cancelReasons, reason)
	r.queue = nil
	r.queueSize = 0
	r.finishCloseLocked()
	r.mu.Unlock()

	// Settling canceled the pull ctx; wait out an in-flight pull so the
	// source never sees Cancel concurrently with Pull.
	for {
		r.mu.Lock()
		if !r.pulling {
			r.mu.Unlock()
			break
		}
		done := r.pullDone
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.src.Cancel(ctx, reason)
}

// PullCalls reports how many times the source's Pull has been invoked.
func (r *Readable) PullCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pullCalls
}

// CancelCalls reports how many times the source's Cancel has been invoked.
func (r *Readable) CancelCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelCalls
}

// CancelReasons returns the reasons passed to Cancel, in order.
func (r *Readable) CancelReasons() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.cancelReasons...)
}

// QueueLen reports how many chunks sit in the stream's queue.
func (r *Readable) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// ErrorReason returns the reason the stream errored with, if it has.
func (r *Readable) ErrorReason() (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason, r.state == stateErrored
}

type sourceController struct {
	r *Readable
}

var _ driver.SourceController = (*sourceController)(nil)

// Enqueue hands the chunk directly to a waiting read when there is one, so
// the queue stays empty and no phantom capacity triggers an extra pull.
func (c *sourceController) Enqueue(chunk any) error {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateOpen || r.closeRequested {
		return errEnqueueAfterClose
	}
	if len(r.readRequests) > 0 {
		req := r.readRequests[0]
		r.readRequests = r.readRequests[1:]
		req.ch <- readResponse{res: driver.ReadResult{Value: chunk}}
	} else {
		size := r.strategy.Measure(chunk)
		r.queue = append(r.queue, queued{value: chunk, size: size})
		r.queueSize += size
	}
	r.maybePullLocked()
	return nil
}

func (c *sourceController) Close() {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateOpen || r.closeRequested {
		return
	}
	r.closeRequested = true
	if len(r.queue) == 0 {
		r.finishCloseLocked()
	}
}

func (c *sourceController) Error(reason any) {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateOpen {
		return
	}
	r.errorLocked(reason)
}

func (c *sourceController) DesiredSize() (int64, bool) {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateErrored {
		return 0, false
	}
	if r.state == stateClosed {
		return 0, true
	}
	return r.desiredSizeLocked(), true
}

type readableReader struct {
	r        *Readable
	gen      int
	released chan struct{}
}

var _ driver.StreamReader = (*readableReader)(nil)

func (rd *readableReader) Read(ctx context.Context) (driver.ReadResult, error) {
	r := rd.r
	r.mu.Lock()
	if rd.gen != r.gen {
		r.mu.Unlock()
		return driver.ReadResult{}, driver.ErrReleased
	}
	if len(r.queue) > 0 {
		res := r.dequeueLocked()
		r.maybePullLocked()
		r.mu.Unlock()
		return res, nil
	}
	if r.state == stateErrored {
		err := driver.ErrorForReason(r.reason)
		r.mu.Unlock()
		return driver.ReadResult{}, err
	}
	if r.state == stateClosed {
		r.mu.Unlock()
		return driver.ReadResult{Done: true}, nil
	}
	req := &readRequest{ch: make(chan readResponse, 1)}
	r.readRequests = append(r.readRequests, req)
	r.maybePullLocked()
	r.mu.Unlock()

	select {
	case resp := <-req.ch:
		return resp.res, resp.err
	case <-rd.released:
		return driver.ReadResult{}, driver.ErrReleased
	case <-ctx.Done():
	}
	// The wait was abandoned, but a response may have raced in; prefer it,
	// otherwise withdraw the request so no chunk is burned on it.
	r.mu.Lock()
	for i, other := range r.readRequests {
		if other == req {
			r.readRequests = append(r.readRequests[:i], r.readRequests[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	select {
	case resp := <-req.ch:
		return resp.res, resp.err
	default:
		return driver.ReadResult{}, ctx.Err()
	}
}

func (rd *readableReader) Cancel(ctx context.Context, reason any) error {
	rd.r.mu.Lock()
	if rd.gen != rd.r.gen {
		rd.r.mu.Unlock()
		return driver.ErrReleased
	}
	rd.r.mu.Unlock()
	return rd.r.cancel(ctx, reason)
}

func (rd *readableReader) ReleaseLock() {
	r := rd.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if rd.gen != r.gen {
		return
	}
	r.locked = false
	r.gen++
	for _, req := range r.readRequests {
		req.ch <- readResponse{err: driver.ErrReleased}
	}
	r.readRequests = nil
	close(rd.released)
}

func (rd *readableReader) Closed(ctx context.Context) error {
	r := rd.r
	select {
	case <-r.settled:
	case <-rd.released:
		return driver.ErrReleased
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateErrored {
		return driver.ErrorForReason(r.reason)
	}
	return nil
}
