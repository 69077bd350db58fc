package hosttest

import (
	"context"
	"errors"
	"sync"

	"github.com/jhump/webstream/driver"
)

var errTransformTerminated = errors.New("hosttest: transform stream terminated")

// Transform couples a Writable and a Readable through a transformer. Chunks
// written to the writable side are handed to the transformer one at a time,
// but only when the readable side wants data, so backpressure crosses the
// transform: with a zero high-water mark on the readable side the two ends
// run in lockstep.
type Transform struct {
	w *Writable
	r *Readable
}

var _ driver.TransformStream = (*Transform)(nil)

func NewTransform(ut driver.UnderlyingTransformer, writable, readable driver.QueuingStrategy) (*Transform, error) {
	g := &transformGlue{
		ut:     ut,
		change: make(chan struct{}),
	}
	r, err := NewReadable(&transformSource{g: g}, readable)
	if err != nil {
		return nil, err
	}
	w, err := NewWritable(&transformSink{g: g}, writable)
	if err != nil {
		return nil, err
	}
	g.r = r
	g.w = w
	if err := ut.Start(w.ctx, (*transformController)(g)); err != nil {
		g.fail(err)
		return nil, err
	}
	return &Transform{w: w, r: r}, nil
}

func (t *Transform) Readable() driver.ReadableStream {
	return t.r
}

func (t *Transform) Writable() driver.WritableStream {
	return t.w
}

// ReadableEnd returns the readable side as its concrete type, for tests that
// assert on pull counts or queue state.
func (t *Transform) ReadableEnd() *Readable {
	return t.r
}

// WritableEnd returns the writable side as its concrete type.
func (t *Transform) WritableEnd() *Writable {
	return t.w
}

type transformGlue struct {
	ut driver.UnderlyingTransformer
	r  *Readable
	w  *Writable

	mu       sync.Mutex
	change   chan struct{}
	wantData bool // the readable side has an unsatisfied pull
	canceled bool
	reason   any
}

func (g *transformGlue) broadcastLocked() {
	close(g.change)
	g.change = make(chan struct{})
}

// waitForDemand blocks until the readable side can take a chunk: either a
// pull is unsatisfied or its queue has room.
func (g *transformGlue) waitForDemand(ctx context.Context) error {
	g.mu.Lock()
	for {
		if g.canceled {
			reason := g.reason
			g.mu.Unlock()
			return driver.ErrorForReason(reason)
		}
		if g.wantData {
			g.mu.Unlock()
			return nil
		}
		if n, ok := (&sourceController{r: g.r}).DesiredSize(); ok && n > 0 {
			g.mu.Unlock()
			return nil
		}
		ch := g.change
		g.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		g.mu.Lock()
	}
}

// fail errors both ends with the same reason.
func (g *transformGlue) fail(reason any) {
	(&sourceController{r: g.r}).Error(reason)
	g.w.errorFromOutside(reason)
	g.mu.Lock()
	g.broadcastLocked()
	g.mu.Unlock()
}

// transformSource is the readable end's underlying source. Its pulls express
// downstream demand to the glue rather than producing data themselves.
type transformSource struct {
	g *transformGlue
}

var _ driver.UnderlyingSource = (*transformSource)(nil)

func (s *transformSource) Start(context.Context, driver.SourceController) error {
	return nil
}

func (s *transformSource) Pull(context.Context, driver.SourceController) error {
	s.g.mu.Lock()
	s.g.wantData = true
	s.g.broadcastLocked()
	s.g.mu.Unlock()
	return nil
}

func (s *transformSource) Cancel(_ context.Context, reason any) error {
	s.g.mu.Lock()
	s.g.canceled = true
	s.g.reason = reason
	s.g.broadcastLocked()
	s.g.mu.Unlock()
	s.g.w.errorFromOutside(reason)
	return nil
}

// transformSink is the writable end's underlying sink. Each chunk is held
// until the readable side shows demand, then run through the transformer.
type transformSink struct {
	g *transformGlue
}

var _ driver.UnderlyingSink = (*transformSink)(nil)

func (s *transformSink) Write(ctx context.Context, chunk any, _ driver.SinkController) error {
	if err := s.g.waitForDemand(ctx); err != nil {
		return err
	}
	if err := s.g.ut.Transform(ctx, chunk, (*transformController)(s.g)); err != nil {
		s.g.fail(err)
		return err
	}
	return nil
}

func (s *transformSink) Close(ctx context.Context) error {
	if err := s.g.ut.Flush(ctx, (*transformController)(s.g)); err != nil {
		s.g.fail(err)
		return err
	}
	(&sourceController{r: s.g.r}).Close()
	return nil
}

func (s *transformSink) Abort(_ context.Context, reason any) error {
	(&sourceController{r: s.g.r}).Error(reason)
	return nil
}

// transformController is the controller handed to transformer callbacks. It
// enqueues on the readable end.
type transformController transformGlue

var _ driver.TransformController = (*transformController)(nil)

func (c *transformController) glue() *transformGlue {
	return (*transformGlue)(c)
}

func (c *transformController) Enqueue(chunk any) error {
	g := c.glue()
	g.mu.Lock()
	g.wantData = false
	g.mu.Unlock()
	if err := (&sourceController{r: g.r}).Enqueue(chunk); err != nil {
		return err
	}
	return nil
}

func (c *transformController) Error(reason any) {
	c.glue().fail(reason)
}

func (c *transformController) Terminate() {
	g := c.glue()
	(&sourceController{r: g.r}).Close()
	g.w.errorFromOutside(errTransformTerminated)
	g.mu.Lock()
	g.broadcastLocked()
	g.mu.Unlock()
}

func (c *transformController) DesiredSize() (int64, bool) {
	return (&sourceController{r: c.glue().r}).DesiredSize()
}
