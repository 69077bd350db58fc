package webstream

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/jhump/webstream/driver"
)

// Tee splits this stream into two branches that each observe the full
// sequence of chunks. It acquires an exclusive reader on this stream, so the
// original is locked for as long as either branch is live; if the stream is
// already locked, this returns [ErrLocked].
//
// Chunks are read from the original at the pace of the faster branch and
// delivered to both, so a slow branch accumulates chunks in its own queue.
// Chunks are not copied: both branches observe the same values, so mutating
// a chunk through one branch is visible to the other. Canceling one branch
// stops delivery to it only. Once both branches are canceled, the original
// stream is canceled with a composite reason: a []any holding both branch
// reasons in branch order.
func (rs *ReadableStream) Tee() (*ReadableStream, *ReadableStream, error) {
	reader, err := rs.GetReader()
	if err != nil {
		return nil, nil, err
	}
	t := &teeState{reader: reader, ready: make(chan struct{})}
	t.branches[0] = &teeBranch{tee: t, idx: 0}
	t.branches[1] = &teeBranch{tee: t, idx: 1}

	strategy := driver.QueuingStrategy{HighWaterMark: 1}
	raw1, err := rs.rt.NewReadableStream(t.branches[0], strategy)
	if err != nil {
		t.abandon()
		return nil, nil, err
	}
	raw2, err := rs.rt.NewReadableStream(t.branches[1], strategy)
	if err != nil {
		t.abandon()
		if cerr := raw1.Cancel(context.Background(), err); cerr != nil {
			Logger().Debug("error canceling tee branch", zap.Error(cerr))
		}
		return nil, nil, err
	}
	close(t.ready)
	return NewReadableStream(rs.rt, raw1), NewReadableStream(rs.rt, raw2), nil
}

// teeState is the shared read side of a pair of tee branches. At most one
// read of the original stream is in flight at a time, no matter how the two
// branch hosts interleave their pulls; a single read satisfies the pull of
// both branches.
type teeState struct {
	reader *StreamReader
	ready  chan struct{} // closed once both branches are constructed, or never will be

	mu       sync.Mutex
	readDone chan struct{} // non-nil while a read of the original is in flight
	branches [2]*teeBranch
	done     bool
}

// abandon ends a tee whose construction failed partway. Any read already
// started sees done and discards its outcome.
func (t *teeState) abandon() {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
	close(t.ready)
	t.reader.ReleaseLock()
}

type teeBranch struct {
	tee *teeState
	idx int

	// guarded by tee.mu
	ctrl     driver.SourceController
	canceled bool
	reason   any
}

var _ driver.UnderlyingSource = (*teeBranch)(nil)

func (b *teeBranch) Start(_ context.Context, c driver.SourceController) error {
	b.tee.mu.Lock()
	b.ctrl = c
	b.tee.mu.Unlock()
	return nil
}

// Pull resolves once a chunk (or the end of the stream) has been delivered,
// so a branch host only observes its pull settling after its queue changed.
func (b *teeBranch) Pull(ctx context.Context, _ driver.SourceController) error {
	t := b.tee
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	ch := t.readDone
	if ch == nil {
		ch = make(chan struct{})
		t.readDone = ch
		go t.readOnce(ch)
	}
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *teeBranch) Cancel(ctx context.Context, reason any) error {
	t := b.tee
	t.mu.Lock()
	if b.canceled {
		t.mu.Unlock()
		return nil
	}
	b.canceled = true
	b.reason = reason
	both := t.branches[0].canceled && t.branches[1].canceled
	if both {
		t.done = true
	}
	composite := []any{t.branches[0].reason, t.branches[1].reason}
	t.mu.Unlock()

	if !both {
		return nil
	}
	err := t.reader.CancelWithReason(ctx, composite)
	t.reader.ReleaseLock()
	return err
}

// readOnce performs one read of the original stream and fans the outcome out
// to every branch that has not canceled.
func (t *teeState) readOnce(ch chan struct{}) {
	defer close(ch)

	// The first branch's host can pull while the second branch is still
	// being constructed; no outcome may fan out until both controllers are
	// in place.
	<-t.ready

	value, done, err := t.reader.Read(context.Background())

	t.mu.Lock()
	t.readDone = nil
	if t.done {
		// Both branches canceled, or the tee was abandoned, while the read
		// was pending; the outcome has nowhere to go.
		t.mu.Unlock()
		return
	}
	terminal := done || err != nil
	if terminal {
		t.done = true
	}
	var targets []driver.SourceController
	for _, b := range t.branches {
		if !b.canceled {
			targets = append(targets, b.ctrl)
		}
	}
	t.mu.Unlock()

	switch {
	case err != nil:
		reason := Reason(err)
		for _, c := range targets {
			c.Error(reason)
		}
	case done:
		for _, c := range targets {
			c.Close()
		}
	default:
		for _, c := range targets {
			if qerr := c.Enqueue(value); qerr != nil {
				Logger().Debug("error delivering chunk to tee branch", zap.Error(qerr))
			}
		}
	}
	if terminal {
		t.reader.ReleaseLock()
	}
}
