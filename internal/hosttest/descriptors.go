package hosttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/jhump/webstream/driver"
)

// SourceFuncs assembles a [driver.UnderlyingSource] from optional funcs. A
// nil func succeeds and does nothing, so a test only scripts the calls it
// cares about. A common pattern is capturing the controller in OnStart and
// then driving the stream by hand.
type SourceFuncs struct {
	OnStart  func(c driver.SourceController) error
	OnPull   func(ctx context.Context, c driver.SourceController) error
	OnCancel func(reason any) error
}

var _ driver.UnderlyingSource = (*SourceFuncs)(nil)

func (f *SourceFuncs) Start(_ context.Context, c driver.SourceController) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(c)
}

func (f *SourceFuncs) Pull(ctx context.Context, c driver.SourceController) error {
	if f.OnPull == nil {
		return nil
	}
	return f.OnPull(ctx, c)
}

func (f *SourceFuncs) Cancel(_ context.Context, reason any) error {
	if f.OnCancel == nil {
		return nil
	}
	return f.OnCancel(reason)
}

// RecordingSink is a [driver.UnderlyingSink] that records every call it
// receives, in order, as "write:<chunk>", "close", and "abort:<reason>"
// entries. The optional funcs can inject failures or block delivery; the
// call is recorded either way.
type RecordingSink struct {
	OnWrite func(chunk any) error
	OnClose func() error
	OnAbort func(reason any) error

	mu     sync.Mutex
	events []string
}

var _ driver.UnderlyingSink = (*RecordingSink)(nil)

func (s *RecordingSink) record(event string) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (s *RecordingSink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *RecordingSink) Write(_ context.Context, chunk any, _ driver.SinkController) error {
	s.record(fmt.Sprintf("write:%v", chunk))
	if s.OnWrite == nil {
		return nil
	}
	return s.OnWrite(chunk)
}

func (s *RecordingSink) Close(context.Context) error {
	s.record("close")
	if s.OnClose == nil {
		return nil
	}
	return s.OnClose()
}

func (s *RecordingSink) Abort(_ context.Context, reason any) error {
	s.record(fmt.Sprintf("abort:%v", reason))
	if s.OnAbort == nil {
		return nil
	}
	return s.OnAbort(reason)
}
