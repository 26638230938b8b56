package stream

import (
	"context"
	"sync"
)

// feed is the Subscription used by the network sources. The producing
// goroutine owns ch and ends it exactly once.
type feed struct {
	ch     chan Event
	cancel context.CancelFunc
	once   sync.Once
	mu     sync.Mutex
	err    error
	closer func() error
}

func newFeed(ctx context.Context, buffer int) (*feed, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &feed{ch: make(chan Event, buffer), cancel: cancel}, ctx
}

func (f *feed) Events() <-chan Event { return f.ch }

func (f *feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *feed) Close() error {
	f.cancel()
	return nil
}

// send blocks until the event is buffered or the feed is cancelled.
func (f *feed) send(ctx context.Context, ev Event) bool {
	select {
	case f.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *feed) end(err error) {
	f.once.Do(func() {
		f.cancel()
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		if f.closer != nil {
			_ = f.closer()
		}
		close(f.ch)
	})
}
