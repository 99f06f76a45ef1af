package processor

import (
	"context"
	"sync"
	"time"

	"github.com/zoff-tech/offline-sync/schema"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{clock: c, c: make(chan time.Time, 1), period: d, next: c.now.Add(d)}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves the clock forward and fires every ticker that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for _, t := range c.tickers {
		if t.stopped {
			continue
		}
		for !t.next.After(c.now) {
			select {
			case t.c <- t.next:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
}

func (c *fakeClock) activeTickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (c *fakeClock) tickerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

type fakeTicker struct {
	clock   *fakeClock
	c       chan time.Time
	period  time.Duration
	next    time.Time
	stopped bool
}

func (t *fakeTicker) Chan() <-chan time.Time {
	return t.c
}

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}

type call struct {
	Kind           schema.Kind
	IdempotencyKey string
}

// fakeRemote records every call and answers with fail, when set.
type fakeRemote struct {
	mu    sync.Mutex
	fail  func(kind schema.Kind, idempotencyKey string) error
	calls []call
}

func (f *fakeRemote) setFail(fail func(kind schema.Kind, idempotencyKey string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeRemote) do(kind schema.Kind, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Kind: kind, IdempotencyKey: key})
	if f.fail != nil {
		return f.fail(kind, key)
	}
	return nil
}

func (f *fakeRemote) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeRemote) CheckIn(ctx context.Context, idempotencyKey string, p schema.CheckIn) error {
	return f.do(schema.KindCheckIn, idempotencyKey)
}

func (f *fakeRemote) CheckOut(ctx context.Context, idempotencyKey string, p schema.CheckOut) error {
	return f.do(schema.KindCheckOut, idempotencyKey)
}

func (f *fakeRemote) SubmitComplaint(ctx context.Context, idempotencyKey string, p schema.Complaint) error {
	return f.do(schema.KindComplaint, idempotencyKey)
}

func (f *fakeRemote) Close() error {
	return nil
}
