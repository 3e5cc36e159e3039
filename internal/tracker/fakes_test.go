package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/keyword-job-tracker/internal/job"
	"github.com/JakeFAU/keyword-job-tracker/internal/status"
)

var errFeedClosed = errors.New("use of closed network connection")

type feedItem struct {
	raw []byte
	err error
}

type fakeFeed struct {
	items  chan feedItem
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	normal  bool
	aborted bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{items: make(chan feedItem, 64), closed: make(chan struct{})}
}

func (f *fakeFeed) ReadMessage() ([]byte, error) {
	select {
	case <-f.closed:
		return nil, errFeedClosed
	default:
	}
	select {
	case it := <-f.items:
		return it.raw, it.err
	case <-f.closed:
		return nil, errFeedClosed
	}
}

func (f *fakeFeed) Close() error {
	f.mu.Lock()
	f.normal = true
	f.mu.Unlock()
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeFeed) Abort() error {
	f.mu.Lock()
	f.aborted = true
	f.mu.Unlock()
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeFeed) send(raw []byte) {
	f.items <- feedItem{raw: raw}
}

func (f *fakeFeed) drop(err error) {
	f.items <- feedItem{err: err}
}

func (f *fakeFeed) ClosedNormally() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.normal && !f.aborted
}

func (f *fakeFeed) Aborted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborted
}

type fakeDialer struct {
	fail   func(n int) error
	opened chan *fakeFeed

	mu    sync.Mutex
	dials []time.Time
}

func newFakeDialer(fail func(n int) error) *fakeDialer {
	return &fakeDialer{fail: fail, opened: make(chan *fakeFeed, 64)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ int64) (job.Feed, error) {
	d.mu.Lock()
	n := len(d.dials)
	d.dials = append(d.dials, time.Now())
	d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.fail != nil {
		if err := d.fail(n); err != nil {
			return nil, err
		}
	}
	f := newFakeFeed()
	d.opened <- f
	return f, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) DialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.dials...)
}

type recorder struct {
	mu        sync.Mutex
	opens     []job.Status
	finished  []time.Time
	failed    []string
	exhausted []int
	events    []status.Event
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnOpen: func(s job.Status) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.opens = append(r.opens, s)
		},
		OnFinished: func(job.ProgressMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.finished = append(r.finished, time.Now())
		},
		OnFailed: func(msg job.ProgressMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failed = append(r.failed, msg.FailureReason())
		},
		OnExhausted: func(attempts int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.exhausted = append(r.exhausted, attempts)
		},
	}
}

func (r *recorder) emitter() status.Emitter {
	return status.EmitterFunc(func(evt status.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, evt)
	})
}

func (r *recorder) Opens() []job.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]job.Status(nil), r.opens...)
}

func (r *recorder) Finished() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.finished...)
}

func (r *recorder) Failed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failed...)
}

func (r *recorder) Exhausted() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.exhausted...)
}

func (r *recorder) Events(kind status.Kind) []status.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []status.Event
	for _, evt := range r.events {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

func progressFrame(t *testing.T, stage job.Stage, percent float64, details any) []byte {
	t.Helper()
	msg, err := job.NewProgress(stage, percent, string(stage), details)
	require.NoError(t, err)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

func completedFrame(t *testing.T) []byte {
	t.Helper()
	return progressFrame(t, job.StageCompleted, 100, job.CompletedDetails{TotalVolume: 50000, SeedVolume: 8000})
}

func await[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting")
	}
	var zero T
	return zero
}

func testConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		ReconnectDelay:       10 * time.Millisecond,
		SettleDelay:          30 * time.Millisecond,
	}
}

type runResult struct {
	err error
}

func start(t *testing.T, s *Session) <-chan runResult {
	t.Helper()
	out := make(chan runResult, 1)
	go func() {
		out <- runResult{err: s.Run(context.Background())}
	}()
	t.Cleanup(s.Stop)
	return out
}
