package orchestrator

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
	"github.com/JakeFAU/keyword-job-tracker/internal/tracker"
)

var errDropped = errors.New("connection reset by peer")

type fakeAPI struct {
	mu       sync.Mutex
	created  job.Brief
	statuses []job.Brief
	getErrs  []error
	gets     int
	starts   []time.Time
	// startErrs are returned by the first StartJob calls, then startErr.
	startErrs []error
	startErr  error
}

func (a *fakeAPI) CreateJob(_ context.Context, seed string) (job.Brief, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.created
	b.SeedInput = seed
	return b, nil
}

// GetJob replays getErrs first, then statuses; the last status repeats.
func (a *fakeAPI) GetJob(_ context.Context, id int64) (job.Brief, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.gets
	a.gets++
	if n < len(a.getErrs) {
		return job.Brief{}, a.getErrs[n]
	}
	n -= len(a.getErrs)
	if len(a.statuses) == 0 {
		return job.Brief{ID: id, Status: job.StatusPending}, nil
	}
	if n >= len(a.statuses) {
		n = len(a.statuses) - 1
	}
	return a.statuses[n], nil
}

func (a *fakeAPI) StartJob(context.Context, int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.starts)
	a.starts = append(a.starts, time.Now())
	if n < len(a.startErrs) {
		return a.startErrs[n]
	}
	return a.startErr
}

func (a *fakeAPI) Starts() []time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]time.Time(nil), a.starts...)
}

type fakeFeed struct {
	items  chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func (f *fakeFeed) ReadMessage() ([]byte, error) {
	select {
	case raw := <-f.items:
		return raw, nil
	case err := <-f.errs:
		return nil, err
	case <-f.closed:
		return nil, errors.New("use of closed network connection")
	}
}

func (f *fakeFeed) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeFeed) Abort() error { return f.Close() }

type fakeDialer struct {
	refuse bool
	opened chan *fakeFeed

	mu    sync.Mutex
	dials []time.Time
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{opened: make(chan *fakeFeed, 32)}
}

func (d *fakeDialer) Dial(_ context.Context, _ int64) (job.Feed, error) {
	d.mu.Lock()
	d.dials = append(d.dials, time.Now())
	d.mu.Unlock()
	if d.refuse {
		return nil, errors.New("connection refused")
	}
	f := &fakeFeed{items: make(chan []byte, 16), errs: make(chan error, 1), closed: make(chan struct{})}
	d.opened <- f
	return f, nil
}

func (d *fakeDialer) Dials() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.dials...)
}

type fakeRefresher struct {
	mu  sync.Mutex
	ids []int64
}

func (r *fakeRefresher) Refresh(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func (r *fakeRefresher) IDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.ids...)
}

func frameOf(t *testing.T, stage job.Stage, percent float64, details any) []byte {
	t.Helper()
	msg, err := job.NewProgress(stage, percent, string(stage), details)
	require.NoError(t, err)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

func awaitFeed(t *testing.T, d *fakeDialer) *fakeFeed {
	t.Helper()
	select {
	case f := <-d.opened:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("feed never opened")
	}
	return nil
}

func testConfig() Config {
	return Config{
		Tracker: tracker.Config{
			MaxReconnectAttempts: 5,
			ReconnectDelay:       5 * time.Millisecond,
			SettleDelay:          10 * time.Millisecond,
		},
		StartTimeout:    time.Second,
		StartAttempts:   3,
		StartRetryDelay: 5 * time.Millisecond,
	}
}

type outcomeResult struct {
	out Outcome
	err error
}

type eventLog struct {
	mu     sync.Mutex
	events []status.Event
}

func (l *eventLog) Emit(evt status.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) Errors() []status.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []status.Event
	for _, evt := range l.events {
		if evt.Kind == status.KindError {
			out = append(out, evt)
		}
	}
	return out
}
