package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/airwave/internal/apperr"
	"github.com/friendsincode/airwave/internal/events"
	"github.com/friendsincode/airwave/internal/models"
	"github.com/friendsincode/airwave/internal/store"
)

// flakyStore fails selected calls the way a dropped database connection does.
type flakyStore struct {
	*store.Store

	mu         sync.Mutex
	failGet    bool
	failStatus models.BroadcastStatus
	gets       int
}

func (f *flakyStore) GetBroadcast(ctx context.Context, id string) (*models.ScheduledBroadcast, error) {
	f.mu.Lock()
	f.gets++
	fail := f.failGet
	f.mu.Unlock()
	if fail {
		return nil, apperr.Store("get broadcast", errors.New("connection refused"))
	}
	return f.Store.GetBroadcast(ctx, id)
}

func (f *flakyStore) SaveBroadcastStatus(ctx context.Context, id string, status models.BroadcastStatus, reason string) (bool, error) {
	f.mu.Lock()
	fail := f.failStatus != "" && f.failStatus == status
	f.mu.Unlock()
	if fail {
		return false, apperr.Store("save broadcast status", errors.New("connection refused"))
	}
	return f.Store.SaveBroadcastStatus(ctx, id, status, reason)
}

func (f *flakyStore) set(fn func(f *flakyStore)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *flakyStore) getCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func newFlakyEnv(t *testing.T) (*env, *flakyStore) {
	t.Helper()
	e := newEnv(t)
	fs := &flakyStore{Store: e.store}
	e.c = New(fs, e.tr, locator{}, e.rec, Options{
		TickInterval:   5 * time.Millisecond,
		ResyncInterval: time.Hour,
		MissedGrace:    time.Minute,
		BackoffStep:    time.Millisecond,
	}, zerolog.Nop())
	e.c.Clock = e.clk.Now
	return e, fs
}

// loopResponds checks that a command reaches the control loop promptly.
func loopResponds(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	handled, err := c.dispatch(ctx, func(context.Context, time.Time) error { return nil })
	if !handled || err != nil {
		t.Fatalf("control loop did not answer: handled=%v err=%v", handled, err)
	}
}

func TestFireRetriesNextTickWhenStoreFails(t *testing.T) {
	tests := []struct {
		name string
		fail func(f *flakyStore)
		heal func(f *flakyStore)
	}{
		{
			name: "load fails",
			fail: func(f *flakyStore) { f.failGet = true },
			heal: func(f *flakyStore) { f.failGet = false },
		},
		{
			name: "mark streaming fails",
			fail: func(f *flakyStore) { f.failStatus = models.BroadcastStreaming },
			heal: func(f *flakyStore) { f.failStatus = "" },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, fs := newFlakyEnv(t)
			e.run(t)

			b, err := e.c.ScheduleBroadcast(context.Background(), "u1", ScheduleRequest{MediaID: "m1", ScheduledAt: e.clk.Now().Add(time.Second)})
			if err != nil {
				t.Fatal(err)
			}

			fs.set(tt.fail)
			before := fs.getCalls()
			e.clk.Advance(time.Second)
			time.Sleep(50 * time.Millisecond)

			loopResponds(t, e.c)
			if n := fs.getCalls() - before; n > 200 {
				t.Fatalf("due broadcast was retried %d times within a few ticks", n)
			}
			if len(e.tr.startsFor(b.ID)) != 0 {
				t.Fatal("broadcast started while its state could not be persisted")
			}

			fs.set(tt.heal)
			eventually(t, "streaming after recovery", func() bool { return e.status(t, b.ID) == models.BroadcastStreaming })
			if len(e.tr.startsFor(b.ID)) != 1 || e.rec.count(events.EventBroadcastStarted) != 1 {
				t.Fatalf("starts = %d, started events = %d", len(e.tr.startsFor(b.ID)), e.rec.count(events.EventBroadcastStarted))
			}
		})
	}
}

func TestLoopStopsWhileStoreIsDown(t *testing.T) {
	e, fs := newFlakyEnv(t)
	if _, err := e.c.ScheduleBroadcast(context.Background(), "u1", ScheduleRequest{MediaID: "m1", ScheduledAt: e.clk.Now().Add(time.Second)}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.c.Run(ctx) }()
	eventually(t, "loop running", e.c.Running)

	fs.set(func(f *flakyStore) { f.failGet = true })
	e.clk.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("control loop did not stop after cancel")
	}
}

func TestCompletedStatusIsPersistedAfterStoreRecovers(t *testing.T) {
	e, fs := newFlakyEnv(t)
	e.run(t)

	b, err := e.c.ScheduleBroadcast(context.Background(), "u1", ScheduleRequest{MediaID: "m1", ScheduledAt: e.clk.Now().Add(time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	e.clk.Advance(time.Second)
	eventually(t, "streaming", func() bool { return e.status(t, b.ID) == models.BroadcastStreaming })

	fs.set(func(f *flakyStore) { f.failStatus = models.BroadcastCompleted })
	e.tr.exit(t, b.ID, 0, false)
	time.Sleep(30 * time.Millisecond)

	loopResponds(t, e.c)
	if e.status(t, b.ID) != models.BroadcastStreaming || e.rec.count(events.EventBroadcastCompleted) != 0 {
		t.Fatal("completion was recorded while the store was failing")
	}

	fs.set(func(f *flakyStore) { f.failStatus = "" })
	eventually(t, "completed", func() bool { return e.status(t, b.ID) == models.BroadcastCompleted })
	eventually(t, "completed event", func() bool { return e.rec.count(events.EventBroadcastCompleted) == 1 })
}
