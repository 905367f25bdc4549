package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/airwave/internal/apperr"
	"github.com/friendsincode/airwave/internal/db"
	"github.com/friendsincode/airwave/internal/events"
	"github.com/friendsincode/airwave/internal/models"
	"github.com/friendsincode/airwave/internal/store"
	"github.com/friendsincode/airwave/internal/transport"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type startCall struct {
	key, source string
	dest        transport.Destination
	seq         uint64
}

type fakeTransport struct {
	mu      sync.Mutex
	seq     uint64
	starts  []startCall
	stops   []string
	failAll bool
	events  chan transport.Exit
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Exit, 16)}
}

func (f *fakeTransport) Start(key, source string, dest transport.Destination, _ []models.Overlay) (transport.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return transport.Handle{}, apperr.Launch(errors.New("exec: ffmpeg not found"))
	}
	f.seq++
	f.starts = append(f.starts, startCall{key: key, source: source, dest: dest, seq: f.seq})
	return transport.Handle{Key: key, Seq: f.seq, PID: 2000 + int(f.seq)}, nil
}

func (f *fakeTransport) Stop(key string) {
	f.mu.Lock()
	f.stops = append(f.stops, key)
	f.mu.Unlock()
}

func (f *fakeTransport) Events() <-chan transport.Exit { return f.events }

func (f *fakeTransport) Stats(key string) transport.Stats {
	return transport.Stats{IsLive: true, Resolution: "1280x720", Bitrate: 2500}
}

func (f *fakeTransport) startsFor(key string) []startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []startCall
	for _, s := range f.starts {
		if s.key == key {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeTransport) stopped(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.stops {
		if k == key {
			return true
		}
	}
	return false
}

// exit reports the end of the latest process for key.
func (f *fakeTransport) exit(t *testing.T, key string, code int, stopped bool) {
	t.Helper()
	starts := f.startsFor(key)
	if len(starts) == 0 {
		t.Fatalf("no process for %s", key)
	}
	ev := transport.Exit{Key: key, Seq: starts[len(starts)-1].seq, Code: code, Stopped: stopped, Progressed: code == 0}
	if code != 0 {
		ev.Err = apperr.Terminal(code)
	}
	f.events <- ev
}

type locator struct{}

func (locator) Resolve(_ context.Context, mediaID string) (string, error) {
	return "/media/" + mediaID + ".mp4", nil
}

type recorder struct {
	mu  sync.Mutex
	got []events.EventType
}

func (r *recorder) Publish(t events.EventType, _ events.Payload) {
	r.mu.Lock()
	r.got = append(r.got, t)
	r.mu.Unlock()
}

func (r *recorder) count(t events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, g := range r.got {
		if g == t {
			n++
		}
	}
	return n
}

type env struct {
	c     *Coordinator
	store *store.Store
	tr    *fakeTransport
	clk   *fakeClock
	rec   *recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(gdb)

	ctx := context.Background()
	for _, m := range []models.MediaItem{
		{ID: "m1", OwnerID: "u1", Title: "Intro", StorageKey: "u1/m1.mp4", DurationSeconds: 10},
		{ID: "m2", OwnerID: "u1", Title: "Feature", StorageKey: "u1/m2.mp4", DurationSeconds: 5},
		{ID: "m3", OwnerID: "u2", Title: "Other", StorageKey: "u2/m3.mp4", DurationSeconds: 7},
	} {
		if err := st.CreateMedia(ctx, &m); err != nil {
			t.Fatalf("seed media: %v", err)
		}
	}

	e := &env{
		store: st,
		tr:    newFakeTransport(),
		clk:   &fakeClock{t: time.Date(2026, 5, 4, 18, 0, 0, 0, time.UTC)},
		rec:   &recorder{},
	}
	e.c = New(st, e.tr, locator{}, e.rec, Options{
		TickInterval:   5 * time.Millisecond,
		ResyncInterval: time.Hour,
		MissedGrace:    time.Minute,
		BackoffStep:    time.Millisecond,
	}, zerolog.Nop())
	e.c.Clock = e.clk.Now
	return e
}

// run starts the control loop and stops it when the test ends.
func (e *env) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	eventually(t, "loop running", e.c.Running)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *env) status(t *testing.T, id string) models.BroadcastStatus {
	t.Helper()
	b, err := e.store.GetBroadcast(context.Background(), id)
	if err != nil {
		t.Fatalf("get broadcast: %v", err)
	}
	return b.Status
}

func (e *env) channel(t *testing.T, id string) *models.Channel {
	t.Helper()
	ch, err := e.store.GetChannel(context.Background(), id)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	return ch
}

func TestScheduleBroadcastValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := e.clk.Now()

	tests := []struct {
		name string
		req  ScheduleRequest
		want error
	}{
		{"missing media", ScheduleRequest{ScheduledAt: now.Add(time.Hour)}, apperr.ErrValidation},
		{"missing time", ScheduleRequest{MediaID: "m1"}, apperr.ErrValidation},
		{"past time", ScheduleRequest{MediaID: "m1", ScheduledAt: now.Add(-time.Second)}, apperr.ErrInvalidSchedule},
		{"now is not future", ScheduleRequest{MediaID: "m1", ScheduledAt: now}, apperr.ErrInvalidSchedule},
		{"unknown media", ScheduleRequest{MediaID: "nope", ScheduledAt: now.Add(time.Hour)}, apperr.ErrNotFound},
		{"media of another owner", ScheduleRequest{MediaID: "m3", ScheduledAt: now.Add(time.Hour)}, apperr.ErrNotFound},
		{"bad overlay", ScheduleRequest{MediaID: "m1", ScheduledAt: now.Add(time.Hour), Overlays: []models.Overlay{{Type: "video"}}}, apperr.ErrValidation},
		{"overlay opacity above one", ScheduleRequest{MediaID: "m1", ScheduledAt: now.Add(time.Hour), Overlays: []models.Overlay{{Type: models.OverlayText, Text: "x", Opacity: 1.5}}}, apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.c.ScheduleBroadcast(ctx, "u1", tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	list, _ := e.c.ListBroadcasts(ctx, "u1")
	if len(list) != 0 {
		t.Fatalf("rejected requests were persisted: %d", len(list))
	}
}

func TestScheduleBroadcastDefaults(t *testing.T) {
	e := newEnv(t)
	b, err := e.c.ScheduleBroadcast(context.Background(), "u1", ScheduleRequest{MediaID: "m1", ScheduledAt: e.clk.Now().Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if b.Title != "Intro" || b.DurationSeconds != 10 || b.StreamKey != "scheduled_"+b.ID || b.Status != models.BroadcastScheduled {
		t.Fatalf("broadcast = %+v", b)
	}
}

func TestBroadcastFiresAndCompletes(t *testing.T) {
	e := newEnv(t)
	e.run(t)
	ctx := context.Background()

	b, err := e.c.ScheduleBroadcast(ctx, "u1", ScheduleRequest{MediaID: "m1", ScheduledAt: e.clk.Now().Add(2 * time.Second), StreamKey: "live1"})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(30 * time.Millisecond)
	if len(e.tr.startsFor(b.ID)) != 0 || e.status(t, b.ID) != models.BroadcastScheduled {
		t.Fatal("broadcast fired early")
	}

	e.clk.Advance(2 * time.Second)
	eventually(t, "streaming", func() bool { return e.status(t, b.ID) == models.BroadcastStreaming })
	starts := e.tr.startsFor(b.ID)
	if len(starts) != 1 || starts[0].source != "/media/m1.mp4" || starts[0].dest.StreamKey != "live1" {
		t.Fatalf("starts = %+v", starts)
	}

	d, err := e.c.BroadcastDetails(ctx, b.ID, "u1")
	if err != nil || !d.Stats.IsLive {
		t.Fatalf("details = %+v, %v", d, err)
	}

	e.tr.exit(t, b.ID, 0, false)
	eventually(t, "completed", func() bool { return e.status(t, b.ID) == models.BroadcastCompleted })
	eventually(t, "completed event", func() bool { return e.rec.count(events.EventBroadcastCompleted) == 1 })
	if e.rec.count(events.EventBroadcastStarted) != 1 {
		t.Fatal("missing started event")
	}
}

func TestBroadcastAbnormalExitFails(t *testing.T) {
	e := newEnv(t)
	e.run(t)
	b, err := e.c.ScheduleBroadcast(context.Background(), "u1", ScheduleRequest{MediaID: "m1", ScheduledAt: e.clk.Now().Add(time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	e.clk.Advance(time.Second)
	eventually(t, "streaming", func() bool { return e.status(t, b.ID) == models.BroadcastStreaming })

	e.tr.exit(t, b.ID, 1, false)
	eventually(t, "failed", func() bool { return e.status(t, b.ID) == models.BroadcastFailed })
	got, _ := e.store.GetBroadcast(context.Background(), b.ID)
	if got.FailureReason != "abnormal_exit: code 1" {
		t.Fatalf("reason = %q", got.FailureReason)
	}
}

func TestLaunchErrorFailsBroadcast(t *testing.T) {
	e := newEnv(t)
	e.tr.failAll = true
	e.run(t)
	b, err := e.c.ScheduleBroadcast(context.Background(), "u1", ScheduleRequest{MediaID: "m1", ScheduledAt: e.clk.Now().Add(time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	e.clk.Advance(time.Second)
	eventually(t, "failed", func() bool { return e.status(t, b.ID) == models.BroadcastFailed })
}

func TestTerminalEventObservedOnce(t *testing.T) {
	e := newEnv(t)
	e.run(t)
	b, err := e.c.ScheduleBroadcast(context.Background(), "u1", ScheduleRequest{MediaID: "m1", ScheduledAt: e.clk.Now().Add(time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	e.clk.Advance(time.Second)
	eventually(t, "streaming", func() bool { return e.status(t, b.ID) == models.BroadcastStreaming })

	e.tr.exit(t, b.ID, 0, false)
	e.tr.exit(t, b.ID, 1, false)
	eventually(t, "completed", func() bool { return e.status(t, b.ID) == models.BroadcastCompleted })
	time.Sleep(30 * time.Millisecond)
	if e.status(t, b.ID) != models.BroadcastCompleted || e.rec.count(events.EventBroadcastFailed) != 0 {
		t.Fatal("duplicate terminal event changed the outcome")
	}
}

func TestCancelBeforeFire(t *testing.T) {
	e := newEnv(t)
	e.run(t)
	ctx := context.Background()

	b, err := e.c.ScheduleBroadcast(ctx, "u1", ScheduleRequest{MediaID: "m1", ScheduledAt: e.clk.Now().Add(time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.c.CancelBroadcast(ctx, b.ID, "u2"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("foreign cancel err = %v", err)
	}
	if _, err := e.c.CancelBroadcast(ctx, "missing", "u1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("missing cancel err = %v", err)
	}

	got, err := e.c.CancelBroadcast(ctx, b.ID, "u1")
	if err != nil || got.Status != models.BroadcastCancelled {
		t.Fatalf("cancel = %+v, %v", got, err)
	}
	var queued bool
	if _, err := e.c.dispatch(ctx, func(context.Context, time.Time) error {
		queued = e.c.queue.Contains(b.ID)
		return nil
	}); err != nil || queued {
		t.Fatalf("trigger still queued (err %v)", err)
	}

	e.clk.Advance(2 * time.Minute)
	time.Sleep(30 * time.Millisecond)
	if len(e.tr.startsFor(b.ID)) != 0 || e.status(t, b.ID) != models.BroadcastCancelled {
		t.Fatal("cancelled broadcast fired")
	}

	if _, err := e.c.CancelBroadcast(ctx, b.ID, "u1"); err != nil {
		t.Fatalf("re-cancel: %v", err)
	}
	if e.rec.count(events.EventBroadcastCancelled) != 1 {
		t.Fatalf("cancelled events = %d", e.rec.count(events.EventBroadcastCancelled))
	}
}

func TestCancelStreamingStopsProcess(t *testing.T) {
	e := newEnv(t)
	e.run(t)
	ctx := context.Background()

	b, err := e.c.ScheduleBroadcast(ctx, "u1", ScheduleRequest{MediaID: "m1", ScheduledAt: e.clk.Now().Add(time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	e.clk.Advance(time.Second)
	eventually(t, "streaming", func() bool { return e.status(t, b.ID) == models.BroadcastStreaming })

	if _, err := e.c.CancelBroadcast(ctx, b.ID, "u1"); err != nil {
		t.Fatal(err)
	}
	if !e.tr.stopped(b.ID) {
		t.Fatal("process not stopped")
	}
	e.tr.exit(t, b.ID, 255, true)
	time.Sleep(30 * time.Millisecond)
	if e.status(t, b.ID) != models.BroadcastCancelled {
		t.Fatalf("status = %s", e.status(t, b.ID))
	}
	if e.rec.count(events.EventBroadcastCancelled) != 1 {
		t.Fatal("cancel announced more than once")
	}
}

func TestDuplicateBroadcast(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	src, err := e.c.ScheduleBroadcast(ctx, "u1", ScheduleRequest{MediaID: "m2", Title: "Premiere", ScheduledAt: e.clk.Now().Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	dup, err := e.c.DuplicateBroadcast(ctx, src.ID, "u1", e.clk.Now().Add(48*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if dup.ID == src.ID || dup.Title != "Premiere" || dup.StreamKey != "scheduled_"+dup.ID {
		t.Fatalf("duplicate = %+v", dup)
	}
	if _, err := e.c.DuplicateBroadcast(ctx, src.ID, "u2", e.clk.Now().Add(time.Hour)); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("foreign duplicate err = %v", err)
	}
}

func TestChannelLoopsThroughPlaylist(t *testing.T) {
	e := newEnv(t)
	e.run(t)
	ctx := context.Background()

	ch, err := e.c.CreateChannel(ctx, "u1", ChannelRequest{Name: "24/7", Playlist: []PlaylistEntry{{MediaID: "m1"}, {MediaID: "m2"}}})
	if err != nil {
		t.Fatal(err)
	}
	if ch.Active || !ch.Loop || ch.StreamKey != "tv_"+ch.ID {
		t.Fatalf("created channel = %+v", ch)
	}

	if _, err := e.c.StartChannel(ctx, ch.ID, "u2"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("foreign start err = %v", err)
	}
	started, err := e.c.StartChannel(ctx, ch.ID, "u1")
	if err != nil || !started.Active {
		t.Fatalf("start = %+v, %v", started, err)
	}
	if s := e.tr.startsFor(ch.ID); len(s) != 1 || s[0].source != "/media/m1.mp4" {
		t.Fatalf("first item starts = %+v", s)
	}

	e.tr.exit(t, ch.ID, 0, false)
	eventually(t, "second item", func() bool { return len(e.tr.startsFor(ch.ID)) == 2 })
	if got := e.channel(t, ch.ID).CurrentIndex; got != 1 {
		t.Fatalf("index after A = %d", got)
	}

	e.tr.exit(t, ch.ID, 0, false)
	eventually(t, "wrap to first item", func() bool { return len(e.tr.startsFor(ch.ID)) == 3 })
	if s := e.tr.startsFor(ch.ID); s[2].source != "/media/m1.mp4" {
		t.Fatalf("third start = %+v", s[2])
	}
	if got := e.channel(t, ch.ID); got.CurrentIndex != 0 || !got.Active {
		t.Fatalf("after wrap = %+v", got)
	}

	summaries, err := e.c.ListChannels(ctx, "u1")
	if err != nil || len(summaries) != 1 {
		t.Fatalf("list = %+v, %v", summaries, err)
	}
	if summaries[0].VideoCount != 2 || summaries[0].TotalDuration != 15 || summaries[0].Live == nil {
		t.Fatalf("summary = %+v", summaries[0])
	}

	stopped, err := e.c.StopChannel(ctx, ch.ID, "u1")
	if err != nil || stopped.Active {
		t.Fatalf("stop = %+v, %v", stopped, err)
	}
	if !e.tr.stopped(ch.ID) {
		t.Fatal("channel process not stopped")
	}
}

func TestNonLoopingChannelGoesInactive(t *testing.T) {
	e := newEnv(t)
	e.run(t)
	ctx := context.Background()
	loop := false
	ch, err := e.c.CreateChannel(ctx, "u1", ChannelRequest{Name: "once", Loop: &loop, Playlist: []PlaylistEntry{{MediaID: "m1"}, {MediaID: "m2"}}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.c.StartChannel(ctx, ch.ID, "u1"); err != nil {
		t.Fatal(err)
	}
	e.tr.exit(t, ch.ID, 0, false)
	eventually(t, "second item", func() bool { return len(e.tr.startsFor(ch.ID)) == 2 })
	e.tr.exit(t, ch.ID, 0, false)
	eventually(t, "inactive", func() bool { return !e.channel(t, ch.ID).Active })
	time.Sleep(20 * time.Millisecond)
	if n := len(e.tr.startsFor(ch.ID)); n != 2 {
		t.Fatalf("starts = %d", n)
	}
}

func TestStartEmptyChannelFails(t *testing.T) {
	e := newEnv(t)
	e.run(t)
	ctx := context.Background()
	ch, err := e.c.CreateChannel(ctx, "u1", ChannelRequest{Name: "empty"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.c.StartChannel(ctx, ch.ID, "u1"); !errors.Is(err, apperr.ErrEmptyPlaylist) {
		t.Fatalf("err = %v", err)
	}
	if e.channel(t, ch.ID).Active {
		t.Fatal("empty channel became active")
	}
}

func TestCreateChannelRejectsForeignMedia(t *testing.T) {
	e := newEnv(t)
	_, err := e.c.CreateChannel(context.Background(), "u1", ChannelRequest{Name: "x", Playlist: []PlaylistEntry{{MediaID: "m3"}}})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, err := e.c.CreateChannel(context.Background(), "u1", ChannelRequest{}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("nameless err = %v", err)
	}
}

func TestReplacePlaylistWhilePlayingClamps(t *testing.T) {
	e := newEnv(t)
	e.run(t)
	ctx := context.Background()
	ch, err := e.c.CreateChannel(ctx, "u1", ChannelRequest{Name: "c", Playlist: []PlaylistEntry{{MediaID: "m1"}, {MediaID: "m2"}}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.c.StartChannel(ctx, ch.ID, "u1"); err != nil {
		t.Fatal(err)
	}
	e.tr.exit(t, ch.ID, 0, false)
	eventually(t, "second item", func() bool { return len(e.tr.startsFor(ch.ID)) == 2 })

	got, err := e.c.ReplaceChannelPlaylist(ctx, ch.ID, "u1", []PlaylistEntry{{MediaID: "m2", Title: "Only"}})
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentIndex != 0 || len(got.Playlist) != 1 || got.Playlist[0].Title != "Only" {
		t.Fatalf("after replace = %+v", got)
	}
	if e.tr.stopped(ch.ID) {
		t.Fatal("current item interrupted by replace")
	}

	e.tr.exit(t, ch.ID, 0, false)
	eventually(t, "next item", func() bool { return len(e.tr.startsFor(ch.ID)) == 3 })
	if s := e.tr.startsFor(ch.ID); s[2].source != "/media/m2.mp4" {
		t.Fatalf("after clamp played %+v", s[2])
	}

	if _, err := e.c.ReplaceChannelPlaylist(ctx, ch.ID, "u1", nil); err != nil {
		t.Fatal(err)
	}
	if e.channel(t, ch.ID).Active {
		t.Fatal("emptied channel still active")
	}
}

func TestReconcileAfterRestart(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := e.clk.Now()

	mk := func(at time.Time, status models.BroadcastStatus) *models.ScheduledBroadcast {
		b := &models.ScheduledBroadcast{OwnerID: "u1", MediaID: "m1", Title: "t", ScheduledAt: at, DurationSeconds: 10, StreamKey: "k", Status: status}
		if err := e.store.CreateBroadcast(ctx, b); err != nil {
			t.Fatal(err)
		}
		return b
	}
	future := mk(now.Add(time.Hour), models.BroadcastScheduled)
	recent := mk(now.Add(-30*time.Second), models.BroadcastScheduled)
	missed := mk(now.Add(-2*time.Hour), models.BroadcastScheduled)
	interrupted := mk(now.Add(-10*time.Minute), models.BroadcastStreaming)

	ch := &models.Channel{OwnerID: "u1", Name: "c1", StreamKey: "tv_c1", Loop: true, Playlist: []models.PlaylistItem{
		{MediaID: "m1", DurationSeconds: 10}, {MediaID: "m2", DurationSeconds: 5},
	}}
	if err := e.store.CreateChannel(ctx, ch); err != nil {
		t.Fatal(err)
	}
	if err := e.store.SaveChannelState(ctx, ch.ID, true, 1); err != nil {
		t.Fatal(err)
	}

	e.run(t)

	eventually(t, "channel resumed", func() bool { return len(e.tr.startsFor(ch.ID)) == 1 })
	if s := e.tr.startsFor(ch.ID)[0]; s.source != "/media/m2.mp4" {
		t.Fatalf("channel resumed at %s, want item 1", s.source)
	}
	eventually(t, "recent fired", func() bool { return e.status(t, recent.ID) == models.BroadcastStreaming })

	if got, _ := e.store.GetBroadcast(ctx, missed.ID); got.Status != models.BroadcastFailed || got.FailureReason != models.FailureMissed {
		t.Fatalf("missed = %+v", got)
	}
	if got, _ := e.store.GetBroadcast(ctx, interrupted.ID); got.Status != models.BroadcastFailed || got.FailureReason != FailureInterrupted {
		t.Fatalf("interrupted = %+v", got)
	}
	if e.status(t, future.ID) != models.BroadcastScheduled {
		t.Fatal("future broadcast changed")
	}
	var queued bool
	if _, err := e.c.dispatch(ctx, func(context.Context, time.Time) error {
		queued = e.c.queue.Contains(future.ID)
		return nil
	}); err != nil || !queued {
		t.Fatalf("future broadcast not queued (err %v)", err)
	}
}

func TestOpsWithoutLoopPersistAndResume(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	ch, err := e.c.CreateChannel(ctx, "u1", ChannelRequest{Name: "c", Playlist: []PlaylistEntry{{MediaID: "m1"}}})
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.c.StartChannel(ctx, ch.ID, "u1")
	if err != nil || !got.Active {
		t.Fatalf("start without loop = %+v, %v", got, err)
	}
	if len(e.tr.startsFor(ch.ID)) != 0 {
		t.Fatal("process started without a running loop")
	}

	e.run(t)
	eventually(t, "resumed by loop", func() bool { return len(e.tr.startsFor(ch.ID)) == 1 })
}

func TestResyncPicksUpForeignChanges(t *testing.T) {
	e := newEnv(t)
	e.c.opts.ResyncInterval = 10 * time.Second
	e.run(t)
	ctx := context.Background()

	// Written by another replica that does not run the loop.
	b := &models.ScheduledBroadcast{OwnerID: "u1", MediaID: "m1", Title: "t", ScheduledAt: e.clk.Now().Add(5 * time.Second), StreamKey: "k", Status: models.BroadcastScheduled}
	if err := e.store.CreateBroadcast(ctx, b); err != nil {
		t.Fatal(err)
	}
	ch := &models.Channel{OwnerID: "u1", Name: "c", StreamKey: "tv", Loop: true, Playlist: []models.PlaylistItem{{MediaID: "m2", DurationSeconds: 5}}}
	if err := e.store.CreateChannel(ctx, ch); err != nil {
		t.Fatal(err)
	}
	if err := e.store.SaveChannelState(ctx, ch.ID, true, 0); err != nil {
		t.Fatal(err)
	}

	e.clk.Advance(10 * time.Second)
	eventually(t, "foreign channel started", func() bool { return len(e.tr.startsFor(ch.ID)) == 1 })
	eventually(t, "foreign broadcast fired", func() bool { return e.status(t, b.ID) == models.BroadcastStreaming })

	if err := e.store.SaveChannelState(ctx, ch.ID, false, 0); err != nil {
		t.Fatal(err)
	}
	e.clk.Advance(10 * time.Second)
	eventually(t, "foreign stop applied", func() bool { return e.tr.stopped(ch.ID) })
}

func TestRunStopReleasesProcessesAndKeepsState(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.c.Run(ctx) }()
	eventually(t, "loop running", e.c.Running)

	ch, err := e.c.CreateChannel(context.Background(), "u1", ChannelRequest{Name: "c", Playlist: []PlaylistEntry{{MediaID: "m1"}}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.c.StartChannel(context.Background(), ch.ID, "u1"); err != nil {
		t.Fatal(err)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	if !e.tr.stopped(ch.ID) {
		t.Fatal("process left running after loop exit")
	}
	if !e.channel(t, ch.ID).Active {
		t.Fatal("channel deactivated by shutdown")
	}
	if e.c.Running() {
		t.Fatal("Running() true after Run returned")
	}
}

func TestRunFailsWhenStoreUnavailable(t *testing.T) {
	e := newEnv(t)
	sqlDB, _ := e.store.DB().DB()
	sqlDB.Close()

	err := e.c.Run(context.Background())
	if !errors.Is(err, apperr.ErrStore) {
		t.Fatalf("err = %v", err)
	}
	if e.c.Running() {
		t.Fatal("loop left running")
	}
}

func TestStatsCountsByStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := e.c.ScheduleBroadcast(ctx, "u1", ScheduleRequest{MediaID: "m1", ScheduledAt: e.clk.Now().Add(time.Duration(i+1) * time.Hour), Title: fmt.Sprint(i)}); err != nil {
			t.Fatal(err)
		}
	}
	st, err := e.c.Stats(ctx, "u1")
	if err != nil || st.Scheduled != 3 {
		t.Fatalf("stats = %+v, %v", st, err)
	}
	up, err := e.c.UpcomingBroadcasts(ctx, "u1", 2)
	if err != nil || len(up) != 2 || up[0].Title != "0" {
		t.Fatalf("upcoming = %+v, %v", up, err)
	}
}
