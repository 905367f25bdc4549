package scheduler

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

type fakeElector struct {
	leader  atomic.Bool
	ch      chan bool
	stopped atomic.Bool
}

func newFakeElector() *fakeElector {
	return &fakeElector{ch: make(chan bool, 1)}
}

func (f *fakeElector) Start(context.Context) {}
func (f *fakeElector) Stop() error           { f.stopped.Store(true); return nil }
func (f *fakeElector) IsLeader() bool        { return f.leader.Load() }
func (f *fakeElector) LeaderCh() <-chan bool { return f.ch }

func (f *fakeElector) set(leader bool) {
	f.leader.Store(leader)
	f.ch <- leader
}

func TestLeaderAwareFollowsLeadership(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ch, err := e.c.CreateChannel(ctx, "u1", ChannelRequest{Name: "c", Playlist: []PlaylistEntry{{MediaID: "m1"}}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.c.StartChannel(ctx, ch.ID, "u1"); err != nil {
		t.Fatal(err)
	}

	el := newFakeElector()
	las := NewLeaderAware(e.c, el, zerolog.Nop())
	las.Start(ctx)

	if e.c.Running() {
		t.Fatal("loop running before leadership")
	}

	el.set(true)
	eventually(t, "loop started on leadership", e.c.Running)
	eventually(t, "channel resumed", func() bool { return len(e.tr.startsFor(ch.ID)) == 1 })
	if !las.IsLeader() {
		t.Fatal("IsLeader = false")
	}

	el.set(false)
	eventually(t, "loop stopped on lost leadership", func() bool { return !e.c.Running() })
	if !e.tr.stopped(ch.ID) {
		t.Fatal("process kept running after leadership loss")
	}
	if !e.channel(t, ch.ID).Active {
		t.Fatal("channel deactivated on leadership loss")
	}

	el.set(true)
	eventually(t, "loop restarted", e.c.Running)
	eventually(t, "channel resumed again", func() bool { return len(e.tr.startsFor(ch.ID)) == 2 })

	if err := las.Stop(); err != nil {
		t.Fatal(err)
	}
	if e.c.Running() || !el.stopped.Load() {
		t.Fatal("Stop left the loop or election running")
	}
}

func TestLeaderAwareStartsWhenAlreadyLeader(t *testing.T) {
	e := newEnv(t)
	el := newFakeElector()
	el.leader.Store(true)

	las := NewLeaderAware(e.c, el, zerolog.Nop())
	las.Start(context.Background())
	eventually(t, "loop started", e.c.Running)
	if err := las.Stop(); err != nil {
		t.Fatal(err)
	}
	if e.c.Running() {
		t.Fatal("loop still running")
	}
}
