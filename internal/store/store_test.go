package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/airwave/internal/apperr"
	"github.com/friendsincode/airwave/internal/db"
	"github.com/friendsincode/airwave/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(gdb)
}

func seedBroadcast(t *testing.T, s *Store, owner string, at time.Time, status models.BroadcastStatus) *models.ScheduledBroadcast {
	t.Helper()
	b := &models.ScheduledBroadcast{
		OwnerID:         owner,
		MediaID:         "m1",
		Title:           "show",
		ScheduledAt:     at,
		DurationSeconds: 60,
		StreamKey:       "k",
		Status:          status,
	}
	if err := s.CreateBroadcast(context.Background(), b); err != nil {
		t.Fatalf("create broadcast: %v", err)
	}
	return b
}

func TestGetMissingMapsToNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetBroadcast(ctx, "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("GetBroadcast err = %v", err)
	}
	if _, err := s.GetChannel(ctx, "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("GetChannel err = %v", err)
	}
	if _, err := s.GetMedia(ctx, "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("GetMedia err = %v", err)
	}
}

func TestStoreErrorsAreStoreKind(t *testing.T) {
	s := newTestStore(t)
	sqlDB, _ := s.DB().DB()
	sqlDB.Close()

	_, err := s.LoadPendingBroadcasts(context.Background())
	if !errors.Is(err, apperr.ErrStore) {
		t.Fatalf("err = %v, want ErrStore", err)
	}
}

func TestSaveBroadcastStatusGuardsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBroadcast(t, s, "u1", time.Now().Add(time.Hour), models.BroadcastScheduled)

	ok, err := s.SaveBroadcastStatus(ctx, b.ID, models.BroadcastStreaming, "")
	if err != nil || !ok {
		t.Fatalf("to streaming: %v %v", ok, err)
	}
	got, _ := s.GetBroadcast(ctx, b.ID)
	if got.Status != models.BroadcastStreaming || got.StartedAt == nil {
		t.Fatalf("after streaming: %+v", got)
	}

	if ok, err := s.SaveBroadcastStatus(ctx, b.ID, models.BroadcastCancelled, ""); err != nil || !ok {
		t.Fatalf("to cancelled: %v %v", ok, err)
	}
	// A late process exit must not overwrite the cancellation.
	if ok, err := s.SaveBroadcastStatus(ctx, b.ID, models.BroadcastCompleted, ""); err != nil || ok {
		t.Fatalf("terminal overwrite: %v %v", ok, err)
	}
	got, _ = s.GetBroadcast(ctx, b.ID)
	if got.Status != models.BroadcastCancelled || got.EndedAt == nil {
		t.Fatalf("final: %+v", got)
	}
}

func TestLoadPendingAndUpcoming(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	later := seedBroadcast(t, s, "u1", now.Add(2*time.Hour), models.BroadcastScheduled)
	soon := seedBroadcast(t, s, "u1", now.Add(time.Hour), models.BroadcastScheduled)
	past := seedBroadcast(t, s, "u1", now.Add(-time.Hour), models.BroadcastScheduled)
	seedBroadcast(t, s, "u1", now.Add(time.Hour), models.BroadcastCancelled)
	seedBroadcast(t, s, "u2", now.Add(time.Hour), models.BroadcastScheduled)

	pending, err := s.LoadPendingBroadcasts(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 4 || pending[0].ID != past.ID {
		t.Fatalf("pending = %d rows, first %s", len(pending), pending[0].ID)
	}

	upcoming, err := s.UpcomingBroadcasts(ctx, "u1", now, 1)
	if err != nil {
		t.Fatalf("upcoming: %v", err)
	}
	if len(upcoming) != 1 || upcoming[0].ID != soon.ID {
		t.Fatalf("upcoming = %+v", upcoming)
	}
	_ = later
}

func TestChannelPlaylistLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ch := &models.Channel{
		OwnerID:   "u1",
		Name:      "24/7",
		StreamKey: "tv_x",
		Loop:      true,
		Playlist: []models.PlaylistItem{
			{MediaID: "a", DurationSeconds: 10},
			{MediaID: "b", DurationSeconds: 5},
		},
	}
	if err := s.CreateChannel(ctx, ch); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(ch.Playlist) != 2 || ch.Playlist[1].OrderIndex != 1 || ch.Playlist[1].ChannelID != ch.ID {
		t.Fatalf("playlist not normalized: %+v", ch.Playlist)
	}

	got, err := s.GetChannel(ctx, ch.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Active || !got.Loop || len(got.Playlist) != 2 || got.Playlist[0].MediaID != "a" {
		t.Fatalf("loaded channel = %+v", got)
	}

	if err := s.SaveChannelState(ctx, ch.ID, true, 1); err != nil {
		t.Fatalf("save state: %v", err)
	}
	active, err := s.LoadActiveChannels(ctx)
	if err != nil || len(active) != 1 || active[0].CurrentIndex != 1 || len(active[0].Playlist) != 2 {
		t.Fatalf("active = %+v, %v", active, err)
	}

	items, err := s.ReplacePlaylist(ctx, ch.ID, []models.PlaylistItem{{MediaID: "c"}, {MediaID: "a"}, {MediaID: "b"}})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("replace returned %d items", len(items))
	}
	playlist, err := s.LoadChannelPlaylist(ctx, ch.ID)
	if err != nil {
		t.Fatalf("load playlist: %v", err)
	}
	order := ""
	for i, it := range playlist {
		if it.OrderIndex != i {
			t.Fatalf("order index %d at position %d", it.OrderIndex, i)
		}
		order += it.MediaID
	}
	if order != "cab" {
		t.Fatalf("playlist order = %q, want cab", order)
	}

	if _, err := s.ReplacePlaylist(ctx, ch.ID, nil); err != nil {
		t.Fatalf("replace with empty: %v", err)
	}
	if playlist, _ := s.LoadChannelPlaylist(ctx, ch.ID); len(playlist) != 0 {
		t.Fatalf("playlist not emptied: %d", len(playlist))
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	seedBroadcast(t, s, "u1", now.Add(time.Hour), models.BroadcastScheduled)
	seedBroadcast(t, s, "u1", now.Add(-time.Hour), models.BroadcastCompleted)
	seedBroadcast(t, s, "u1", now.Add(-2*time.Hour), models.BroadcastCompleted)
	seedBroadcast(t, s, "u1", now.Add(-time.Hour), models.BroadcastFailed)
	if err := s.CreateChannel(ctx, &models.Channel{OwnerID: "u1", Name: "c", StreamKey: "k", Active: true}); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats(ctx, "u1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Scheduled != 1 || st.Completed != 2 || st.Failed != 1 || st.Cancelled != 0 {
		t.Fatalf("counts = %+v", st)
	}
	if st.TotalStreamedSeconds != 120 {
		t.Fatalf("TotalStreamedSeconds = %d", st.TotalStreamedSeconds)
	}
	if st.Channels != 1 || st.ActiveChannels != 1 {
		t.Fatalf("channel counts = %+v", st)
	}
}

func TestWebhookTargetsAndLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	all := models.NewWebhookTarget("u1", "https://a.example/hook", "")
	failedOnly := models.NewWebhookTarget("u1", "https://b.example/hook", "failed, cancelled")
	other := models.NewWebhookTarget("u2", "https://c.example/hook", "")
	for _, tgt := range []*models.WebhookTarget{all, failedOnly, other} {
		if err := s.CreateWebhookTarget(ctx, tgt); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.WebhookTargetsFor(ctx, "u1", "started")
	if err != nil || len(got) != 1 || got[0].ID != all.ID {
		t.Fatalf("started targets = %+v, %v", got, err)
	}
	got, _ = s.WebhookTargetsFor(ctx, "u1", "cancelled")
	if len(got) != 2 {
		t.Fatalf("cancelled targets = %d, want 2", len(got))
	}

	if err := s.DeleteWebhookTarget(ctx, other.ID, "u1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("cross-owner delete err = %v", err)
	}

	old := &models.WebhookLog{Event: "started", CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &models.WebhookLog{Event: "completed"}
	for _, l := range []*models.WebhookLog{old, fresh} {
		if err := s.LogWebhookDelivery(ctx, l); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.PruneWebhookLogs(ctx, time.Now().Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("prune = %d, %v", n, err)
	}
}

func TestMediaUpdateAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	free := &models.MediaItem{OwnerID: "u1", Title: "a", StorageKey: "u1/a.mp4", DurationSeconds: 3}
	used := &models.MediaItem{OwnerID: "u1", Title: "b", StorageKey: "u1/b.mp4", DurationSeconds: 4}
	for _, m := range []*models.MediaItem{free, used} {
		if err := s.CreateMedia(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	ch := &models.Channel{OwnerID: "u1", Name: "c", StreamKey: "k", Playlist: []models.PlaylistItem{{MediaID: used.ID, DurationSeconds: 4}}}
	if err := s.CreateChannel(ctx, ch); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateMedia(ctx, &models.MediaItem{ID: free.ID, OwnerID: "u2", Title: "x"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("foreign update err = %v", err)
	}
	free.Title = "renamed"
	if err := s.UpdateMedia(ctx, free); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetMedia(ctx, free.ID); got.Title != "renamed" {
		t.Fatalf("title = %q", got.Title)
	}

	if _, err := s.DeleteMedia(ctx, used.ID, "u1"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("delete of referenced media err = %v", err)
	}
	if _, err := s.DeleteMedia(ctx, free.ID, "u2"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("foreign delete err = %v", err)
	}
	if _, err := s.DeleteMedia(ctx, free.ID, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetMedia(ctx, free.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("deleted media still readable: %v", err)
	}
}
