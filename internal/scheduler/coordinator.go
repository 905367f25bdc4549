/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scheduler fires one-shot broadcasts on time and drives continuous channels.
// A single control loop owns the trigger queue, the live broadcast registry and the
// channel machines; public operations validate and persist in the caller's goroutine and
// hand in-memory changes to the loop.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/airwave/internal/apperr"
	"github.com/friendsincode/airwave/internal/config"
	"github.com/friendsincode/airwave/internal/events"
	"github.com/friendsincode/airwave/internal/logging"
	"github.com/friendsincode/airwave/internal/models"
	"github.com/friendsincode/airwave/internal/playout"
	"github.com/friendsincode/airwave/internal/store"
	"github.com/friendsincode/airwave/internal/telemetry"
	"github.com/friendsincode/airwave/internal/transport"
	"github.com/friendsincode/airwave/internal/triggers"
)

// Store is the persistence the coordinator reads and writes.
type Store interface {
	playout.Store

	GetOwnedMedia(ctx context.Context, id, ownerID string) (*models.MediaItem, error)

	CreateBroadcast(ctx context.Context, b *models.ScheduledBroadcast) error
	GetBroadcast(ctx context.Context, id string) (*models.ScheduledBroadcast, error)
	ListBroadcasts(ctx context.Context, ownerID string) ([]models.ScheduledBroadcast, error)
	UpcomingBroadcasts(ctx context.Context, ownerID string, now time.Time, limit int) ([]models.ScheduledBroadcast, error)
	LoadPendingBroadcasts(ctx context.Context) ([]models.ScheduledBroadcast, error)
	LoadStreamingBroadcasts(ctx context.Context) ([]models.ScheduledBroadcast, error)
	SaveBroadcastStatus(ctx context.Context, id string, status models.BroadcastStatus, reason string) (bool, error)
	Stats(ctx context.Context, ownerID string) (*store.BroadcastStats, error)

	CreateChannel(ctx context.Context, ch *models.Channel) error
	GetChannel(ctx context.Context, id string) (*models.Channel, error)
	ListChannels(ctx context.Context, ownerID string) ([]models.Channel, error)
	LoadActiveChannels(ctx context.Context) ([]models.Channel, error)
	ReplacePlaylist(ctx context.Context, channelID string, items []models.PlaylistItem) ([]models.PlaylistItem, error)
}

// Transport is the process supervisor as seen by the coordinator.
type Transport interface {
	playout.Transport
	Events() <-chan transport.Exit
	Stats(key string) transport.Stats
}

// Options tunes loop timing and failure policy.
type Options struct {
	TickInterval           time.Duration
	ResyncInterval         time.Duration
	WatchdogBuffer         time.Duration
	MissedGrace            time.Duration
	MaxConsecutiveFailures int
	BackoffStep            time.Duration
	BackoffMax             time.Duration
	UnknownDurationLimit   time.Duration
}

// OptionsFromConfig maps process configuration onto coordinator options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		TickInterval:           cfg.TickInterval,
		WatchdogBuffer:         cfg.WatchdogBuffer,
		MissedGrace:            cfg.MissedGrace,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		UnknownDurationLimit:   cfg.UnknownDurationLimit,
	}
}

// liveBroadcast binds a streaming broadcast to its transport handle.
type liveBroadcast struct {
	seq       uint64
	ownerID   string
	startedAt time.Time
}

// pendingStatus is a terminal transition whose persist failed and is retried each tick.
type pendingStatus struct {
	status  models.BroadcastStatus
	reason  string
	ownerID string
}

type command struct {
	fn    func(ctx context.Context, now time.Time) error
	reply chan error
}

// Coordinator is the schedule coordinator.
type Coordinator struct {
	store     Store
	transport Transport
	locator   playout.Locator
	notifier  events.Publisher
	opts      Options
	logger    zerolog.Logger

	// Clock defaults to time.Now. Tests replace it before Run.
	Clock func() time.Time

	// Owned by the control loop.
	queue      *triggers.Queue
	director   *playout.Director
	live       map[string]liveBroadcast
	unsaved    map[string]pendingStatus
	lastResync time.Time

	cmds     chan command
	mu       sync.Mutex
	loopDone chan struct{}

	channels atomic.Pointer[map[string]playout.Status]
}

// New creates a coordinator. Run starts its control loop.
func New(st Store, tr Transport, locator playout.Locator, notifier events.Publisher, opts Options, logger zerolog.Logger) *Coordinator {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = 15 * time.Second
	}
	if opts.MissedGrace < 0 {
		opts.MissedGrace = 0
	}

	c := &Coordinator{
		store:     st,
		transport: tr,
		locator:   locator,
		notifier:  notifier,
		opts:      opts,
		logger:    logging.Component(logger, "scheduler"),
		Clock:     time.Now,
		live:      make(map[string]liveBroadcast),
		unsaved:   make(map[string]pendingStatus),
		cmds:      make(chan command),
	}
	c.queue = triggers.NewWithClock(c.now)
	c.director = playout.NewDirector(tr, locator, st, notifier, playout.Options{
		WatchdogBuffer:         opts.WatchdogBuffer,
		MaxConsecutiveFailures: opts.MaxConsecutiveFailures,
		BackoffStep:            opts.BackoffStep,
		BackoffMax:             opts.BackoffMax,
		UnknownDurationLimit:   opts.UnknownDurationLimit,
	}, logger)
	empty := map[string]playout.Status{}
	c.channels.Store(&empty)
	return c
}

func (c *Coordinator) now() time.Time {
	return c.Clock().UTC()
}

// Running reports whether the control loop is active in this process.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loopDone != nil
}

// Run reconciles durable state and then drives the control loop until ctx ends.
// On return every process it started has been asked to stop; broadcasts stay Streaming and
// channels stay active in the store so the next Run (here or on another replica) picks them up.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.loopDone != nil {
		c.mu.Unlock()
		return errors.New("scheduler: control loop already running")
	}
	done := make(chan struct{})
	c.loopDone = done
	c.mu.Unlock()

	defer func() {
		c.release()
		c.mu.Lock()
		c.loopDone = nil
		c.mu.Unlock()
		close(done)
	}()

	if err := c.reconcile(ctx, c.now()); err != nil {
		c.logger.Error().Err(err).Msg("startup reconciliation failed")
		return err
	}
	c.publishStatus()

	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	c.logger.Info().Dur("tick", c.opts.TickInterval).Msg("scheduler loop started")
	exits := c.transport.Events()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("scheduler loop stopped")
			return ctx.Err()
		case ev := <-exits:
			c.handleExit(ctx, ev)
		case cmd := <-c.cmds:
			cmd.reply <- cmd.fn(ctx, c.now())
		case <-ticker.C:
			c.tick(ctx)
		}
		c.publishStatus()
	}
}

// dispatch runs fn on the control loop and waits for its result. handled is false when no
// loop is running in this process; the caller's persisted change is then picked up by the
// leader's resync.
func (c *Coordinator) dispatch(ctx context.Context, fn func(ctx context.Context, now time.Time) error) (handled bool, err error) {
	c.mu.Lock()
	done := c.loopDone
	c.mu.Unlock()
	if done == nil {
		return false, nil
	}

	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-done:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return true, err
	case <-done:
		return true, apperr.Unavailable("scheduler loop", errors.New("stopped while handling request"))
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	now := c.now()
	telemetry.SchedulerTicksTotal.Inc()

	// Triggers that hit a store error go back only after the drain, so they wait for the next tick.
	var retry []triggers.Trigger
	for t := range c.queue.DueNow(now) {
		if !c.fire(ctx, t.ID, now) {
			retry = append(retry, t)
		}
	}
	for _, t := range retry {
		c.queue.Restore(t.ID, t.At)
	}
	c.retryUnsaved(ctx)
	c.director.Tick(ctx, now)

	if now.Sub(c.lastResync) >= c.opts.ResyncInterval {
		c.resync(ctx, now)
	}
	telemetry.TriggersPending.Set(float64(c.queue.Len()))
}

func (c *Coordinator) handleExit(ctx context.Context, ev transport.Exit) {
	if lb, ok := c.live[ev.Key]; ok {
		if lb.seq != ev.Seq {
			return
		}
		delete(c.live, ev.Key)
		c.broadcastExited(ctx, ev, lb)
		return
	}
	if !c.director.OnExit(ctx, ev, c.now()) {
		c.logger.Debug().Str("job_key", ev.Key).Uint64("seq", ev.Seq).Msg("exit for unknown job ignored")
	}
}

// release stops every process started by this loop and forgets loop-owned state.
func (c *Coordinator) release() {
	for id := range c.live {
		c.transport.Stop(id)
	}
	for _, id := range c.director.RunningIDs() {
		c.transport.Stop(id)
	}
	clear(c.live)
	clear(c.unsaved)
	c.director.StopAll()
	c.queue = triggers.NewWithClock(c.now)
	telemetry.TriggersPending.Set(0)
	c.publishStatus()
}

func (c *Coordinator) publishStatus() {
	snap := c.director.Snapshot()
	c.channels.Store(&snap)
}

// channelStatus reads the latest loop snapshot; safe from any goroutine.
func (c *Coordinator) channelStatus(id string) (playout.Status, bool) {
	st, ok := (*c.channels.Load())[id]
	return st, ok
}

func (c *Coordinator) publish(t events.EventType, entityID, ownerID string, data map[string]any) {
	if c.notifier == nil {
		return
	}
	c.notifier.Publish(t, events.Notification(t, entityID, ownerID, data))
}
