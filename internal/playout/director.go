/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playout sequences continuous channels through their playlists.
package playout

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/airwave/internal/apperr"
	"github.com/friendsincode/airwave/internal/events"
	"github.com/friendsincode/airwave/internal/logging"
	"github.com/friendsincode/airwave/internal/models"
	"github.com/friendsincode/airwave/internal/telemetry"
	"github.com/friendsincode/airwave/internal/transport"
)

// Transport is the part of the process supervisor the director drives.
type Transport interface {
	Start(key, source string, dest transport.Destination, overlays []models.Overlay) (transport.Handle, error)
	Stop(key string)
}

// Locator resolves media references to playable URLs.
type Locator interface {
	Resolve(ctx context.Context, mediaID string) (string, error)
}

// Store persists channel playout state.
type Store interface {
	SaveChannelState(ctx context.Context, id string, active bool, currentIndex int) error
}

// Options tunes advance and failure policy.
type Options struct {
	WatchdogBuffer         time.Duration
	MaxConsecutiveFailures int
	BackoffStep            time.Duration
	BackoffMax             time.Duration

	// UnknownDurationLimit bounds items whose duration is unknown. Zero disables it.
	UnknownDurationLimit time.Duration
}

// Stop reasons carried on channel.stopped and channel.failed events.
const (
	ReasonRequested       = "requested"
	ReasonCompleted       = "completed"
	ReasonPlaylistEmptied = "playlist_emptied"
	ReasonTooManyFailures = "too_many_failures"
)

// Director owns the playout machines of every active channel. It is not safe for concurrent
// use; the scheduler's control loop is its only caller.
type Director struct {
	transport Transport
	locator   Locator
	store     Store
	notifier  events.Publisher
	opts      Options
	logger    zerolog.Logger

	machines map[string]*machine
}

// NewDirector creates a playout director.
func NewDirector(tr Transport, locator Locator, store Store, notifier events.Publisher, opts Options, logger zerolog.Logger) *Director {
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = 3
	}
	if opts.BackoffStep <= 0 {
		opts.BackoffStep = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 10 * time.Second
	}
	return &Director{
		transport: tr,
		locator:   locator,
		store:     store,
		notifier:  notifier,
		opts:      opts,
		logger:    logging.Component(logger, "playout"),
		machines:  make(map[string]*machine),
	}
}

// Start puts a channel on air at its persisted CurrentIndex (clamped to 0 when out of range).
// Starting a channel that is already running is a no-op.
func (d *Director) Start(ctx context.Context, ch models.Channel, now time.Time) error {
	if len(ch.Playlist) == 0 {
		return apperr.ErrEmptyPlaylist
	}
	if _, ok := d.machines[ch.ID]; ok {
		return nil
	}

	m := newMachine(ch)
	m.state = Starting
	if err := d.store.SaveChannelState(ctx, m.id(), true, m.index); err != nil {
		return err
	}
	d.machines[m.id()] = m
	telemetry.ChannelsActive.Set(float64(len(d.machines)))

	d.logger.Info().Str("channel_id", m.id()).Int("index", m.index).Int("items", len(m.playlist)).Msg("channel starting")
	d.publish(events.EventChannelStarted, m, map[string]any{"index": m.index})

	d.launch(ctx, m, now)
	return nil
}

// Stop takes a channel off air and persists active=false. The cursor is kept so a later
// Start resumes where playout stopped. Stopping an idle channel only persists.
func (d *Director) Stop(ctx context.Context, ch models.Channel) error {
	m, ok := d.machines[ch.ID]
	if !ok {
		return d.store.SaveChannelState(ctx, ch.ID, false, ch.CurrentIndex)
	}
	return d.halt(ctx, m, ReasonRequested, m.index, nil)
}

// Running reports whether the director owns a machine for the channel.
func (d *Director) Running(channelID string) bool {
	_, ok := d.machines[channelID]
	return ok
}

// RunningIDs lists the channels on air in sorted order.
func (d *Director) RunningIDs() []string {
	ids := make([]string, 0, len(d.machines))
	for id := range d.machines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReplacePlaylist swaps the playlist of a running channel. The current item keeps playing;
// an index that no longer fits is clamped to 0. An empty playlist stops the channel.
// It reports false when the channel is not running.
func (d *Director) ReplacePlaylist(ctx context.Context, channelID string, playlist []models.PlaylistItem) (bool, error) {
	m, ok := d.machines[channelID]
	if !ok {
		return false, nil
	}
	if len(playlist) == 0 {
		return true, d.halt(ctx, m, ReasonPlaylistEmptied, 0, nil)
	}

	m.playlist = playlist
	if m.index >= len(playlist) {
		m.index = 0
		m.clamped = m.state == Playing
		d.logger.Info().Str("channel_id", m.id()).Msg("playlist shrank past the cursor, clamped to 0")
	}
	d.persist(ctx, m)
	return true, nil
}

// Refresh aligns a running channel with its stored playlist, which another replica may have
// replaced. It reports false when the channel is not running.
func (d *Director) Refresh(ctx context.Context, ch models.Channel) (bool, error) {
	m, ok := d.machines[ch.ID]
	if !ok {
		return false, nil
	}
	if samePlaylist(m.playlist, ch.Playlist) {
		return true, nil
	}
	return d.ReplacePlaylist(ctx, ch.ID, ch.Playlist)
}

func samePlaylist(a, b []models.PlaylistItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].MediaID != b[i].MediaID {
			return false
		}
	}
	return true
}

// OnExit consumes a transport terminal event for a channel key. It reports false when the
// key does not belong to a running channel.
func (d *Director) OnExit(ctx context.Context, ev transport.Exit, now time.Time) bool {
	m, ok := d.machines[ev.Key]
	if !ok {
		return false
	}

	if ev.Seq != m.seq {
		// An earlier process for this channel finished; a launch blocked on it can go now.
		if m.pending(now) {
			d.launch(ctx, m, now)
		}
		return true
	}

	m.seq = 0
	m.deadline = time.Time{}

	log := d.logger.With().Str("channel_id", m.id()).Int("index", m.index).Logger()

	switch {
	case m.stopping:
		m.stopping = false
		log.Info().Msg("watchdog ended item")
		if ev.Progressed {
			m.failures = 0
		}
		d.step(ctx, m, now, 0, "watchdog")
	case ev.Clean() || ev.Progressed:
		m.failures = 0
		if !ev.Clean() {
			log.Warn().Err(ev.Err).Int("code", ev.Code).Msg("item exited abnormally after playing")
		}
		d.step(ctx, m, now, 0, "completed")
	default:
		log.Warn().Err(ev.Err).Int("code", ev.Code).Msg("item failed before producing output")
		d.fail(ctx, m, now, ev.Err)
	}
	return true
}

// Tick drives time-based transitions: watchdog stops, pending launches, persist retries.
func (d *Director) Tick(ctx context.Context, now time.Time) {
	for _, id := range d.RunningIDs() {
		m, ok := d.machines[id]
		if !ok {
			continue
		}
		if m.dirty {
			d.persist(ctx, m)
		}

		switch {
		case m.state == Playing && !m.stopping && !m.deadline.IsZero() && !now.Before(m.deadline):
			m.stopping = true
			d.logger.Warn().
				Str("channel_id", m.id()).
				Int("index", m.index).
				Time("deadline", m.deadline).
				Msg("item overran its duration, stopping")
			d.transport.Stop(m.id())
		case m.pending(now):
			d.launch(ctx, m, now)
		}
	}
}

// Snapshot returns the status of every running channel.
func (d *Director) Snapshot() map[string]Status {
	out := make(map[string]Status, len(d.machines))
	for id, m := range d.machines {
		out[id] = m.status()
	}
	return out
}

// StopAll forgets every machine without touching the store or the transport.
// Used on shutdown so active channels resume on the next start.
func (d *Director) StopAll() {
	clear(d.machines)
	telemetry.ChannelsActive.Set(0)
}

func (d *Director) launch(ctx context.Context, m *machine, now time.Time) {
	m.retryAt = time.Time{}
	item := m.item()
	log := d.logger.With().Str("channel_id", m.id()).Int("index", m.index).Str("media_id", item.MediaID).Logger()

	url, err := d.locator.Resolve(ctx, item.MediaID)
	if err != nil {
		log.Warn().Err(err).Msg("could not resolve playlist item")
		d.fail(ctx, m, now, err)
		return
	}

	dest := transport.Destination{StreamKey: m.channel.StreamKey, Multistream: m.channel.Multistream}
	h, err := d.transport.Start(m.id(), url, dest, m.channel.Overlays)
	if errors.Is(err, transport.ErrBusy) {
		// The previous item has not exited yet. Its exit, or the next tick, retries.
		m.retryAt = now
		log.Debug().Msg("previous process still running, waiting")
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("playlist item failed to launch")
		d.fail(ctx, m, now, err)
		return
	}

	m.state = Playing
	m.seq = h.Seq
	m.startedAt = now
	m.stopping = false
	m.deadline = time.Time{}
	switch {
	case item.DurationSeconds > 0:
		m.deadline = now.Add(time.Duration(item.DurationSeconds)*time.Second + d.opts.WatchdogBuffer)
	case d.opts.UnknownDurationLimit > 0:
		m.deadline = now.Add(d.opts.UnknownDurationLimit)
	}

	log.Info().Int("pid", h.PID).Msg("playing item")
	d.publish(events.EventChannelAdvanced, m, map[string]any{
		"index":    m.index,
		"media_id": item.MediaID,
		"title":    item.Title,
	})
}

func (d *Director) fail(ctx context.Context, m *machine, now time.Time, cause error) {
	m.seq = 0
	m.failures++
	if m.failures >= d.failureLimit(m) {
		d.logger.Error().
			Str("channel_id", m.id()).
			Int("failures", m.failures).
			Msg("channel keeps failing, taking it off air")
		if err := d.halt(ctx, m, ReasonTooManyFailures, 0, cause); err != nil {
			d.logger.Error().Err(err).Str("channel_id", m.id()).Msg("failed to persist channel halt")
		}
		return
	}
	d.step(ctx, m, now, d.backoff(m.failures), "error")
}

// step advances the cursor, persists it, then launches now or after delay.
func (d *Director) step(ctx context.Context, m *machine, now time.Time, delay time.Duration, reason string) {
	telemetry.ChannelAdvancesTotal.WithLabelValues(reason).Inc()

	next, ok := m.nextIndex()
	if !ok {
		d.logger.Info().Str("channel_id", m.id()).Msg("playlist finished")
		if err := d.halt(ctx, m, ReasonCompleted, 0, nil); err != nil {
			d.logger.Error().Err(err).Str("channel_id", m.id()).Msg("failed to persist channel completion")
		}
		return
	}

	m.index = next
	m.clamped = false
	m.state = Advancing
	m.deadline = time.Time{}
	d.persist(ctx, m)

	if delay > 0 {
		m.retryAt = now.Add(delay)
		return
	}
	d.launch(ctx, m, now)
}

// halt removes the machine, stops its process and persists active=false with index.
func (d *Director) halt(ctx context.Context, m *machine, reason string, index int, cause error) error {
	delete(d.machines, m.id())
	telemetry.ChannelsActive.Set(float64(len(d.machines)))

	if m.seq != 0 {
		d.transport.Stop(m.id())
	}
	m.state = Stopped
	m.seq = 0

	evt := d.logger.Info()
	eventType := events.EventChannelStopped
	if reason == ReasonTooManyFailures {
		evt = d.logger.Warn().Err(cause)
		eventType = events.EventChannelFailed
	}
	evt.Str("channel_id", m.id()).Str("reason", reason).Msg("channel stopped")

	d.publish(eventType, m, map[string]any{"reason": reason, "index": index})

	if err := d.store.SaveChannelState(ctx, m.id(), false, index); err != nil {
		telemetry.SchedulerErrorsTotal.WithLabelValues("save_channel_state").Inc()
		return err
	}
	return nil
}

func (d *Director) persist(ctx context.Context, m *machine) {
	if err := d.store.SaveChannelState(ctx, m.id(), true, m.index); err != nil {
		m.dirty = true
		telemetry.SchedulerErrorsTotal.WithLabelValues("save_channel_state").Inc()
		d.logger.Warn().Err(err).Str("channel_id", m.id()).Int("index", m.index).Msg("failed to persist channel cursor, will retry")
		return
	}
	m.dirty = false
}

func (d *Director) failureLimit(m *machine) int {
	return max(d.opts.MaxConsecutiveFailures*len(m.playlist), d.opts.MaxConsecutiveFailures)
}

func (d *Director) backoff(failures int) time.Duration {
	return min(time.Duration(failures)*d.opts.BackoffStep, d.opts.BackoffMax)
}

func (d *Director) publish(t events.EventType, m *machine, data map[string]any) {
	if d.notifier == nil {
		return
	}
	d.notifier.Publish(t, events.Notification(t, m.id(), m.channel.OwnerID, data))
}
