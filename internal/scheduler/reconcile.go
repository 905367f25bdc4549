/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/friendsincode/airwave/internal/apperr"
	"github.com/friendsincode/airwave/internal/models"
	"github.com/friendsincode/airwave/internal/telemetry"
)

// reconcile rebuilds loop state from the store when the loop starts. A store outage here
// aborts Run rather than driving broadcasts with no durable backing.
func (c *Coordinator) reconcile(ctx context.Context, now time.Time) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduler", "Reconcile")
	defer func() { telemetry.EndSpan(span, err) }()

	streaming, err := c.store.LoadStreamingBroadcasts(ctx)
	if err != nil {
		return fmt.Errorf("load streaming broadcasts: %w", err)
	}
	for _, b := range streaming {
		// Nothing survives a restart, so a broadcast still marked streaming lost its process.
		c.finish(ctx, b.ID, b.OwnerID, models.BroadcastFailed, FailureInterrupted)
	}

	pending, err := c.store.LoadPendingBroadcasts(ctx)
	if err != nil {
		return fmt.Errorf("load pending broadcasts: %w", err)
	}
	queued, missed := c.restorePending(ctx, pending, now)

	channels, err := c.store.LoadActiveChannels(ctx)
	if err != nil {
		return fmt.Errorf("load active channels: %w", err)
	}
	resumed := 0
	for _, ch := range channels {
		if c.resumeChannel(ctx, ch, now) {
			resumed++
		}
	}

	c.lastResync = now
	telemetry.TriggersPending.Set(float64(c.queue.Len()))
	c.logger.Info().
		Int("queued", queued).
		Int("missed", missed).
		Int("interrupted", len(streaming)).
		Int("channels", resumed).
		Msg("reconciled durable state")
	return nil
}

// restorePending queues Scheduled broadcasts. Those that came due less than MissedGrace ago
// fire on the next tick; older ones fail as missed.
func (c *Coordinator) restorePending(ctx context.Context, pending []models.ScheduledBroadcast, now time.Time) (queued, missed int) {
	for _, b := range pending {
		if c.queue.Contains(b.ID) {
			continue
		}
		if _, ok := c.live[b.ID]; ok {
			continue
		}
		if b.ScheduledAt.After(now) || now.Sub(b.ScheduledAt) < c.opts.MissedGrace {
			c.queue.Restore(b.ID, b.ScheduledAt)
			queued++
			continue
		}
		c.logger.Warn().
			Str("broadcast_id", b.ID).
			Time("scheduled_at", b.ScheduledAt).
			Msg("broadcast start passed while no scheduler was running")
		c.finish(ctx, b.ID, b.OwnerID, models.BroadcastFailed, models.FailureMissed)
		missed++
	}
	return queued, missed
}

func (c *Coordinator) resumeChannel(ctx context.Context, ch models.Channel, now time.Time) bool {
	err := c.director.Start(ctx, ch, now)
	switch {
	case err == nil:
		return true
	case errors.Is(err, apperr.ErrEmptyPlaylist):
		c.logger.Warn().Str("channel_id", ch.ID).Msg("active channel has an empty playlist, deactivating")
		if err := c.store.SaveChannelState(ctx, ch.ID, false, 0); err != nil {
			c.logger.Warn().Err(err).Str("channel_id", ch.ID).Msg("could not deactivate channel")
		}
	default:
		telemetry.SchedulerErrorsTotal.WithLabelValues("resume_channel").Inc()
		c.logger.Warn().Err(err).Str("channel_id", ch.ID).Msg("could not resume channel, will retry")
	}
	return false
}

// resync folds in changes persisted by replicas that do not run the loop: new or cancelled
// broadcasts, channels started or stopped elsewhere, and replaced playlists.
func (c *Coordinator) resync(ctx context.Context, now time.Time) {
	c.lastResync = now

	pending, err := c.store.LoadPendingBroadcasts(ctx)
	if err != nil {
		telemetry.SchedulerErrorsTotal.WithLabelValues("resync").Inc()
		c.logger.Warn().Err(err).Msg("resync: could not load pending broadcasts")
	} else {
		c.restorePending(ctx, pending, now)
	}

	for id := range c.live {
		b, err := c.store.GetBroadcast(ctx, id)
		if err != nil {
			continue
		}
		if b.Status == models.BroadcastCancelled {
			c.logger.Info().Str("broadcast_id", id).Msg("resync: broadcast cancelled elsewhere, stopping")
			c.transport.Stop(id)
		}
	}

	channels, err := c.store.LoadActiveChannels(ctx)
	if err != nil {
		telemetry.SchedulerErrorsTotal.WithLabelValues("resync").Inc()
		c.logger.Warn().Err(err).Msg("resync: could not load active channels")
		return
	}
	active := make(map[string]bool, len(channels))
	for _, ch := range channels {
		active[ch.ID] = true
		if c.director.Running(ch.ID) {
			if _, err := c.director.Refresh(ctx, ch); err != nil {
				c.logger.Warn().Err(err).Str("channel_id", ch.ID).Msg("resync: could not refresh playlist")
			}
			continue
		}
		c.resumeChannel(ctx, ch, now)
	}
	for _, id := range c.director.RunningIDs() {
		if active[id] {
			continue
		}
		ch, err := c.store.GetChannel(ctx, id)
		if err != nil {
			continue
		}
		if ch.Active {
			// Activated between the two reads.
			continue
		}
		c.logger.Info().Str("channel_id", id).Msg("resync: channel stopped elsewhere")
		if err := c.director.Stop(ctx, *ch); err != nil {
			c.logger.Warn().Err(err).Str("channel_id", id).Msg("resync: could not stop channel")
		}
	}
}
