/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/airwave/internal/apperr"
	"github.com/friendsincode/airwave/internal/events"
	"github.com/friendsincode/airwave/internal/models"
	"github.com/friendsincode/airwave/internal/store"
	"github.com/friendsincode/airwave/internal/telemetry"
	"github.com/friendsincode/airwave/internal/transport"
)

// Failure reasons recorded on broadcasts.
const (
	FailureInterrupted = "interrupted"
	FailureLaunch      = "launch_failed"
	FailureUnavailable = "media_unavailable"
	FailureExit        = "abnormal_exit"
)

// ScheduleRequest describes a broadcast to schedule.
type ScheduleRequest struct {
	MediaID     string           `json:"media_id"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	ScheduledAt time.Time        `json:"scheduled_at"`
	StreamKey   string           `json:"stream_key"`
	Multistream bool             `json:"multistream"`
	Overlays    []models.Overlay `json:"overlays"`
}

// BroadcastDetails is a broadcast with its live stats.
type BroadcastDetails struct {
	models.ScheduledBroadcast
	Stats transport.Stats `json:"stats"`
}

// ScheduleBroadcast persists a new Scheduled broadcast and queues its trigger.
func (c *Coordinator) ScheduleBroadcast(ctx context.Context, ownerID string, req ScheduleRequest) (b *models.ScheduledBroadcast, err error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduler", "ScheduleBroadcast")
	defer func() { telemetry.EndSpan(span, err) }()

	if strings.TrimSpace(req.MediaID) == "" {
		return nil, apperr.Validation("media_id is required")
	}
	if req.ScheduledAt.IsZero() {
		return nil, apperr.Validation("scheduled_at is required")
	}
	if !req.ScheduledAt.After(c.now()) {
		return nil, apperr.ErrInvalidSchedule
	}
	if err := validateOverlays(req.Overlays); err != nil {
		return nil, err
	}

	media, err := c.store.GetOwnedMedia(ctx, req.MediaID, ownerID)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	b = &models.ScheduledBroadcast{
		ID:              id,
		OwnerID:         ownerID,
		MediaID:         media.ID,
		Title:           strings.TrimSpace(req.Title),
		Description:     req.Description,
		ScheduledAt:     req.ScheduledAt.UTC(),
		DurationSeconds: media.DurationSeconds,
		StreamKey:       strings.TrimSpace(req.StreamKey),
		Multistream:     req.Multistream,
		Overlays:        req.Overlays,
		Status:          models.BroadcastScheduled,
	}
	if b.Title == "" {
		b.Title = media.Title
	}
	if b.StreamKey == "" {
		b.StreamKey = "scheduled_" + id
	}

	if err := c.store.CreateBroadcast(ctx, b); err != nil {
		return nil, err
	}

	if _, err := c.dispatch(ctx, func(_ context.Context, _ time.Time) error {
		c.enqueue(b.ID, b.ScheduledAt)
		return nil
	}); err != nil {
		c.logger.Warn().Err(err).Str("broadcast_id", b.ID).Msg("broadcast persisted but not queued, resync will pick it up")
	}

	telemetry.BroadcastTransitionsTotal.WithLabelValues(string(models.BroadcastScheduled)).Inc()
	c.logger.Info().Str("broadcast_id", b.ID).Time("scheduled_at", b.ScheduledAt).Msg("broadcast scheduled")
	c.publish(events.EventBroadcastScheduled, b.ID, ownerID, map[string]any{
		"title":        b.Title,
		"scheduled_at": b.ScheduledAt.Format(time.RFC3339),
	})
	return b, nil
}

// DuplicateBroadcast schedules a copy of an owned broadcast at a new time.
func (c *Coordinator) DuplicateBroadcast(ctx context.Context, id, ownerID string, at time.Time) (*models.ScheduledBroadcast, error) {
	src, err := c.ownedBroadcast(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	streamKey := src.StreamKey
	if streamKey == "scheduled_"+src.ID {
		streamKey = ""
	}
	return c.ScheduleBroadcast(ctx, ownerID, ScheduleRequest{
		MediaID:     src.MediaID,
		Title:       src.Title,
		Description: src.Description,
		ScheduledAt: at,
		StreamKey:   streamKey,
		Multistream: src.Multistream,
		Overlays:    src.Overlays,
	})
}

// CancelBroadcast cancels an owned broadcast, stopping it if it is streaming.
// Cancelling a broadcast that already reached a terminal status is a no-op.
func (c *Coordinator) CancelBroadcast(ctx context.Context, id, ownerID string) (b *models.ScheduledBroadcast, err error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduler", "CancelBroadcast")
	defer func() { telemetry.EndSpan(span, err) }()

	b, err = c.ownedBroadcast(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if b.Status.Terminal() {
		return b, nil
	}

	// Persist first: a trigger that fires concurrently sees Cancelled and skips.
	changed, err := c.store.SaveBroadcastStatus(ctx, id, models.BroadcastCancelled, "")
	if err != nil {
		return nil, err
	}

	if _, err := c.dispatch(ctx, func(_ context.Context, _ time.Time) error {
		c.queue.Cancel(id)
		if _, ok := c.live[id]; ok {
			c.transport.Stop(id)
		}
		return nil
	}); err != nil {
		c.logger.Warn().Err(err).Str("broadcast_id", id).Msg("cancel persisted, loop did not confirm")
	}

	if changed {
		telemetry.BroadcastTransitionsTotal.WithLabelValues(string(models.BroadcastCancelled)).Inc()
		c.logger.Info().Str("broadcast_id", id).Str("was", string(b.Status)).Msg("broadcast cancelled")
		c.publish(events.EventBroadcastCancelled, id, ownerID, nil)
	}
	return c.store.GetBroadcast(ctx, id)
}

// ListBroadcasts lists an owner's broadcasts.
func (c *Coordinator) ListBroadcasts(ctx context.Context, ownerID string) ([]models.ScheduledBroadcast, error) {
	return c.store.ListBroadcasts(ctx, ownerID)
}

// UpcomingBroadcasts lists an owner's next scheduled broadcasts.
func (c *Coordinator) UpcomingBroadcasts(ctx context.Context, ownerID string, limit int) ([]models.ScheduledBroadcast, error) {
	return c.store.UpcomingBroadcasts(ctx, ownerID, c.now(), limit)
}

// BroadcastDetails returns an owned broadcast with its live stats.
func (c *Coordinator) BroadcastDetails(ctx context.Context, id, ownerID string) (*BroadcastDetails, error) {
	b, err := c.ownedBroadcast(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	d := &BroadcastDetails{ScheduledBroadcast: *b, Stats: transport.Inactive()}
	if b.Status == models.BroadcastStreaming {
		d.Stats = c.transport.Stats(id)
	}
	return d, nil
}

// Stats summarizes an owner's broadcasts and channels.
func (c *Coordinator) Stats(ctx context.Context, ownerID string) (*store.BroadcastStats, error) {
	return c.store.Stats(ctx, ownerID)
}

func (c *Coordinator) ownedBroadcast(ctx context.Context, id, ownerID string) (*models.ScheduledBroadcast, error) {
	b, err := c.store.GetBroadcast(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.OwnerID != ownerID {
		return nil, apperr.Forbidden("broadcast", id)
	}
	return b, nil
}

// enqueue inserts a trigger; a time that passed while the request was in flight still fires.
func (c *Coordinator) enqueue(id string, at time.Time) {
	if err := c.queue.Insert(id, at); err != nil {
		c.queue.Restore(id, at)
	}
	telemetry.TriggersPending.Set(float64(c.queue.Len()))
}

// fire starts a due broadcast. It returns false when a store error left the broadcast
// untouched; the caller re-queues the trigger for the next tick.
func (c *Coordinator) fire(ctx context.Context, id string, now time.Time) bool {
	log := c.logger.With().Str("broadcast_id", id).Logger()

	b, err := c.store.GetBroadcast(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			log.Warn().Msg("due broadcast no longer exists")
			return true
		}
		telemetry.SchedulerErrorsTotal.WithLabelValues("fire").Inc()
		log.Warn().Err(err).Msg("could not load due broadcast, retrying next tick")
		return false
	}
	if b.Status != models.BroadcastScheduled {
		log.Debug().Str("status", string(b.Status)).Msg("due broadcast is no longer scheduled")
		return true
	}

	changed, err := c.store.SaveBroadcastStatus(ctx, id, models.BroadcastStreaming, "")
	if err != nil {
		telemetry.SchedulerErrorsTotal.WithLabelValues("fire").Inc()
		log.Warn().Err(err).Msg("could not mark broadcast streaming, retrying next tick")
		return false
	}
	if !changed {
		return true
	}
	telemetry.BroadcastTransitionsTotal.WithLabelValues(string(models.BroadcastStreaming)).Inc()

	url, err := c.locator.Resolve(ctx, b.MediaID)
	if err != nil {
		log.Warn().Err(err).Str("media_id", b.MediaID).Msg("broadcast media could not be resolved")
		c.finish(ctx, id, b.OwnerID, models.BroadcastFailed, FailureUnavailable)
		return true
	}

	dest := transport.Destination{StreamKey: b.StreamKey, Multistream: b.Multistream}
	h, err := c.transport.Start(id, url, dest, b.Overlays)
	if err != nil {
		log.Warn().Err(err).Msg("broadcast failed to launch")
		c.finish(ctx, id, b.OwnerID, models.BroadcastFailed, FailureLaunch)
		return true
	}

	c.live[id] = liveBroadcast{seq: h.Seq, ownerID: b.OwnerID, startedAt: now}
	log.Info().Int("pid", h.PID).Time("scheduled_at", b.ScheduledAt).Dur("late", now.Sub(b.ScheduledAt)).Msg("broadcast started")
	c.publish(events.EventBroadcastStarted, id, b.OwnerID, map[string]any{"title": b.Title})
	return true
}

func (c *Coordinator) broadcastExited(ctx context.Context, ev transport.Exit, lb liveBroadcast) {
	switch {
	case ev.Stopped:
		// Stopped by cancel; the status is already terminal so this only records it.
		c.finish(ctx, ev.Key, lb.ownerID, models.BroadcastCancelled, "")
	case ev.Clean():
		c.finish(ctx, ev.Key, lb.ownerID, models.BroadcastCompleted, "")
	default:
		reason := FailureExit
		if ev.Code != 0 {
			reason = fmt.Sprintf("%s: code %d", FailureExit, ev.Code)
		}
		c.logger.Warn().Err(ev.Err).Str("broadcast_id", ev.Key).Int("code", ev.Code).Msg("broadcast process failed")
		c.finish(ctx, ev.Key, lb.ownerID, models.BroadcastFailed, reason)
	}
}

// finish persists a terminal status and announces it. A failed persist is retried each tick.
func (c *Coordinator) finish(ctx context.Context, id, ownerID string, status models.BroadcastStatus, reason string) {
	changed, err := c.store.SaveBroadcastStatus(ctx, id, status, reason)
	if err != nil {
		telemetry.SchedulerErrorsTotal.WithLabelValues("save_broadcast_status").Inc()
		c.logger.Warn().Err(err).Str("broadcast_id", id).Str("status", string(status)).Msg("could not persist broadcast status, will retry")
		c.unsaved[id] = pendingStatus{status: status, reason: reason, ownerID: ownerID}
		return
	}
	delete(c.unsaved, id)
	if !changed {
		return
	}

	telemetry.BroadcastTransitionsTotal.WithLabelValues(string(status)).Inc()
	c.logger.Info().Str("broadcast_id", id).Str("status", string(status)).Str("reason", reason).Msg("broadcast finished")

	var data map[string]any
	if reason != "" {
		data = map[string]any{"reason": reason}
	}
	switch status {
	case models.BroadcastCompleted:
		c.publish(events.EventBroadcastCompleted, id, ownerID, data)
	case models.BroadcastFailed:
		c.publish(events.EventBroadcastFailed, id, ownerID, data)
	case models.BroadcastCancelled:
		c.publish(events.EventBroadcastCancelled, id, ownerID, data)
	}
}

func (c *Coordinator) retryUnsaved(ctx context.Context) {
	for id, p := range c.unsaved {
		c.finish(ctx, id, p.ownerID, p.status, p.reason)
	}
}

func validateOverlays(overlays []models.Overlay) error {
	for i, o := range overlays {
		switch o.Type {
		case models.OverlayImage:
			if o.Source == "" {
				return apperr.Validation("overlay %d: image overlay needs a source", i)
			}
		case models.OverlayText:
			if o.Text == "" {
				return apperr.Validation("overlay %d: text overlay needs text", i)
			}
		default:
			return apperr.Validation("overlay %d: unknown type %q", i, o.Type)
		}
		if o.Opacity < 0 || o.Opacity > 1 {
			return apperr.Validation("overlay %d: opacity must be between 0 (unset) and 1", i)
		}
	}
	return nil
}
