/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/airwave/internal/apperr"
	"github.com/friendsincode/airwave/internal/models"
	"github.com/friendsincode/airwave/internal/playout"
	"github.com/friendsincode/airwave/internal/telemetry"
	"github.com/friendsincode/airwave/internal/transport"
)

// PlaylistEntry references an owned media item in a playlist request.
type PlaylistEntry struct {
	MediaID string `json:"media_id"`
	Title   string `json:"title,omitempty"`
}

// ChannelRequest describes a channel to create.
type ChannelRequest struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	StreamKey   string           `json:"stream_key"`
	Loop        *bool            `json:"loop"`
	Multistream bool             `json:"multistream"`
	Overlays    []models.Overlay `json:"overlays"`
	Playlist    []PlaylistEntry  `json:"playlist"`
}

// ChannelSummary is a channel row with playlist aggregates.
type ChannelSummary struct {
	models.Channel
	VideoCount    int             `json:"video_count"`
	TotalDuration int             `json:"total_duration"`
	Live          *playout.Status `json:"live,omitempty"`
}

// ChannelDetails is a channel with its playout status and live stats.
type ChannelDetails struct {
	ChannelSummary
	Stats transport.Stats `json:"stats"`
}

// CreateChannel persists an inactive channel. Loop defaults to true.
func (c *Coordinator) CreateChannel(ctx context.Context, ownerID string, req ChannelRequest) (*models.Channel, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	if err := validateOverlays(req.Overlays); err != nil {
		return nil, err
	}
	items, err := c.playlistItems(ctx, ownerID, req.Playlist)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ch := &models.Channel{
		ID:          id,
		OwnerID:     ownerID,
		Name:        name,
		Description: req.Description,
		StreamKey:   strings.TrimSpace(req.StreamKey),
		Loop:        true,
		Multistream: req.Multistream,
		Overlays:    req.Overlays,
		Playlist:    items,
	}
	if req.Loop != nil {
		ch.Loop = *req.Loop
	}
	if ch.StreamKey == "" {
		ch.StreamKey = "tv_" + id
	}

	if err := c.store.CreateChannel(ctx, ch); err != nil {
		return nil, err
	}
	c.logger.Info().Str("channel_id", id).Int("items", len(items)).Msg("channel created")
	return ch, nil
}

// StartChannel puts an owned channel on air at its stored cursor.
func (c *Coordinator) StartChannel(ctx context.Context, id, ownerID string) (ch *models.Channel, err error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduler", "StartChannel")
	defer func() { telemetry.EndSpan(span, err) }()

	ch, err = c.ownedChannel(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if len(ch.Playlist) == 0 {
		return nil, apperr.ErrEmptyPlaylist
	}

	handled, err := c.dispatch(ctx, func(ctx context.Context, now time.Time) error {
		return c.director.Start(ctx, *ch, now)
	})
	if err != nil {
		return nil, err
	}
	if !handled {
		idx := ch.CurrentIndex
		if idx >= len(ch.Playlist) {
			idx = 0
		}
		if err := c.store.SaveChannelState(ctx, id, true, idx); err != nil {
			return nil, err
		}
	}
	return c.store.GetChannel(ctx, id)
}

// StopChannel takes an owned channel off air. Stopping an inactive channel is a no-op.
func (c *Coordinator) StopChannel(ctx context.Context, id, ownerID string) (ch *models.Channel, err error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduler", "StopChannel")
	defer func() { telemetry.EndSpan(span, err) }()

	ch, err = c.ownedChannel(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}

	handled, err := c.dispatch(ctx, func(ctx context.Context, _ time.Time) error {
		return c.director.Stop(ctx, *ch)
	})
	if err != nil {
		return nil, err
	}
	if !handled && ch.Active {
		if err := c.store.SaveChannelState(ctx, id, false, ch.CurrentIndex); err != nil {
			return nil, err
		}
	}
	return c.store.GetChannel(ctx, id)
}

// ReplaceChannelPlaylist swaps an owned channel's playlist atomically. A playing channel keeps
// its current item; the cursor is clamped to 0 when it no longer fits.
func (c *Coordinator) ReplaceChannelPlaylist(ctx context.Context, id, ownerID string, entries []PlaylistEntry) (*models.Channel, error) {
	ch, err := c.ownedChannel(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	items, err := c.playlistItems(ctx, ownerID, entries)
	if err != nil {
		return nil, err
	}
	items, err = c.store.ReplacePlaylist(ctx, id, items)
	if err != nil {
		return nil, err
	}

	var running bool
	if _, err := c.dispatch(ctx, func(ctx context.Context, _ time.Time) error {
		var err error
		running, err = c.director.ReplacePlaylist(ctx, id, items)
		return err
	}); err != nil {
		return nil, err
	}

	if !running {
		switch {
		case ch.Active && len(items) == 0:
			err = c.store.SaveChannelState(ctx, id, false, 0)
		case ch.CurrentIndex >= len(items) && ch.CurrentIndex != 0:
			err = c.store.SaveChannelState(ctx, id, ch.Active, 0)
		}
		if err != nil {
			return nil, err
		}
	}
	return c.store.GetChannel(ctx, id)
}

// ListChannels lists an owner's channels with playlist aggregates and playout status.
func (c *Coordinator) ListChannels(ctx context.Context, ownerID string) ([]ChannelSummary, error) {
	channels, err := c.store.ListChannels(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]ChannelSummary, 0, len(channels))
	for _, ch := range channels {
		out = append(out, c.summarize(ch))
	}
	return out, nil
}

// ChannelDetails returns an owned channel with its playlist, playout status and live stats.
func (c *Coordinator) ChannelDetails(ctx context.Context, id, ownerID string) (*ChannelDetails, error) {
	ch, err := c.ownedChannel(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	d := &ChannelDetails{ChannelSummary: c.summarize(*ch), Stats: transport.Inactive()}
	if d.Live != nil {
		d.Stats = c.transport.Stats(id)
	}
	return d, nil
}

func (c *Coordinator) summarize(ch models.Channel) ChannelSummary {
	s := ChannelSummary{
		Channel:       ch,
		VideoCount:    len(ch.Playlist),
		TotalDuration: ch.TotalDuration(),
	}
	if st, ok := c.channelStatus(ch.ID); ok {
		s.Live = &st
	}
	return s
}

func (c *Coordinator) ownedChannel(ctx context.Context, id, ownerID string) (*models.Channel, error) {
	ch, err := c.store.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.OwnerID != ownerID {
		return nil, apperr.Forbidden("channel", id)
	}
	return ch, nil
}

// playlistItems resolves entries against the owner's media library.
func (c *Coordinator) playlistItems(ctx context.Context, ownerID string, entries []PlaylistEntry) ([]models.PlaylistItem, error) {
	items := make([]models.PlaylistItem, 0, len(entries))
	for i, e := range entries {
		if strings.TrimSpace(e.MediaID) == "" {
			return nil, apperr.Validation("playlist item %d: media_id is required", i)
		}
		media, err := c.store.GetOwnedMedia(ctx, e.MediaID, ownerID)
		if err != nil {
			return nil, err
		}
		title := strings.TrimSpace(e.Title)
		if title == "" {
			title = media.Title
		}
		items = append(items, models.PlaylistItem{
			MediaID:         media.ID,
			Title:           title,
			OrderIndex:      i,
			DurationSeconds: media.DurationSeconds,
		})
	}
	return items, nil
}
