/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/airwave/internal/apperr"
	"github.com/friendsincode/airwave/internal/models"
)

var terminalStatuses = []models.BroadcastStatus{
	models.BroadcastCompleted,
	models.BroadcastFailed,
	models.BroadcastCancelled,
}

// CreateBroadcast inserts a broadcast, assigning an id when missing.
func (s *Store) CreateBroadcast(ctx context.Context, b *models.ScheduledBroadcast) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		return apperr.Store("create broadcast", err)
	}
	return nil
}

// GetBroadcast loads a broadcast by id.
func (s *Store) GetBroadcast(ctx context.Context, id string) (*models.ScheduledBroadcast, error) {
	var b models.ScheduledBroadcast
	if err := s.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "broadcast", id, "get broadcast")
	}
	return &b, nil
}

// ListBroadcasts lists an owner's broadcasts by scheduled time, latest first.
func (s *Store) ListBroadcasts(ctx context.Context, ownerID string) ([]models.ScheduledBroadcast, error) {
	var out []models.ScheduledBroadcast
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("scheduled_at DESC").
		Find(&out).Error; err != nil {
		return nil, apperr.Store("list broadcasts", err)
	}
	return out, nil
}

// UpcomingBroadcasts lists an owner's scheduled broadcasts after now, soonest first.
func (s *Store) UpcomingBroadcasts(ctx context.Context, ownerID string, now time.Time, limit int) ([]models.ScheduledBroadcast, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []models.ScheduledBroadcast
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND status = ? AND scheduled_at > ?", ownerID, models.BroadcastScheduled, now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, apperr.Store("upcoming broadcasts", err)
	}
	return out, nil
}

// LoadPendingBroadcasts returns every broadcast still in the Scheduled state, soonest first.
// Whether each one is still in the future is for the caller to decide.
func (s *Store) LoadPendingBroadcasts(ctx context.Context) ([]models.ScheduledBroadcast, error) {
	var out []models.ScheduledBroadcast
	if err := s.db.WithContext(ctx).
		Where("status = ?", models.BroadcastScheduled).
		Order("scheduled_at ASC").
		Find(&out).Error; err != nil {
		return nil, apperr.Store("load pending broadcasts", err)
	}
	return out, nil
}

// LoadStreamingBroadcasts returns broadcasts recorded as on air.
func (s *Store) LoadStreamingBroadcasts(ctx context.Context) ([]models.ScheduledBroadcast, error) {
	var out []models.ScheduledBroadcast
	if err := s.db.WithContext(ctx).
		Where("status = ?", models.BroadcastStreaming).
		Find(&out).Error; err != nil {
		return nil, apperr.Store("load streaming broadcasts", err)
	}
	return out, nil
}

// SaveBroadcastStatus moves a broadcast to status. Terminal rows are never rewritten;
// the returned bool is false when the row was already terminal or does not exist.
func (s *Store) SaveBroadcastStatus(ctx context.Context, id string, status models.BroadcastStatus, reason string) (bool, error) {
	now := time.Now().UTC()
	updates := map[string]any{"status": status}
	switch {
	case status == models.BroadcastStreaming:
		updates["started_at"] = now
	case status.Terminal():
		updates["ended_at"] = now
	}
	if reason != "" {
		updates["failure_reason"] = reason
	}

	res := s.db.WithContext(ctx).
		Model(&models.ScheduledBroadcast{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, apperr.Store("save broadcast status", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// BroadcastStats summarizes an owner's scheduling activity.
type BroadcastStats struct {
	Scheduled            int64 `json:"scheduled"`
	Streaming            int64 `json:"streaming"`
	Completed            int64 `json:"completed"`
	Failed               int64 `json:"failed"`
	Cancelled            int64 `json:"cancelled"`
	TotalStreamedSeconds int64 `json:"total_streamed_seconds"`
	Channels             int64 `json:"channels"`
	ActiveChannels       int64 `json:"active_channels"`
}

// Stats computes BroadcastStats for ownerID.
func (s *Store) Stats(ctx context.Context, ownerID string) (*BroadcastStats, error) {
	db := s.db.WithContext(ctx)

	var rows []struct {
		Status models.BroadcastStatus
		Count  int64
	}
	if err := db.Model(&models.ScheduledBroadcast{}).
		Select("status, COUNT(*) AS count").
		Where("owner_id = ?", ownerID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, apperr.Store("broadcast stats", err)
	}

	stats := &BroadcastStats{}
	for _, r := range rows {
		switch r.Status {
		case models.BroadcastScheduled:
			stats.Scheduled = r.Count
		case models.BroadcastStreaming:
			stats.Streaming = r.Count
		case models.BroadcastCompleted:
			stats.Completed = r.Count
		case models.BroadcastFailed:
			stats.Failed = r.Count
		case models.BroadcastCancelled:
			stats.Cancelled = r.Count
		}
	}

	if err := db.Model(&models.ScheduledBroadcast{}).
		Select("COALESCE(SUM(duration_seconds), 0)").
		Where("owner_id = ? AND status = ?", ownerID, models.BroadcastCompleted).
		Scan(&stats.TotalStreamedSeconds).Error; err != nil {
		return nil, apperr.Store("broadcast stats", err)
	}

	if err := db.Model(&models.Channel{}).Where("owner_id = ?", ownerID).Count(&stats.Channels).Error; err != nil {
		return nil, apperr.Store("channel stats", err)
	}
	if err := db.Model(&models.Channel{}).Where("owner_id = ? AND active = ?", ownerID, true).Count(&stats.ActiveChannels).Error; err != nil {
		return nil, apperr.Store("channel stats", err)
	}

	return stats, nil
}
