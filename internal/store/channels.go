/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/friendsincode/airwave/internal/apperr"
	"github.com/friendsincode/airwave/internal/models"
)

func orderedPlaylist(db *gorm.DB) *gorm.DB {
	return db.Order("order_index ASC")
}

// CreateChannel inserts a channel together with its playlist. Item order follows the slice.
func (s *Store) CreateChannel(ctx context.Context, ch *models.Channel) error {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	normalizePlaylist(ch.ID, ch.Playlist)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items := ch.Playlist
		ch.Playlist = nil
		defer func() { ch.Playlist = items }()

		if err := tx.Create(ch).Error; err != nil {
			return err
		}
		if len(items) > 0 {
			return tx.Create(&items).Error
		}
		return nil
	})
	if err != nil {
		return apperr.Store("create channel", err)
	}
	return nil
}

// GetChannel loads a channel with its ordered playlist.
func (s *Store) GetChannel(ctx context.Context, id string) (*models.Channel, error) {
	var ch models.Channel
	if err := s.db.WithContext(ctx).Preload("Playlist", orderedPlaylist).First(&ch, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "channel", id, "get channel")
	}
	return &ch, nil
}

// ListChannels lists an owner's channels with playlists, newest first.
func (s *Store) ListChannels(ctx context.Context, ownerID string) ([]models.Channel, error) {
	var out []models.Channel
	if err := s.db.WithContext(ctx).
		Preload("Playlist", orderedPlaylist).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, apperr.Store("list channels", err)
	}
	return out, nil
}

// LoadActiveChannels returns every channel marked active, with playlists.
func (s *Store) LoadActiveChannels(ctx context.Context) ([]models.Channel, error) {
	var out []models.Channel
	if err := s.db.WithContext(ctx).
		Preload("Playlist", orderedPlaylist).
		Where("active = ?", true).
		Find(&out).Error; err != nil {
		return nil, apperr.Store("load active channels", err)
	}
	return out, nil
}

// LoadChannelPlaylist returns a channel's playlist in play order.
func (s *Store) LoadChannelPlaylist(ctx context.Context, channelID string) ([]models.PlaylistItem, error) {
	var items []models.PlaylistItem
	if err := orderedPlaylist(s.db.WithContext(ctx)).Where("channel_id = ?", channelID).Find(&items).Error; err != nil {
		return nil, apperr.Store("load channel playlist", err)
	}
	return items, nil
}

// SaveChannelState persists the active flag and playlist cursor.
func (s *Store) SaveChannelState(ctx context.Context, id string, active bool, currentIndex int) error {
	err := s.db.WithContext(ctx).
		Model(&models.Channel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"active":        active,
			"current_index": currentIndex,
			"updated_at":    time.Now().UTC(),
		}).Error
	if err != nil {
		return apperr.Store("save channel state", err)
	}
	return nil
}

// ReplacePlaylist atomically swaps a channel's playlist for items, renumbering them densely.
func (s *Store) ReplacePlaylist(ctx context.Context, channelID string, items []models.PlaylistItem) ([]models.PlaylistItem, error) {
	normalizePlaylist(channelID, items)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("channel_id = ?", channelID).Delete(&models.PlaylistItem{}).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		return tx.Create(&items).Error
	})
	if err != nil {
		return nil, apperr.Store("replace playlist", err)
	}
	return items, nil
}

// normalizePlaylist assigns ids, the owning channel and dense zero-based order.
func normalizePlaylist(channelID string, items []models.PlaylistItem) {
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.NewString()
		}
		items[i].ChannelID = channelID
		items[i].OrderIndex = i
	}
}
