/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/airwave/internal/apperr"
	"github.com/friendsincode/airwave/internal/models"
)

// CreateUser inserts a user, assigning an id when missing.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return apperr.Store("create user", err)
	}
	return nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "user", id, "get user")
	}
	return &u, nil
}

// GetUserByEmail loads a user by email, case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "email = ?", email).Error; err != nil {
		return nil, notFound(err, "user", email, "get user by email")
	}
	return &u, nil
}

// CreateAPIKey inserts an API key row.
func (s *Store) CreateAPIKey(ctx context.Context, k *models.APIKey) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(k).Error; err != nil {
		return apperr.Store("create api key", err)
	}
	return nil
}

// GetAPIKeyByHash loads an API key with its user by the sha256 of the raw key.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	var k models.APIKey
	if err := s.db.WithContext(ctx).Preload("User").First(&k, "key_hash = ?", hash).Error; err != nil {
		return nil, notFound(err, "api key", "", "get api key")
	}
	return &k, nil
}

// TouchAPIKey records the last use of a key.
func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	if err := s.db.WithContext(ctx).Model(&models.APIKey{}).Where("id = ?", id).Update("last_used_at", at).Error; err != nil {
		return apperr.Store("touch api key", err)
	}
	return nil
}

// CreateMedia registers a media item.
func (s *Store) CreateMedia(ctx context.Context, m *models.MediaItem) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return apperr.Store("create media", err)
	}
	return nil
}

// GetMedia loads a media item by id.
func (s *Store) GetMedia(ctx context.Context, id string) (*models.MediaItem, error) {
	var m models.MediaItem
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "media", id, "get media")
	}
	return &m, nil
}

// GetOwnedMedia loads a media item and fails with ErrNotFound when ownerID does not own it.
func (s *Store) GetOwnedMedia(ctx context.Context, id, ownerID string) (*models.MediaItem, error) {
	var m models.MediaItem
	if err := s.db.WithContext(ctx).First(&m, "id = ? AND owner_id = ?", id, ownerID).Error; err != nil {
		return nil, notFound(err, "media", id, "get owned media")
	}
	return &m, nil
}

// ListMedia lists an owner's media, newest first.
func (s *Store) ListMedia(ctx context.Context, ownerID string) ([]models.MediaItem, error) {
	var items []models.MediaItem
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&items).Error; err != nil {
		return nil, apperr.Store("list media", err)
	}
	return items, nil
}

// UpdateMedia saves the editable fields of an owned media item.
func (s *Store) UpdateMedia(ctx context.Context, m *models.MediaItem) error {
	res := s.db.WithContext(ctx).Model(&models.MediaItem{}).
		Where("id = ? AND owner_id = ?", m.ID, m.OwnerID).
		Updates(map[string]any{
			"title":            m.Title,
			"duration_seconds": m.DurationSeconds,
			"storage_key":      m.StorageKey,
		})
	if res.Error != nil {
		return apperr.Store("update media", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("media", m.ID)
	}
	return nil
}

// DeleteMedia removes an owned media item that no pending broadcast or playlist references.
func (s *Store) DeleteMedia(ctx context.Context, id, ownerID string) (*models.MediaItem, error) {
	m, err := s.GetOwnedMedia(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx)
	var refs int64
	if err := db.Model(&models.ScheduledBroadcast{}).
		Where("media_id = ? AND status IN ?", id, []models.BroadcastStatus{models.BroadcastScheduled, models.BroadcastStreaming}).
		Count(&refs).Error; err != nil {
		return nil, apperr.Store("count media references", err)
	}
	if refs == 0 {
		if err := db.Model(&models.PlaylistItem{}).Where("media_id = ?", id).Count(&refs).Error; err != nil {
			return nil, apperr.Store("count media references", err)
		}
	}
	if refs > 0 {
		return nil, apperr.Validation("media %s is still scheduled or in a playlist", id)
	}

	if err := db.Delete(&models.MediaItem{}, "id = ?", id).Error; err != nil {
		return nil, apperr.Store("delete media", err)
	}
	return m, nil
}
