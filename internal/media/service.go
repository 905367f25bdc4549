/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package media stores recordings and resolves media references to playable URLs.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/airwave/internal/apperr"
	"github.com/friendsincode/airwave/internal/cache"
	"github.com/friendsincode/airwave/internal/config"
	"github.com/friendsincode/airwave/internal/events"
	"github.com/friendsincode/airwave/internal/logging"
	"github.com/friendsincode/airwave/internal/models"
)

// Storage abstracts where recordings live.
type Storage interface {
	Store(ctx context.Context, ownerID, mediaID, extension string, file io.Reader) (string, error)
	Delete(ctx context.Context, key string) error
	// PlayableURL returns a URL or path ffmpeg can read, and how long it stays valid (0 = forever).
	PlayableURL(ctx context.Context, key string) (string, time.Duration, error)
	CheckAccess(ctx context.Context) error
}

// Lookup loads media records. The persistence store implements it.
type Lookup interface {
	GetMedia(ctx context.Context, id string) (*models.MediaItem, error)
}

// Service is the media locator: it resolves media ids to playable URLs.
type Service struct {
	storage Storage
	lookup  Lookup
	cache   *cache.Cache
	logger  zerolog.Logger
}

// NewService creates a media service using filesystem or S3 storage based on config.
func NewService(cfg *config.Config, lookup Lookup, c *cache.Cache, logger zerolog.Logger) (*Service, error) {
	logger = logging.Component(logger, "media")

	var storage Storage
	if cfg.S3Bucket != "" {
		s3cfg := S3Config{
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			Endpoint:        cfg.S3Endpoint,
			UsePathStyle:    cfg.S3UsePathStyle,
			PresignTTL:      cfg.PresignTTL,
		}
		if s3cfg.AccessKeyID == "" || s3cfg.SecretAccessKey == "" {
			logger.Warn().Msg("S3 credentials not configured, falling back to the default AWS credential chain")
		}

		s3Storage, err := NewS3Storage(context.Background(), s3cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
		}
		storage = s3Storage
	} else {
		storage = NewFilesystemStorage(cfg.MediaRoot, logger)
	}

	return NewServiceWithStorage(storage, lookup, c, logger), nil
}

// NewServiceWithStorage wires an explicit storage backend.
func NewServiceWithStorage(storage Storage, lookup Lookup, c *cache.Cache, logger zerolog.Logger) *Service {
	return &Service{storage: storage, lookup: lookup, cache: c, logger: logger}
}

// Resolve turns a media id into a URL the transport can read.
// It fails with apperr.ErrNotFound for unknown media and apperr.ErrUnavailable when storage cannot answer.
func (s *Service) Resolve(ctx context.Context, mediaID string) (string, error) {
	if url, ok := s.cache.GetMediaURL(ctx, mediaID); ok {
		return url, nil
	}

	item, err := s.lookupMedia(ctx, mediaID)
	if err != nil {
		return "", err
	}

	if isRemote(item.StorageKey) {
		_ = s.cache.SetMediaURL(ctx, mediaID, item.StorageKey, 0)
		return item.StorageKey, nil
	}

	url, validFor, err := s.storage.PlayableURL(ctx, item.StorageKey)
	if err != nil {
		s.logger.Warn().Err(err).Str("media_id", mediaID).Str("storage_key", item.StorageKey).Msg("media resolve failed")
		if errors.Is(err, apperr.ErrNotFound) {
			return "", err
		}
		return "", apperr.Unavailable("media storage", err)
	}

	// Leave headroom so a cached presigned URL still works for the whole broadcast.
	_ = s.cache.SetMediaURL(ctx, mediaID, url, validFor/2)
	return url, nil
}

func (s *Service) lookupMedia(ctx context.Context, mediaID string) (*cache.CachedMediaItem, error) {
	if item, ok := s.cache.GetMediaItem(ctx, mediaID); ok {
		return item, nil
	}
	if s.lookup == nil {
		return nil, apperr.NotFound("media", mediaID)
	}
	m, err := s.lookup.GetMedia(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	item := &cache.CachedMediaItem{
		ID:              m.ID,
		OwnerID:         m.OwnerID,
		Title:           m.Title,
		StorageKey:      m.StorageKey,
		DurationSeconds: m.DurationSeconds,
	}
	_ = s.cache.SetMediaItem(ctx, item)
	return item, nil
}

// Store saves an uploaded file and returns the storage key.
func (s *Service) Store(ctx context.Context, ownerID, mediaID, filename string, file io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".mp4"
	}
	key, err := s.storage.Store(ctx, ownerID, mediaID, ext, file)
	if err != nil {
		s.logger.Error().Err(err).
			Str("owner_id", ownerID).
			Str("media_id", mediaID).
			Msg("media store failed")
		return "", fmt.Errorf("store media: %w", err)
	}

	s.logger.Info().
		Str("owner_id", ownerID).
		Str("media_id", mediaID).
		Str("storage_key", key).
		Msg("media stored successfully")

	return key, nil
}

// Delete removes a media file from storage and drops cached lookups.
func (s *Service) Delete(ctx context.Context, mediaID, key string) error {
	_ = s.cache.InvalidateMedia(ctx, mediaID)
	if isRemote(key) {
		return nil
	}
	if err := s.storage.Delete(ctx, key); err != nil {
		s.logger.Error().Err(err).Str("storage_key", key).Msg("media delete failed")
		return fmt.Errorf("delete media: %w", err)
	}
	return nil
}

// CheckStorageAccess verifies that the storage backend is accessible.
func (s *Service) CheckStorageAccess(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.storage.CheckAccess(ctx)
}

// WatchInvalidations drops cached lookups when any replica reports a media change.
// It returns when ctx ends.
func (s *Service) WatchInvalidations(ctx context.Context, bus events.Broker) {
	updated := bus.Subscribe(events.EventMediaUpdated)
	deleted := bus.Subscribe(events.EventMediaDeleted)
	defer func() {
		bus.Unsubscribe(events.EventMediaUpdated, updated)
		bus.Unsubscribe(events.EventMediaDeleted, deleted)
	}()

	for {
		var p events.Payload
		var ok bool
		select {
		case <-ctx.Done():
			return
		case p, ok = <-updated:
		case p, ok = <-deleted:
		}
		if !ok {
			return
		}
		if id := p.String(events.KeyEntityID); id != "" {
			_ = s.cache.InvalidateMedia(ctx, id)
			s.logger.Debug().Str("media_id", id).Msg("media cache invalidated")
		}
	}
}

// isRemote reports storage keys that already are network URLs.
func isRemote(key string) bool {
	for _, scheme := range []string{"http://", "https://", "rtmp://", "rtmps://", "srt://"} {
		if strings.HasPrefix(strings.ToLower(key), scheme) {
			return true
		}
	}
	return false
}

// buildMediaPath constructs a hierarchical storage path for a media file.
func buildMediaPath(ownerID, mediaID, extension string) string {
	// Structure: owner_id/media_id[0:2]/media_id[2:4]/media_id.ext
	if len(mediaID) < 4 {
		return filepath.ToSlash(filepath.Join(ownerID, mediaID+extension))
	}
	return filepath.ToSlash(filepath.Join(ownerID, mediaID[0:2], mediaID[2:4], mediaID+extension))
}
