/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/airwave/internal/apperr"
)

// FilesystemStorage implements Storage using the local filesystem.
type FilesystemStorage struct {
	rootDir string
	logger  zerolog.Logger
}

// NewFilesystemStorage creates a filesystem-based storage backend.
func NewFilesystemStorage(rootDir string, logger zerolog.Logger) *FilesystemStorage {
	return &FilesystemStorage{
		rootDir: rootDir,
		logger:  logger,
	}
}

// Store saves a file to the local filesystem and returns its key relative to the root.
func (s *FilesystemStorage) Store(ctx context.Context, ownerID, mediaID, extension string, file io.Reader) (string, error) {
	relativePath := buildMediaPath(ownerID, mediaID, extension)
	fullPath, err := s.resolve(relativePath)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("create directories: %w", err)
	}

	dest, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer dest.Close()

	if _, err := io.Copy(dest, file); err != nil {
		os.Remove(fullPath) // Clean up on failure
		return "", fmt.Errorf("write file: %w", err)
	}

	s.logger.Debug().
		Str("path", fullPath).
		Str("owner_id", ownerID).
		Str("media_id", mediaID).
		Msg("filesystem storage: file stored")

	return relativePath, nil
}

// Delete removes a file from the filesystem.
func (s *FilesystemStorage) Delete(ctx context.Context, key string) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}

	s.logger.Debug().Str("path", fullPath).Msg("filesystem storage: file deleted")
	return nil
}

// PlayableURL returns the absolute path of the file; ffmpeg reads it directly.
func (s *FilesystemStorage) PlayableURL(ctx context.Context, key string) (string, time.Duration, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return "", 0, err
	}
	info, err := os.Stat(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return "", 0, apperr.NotFound("media file", key)
	}
	if err != nil {
		return "", 0, err
	}
	if info.IsDir() {
		return "", 0, apperr.NotFound("media file", key)
	}
	abs, err := filepath.Abs(fullPath)
	if err != nil {
		return "", 0, err
	}
	return abs, 0, nil
}

// CheckAccess verifies the storage directory exists and is accessible.
func (s *FilesystemStorage) CheckAccess(ctx context.Context) error {
	info, err := os.Stat(s.rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("media root directory does not exist: %s", s.rootDir)
		}
		return fmt.Errorf("cannot access media root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("media root is not a directory: %s", s.rootDir)
	}
	return nil
}

// resolve joins key onto the root and refuses keys that escape it.
func (s *FilesystemStorage) resolve(key string) (string, error) {
	if filepath.IsAbs(key) {
		return "", apperr.Validation("storage key must be relative: %s", key)
	}
	fullPath := filepath.Join(s.rootDir, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.rootDir, fullPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperr.Validation("storage key escapes media root: %s", key)
	}
	return fullPath, nil
}
