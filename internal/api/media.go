/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/friendsincode/airwave/internal/apperr"
	"github.com/friendsincode/airwave/internal/auth"
	"github.com/friendsincode/airwave/internal/events"
	"github.com/friendsincode/airwave/internal/models"
)

type mediaRequest struct {
	Title           string `json:"title"`
	StorageKey      string `json:"storage_key"`
	DurationSeconds int    `json:"duration_seconds"`
	ContentType     string `json:"content_type"`
}

func (a *API) handleMediaList(w http.ResponseWriter, r *http.Request) {
	items, err := a.store.ListMedia(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleMediaRegister records media that already lives at a storage key or remote URL.
func (a *API) handleMediaRegister(w http.ResponseWriter, r *http.Request) {
	var req mediaRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeAppError(w, err)
		return
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.StorageKey) == "" {
		writeError(w, http.StatusBadRequest, "title_and_storage_key_required")
		return
	}
	if req.DurationSeconds < 0 {
		writeError(w, http.StatusBadRequest, "invalid_duration")
		return
	}

	item := &models.MediaItem{
		ID:              uuid.NewString(),
		OwnerID:         auth.UserID(r.Context()),
		Title:           strings.TrimSpace(req.Title),
		StorageKey:      strings.TrimSpace(req.StorageKey),
		ContentType:     req.ContentType,
		DurationSeconds: req.DurationSeconds,
	}
	if err := a.store.CreateMedia(r.Context(), item); err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (a *API) handleMediaUpload(w http.ResponseWriter, r *http.Request) {
	if a.media == nil {
		writeError(w, http.StatusServiceUnavailable, "media_storage_unavailable")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, "file_too_large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_multipart")
		return
	}
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file_required")
		return
	}
	defer file.Close()

	duration := 0
	if raw := r.FormValue("duration_seconds"); raw != "" {
		duration, err = strconv.Atoi(raw)
		if err != nil || duration < 0 {
			writeError(w, http.StatusBadRequest, "invalid_duration")
			return
		}
	}
	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		title = strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	}

	ownerID := auth.UserID(r.Context())
	item := &models.MediaItem{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		Title:           title,
		ContentType:     header.Header.Get("Content-Type"),
		SizeBytes:       header.Size,
		DurationSeconds: duration,
	}

	key, err := a.media.Store(r.Context(), ownerID, item.ID, header.Filename, file)
	if err != nil {
		a.logger.Error().Err(err).Str("media_id", item.ID).Msg("media upload failed")
		writeError(w, http.StatusInternalServerError, "media_store_failed")
		return
	}
	item.StorageKey = key

	if err := a.store.CreateMedia(r.Context(), item); err != nil {
		if delErr := a.media.Delete(r.Context(), item.ID, key); delErr != nil {
			a.logger.Warn().Err(delErr).Str("media_id", item.ID).Msg("orphaned media file")
		}
		a.writeAppError(w, err)
		return
	}

	a.logger.Info().Str("media_id", item.ID).Int64("size", item.SizeBytes).Msg("media uploaded")
	writeJSON(w, http.StatusCreated, item)
}

func (a *API) handleMediaGet(w http.ResponseWriter, r *http.Request) {
	item, err := a.store.GetOwnedMedia(r.Context(), chi.URLParam(r, "mediaID"), auth.UserID(r.Context()))
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *API) handleMediaUpdate(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.UserID(r.Context())
	item, err := a.store.GetOwnedMedia(r.Context(), chi.URLParam(r, "mediaID"), ownerID)
	if err != nil {
		a.writeAppError(w, err)
		return
	}

	var req struct {
		Title           *string `json:"title"`
		DurationSeconds *int    `json:"duration_seconds"`
		StorageKey      *string `json:"storage_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeAppError(w, err)
		return
	}
	if req.Title != nil {
		if strings.TrimSpace(*req.Title) == "" {
			writeError(w, http.StatusBadRequest, "title_required")
			return
		}
		item.Title = strings.TrimSpace(*req.Title)
	}
	if req.DurationSeconds != nil {
		if *req.DurationSeconds < 0 {
			writeError(w, http.StatusBadRequest, "invalid_duration")
			return
		}
		item.DurationSeconds = *req.DurationSeconds
	}
	if req.StorageKey != nil && strings.TrimSpace(*req.StorageKey) != "" {
		item.StorageKey = strings.TrimSpace(*req.StorageKey)
	}

	if err := a.store.UpdateMedia(r.Context(), item); err != nil {
		a.writeAppError(w, err)
		return
	}
	a.bus.Publish(events.EventMediaUpdated, events.Notification(events.EventMediaUpdated, item.ID, ownerID, nil))
	writeJSON(w, http.StatusOK, item)
}

func (a *API) handleMediaDelete(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.UserID(r.Context())
	item, err := a.store.DeleteMedia(r.Context(), chi.URLParam(r, "mediaID"), ownerID)
	if err != nil {
		if errors.Is(err, apperr.ErrValidation) {
			writeError(w, http.StatusConflict, "media_in_use")
			return
		}
		a.writeAppError(w, err)
		return
	}
	if a.media != nil {
		if err := a.media.Delete(r.Context(), item.ID, item.StorageKey); err != nil {
			a.logger.Warn().Err(err).Str("media_id", item.ID).Msg("media file delete failed")
		}
	}
	a.bus.Publish(events.EventMediaDeleted, events.Notification(events.EventMediaDeleted, item.ID, ownerID, nil))
	w.WriteHeader(http.StatusNoContent)
}
