/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the scheduling engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/airwave/internal/apperr"
	"github.com/friendsincode/airwave/internal/auth"
	"github.com/friendsincode/airwave/internal/events"
	"github.com/friendsincode/airwave/internal/logging"
	"github.com/friendsincode/airwave/internal/media"
	"github.com/friendsincode/airwave/internal/scheduler"
	"github.com/friendsincode/airwave/internal/store"
)

const defaultMaxUploadBytes = 2 << 30

// API exposes HTTP handlers.
type API struct {
	store          *store.Store
	scheduler      *scheduler.Coordinator
	media          *media.Service
	bus            events.Broker
	jwtSecret      []byte
	tokenTTL       time.Duration
	maxUploadBytes int64
	webhookAPI     *WebhookAPI
	logger         zerolog.Logger
}

// New creates the API router wrapper.
func New(st *store.Store, sched *scheduler.Coordinator, mediaSvc *media.Service, bus events.Broker, jwtSecret []byte, logger zerolog.Logger) *API {
	return &API{
		store:          st,
		scheduler:      sched,
		media:          mediaSvc,
		bus:            bus,
		jwtSecret:      jwtSecret,
		tokenTTL:       24 * time.Hour,
		maxUploadBytes: defaultMaxUploadBytes,
		logger:         logging.Component(logger, "api"),
	}
}

// SetMaxUploadBytes bounds multipart uploads. Non-positive values keep the default.
func (a *API) SetMaxUploadBytes(n int64) {
	if n > 0 {
		a.maxUploadBytes = n
	}
}

// SetWebhookAPI sets the webhook API handler.
func (a *API) SetWebhookAPI(webhookAPI *WebhookAPI) {
	a.webhookAPI = webhookAPI
}

// Routes mounts every endpoint under /api/v1.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(pr chi.Router) {
			pr.Use(a.authMiddleware())

			pr.Get("/auth/me", a.handleMe)
			pr.Get("/events", a.handleEvents)
			pr.Get("/stats", a.handleStats)

			pr.Route("/media", func(r chi.Router) {
				r.Get("/", a.handleMediaList)
				r.Post("/", a.handleMediaRegister)
				r.Post("/upload", a.handleMediaUpload)
				r.Get("/{mediaID}", a.handleMediaGet)
				r.Patch("/{mediaID}", a.handleMediaUpdate)
				r.Delete("/{mediaID}", a.handleMediaDelete)
			})

			pr.Route("/broadcasts", func(r chi.Router) {
				r.Get("/", a.handleBroadcastsList)
				r.Post("/", a.handleBroadcastsCreate)
				r.Get("/upcoming", a.handleBroadcastsUpcoming)
				r.Route("/{broadcastID}", func(r chi.Router) {
					r.Get("/", a.handleBroadcastsGet)
					r.Post("/cancel", a.handleBroadcastsCancel)
					r.Delete("/", a.handleBroadcastsCancel)
					r.Post("/duplicate", a.handleBroadcastsDuplicate)
				})
			})

			pr.Route("/channels", func(r chi.Router) {
				r.Get("/", a.handleChannelsList)
				r.Post("/", a.handleChannelsCreate)
				r.Route("/{channelID}", func(r chi.Router) {
					r.Get("/", a.handleChannelsGet)
					r.Post("/start", a.handleChannelsStart)
					r.Post("/stop", a.handleChannelsStop)
					r.Put("/playlist", a.handleChannelsPlaylist)
				})
			})

			if a.webhookAPI != nil {
				a.webhookAPI.RegisterRoutes(pr)
			}
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"scheduler": a.scheduler.Running(),
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.scheduler.Stats(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) authMiddleware() func(http.Handler) http.Handler {
	return auth.Middleware(a.store, a.jwtSecret)
}

// writeAppError maps an error kind to its HTTP status and writes the error envelope.
func (a *API) writeAppError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, apperr.ErrStore), errors.Is(err, apperr.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		a.logger.Error().Err(err).Msg("request failed")
	}
	if status == http.StatusBadRequest {
		writeJSON(w, status, map[string]string{"error": apperr.Code(err), "message": err.Error()})
		return
	}
	writeError(w, status, apperr.Code(err))
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return min(n, 100)
}

func parseEventTypes(raw string) []events.EventType {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]events.EventType, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		out = append(out, events.EventType(part))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
