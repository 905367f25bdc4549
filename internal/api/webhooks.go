/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/airwave/internal/auth"
	"github.com/friendsincode/airwave/internal/models"
	"github.com/friendsincode/airwave/internal/webhooks"
)

// WebhookAPI handles webhook management endpoints.
type WebhookAPI struct {
	*API
	webhookSvc *webhooks.Service
}

// NewWebhookAPI creates a new webhook API handler.
func NewWebhookAPI(api *API, webhookSvc *webhooks.Service) *WebhookAPI {
	return &WebhookAPI{
		API:        api,
		webhookSvc: webhookSvc,
	}
}

// RegisterRoutes registers webhook API routes.
func (w *WebhookAPI) RegisterRoutes(r chi.Router) {
	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/", w.handleList)
		r.Post("/", w.handleCreate)
		r.Get("/{id}", w.handleGet)
		r.Put("/{id}", w.handleUpdate)
		r.Delete("/{id}", w.handleDelete)
		r.Post("/{id}/test", w.handleTest)
		r.Get("/{id}/logs", w.handleLogs)
	})
}

func (w *WebhookAPI) handleList(rw http.ResponseWriter, r *http.Request) {
	list, err := w.store.ListWebhookTargets(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		w.writeAppError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"webhooks": list})
}

func (w *WebhookAPI) handleCreate(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		URL    string `json:"url"`
		Events string `json:"events"` // comma-separated, e.g. started,failed or broadcast.completed
	}
	if err := decodeJSON(r, &req); err != nil {
		w.writeAppError(rw, err)
		return
	}
	if !validWebhookURL(req.URL) {
		writeError(rw, http.StatusBadRequest, "valid_url_required")
		return
	}

	target := models.NewWebhookTarget(auth.UserID(r.Context()), strings.TrimSpace(req.URL), normalizeEvents(req.Events))
	if err := w.store.CreateWebhookTarget(r.Context(), target); err != nil {
		w.writeAppError(rw, err)
		return
	}

	writeJSON(rw, http.StatusCreated, map[string]any{
		"webhook": target,
		"secret":  target.Secret, // only returned on create
	})
}

func (w *WebhookAPI) handleGet(rw http.ResponseWriter, r *http.Request) {
	target, ok := w.ownedTarget(rw, r)
	if !ok {
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"webhook": target})
}

func (w *WebhookAPI) handleUpdate(rw http.ResponseWriter, r *http.Request) {
	target, ok := w.ownedTarget(rw, r)
	if !ok {
		return
	}

	var req struct {
		URL    *string `json:"url"`
		Events *string `json:"events"`
		Active *bool   `json:"active"`
	}
	if err := decodeJSON(r, &req); err != nil {
		w.writeAppError(rw, err)
		return
	}

	updates := make(map[string]any)
	if req.URL != nil {
		if !validWebhookURL(*req.URL) {
			writeError(rw, http.StatusBadRequest, "valid_url_required")
			return
		}
		target.URL = strings.TrimSpace(*req.URL)
		updates["url"] = target.URL
	}
	if req.Events != nil {
		target.Events = normalizeEvents(*req.Events)
		updates["events"] = target.Events
	}
	if req.Active != nil {
		target.Active = *req.Active
		updates["active"] = target.Active
	}

	if err := w.store.UpdateWebhookTarget(r.Context(), target.ID, updates); err != nil {
		w.writeAppError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"webhook": target})
}

func (w *WebhookAPI) handleDelete(rw http.ResponseWriter, r *http.Request) {
	if err := w.store.DeleteWebhookTarget(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context())); err != nil {
		w.writeAppError(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *WebhookAPI) handleTest(rw http.ResponseWriter, r *http.Request) {
	target, ok := w.ownedTarget(rw, r)
	if !ok {
		return
	}
	if err := w.webhookSvc.TestWebhook(r.Context(), target); err != nil {
		w.logger.Warn().Err(err).Str("webhook_id", target.ID).Msg("test webhook failed")
		writeJSON(rw, http.StatusBadGateway, map[string]any{
			"error":   "delivery_failed",
			"message": err.Error(),
		})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"status": "delivered"})
}

func (w *WebhookAPI) handleLogs(rw http.ResponseWriter, r *http.Request) {
	target, ok := w.ownedTarget(rw, r)
	if !ok {
		return
	}
	logs, err := w.store.ListWebhookLogs(r.Context(), target.ID, parseLimit(r.URL.Query().Get("limit"), 50))
	if err != nil {
		w.writeAppError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"logs": logs})
}

// ownedTarget loads the webhook named in the path. Targets of other owners read as not found.
func (w *WebhookAPI) ownedTarget(rw http.ResponseWriter, r *http.Request) (*models.WebhookTarget, bool) {
	target, err := w.store.GetWebhookTarget(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		w.writeAppError(rw, err)
		return nil, false
	}
	if target.OwnerID != auth.UserID(r.Context()) {
		writeError(rw, http.StatusNotFound, "not_found")
		return nil, false
	}
	return target, true
}

func validWebhookURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func normalizeEvents(raw string) string {
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ",")
}
