/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/airwave/internal/auth"
	"github.com/friendsincode/airwave/internal/scheduler"
)

func (a *API) handleBroadcastsList(w http.ResponseWriter, r *http.Request) {
	list, err := a.scheduler.ListBroadcasts(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleBroadcastsUpcoming(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 10)
	list, err := a.scheduler.UpcomingBroadcasts(r.Context(), auth.UserID(r.Context()), limit)
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleBroadcastsCreate(w http.ResponseWriter, r *http.Request) {
	var req scheduler.ScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeAppError(w, err)
		return
	}
	b, err := a.scheduler.ScheduleBroadcast(r.Context(), auth.UserID(r.Context()), req)
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (a *API) handleBroadcastsGet(w http.ResponseWriter, r *http.Request) {
	details, err := a.scheduler.BroadcastDetails(r.Context(), chi.URLParam(r, "broadcastID"), auth.UserID(r.Context()))
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (a *API) handleBroadcastsCancel(w http.ResponseWriter, r *http.Request) {
	b, err := a.scheduler.CancelBroadcast(r.Context(), chi.URLParam(r, "broadcastID"), auth.UserID(r.Context()))
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) handleBroadcastsDuplicate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScheduledAt time.Time `json:"scheduled_at"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeAppError(w, err)
		return
	}
	b, err := a.scheduler.DuplicateBroadcast(r.Context(), chi.URLParam(r, "broadcastID"), auth.UserID(r.Context()), req.ScheduledAt)
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}
