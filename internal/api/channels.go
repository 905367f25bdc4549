/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/airwave/internal/auth"
	"github.com/friendsincode/airwave/internal/scheduler"
)

func (a *API) handleChannelsList(w http.ResponseWriter, r *http.Request) {
	list, err := a.scheduler.ListChannels(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleChannelsCreate(w http.ResponseWriter, r *http.Request) {
	var req scheduler.ChannelRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeAppError(w, err)
		return
	}
	ch, err := a.scheduler.CreateChannel(r.Context(), auth.UserID(r.Context()), req)
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (a *API) handleChannelsGet(w http.ResponseWriter, r *http.Request) {
	details, err := a.scheduler.ChannelDetails(r.Context(), chi.URLParam(r, "channelID"), auth.UserID(r.Context()))
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (a *API) handleChannelsStart(w http.ResponseWriter, r *http.Request) {
	ch, err := a.scheduler.StartChannel(r.Context(), chi.URLParam(r, "channelID"), auth.UserID(r.Context()))
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (a *API) handleChannelsStop(w http.ResponseWriter, r *http.Request) {
	ch, err := a.scheduler.StopChannel(r.Context(), chi.URLParam(r, "channelID"), auth.UserID(r.Context()))
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// handleChannelsPlaylist replaces the whole playlist with {"playlist": [...]}.
func (a *API) handleChannelsPlaylist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Playlist []scheduler.PlaylistEntry `json:"playlist"`
	}
	if err := decodeJSON(r, &req); err != nil {
		a.writeAppError(w, err)
		return
	}
	ch, err := a.scheduler.ReplaceChannelPlaylist(r.Context(), chi.URLParam(r, "channelID"), auth.UserID(r.Context()), req.Playlist)
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}
