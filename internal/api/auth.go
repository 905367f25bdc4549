/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/friendsincode/airwave/internal/apperr"
	"github.com/friendsincode/airwave/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	UserID      string `json:"user_id"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "credentials_required")
		return
	}

	user, err := a.store.GetUserByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
			return
		}
		a.writeAppError(w, err)
		return
	}
	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil || user.Suspended {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}

	token, err := auth.Issue(a.jwtSecret, auth.Claims{UserID: user.ID, Email: user.Email}, a.tokenTTL)
	if err != nil {
		a.logger.Error().Err(err).Msg("token issue failed")
		writeError(w, http.StatusInternalServerError, "token_issue_failed")
		return
	}
	a.logger.Info().Str("user_id", user.ID).Msg("user logged in")

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		ExpiresIn:   int64(a.tokenTTL.Seconds()),
		UserID:      user.ID,
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := a.store.GetUser(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
