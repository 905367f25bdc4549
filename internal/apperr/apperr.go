/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package apperr defines the error kinds shared by the engine, the store and the API.
package apperr

import (
	"errors"
	"fmt"
)

// Error kinds. Callers discriminate with errors.Is.
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden")
	ErrLaunch      = errors.New("launch error")
	ErrStore       = errors.New("store error")
	ErrTerminal    = errors.New("abnormal process exit")
	ErrUnavailable = errors.New("unavailable")

	ErrEmptyPlaylist   = fmt.Errorf("%w: empty playlist", ErrValidation)
	ErrInvalidSchedule = fmt.Errorf("%w: scheduled time must be in the future", ErrValidation)
)

// Validation returns an ErrValidation with a formatted reason.
func Validation(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

// NotFound returns an ErrNotFound naming the missing entity.
func NotFound(entity, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, entity, id)
}

// Forbidden returns an ErrForbidden naming the entity the caller does not own.
func Forbidden(entity, id string) error {
	return fmt.Errorf("%w: %s %s", ErrForbidden, entity, id)
}

// Launch wraps a transport start failure.
func Launch(err error) error {
	return fmt.Errorf("%w: %v", ErrLaunch, err)
}

// Store wraps a persistence failure, keeping the cause reachable.
func Store(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

// Terminal reports a process that exited with a non-zero code.
func Terminal(code int) error {
	return fmt.Errorf("%w: exit code %d", ErrTerminal, code)
}

// Unavailable wraps a collaborator outage.
func Unavailable(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, what, err)
}

// Code returns a short machine readable code for an error, used in API envelopes.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrEmptyPlaylist):
		return "empty_playlist"
	case errors.Is(err, ErrInvalidSchedule):
		return "invalid_schedule"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrLaunch):
		return "launch_error"
	case errors.Is(err, ErrStore):
		return "store_error"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrTerminal):
		return "terminal_error"
	default:
		return "internal_error"
	}
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
