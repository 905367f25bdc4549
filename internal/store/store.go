/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package store is the gorm-backed persistence layer for broadcasts, channels and accounts.
package store

import (
	"errors"

	"gorm.io/gorm"

	"github.com/friendsincode/airwave/internal/apperr"
)

// Store wraps a gorm connection. It is safe for concurrent use.
type Store struct {
	db *gorm.DB
}

// New creates a store over an opened and migrated database.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for health checks.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// notFound maps a missing row to apperr.ErrNotFound and anything else to apperr.ErrStore.
func notFound(err error, entity, id, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(entity, id)
	}
	return apperr.Store(op, err)
}
