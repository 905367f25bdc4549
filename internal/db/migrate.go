/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"github.com/friendsincode/airwave/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		// Accounts
		&models.User{},
		&models.APIKey{},

		// Media and programming
		&models.MediaItem{},
		&models.ScheduledBroadcast{},
		&models.Channel{},
		&models.PlaylistItem{},

		// Notifications
		&models.WebhookTarget{},
		&models.WebhookLog{},
	); err != nil {
		return err
	}

	return normalizeLegacyStatuses(database)
}

// normalizeLegacyStatuses folds upper-case or legacy status spellings into the canonical values.
func normalizeLegacyStatuses(database *gorm.DB) error {
	renames := map[string]models.BroadcastStatus{
		"SCHEDULED": models.BroadcastScheduled,
		"STREAMING": models.BroadcastStreaming,
		"COMPLETED": models.BroadcastCompleted,
		"FAILED":    models.BroadcastFailed,
		"CANCELLED": models.BroadcastCancelled,
		"canceled":  models.BroadcastCancelled,
	}
	for from, to := range renames {
		if err := database.Model(&models.ScheduledBroadcast{}).
			Where("status = ?", from).
			Update("status", to).Error; err != nil {
			return fmt.Errorf("normalize broadcast status %s: %w", from, err)
		}
	}
	return nil
}
