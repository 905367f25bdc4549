/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/airwave/internal/apperr"
	"github.com/friendsincode/airwave/internal/models"
)

// CreateWebhookTarget registers an owner webhook.
func (s *Store) CreateWebhookTarget(ctx context.Context, t *models.WebhookTarget) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return apperr.Store("create webhook target", err)
	}
	return nil
}

// ListWebhookTargets lists an owner's webhooks.
func (s *Store) ListWebhookTargets(ctx context.Context, ownerID string) ([]models.WebhookTarget, error) {
	var out []models.WebhookTarget
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, apperr.Store("list webhook targets", err)
	}
	return out, nil
}

// DeleteWebhookTarget removes an owner's webhook.
func (s *Store) DeleteWebhookTarget(ctx context.Context, id, ownerID string) error {
	res := s.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).Delete(&models.WebhookTarget{})
	if res.Error != nil {
		return apperr.Store("delete webhook target", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("webhook", id)
	}
	return nil
}

// WebhookTargetsFor returns the owner's active targets subscribed to event. Targets may list
// full event types (broadcast.started) or bare actions (started); an empty Events field
// subscribes to everything.
func (s *Store) WebhookTargetsFor(ctx context.Context, ownerID, event string) ([]models.WebhookTarget, error) {
	var all []models.WebhookTarget
	if err := s.db.WithContext(ctx).Where("owner_id = ? AND active = ?", ownerID, true).Find(&all).Error; err != nil {
		return nil, apperr.Store("webhook targets", err)
	}
	out := all[:0]
	for _, t := range all {
		if subscribed(t.Events, event) {
			out = append(out, t)
		}
	}
	return out, nil
}

func subscribed(events, event string) bool {
	if strings.TrimSpace(events) == "" {
		return true
	}
	action := event
	if i := strings.LastIndexByte(event, '.'); i >= 0 {
		action = event[i+1:]
	}
	for _, e := range strings.Split(events, ",") {
		if e = strings.TrimSpace(e); e == event || e == action || e == "*" {
			return true
		}
	}
	return false
}

// LogWebhookDelivery records one delivery attempt.
func (s *Store) LogWebhookDelivery(ctx context.Context, l *models.WebhookLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(l).Error; err != nil {
		return apperr.Store("log webhook delivery", err)
	}
	return nil
}

// PruneWebhookLogs deletes delivery logs created before cutoff and returns how many were removed.
func (s *Store) PruneWebhookLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.WebhookLog{})
	if res.Error != nil {
		return 0, apperr.Store("prune webhook logs", res.Error)
	}
	return res.RowsAffected, nil
}

// GetWebhookTarget loads a webhook by id.
func (s *Store) GetWebhookTarget(ctx context.Context, id string) (*models.WebhookTarget, error) {
	var t models.WebhookTarget
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "webhook", id, "get webhook target")
	}
	return &t, nil
}

// UpdateWebhookTarget applies column updates to a webhook.
func (s *Store) UpdateWebhookTarget(ctx context.Context, id string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&models.WebhookTarget{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return apperr.Store("update webhook target", err)
	}
	return nil
}

// ListWebhookLogs returns the most recent delivery attempts for a target.
func (s *Store) ListWebhookLogs(ctx context.Context, targetID string, limit int) ([]models.WebhookLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.WebhookLog
	if err := s.db.WithContext(ctx).Where("target_id = ?", targetID).Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, apperr.Store("list webhook logs", err)
	}
	return out, nil
}
