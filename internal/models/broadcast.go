/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// BroadcastStatus tracks the lifecycle of a scheduled broadcast.
type BroadcastStatus string

const (
	BroadcastScheduled BroadcastStatus = "scheduled"
	BroadcastStreaming BroadcastStatus = "streaming"
	BroadcastCompleted BroadcastStatus = "completed"
	BroadcastFailed    BroadcastStatus = "failed"
	BroadcastCancelled BroadcastStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s BroadcastStatus) Terminal() bool {
	return s == BroadcastCompleted || s == BroadcastFailed || s == BroadcastCancelled
}

// FailureMissed marks a broadcast whose start time elapsed while no engine was running.
const FailureMissed = "missed"

// ScheduledBroadcast is a one-shot transmission of a media item at a fixed instant.
type ScheduledBroadcast struct {
	ID              string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID         string          `gorm:"type:varchar(36);index;not null" json:"owner_id"`
	MediaID         string          `gorm:"type:varchar(36);index;not null" json:"media_id"`
	Title           string          `gorm:"type:varchar(255);not null" json:"title"`
	Description     string          `gorm:"type:text" json:"description,omitempty"`
	ScheduledAt     time.Time       `gorm:"index;not null" json:"scheduled_at"`
	DurationSeconds int             `gorm:"not null" json:"duration_seconds"`
	StreamKey       string          `gorm:"type:varchar(128);not null" json:"stream_key"`
	Multistream     bool            `gorm:"not null" json:"multistream"`
	Overlays        []Overlay       `gorm:"serializer:json" json:"overlays"`
	Status          BroadcastStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	FailureReason   string          `gorm:"type:varchar(255)" json:"failure_reason,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (ScheduledBroadcast) TableName() string {
	return "scheduled_broadcasts"
}
