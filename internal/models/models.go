/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// User represents an authenticated account that owns media, broadcasts and channels.
type User struct {
	ID           string `gorm:"type:varchar(36);primaryKey" json:"id"`
	Email        string `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"type:varchar(255)" json:"-"`
	DisplayName  string `gorm:"type:varchar(128)" json:"display_name"`
	Suspended    bool   `gorm:"not null" json:"suspended"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MediaItem is a stored recording that can be broadcast or placed in a channel playlist.
// StorageKey is resolved to a playable URL by the media locator.
type MediaItem struct {
	ID              string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID         string    `gorm:"type:varchar(36);index;not null" json:"owner_id"`
	Title           string    `gorm:"type:varchar(255);not null" json:"title"`
	StorageKey      string    `gorm:"type:varchar(512);not null" json:"storage_key"`
	ContentType     string    `gorm:"type:varchar(64)" json:"content_type,omitempty"`
	SizeBytes       int64     `json:"size_bytes"`
	DurationSeconds int       `gorm:"not null" json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (MediaItem) TableName() string {
	return "media_items"
}

// OverlayType enumerates overlay kinds drawn onto the outgoing video.
type OverlayType string

const (
	OverlayImage OverlayType = "image"
	OverlayText  OverlayType = "text"
)

// Overlay describes a graphic or text layer burned into the broadcast.
type Overlay struct {
	Type     OverlayType `json:"type"`
	Source   string      `json:"source,omitempty"` // image path or URL
	Text     string      `json:"text,omitempty"`
	Position string      `json:"position,omitempty"` // top-left, top-right, bottom-left, bottom-right, center
	X        int         `json:"x,omitempty"`
	Y        int         `json:"y,omitempty"`
	Opacity  float64     `json:"opacity,omitempty"` // in (0, 1]; 0 means unset and renders opaque
	FontSize int         `json:"font_size,omitempty"`
	Color    string      `json:"color,omitempty"`
}
