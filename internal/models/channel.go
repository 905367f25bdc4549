/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// Channel is an always-on output that cycles through an ordered playlist.
// CurrentIndex is only meaningful while Active is true.
type Channel struct {
	ID           string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	OwnerID      string         `gorm:"type:varchar(36);index;not null" json:"owner_id"`
	Name         string         `gorm:"type:varchar(255);not null" json:"name"`
	Description  string         `gorm:"type:text" json:"description,omitempty"`
	StreamKey    string         `gorm:"type:varchar(128);not null" json:"stream_key"`
	Active       bool           `gorm:"index;not null" json:"active"`
	Loop         bool           `gorm:"not null" json:"loop"`
	Multistream  bool           `gorm:"not null" json:"multistream"`
	Overlays     []Overlay      `gorm:"serializer:json" json:"overlays"`
	CurrentIndex int            `gorm:"not null" json:"current_index"`
	Playlist     []PlaylistItem `gorm:"foreignKey:ChannelID" json:"playlist,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Channel) TableName() string {
	return "channels"
}

// PlaylistItem is one entry of a channel playlist. OrderIndex is dense and zero based.
type PlaylistItem struct {
	ID              string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	ChannelID       string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_playlist_channel_order" json:"channel_id"`
	MediaID         string    `gorm:"type:varchar(36);not null" json:"media_id"`
	Title           string    `gorm:"type:varchar(255)" json:"title"`
	OrderIndex      int       `gorm:"not null;uniqueIndex:idx_playlist_channel_order" json:"order_index"`
	DurationSeconds int       `gorm:"not null" json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

// TableName returns the table name for GORM.
func (PlaylistItem) TableName() string {
	return "playlist_items"
}

// TotalDuration sums the durations of the playlist.
func (c *Channel) TotalDuration() int {
	total := 0
	for _, item := range c.Playlist {
		total += item.DurationSeconds
	}
	return total
}
