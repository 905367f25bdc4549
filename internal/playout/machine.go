/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"time"

	"github.com/friendsincode/airwave/internal/models"
)

// State is the lifecycle position of a channel machine.
type State int

const (
	Stopped State = iota
	Starting
	Playing
	Advancing
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Playing:
		return "playing"
	case Advancing:
		return "advancing"
	default:
		return "stopped"
	}
}

// Status is a read-only view of one running channel.
type Status struct {
	ChannelID string    `json:"channel_id"`
	State     string    `json:"state"`
	Index     int       `json:"current_index"`
	MediaID   string    `json:"media_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Failures  int       `json:"consecutive_failures"`
}

// machine is the playout state of one active channel. It is only touched by the control loop.
type machine struct {
	channel  models.Channel
	playlist []models.PlaylistItem

	state State
	index int
	// clamped is set when a playlist replacement moved index to 0 while an item was playing,
	// so the next advance plays index 0 instead of index+1.
	clamped bool

	seq       uint64 // transport handle of the current item, 0 when none
	startedAt time.Time
	deadline  time.Time // watchdog
	stopping  bool      // watchdog stop sent, waiting for the exit
	retryAt   time.Time // pending launch while Starting or Advancing

	failures int
	dirty    bool // last SaveChannelState failed
}

func newMachine(ch models.Channel) *machine {
	playlist := ch.Playlist
	ch.Playlist = nil
	m := &machine{
		channel:  ch,
		playlist: playlist,
		state:    Stopped,
		index:    ch.CurrentIndex,
	}
	if m.index < 0 || m.index >= len(playlist) {
		m.index = 0
	}
	return m
}

func (m *machine) id() string { return m.channel.ID }

func (m *machine) item() models.PlaylistItem {
	return m.playlist[m.index]
}

// pending reports whether a launch is waiting for retryAt.
func (m *machine) pending(now time.Time) bool {
	if m.state != Starting && m.state != Advancing {
		return false
	}
	return !m.retryAt.IsZero() && !now.Before(m.retryAt)
}

// nextIndex applies the advance rule. ok is false when a non-looping channel ran off the end.
func (m *machine) nextIndex() (next int, ok bool) {
	next = m.index + 1
	if m.clamped {
		next = 0
	}
	if next >= len(m.playlist) {
		if !m.channel.Loop {
			return 0, false
		}
		next = 0
	}
	return next, true
}

func (m *machine) status() Status {
	st := Status{
		ChannelID: m.id(),
		State:     m.state.String(),
		Index:     m.index,
		StartedAt: m.startedAt,
		Failures:  m.failures,
	}
	if m.index < len(m.playlist) {
		st.MediaID = m.playlist[m.index].MediaID
	}
	return st
}
