/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package transport

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Stats is the live snapshot of one supervised process.
type Stats struct {
	IsLive           bool      `json:"is_live"`
	Bitrate          float64   `json:"bitrate"` // kbit/s
	FPS              float64   `json:"fps"`
	Resolution       string    `json:"resolution"`
	Duration         float64   `json:"duration"` // seconds of media pushed
	BytesTransferred int64     `json:"bytes_transferred"`
	PID              int       `json:"pid,omitempty"`
	StartedAt        time.Time `json:"started_at,omitzero"`
	CPUPercent       float64   `json:"cpu_percent"`
	RSSBytes         uint64    `json:"rss_bytes"`
}

// Inactive is the snapshot reported for unknown keys.
func Inactive() Stats {
	return Stats{Resolution: "0x0"}
}

var (
	bitrateRe    = regexp.MustCompile(`bitrate=\s*([0-9.]+)kbits/s`)
	fpsRe        = regexp.MustCompile(`fps=\s*([0-9.]+)`)
	sizeRe       = regexp.MustCompile(`size=\s*([0-9]+)kB`)
	timeRe       = regexp.MustCompile(`time=([0-9:]+\.[0-9]+)`)
	resolutionRe = regexp.MustCompile(`Video:.*?, ([0-9]{2,5}x[0-9]{2,5})`)
)

// progress parses ffmpeg's diagnostic stream. It implements io.Writer so it can be
// attached directly as the command's stderr.
type progress struct {
	mu       sync.Mutex
	stats    Stats
	partial  []byte
	advanced bool
}

func newProgress() *progress {
	return &progress{stats: Stats{IsLive: true, Resolution: "0x0"}}
}

func (p *progress) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.partial = append(p.partial, b...)
	for {
		i := bytes.IndexAny(p.partial, "\r\n")
		if i < 0 {
			break
		}
		p.parseLine(string(p.partial[:i]))
		p.partial = p.partial[i+1:]
	}
	// ffmpeg never emits lines this long; drop garbage rather than grow forever.
	if len(p.partial) > 64*1024 {
		p.partial = p.partial[:0]
	}
	return len(b), nil
}

// parseLine must be called with p.mu held.
func (p *progress) parseLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	if strings.Contains(line, "Stream #") {
		if m := resolutionRe.FindStringSubmatch(line); m != nil {
			p.stats.Resolution = m[1]
		}
		return
	}

	if m := bitrateRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			p.stats.Bitrate = v
		}
	}
	if m := fpsRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			p.stats.FPS = v
		}
	}
	if m := sizeRe.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			p.stats.BytesTransferred = v * 1024
		}
	}
	if m := timeRe.FindStringSubmatch(line); m != nil {
		if v, ok := parseClock(m[1]); ok {
			p.stats.Duration = v
			if v > 0 {
				p.advanced = true
			}
		}
	}
}

func (p *progress) attach(pid int, startedAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.PID = pid
	p.stats.StartedAt = startedAt
}

func (p *progress) snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// progressed reports whether the process ever pushed media.
func (p *progress) progressed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.advanced
}

// parseClock converts HH:MM:SS.ss into seconds.
func parseClock(s string) (float64, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	secs, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, false
	}
	return float64(hours*3600+minutes*60) + secs, true
}
