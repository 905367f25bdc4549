/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package transport

import (
	"fmt"
	"strings"

	"github.com/friendsincode/airwave/internal/models"
)

// overlayMargin is the pixel inset used for corner positions.
const overlayMargin = 10

// BuildArgs returns the ffmpeg argument list that reads source at native rate
// and pushes it to every output as FLV. More than one output uses the tee muxer.
func BuildArgs(source string, outputs []string, overlays []models.Overlay) []string {
	args := []string{"-re", "-i", source}

	for _, o := range overlays {
		if o.Type == models.OverlayImage && o.Source != "" {
			args = append(args, "-i", o.Source)
		}
	}

	filter := overlayFilter(overlays)
	if filter != "" {
		args = append(args, "-filter_complex", filter, "-map", "[outv]", "-map", "0:a?")
	} else if len(outputs) > 1 {
		args = append(args, "-map", "0:v", "-map", "0:a?")
	}

	args = append(args,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-preset", "veryfast",
		"-tune", "zerolatency",
	)

	if len(outputs) == 1 {
		return append(args, "-f", "flv", outputs[0])
	}

	targets := make([]string, 0, len(outputs))
	for _, out := range outputs {
		targets = append(targets, "[f=flv:onfail=ignore]"+out)
	}
	return append(args, "-flags", "+global_header", "-f", "tee", strings.Join(targets, "|"))
}

// overlayFilter chains drawtext and overlay filters onto the first input's video.
// Image inputs are numbered from 1 in the order they appear in overlays.
func overlayFilter(overlays []models.Overlay) string {
	var filters []string
	current := "0:v"
	step := 0
	image := 1

	for _, o := range overlays {
		label := fmt.Sprintf("v%d", step)
		switch o.Type {
		case models.OverlayText:
			if o.Text == "" {
				continue
			}
			x, y := position(o, "text_w", "text_h")
			size := o.FontSize
			if size <= 0 {
				size = 24
			}
			color := o.Color
			if color == "" {
				color = "white"
			}
			filters = append(filters, fmt.Sprintf(
				"[%s]drawtext=text=%s:x=%s:y=%s:fontsize=%d:fontcolor=%s:alpha=%s:shadowcolor=black:shadowx=2:shadowy=2[%s]",
				current, escapeDrawtext(o.Text), x, y, size, color, opacity(o.Opacity), label,
			))
		case models.OverlayImage:
			if o.Source == "" {
				continue
			}
			x, y := position(o, "w", "h")
			src := fmt.Sprintf("%d:v", image)
			if o.Opacity > 0 && o.Opacity < 1 {
				faded := fmt.Sprintf("ov%d", image)
				filters = append(filters, fmt.Sprintf("[%s]format=rgba,colorchannelmixer=aa=%s[%s]", src, opacity(o.Opacity), faded))
				src = faded
			}
			filters = append(filters, fmt.Sprintf("[%s][%s]overlay=%s:%s[%s]", current, src, x, y, label))
			image++
		default:
			continue
		}
		current = label
		step++
	}

	if len(filters) == 0 {
		return ""
	}
	filters = append(filters, fmt.Sprintf("[%s]format=yuv420p[outv]", current))
	return strings.Join(filters, ";")
}

// position returns ffmpeg x/y expressions. wVar and hVar name the overlay's own
// size variables, which differ between drawtext and overlay.
func position(o models.Overlay, wVar, hVar string) (string, string) {
	frameW, frameH := "main_w", "main_h"
	if wVar == "text_w" {
		frameW, frameH = "w", "h"
	}
	m := overlayMargin
	switch o.Position {
	case "top-right":
		return fmt.Sprintf("%s-%s-%d", frameW, wVar, m+o.X), fmt.Sprintf("%d", m+o.Y)
	case "bottom-left":
		return fmt.Sprintf("%d", m+o.X), fmt.Sprintf("%s-%s-%d", frameH, hVar, m+o.Y)
	case "bottom-right":
		return fmt.Sprintf("%s-%s-%d", frameW, wVar, m+o.X), fmt.Sprintf("%s-%s-%d", frameH, hVar, m+o.Y)
	case "center":
		return fmt.Sprintf("(%s-%s)/2", frameW, wVar), fmt.Sprintf("(%s-%s)/2", frameH, hVar)
	case "top-left":
		return fmt.Sprintf("%d", m+o.X), fmt.Sprintf("%d", m+o.Y)
	default:
		return fmt.Sprintf("%d", o.X), fmt.Sprintf("%d", o.Y)
	}
}

// opacity renders an overlay alpha. Zero is the unset value and stays fully opaque.
func opacity(v float64) string {
	if v <= 0 || v > 1 {
		return "1"
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
}

var drawtextEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`, `%`, `\%`, `,`, `\,`, `;`, `\;`, `[`, `\[`, `]`, `\]`)

func escapeDrawtext(s string) string {
	return drawtextEscaper.Replace(s)
}
