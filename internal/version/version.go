/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version exposes build metadata.
package version

import (
	"fmt"
	"runtime"
)

// Build metadata, set at build time via ldflags:
//
//	-X github.com/friendsincode/airwave/internal/version.Version=X.Y.Z
var (
	Version   = "0.3.0"
	Commit    = "dev"
	BuildDate = ""
)

// Info is the JSON shape returned by the health endpoint.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date,omitempty"`
	GoVersion string `json:"go_version"`
}

// Get returns the current build metadata.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// String renders the version line printed by the CLI.
func (i Info) String() string {
	s := fmt.Sprintf("airwave %s (%s, %s)", i.Version, i.Commit, i.GoVersion)
	if i.BuildDate != "" {
		s += " built " + i.BuildDate
	}
	return s
}

// UserAgent is sent on outbound HTTP requests such as webhook deliveries.
func UserAgent() string {
	return "Airwave-Webhook/" + Version
}
