// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package versions exposes build-time version information for the gateway.
package versions

import (
	"fmt"
	"runtime"
	"time"
)

const unknownStr = "unknown"

// Build-time values injected via ldflags.
var (
	// Version is the gateway release version.
	Version = "dev"
	// Commit is the git commit the binary was built from.
	Commit = unknownStr
	// BuildDate is the RFC 3339 timestamp of the build.
	BuildDate = unknownStr
)

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo assembles the version info for the running binary.
// Development builds report a synthetic "build-<commit>" version so log
// lines from unreleased binaries stay distinguishable.
func GetVersionInfo() VersionInfo {
	version := Version
	if version == "dev" {
		version = "build-" + shortCommit(Commit)
	}

	return VersionInfo{
		Version:   version,
		Commit:    Commit,
		BuildDate: formatBuildDate(BuildDate),
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

func shortCommit(commit string) string {
	if commit == "" {
		return unknownStr
	}
	if commit == unknownStr {
		return unknownStr
	}
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}

func formatBuildDate(date string) string {
	parsed, err := time.Parse(time.RFC3339, date)
	if err != nil {
		// Not parseable, return as is.
		return date
	}
	return parsed.UTC().Format("2006-01-02 15:04:05 UTC")
}
