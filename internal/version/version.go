// Package version reports the relay release.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Override replaces the embedded version when set at link time:
//
//	go build -ldflags "-X github.com/ShayCichocki/relay/internal/version.Override=v1.2.3"
var Override string

// Get returns the release version without a leading "v".
func Get() string {
	if v := strings.TrimSpace(Override); v != "" {
		return strings.TrimPrefix(v, "v")
	}
	return strings.TrimSpace(versionContent)
}
