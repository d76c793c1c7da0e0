// Package ua derives short provenance labels from User-Agent headers. The
// label is attached to credentials so users can tell their registered
// authenticators apart.
package ua

import (
	"strings"

	"github.com/mileusna/useragent"
)

// FallbackLabel is used when the header carries nothing recognizable.
const FallbackLabel = "unknown device"

// ShortLabel reduces a raw User-Agent header to "Browser - OS" (plus the
// device model when one is reported).
func ShortLabel(header string) string {
	if strings.TrimSpace(header) == "" {
		return FallbackLabel
	}

	agent := useragent.Parse(header)

	parts := make([]string, 0, 3)
	for _, part := range []string{agent.Name, agent.OS, agent.Device} {
		if part != "" {
			parts = append(parts, part)
		}
	}

	if len(parts) == 0 {
		return FallbackLabel
	}

	return strings.Join(parts, " - ")
}
