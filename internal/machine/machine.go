package machine

import (
	"os"
	"strings"
)

const fallbackName = "courier-unknown"

// Name returns the agent's stable identity. An explicit override wins,
// otherwise the OS hostname is used. The value is opaque to the rest of the
// system: it travels as a transport header and keys the payload encryption.
func Name(override string) string {
	if trimmed := strings.TrimSpace(override); trimmed != "" {
		return trimmed
	}

	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return fallbackName
	}
	return strings.TrimSpace(host)
}
