package machine

import (
	"os"
	"testing"
)

func TestName(t *testing.T) {
	if got := Name("  agent-007  "); got != "agent-007" {
		t.Fatalf("Name with override = %q, want %q", got, "agent-007")
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		t.Skip("hostname unavailable")
	}
	if got := Name(""); got != host {
		t.Fatalf("Name without override = %q, want hostname %q", got, host)
	}
}
