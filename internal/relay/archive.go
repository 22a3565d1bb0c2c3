package relay

import (
	"fmt"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Archive keeps a local audit trail of shipped captures. Each capture is
// appended as one independent zstd frame; frames are concatenable, so the
// whole file decompresses back into the shipped bytes in order.
type Archive struct {
	path string

	mu sync.Mutex
}

// NewArchive returns an Archive writing to path.
func NewArchive(path string) *Archive {
	return &Archive{path: path}
}

// Append compresses data as a single frame and appends it to the archive.
func (a *Archive) Append(data []byte) error {
	if a == nil || len(data) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("zstd writer: %w", err)
	}

	if _, err := enc.Write(data); err != nil {
		enc.Close()
		f.Close()
		return fmt.Errorf("write frame: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("finish frame: %w", err)
	}
	return f.Close()
}
