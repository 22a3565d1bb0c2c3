package timeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Store persists the agent's timelines as a single JSON file. A full
// "Timeline" update replaces the file verbatim; readers tolerate both a JSON
// array of timelines and a single timeline object.
type Store struct {
	path string
}

// NewStore returns a Store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Replace overwrites the stored content with raw as-is. No parsing happens
// here: the server's payload is authoritative, byte for byte.
func (s *Store) Replace(raw []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create timeline dir: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("write timeline file: %w", err)
	}
	return nil
}

// Load parses the stored timelines. A missing or empty file yields no
// timelines and no error.
func (s *Store) Load() ([]Timeline, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read timeline file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var many []Timeline
	if err := json.Unmarshal(data, &many); err == nil {
		return many, nil
	}

	var one Timeline
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("parse timeline file: %w", err)
	}
	return []Timeline{one}, nil
}
