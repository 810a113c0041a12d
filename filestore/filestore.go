// Package filestore persists the route registry as a YAML document.
//
// It is the file based alternative to the SQLite repository and the format used
// by the export and import commands.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tfkr-ae/rotor/domain"
	"gopkg.in/yaml.v3"
)

var _ domain.RouteRepository = (*Store)(nil)

// Store reads and writes a snapshot file.
type Store struct {
	mu   sync.Mutex
	path string
}

// New returns a Store for path. The file is created on the first save.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the snapshot file path.
func (s *Store) Path() string {
	return s.path
}

// LoadRoutes reads the snapshot file. A missing file is an empty snapshot.
func (s *Store) LoadRoutes() (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &domain.Snapshot{}, nil
		}
		return nil, fmt.Errorf("opening %s : %w", s.path, err)
	}
	defer f.Close()

	snapshot, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s : %w", s.path, err)
	}
	return snapshot, nil
}

// SaveRoutes writes snapshot to a temporary file and renames it over the
// snapshot file so a failed write never leaves a truncated file behind.
func (s *Store) SaveRoutes(snapshot *domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding snapshot : %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("writing %s : %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing %s : %w", s.path, err)
	}
	return nil
}

// Decode reads a snapshot document from r. An empty document is an empty snapshot.
func Decode(r io.Reader) (*domain.Snapshot, error) {
	snapshot := &domain.Snapshot{}
	err := yaml.NewDecoder(r).Decode(snapshot)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding snapshot : %w", err)
	}
	return snapshot, nil
}

// Encode writes snapshot to w as YAML.
func Encode(w io.Writer, snapshot *domain.Snapshot) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(snapshot); err != nil {
		return fmt.Errorf("encoding snapshot : %w", err)
	}
	return enc.Close()
}
