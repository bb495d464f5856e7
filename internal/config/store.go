package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is a file-backed settings store. Readers get copies; writers
// mutate under the store lock and persist with Save.
//
// The effective settings carry env overrides and OS derived values. Only
// the file-sourced settings are ever written back, so an override set in
// the environment never lands on disk.
type Store struct {
	path     string
	format   Format
	mu       sync.RWMutex
	settings Settings
	file     Settings
}

// OpenStore loads settings from path (defaults when the file is missing).
func OpenStore(path string) (*Store, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	file, err := readFileSettings(path)
	if err != nil {
		return nil, err
	}
	s := NewStore(path, cfg)
	s.file = file.Clone()
	return s, nil
}

// NewStore wraps already loaded settings, which are also what Save writes.
// An empty path keeps the store in memory only.
func NewStore(path string, cfg *Settings) *Store {
	return &Store{path: path, format: FormatFor(path), settings: cfg.Clone(), file: cfg.Clone()}
}

func (s *Store) Path() string { return s.path }

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Clone()
}

// Update applies fn to the settings under the store lock.
func (s *Store) Update(fn func(*Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.settings)
}

// Replace swaps in a new settings value and returns the previous one.
// The file-sourced copy is re-read so later saves keep the file's current
// contents.
func (s *Store) Replace(cfg Settings) Settings {
	var file *Settings
	if s.path != "" {
		f, err := readFileSettings(s.path)
		if err == nil {
			file = f
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.settings
	s.settings = cfg.Clone()
	if file != nil {
		s.file = file.Clone()
	}
	return prev
}

// Save writes the file-sourced settings together with the current device
// groups back to disk atomically.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	cfg := s.file.Clone()
	cfg.DeviceGroups = s.settings.Clone().DeviceGroups
	s.mu.RUnlock()

	var buf bytes.Buffer
	if err := Encode(&buf, &cfg, s.format); err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace settings: %w", err)
	}
	return nil
}
