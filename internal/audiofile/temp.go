package audiofile

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// TempStore hands out one temporary output path per generation. The previous
// file is removed before a new path is handed out, and every path is unique so
// players never serve a cached copy.
type TempStore struct {
	dir    string
	prefix string
	log    *slog.Logger

	mu      sync.Mutex
	current string
}

func NewTempStore(dir, prefix string, log *slog.Logger) (*TempStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return &TempStore{dir: dir, prefix: prefix, log: log.With(slog.String("component", "tempstore"))}, nil
}

// Cleanup removes temp files left behind by earlier runs.
func (s *TempStore) Cleanup() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read temp dir: %w", err)
	}
	removed := 0
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), s.prefix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("removed stale temp files", slog.Int("count", removed))
	}
	return removed, errors.Join(errs...)
}

// Next removes the current temp file, if any, and returns a fresh path.
func (s *TempStore) Next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.removeLocked(); err != nil {
		return "", err
	}
	s.current = filepath.Join(s.dir, s.prefix+uuid.NewString()+".wav")
	return s.current, nil
}

// Current is the most recent path handed out.
func (s *TempStore) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Discard removes path if it is still the current one. Used when a
// generation fails after a path was handed out.
func (s *TempStore) Discard(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path != s.current {
		return
	}
	if err := s.removeLocked(); err != nil {
		s.log.Warn("failed to discard temp file", slog.String("path", path), slog.String("error", err.Error()))
	}
}

func (s *TempStore) removeLocked() error {
	if s.current == "" {
		return nil
	}
	if err := os.Remove(s.current); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove previous temp file: %w", err)
	}
	s.current = ""
	return nil
}
