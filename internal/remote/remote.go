// Package remote caches the remote URL that repositories are synced to, so
// the user is asked for it only once.
package remote

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrEmptyURL is returned when the user supplies an empty remote URL.
var ErrEmptyURL = errors.New("remote URL must not be empty")

// Store owns the cache file.
type Store struct {
	path   string
	logger *slog.Logger
}

// NewStore creates a Store backed by path. Nothing is read or created until
// it is used.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Cached returns the cached URL, if any.
func (s *Store) Cached() (string, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read remote cache: %w", err)
	}

	url := strings.TrimSpace(string(data))
	return url, url != "", nil
}

// Save replaces the cached URL.
func (s *Store) Save(url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return ErrEmptyURL
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create remote cache directory: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(url+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write remote cache: %w", err)
	}
	return nil
}

// Resolve returns the cached URL unless force is set or nothing is cached;
// in that case ask is called and its answer is cached.
func (s *Store) Resolve(force bool, ask func() (string, error)) (string, error) {
	if !force {
		url, ok, err := s.Cached()
		if err != nil {
			return "", err
		}
		if ok {
			s.logger.Debug("using cached remote", "remote", url)
			return url, nil
		}
	}

	url, err := ask()
	if err != nil {
		return "", err
	}
	url = strings.TrimSpace(url)
	if err := s.Save(url); err != nil {
		return "", err
	}

	s.logger.Info("remote URL saved", "remote", url, "file", s.path)
	return url, nil
}
