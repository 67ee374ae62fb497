// Package registry keeps the list of tracked working trees: an append-only
// text file with one path per line.
package registry

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/schaermu/reposync/internal/git"
)

var (
	ErrNotExists   = errors.New("path does not exist")
	ErrDuplicate   = errors.New("path is already tracked")
	ErrInvalidPath = errors.New("path contains a line break")
	ErrLocked      = errors.New("registry is in use by another reposync process")
)

// Registry owns the registry file for as long as it is open. It keeps a read
// cursor and a write handle over the same file; the read cursor is shared by
// Contains, Insert and Scan. A Registry is not safe for concurrent use.
type Registry struct {
	path   string
	lock   *flock.Flock
	rf     *os.File
	reader *bufio.Reader
	wf     *os.File
	logger *slog.Logger
}

// Open opens or creates the registry file name inside dir and locks it
// against other processes.
func Open(dir, name string, logger *slog.Logger) (*Registry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	path := filepath.Join(dir, name)

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock registry: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}

	wf, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	rf, err := os.Open(path)
	if err != nil {
		_ = wf.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	return &Registry{
		path:   path,
		lock:   lock,
		rf:     rf,
		reader: bufio.NewReader(rf),
		wf:     wf,
		logger: logger,
	}, nil
}

// Path returns the location of the registry file.
func (r *Registry) Path() string {
	return r.path
}

// Close releases both file handles and the lock.
func (r *Registry) Close() error {
	return errors.Join(r.rf.Close(), r.wf.Close(), r.lock.Unlock())
}

// Rewind moves the read cursor back to the first entry.
func (r *Registry) Rewind() error {
	if _, err := r.rf.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind registry: %w", err)
	}
	r.reader.Reset(r.rf)
	return nil
}

// next returns the entry under the read cursor and advances it. Empty lines
// are skipped. It returns io.EOF at the end of the file.
func (r *Registry) next() (string, error) {
	for {
		line, err := r.reader.ReadString('\n')
		if line == "" && err != nil {
			return "", err
		}
		if entry := strings.TrimSuffix(line, "\n"); entry != "" {
			return entry, nil
		}
		if err != nil {
			return "", err
		}
	}
}

// Contains reports whether path is an entry at or after the read cursor. It
// does not rewind, so after a full Scan it reports false until Rewind is
// called. The cursor is left at the match or at the end of the file.
func (r *Registry) Contains(path string) (bool, error) {
	for {
		entry, err := r.next()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to read registry: %w", err)
		}
		if entry == path {
			return true, nil
		}
	}
}

// Insert appends path to the registry. The path must exist and must not be
// tracked already; entries are compared as raw strings.
func (r *Registry) Insert(path string) error {
	if strings.ContainsAny(path, "\r\n") {
		return fmt.Errorf("%q: %w", path, ErrInvalidPath)
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, ErrNotExists)
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if err := r.Rewind(); err != nil {
		return err
	}
	found, err := r.Contains(path)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%s: %w", path, ErrDuplicate)
	}

	if _, err := r.wf.WriteString(path + "\n"); err != nil {
		return fmt.Errorf("failed to append to registry: %w", err)
	}
	if err := r.wf.Sync(); err != nil {
		return fmt.Errorf("failed to sync registry: %w", err)
	}

	r.logger.Debug("tracked repository", "path", path)
	return nil
}

// Scan rewinds and yields an opened handle for every entry that is still a
// repository, in insertion order. Other entries are skipped. The sequence
// reads the file lazily and consumes the read cursor.
func (r *Registry) Scan() iter.Seq[*git.Repository] {
	rewindErr := r.Rewind()

	return func(yield func(*git.Repository) bool) {
		if rewindErr != nil {
			r.logger.Warn("registry scan aborted", "error", rewindErr)
			return
		}

		for {
			entry, err := r.next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					r.logger.Warn("registry scan aborted", "error", err)
				}
				return
			}

			repo, err := git.Open(entry)
			if err != nil {
				r.logger.Debug("skipping registry entry", "path", entry, "error", err)
				continue
			}
			if !yield(repo) {
				return
			}
		}
	}
}

// Paths rewinds and returns every entry in insertion order, whether or not it
// is still a repository.
func (r *Registry) Paths() ([]string, error) {
	if err := r.Rewind(); err != nil {
		return nil, err
	}

	var paths []string
	for {
		entry, err := r.next()
		if errors.Is(err, io.EOF) {
			return paths, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read registry: %w", err)
		}
		paths = append(paths, entry)
	}
}

// Len returns the number of entries.
func (r *Registry) Len() (int, error) {
	paths, err := r.Paths()
	return len(paths), err
}
