// Package git snapshots working trees onto a dedicated sync branch and pushes
// that branch to a remote, using go-git so no git binary is required.
//
// The checked-out branch, HEAD and the working tree are never modified: the
// index is staged, written as a tree, committed on top of HEAD's commit and
// the resulting commit is referenced only by the sync branch.
package git

import (
	"errors"
	"fmt"

	gogit "github.com/go-git/go-git/v5"
)

// ErrNotWorkTree is returned by Open for repositories without a working tree.
var ErrNotWorkTree = errors.New("repository has no working tree")

// Repository is an opened handle to one working tree. It is not safe for
// concurrent use; the sync engine hands each handle to exactly one worker.
type Repository struct {
	path string
	repo *gogit.Repository
}

// Open opens the repository whose working tree root is path. Parent
// directories are not searched and nothing is created.
func Open(path string) (*Repository, error) {
	repo, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{
		DetectDotGit:          false,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", path, err)
	}

	if _, err := repo.Worktree(); err != nil {
		if errors.Is(err, gogit.ErrIsBareRepository) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotWorkTree)
		}
		return nil, fmt.Errorf("failed to open worktree %s: %w", path, err)
	}

	return &Repository{path: path, repo: repo}, nil
}

// Path returns the path the handle was opened from, exactly as given.
func (r *Repository) Path() string {
	return r.path
}

