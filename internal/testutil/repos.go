// Package testutil creates throwaway git repositories for tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
)

// Local remotes are served by go-git in process instead of git-receive-pack,
// so tests that push do not need a git installation.
func init() {
	client.InstallProtocol("file", server.NewClient(server.DefaultLoader))
}

// Identity is the author configured on every repository created here.
var Identity = object.Signature{Name: "Test", Email: "test@test.com"}

// InitRepo initializes a non-bare repository at dir with a local user identity.
func InitRepo(t testing.TB, dir string) *gogit.Repository {
	t.Helper()

	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init %s: %v", dir, err)
	}

	cfg, err := repo.Config()
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	cfg.User.Name = Identity.Name
	cfg.User.Email = Identity.Email
	if err := repo.SetConfig(cfg); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return repo
}

// InitBare creates an empty bare repository to push to and returns its path.
func InitBare(t testing.TB) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "remote.git")
	if _, err := gogit.PlainInit(dir, true); err != nil {
		t.Fatalf("init bare %s: %v", dir, err)
	}
	return dir
}

// WriteFile writes content to name below dir, creating parent directories.
func WriteFile(t testing.TB, dir, name, content string) {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// CommitAll stages everything and commits it on the checked-out branch.
func CommitAll(t testing.TB, repo *gogit.Repository, msg string) plumbing.Hash {
	t.Helper()

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if err := wt.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		t.Fatalf("add: %v", err)
	}

	sig := Identity
	sig.When = time.Now()
	h, err := wt.Commit(msg, &gogit.CommitOptions{Author: &sig, AllowEmptyCommits: true})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return h
}

// Repo initializes a repository in a fresh temp dir with one committed file
// and returns its path.
func Repo(t testing.TB) string {
	t.Helper()

	dir := t.TempDir()
	repo := InitRepo(t, dir)
	WriteFile(t, dir, "README.md", "hello\n")
	CommitAll(t, repo, "initial")
	return dir
}
