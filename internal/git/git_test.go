package git

import (
	"path/filepath"
	"testing"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/reposync/internal/testutil"
)

func TestOpen(t *testing.T) {
	t.Run("working tree", func(t *testing.T) {
		dir := testutil.Repo(t)

		r, err := Open(dir)
		require.NoError(t, err)
		assert.Equal(t, dir, r.Path())
		assert.NotNil(t, r.repo)
	})

	t.Run("plain directory", func(t *testing.T) {
		_, err := Open(t.TempDir())
		require.Error(t, err)
		assert.ErrorIs(t, err, gogit.ErrRepositoryNotExists)
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := Open(filepath.Join(t.TempDir(), "gone"))
		require.Error(t, err)
	})

	t.Run("bare repository", func(t *testing.T) {
		_, err := Open(testutil.InitBare(t))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotWorkTree)
	})

	t.Run("subdirectory is not searched upwards", func(t *testing.T) {
		dir := testutil.Repo(t)
		testutil.WriteFile(t, dir, "sub/file.txt", "x")

		_, err := Open(filepath.Join(dir, "sub"))
		require.Error(t, err)
	})
}

func TestWriteTree_MatchesGoGitCommit(t *testing.T) {
	dir := t.TempDir()
	repo := testutil.InitRepo(t, dir)
	testutil.WriteFile(t, dir, "a.txt", "a")
	testutil.WriteFile(t, dir, "a/b.txt", "b")
	testutil.WriteFile(t, dir, "a-c/d.txt", "d")
	testutil.WriteFile(t, dir, "z/y/x.txt", "x")

	head := testutil.CommitAll(t, repo, "fixture")
	commit, err := repo.CommitObject(head)
	require.NoError(t, err)

	idx, err := repo.Storer.Index()
	require.NoError(t, err)

	tree, err := writeTree(repo.Storer, idx)
	require.NoError(t, err)
	assert.Equal(t, commit.TreeHash, tree)
}

func TestWriteTree_EmptyIndex(t *testing.T) {
	dir := t.TempDir()
	repo := testutil.InitRepo(t, dir)

	idx, err := repo.Storer.Index()
	require.NoError(t, err)

	tree, err := writeTree(repo.Storer, idx)
	require.NoError(t, err)

	// the well-known hash of git's empty tree
	assert.Equal(t, plumbing.NewHash("4b825dc642cb6eb9a060e54bf8d69288fbee4904"), tree)

	obj, err := repo.TreeObject(tree)
	require.NoError(t, err)
	assert.Empty(t, obj.Entries)
}

func TestSyncError(t *testing.T) {
	err := newSyncError(KindPush, "/srv/repo", assert.AnError)

	assert.ErrorIs(t, err, ErrPush)
	assert.NotErrorIs(t, err, ErrCommit)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "/srv/repo")

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindPush, kind)

	_, ok = KindOf(assert.AnError)
	assert.False(t, ok)

	assert.NoError(t, newSyncError(KindAdd, "/srv/repo", nil))
}

func TestKindString(t *testing.T) {
	for kind, want := range map[Kind]string{
		KindOther:      "other",
		KindAdd:        "add",
		KindCommit:     "commit",
		KindPush:       "push",
		KindCredential: "credential",
	} {
		assert.Equal(t, want, kind.String())
	}
}

// treeFiles lists every file path in the commit's tree.
func treeFiles(t *testing.T, c *object.Commit) []string {
	t.Helper()

	var files []string
	iter, err := c.Files()
	require.NoError(t, err)
	require.NoError(t, iter.ForEach(func(f *object.File) error {
		files = append(files, f.Name)
		return nil
	}))
	return files
}
