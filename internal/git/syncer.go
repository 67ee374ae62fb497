package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// ErrNoIdentity is returned when no user.name and user.email are configured.
var ErrNoIdentity = errors.New("no committer identity configured (user.name/user.email)")

// ErrCheckedOut is returned when the sync ref is the branch HEAD points to.
var ErrCheckedOut = errors.New("sync ref is the checked-out branch")

// CredentialProvider supplies authentication for SSH remotes. username is the
// user part of the remote URL and may be empty.
type CredentialProvider interface {
	Resolve(username string) (transport.AuthMethod, error)
}

// Options configures a Syncer.
type Options struct {
	RemoteName string
	Ref        plumbing.ReferenceName
	Message    string

	// Credentials is consulted for ssh remotes only. When nil, pushing to an
	// ssh remote fails with KindCredential.
	Credentials CredentialProvider
}

// Result describes the snapshot commit a sync produced.
type Result struct {
	Path   string
	Commit plumbing.Hash
	Parent plumbing.Hash // ZeroHash when HEAD was unborn
	Ref    plumbing.ReferenceName
}

// Syncer runs the sync protocol against one repository at a time. A single
// Syncer may be shared by concurrent workers as long as each works on a
// different Repository.
type Syncer struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewSyncer creates a Syncer.
func NewSyncer(opts Options, logger *slog.Logger) *Syncer {
	return &Syncer{opts: opts, logger: logger, now: time.Now}
}

// Sync snapshots r's working tree onto the sync ref and pushes it to
// remoteURL. Failures are returned as *SyncError. Local effects of the steps
// that succeeded before a failure are kept.
func (s *Syncer) Sync(ctx context.Context, r *Repository, remoteURL string) (*Result, error) {
	log := s.logger.With("path", r.path)

	if err := s.checkRef(r); err != nil {
		return nil, newSyncError(KindOther, r.path, err)
	}
	if err := s.ensureRemote(r, remoteURL); err != nil {
		return nil, newSyncError(KindOther, r.path, fmt.Errorf("failed to configure remote %q: %w", s.opts.RemoteName, err))
	}

	if err := stage(r); err != nil {
		return nil, newSyncError(KindAdd, r.path, err)
	}
	log.Debug("staged working tree")

	tree, err := snapshot(r)
	if err != nil {
		return nil, newSyncError(KindCommit, r.path, err)
	}

	parent, err := resolveParent(r)
	if err != nil {
		return nil, newSyncError(KindCommit, r.path, fmt.Errorf("failed to resolve HEAD: %w", err))
	}

	author, committer, err := signature(r, s.now())
	if err != nil {
		return nil, newSyncError(KindOther, r.path, err)
	}

	commit, err := s.writeCommit(r, tree, parent, author, committer)
	if err != nil {
		return nil, newSyncError(KindCommit, r.path, err)
	}
	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(s.opts.Ref, commit)); err != nil {
		return nil, newSyncError(KindCommit, r.path, fmt.Errorf("failed to update %s: %w", s.opts.Ref, err))
	}
	log.Debug("committed snapshot", "commit", commit.String(), "parent", parent.String())

	auth, err := s.auth(remoteURL)
	if err != nil {
		if errors.Is(err, errBadEndpoint) {
			return nil, newSyncError(KindPush, r.path, err)
		}
		return nil, newSyncError(KindCredential, r.path, err)
	}
	if err := s.push(ctx, r, auth); err != nil {
		return nil, newSyncError(KindPush, r.path, err)
	}
	log.Debug("pushed sync ref", "ref", s.opts.Ref.String())

	return &Result{Path: r.path, Commit: commit, Parent: parent, Ref: s.opts.Ref}, nil
}

func (s *Syncer) checkRef(r *Repository) error {
	head, err := r.repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return fmt.Errorf("failed to read HEAD: %w", err)
	}
	if head.Type() == plumbing.SymbolicReference && head.Target() == s.opts.Ref {
		return fmt.Errorf("%s: %w", s.opts.Ref, ErrCheckedOut)
	}
	return nil
}

// ensureRemote creates the sync remote or points it at url. Other remotes
// are left alone.
func (s *Syncer) ensureRemote(r *Repository, url string) error {
	remote, err := r.repo.Remote(s.opts.RemoteName)
	switch {
	case errors.Is(err, gogit.ErrRemoteNotFound):
		_, err = r.repo.CreateRemote(&config.RemoteConfig{
			Name: s.opts.RemoteName,
			URLs: []string{url},
		})
		return err
	case err != nil:
		return err
	}

	if urls := remote.Config().URLs; len(urls) == 1 && urls[0] == url {
		return nil
	}

	cfg, err := r.repo.Config()
	if err != nil {
		return err
	}
	cfg.Remotes[s.opts.RemoteName].URLs = []string{url}
	return r.repo.SetConfig(cfg)
}

// stage updates the index to match the working tree, including deletions.
// Ignored files stay out.
func stage(r *Repository) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}
	return wt.AddWithOptions(&gogit.AddOptions{All: true})
}

// snapshot persists the index and writes its tree objects.
func snapshot(r *Repository) (plumbing.Hash, error) {
	idx, err := r.repo.Storer.Index()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to read index: %w", err)
	}
	if err := r.repo.Storer.SetIndex(idx); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to write index: %w", err)
	}

	tree, err := writeTree(r.repo.Storer, idx)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to write tree: %w", err)
	}
	return tree, nil
}

// resolveParent returns the commit HEAD points to, or ZeroHash when HEAD is
// unborn or does not name a commit.
func resolveParent(r *Repository) (plumbing.Hash, error) {
	head, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, nil
	}
	if err != nil {
		return plumbing.ZeroHash, err
	}

	if _, err := r.repo.CommitObject(head.Hash()); err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return plumbing.ZeroHash, nil
		}
		return plumbing.ZeroHash, err
	}
	return head.Hash(), nil
}

// signature reads the identity from the repository config merged with the
// global and system config.
func signature(r *Repository, when time.Time) (author, committer object.Signature, err error) {
	cfg, err := r.repo.ConfigScoped(config.SystemScope)
	if err != nil {
		return author, committer, fmt.Errorf("failed to read git config: %w", err)
	}

	pick := func(name, email string) object.Signature {
		if name == "" {
			name = cfg.User.Name
		}
		if email == "" {
			email = cfg.User.Email
		}
		return object.Signature{Name: name, Email: email, When: when}
	}

	author = pick(cfg.Author.Name, cfg.Author.Email)
	committer = pick(cfg.Committer.Name, cfg.Committer.Email)
	if author.Name == "" || author.Email == "" || committer.Name == "" || committer.Email == "" {
		return author, committer, ErrNoIdentity
	}
	return author, committer, nil
}

// writeCommit stores the snapshot commit. Two syncs within the same second
// of an unchanged tree would encode identically, so the timestamp is bumped
// until the commit is new.
func (s *Syncer) writeCommit(r *Repository, tree, parent plumbing.Hash, author, committer object.Signature) (plumbing.Hash, error) {
	msg := s.opts.Message
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}

	var parents []plumbing.Hash
	if !parent.IsZero() {
		parents = []plumbing.Hash{parent}
	}

	for {
		commit := &object.Commit{
			Author:       author,
			Committer:    committer,
			Message:      msg,
			TreeHash:     tree,
			ParentHashes: parents,
		}
		obj := r.repo.Storer.NewEncodedObject()
		if err := commit.Encode(obj); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("failed to encode commit: %w", err)
		}

		if r.repo.Storer.HasEncodedObject(obj.Hash()) == nil {
			author.When = author.When.Add(time.Second)
			committer.When = committer.When.Add(time.Second)
			continue
		}
		return r.repo.Storer.SetEncodedObject(obj)
	}
}

var errBadEndpoint = errors.New("invalid remote URL")

// auth returns the credentials for remoteURL; nil for non-ssh transports.
func (s *Syncer) auth(remoteURL string) (transport.AuthMethod, error) {
	ep, err := transport.NewEndpoint(remoteURL)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", errBadEndpoint, remoteURL, err)
	}
	if ep.Protocol != "ssh" {
		return nil, nil
	}
	if s.opts.Credentials == nil {
		return nil, errors.New("no credential provider for ssh remote")
	}
	return s.opts.Credentials.Resolve(ep.User)
}

// push force-updates the sync ref on the remote. Each snapshot's parent is
// the local HEAD, not the previous snapshot, so updates are not fast-forwards.
func (s *Syncer) push(ctx context.Context, r *Repository, auth transport.AuthMethod) error {
	spec := config.RefSpec(fmt.Sprintf("+%s:%s", s.opts.Ref, s.opts.Ref))
	err := r.repo.PushContext(ctx, &gogit.PushOptions{
		RemoteName: s.opts.RemoteName,
		RefSpecs:   []config.RefSpec{spec},
		Auth:       auth,
	})
	if errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}
