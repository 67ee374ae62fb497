// Package credential resolves SSH credentials for pushing to sync remotes.
package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultKeyName is the private key used below ~/.ssh when none is configured.
const DefaultKeyName = "id_ed25519"

var (
	ErrInvalidUsername = errors.New("invalid ssh username")
	ErrNoHome          = errors.New("cannot determine home directory")
	ErrKeyMissing      = errors.New("ssh private key not found")
)

// Provider builds public-key auth from a private key on disk.
type Provider struct {
	keyFile         string
	hostKeyCallback gossh.HostKeyCallback
	homeDir         func() (string, error)
}

// NewProvider creates a Provider. An empty keyFile selects
// ~/.ssh/id_ed25519, resolved on each call.
func NewProvider(keyFile string) *Provider {
	return &Provider{keyFile: keyFile, homeDir: os.UserHomeDir}
}

// WithHostKeyCallback overrides host key verification. By default go-git
// checks ~/.ssh/known_hosts.
func (p *Provider) WithHostKeyCallback(cb gossh.HostKeyCallback) *Provider {
	p.hostKeyCallback = cb
	return p
}

// KnownHosts returns a host key callback that accepts only the hosts listed
// in the given known_hosts files.
func KnownHosts(files ...string) (gossh.HostKeyCallback, error) {
	cb, err := knownhosts.New(files...)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts: %w", err)
	}
	return cb, nil
}

// KeyPath returns the private key path Resolve would use.
func (p *Provider) KeyPath() (string, error) {
	if p.keyFile != "" {
		return p.keyFile, nil
	}

	home, err := p.homeDir()
	if err != nil || home == "" {
		return "", fmt.Errorf("%w: %v", ErrNoHome, err)
	}
	return filepath.Join(home, ".ssh", DefaultKeyName), nil
}

// Resolve returns public-key auth for username, the user part of the remote
// URL. The key is read on every call; it must not be passphrase protected.
func (p *Provider) Resolve(username string) (transport.AuthMethod, error) { //nolint:ireturn
	if err := validateUsername(username); err != nil {
		return nil, err
	}

	keyPath, err := p.KeyPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(keyPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrKeyMissing, keyPath)
		}
		return nil, fmt.Errorf("failed to stat ssh key %s: %w", keyPath, err)
	}

	auth, err := ssh.NewPublicKeysFromFile(username, keyPath, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load ssh key %s: %w", keyPath, err)
	}
	if p.hostKeyCallback != nil {
		auth.HostKeyCallback = p.hostKeyCallback
	}
	return auth, nil
}

func validateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("%w: remote URL has no user", ErrInvalidUsername)
	}
	if strings.ContainsAny(username, " \t\r\n@:/") {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	return nil
}
