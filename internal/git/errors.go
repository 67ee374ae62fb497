package git

import (
	"errors"
	"fmt"
)

// Kind classifies the step of the sync protocol that failed.
type Kind int

const (
	// KindOther covers remote setup, signature lookup and any other git failure.
	KindOther Kind = iota
	// KindAdd is a failure while staging the working tree.
	KindAdd
	// KindCommit is a failure while writing the tree, the commit or the sync ref.
	KindCommit
	// KindPush is a failure while pushing the sync ref.
	KindPush
	// KindCredential is a failure while resolving credentials for the push.
	KindCredential
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindCommit:
		return "commit"
	case KindPush:
		return "push"
	case KindCredential:
		return "credential"
	default:
		return "other"
	}
}

// Sentinels matched by errors.Is against a *SyncError of the same kind.
var (
	ErrOther      = errors.New("git operation failed")
	ErrAdd        = errors.New("failed to stage changes")
	ErrCommit     = errors.New("failed to commit snapshot")
	ErrPush       = errors.New("failed to push sync ref")
	ErrCredential = errors.New("failed to resolve credentials")
)

func (k Kind) sentinel() error {
	switch k {
	case KindAdd:
		return ErrAdd
	case KindCommit:
		return ErrCommit
	case KindPush:
		return ErrPush
	case KindCredential:
		return ErrCredential
	default:
		return ErrOther
	}
}

// SyncError reports which repository failed, at which step, and why.
type SyncError struct {
	Kind Kind
	Path string
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Path, e.Kind.sentinel(), e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *SyncError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindOf extracts the kind of a sync failure. ok is false when err does not
// carry a *SyncError.
func KindOf(err error) (kind Kind, ok bool) {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return KindOther, false
}

func newSyncError(kind Kind, path string, err error) error {
	if err == nil {
		return nil
	}
	return &SyncError{Kind: kind, Path: path, Err: err}
}
