package gitctx

import (
	"errors"
	"fmt"
)

// ErrPathOutsideRepository is returned when a requested path escapes the mirror root.
var ErrPathOutsideRepository = errors.New("path is outside the repository")

// ErrNotCloned is returned by reads before the first successful sync.
var ErrNotCloned = errors.New("repository has not been cloned yet")

// GitSyncError wraps a failure talking to the remote or updating the mirror.
type GitSyncError struct {
	Op     string
	Remote string
	Err    error
}

func (e *GitSyncError) Error() string {
	if e.Remote != "" {
		return fmt.Sprintf("git %s %s: %v", e.Op, e.Remote, e.Err)
	}
	return fmt.Sprintf("git %s: %v", e.Op, e.Err)
}

func (e *GitSyncError) Unwrap() error { return e.Err }

// Kind is the job error kind for sync failures.
func (e *GitSyncError) Kind() string { return "git_sync" }
