package schemas

import (
	"sort"
	"time"
)

// -- Git Schemas --

// CommitInfo summarizes a single commit in the tracked branch history.
type CommitInfo struct {
	Hash         string    `json:"hash"`
	ShortHash    string    `json:"short_hash"`
	Message      string    `json:"message"`
	Author       string    `json:"author"`
	Date         time.Time `json:"date"`
	ChangedFiles []string  `json:"changed_files,omitempty"`
	Additions    int       `json:"additions"`
	Deletions    int       `json:"deletions"`
}

// GitSnapshot is an immutable view of repository state as of a successful sync.
// Holders must treat it as read-only; the provider replaces it wholesale.
type GitSnapshot struct {
	CurrentCommit string       `json:"current_commit"`
	PreviousHead  string       `json:"previous_head,omitempty"`
	Branch        string       `json:"branch"`
	Remote        string       `json:"remote,omitempty"`
	RecentCommits []CommitInfo `json:"recent_commits"`
	ChangedFiles  []string     `json:"changed_files"`
	SyncedAt      time.Time    `json:"synced_at"`
}

// HasChanged reports whether path is in the snapshot's changed file set.
// ChangedFiles must be sorted.
func (s *GitSnapshot) HasChanged(path string) bool {
	if s == nil {
		return false
	}
	i := sort.SearchStrings(s.ChangedFiles, path)
	return i < len(s.ChangedFiles) && s.ChangedFiles[i] == path
}

// GitContextInfo is the git context attached to a diagnosis result.
type GitContextInfo struct {
	Snapshot *GitSnapshot `json:"snapshot,omitempty"`
	// Stale is set when the latest sync failed and an older snapshot was used.
	Stale     bool   `json:"stale"`
	SyncError string `json:"sync_error,omitempty"`
}

// SourceFile is a file in the repository working tree, addressed by its
// slash separated path relative to the repository root.
type SourceFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}
