package gitctx

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/xkilldash9x/logdiag/api/schemas"
)

type snapshotOptions struct {
	branch         string
	remote         string
	previousHead   string
	maxCommits     int
	includeCommits bool
	extensions     []string
	now            time.Time
}

// buildSnapshot reads HEAD and its recent history. Changed files come from the
// diff against previousHead when HEAD moved, otherwise from the recent commits.
func buildSnapshot(repo *git.Repository, opts snapshotOptions) (*schemas.GitSnapshot, error) {
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	headCommit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("load HEAD commit: %w", err)
	}

	commits, err := recentCommits(repo, head.Hash(), opts.maxCommits)
	if err != nil {
		return nil, err
	}

	var changed []string
	if opts.previousHead != "" && opts.previousHead != head.Hash().String() {
		changed, err = diffFiles(repo, plumbing.NewHash(opts.previousHead), headCommit)
		if err != nil {
			return nil, err
		}
	} else {
		for _, c := range commits {
			changed = append(changed, c.ChangedFiles...)
		}
	}

	snap := &schemas.GitSnapshot{
		CurrentCommit: head.Hash().String(),
		PreviousHead:  opts.previousHead,
		Branch:        opts.branch,
		Remote:        opts.remote,
		ChangedFiles:  filterExtensions(uniqueSorted(changed), opts.extensions),
		SyncedAt:      opts.now.UTC(),
	}
	if head.Name().IsBranch() {
		snap.Branch = head.Name().Short()
	}
	if opts.includeCommits {
		snap.RecentCommits = commits
	} else {
		snap.RecentCommits = []schemas.CommitInfo{}
	}
	return snap, nil
}

// recentCommits walks at most limit commits back from from, newest first.
func recentCommits(repo *git.Repository, from plumbing.Hash, limit int) ([]schemas.CommitInfo, error) {
	out := []schemas.CommitInfo{}
	if limit <= 0 {
		return out, nil
	}
	iter, err := repo.Log(&git.LogOptions{From: from, Order: git.LogOrderCommitterTime})
	if err != nil {
		return nil, fmt.Errorf("walk history: %w", err)
	}
	defer iter.Close()

	for len(out) < limit {
		c, err := iter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("walk history: %w", err)
		}
		out = append(out, commitInfo(c))
	}
	return out, nil
}

func commitInfo(c *object.Commit) schemas.CommitInfo {
	info := schemas.CommitInfo{
		Hash:      c.Hash.String(),
		ShortHash: c.Hash.String()[:7],
		Message:   strings.TrimSpace(c.Message),
		Author:    c.Author.Name,
		Date:      c.Author.When.UTC(),
	}
	// Stats can fail on exotic objects; the commit is still worth listing.
	if stats, err := c.Stats(); err == nil {
		for _, s := range stats {
			info.ChangedFiles = append(info.ChangedFiles, s.Name)
			info.Additions += s.Addition
			info.Deletions += s.Deletion
		}
	}
	return info
}

func diffFiles(repo *git.Repository, previous plumbing.Hash, current *object.Commit) ([]string, error) {
	prevCommit, err := repo.CommitObject(previous)
	if err != nil {
		return nil, fmt.Errorf("load previous HEAD %s: %w", previous, err)
	}
	prevTree, err := prevCommit.Tree()
	if err != nil {
		return nil, err
	}
	curTree, err := current.Tree()
	if err != nil {
		return nil, err
	}
	changes, err := object.DiffTree(prevTree, curTree)
	if err != nil {
		return nil, fmt.Errorf("diff %s..%s: %w", previous.String()[:7], current.Hash.String()[:7], err)
	}
	files := make([]string, 0, len(changes))
	for _, ch := range changes {
		if ch.To.Name != "" {
			files = append(files, ch.To.Name)
		} else {
			files = append(files, ch.From.Name)
		}
	}
	return files, nil
}

func uniqueSorted(in []string) []string {
	sortStrings(in)
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	return out
}

// filterExtensions keeps paths whose extension is listed. An empty list keeps everything.
func filterExtensions(paths, exts []string) []string {
	out := []string{}
	if len(exts) == 0 {
		return append(out, paths...)
	}
	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		allowed[strings.ToLower(e)] = true
	}
	for _, p := range paths {
		if allowed[strings.ToLower(filepath.Ext(p))] {
			out = append(out, p)
		}
	}
	return out
}

func sortStrings(s []string) { sort.Strings(s) }

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
