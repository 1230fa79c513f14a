// Package gitctx maintains a local mirror of the tracked repository and the
// snapshot of its recent history that diagnoses are built against.
package gitctx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/observability"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const remoteName = "origin"

// Provider owns the mirror at repository.local_path. Syncs are serialized and
// coalesced; snapshot reads never block.
type Provider struct {
	repoCfg     config.RepositoryConfig
	analysisCfg config.GitAnalysisConfig
	logger      *zap.Logger
	metrics     *observability.Metrics

	mu       sync.Mutex // guards every mutation of the mirror
	group    singleflight.Group
	snapshot atomic.Pointer[schemas.GitSnapshot]
	lastErr  atomic.Pointer[string]
	now      func() time.Time
}

// NewProvider creates a provider. Nothing touches disk or network until Sync.
func NewProvider(repoCfg config.RepositoryConfig, analysisCfg config.GitAnalysisConfig, logger *zap.Logger, metrics *observability.Metrics) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		repoCfg:     repoCfg,
		analysisCfg: analysisCfg,
		logger:      logger.Named("gitctx"),
		metrics:     metrics,
		now:         time.Now,
	}
}

// Snapshot returns the last successfully built snapshot, or nil.
func (p *Provider) Snapshot() *schemas.GitSnapshot {
	return p.snapshot.Load()
}

// Sync brings the mirror up to date and returns the resulting snapshot.
// Without force, a cached snapshot is returned when the remote branch tip
// still equals the local HEAD. Callers arriving while a sync is running wait
// for that sync and share its result.
func (p *Provider) Sync(ctx context.Context, force bool) (*schemas.GitSnapshot, error) {
	// The shared sync must not die with whichever caller started it.
	detached := context.WithoutCancel(ctx)
	ch := p.group.DoChan("sync", func() (any, error) {
		return p.sync(detached, force)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*schemas.GitSnapshot), nil
	}
}

func (p *Provider) sync(ctx context.Context, force bool) (*schemas.GitSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.now()
	snap, err := p.syncLocked(ctx, force)
	if err != nil {
		msg := err.Error()
		p.lastErr.Store(&msg)
		p.metrics.GitSync(ctx, "error")
		p.logger.Warn("Repository sync failed.", zap.Error(err), zap.Bool("force", force))
		return nil, err
	}
	p.lastErr.Store(nil)
	p.metrics.GitSync(ctx, "ok")
	p.logger.Info("Repository synced.",
		zap.String("commit", snap.CurrentCommit),
		zap.Int("changed_files", len(snap.ChangedFiles)),
		zap.Duration("elapsed", p.now().Sub(start)))
	return snap, nil
}

func (p *Provider) syncLocked(ctx context.Context, force bool) (*schemas.GitSnapshot, error) {
	remote := RedactURL(p.repoCfg.URL)
	auth, err := authFor(p.repoCfg)
	if err != nil {
		return nil, &GitSyncError{Op: "auth", Remote: remote, Err: err}
	}

	repo, err := git.PlainOpen(p.repoCfg.LocalPath)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		p.logger.Info("Cloning repository.", zap.String("remote", remote), zap.String("path", p.repoCfg.LocalPath))
		_, statErr := os.Stat(p.repoCfg.LocalPath)
		existed := statErr == nil
		repo, err = git.PlainCloneContext(ctx, p.repoCfg.LocalPath, false, &git.CloneOptions{
			URL:           p.repoCfg.URL,
			Auth:          auth,
			RemoteName:    remoteName,
			ReferenceName: plumbing.NewBranchReferenceName(p.repoCfg.Branch),
			SingleBranch:  true,
		})
		if err != nil {
			// A failed clone leaves a partial directory that would fool the next PlainOpen.
			if !existed {
				_ = os.RemoveAll(p.repoCfg.LocalPath)
			}
			return nil, &GitSyncError{Op: "clone", Remote: remote, Err: err}
		}
		return p.publish(repo, "")
	}
	if err != nil {
		return nil, &GitSyncError{Op: "open", Err: err}
	}

	head, err := repo.Head()
	if err != nil {
		return nil, &GitSyncError{Op: "head", Err: err}
	}

	if !force {
		tip, err := p.remoteTip(ctx, repo, auth)
		if err != nil {
			return nil, &GitSyncError{Op: "ls-remote", Remote: remote, Err: err}
		}
		if tip == head.Hash() {
			if cached := p.snapshot.Load(); cached != nil && cached.CurrentCommit == tip.String() {
				return cached, nil
			}
			return p.publish(repo, "")
		}
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		Auth:       auth,
		RefSpecs:   []gitconfig.RefSpec{p.branchRefSpec()},
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, &GitSyncError{Op: "fetch", Remote: remote, Err: err}
	}

	if err := p.checkout(repo); err != nil {
		return nil, &GitSyncError{Op: "checkout", Err: err}
	}
	return p.publish(repo, head.Hash().String())
}

func (p *Provider) branchRefSpec() gitconfig.RefSpec {
	b := p.repoCfg.Branch
	return gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", b, remoteName, b))
}

// remoteTip lists the remote's references and returns the configured branch tip.
func (p *Provider) remoteTip(ctx context.Context, repo *git.Repository, auth transport.AuthMethod) (plumbing.Hash, error) {
	r, err := repo.Remote(remoteName)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	refs, err := r.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return plumbing.ZeroHash, err
	}
	want := plumbing.NewBranchReferenceName(p.repoCfg.Branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Hash(), nil
		}
	}
	return plumbing.ZeroHash, fmt.Errorf("branch %q not found on remote", p.repoCfg.Branch)
}

// checkout moves the local branch to the fetched remote tip, creating it
// when absent. The mirror is never edited locally, so a hard reset is safe.
func (p *Provider) checkout(repo *git.Repository) error {
	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName(remoteName, p.repoCfg.Branch), true)
	if err != nil {
		return fmt.Errorf("resolve %s/%s: %w", remoteName, p.repoCfg.Branch, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}

	local := plumbing.NewBranchReferenceName(p.repoCfg.Branch)
	_, err = repo.Reference(local, false)
	create := errors.Is(err, plumbing.ErrReferenceNotFound)
	if err != nil && !create {
		return err
	}

	co := &git.CheckoutOptions{Branch: local, Create: create, Force: true}
	if create {
		co.Hash = remoteRef.Hash()
	}
	if err := wt.Checkout(co); err != nil {
		return fmt.Errorf("checkout %s: %w", local.Short(), err)
	}
	return wt.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset})
}

// publish builds a snapshot from the current HEAD and swaps it in.
func (p *Provider) publish(repo *git.Repository, previousHead string) (*schemas.GitSnapshot, error) {
	snap, err := buildSnapshot(repo, snapshotOptions{
		branch:         p.repoCfg.Branch,
		remote:         RedactURL(p.repoCfg.URL),
		previousHead:   previousHead,
		maxCommits:     p.analysisCfg.MaxCommitsToAnalyze,
		includeCommits: p.analysisCfg.IncludeRecentCommits,
		extensions:     p.analysisCfg.FileExtensionsToInclude,
		now:            p.now(),
	})
	if err != nil {
		return nil, &GitSyncError{Op: "snapshot", Err: err}
	}
	p.snapshot.Store(snap)
	return snap, nil
}

// RepoStatus describes the mirror for status endpoints.
type RepoStatus struct {
	Cloned     bool       `json:"cloned"`
	Branch     string     `json:"branch"`
	Head       string     `json:"head,omitempty"`
	Dirty      bool       `json:"dirty"`
	Modified   []string   `json:"modified,omitempty"`
	Untracked  []string   `json:"untracked,omitempty"`
	RemoteURL  string     `json:"remote_url"`
	LocalPath  string     `json:"local_path"`
	LastSync   *time.Time `json:"last_sync,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	HeadCommit string     `json:"head_commit_message,omitempty"`
}

// Status inspects the mirror. A missing mirror is reported, not an error.
func (p *Provider) Status(ctx context.Context) (*RepoStatus, error) {
	st := &RepoStatus{
		Branch:    p.repoCfg.Branch,
		RemoteURL: RedactURL(p.repoCfg.URL),
		LocalPath: p.repoCfg.LocalPath,
	}
	if snap := p.snapshot.Load(); snap != nil {
		t := snap.SyncedAt
		st.LastSync = &t
	}
	if msg := p.lastErr.Load(); msg != nil {
		st.LastError = *msg
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	repo, err := git.PlainOpen(p.repoCfg.LocalPath)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	st.Cloned = true

	if head, err := repo.Head(); err == nil {
		st.Head = head.Hash().String()
		if head.Name().IsBranch() {
			st.Branch = head.Name().Short()
		}
		if c, err := repo.CommitObject(head.Hash()); err == nil {
			st.HeadCommit = firstLine(c.Message)
		}
	}
	if r, err := repo.Remote(remoteName); err == nil && len(r.Config().URLs) > 0 {
		st.RemoteURL = RedactURL(r.Config().URLs[0])
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("worktree status: %w", err)
	}
	for path, fs := range status {
		switch {
		case fs.Worktree == git.Untracked:
			st.Untracked = append(st.Untracked, path)
		case fs.Worktree != git.Unmodified || fs.Staging != git.Unmodified:
			st.Modified = append(st.Modified, path)
		}
	}
	sortStrings(st.Modified)
	sortStrings(st.Untracked)
	st.Dirty = len(st.Modified) > 0 || len(st.Untracked) > 0
	return st, nil
}
