package gitctx

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/xkilldash9x/logdiag/api/schemas"
)

// TreeSource serves the files of one commit out of the object store. Syncs
// move the working tree and refs, never the objects of an existing commit,
// so a TreeSource keeps answering for its commit while the mirror moves on.
// It is not safe for concurrent use.
type TreeSource struct {
	commit string
	tree   *object.Tree
}

// TreeSource opens the tree of snap's commit. The repository is opened
// separately from the one Sync uses.
func (p *Provider) TreeSource(snap *schemas.GitSnapshot) (*TreeSource, error) {
	if snap == nil || snap.CurrentCommit == "" {
		return nil, ErrNotCloned
	}
	repo, err := git.PlainOpen(p.repoCfg.LocalPath)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, ErrNotCloned
		}
		return nil, fmt.Errorf("open repository: %w", err)
	}
	commit, err := repo.CommitObject(plumbing.NewHash(snap.CurrentCommit))
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", shortHash(snap.CurrentCommit), err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree of %s: %w", shortHash(snap.CurrentCommit), err)
	}
	return &TreeSource{commit: snap.CurrentCommit, tree: tree}, nil
}

// Commit is the hash the source reads from.
func (s *TreeSource) Commit() string { return s.commit }

// ListFiles returns the regular files of the commit in lexical order.
func (s *TreeSource) ListFiles(ctx context.Context) ([]schemas.SourceFile, error) {
	var files []schemas.SourceFile
	err := s.tree.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch f.Mode {
		case filemode.Regular, filemode.Executable, filemode.Deprecated:
			files = append(files, schemas.SourceFile{Path: f.Name, Size: f.Size})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list files at %s: %w", shortHash(s.commit), err)
	}
	slices.SortFunc(files, func(a, b schemas.SourceFile) int { return strings.Compare(a.Path, b.Path) })
	return files, nil
}

// ReadFile returns the content of path as of the commit. Paths missing from
// the commit report fs.ErrNotExist.
func (s *TreeSource) ReadFile(p string) ([]byte, error) {
	clean := path.Clean(p)
	if p == "" || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return nil, ErrPathOutsideRepository
	}
	f, err := s.tree.File(clean)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, fmt.Errorf("%s at %s: %w", clean, shortHash(s.commit), fs.ErrNotExist)
		}
		return nil, err
	}
	content, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("read %s at %s: %w", clean, shortHash(s.commit), err)
	}
	return []byte(content), nil
}

func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}
