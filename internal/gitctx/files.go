package gitctx

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/xkilldash9x/logdiag/api/schemas"
)

// ReadFile returns the working tree content of a repository relative path.
func (p *Provider) ReadFile(path string) ([]byte, error) {
	full, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// ListFiles walks the working tree, skipping .git, and returns regular files
// in lexical order.
func (p *Provider) ListFiles(ctx context.Context) ([]schemas.SourceFile, error) {
	root := p.repoCfg.LocalPath
	if _, err := os.Stat(filepath.Join(root, ".git")); errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotCloned
	}
	return walkTree(ctx, root)
}

// walkTree lists regular files under root with slash separated relative paths.
func walkTree(ctx context.Context, root string) ([]schemas.SourceFile, error) {
	var files []schemas.SourceFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, schemas.SourceFile{Path: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list files under %s: %w", root, err)
	}
	return files, nil
}

// resolve maps a relative path into the mirror, refusing anything that
// escapes it, including through symlinks.
func (p *Provider) resolve(path string) (string, error) {
	return confine(p.repoCfg.LocalPath, path)
}

func confine(root, path string) (string, error) {
	if path == "" || filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return "", ErrPathOutsideRepository
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", ErrPathOutsideRepository
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	full := filepath.Join(absRoot, clean)

	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		return "", err
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(realRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathOutsideRepository
	}
	return resolved, nil
}

// DirSource serves files from a plain directory. It backs discovery when git
// context is disabled or when diagnosing against a local checkout.
type DirSource struct {
	Root string
}

func (d DirSource) ListFiles(ctx context.Context) ([]schemas.SourceFile, error) {
	return walkTree(ctx, d.Root)
}

func (d DirSource) ReadFile(path string) ([]byte, error) {
	full, err := confine(d.Root, path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}
