package discovery

import (
	"context"
	"path"
	"strings"

	"github.com/xkilldash9x/logdiag/api/schemas"
)

// FileSource is the tree the engine selects files from. Paths are slash
// separated and relative to the tree root.
type FileSource interface {
	ListFiles(ctx context.Context) ([]schemas.SourceFile, error)
	ReadFile(path string) ([]byte, error)
}

// binaryExtensions are never considered, whatever the priority list says.
var binaryExtensions = map[string]bool{
	".pdf": true, ".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".tiff": true, ".svg": true,
	".mp4": true, ".avi": true, ".mov": true, ".wmv": true, ".flv": true, ".webm": true,
	".mp3": true, ".wav": true, ".ogg": true, ".flac": true, ".aac": true,
	".zip": true, ".tar": true, ".gz": true, ".bz2": true, ".7z": true, ".rar": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".bin": true,
	".docx": true, ".xlsx": true, ".pptx": true, ".doc": true, ".xls": true, ".ppt": true,
	".ico": true, ".cur": true, ".ttf": true, ".otf": true, ".woff": true, ".woff2": true,
	".db": true, ".sqlite": true, ".sqlite3": true,
}

// universe keeps the files eligible for scoring.
func universe(files []schemas.SourceFile, priority, excludes []string) []schemas.SourceFile {
	allowed := make(map[string]bool, len(priority))
	for _, ext := range priority {
		allowed[strings.ToLower(ext)] = true
	}
	out := make([]schemas.SourceFile, 0, len(files))
	for _, f := range files {
		ext := strings.ToLower(path.Ext(f.Path))
		if binaryExtensions[ext] {
			continue
		}
		if len(allowed) > 0 && !allowed[ext] {
			continue
		}
		if excluded(f.Path, excludes) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// excluded matches each glob against the whole path, its base name, and for
// "dir/*" patterns against every directory on the path.
func excluded(p string, patterns []string) bool {
	base := path.Base(p)
	dirs := strings.Split(path.Dir(p), "/")
	for _, pat := range patterns {
		if ok, _ := path.Match(pat, p); ok {
			return true
		}
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
		dirPat, isDir := strings.CutSuffix(pat, "/*")
		if !isDir {
			continue
		}
		for i := range dirs {
			if ok, _ := path.Match(dirPat, dirs[i]); ok && dirs[i] != "." {
				return true
			}
			if ok, _ := path.Match(dirPat, strings.Join(dirs[:i+1], "/")); ok {
				return true
			}
		}
	}
	return false
}
