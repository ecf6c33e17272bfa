// Package corpus enumerates and reads context documents under repo-relative
// roots. All paths handed out are repo-relative with forward slashes; the
// reader refuses traversal outside the repository.
package corpus

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

var ErrUnsafePath = errors.New("corpus path escapes repository root")

type Reader struct {
	repoRoot string
}

func NewReader(repoRoot string) *Reader {
	return &Reader{repoRoot: repoRoot}
}

// Read returns the bytes of a repo-relative file.
func (r *Reader) Read(rel string) ([]byte, error) {
	full, err := r.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// Glob selects files under root matching any include pattern and no exclude
// pattern. Results are repo-relative, forward-slash, sorted lexicographically
// and capped at maxFiles (0 means no cap). A missing root selects nothing.
func (r *Reader) Glob(root string, includeGlobs, excludeGlobs []string, maxFiles int) ([]string, error) {
	rootFull, err := r.resolve(root)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(rootFull); err != nil {
		return nil, nil
	}

	var selected []string
	err = filepath.WalkDir(rootFull, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		relToRoot := filepath.ToSlash(strings.TrimPrefix(strings.TrimPrefix(p, rootFull), string(os.PathSeparator)))
		if !matchAny(includeGlobs, relToRoot) || matchAny(excludeGlobs, relToRoot) {
			return nil
		}
		relToRepo := path.Join(filepath.ToSlash(root), relToRoot)
		selected = append(selected, relToRepo)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk corpus root %s: %w", root, err)
	}
	sort.Strings(selected)
	if maxFiles > 0 && len(selected) > maxFiles {
		selected = selected[:maxFiles]
	}
	return selected, nil
}

func (r *Reader) resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q is absolute", ErrUnsafePath, rel)
	}
	clean := path.Clean(filepath.ToSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	return filepath.Join(r.repoRoot, filepath.FromSlash(clean)), nil
}

// matchAny matches a forward-slash relative path against shell patterns.
// A leading "**/" matches any directory depth, including none.
func matchAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if matchGlob(pattern, rel) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, rel string) bool {
	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		for {
			if ok, _ := path.Match(rest, rel); ok {
				return true
			}
			i := strings.IndexByte(rel, '/')
			if i < 0 {
				return false
			}
			rel = rel[i+1:]
		}
	}
	ok, _ := path.Match(pattern, rel)
	return ok
}
