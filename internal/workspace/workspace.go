// Package workspace enforces the path-safety gate used by Service.execute
// (spec.md §4.4 step 1) and backs the workspace listing endpoints (§6). The
// validation chain — Clean, reject absolute, EvalSymlinks, prefix-check
// against the resolved workspace root — is the same chain the pack's
// upload-security gate uses for its upload directory constraint.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/treqd/treqd/internal/apierr"
)

// Root validates and serves a single workspace root directory.
type Root struct {
	resolved string
}

// NewRoot resolves dir to an absolute, symlink-free path and verifies it
// exists and is a directory.
func NewRoot(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %q is not a directory", dir)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root %q: %w", dir, err)
	}
	return &Root{resolved: resolved}, nil
}

// Path returns the resolved workspace root.
func (r *Root) Path() string {
	return r.resolved
}

// SafeJoin validates rel against the workspace root per spec.md §4.4 step 1:
// reject when absolute, or when the realpath of root+rel does not have the
// realpath of root as a prefix. basePath is validated identically by
// callers that reuse this function.
func (r *Root) SafeJoin(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", apierr.New(apierr.CodePathOutsideWorkspace, fmt.Sprintf("path %q must be relative to the workspace", rel))
	}
	joined := filepath.Join(r.resolved, rel)
	resolved, err := resolveExistingOrParent(joined)
	if err != nil {
		return "", apierr.Wrap(apierr.CodePathOutsideWorkspace, err)
	}
	withSep := r.resolved + string(filepath.Separator)
	if resolved != r.resolved && !strings.HasPrefix(resolved, withSep) {
		return "", apierr.New(apierr.CodePathOutsideWorkspace, fmt.Sprintf("path %q escapes the workspace root", rel))
	}
	return resolved, nil
}

// resolveExistingOrParent resolves symlinks on path, falling back to
// resolving the nearest existing ancestor so that paths to files that do
// not yet exist (e.g. a new file being created) can still be validated.
func resolveExistingOrParent(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	parent := filepath.Dir(path)
	resolvedParent, perr := filepath.EvalSymlinks(parent)
	if perr != nil {
		return "", perr
	}
	return filepath.Join(resolvedParent, filepath.Base(path)), nil
}

// ListFiles walks the workspace root, returning paths relative to it,
// skipping any path component present in ignore.
func (r *Root) ListFiles(ignore []string) ([]string, error) {
	ignoreSet := make(map[string]struct{}, len(ignore))
	for _, p := range ignore {
		ignoreSet[p] = struct{}{}
	}
	var out []string
	err := filepath.WalkDir(r.resolved, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(r.resolved, path)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}
		base := filepath.Base(rel)
		if _, skip := ignoreSet[base]; skip {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
