// Package pathpolicy decides which filesystem paths tools may touch.
// Every built-in tool that opens a caller-supplied path canonicalizes it
// here and asserts it falls inside a mutable root before reading or writing.
package pathpolicy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// PathError reports a path that failed containment. Requested preserves the
// caller's original spelling so the failure message can name it.
type PathError struct {
	Requested string
	Resolved  string
	Roots     []string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("access denied: path outside mutable roots: %s", e.Requested)
}

// Canonicalize resolves path against base (when relative), cleans it, and
// follows symlinks to a canonical absolute form. Non-existent paths resolve
// through their deepest existing ancestor; dangling symlinks resolve to
// their target so escapes through them are still caught.
func Canonicalize(path, base string) (string, error) {
	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Clean(filepath.Join(base, path))
	}

	real, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return real, nil
	}
	if !os.IsNotExist(err) {
		slog.Warn("pathpolicy.resolve_failed", "path", path, "error", err)
		return "", fmt.Errorf("cannot resolve path %s: %w", path, err)
	}

	// Dangling symlink: validate the target, not the link itself.
	if info, lerr := os.Lstat(abs); lerr == nil && info.Mode()&os.ModeSymlink != 0 {
		target, rerr := os.Readlink(abs)
		if rerr != nil {
			return "", fmt.Errorf("cannot resolve symlink %s: %w", path, rerr)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(abs), target)
		}
		return resolveThroughExistingAncestors(filepath.Clean(target))
	}

	return resolveThroughExistingAncestors(abs)
}

// resolveThroughExistingAncestors canonicalizes the deepest existing ancestor
// with EvalSymlinks and rejoins the remaining components. Catches chained
// symlinks whose intermediate targets escape containment.
func resolveThroughExistingAncestors(target string) (string, error) {
	if real, err := filepath.EvalSymlinks(target); err == nil {
		return real, nil
	}

	current := target
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent

		if realParent, err := filepath.EvalSymlinks(current); err == nil {
			result := realParent
			for _, component := range tail {
				result = filepath.Join(result, component)
			}
			return result, nil
		}
	}
	return filepath.Clean(target), nil
}

// IsWithinRoot reports whether p sits inside root (or equals it). Both sides
// should already be canonical. True iff the relative path neither starts
// with ".." nor is absolute.
func IsWithinRoot(p, root string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}

// AssertInMutableRoots canonicalizes requested against base and returns the
// resolved path when some root contains it. Roots are canonicalized on the
// fly; roots that cannot be resolved are compared as cleaned absolutes so a
// not-yet-created workspace still counts.
func AssertInMutableRoots(requested, base string, roots []string) (string, error) {
	resolved, err := Canonicalize(requested, base)
	if err != nil {
		return "", err
	}

	canonRoots := make([]string, 0, len(roots))
	for _, root := range roots {
		if !filepath.IsAbs(root) {
			root = filepath.Join(base, root)
		}
		real, rerr := filepath.EvalSymlinks(root)
		if rerr != nil {
			real = filepath.Clean(root)
		}
		canonRoots = append(canonRoots, real)
		if IsWithinRoot(resolved, real) {
			return resolved, nil
		}
	}

	slog.Warn("pathpolicy.escape", "requested", requested, "resolved", resolved, "roots", canonRoots)
	return "", &PathError{Requested: requested, Resolved: resolved, Roots: canonRoots}
}
