package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath validates a user-supplied path against an optional sandbox
// base and returns the resolved absolute path.
//
// An absolute path that canonicalizes is used as-is; anything else is
// joined to the base and normalized lexically — "." and ".." are resolved
// without touching the filesystem, because a ".."-escape routed through a
// non-existent parent must still be caught. With a sandbox set, the
// nearest existing ancestor of the result is canonicalized, the
// non-existent tail reattached, and the outcome must sit under the
// canonical base.
func ResolvePath(userPath, sandboxBase string) (string, error) {
	if strings.TrimSpace(userPath) == "" {
		return "", fmt.Errorf("empty path")
	}
	userPath = expandHome(userPath)

	var target string
	if filepath.IsAbs(userPath) {
		if real, err := filepath.EvalSymlinks(userPath); err == nil {
			target = real
		} else {
			target = filepath.Clean(userPath)
		}
	} else {
		base := sandboxBase
		if base == "" {
			wd, err := os.Getwd()
			if err != nil {
				return "", fmt.Errorf("resolve working directory: %w", err)
			}
			base = wd
		}
		abs, err := filepath.Abs(base)
		if err != nil {
			return "", fmt.Errorf("resolve base: %w", err)
		}
		target = filepath.Clean(filepath.Join(abs, userPath))
	}

	if sandboxBase == "" {
		return target, nil
	}

	baseAbs, err := filepath.Abs(sandboxBase)
	if err != nil {
		return "", fmt.Errorf("resolve sandbox base: %w", err)
	}
	baseReal, err := filepath.EvalSymlinks(baseAbs)
	if err != nil {
		// Base must exist for sandboxing to mean anything.
		return "", fmt.Errorf("sandbox base unavailable: %w", err)
	}
	baseReal = filepath.Clean(baseReal)

	// Find the nearest existing ancestor of the target, canonicalize it,
	// and reattach the non-existent tail.
	ancestor := target
	for {
		if _, err := os.Lstat(ancestor); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("stat %s: %w", ancestor, err)
		}
		next := filepath.Dir(ancestor)
		if next == ancestor {
			break
		}
		ancestor = next
	}
	ancestorReal, err := filepath.EvalSymlinks(ancestor)
	if err != nil {
		ancestorReal = filepath.Clean(ancestor)
	}
	tail, err := filepath.Rel(ancestor, target)
	if err != nil {
		return "", fmt.Errorf("compute tail: %w", err)
	}
	resolved := ancestorReal
	if tail != "." {
		resolved = filepath.Clean(filepath.Join(ancestorReal, tail))
	}

	if !withinRoot(baseReal, resolved) {
		return "", fmt.Errorf("path escapes sandbox: %s", userPath)
	}
	return resolved, nil
}

// withinRoot reports whether target sits at or under root.
func withinRoot(root, target string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(target))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
