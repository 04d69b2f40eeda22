package vfs

import (
	"fmt"
	"strings"
)

// IsAbsolutePath reports whether path is absolute: either /-rooted or
// drive-letter syntax ("C:/...").
func IsAbsolutePath(path string) bool {
	if path == "" {
		return false
	}
	if path[0] == '/' {
		return true
	}
	return len(path) > 1 && path[1] == ':'
}

// normalizePath canonicalizes an absolute path: duplicate slashes
// collapsed, ".." segments resolved, exactly one trailing slash iff
// isDirectory. When preserveUNC is set, a leading double slash survives
// normalization. The result is idempotent under re-normalization.
func normalizePath(path string, isDirectory, preserveUNC bool) (string, error) {
	if !IsAbsolutePath(path) {
		return "", fmt.Errorf("%w: %q", ErrAbsolutePathRequired, path)
	}

	isUNC := preserveUNC && strings.HasPrefix(path, "//")

	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}

	if strings.Contains(path, "..") {
		parts := strings.Split(path, "/")
		for i := 1; i < len(parts); i++ {
			if parts[i] != ".." {
				continue
			}
			if i < 2 {
				return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
			}
			parts = append(parts[:i-1], parts[i+1:]...)
			i -= 2
		}
		path = strings.Join(parts, "/")
		if path == "" {
			path = "/"
		}
	}

	if isDirectory {
		if !strings.HasSuffix(path, "/") {
			path += "/"
		}
	} else {
		for len(path) > 1 && strings.HasSuffix(path, "/") {
			path = path[:len(path)-1]
		}
	}

	if isUNC {
		path = "/" + path
	}
	return path, nil
}

// parentPath returns the canonical path of the parent directory of a
// canonical path, or "" for the filesystem root.
func parentPath(fullPath string) string {
	trimmed := strings.TrimSuffix(fullPath, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 || trimmed == "" {
		return ""
	}
	return fullPath[:idx+1]
}

// baseName returns the last segment of a canonical path.
func baseName(fullPath string) string {
	trimmed := strings.TrimSuffix(fullPath, "/")
	idx := strings.LastIndex(trimmed, "/")
	return trimmed[idx+1:]
}
