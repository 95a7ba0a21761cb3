package server

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	namePattern     = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	wildcardPattern = regexp.MustCompile(`^[A-Za-z0-9._*-]+$`)
)

// mountPath normalises a base path to "" or "/seg[/seg...]".
func mountPath(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// validName accepts [A-Za-z0-9._-] (plus '*' with wildcards) and rejects
// "..", so a name can never address a path.
func validName(s string, wildcards bool) bool {
	re := namePattern
	if wildcards {
		re = wildcardPattern
	}
	return re.MatchString(s) && !strings.Contains(s, "..")
}

// validProjectDir accepts absolute paths with no ".." element.
func validProjectDir(p string) bool {
	if !filepath.IsAbs(p) {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

// validRoot accepts a working directory relative to the project that stays
// inside it.
func validRoot(root string) bool {
	if root == "" {
		return true
	}
	if filepath.IsAbs(root) || strings.HasPrefix(filepath.ToSlash(root), "/") {
		return false
	}
	clean := filepath.ToSlash(filepath.Clean(root))
	return clean != ".." && !strings.HasPrefix(clean, "../")
}
