package handler

import (
	"path/filepath"
	"strings"
)

// NormalizePath cleans p, keeping the empty string for the virtual root
func NormalizePath(p string) string {
	if p == "" {
		return ""
	}
	return filepath.Clean(p)
}

// PathKey returns the comparison key of a path: cleaned, forward slashes,
// lower case. Two paths are the same location when their keys are equal.
func PathKey(p string) string {
	return strings.ToLower(exactKey(p))
}

// exactKey is PathKey without case folding
func exactKey(p string) string {
	if p == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Clean(p))
}

// IsWithin reports whether key lies strictly below parent. Both arguments
// are keys as returned by PathKey.
func IsWithin(key, parent string) bool {
	if parent == "" || key == parent {
		return false
	}
	prefix := parent
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return strings.HasPrefix(key, prefix)
}

// pathRelation is how a newly scanned path relates to a cached root
type pathRelation int

const (
	relationDisjoint   pathRelation = iota
	relationSame                    // same location
	relationAncestor                // scanned path contains the root
	relationDescendant              // scanned path lies inside the root
)

func (r pathRelation) String() string {
	switch r {
	case relationSame:
		return "same"
	case relationAncestor:
		return "ancestor"
	case relationDescendant:
		return "descendant"
	default:
		return "disjoint"
	}
}

// classifyPath relates the scanned path p to the cached root path r
func classifyPath(p, r string) pathRelation {
	return relation(PathKey(p), PathKey(r))
}

// classifyExact is classifyPath with case-sensitive comparison
func classifyExact(p, r string) pathRelation {
	return relation(exactKey(p), exactKey(r))
}

func relation(pk, rk string) pathRelation {
	switch {
	case pk == rk:
		return relationSame
	case IsWithin(rk, pk):
		return relationAncestor
	case IsWithin(pk, rk):
		return relationDescendant
	default:
		return relationDisjoint
	}
}

// leadingPath returns the leading elements of p, as many as like has.
// p must lie at or below a case variant of like.
func leadingPath(p, like string) string {
	parts := strings.Split(exactKey(p), "/")
	n := len(strings.Split(exactKey(like), "/"))
	if n >= len(parts) {
		return p
	}
	return filepath.FromSlash(strings.Join(parts[:n], "/"))
}
