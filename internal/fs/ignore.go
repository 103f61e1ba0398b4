package fs

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// IgnoreFileName is the per-watch-root file of extra ignore patterns.
const IgnoreFileName = ".melissiignore"

// defaultIgnorePatterns are always applied regardless of config or ignore files.
var defaultIgnorePatterns = []string{IgnoreFileName}

// ignorePattern is a parsed ignore pattern with its matching strategy.
type ignorePattern struct {
	pattern   string
	matchPath bool // true = match against a leading part of the path; false = against each path element
}

// IgnoreMatcher checks paths relative to a watch root against ignore
// patterns. A path is ignored when it or any of its parent directories
// matches.
//
// Patterns without '/' match a single path element, so "*.log" hides every
// log file and ".git" a whole repository. A trailing '/' is dropped. Other
// patterns with '/' match the leading elements of the path ("build/out").
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher creates an IgnoreMatcher from raw pattern strings plus
// the defaults. Blank lines and lines starting with '#' are skipped.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	var patterns []ignorePattern
	for _, raw := range append(append([]string{}, defaultIgnorePatterns...), rawPatterns...) {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		raw = strings.TrimSuffix(strings.TrimPrefix(raw, "/"), "/")
		if raw == "" {
			continue
		}
		patterns = append(patterns, ignorePattern{
			pattern:   raw,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &IgnoreMatcher{patterns: patterns}
}

// Match reports whether the given relative path should be ignored.
// The watch root itself ("" or ".") is never ignored.
func (m *IgnoreMatcher) Match(relativePath string) bool {
	normalized := path.Clean(filepath.ToSlash(relativePath))
	if normalized == "." || normalized == "" {
		return false
	}
	elems := strings.Split(normalized, "/")

	for _, p := range m.patterns {
		if p.matchPath {
			depth := strings.Count(p.pattern, "/") + 1
			if depth > len(elems) {
				continue
			}
			// Bad patterns report an error; they simply never match.
			if ok, err := path.Match(p.pattern, strings.Join(elems[:depth], "/")); err == nil && ok {
				return true
			}
			continue
		}
		for _, e := range elems {
			if ok, err := path.Match(p.pattern, e); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// ParseIgnoreFile reads an ignore file and returns the raw pattern strings.
// Returns nil and no error if the file does not exist.
func ParseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return patterns, nil
}
