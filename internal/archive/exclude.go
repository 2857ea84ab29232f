package archive

import (
	"path/filepath"
	"strings"
)

// excludePattern is a parsed exclusion with its matching strategy.
type excludePattern struct {
	pattern   string
	matchPath bool // true = match the relative path; false = match any single path component
}

// ExcludeMatcher decides which members are left out of an archive.
// Fragments without '/' match any component of the member path, so "data" drops every
// directory named data together with its contents. Fragments with '/' match the path
// relative to the archived root, and also drop everything below a matching directory.
type ExcludeMatcher struct {
	patterns []excludePattern
}

// NewExcludeMatcher creates an ExcludeMatcher. Blank fragments are skipped.
func NewExcludeMatcher(fragments []string) *ExcludeMatcher {
	var patterns []excludePattern
	for _, raw := range fragments {
		raw = strings.Trim(strings.TrimSpace(raw), "/")
		if raw == "" {
			continue
		}
		patterns = append(patterns, excludePattern{
			pattern:   raw,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &ExcludeMatcher{patterns: patterns}
}

// Match reports whether relativePath is excluded.
func (m *ExcludeMatcher) Match(relativePath string) bool {
	if len(m.patterns) == 0 {
		return false
	}

	normalized := filepath.ToSlash(relativePath)
	components := strings.Split(normalized, "/")

	for _, p := range m.patterns {
		if p.matchPath {
			if matchPrefix(p.pattern, components) {
				return true
			}
			continue
		}
		for _, c := range components {
			matched, err := filepath.Match(p.pattern, c)
			if err != nil {
				break
			}
			if matched {
				return true
			}
		}
	}
	return false
}

// matchPrefix reports whether pattern matches the path formed by some leading run of
// components.
func matchPrefix(pattern string, components []string) bool {
	depth := strings.Count(pattern, "/") + 1
	if depth > len(components) {
		return false
	}
	matched, err := filepath.Match(pattern, strings.Join(components[:depth], "/"))
	return err == nil && matched
}

// TarArgs renders the fragments as GNU tar --exclude flags.
func (m *ExcludeMatcher) TarArgs() []string {
	var args []string
	for _, p := range m.patterns {
		args = append(args, "--exclude="+p.pattern)
	}
	return args
}
