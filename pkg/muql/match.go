package muql

import (
	"regexp"
	"strings"
)

// likeMatcher compiles an SQL LIKE pattern: % matches any run, _ one
// character, backslash escapes. Matching is case-insensitive.
func likeMatcher(pattern string) func(string) bool {
	var b strings.Builder
	b.WriteString("(?is)^")
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			b.WriteString(".*")
		case r == '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String()).MatchString
}

// globMatcher compiles a FIND pattern. With * or ? wildcards the whole
// string must match; without, the pattern is a substring. Case-insensitive
// either way.
func globMatcher(pattern string) func(string) bool {
	if !strings.ContainsAny(pattern, "*?") {
		needle := strings.ToLower(pattern)
		return func(s string) bool { return strings.Contains(strings.ToLower(s), needle) }
	}
	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String()).MatchString
}
