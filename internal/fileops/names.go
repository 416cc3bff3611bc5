package fileops

import (
	"strings"
	"unicode"

	"github.com/fruitsalade/webfm/internal/failure"
)

// SanitizeName replaces control characters and path separators with "_" and
// trims surrounding whitespace. Empty, "." and ".." are rejected.
func SanitizeName(name string) (string, error) {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '/' || r == '\\' {
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "", failure.Validation("Invalid name.")
	}
	return name, nil
}

// BaseName drops everything from the last dot on and sanitizes the rest, so
// ".env" has no base and is rejected.
func BaseName(name string) (string, error) {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	return SanitizeName(name)
}
