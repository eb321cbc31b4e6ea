package store

import (
	"regexp"

	"github.com/pkg/errors"
)

// Invalid lock path.
var ErrPathInvalid = errors.New("invalid path")

// Valid path segment expression. A segment may contain word characters,
// dashes, and dots, joined by single slashes.
var validPathExpr = regexp.MustCompile(`^[\w.\-]+(?:/[\w.\-]+)*$`)

// ValidateLockPath cleans and validates a lock path key.
//
// Leading separators are stripped. The mount root is denoted by ".". Path
// keys are opaque to the store beyond this normalization — it never
// interprets them further.
func ValidateLockPath(path string) (string, error) {
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}

	if path == "" || path == "." {
		return ".", nil
	}

	if !validPathExpr.MatchString(path) {
		return path, ErrPathInvalid
	}

	return path, nil
}
