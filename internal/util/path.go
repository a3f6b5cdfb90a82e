package util

import (
	"errors"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var ErrInvalidPath = errors.New("invalid file path")

// NormalizePath returns the canonical form of a document-relative path:
// NFC, forward slashes, no leading slash, no dot segments.
func NormalizePath(raw string) (string, error) {
	p := norm.NFC.String(strings.TrimSpace(raw))
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return "", ErrInvalidPath
	}
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return "", ErrInvalidPath
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	if cleaned == "" || cleaned == "." {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}
