// Package diff computes deterministic line diffs between file revisions.
package diff

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
)

// ContextLines is the number of unchanged lines kept around each hunk.
const ContextLines = 3

const noNewlineMarker = "\\ No newline at end of file"

type ChangeKind string

const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	Deleted  ChangeKind = "deleted"
)

// Classify derives the change kind from presence alone. Callers filter
// no-op changes before classifying.
func Classify(oldPresent, newPresent bool) ChangeKind {
	switch {
	case !oldPresent:
		return Added
	case !newPresent:
		return Deleted
	default:
		return Modified
	}
}

// IsBinary reports whether content should be treated as opaque bytes.
func IsBinary(content []byte) bool {
	head := content
	if len(head) > 8000 {
		head = head[:8000]
	}
	for _, b := range head {
		if b == 0 {
			return true
		}
	}
	return !utf8.Valid(content)
}

// Unified renders a unified diff of oldText against newText labelled with
// path. Identical inputs produce an empty string.
func Unified(oldText, newText, path string) string {
	if oldText == newText {
		return ""
	}
	a := splitLines(oldText)
	b := splitLines(newText)

	matcher := difflib.NewMatcher(a, b)
	groups := matcher.GetGroupedOpCodes(ContextLines)

	var out strings.Builder
	fmt.Fprintf(&out, "--- a/%s\n", path)
	fmt.Fprintf(&out, "+++ b/%s\n", path)
	for _, group := range groups {
		first, last := group[0], group[len(group)-1]
		fmt.Fprintf(&out, "@@ -%s +%s @@\n",
			formatRange(first.I1, last.I2),
			formatRange(first.J1, last.J2),
		)
		for _, op := range group {
			if op.Tag == 'e' {
				writeLines(&out, ' ', a[op.I1:op.I2])
				continue
			}
			if op.Tag == 'r' || op.Tag == 'd' {
				writeLines(&out, '-', a[op.I1:op.I2])
			}
			if op.Tag == 'r' || op.Tag == 'i' {
				writeLines(&out, '+', b[op.J1:op.J2])
			}
		}
	}
	return out.String()
}

// Stats counts added and removed lines in a unified diff.
func Stats(unified string) (added, removed int) {
	inHunk := false
	for _, line := range strings.Split(unified, "\n") {
		if strings.HasPrefix(line, "@@ ") {
			inHunk = true
			continue
		}
		if !inHunk {
			continue
		}
		switch {
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed
}

// Changelog is the mechanical summary used when no analyzer is available.
func Changelog(added, removed int) string {
	return fmt.Sprintf("+%d -%d lines", added, removed)
}

func writeLines(out *strings.Builder, prefix byte, lines []string) {
	for _, line := range lines {
		out.WriteByte(prefix)
		if strings.HasSuffix(line, "\n") {
			out.WriteString(line)
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
		out.WriteString(noNewlineMarker)
		out.WriteByte('\n')
	}
}

// formatRange follows the unified format: "start,count" with a 1-based
// start, or the start alone for a single line.
func formatRange(start, stop int) string {
	beginning := start + 1
	length := stop - start
	if length == 1 {
		return fmt.Sprintf("%d", beginning)
	}
	if length == 0 {
		beginning--
	}
	return fmt.Sprintf("%d,%d", beginning, length)
}

// splitLines keeps line terminators so a missing final newline is a change.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
