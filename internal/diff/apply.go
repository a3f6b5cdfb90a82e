package diff

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrPatchMismatch = errors.New("patch does not apply")

type patchLine struct {
	op   byte
	text string
}

type hunk struct {
	oldStart int
	oldCount int
	lines    []patchLine
}

// Apply replays a unified diff produced by Unified on top of oldText.
func Apply(oldText, unified string) (string, error) {
	if unified == "" {
		return oldText, nil
	}
	hunks, err := parseHunks(unified)
	if err != nil {
		return "", err
	}

	old := splitLines(oldText)
	var out strings.Builder
	cursor := 0
	for _, h := range hunks {
		start := h.oldStart - 1
		if h.oldCount == 0 {
			start = h.oldStart
		}
		if start < cursor || start > len(old) {
			return "", fmt.Errorf("%w: hunk at line %d out of range", ErrPatchMismatch, h.oldStart)
		}
		for ; cursor < start; cursor++ {
			out.WriteString(old[cursor])
		}
		for _, line := range h.lines {
			switch line.op {
			case ' ', '-':
				if cursor >= len(old) || old[cursor] != line.text {
					return "", fmt.Errorf("%w: line %d differs", ErrPatchMismatch, cursor+1)
				}
				if line.op == ' ' {
					out.WriteString(line.text)
				}
				cursor++
			case '+':
				out.WriteString(line.text)
			}
		}
	}
	for ; cursor < len(old); cursor++ {
		out.WriteString(old[cursor])
	}
	return out.String(), nil
}

func parseHunks(unified string) ([]hunk, error) {
	var hunks []hunk
	var current *hunk
	for _, raw := range splitLines(unified) {
		switch {
		case strings.HasPrefix(raw, "@@ "):
			oldStart, oldCount, err := parseHunkHeader(raw)
			if err != nil {
				return nil, err
			}
			hunks = append(hunks, hunk{oldStart: oldStart, oldCount: oldCount})
			current = &hunks[len(hunks)-1]
		case current == nil:
			// file headers
		case strings.HasPrefix(raw, noNewlineMarker):
			if n := len(current.lines); n > 0 {
				current.lines[n-1].text = strings.TrimSuffix(current.lines[n-1].text, "\n")
			}
		case raw[0] == ' ' || raw[0] == '-' || raw[0] == '+':
			current.lines = append(current.lines, patchLine{op: raw[0], text: raw[1:]})
		default:
			return nil, fmt.Errorf("%w: unexpected line %q", ErrPatchMismatch, strings.TrimSpace(raw))
		}
	}
	return hunks, nil
}

// parseHunkHeader reads the old-side range of "@@ -s,c +s,c @@".
func parseHunkHeader(line string) (start, count int, err error) {
	fields := strings.Fields(line)
	if len(fields) < 3 || !strings.HasPrefix(fields[1], "-") {
		return 0, 0, fmt.Errorf("%w: bad hunk header %q", ErrPatchMismatch, strings.TrimSpace(line))
	}
	rng := strings.TrimPrefix(fields[1], "-")
	count = 1
	if before, after, ok := strings.Cut(rng, ","); ok {
		rng = before
		if count, err = strconv.Atoi(after); err != nil {
			return 0, 0, fmt.Errorf("%w: bad hunk count: %v", ErrPatchMismatch, err)
		}
	}
	if start, err = strconv.Atoi(rng); err != nil {
		return 0, 0, fmt.Errorf("%w: bad hunk start: %v", ErrPatchMismatch, err)
	}
	return start, count, nil
}
