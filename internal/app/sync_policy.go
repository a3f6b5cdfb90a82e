package app

import "sort"

// SyncInput describes one reconciliation window. Checksum maps omit absent
// paths.
type SyncInput struct {
	// Paths changed in the origin inside the window.
	Paths []string
	// Origin checksums at the end of the window.
	Origin map[string]string
	// Base checksums at the fork's last sync point.
	Base map[string]string
	// Fork checksums in the working copy.
	Fork map[string]string
}

type SyncPlan struct {
	// FastForward paths take the origin state, which may be a deletion.
	FastForward []string
	Skipped     []string
}

// SyncPolicy decides how origin changes reach a fork. Implementations must
// be pure.
type SyncPolicy interface {
	Reconcile(in SyncInput) SyncPlan
}

// LastWriterWins fast-forwards files the fork has not touched since its
// last sync and leaves locally modified files alone.
type LastWriterWins struct{}

func (LastWriterWins) Reconcile(in SyncInput) SyncPlan {
	plan := SyncPlan{FastForward: []string{}, Skipped: []string{}}
	paths := append([]string{}, in.Paths...)
	sort.Strings(paths)
	for _, path := range paths {
		origin := in.Origin[path]
		local := in.Fork[path]
		switch {
		case local == origin:
		case local == in.Base[path]:
			plan.FastForward = append(plan.FastForward, path)
		default:
			plan.Skipped = append(plan.Skipped, path)
		}
	}
	return plan
}
