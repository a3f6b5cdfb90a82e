package app

import (
	"context"
	"errors"
	"fmt"

	"playhub/api/internal/store"
)

type SyncResult struct {
	FilesUpdated             []string `json:"filesUpdated"`
	SkippedDueToLocalChanges []string `json:"skippedDueToLocalChanges"`
	PreviousSyncVersion      int      `json:"previousSyncVersion"`
	NewLastSyncVersion       int      `json:"newLastSyncVersion"`
}

// SyncFork brings origin changes into the fork according to the sync
// policy and advances its last sync version to the origin's current one.
func (s *Service) SyncFork(ctx context.Context, actor, forkID string) (SyncResult, error) {
	unlock, err := s.lockFork(ctx, forkID)
	if err != nil {
		return SyncResult{}, err
	}
	defer unlock()

	fork, doc, err := s.loadFork(ctx, forkID)
	if err != nil {
		return SyncResult{}, err
	}
	if fork.OwnerID != actor {
		return SyncResult{}, forbiddenError("Only the fork owner can sync it")
	}
	if fork.Status != store.StatusActive {
		return SyncResult{}, invalidStateError("Fork is deleted")
	}

	result := SyncResult{
		FilesUpdated:             []string{},
		SkippedDueToLocalChanges: []string{},
		PreviousSyncVersion:      fork.LastSyncVersion,
		NewLastSyncVersion:       fork.LastSyncVersion,
	}
	if doc.CurrentVersion <= fork.LastSyncVersion {
		return result, nil
	}

	plan, writes, err := s.reconcile(ctx, fork, doc.CurrentVersion, nil)
	if err != nil {
		return SyncResult{}, err
	}
	err = s.store.ApplyForkSync(ctx, store.ForkSync{
		ForkID:           fork.ID,
		ExpectedLastSync: fork.LastSyncVersion,
		NewLastSync:      doc.CurrentVersion,
		Writes:           writes,
	})
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		return SyncResult{}, conflictError(1)
	case errors.Is(err, store.ErrForkInactive):
		return SyncResult{}, invalidStateError("Fork is deleted")
	case err != nil:
		return SyncResult{}, fmt.Errorf("apply fork sync: %w", err)
	}

	result.FilesUpdated = plan.FastForward
	result.SkippedDueToLocalChanges = plan.Skipped
	result.NewLastSyncVersion = doc.CurrentVersion
	s.metrics.SyncFiles("updated", len(plan.FastForward))
	s.metrics.SyncFiles("skipped", len(plan.Skipped))
	s.logger.Info("fork synced",
		"fork_id", fork.ID,
		"document_id", doc.ID,
		"from_version", result.PreviousSyncVersion,
		"to_version", result.NewLastSyncVersion,
		"updated", len(plan.FastForward),
		"skipped", len(plan.Skipped),
	)
	return result, nil
}

// reconcile plans the origin changes in (fork.LastSyncVersion, to] for the
// fork and returns the writes that carry out the plan. Paths in exclude are
// left out of the window.
func (s *Service) reconcile(ctx context.Context, fork store.Fork, to int, exclude map[string]struct{}) (SyncPlan, []store.FileChange, error) {
	changed, err := s.store.ChangedPathsBetween(ctx, fork.DocumentID, fork.LastSyncVersion, to)
	if err != nil {
		return SyncPlan{}, nil, fmt.Errorf("changed paths: %w", err)
	}
	paths := make([]string, 0, len(changed))
	for _, path := range changed {
		if _, skip := exclude[path]; !skip {
			paths = append(paths, path)
		}
	}
	if len(paths) == 0 {
		return SyncPlan{FastForward: []string{}, Skipped: []string{}}, nil, nil
	}

	originFiles, err := s.store.FileSetAsOf(ctx, fork.DocumentID, to)
	if err != nil {
		return SyncPlan{}, nil, fmt.Errorf("origin files v%d: %w", to, err)
	}
	baseFiles, err := s.store.FileSetAsOf(ctx, fork.DocumentID, fork.LastSyncVersion)
	if err != nil {
		return SyncPlan{}, nil, fmt.Errorf("origin files v%d: %w", fork.LastSyncVersion, err)
	}
	forkFiles, err := s.store.ListForkFiles(ctx, fork.ID, false)
	if err != nil {
		return SyncPlan{}, nil, fmt.Errorf("list fork files: %w", err)
	}

	plan := s.policy.Reconcile(SyncInput{
		Paths:  paths,
		Origin: checksums(originFiles),
		Base:   checksums(baseFiles),
		Fork:   checksums(forkFiles),
	})

	origin := byPath(originFiles)
	writes := make([]store.FileChange, 0, len(plan.FastForward))
	for _, path := range plan.FastForward {
		file, ok := origin[path]
		if !ok {
			writes = append(writes, store.FileChange{Path: path, Delete: true})
			continue
		}
		writes = append(writes, store.FileChange{
			Path:     path,
			Checksum: file.Checksum,
			Size:     file.Size,
			Binary:   file.Binary,
		})
	}
	return plan, writes, nil
}
