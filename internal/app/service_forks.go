package app

import (
	"context"
	"errors"
	"fmt"

	"playhub/api/internal/store"
	"playhub/api/internal/util"
)

type SyncStatus struct {
	ForkID          string   `json:"forkId"`
	BaseVersion     int      `json:"baseVersion"`
	LastSyncVersion int      `json:"lastSyncVersion"`
	OriginVersion   int      `json:"originVersion"`
	VersionsBehind  int      `json:"versionsBehind"`
	SyncNeeded      bool     `json:"syncNeeded"`
	FilesToSync     []string `json:"filesToSync"`
}

func (s *Service) CreateFork(ctx context.Context, actor, documentID string) (store.Fork, error) {
	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return store.Fork{}, err
	}
	if doc.Status != store.StatusActive {
		return store.Fork{}, invalidStateError("Document is deleted")
	}
	if doc.OwnerID == actor {
		return store.Fork{}, selfForkError()
	}
	existing, err := s.store.GetActiveFork(ctx, actor, documentID)
	if err == nil {
		return store.Fork{}, alreadyForkedError(existing.ID)
	}
	if !isNotFound(err) {
		return store.Fork{}, fmt.Errorf("lookup active fork: %w", err)
	}

	fork, err := s.store.CreateFork(ctx, store.Fork{
		ID:         util.NewID("fork"),
		OwnerID:    actor,
		DocumentID: documentID,
	})
	if errors.Is(err, store.ErrForkExists) {
		return store.Fork{}, alreadyForkedError("")
	}
	if err != nil {
		return store.Fork{}, fmt.Errorf("create fork: %w", err)
	}
	s.logger.Info("fork created", "fork_id", fork.ID, "document_id", documentID, "owner_id", actor, "base_version", fork.BaseVersion)
	return fork, nil
}

// GetFork is visible to the fork owner and the origin owner.
func (s *Service) GetFork(ctx context.Context, actor, forkID string) (store.Fork, error) {
	fork, doc, err := s.loadFork(ctx, forkID)
	if err != nil {
		return store.Fork{}, err
	}
	if fork.OwnerID != actor && doc.OwnerID != actor {
		return store.Fork{}, forbiddenError("Fork is not visible to this actor")
	}
	return fork, nil
}

func (s *Service) ListForks(ctx context.Context, ownerID string) ([]store.Fork, error) {
	return s.store.ListForksByOwner(ctx, ownerID)
}

func (s *Service) ListForkFiles(ctx context.Context, actor, forkID string) ([]store.FileRecord, error) {
	if _, err := s.GetFork(ctx, actor, forkID); err != nil {
		return nil, err
	}
	return s.store.ListForkFiles(ctx, forkID, false)
}

// Staleness reports how far a fork is behind its origin.
func (s *Service) Staleness(ctx context.Context, actor, forkID string) (SyncStatus, error) {
	fork, doc, err := s.loadFork(ctx, forkID)
	if err != nil {
		return SyncStatus{}, err
	}
	if fork.OwnerID != actor && doc.OwnerID != actor {
		return SyncStatus{}, forbiddenError("Fork is not visible to this actor")
	}
	status := SyncStatus{
		ForkID:          fork.ID,
		BaseVersion:     fork.BaseVersion,
		LastSyncVersion: fork.LastSyncVersion,
		OriginVersion:   doc.CurrentVersion,
		VersionsBehind:  max(doc.CurrentVersion-fork.LastSyncVersion, 0),
		FilesToSync:     []string{},
	}
	status.SyncNeeded = status.VersionsBehind > 0
	if status.SyncNeeded {
		paths, err := s.store.ChangedPathsBetween(ctx, doc.ID, fork.LastSyncVersion, doc.CurrentVersion)
		if err != nil {
			return SyncStatus{}, fmt.Errorf("changed paths: %w", err)
		}
		status.FilesToSync = paths
	}
	return status, nil
}

// EditFork writes to the fork's working copy.
func (s *Service) EditFork(ctx context.Context, actor, forkID string, files []FileInput) ([]store.FileRecord, error) {
	unlock, err := s.lockFork(ctx, forkID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	fork, err := s.store.GetFork(ctx, forkID)
	if err != nil {
		return nil, fmt.Errorf("get fork %s: %w", forkID, err)
	}
	if fork.OwnerID != actor {
		return nil, forbiddenError("Only the fork owner can edit it")
	}
	if fork.Status != store.StatusActive {
		return nil, invalidStateError("Fork is deleted")
	}
	if len(files) == 0 {
		return nil, validationError("At least one file change is required", nil)
	}
	changes, err := s.storeFiles(ctx, files)
	if err != nil {
		return nil, err
	}
	current, err := s.store.ListForkFiles(ctx, forkID, false)
	if err != nil {
		return nil, fmt.Errorf("list fork files: %w", err)
	}
	err = s.store.WriteForkFiles(ctx, forkID, dropAbsentDeletes(changes, checksums(current)))
	if errors.Is(err, store.ErrForkInactive) {
		return nil, invalidStateError("Fork is deleted")
	}
	if err != nil {
		return nil, fmt.Errorf("write fork files: %w", err)
	}
	s.logger.Info("fork edited", "fork_id", forkID, "files", len(changes))
	return s.store.ListForkFiles(ctx, forkID, false)
}

// DeleteFork retires a fork. Its files are kept but can no longer change.
func (s *Service) DeleteFork(ctx context.Context, actor, forkID string) error {
	unlock, err := s.lockFork(ctx, forkID)
	if err != nil {
		return err
	}
	defer unlock()

	fork, err := s.store.GetFork(ctx, forkID)
	if err != nil {
		return fmt.Errorf("get fork %s: %w", forkID, err)
	}
	if fork.OwnerID != actor {
		return forbiddenError("Only the fork owner can delete it")
	}
	err = s.store.MarkForkDeleted(ctx, forkID)
	if errors.Is(err, store.ErrForkInactive) {
		return invalidStateError("Fork is already deleted")
	}
	if err != nil {
		return fmt.Errorf("delete fork %s: %w", forkID, err)
	}
	s.logger.Info("fork deleted", "fork_id", forkID, "document_id", fork.DocumentID)
	return nil
}
