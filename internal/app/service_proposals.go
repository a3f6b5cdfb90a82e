package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"playhub/api/internal/analysis"
	"playhub/api/internal/diff"
	"playhub/api/internal/store"
	"playhub/api/internal/util"
)

type CreateProposalInput struct {
	ForkID        string
	Title         string
	Description   string
	CommitMessage string
	// Paths limits the proposal to these files. Empty means every path
	// where the fork differs from its origin.
	Paths []string
	Draft bool
}

func (in CreateProposalInput) validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.ForkID, validation.Required),
		validation.Field(&in.Title, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.Description, validation.Length(0, 10000)),
		validation.Field(&in.CommitMessage, validation.Required, validation.Length(1, 1000)),
	)
}

// ProposalQuery selects proposals visible to an actor. AsOwner lists
// proposals against the actor's documents instead of the actor's own.
type ProposalQuery struct {
	AsOwner    bool
	DocumentID string
	Status     string
	Limit      int
	Offset     int
}

// proposalDraft is the lock-free part of a proposal: the files computed
// under the fork lock, carried across the analysis calls.
type proposalDraft struct {
	fork        store.Fork
	baseVersion int
	files       []store.ProposalFile
	requests    []analysis.FileRequest
}

func (s *Service) CreateProposal(ctx context.Context, actor string, in CreateProposalInput) (store.Proposal, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.CommitMessage = strings.TrimSpace(in.CommitMessage)
	if err := in.validate(); err != nil {
		return store.Proposal{}, validationError("Invalid proposal", err)
	}

	draft, err := s.prepareProposal(ctx, actor, in)
	if err != nil {
		return store.Proposal{}, err
	}

	// No lock is held while the analyzers run.
	results := s.analysis.AnalyzeFiles(ctx, draft.requests)
	summaries := make([]analysis.FileSummary, len(draft.files))
	for i := range draft.files {
		file := &draft.files[i]
		file.Changelog = results[i].Changelog
		file.RiskFlags = results[i].RiskFlags
		file.Confidence = results[i].Confidence
		summaries[i] = analysis.FileSummary{
			Path:       file.Path,
			ChangeKind: file.ChangeKind,
			Changelog:  file.Changelog,
			RiskFlags:  file.RiskFlags,
			Confidence: file.Confidence,
		}
	}
	overall := s.analysis.AnalyzeProposal(ctx, analysis.ProposalRequest{
		Title:         in.Title,
		Description:   in.Description,
		CommitMessage: in.CommitMessage,
		Files:         summaries,
	})

	status := store.ProposalOpen
	if in.Draft {
		status = store.ProposalDraft
	}
	proposal := store.Proposal{
		ID:                   util.NewID("pr"),
		ForkID:               draft.fork.ID,
		DocumentID:           draft.fork.DocumentID,
		ProposerID:           actor,
		Title:                in.Title,
		Description:          in.Description,
		CommitMessage:        in.CommitMessage,
		SuggestedTitle:       overall.Title,
		SuggestedDescription: overall.Description,
		DiffSummary:          diffSummary(draft.files),
		Status:               status,
		BaseVersion:          draft.baseVersion,
		RiskFlags:            mergeFlags(analysis.AggregateRisks(summaries), overall.RiskFlags),
		MergeChecklist:       overall.Checklist,
		Files:                draft.files,
	}

	if err := s.persistProposal(ctx, draft, proposal); err != nil {
		return store.Proposal{}, err
	}
	s.metrics.Proposal(status)
	s.logger.Info("proposal created",
		"proposal_id", proposal.ID,
		"fork_id", proposal.ForkID,
		"document_id", proposal.DocumentID,
		"base_version", proposal.BaseVersion,
		"files", len(proposal.Files),
		"status", status,
	)
	return s.store.GetProposal(ctx, proposal.ID)
}

func (s *Service) prepareProposal(ctx context.Context, actor string, in CreateProposalInput) (proposalDraft, error) {
	unlock, err := s.lockFork(ctx, in.ForkID)
	if err != nil {
		return proposalDraft{}, err
	}
	defer unlock()

	fork, doc, err := s.loadFork(ctx, in.ForkID)
	if err != nil {
		return proposalDraft{}, err
	}
	if fork.OwnerID != actor {
		return proposalDraft{}, forbiddenError("Only the fork owner can propose changes")
	}
	if fork.Status != store.StatusActive {
		return proposalDraft{}, invalidStateError("Fork is deleted")
	}
	if doc.Status != store.StatusActive {
		return proposalDraft{}, invalidStateError("Document is deleted")
	}
	if doc.CurrentVersion > fork.LastSyncVersion {
		return proposalDraft{}, staleForkError(fork.LastSyncVersion, doc.CurrentVersion)
	}

	docFiles, err := s.store.ListDocumentFiles(ctx, doc.ID, false)
	if err != nil {
		return proposalDraft{}, fmt.Errorf("list document files: %w", err)
	}
	forkFiles, err := s.store.ListForkFiles(ctx, fork.ID, false)
	if err != nil {
		return proposalDraft{}, fmt.Errorf("list fork files: %w", err)
	}
	before, after := byPath(docFiles), byPath(forkFiles)

	paths, err := proposalPaths(in.Paths, before, after)
	if err != nil {
		return proposalDraft{}, err
	}

	draft := proposalDraft{fork: fork, baseVersion: doc.CurrentVersion}
	for _, path := range paths {
		oldFile, oldOK := before[path]
		newFile, newOK := after[path]
		if oldOK == newOK && oldFile.Checksum == newFile.Checksum {
			continue
		}
		file, req, err := s.proposalFile(ctx, path, oldFile, oldOK, newFile, newOK)
		if err != nil {
			return proposalDraft{}, err
		}
		draft.files = append(draft.files, file)
		draft.requests = append(draft.requests, req)
	}
	if len(draft.files) == 0 {
		return proposalDraft{}, validationError("Fork has no changes to propose", nil)
	}
	return draft, nil
}

func (s *Service) proposalFile(ctx context.Context, path string, oldFile store.FileRecord, oldOK bool, newFile store.FileRecord, newOK bool) (store.ProposalFile, analysis.FileRequest, error) {
	kind := diff.Classify(oldOK, newOK)
	file := store.ProposalFile{
		Path:       path,
		ChangeKind: string(kind),
	}
	var oldContent, newContent []byte
	if oldOK {
		version := oldFile.Version
		file.DocumentFileVersion = &version
		file.ChecksumBefore = oldFile.Checksum
		content, err := s.readContent(ctx, oldFile.Checksum)
		if err != nil {
			return store.ProposalFile{}, analysis.FileRequest{}, err
		}
		oldContent = content
	}
	if newOK {
		version := newFile.Version
		file.ForkFileVersion = &version
		file.ChecksumAfter = newFile.Checksum
		file.SizeAfter = newFile.Size
		content, err := s.readContent(ctx, newFile.Checksum)
		if err != nil {
			return store.ProposalFile{}, analysis.FileRequest{}, err
		}
		newContent = content
	}
	file.BinaryAfter = newOK && diff.IsBinary(newContent)
	file.Binary = file.BinaryAfter || diff.IsBinary(oldContent)

	req := analysis.FileRequest{Path: path, ChangeKind: file.ChangeKind, Binary: file.Binary}
	if !file.Binary {
		file.DiffText = diff.Unified(string(oldContent), string(newContent), path)
		file.LinesAdded, file.LinesRemoved = diff.Stats(file.DiffText)
		req.Diff = file.DiffText
		req.Before = string(oldContent)
		req.After = string(newContent)
		req.LinesAdded = file.LinesAdded
		req.LinesRemoved = file.LinesRemoved
	}
	return file, req, nil
}

// persistProposal re-validates the draft under the fork lock and inserts it.
func (s *Service) persistProposal(ctx context.Context, draft proposalDraft, proposal store.Proposal) error {
	unlock, err := s.lockFork(ctx, draft.fork.ID)
	if err != nil {
		return err
	}
	defer unlock()

	fork, doc, err := s.loadFork(ctx, draft.fork.ID)
	if err != nil {
		return err
	}
	if fork.Status != store.StatusActive {
		return invalidStateError("Fork is deleted")
	}
	if doc.CurrentVersion != draft.baseVersion || fork.LastSyncVersion != draft.baseVersion {
		return staleForkError(fork.LastSyncVersion, doc.CurrentVersion)
	}
	forkFiles, err := s.store.ListForkFiles(ctx, fork.ID, false)
	if err != nil {
		return fmt.Errorf("list fork files: %w", err)
	}
	current := checksums(forkFiles)
	moved := make([]string, 0)
	for _, file := range draft.files {
		if current[file.Path] != file.ChecksumAfter {
			moved = append(moved, file.Path)
		}
	}
	if len(moved) > 0 {
		return forkChangedError(moved)
	}

	err = s.store.InsertProposal(ctx, proposal)
	switch {
	case errors.Is(err, store.ErrStale):
		return staleForkError(fork.LastSyncVersion, doc.CurrentVersion)
	case errors.Is(err, store.ErrForkInactive):
		return invalidStateError("Fork is deleted")
	case err != nil:
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

// MergeProposal publishes an open proposal into its document. The merge
// also counts as a sync for the originating fork.
func (s *Service) MergeProposal(ctx context.Context, actor, proposalID, mergeMessage string) (store.DocumentVersion, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return store.DocumentVersion{}, fmt.Errorf("get proposal %s: %w", proposalID, err)
	}
	doc, err := s.GetDocument(ctx, proposal.DocumentID)
	if err != nil {
		return store.DocumentVersion{}, err
	}
	if doc.OwnerID != actor {
		return store.DocumentVersion{}, forbiddenError("Only the document owner can merge")
	}
	if proposal.Status != store.ProposalOpen {
		return store.DocumentVersion{}, invalidStateError("Only open proposals can be merged")
	}

	unlockFork, err := s.lockFork(ctx, proposal.ForkID)
	if err != nil {
		return store.DocumentVersion{}, err
	}
	defer unlockFork()
	unlockDoc, err := s.lockDocument(ctx, proposal.DocumentID)
	if err != nil {
		return store.DocumentVersion{}, err
	}
	defer unlockDoc()

	proposal, err = s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return store.DocumentVersion{}, fmt.Errorf("get proposal %s: %w", proposalID, err)
	}
	if proposal.Status != store.ProposalOpen {
		return store.DocumentVersion{}, invalidStateError("Only open proposals can be merged")
	}

	mergeMessage = strings.TrimSpace(mergeMessage)
	message := mergeMessage
	if message == "" {
		message = fmt.Sprintf("Merge proposal %s: %s", proposal.ID, proposal.Title)
	}
	touched := make(map[string]struct{}, len(proposal.Files))
	changes := make([]store.FileChange, 0, len(proposal.Files))
	for _, file := range proposal.Files {
		touched[file.Path] = struct{}{}
		if file.ChangeKind == string(diff.Deleted) {
			changes = append(changes, store.FileChange{Path: file.Path, Delete: true})
			continue
		}
		changes = append(changes, store.FileChange{
			Path:     file.Path,
			Checksum: file.ChecksumAfter,
			Size:     file.SizeAfter,
			Binary:   file.BinaryAfter,
		})
	}

	version, err := s.publish(ctx, proposal.DocumentID, func(ctx context.Context, doc store.Document) (store.PublishInput, error) {
		if doc.Status != store.StatusActive {
			return store.PublishInput{}, invalidStateError("Document is deleted")
		}
		if doc.CurrentVersion > proposal.BaseVersion {
			changed, err := s.store.ChangedPathsBetween(ctx, doc.ID, proposal.BaseVersion, doc.CurrentVersion)
			if err != nil {
				return store.PublishInput{}, fmt.Errorf("changed paths: %w", err)
			}
			collisions := make([]string, 0)
			for _, path := range changed {
				if _, ok := touched[path]; ok {
					collisions = append(collisions, path)
				}
			}
			if len(collisions) > 0 {
				return store.PublishInput{}, mergeConflictError(collisions)
			}
		}

		mark := &store.MergeMark{
			ProposalID:   proposal.ID,
			ForkID:       proposal.ForkID,
			MergedBy:     actor,
			MergeMessage: mergeMessage,
		}
		fork, err := s.store.GetFork(ctx, proposal.ForkID)
		if err != nil {
			return store.PublishInput{}, fmt.Errorf("get fork %s: %w", proposal.ForkID, err)
		}
		if fork.Status == store.StatusActive && doc.CurrentVersion > fork.LastSyncVersion {
			_, writes, err := s.reconcile(ctx, fork, doc.CurrentVersion, touched)
			if err != nil {
				return store.PublishInput{}, err
			}
			mark.ForkWrites = writes
		}
		return store.PublishInput{
			Changes:    changes,
			Provenance: store.ProvenanceProposalMerge,
			ProposalID: proposal.ID,
			Actor:      actor,
			Message:    message,
			Merge:      mark,
		}, nil
	})
	if errors.Is(err, store.ErrStatusConflict) {
		return store.DocumentVersion{}, invalidStateError("Only open proposals can be merged")
	}
	if err != nil {
		return store.DocumentVersion{}, err
	}

	s.metrics.Proposal(store.ProposalMerged)
	s.logger.Info("proposal merged",
		"proposal_id", proposal.ID,
		"document_id", proposal.DocumentID,
		"fork_id", proposal.ForkID,
		"version", version.VersionNumber,
	)
	s.mirrorVersion(ctx, proposal.DocumentID, version.VersionNumber, actor, message)
	return version, nil
}

// CloseProposal is allowed to the proposer and the document owner.
func (s *Service) CloseProposal(ctx context.Context, actor, proposalID string) (store.Proposal, error) {
	proposal, doc, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return store.Proposal{}, err
	}
	if proposal.ProposerID != actor && doc.OwnerID != actor {
		return store.Proposal{}, forbiddenError("Only the proposer or the document owner can close a proposal")
	}
	return s.transition(ctx, proposal, []string{store.ProposalDraft, store.ProposalOpen}, store.ProposalClosed)
}

// OpenProposal publishes a draft for review.
func (s *Service) OpenProposal(ctx context.Context, actor, proposalID string) (store.Proposal, error) {
	proposal, _, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return store.Proposal{}, err
	}
	if proposal.ProposerID != actor {
		return store.Proposal{}, forbiddenError("Only the proposer can open a draft")
	}
	return s.transition(ctx, proposal, []string{store.ProposalDraft}, store.ProposalOpen)
}

func (s *Service) transition(ctx context.Context, proposal store.Proposal, from []string, to string) (store.Proposal, error) {
	allowed := false
	for _, status := range from {
		allowed = allowed || proposal.Status == status
	}
	if !allowed {
		return store.Proposal{}, invalidStateError(fmt.Sprintf("Cannot move a %s proposal to %s", proposal.Status, to))
	}
	err := s.store.TransitionProposal(ctx, proposal.ID, from, to)
	if errors.Is(err, store.ErrStatusConflict) {
		return store.Proposal{}, invalidStateError("Proposal status changed concurrently")
	}
	if err != nil {
		return store.Proposal{}, fmt.Errorf("transition proposal %s: %w", proposal.ID, err)
	}
	s.metrics.Proposal(to)
	s.logger.Info("proposal transitioned", "proposal_id", proposal.ID, "from", proposal.Status, "to", to)
	return s.store.GetProposal(ctx, proposal.ID)
}

// GetProposal is visible to the proposer and the document owner.
func (s *Service) GetProposal(ctx context.Context, actor, proposalID string) (store.Proposal, error) {
	proposal, doc, err := s.loadProposal(ctx, proposalID)
	if err != nil {
		return store.Proposal{}, err
	}
	if proposal.ProposerID != actor && doc.OwnerID != actor {
		return store.Proposal{}, forbiddenError("Proposal is not visible to this actor")
	}
	return proposal, nil
}

func (s *Service) ListProposals(ctx context.Context, actor string, q ProposalQuery) ([]store.Proposal, error) {
	if q.Status != "" && !validStatus(q.Status) {
		return nil, validationError("Unknown proposal status", map[string]any{"status": q.Status})
	}
	filter := store.ProposalFilter{
		DocumentID: q.DocumentID,
		Status:     q.Status,
		Limit:      q.Limit,
		Offset:     max(q.Offset, 0),
	}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if q.AsOwner {
		filter.OwnerID = actor
	} else {
		filter.ProposerID = actor
	}
	return s.store.ListProposals(ctx, filter)
}

func (s *Service) loadProposal(ctx context.Context, proposalID string) (store.Proposal, store.Document, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return store.Proposal{}, store.Document{}, fmt.Errorf("get proposal %s: %w", proposalID, err)
	}
	doc, err := s.GetDocument(ctx, proposal.DocumentID)
	if err != nil {
		return store.Proposal{}, store.Document{}, err
	}
	return proposal, doc, nil
}

func proposalPaths(requested []string, before, after map[string]store.FileRecord) ([]string, error) {
	if len(requested) == 0 {
		union := make(map[string]struct{}, len(before)+len(after))
		for path := range before {
			union[path] = struct{}{}
		}
		for path := range after {
			union[path] = struct{}{}
		}
		paths := make([]string, 0, len(union))
		for path := range union {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		return paths, nil
	}

	seen := make(map[string]struct{}, len(requested))
	paths := make([]string, 0, len(requested))
	for _, raw := range requested {
		path, err := util.NormalizePath(raw)
		if err != nil {
			return nil, validationError("Invalid path", map[string]any{"path": raw})
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		docFile, inDoc := before[path]
		forkFile, inFork := after[path]
		if !inDoc && !inFork {
			return nil, validationError("Path is not in the fork or its document", map[string]any{"path": path})
		}
		if inDoc == inFork && docFile.Checksum == forkFile.Checksum {
			return nil, validationError("Path has no changes to propose", map[string]any{"path": path})
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

func diffSummary(files []store.ProposalFile) string {
	lines := make([]string, 0, len(files))
	for _, file := range files {
		lines = append(lines, fmt.Sprintf("• %s: %s", file.Path, file.Changelog))
	}
	return strings.Join(lines, "\n")
}

func mergeFlags(sets ...[]string) []string {
	seen := make(map[string]struct{})
	flags := make([]string, 0)
	for _, set := range sets {
		for _, flag := range set {
			if _, ok := seen[flag]; ok || flag == "" {
				continue
			}
			seen[flag] = struct{}{}
			flags = append(flags, flag)
		}
	}
	sort.Strings(flags)
	return flags
}

func validStatus(status string) bool {
	switch status {
	case store.ProposalDraft, store.ProposalOpen, store.ProposalMerged, store.ProposalClosed:
		return true
	}
	return false
}
