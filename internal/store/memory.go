package store

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"playhub/api/internal/checksum"
)

type revision struct {
	version int
	file    FileRecord
}

type memDocument struct {
	doc       Document
	files     map[string]FileRecord
	revisions map[string][]revision
	versions  []DocumentVersion
}

type memFork struct {
	fork  Fork
	files map[string]FileRecord
}

// MemoryStore is an in-process implementation with the same contract as
// PostgresStore. A single mutex stands in for transactions.
type MemoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	documents map[string]*memDocument
	forks     map[string]*memFork
	proposals map[string]Proposal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		documents: make(map[string]*memDocument),
		forks:     make(map[string]*memFork),
		proposals: make(map[string]Proposal),
	}
}

// WithClock replaces the timestamp source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) CreateDocument(_ context.Context, in CreateDocumentInput) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := in.Document
	if _, exists := s.documents[doc.ID]; exists {
		return Document{}, ErrVersionConflict
	}
	now := s.now()
	doc.CurrentVersion = 1
	doc.Status = StatusActive
	doc.Tags = append([]string{}, doc.Tags...)
	doc.CreatedAt = now
	doc.UpdatedAt = now

	entry := &memDocument{
		doc:       doc,
		files:     make(map[string]FileRecord),
		revisions: make(map[string][]revision),
	}
	entry.apply(1, in.Files, now)
	entry.versions = append(entry.versions, DocumentVersion{
		DocumentID:      doc.ID,
		VersionNumber:   1,
		FileSetChecksum: entry.fileSetChecksum(),
		Provenance:      in.Provenance,
		CreatedBy:       in.Actor,
		Message:         in.Message,
		CreatedAt:       now,
	})
	s.documents[doc.ID] = entry
	return doc, nil
}

func (s *MemoryStore) GetDocument(_ context.Context, documentID string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.documents[documentID]
	if !ok {
		return Document{}, sql.ErrNoRows
	}
	return copyDocument(entry.doc), nil
}

func (s *MemoryStore) ListDocumentsByOwner(_ context.Context, ownerID string) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Document, 0)
	for _, entry := range s.documents {
		if entry.doc.OwnerID == ownerID && entry.doc.Status == StatusActive {
			items = append(items, copyDocument(entry.doc))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

func (s *MemoryStore) UpdateDocumentMeta(_ context.Context, documentID, title, description string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.documents[documentID]
	if !ok || entry.doc.Status != StatusActive {
		return sql.ErrNoRows
	}
	entry.doc.Title = title
	entry.doc.Description = description
	entry.doc.Tags = append([]string{}, tags...)
	entry.doc.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListDocumentFiles(_ context.Context, documentID string, includeInactive bool) ([]FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.documents[documentID]
	if !ok {
		return []FileRecord{}, nil
	}
	return sortedFiles(entry.files, includeInactive), nil
}

func (s *MemoryStore) FileSetAsOf(_ context.Context, documentID string, version int) ([]FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.documents[documentID]
	if !ok {
		return []FileRecord{}, nil
	}
	visible := make(map[string]FileRecord)
	for path, history := range entry.revisions {
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].version <= version {
				visible[path] = history[i].file
				break
			}
		}
	}
	return sortedFiles(visible, false), nil
}

func (s *MemoryStore) ChangedPathsBetween(_ context.Context, documentID string, fromExclusive, toInclusive int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0)
	entry, ok := s.documents[documentID]
	if !ok {
		return paths, nil
	}
	for path, history := range entry.revisions {
		for _, rev := range history {
			if rev.version > fromExclusive && rev.version <= toInclusive {
				paths = append(paths, path)
				break
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *MemoryStore) PublishVersion(_ context.Context, in PublishInput) (DocumentVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.documents[in.DocumentID]
	if !ok {
		return DocumentVersion{}, sql.ErrNoRows
	}
	if entry.doc.Status != StatusActive || entry.doc.CurrentVersion != in.ExpectedVersion {
		return DocumentVersion{}, ErrVersionConflict
	}

	var proposal Proposal
	var fork *memFork
	if in.Merge != nil {
		proposal, ok = s.proposals[in.Merge.ProposalID]
		if !ok || proposal.Status != ProposalOpen {
			return DocumentVersion{}, ErrStatusConflict
		}
		fork = s.forks[in.Merge.ForkID]
	}

	now := s.now()
	next := in.ExpectedVersion + 1
	entry.apply(next, in.Changes, now)
	entry.doc.CurrentVersion = next
	entry.doc.UpdatedAt = now
	version := DocumentVersion{
		DocumentID:      in.DocumentID,
		VersionNumber:   next,
		FileSetChecksum: entry.fileSetChecksum(),
		Provenance:      in.Provenance,
		ProposalID:      in.ProposalID,
		CreatedBy:       in.Actor,
		Message:         in.Message,
		CreatedAt:       now,
	}
	entry.versions = append(entry.versions, version)

	if in.Merge != nil {
		merged := next
		proposal.Status = ProposalMerged
		proposal.MergeMessage = in.Merge.MergeMessage
		proposal.MergedBy = in.Merge.MergedBy
		proposal.MergedVersion = &merged
		proposal.MergedAt = &now
		proposal.UpdatedAt = now
		s.proposals[proposal.ID] = proposal

		if fork != nil && fork.fork.Status == StatusActive {
			if fork.fork.LastSyncVersion < next {
				fork.fork.LastSyncVersion = next
			}
			fork.fork.UpdatedAt = now
			fork.write(in.Merge.ForkWrites, now)
		}
	}
	return version, nil
}

func (s *MemoryStore) ListVersions(_ context.Context, documentID string) ([]DocumentVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.documents[documentID]
	if !ok {
		return []DocumentVersion{}, nil
	}
	return append([]DocumentVersion{}, entry.versions...), nil
}

func (s *MemoryStore) GetVersion(_ context.Context, documentID string, number int) (DocumentVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.documents[documentID]
	if !ok || number < 1 || number > len(entry.versions) {
		return DocumentVersion{}, sql.ErrNoRows
	}
	return entry.versions[number-1], nil
}

func (s *MemoryStore) CreateFork(_ context.Context, fork Fork) (Fork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.documents[fork.DocumentID]
	if !ok || entry.doc.Status != StatusActive {
		return Fork{}, sql.ErrNoRows
	}
	for _, existing := range s.forks {
		if existing.fork.OwnerID == fork.OwnerID && existing.fork.DocumentID == fork.DocumentID && existing.fork.Status == StatusActive {
			return Fork{}, ErrForkExists
		}
	}

	now := s.now()
	fork.BaseVersion = entry.doc.CurrentVersion
	fork.LastSyncVersion = entry.doc.CurrentVersion
	fork.Status = StatusActive
	fork.CreatedAt = now
	fork.UpdatedAt = now

	files := make(map[string]FileRecord)
	for path, file := range entry.files {
		if !file.Active {
			continue
		}
		file.Version = 1
		file.UpdatedAt = now
		files[path] = file
	}
	s.forks[fork.ID] = &memFork{fork: fork, files: files}
	return fork, nil
}

func (s *MemoryStore) GetFork(_ context.Context, forkID string) (Fork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.forks[forkID]
	if !ok {
		return Fork{}, sql.ErrNoRows
	}
	return entry.fork, nil
}

func (s *MemoryStore) GetActiveFork(_ context.Context, ownerID, documentID string) (Fork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.forks {
		if entry.fork.OwnerID == ownerID && entry.fork.DocumentID == documentID && entry.fork.Status == StatusActive {
			return entry.fork, nil
		}
	}
	return Fork{}, sql.ErrNoRows
}

func (s *MemoryStore) ListForksByOwner(_ context.Context, ownerID string) ([]Fork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterForks(func(f Fork) bool { return f.OwnerID == ownerID }), nil
}

func (s *MemoryStore) ListForksOfOwnedDocuments(_ context.Context, ownerID string, since time.Time) ([]Fork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterForks(func(f Fork) bool {
		doc, ok := s.documents[f.DocumentID]
		return ok && doc.doc.OwnerID == ownerID && !f.CreatedAt.Before(since)
	}), nil
}

func (s *MemoryStore) ListForkFiles(_ context.Context, forkID string, includeInactive bool) ([]FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.forks[forkID]
	if !ok {
		return []FileRecord{}, nil
	}
	return sortedFiles(entry.files, includeInactive), nil
}

func (s *MemoryStore) WriteForkFiles(_ context.Context, forkID string, changes []FileChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.forks[forkID]
	if !ok {
		return sql.ErrNoRows
	}
	if entry.fork.Status != StatusActive {
		return ErrForkInactive
	}
	now := s.now()
	entry.fork.UpdatedAt = now
	entry.write(changes, now)
	return nil
}

func (s *MemoryStore) ApplyForkSync(_ context.Context, in ForkSync) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.forks[in.ForkID]
	if !ok {
		return sql.ErrNoRows
	}
	if entry.fork.Status != StatusActive {
		return ErrForkInactive
	}
	if entry.fork.LastSyncVersion != in.ExpectedLastSync {
		return ErrVersionConflict
	}
	now := s.now()
	entry.fork.LastSyncVersion = in.NewLastSync
	entry.fork.UpdatedAt = now
	entry.write(in.Writes, now)
	return nil
}

func (s *MemoryStore) MarkForkDeleted(_ context.Context, forkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.forks[forkID]
	if !ok {
		return sql.ErrNoRows
	}
	if entry.fork.Status != StatusActive {
		return ErrForkInactive
	}
	now := s.now()
	entry.fork.Status = StatusDeleted
	entry.fork.DeletedAt = &now
	entry.fork.UpdatedAt = now
	return nil
}

func (s *MemoryStore) InsertProposal(_ context.Context, proposal Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fork, ok := s.forks[proposal.ForkID]
	if !ok {
		return sql.ErrNoRows
	}
	if fork.fork.Status != StatusActive {
		return ErrForkInactive
	}
	doc, ok := s.documents[fork.fork.DocumentID]
	if !ok {
		return sql.ErrNoRows
	}
	if fork.fork.LastSyncVersion != doc.doc.CurrentVersion || fork.fork.LastSyncVersion != proposal.BaseVersion {
		return ErrStale
	}

	now := s.now()
	proposal.CreatedAt = now
	proposal.UpdatedAt = now
	if proposal.Status == ProposalOpen {
		proposal.OpenedAt = &now
	}
	proposal.RiskFlags = nonNil(proposal.RiskFlags)
	proposal.MergeChecklist = nonNil(proposal.MergeChecklist)
	files := make([]ProposalFile, len(proposal.Files))
	for i, file := range proposal.Files {
		file.RiskFlags = nonNil(file.RiskFlags)
		files[i] = file
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	proposal.Files = files
	s.proposals[proposal.ID] = proposal
	return nil
}

func (s *MemoryStore) GetProposal(_ context.Context, proposalID string) (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proposal, ok := s.proposals[proposalID]
	if !ok {
		return Proposal{}, sql.ErrNoRows
	}
	proposal.Files = append([]ProposalFile{}, proposal.Files...)
	return proposal, nil
}

func (s *MemoryStore) ListProposals(_ context.Context, filter ProposalFilter) ([]Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]Proposal, 0)
	for _, proposal := range s.proposals {
		if filter.OwnerID != "" {
			doc, ok := s.documents[proposal.DocumentID]
			if !ok || doc.doc.OwnerID != filter.OwnerID {
				continue
			}
		}
		if filter.ProposerID != "" && proposal.ProposerID != filter.ProposerID {
			continue
		}
		if filter.DocumentID != "" && proposal.DocumentID != filter.DocumentID {
			continue
		}
		if filter.Status != "" && proposal.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && proposal.UpdatedAt.Before(filter.Since) {
			continue
		}
		proposal.Files = nil
		items = append(items, proposal)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(items) {
			return []Proposal{}, nil
		}
		items = items[filter.Offset:]
	}
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

func (s *MemoryStore) TransitionProposal(_ context.Context, proposalID string, from []string, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	proposal, ok := s.proposals[proposalID]
	if !ok {
		return sql.ErrNoRows
	}
	allowed := false
	for _, status := range from {
		if proposal.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrStatusConflict
	}
	now := s.now()
	proposal.Status = to
	proposal.UpdatedAt = now
	if to == ProposalClosed {
		proposal.ClosedAt = &now
	}
	if to == ProposalOpen && proposal.OpenedAt == nil {
		proposal.OpenedAt = &now
	}
	s.proposals[proposalID] = proposal
	return nil
}

func (s *MemoryStore) filterForks(keep func(Fork) bool) []Fork {
	items := make([]Fork, 0)
	for _, entry := range s.forks {
		if keep(entry.fork) {
			items = append(items, entry.fork)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items
}

func (d *memDocument) apply(version int, changes []FileChange, now time.Time) {
	for _, change := range changes {
		file := changeRecord(change)
		file.Version = version
		file.UpdatedAt = now
		d.files[file.Path] = file
		d.revisions[file.Path] = append(d.revisions[file.Path], revision{version: version, file: file})
	}
}

func (d *memDocument) fileSetChecksum() string {
	files := make(map[string]string)
	for path, file := range d.files {
		if file.Active {
			files[path] = file.Checksum
		}
	}
	return checksum.FileSet(files)
}

func (f *memFork) write(changes []FileChange, now time.Time) {
	for _, change := range changes {
		file := changeRecord(change)
		file.Version = f.files[file.Path].Version + 1
		file.UpdatedAt = now
		f.files[file.Path] = file
	}
}

func sortedFiles(files map[string]FileRecord, includeInactive bool) []FileRecord {
	items := make([]FileRecord, 0, len(files))
	for _, file := range files {
		if file.Active || includeInactive {
			items = append(items, file)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items
}

func copyDocument(doc Document) Document {
	doc.Tags = append([]string{}, doc.Tags...)
	return doc
}
