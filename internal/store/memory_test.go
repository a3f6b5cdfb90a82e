package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playhub/api/internal/checksum"
)

func seedDocument(t *testing.T, s *MemoryStore, files map[string]string) Document {
	t.Helper()
	changes := make([]FileChange, 0, len(files))
	for path, content := range files {
		changes = append(changes, FileChange{Path: path, Checksum: checksum.Sum([]byte(content)), Size: int64(len(content))})
	}
	doc, err := s.CreateDocument(context.Background(), CreateDocumentInput{
		Document:   Document{ID: "doc-1", OwnerID: "owner", Title: "Runbook"},
		Files:      changes,
		Provenance: ProvenanceImport,
		Actor:      "owner",
	})
	require.NoError(t, err)
	return doc
}

func TestMemoryPublishAdvancesWithCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	doc := seedDocument(t, s, map[string]string{"a.md": "x"})
	require.Equal(t, 1, doc.CurrentVersion)

	v2, err := s.PublishVersion(ctx, PublishInput{
		DocumentID:      doc.ID,
		ExpectedVersion: 1,
		Changes:         []FileChange{{Path: "a.md", Checksum: checksum.Sum([]byte("y"))}},
		Provenance:      ProvenanceManual,
		Actor:           "owner",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNumber)

	_, err = s.PublishVersion(ctx, PublishInput{DocumentID: doc.ID, ExpectedVersion: 1, Provenance: ProvenanceManual})
	assert.ErrorIs(t, err, ErrVersionConflict)

	versions, err := s.ListVersions(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.NotEqual(t, versions[0].FileSetChecksum, versions[1].FileSetChecksum)

	_, err = s.PublishVersion(ctx, PublishInput{DocumentID: "missing", ExpectedVersion: 1})
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestMemoryFileSetAsOf(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	doc := seedDocument(t, s, map[string]string{"a.md": "x", "b.md": "b"})

	_, err := s.PublishVersion(ctx, PublishInput{
		DocumentID:      doc.ID,
		ExpectedVersion: 1,
		Changes: []FileChange{
			{Path: "a.md", Checksum: checksum.Sum([]byte("y"))},
			{Path: "b.md", Delete: true},
		},
		Provenance: ProvenanceManual,
	})
	require.NoError(t, err)

	v1, err := s.FileSetAsOf(ctx, doc.ID, 1)
	require.NoError(t, err)
	require.Len(t, v1, 2)
	assert.Equal(t, checksum.Sum([]byte("x")), v1[0].Checksum)

	v2, err := s.FileSetAsOf(ctx, doc.ID, 2)
	require.NoError(t, err)
	require.Len(t, v2, 1)
	assert.Equal(t, "a.md", v2[0].Path)
	assert.Equal(t, 2, v2[0].Version)

	all, err := s.ListDocumentFiles(ctx, doc.ID, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.False(t, all[1].Active, "deleted files are retained as inactive")

	changed, err := s.ChangedPathsBetween(ctx, doc.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "b.md"}, changed)
}

func TestMemoryForkUniquenessAndSync(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	doc := seedDocument(t, s, map[string]string{"a.md": "x"})

	fork, err := s.CreateFork(ctx, Fork{ID: "fork-1", OwnerID: "alice", DocumentID: doc.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, fork.BaseVersion)
	assert.Equal(t, 1, fork.LastSyncVersion)

	_, err = s.CreateFork(ctx, Fork{ID: "fork-2", OwnerID: "alice", DocumentID: doc.ID})
	assert.ErrorIs(t, err, ErrForkExists)

	err = s.ApplyForkSync(ctx, ForkSync{ForkID: fork.ID, ExpectedLastSync: 2, NewLastSync: 3})
	assert.ErrorIs(t, err, ErrVersionConflict)

	require.NoError(t, s.WriteForkFiles(ctx, fork.ID, []FileChange{{Path: "a.md", Checksum: "z"}}))
	files, err := s.ListForkFiles(ctx, fork.ID, false)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, 2, files[0].Version)

	require.NoError(t, s.MarkForkDeleted(ctx, fork.ID))
	assert.ErrorIs(t, s.WriteForkFiles(ctx, fork.ID, nil), ErrForkInactive)

	_, err = s.CreateFork(ctx, Fork{ID: "fork-3", OwnerID: "alice", DocumentID: doc.ID})
	assert.NoError(t, err, "a deleted fork frees the slot")
}

func TestMemoryProposalLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time { return clock })
	doc := seedDocument(t, s, map[string]string{"a.md": "x"})
	fork, err := s.CreateFork(ctx, Fork{ID: "fork-1", OwnerID: "alice", DocumentID: doc.ID})
	require.NoError(t, err)

	proposal := Proposal{ID: "pr-1", ForkID: fork.ID, DocumentID: doc.ID, ProposerID: "alice", Status: ProposalOpen, BaseVersion: 1}
	require.NoError(t, s.InsertProposal(ctx, proposal))

	stale := proposal
	stale.ID = "pr-2"
	stale.BaseVersion = 0
	assert.ErrorIs(t, s.InsertProposal(ctx, stale), ErrStale)

	_, err = s.PublishVersion(ctx, PublishInput{
		DocumentID:      doc.ID,
		ExpectedVersion: 1,
		Provenance:      ProvenanceProposalMerge,
		ProposalID:      "pr-1",
		Merge:           &MergeMark{ProposalID: "pr-1", ForkID: fork.ID, MergedBy: "owner"},
	})
	require.NoError(t, err)

	merged, err := s.GetProposal(ctx, "pr-1")
	require.NoError(t, err)
	assert.Equal(t, ProposalMerged, merged.Status)
	require.NotNil(t, merged.MergedVersion)
	assert.Equal(t, 2, *merged.MergedVersion)

	updatedFork, err := s.GetFork(ctx, fork.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updatedFork.LastSyncVersion)

	err = s.TransitionProposal(ctx, "pr-1", []string{ProposalOpen, ProposalDraft}, ProposalClosed)
	assert.ErrorIs(t, err, ErrStatusConflict)

	owned, err := s.ListProposals(ctx, ProposalFilter{OwnerID: "owner"})
	require.NoError(t, err)
	assert.Len(t, owned, 1)
}
