package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playhub/api/internal/metrics"
)

func TestSyncFastForwardsUntouchedFiles(t *testing.T) {
	env := newTestEnv(t, Options{})
	doc := env.createDocument(t, text("a.md", "x"))
	fork := env.fork(t, bob, doc.ID)
	env.publish(t, doc.ID, text("a.md", "y"))

	status, err := env.svc.Staleness(context.Background(), bob, fork.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.VersionsBehind)

	result, err := env.svc.SyncFork(context.Background(), bob, fork.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md"}, result.FilesUpdated)
	assert.Empty(t, result.SkippedDueToLocalChanges)
	assert.Equal(t, 1, result.PreviousSyncVersion)
	assert.Equal(t, 2, result.NewLastSyncVersion)
	assert.Equal(t, "y", env.forkContent(t, fork.ID, "a.md"))

	synced, err := env.store.GetFork(context.Background(), fork.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, synced.LastSyncVersion)
	assert.Equal(t, 1, synced.BaseVersion, "base version is fixed at creation")
}

func TestSyncKeepsLocalChanges(t *testing.T) {
	recorder := metrics.New()
	env := newTestEnv(t, Options{Metrics: recorder})
	doc := env.createDocument(t, text("a.md", "x"), text("c.md", "c"))
	fork := env.fork(t, bob, doc.ID)
	env.editFork(t, bob, fork.ID, text("a.md", "z"))
	env.publish(t, doc.ID, text("a.md", "y"), text("c.md", "c2"))

	result, err := env.svc.SyncFork(context.Background(), bob, fork.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"c.md"}, result.FilesUpdated)
	assert.Equal(t, []string{"a.md"}, result.SkippedDueToLocalChanges)
	assert.Equal(t, 2, result.NewLastSyncVersion)
	assert.Equal(t, "z", env.forkContent(t, fork.ID, "a.md"))
	assert.Equal(t, "c2", env.forkContent(t, fork.ID, "c.md"))

	body := scrape(t, recorder)
	assert.Contains(t, body, `playhub_sync_files_total{outcome="updated"} 1`)
	assert.Contains(t, body, `playhub_sync_files_total{outcome="skipped"} 1`)
}

func TestSyncIsIdempotent(t *testing.T) {
	env := newTestEnv(t, Options{})
	doc := env.createDocument(t, text("a.md", "x"))
	fork := env.fork(t, bob, doc.ID)
	env.publish(t, doc.ID, text("a.md", "y"))

	_, err := env.svc.SyncFork(context.Background(), bob, fork.ID)
	require.NoError(t, err)
	again, err := env.svc.SyncFork(context.Background(), bob, fork.ID)
	require.NoError(t, err)
	assert.Empty(t, again.FilesUpdated)
	assert.Empty(t, again.SkippedDueToLocalChanges)
	assert.Equal(t, 2, again.PreviousSyncVersion)
	assert.Equal(t, 2, again.NewLastSyncVersion)
}

func TestSyncCarriesDeletionsAndAdditions(t *testing.T) {
	env := newTestEnv(t, Options{})
	doc := env.createDocument(t, text("a.md", "x"), text("old.md", "o"))
	fork := env.fork(t, bob, doc.ID)
	env.publish(t, doc.ID, remove("old.md"))
	env.publish(t, doc.ID, text("new.md", "n"))

	result, err := env.svc.SyncFork(context.Background(), bob, fork.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"new.md", "old.md"}, result.FilesUpdated)
	assert.Equal(t, 3, result.NewLastSyncVersion)

	files, err := env.store.ListForkFiles(context.Background(), fork.ID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "new.md"}, paths(files))
}

func TestSyncConvergentEditIsNotALocalChange(t *testing.T) {
	env := newTestEnv(t, Options{})
	doc := env.createDocument(t, text("a.md", "x"))
	fork := env.fork(t, bob, doc.ID)
	env.editFork(t, bob, fork.ID, text("a.md", "y"))
	env.publish(t, doc.ID, text("a.md", "y"))

	result, err := env.svc.SyncFork(context.Background(), bob, fork.ID)
	require.NoError(t, err)
	assert.Empty(t, result.FilesUpdated)
	assert.Empty(t, result.SkippedDueToLocalChanges)
	assert.Equal(t, 2, result.NewLastSyncVersion)
}

func TestSyncRequiresForkOwner(t *testing.T) {
	env := newTestEnv(t, Options{})
	doc := env.createDocument(t, text("a.md", "x"))
	fork := env.fork(t, bob, doc.ID)

	_, err := env.svc.SyncFork(context.Background(), owner, fork.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestLastWriterWinsReconcile(t *testing.T) {
	plan := LastWriterWins{}.Reconcile(SyncInput{
		Paths:  []string{"same.md", "local.md", "ff.md", "gone.md", "added.md", "both-deleted.md"},
		Origin: map[string]string{"same.md": "s1", "local.md": "o1", "ff.md": "o2", "added.md": "a1"},
		Base:   map[string]string{"same.md": "s0", "local.md": "b1", "ff.md": "b2", "gone.md": "g0", "both-deleted.md": "d0"},
		Fork:   map[string]string{"same.md": "s1", "local.md": "f1", "ff.md": "b2", "gone.md": "g0"},
	})
	assert.Equal(t, []string{"added.md", "ff.md", "gone.md"}, plan.FastForward)
	assert.Equal(t, []string{"local.md"}, plan.Skipped)
}

func TestLastWriterWinsSkipsLocalDeletion(t *testing.T) {
	plan := LastWriterWins{}.Reconcile(SyncInput{
		Paths:  []string{"a.md"},
		Origin: map[string]string{"a.md": "new"},
		Base:   map[string]string{"a.md": "old"},
		Fork:   map[string]string{},
	})
	assert.Empty(t, plan.FastForward)
	assert.Equal(t, []string{"a.md"}, plan.Skipped)
}
