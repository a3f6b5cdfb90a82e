package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playhub/api/internal/store"
)

func TestCreateForkCopiesCurrentVersion(t *testing.T) {
	env := newTestEnv(t, Options{})
	doc := env.createDocument(t, text("a.md", "x"))
	env.publish(t, doc.ID, text("b.md", "b"))

	fork := env.fork(t, bob, doc.ID)
	assert.Equal(t, 2, fork.BaseVersion)
	assert.Equal(t, 2, fork.LastSyncVersion)
	assert.Equal(t, "x", env.forkContent(t, fork.ID, "a.md"))
	assert.Equal(t, "b", env.forkContent(t, fork.ID, "b.md"))
}

func TestCreateForkRejectsSelfAndDuplicates(t *testing.T) {
	env := newTestEnv(t, Options{})
	doc := env.createDocument(t, text("a.md", "x"))

	_, err := env.svc.CreateFork(context.Background(), owner, doc.ID)
	assert.ErrorIs(t, err, ErrSelfFork)

	first := env.fork(t, bob, doc.ID)
	_, err = env.svc.CreateFork(context.Background(), bob, doc.ID)
	require.ErrorIs(t, err, ErrAlreadyForked)
	var domain *DomainError
	require.ErrorAs(t, err, &domain)
	assert.Equal(t, first.ID, domain.Details.(map[string]any)["forkId"])

	require.NoError(t, env.svc.DeleteFork(context.Background(), bob, first.ID))
	again := env.fork(t, bob, doc.ID)
	assert.NotEqual(t, first.ID, again.ID)
}

func TestCreateForkOfMissingDocument(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, err := env.svc.CreateFork(context.Background(), bob, "doc_missing")
	assert.True(t, isNotFound(err))
}

func TestStalenessListsChangedFiles(t *testing.T) {
	env := newTestEnv(t, Options{})
	doc := env.createDocument(t, text("a.md", "x"), text("b.md", "b"))
	fork := env.fork(t, bob, doc.ID)

	status, err := env.svc.Staleness(context.Background(), bob, fork.ID)
	require.NoError(t, err)
	assert.False(t, status.SyncNeeded)
	assert.Equal(t, 0, status.VersionsBehind)
	assert.Empty(t, status.FilesToSync)

	env.publish(t, doc.ID, text("a.md", "y"))
	env.publish(t, doc.ID, remove("b.md"), text("c.md", "c"))

	status, err = env.svc.Staleness(context.Background(), owner, fork.ID)
	require.NoError(t, err)
	assert.True(t, status.SyncNeeded)
	assert.Equal(t, 2, status.VersionsBehind)
	assert.Equal(t, 3, status.OriginVersion)
	assert.Equal(t, []string{"a.md", "b.md", "c.md"}, status.FilesToSync)

	_, err = env.svc.Staleness(context.Background(), carol, fork.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestForkVisibility(t *testing.T) {
	env := newTestEnv(t, Options{})
	doc := env.createDocument(t, text("a.md", "x"))
	fork := env.fork(t, bob, doc.ID)

	for _, actor := range []string{bob, owner} {
		_, err := env.svc.GetFork(context.Background(), actor, fork.ID)
		assert.NoError(t, err, actor)
	}
	_, err := env.svc.ListForkFiles(context.Background(), carol, fork.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	forks, err := env.svc.ListForks(context.Background(), bob)
	require.NoError(t, err)
	require.Len(t, forks, 1)
	assert.Equal(t, fork.ID, forks[0].ID)
}

func TestEditForkLeavesOriginAlone(t *testing.T) {
	env := newTestEnv(t, Options{})
	doc := env.createDocument(t, text("a.md", "x"))
	fork := env.fork(t, bob, doc.ID)

	files, err := env.svc.EditFork(context.Background(), bob, fork.ID, []FileInput{text("a.md", "z"), text("notes/b.md", "new")})
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Equal(t, "x", env.documentContent(t, doc.ID, "a.md"))
	assert.Equal(t, "z", env.forkContent(t, fork.ID, "a.md"))

	_, err = env.svc.EditFork(context.Background(), owner, fork.ID, []FileInput{text("a.md", "o")})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.svc.EditFork(context.Background(), bob, fork.ID, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDeleteForkIsFinal(t *testing.T) {
	env := newTestEnv(t, Options{})
	doc := env.createDocument(t, text("a.md", "x"))
	fork := env.fork(t, bob, doc.ID)

	assert.ErrorIs(t, env.svc.DeleteFork(context.Background(), owner, fork.ID), ErrForbidden)
	require.NoError(t, env.svc.DeleteFork(context.Background(), bob, fork.ID))
	assert.ErrorIs(t, env.svc.DeleteFork(context.Background(), bob, fork.ID), ErrInvalidState)

	_, err := env.svc.EditFork(context.Background(), bob, fork.ID, []FileInput{text("a.md", "z")})
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = env.svc.SyncFork(context.Background(), bob, fork.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	stored, err := env.store.GetFork(context.Background(), fork.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDeleted, stored.Status)
	assert.Equal(t, "x", env.forkContent(t, fork.ID, "a.md"), "files survive deletion")
}
