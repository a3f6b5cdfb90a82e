package app

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playhub/api/internal/blob"
	"playhub/api/internal/checksum"
	"playhub/api/internal/gitrepo"
)

// lossyBlobs forgets contents until they are written again.
type lossyBlobs struct {
	*blob.Memory
	mu   sync.Mutex
	lost map[string]bool
}

func (b *lossyBlobs) lose(sum string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lost[sum] = true
}

func (b *lossyBlobs) Get(ctx context.Context, sum string) ([]byte, error) {
	b.mu.Lock()
	lost := b.lost[sum]
	b.mu.Unlock()
	if lost {
		return nil, blob.ErrNotFound
	}
	return b.Memory.Get(ctx, sum)
}

func (b *lossyBlobs) Put(ctx context.Context, sum string, content []byte) error {
	b.mu.Lock()
	delete(b.lost, sum)
	b.mu.Unlock()
	return b.Memory.Put(ctx, sum, content)
}

func TestHistoryListsMirroredVersions(t *testing.T) {
	env := newTestEnv(t, Options{Mirror: gitrepo.New(t.TempDir())})
	ctx := context.Background()
	doc := env.createDocument(t, text("a.md", "x"))
	env.publish(t, doc.ID, text("a.md", "y"))

	commits, err := env.svc.History(ctx, doc.ID, 0)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Contains(t, commits[0].Message, "owner edit")
	assert.Equal(t, owner, commits[0].Author)

	limited, err := env.svc.History(ctx, doc.ID, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = env.svc.History(ctx, "missing", 0)
	assert.True(t, isNotFound(err))
}

func TestHistoryNeedsMirror(t *testing.T) {
	env := newTestEnv(t, Options{})
	doc := env.createDocument(t, text("a.md", "x"))
	_, err := env.svc.History(context.Background(), doc.ID, 0)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestFileContentRestoresLostBlobFromMirror(t *testing.T) {
	blobs := &lossyBlobs{Memory: blob.NewMemory(), lost: map[string]bool{}}
	env := newTestEnv(t, Options{Mirror: gitrepo.New(t.TempDir()), Blobs: blobs})
	ctx := context.Background()
	doc := env.createDocument(t, text("a.md", "first"))
	env.publish(t, doc.ID, text("a.md", "second"))

	blobs.lose(checksum.Sum([]byte("first")))
	content, file, err := env.svc.FileContent(ctx, doc.ID, "a.md", 1)
	require.NoError(t, err)
	assert.Equal(t, "first", string(content))
	assert.Equal(t, 1, file.Version)

	blobs.lose(checksum.Sum([]byte("second")))
	content, _, err = env.svc.FileContent(ctx, doc.ID, "a.md", 0)
	require.NoError(t, err)
	assert.Equal(t, "second", string(content), "zero reads the current version")

	again, err := blobs.Get(ctx, checksum.Sum([]byte("second")))
	require.NoError(t, err)
	assert.Equal(t, "second", string(again), "restored content is written back")
}

func TestFileContentWithoutMirrorReportsLostBlob(t *testing.T) {
	blobs := &lossyBlobs{Memory: blob.NewMemory(), lost: map[string]bool{}}
	env := newTestEnv(t, Options{Blobs: blobs})
	doc := env.createDocument(t, text("a.md", "x"))
	blobs.lose(checksum.Sum([]byte("x")))

	_, _, err := env.svc.FileContent(context.Background(), doc.ID, "a.md", 0)
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestHTTPHistory(t *testing.T) {
	env := newTestEnv(t, Options{Mirror: gitrepo.New(t.TempDir())})
	api := apiClient{t: t, handler: NewHTTPServer(env.svc, "*", discardLogger(), nil).Handler()}
	doc := env.createDocument(t, text("a.md", "x"))

	code, body := api.do(http.MethodGet, "/api/documents/"+doc.ID+"/history", bob, nil)
	require.Equal(t, http.StatusOK, code, body)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, owner, items[0].(map[string]any)["author"])

	code, body = api.do(http.MethodGet, "/api/documents/"+doc.ID+"/history?limit=x", bob, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_QUERY", body["code"])
}
