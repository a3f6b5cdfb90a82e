package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.Exists(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Get(ctx, "abc")
	assert.ErrorIs(t, err, ErrNotFound)

	content := []byte("hello")
	require.NoError(t, m.Put(ctx, "abc", content))
	content[0] = 'j'

	got, err := m.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got), "stored bytes are copied")

	require.NoError(t, m.Put(ctx, "abc", []byte("other")))
	got, err = m.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got), "content-addressed puts are idempotent")
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "sha256/ab/abcdef", ObjectKey("abcdef"))
	assert.Equal(t, "sha256/a", ObjectKey("a"))
}
