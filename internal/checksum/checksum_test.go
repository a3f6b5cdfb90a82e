package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSumIsHexSHA256(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Sum(nil))
	assert.Len(t, Sum([]byte("playbook")), 64)
	assert.Equal(t, Sum([]byte("a")), Sum([]byte("a")))
	assert.NotEqual(t, Sum([]byte("a")), Sum([]byte("b")))
}

func TestFileSetIgnoresInsertionOrder(t *testing.T) {
	a := map[string]string{"x.md": "1", "y.md": "2"}
	b := map[string]string{"y.md": "2", "x.md": "1"}
	assert.Equal(t, FileSet(a), FileSet(b))

	c := map[string]string{"x.md": "1", "y.md": "3"}
	assert.NotEqual(t, FileSet(a), FileSet(c))
}

func TestFileSetSeparatesPathFromChecksum(t *testing.T) {
	a := map[string]string{"ab": "c"}
	b := map[string]string{"a": "bc"}
	assert.NotEqual(t, FileSet(a), FileSet(b))
}
