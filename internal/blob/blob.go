// Package blob stores file contents addressed by their checksum.
package blob

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("blob not found")

type Store interface {
	Put(ctx context.Context, sum string, content []byte) error
	Get(ctx context.Context, sum string) ([]byte, error)
	Exists(ctx context.Context, sum string) (bool, error)
}
