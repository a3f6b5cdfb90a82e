package blob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Postgres keeps blobs in the file_blobs table next to the metadata.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Put(ctx context.Context, sum string, content []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO file_blobs (checksum, content, size)
		VALUES ($1, $2, $3)
		ON CONFLICT (checksum) DO NOTHING
	`, sum, content, len(content))
	if err != nil {
		return fmt.Errorf("put blob: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, sum string) ([]byte, error) {
	var content []byte
	err := p.db.QueryRowContext(ctx, `SELECT content FROM file_blobs WHERE checksum=$1`, sum).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	return content, nil
}

func (p *Postgres) Exists(ctx context.Context, sum string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM file_blobs WHERE checksum=$1)`, sum).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check blob: %w", err)
	}
	return exists, nil
}
