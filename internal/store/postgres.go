package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"playhub/api/internal/checksum"
)

type PostgresStore struct {
	db    *sql.DB
	types *pgtype.Map
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, types: pgtype.NewMap()}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Documents

func (s *PostgresStore) CreateDocument(ctx context.Context, in CreateDocumentInput) (Document, error) {
	doc := in.Document
	doc.CurrentVersion = 1
	doc.Status = StatusActive
	if doc.Tags == nil {
		doc.Tags = []string{}
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO documents (id, owner_id, title, description, tags, current_version, status)
			VALUES ($1, $2, $3, $4, $5, 1, 'active')
			RETURNING created_at, updated_at
		`, doc.ID, doc.OwnerID, doc.Title, doc.Description, doc.Tags).Scan(&doc.CreatedAt, &doc.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		if err := writeDocumentFiles(ctx, tx, doc.ID, 1, in.Files); err != nil {
			return err
		}
		return insertVersion(ctx, tx, DocumentVersion{
			DocumentID:    doc.ID,
			VersionNumber: 1,
			Provenance:    in.Provenance,
			CreatedBy:     in.Actor,
			Message:       in.Message,
		})
	})
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, description, tags, current_version, status, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, documentID)
	doc, err := s.scanDocument(row)
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) ListDocumentsByOwner(ctx context.Context, ownerID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, description, tags, current_version, status, created_at, updated_at
		FROM documents
		WHERE owner_id=$1 AND status='active'
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		doc, err := s.scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateDocumentMeta(ctx context.Context, documentID, title, description string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET title=$2, description=$3, tags=$4, updated_at=NOW()
		WHERE id=$1 AND status='active'
	`, documentID, title, description, tags)
	if err != nil {
		return fmt.Errorf("update document meta: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) ListDocumentFiles(ctx context.Context, documentID string, includeInactive bool) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, checksum, size, is_binary, version, active, updated_at
		FROM document_files
		WHERE document_id=$1 AND ($2::boolean OR active)
		ORDER BY path ASC
	`, documentID, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("list document files: %w", err)
	}
	return scanFileRecords(rows)
}

func (s *PostgresStore) FileSetAsOf(ctx context.Context, documentID string, version int) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, checksum, size, is_binary, version, active, created_at
		FROM (
			SELECT DISTINCT ON (path) path, checksum, size, is_binary, version, active, created_at
			FROM document_file_revisions
			WHERE document_id=$1 AND version <= $2
			ORDER BY path, version DESC
		) latest
		WHERE active
		ORDER BY path ASC
	`, documentID, version)
	if err != nil {
		return nil, fmt.Errorf("file set as of: %w", err)
	}
	return scanFileRecords(rows)
}

func (s *PostgresStore) ChangedPathsBetween(ctx context.Context, documentID string, fromExclusive, toInclusive int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT path
		FROM document_file_revisions
		WHERE document_id=$1 AND version > $2 AND version <= $3
		ORDER BY path ASC
	`, documentID, fromExclusive, toInclusive)
	if err != nil {
		return nil, fmt.Errorf("changed paths: %w", err)
	}
	defer rows.Close()

	paths := make([]string, 0)
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("scan changed path: %w", err)
		}
		paths = append(paths, path)
	}
	return paths, rows.Err()
}

// Versions

func (s *PostgresStore) PublishVersion(ctx context.Context, in PublishInput) (DocumentVersion, error) {
	next := in.ExpectedVersion + 1
	version := DocumentVersion{
		DocumentID:    in.DocumentID,
		VersionNumber: next,
		Provenance:    in.Provenance,
		ProposalID:    in.ProposalID,
		CreatedBy:     in.Actor,
		Message:       in.Message,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE documents
			SET current_version=$3, updated_at=NOW()
			WHERE id=$1 AND current_version=$2 AND status='active'
		`, in.DocumentID, in.ExpectedVersion, next)
		if err != nil {
			return fmt.Errorf("advance current version: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			if err := documentExists(ctx, tx, in.DocumentID); err != nil {
				return err
			}
			return ErrVersionConflict
		}

		if err := writeDocumentFiles(ctx, tx, in.DocumentID, next, in.Changes); err != nil {
			return err
		}
		if err := insertVersion(ctx, tx, version); err != nil {
			return err
		}
		if in.Merge != nil {
			return markMerged(ctx, tx, *in.Merge, next)
		}
		return nil
	})
	if err != nil {
		return DocumentVersion{}, err
	}
	return s.GetVersion(ctx, in.DocumentID, next)
}

func (s *PostgresStore) ListVersions(ctx context.Context, documentID string) ([]DocumentVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, version_number, file_set_checksum, provenance, COALESCE(proposal_id, ''), created_by, message, created_at
		FROM document_versions
		WHERE document_id=$1
		ORDER BY version_number ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentVersion, 0)
	for rows.Next() {
		item, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetVersion(ctx context.Context, documentID string, number int) (DocumentVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT document_id, version_number, file_set_checksum, provenance, COALESCE(proposal_id, ''), created_by, message, created_at
		FROM document_versions
		WHERE document_id=$1 AND version_number=$2
	`, documentID, number)
	item, err := scanVersion(row)
	if err != nil {
		return DocumentVersion{}, fmt.Errorf("get version: %w", err)
	}
	return item, nil
}

// Forks

func (s *PostgresStore) CreateFork(ctx context.Context, fork Fork) (Fork, error) {
	fork.Status = StatusActive
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current int
		err := tx.QueryRowContext(ctx, `
			SELECT current_version FROM documents WHERE id=$1 AND status='active' FOR SHARE
		`, fork.DocumentID).Scan(&current)
		if err != nil {
			return fmt.Errorf("lock document: %w", err)
		}
		fork.BaseVersion = current
		fork.LastSyncVersion = current

		err = tx.QueryRowContext(ctx, `
			INSERT INTO forks (id, owner_id, document_id, base_version, last_sync_version, status)
			VALUES ($1, $2, $3, $4, $4, 'active')
			RETURNING created_at, updated_at
		`, fork.ID, fork.OwnerID, fork.DocumentID, current).Scan(&fork.CreatedAt, &fork.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrForkExists
			}
			return fmt.Errorf("insert fork: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fork_files (fork_id, path, checksum, size, is_binary, version, active, updated_at)
			SELECT $1, path, checksum, size, is_binary, 1, TRUE, NOW()
			FROM document_files
			WHERE document_id=$2 AND active
		`, fork.ID, fork.DocumentID); err != nil {
			return fmt.Errorf("copy fork files: %w", err)
		}
		return nil
	})
	if err != nil {
		return Fork{}, err
	}
	return fork, nil
}

func (s *PostgresStore) GetFork(ctx context.Context, forkID string) (Fork, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, document_id, base_version, last_sync_version, status, created_at, updated_at, deleted_at
		FROM forks
		WHERE id=$1
	`, forkID)
	fork, err := scanFork(row)
	if err != nil {
		return Fork{}, fmt.Errorf("get fork: %w", err)
	}
	return fork, nil
}

func (s *PostgresStore) GetActiveFork(ctx context.Context, ownerID, documentID string) (Fork, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, document_id, base_version, last_sync_version, status, created_at, updated_at, deleted_at
		FROM forks
		WHERE owner_id=$1 AND document_id=$2 AND status='active'
	`, ownerID, documentID)
	fork, err := scanFork(row)
	if err != nil {
		return Fork{}, fmt.Errorf("get active fork: %w", err)
	}
	return fork, nil
}

func (s *PostgresStore) ListForksByOwner(ctx context.Context, ownerID string) ([]Fork, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, document_id, base_version, last_sync_version, status, created_at, updated_at, deleted_at
		FROM forks
		WHERE owner_id=$1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list forks: %w", err)
	}
	return scanForks(rows)
}

func (s *PostgresStore) ListForksOfOwnedDocuments(ctx context.Context, ownerID string, since time.Time) ([]Fork, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.owner_id, f.document_id, f.base_version, f.last_sync_version, f.status, f.created_at, f.updated_at, f.deleted_at
		FROM forks f
		JOIN documents d ON d.id = f.document_id
		WHERE d.owner_id=$1 AND f.created_at >= $2
		ORDER BY f.created_at DESC
	`, ownerID, since)
	if err != nil {
		return nil, fmt.Errorf("list forks of owned documents: %w", err)
	}
	return scanForks(rows)
}

func (s *PostgresStore) ListForkFiles(ctx context.Context, forkID string, includeInactive bool) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, checksum, size, is_binary, version, active, updated_at
		FROM fork_files
		WHERE fork_id=$1 AND ($2::boolean OR active)
		ORDER BY path ASC
	`, forkID, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("list fork files: %w", err)
	}
	return scanFileRecords(rows)
}

func (s *PostgresStore) WriteForkFiles(ctx context.Context, forkID string, changes []FileChange) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE forks SET updated_at=NOW() WHERE id=$1 AND status='active'
		`, forkID)
		if err != nil {
			return fmt.Errorf("touch fork: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			if err := forkExists(ctx, tx, forkID); err != nil {
				return err
			}
			return ErrForkInactive
		}
		return writeForkFiles(ctx, tx, forkID, changes)
	})
}

func (s *PostgresStore) ApplyForkSync(ctx context.Context, in ForkSync) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE forks
			SET last_sync_version=$3, updated_at=NOW()
			WHERE id=$1 AND last_sync_version=$2 AND status='active'
		`, in.ForkID, in.ExpectedLastSync, in.NewLastSync)
		if err != nil {
			return fmt.Errorf("advance fork sync: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			var status string
			if err := tx.QueryRowContext(ctx, `SELECT status FROM forks WHERE id=$1`, in.ForkID).Scan(&status); err != nil {
				return fmt.Errorf("read fork: %w", err)
			}
			if status != StatusActive {
				return ErrForkInactive
			}
			return ErrVersionConflict
		}
		return writeForkFiles(ctx, tx, in.ForkID, in.Writes)
	})
}

func (s *PostgresStore) MarkForkDeleted(ctx context.Context, forkID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE forks
		SET status='deleted', deleted_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status='active'
	`, forkID)
	if err != nil {
		return fmt.Errorf("delete fork: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		if err := forkExists(ctx, s.db, forkID); err != nil {
			return err
		}
		return ErrForkInactive
	}
	return nil
}

// Proposals

func (s *PostgresStore) InsertProposal(ctx context.Context, proposal Proposal) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		var lastSync, current int
		err := tx.QueryRowContext(ctx, `
			SELECT f.status, f.last_sync_version, d.current_version
			FROM forks f
			JOIN documents d ON d.id = f.document_id
			WHERE f.id=$1
			FOR UPDATE OF f
		`, proposal.ForkID).Scan(&status, &lastSync, &current)
		if err != nil {
			return fmt.Errorf("lock fork: %w", err)
		}
		if status != StatusActive {
			return ErrForkInactive
		}
		if lastSync != current || lastSync != proposal.BaseVersion {
			return ErrStale
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO proposals (
				id, fork_id, document_id, proposer_id, title, description, commit_message,
				suggested_title, suggested_description, diff_summary, status, base_version,
				risk_flags, merge_checklist, created_at, updated_at, opened_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW(),
				CASE WHEN $11='open' THEN NOW() END)
		`,
			proposal.ID, proposal.ForkID, proposal.DocumentID, proposal.ProposerID,
			proposal.Title, proposal.Description, proposal.CommitMessage,
			proposal.SuggestedTitle, proposal.SuggestedDescription, proposal.DiffSummary,
			proposal.Status, proposal.BaseVersion,
			nonNil(proposal.RiskFlags), nonNil(proposal.MergeChecklist),
		); err != nil {
			return fmt.Errorf("insert proposal: %w", err)
		}

		for _, file := range proposal.Files {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO proposal_files (
					proposal_id, path, change_kind, document_file_version, fork_file_version, diff_text,
					checksum_before, checksum_after, size_after, is_binary, is_binary_after, lines_added, lines_removed,
					changelog, risk_flags, confidence
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			`,
				proposal.ID, file.Path, file.ChangeKind, file.DocumentFileVersion, file.ForkFileVersion, file.DiffText,
				file.ChecksumBefore, file.ChecksumAfter, file.SizeAfter, file.Binary, file.BinaryAfter, file.LinesAdded, file.LinesRemoved,
				file.Changelog, nonNil(file.RiskFlags), file.Confidence,
			); err != nil {
				return fmt.Errorf("insert proposal file %s: %w", file.Path, err)
			}
		}
		return nil
	})
}

const proposalColumns = `
	p.id, p.fork_id, p.document_id, p.proposer_id, p.title, p.description, p.commit_message,
	p.suggested_title, p.suggested_description, p.diff_summary, p.status, p.base_version,
	p.risk_flags, p.merge_checklist, p.merge_message, p.merged_by, p.merged_version,
	p.created_at, p.updated_at, p.opened_at, p.merged_at, p.closed_at`

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals p WHERE p.id=$1`, proposalID)
	proposal, err := s.scanProposal(row)
	if err != nil {
		return Proposal{}, fmt.Errorf("get proposal: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT path, change_kind, document_file_version, fork_file_version, diff_text,
			checksum_before, checksum_after, size_after, is_binary, is_binary_after, lines_added, lines_removed,
			changelog, risk_flags, confidence
		FROM proposal_files
		WHERE proposal_id=$1
		ORDER BY path ASC
	`, proposalID)
	if err != nil {
		return Proposal{}, fmt.Errorf("list proposal files: %w", err)
	}
	defer rows.Close()

	proposal.Files = make([]ProposalFile, 0)
	for rows.Next() {
		var file ProposalFile
		var docVersion, forkVersion sql.NullInt64
		var confidence sql.NullFloat64
		if err := rows.Scan(
			&file.Path,
			&file.ChangeKind,
			&docVersion,
			&forkVersion,
			&file.DiffText,
			&file.ChecksumBefore,
			&file.ChecksumAfter,
			&file.SizeAfter,
			&file.Binary,
			&file.BinaryAfter,
			&file.LinesAdded,
			&file.LinesRemoved,
			&file.Changelog,
			s.types.SQLScanner(&file.RiskFlags),
			&confidence,
		); err != nil {
			return Proposal{}, fmt.Errorf("scan proposal file: %w", err)
		}
		file.DocumentFileVersion = intPtr(docVersion)
		file.ForkFileVersion = intPtr(forkVersion)
		if confidence.Valid {
			value := confidence.Float64
			file.Confidence = &value
		}
		proposal.Files = append(proposal.Files, file)
	}
	return proposal, rows.Err()
}

func (s *PostgresStore) ListProposals(ctx context.Context, filter ProposalFilter) ([]Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals p`
	var conditions []string
	var args []any
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.OwnerID != "" {
		query += ` JOIN documents d ON d.id = p.document_id`
		conditions = append(conditions, "d.owner_id="+arg(filter.OwnerID))
	}
	if filter.ProposerID != "" {
		conditions = append(conditions, "p.proposer_id="+arg(filter.ProposerID))
	}
	if filter.DocumentID != "" {
		conditions = append(conditions, "p.document_id="+arg(filter.DocumentID))
	}
	if filter.Status != "" {
		conditions = append(conditions, "p.status="+arg(filter.Status))
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "p.updated_at>="+arg(filter.Since))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY p.created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	items := make([]Proposal, 0)
	for rows.Next() {
		item, err := s.scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) TransitionProposal(ctx context.Context, proposalID string, from []string, to string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET status=$2,
			updated_at=NOW(),
			closed_at=CASE WHEN $2='closed' THEN NOW() ELSE closed_at END,
			opened_at=CASE WHEN $2='open' THEN COALESCE(opened_at, NOW()) ELSE opened_at END
		WHERE id=$1 AND status = ANY($3)
	`, proposalID, to, from)
	if err != nil {
		return fmt.Errorf("transition proposal: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM proposals WHERE id=$1)`, proposalID).Scan(&exists); err != nil {
			return fmt.Errorf("check proposal: %w", err)
		}
		if !exists {
			return sql.ErrNoRows
		}
		return ErrStatusConflict
	}
	return nil
}

// helpers

func writeDocumentFiles(ctx context.Context, tx *sql.Tx, documentID string, version int, changes []FileChange) error {
	for _, change := range changes {
		file := changeRecord(change)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_files (document_id, path, checksum, size, is_binary, version, active, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			ON CONFLICT (document_id, path) DO UPDATE
			SET checksum=EXCLUDED.checksum,
				size=EXCLUDED.size,
				is_binary=EXCLUDED.is_binary,
				version=EXCLUDED.version,
				active=EXCLUDED.active,
				updated_at=NOW()
		`, documentID, file.Path, file.Checksum, file.Size, file.Binary, version, file.Active); err != nil {
			return fmt.Errorf("write document file %s: %w", file.Path, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_file_revisions (document_id, path, version, checksum, size, is_binary, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, documentID, file.Path, version, file.Checksum, file.Size, file.Binary, file.Active); err != nil {
			return fmt.Errorf("write file revision %s: %w", file.Path, err)
		}
	}
	return nil
}

func writeForkFiles(ctx context.Context, tx *sql.Tx, forkID string, changes []FileChange) error {
	for _, change := range changes {
		file := changeRecord(change)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fork_files (fork_id, path, checksum, size, is_binary, version, active, updated_at)
			VALUES ($1, $2, $3, $4, $5, 1, $6, NOW())
			ON CONFLICT (fork_id, path) DO UPDATE
			SET checksum=EXCLUDED.checksum,
				size=EXCLUDED.size,
				is_binary=EXCLUDED.is_binary,
				version=fork_files.version + 1,
				active=EXCLUDED.active,
				updated_at=NOW()
		`, forkID, file.Path, file.Checksum, file.Size, file.Binary, file.Active); err != nil {
			return fmt.Errorf("write fork file %s: %w", file.Path, err)
		}
	}
	return nil
}

// insertVersion computes the file set digest from the rows written in the
// same transaction.
func insertVersion(ctx context.Context, tx *sql.Tx, version DocumentVersion) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT path, checksum FROM document_files WHERE document_id=$1 AND active
	`, version.DocumentID)
	if err != nil {
		return fmt.Errorf("read file set: %w", err)
	}
	files := make(map[string]string)
	for rows.Next() {
		var path, sum string
		if err := rows.Scan(&path, &sum); err != nil {
			rows.Close()
			return fmt.Errorf("scan file set: %w", err)
		}
		files[path] = sum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read file set: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO document_versions (document_id, version_number, file_set_checksum, provenance, proposal_id, created_by, message)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
	`, version.DocumentID, version.VersionNumber, checksum.FileSet(files), string(version.Provenance), version.ProposalID, version.CreatedBy, version.Message)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func markMerged(ctx context.Context, tx *sql.Tx, mark MergeMark, version int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE proposals
		SET status='merged', merge_message=$2, merged_by=$3, merged_version=$4, merged_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND status='open'
	`, mark.ProposalID, mark.MergeMessage, mark.MergedBy, version)
	if err != nil {
		return fmt.Errorf("mark proposal merged: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrStatusConflict
	}

	result, err = tx.ExecContext(ctx, `
		UPDATE forks
		SET last_sync_version=GREATEST(last_sync_version, $2), updated_at=NOW()
		WHERE id=$1 AND status='active'
	`, mark.ForkID, version)
	if err != nil {
		return fmt.Errorf("advance fork after merge: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return nil
	}
	return writeForkFiles(ctx, tx, mark.ForkID, mark.ForkWrites)
}

func documentExists(ctx context.Context, q queryer, documentID string) error {
	var id string
	if err := q.QueryRowContext(ctx, `SELECT id FROM documents WHERE id=$1`, documentID).Scan(&id); err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	return nil
}

func forkExists(ctx context.Context, q queryer, forkID string) error {
	var id string
	if err := q.QueryRowContext(ctx, `SELECT id FROM forks WHERE id=$1`, forkID).Scan(&id); err != nil {
		return fmt.Errorf("read fork: %w", err)
	}
	return nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanDocument(row rowScanner) (Document, error) {
	var doc Document
	err := row.Scan(
		&doc.ID,
		&doc.OwnerID,
		&doc.Title,
		&doc.Description,
		s.types.SQLScanner(&doc.Tags),
		&doc.CurrentVersion,
		&doc.Status,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	return doc, err
}

func scanVersion(row rowScanner) (DocumentVersion, error) {
	var item DocumentVersion
	var provenance string
	err := row.Scan(
		&item.DocumentID,
		&item.VersionNumber,
		&item.FileSetChecksum,
		&provenance,
		&item.ProposalID,
		&item.CreatedBy,
		&item.Message,
		&item.CreatedAt,
	)
	item.Provenance = Provenance(provenance)
	return item, err
}

func scanFork(row rowScanner) (Fork, error) {
	var fork Fork
	var deletedAt sql.NullTime
	err := row.Scan(
		&fork.ID,
		&fork.OwnerID,
		&fork.DocumentID,
		&fork.BaseVersion,
		&fork.LastSyncVersion,
		&fork.Status,
		&fork.CreatedAt,
		&fork.UpdatedAt,
		&deletedAt,
	)
	if deletedAt.Valid {
		fork.DeletedAt = &deletedAt.Time
	}
	return fork, err
}

func scanForks(rows *sql.Rows) ([]Fork, error) {
	defer rows.Close()
	items := make([]Fork, 0)
	for rows.Next() {
		fork, err := scanFork(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fork: %w", err)
		}
		items = append(items, fork)
	}
	return items, rows.Err()
}

func scanFileRecords(rows *sql.Rows) ([]FileRecord, error) {
	defer rows.Close()
	items := make([]FileRecord, 0)
	for rows.Next() {
		var item FileRecord
		if err := rows.Scan(
			&item.Path,
			&item.Checksum,
			&item.Size,
			&item.Binary,
			&item.Version,
			&item.Active,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) scanProposal(row rowScanner) (Proposal, error) {
	var item Proposal
	var mergedVersion sql.NullInt64
	var openedAt, mergedAt, closedAt sql.NullTime
	err := row.Scan(
		&item.ID,
		&item.ForkID,
		&item.DocumentID,
		&item.ProposerID,
		&item.Title,
		&item.Description,
		&item.CommitMessage,
		&item.SuggestedTitle,
		&item.SuggestedDescription,
		&item.DiffSummary,
		&item.Status,
		&item.BaseVersion,
		s.types.SQLScanner(&item.RiskFlags),
		s.types.SQLScanner(&item.MergeChecklist),
		&item.MergeMessage,
		&item.MergedBy,
		&mergedVersion,
		&item.CreatedAt,
		&item.UpdatedAt,
		&openedAt,
		&mergedAt,
		&closedAt,
	)
	if err != nil {
		return Proposal{}, err
	}
	item.MergedVersion = intPtr(mergedVersion)
	if openedAt.Valid {
		item.OpenedAt = &openedAt.Time
	}
	if mergedAt.Valid {
		item.MergedAt = &mergedAt.Time
	}
	if closedAt.Valid {
		item.ClosedAt = &closedAt.Time
	}
	return item, nil
}

func changeRecord(change FileChange) FileRecord {
	if change.Delete {
		return FileRecord{Path: change.Path, Active: false}
	}
	return FileRecord{
		Path:     change.Path,
		Checksum: change.Checksum,
		Size:     change.Size,
		Binary:   change.Binary,
		Active:   true,
	}
}

func intPtr(value sql.NullInt64) *int {
	if !value.Valid {
		return nil
	}
	v := int(value.Int64)
	return &v
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
