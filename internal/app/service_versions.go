package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"playhub/api/internal/blob"
	"playhub/api/internal/checksum"
	"playhub/api/internal/diff"
	"playhub/api/internal/gitrepo"
	"playhub/api/internal/store"
	"playhub/api/internal/util"
)

// FileInput is one file write. Delete removes Path and ignores Content.
type FileInput struct {
	Path    string
	Content []byte
	Delete  bool
}

type CreateDocumentInput struct {
	Title       string
	Description string
	Tags        []string
	Files       []FileInput
	Message     string
}

type UpdateDocumentInput struct {
	Title       string
	Description string
	Tags        []string
}

func (in CreateDocumentInput) validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Title, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.Description, validation.Length(0, 5000)),
		validation.Field(&in.Tags, validation.Each(validation.Required, validation.Length(1, 50))),
	)
}

func (in UpdateDocumentInput) validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Title, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.Description, validation.Length(0, 5000)),
		validation.Field(&in.Tags, validation.Each(validation.Required, validation.Length(1, 50))),
	)
}

func (s *Service) CreateDocument(ctx context.Context, actor string, in CreateDocumentInput) (store.Document, error) {
	if strings.TrimSpace(actor) == "" {
		return store.Document{}, forbiddenError("An actor is required")
	}
	in.Title = strings.TrimSpace(in.Title)
	if err := in.validate(); err != nil {
		return store.Document{}, validationError("Invalid document", err)
	}
	for _, file := range in.Files {
		if file.Delete {
			return store.Document{}, validationError("A new document cannot delete files", map[string]any{"path": file.Path})
		}
	}
	changes, err := s.storeFiles(ctx, in.Files)
	if err != nil {
		return store.Document{}, err
	}

	message := strings.TrimSpace(in.Message)
	if message == "" {
		message = "Initial import"
	}
	doc, err := s.store.CreateDocument(ctx, store.CreateDocumentInput{
		Document: store.Document{
			ID:          util.NewID("doc"),
			OwnerID:     actor,
			Title:       in.Title,
			Description: in.Description,
			Tags:        in.Tags,
		},
		Files:      changes,
		Provenance: store.ProvenanceImport,
		Actor:      actor,
		Message:    message,
	})
	if err != nil {
		return store.Document{}, fmt.Errorf("create document: %w", err)
	}
	s.metrics.VersionPublished(string(store.ProvenanceImport))
	s.logger.Info("document created", "document_id", doc.ID, "owner_id", actor, "files", len(changes))
	s.mirrorVersion(ctx, doc.ID, doc.CurrentVersion, actor, message)
	return doc, nil
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, fmt.Errorf("get document %s: %w", documentID, err)
	}
	return doc, nil
}

func (s *Service) ListDocuments(ctx context.Context, ownerID string) ([]store.Document, error) {
	return s.store.ListDocumentsByOwner(ctx, ownerID)
}

func (s *Service) UpdateDocument(ctx context.Context, actor, documentID string, in UpdateDocumentInput) (store.Document, error) {
	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if doc.OwnerID != actor {
		return store.Document{}, forbiddenError("Only the document owner can edit it")
	}
	if doc.Status != store.StatusActive {
		return store.Document{}, invalidStateError("Document is deleted")
	}
	in.Title = strings.TrimSpace(in.Title)
	if err := in.validate(); err != nil {
		return store.Document{}, validationError("Invalid document", err)
	}
	if err := s.store.UpdateDocumentMeta(ctx, documentID, in.Title, in.Description, in.Tags); err != nil {
		return store.Document{}, fmt.Errorf("update document %s: %w", documentID, err)
	}
	return s.GetDocument(ctx, documentID)
}

// PublishDocument is the owner's manual edit path.
func (s *Service) PublishDocument(ctx context.Context, actor, documentID string, files []FileInput, message string) (store.DocumentVersion, error) {
	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return store.DocumentVersion{}, err
	}
	if doc.OwnerID != actor {
		return store.DocumentVersion{}, forbiddenError("Only the document owner can publish")
	}
	if len(files) == 0 {
		return store.DocumentVersion{}, validationError("At least one file change is required", nil)
	}
	changes, err := s.storeFiles(ctx, files)
	if err != nil {
		return store.DocumentVersion{}, err
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = "Update playbook"
	}

	unlock, err := s.lockDocument(ctx, documentID)
	if err != nil {
		return store.DocumentVersion{}, err
	}
	defer unlock()

	version, err := s.publish(ctx, documentID, func(ctx context.Context, doc store.Document) (store.PublishInput, error) {
		if doc.Status != store.StatusActive {
			return store.PublishInput{}, invalidStateError("Document is deleted")
		}
		current, err := s.store.ListDocumentFiles(ctx, documentID, false)
		if err != nil {
			return store.PublishInput{}, fmt.Errorf("list document files: %w", err)
		}
		effective := dropAbsentDeletes(changes, checksums(current))
		if len(effective) == 0 {
			return store.PublishInput{}, validationError("No file changes to publish", nil)
		}
		return store.PublishInput{
			Changes:    effective,
			Provenance: store.ProvenanceManual,
			Actor:      actor,
			Message:    message,
		}, nil
	})
	if err != nil {
		return store.DocumentVersion{}, err
	}
	s.logger.Info("version published", "document_id", documentID, "version", version.VersionNumber, "provenance", version.Provenance)
	s.mirrorVersion(ctx, documentID, version.VersionNumber, actor, message)
	return version, nil
}

type publishBuilder func(ctx context.Context, doc store.Document) (store.PublishInput, error)

// publish allocates the next version number. A lost compare-and-swap is
// retried with a freshly read document; build runs once per attempt.
func (s *Service) publish(ctx context.Context, documentID string, build publishBuilder) (store.DocumentVersion, error) {
	for attempt := 1; attempt <= s.publishRetries; attempt++ {
		doc, err := s.GetDocument(ctx, documentID)
		if err != nil {
			return store.DocumentVersion{}, err
		}
		in, err := build(ctx, doc)
		if err != nil {
			return store.DocumentVersion{}, err
		}
		in.DocumentID = documentID
		in.ExpectedVersion = doc.CurrentVersion

		version, err := s.store.PublishVersion(ctx, in)
		if errors.Is(err, store.ErrVersionConflict) {
			s.metrics.VersionConflict()
			s.logger.Warn("publish lost version race", "document_id", documentID, "expected_version", in.ExpectedVersion, "attempt", attempt)
			continue
		}
		if err != nil {
			return store.DocumentVersion{}, fmt.Errorf("publish version: %w", err)
		}
		s.metrics.VersionPublished(string(in.Provenance))
		return version, nil
	}
	return store.DocumentVersion{}, conflictError(s.publishRetries)
}

// FileSetAsOf lists the files visible at version; zero means current.
func (s *Service) FileSetAsOf(ctx context.Context, documentID string, version int) ([]store.FileRecord, error) {
	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		version = doc.CurrentVersion
	}
	if version < 1 || version > doc.CurrentVersion {
		return nil, validationError("Version out of range", map[string]any{"version": version, "currentVersion": doc.CurrentVersion})
	}
	files, err := s.store.FileSetAsOf(ctx, documentID, version)
	if err != nil {
		return nil, fmt.Errorf("file set of %s v%d: %w", documentID, version, err)
	}
	return files, nil
}

// FileContent returns the bytes of path as of version; zero means current.
func (s *Service) FileContent(ctx context.Context, documentID, path string, version int) ([]byte, store.FileRecord, error) {
	normalized, err := util.NormalizePath(path)
	if err != nil {
		return nil, store.FileRecord{}, validationError("Invalid path", map[string]any{"path": path})
	}
	files, err := s.FileSetAsOf(ctx, documentID, version)
	if err != nil {
		return nil, store.FileRecord{}, err
	}
	file, ok := byPath(files)[normalized]
	if !ok {
		return nil, store.FileRecord{}, fmt.Errorf("file %s: %w", normalized, sql.ErrNoRows)
	}
	content, err := s.readContent(ctx, file.Checksum)
	if errors.Is(err, blob.ErrNotFound) && s.mirror != nil {
		content, err = s.restoreFromMirror(ctx, documentID, version, file)
	}
	if err != nil {
		return nil, store.FileRecord{}, err
	}
	return content, file, nil
}

// restoreFromMirror reads a file whose blob is missing from the git mirror
// and writes it back to the blob store. The mirrored bytes must match the
// recorded checksum.
func (s *Service) restoreFromMirror(ctx context.Context, documentID string, version int, file store.FileRecord) ([]byte, error) {
	if version == 0 {
		doc, err := s.GetDocument(ctx, documentID)
		if err != nil {
			return nil, err
		}
		version = doc.CurrentVersion
	}
	snapshot, err := s.mirror.ReadVersion(documentID, version)
	if err != nil {
		return nil, fmt.Errorf("read mirrored v%d: %w", version, err)
	}
	content, ok := snapshot[file.Path]
	if !ok || checksum.Sum(content) != file.Checksum {
		return nil, fmt.Errorf("mirror has no copy of %s: %w", file.Path, blob.ErrNotFound)
	}
	if err := s.blobs.Put(ctx, file.Checksum, content); err != nil {
		return nil, fmt.Errorf("restore content of %s: %w", file.Path, err)
	}
	s.logger.Warn("file content restored from mirror", "document_id", documentID, "path", file.Path, "version", version)
	return content, nil
}

// History lists mirrored commits of a document, newest first.
func (s *Service) History(ctx context.Context, documentID string, limit int) ([]gitrepo.Commit, error) {
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	if s.mirror == nil {
		return nil, invalidStateError("Version history is not mirrored")
	}
	commits, err := s.mirror.History(documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("history of %s: %w", documentID, err)
	}
	return commits, nil
}

func (s *Service) ListVersions(ctx context.Context, documentID string) ([]store.DocumentVersion, error) {
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, documentID)
}

func (s *Service) GetVersion(ctx context.Context, documentID string, number int) (store.DocumentVersion, error) {
	version, err := s.store.GetVersion(ctx, documentID, number)
	if err != nil {
		return store.DocumentVersion{}, fmt.Errorf("get version %s v%d: %w", documentID, number, err)
	}
	return version, nil
}

// storeFiles normalizes paths, writes contents to the blob store and
// returns the matching store changes. A path may appear once.
func (s *Service) storeFiles(ctx context.Context, files []FileInput) ([]store.FileChange, error) {
	seen := make(map[string]struct{}, len(files))
	changes := make([]store.FileChange, 0, len(files))
	for _, file := range files {
		path, err := util.NormalizePath(file.Path)
		if err != nil {
			return nil, validationError("Invalid path", map[string]any{"path": file.Path})
		}
		if _, dup := seen[path]; dup {
			return nil, validationError("Duplicate path", map[string]any{"path": path})
		}
		seen[path] = struct{}{}

		if file.Delete {
			changes = append(changes, store.FileChange{Path: path, Delete: true})
			continue
		}
		sum := checksum.Sum(file.Content)
		if err := s.blobs.Put(ctx, sum, file.Content); err != nil {
			return nil, fmt.Errorf("store content of %s: %w", path, err)
		}
		changes = append(changes, store.FileChange{
			Path:     path,
			Checksum: sum,
			Size:     int64(len(file.Content)),
			Binary:   diff.IsBinary(file.Content),
		})
	}
	return changes, nil
}

func dropAbsentDeletes(changes []store.FileChange, present map[string]string) []store.FileChange {
	out := make([]store.FileChange, 0, len(changes))
	for _, change := range changes {
		if _, ok := present[change.Path]; change.Delete && !ok {
			continue
		}
		out = append(out, change)
	}
	return out
}

// mirrorVersion records a published version in the git mirror. Failures are
// logged only.
func (s *Service) mirrorVersion(ctx context.Context, documentID string, version int, author, message string) {
	if s.mirror == nil {
		return
	}
	files, err := s.store.FileSetAsOf(ctx, documentID, version)
	if err != nil {
		s.logger.Warn("mirror version skipped", "document_id", documentID, "version", version, "error", err)
		return
	}
	snapshot := make(map[string][]byte, len(files))
	for _, file := range files {
		content, err := s.readContent(ctx, file.Checksum)
		if err != nil {
			s.logger.Warn("mirror version skipped", "document_id", documentID, "version", version, "error", err)
			return
		}
		snapshot[file.Path] = content
	}
	commit, err := s.mirror.RecordVersion(documentID, version, snapshot, author, message)
	if err != nil {
		s.logger.Warn("mirror version failed", "document_id", documentID, "version", version, "error", err)
		return
	}
	s.logger.Debug("version mirrored", "document_id", documentID, "version", version, "commit", commit.Hash)
}
