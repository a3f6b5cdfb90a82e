package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"playhub/api/internal/analysis"
	"playhub/api/internal/blob"
	"playhub/api/internal/gitrepo"
	"playhub/api/internal/lock"
	"playhub/api/internal/metrics"
	"playhub/api/internal/store"
)

type dataStore interface {
	Ping(context.Context) error

	CreateDocument(context.Context, store.CreateDocumentInput) (store.Document, error)
	GetDocument(context.Context, string) (store.Document, error)
	ListDocumentsByOwner(context.Context, string) ([]store.Document, error)
	UpdateDocumentMeta(context.Context, string, string, string, []string) error
	ListDocumentFiles(context.Context, string, bool) ([]store.FileRecord, error)
	FileSetAsOf(context.Context, string, int) ([]store.FileRecord, error)
	ChangedPathsBetween(context.Context, string, int, int) ([]string, error)
	PublishVersion(context.Context, store.PublishInput) (store.DocumentVersion, error)
	ListVersions(context.Context, string) ([]store.DocumentVersion, error)
	GetVersion(context.Context, string, int) (store.DocumentVersion, error)

	CreateFork(context.Context, store.Fork) (store.Fork, error)
	GetFork(context.Context, string) (store.Fork, error)
	GetActiveFork(context.Context, string, string) (store.Fork, error)
	ListForksByOwner(context.Context, string) ([]store.Fork, error)
	ListForksOfOwnedDocuments(context.Context, string, time.Time) ([]store.Fork, error)
	ListForkFiles(context.Context, string, bool) ([]store.FileRecord, error)
	WriteForkFiles(context.Context, string, []store.FileChange) error
	ApplyForkSync(context.Context, store.ForkSync) error
	MarkForkDeleted(context.Context, string) error

	InsertProposal(context.Context, store.Proposal) error
	GetProposal(context.Context, string) (store.Proposal, error)
	ListProposals(context.Context, store.ProposalFilter) ([]store.Proposal, error)
	TransitionProposal(context.Context, string, []string, string) error
}

type versionMirror interface {
	RecordVersion(documentID string, version int, files map[string][]byte, author, message string) (gitrepo.Commit, error)
	ReadVersion(documentID string, version int) (map[string][]byte, error)
	History(documentID string, limit int) ([]gitrepo.Commit, error)
}

// Options carries the collaborators of a Service. Zero values select
// in-process defaults.
type Options struct {
	Blobs          blob.Store
	Locks          lock.Locker
	Mirror         versionMirror
	Analysis       *analysis.Runner
	Policy         SyncPolicy
	Metrics        *metrics.Recorder
	Logger         *slog.Logger
	PublishRetries int
}

type Service struct {
	store          dataStore
	blobs          blob.Store
	locks          lock.Locker
	mirror         versionMirror
	analysis       *analysis.Runner
	policy         SyncPolicy
	metrics        *metrics.Recorder
	logger         *slog.Logger
	publishRetries int
}

func New(data dataStore, opts Options) *Service {
	if opts.Blobs == nil {
		opts.Blobs = blob.NewMemory()
	}
	if opts.Locks == nil {
		opts.Locks = lock.NewLocal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Analysis == nil {
		opts.Analysis = analysis.NewRunner(analysis.Disabled{}, analysis.RunnerConfig{Logger: opts.Logger})
	}
	if opts.Policy == nil {
		opts.Policy = LastWriterWins{}
	}
	if opts.PublishRetries <= 0 {
		opts.PublishRetries = 3
	}
	return &Service{
		store:          data,
		blobs:          opts.Blobs,
		locks:          opts.Locks,
		mirror:         opts.Mirror,
		analysis:       opts.Analysis,
		policy:         opts.Policy,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		publishRetries: opts.PublishRetries,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) lockDocument(ctx context.Context, documentID string) (lock.Unlock, error) {
	unlock, err := s.locks.Lock(ctx, lock.DocumentKey(documentID))
	if err != nil {
		return nil, fmt.Errorf("lock document %s: %w", documentID, err)
	}
	return unlock, nil
}

func (s *Service) lockFork(ctx context.Context, forkID string) (lock.Unlock, error) {
	unlock, err := s.locks.Lock(ctx, lock.ForkKey(forkID))
	if err != nil {
		return nil, fmt.Errorf("lock fork %s: %w", forkID, err)
	}
	return unlock, nil
}

// loadFork returns a fork with its origin document.
func (s *Service) loadFork(ctx context.Context, forkID string) (store.Fork, store.Document, error) {
	fork, err := s.store.GetFork(ctx, forkID)
	if err != nil {
		return store.Fork{}, store.Document{}, fmt.Errorf("get fork %s: %w", forkID, err)
	}
	doc, err := s.store.GetDocument(ctx, fork.DocumentID)
	if err != nil {
		return store.Fork{}, store.Document{}, fmt.Errorf("get document %s: %w", fork.DocumentID, err)
	}
	return fork, doc, nil
}

func (s *Service) readContent(ctx context.Context, sum string) ([]byte, error) {
	content, err := s.blobs.Get(ctx, sum)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", sum, err)
	}
	return content, nil
}

func byPath(files []store.FileRecord) map[string]store.FileRecord {
	out := make(map[string]store.FileRecord, len(files))
	for _, file := range files {
		out[file.Path] = file
	}
	return out
}

func checksums(files []store.FileRecord) map[string]string {
	out := make(map[string]string, len(files))
	for _, file := range files {
		if file.Active {
			out[file.Path] = file.Checksum
		}
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
