package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"playhub/api/internal/analysis"
	"playhub/api/internal/store"
)

const (
	owner = "olivia"
	bob   = "bob"
	carol = "carol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tickingClock advances one second per reading so store timestamps are
// distinct and ordered.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type testEnv struct {
	svc   *Service
	store *store.MemoryStore
	clock *tickingClock
}

func newTestEnv(t *testing.T, opts Options) testEnv {
	t.Helper()
	clock := &tickingClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	mem := store.NewMemoryStore().WithClock(clock.Now)
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	return testEnv{svc: New(mem, opts), store: mem, clock: clock}
}

type stubAnalyzer struct {
	file     func(context.Context, analysis.FileRequest) (analysis.FileResult, error)
	proposal func(context.Context, analysis.ProposalRequest) (analysis.ProposalResult, error)
}

func (s stubAnalyzer) AnalyzeFile(ctx context.Context, req analysis.FileRequest) (analysis.FileResult, error) {
	if s.file == nil {
		return analysis.FileResult{}, analysis.ErrUnavailable
	}
	return s.file(ctx, req)
}

func (s stubAnalyzer) AnalyzeProposal(ctx context.Context, req analysis.ProposalRequest) (analysis.ProposalResult, error) {
	if s.proposal == nil {
		return analysis.ProposalResult{}, analysis.ErrUnavailable
	}
	return s.proposal(ctx, req)
}

func runnerFor(a analysis.Analyzer) *analysis.Runner {
	return analysis.NewRunner(a, analysis.RunnerConfig{Timeout: 2 * time.Second, Logger: discardLogger()})
}

func text(path, content string) FileInput {
	return FileInput{Path: path, Content: []byte(content)}
}

func remove(path string) FileInput {
	return FileInput{Path: path, Delete: true}
}

func (e testEnv) createDocument(t *testing.T, files ...FileInput) store.Document {
	t.Helper()
	doc, err := e.svc.CreateDocument(context.Background(), owner, CreateDocumentInput{Title: "Incident runbook", Files: files})
	require.NoError(t, err)
	return doc
}

func (e testEnv) publish(t *testing.T, documentID string, files ...FileInput) store.DocumentVersion {
	t.Helper()
	version, err := e.svc.PublishDocument(context.Background(), owner, documentID, files, "owner edit")
	require.NoError(t, err)
	return version
}

func (e testEnv) fork(t *testing.T, actor, documentID string) store.Fork {
	t.Helper()
	fork, err := e.svc.CreateFork(context.Background(), actor, documentID)
	require.NoError(t, err)
	return fork
}

func (e testEnv) editFork(t *testing.T, actor, forkID string, files ...FileInput) {
	t.Helper()
	_, err := e.svc.EditFork(context.Background(), actor, forkID, files)
	require.NoError(t, err)
}

func (e testEnv) propose(t *testing.T, actor, forkID string) store.Proposal {
	t.Helper()
	proposal, err := e.svc.CreateProposal(context.Background(), actor, CreateProposalInput{
		ForkID:        forkID,
		Title:         "Tighten escalation",
		CommitMessage: "Escalate sooner",
	})
	require.NoError(t, err)
	return proposal
}

// documentContent returns the current content of path, or "" when absent.
func (e testEnv) documentContent(t *testing.T, documentID, path string) string {
	t.Helper()
	files, err := e.store.ListDocumentFiles(context.Background(), documentID, false)
	require.NoError(t, err)
	return e.contentOf(t, files, path)
}

func (e testEnv) forkContent(t *testing.T, forkID, path string) string {
	t.Helper()
	files, err := e.store.ListForkFiles(context.Background(), forkID, false)
	require.NoError(t, err)
	return e.contentOf(t, files, path)
}

func (e testEnv) contentOf(t *testing.T, files []store.FileRecord, path string) string {
	t.Helper()
	file, ok := byPath(files)[path]
	if !ok {
		return ""
	}
	content, err := e.svc.readContent(context.Background(), file.Checksum)
	require.NoError(t, err)
	return string(content)
}
