package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Commit describes one mirrored document version.
type Commit struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

// Mirror records every published document version as a commit in a
// per-document repository, tagged v<N>.
type Mirror struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Mirror {
	return &Mirror{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func TagName(version int) string {
	return "v" + strconv.Itoa(version)
}

// RecordVersion replaces the worktree with files and commits it. Recording
// an already tagged version is a no-op.
func (m *Mirror) RecordVersion(documentID string, version int, files map[string][]byte, author, message string) (Commit, error) {
	lock := m.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := m.openOrInit(documentID)
	if err != nil {
		return Commit{}, err
	}

	if ref, err := repo.Tag(TagName(version)); err == nil {
		commitObj, err := repo.CommitObject(ref.Hash())
		if err != nil {
			return Commit{}, fmt.Errorf("read tagged commit: %w", err)
		}
		return toCommit(commitObj), nil
	} else if !errors.Is(err, git.ErrTagNotFound) {
		return Commit{}, fmt.Errorf("resolve tag %s: %w", TagName(version), err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := clearWorktree(root); err != nil {
		return Commit{}, err
	}
	for path, content := range files {
		target := filepath.Join(root, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return Commit{}, fmt.Errorf("create dir for %s: %w", path, err)
		}
		if err := os.WriteFile(target, content, 0o644); err != nil {
			return Commit{}, fmt.Errorf("write %s: %w", path, err)
		}
	}
	status, err := worktree.Status()
	if err != nil {
		return Commit{}, fmt.Errorf("worktree status: %w", err)
	}
	for path, entry := range status {
		if entry.Worktree == git.Deleted {
			if _, err := worktree.Remove(path); err != nil {
				return Commit{}, fmt.Errorf("git rm %s: %w", path, err)
			}
		}
	}
	for path := range files {
		if _, err := worktree.Add(path); err != nil {
			return Commit{}, fmt.Errorf("git add %s: %w", path, err)
		}
	}

	firstCommit := false
	if _, err := repo.Head(); errors.Is(err, plumbing.ErrReferenceNotFound) {
		firstCommit = true
	}

	hash, err := worktree.Commit(fmt.Sprintf("%s\n\nversion: %d", message, version), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.playhub.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return Commit{}, fmt.Errorf("commit version %d: %w", version, err)
	}
	if firstCommit {
		if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
			return Commit{}, fmt.Errorf("set main branch ref: %w", err)
		}
		if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
			return Commit{}, fmt.Errorf("set HEAD to main: %w", err)
		}
	}

	if _, err := repo.CreateTag(TagName(version), hash, nil); err != nil && !errors.Is(err, git.ErrTagExists) {
		return Commit{}, fmt.Errorf("create tag: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), nil
}

// ReadVersion returns the file snapshot tagged for version.
func (m *Mirror) ReadVersion(documentID string, version int) (map[string][]byte, error) {
	lock := m.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(m.repoPath(documentID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Tag(TagName(version))
	if err != nil {
		return nil, fmt.Errorf("resolve tag %s: %w", TagName(version), err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	files, err := commitObj.Files()
	if err != nil {
		return nil, fmt.Errorf("list commit files: %w", err)
	}
	defer files.Close()

	snapshot := make(map[string][]byte)
	err = files.ForEach(func(file *object.File) error {
		reader, err := file.Reader()
		if err != nil {
			return fmt.Errorf("open %s: %w", file.Name, err)
		}
		defer reader.Close()
		content, err := io.ReadAll(reader)
		if err != nil {
			return fmt.Errorf("read %s: %w", file.Name, err)
		}
		snapshot[file.Name] = content
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// History lists commits on main, newest first. A document that was never
// mirrored has no history.
func (m *Mirror) History(documentID string, limit int) ([]Commit, error) {
	lock := m.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(m.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0, max(limit, 0))
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (m *Mirror) openOrInit(documentID string) (*git.Repository, error) {
	path := m.repoPath(documentID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (m *Mirror) repoPath(documentID string) string {
	return filepath.Join(m.baseDir, documentID)
}

func (m *Mirror) documentLock(documentID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	lock, ok := m.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	m.locks[documentID] = lock
	return lock
}

func clearWorktree(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("read worktree: %w", err)
	}
	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			return fmt.Errorf("clear worktree: %w", err)
		}
	}
	return nil
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	bytes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			bytes = append(bytes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			bytes = append(bytes, '.')
		}
	}
	if len(bytes) == 0 {
		return "user"
	}
	return string(bytes)
}
