package store

import "time"

const (
	StatusActive  = "active"
	StatusDeleted = "deleted"
)

type Provenance string

const (
	ProvenanceManual        Provenance = "manual"
	ProvenanceProposalMerge Provenance = "proposal_merge"
	ProvenanceImport        Provenance = "import"
)

const (
	ProposalDraft  = "draft"
	ProposalOpen   = "open"
	ProposalMerged = "merged"
	ProposalClosed = "closed"
)

type Document struct {
	ID             string
	OwnerID        string
	Title          string
	Description    string
	Tags           []string
	CurrentVersion int
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FileRecord is one path in a document or fork. For documents Version is
// the version that introduced this state of the file; for forks it is a
// local revision counter. Inactive records mark deletions.
type FileRecord struct {
	Path      string
	Checksum  string
	Size      int64
	Binary    bool
	Version   int
	Active    bool
	UpdatedAt time.Time
}

type DocumentVersion struct {
	DocumentID      string
	VersionNumber   int
	FileSetChecksum string
	Provenance      Provenance
	ProposalID      string
	CreatedBy       string
	Message         string
	CreatedAt       time.Time
}

type Fork struct {
	ID              string
	OwnerID         string
	DocumentID      string
	BaseVersion     int
	LastSyncVersion int
	Status          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

type Proposal struct {
	ID                   string
	ForkID               string
	DocumentID           string
	ProposerID           string
	Title                string
	Description          string
	CommitMessage        string
	SuggestedTitle       string
	SuggestedDescription string
	DiffSummary          string
	Status               string
	BaseVersion          int
	RiskFlags            []string
	MergeChecklist       []string
	MergeMessage         string
	MergedBy             string
	MergedVersion        *int
	CreatedAt            time.Time
	UpdatedAt            time.Time
	OpenedAt             *time.Time
	MergedAt             *time.Time
	ClosedAt             *time.Time
	Files                []ProposalFile
}

type ProposalFile struct {
	Path                string
	ChangeKind          string
	DocumentFileVersion *int
	ForkFileVersion     *int
	DiffText            string
	ChecksumBefore      string
	ChecksumAfter       string
	SizeAfter           int64
	// Binary is set when either side is binary; BinaryAfter describes the
	// fork's content only.
	Binary       bool
	BinaryAfter  bool
	LinesAdded   int
	LinesRemoved int
	Changelog    string
	RiskFlags    []string
	Confidence   *float64
}

// FileChange is a write against a file set. Delete marks the path inactive.
type FileChange struct {
	Path     string
	Checksum string
	Size     int64
	Binary   bool
	Delete   bool
}

type CreateDocumentInput struct {
	Document   Document
	Files      []FileChange
	Provenance Provenance
	Actor      string
	Message    string
}

type PublishInput struct {
	DocumentID      string
	ExpectedVersion int
	Changes         []FileChange
	Provenance      Provenance
	ProposalID      string
	Actor           string
	Message         string
	Merge           *MergeMark
}

// MergeMark closes out a proposal in the same transaction as its publish.
type MergeMark struct {
	ProposalID   string
	ForkID       string
	MergedBy     string
	MergeMessage string
	// ForkWrites fast-forwards fork files for origin versions published
	// while the proposal was open.
	ForkWrites []FileChange
}

type ForkSync struct {
	ForkID           string
	ExpectedLastSync int
	NewLastSync      int
	Writes           []FileChange
}

type ProposalFilter struct {
	ProposerID string
	DocumentID string
	OwnerID    string
	Status     string
	Since      time.Time
	Limit      int
	Offset     int
}
