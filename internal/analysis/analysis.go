// Package analysis wraps the external reviewers that annotate proposals.
// Every call is optional: callers fall back to mechanical summaries.
package analysis

import (
	"context"
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"playhub/api/internal/diff"
)

var ErrUnavailable = errors.New("analysis unavailable")

type FileRequest struct {
	Path         string
	ChangeKind   string
	Diff         string
	Before       string
	After        string
	Binary       bool
	LinesAdded   int
	LinesRemoved int
}

type FileResult struct {
	Changelog  string
	RiskFlags  []string
	Confidence *float64
}

type FileSummary struct {
	Path       string
	ChangeKind string
	Changelog  string
	RiskFlags  []string
	Confidence *float64
}

type ProposalRequest struct {
	Title         string
	Description   string
	CommitMessage string
	Files         []FileSummary
}

type ProposalResult struct {
	Title       string
	Description string
	RiskFlags   []string
	Checklist   []string
}

type FileAnalyzer interface {
	AnalyzeFile(ctx context.Context, req FileRequest) (FileResult, error)
}

type ProposalAnalyzer interface {
	AnalyzeProposal(ctx context.Context, req ProposalRequest) (ProposalResult, error)
}

type Analyzer interface {
	FileAnalyzer
	ProposalAnalyzer
}

// Disabled always reports ErrUnavailable.
type Disabled struct{}

func (Disabled) AnalyzeFile(context.Context, FileRequest) (FileResult, error) {
	return FileResult{}, ErrUnavailable
}

func (Disabled) AnalyzeProposal(context.Context, ProposalRequest) (ProposalResult, error) {
	return ProposalResult{}, ErrUnavailable
}

// NormalizeScore turns an untrusted score into a value in [0,1]. Missing,
// non-numeric and non-finite values become nil; numeric strings are parsed.
func NormalizeScore(raw gjson.Result) *float64 {
	var value float64
	switch raw.Type {
	case gjson.Number:
		value = raw.Float()
	case gjson.String:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(raw.Str), 64)
		if err != nil {
			return nil
		}
		value = parsed
	default:
		return nil
	}
	return ClampScore(value)
}

func ClampScore(value float64) *float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil
	}
	value = math.Max(0, math.Min(1, value))
	return &value
}

// FileFallback is the deterministic result used when no analyzer answers.
func FileFallback(req FileRequest) FileResult {
	return FileResult{
		Changelog: mechanicalChangelog(req),
		RiskFlags: []string{},
	}
}

// ProposalFallback summarises a proposal from its file summaries alone.
func ProposalFallback(req ProposalRequest) ProposalResult {
	title := "Update " + strconv.Itoa(len(req.Files)) + " files"
	if len(req.Files) == 1 {
		title = "Update " + req.Files[0].Path
	}
	description := strings.TrimSpace("This PR updates " + strconv.Itoa(len(req.Files)) + " file(s). " + req.CommitMessage)

	risks := AggregateRisks(req.Files)
	checklist := []string{
		"Review all file changes",
		"Verify no sensitive data is exposed",
		"Test affected functionality",
	}
	if len(risks) > 0 {
		checklist = append(checklist, "Review changes to sensitive sections")
	}
	return ProposalResult{
		Title:       title,
		Description: description,
		RiskFlags:   risks,
		Checklist:   checklist,
	}
}

// AggregateRisks returns the sorted union of per-file risk flags.
func AggregateRisks(files []FileSummary) []string {
	seen := make(map[string]struct{})
	risks := make([]string, 0)
	for _, file := range files {
		for _, flag := range file.RiskFlags {
			if _, ok := seen[flag]; ok {
				continue
			}
			seen[flag] = struct{}{}
			risks = append(risks, flag)
		}
	}
	sort.Strings(risks)
	return risks
}

func mechanicalChangelog(req FileRequest) string {
	if req.Binary {
		switch diff.ChangeKind(req.ChangeKind) {
		case diff.Added:
			return "Added binary file"
		case diff.Deleted:
			return "Deleted binary file"
		default:
			return "Replaced binary file"
		}
	}
	return diff.Changelog(req.LinesAdded, req.LinesRemoved)
}
