package analysis

import (
	"context"
	"strings"
)

var sensitivePatterns = []string{
	"legal", "gdpr", "privacy", "terms", "policy", "compliance",
	"security", "financial", "tax", "investor", "esop",
}

// Heuristic is an offline analyzer that flags sensitive paths.
type Heuristic struct{}

func (Heuristic) AnalyzeFile(_ context.Context, req FileRequest) (FileResult, error) {
	var changelog string
	switch req.ChangeKind {
	case "added":
		changelog = "Added new file " + req.Path
	case "deleted":
		changelog = "Deleted " + req.Path
	default:
		changelog = "Modified " + req.Path
	}

	lower := strings.ToLower(req.Path)
	flags := make([]string, 0)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, pattern) {
			flags = append(flags, pattern)
		}
	}
	return FileResult{
		Changelog:  changelog,
		RiskFlags:  flags,
		Confidence: ClampScore(0.6),
	}, nil
}

func (Heuristic) AnalyzeProposal(_ context.Context, req ProposalRequest) (ProposalResult, error) {
	return ProposalFallback(req), nil
}
