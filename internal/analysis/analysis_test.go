package analysis

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestNormalizeScore(t *testing.T) {
	cases := []struct {
		json string
		want *float64
	}{
		{`{"c": 0.85}`, ClampScore(0.85)},
		{`{"c": 1.7}`, ClampScore(1)},
		{`{"c": -3}`, ClampScore(0)},
		{`{"c": "0.4"}`, ClampScore(0.4)},
		{`{"c": "NaN"}`, nil},
		{`{"c": "high"}`, nil},
		{`{"c": null}`, nil},
		{`{"c": true}`, nil},
		{`{}`, nil},
	}
	for _, tc := range cases {
		got := NormalizeScore(gjson.Get(tc.json, "c"))
		if tc.want == nil {
			assert.Nil(t, got, tc.json)
			continue
		}
		require.NotNil(t, got, tc.json)
		assert.InDelta(t, *tc.want, *got, 1e-9, tc.json)
	}
	assert.Nil(t, ClampScore(math.Inf(1)))
}

func TestFileFallback(t *testing.T) {
	result := FileFallback(FileRequest{Path: "a.md", ChangeKind: "modified", LinesAdded: 4, LinesRemoved: 1})
	assert.Equal(t, "+4 -1 lines", result.Changelog)
	assert.Empty(t, result.RiskFlags)
	assert.NotNil(t, result.RiskFlags)
	assert.Nil(t, result.Confidence)

	binary := FileFallback(FileRequest{Path: "logo.png", ChangeKind: "added", Binary: true})
	assert.Equal(t, "Added binary file", binary.Changelog)
}

func TestProposalFallback(t *testing.T) {
	single := ProposalFallback(ProposalRequest{
		CommitMessage: "Tighten escalation steps",
		Files:         []FileSummary{{Path: "runbooks/escalation.md"}},
	})
	assert.Equal(t, "Update runbooks/escalation.md", single.Title)
	assert.Equal(t, "This PR updates 1 file(s). Tighten escalation steps", single.Description)
	assert.Equal(t, []string{"Review all file changes", "Verify no sensitive data is exposed", "Test affected functionality"}, single.Checklist)

	multi := ProposalFallback(ProposalRequest{
		Files: []FileSummary{
			{Path: "a.md", RiskFlags: []string{"privacy"}},
			{Path: "b.md", RiskFlags: []string{"gdpr", "privacy"}},
		},
	})
	assert.Equal(t, "Update 2 files", multi.Title)
	assert.Equal(t, []string{"gdpr", "privacy"}, multi.RiskFlags)
	assert.Contains(t, multi.Checklist, "Review changes to sensitive sections")
}

func TestHeuristicFlagsSensitivePaths(t *testing.T) {
	result, err := Heuristic{}.AnalyzeFile(context.Background(), FileRequest{Path: "Legal/Privacy-Policy.md", ChangeKind: "modified"})
	require.NoError(t, err)
	assert.Equal(t, "Modified Legal/Privacy-Policy.md", result.Changelog)
	assert.Equal(t, []string{"legal", "privacy", "policy"}, result.RiskFlags)
	require.NotNil(t, result.Confidence)
	assert.InDelta(t, 0.6, *result.Confidence, 1e-9)
}

type stubAnalyzer struct {
	file     func(context.Context, FileRequest) (FileResult, error)
	proposal func(context.Context, ProposalRequest) (ProposalResult, error)
}

func (s stubAnalyzer) AnalyzeFile(ctx context.Context, req FileRequest) (FileResult, error) {
	return s.file(ctx, req)
}

func (s stubAnalyzer) AnalyzeProposal(ctx context.Context, req ProposalRequest) (ProposalResult, error) {
	return s.proposal(ctx, req)
}

func TestRunnerFallsBackOnError(t *testing.T) {
	var fallbacks int32
	runner := NewRunner(stubAnalyzer{
		file: func(context.Context, FileRequest) (FileResult, error) {
			return FileResult{}, errors.New("boom")
		},
		proposal: func(context.Context, ProposalRequest) (ProposalResult, error) {
			return ProposalResult{}, ErrUnavailable
		},
	}, RunnerConfig{OnFallback: func(string) { atomic.AddInt32(&fallbacks, 1) }})

	results := runner.AnalyzeFiles(context.Background(), []FileRequest{
		{Path: "a.md", LinesAdded: 1},
		{Path: "b.md", LinesRemoved: 2},
	})
	require.Len(t, results, 2)
	assert.Equal(t, "+1 -0 lines", results[0].Changelog)
	assert.Equal(t, "+0 -2 lines", results[1].Changelog)
	for _, r := range results {
		assert.Empty(t, r.RiskFlags)
		assert.Nil(t, r.Confidence)
	}

	overall := runner.AnalyzeProposal(context.Background(), ProposalRequest{Files: []FileSummary{{Path: "a.md"}, {Path: "b.md"}}})
	assert.Equal(t, "Update 2 files", overall.Title)
	assert.Equal(t, int32(3), atomic.LoadInt32(&fallbacks))
}

func TestRunnerTimesOut(t *testing.T) {
	runner := NewRunner(stubAnalyzer{
		file: func(ctx context.Context, _ FileRequest) (FileResult, error) {
			<-ctx.Done()
			return FileResult{}, ctx.Err()
		},
		proposal: func(ctx context.Context, _ ProposalRequest) (ProposalResult, error) {
			<-ctx.Done()
			return ProposalResult{}, ctx.Err()
		},
	}, RunnerConfig{Timeout: 20 * time.Millisecond})

	started := time.Now()
	results := runner.AnalyzeFiles(context.Background(), []FileRequest{{Path: "a.md"}})
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Nil(t, results[0].Confidence)
}

func TestRunnerKeepsAnalyzerOutputAndClamps(t *testing.T) {
	high := 4.0
	runner := NewRunner(stubAnalyzer{
		file: func(context.Context, FileRequest) (FileResult, error) {
			return FileResult{Changelog: "Reworded intro", RiskFlags: []string{"tax"}, Confidence: &high}, nil
		},
		proposal: func(context.Context, ProposalRequest) (ProposalResult, error) {
			return ProposalResult{Title: "Reword intro"}, nil
		},
	}, RunnerConfig{})

	results := runner.AnalyzeFiles(context.Background(), []FileRequest{{Path: "a.md"}})
	assert.Equal(t, "Reworded intro", results[0].Changelog)
	assert.Equal(t, []string{"tax"}, results[0].RiskFlags)
	require.NotNil(t, results[0].Confidence)
	assert.Equal(t, 1.0, *results[0].Confidence)

	overall := runner.AnalyzeProposal(context.Background(), ProposalRequest{Files: []FileSummary{{Path: "a.md"}}})
	assert.Equal(t, "Reword intro", overall.Title)
	assert.NotEmpty(t, overall.Checklist, "missing checklist is filled from the fallback")
}
