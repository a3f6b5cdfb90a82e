package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messagesServer(t *testing.T, status int, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"down"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "msg_1",
			"type":          "message",
			"role":          "assistant",
			"model":         DefaultModel,
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []map[string]any{{"type": "text", "text": reply}},
			"usage":         map[string]any{"input_tokens": 10, "output_tokens": 20},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClaudeAnalyzeFileParsesFencedJSON(t *testing.T) {
	srv := messagesServer(t, http.StatusOK, "```json\n{\"changelog\": \"Adds GDPR clause\", \"risk_flags\": [\"gdpr\", 3, \"\"], \"confidence\": \"0.9\"}\n```")
	claude, err := NewClaude("test-key", "", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	require.NoError(t, err)

	result, err := claude.AnalyzeFile(context.Background(), FileRequest{Path: "legal.md", ChangeKind: "modified", Diff: "+gdpr"})
	require.NoError(t, err)
	assert.Equal(t, "Adds GDPR clause", result.Changelog)
	assert.Equal(t, []string{"gdpr"}, result.RiskFlags)
	require.NotNil(t, result.Confidence)
	assert.InDelta(t, 0.9, *result.Confidence, 1e-9)
}

func TestClaudeAnalyzeProposal(t *testing.T) {
	srv := messagesServer(t, http.StatusOK, `{"title": "Clarify refunds", "description": "Updates the refund policy.", "risk_flags": ["financial"], "merge_checklist": ["Check totals"]}`)
	claude, err := NewClaude("test-key", "", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	require.NoError(t, err)

	result, err := claude.AnalyzeProposal(context.Background(), ProposalRequest{Files: []FileSummary{{Path: "refunds.md"}}})
	require.NoError(t, err)
	assert.Equal(t, "Clarify refunds", result.Title)
	assert.Equal(t, []string{"financial"}, result.RiskFlags)
	assert.Equal(t, []string{"Check totals"}, result.Checklist)
}

func TestClaudeErrorsAreUnavailable(t *testing.T) {
	srv := messagesServer(t, http.StatusInternalServerError, "")
	claude, err := NewClaude("test-key", "", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	require.NoError(t, err)

	_, err = claude.AnalyzeFile(context.Background(), FileRequest{Path: "a.md"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClaudeRejectsNonJSONReply(t *testing.T) {
	srv := messagesServer(t, http.StatusOK, "I cannot help with that.")
	claude, err := NewClaude("test-key", "", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	require.NoError(t, err)

	_, err = claude.AnalyzeFile(context.Background(), FileRequest{Path: "a.md"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewClaudeRequiresKey(t *testing.T) {
	_, err := NewClaude("", "")
	assert.Error(t, err)
}

func TestTruncateKeepsRunes(t *testing.T) {
	long := make([]byte, 0, maxPromptChars+10)
	for len(long) < maxPromptChars+5 {
		long = append(long, []byte("é")...)
	}
	out := truncate(string(long))
	assert.Contains(t, out, "[truncated]")
}
