package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/gjson"
)

const (
	DefaultModel   = "claude-3-5-haiku-latest"
	maxPromptChars = 4000
)

const reviewerSystem = "You review changes to business playbooks. You write concise changelogs and flag legal, financial, compliance, security or privacy risks. Reply with a single JSON object and nothing else."

// Claude calls the Anthropic Messages API.
type Claude struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

func NewClaude(apiKey, model string, opts ...option.RequestOption) (*Claude, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &Claude{client: &client, model: model, maxTokens: 1024}, nil
}

func (c *Claude) AnalyzeFile(ctx context.Context, req FileRequest) (FileResult, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "File: %s\nChange: %s\n\n", req.Path, req.ChangeKind)
	switch {
	case req.Binary:
		prompt.WriteString("The file is binary; no text is available.\n")
	case req.Diff != "":
		fmt.Fprintf(&prompt, "Unified diff:\n%s\n", truncate(req.Diff))
	default:
		fmt.Fprintf(&prompt, "Before:\n%s\n\nAfter:\n%s\n", truncate(req.Before), truncate(req.After))
	}
	prompt.WriteString(`
Return {"changelog": "<one line>", "risk_flags": ["<short flag>"], "confidence": <0..1>}.`)

	raw, err := c.complete(ctx, prompt.String())
	if err != nil {
		return FileResult{}, err
	}
	return parseFileResult(raw)
}

func (c *Claude) AnalyzeProposal(ctx context.Context, req ProposalRequest) (ProposalResult, error) {
	type fileSummary struct {
		Path       string   `json:"file_path"`
		ChangeKind string   `json:"change_kind"`
		Changelog  string   `json:"changelog"`
		RiskFlags  []string `json:"risk_flags"`
		Confidence *float64 `json:"confidence"`
	}
	summaries := make([]fileSummary, 0, len(req.Files))
	for _, file := range req.Files {
		summaries = append(summaries, fileSummary{
			Path:       file.Path,
			ChangeKind: file.ChangeKind,
			Changelog:  file.Changelog,
			RiskFlags:  file.RiskFlags,
			Confidence: file.Confidence,
		})
	}
	files, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return ProposalResult{}, fmt.Errorf("marshal file summaries: %w", err)
	}

	prompt := fmt.Sprintf(`Per-file summaries:
%s

Commit message: %q
Proposed title: %q
Proposed description: %q

Write a title of at most ten words, a description of three to five sentences covering impact, the high-risk items reviewers should look at, and a short merge checklist.
Return {"title": "...", "description": "...", "risk_flags": ["..."], "merge_checklist": ["..."]}.`,
		files, req.CommitMessage, req.Title, req.Description)

	raw, err := c.complete(ctx, prompt)
	if err != nil {
		return ProposalResult{}, err
	}
	return parseProposalResult(raw)
}

func (c *Claude) complete(ctx context.Context, prompt string) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: reviewerSystem},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

func parseFileResult(raw string) (FileResult, error) {
	payload, err := extractJSON(raw)
	if err != nil {
		return FileResult{}, err
	}
	changelog := strings.TrimSpace(gjson.Get(payload, "changelog").String())
	if changelog == "" {
		return FileResult{}, fmt.Errorf("%w: response has no changelog", ErrUnavailable)
	}
	return FileResult{
		Changelog:  changelog,
		RiskFlags:  stringList(gjson.Get(payload, "risk_flags")),
		Confidence: NormalizeScore(gjson.Get(payload, "confidence")),
	}, nil
}

func parseProposalResult(raw string) (ProposalResult, error) {
	payload, err := extractJSON(raw)
	if err != nil {
		return ProposalResult{}, err
	}
	result := ProposalResult{
		Title:       strings.TrimSpace(gjson.Get(payload, "title").String()),
		Description: strings.TrimSpace(gjson.Get(payload, "description").String()),
		RiskFlags:   stringList(gjson.Get(payload, "risk_flags")),
		Checklist:   stringList(gjson.Get(payload, "merge_checklist")),
	}
	if result.Title == "" {
		return ProposalResult{}, fmt.Errorf("%w: response has no title", ErrUnavailable)
	}
	return result, nil
}

// extractJSON pulls the outermost object out of a reply that may be
// wrapped in prose or a code fence.
func extractJSON(raw string) (string, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return "", fmt.Errorf("%w: response is not JSON", ErrUnavailable)
	}
	payload := raw[start : end+1]
	if !gjson.Valid(payload) {
		return "", fmt.Errorf("%w: response is not valid JSON", ErrUnavailable)
	}
	return payload, nil
}

func stringList(value gjson.Result) []string {
	items := make([]string, 0)
	if !value.IsArray() {
		return items
	}
	for _, item := range value.Array() {
		if item.Type != gjson.String {
			continue
		}
		if s := strings.TrimSpace(item.Str); s != "" {
			items = append(items, s)
		}
	}
	return items
}

func truncate(text string) string {
	if len(text) <= maxPromptChars {
		return text
	}
	cut := maxPromptChars
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "\n[truncated]"
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
