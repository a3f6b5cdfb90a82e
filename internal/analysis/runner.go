package analysis

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	StageFile     = "file"
	StageProposal = "proposal"
)

type RunnerConfig struct {
	Timeout     time.Duration
	Concurrency int
	Logger      *slog.Logger
	// OnFallback is called once per call that fell back.
	OnFallback func(stage string)
}

// Runner calls an Analyzer with a bounded timeout and absorbs every
// failure into the deterministic fallback.
type Runner struct {
	analyzer Analyzer
	cfg      RunnerConfig
}

func NewRunner(analyzer Analyzer, cfg RunnerConfig) *Runner {
	if analyzer == nil {
		analyzer = Disabled{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{analyzer: analyzer, cfg: cfg}
}

// AnalyzeFiles returns one result per request, in request order.
func (r *Runner) AnalyzeFiles(ctx context.Context, reqs []FileRequest) []FileResult {
	results := make([]FileResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = r.analyzeFile(gctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Runner) AnalyzeProposal(ctx context.Context, req ProposalRequest) ProposalResult {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	result, err := r.analyzer.AnalyzeProposal(callCtx, req)
	if err != nil {
		r.fallback(StageProposal, "", err)
		return ProposalFallback(req)
	}
	fallback := ProposalFallback(req)
	if result.Description == "" {
		result.Description = fallback.Description
	}
	if len(result.Checklist) == 0 {
		result.Checklist = fallback.Checklist
	}
	if result.RiskFlags == nil {
		result.RiskFlags = []string{}
	}
	return result
}

func (r *Runner) analyzeFile(ctx context.Context, req FileRequest) FileResult {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	result, err := r.analyzer.AnalyzeFile(callCtx, req)
	if err != nil {
		r.fallback(StageFile, req.Path, err)
		return FileFallback(req)
	}
	if result.Changelog == "" {
		result.Changelog = FileFallback(req).Changelog
	}
	if result.RiskFlags == nil {
		result.RiskFlags = []string{}
	}
	if result.Confidence != nil {
		result.Confidence = ClampScore(*result.Confidence)
	}
	return result
}

func (r *Runner) fallback(stage, path string, err error) {
	r.cfg.Logger.Warn("analysis fallback", "stage", stage, "path", path, "error", err)
	if r.cfg.OnFallback != nil {
		r.cfg.OnFallback(stage)
	}
}
