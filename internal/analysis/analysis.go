// Package analysis produces a structured, LLM-written verdict for each keyword
// of a project, running the calls in paced concurrent batches.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/KeywordPlanner/internal/batch"
	"github.com/TobiSchelling/KeywordPlanner/internal/keyword"
	"github.com/TobiSchelling/KeywordPlanner/internal/llm"
	"github.com/TobiSchelling/KeywordPlanner/internal/notify"
	"github.com/TobiSchelling/KeywordPlanner/internal/progress"
)

const DefaultBatchSize = 5

var (
	ErrNoKeywords = errors.New("no keywords to analyze")
	ErrAllFailed  = errors.New("no keyword could be analyzed")
)

const systemPrompt = `You are an SEO analyst for e-commerce and lead generation businesses.
Score a single keyword against the business context you are given and answer with one JSON object:
{
  "keyword_analysis": {
    "keyword": string,
    "volume": number,
    "sales_relevance": {"score": 0-10, "justification": string},
    "funnel_contribution": {"percentage": 0-100, "quality_score": 0-10, "justification": string},
    "semantic_importance": {"score": 0-10, "justification": string},
    "marketing_funnel_position": {"stage": "TOFU" | "MOFU" | "BOFU", "justification": string},
    "search_intent": {"type": "Informational" | "Navigational" | "Commercial" | "Transactional", "justification": string},
    "competitiveness": {"score": 0-10, "difficulty_vs_roi": string, "justification": string},
    "b2b_b2c_relevance": {"b2b_score": 0-10, "b2c_score": 0-10, "justification": string},
    "seasonality": {"impact": "Low" | "Medium" | "High", "justification": string},
    "traffic_and_conversion_potential": {"potential_traffic": number, "potential_conversions": number, "estimated_conversion_rate": 0-100, "potential_revenue": number, "justification": string},
    "content_classification": {"type": "Target Page" | "Support Article" | "Pillar Page", "justification": string, "related_pages": {"target_page": string, "pillar_page": string}},
    "overall_priority": {"score": 0-10, "justification": string}
  }
}
Justifications are one or two sentences. Do not add any text outside the JSON.`

// Target is a keyword submitted for analysis.
type Target struct {
	Text   string
	Volume int
}

// Targets converts keywords to analysis targets.
func Targets(kws []keyword.Keyword) []Target {
	out := make([]Target, len(kws))
	for i, k := range kws {
		out[i] = Target{Text: k.Text, Volume: k.Volume}
	}
	return out
}

// Config controls batching and the LLM calls.
type Config struct {
	BatchSize   int
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int
	// CallTimeout bounds each analysis call; zero means no limit.
	CallTimeout time.Duration
}

// Analyzer runs per-keyword analyses against an LLM provider.
type Analyzer struct {
	provider llm.Provider
	limiter  batch.Limiter
	notifier notify.Notifier
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
}

// NewAnalyzer creates an analyzer. limiter paces batch starts.
func NewAnalyzer(provider llm.Provider, cfg Config, limiter batch.Limiter, notifier notify.Notifier, logger *zap.Logger) *Analyzer {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultBatchSize
	}
	if notifier == nil {
		notifier = notify.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		provider: provider,
		limiter:  limiter,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// AnalyzeAll analyzes targets in batches of cfg.BatchSize. Calls within a
// batch run concurrently; the next batch starts once all of them settled.
// Before each batch progress is published as the share of targets already
// started, and 100 is published before returning, whatever the outcome.
// Failed keywords are notified and left out of the returned map.
func (a *Analyzer) AnalyzeAll(ctx context.Context, targets []Target, bctx keyword.BusinessContext, sink progress.Sink) (map[string]Result, error) {
	if a.provider == nil {
		return nil, llm.ErrNotConfigured
	}
	if len(targets) == 0 {
		return nil, ErrNoKeywords
	}
	if err := bctx.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = progress.Discard
	}
	defer sink.Publish(progress.Event{Percent: 100, Done: true})

	a.logger.Info("analyzing keywords",
		zap.Int("keywords", len(targets)),
		zap.Int("batches", batch.Count(len(targets), a.cfg.BatchSize)))

	slots := make([]*Result, len(targets))
	failures := make([]error, len(targets))
	results := make(map[string]Result, len(targets))

	runErr := batch.Run(ctx, targets, batch.Options{
		Size:    a.cfg.BatchSize,
		Limiter: a.limiter,
		Before: func(start int) {
			sink.Publish(progress.Event{Percent: progress.Percent(start, len(targets))})
		},
		After: func(start, end int) {
			for i := start; i < end; i++ {
				if slots[i] != nil {
					results[targets[i].Text] = *slots[i]
				}
			}
		},
	}, func(ctx context.Context, i int, t Target) error {
		res, err := a.Analyze(ctx, t, bctx)
		if err != nil {
			if errors.Is(err, llm.ErrUnavailable) || ctx.Err() != nil {
				return err
			}
			failures[i] = err
			a.logger.Warn("keyword analysis failed", zap.String("keyword", t.Text), zap.Error(err))
			a.notifier.Notify(notify.Failure, notify.KeywordAnalysisFailed, t.Text)
			return nil
		}
		slots[i] = res
		return nil
	})

	if runErr != nil {
		return results, fmt.Errorf("analysis aborted: %w", runErr)
	}
	if len(results) == 0 {
		var lastErr error
		for _, err := range failures {
			if err != nil {
				lastErr = err
			}
		}
		return results, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
	}

	a.notifier.Notify(notify.Success, notify.AnalysisCompleted, len(results), len(targets))
	a.logger.Info("analysis complete",
		zap.Int("analyzed", len(results)),
		zap.Int("failed", len(targets)-len(results)))
	return results, nil
}

// Analyze runs a single keyword analysis.
func (a *Analyzer) Analyze(ctx context.Context, t Target, bctx keyword.BusinessContext) (*Result, error) {
	if strings.TrimSpace(t.Text) == "" {
		return nil, fmt.Errorf("empty keyword")
	}
	if a.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.CallTimeout)
		defer cancel()
	}

	response, err := a.provider.Complete(ctx, llm.Request{
		Operation:   "analysis",
		System:      systemPrompt,
		User:        buildPrompt(t, bctx),
		Model:       a.cfg.Model,
		Temperature: a.cfg.Temperature,
		TopP:        a.cfg.TopP,
		MaxTokens:   a.cfg.MaxTokens,
		JSON:        true,
	})
	if err != nil {
		return nil, err
	}

	return a.decode(response, t)
}

func (a *Analyzer) decode(response string, t Target) (*Result, error) {
	env, err := llm.Decode[envelope](response)
	if err != nil {
		return nil, err
	}
	res := env.KeywordAnalysis
	if res == nil {
		// Some models drop the wrapper object.
		bare, err := llm.Decode[Result](response)
		if err != nil {
			return nil, err
		}
		res = &bare
	}

	res.normalize()
	if err := res.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrUnparseable, err)
	}
	res.Keyword = t.Text
	res.Volume = t.Volume
	res.AnalyzedAt = a.now().UTC()
	return res, nil
}

func buildPrompt(t Target, c keyword.BusinessContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Keyword: %s\n", t.Text)
	fmt.Fprintf(&b, "Monthly search volume: %d\n\n", t.Volume)
	b.WriteString("Business context:\n")
	writeField(&b, "Business", c.Description)
	writeField(&b, "Brand", c.Brand)
	writeField(&b, "Category", c.Category)
	fmt.Fprintf(&b, "- Conversion rate: %.2f%%\n", c.ConversionRate)
	fmt.Fprintf(&b, "- Average order value: %.2f\n", c.AverageOrderValue)
	if c.CurrentSessions > 0 {
		fmt.Fprintf(&b, "- Current monthly sessions: %d\n", c.CurrentSessions)
	}
	if c.RequiredVolume > 0 {
		fmt.Fprintf(&b, "- Required monthly volume: %d\n", c.RequiredVolume)
	}
	if c.SalesGoal > 0 {
		fmt.Fprintf(&b, "- Sales goal: %.2f\n", c.SalesGoal)
	}
	lang := c.Language
	if lang == "" {
		lang = "pt"
	}
	fmt.Fprintf(&b, "\nWrite every justification in language %q.", lang)
	return b.String()
}

func writeField(b *strings.Builder, label, value string) {
	if strings.TrimSpace(value) != "" {
		fmt.Fprintf(b, "- %s: %s\n", label, value)
	}
}
