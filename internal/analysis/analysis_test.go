package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TobiSchelling/KeywordPlanner/internal/keyword"
	"github.com/TobiSchelling/KeywordPlanner/internal/llm"
	"github.com/TobiSchelling/KeywordPlanner/internal/notify"
	"github.com/TobiSchelling/KeywordPlanner/internal/progress"
)

const validAnalysis = `{
  "keyword_analysis": {
    "keyword": "%s",
    "volume": 1,
    "sales_relevance": {"score": 8, "justification": "Strong buying signal."},
    "funnel_contribution": {"percentage": 40, "quality_score": 7, "justification": "Feeds checkout."},
    "semantic_importance": {"score": 6, "justification": "Core topic."},
    "marketing_funnel_position": {"stage": "bofu", "justification": "Ready to buy."},
    "search_intent": {"type": "transactional", "justification": "Includes buy."},
    "competitiveness": {"score": 5, "difficulty_vs_roi": "favourable", "justification": "Medium KD."},
    "b2b_b2c_relevance": {"b2b_score": 2, "b2c_score": 9, "justification": "Consumers."},
    "seasonality": {"impact": "medium", "justification": "Spring peak."},
    "traffic_and_conversion_potential": {"potential_traffic": 320, "potential_conversions": 6, "estimated_conversion_rate": 2, "potential_revenue": 750, "justification": "CTR model."},
    "content_classification": {"type": "target page", "justification": "Product listing.", "related_pages": {"target_page": "/shoes", "pillar_page": "/guides/shoes"}},
    "overall_priority": {"score": 9, "justification": "High value."}
  }
}`

var shopContext = keyword.BusinessContext{ConversionRate: 2, AverageOrderValue: 125, Brand: "Passo", Language: "pt"}

// mockProvider answers with a per-keyword handler and tracks concurrency.
type mockProvider struct {
	handler  func(kw string) (string, error)
	inFlight atomic.Int32
	peak     atomic.Int32
	mu       sync.Mutex
	order    []string
}

func (m *mockProvider) IsConfigured() bool { return true }

func (m *mockProvider) Complete(_ context.Context, req llm.Request) (string, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)

	kw := keywordOf(req.User)
	m.mu.Lock()
	m.order = append(m.order, kw)
	m.mu.Unlock()
	return m.handler(kw)
}

func keywordOf(prompt string) string {
	line := strings.SplitN(prompt, "\n", 2)[0]
	return strings.TrimPrefix(line, "Keyword: ")
}

func okHandler(kw string) (string, error) {
	return fmt.Sprintf(validAnalysis, kw), nil
}

func makeTargets(n int) []Target {
	out := make([]Target, n)
	for i := range out {
		out[i] = Target{Text: fmt.Sprintf("kw%02d", i), Volume: 100 * (i + 1)}
	}
	return out
}

func newTestAnalyzer(p llm.Provider, n notify.Notifier) *Analyzer {
	a := NewAnalyzer(p, Config{BatchSize: 5, Temperature: 0.3, TopP: 0.9, MaxTokens: 4000}, nil, n, zap.NewNop())
	a.now = func() time.Time { return time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC) }
	return a
}

type countingLimiter struct{ calls atomic.Int32 }

func (l *countingLimiter) Wait(ctx context.Context) error {
	l.calls.Add(1)
	return ctx.Err()
}

func TestAnalyzeAllBatchesOfFive(t *testing.T) {
	p := &mockProvider{handler: okHandler}
	limiter := &countingLimiter{}
	rec := &progress.Recorder{}

	a := newTestAnalyzer(p, nil)
	a.limiter = limiter
	results, err := a.AnalyzeAll(context.Background(), makeTargets(12), shopContext, rec)
	require.NoError(t, err)
	require.Len(t, results, 12)

	assert.Equal(t, int32(3), limiter.calls.Load())
	assert.LessOrEqual(t, p.peak.Load(), int32(5))
	assert.InDeltaSlice(t, []float64{0, 500.0 / 12, 1000.0 / 12, 100}, rec.Percents(), 1e-9)
	assert.True(t, rec.Events()[3].Done)

	// batch k+1 never starts before batch k is done
	batchOf := func(kw string) int {
		var i int
		fmt.Sscanf(kw, "kw%d", &i)
		return i / 5
	}
	for i := 1; i < len(p.order); i++ {
		assert.LessOrEqual(t, batchOf(p.order[i-1]), batchOf(p.order[i]))
	}

	r := results["kw03"]
	assert.Equal(t, "kw03", r.Keyword)
	assert.Equal(t, 400, r.Volume)
	assert.Equal(t, "BOFU", r.FunnelPosition.Stage)
	assert.Equal(t, "Transactional", r.SearchIntent.Type)
	assert.Equal(t, "Medium", r.Seasonality.Impact)
	assert.Equal(t, "Target Page", r.Content.Type)
	assert.Equal(t, "/guides/shoes", r.Content.RelatedPages.PillarPage)
	assert.Equal(t, 9.0, r.OverallPriority.Score)
	assert.Equal(t, time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC), r.AnalyzedAt)
}

func TestAnalyzeAllOmitsFailures(t *testing.T) {
	p := &mockProvider{handler: func(kw string) (string, error) {
		switch kw {
		case "kw01":
			return "", errors.New("timeout")
		case "kw07":
			return "no json here", nil
		case "kw08":
			return strings.Replace(fmt.Sprintf(validAnalysis, kw), `"bofu"`, `"late"`, 1), nil
		}
		return okHandler(kw)
	}}
	notes := notify.NewCollector("pt", 0)
	rec := &progress.Recorder{}

	results, err := newTestAnalyzer(p, notes).AnalyzeAll(context.Background(), makeTargets(12), shopContext, rec)
	require.NoError(t, err)
	assert.Len(t, results, 9)
	assert.NotContains(t, results, "kw01")
	assert.NotContains(t, results, "kw07")
	assert.NotContains(t, results, "kw08")

	percents := rec.Percents()
	assert.Equal(t, 100.0, percents[len(percents)-1])

	failures := notes.Failures()
	require.Len(t, failures, 3)
	var msgs []string
	for _, f := range failures {
		msgs = append(msgs, f.Message)
	}
	assert.Contains(t, msgs, `Erro ao analisar keyword "kw07"`)
}

func TestAnalyzeAllEveryCallFails(t *testing.T) {
	p := &mockProvider{handler: func(string) (string, error) { return "", errors.New("503") }}
	rec := &progress.Recorder{}

	results, err := newTestAnalyzer(p, nil).AnalyzeAll(context.Background(), makeTargets(3), shopContext, rec)
	assert.ErrorIs(t, err, ErrAllFailed)
	assert.Empty(t, results)
	assert.Equal(t, []float64{0, 100}, rec.Percents())
}

func TestAnalyzeAllStopsWhenProviderUnavailable(t *testing.T) {
	p := &mockProvider{handler: func(string) (string, error) {
		return "", fmt.Errorf("%w: open", llm.ErrUnavailable)
	}}
	rec := &progress.Recorder{}

	_, err := newTestAnalyzer(p, nil).AnalyzeAll(context.Background(), makeTargets(12), shopContext, rec)
	assert.ErrorIs(t, err, llm.ErrUnavailable)
	assert.LessOrEqual(t, len(p.order), 5)
	percents := rec.Percents()
	assert.Equal(t, 100.0, percents[len(percents)-1])
}

func TestAnalyzeAllInputErrors(t *testing.T) {
	a := newTestAnalyzer(&mockProvider{handler: okHandler}, nil)

	_, err := a.AnalyzeAll(context.Background(), nil, shopContext, nil)
	assert.ErrorIs(t, err, ErrNoKeywords)

	_, err = a.AnalyzeAll(context.Background(), makeTargets(1), keyword.BusinessContext{ConversionRate: -2}, nil)
	assert.ErrorIs(t, err, keyword.ErrInvalidContext)

	_, err = newTestAnalyzer(nil, nil).AnalyzeAll(context.Background(), makeTargets(1), shopContext, nil)
	assert.ErrorIs(t, err, llm.ErrNotConfigured)
}

func TestAnalyzeAcceptsBareResult(t *testing.T) {
	bare := fmt.Sprintf(validAnalysis, "x")
	bare = strings.TrimSpace(bare)
	bare = strings.TrimPrefix(bare, "{\n  \"keyword_analysis\": ")
	bare = strings.TrimSuffix(bare, "\n}")

	a := newTestAnalyzer(&mockProvider{handler: func(string) (string, error) { return bare, nil }}, nil)
	res, err := a.Analyze(context.Background(), Target{Text: "sapatos", Volume: 50}, shopContext)
	require.NoError(t, err)
	assert.Equal(t, "sapatos", res.Keyword)
	assert.Equal(t, 50, res.Volume)
	assert.Equal(t, 8.0, res.SalesRelevance.Score)
}

func TestBuildPromptIncludesContext(t *testing.T) {
	prompt := buildPrompt(Target{Text: "ténis corrida", Volume: 880}, shopContext)
	assert.Contains(t, prompt, "Keyword: ténis corrida")
	assert.Contains(t, prompt, "Monthly search volume: 880")
	assert.Contains(t, prompt, "Brand: Passo")
	assert.Contains(t, prompt, "Conversion rate: 2.00%")
	assert.NotContains(t, prompt, "Category:")
}

func TestTargets(t *testing.T) {
	got := Targets([]keyword.Keyword{{Text: "a", Volume: 1, Difficulty: 50}})
	assert.Equal(t, []Target{{Text: "a", Volume: 1}}, got)
}
