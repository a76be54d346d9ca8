package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
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

// mockProvider answers classification prompts through a handler keyed on
// the first keyword listed in the prompt.
type mockProvider struct {
	mu       sync.Mutex
	handler  func(anchor string) (string, error)
	requests []llm.Request
}

func (m *mockProvider) IsConfigured() bool { return true }

func (m *mockProvider) Complete(_ context.Context, req llm.Request) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.handler(anchorOf(req.User))
}

func anchorOf(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		if strings.HasPrefix(line, "- ") {
			text := strings.TrimPrefix(line, "- ")
			return text[:strings.LastIndex(text, " (")]
		}
	}
	return ""
}

func answer(name, funnel, pageType string) string {
	return fmt.Sprintf(`{"name": %q, "funnel": %q, "intent": "commercial", "pageType": %q}`, name, funnel, pageType)
}

func newTestEnricher(p llm.Provider, n notify.Notifier) *Enricher {
	e := NewEnricher(p, Config{Threshold: DefaultThreshold, Temperature: 0.3, MaxTokens: 1000}, nil, n, zap.NewNop())
	ids := 0
	e.newID = func() string {
		ids++
		return fmt.Sprintf("c%d", ids)
	}
	e.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

var shoeKeywords = []keyword.Keyword{
	{Text: "running shoes", Volume: 5000, Difficulty: 40},
	{Text: "best running shoes", Volume: 2000, Difficulty: 60},
	{Text: "garden hose", Volume: 300, Difficulty: 10},
	{Text: "cheap running shoes", Volume: 800, Difficulty: 21},
}

func TestEnrichBuildsClusters(t *testing.T) {
	p := &mockProvider{handler: func(anchor string) (string, error) {
		if anchor == "running shoes" {
			return "```json\n" + answer("Running Shoes", "bofu", "Pillar") + "\n```", nil
		}
		return answer("Garden", "TOFU", "support"), nil
	}}
	rec := &progress.Recorder{}

	result, err := newTestEnricher(p, nil).Enrich(context.Background(), shoeKeywords, rec)
	require.NoError(t, err)
	require.Len(t, result.Clusters, 2)
	assert.Equal(t, 2, result.GroupCount)
	assert.Equal(t, 4, result.KeywordCount)
	assert.Zero(t, result.Skipped)

	shoes := result.Clusters[0]
	assert.Equal(t, "c1", shoes.ID)
	assert.Equal(t, "Running Shoes", shoes.Name)
	assert.Equal(t, keyword.BOFU, shoes.Funnel)
	assert.Equal(t, keyword.PillarPage, shoes.PageType)
	assert.Equal(t, "commercial", shoes.Intent)
	assert.Equal(t, 7800, shoes.TotalVolume)
	assert.Equal(t, 40, shoes.AvgDifficulty)
	assert.Equal(t, []string{"running shoes", "best running shoes", "cheap running shoes"}, keyword.Texts(shoes.Keywords))
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), shoes.CreatedAt)

	// unfiltered: the low-volume singleton is still enriched
	assert.Equal(t, []string{"garden hose"}, keyword.Texts(result.Clusters[1].Keywords))

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, 75.0, events[0].Percent)
	assert.Equal(t, "Running Shoes", events[0].Cluster.Name)
	assert.Equal(t, 100.0, events[1].Percent)

	require.Len(t, p.requests, 2)
	assert.Equal(t, "cluster", p.requests[0].Operation)
	assert.Equal(t, 1000, p.requests[0].MaxTokens)
	assert.True(t, p.requests[0].JSON)
	assert.NotEmpty(t, p.requests[0].System)
}

func TestEnrichSkipsUnparseableGroup(t *testing.T) {
	p := &mockProvider{handler: func(anchor string) (string, error) {
		if anchor == "running shoes" {
			return "I think these are about shoes.", nil
		}
		return answer("Garden", "TOFU", "support"), nil
	}}
	notes := notify.NewCollector("en", 0)
	rec := &progress.Recorder{}

	result, err := newTestEnricher(p, notes).Enrich(context.Background(), shoeKeywords, rec)
	require.NoError(t, err)
	require.Len(t, result.Clusters, 1)
	assert.Equal(t, "Garden", result.Clusters[0].Name)
	assert.Equal(t, 1, result.Skipped)

	// progress still advances past the skipped group and ends at 100
	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, 75.0, events[0].Percent)
	assert.Nil(t, events[0].Cluster)
	assert.Equal(t, 100.0, events[1].Percent)

	failures := notes.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, notify.ClusterGroupFailed, failures[0].ID)
}

func TestEnrichRejectsInvalidLabels(t *testing.T) {
	p := &mockProvider{handler: func(anchor string) (string, error) {
		if anchor == "running shoes" {
			return answer("Shoes", "middle", "pillar"), nil
		}
		return answer("Garden", "TOFU", "landing"), nil
	}}

	result, err := newTestEnricher(p, nil).Enrich(context.Background(), shoeKeywords, nil)
	assert.ErrorIs(t, err, ErrAllGroupsFailed)
	require.NotNil(t, result)
	assert.Empty(t, result.Clusters)
	assert.Equal(t, 2, result.Skipped)
}

func TestEnrichAcceptsSnakeCaseFields(t *testing.T) {
	p := &mockProvider{handler: func(string) (string, error) {
		return `{"name": "Mangueiras", "funnel_stage": "MOFU", "intent": "", "page_type": "target"}`, nil
	}}

	result, err := newTestEnricher(p, nil).Enrich(context.Background(), []keyword.Keyword{{Text: "garden hose", Volume: 10}}, nil)
	require.NoError(t, err)
	require.Len(t, result.Clusters, 1)
	assert.Equal(t, keyword.MOFU, result.Clusters[0].Funnel)
	assert.Equal(t, keyword.TargetPage, result.Clusters[0].PageType)
}

func TestEnrichContinuesAfterCallError(t *testing.T) {
	p := &mockProvider{handler: func(anchor string) (string, error) {
		if anchor == "garden hose" {
			return "", errors.New("connection reset")
		}
		return answer("Shoes", "MOFU", "target"), nil
	}}

	result, err := newTestEnricher(p, nil).Enrich(context.Background(), shoeKeywords, nil)
	require.NoError(t, err)
	require.Len(t, result.Clusters, 1)
	assert.Equal(t, "Shoes", result.Clusters[0].Name)
}

func TestEnrichAbortsWhenProviderUnavailable(t *testing.T) {
	p := &mockProvider{handler: func(string) (string, error) {
		return "", fmt.Errorf("%w: breaker open", llm.ErrUnavailable)
	}}
	rec := &progress.Recorder{}

	_, err := newTestEnricher(p, nil).Enrich(context.Background(), shoeKeywords, rec)
	assert.ErrorIs(t, err, llm.ErrUnavailable)
	assert.Len(t, p.requests, 1)
}

func TestEnrichPerCallTimeout(t *testing.T) {
	slow := providerFunc(func(ctx context.Context, req llm.Request) (string, error) {
		if anchorOf(req.User) == "running shoes" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return answer("Garden", "TOFU", "support"), nil
	})
	e := newTestEnricher(slow, nil)
	e.cfg.CallTimeout = 10 * time.Millisecond

	result, err := e.Enrich(context.Background(), shoeKeywords, nil)
	require.NoError(t, err)
	require.Len(t, result.Clusters, 1)
	assert.Equal(t, 1, result.Skipped)
}

func TestEnrichInputErrors(t *testing.T) {
	e := newTestEnricher(nil, nil)
	_, err := e.Enrich(context.Background(), shoeKeywords, nil)
	assert.ErrorIs(t, err, llm.ErrNotConfigured)

	e = newTestEnricher(&mockProvider{}, nil)
	_, err = e.Enrich(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNoKeywords)
}

func TestNewIDIsUniqueAndSorted(t *testing.T) {
	a, b := NewID(), NewID()
	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b)
}

type providerFunc func(ctx context.Context, req llm.Request) (string, error)

func (f providerFunc) IsConfigured() bool { return true }

func (f providerFunc) Complete(ctx context.Context, req llm.Request) (string, error) {
	return f(ctx, req)
}
