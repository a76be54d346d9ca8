package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/KeywordPlanner/internal/config"
	"github.com/TobiSchelling/KeywordPlanner/internal/database"
	"github.com/TobiSchelling/KeywordPlanner/internal/keyword"
	"github.com/TobiSchelling/KeywordPlanner/internal/llm"
	"github.com/TobiSchelling/KeywordPlanner/internal/notify"
	"github.com/TobiSchelling/KeywordPlanner/internal/progress"
	"github.com/TobiSchelling/KeywordPlanner/internal/serp"
	"github.com/TobiSchelling/KeywordPlanner/internal/trends"
)

const analysisResponse = `{"keyword_analysis": {
  "keyword": "%s",
  "sales_relevance": {"score": 8, "justification": "Buying signal."},
  "funnel_contribution": {"percentage": 40, "quality_score": 7, "justification": "Checkout."},
  "semantic_importance": {"score": 6, "justification": "Core."},
  "marketing_funnel_position": {"stage": "bofu", "justification": "Ready."},
  "search_intent": {"type": "transactional", "justification": "Buy."},
  "competitiveness": {"score": 5, "difficulty_vs_roi": "ok", "justification": "Medium."},
  "b2b_b2c_relevance": {"b2b_score": 2, "b2c_score": 9, "justification": "Consumers."},
  "seasonality": {"impact": "low", "justification": "Flat."},
  "traffic_and_conversion_potential": {"potential_traffic": 100, "potential_conversions": 2, "estimated_conversion_rate": 2, "potential_revenue": 250, "justification": "CTR."},
  "content_classification": {"type": "target page", "justification": "Listing.", "related_pages": {"target_page": "/a", "pillar_page": "/b"}},
  "overall_priority": {"score": 7, "justification": "Good."}
}}`

// fakeProvider answers cluster and analysis calls by operation.
type fakeProvider struct {
	mu    sync.Mutex
	calls map[string]int
	fail  string
}

func (f *fakeProvider) IsConfigured() bool { return true }

func (f *fakeProvider) Complete(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[req.Operation]++
	f.mu.Unlock()

	if req.Operation == f.fail {
		return "", errors.New("model overloaded")
	}
	switch req.Operation {
	case "cluster":
		return `{"name": "Running", "funnel": "MOFU", "intent": "commercial", "pageType": "pillar"}`, nil
	case "analysis":
		kw := strings.TrimPrefix(strings.SplitN(req.User, "\n", 2)[0], "Keyword: ")
		return fmt.Sprintf(analysisResponse, kw), nil
	}
	return `{"tldr_bullets": ["Start with running"]}`, nil
}

func (f *fakeProvider) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func testConfig() *config.Config {
	return &config.Config{
		LLM: config.LLM{Temperature: 0.3, ClusterMaxTokens: 1000, AnalysisMaxTokens: 2000},
		Pipeline: config.Pipeline{
			SimilarityThreshold: 0.3,
			StandaloneMinVolume: 1000,
			BatchSize:           5,
		},
		Context: config.ContextDefault{ConversionRate: 2, AverageOrderValue: 100, Language: "pt"},
	}
}

type env struct {
	db       *database.DB
	provider *fakeProvider
	notes    *notify.Collector
	p        *Pipeline
}

func newEnv(t *testing.T, cfg *config.Config) *env {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "kw.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := &env{db: db, provider: &fakeProvider{}, notes: notify.NewCollector("en", 50)}
	e.p = New(cfg, db, e.provider, e.notes, nil)
	return e
}

const shoesCSV = `Keyword,Volume,KD
running shoes,5000,40
best running shoes,2000,60
cheap running shoes,800,21
garden hose,300,10
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func seed(t *testing.T, e *env) *database.Project {
	t.Helper()
	res, err := e.p.Import("shoes", writeFile(t, "shoes.csv", shoesCSV), false)
	require.NoError(t, err)
	return res.Project
}

func TestImportCreatesProjectFromFileName(t *testing.T) {
	e := newEnv(t, testConfig())
	path := writeFile(t, "loja-tenis.csv", shoesCSV)

	res, err := e.p.Import("", path, false)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 4, res.Added)

	bctx, err := e.p.Context(res.Project.ID)
	require.NoError(t, err)
	assert.Equal(t, 2.0, bctx.ConversionRate)

	more := writeFile(t, "more.csv", "keyword,volume\nrunning shoes,1\ntrail shoes,700\n")
	res2, err := e.p.Import(res.Project.Name, more, true)
	require.NoError(t, err)
	assert.False(t, res2.Created)
	assert.Equal(t, 1, res2.Added)

	kws, err := e.db.GetKeywords(res.Project.ID)
	require.NoError(t, err)
	assert.Len(t, kws, 5)

	items := e.notes.Items()
	require.NotEmpty(t, items)
	assert.Equal(t, notify.KeywordsImported, items[len(items)-1].ID)
}

func TestProjectLookupErrors(t *testing.T) {
	e := newEnv(t, testConfig())

	_, err := e.p.Project("")
	assert.ErrorIs(t, err, ErrNoProject)
	require.Len(t, e.notes.Failures(), 1)
	assert.Equal(t, notify.NoProjectSelected, e.notes.Failures()[0].ID)

	_, err = e.p.Project("missing")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestEnrichWithoutKeywords(t *testing.T) {
	e := newEnv(t, testConfig())
	_, err := e.db.CreateProject("empty", "", keyword.BusinessContext{ConversionRate: 1})
	require.NoError(t, err)

	_, err = e.p.Enrich(context.Background(), "empty", nil)
	assert.ErrorIs(t, err, ErrNoKeywords)
	assert.Equal(t, notify.NoKeywordsInProject, e.notes.Failures()[0].ID)
	assert.Zero(t, e.provider.count("cluster"))
}

func TestEnrichSavesClusters(t *testing.T) {
	e := newEnv(t, testConfig())
	proj := seed(t, e)

	res, err := e.p.Enrich(context.Background(), "shoes", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.GroupCount)
	assert.Equal(t, 2, e.provider.count("cluster"))

	saved, err := e.db.GetClusters(proj.ID)
	require.NoError(t, err)
	assert.Len(t, saved, 2)
	assert.Equal(t, notify.ClustersCreated, e.notes.Items()[len(e.notes.Items())-1].ID)
}

func TestEnrichAllGroupsFail(t *testing.T) {
	e := newEnv(t, testConfig())
	proj := seed(t, e)
	e.provider.fail = "cluster"

	_, err := e.p.Enrich(context.Background(), "shoes", nil)
	require.Error(t, err)

	saved, err := e.db.GetClusters(proj.ID)
	require.NoError(t, err)
	assert.Empty(t, saved)

	failures := e.notes.Failures()
	assert.Equal(t, notify.ClusteringFailed, failures[len(failures)-1].ID)
}

func TestCancelledEnrichKeepsPreviousClusters(t *testing.T) {
	e := newEnv(t, testConfig())
	proj := seed(t, e)

	_, err := e.p.Enrich(context.Background(), "shoes", nil)
	require.NoError(t, err)
	before, err := e.db.GetClusters(proj.ID)
	require.NoError(t, err)
	require.Len(t, before, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopAfterFirstGroup := progress.SinkFunc(func(progress.Event) { cancel() })

	res, err := e.p.Enrich(ctx, "shoes", stopAfterFirstGroup)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, res.Clusters, 1)

	after, err := e.db.GetClusters(proj.ID)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.ElementsMatch(t, []string{before[0].ID, before[1].ID}, []string{after[0].ID, after[1].ID})
}

func TestAnalyzeOnlySelectedKeywords(t *testing.T) {
	e := newEnv(t, testConfig())
	proj := seed(t, e)

	results, err := e.p.Analyze(context.Background(), "shoes", []string{"garden hose", "not imported"}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 300, results["garden hose"].Volume)

	stored, err := e.db.GetAnalyses(proj.ID)
	require.NoError(t, err)
	assert.Contains(t, stored, "garden hose")
}

// flakyProvider fails its first failFirst analysis calls, then answers
// like fakeProvider.
type flakyProvider struct {
	fakeProvider
	failFirst int
	seen      int
	mu        sync.Mutex
}

func (f *flakyProvider) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	f.seen++
	failing := f.seen <= f.failFirst
	f.mu.Unlock()
	if failing {
		f.fakeProvider.mu.Lock()
		if f.calls == nil {
			f.calls = make(map[string]int)
		}
		f.calls[req.Operation]++
		f.fakeProvider.mu.Unlock()
		return "", errors.New("rate limited")
	}
	return f.fakeProvider.Complete(ctx, req)
}

func TestAnalyzeSurvivesOneFailedBatchBehindBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.Breaker = config.Breaker{MaxFailures: 5, OpenTimeout: time.Minute}
	require.Equal(t, 5, cfg.Pipeline.BatchSize)

	e := newEnv(t, cfg)
	var rows strings.Builder
	rows.WriteString("keyword,volume\n")
	for i := range 12 {
		fmt.Fprintf(&rows, "trail shoe %02d,%d\n", i, 100+i)
	}
	_, err := e.p.Import("trail", writeFile(t, "trail.csv", rows.String()), false)
	require.NoError(t, err)

	flaky := &flakyProvider{failFirst: 5}
	p := New(cfg, e.db, llm.Wrap(flaky, breakerSettings(cfg), nil), e.notes, nil)
	rec := &progress.Recorder{}

	results, err := p.Analyze(context.Background(), "trail", nil, rec)
	require.NoError(t, err)
	assert.Len(t, results, 7)
	assert.Equal(t, 12, flaky.count("analysis"))

	percents := rec.Percents()
	require.Len(t, percents, 4, "three batches plus the final event")
	assert.Equal(t, 100.0, percents[len(percents)-1])
}

func TestBreakerSettingsExceedBatchSize(t *testing.T) {
	cfg := testConfig()
	cfg.LLM.Breaker.MaxFailures = 3
	assert.Equal(t, uint32(10), breakerSettings(cfg).MaxFailures)

	cfg.LLM.Breaker.MaxFailures = 12
	assert.Equal(t, uint32(12), breakerSettings(cfg).MaxFailures)
}

func TestRunSplitsProgress(t *testing.T) {
	e := newEnv(t, testConfig())
	seed(t, e)
	rec := &progress.Recorder{}

	r := e.p.Run(context.Background(), "shoes", rec)
	require.Len(t, r.Steps, 2)
	for _, s := range r.Steps {
		assert.NoError(t, s.Err, s.Name)
	}
	assert.Equal(t, "Analyzed 4 keywords", r.Steps[1].Summary)

	events := rec.Events()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, 100.0, last.Percent)
	assert.True(t, last.Done)

	prev := 0.0
	for _, ev := range events[:len(events)-1] {
		assert.False(t, ev.Done)
		assert.GreaterOrEqual(t, ev.Percent, prev)
		prev = ev.Percent
	}
	assert.Equal(t, 50.0, events[1].Percent, "clustering ends at the halfway mark")
}

func TestRunStopsWhenClusteringFails(t *testing.T) {
	e := newEnv(t, testConfig())
	seed(t, e)
	e.provider.fail = "cluster"

	r := e.p.Run(context.Background(), "shoes", nil)
	require.Len(t, r.Steps, 1)
	assert.Error(t, r.Steps[0].Err)
	assert.Zero(t, e.provider.count("analysis"))
}

func TestRunStopsWhenCancelledDuringClustering(t *testing.T) {
	e := newEnv(t, testConfig())
	seed(t, e)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := e.p.Run(ctx, "shoes", progress.SinkFunc(func(progress.Event) { cancel() }))
	require.Len(t, r.Steps, 1)
	assert.ErrorIs(t, r.Steps[0].Err, context.Canceled)
	assert.Zero(t, e.provider.count("analysis"))
}

func TestDryRun(t *testing.T) {
	cfg := testConfig()
	cfg.Trends.Feeds = []config.Feed{{URL: "http://example.invalid/rss"}}
	e := newEnv(t, cfg)
	seed(t, e)

	r := e.p.DryRun("shoes")
	require.Len(t, r.Steps, 3)
	assert.Contains(t, r.Steps[0].Summary, "1 trend feeds")
	assert.Contains(t, r.Steps[1].Summary, "4 keywords form 2 groups (1 worth keeping)")
	assert.Contains(t, r.Steps[2].Summary, "4 keywords in 1 batches of 5")
	assert.Zero(t, e.provider.count("cluster"))
}

func TestTrendsMarksRisingKeywords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0"?><rss xmlns:ht="https://trends.google.com/trending/rss" version="2.0"><channel><title>T</title>
<item><title>running shoes</title><ht:approx_traffic>5,000+</ht:approx_traffic></item>
</channel></rss>`)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Trends.Feeds = []config.Feed{{URL: srv.URL, Name: "T"}}
	e := newEnv(t, cfg)
	proj := seed(t, e)

	n, topics, err := e.p.Trends(context.Background(), "shoes")
	require.NoError(t, err)
	assert.Len(t, topics, 1)
	assert.Equal(t, 3, n)

	kws, err := e.db.GetKeywords(proj.ID)
	require.NoError(t, err)
	rising := 0
	for _, k := range kws {
		if k.Trend == trends.Rising {
			rising++
		}
	}
	assert.Equal(t, 3, rising)

	s, err := e.p.Summary("shoes")
	require.NoError(t, err)
	assert.Equal(t, 3, s.Rising)
	assert.Equal(t, 4, s.Stats.Count)
}

func TestSerpStoresSignals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "garden hose" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"organic_results":[{"title":"Best %s 2026","link":"https://a.example/1"},{"title":"Other","link":"https://b.example/2"}]}`, q)
	}))
	defer srv.Close()
	t.Setenv("PIPELINE_SERP_KEY", "k")

	cfg := testConfig()
	cfg.Serp = config.Serp{BaseURL: srv.URL, APIKeyEnv: "PIPELINE_SERP_KEY"}
	e := newEnv(t, cfg)
	proj := seed(t, e)

	checks, err := e.p.Serp(context.Background(), "shoes", nil, false)
	require.NoError(t, err)
	require.Len(t, checks, 4)
	assert.Equal(t, "running shoes", checks[0].Signal.Keyword)
	assert.Equal(t, 1, checks[0].Signal.TitleMatches)
	assert.Error(t, checks[3].Err)

	signals, err := e.db.GetSerpSignals(proj.ID)
	require.NoError(t, err)
	assert.Len(t, signals, 3)
	assert.NotContains(t, signals, "garden hose")
	assert.Equal(t, notify.SerpFetchFailed, e.notes.Failures()[0].ID)
}

func TestSerpPageFetchStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pages := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		fmt.Fprint(w, "<html><head><title>Shoes</title></head><body><p>running shoes</p></body></html>")
	}))
	defer pages.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"organic_results":[{"title":"A","link":"%[1]s/1"},{"title":"B","link":"%[1]s/2"}]}`, pages.URL)
	}))
	defer srv.Close()
	t.Setenv("PIPELINE_SERP_KEY", "k")

	cfg := testConfig()
	cfg.Serp = config.Serp{BaseURL: srv.URL, APIKeyEnv: "PIPELINE_SERP_KEY"}
	e := newEnv(t, cfg)
	seed(t, e)

	checks, err := e.p.Serp(ctx, "shoes", []string{"running shoes", "garden hose"}, true)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, checks, 2)
	assert.Equal(t, "running shoes", checks[0].Signal.Keyword)
	require.NotNil(t, checks[0].Pages)
	assert.Less(t, checks[0].Pages.Fetched, 2)
	assert.Empty(t, checks[1].Signal.Keyword, "the run stops before the next keyword")
}

func TestSerpNotConfigured(t *testing.T) {
	t.Setenv("PIPELINE_SERP_EMPTY", "")
	cfg := testConfig()
	cfg.Serp.APIKeyEnv = "PIPELINE_SERP_EMPTY"
	e := newEnv(t, cfg)

	_, err := e.p.Serp(context.Background(), "shoes", nil, false)
	assert.ErrorIs(t, err, serp.ErrNotConfigured)
}

func TestReportAndExport(t *testing.T) {
	e := newEnv(t, testConfig())
	seed(t, e)
	_, err := e.p.Enrich(context.Background(), "shoes", nil)
	require.NoError(t, err)

	rep, err := e.p.Report(context.Background(), "shoes")
	require.NoError(t, err)
	assert.Equal(t, "Keyword research: shoes", rep.Title)
	assert.Contains(t, rep.TLDR, "Start with running")
	assert.Contains(t, rep.Body, "## Running")

	var buf bytes.Buffer
	require.NoError(t, e.p.ExportCSV("shoes", &buf))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 5)
	assert.Equal(t, "running shoes", rows[1][0])
	assert.Equal(t, "Running", rows[1][6])
}

func TestModelSetting(t *testing.T) {
	e := newEnv(t, testConfig())
	assert.Equal(t, "", e.p.Model())
	require.NoError(t, e.db.SetSetting(database.SettingLLMModel, "llama3"))
	assert.Equal(t, "llama3", e.p.Model())
}
