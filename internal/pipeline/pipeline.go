// Package pipeline runs the keyword research steps of a project against the
// store: import, trends, clustering, analysis, search-result checks and
// reporting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/KeywordPlanner/internal/analysis"
	"github.com/TobiSchelling/KeywordPlanner/internal/batch"
	"github.com/TobiSchelling/KeywordPlanner/internal/cluster"
	"github.com/TobiSchelling/KeywordPlanner/internal/config"
	"github.com/TobiSchelling/KeywordPlanner/internal/database"
	"github.com/TobiSchelling/KeywordPlanner/internal/fetch"
	"github.com/TobiSchelling/KeywordPlanner/internal/importer"
	"github.com/TobiSchelling/KeywordPlanner/internal/keyword"
	"github.com/TobiSchelling/KeywordPlanner/internal/llm"
	"github.com/TobiSchelling/KeywordPlanner/internal/metrics"
	"github.com/TobiSchelling/KeywordPlanner/internal/notify"
	"github.com/TobiSchelling/KeywordPlanner/internal/progress"
	"github.com/TobiSchelling/KeywordPlanner/internal/report"
	"github.com/TobiSchelling/KeywordPlanner/internal/serp"
	"github.com/TobiSchelling/KeywordPlanner/internal/trends"
)

var (
	ErrNoProject       = errors.New("no project selected")
	ErrProjectNotFound = errors.New("project not found")
	ErrNoKeywords      = errors.New("project has no keywords")
)

// DefaultSerpKeywords is how many keywords a search-result check covers when
// none are named.
const DefaultSerpKeywords = 10

// Store is the persistence the pipeline needs.
type Store interface {
	ResolveProject(ref string) (*database.Project, error)
	CreateProject(name, description string, bctx keyword.BusinessContext) (*database.Project, error)
	GetContext(projectID string) (*keyword.BusinessContext, error)
	GetKeywords(projectID string) ([]keyword.Keyword, error)
	ReplaceKeywords(projectID string, kws []keyword.Keyword) error
	MergeKeywords(projectID string, kws []keyword.Keyword) (int, error)
	SetKeywordTrends(projectID string, trends map[string]string) (int, error)
	SaveClusters(projectID string, clusters []keyword.Cluster) error
	GetClusters(projectID string) ([]keyword.Cluster, error)
	SaveAnalyses(projectID string, results map[string]analysis.Result) error
	GetAnalyses(projectID string) (map[string]analysis.Result, error)
	SaveSerpSignal(s database.SerpSignal) error
	GetSerpSignals(projectID string) (map[string]database.SerpSignal, error)
	GetSetting(key string) (string, bool, error)
}

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of a full pipeline run.
type Result struct {
	Project string
	Steps   []StepResult
}

// Pipeline orchestrates the research steps of a project.
type Pipeline struct {
	cfg      *config.Config
	store    Store
	provider llm.Provider
	limiter  batch.Limiter
	notifier notify.Notifier
	logger   *zap.Logger
	serp     *serp.Client
	fetcher  *fetch.Fetcher
	trends   *trends.Reader
}

// NewProvider creates the configured LLM provider wrapped with the circuit
// breaker and metrics, or nil when no provider is usable.
func NewProvider(cfg *config.Config, logger *zap.Logger) llm.Provider {
	l := cfg.LLM
	p := llm.CreateProvider(llm.Settings{
		Provider:    l.Provider,
		Model:       l.Model,
		BaseURL:     l.BaseURL,
		APIKeyEnv:   l.APIKeyEnv,
		OllamaURL:   l.OllamaURL,
		OllamaModel: l.OllamaModel,
		Timeout:     l.Timeout,
	}, logger)
	if p == nil {
		return nil
	}
	return llm.Wrap(p, breakerSettings(cfg), logger)
}

// breakerSettings keeps the failure threshold above one batch. Every call of
// a batch runs concurrently, so a threshold of batch_size or less lets a
// single failed batch open the breaker and abort a run that would recover.
func breakerSettings(cfg *config.Config) llm.BreakerSettings {
	maxFailures := cfg.LLM.Breaker.MaxFailures
	if batchSize := uint32(max(cfg.Pipeline.BatchSize, 1)); maxFailures <= batchSize {
		maxFailures = 2 * batchSize
	}
	return llm.BreakerSettings{
		Name:        "llm",
		MaxFailures: maxFailures,
		OpenTimeout: cfg.LLM.Breaker.OpenTimeout,
	}
}

// New creates a pipeline. provider may be nil; the LLM steps then fail with
// llm.ErrNotConfigured.
func New(cfg *config.Config, store Store, provider llm.Provider, notifier notify.Notifier, logger *zap.Logger) *Pipeline {
	if notifier == nil {
		notifier = notify.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	feeds := make([]trends.Feed, 0, len(cfg.Trends.Feeds))
	for _, f := range cfg.Trends.Feeds {
		feeds = append(feeds, trends.Feed{URL: f.URL, Name: f.Name})
	}

	return &Pipeline{
		cfg:      cfg,
		store:    store,
		provider: provider,
		limiter:  batch.NewLimiter(cfg.Pipeline.RateInterval),
		notifier: notifier,
		logger:   logger,
		serp: serp.NewClient(serp.Settings{
			BaseURL:   cfg.Serp.BaseURL,
			APIKeyEnv: cfg.Serp.APIKeyEnv,
			Domain:    cfg.Serp.Domain,
			Country:   cfg.Serp.Country,
			Language:  cfg.Serp.Language,
			Device:    cfg.Serp.Device,
			Timeout:   cfg.Serp.Timeout,
		}, notifier, logger),
		fetcher: fetch.NewFetcher(0, logger),
		trends:  trends.NewReader(feeds, logger),
	}
}

// Provider returns the LLM provider, which may be nil.
func (p *Pipeline) Provider() llm.Provider {
	return p.provider
}

// Model returns the model chosen with `models use`, or "" for the provider
// default.
func (p *Pipeline) Model() string {
	model, ok, err := p.store.GetSetting(database.SettingLLMModel)
	if err != nil {
		p.logger.Warn("reading model setting", zap.Error(err))
		return ""
	}
	if !ok {
		return ""
	}
	return model
}

// Project resolves a project by ID or name.
func (p *Pipeline) Project(ref string) (*database.Project, error) {
	if ref == "" {
		p.notifier.Notify(notify.Failure, notify.NoProjectSelected)
		return nil, ErrNoProject
	}
	proj, err := p.store.ResolveProject(ref)
	if err != nil {
		return nil, err
	}
	if proj == nil {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, ref)
	}
	return proj, nil
}

// Context returns the business context of a project, falling back to the
// configured defaults.
func (p *Pipeline) Context(projectID string) (keyword.BusinessContext, error) {
	bctx, err := p.store.GetContext(projectID)
	if err != nil {
		return keyword.BusinessContext{}, err
	}
	if bctx == nil {
		return p.DefaultContext(), nil
	}
	if bctx.Language == "" {
		bctx.Language = p.cfg.Context.Language
	}
	return *bctx, nil
}

// DefaultContext is the business context new projects start with.
func (p *Pipeline) DefaultContext() keyword.BusinessContext {
	return keyword.BusinessContext{
		ConversionRate:    p.cfg.Context.ConversionRate,
		AverageOrderValue: p.cfg.Context.AverageOrderValue,
		Language:          p.cfg.Context.Language,
	}
}

func (p *Pipeline) keywords(projectID string) ([]keyword.Keyword, error) {
	kws, err := p.store.GetKeywords(projectID)
	if err != nil {
		p.notifier.Notify(notify.Failure, notify.KeywordsLoadFailed)
		return nil, err
	}
	if len(kws) == 0 {
		p.notifier.Notify(notify.Failure, notify.NoKeywordsInProject)
		return nil, ErrNoKeywords
	}
	return kws, nil
}

// Summary is the overview of a project.
type Summary struct {
	Project  *database.Project
	Context  keyword.BusinessContext
	Stats    keyword.Stats
	Clusters int
	Analyses int
	Signals  int
	Rising   int
}

// Summary returns keyword stats and step counts of a project.
func (p *Pipeline) Summary(ref string) (*Summary, error) {
	proj, err := p.Project(ref)
	if err != nil {
		return nil, err
	}
	bctx, err := p.Context(proj.ID)
	if err != nil {
		return nil, err
	}
	kws, err := p.store.GetKeywords(proj.ID)
	if err != nil {
		return nil, err
	}
	clusters, err := p.store.GetClusters(proj.ID)
	if err != nil {
		return nil, err
	}
	analyses, err := p.store.GetAnalyses(proj.ID)
	if err != nil {
		return nil, err
	}
	signals, err := p.store.GetSerpSignals(proj.ID)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		Project:  proj,
		Context:  bctx,
		Stats:    keyword.Summarize(kws, bctx),
		Clusters: len(clusters),
		Analyses: len(analyses),
		Signals:  len(signals),
	}
	for _, k := range kws {
		if k.Trend == trends.Rising {
			s.Rising++
		}
	}
	return s, nil
}

// Preview returns the keyword groups clustering would keep, without any LLM
// call.
func (p *Pipeline) Preview(ref string) ([][]keyword.Keyword, error) {
	proj, err := p.Project(ref)
	if err != nil {
		return nil, err
	}
	kws, err := p.keywords(proj.ID)
	if err != nil {
		return nil, err
	}
	return cluster.Build(kws, cluster.Options{
		Threshold:           p.cfg.Pipeline.SimilarityThreshold,
		StandaloneMinVolume: p.cfg.Pipeline.StandaloneMinVolume,
	}), nil
}

// ImportResult reports one file import.
type ImportResult struct {
	Project *database.Project
	Report  *importer.Report
	Created bool
	Added   int
}

// Import reads a keyword file into the project ref, creating the project
// with the default context when it does not exist. With merge the keywords
// are added to the project; otherwise they replace its list.
func (p *Pipeline) Import(ref, path string, merge bool) (*ImportResult, error) {
	rep, err := importer.ParseFile(path)
	if err != nil {
		p.notifier.Notify(notify.Failure, notify.KeywordsLoadFailed)
		return nil, err
	}
	if ref == "" {
		ref = importer.ProjectName(path)
	}

	res := &ImportResult{Report: rep}
	proj, err := p.store.ResolveProject(ref)
	if err != nil {
		return nil, err
	}
	if proj == nil {
		proj, err = p.store.CreateProject(ref, "", p.DefaultContext())
		if err != nil {
			return nil, err
		}
		res.Created = true
	}
	res.Project = proj

	if merge {
		res.Added, err = p.store.MergeKeywords(proj.ID, rep.Keywords)
	} else {
		err = p.store.ReplaceKeywords(proj.ID, rep.Keywords)
		res.Added = len(rep.Keywords)
	}
	if err != nil {
		return nil, fmt.Errorf("storing keywords: %w", err)
	}

	p.logger.Info("imported keywords",
		zap.String("project", proj.Name),
		zap.Int("rows", rep.Rows),
		zap.Int("keywords", len(rep.Keywords)),
		zap.Int("duplicates", rep.Duplicates),
		zap.Int("invalid", rep.Invalid))
	p.notifier.Notify(notify.Success, notify.KeywordsImported, res.Added)
	return res, nil
}

// WatchHandler returns an importer.Handler merging each dropped file into
// the project named after it.
func (p *Pipeline) WatchHandler() importer.Handler {
	return func(ctx context.Context, path string) error {
		_, err := p.Import("", path, true)
		return err
	}
}

// Enrich clusters the keywords of a project and replaces its saved clusters.
// Groups that fail on their own are skipped; an aborted or cancelled run saves
// nothing and keeps the previous clusters.
func (p *Pipeline) Enrich(ctx context.Context, ref string, sink progress.Sink) (res *cluster.Result, err error) {
	started := time.Now()
	defer func() { metrics.ObserveRun("cluster", started, err) }()

	proj, err := p.Project(ref)
	if err != nil {
		return nil, err
	}
	kws, err := p.keywords(proj.ID)
	if err != nil {
		return nil, err
	}
	bctx, err := p.Context(proj.ID)
	if err != nil {
		return nil, err
	}

	enricher := cluster.NewEnricher(p.provider, cluster.Config{
		Threshold:   p.cfg.Pipeline.SimilarityThreshold,
		Model:       p.Model(),
		Temperature: p.cfg.LLM.Temperature,
		MaxTokens:   p.cfg.LLM.ClusterMaxTokens,
		CallTimeout: p.cfg.Pipeline.CallTimeout,
		Language:    bctx.Language,
	}, p.limiter, p.notifier, p.logger)

	res, err = enricher.Enrich(ctx, kws, sink)
	if err != nil {
		p.notifier.Notify(notify.Failure, notify.ClusteringFailed)
		return res, err
	}
	if err := p.store.SaveClusters(proj.ID, res.Clusters); err != nil {
		return res, fmt.Errorf("saving clusters: %w", err)
	}
	p.notifier.Notify(notify.Success, notify.ClustersCreated, len(res.Clusters))
	return res, nil
}

// Analyze runs the keyword analysis of a project and saves the results.
// only restricts the run to the named keywords.
func (p *Pipeline) Analyze(ctx context.Context, ref string, only []string, sink progress.Sink) (results map[string]analysis.Result, err error) {
	started := time.Now()
	defer func() { metrics.ObserveRun("analyze", started, err) }()

	proj, err := p.Project(ref)
	if err != nil {
		return nil, err
	}
	kws, err := p.keywords(proj.ID)
	if err != nil {
		return nil, err
	}
	if len(only) > 0 {
		kws = filterKeywords(kws, only)
	}
	bctx, err := p.Context(proj.ID)
	if err != nil {
		return nil, err
	}

	analyzer := analysis.NewAnalyzer(p.provider, analysis.Config{
		BatchSize:   p.cfg.Pipeline.BatchSize,
		Model:       p.Model(),
		Temperature: p.cfg.LLM.Temperature,
		TopP:        p.cfg.LLM.TopP,
		MaxTokens:   p.cfg.LLM.AnalysisMaxTokens,
		CallTimeout: p.cfg.Pipeline.CallTimeout,
	}, p.limiter, p.notifier, p.logger)

	results, err = analyzer.AnalyzeAll(ctx, analysis.Targets(kws), bctx, sink)
	if len(results) > 0 {
		if saveErr := p.store.SaveAnalyses(proj.ID, results); saveErr != nil {
			return results, errors.Join(err, fmt.Errorf("saving analyses: %w", saveErr))
		}
	}
	return results, err
}

func filterKeywords(kws []keyword.Keyword, only []string) []keyword.Keyword {
	want := make(map[string]struct{}, len(only))
	for _, t := range only {
		want[t] = struct{}{}
	}
	var out []keyword.Keyword
	for _, k := range kws {
		if _, ok := want[k.Text]; ok {
			out = append(out, k)
		}
	}
	return out
}

// SerpCheck is the search-result signal of one keyword, with its competitor
// pages when they were fetched.
type SerpCheck struct {
	Signal serp.Signal
	Pages  *fetch.Result
	Err    error
}

// Serp checks the search results of the named keywords, or of the
// DefaultSerpKeywords highest-volume keywords, and stores the signals.
// Lookups are paced by the rate limiter. With pages the result pages are
// fetched and summarized too; a fetch cut short by ctx ends the run with
// the checks made so far.
func (p *Pipeline) Serp(ctx context.Context, ref string, only []string, pages bool) ([]SerpCheck, error) {
	if !p.serp.IsConfigured() {
		return nil, serp.ErrNotConfigured
	}
	proj, err := p.Project(ref)
	if err != nil {
		return nil, err
	}
	kws, err := p.keywords(proj.ID)
	if err != nil {
		return nil, err
	}
	if len(only) > 0 {
		kws = filterKeywords(kws, only)
	} else {
		kws = topByVolume(kws, DefaultSerpKeywords)
	}

	checks := make([]SerpCheck, len(kws))
	runErr := batch.Run(ctx, kws, batch.Options{Size: 1, Limiter: p.limiter},
		func(ctx context.Context, i int, k keyword.Keyword) error {
			sig, err := p.serp.Analyze(ctx, k.Text)
			checks[i] = SerpCheck{Signal: sig, Err: err}
			if err != nil {
				return nil
			}
			if err := p.store.SaveSerpSignal(toStored(proj.ID, sig)); err != nil {
				return fmt.Errorf("saving signal of %q: %w", k.Text, err)
			}
			if pages {
				urls := make([]string, 0, len(sig.Results))
				for _, r := range sig.Results {
					urls = append(urls, r.URL)
				}
				res, err := p.fetcher.Competitors(ctx, k.Text, urls)
				checks[i].Pages = res
				if err != nil {
					return fmt.Errorf("fetching pages of %q: %w", k.Text, err)
				}
			}
			return nil
		})
	return checks, runErr
}

func toStored(projectID string, s serp.Signal) database.SerpSignal {
	results := make([]database.SerpResult, len(s.Results))
	for i, r := range s.Results {
		results[i] = database.SerpResult{Title: r.Title, URL: r.URL}
	}
	return database.SerpSignal{
		ProjectID:    projectID,
		Keyword:      s.Keyword,
		TitleMatches: s.TitleMatches,
		KGR:          s.KGR,
		Results:      results,
		CheckedAt:    time.Now().UTC(),
	}
}

func topByVolume(kws []keyword.Keyword, n int) []keyword.Keyword {
	sorted := make([]keyword.Keyword, len(kws))
	copy(sorted, kws)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Volume > sorted[j].Volume })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// Trends marks the project keywords matching a trending query as rising and
// returns the topics read.
func (p *Pipeline) Trends(ctx context.Context, ref string) (int, []trends.Topic, error) {
	proj, err := p.Project(ref)
	if err != nil {
		return 0, nil, err
	}
	kws, err := p.keywords(proj.ID)
	if err != nil {
		return 0, nil, err
	}

	topics := p.trends.Topics(ctx)
	matches := trends.Matches(kws, topics)
	n, err := p.store.SetKeywordTrends(proj.ID, matches)
	if err != nil {
		return 0, topics, err
	}
	p.notifier.Notify(notify.Success, notify.TrendsUpdated, n)
	return n, topics, nil
}

func (p *Pipeline) reportInput(proj *database.Project) (report.Input, error) {
	in := report.Input{Project: proj.Name}
	var err error
	if in.Context, err = p.Context(proj.ID); err != nil {
		return in, err
	}
	if in.Keywords, err = p.store.GetKeywords(proj.ID); err != nil {
		return in, err
	}
	if in.Clusters, err = p.store.GetClusters(proj.ID); err != nil {
		return in, err
	}
	if in.Analyses, err = p.store.GetAnalyses(proj.ID); err != nil {
		return in, err
	}
	signals, err := p.store.GetSerpSignals(proj.ID)
	if err != nil {
		return in, err
	}
	in.KGR = make(map[string]float64)
	for text, s := range signals {
		if s.KGR != nil {
			in.KGR[text] = *s.KGR
		}
	}
	return in, nil
}

// Report composes the Markdown report of a project.
func (p *Pipeline) Report(ctx context.Context, ref string) (*report.Report, error) {
	proj, err := p.Project(ref)
	if err != nil {
		return nil, err
	}
	in, err := p.reportInput(proj)
	if err != nil {
		return nil, err
	}
	return report.NewComposer(p.provider, p.Model(), p.logger).Compose(ctx, in), nil
}

// ExportCSV writes the keyword table of a project as CSV.
func (p *Pipeline) ExportCSV(ref string, w io.Writer) error {
	proj, err := p.Project(ref)
	if err != nil {
		return err
	}
	in, err := p.reportInput(proj)
	if err != nil {
		return err
	}
	return report.WriteCSV(w, in)
}

// Run executes trends, clustering and analysis for a project. Trends are
// skipped without feeds and do not stop the run. Progress of clustering and
// analysis share sink, each taking half.
func (p *Pipeline) Run(ctx context.Context, ref string, sink progress.Sink) *Result {
	r := &Result{Project: ref}
	if sink == nil {
		sink = progress.Discard
	}

	if len(p.cfg.Trends.Feeds) > 0 {
		p.logger.Info("step 1/3: reading trends")
		n, topics, err := p.Trends(ctx, ref)
		r.Steps = append(r.Steps, StepResult{
			Name:    "Trends",
			Summary: fmt.Sprintf("%d trending topics, %d keywords rising", len(topics), n),
			Err:     err,
		})
		if errors.Is(err, ErrNoProject) || errors.Is(err, ErrProjectNotFound) || errors.Is(err, ErrNoKeywords) {
			return r
		}
	}

	p.logger.Info("step 2/3: clustering keywords")
	cres, err := p.Enrich(ctx, ref, progress.Span(sink, 0, 50))
	step := StepResult{Name: "Cluster", Err: err}
	if cres != nil {
		step.Summary = fmt.Sprintf("Created %d clusters from %d groups (%d keywords, %d skipped)",
			len(cres.Clusters), cres.GroupCount, cres.KeywordCount, cres.Skipped)
	}
	r.Steps = append(r.Steps, step)
	if err != nil {
		return r
	}

	p.logger.Info("step 3/3: analyzing keywords")
	results, err := p.Analyze(ctx, ref, nil, progress.Span(sink, 50, 100))
	r.Steps = append(r.Steps, StepResult{
		Name:    "Analyze",
		Summary: fmt.Sprintf("Analyzed %d keywords", len(results)),
		Err:     err,
	})
	return r
}

// DryRun shows what Run would do without calling any external service.
func (p *Pipeline) DryRun(ref string) *Result {
	r := &Result{Project: ref}

	if len(p.cfg.Trends.Feeds) > 0 {
		r.Steps = append(r.Steps, StepResult{
			Name:    "Trends",
			Summary: fmt.Sprintf("[dry-run] Would read %d trend feeds", len(p.cfg.Trends.Feeds)),
		})
	}

	proj, err := p.Project(ref)
	if err != nil {
		r.Steps = append(r.Steps, StepResult{Name: "Cluster", Err: err})
		return r
	}
	kws, err := p.keywords(proj.ID)
	if err != nil {
		r.Steps = append(r.Steps, StepResult{Name: "Cluster", Err: err})
		return r
	}

	groups := cluster.Group(kws, p.cfg.Pipeline.SimilarityThreshold)
	kept := cluster.Build(kws, cluster.Options{
		Threshold:           p.cfg.Pipeline.SimilarityThreshold,
		StandaloneMinVolume: p.cfg.Pipeline.StandaloneMinVolume,
	})
	r.Steps = append(r.Steps, StepResult{
		Name: "Cluster",
		Summary: fmt.Sprintf("[dry-run] %d keywords form %d groups (%d worth keeping), %d LLM calls",
			len(kws), len(groups), len(kept), len(groups)),
	})

	size := p.cfg.Pipeline.BatchSize
	if size < 1 {
		size = analysis.DefaultBatchSize
	}
	r.Steps = append(r.Steps, StepResult{
		Name: "Analyze",
		Summary: fmt.Sprintf("[dry-run] %d keywords in %d batches of %d",
			len(kws), batch.Count(len(kws), size), size),
	})
	return r
}
