package cluster

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/TobiSchelling/KeywordPlanner/internal/batch"
	"github.com/TobiSchelling/KeywordPlanner/internal/keyword"
	"github.com/TobiSchelling/KeywordPlanner/internal/llm"
	"github.com/TobiSchelling/KeywordPlanner/internal/notify"
	"github.com/TobiSchelling/KeywordPlanner/internal/progress"
)

var (
	ErrNoKeywords      = errors.New("no keywords to cluster")
	ErrAllGroupsFailed = errors.New("no keyword group could be classified")
)

const systemPrompt = `You are an SEO strategist. You label groups of related search keywords as content clusters.
Reply with a single JSON object and nothing else.`

// Config controls the LLM classification calls.
type Config struct {
	Threshold   float64
	Model       string
	Temperature float64
	MaxTokens   int
	// CallTimeout bounds each classification call; zero means no limit.
	CallTimeout time.Duration
	// Language is the language cluster names are written in.
	Language string
}

// Result holds the results of an enrichment run.
type Result struct {
	Clusters     []keyword.Cluster
	GroupCount   int
	KeywordCount int
	Skipped      int
}

// Enricher turns keyword groups into labelled clusters, one LLM call per group.
type Enricher struct {
	provider llm.Provider
	limiter  batch.Limiter
	notifier notify.Notifier
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
	newID    func() string
}

// NewEnricher creates an enricher. limiter paces the group calls.
func NewEnricher(provider llm.Provider, cfg Config, limiter batch.Limiter, notifier notify.Notifier, logger *zap.Logger) *Enricher {
	if notifier == nil {
		notifier = notify.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{
		provider: provider,
		limiter:  limiter,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		newID:    NewID,
	}
}

// Enrich groups keywords and classifies each group in turn. A progress event
// follows every group, carrying the new cluster when classification worked.
// Its percent counts processed keywords, skipped groups included, so a run
// that gets through every group ends at 100 even when some were skipped.
// Groups whose call fails or whose answer cannot be used are skipped. The run
// fails when every group fails, when the provider becomes unavailable, or when
// ctx ends; the clusters finished so far are returned alongside the error.
func (e *Enricher) Enrich(ctx context.Context, keywords []keyword.Keyword, sink progress.Sink) (*Result, error) {
	if e.provider == nil {
		return nil, llm.ErrNotConfigured
	}
	if len(keywords) == 0 {
		return nil, ErrNoKeywords
	}
	if sink == nil {
		sink = progress.Discard
	}

	groups := Group(keywords, e.cfg.Threshold)
	total := 0
	for _, g := range groups {
		total += len(g)
	}

	e.logger.Info("enriching keyword groups",
		zap.Int("groups", len(groups)),
		zap.Int("keywords", total))

	clusters := make([]*keyword.Cluster, len(groups))
	failures := make([]error, len(groups))
	done := 0

	runErr := batch.Run(ctx, groups, batch.Options{
		Size:    1,
		Limiter: e.limiter,
		After: func(start, end int) {
			for i := start; i < end; i++ {
				done += len(groups[i])
				sink.Publish(progress.Event{
					Percent: progress.Percent(done, total),
					Cluster: clusters[i],
				})
			}
		},
	}, func(ctx context.Context, i int, group []keyword.Keyword) error {
		c, err := e.classify(ctx, group)
		if err != nil {
			if errors.Is(err, llm.ErrUnavailable) || ctx.Err() != nil {
				return err
			}
			failures[i] = err
			e.logger.Warn("skipping keyword group",
				zap.String("anchor", group[0].Text),
				zap.Int("size", len(group)),
				zap.Error(err))
			e.notifier.Notify(notify.Failure, notify.ClusterGroupFailed, group[0].Text)
			return nil
		}
		clusters[i] = c
		return nil
	})

	result := &Result{GroupCount: len(groups), KeywordCount: total}
	var lastErr error
	for i, c := range clusters {
		if c != nil {
			result.Clusters = append(result.Clusters, *c)
		}
		if failures[i] != nil {
			result.Skipped++
			lastErr = failures[i]
		}
	}

	if runErr != nil {
		return result, fmt.Errorf("enrichment aborted: %w", runErr)
	}
	if len(result.Clusters) == 0 && lastErr != nil {
		return result, fmt.Errorf("%w: %v", ErrAllGroupsFailed, lastErr)
	}

	e.logger.Info("enrichment complete",
		zap.Int("clusters", len(result.Clusters)),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

type classification struct {
	Name        string `json:"name"`
	Funnel      string `json:"funnel"`
	FunnelStage string `json:"funnel_stage"`
	Intent      string `json:"intent"`
	PageType    string `json:"pageType"`
	PageTypeAlt string `json:"page_type"`
}

func (e *Enricher) classify(ctx context.Context, group []keyword.Keyword) (*keyword.Cluster, error) {
	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}

	response, err := e.provider.Complete(ctx, llm.Request{
		Operation:   "cluster",
		System:      systemPrompt,
		User:        buildPrompt(group, e.cfg.Language),
		Model:       e.cfg.Model,
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
		JSON:        true,
	})
	if err != nil {
		return nil, err
	}

	answer, err := llm.Decode[classification](response)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(answer.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: missing cluster name", llm.ErrUnparseable)
	}
	funnel, ok := keyword.ParseFunnelStage(firstNonEmpty(answer.Funnel, answer.FunnelStage))
	if !ok {
		return nil, fmt.Errorf("%w: invalid funnel stage %q", llm.ErrUnparseable, answer.Funnel)
	}
	pageType, ok := keyword.ParsePageType(firstNonEmpty(answer.PageType, answer.PageTypeAlt))
	if !ok {
		return nil, fmt.Errorf("%w: invalid page type %q", llm.ErrUnparseable, answer.PageType)
	}

	members := make([]keyword.Keyword, len(group))
	copy(members, group)
	return &keyword.Cluster{
		ID:            e.newID(),
		Name:          name,
		Keywords:      members,
		TotalVolume:   keyword.TotalVolume(group),
		AvgDifficulty: keyword.AverageDifficulty(group),
		Funnel:        funnel,
		Intent:        strings.TrimSpace(answer.Intent),
		PageType:      pageType,
		CreatedAt:     e.now().UTC(),
	}, nil
}

func buildPrompt(group []keyword.Keyword, language string) string {
	var b strings.Builder
	b.WriteString("Keywords (monthly search volume):\n")
	for _, k := range group {
		fmt.Fprintf(&b, "- %s (%d)\n", k.Text, k.Volume)
	}
	if language == "" {
		language = "pt"
	}
	fmt.Fprintf(&b, `
Label this group as one content cluster. Write the name in language %q.
Return JSON with these fields:
{
  "name": "short descriptive cluster name",
  "funnel": "TOFU | MOFU | BOFU",
  "intent": "dominant search intent",
  "pageType": "pillar | target | support"
}`, language)
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh, lexically sortable cluster identifier.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}
