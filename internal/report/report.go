// Package report renders keyword research results as Markdown and CSV.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/TobiSchelling/KeywordPlanner/internal/analysis"
	"github.com/TobiSchelling/KeywordPlanner/internal/keyword"
	"github.com/TobiSchelling/KeywordPlanner/internal/llm"
)

const summaryPrompt = `You are writing the executive summary of an SEO keyword research report.

Business: %s

Content clusters by funnel stage:

%s

Write 3-5 bullet points telling the reader which clusters to build first and why. Each bullet is one sentence.

Respond with ONLY this JSON:
{
    "tldr_bullets": [
        "First recommendation",
        "Second recommendation"
    ]
}`

var funnelOrder = []keyword.FunnelStage{keyword.BOFU, keyword.MOFU, keyword.TOFU}

// Input is everything a report is built from.
type Input struct {
	Project  string
	Context  keyword.BusinessContext
	Keywords []keyword.Keyword
	Clusters []keyword.Cluster
	Analyses map[string]analysis.Result
	// KGR holds the search-result signal of the keywords that have one.
	KGR map[string]float64
}

// Report is a rendered research report.
type Report struct {
	Title       string
	TLDR        string
	Body        string
	GeneratedAt time.Time
}

// Markdown joins the report parts into one document.
func (r *Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", r.Title)
	fmt.Fprintf(&b, "_Generated %s_\n\n", r.GeneratedAt.Format("2006-01-02 15:04"))
	b.WriteString("## TL;DR\n\n")
	b.WriteString(r.TLDR)
	b.WriteString("\n\n---\n\n")
	b.WriteString(r.Body)
	b.WriteString("\n")
	return b.String()
}

// Composer builds reports. The LLM summary is optional.
type Composer struct {
	provider llm.Provider
	model    string
	logger   *zap.Logger
	now      func() time.Time
}

// NewComposer creates a composer. A nil provider yields a summary listing
// the largest clusters per funnel stage.
func NewComposer(provider llm.Provider, model string, logger *zap.Logger) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{provider: provider, model: model, logger: logger, now: time.Now}
}

// Compose renders the cluster report of a project.
func (c *Composer) Compose(ctx context.Context, in Input) *Report {
	clusters := sortedClusters(in.Clusters)
	return &Report{
		Title:       fmt.Sprintf("Keyword research: %s", in.Project),
		TLDR:        c.summary(ctx, in, clusters),
		Body:        assembleBody(in, clusters),
		GeneratedAt: c.now(),
	}
}

func (c *Composer) summary(ctx context.Context, in Input, clusters []keyword.Cluster) string {
	if c.provider == nil || len(clusters) == 0 {
		return fallbackSummary(in, clusters)
	}

	var parts []string
	for _, stage := range funnelOrder {
		var lines []string
		for _, cl := range clusters {
			if cl.Funnel == stage {
				lines = append(lines, fmt.Sprintf("- %s (%s, volume %d, difficulty %d)",
					cl.Name, cl.PageType, cl.TotalVolume, cl.AvgDifficulty))
			}
		}
		if len(lines) > 0 {
			parts = append(parts, fmt.Sprintf("%s:\n%s", stage, strings.Join(lines, "\n")))
		}
	}

	business := in.Context.Description
	if business == "" {
		business = in.Project
	}
	response, err := c.provider.Complete(ctx, llm.Request{
		Operation:   "report",
		User:        fmt.Sprintf(summaryPrompt, business, strings.Join(parts, "\n\n")),
		Model:       c.model,
		Temperature: 0.3,
		MaxTokens:   512,
		JSON:        true,
	})
	if err != nil || strings.TrimSpace(response) == "" {
		c.logger.Warn("summary generation failed, using fallback", zap.Error(err))
		return fallbackSummary(in, clusters)
	}

	if parsed := llm.ParseJSONResponse(response); parsed != nil {
		if arr, ok := parsed["tldr_bullets"].([]any); ok {
			var lines []string
			for _, b := range arr {
				if s, ok := b.(string); ok && strings.TrimSpace(s) != "" {
					lines = append(lines, "- "+strings.TrimSpace(s))
				}
			}
			if len(lines) > 0 {
				return strings.Join(lines, "\n")
			}
		}
	}
	return fallbackSummary(in, clusters)
}

func fallbackSummary(in Input, clusters []keyword.Cluster) string {
	if len(clusters) == 0 {
		return "- No clusters yet. Run `kwplanner cluster` first."
	}

	total := keyword.Total(in.Keywords, in.Context)
	bullets := []string{fmt.Sprintf("- %d clusters covering %s keywords, %s potential monthly visits and %s potential revenue.",
		len(clusters), humanize.Comma(int64(len(in.Keywords))),
		humanize.Comma(int64(total.PotentialTraffic)), humanize.Comma(int64(total.PotentialRevenue)))}

	for _, stage := range funnelOrder {
		for _, cl := range clusters {
			if cl.Funnel == stage {
				bullets = append(bullets, fmt.Sprintf("- %s: start with **%s** (%s searches/month).",
					stage, cl.Name, humanize.Comma(int64(cl.TotalVolume))))
				break
			}
		}
	}
	return strings.Join(bullets, "\n")
}

// sortedClusters orders clusters by funnel stage, bottom first, then by volume.
func sortedClusters(in []keyword.Cluster) []keyword.Cluster {
	rank := map[keyword.FunnelStage]int{}
	for i, s := range funnelOrder {
		rank[s] = i
	}
	out := make([]keyword.Cluster, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		if rank[out[i].Funnel] != rank[out[j].Funnel] {
			return rank[out[i].Funnel] < rank[out[j].Funnel]
		}
		return out[i].TotalVolume > out[j].TotalVolume
	})
	return out
}

func assembleBody(in Input, clusters []keyword.Cluster) string {
	if len(clusters) == 0 {
		return "## Keywords\n\n" + KeywordTable(in.Keywords, in.Context, in.Analyses, in.KGR)
	}

	var sections []string
	for _, cl := range clusters {
		m := keyword.Total(cl.Keywords, in.Context)
		var b strings.Builder
		fmt.Fprintf(&b, "## %s\n\n", cl.Name)
		fmt.Fprintf(&b, "**Funnel:** %s · **Page:** %s · **Intent:** %s\n\n", cl.Funnel, cl.PageType, orDash(cl.Intent))
		fmt.Fprintf(&b, "Volume %s · difficulty %d · traffic %s · conversions %s · revenue %s\n\n",
			humanize.Comma(int64(cl.TotalVolume)), cl.AvgDifficulty,
			humanize.Comma(int64(m.PotentialTraffic)), humanize.Comma(int64(m.PotentialConversions)),
			humanize.Comma(int64(m.PotentialRevenue)))
		b.WriteString(KeywordTable(cl.Keywords, in.Context, in.Analyses, in.KGR))
		sections = append(sections, b.String())
	}
	return strings.Join(sections, "\n\n---\n\n")
}

// KeywordTable renders kws as a Markdown table with their projections, the
// analysis priority and KGR when known.
func KeywordTable(kws []keyword.Keyword, bctx keyword.BusinessContext, analyses map[string]analysis.Result, kgr map[string]float64) string {
	var b strings.Builder
	b.WriteString("| Keyword | Volume | KD | Traffic | Conversions | Revenue | Priority | KGR |\n")
	b.WriteString("|---|---:|---:|---:|---:|---:|---:|---:|\n")
	for _, k := range kws {
		m := keyword.Calculate(k, bctx)
		priority := "-"
		if a, ok := analyses[k.Text]; ok {
			priority = fmt.Sprintf("%.1f", a.OverallPriority.Score)
		}
		ratio := "-"
		if v, ok := kgr[k.Text]; ok {
			ratio = fmt.Sprintf("%.2f", v)
		}
		fmt.Fprintf(&b, "| %s | %s | %d | %s | %s | %s | %s | %s |\n",
			escapeCell(k.Text), humanize.Comma(int64(k.Volume)), k.Difficulty,
			humanize.Comma(int64(m.PotentialTraffic)), humanize.Comma(int64(m.PotentialConversions)),
			humanize.Comma(int64(m.PotentialRevenue)), priority, ratio)
	}
	return b.String()
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
