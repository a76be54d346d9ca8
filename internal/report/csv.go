package report

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/TobiSchelling/KeywordPlanner/internal/analysis"
	"github.com/TobiSchelling/KeywordPlanner/internal/keyword"
)

var csvHeader = []string{
	"keyword", "volume", "difficulty", "intent", "cpc", "trend",
	"cluster", "funnel", "page_type",
	"potential_traffic", "potential_conversions", "potential_revenue",
	"priority", "kgr",
}

// WriteCSV writes one row per keyword with its projections, its cluster and
// the analysis priority when known.
func WriteCSV(w io.Writer, in Input) error {
	byKeyword := make(map[string]keyword.Cluster)
	for _, cl := range in.Clusters {
		for _, k := range cl.Keywords {
			if _, ok := byKeyword[k.Text]; !ok {
				byKeyword[k.Text] = cl
			}
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, k := range in.Keywords {
		m := keyword.Calculate(k, in.Context)
		cl := byKeyword[k.Text]
		row := []string{
			k.Text,
			strconv.Itoa(k.Volume),
			strconv.Itoa(k.Difficulty),
			k.Intent,
			optionalFloat(k.CPC),
			k.Trend,
			cl.Name,
			string(cl.Funnel),
			string(cl.PageType),
			strconv.Itoa(m.PotentialTraffic),
			strconv.Itoa(m.PotentialConversions),
			strconv.Itoa(m.PotentialRevenue),
			priority(in.Analyses, k.Text),
			"",
		}
		if v, ok := in.KGR[k.Text]; ok {
			row[len(row)-1] = strconv.FormatFloat(v, 'f', 2, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func optionalFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func priority(analyses map[string]analysis.Result, text string) string {
	a, ok := analyses[text]
	if !ok {
		return ""
	}
	return strconv.FormatFloat(a.OverallPriority.Score, 'f', 1, 64)
}
