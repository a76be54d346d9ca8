package notify

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalize(t *testing.T) {
	assert.Equal(t, `Erro ao analisar keyword "sapatos"`, Localize("pt", KeywordAnalysisFailed, "sapatos"))
	assert.Equal(t, `Failed to analyze keyword "shoes"`, Localize("en", KeywordAnalysisFailed, "shoes"))
	assert.Equal(t, "Erro ao obter dados SERP", Localize("de", SerpFetchFailed))
	assert.Equal(t, "unknown_id", Localize("en", MessageID("unknown_id")))
}

func TestCatalogsCoverSameMessages(t *testing.T) {
	for id := range catalog["pt"] {
		_, ok := catalog["en"][id]
		assert.True(t, ok, "missing en message %s", id)
	}
	assert.Equal(t, len(catalog["pt"]), len(catalog["en"]))
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, "en", zap.NewNop())
	w.Notify(Success, ClustersCreated, 3)
	w.Notify(Failure, SerpFetchFailed)

	assert.Equal(t, "✓ 3 clusters created\n✗ Failed to fetch search results\n", buf.String())
}

func TestCollectorKeepsLatest(t *testing.T) {
	c := NewCollector("pt", 2)
	c.Notify(Failure, KeywordAnalysisFailed, "a")
	c.Notify(Success, AnalysisCompleted, 1, 2)
	c.Notify(Failure, KeywordAnalysisFailed, "b")

	items := c.Items()
	require.Len(t, items, 2)
	assert.Equal(t, AnalysisCompleted, items[0].ID)
	assert.Equal(t, `Erro ao analisar keyword "b"`, items[1].Message)

	failures := c.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, Failure, failures[0].Level)
}

func TestMulti(t *testing.T) {
	a, b := NewCollector("en", 0), NewCollector("pt", 0)
	Multi(a, nil, b, Discard).Notify(Success, ModelUpdated)

	assert.Equal(t, "AI model updated", a.Items()[0].Message)
	assert.Equal(t, "Modelo AI atualizado", b.Items()[0].Message)
}
