package keyword

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var shopContext = BusinessContext{ConversionRate: 2, AverageOrderValue: 125}

func TestOrganicCTRBands(t *testing.T) {
	cases := []struct {
		difficulty int
		want       float64
	}{
		{0, 0.32}, {14, 0.32},
		{15, 0.28}, {29, 0.28},
		{30, 0.24}, {49, 0.24},
		{50, 0.20}, {69, 0.20},
		{70, 0.16}, {84, 0.16},
		{85, 0.12}, {100, 0.12},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, OrganicCTR(c.difficulty), "difficulty %d", c.difficulty)
	}
}

func TestCalculateLowDifficulty(t *testing.T) {
	m := Calculate(Keyword{Text: "a", Volume: 1000, Difficulty: 10}, shopContext)
	assert.Equal(t, Metrics{PotentialTraffic: 320, PotentialConversions: 6, PotentialRevenue: 750}, m)
}

func TestCalculateHighDifficulty(t *testing.T) {
	m := Calculate(Keyword{Text: "b", Volume: 500, Difficulty: 90}, shopContext)
	assert.Equal(t, Metrics{PotentialTraffic: 60, PotentialConversions: 1, PotentialRevenue: 125}, m)
}

func TestCalculateZeroVolume(t *testing.T) {
	assert.Equal(t, Metrics{}, Calculate(Keyword{Text: "c", Volume: 0, Difficulty: 40}, shopContext))
}

func TestTotalIsFieldWiseSum(t *testing.T) {
	kws := []Keyword{
		{Text: "a", Volume: 1000, Difficulty: 10},
		{Text: "b", Volume: 500, Difficulty: 90},
		{Text: "c", Volume: 37, Difficulty: 33},
	}

	var want Metrics
	for _, k := range kws {
		m := Calculate(k, shopContext)
		want.PotentialTraffic += m.PotentialTraffic
		want.PotentialConversions += m.PotentialConversions
		want.PotentialRevenue += m.PotentialRevenue
	}
	assert.Equal(t, want, Total(kws, shopContext))
	assert.Equal(t, Metrics{}, Total(nil, shopContext))
}

func TestTotalDoesNotReRound(t *testing.T) {
	// 40 * 0.32 = 12.8 -> 13 traffic, 13 * 0.02 = 0.26 -> 0 conversions each.
	// Aggregating before rounding would give round(26 * 0.02) = 1.
	kws := []Keyword{
		{Text: "a", Volume: 40, Difficulty: 0},
		{Text: "b", Volume: 40, Difficulty: 0},
	}
	total := Total(kws, shopContext)
	assert.Equal(t, 26, total.PotentialTraffic)
	assert.Equal(t, 0, total.PotentialConversions)
}

func TestSummarize(t *testing.T) {
	kws := []Keyword{
		{Text: "a", Volume: 1000, Difficulty: 10},
		{Text: "b", Volume: 500, Difficulty: 91},
	}
	s := Summarize(kws, shopContext)
	assert.Equal(t, 2, s.Count)
	assert.Equal(t, 1500, s.TotalVolume)
	assert.Equal(t, 51, s.AvgDifficulty)
	assert.Equal(t, 875, s.Metrics.PotentialRevenue)
}

func TestBusinessContextValidate(t *testing.T) {
	require.NoError(t, shopContext.Validate())

	err := BusinessContext{ConversionRate: -1, AverageOrderValue: 10}.Validate()
	assert.ErrorIs(t, err, ErrInvalidContext)

	err = BusinessContext{ConversionRate: 2, AverageOrderValue: -5}.Validate()
	assert.ErrorIs(t, err, ErrInvalidContext)

	err = BusinessContext{ConversionRate: 101, AverageOrderValue: 5}.Validate()
	assert.ErrorIs(t, err, ErrInvalidContext)
}

func TestKeywordValidate(t *testing.T) {
	assert.NoError(t, Keyword{Text: "x", Volume: 10, Difficulty: 100}.Validate())
	assert.Error(t, Keyword{Text: "", Volume: 10}.Validate())
	assert.Error(t, Keyword{Text: "x", Volume: -1}.Validate())
	assert.Error(t, Keyword{Text: "x", Difficulty: 101}.Validate())
}
