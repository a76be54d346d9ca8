package keyword

import "math"

// Metrics are the traffic, conversion and revenue projections for a keyword.
type Metrics struct {
	PotentialTraffic     int `json:"potential_traffic"`
	PotentialConversions int `json:"potential_conversions"`
	PotentialRevenue     int `json:"potential_revenue"`
}

// Add returns the field-wise sum of m and o.
func (m Metrics) Add(o Metrics) Metrics {
	return Metrics{
		PotentialTraffic:     m.PotentialTraffic + o.PotentialTraffic,
		PotentialConversions: m.PotentialConversions + o.PotentialConversions,
		PotentialRevenue:     m.PotentialRevenue + o.PotentialRevenue,
	}
}

// OrganicCTR is the assumed click-through rate for a ranking at the given difficulty.
func OrganicCTR(difficulty int) float64 {
	switch {
	case difficulty < 15:
		return 0.32
	case difficulty < 30:
		return 0.28
	case difficulty < 50:
		return 0.24
	case difficulty < 70:
		return 0.20
	case difficulty < 85:
		return 0.16
	default:
		return 0.12
	}
}

// Calculate projects traffic, conversions and revenue for one keyword.
// Each figure is rounded independently. The context must have been validated.
func Calculate(k Keyword, ctx BusinessContext) Metrics {
	traffic := roundInt(float64(k.Volume) * OrganicCTR(k.Difficulty))
	conversions := roundInt(float64(traffic) * (ctx.ConversionRate / 100))
	revenue := roundInt(float64(conversions) * ctx.AverageOrderValue)
	return Metrics{
		PotentialTraffic:     traffic,
		PotentialConversions: conversions,
		PotentialRevenue:     revenue,
	}
}

// Total sums the per-keyword metrics without rounding again.
func Total(kws []Keyword, ctx BusinessContext) Metrics {
	var total Metrics
	for _, k := range kws {
		total = total.Add(Calculate(k, ctx))
	}
	return total
}

// Stats summarises a keyword set for overview displays.
type Stats struct {
	Count         int     `json:"count"`
	TotalVolume   int     `json:"total_volume"`
	AvgDifficulty int     `json:"avg_difficulty"`
	Metrics       Metrics `json:"metrics"`
}

// Summarize computes Stats for kws under ctx.
func Summarize(kws []Keyword, ctx BusinessContext) Stats {
	return Stats{
		Count:         len(kws),
		TotalVolume:   TotalVolume(kws),
		AvgDifficulty: AverageDifficulty(kws),
		Metrics:       Total(kws, ctx),
	}
}

func roundInt(v float64) int {
	return int(math.Round(v))
}
