package analysis

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Result is the structured verdict for one keyword.
type Result struct {
	Keyword            string                `json:"keyword"`
	Volume             int                   `json:"volume"`
	SalesRelevance     Score                 `json:"sales_relevance"`
	FunnelContribution FunnelContribution    `json:"funnel_contribution"`
	SemanticImportance Score                 `json:"semantic_importance"`
	FunnelPosition     FunnelPosition        `json:"marketing_funnel_position"`
	SearchIntent       SearchIntent          `json:"search_intent"`
	Competitiveness    Competitiveness       `json:"competitiveness"`
	Audience           AudienceRelevance     `json:"b2b_b2c_relevance"`
	Seasonality        Seasonality           `json:"seasonality"`
	Projection         Projection            `json:"traffic_and_conversion_potential"`
	Content            ContentClassification `json:"content_classification"`
	OverallPriority    Score                 `json:"overall_priority"`
	AnalyzedAt         time.Time             `json:"analyzed_at"`
}

type Score struct {
	Score         float64 `json:"score" validate:"gte=0,lte=10"`
	Justification string  `json:"justification"`
}

type FunnelContribution struct {
	Percentage    float64 `json:"percentage" validate:"gte=0,lte=100"`
	QualityScore  float64 `json:"quality_score" validate:"gte=0,lte=10"`
	Justification string  `json:"justification"`
}

type FunnelPosition struct {
	Stage         string `json:"stage" validate:"oneof=TOFU MOFU BOFU"`
	Justification string `json:"justification"`
}

type SearchIntent struct {
	Type          string `json:"type" validate:"oneof=Informational Navigational Commercial Transactional"`
	Justification string `json:"justification"`
}

type Competitiveness struct {
	Score           float64 `json:"score" validate:"gte=0,lte=10"`
	DifficultyVsROI string  `json:"difficulty_vs_roi"`
	Justification   string  `json:"justification"`
}

type AudienceRelevance struct {
	B2BScore      float64 `json:"b2b_score" validate:"gte=0,lte=10"`
	B2CScore      float64 `json:"b2c_score" validate:"gte=0,lte=10"`
	Justification string  `json:"justification"`
}

type Seasonality struct {
	Impact        string `json:"impact" validate:"oneof=Low Medium High"`
	Justification string `json:"justification"`
}

type Projection struct {
	PotentialTraffic        float64 `json:"potential_traffic" validate:"gte=0"`
	PotentialConversions    float64 `json:"potential_conversions" validate:"gte=0"`
	EstimatedConversionRate float64 `json:"estimated_conversion_rate" validate:"gte=0,lte=100"`
	PotentialRevenue        float64 `json:"potential_revenue" validate:"gte=0"`
	Justification           string  `json:"justification"`
}

type ContentClassification struct {
	Type          string       `json:"type" validate:"oneof='Target Page' 'Support Article' 'Pillar Page'"`
	Justification string       `json:"justification"`
	RelatedPages  RelatedPages `json:"related_pages"`
}

type RelatedPages struct {
	TargetPage string `json:"target_page"`
	PillarPage string `json:"pillar_page"`
}

// envelope is the shape the model is asked to return.
type envelope struct {
	KeywordAnalysis *Result `json:"keyword_analysis"`
}

var (
	intents = canonical("Informational", "Navigational", "Commercial", "Transactional")
	impacts = canonical("Low", "Medium", "High")
	content = canonical("Target Page", "Support Article", "Pillar Page")
)

func canonical(values ...string) map[string]string {
	m := make(map[string]string, len(values))
	for _, v := range values {
		m[strings.ToLower(v)] = v
	}
	return m
}

func normalize(m map[string]string, v string) string {
	if c, ok := m[strings.ToLower(strings.TrimSpace(v))]; ok {
		return c
	}
	return v
}

// normalize fixes the casing of enum fields before validation.
func (r *Result) normalize() {
	r.FunnelPosition.Stage = strings.ToUpper(strings.TrimSpace(r.FunnelPosition.Stage))
	r.SearchIntent.Type = normalize(intents, r.SearchIntent.Type)
	r.Seasonality.Impact = normalize(impacts, r.Seasonality.Impact)
	r.Content.Type = normalize(content, r.Content.Type)
}

// Validate checks enum fields and score ranges.
func (r *Result) Validate() error {
	if err := validate.Struct(r); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			return fmt.Errorf("field %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return err
	}
	return nil
}
