// Package keyword holds the keyword-research domain types together with the
// pure scoring functions built on them.
package keyword

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidContext is returned when a business context fails validation.
var ErrInvalidContext = errors.New("invalid business context")

var validate = validator.New()

// Keyword is a search query with its externally sourced demand figures.
type Keyword struct {
	Text       string   `json:"keyword" validate:"required"`
	Volume     int      `json:"volume" validate:"gte=0"`
	Difficulty int      `json:"difficulty" validate:"gte=0,lte=100"`
	Intent     string   `json:"intent,omitempty"`
	CPC        *float64 `json:"cpc,omitempty" validate:"omitempty,gte=0"`
	Trend      string   `json:"trend,omitempty"`
}

// Validate checks that the keyword text is set and its figures are in range.
func (k Keyword) Validate() error {
	if err := validate.Struct(k); err != nil {
		return fmt.Errorf("keyword %q: %w", k.Text, err)
	}
	return nil
}

// BusinessContext is the business data keyword projections are computed against.
type BusinessContext struct {
	ConversionRate    float64 `json:"conversion_rate" validate:"gte=0,lte=100"`
	AverageOrderValue float64 `json:"average_order_value" validate:"gte=0"`
	Description       string  `json:"business_description,omitempty"`
	Brand             string  `json:"brand,omitempty"`
	Category          string  `json:"category,omitempty"`
	CurrentSessions   int     `json:"current_sessions,omitempty" validate:"gte=0"`
	RequiredVolume    int     `json:"required_volume,omitempty" validate:"gte=0"`
	SalesGoal         float64 `json:"sales_goal,omitempty" validate:"gte=0"`
	Language          string  `json:"language,omitempty"`
}

// Validate rejects contexts that would produce negative projections.
func (c BusinessContext) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %q", ErrInvalidContext, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	return nil
}

// FunnelStage is the buyer-journey position of a cluster.
type FunnelStage string

const (
	TOFU FunnelStage = "TOFU"
	MOFU FunnelStage = "MOFU"
	BOFU FunnelStage = "BOFU"
)

// ParseFunnelStage accepts any casing of TOFU, MOFU or BOFU.
func ParseFunnelStage(s string) (FunnelStage, bool) {
	switch FunnelStage(strings.ToUpper(strings.TrimSpace(s))) {
	case TOFU:
		return TOFU, true
	case MOFU:
		return MOFU, true
	case BOFU:
		return BOFU, true
	}
	return "", false
}

// PageType is the kind of page a cluster should be served by.
type PageType string

const (
	PillarPage  PageType = "pillar"
	TargetPage  PageType = "target"
	SupportPage PageType = "support"
)

// ParsePageType accepts the canonical names in any casing, plus "pilar".
func ParsePageType(s string) (PageType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pillar", "pilar", "pillar page":
		return PillarPage, true
	case "target", "target page":
		return TargetPage, true
	case "support", "support article":
		return SupportPage, true
	}
	return "", false
}

// Cluster is a labelled group of related keywords.
type Cluster struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Keywords      []Keyword   `json:"keywords"`
	TotalVolume   int         `json:"total_volume"`
	AvgDifficulty int         `json:"avg_difficulty"`
	Funnel        FunnelStage `json:"funnel"`
	Intent        string      `json:"intent"`
	PageType      PageType    `json:"page_type"`
	CreatedAt     time.Time   `json:"created_at"`
}

// TotalVolume sums the volume of the given keywords.
func TotalVolume(kws []Keyword) int {
	total := 0
	for _, k := range kws {
		total += k.Volume
	}
	return total
}

// AverageDifficulty returns the rounded mean difficulty, 0 for an empty set.
func AverageDifficulty(kws []Keyword) int {
	if len(kws) == 0 {
		return 0
	}
	sum := 0
	for _, k := range kws {
		sum += k.Difficulty
	}
	return roundInt(float64(sum) / float64(len(kws)))
}

// Texts returns the keyword texts in order.
func Texts(kws []Keyword) []string {
	out := make([]string, len(kws))
	for i, k := range kws {
		out[i] = k.Text
	}
	return out
}
