// Package serp looks up the organic search results of a keyword and derives
// a simple competition signal from their titles.
package serp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/KeywordPlanner/internal/notify"
)

// MaxResults is the number of organic results a signal is computed over.
const MaxResults = 10

var (
	// ErrNotConfigured is returned when no API key is available.
	ErrNotConfigured = errors.New("search results API not configured")
	// ErrNoResults is returned when the response carries no organic results.
	ErrNoResults = errors.New("no organic results found")
)

// Result is one organic search result.
type Result struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Signal is the competition signal of one keyword.
type Signal struct {
	Keyword      string
	TitleMatches int
	// KGR is TitleMatches over MaxResults, nil when nothing matched.
	KGR     *float64
	Results []Result
}

// Settings locates the API and the locale of the lookups.
type Settings struct {
	BaseURL   string
	APIKeyEnv string
	Domain    string
	Country   string
	Language  string
	Device    string
	Timeout   time.Duration
}

// Client queries a SpaceSerp-compatible search API.
type Client struct {
	settings Settings
	apiKey   string
	client   *http.Client
	notifier notify.Notifier
	logger   *zap.Logger
}

// NewClient creates a client reading its key from s.APIKeyEnv.
func NewClient(s Settings, notifier notify.Notifier, logger *zap.Logger) *Client {
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}
	if notifier == nil {
		notifier = notify.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		settings: s,
		apiKey:   os.Getenv(s.APIKeyEnv),
		client:   &http.Client{Timeout: s.Timeout},
		notifier: notifier,
		logger:   logger,
	}
}

// IsConfigured returns whether the API key is available.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// TopResults returns up to MaxResults organic results for kw.
func (c *Client) TopResults(ctx context.Context, kw string) ([]Result, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}

	params := url.Values{
		"q":         {kw},
		"domain":    {c.settings.Domain},
		"gl":        {c.settings.Country},
		"hl":        {c.settings.Language},
		"device":    {c.settings.Device},
		"serp_type": {"web"},
		"output":    {"json"},
		"api_key":   {c.apiKey},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.settings.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search API error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		OrganicResults []struct {
			Title string `json:"title"`
			Link  string `json:"link"`
		} `json:"organic_results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if payload.OrganicResults == nil {
		return nil, ErrNoResults
	}

	n := min(len(payload.OrganicResults), MaxResults)
	results := make([]Result, 0, n)
	for _, r := range payload.OrganicResults[:n] {
		results = append(results, Result{Title: r.Title, URL: r.Link})
	}
	return results, nil
}

// Analyze fetches the results of kw and computes its signal. A failed lookup
// is logged, notified and reported as an empty signal with the error.
func (c *Client) Analyze(ctx context.Context, kw string) (Signal, error) {
	results, err := c.TopResults(ctx, kw)
	if err != nil {
		c.logger.Warn("search results lookup failed", zap.String("keyword", kw), zap.Error(err))
		c.notifier.Notify(notify.Failure, notify.SerpFetchFailed)
		return Signal{Keyword: kw}, err
	}
	matches := CountTitleMatches(kw, results)
	return Signal{
		Keyword:      kw,
		TitleMatches: matches,
		KGR:          KGR(matches),
		Results:      results,
	}, nil
}

// CountTitleMatches counts the results whose title contains kw, ignoring case.
func CountTitleMatches(kw string, results []Result) int {
	needle := strings.ToLower(kw)
	n := 0
	for _, r := range results {
		if strings.Contains(strings.ToLower(r.Title), needle) {
			n++
		}
	}
	return n
}

// KGR returns matches over MaxResults, or nil when matches is zero.
func KGR(matches int) *float64 {
	if matches == 0 {
		return nil
	}
	v := float64(matches) / MaxResults
	return &v
}
