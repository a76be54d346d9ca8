// Package fetch downloads competitor pages from the search results of a
// keyword and summarizes their content.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const maxBodyBytes = 5 << 20

// Heading is one h1-h3 heading of a page.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// Page summarizes one competitor page.
type Page struct {
	URL       string    `json:"url"`
	Domain    string    `json:"domain"`
	Title     string    `json:"title"`
	WordCount int       `json:"word_count"`
	Headings  []Heading `json:"headings"`
	// Mentions counts case-insensitive occurrences of the keyword in the text.
	Mentions int `json:"mentions"`
}

// Result holds the results of a competitor fetch run.
type Result struct {
	Pages   []Page
	Fetched int
	Skipped int
	Failed  int
}

// AverageWordCount returns the mean word count of the fetched pages.
func (r *Result) AverageWordCount() int {
	if len(r.Pages) == 0 {
		return 0
	}
	total := 0
	for _, p := range r.Pages {
		total += p.WordCount
	}
	return total / len(r.Pages)
}

// Fetcher downloads pages via HTTP and extracts their readable text.
type Fetcher struct {
	client *http.Client
	logger *zap.Logger
}

// NewFetcher creates a fetcher. A zero timeout defaults to 15s.
func NewFetcher(timeout time.Duration, logger *zap.Logger) *Fetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		logger: logger,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// Competitors fetches every URL in turn and summarizes it against kw. Once a
// domain answers with an HTTP error its remaining URLs are skipped.
func (f *Fetcher) Competitors(ctx context.Context, kw string, urls []string) (*Result, error) {
	result := &Result{}
	failedDomains := make(map[string]struct{})

	for _, raw := range urls {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			result.Failed++
			continue
		}
		domain := strings.TrimPrefix(strings.ToLower(u.Host), "www.")

		if _, failed := failedDomains[domain]; failed {
			result.Skipped++
			continue
		}

		page, err := f.fetchPage(ctx, u, kw)
		if err != nil {
			result.Failed++
			if _, ok := err.(*httpError); ok {
				failedDomains[domain] = struct{}{}
				f.logger.Warn("HTTP error, skipping domain",
					zap.String("url", raw), zap.String("domain", domain), zap.Error(err))
			} else {
				f.logger.Debug("fetch failed", zap.String("url", raw), zap.Error(err))
			}
			continue
		}

		page.Domain = domain
		result.Pages = append(result.Pages, *page)
		result.Fetched++
	}

	f.logger.Info("competitor fetch complete",
		zap.String("keyword", kw),
		zap.Int("fetched", result.Fetched),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

func (f *Fetcher) fetchPage(ctx context.Context, u *url.URL, kw string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "KeywordPlanner/1.0 (content research)")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &httpError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", u, err)
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", u, err)
	}
	title, headings := outline(doc)

	article, err := readability.FromReader(bytes.NewReader(body), u)
	if err != nil {
		return nil, fmt.Errorf("extracting %s: %w", u, err)
	}
	text := strings.TrimSpace(article.TextContent)

	return &Page{
		URL:       u.String(),
		Title:     title,
		WordCount: len(strings.Fields(text)),
		Headings:  headings,
		Mentions:  countMentions(text, kw),
	}, nil
}

// outline returns the document title and its h1-h3 headings in order.
func outline(doc *html.Node) (string, []Heading) {
	var title string
	var headings []Heading

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if title == "" {
					title = nodeText(n)
				}
				return
			case "h1", "h2", "h3":
				if text := nodeText(n); text != "" {
					headings = append(headings, Heading{Level: int(n.Data[1] - '0'), Text: text})
				}
				return
			case "script", "style", "noscript":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title, headings
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func countMentions(text, kw string) int {
	kw = strings.ToLower(strings.TrimSpace(kw))
	if kw == "" {
		return 0
	}
	return strings.Count(strings.ToLower(text), kw)
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d %s", e.code, http.StatusText(e.code))
}
