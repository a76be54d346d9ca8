// Package trends reads trending search queries from RSS feeds and marks the
// project keywords that match them.
package trends

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/TobiSchelling/KeywordPlanner/internal/keyword"
)

// Rising is the trend label given to keywords that match a trending query.
const Rising = "rising"

const maxPerFeed = 50

// Feed is one configured trends feed.
type Feed struct {
	URL  string
	Name string
}

// Topic is one trending query.
type Topic struct {
	Query string
	// Traffic is the approximate search count, zero when the feed omits it.
	Traffic int
	Source  string
}

// Reader parses trend feeds.
type Reader struct {
	feeds  []Feed
	parser *gofeed.Parser
	logger *zap.Logger
}

// NewReader creates a Reader over feeds.
func NewReader(feeds []Feed, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{feeds: feeds, parser: gofeed.NewParser(), logger: logger}
}

// Topics parses every feed and returns the distinct trending queries, most
// searched first. Feeds that fail to parse are logged and skipped.
func (r *Reader) Topics(ctx context.Context) []Topic {
	seen := make(map[string]int)
	var all []Topic

	for _, fc := range r.feeds {
		name := fc.Name
		if name == "" {
			name = sourceName(fc.URL)
		}

		feed, err := r.parser.ParseURLWithContext(fc.URL, ctx)
		if err != nil {
			r.logger.Warn("failed to parse trends feed", zap.String("url", fc.URL), zap.Error(err))
			continue
		}

		n := 0
		for _, item := range feed.Items {
			if n >= maxPerFeed {
				break
			}
			t, ok := parseItem(item, name)
			if !ok {
				continue
			}
			n++
			key := strings.ToLower(t.Query)
			if i, dup := seen[key]; dup {
				all[i].Traffic = max(all[i].Traffic, t.Traffic)
				continue
			}
			seen[key] = len(all)
			all = append(all, t)
		}
		r.logger.Info("parsed trends feed", zap.String("source", name), zap.Int("topics", n))
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Traffic > all[j].Traffic })
	return all
}

func parseItem(item *gofeed.Item, source string) (Topic, bool) {
	query := strings.Join(strings.Fields(item.Title), " ")
	if query == "" {
		return Topic{}, false
	}
	return Topic{Query: query, Traffic: approxTraffic(item), Source: source}, true
}

// approxTraffic reads the ht:approx_traffic extension, e.g. "20,000+".
func approxTraffic(item *gofeed.Item) int {
	exts, ok := item.Extensions["ht"]["approx_traffic"]
	if !ok || len(exts) == 0 {
		return 0
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, exts[0].Value)
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return n
}

// Matches returns, for every keyword that contains a topic query or is
// contained in one, the trend label Rising. Matching ignores case and only
// considers whole words.
func Matches(kws []keyword.Keyword, topics []Topic) map[string]string {
	out := make(map[string]string)
	for _, k := range kws {
		text := normalize(k.Text)
		if text == "" {
			continue
		}
		for _, t := range topics {
			q := normalize(t.Query)
			if q == "" {
				continue
			}
			if containsPhrase(text, q) || containsPhrase(q, text) {
				out[k.Text] = Rising
				break
			}
		}
	}
	return out
}

func normalize(s string) string {
	return " " + strings.Join(strings.Fields(strings.ToLower(s)), " ") + " "
}

func containsPhrase(haystack, needle string) bool {
	return strings.TrimSpace(needle) != "" && strings.Contains(haystack, needle)
}

func sourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
