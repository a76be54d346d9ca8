package trends

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/KeywordPlanner/internal/keyword"
)

const trendsFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss xmlns:ht="https://trends.google.com/trending/rss" version="2.0">
<channel>
<title>Daily Search Trends</title>
<item>
  <title>Tenis de corrida</title>
  <ht:approx_traffic>2,000+</ht:approx_traffic>
</item>
<item>
  <title>Benfica</title>
  <ht:approx_traffic>50,000+</ht:approx_traffic>
</item>
<item>
  <title>  </title>
</item>
<item>
  <title>benfica</title>
  <ht:approx_traffic>100+</ht:approx_traffic>
</item>
</channel>
</rss>`

func serveFeed(t *testing.T, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestTopicsParsesTrafficAndDedups(t *testing.T) {
	r := NewReader([]Feed{{URL: serveFeed(t, trendsFeed), Name: "Trends PT"}}, nil)

	topics := r.Topics(context.Background())
	require.Len(t, topics, 2)
	assert.Equal(t, Topic{Query: "Benfica", Traffic: 50000, Source: "Trends PT"}, topics[0])
	assert.Equal(t, Topic{Query: "Tenis de corrida", Traffic: 2000, Source: "Trends PT"}, topics[1])
}

func TestTopicsSkipsBrokenFeeds(t *testing.T) {
	broken := serveFeed(t, "not a feed")
	good := serveFeed(t, trendsFeed)
	r := NewReader([]Feed{{URL: broken}, {URL: good}}, nil)

	topics := r.Topics(context.Background())
	assert.Len(t, topics, 2)
	assert.Equal(t, "127.0.0.1", topics[0].Source)
}

func TestMatches(t *testing.T) {
	kws := []keyword.Keyword{
		{Text: "comprar tenis de corrida"},
		{Text: "tenis"},
		{Text: "bilhetes benfica"},
		{Text: "sapatilhas trail"},
		{Text: "benficas"},
	}
	topics := []Topic{{Query: "Tenis de Corrida"}, {Query: "benfica"}}

	got := Matches(kws, topics)
	assert.Equal(t, map[string]string{
		"comprar tenis de corrida": Rising,
		"tenis":                    Rising,
		"bilhetes benfica":         Rising,
	}, got)
}

func TestMatchesEmpty(t *testing.T) {
	assert.Empty(t, Matches(nil, []Topic{{Query: "x"}}))
	assert.Empty(t, Matches([]keyword.Keyword{{Text: "x"}}, nil))
}
