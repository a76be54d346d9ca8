package cluster

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/KeywordPlanner/internal/keyword"
)

func TestGroupEmpty(t *testing.T) {
	assert.Empty(t, Group(nil, DefaultThreshold))
	assert.Empty(t, Build(nil, DefaultOptions()))
}

func TestGroupAnchorsOnHighestVolume(t *testing.T) {
	groups := Group(shoeKeywords, DefaultThreshold)
	require.Len(t, groups, 2)
	assert.Equal(t, "running shoes", groups[0][0].Text)
	assert.Equal(t, []string{"running shoes", "best running shoes", "cheap running shoes"}, keyword.Texts(groups[0]))
	assert.Equal(t, []string{"garden hose"}, keyword.Texts(groups[1]))
}

func TestGroupStableOnEqualVolume(t *testing.T) {
	kws := []keyword.Keyword{
		{Text: "blue widget", Volume: 100},
		{Text: "red widget", Volume: 100},
		{Text: "green gadget", Volume: 100},
	}
	groups := Group(kws, DefaultThreshold)
	require.Len(t, groups, 2)
	// "blue widget" vs "red widget": 1 shared of 3 tokens = 0.33
	assert.Equal(t, []string{"blue widget", "red widget"}, keyword.Texts(groups[0]))
	assert.Equal(t, []string{"green gadget"}, keyword.Texts(groups[1]))
}

func TestGroupThresholdIsInclusive(t *testing.T) {
	// 3 shared tokens out of 10
	a := "t1 t2 t3 t4 t5 t6 t7"
	b := "t5 t6 t7 t8 t9 t10"
	require.InDelta(t, 0.3, keyword.Similarity(a, b), 1e-12)

	groups := Group([]keyword.Keyword{{Text: a, Volume: 2}, {Text: b, Volume: 1}}, 0.3)
	assert.Len(t, groups, 1)
}

func TestBuildDropsLowVolumeSingletons(t *testing.T) {
	kws := []keyword.Keyword{
		{Text: "running shoes", Volume: 500},
		{Text: "trail running shoes", Volume: 200},
		{Text: "garden hose", Volume: 999},
		{Text: "coffee grinder", Volume: 1000},
	}
	groups := Build(kws, DefaultOptions())
	require.Len(t, groups, 2)
	assert.Equal(t, "coffee grinder", groups[0][0].Text)
	assert.Equal(t, []string{"running shoes", "trail running shoes"}, keyword.Texts(groups[1]))
}

func TestKeep(t *testing.T) {
	assert.False(t, Keep(nil, 1000))
	assert.False(t, Keep([]keyword.Keyword{{Volume: 999}}, 1000))
	assert.True(t, Keep([]keyword.Keyword{{Volume: 1000}}, 1000))
	assert.True(t, Keep([]keyword.Keyword{{Volume: 1}, {Volume: 1}}, 1000))
}

func TestGroupNeverAssignsKeywordTwice(t *testing.T) {
	vocab := []string{"shoes", "running", "cheap", "best", "red", "trail", "kids", "sale", "online", "nike"}
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		var kws []keyword.Keyword
		for i := 0; i < 40; i++ {
			n := 1 + rng.Intn(3)
			text := ""
			for j := 0; j < n; j++ {
				if j > 0 {
					text += " "
				}
				text += vocab[rng.Intn(len(vocab))]
			}
			kws = append(kws, keyword.Keyword{Text: fmt.Sprintf("%s %d", text, i), Volume: rng.Intn(3000)})
		}

		seen := map[string]bool{}
		total := 0
		for _, g := range Group(kws, DefaultThreshold) {
			require.NotEmpty(t, g)
			for _, k := range g {
				assert.False(t, seen[k.Text], "keyword %q assigned twice", k.Text)
				seen[k.Text] = true
				total++
			}
		}
		assert.Equal(t, len(kws), total)
	}
}

func TestGroupDropsRepeatedTexts(t *testing.T) {
	kws := []keyword.Keyword{
		{Text: "running shoes", Volume: 10},
		{Text: "running shoes", Volume: 20},
	}
	groups := Group(kws, DefaultThreshold)
	require.Len(t, groups, 1)
	require.Len(t, groups[0], 1)
	assert.Equal(t, 20, groups[0][0].Volume)
}
