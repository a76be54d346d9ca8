package cluster

import (
	"sort"

	"github.com/TobiSchelling/KeywordPlanner/internal/keyword"
)

const (
	DefaultThreshold           = 0.3
	DefaultStandaloneMinVolume = 1000
)

// Options tunes the greedy grouping.
type Options struct {
	// Threshold is the minimum similarity to the anchor for joining a group.
	Threshold float64
	// StandaloneMinVolume is the volume a single keyword needs to stand as
	// its own group.
	StandaloneMinVolume int
}

// DefaultOptions returns the standard grouping parameters.
func DefaultOptions() Options {
	return Options{
		Threshold:           DefaultThreshold,
		StandaloneMinVolume: DefaultStandaloneMinVolume,
	}
}

// Group partitions keywords into groups of lexically similar keywords.
// Keywords are visited by descending volume (ties keep input order); each
// unassigned keyword anchors a new group and pulls in every later unassigned
// keyword whose similarity to the anchor reaches threshold. A keyword text
// is assigned at most once, so repeated texts are dropped.
func Group(keywords []keyword.Keyword, threshold float64) [][]keyword.Keyword {
	sorted := make([]keyword.Keyword, len(keywords))
	copy(sorted, keywords)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Volume > sorted[j].Volume
	})

	used := make(map[string]bool, len(sorted))
	var groups [][]keyword.Keyword
	for i, anchor := range sorted {
		if used[anchor.Text] {
			continue
		}
		used[anchor.Text] = true
		group := []keyword.Keyword{anchor}

		for _, candidate := range sorted[i+1:] {
			if used[candidate.Text] {
				continue
			}
			if keyword.Similarity(anchor.Text, candidate.Text) >= threshold {
				group = append(group, candidate)
				used[candidate.Text] = true
			}
		}
		groups = append(groups, group)
	}
	return groups
}

// Keep reports whether a group survives filtering: it has at least two
// members, or its only member has at least minVolume searches.
func Keep(group []keyword.Keyword, minVolume int) bool {
	switch len(group) {
	case 0:
		return false
	case 1:
		return group[0].Volume >= minVolume
	default:
		return true
	}
}

// Build groups keywords and drops low-volume singletons.
func Build(keywords []keyword.Keyword, opts Options) [][]keyword.Keyword {
	var kept [][]keyword.Keyword
	for _, g := range Group(keywords, opts.Threshold) {
		if Keep(g, opts.StandaloneMinVolume) {
			kept = append(kept, g)
		}
	}
	return kept
}
