package importer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommaSeparated(t *testing.T) {
	in := "Keyword,Volume,KD,Intent,CPC (USD)\n" +
		"seo local,1200,35,commercial,1.25\n" +
		"SEO Local,900,30,commercial,1.10\n" +
		"  guia   de seo ,\"1,500\",12.6,informational,\n" +
		"\n" +
		"broken,abc,10,,\n"

	rep, err := Parse(strings.NewReader(in))
	require.NoError(t, err)

	assert.Equal(t, 4, rep.Rows)
	assert.Equal(t, 1, rep.Duplicates)
	assert.Equal(t, 1, rep.Invalid)
	require.Len(t, rep.Keywords, 2)

	first := rep.Keywords[0]
	assert.Equal(t, "seo local", first.Text)
	assert.Equal(t, 1200, first.Volume)
	assert.Equal(t, 35, first.Difficulty)
	assert.Equal(t, "commercial", first.Intent)
	require.NotNil(t, first.CPC)
	assert.InDelta(t, 1.25, *first.CPC, 1e-9)

	second := rep.Keywords[1]
	assert.Equal(t, "guia de seo", second.Text)
	assert.Equal(t, 1500, second.Volume)
	assert.Equal(t, 13, second.Difficulty)
	assert.Nil(t, second.CPC)
}

func TestParseSemicolonPortugueseExport(t *testing.T) {
	in := "\ufeffPalavra-chave;Volume de pesquisa;Dificuldade;Custo por clique;Tendência\n" +
		"ténis corrida;2.400;45;0,85;rising\n" +
		"sapatilhas trail;1 000;;€1,20;\n"

	rep, err := Parse(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, rep.Keywords, 2)

	assert.Equal(t, 2400, rep.Keywords[0].Volume)
	assert.Equal(t, "rising", rep.Keywords[0].Trend)
	require.NotNil(t, rep.Keywords[0].CPC)
	assert.InDelta(t, 0.85, *rep.Keywords[0].CPC, 1e-9)

	assert.Equal(t, 1000, rep.Keywords[1].Volume)
	assert.Equal(t, 0, rep.Keywords[1].Difficulty)
	assert.InDelta(t, 1.2, *rep.Keywords[1].CPC, 1e-9)
}

func TestParseTabSeparated(t *testing.T) {
	rep, err := Parse(strings.NewReader("query\tsearch volume\na\t10\nb\t2.5K\n"))
	require.NoError(t, err)
	require.Len(t, rep.Keywords, 2)
	assert.Equal(t, 2500, rep.Keywords[1].Volume)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Parse(strings.NewReader("keyword,volume\n"))
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Parse(strings.NewReader("term,volume\nseo,10\n"))
	assert.ErrorIs(t, err, ErrNoKeywordColumn)

	rep, err := Parse(strings.NewReader("keyword,volume\nseo,-5\n"))
	assert.ErrorIs(t, err, ErrNoValidKeywords)
	require.NotNil(t, rep)
	assert.Equal(t, 1, rep.Invalid)
}

func TestParseFileRejectsUnknownExtension(t *testing.T) {
	_, err := ParseFile(filepath.Join(t.TempDir(), "keywords.xlsx"))
	assert.ErrorIs(t, err, ErrUnsupportedFile)
}

func TestParseCount(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"", 0, true},
		{"-", 0, true},
		{"1200", 1200, true},
		{"1.200", 1200, true},
		{"1,200", 1200, true},
		{"1 200", 1200, true},
		{"1.5k", 1500, true},
		{"2M", 2000000, true},
		{"abc", 0, false},
		{"-3", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseCount(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseDecimal(t *testing.T) {
	tests := map[string]float64{
		"1.25":    1.25,
		"1,25":    1.25,
		"1.234,5": 1234.5,
		"1,234.5": 1234.5,
		"$0.40":   0.4,
		"0,90 €":  0.9,
	}
	for in, want := range tests {
		got, ok := parseDecimal(in)
		require.True(t, ok, in)
		assert.InDelta(t, want, got, 1e-9, in)
	}
	_, ok := parseDecimal("x")
	assert.False(t, ok)
}

func TestParseScoreCaps(t *testing.T) {
	got, ok := parseScore("130")
	assert.True(t, ok)
	assert.Equal(t, 100, got)

	got, ok = parseScore("42%")
	assert.True(t, ok)
	assert.Equal(t, 42, got)
}

func TestProjectName(t *testing.T) {
	assert.Equal(t, "loja desportiva", ProjectName("/inbox/loja_desportiva.csv"))
	assert.Equal(t, "acme 2024", ProjectName("acme-2024.tsv"))
}

func TestWatcherImportsDroppedFiles(t *testing.T) {
	dir := t.TempDir()
	got := make(chan string, 4)

	w := NewWatcher(dir, func(ctx context.Context, path string) error {
		got <- filepath.Base(path)
		return nil
	}, nil)
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shop.csv"), []byte("keyword\nseo\n"), 0o644))

	select {
	case name := <-got:
		assert.Equal(t, "shop.csv", name)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not import the dropped file")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
