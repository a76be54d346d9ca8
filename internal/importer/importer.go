// Package importer reads keyword exports of SEO tools into keyword lists.
package importer

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/TobiSchelling/KeywordPlanner/internal/keyword"
)

var (
	ErrEmpty           = errors.New("file has no rows")
	ErrNoKeywordColumn = errors.New("no keyword column found in header")
	ErrUnsupportedFile = errors.New("unsupported file type")
	ErrNoValidKeywords = errors.New("file contains no valid keywords")
)

type column int

const (
	colKeyword column = iota
	colVolume
	colDifficulty
	colIntent
	colCPC
	colTrend
)

var aliases = map[string]column{
	"keyword":               colKeyword,
	"keywords":              colKeyword,
	"palavra-chave":         colKeyword,
	"palavra chave":         colKeyword,
	"palavras-chave":        colKeyword,
	"query":                 colKeyword,
	"search term":           colKeyword,
	"termo":                 colKeyword,
	"volume":                colVolume,
	"search volume":         colVolume,
	"avg. monthly searches": colVolume,
	"volume de pesquisa":    colVolume,
	"pesquisas":             colVolume,
	"difficulty":            colDifficulty,
	"keyword difficulty":    colDifficulty,
	"kd":                    colDifficulty,
	"kd %":                  colDifficulty,
	"dificuldade":           colDifficulty,
	"intent":                colIntent,
	"search intent":         colIntent,
	"intenção":              colIntent,
	"intencao":              colIntent,
	"cpc":                   colCPC,
	"cpc (usd)":             colCPC,
	"cpc (eur)":             colCPC,
	"custo por clique":      colCPC,
	"trend":                 colTrend,
	"tendência":             colTrend,
	"tendencia":             colTrend,
}

// Report is the outcome of parsing one file.
type Report struct {
	Keywords   []keyword.Keyword
	Rows       int
	Duplicates int
	Invalid    int
}

// ParseFile parses a .csv or .tsv file.
func ParseFile(path string) (*Report, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv", ".txt":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, filepath.Base(path))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads delimited text with a header row. The delimiter is sniffed
// from the header. Rows repeating an earlier keyword (ignoring case) are
// dropped, as are rows whose figures cannot be read.
func Parse(r io.Reader) (*Report, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	head = bytes.TrimPrefix(head, []byte("\ufeff"))
	if len(bytes.TrimSpace(head)) == 0 {
		return nil, ErrEmpty
	}

	cr := csv.NewReader(br)
	cr.Comma = sniffDelimiter(head)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	cols, err := mapHeader(header)
	if err != nil {
		return nil, err
	}

	rep := &Report{}
	seen := make(map[string]struct{})
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", rep.Rows+2, err)
		}
		if blank(record) {
			continue
		}
		rep.Rows++

		k, ok := parseRow(record, cols)
		if !ok {
			rep.Invalid++
			continue
		}
		key := strings.ToLower(k.Text)
		if _, dup := seen[key]; dup {
			rep.Duplicates++
			continue
		}
		seen[key] = struct{}{}
		rep.Keywords = append(rep.Keywords, k)
	}

	if rep.Rows == 0 {
		return nil, ErrEmpty
	}
	if len(rep.Keywords) == 0 {
		return rep, ErrNoValidKeywords
	}
	return rep, nil
}

func sniffDelimiter(head []byte) rune {
	line := head
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		line = head[:i]
	}
	best, bestCount := ',', 0
	for _, d := range []rune{',', ';', '\t'} {
		if n := bytes.Count(line, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

func mapHeader(header []string) (map[column]int, error) {
	cols := make(map[column]int)
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		name = norm.NFC.String(name)
		c, ok := aliases[name]
		if !ok {
			continue
		}
		if _, dup := cols[c]; !dup {
			cols[c] = i
		}
	}
	if _, ok := cols[colKeyword]; !ok {
		return nil, ErrNoKeywordColumn
	}
	return cols, nil
}

func parseRow(record []string, cols map[column]int) (keyword.Keyword, bool) {
	field := func(c column) string {
		i, ok := cols[c]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	k := keyword.Keyword{
		Text:   cleanText(field(colKeyword)),
		Intent: field(colIntent),
		Trend:  field(colTrend),
	}
	if k.Text == "" {
		return k, false
	}

	var ok bool
	if k.Volume, ok = parseCount(field(colVolume)); !ok {
		return k, false
	}
	if k.Difficulty, ok = parseScore(field(colDifficulty)); !ok {
		return k, false
	}

	if raw := field(colCPC); raw != "" {
		cpc, ok := parseDecimal(raw)
		if !ok {
			return k, false
		}
		k.CPC = &cpc
	}

	return k, k.Validate() == nil
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// parseCount reads whole counts such as "1.200", "1,200", "1 200", "2.5K"
// or "-". Empty means zero.
func parseCount(s string) (int, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "%")
	if s == "" || s == "-" || s == "n/a" {
		return 0, true
	}

	mult := 1.0
	switch {
	case strings.HasSuffix(s, "k"):
		mult, s = 1e3, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult, s = 1e6, strings.TrimSuffix(s, "m")
	}
	if mult > 1 {
		v, ok := parseDecimal(s)
		if !ok || v < 0 {
			return 0, false
		}
		return int(math.Round(v * mult)), true
	}

	s = strings.NewReplacer(".", "", ",", "", " ", "", "\u00a0", "").Replace(s)
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// parseScore reads a 0-100 score, rounding fractions and capping at 100.
func parseScore(s string) (int, bool) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" || s == "-" || strings.EqualFold(s, "n/a") {
		return 0, true
	}
	v, ok := parseDecimal(s)
	if !ok || v < 0 {
		return 0, false
	}
	return min(int(math.Round(v)), 100), true
}

// parseDecimal reads "1.25", "1,25", "1.234,5", "1,234.5" and currency
// prefixed forms. The rightmost of ',' and '.' is the decimal separator.
func parseDecimal(s string) (float64, bool) {
	s = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(s), "$€£"))
	s = strings.TrimSpace(strings.TrimRight(s, "$€£"))
	s = strings.NewReplacer(" ", "", "\u00a0", "").Replace(s)
	if s == "" {
		return 0, false
	}

	comma, dot := strings.LastIndex(s, ","), strings.LastIndex(s, ".")
	switch {
	case comma > dot:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case dot > comma:
		s = strings.ReplaceAll(s, ",", "")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ProjectName derives a project name from an import file path.
func ProjectName(path string) string {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.NewReplacer("_", " ", "-", " ").Replace(name)
	return strings.Join(strings.Fields(name), " ")
}
