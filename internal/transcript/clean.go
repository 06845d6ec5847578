package transcript

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// Stats describes what Clean changed. Lengths are in runes.
type Stats struct {
	OriginalLength    int `json:"originalLength"`
	CleanedLength     int `json:"cleanedLength"`
	DuplicatesRemoved int `json:"duplicatesRemoved"`
	ErrorsFixed       int `json:"errorsFixed"`
	EstimatedTokens   int `json:"estimatedTokens"`
}

// Result is a cleaned transcript and its statistics.
type Result struct {
	Content string `json:"content"`
	Stats   Stats  `json:"stats"`
}

type fix struct {
	pattern     *regexp.Regexp
	replacement string
}

// fixes run in order after duplicate-line removal.
var fixes = []fix{
	{regexp.MustCompile(`\s{2,}`), " "},
	{regexp.MustCompile(`\n{3,}`), "\n\n"},
	{regexp.MustCompile(`(?m)[^\S\r\n]+$`), ""},
	{regexp.MustCompile(`(?m)^\s+`), ""},
}

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// Clean removes immediately consecutive duplicate lines, then normalizes
// whitespace and collapses a word repeated back to back. Only adjacent
// duplicates are removed; lines repeated further apart are kept.
func Clean(text string) Result {
	stats := Stats{OriginalLength: utf8.RuneCountInString(text)}

	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for i, line := range lines {
		if i > 0 && line == lines[i-1] {
			stats.DuplicatesRemoved++
			continue
		}
		kept = append(kept, line)
	}
	cleaned := strings.Join(kept, "\n")

	for _, f := range fixes {
		stats.ErrorsFixed += len(f.pattern.FindAllStringIndex(cleaned, -1))
		cleaned = f.pattern.ReplaceAllString(cleaned, f.replacement)
	}
	var repeated int
	cleaned, repeated = collapseRepeatedWords(cleaned)
	stats.ErrorsFixed += repeated

	stats.CleanedLength = utf8.RuneCountInString(cleaned)
	content := strings.TrimSpace(cleaned)
	stats.EstimatedTokens = EstimateTokens(content)

	slog.Debug("transcript.Clean: done", "original", stats.OriginalLength, "cleaned", stats.CleanedLength,
		"duplicates", stats.DuplicatesRemoved, "fixes", stats.ErrorsFixed)
	return Result{Content: content, Stats: stats}
}

// collapseRepeatedWords rewrites "w w" to "w" for identical adjacent words
// separated only by whitespace. Matches do not overlap, so "w w w" becomes "w w".
func collapseRepeatedWords(text string) (string, int) {
	locs := wordPattern.FindAllStringIndex(text, -1)
	if len(locs) < 2 {
		return text, 0
	}
	var b strings.Builder
	b.Grow(len(text))
	last, count := 0, 0
	for i := 0; i+1 < len(locs); i++ {
		cur, next := locs[i], locs[i+1]
		gap := text[cur[1]:next[0]]
		if gap == "" || strings.TrimSpace(gap) != "" || text[cur[0]:cur[1]] != text[next[0]:next[1]] {
			continue
		}
		b.WriteString(text[last:cur[1]])
		last = next[1]
		count++
		i++
	}
	b.WriteString(text[last:])
	return b.String(), count
}

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// EstimateTokens counts text in GPT-4 tokens, falling back to len/4.
func EstimateTokens(text string) int {
	codecOnce.Do(func() {
		c, err := tokenizer.ForModel(tokenizer.GPT4)
		if err != nil {
			slog.Warn("transcript.EstimateTokens: tokenizer unavailable, using estimate", "error", err)
			return
		}
		codec = c
	})
	if codec == nil {
		return len(text) / 4
	}
	n, err := codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}
