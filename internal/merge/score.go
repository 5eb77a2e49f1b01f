package merge

import (
	"strings"
	"time"
	"unicode"

	"github.com/untoldecay/midas/internal/types"
)

// Pair-score weights. Keyword overlap dominates; the rest refine ties.
const (
	weightKeywords = 0.35
	weightTitle    = 0.25
	weightTime     = 0.20
	weightSummary  = 0.20

	// DefaultMinScore is the suggestion threshold when the caller gives none.
	DefaultMinScore = 0.35
	// cliqueThreshold gates extending a pair into a larger group.
	cliqueThreshold = 0.55

	// Proximity decays to zero across this window.
	timeProximityWindow = 7 * 24 * time.Hour
)

// pairScore combines the four similarity signals for two notes.
func pairScore(a, b *types.SavedNote) float64 {
	return weightKeywords*jaccard(keywords(a), keywords(b)) +
		weightTitle*jaccard(tokenize(a.Title), tokenize(b.Title)) +
		weightTime*timeProximity(a.SavedAt, b.SavedAt) +
		weightSummary*jaccard(tokenize(a.SummaryMarkdown), tokenize(b.SummaryMarkdown))
}

// keywords are the title and summary tokens minus one-rune latin noise.
func keywords(n *types.SavedNote) map[string]bool {
	out := map[string]bool{}
	for tok := range tokenize(n.Title + " " + n.SummaryMarkdown) {
		if len(tok) == 1 && tok[0] < 0x80 {
			continue
		}
		out[tok] = true
	}
	return out
}

// tokenize splits text into lowercase word tokens. CJK runs are split into
// single runes so ideographic text still produces comparable sets.
func tokenize(text string) map[string]bool {
	tokens := map[string]bool{}
	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			tokens[strings.ToLower(word.String())] = true
			word.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r):
			flush()
			tokens[string(r)] = true
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// timeProximity maps the save-time gap onto [0,1], 1 for simultaneous and 0
// at or beyond the window.
func timeProximity(a, b time.Time) float64 {
	gap := a.Sub(b)
	if gap < 0 {
		gap = -gap
	}
	if gap >= timeProximityWindow {
		return 0
	}
	return 1 - float64(gap)/float64(timeProximityWindow)
}

// titleIntent favors titles that carry more content words over generic or
// truncated ones.
func titleIntent(title string) int {
	return len(tokenize(title))
}

// sentences splits markdown text into trimmed sentence-ish units used for
// order-preserving dedup.
func sentences(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, r := range text {
		cur.WriteRune(r)
		switch r {
		case '.', '!', '?', '。', '！', '？', '\n':
			flush()
		}
	}
	flush()
	return out
}

// normalizeSentence is the dedup key for a sentence: lowercased with
// whitespace and trailing punctuation folded away.
func normalizeSentence(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ".!?。！？ \t")
	return strings.Join(strings.Fields(s), " ")
}
