package scoring

import (
	"log/slog"
	"strings"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// strippedPunct is removed before matching so that "刷，单" still hits "刷单".
const strippedPunct = "，。！？；：'‘’“”【】「」『』（）《》〈〉…—～·、"

// asciiSpace is the only whitespace removed. Other Unicode spaces survive
// unless NFKC folds them to U+0020 (the ideographic and no-break spaces do).
const asciiSpace = " \t\n\r\v\f"

func stripped(r rune) bool {
	return strings.ContainsRune(asciiSpace, r) || strings.ContainsRune(strippedPunct, r)
}

// Normalize prepares text for scoring: ASCII whitespace and CJK punctuation
// are removed and the result is NFKC-folded, so full-width Latin letters and
// digits compare equal to their ASCII forms. Message text and rule patterns
// both go through it.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	// Transformers are stateful; build a fresh chain per call.
	t := transform.Chain(
		runes.Remove(runes.Predicate(stripped)),
		norm.NFKC,
		runes.Remove(runes.Predicate(stripped)),
	)
	out, _, err := transform.String(t, text)
	if err != nil {
		slog.Warn("unicode normalization error", "err", err)
		return text
	}
	return out
}
