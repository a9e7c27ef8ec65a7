package preprocess

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	sentencePunct = regexp.MustCompile(`([.!?])`)
	disallowed    = regexp.MustCompile(`[^a-z0-9.!?']+`)
)

// stripAccents decomposes s and drops combining marks, so "café" becomes "cafe".
func stripAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Normalize lower-cases s, strips diacritics, splits sentence punctuation off
// the surrounding words and removes every other non-alphanumeric character
// except apostrophes.
func Normalize(s string) string {
	s = stripAccents(strings.ToLower(strings.TrimSpace(s)))
	s = sentencePunct.ReplaceAllString(s, " ${1} ")
	s = disallowed.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// Tokenize normalizes s and splits it on whitespace.
func Tokenize(s string) []string {
	return strings.Fields(Normalize(s))
}
