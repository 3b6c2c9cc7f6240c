package moder

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/forPelevin/gomoji"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// leetMap translates common digit-for-letter substitutions used to disguise words.
var leetMap = map[rune]rune{'0': 'o', '1': 'i', '3': 'e', '4': 'a', '5': 's', '7': 't'}

var (
	mdLinkRe   = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdMarkupRe = regexp.MustCompile("[*_~`]+")
)

// Normalize canonicalizes message text for rule matching. It strips markdown markup and emojis,
// lowercases, folds diacritics to plain ascii, maps leetspeak digits to letters, drops everything
// outside [a-z0-9@ ] and collapses whitespace. Pure and idempotent, empty input gives empty output.
func Normalize(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	s := mdLinkRe.ReplaceAllString(text, "$1") // keep link text, drop the url
	s = mdMarkupRe.ReplaceAllString(s, " ")
	s = gomoji.RemoveEmojis(s)
	s = strings.ToLower(s)
	s = foldDiacritics(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if mapped, ok := leetMap[r]; ok {
			b.WriteRune(mapped)
			continue
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '@':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// foldDiacritics decomposes unicode and drops combining marks, i.e. "héllo" -> "hello"
func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	res, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return res
}

// collapseRepeats shrinks runs of the same letter to a single one, "ciaooo" -> "ciao".
// used to match stretched words against the lexicon.
func collapseRepeats(word string) string {
	var b strings.Builder
	b.Grow(len(word))
	var prev rune = -1
	for _, r := range word {
		if r == prev {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

// nonLatinRatio returns the share of non-latin letters among all letters in the text.
// non-letters are ignored, no letters at all gives 0.
func nonLatinRatio(text string) float64 {
	letters, nonLatin := 0, 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if !unicode.Is(unicode.Latin, r) {
			nonLatin++
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(nonLatin) / float64(letters)
}
