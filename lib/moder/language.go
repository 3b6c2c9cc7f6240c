package moder

import (
	"strings"
	"unicode"

	"github.com/abadojack/whatlanggo"
)

// DetectFunc is an external statistical language detector. It returns the detected
// language code and whether the detection is confident enough to act on.
type DetectFunc func(text string) (lang string, confident bool)

// LangConfig is a set of parameters for LanguageGate.
type LangConfig struct {
	Lexicon          []string // allow-listed words of the admissible languages
	SuffixPatterns   []string // characteristic suffix families of the admissible languages
	ForeignStopWords []string // closed list of a specific disallowed language's common words
	AllowedLangs     []string // language codes admissible per the external detector
	NonLatinRatio    float64  // share of non-latin letters to disallow outright
	MinDetectLen     int      // minimum alphabetic length to bother the external detector
	LexiconHitRatio  float64  // lexicon-hit share among tokens that overrides the detector
	Detect           DetectFunc
}

// LanguageGate decides whether a message's language is admissible. The ladder is
// deliberately permissive: every ambiguous step resolves to allowed, and lexicon
// evidence overrides the statistical detector. Safe for concurrent use.
type LanguageGate struct {
	lexicon      map[string]struct{}
	suffixes     []string
	foreignStops map[string]struct{}
	allowed      map[string]struct{}
	nonLatinMax  float64
	minDetectLen int
	hitRatio     float64
	detect       DetectFunc
}

// NewLanguageGate creates a LanguageGate from the config. Missing detector falls back
// to the built-in statistical one, zero thresholds get working defaults.
func NewLanguageGate(cfg LangConfig) *LanguageGate {
	res := &LanguageGate{
		lexicon:      toSet(cfg.Lexicon),
		suffixes:     lowerAll(cfg.SuffixPatterns),
		foreignStops: toSet(cfg.ForeignStopWords),
		allowed:      toSet(cfg.AllowedLangs),
		nonLatinMax:  cfg.NonLatinRatio,
		minDetectLen: cfg.MinDetectLen,
		hitRatio:     cfg.LexiconHitRatio,
		detect:       cfg.Detect,
	}
	if res.nonLatinMax == 0 {
		res.nonLatinMax = 0.3
	}
	if res.minDetectLen == 0 {
		res.minDetectLen = 20
	}
	if res.hitRatio == 0 {
		res.hitRatio = 0.34
	}
	if res.detect == nil {
		res.detect = WhatlangDetector()
	}
	return res
}

// Disallowed reports if the message's language is not admissible.
func (g *LanguageGate) Disallowed(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}

	tokens := strings.Fields(Normalize(text))

	// any lexicon word, directly or with stretched letters collapsed, proves the language
	for _, tok := range tokens {
		if _, ok := g.lexicon[tok]; ok {
			return false
		}
		if _, ok := g.lexicon[collapseRepeats(tok)]; ok {
			return false
		}
	}

	// characteristic suffix families of the admissible languages
	for _, tok := range tokens {
		for _, sfx := range g.suffixes {
			if sfx != "" && len(tok) > len(sfx) && strings.HasSuffix(tok, sfx) {
				return false
			}
		}
	}

	if nonLatinRatio(text) > g.nonLatinMax {
		return true
	}

	// short message made entirely of a known foreign language's common words
	if len(tokens) >= 2 && len(tokens) <= 10 && len(g.foreignStops) > 0 {
		all := true
		for _, tok := range tokens {
			if _, ok := g.foreignStops[tok]; !ok {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}

	if alphaLen(text) >= g.minDetectLen {
		lang, confident := g.detect(text)
		if confident {
			if _, ok := g.allowed[lang]; !ok {
				// lexicon evidence beats the detector on short or mixed text
				if g.lexiconHits(tokens) < g.hitRatio {
					return true
				}
			}
		}
	}

	return false
}

// lexiconHits returns the share of tokens found in the lexicon
func (g *LanguageGate) lexiconHits(tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	hits := 0
	for _, tok := range tokens {
		if _, ok := g.lexicon[tok]; ok {
			hits++
			continue
		}
		if _, ok := g.lexicon[collapseRepeats(tok)]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(tokens))
}

// WhatlangDetector adapts the whatlanggo statistical detector to DetectFunc.
func WhatlangDetector() DetectFunc {
	return func(text string) (string, bool) {
		info := whatlanggo.Detect(text)
		return info.Lang.Iso6391(), info.IsReliable()
	}
}

func alphaLen(text string) int {
	count := 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			count++
		}
	}
	return count
}

func toSet(words []string) map[string]struct{} {
	res := make(map[string]struct{}, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			res[w] = struct{}{}
		}
	}
	return res
}
