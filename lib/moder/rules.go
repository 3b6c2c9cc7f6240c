package moder

import (
	"fmt"
	"regexp"
	"strings"
)

// RuleConfig is a set of parameters for RuleFilter.
type RuleConfig struct {
	BannedPhrases  []string // substring match on lowercased text
	Whitelist      []string // substring match on normalized text, overrides everything
	MaskedPatterns []string // regexps matched against normalized text
	InviteActions  []string // "join", "write me" style invitation vocabulary
	OfferedItems   []string // "income", "crypto" style material-offer vocabulary
	PaymentWords   []string // payment vocabulary, disables the legit-invite exception
	StudyWords     []string // study-group vocabulary for the legit-invite exception
	NonLatinRatio  float64  // max share of non-latin letters, 0 disables the check
}

// MatchResult is an outcome of a single rule filter pass.
type MatchResult struct {
	Banned bool
	Reason string // first fired branch, for logs and decision records
}

// RuleFilter matches messages against configured banned phrases, masked-spam patterns
// and lexical classes. Safe for concurrent use, the rule set is immutable after creation.
type RuleFilter struct {
	banned      []string
	whitelist   []string
	masked      []*regexp.Regexp
	inviteRe    *regexp.Regexp
	invites     []string
	offers      []string
	payments    []string
	study       []string
	nonLatinMax float64
}

// invite/link pattern: room links, generic urls and @handle mentions
var inviteLinkRe = regexp.MustCompile(`(?i)(t\.me/|joinchat|https?://|www\.|@[a-z0-9_]{4,})`)

// NewRuleFilter creates a RuleFilter from the config, compiling masked-spam patterns.
func NewRuleFilter(cfg RuleConfig) (*RuleFilter, error) {
	res := &RuleFilter{
		banned:      lowerAll(cfg.BannedPhrases),
		whitelist:   lowerAll(cfg.Whitelist),
		inviteRe:    inviteLinkRe,
		invites:     lowerAll(cfg.InviteActions),
		offers:      lowerAll(cfg.OfferedItems),
		payments:    lowerAll(cfg.PaymentWords),
		study:       lowerAll(cfg.StudyWords),
		nonLatinMax: cfg.NonLatinRatio,
	}
	for _, p := range cfg.MaskedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("can't compile masked pattern %q: %w", p, err)
		}
		res.masked = append(res.masked, re)
	}
	return res, nil
}

// Match checks the text against all rule branches. The boolean result is a pure disjunction,
// the reason names the first branch that fired: banned phrase, invite combo, masked pattern,
// non-latin ratio.
func (f *RuleFilter) Match(text string) MatchResult {
	lower := strings.ToLower(text)
	normalized := Normalize(text)

	for _, phrase := range f.banned {
		if phrase != "" && strings.Contains(lower, phrase) {
			return MatchResult{Banned: true, Reason: fmt.Sprintf("banned phrase %q", phrase)}
		}
	}

	if f.inviteRe.MatchString(text) && containsAny(normalized, f.offers) && containsAny(normalized, f.invites) {
		if !f.legitInvite(normalized) {
			return MatchResult{Banned: true, Reason: "invite link with material offer"}
		}
	}

	for _, re := range f.masked {
		if re.MatchString(normalized) {
			return MatchResult{Banned: true, Reason: fmt.Sprintf("masked pattern %q", re.String())}
		}
	}

	if f.nonLatinMax > 0 {
		if ratio := nonLatinRatio(text); ratio > f.nonLatinMax {
			return MatchResult{Banned: true, Reason: fmt.Sprintf("non-latin ratio %.2f over %.2f", ratio, f.nonLatinMax)}
		}
	}

	return MatchResult{}
}

// ContainsBannedContent reports if any rule branch fires for the text.
func (f *RuleFilter) ContainsBannedContent(text string) bool { return f.Match(text).Banned }

// ContainsWhitelistWord reports if the normalized text contains any whitelist phrase.
// A whitelist hit short-circuits all other filtering in the pipeline.
func (f *RuleFilter) ContainsWhitelistWord(text string) bool {
	normalized := Normalize(text)
	for _, w := range f.whitelist {
		if w != "" && strings.Contains(normalized, w) {
			return true
		}
	}
	return false
}

// legitInvite recognizes study-group style invitations without any payment vocabulary.
// these are common enough in real groups to warrant an exception from the invite combo rule.
func (f *RuleFilter) legitInvite(normalized string) bool {
	return containsAny(normalized, f.study) && !containsAny(normalized, f.payments)
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if w != "" && strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	res := make([]string, 0, len(in))
	for _, s := range in {
		res = append(res, strings.ToLower(s))
	}
	return res
}
