package bot

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/forPelevin/gomoji"

	"tg-guard/lib/moder"
)

// BanStore is a subset of the ban storage the pipeline needs.
type BanStore interface {
	IsBanned(ctx context.Context, userID int64) bool
	Ban(ctx context.Context, userID int64, reason string) error
}

// RecordWriter persists the outcome of a single message evaluation.
type RecordWriter interface {
	AddRecord(ctx context.Context, msg Message, decision Decision) error
}

// CounterStore tracks per-user per-room message counts.
type CounterStore interface {
	IncrementAndGet(userID, roomID int64) int
	Count(userID, roomID int64) int
}

// PipelineParams defines thresholds and exemptions for the moderation ladder.
type PipelineParams struct {
	ExemptIDs         []int64
	ExemptNames       []string
	ShortMsgMaxLen    int           // messages at or below this rune length auto-approve
	NewUserThreshold  int           // counters at or below this value make rule hits bannable
	SafeWords         []string      // closed set of short replies approved without classification
	ClassifierTimeout time.Duration // per-call budget, local rules take over on expiry
}

// PipelineStats is a snapshot of processing totals.
type PipelineStats struct {
	Processed            int `json:"processed"`
	Approved             int `json:"approved"`
	Rejected             int `json:"rejected"`
	Banned               int `json:"banned"`
	RejectedByRule       int `json:"rejected_by_rule"`
	RejectedByLanguage   int `json:"rejected_by_language"`
	RejectedByClassifier int `json:"rejected_by_classifier"`
	RejectedCrossRoom    int `json:"rejected_cross_room"`
	ClassifierCalls      int `json:"classifier_calls"`
	CacheHits            int `json:"cache_hits"`
}

// Pipeline evaluates inbound messages in strict priority order and produces a Decision.
// All shared structures it touches are individually synchronized, so concurrent
// OnMessage calls are safe.
type Pipeline struct {
	PipelineParams

	rules      *moder.RuleFilter
	lang       *moder.LanguageGate
	analysis   *moder.AnalysisCache
	msgs       *moder.MessageCache
	crossRoom  *moder.CrossRoomDetector
	night      *NightMode
	classifier Classifier
	counters   CounterStore
	bans       BanStore
	records    RecordWriter

	exemptIDs   map[int64]struct{}
	exemptNames map[string]struct{}
	safeWords   map[string]struct{}

	stats PipelineStats
	mu    sync.Mutex
}

// NewPipeline creates a moderation pipeline with all collaborators wired in.
// The classifier may be nil, in which case the ladder ends with local rules only.
func NewPipeline(params PipelineParams, rules *moder.RuleFilter, lang *moder.LanguageGate,
	analysis *moder.AnalysisCache, msgs *moder.MessageCache, crossRoom *moder.CrossRoomDetector,
	night *NightMode, classifier Classifier, counters CounterStore, bans BanStore, records RecordWriter) *Pipeline {

	if params.ShortMsgMaxLen <= 0 {
		params.ShortMsgMaxLen = 4
	}
	if params.NewUserThreshold <= 0 {
		params.NewUserThreshold = 3
	}
	if params.ClassifierTimeout <= 0 {
		params.ClassifierTimeout = 30 * time.Second
	}
	if len(params.SafeWords) == 0 {
		params.SafeWords = []string{"ok", "yes", "no", "thanks", "thank you", "hi", "hello", "bye", "good", "nice", "cool", "sure"}
	}

	p := &Pipeline{
		PipelineParams: params,
		rules:          rules,
		lang:           lang,
		analysis:       analysis,
		msgs:           msgs,
		crossRoom:      crossRoom,
		night:          night,
		classifier:     classifier,
		counters:       counters,
		bans:           bans,
		records:        records,
		exemptIDs:      make(map[int64]struct{}, len(params.ExemptIDs)),
		exemptNames:    make(map[string]struct{}, len(params.ExemptNames)),
		safeWords:      make(map[string]struct{}, len(params.SafeWords)),
	}
	for _, id := range params.ExemptIDs {
		p.exemptIDs[id] = struct{}{}
	}
	for _, name := range params.ExemptNames {
		p.exemptNames[strings.ToLower(name)] = struct{}{}
	}
	for _, w := range params.SafeWords {
		p.safeWords[strings.ToLower(w)] = struct{}{}
	}
	return p
}

// OnMessage runs the full decision ladder for one message. The first matching
// terminal rule wins; nothing after a terminal match is evaluated. Exactly one
// record is persisted per message regardless of the branch taken.
func (p *Pipeline) OnMessage(ctx context.Context, msg Message) Decision {
	p.mu.Lock()
	p.stats.Processed++
	p.mu.Unlock()

	// exempt users bypass everything
	if p.exempt(msg) {
		return p.finish(ctx, msg, Decision{Approved: true, Reason: "auto-approved: admin"})
	}

	if p.bans.IsBanned(ctx, msg.UserID) {
		return p.finish(ctx, msg, Decision{Reason: "already banned", DeleteRequested: true})
	}

	if p.night != nil && p.night.Restricted(msg.RoomID, msg.Sent) {
		return p.finish(ctx, msg, Decision{Reason: "night mode restriction", DeleteRequested: true})
	}

	// edits re-evaluate content but never advance the counter or enter the
	// duplicate-tracking windows
	count := 0
	if msg.IsEdit {
		count = p.counters.Count(msg.UserID, msg.RoomID)
	} else {
		count = p.counters.IncrementAndGet(msg.UserID, msg.RoomID)
		p.msgs.Add(msg.RoomID, msg.UserID, msg.MsgID, msg.Text, msg.Sent)
	}

	if len([]rune(msg.Text)) <= p.ShortMsgMaxLen {
		return p.finish(ctx, msg, Decision{Approved: true, Reason: "auto-approved: short"})
	}

	if p.ruleFilter().ContainsWhitelistWord(msg.Text) {
		return p.finish(ctx, msg, Decision{Approved: true, Reason: "auto-approved: whitelist"})
	}

	ruleMatch := p.ruleFilter().Match(msg.Text)

	if !msg.IsEdit {
		suspicious, rooms, maxSim := p.crossRoom.Add(msg.UserID, msg.Text, msg.RoomID)
		if suspicious && p.confirmSpam(ctx, msg.Text, ruleMatch) {
			log.Printf("[INFO] cross-room spam from %s (%d): %d rooms, similarity %.2f",
				DisplayName(msg), msg.UserID, len(rooms), maxSim)
			p.mu.Lock()
			p.stats.RejectedCrossRoom++
			p.mu.Unlock()
			return p.finish(ctx, msg, Decision{
				Reason:          fmt.Sprintf("cross-room spam in %d rooms", len(rooms)),
				BanTriggered:    true,
				DeleteRequested: true,
				SpamRooms:       rooms,
				DeleteAlso:      p.cachedRefs(msg, rooms),
			})
		}
	}

	if ruleMatch.Banned {
		p.mu.Lock()
		p.stats.RejectedByRule++
		p.mu.Unlock()
		decision := Decision{Reason: ruleMatch.Reason, DeleteRequested: true}
		if msg.IsEdit {
			decision.BanTriggered = true
			decision.Reason += ", edited message"
		} else if count <= p.NewUserThreshold {
			decision.BanTriggered = true
			decision.Reason += fmt.Sprintf(", first messages (%d)", count)
		}
		return p.finish(ctx, msg, decision)
	}

	if p.langGate().Disallowed(msg.Text) {
		p.mu.Lock()
		p.stats.RejectedByLanguage++
		p.mu.Unlock()
		decision := Decision{Reason: "disallowed language", DeleteRequested: true}
		if msg.IsEdit {
			decision.BanTriggered = true
			decision.Reason += ", edited message"
		}
		return p.finish(ctx, msg, decision)
	}

	if p.safeMessage(msg.Text) {
		return p.finish(ctx, msg, Decision{Approved: true, Reason: "auto-approved: safe pattern"})
	}

	return p.finish(ctx, msg, p.classify(ctx, msg, count))
}

// UpdateFilters swaps the rule filter and language gate, used on config hot reload.
// Nil arguments keep the current instance.
func (p *Pipeline) UpdateFilters(rules *moder.RuleFilter, lang *moder.LanguageGate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rules != nil {
		p.rules = rules
	}
	if lang != nil {
		p.lang = lang
	}
}

func (p *Pipeline) ruleFilter() *moder.RuleFilter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rules
}

func (p *Pipeline) langGate() *moder.LanguageGate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lang
}

// Stats returns a copy of the current processing totals.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// classify consults the external classifier through the analysis cache. On a
// cache miss the call is bounded by ClassifierTimeout, and any failure falls
// back to the local rules already evaluated, i.e. approve.
func (p *Pipeline) classify(ctx context.Context, msg Message, count int) Decision {
	if p.classifier == nil {
		return Decision{Approved: true, Reason: "approved: local rules only"}
	}

	result, ok := p.analysis.Get(msg.Text)
	if ok {
		p.mu.Lock()
		p.stats.CacheHits++
		p.mu.Unlock()
	} else {
		p.mu.Lock()
		p.stats.ClassifierCalls++
		p.mu.Unlock()

		callCtx, cancel := context.WithTimeout(ctx, p.ClassifierTimeout)
		defer cancel()
		res, err := p.classifier.Classify(callCtx, msg.Text)
		if err != nil {
			log.Printf("[WARN] classifier failed for %s (%d), local rules take over: %v", DisplayName(msg), msg.UserID, err)
			return Decision{Approved: true, Reason: "approved: classifier unavailable"}
		}
		result = res
		p.analysis.Set(msg.Text, result)
	}

	if result.Inappropriate {
		p.mu.Lock()
		p.stats.RejectedByClassifier++
		p.mu.Unlock()
		decision := Decision{Reason: "inappropriate content", DeleteRequested: true}
		if msg.IsEdit {
			decision.BanTriggered = true
			decision.Reason += ", edited message"
		} else if count <= p.NewUserThreshold {
			decision.BanTriggered = true
			decision.Reason += fmt.Sprintf(", first messages (%d)", count)
		}
		return decision
	}
	if result.DisallowedLanguage {
		p.mu.Lock()
		p.stats.RejectedByClassifier++
		p.mu.Unlock()
		decision := Decision{Reason: "disallowed language", DeleteRequested: true}
		if msg.IsEdit {
			decision.BanTriggered = true
			decision.Reason += ", edited message"
		}
		return decision
	}
	return Decision{Approved: true, IsQuestion: result.IsQuestion, Reason: "approved"}
}

// confirmSpam requires independent confirmation of inappropriate content before a
// cross-room suspicion turns into a ban. Benign cross-posting stays untouched.
func (p *Pipeline) confirmSpam(ctx context.Context, text string, ruleMatch moder.MatchResult) bool {
	if ruleMatch.Banned {
		return true
	}
	if p.classifier == nil {
		return false
	}
	if result, ok := p.analysis.Get(text); ok {
		return result.Inappropriate
	}
	callCtx, cancel := context.WithTimeout(ctx, p.ClassifierTimeout)
	defer cancel()
	result, err := p.classifier.Classify(callCtx, text)
	if err != nil {
		log.Printf("[WARN] classifier failed on spam confirmation: %v", err)
		return false
	}
	p.analysis.Set(text, result)

	p.mu.Lock()
	p.stats.ClassifierCalls++
	p.mu.Unlock()
	return result.Inappropriate
}

// cachedRefs collects references to the user's recent messages in the involved
// rooms so the caller can clean them up, skipping the message being processed.
func (p *Pipeline) cachedRefs(msg Message, rooms []int64) []MsgRef {
	var refs []MsgRef
	for _, room := range rooms {
		for _, cached := range p.msgs.Recent(room, msg.UserID) {
			if room == msg.RoomID && cached.ID == msg.MsgID {
				continue
			}
			refs = append(refs, MsgRef{RoomID: room, MsgID: cached.ID})
		}
	}
	return refs
}

func (p *Pipeline) exempt(msg Message) bool {
	if _, ok := p.exemptIDs[msg.UserID]; ok {
		return true
	}
	_, ok := p.exemptNames[strings.ToLower(msg.UserName)]
	return ok
}

// safeMessage reports if the text qualifies for the conservative allow-pattern,
// numeric-only, emoji-only, or a known short reply.
func (p *Pipeline) safeMessage(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	if _, ok := p.safeWords[strings.ToLower(trimmed)]; ok {
		return true
	}

	numeric, hasDigit := true, false
	for _, r := range trimmed {
		if unicode.IsDigit(r) {
			hasDigit = true
			continue
		}
		if unicode.IsSpace(r) || strings.ContainsRune(".,+-%", r) {
			continue
		}
		numeric = false
		break
	}
	if numeric && hasDigit {
		return true
	}

	return strings.TrimSpace(gomoji.RemoveEmojis(trimmed)) == ""
}

// finish updates stats, applies the ban side effect to storage and persists the
// record. Physical transport side effects belong to the listener, not here.
func (p *Pipeline) finish(ctx context.Context, msg Message, decision Decision) Decision {
	p.mu.Lock()
	if decision.Approved {
		p.stats.Approved++
	} else {
		p.stats.Rejected++
	}
	if decision.BanTriggered {
		p.stats.Banned++
	}
	p.mu.Unlock()

	if decision.BanTriggered {
		if err := p.bans.Ban(ctx, msg.UserID, decision.Reason); err != nil {
			log.Printf("[WARN] can't persist ban for %d: %v", msg.UserID, err)
		}
	}

	if err := p.records.AddRecord(ctx, msg, decision); err != nil {
		log.Printf("[WARN] can't persist record for message %d in room %d: %v", msg.MsgID, msg.RoomID, err)
	}

	if !decision.Approved {
		log.Printf("[INFO] rejected message %d from %s (%d) in room %d: %s",
			msg.MsgID, DisplayName(msg), msg.UserID, msg.RoomID, decision.Reason)
	}
	return decision
}
