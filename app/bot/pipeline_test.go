package bot

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg-guard/lib/moder"
)

type fakeBans struct {
	banned  map[int64]bool
	reasons map[int64]string
	mu      sync.Mutex
}

func (f *fakeBans) IsBanned(_ context.Context, userID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banned[userID]
}

func (f *fakeBans) Ban(_ context.Context, userID int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banned[userID] = true
	f.reasons[userID] = reason
	return nil
}

type fakeCounters struct {
	counts map[string]int
	mu     sync.Mutex
}

func (f *fakeCounters) key(userID, roomID int64) string { return fmt.Sprintf("%d:%d", userID, roomID) }

func (f *fakeCounters) IncrementAndGet(userID, roomID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[f.key(userID, roomID)]++
	return f.counts[f.key(userID, roomID)]
}

func (f *fakeCounters) Count(userID, roomID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[f.key(userID, roomID)]
}

type recordedMsg struct {
	msg      Message
	decision Decision
}

type fakeRecords struct {
	records []recordedMsg
	mu      sync.Mutex
}

func (f *fakeRecords) AddRecord(_ context.Context, msg Message, decision Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recordedMsg{msg, decision})
	return nil
}

func (f *fakeRecords) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeClassifier struct {
	res   moder.AnalysisResult
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fakeClassifier) Classify(_ context.Context, _ string) (moder.AnalysisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.res, f.err
}

func (f *fakeClassifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type pipeFixture struct {
	pipeline   *Pipeline
	bans       *fakeBans
	counters   *fakeCounters
	records    *fakeRecords
	classifier *fakeClassifier
	night      *NightMode
	transport  *fakeRoomControl
}

func newTestPipeline(t *testing.T, detectLang string) *pipeFixture {
	rules, err := moder.NewRuleFilter(moder.RuleConfig{
		BannedPhrases: []string{"buy crypto now"},
		Whitelist:     []string{"homework help"},
		NonLatinRatio: 0.5,
	})
	require.NoError(t, err)

	lang := moder.NewLanguageGate(moder.LangConfig{
		AllowedLangs: []string{"en"},
		MinDetectLen: 5,
		Detect:       func(string) (string, bool) { return detectLang, true },
	})

	transport := newFakeRoomControl()
	night := NewNightMode(NightModeConfig{Rooms: []int64{1, 2}, Grace: time.Minute}, transport)

	f := &pipeFixture{
		bans:       &fakeBans{banned: map[int64]bool{}, reasons: map[int64]string{}},
		counters:   &fakeCounters{counts: map[string]int{}},
		records:    &fakeRecords{},
		classifier: &fakeClassifier{},
		night:      night,
		transport:  transport,
	}
	f.pipeline = NewPipeline(
		PipelineParams{ShortMsgMaxLen: 4, NewUserThreshold: 3, ClassifierTimeout: time.Second},
		rules, lang, moder.NewAnalysisCache(100), moder.NewMessageCache(time.Hour),
		moder.NewCrossRoomDetector(2*time.Hour, 2, 0.85),
		night, f.classifier, f.counters, f.bans, f.records,
	)
	return f
}

func msgIn(roomID int64, msgID int, text string) Message {
	return Message{RoomID: roomID, UserID: 5, UserName: "joe", MsgID: msgID, Text: text, Sent: time.Now()}
}

func TestPipeline_ShortMessageApproved(t *testing.T) {
	f := newTestPipeline(t, "en")
	d := f.pipeline.OnMessage(context.Background(), msgIn(1, 10, "ciao"))
	assert.True(t, d.Approved)
	assert.Equal(t, "auto-approved: short", d.Reason)
	assert.Equal(t, 0, f.classifier.callCount())
	assert.Equal(t, 1, f.records.count())
}

func TestPipeline_BannedPhraseFirstMessage(t *testing.T) {
	f := newTestPipeline(t, "en")
	d := f.pipeline.OnMessage(context.Background(), msgIn(1, 10, "hey all, buy crypto now and win big"))
	assert.False(t, d.Approved)
	assert.True(t, d.BanTriggered)
	assert.True(t, d.DeleteRequested)
	assert.Contains(t, d.Reason, "banned phrase")
	assert.Contains(t, d.Reason, "first messages")
	assert.True(t, f.bans.banned[5], "ban persisted to storage")
}

func TestPipeline_BannedPhraseEstablishedUser(t *testing.T) {
	f := newTestPipeline(t, "en")
	f.counters.counts["5:1"] = 10

	d := f.pipeline.OnMessage(context.Background(), msgIn(1, 10, "hey all, buy crypto now and win big"))
	assert.False(t, d.Approved)
	assert.False(t, d.BanTriggered, "established user rejected but not banned")
	assert.True(t, d.DeleteRequested)
}

func TestPipeline_AlreadyBanned(t *testing.T) {
	f := newTestPipeline(t, "en")
	f.bans.banned[5] = true

	d := f.pipeline.OnMessage(context.Background(), msgIn(1, 10, "perfectly fine message about weather"))
	assert.False(t, d.Approved)
	assert.True(t, d.DeleteRequested)
	assert.Equal(t, "already banned", d.Reason)
	assert.Equal(t, 0, f.classifier.callCount(), "no classifier call for a banned user")
	assert.Equal(t, 0, f.counters.Count(5, 1), "banned user's counter untouched")
	assert.Equal(t, 1, f.records.count())
}

func TestPipeline_CrossRoomSpam(t *testing.T) {
	f := newTestPipeline(t, "en")
	f.counters.counts["5:1"] = 10 // established user, the first rule hit rejects without banning
	f.counters.counts["5:2"] = 10

	d1 := f.pipeline.OnMessage(context.Background(), msgIn(1, 10, "hey all, buy crypto now and win big"))
	assert.False(t, d1.Approved)
	assert.False(t, d1.BanTriggered)

	d2 := f.pipeline.OnMessage(context.Background(), msgIn(2, 20, "hey all, buy crypto now and win big!"))
	assert.False(t, d2.Approved)
	assert.True(t, d2.BanTriggered)
	assert.Contains(t, d2.Reason, "cross-room spam")
	assert.Equal(t, []int64{1, 2}, d2.SpamRooms)
	require.Len(t, d2.DeleteAlso, 1, "cached duplicate from the other room")
	assert.Equal(t, MsgRef{RoomID: 1, MsgID: 10}, d2.DeleteAlso[0])
}

func TestPipeline_CrossRoomBenignNotBanned(t *testing.T) {
	f := newTestPipeline(t, "en")
	text := "selling my old bicycle, pick up downtown this weekend"

	d1 := f.pipeline.OnMessage(context.Background(), msgIn(1, 10, text))
	assert.True(t, d1.Approved)

	d2 := f.pipeline.OnMessage(context.Background(), msgIn(2, 20, text))
	assert.True(t, d2.Approved, "benign cross-posting without confirmed content stays approved")
	assert.False(t, d2.BanTriggered)
}

func TestPipeline_Whitelist(t *testing.T) {
	f := newTestPipeline(t, "en")
	d := f.pipeline.OnMessage(context.Background(), msgIn(1, 10, "anyone up for homework help tonight? buy crypto now"))
	assert.True(t, d.Approved, "whitelist outranks banned phrases")
	assert.Equal(t, "auto-approved: whitelist", d.Reason)
}

func TestPipeline_NightMode(t *testing.T) {
	f := newTestPipeline(t, "en")
	require.NoError(t, f.night.ActivateAll(context.Background()))

	msg := msgIn(1, 10, "good evening everyone, how are you doing")
	d := f.pipeline.OnMessage(context.Background(), msg)
	assert.True(t, d.Approved, "within grace period the message is tolerated")

	msg.Sent = time.Now().Add(2 * time.Minute)
	msg.MsgID = 11
	d = f.pipeline.OnMessage(context.Background(), msg)
	assert.False(t, d.Approved)
	assert.Equal(t, "night mode restriction", d.Reason)
	assert.True(t, d.DeleteRequested)

	require.NoError(t, f.night.DeactivateAll(context.Background()))
	msg.MsgID = 12
	d = f.pipeline.OnMessage(context.Background(), msg)
	assert.True(t, d.Approved, "posting restored after deactivation")
}

func TestPipeline_EditedMessageBansOnRuleHit(t *testing.T) {
	f := newTestPipeline(t, "en")
	f.counters.counts["5:1"] = 50

	msg := msgIn(1, 10, "hey all, buy crypto now and win big")
	msg.IsEdit = true
	d := f.pipeline.OnMessage(context.Background(), msg)
	assert.False(t, d.Approved)
	assert.True(t, d.BanTriggered, "edits ban regardless of the counter")
	assert.Contains(t, d.Reason, "edited message")
	assert.Equal(t, 50, f.counters.Count(5, 1), "edits don't advance the counter")
}

func TestPipeline_DisallowedLanguage(t *testing.T) {
	f := newTestPipeline(t, "ru")
	d := f.pipeline.OnMessage(context.Background(), msgIn(1, 10, "privet kak dela segodnya"))
	assert.False(t, d.Approved)
	assert.Equal(t, "disallowed language", d.Reason)
	assert.False(t, d.BanTriggered, "language alone never bans a new message")

	msg := msgIn(1, 11, "privet kak dela segodnya")
	msg.IsEdit = true
	d = f.pipeline.OnMessage(context.Background(), msg)
	assert.False(t, d.Approved)
	assert.True(t, d.BanTriggered, "edited message with disallowed language bans")
}

func TestPipeline_SafePatterns(t *testing.T) {
	f := newTestPipeline(t, "en")

	tbl := []struct {
		text string
	}{
		{"12345"},
		{"100.50 + 20%"},
		{"👍👍👍👍👍👍"},
		{"thanks"},
	}
	for _, tt := range tbl {
		t.Run(tt.text, func(t *testing.T) {
			d := f.pipeline.OnMessage(context.Background(), msgIn(1, 10, tt.text))
			assert.True(t, d.Approved)
			assert.Equal(t, "auto-approved: safe pattern", d.Reason)
		})
	}
	assert.Equal(t, 0, f.classifier.callCount(), "safe patterns never reach the classifier")
}

func TestPipeline_ClassifierVerdicts(t *testing.T) {
	text := "some long enough message that reaches the classifier stage"

	t.Run("inappropriate bans new user", func(t *testing.T) {
		f := newTestPipeline(t, "en")
		f.classifier.res = moder.AnalysisResult{Inappropriate: true}
		d := f.pipeline.OnMessage(context.Background(), msgIn(1, 10, text))
		assert.False(t, d.Approved)
		assert.True(t, d.BanTriggered)
		assert.Contains(t, d.Reason, "inappropriate content")
	})

	t.Run("inappropriate rejects established user without ban", func(t *testing.T) {
		f := newTestPipeline(t, "en")
		f.classifier.res = moder.AnalysisResult{Inappropriate: true}
		f.counters.counts["5:1"] = 10
		d := f.pipeline.OnMessage(context.Background(), msgIn(1, 10, text))
		assert.False(t, d.Approved)
		assert.False(t, d.BanTriggered)
	})

	t.Run("question flag passes through", func(t *testing.T) {
		f := newTestPipeline(t, "en")
		f.classifier.res = moder.AnalysisResult{IsQuestion: true}
		d := f.pipeline.OnMessage(context.Background(), msgIn(1, 10, text))
		assert.True(t, d.Approved)
		assert.True(t, d.IsQuestion)
	})

	t.Run("error falls back to local approval", func(t *testing.T) {
		f := newTestPipeline(t, "en")
		f.classifier.err = assert.AnError
		d := f.pipeline.OnMessage(context.Background(), msgIn(1, 10, text))
		assert.True(t, d.Approved)
		assert.Equal(t, "approved: classifier unavailable", d.Reason)
	})
}

func TestPipeline_AnalysisCacheHit(t *testing.T) {
	f := newTestPipeline(t, "en")
	text := "some long enough message that reaches the classifier stage"

	f.pipeline.OnMessage(context.Background(), msgIn(1, 10, text))
	f.pipeline.OnMessage(context.Background(), msgIn(1, 11, text))
	assert.Equal(t, 1, f.classifier.callCount(), "second identical text served from cache")

	stats := f.pipeline.Stats()
	assert.Equal(t, 1, stats.CacheHits)
	assert.Equal(t, 1, stats.ClassifierCalls)
}

func TestPipeline_ExemptUser(t *testing.T) {
	f := newTestPipeline(t, "en")
	f.pipeline.exemptIDs[5] = struct{}{}

	d := f.pipeline.OnMessage(context.Background(), msgIn(1, 10, "hey all, buy crypto now and win big"))
	assert.True(t, d.Approved)
	assert.Equal(t, "auto-approved: admin", d.Reason)
}

func TestPipeline_RecordPerMessage(t *testing.T) {
	f := newTestPipeline(t, "en")
	spammer := msgIn(1, 11, "hey all, buy crypto now and win big")
	spammer.UserID = 6

	f.pipeline.OnMessage(context.Background(), msgIn(1, 10, "ciao"))
	f.pipeline.OnMessage(context.Background(), spammer)
	f.pipeline.OnMessage(context.Background(), msgIn(1, 12, "another regular message for the classifier"))
	assert.Equal(t, 3, f.records.count(), "exactly one record per message")

	stats := f.pipeline.Stats()
	assert.Equal(t, 3, stats.Processed)
	assert.Equal(t, 2, stats.Approved)
	assert.Equal(t, 1, stats.Rejected)
	assert.Equal(t, 1, stats.RejectedByRule)
	assert.Equal(t, 1, stats.Banned)
}
