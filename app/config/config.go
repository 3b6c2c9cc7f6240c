// Package config provides the typed application configuration with yaml loading,
// validation and hot reload. The active settings are swapped atomically as a whole,
// readers always observe a consistent snapshot.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings represents the application configuration independent of source.
type Settings struct {
	InstanceID string `json:"instance_id" yaml:"instance_id"`

	Moderation ModerationSettings `json:"moderation" yaml:"moderation"`
	Language   LanguageSettings   `json:"language" yaml:"language"`
	Spam       SpamSettings       `json:"spam" yaml:"spam"`
	Cache      CacheSettings      `json:"cache" yaml:"cache"`
	Counters   CountersSettings   `json:"counters" yaml:"counters"`
	NightMode  NightModeSettings  `json:"night_mode" yaml:"night_mode"`
	OpenAI     OpenAISettings     `json:"openai" yaml:"openai"`
	Logger     LoggerSettings     `json:"logger" yaml:"logger"`
}

// ModerationSettings controls the rule filter and the pipeline thresholds.
type ModerationSettings struct {
	BannedPhrases    []string `json:"banned_phrases" yaml:"banned_phrases"`
	Whitelist        []string `json:"whitelist" yaml:"whitelist"`
	MaskedPatterns   []string `json:"masked_patterns" yaml:"masked_patterns"`
	InviteActions    []string `json:"invite_actions" yaml:"invite_actions"`
	OfferedItems     []string `json:"offered_items" yaml:"offered_items"`
	PaymentWords     []string `json:"payment_words" yaml:"payment_words"`
	StudyWords       []string `json:"study_words" yaml:"study_words"`
	NonLatinRatio    float64  `json:"non_latin_ratio" yaml:"non_latin_ratio"`
	ShortMsgMaxLen   int      `json:"short_msg_max_len" yaml:"short_msg_max_len"`
	NewUserThreshold int      `json:"new_user_threshold" yaml:"new_user_threshold"`
	SafeWords        []string `json:"safe_words" yaml:"safe_words"`
	ExemptIDs        []int64  `json:"exempt_ids" yaml:"exempt_ids"`
	ExemptNames      []string `json:"exempt_names" yaml:"exempt_names"`
	RejectNotice     string   `json:"reject_notice" yaml:"reject_notice"`
}

// LanguageSettings controls the language admissibility gate.
type LanguageSettings struct {
	Lexicon          []string `json:"lexicon" yaml:"lexicon"`
	SuffixPatterns   []string `json:"suffix_patterns" yaml:"suffix_patterns"`
	ForeignStopWords []string `json:"foreign_stop_words" yaml:"foreign_stop_words"`
	AllowedLangs     []string `json:"allowed_langs" yaml:"allowed_langs"`
	NonLatinRatio    float64  `json:"non_latin_ratio" yaml:"non_latin_ratio"`
	MinDetectLen     int      `json:"min_detect_len" yaml:"min_detect_len"`
	LexiconHitRatio  float64  `json:"lexicon_hit_ratio" yaml:"lexicon_hit_ratio"`
}

// SpamSettings controls the cross-room detector.
type SpamSettings struct {
	Window        time.Duration `json:"window" yaml:"window"`
	MinRooms      int           `json:"min_rooms" yaml:"min_rooms"`
	SimThreshold  float64       `json:"sim_threshold" yaml:"sim_threshold"`
	CleanupPeriod time.Duration `json:"cleanup_period" yaml:"cleanup_period"`
}

// CacheSettings bounds the in-memory caches.
type CacheSettings struct {
	AnalysisSize   int           `json:"analysis_size" yaml:"analysis_size"`
	MessageHorizon time.Duration `json:"message_horizon" yaml:"message_horizon"`
	BanTTL         time.Duration `json:"ban_ttl" yaml:"ban_ttl"`
}

// CountersSettings controls durable per-user counters.
type CountersSettings struct {
	File      string        `json:"file" yaml:"file"`
	SaveEvery int           `json:"save_every" yaml:"save_every"`
	Retention time.Duration `json:"retention" yaml:"retention"`
}

// NightModeSettings defines the quiet-hours schedule.
type NightModeSettings struct {
	Rooms  []int64       `json:"rooms" yaml:"rooms"`
	Start  string        `json:"start" yaml:"start"`
	End    string        `json:"end" yaml:"end"`
	Grace  time.Duration `json:"grace" yaml:"grace"`
	Notice string        `json:"notice" yaml:"notice"`
}

// OpenAISettings configures the external classifier.
type OpenAISettings struct {
	Token             string        `json:"token" yaml:"token"`
	Model             string        `json:"model" yaml:"model"`
	SystemPrompt      string        `json:"system_prompt" yaml:"system_prompt"`
	MaxTokensResponse int           `json:"max_tokens_response" yaml:"max_tokens_response"`
	MaxTokensRequest  int           `json:"max_tokens_request" yaml:"max_tokens_request"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
}

// LoggerSettings configures the decision audit log.
type LoggerSettings struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	FileName   string `json:"file_name" yaml:"file_name"`
	MaxSize    string `json:"max_size" yaml:"max_size"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
}

// Default returns settings with all hardcoded defaults applied.
func Default() Settings {
	return Settings{
		InstanceID: "tg-guard",
		Moderation: ModerationSettings{
			NonLatinRatio:    0.5,
			ShortMsgMaxLen:   4,
			NewUserThreshold: 3,
		},
		Language: LanguageSettings{
			AllowedLangs:    []string{"en"},
			NonLatinRatio:   0.3,
			MinDetectLen:    20,
			LexiconHitRatio: 0.34,
		},
		Spam: SpamSettings{
			Window:        2 * time.Hour,
			MinRooms:      2,
			SimThreshold:  0.85,
			CleanupPeriod: time.Minute,
		},
		Cache: CacheSettings{
			AnalysisSize:   1000,
			MessageHorizon: 2 * time.Hour,
			BanTTL:         time.Minute,
		},
		Counters: CountersSettings{
			File:      "var/counters.json",
			SaveEvery: 10,
			Retention: 30 * 24 * time.Hour,
		},
		NightMode: NightModeSettings{
			Grace:  2 * time.Minute,
			Notice: "quiet hours are in effect, posting is temporarily restricted",
		},
		OpenAI: OpenAISettings{
			Model:   "gpt-4o-mini",
			Timeout: 30 * time.Second,
		},
		Logger: LoggerSettings{
			FileName:   "var/decisions.log",
			MaxSize:    "100M",
			MaxBackups: 10,
		},
	}
}

// Load reads settings from a yaml file on top of the defaults. A missing or
// malformed file falls back to the defaults with a logged warning, never fails
// the startup.
func Load(file string) Settings {
	res := Default()
	if file == "" {
		return res
	}

	data, err := os.ReadFile(file) // nolint gosec // config file location is operator-controlled
	if err != nil {
		log.Printf("[WARN] can't read config %s, defaults used: %v", file, err)
		return Default()
	}
	if err := yaml.Unmarshal(data, &res); err != nil {
		log.Printf("[WARN] malformed config %s, defaults used: %v", file, err)
		return Default()
	}
	res.validate()
	return res
}

// validate normalizes out-of-range values back to defaults, logging each fix
func (s *Settings) validate() {
	def := Default()
	if s.Moderation.NonLatinRatio <= 0 || s.Moderation.NonLatinRatio > 1 {
		s.Moderation.NonLatinRatio = def.Moderation.NonLatinRatio
	}
	if s.Moderation.ShortMsgMaxLen <= 0 {
		s.Moderation.ShortMsgMaxLen = def.Moderation.ShortMsgMaxLen
	}
	if s.Moderation.NewUserThreshold <= 0 {
		s.Moderation.NewUserThreshold = def.Moderation.NewUserThreshold
	}
	if s.Spam.MinRooms < 2 {
		log.Printf("[WARN] spam.min_rooms %d below 2, default used", s.Spam.MinRooms)
		s.Spam.MinRooms = def.Spam.MinRooms
	}
	if s.Spam.SimThreshold <= 0 || s.Spam.SimThreshold > 1 {
		s.Spam.SimThreshold = def.Spam.SimThreshold
	}
	if s.Spam.Window <= 0 {
		s.Spam.Window = def.Spam.Window
	}
	if s.Cache.AnalysisSize <= 0 {
		s.Cache.AnalysisSize = def.Cache.AnalysisSize
	}
	if s.Cache.MessageHorizon <= 0 {
		s.Cache.MessageHorizon = def.Cache.MessageHorizon
	}
	if s.NightMode.Start != "" {
		if _, err := time.Parse("15:04", s.NightMode.Start); err != nil {
			log.Printf("[WARN] bad night_mode.start %q, schedule disabled", s.NightMode.Start)
			s.NightMode.Start, s.NightMode.End = "", ""
		}
	}
	if s.NightMode.End != "" {
		if _, err := time.Parse("15:04", s.NightMode.End); err != nil {
			log.Printf("[WARN] bad night_mode.end %q, schedule disabled", s.NightMode.End)
			s.NightMode.Start, s.NightMode.End = "", ""
		}
	}
}

// Manager holds the active settings and swaps them atomically on reload.
type Manager struct {
	file    string
	current atomic.Pointer[Settings]
}

// NewManager loads the initial settings from the file and returns the manager.
func NewManager(file string) *Manager {
	m := &Manager{file: file}
	settings := Load(file)
	m.current.Store(&settings)
	return m
}

// Get returns the current settings snapshot.
func (m *Manager) Get() Settings { return *m.current.Load() }

// Reload re-reads the config file and atomically swaps the active settings.
func (m *Manager) Reload() Settings {
	settings := Load(m.file)
	m.current.Store(&settings)
	log.Printf("[INFO] config reloaded from %s", m.file)
	return settings
}

// ConfigDir returns the directory holding the config file, for file watchers.
func (m *Manager) ConfigDir() (string, error) {
	if m.file == "" {
		return "", fmt.Errorf("no config file set")
	}
	abs, err := filepath.Abs(m.file)
	if err != nil {
		return "", fmt.Errorf("can't resolve config path %s: %w", m.file, err)
	}
	return filepath.Dir(abs), nil
}
