package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"github.com/sashabaranov/go-openai"
	"gopkg.in/natefinch/lumberjack.v2"

	"tg-guard/app/bot"
	"tg-guard/app/config"
	"tg-guard/app/events"
	"tg-guard/app/storage"
	"tg-guard/app/storage/engine"
	"tg-guard/lib/moder"
)

type options struct {
	Config string `short:"f" long:"config" env:"CONFIG" default:"tg-guard.yml" description:"config file location"`

	DB  string `long:"db" env:"DB" default:"var/tg-guard.db" description:"database, sqlite file or postgres connection string"`
	GID string `long:"gid" env:"GID" default:"default" description:"group id for the storage scope"`

	OpenAIToken string `long:"openai-token" env:"OPENAI_TOKEN" description:"openai token, classifier disabled if not set"`

	SchedulerInterval time.Duration `long:"scheduler-interval" env:"SCHEDULER_INTERVAL" default:"1m" description:"periodic maintenance interval"`

	Dry bool `long:"dry" env:"DRY" description:"dry mode, evaluate but skip side effects"`
	Dbg bool `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var revision = "local"

func main() {
	fmt.Printf("tg-guard %s\n", revision)
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		var flagsErr *flags.Error
		if !errors.As(err, &flagsErr) || flagsErr.Type != flags.ErrHelp {
			log.Printf("[ERROR] cli error: %v", err)
		}
		os.Exit(2)
	}

	setupLog(opts.Dbg, opts.OpenAIToken)
	log.Printf("[DEBUG] options: %+v", opts)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		// catch signal and invoke graceful termination
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	if err := execute(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, opts options) error {
	if opts.Dry {
		log.Print("[WARN] dry mode, no actual bans or deletions")
	}

	manager := config.NewManager(opts.Config)
	settings := manager.Get()

	db, err := makeDB(ctx, opts)
	if err != nil {
		return fmt.Errorf("can't make db engine: %w", err)
	}
	defer db.Close()

	records, err := storage.NewRecords(ctx, db)
	if err != nil {
		return fmt.Errorf("can't make records store: %w", err)
	}
	bans, err := storage.NewBans(ctx, db, settings.Cache.BanTTL)
	if err != nil {
		return fmt.Errorf("can't make bans store: %w", err)
	}
	counters, err := storage.NewCounters(settings.Counters.File, settings.Counters.SaveEvery, settings.Counters.Retention)
	if err != nil {
		return fmt.Errorf("can't make counters: %w", err)
	}
	defer func() {
		if ferr := counters.Flush(); ferr != nil {
			log.Printf("[WARN] can't flush counters on shutdown: %v", ferr)
		}
	}()

	rules, err := makeRuleFilter(settings)
	if err != nil {
		return fmt.Errorf("can't make rule filter: %w", err)
	}
	lang := makeLanguageGate(settings)
	analysisCache := moder.NewAnalysisCache(settings.Cache.AnalysisSize)
	msgCache := moder.NewMessageCache(settings.Cache.MessageHorizon)
	crossRoom := moder.NewCrossRoomDetector(settings.Spam.Window, settings.Spam.MinRooms, settings.Spam.SimThreshold)

	var classifier bot.Classifier
	if opts.OpenAIToken != "" {
		log.Printf("[WARN] openai classifier enabled, model %s", settings.OpenAI.Model)
		classifier = bot.NewOpenAIClassifier(openai.NewClient(opts.OpenAIToken), bot.OpenAIConfig{
			Model:             settings.OpenAI.Model,
			SystemPrompt:      settings.OpenAI.SystemPrompt,
			MaxTokensResponse: settings.OpenAI.MaxTokensResponse,
			MaxTokensRequest:  settings.OpenAI.MaxTokensRequest,
		})
	}

	transport := events.NewLocalTransport(os.Stdin)

	night := bot.NewNightMode(bot.NightModeConfig{
		Rooms:  settings.NightMode.Rooms,
		Start:  settings.NightMode.Start,
		End:    settings.NightMode.End,
		Grace:  settings.NightMode.Grace,
		Notice: settings.NightMode.Notice,
	}, transport)
	if err := night.Reconcile(ctx, time.Now()); err != nil {
		log.Printf("[WARN] night mode reconcile incomplete: %v", err)
	}

	pipeline := bot.NewPipeline(bot.PipelineParams{
		ExemptIDs:         settings.Moderation.ExemptIDs,
		ExemptNames:       settings.Moderation.ExemptNames,
		ShortMsgMaxLen:    settings.Moderation.ShortMsgMaxLen,
		NewUserThreshold:  settings.Moderation.NewUserThreshold,
		SafeWords:         settings.Moderation.SafeWords,
		ClassifierTimeout: settings.OpenAI.Timeout,
	}, rules, lang, analysisCache, msgCache, crossRoom, night, classifier, counters, bans,
		events.RecordKeeper{Records: records})

	scheduler := &events.Scheduler{
		Interval: opts.SchedulerInterval,
		Leases:   events.NewLeases(),
		Night:    night,
		Jobs: []events.Job{
			{Name: "cross-room-cleanup", Fn: func(context.Context) error { crossRoom.Cleanup(); return nil }},
			{Name: "message-cache-cleanup", Fn: func(context.Context) error { msgCache.Cleanup(); return nil }},
			{Name: "counters-cleanup", Fn: func(context.Context) error {
				if removed := counters.Cleanup(); removed > 0 {
					log.Printf("[INFO] removed %d stale counters", removed)
				}
				return nil
			}},
			{Name: "records-cleanup", Fn: func(jctx context.Context) error {
				return records.Cleanup(jctx, settings.Counters.Retention, 1000)
			}},
		},
	}
	go func() {
		if serr := scheduler.Do(ctx); serr != nil && !errors.Is(serr, context.Canceled) {
			log.Printf("[WARN] scheduler stopped: %v", serr)
		}
	}()

	// hot reload swaps filter lists without restart
	go func() {
		werr := manager.Watch(ctx, func(fresh config.Settings) {
			freshRules, rerr := makeRuleFilter(fresh)
			if rerr != nil {
				log.Printf("[WARN] reloaded rules rejected: %v", rerr)
				freshRules = nil
			}
			pipeline.UpdateFilters(freshRules, makeLanguageGate(fresh))
		})
		if werr != nil && !errors.Is(werr, context.Canceled) {
			log.Printf("[WARN] config watcher stopped: %v", werr)
		}
	}()

	logWr, err := makeDecisionLogWriter(settings.Logger)
	if err != nil {
		return fmt.Errorf("can't make decision log writer: %w", err)
	}
	defer logWr.Close()

	listener := &events.Listener{
		Transport:    transport,
		Moderator:    pipeline,
		DecisionLog:  logWr,
		RejectNotice: settings.Moderation.RejectNotice,
		Dry:          opts.Dry,
	}
	if err := listener.Do(ctx); err != nil {
		return fmt.Errorf("listener failed: %w", err)
	}
	return nil
}

func makeDB(ctx context.Context, opts options) (*engine.SQL, error) {
	if strings.HasPrefix(opts.DB, "postgres://") || strings.HasPrefix(opts.DB, "postgresql://") {
		return engine.NewPostgres(ctx, opts.DB, opts.GID)
	}
	if dir := filepath.Dir(opts.DB); dir != "." && opts.DB != ":memory:" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("can't make db dir %s: %w", dir, err)
		}
	}
	return engine.NewSqlite(opts.DB, opts.GID)
}

func makeRuleFilter(settings config.Settings) (*moder.RuleFilter, error) {
	return moder.NewRuleFilter(moder.RuleConfig{
		BannedPhrases:  settings.Moderation.BannedPhrases,
		Whitelist:      settings.Moderation.Whitelist,
		MaskedPatterns: settings.Moderation.MaskedPatterns,
		InviteActions:  settings.Moderation.InviteActions,
		OfferedItems:   settings.Moderation.OfferedItems,
		PaymentWords:   settings.Moderation.PaymentWords,
		StudyWords:     settings.Moderation.StudyWords,
		NonLatinRatio:  settings.Moderation.NonLatinRatio,
	})
}

func makeLanguageGate(settings config.Settings) *moder.LanguageGate {
	return moder.NewLanguageGate(moder.LangConfig{
		Lexicon:          settings.Language.Lexicon,
		SuffixPatterns:   settings.Language.SuffixPatterns,
		ForeignStopWords: settings.Language.ForeignStopWords,
		AllowedLangs:     settings.Language.AllowedLangs,
		NonLatinRatio:    settings.Language.NonLatinRatio,
		MinDetectLen:     settings.Language.MinDetectLen,
		LexiconHitRatio:  settings.Language.LexiconHitRatio,
	})
}

// makeDecisionLogWriter creates the json-lines audit log writer with rotation
func makeDecisionLogWriter(cfg config.LoggerSettings) (io.WriteCloser, error) {
	if !cfg.Enabled {
		return nopWriteCloser{io.Discard}, nil
	}

	sizeParse := func(inp string) (uint64, error) {
		if inp == "" {
			return 0, errors.New("empty value")
		}
		for i, sfx := range []string{"k", "m", "g", "t"} {
			if strings.HasSuffix(inp, strings.ToUpper(sfx)) || strings.HasSuffix(inp, strings.ToLower(sfx)) {
				val, err := strconv.Atoi(inp[:len(inp)-1])
				if err != nil {
					return 0, fmt.Errorf("can't parse %s: %w", inp, err)
				}
				return uint64(float64(val) * math.Pow(float64(1024), float64(i+1))), nil
			}
		}
		return strconv.ParseUint(inp, 10, 64)
	}

	maxSize, perr := sizeParse(cfg.MaxSize)
	if perr != nil {
		return nil, fmt.Errorf("can't parse logger max size: %w", perr)
	}

	maxSize /= 1048576

	log.Printf("[INFO] decision log enabled for %s, max size %dM", cfg.FileName, maxSize)
	return &lumberjack.Logger{
		Filename:   cfg.FileName,
		MaxSize:    int(maxSize), // in MB
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
		LocalTime:  true,
	}, nil
}

type nopWriteCloser struct{ io.Writer }

func (n nopWriteCloser) Close() error { return nil }

func setupLog(dbg bool, secrets ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	secrets = append([]string{}, secrets...)
	for i := len(secrets) - 1; i >= 0; i-- {
		if secrets[i] == "" {
			secrets = append(secrets[:i], secrets[i+1:]...)
		}
	}
	if len(secrets) > 0 {
		logOpts = append(logOpts, lgr.Secret(secrets...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
