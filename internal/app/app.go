// Package app assembles the bot: config, logging, storage, the LLM client,
// the generation pipeline, the matching scheduler, and the Telegram adapter.
// It owns goroutine lifecycles and the config hot-reload subscription.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"matchbot/internal/config"
	"matchbot/internal/gen"
	"matchbot/internal/llm"
	"matchbot/internal/matching"
	"matchbot/internal/notify"
	"matchbot/internal/storage"
	"matchbot/internal/transport/telegram"
	"matchbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger

	logClose func() error
	store    *storage.Store
	adapter  *telegram.Adapter
	notifier *notify.Service
	orch     *gen.Orchestrator
	proc     *gen.Processor
	matcher  *matching.Matcher
	consent  *matching.Consent

	cron *cron.Cron

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runCtx    context.Context
	wg        sync.WaitGroup
	cfgCh     chan *config.Config

	adminChatID int64
}

func New(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO")

	cfgm := config.NewManager(cfgPath, bootLog.With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	log, logClose := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	applog := log.With(logx.String("comp", "app"))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	reqTimeout, err := config.ParseDurationOrDefault("llm.request_timeout", cfg.LLM.RequestTimeout, 2*time.Minute)
	if err != nil {
		return nil, err
	}
	provider, err := llm.NewOpenAI(llm.OpenAIConfig{
		APIKey:         os.Getenv("OPENAI_API_KEY"),
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		BaseURL:        cfg.LLM.BaseURL,
		RequestTimeout: reqTimeout,
	}, log.With(logx.String("comp", "llm")))
	if err != nil {
		return nil, err
	}

	orch := gen.NewOrchestrator(store, cfg.Budget.WeeklyUSD, log.With(logx.String("comp", "gen")))

	token := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	if token == "" {
		token = cfg.Telegram.Token
	}
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       token,
		PollTimeout: pollTimeout,
	}, store, orch, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	notifier := notify.New(notify.Config{
		RatePerSec: cfg.Telegram.NotifyRatePerSec,
	}, adapter, log.With(logx.String("comp", "notify")))

	consent := matching.NewConsent(store, notifier, log.With(logx.String("comp", "consent")))
	adapter.SetConsent(consent)

	procCfg, err := mapProcessorConfig(cfg)
	if err != nil {
		return nil, err
	}
	proc := gen.NewProcessor(store, procCfg, log.With(logx.String("comp", "processor")))

	convExec := gen.NewConversationExecutor(store, provider, provider, notifier, cfg.LLM.Model,
		log.With(logx.String("comp", "conversation")))
	ratExec := gen.NewRationaleExecutor(store, provider, notifier, cfg.LLM.Model,
		log.With(logx.String("comp", "rationale")))
	proc.Register(convExec)
	proc.Register(ratExec)

	index := matching.NewIndex(store, log.With(logx.String("comp", "index")))
	matcherCfg, err := mapMatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	matcher := matching.NewMatcher(store, index, orch, matcherCfg, log.With(logx.String("comp", "matcher")))

	// Wake-up wiring: the matcher pokes the processor after enqueueing a
	// rationale; the processor wakes the matcher once one lands (success or
	// failure, otherwise back-pressure deadlocks); a completed profile wakes
	// the matcher out of idle backoff; inbound prompts poke the processor.
	matcher.SetProcessorNudge(proc.Nudge)
	adapter.SetProcessorNudge(proc.Nudge)
	proc.OnFinished = func(g *storage.Generation) {
		if g.Kind == storage.KindMatchRationale {
			matcher.Nudge()
		}
	}
	convExec.OnProfileUpdated = func(int64) { matcher.Nudge() }

	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	return &App{
		cfgm:        cfgm,
		log:         applog,
		logClose:    logClose,
		store:       store,
		adapter:     adapter,
		notifier:    notifier,
		orch:        orch,
		proc:        proc,
		matcher:     matcher,
		consent:     consent,
		adminChatID: cfg.Telegram.AdminChatID,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	rctx, cancel := context.WithCancel(ctx)
	a.runCtx = rctx
	a.runCancel = cancel
	a.runMu.Unlock()

	a.spawn("notify", func() { a.notifier.Run(rctx) })
	a.spawnErr("processor", func() error { return a.proc.Run(rctx) })
	a.spawnErr("matcher", func() error { return a.matcher.Run(rctx) })
	a.spawnErr("config-watch", func() error { return a.cfgm.Watch(rctx) })

	a.cfgCh = a.cfgm.Subscribe(1)
	a.spawn("config-apply", func() { a.applyLoop(rctx) })

	if err := a.adapter.Start(rctx); err != nil {
		cancel()
		return err
	}

	a.cron = cron.New()
	if _, err := a.cron.AddFunc("*/5 * * * *", func() { a.proc.ReclaimStale(rctx) }); err != nil {
		cancel()
		return err
	}
	if _, err := a.cron.AddFunc("0 9 * * 1", func() { a.spendReport(rctx) }); err != nil {
		cancel()
		return err
	}
	a.cron.Start()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	a.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if a.cron != nil {
		cronCtx := a.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}
	_ = a.adapter.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown timed out; abandoning workers")
	}

	if a.cfgCh != nil {
		a.cfgm.Unsubscribe(a.cfgCh)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	if a.logClose != nil {
		_ = a.logClose()
	}
	return nil
}

// Done is closed when a fatal worker error cancels the run context.
func (a *App) Done() <-chan struct{} {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.runCtx == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.runCtx.Done()
}

func (a *App) spawn(name string, fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
		a.log.Debug("worker exited", logx.String("worker", name))
	}()
}

// spawnErr treats a worker error as fatal for the whole app: log it and
// cancel the run context so main can exit and systemd restarts us.
func (a *App) spawnErr(name string, fn func() error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := fn(); err != nil {
			a.log.Error("worker failed", logx.String("worker", name), logx.Err(err))
			a.runMu.Lock()
			cancel := a.runCancel
			a.runMu.Unlock()
			if cancel != nil {
				cancel()
			}
		}
	}()
}

// applyLoop pushes hot-reloaded config into the running components.
func (a *App) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgCh:
			if !ok {
				return
			}
			a.orch.ApplyBudget(cfg.Budget.WeeklyUSD)
			if mc, err := mapMatcherConfig(cfg); err != nil {
				a.log.Warn("reload: matcher config rejected", logx.Err(err))
			} else {
				a.matcher.Apply(mc)
			}
			a.runMu.Lock()
			a.adminChatID = cfg.Telegram.AdminChatID
			a.runMu.Unlock()
			a.log.Info("config applied",
				logx.Float64("weekly_usd", cfg.Budget.WeeklyUSD),
				logx.Float64("similarity_threshold", cfg.Matching.SimilarityThreshold))
		}
	}
}

// spendReport logs last week's spend per generation kind and forwards it to
// the admin chat when one is configured.
func (a *App) spendReport(ctx context.Context) {
	since := time.Now().UTC().AddDate(0, 0, -7)
	spend, err := a.store.SpendSince(ctx, since)
	if err != nil {
		a.log.Warn("spend report failed", logx.Err(err))
		return
	}
	var total float64
	var b strings.Builder
	b.WriteString("Weekly spend report\n")
	for kind, usd := range spend {
		total += usd
		fmt.Fprintf(&b, "%s: $%.4f\n", kind, usd)
	}
	fmt.Fprintf(&b, "total: $%.4f", total)
	a.log.Info("weekly spend", logx.Float64("total_usd", total), logx.Any("by_kind", spend))

	a.runMu.Lock()
	admin := a.adminChatID
	a.runMu.Unlock()
	if admin != 0 {
		a.notifier.Notify(ctx, admin, notify.Payload{Text: b.String()})
	}
}

func mapProcessorConfig(cfg *config.Config) (gen.ProcessorConfig, error) {
	poll, err := config.ParseDurationOrDefault("processor.poll_interval", cfg.Processor.PollInterval, 5*time.Second)
	if err != nil {
		return gen.ProcessorConfig{}, err
	}
	out := gen.ProcessorConfig{
		PollInterval:    poll,
		StaleClaimGrace: make(map[storage.Kind]time.Duration, len(cfg.Processor.StaleClaimGrace)),
	}
	for kind, raw := range cfg.Processor.StaleClaimGrace {
		d, err := config.ParseDurationField("processor.stale_claim_grace."+kind, raw)
		if err != nil {
			return gen.ProcessorConfig{}, err
		}
		if kind == "default" {
			out.DefaultGrace = d
			continue
		}
		out.StaleClaimGrace[storage.Kind(kind)] = d
	}
	return out, nil
}

func mapMatcherConfig(cfg *config.Config) (matching.Config, error) {
	backoff, err := config.ParseDurationOrDefault("matching.idle_backoff", cfg.Matching.IdleBackoff, 30*time.Minute)
	if err != nil {
		return matching.Config{}, err
	}
	return matching.Config{
		SimilarityThreshold: cfg.Matching.SimilarityThreshold,
		MaxCandidates:       cfg.Matching.MaxCandidates,
		IdleBackoff:         backoff,
	}, nil
}
