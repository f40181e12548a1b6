package gen

import (
	"context"
	"fmt"
	"time"

	"matchbot/internal/storage"
	"matchbot/pkg/logx"
)

// ProcessorConfig tunes the queue consumer.
type ProcessorConfig struct {
	// PollInterval is the idle sleep between queue checks.
	PollInterval time.Duration
	// StaleClaimGrace per kind; DefaultGrace covers unlisted kinds. An
	// in-progress record older than its grace is treated as abandoned.
	StaleClaimGrace map[storage.Kind]time.Duration
	DefaultGrace    time.Duration
}

func (c *ProcessorConfig) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.DefaultGrace <= 0 {
		c.DefaultGrace = 10 * time.Minute
	}
}

// Processor drains the generation queue: claim, dispatch, record. It is the
// only component that transitions records after creation.
type Processor struct {
	store Store
	cfg   ProcessorConfig
	log   logx.Logger
	now   func() time.Time

	execs map[storage.Kind]Executor
	nudge chan struct{}

	// OnFinished runs after a terminal outcome is recorded. The app uses it
	// to resume the matching scheduler once a rationale lands.
	OnFinished func(g *storage.Generation)
}

func NewProcessor(store Store, cfg ProcessorConfig, log logx.Logger) *Processor {
	cfg.withDefaults()
	return &Processor{
		store: store,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		execs: map[storage.Kind]Executor{},
		nudge: make(chan struct{}, 1),
	}
}

// Register installs the executor for its kind. New kinds extend the tag set
// and this table; nothing else changes.
func (p *Processor) Register(e Executor) {
	p.execs[e.Kind()] = e
}

// Nudge signals that new work may be due before the next poll tick.
func (p *Processor) Nudge() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

// Run drains due work, then sleeps until nudged or the poll interval lapses.
// It returns only on context cancellation or a store failure; the latter is
// fatal and handled by the caller (restart is external).
func (p *Processor) Run(ctx context.Context) error {
	// Records stranded in_progress by a crash are reclaimed up front so a
	// restart cannot lose them.
	p.ReclaimStale(ctx)

	for {
		worked, err := p.step(ctx)
		if err != nil {
			return fmt.Errorf("processor: %w", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.nudge:
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// step handles at most one due record. It reports whether it found work;
// errors are store-level only — execution failures are recorded, not
// propagated.
func (p *Processor) step(ctx context.Context) (bool, error) {
	now := p.now().UTC()
	g, err := p.store.NextDue(ctx, now)
	if err != nil {
		return false, err
	}
	if g == nil {
		return false, nil
	}

	ok, err := p.store.Claim(ctx, g.ID, now)
	if err != nil {
		return false, err
	}
	if !ok {
		// Benign: another claimant won the race.
		p.log.Debug("claim lost", logx.String("id", g.ID.String()))
		return true, nil
	}

	exec := p.execs[g.Kind]
	if exec == nil {
		p.log.Error("no executor for kind", logx.String("kind", string(g.Kind)), logx.String("id", g.ID.String()))
		g.Status = storage.GenFailed
		if err := p.store.FinishGeneration(ctx, g, p.now().UTC()); err != nil {
			return false, err
		}
		return true, nil
	}

	started := p.now()
	outcome, execErr := exec.Execute(ctx, g)

	// Cost feedback lands on success and failure alike.
	g.CostUSD = outcome.CostUSD
	g.CachedInputTokens = outcome.Usage.CachedInputTokens
	g.UncachedInputTokens = outcome.Usage.UncachedInputTokens
	g.OutputTokens = outcome.Usage.OutputTokens
	g.ProviderResponseID = outcome.ProviderResponseID

	if execErr != nil {
		g.Status = storage.GenFailed
		p.log.Warn("generation failed",
			logx.String("id", g.ID.String()),
			logx.String("kind", string(g.Kind)),
			logx.String("subject", g.SubjectRef().String()),
			logx.Err(execErr),
			logx.Duration("took", time.Since(started)))
	} else {
		g.Status = storage.GenSucceeded
		p.log.Info("generation succeeded",
			logx.String("id", g.ID.String()),
			logx.String("kind", string(g.Kind)),
			logx.String("subject", g.SubjectRef().String()),
			logx.Float64("cost_usd", g.CostUSD),
			logx.Duration("took", time.Since(started)))
	}

	if err := p.store.FinishGeneration(ctx, g, p.now().UTC()); err != nil {
		return false, err
	}
	if p.OnFinished != nil {
		p.OnFinished(g)
	}
	return true, nil
}

// ReclaimStale returns abandoned in-progress records to pending, per kind
// grace. Runs at startup and on a cron cadence.
func (p *Processor) ReclaimStale(ctx context.Context) {
	now := p.now().UTC()
	for kind := range p.execs {
		grace := p.cfg.DefaultGrace
		if g, ok := p.cfg.StaleClaimGrace[kind]; ok && g > 0 {
			grace = g
		}
		n, err := p.store.ReclaimStale(ctx, kind, now.Add(-grace), now)
		if err != nil {
			p.log.Warn("stale reclaim failed", logx.String("kind", string(kind)), logx.Err(err))
			continue
		}
		if n > 0 {
			p.log.Info("reclaimed abandoned generations",
				logx.String("kind", string(kind)), logx.Int64("count", n))
		}
	}
}
