// Package matching owns the round-robin matching scheduler: fair pairing of
// eligible profiles by embedding similarity, the persisted round cursor, and
// the match consent state machine.
package matching

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"matchbot/internal/storage"
	"matchbot/pkg/logx"
)

// StepResult names the control transitions of one scheduler iteration.
type StepResult int

const (
	// StepDispatched: a pair was created and a rationale generation
	// enqueued; the loop must wait for it to be processed (back-pressure).
	StepDispatched StepResult = iota
	// StepUnmatched: an attempt found no candidate; continue immediately.
	StepUnmatched
	// StepAdvanced: the round was exhausted and advanced; continue.
	StepAdvanced
	// StepIdle: no eligible users exist at all; back off.
	StepIdle
)

// MatcherStore is the persistence surface of the matching loop.
type MatcherStore interface {
	CursorRound(ctx context.Context) (int, error)
	AdvanceRound(ctx context.Context, from int) (int, error)
	TriedInRound(ctx context.Context, round int) (map[int64]bool, error)
	NextUserA(ctx context.Context, exclude map[int64]bool) (*storage.User, error)
	CreateMatch(ctx context.Context, m *storage.Match) error
	PriorPartners(ctx context.Context, userID int64) (map[int64]bool, error)
	HasOpenGeneration(ctx context.Context, kind storage.Kind) (bool, error)
}

// Enqueuer schedules a generation; satisfied by gen.Orchestrator.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind storage.Kind, subject uuid.UUID) (*storage.Generation, error)
}

type Config struct {
	SimilarityThreshold float64
	MaxCandidates       int
	IdleBackoff         time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = 5
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = 30 * time.Minute
	}
}

// Matcher runs the round-robin loop. Within one round every eligible user is
// attempted as user_a exactly once, in ascending profile_updated_at order;
// only then does the round advance.
type Matcher struct {
	store MatcherStore
	index *Index
	orch  Enqueuer
	log   logx.Logger
	now   func() time.Time

	mu  sync.RWMutex
	cfg Config

	// nudge resumes the loop after a rationale generation is processed,
	// and wakes the idle backoff early when a profile completes.
	nudge chan struct{}

	// procNudge pokes the generation processor after an enqueue.
	procNudge func()
}

func NewMatcher(store MatcherStore, index *Index, orch Enqueuer, cfg Config, log logx.Logger) *Matcher {
	cfg.withDefaults()
	return &Matcher{
		store: store,
		index: index,
		orch:  orch,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		nudge: make(chan struct{}, 1),
	}
}

// SetProcessorNudge installs the wake-up hook for the generation processor.
func (m *Matcher) SetProcessorNudge(fn func()) { m.procNudge = fn }

// Apply updates tunables at runtime (config hot-reload).
func (m *Matcher) Apply(cfg Config) {
	cfg.withDefaults()
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Matcher) config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Nudge resumes the loop (rationale processed, or new profile completed).
func (m *Matcher) Nudge() {
	select {
	case m.nudge <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is done or the store fails.
func (m *Matcher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		// At most one rationale generation may be open at a time. The check
		// runs before every step: the nudge channel also carries profile
		// completions, and one of those arriving while a dispatched rationale
		// is still outstanding must not resume matching early. Records left
		// open across a restart hold the loop the same way.
		open, err := m.store.HasOpenGeneration(ctx, storage.KindMatchRationale)
		if err != nil {
			return fmt.Errorf("matcher: %w", err)
		}
		if open {
			m.log.Debug("rationale generation still open; matching held")
			if !m.wait(ctx, 0) {
				return nil
			}
			continue
		}
		res, err := m.Step(ctx)
		if err != nil {
			return fmt.Errorf("matcher: %w", err)
		}
		switch res {
		case StepDispatched:
			if !m.wait(ctx, 0) {
				return nil
			}
		case StepUnmatched, StepAdvanced:
			// Tight transitions: keep scanning the round.
		case StepIdle:
			if !m.wait(ctx, m.config().IdleBackoff) {
				return nil
			}
		}
	}
}

// wait blocks on a nudge, optionally bounded by a timeout. Returns false
// when ctx is done.
func (m *Matcher) wait(ctx context.Context, timeout time.Duration) bool {
	if timeout > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-m.nudge:
			return true
		case <-time.After(timeout):
			return true
		}
	}
	select {
	case <-ctx.Done():
		return false
	case <-m.nudge:
		return true
	}
}

// Step performs one scheduler iteration and reports the control transition
// taken. Errors are store-level and fatal to the loop.
func (m *Matcher) Step(ctx context.Context) (StepResult, error) {
	round, err := m.store.CursorRound(ctx)
	if err != nil {
		return 0, err
	}
	tried, err := m.store.TriedInRound(ctx, round)
	if err != nil {
		return 0, err
	}

	userA, err := m.store.NextUserA(ctx, tried)
	if err != nil {
		return 0, err
	}
	if userA == nil {
		if len(tried) > 0 {
			next, err := m.store.AdvanceRound(ctx, round)
			if err != nil {
				return 0, err
			}
			m.log.Info("matching round complete",
				logx.Int("round", round), logx.Int("next", next))
			return StepAdvanced, nil
		}
		m.log.Debug("no eligible users; backing off")
		return StepIdle, nil
	}

	cfg := m.config()
	role := "seeker"
	if userA.IsSeeker {
		role = "provider"
	}
	exclude, err := m.store.PriorPartners(ctx, userA.TelegramID)
	if err != nil {
		return 0, err
	}
	candidates, err := m.index.Search(ctx, userA, role, cfg.SimilarityThreshold, cfg.MaxCandidates, exclude)
	if err != nil {
		return 0, err
	}

	now := m.now().UTC()
	if len(candidates) == 0 {
		// Participation record: user_a was considered this round, no
		// candidate cleared the bar. No generation, no budget spend.
		match := &storage.Match{
			ID:            uuid.New(),
			UserA:         userA.TelegramID,
			MatchingRound: round,
			Status:        storage.MatchUnmatched,
			CreatedAt:     now,
		}
		if err := m.store.CreateMatch(ctx, match); err != nil {
			return 0, err
		}
		m.log.Info("no candidate for user",
			logx.Int64("user", userA.TelegramID), logx.Int("round", round))
		return StepUnmatched, nil
	}

	best := candidates[0]
	match := &storage.Match{
		ID:            uuid.New(),
		UserA:         userA.TelegramID,
		UserB:         best.User.TelegramID,
		MatchingRound: round,
		Similarity:    best.Similarity,
		Status:        storage.MatchPending,
		CreatedAt:     now,
	}
	if err := m.store.CreateMatch(ctx, match); err != nil {
		return 0, err
	}
	if _, err := m.orch.Enqueue(ctx, storage.KindMatchRationale, match.ID); err != nil {
		return 0, err
	}
	if m.procNudge != nil {
		m.procNudge()
	}
	m.log.Info("match dispatched for rationale",
		logx.String("match", match.ID.String()),
		logx.Int64("user_a", match.UserA),
		logx.Int64("user_b", match.UserB),
		logx.Float64("similarity", match.Similarity),
		logx.Int("round", round))
	return StepDispatched, nil
}
