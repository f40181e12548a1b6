// Package gen owns the generation scheduling core: the budget-proportional
// interval scheduler, the serialized queue, the processor loop, and the
// per-kind executors.
package gen

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"matchbot/internal/storage"
	"matchbot/pkg/logx"
)

const SecondsPerWeek = 7 * 24 * 3600

// Store is the persistence surface the scheduling core needs.
type Store interface {
	CreateGeneration(ctx context.Context, g *storage.Generation) error
	NextDue(ctx context.Context, now time.Time) (*storage.Generation, error)
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	FinishGeneration(ctx context.Context, g *storage.Generation, now time.Time) error
	LastCompletedCost(ctx context.Context, kind storage.Kind) (float64, bool, error)
	MaxScheduledFor(ctx context.Context, kind storage.Kind) (time.Time, bool, error)
	ReclaimStale(ctx context.Context, kind storage.Kind, cutoff, now time.Time) (int64, error)
}

// Orchestrator stamps new generation records with a budget-derived
// scheduled_for. It is the single entry point for queueing model calls.
type Orchestrator struct {
	store Store
	log   logx.Logger
	now   func() time.Time

	mu        sync.RWMutex
	weeklyUSD float64
}

func NewOrchestrator(store Store, weeklyUSD float64, log logx.Logger) *Orchestrator {
	return &Orchestrator{store: store, weeklyUSD: weeklyUSD, log: log, now: time.Now}
}

// ApplyBudget updates the weekly budget at runtime (config hot-reload).
func (o *Orchestrator) ApplyBudget(weeklyUSD float64) {
	if weeklyUSD <= 0 {
		return
	}
	o.mu.Lock()
	o.weeklyUSD = weeklyUSD
	o.mu.Unlock()
}

func (o *Orchestrator) budget() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.weeklyUSD
}

// ComputeDelay derives the spacing before the next generation of the kind:
// the cost of the last completed call, scaled so that a steady stream of
// equally priced calls spends exactly the weekly budget. No cost history
// means no delay. Kinds are isolated so budgets do not cross-contaminate.
func (o *Orchestrator) ComputeDelay(ctx context.Context, kind storage.Kind) (time.Duration, error) {
	lastCost, ok, err := o.store.LastCompletedCost(ctx, kind)
	if err != nil {
		return 0, err
	}
	if !ok || lastCost <= 0 {
		return 0, nil
	}
	seconds := lastCost * SecondsPerWeek / o.budget()
	return time.Duration(seconds * float64(time.Second)), nil
}

// Enqueue creates a pending generation for the subject. The record queues
// behind every open record of its kind: a burst of rapid messages stays
// strictly serialized in creation order instead of collapsing into
// simultaneous execution.
func (o *Orchestrator) Enqueue(ctx context.Context, kind storage.Kind, subject uuid.UUID) (*storage.Generation, error) {
	delay, err := o.ComputeDelay(ctx, kind)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	base := now
	if maxSched, ok, err := o.store.MaxScheduledFor(ctx, kind); err != nil {
		return nil, err
	} else if ok && maxSched.After(base) {
		base = maxSched
	}

	g := &storage.Generation{
		ID:           uuid.New(),
		Kind:         kind,
		Status:       storage.GenPending,
		ScheduledFor: base.Add(delay),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	switch kind {
	case storage.KindConversation:
		g.ConversationID = subject
	case storage.KindMatchRationale:
		g.MatchID = subject
	default:
		return nil, fmt.Errorf("unknown generation kind %q", kind)
	}

	if err := o.store.CreateGeneration(ctx, g); err != nil {
		return nil, err
	}
	o.log.Debug("generation enqueued",
		logx.String("id", g.ID.String()),
		logx.String("kind", string(kind)),
		logx.Time("scheduled_for", g.ScheduledFor),
		logx.Duration("delay", delay))
	return g, nil
}
