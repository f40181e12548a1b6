package gen

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"matchbot/internal/llm"
	"matchbot/internal/matching"
	"matchbot/internal/notify"
	"matchbot/internal/storage"
	"matchbot/pkg/logx"
)

// RationaleStore is what the match-rationale executor needs from storage.
type RationaleStore interface {
	GetMatch(ctx context.Context, id uuid.UUID) (*storage.Match, error)
	SetMatchRationale(ctx context.Context, id uuid.UUID, rationale string) error
	GetUser(ctx context.Context, telegramID int64) (*storage.User, error)
}

// RationaleExecutor generates the introduction text for a fresh match and
// notifies both users with consent buttons.
type RationaleExecutor struct {
	store    RationaleStore
	caller   llm.Caller
	notifier *notify.Service
	model    string
	log      logx.Logger
}

func NewRationaleExecutor(store RationaleStore, caller llm.Caller, notifier *notify.Service, model string, log logx.Logger) *RationaleExecutor {
	return &RationaleExecutor{store: store, caller: caller, notifier: notifier, model: model, log: log}
}

func (e *RationaleExecutor) Kind() storage.Kind { return storage.KindMatchRationale }

func (e *RationaleExecutor) Execute(ctx context.Context, g *storage.Generation) (Outcome, error) {
	m, err := e.store.GetMatch(ctx, g.MatchID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load match: %w", err)
	}
	if m.UserB == 0 {
		return Outcome{}, fmt.Errorf("match %s has no partner", m.ID)
	}

	a, err := e.store.GetUser(ctx, m.UserA)
	if err != nil {
		return Outcome{}, err
	}
	b, err := e.store.GetUser(ctx, m.UserB)
	if err != nil {
		return Outcome{}, err
	}

	resp, err := e.caller.Complete(ctx, llm.Request{
		Instructions: rationaleInstructions,
		Prompt:       rationalePrompt(a, b),
	})
	if err != nil {
		return Outcome{}, err
	}
	// Billed from here on: the outcome rides error paths too, so the spent
	// usage reaches the budget even when the write fails.
	cost, known := llm.Price(resp.Usage, e.model)
	if !known {
		e.log.Warn("no pricing for model; cost recorded as zero", logx.String("model", e.model))
	}
	out := Outcome{Usage: resp.Usage, CostUSD: cost, ProviderResponseID: resp.SessionID}

	rationale := strings.TrimSpace(resp.Text)
	if err := e.store.SetMatchRationale(ctx, m.ID, rationale); err != nil {
		return out, err
	}

	actions := []notify.Action{
		{Label: "Accept", Data: matching.AcceptData(m.ID)},
		{Label: "Decline", Data: matching.RejectData(m.ID)},
	}
	e.notifier.Notify(ctx, m.UserA, notify.Payload{
		Text:    matchFoundText(b.Summary, rationale),
		Actions: actions,
	})
	e.notifier.Notify(ctx, m.UserB, notify.Payload{
		Text:    matchFoundText(a.Summary, rationale),
		Actions: actions,
	})
	return out, nil
}

func matchFoundText(partnerSummary, rationale string) string {
	return fmt.Sprintf("We found a match for you!\n\n%s\n\nWhy you might click:\n%s", partnerSummary, rationale)
}
