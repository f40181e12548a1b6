package matching

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"matchbot/internal/notify"
	"matchbot/internal/storage"
	"matchbot/pkg/logx"
)

type ConsentAction string

const (
	ActionAccept ConsentAction = "accept"
	ActionReject ConsentAction = "reject"
)

var (
	// ErrUnauthorized: the actor is not one of the two matched users.
	ErrUnauthorized = errors.New("actor is not part of this match")
	// ErrNoTransition: the state machine admits no such move (terminal
	// state, double accept, unmatched record).
	ErrNoTransition = errors.New("no such consent transition")
)

// Decide is the pure consent transition function.
//
//	pending    --A accepts--> a_accepted   --B accepts--> connected
//	pending    --B accepts--> b_accepted   --A accepts--> connected
//	pending/a_accepted --B rejects--> rejected
//	pending/b_accepted --A rejects--> rejected
//
// connected, rejected and unmatched admit nothing further.
func Decide(status storage.MatchStatus, isUserA bool, action ConsentAction) (storage.MatchStatus, error) {
	switch status {
	case storage.MatchPending:
		if action == ActionReject {
			return storage.MatchRejected, nil
		}
		if isUserA {
			return storage.MatchAAccepted, nil
		}
		return storage.MatchBAccepted, nil
	case storage.MatchAAccepted:
		if isUserA {
			return "", ErrNoTransition
		}
		if action == ActionReject {
			return storage.MatchRejected, nil
		}
		return storage.MatchConnected, nil
	case storage.MatchBAccepted:
		if !isUserA {
			return "", ErrNoTransition
		}
		if action == ActionReject {
			return storage.MatchRejected, nil
		}
		return storage.MatchConnected, nil
	default:
		return "", ErrNoTransition
	}
}

// ConsentStore is the persistence surface for consent handling.
type ConsentStore interface {
	GetMatch(ctx context.Context, id uuid.UUID) (*storage.Match, error)
	TransitionMatch(ctx context.Context, id uuid.UUID, from, to storage.MatchStatus) (bool, error)
	GetUser(ctx context.Context, telegramID int64) (*storage.User, error)
}

// Consent applies accept/reject actions from users to match records,
// enforcing that only the two referenced users may act.
type Consent struct {
	store    ConsentStore
	notifier *notify.Service
	log      logx.Logger
}

func NewConsent(store ConsentStore, notifier *notify.Service, log logx.Logger) *Consent {
	return &Consent{store: store, notifier: notifier, log: log}
}

// Apply validates the actor, runs the transition, and persists it with a
// conditional update so racing taps cannot double-apply. On connection both
// users receive each other's profile.
func (c *Consent) Apply(ctx context.Context, matchID uuid.UUID, actorID int64, action ConsentAction) (*storage.Match, error) {
	m, err := c.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.UserB == 0 || (actorID != m.UserA && actorID != m.UserB) {
		c.log.Warn("unauthorized consent action",
			logx.String("match", matchID.String()), logx.Int64("actor", actorID))
		return m, ErrUnauthorized
	}

	next, err := Decide(m.Status, actorID == m.UserA, action)
	if err != nil {
		return m, err
	}

	ok, err := c.store.TransitionMatch(ctx, m.ID, m.Status, next)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race with the other user's tap; report the fresh state.
		fresh, err := c.store.GetMatch(ctx, matchID)
		if err != nil {
			return nil, err
		}
		return fresh, ErrNoTransition
	}
	prev := m.Status
	m.Status = next
	c.log.Info("match transitioned",
		logx.String("match", m.ID.String()),
		logx.String("from", string(prev)),
		logx.String("to", string(next)),
		logx.Int64("actor", actorID))

	if next == storage.MatchConnected && c.notifier != nil {
		c.announceConnection(ctx, m)
	}
	return m, nil
}

func (c *Consent) announceConnection(ctx context.Context, m *storage.Match) {
	a, errA := c.store.GetUser(ctx, m.UserA)
	b, errB := c.store.GetUser(ctx, m.UserB)
	if errA != nil || errB != nil {
		c.log.Warn("connection announce skipped",
			logx.String("match", m.ID.String()), logx.Err(errors.Join(errA, errB)))
		return
	}
	c.notifier.Notify(ctx, m.UserA, notify.Payload{
		Text: "It's a match! You are now connected.\n\n" + b.Summary,
	})
	c.notifier.Notify(ctx, m.UserB, notify.Payload{
		Text: "It's a match! You are now connected.\n\n" + a.Summary,
	})
}

// Callback data format shared between the rationale notification and the
// transport's callback router.

const consentPrefix = "match"

func AcceptData(id uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", consentPrefix, ActionAccept, id)
}

func RejectData(id uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", consentPrefix, ActionReject, id)
}

// ParseConsentData recognizes "match:accept:<uuid>" / "match:reject:<uuid>".
func ParseConsentData(data string) (uuid.UUID, ConsentAction, bool) {
	parts := strings.Split(strings.TrimSpace(data), ":")
	if len(parts) != 3 || parts[0] != consentPrefix {
		return uuid.Nil, "", false
	}
	action := ConsentAction(parts[1])
	if action != ActionAccept && action != ActionReject {
		return uuid.Nil, "", false
	}
	id, err := uuid.Parse(parts[2])
	if err != nil {
		return uuid.Nil, "", false
	}
	return id, action, true
}
