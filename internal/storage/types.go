package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Kind distinguishes generation types. New kinds are added here and in the
// processor's executor table.
type Kind string

const (
	KindConversation   Kind = "conversation"
	KindMatchRationale Kind = "match_rationale"
)

// GenerationStatus is the queue lifecycle of a generation record.
type GenerationStatus string

const (
	GenPending    GenerationStatus = "pending"
	GenInProgress GenerationStatus = "in_progress"
	GenSucceeded  GenerationStatus = "succeeded"
	GenFailed     GenerationStatus = "failed"
)

// Generation is one scheduled (and eventually billed) model call. Exactly one
// of ConversationID/MatchID is set, matching Kind.
type Generation struct {
	ID             uuid.UUID
	Kind           Kind
	ConversationID uuid.UUID
	MatchID        uuid.UUID
	Status         GenerationStatus
	ScheduledFor   time.Time
	CostUSD        float64

	CachedInputTokens   int
	UncachedInputTokens int
	OutputTokens        int
	ProviderResponseID  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SubjectRef returns the populated subject id.
func (g *Generation) SubjectRef() uuid.UUID {
	if g.Kind == KindMatchRationale {
		return g.MatchID
	}
	return g.ConversationID
}

// MatchStatus is the consent state machine value.
type MatchStatus string

const (
	MatchPending   MatchStatus = "pending"
	MatchAAccepted MatchStatus = "a_accepted"
	MatchBAccepted MatchStatus = "b_accepted"
	MatchConnected MatchStatus = "connected"
	MatchRejected  MatchStatus = "rejected"
	MatchUnmatched MatchStatus = "unmatched"
)

// Match pairs two users in a matching round. UserB == 0 records a round
// attempt that found no candidate; such records are always unmatched.
// A non-zero pair is immutable once created.
type Match struct {
	ID            uuid.UUID
	UserA         int64
	UserB         int64
	MatchingRound int
	Similarity    float64
	Rationale     string
	Status        MatchStatus
	CreatedAt     time.Time
}

// Cursor is the persisted round-robin position of the matching scheduler.
// TriedInRound is derived from the match records of the current round, so it
// survives restarts and clears itself when the round advances.
type Cursor struct {
	CurrentRound int
	TriedInRound map[int64]bool
}

// User is a bot participant. Eligible for matching once the profile is
// complete, an embedding exists, and at least one role is set.
type User struct {
	TelegramID       int64
	Active           bool
	ProfileComplete  bool
	IsSeeker         bool
	IsProvider       bool
	Summary          string
	Embedding        []float32
	ProfileUpdatedAt time.Time
	CreatedAt        time.Time
}

func (u *User) Eligible() bool {
	return u.Active && u.ProfileComplete && len(u.Embedding) > 0 && (u.IsSeeker || u.IsProvider)
}

// Turn is one conversation message, stored as JSON history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation holds per-user chat state. PendingPrompt is the not yet
// consumed user message; SessionID references provider-side conversational
// state and may be cleared when the provider expires it.
type Conversation struct {
	ID            uuid.UUID
	TelegramID    int64
	History       []Turn
	PendingPrompt string
	SessionID     string
	UpdatedAt     time.Time
}
