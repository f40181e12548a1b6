package gen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"matchbot/internal/llm"
	"matchbot/internal/notify"
	"matchbot/internal/storage"
	"matchbot/pkg/logx"
)

// ConversationStore is what the conversation executor needs from storage.
type ConversationStore interface {
	GetConversation(ctx context.Context, id uuid.UUID) (*storage.Conversation, error)
	TakePendingPrompt(ctx context.Context, id uuid.UUID) (string, bool, error)
	AppendTurns(ctx context.Context, id uuid.UUID, now time.Time, turns ...storage.Turn) error
	SetSessionID(ctx context.Context, id uuid.UUID, sessionID string) error
	GetUser(ctx context.Context, telegramID int64) (*storage.User, error)
	UpdateProfile(ctx context.Context, u *storage.User, now time.Time) error
}

// assistantReply is the structured output the conversation agent is
// instructed to produce. Profile is present only once the interview has
// gathered enough.
type assistantReply struct {
	Utterance string `json:"utterance"`
	Profile   *struct {
		Summary    string `json:"summary"`
		IsSeeker   bool   `json:"is_seeker"`
		IsProvider bool   `json:"is_provider"`
	} `json:"profile"`
}

// ConversationExecutor answers a user's pending message. It prefers the
// provider-side session; when the provider reports that state expired, it
// clears the reference and retries once with the stored history injected.
type ConversationExecutor struct {
	store    ConversationStore
	caller   llm.Caller
	embedder llm.Embedder
	notifier *notify.Service
	model    string
	log      logx.Logger
	now      func() time.Time

	// OnProfileUpdated fires when a profile becomes complete; the app uses
	// it to wake the matching scheduler.
	OnProfileUpdated func(telegramID int64)
}

func NewConversationExecutor(store ConversationStore, caller llm.Caller, embedder llm.Embedder, notifier *notify.Service, model string, log logx.Logger) *ConversationExecutor {
	return &ConversationExecutor{
		store:    store,
		caller:   caller,
		embedder: embedder,
		notifier: notifier,
		model:    model,
		log:      log,
		now:      time.Now,
	}
}

func (e *ConversationExecutor) Kind() storage.Kind { return storage.KindConversation }

func (e *ConversationExecutor) Execute(ctx context.Context, g *storage.Generation) (Outcome, error) {
	conv, err := e.store.GetConversation(ctx, g.ConversationID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load conversation: %w", err)
	}

	prompt, ok, err := e.store.TakePendingPrompt(ctx, conv.ID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		// Nothing to answer; a reclaimed record whose first run already
		// consumed the prompt lands here. One terminal outcome, no charge.
		return Outcome{}, fmt.Errorf("conversation %s has no pending prompt", conv.ID)
	}

	resp, err := e.complete(ctx, conv, prompt)
	if err != nil {
		e.notifier.Notify(ctx, conv.TelegramID, notify.Payload{
			Text: "Sorry, something went wrong while preparing a reply. Please try again.",
		})
		return Outcome{}, err
	}

	// The call is billed from here on: error paths below carry the outcome
	// so the spent usage reaches the budget even when the record fails.
	cost, known := llm.Price(resp.Usage, e.model)
	if !known {
		e.log.Warn("no pricing for model; cost recorded as zero", logx.String("model", e.model))
	}
	out := Outcome{Usage: resp.Usage, CostUSD: cost, ProviderResponseID: resp.SessionID}

	reply := parseReply(resp.Text)
	text := reply.Utterance
	if reply.Profile != nil {
		e.applyProfile(ctx, conv.TelegramID, reply)
		text += "\n\n" + profileCard(reply.Profile.Summary, reply.Profile.IsSeeker, reply.Profile.IsProvider)
	}

	now := e.now().UTC()
	if err := e.store.AppendTurns(ctx, conv.ID, now,
		storage.Turn{Role: "user", Content: prompt},
		storage.Turn{Role: "assistant", Content: reply.Utterance},
	); err != nil {
		return out, err
	}
	if resp.SessionID != "" {
		if err := e.store.SetSessionID(ctx, conv.ID, resp.SessionID); err != nil {
			return out, err
		}
	}

	e.notifier.Notify(ctx, conv.TelegramID, notify.Payload{Text: text})
	return out, nil
}

// complete runs the model call, falling back from the provider session to
// injected history exactly once when the session expired.
func (e *ConversationExecutor) complete(ctx context.Context, conv *storage.Conversation, prompt string) (llm.Response, error) {
	withHistory := conversationInstructions
	if h := formatHistory(conv.History); h != "" {
		withHistory += "\n\n" + h
	}

	if conv.SessionID == "" {
		return e.caller.Complete(ctx, llm.Request{Instructions: withHistory, Prompt: prompt})
	}

	resp, err := e.caller.Complete(ctx, llm.Request{
		Instructions: conversationInstructions,
		Prompt:       prompt,
		SessionID:    conv.SessionID,
	})
	if err == nil {
		return resp, nil
	}
	if !llm.IsSessionExpired(err) {
		return llm.Response{}, err
	}

	e.log.Warn("provider session expired; falling back to history injection",
		logx.String("conversation", conv.ID.String()), logx.Err(err))
	if serr := e.store.SetSessionID(ctx, conv.ID, ""); serr != nil {
		return llm.Response{}, serr
	}
	return e.caller.Complete(ctx, llm.Request{Instructions: withHistory, Prompt: prompt})
}

func (e *ConversationExecutor) applyProfile(ctx context.Context, telegramID int64, reply assistantReply) {
	u, err := e.store.GetUser(ctx, telegramID)
	if err != nil {
		e.log.Warn("profile update skipped", logx.Int64("user", telegramID), logx.Err(err))
		return
	}
	emb, err := e.embedder.Embed(ctx, reply.Profile.Summary)
	if err != nil {
		e.log.Warn("embedding failed; profile stored without vector",
			logx.Int64("user", telegramID), logx.Err(err))
	}
	u.ProfileComplete = true
	u.IsSeeker = reply.Profile.IsSeeker
	u.IsProvider = reply.Profile.IsProvider
	u.Summary = reply.Profile.Summary
	u.Embedding = emb
	if err := e.store.UpdateProfile(ctx, u, e.now().UTC()); err != nil {
		e.log.Warn("profile update failed", logx.Int64("user", telegramID), logx.Err(err))
		return
	}
	e.log.Info("profile updated", logx.Int64("user", telegramID),
		logx.Bool("seeker", u.IsSeeker), logx.Bool("provider", u.IsProvider))
	if e.OnProfileUpdated != nil && len(emb) > 0 {
		e.OnProfileUpdated(telegramID)
	}
}

// parseReply decodes the structured agent output, tolerating plain text and
// code fences from models that ignore the format instruction.
func parseReply(text string) assistantReply {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	var reply assistantReply
	if err := json.Unmarshal([]byte(s), &reply); err == nil && reply.Utterance != "" {
		return reply
	}
	return assistantReply{Utterance: text}
}
