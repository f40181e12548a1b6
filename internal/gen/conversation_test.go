package gen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"matchbot/internal/llm"
	"matchbot/internal/notify"
	"matchbot/internal/storage"
	"matchbot/pkg/logx"
)

type fakeConvStore struct {
	conv      *storage.Conversation
	prompt    string
	hasPrompt bool
	user      *storage.User
	appendErr error

	sessionIDs []string
	appended   []storage.Turn
	updated    *storage.User
}

func (f *fakeConvStore) GetConversation(context.Context, uuid.UUID) (*storage.Conversation, error) {
	return f.conv, nil
}

func (f *fakeConvStore) TakePendingPrompt(context.Context, uuid.UUID) (string, bool, error) {
	p, ok := f.prompt, f.hasPrompt
	f.prompt, f.hasPrompt = "", false
	return p, ok, nil
}

func (f *fakeConvStore) AppendTurns(_ context.Context, _ uuid.UUID, _ time.Time, turns ...storage.Turn) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, turns...)
	return nil
}

func (f *fakeConvStore) SetSessionID(_ context.Context, _ uuid.UUID, id string) error {
	f.sessionIDs = append(f.sessionIDs, id)
	return nil
}

func (f *fakeConvStore) GetUser(context.Context, int64) (*storage.User, error) {
	if f.user == nil {
		return nil, storage.ErrNotFound
	}
	return f.user, nil
}

func (f *fakeConvStore) UpdateProfile(_ context.Context, u *storage.User, _ time.Time) error {
	f.updated = u
	return nil
}

// scriptedCaller returns canned responses (or errors) in order.
type scriptedCaller struct {
	reqs []llm.Request
	out  []func() (llm.Response, error)
}

func (s *scriptedCaller) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	s.reqs = append(s.reqs, req)
	if len(s.out) == 0 {
		return llm.Response{}, errors.New("unscripted call")
	}
	next := s.out[0]
	s.out = s.out[1:]
	return next()
}

type fixedEmbedder struct{ vec []float32 }

func (f fixedEmbedder) Embed(context.Context, string) ([]float32, error) { return f.vec, nil }

type discardSender struct{}

func (discardSender) Send(context.Context, int64, notify.Payload) error { return nil }

func testNotifier() *notify.Service {
	return notify.New(notify.Config{}, discardSender{}, logx.Nop())
}

func newConvFixture(conv *storage.Conversation, prompt string, caller llm.Caller) (*ConversationExecutor, *fakeConvStore) {
	st := &fakeConvStore{conv: conv, prompt: prompt, hasPrompt: prompt != ""}
	e := NewConversationExecutor(st, caller, fixedEmbedder{vec: []float32{1, 0}}, testNotifier(), "gpt-5-mini", logx.Nop())
	return e, st
}

func TestExecuteNoPendingPromptIsTerminal(t *testing.T) {
	t.Parallel()
	conv := &storage.Conversation{ID: uuid.New(), TelegramID: 7}
	e, _ := newConvFixture(conv, "", &scriptedCaller{})

	_, err := e.Execute(context.Background(), &storage.Generation{ConversationID: conv.ID})
	if err == nil {
		t.Fatal("expected error for missing prompt")
	}
}

func TestExecuteSessionExpiredFallsBackToHistory(t *testing.T) {
	t.Parallel()
	conv := &storage.Conversation{
		ID:         uuid.New(),
		TelegramID: 7,
		SessionID:  "resp_old",
		History: []storage.Turn{
			{Role: "user", Content: "hello there"},
			{Role: "assistant", Content: "hi!"},
		},
	}
	caller := &scriptedCaller{out: []func() (llm.Response, error){
		func() (llm.Response, error) {
			return llm.Response{}, fmt.Errorf("status 404: %w", llm.ErrSessionExpired)
		},
		func() (llm.Response, error) {
			return llm.Response{Text: `{"utterance":"welcome back","profile":null}`, SessionID: "resp_new"}, nil
		},
	}}
	e, st := newConvFixture(conv, "are you there?", caller)

	_, err := e.Execute(context.Background(), &storage.Generation{ConversationID: conv.ID})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(caller.reqs) != 2 {
		t.Fatalf("got %d provider calls, want 2 (session then fallback)", len(caller.reqs))
	}
	if caller.reqs[0].SessionID != "resp_old" {
		t.Fatalf("first call session = %q, want resp_old", caller.reqs[0].SessionID)
	}
	if caller.reqs[1].SessionID != "" {
		t.Fatalf("fallback call must be stateless, got session %q", caller.reqs[1].SessionID)
	}
	if !strings.Contains(caller.reqs[1].Instructions, "hello there") {
		t.Fatal("fallback instructions missing injected history")
	}
	// Expired reference cleared first, then the fresh one stored.
	if len(st.sessionIDs) != 2 || st.sessionIDs[0] != "" || st.sessionIDs[1] != "resp_new" {
		t.Fatalf("session writes = %v, want [\"\" resp_new]", st.sessionIDs)
	}
}

func TestExecuteAppendsBothTurns(t *testing.T) {
	t.Parallel()
	conv := &storage.Conversation{ID: uuid.New(), TelegramID: 7}
	caller := &scriptedCaller{out: []func() (llm.Response, error){
		func() (llm.Response, error) {
			return llm.Response{Text: `{"utterance":"nice to meet you","profile":null}`, SessionID: "resp_1"}, nil
		},
	}}
	e, st := newConvFixture(conv, "hi, I'm new", caller)

	_, err := e.Execute(context.Background(), &storage.Generation{ConversationID: conv.ID})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(st.appended) != 2 {
		t.Fatalf("appended %d turns, want 2", len(st.appended))
	}
	if st.appended[0].Role != "user" || st.appended[0].Content != "hi, I'm new" {
		t.Fatalf("first turn = %+v", st.appended[0])
	}
	if st.appended[1].Role != "assistant" || st.appended[1].Content != "nice to meet you" {
		t.Fatalf("second turn = %+v", st.appended[1])
	}
}

func TestExecuteCompleteProfileUpdatesUser(t *testing.T) {
	t.Parallel()
	conv := &storage.Conversation{ID: uuid.New(), TelegramID: 7}
	caller := &scriptedCaller{out: []func() (llm.Response, error){
		func() (llm.Response, error) {
			return llm.Response{Text: `{"utterance":"got it, your profile is ready","profile":{"summary":"Designer seeking a mentor","is_seeker":true,"is_provider":false}}`}, nil
		},
	}}
	e, st := newConvFixture(conv, "that's all about me", caller)
	st.user = &storage.User{TelegramID: 7, Active: true}

	var woke int64
	e.OnProfileUpdated = func(id int64) { woke = id }

	_, err := e.Execute(context.Background(), &storage.Generation{ConversationID: conv.ID})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if st.updated == nil {
		t.Fatal("profile not persisted")
	}
	if !st.updated.ProfileComplete || !st.updated.IsSeeker || st.updated.IsProvider {
		t.Fatalf("profile flags wrong: %+v", st.updated)
	}
	if len(st.updated.Embedding) == 0 {
		t.Fatal("embedding missing")
	}
	if woke != 7 {
		t.Fatalf("OnProfileUpdated got %d, want 7", woke)
	}
}

func TestExecuteStoreFailureKeepsBilledUsage(t *testing.T) {
	t.Parallel()
	conv := &storage.Conversation{ID: uuid.New(), TelegramID: 7}
	caller := &scriptedCaller{out: []func() (llm.Response, error){
		func() (llm.Response, error) {
			return llm.Response{
				Text:      `{"utterance":"hello","profile":null}`,
				SessionID: "resp_1",
				Usage:     llm.Usage{UncachedInputTokens: 1000, OutputTokens: 500},
			}, nil
		},
	}}
	e, st := newConvFixture(conv, "hi", caller)
	st.appendErr = errors.New("disk full")

	out, err := e.Execute(context.Background(), &storage.Generation{ConversationID: conv.ID})
	if err == nil {
		t.Fatal("expected the store error to surface")
	}
	// The provider already billed the call; the outcome must carry the
	// usage so the budget sees it.
	if out.Usage.UncachedInputTokens != 1000 || out.Usage.OutputTokens != 500 {
		t.Fatalf("usage discarded on store failure: %+v", out.Usage)
	}
	if out.CostUSD <= 0 {
		t.Fatalf("cost = %v, want > 0 for a priced model", out.CostUSD)
	}
	if out.ProviderResponseID != "resp_1" {
		t.Fatalf("provider response id = %q, want resp_1", out.ProviderResponseID)
	}
}

func TestParseReply(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain json", `{"utterance":"hello","profile":null}`, "hello"},
		{"fenced json", "```json\n{\"utterance\":\"hello\",\"profile\":null}\n```", "hello"},
		{"bare fence", "```\n{\"utterance\":\"hello\",\"profile\":null}\n```", "hello"},
		{"plain text fallback", "just words, no json", "just words, no json"},
		{"empty utterance falls back", `{"utterance":"","profile":null}`, `{"utterance":"","profile":null}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := parseReply(tc.in).Utterance; got != tc.want {
				t.Fatalf("parseReply(%q).Utterance = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
