package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"matchbot/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustUser(t *testing.T, s *Store, id int64, now time.Time) *User {
	t.Helper()
	u, err := s.EnsureUser(context.Background(), id, now)
	if err != nil {
		t.Fatalf("EnsureUser(%d): %v", id, err)
	}
	return u
}

func mustConversation(t *testing.T, s *Store, telegramID int64, now time.Time) *Conversation {
	t.Helper()
	mustUser(t, s, telegramID, now)
	c, err := s.EnsureConversation(context.Background(), telegramID, now)
	if err != nil {
		t.Fatalf("EnsureConversation(%d): %v", telegramID, err)
	}
	return c
}

func TestEnsureUserIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	now := time.Now().UTC()

	u1 := mustUser(t, s, 42, now)
	u2 := mustUser(t, s, 42, now.Add(time.Hour))
	if u1.TelegramID != u2.TelegramID {
		t.Fatalf("ids differ: %d vs %d", u1.TelegramID, u2.TelegramID)
	}
	if !u2.CreatedAt.Equal(u1.CreatedAt) {
		t.Fatalf("re-ensure must not touch created_at: %v vs %v", u1.CreatedAt, u2.CreatedAt)
	}
	if !u1.Active {
		t.Fatal("new users start active")
	}
}

func TestEnsureConversationOnePerUser(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	now := time.Now().UTC()

	c1 := mustConversation(t, s, 42, now)
	c2 := mustConversation(t, s, 42, now.Add(time.Minute))
	if c1.ID != c2.ID {
		t.Fatalf("got two conversations for one user: %v vs %v", c1.ID, c2.ID)
	}
}

func TestPendingPromptTakenOnce(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	c := mustConversation(t, s, 42, now)

	if err := s.SetPendingPrompt(ctx, c.ID, "first", now); err != nil {
		t.Fatalf("SetPendingPrompt: %v", err)
	}
	// A newer message overwrites the unconsumed one.
	if err := s.SetPendingPrompt(ctx, c.ID, "second", now); err != nil {
		t.Fatalf("SetPendingPrompt: %v", err)
	}

	prompt, ok, err := s.TakePendingPrompt(ctx, c.ID)
	if err != nil || !ok {
		t.Fatalf("TakePendingPrompt: %v ok=%v", err, ok)
	}
	if prompt != "second" {
		t.Fatalf("prompt = %q, want the overwriting message", prompt)
	}

	_, ok, err = s.TakePendingPrompt(ctx, c.ID)
	if err != nil {
		t.Fatalf("second take: %v", err)
	}
	if ok {
		t.Fatal("prompt must be consumed exactly once")
	}
}

func TestAppendTurnsAccumulates(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	c := mustConversation(t, s, 42, now)

	if err := s.AppendTurns(ctx, c.ID, now,
		Turn{Role: "user", Content: "hi"},
		Turn{Role: "assistant", Content: "hello"},
	); err != nil {
		t.Fatalf("AppendTurns: %v", err)
	}
	if err := s.AppendTurns(ctx, c.ID, now, Turn{Role: "user", Content: "more"}); err != nil {
		t.Fatalf("AppendTurns: %v", err)
	}

	got, err := s.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if len(got.History) != 3 {
		t.Fatalf("history length = %d, want 3", len(got.History))
	}
	if got.History[2].Content != "more" {
		t.Fatalf("last turn = %+v", got.History[2])
	}
}

func TestGenerationLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	c := mustConversation(t, s, 42, now)

	g := &Generation{
		ID:             uuid.New(),
		Kind:           KindConversation,
		ConversationID: c.ID,
		Status:         GenPending,
		ScheduledFor:   now.Add(time.Minute),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.CreateGeneration(ctx, g); err != nil {
		t.Fatalf("CreateGeneration: %v", err)
	}

	// One open generation per subject.
	dup := *g
	dup.ID = uuid.New()
	if err := s.CreateGeneration(ctx, &dup); !errors.Is(err, ErrOpenSubject) {
		t.Fatalf("duplicate create err = %v, want ErrOpenSubject", err)
	}

	// Not ripe yet.
	due, err := s.NextDue(ctx, now)
	if err != nil {
		t.Fatalf("NextDue: %v", err)
	}
	if due != nil {
		t.Fatalf("record due before scheduled_for: %+v", due)
	}

	due, err = s.NextDue(ctx, now.Add(2*time.Minute))
	if err != nil || due == nil {
		t.Fatalf("NextDue after ripening: %v %v", due, err)
	}
	if due.ID != g.ID || due.ConversationID != c.ID {
		t.Fatalf("wrong record due: %+v", due)
	}

	ok, err := s.Claim(ctx, g.ID, now)
	if err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	ok, err = s.Claim(ctx, g.ID, now)
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if ok {
		t.Fatal("claim must be exclusive")
	}

	open, err := s.HasOpenGeneration(ctx, KindConversation)
	if err != nil || !open {
		t.Fatalf("HasOpenGeneration = %v %v, want true while in progress", open, err)
	}

	g.Status = GenSucceeded
	g.CostUSD = 0.05
	g.OutputTokens = 123
	g.ProviderResponseID = "resp_1"
	if err := s.FinishGeneration(ctx, g, now.Add(3*time.Minute)); err != nil {
		t.Fatalf("FinishGeneration: %v", err)
	}

	open, err = s.HasOpenGeneration(ctx, KindConversation)
	if err != nil || open {
		t.Fatalf("HasOpenGeneration = %v %v, want false after finish", open, err)
	}

	cost, found, err := s.LastCompletedCost(ctx, KindConversation)
	if err != nil || !found {
		t.Fatalf("LastCompletedCost: found=%v err=%v", found, err)
	}
	if cost != 0.05 {
		t.Fatalf("cost = %v, want 0.05", cost)
	}

	spend, err := s.SpendSince(ctx, now)
	if err != nil {
		t.Fatalf("SpendSince: %v", err)
	}
	if spend[KindConversation] != 0.05 {
		t.Fatalf("spend = %v", spend)
	}
}

func TestCreateGenerationConcurrentOpenSubject(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	c := mustConversation(t, s, 42, now)

	newGen := func() *Generation {
		return &Generation{
			ID: uuid.New(), Kind: KindConversation, ConversationID: c.ID,
			Status: GenPending, ScheduledFor: now, CreatedAt: now, UpdatedAt: now,
		}
	}

	// Telegram handlers run concurrently, so the open-subject guard must
	// hold inside the insert itself. Exactly one of these may land.
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- s.CreateGeneration(ctx, newGen()) }()
	}
	var inserted, refused int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			inserted++
		case errors.Is(err, ErrOpenSubject):
			refused++
		default:
			t.Fatalf("CreateGeneration: %v", err)
		}
	}
	if inserted != 1 || refused != 1 {
		t.Fatalf("inserted=%d refused=%d, want exactly one winner", inserted, refused)
	}

	// Finishing the open record frees the subject for the next enqueue.
	g, err := s.NextDue(ctx, now)
	if err != nil || g == nil {
		t.Fatalf("NextDue: %v %v", g, err)
	}
	if ok, err := s.Claim(ctx, g.ID, now); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	g.Status = GenFailed
	if err := s.FinishGeneration(ctx, g, now); err != nil {
		t.Fatalf("FinishGeneration: %v", err)
	}
	if err := s.CreateGeneration(ctx, newGen()); err != nil {
		t.Fatalf("insert after finish: %v", err)
	}
}

func TestMaxScheduledForTracksOpenTail(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, found, err := s.MaxScheduledFor(ctx, KindConversation)
	if err != nil {
		t.Fatalf("MaxScheduledFor: %v", err)
	}
	if found {
		t.Fatal("empty queue reported a tail")
	}

	c1 := mustConversation(t, s, 1, now)
	c2 := mustConversation(t, s, 2, now)
	for i, conv := range []*Conversation{c1, c2} {
		g := &Generation{
			ID:             uuid.New(),
			Kind:           KindConversation,
			ConversationID: conv.ID,
			Status:         GenPending,
			ScheduledFor:   now.Add(time.Duration(i+1) * time.Hour),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.CreateGeneration(ctx, g); err != nil {
			t.Fatalf("CreateGeneration %d: %v", i, err)
		}
	}

	tail, found, err := s.MaxScheduledFor(ctx, KindConversation)
	if err != nil || !found {
		t.Fatalf("MaxScheduledFor: found=%v err=%v", found, err)
	}
	if !tail.Equal(now.Add(2 * time.Hour)) {
		t.Fatalf("tail = %v, want %v", tail, now.Add(2*time.Hour))
	}
}

func TestReclaimStale(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	c := mustConversation(t, s, 42, now)

	g := &Generation{
		ID:             uuid.New(),
		Kind:           KindConversation,
		ConversationID: c.ID,
		Status:         GenPending,
		ScheduledFor:   now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.CreateGeneration(ctx, g); err != nil {
		t.Fatalf("CreateGeneration: %v", err)
	}
	if ok, err := s.Claim(ctx, g.ID, now); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}

	// Fresh claim survives.
	n, err := s.ReclaimStale(ctx, KindConversation, now.Add(-time.Minute), now)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if n != 0 {
		t.Fatalf("reclaimed %d fresh records", n)
	}

	// Cutoff past the claim time reclaims it.
	n, err = s.ReclaimStale(ctx, KindConversation, now.Add(time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d records, want 1", n)
	}
	due, err := s.NextDue(ctx, now.Add(2*time.Minute))
	if err != nil || due == nil {
		t.Fatalf("reclaimed record not due: %v %v", due, err)
	}
	if due.Status != GenPending {
		t.Fatalf("status = %q, want pending", due.Status)
	}
}

func TestMatchTransitionIsCompareAndSet(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	mustUser(t, s, 1, now)
	mustUser(t, s, 2, now)

	m := &Match{
		ID: uuid.New(), UserA: 1, UserB: 2,
		MatchingRound: 1, Similarity: 0.9,
		Status: MatchPending, CreatedAt: now,
	}
	if err := s.CreateMatch(ctx, m); err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}

	ok, err := s.TransitionMatch(ctx, m.ID, MatchPending, MatchAAccepted)
	if err != nil || !ok {
		t.Fatalf("transition: ok=%v err=%v", ok, err)
	}
	// Stale expectation loses.
	ok, err = s.TransitionMatch(ctx, m.ID, MatchPending, MatchBAccepted)
	if err != nil {
		t.Fatalf("stale transition: %v", err)
	}
	if ok {
		t.Fatal("transition with stale from-state must fail")
	}

	got, err := s.GetMatch(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMatch: %v", err)
	}
	if got.Status != MatchAAccepted {
		t.Fatalf("status = %q, want a_accepted", got.Status)
	}
}

func TestCursorAdvanceIsConditional(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	round, err := s.CursorRound(ctx)
	if err != nil {
		t.Fatalf("CursorRound: %v", err)
	}
	if round != 1 {
		t.Fatalf("initial round = %d, want 1", round)
	}

	next, err := s.AdvanceRound(ctx, 1)
	if err != nil || next != 2 {
		t.Fatalf("AdvanceRound: %d %v", next, err)
	}
	// Racing advance with the stale round is a no-op.
	next, err = s.AdvanceRound(ctx, 1)
	if err != nil || next != 2 {
		t.Fatalf("stale AdvanceRound bumped the cursor: %d %v", next, err)
	}
}

func TestTriedInRoundAndPriorPartners(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, id := range []int64{1, 2, 3} {
		mustUser(t, s, id, now)
	}

	pair := &Match{ID: uuid.New(), UserA: 1, UserB: 2, MatchingRound: 1, Status: MatchPending, CreatedAt: now}
	solo := &Match{ID: uuid.New(), UserA: 3, MatchingRound: 1, Status: MatchUnmatched, CreatedAt: now}
	old := &Match{ID: uuid.New(), UserA: 2, UserB: 3, MatchingRound: 0, Status: MatchRejected, CreatedAt: now}
	for _, m := range []*Match{pair, solo, old} {
		if err := s.CreateMatch(ctx, m); err != nil {
			t.Fatalf("CreateMatch: %v", err)
		}
	}

	tried, err := s.TriedInRound(ctx, 1)
	if err != nil {
		t.Fatalf("TriedInRound: %v", err)
	}
	if !tried[1] || !tried[3] || tried[2] {
		t.Fatalf("tried = %v, want {1,3}: unmatched attempts count, other rounds do not", tried)
	}

	partners, err := s.PriorPartners(ctx, 2)
	if err != nil {
		t.Fatalf("PriorPartners: %v", err)
	}
	if !partners[1] || !partners[3] || len(partners) != 2 {
		t.Fatalf("partners of 2 = %v, want both directions {1,3}", partners)
	}
}

func TestNextUserAEligibilityAndOrder(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	complete := func(id int64, at time.Time) {
		u := mustUser(t, s, id, now)
		u.ProfileComplete = true
		u.IsSeeker = true
		u.Summary = "s"
		u.Embedding = []float32{1, 0}
		if err := s.UpdateProfile(ctx, u, at); err != nil {
			t.Fatalf("UpdateProfile(%d): %v", id, err)
		}
	}

	mustUser(t, s, 1, now) // incomplete profile, never eligible
	complete(2, now.Add(2*time.Hour))
	complete(3, now.Add(time.Hour)) // older profile, served first
	complete(4, now)
	if err := s.SetUserActive(ctx, 4, false); err != nil {
		t.Fatalf("SetUserActive: %v", err)
	}

	u, err := s.NextUserA(ctx, nil)
	if err != nil {
		t.Fatalf("NextUserA: %v", err)
	}
	if u == nil || u.TelegramID != 3 {
		t.Fatalf("next = %+v, want user 3 (oldest eligible profile)", u)
	}
	if !u.Eligible() {
		t.Fatalf("NextUserA returned an ineligible user: %+v", u)
	}

	u, err = s.NextUserA(ctx, map[int64]bool{3: true})
	if err != nil {
		t.Fatalf("NextUserA: %v", err)
	}
	if u == nil || u.TelegramID != 2 {
		t.Fatalf("next = %+v, want user 2 once 3 is excluded", u)
	}

	u, err = s.NextUserA(ctx, map[int64]bool{2: true, 3: true})
	if err != nil {
		t.Fatalf("NextUserA: %v", err)
	}
	if u != nil {
		t.Fatalf("next = %+v, want nil: inactive and incomplete users never qualify", u)
	}

	if one, err := s.GetUser(ctx, 1); err != nil || one.Eligible() {
		t.Fatalf("user without a profile must be ineligible: %+v err=%v", one, err)
	}
}
