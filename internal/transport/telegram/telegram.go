// Package telegram adapts the bot's inbound and outbound traffic to the
// Telegram Bot API via telebot long polling. Inbound text becomes a pending
// prompt plus a queued conversation generation; inline button taps route to
// the consent state machine; outbound deliveries implement notify.Sender.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	tele "gopkg.in/telebot.v4"

	"matchbot/internal/matching"
	"matchbot/internal/notify"
	"matchbot/internal/storage"
	"matchbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Store is the persistence surface the adapter needs.
type Store interface {
	EnsureUser(ctx context.Context, telegramID int64, now time.Time) (*storage.User, error)
	SetUserActive(ctx context.Context, telegramID int64, active bool) error
	EnsureConversation(ctx context.Context, telegramID int64, now time.Time) (*storage.Conversation, error)
	SetPendingPrompt(ctx context.Context, id uuid.UUID, prompt string, now time.Time) error
}

// Enqueuer schedules a conversation generation for a prompt.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind storage.Kind, subject uuid.UUID) (*storage.Generation, error)
}

type Adapter struct {
	cfg     Config
	log     logx.Logger
	store   Store
	orch    Enqueuer
	consent *matching.Consent
	now     func() time.Time

	bot *tele.Bot

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	hctx      context.Context

	// procNudge pokes the generation processor after a prompt is queued.
	procNudge func()
}

func New(cfg Config, store Store, orch Enqueuer, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:   cfg,
		log:   log,
		store: store,
		orch:  orch,
		now:   time.Now,
		bot:   b,
	}, nil
}

// SetConsent installs the consent handler. Separate from New because the
// handler's notifier delivers through this adapter.
func (a *Adapter) SetConsent(c *matching.Consent) { a.consent = c }

// SetProcessorNudge installs the wake-up hook for the generation processor.
func (a *Adapter) SetProcessorNudge(fn func()) { a.procNudge = fn }

func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.hctx = rctx
	a.runWG.Add(1)
	a.runMu.Unlock()

	a.bot.Handle("/start", a.onStart)
	a.bot.Handle("/stop", a.onStop)
	a.bot.Handle(tele.OnText, a.onText)
	a.bot.Handle(tele.OnCallback, a.onCallback)

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop() called
	}()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	go a.bot.Stop()

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// Keep shutdown snappy even if getUpdates is still mid long-poll.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		a.log.Info("polling stopped")
	case <-t.C:
		a.log.Warn("polling stop timed out; abandoning long-poll")
	}
	return nil
}

const welcomeText = `Hi! I'm a matchmaking assistant.

Tell me a bit about yourself: what you're looking for, and what you can offer. Once your profile is complete I'll start looking for matches.`

func (a *Adapter) onStart(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	ctx := a.handlerCtx()
	if _, err := a.store.EnsureUser(ctx, sender.ID, a.now().UTC()); err != nil {
		a.log.Error("ensure user failed", logx.Int64("user", sender.ID), logx.Err(err))
		return c.Send("Something went wrong, please try again.")
	}
	if err := a.store.SetUserActive(ctx, sender.ID, true); err != nil {
		a.log.Warn("activate failed", logx.Int64("user", sender.ID), logx.Err(err))
	}
	return c.Send(welcomeText)
}

func (a *Adapter) onStop(c tele.Context) error {
	sender := c.Sender()
	if sender == nil {
		return nil
	}
	if err := a.store.SetUserActive(a.handlerCtx(), sender.ID, false); err != nil {
		a.log.Error("deactivate failed", logx.Int64("user", sender.ID), logx.Err(err))
		return c.Send("Something went wrong, please try again.")
	}
	return c.Send("You're paused. Send /start whenever you want to resume matching.")
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil {
		return nil
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return nil
	}
	ctx := a.handlerCtx()
	now := a.now().UTC()

	if _, err := a.store.EnsureUser(ctx, m.Sender.ID, now); err != nil {
		a.log.Error("ensure user failed", logx.Int64("user", m.Sender.ID), logx.Err(err))
		return c.Send("Something went wrong, please try again.")
	}
	conv, err := a.store.EnsureConversation(ctx, m.Sender.ID, now)
	if err != nil {
		a.log.Error("ensure conversation failed", logx.Int64("user", m.Sender.ID), logx.Err(err))
		return c.Send("Something went wrong, please try again.")
	}
	if err := a.store.SetPendingPrompt(ctx, conv.ID, text, now); err != nil {
		a.log.Error("store prompt failed", logx.String("conversation", conv.ID.String()), logx.Err(err))
		return c.Send("Something went wrong, please try again.")
	}

	_, err = a.orch.Enqueue(ctx, storage.KindConversation, conv.ID)
	switch {
	case err == nil:
		a.log.Debug("conversation generation queued",
			logx.String("conversation", conv.ID.String()), logx.Int64("user", m.Sender.ID))
	case errors.Is(err, storage.ErrOpenSubject):
		// A reply is already owed; the updated prompt rides the open record.
		a.log.Debug("prompt updated on open generation",
			logx.String("conversation", conv.ID.String()))
	default:
		a.log.Error("enqueue failed", logx.String("conversation", conv.ID.String()), logx.Err(err))
		return c.Send("Something went wrong, please try again.")
	}
	if a.procNudge != nil {
		a.procNudge()
	}
	return nil
}

func (a *Adapter) onCallback(c tele.Context) error {
	cb := c.Callback()
	if cb == nil || cb.Sender == nil || a.consent == nil {
		return nil
	}
	data := strings.TrimPrefix(strings.TrimSpace(cb.Data), "\f")
	matchID, action, ok := matching.ParseConsentData(data)
	if !ok {
		a.log.Debug("unrecognized callback", logx.String("data", data))
		return c.Respond(&tele.CallbackResponse{})
	}

	m, err := a.consent.Apply(a.handlerCtx(), matchID, cb.Sender.ID, action)
	switch {
	case errors.Is(err, matching.ErrUnauthorized):
		return c.Respond(&tele.CallbackResponse{Text: "This match isn't yours to decide.", ShowAlert: true})
	case errors.Is(err, matching.ErrNoTransition):
		return c.Respond(&tele.CallbackResponse{Text: consentStateText(m), ShowAlert: true})
	case err != nil:
		a.log.Error("consent action failed",
			logx.String("match", matchID.String()), logx.Int64("actor", cb.Sender.ID), logx.Err(err))
		return c.Respond(&tele.CallbackResponse{Text: "Something went wrong, please try again.", ShowAlert: true})
	}

	// Buttons are spent after a decision lands.
	if msg := c.Message(); msg != nil {
		if _, err := a.bot.EditReplyMarkup(msg, nil); err != nil {
			a.log.Debug("clearing buttons failed", logx.Err(err))
		}
	}
	switch m.Status {
	case storage.MatchConnected:
		return c.Respond(&tele.CallbackResponse{Text: "It's a match!"})
	case storage.MatchRejected:
		return c.Respond(&tele.CallbackResponse{Text: "Declined."})
	default:
		return c.Respond(&tele.CallbackResponse{Text: "Noted! Waiting for the other side."})
	}
}

func consentStateText(m *storage.Match) string {
	if m == nil {
		return "This match is no longer available."
	}
	switch m.Status {
	case storage.MatchConnected:
		return "Already connected."
	case storage.MatchRejected:
		return "This match was already declined."
	default:
		return "Your answer is already in. Waiting for the other side."
	}
}

// Send delivers one notification, rendering actions as an inline keyboard.
// Long text is chunked at the Telegram message limit; the keyboard rides the
// final chunk. Implements notify.Sender.
func (a *Adapter) Send(ctx context.Context, userRef int64, p notify.Payload) error {
	var markup *tele.ReplyMarkup
	if len(p.Actions) > 0 {
		row := make([]tele.InlineButton, 0, len(p.Actions))
		for _, act := range p.Actions {
			row = append(row, tele.InlineButton{Text: act.Label, Data: act.Data})
		}
		markup = &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{row}}
	}

	parts := splitMessage(p.Text)
	for i, part := range parts {
		var opts []any
		if markup != nil && i == len(parts)-1 {
			opts = append(opts, markup)
		}
		if _, err := a.bot.Send(tele.ChatID(userRef), part, opts...); err != nil {
			return err
		}
	}
	return nil
}

// handlerCtx is the context telebot handlers run under; telebot itself does
// not carry one, so handlers borrow the adapter's run context.
func (a *Adapter) handlerCtx() context.Context {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.hctx != nil {
		return a.hctx
	}
	return context.Background()
}
