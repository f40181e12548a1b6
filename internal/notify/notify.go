// Package notify is the async outbound message pipeline. Deliveries are
// fire-and-forget from the caller's perspective: enqueue never blocks, a
// single worker drains the queue under a rate limit (Telegram caps bot
// throughput), and failures are logged, not surfaced.
package notify

import (
	"context"

	"golang.org/x/time/rate"

	"matchbot/pkg/logx"
)

// Action is a button attached to a notification. Data round-trips through
// the transport's callback mechanism.
type Action struct {
	Label string
	Data  string
}

type Payload struct {
	Text    string
	Actions []Action
}

// Sender delivers one payload to one user. Implemented by the transport.
type Sender interface {
	Send(ctx context.Context, userRef int64, p Payload) error
}

type Config struct {
	QueueSize  int
	RatePerSec int
}

type item struct {
	userRef int64
	payload Payload
}

type Service struct {
	sender  Sender
	limiter *rate.Limiter
	queue   chan item
	log     logx.Logger
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	qs := cfg.QueueSize
	if qs <= 0 {
		qs = 256
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	return &Service{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		queue:   make(chan item, qs),
		log:     log,
	}
}

// Notify enqueues a delivery. Never blocks; drops when the queue is full.
func (s *Service) Notify(ctx context.Context, userRef int64, p Payload) {
	select {
	case s.queue <- item{userRef: userRef, payload: p}:
	default:
		s.log.Warn("notification dropped (queue full)", logx.Int64("user", userRef))
	}
}

// Run drains the queue until ctx is done.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if err := s.sender.Send(ctx, it.userRef, it.payload); err != nil {
				s.log.Warn("notification send failed",
					logx.Int64("user", it.userRef), logx.Err(err))
			}
		}
	}
}
