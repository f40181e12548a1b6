package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"matchbot/pkg/logx"
)

type delivery struct {
	userRef int64
	payload Payload
}

type captureSender struct {
	ch  chan delivery
	err error
}

func (s *captureSender) Send(_ context.Context, userRef int64, p Payload) error {
	s.ch <- delivery{userRef: userRef, payload: p}
	return s.err
}

func TestRunDeliversQueuedNotifications(t *testing.T) {
	t.Parallel()
	sender := &captureSender{ch: make(chan delivery, 4)}
	svc := New(Config{QueueSize: 4, RatePerSec: 100}, sender, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	svc.Notify(ctx, 1, Payload{Text: "first"})
	svc.Notify(ctx, 2, Payload{Text: "second", Actions: []Action{{Label: "OK", Data: "x"}}})

	for i, want := range []int64{1, 2} {
		select {
		case d := <-sender.ch:
			if d.userRef != want {
				t.Fatalf("delivery %d to %d, want %d", i, d.userRef, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery %d never arrived", i)
		}
	}
}

func TestNotifyDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	sender := &captureSender{ch: make(chan delivery, 1)}
	svc := New(Config{QueueSize: 1, RatePerSec: 1}, sender, logx.Nop())
	ctx := context.Background()

	// No Run loop draining: the second enqueue must not block.
	done := make(chan struct{})
	go func() {
		svc.Notify(ctx, 1, Payload{Text: "kept"})
		svc.Notify(ctx, 2, Payload{Text: "dropped"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
	if len(svc.queue) != 1 {
		t.Fatalf("queue length = %d, want 1", len(svc.queue))
	}
}

func TestRunSurvivesSenderErrors(t *testing.T) {
	t.Parallel()
	sender := &captureSender{ch: make(chan delivery, 4), err: errors.New("telegram down")}
	svc := New(Config{QueueSize: 4, RatePerSec: 100}, sender, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	svc.Notify(ctx, 1, Payload{Text: "a"})
	svc.Notify(ctx, 2, Payload{Text: "b"})

	for i := 0; i < 2; i++ {
		select {
		case <-sender.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery %d never attempted after earlier failure", i)
		}
	}
}
