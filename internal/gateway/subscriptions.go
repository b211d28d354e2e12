package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zombor/receipt-pipeline/internal/feed"
	"github.com/zombor/receipt-pipeline/internal/receipt"
)

// Feed opens a change stream for one receipt
type Feed interface {
	Subscribe(ctx context.Context, receiptID string) (<-chan feed.Event, func(), error)
}

type subscription struct {
	cancel  func()
	once    sync.Once
	stopped atomic.Bool
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.stopped.Store(true)
		s.cancel()
	})
}

// Subscriptions keeps at most one live change subscription per receipt id.
// A new Subscribe for an id replaces the previous one.
type Subscriptions struct {
	feed   Feed
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewSubscriptions creates a registry on top of f
func NewSubscriptions(f Feed, logger *slog.Logger) *Subscriptions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriptions{
		feed:   f,
		logger: logger,
		subs:   make(map[string]*subscription),
	}
}

// Subscribe calls onUpdate with every newer version of the receipt until the returned
// function is called. Calling it more than once is a no-op, and it never removes a
// subscription that replaced this one.
func (s *Subscriptions) Subscribe(ctx context.Context, receiptID string, onUpdate func(*receipt.Receipt)) (func(), error) {
	events, cancel, err := s.feed.Subscribe(context.WithoutCancel(ctx), receiptID)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", receiptID, err)
	}
	sub := &subscription{cancel: cancel}

	s.mu.Lock()
	prev := s.subs[receiptID]
	s.subs[receiptID] = sub
	s.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	go s.deliver(receiptID, sub, events, onUpdate)

	return func() {
		s.mu.Lock()
		if s.subs[receiptID] == sub {
			delete(s.subs, receiptID)
		}
		s.mu.Unlock()
		sub.stop()
	}, nil
}

func (s *Subscriptions) deliver(receiptID string, sub *subscription, events <-chan feed.Event, onUpdate func(*receipt.Receipt)) {
	last := int64(-1)
	for ev := range events {
		if sub.stopped.Load() {
			return
		}
		if ev.Record.ID != receiptID {
			continue
		}
		if ev.Record.Revision <= last {
			continue
		}

		rec, err := receipt.FromRow(ev.Record)
		if err != nil {
			s.logger.Warn("Dropping undecodable change event", "receipt_id", receiptID, "error", err)
			continue
		}
		last = ev.Record.Revision

		if sub.stopped.Load() {
			return
		}
		onUpdate(rec)
	}
}

// UnsubscribeAll tears down every open subscription; safe to call with none open
func (s *Subscriptions) UnsubscribeAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]*subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// Len returns the number of open subscriptions
func (s *Subscriptions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
