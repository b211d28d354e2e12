package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/zombor/receipt-pipeline/internal/receipt"
)

const (
	// TypeUpdate is the only event type the pipeline emits
	TypeUpdate = "UPDATE"
	// TableReceipts is the table every event refers to
	TableReceipts = "receipts"

	// DefaultBuffer is the per-subscriber queue length
	DefaultBuffer = 16
)

// Event is one row change: the full row image after an update
type Event struct {
	Type   string      `json:"type"`
	Table  string      `json:"table"`
	Record receipt.Row `json:"record"`
}

// NewUpdate wraps a row in an UPDATE event
func NewUpdate(row receipt.Row) Event {
	return Event{Type: TypeUpdate, Table: TableReceipts, Record: row}
}

type subscriber struct {
	ch chan Event
}

// Broker fans change events out to the subscribers of each receipt id
type Broker struct {
	buffer int
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

// NewBroker creates a Broker; buffer <= 0 uses DefaultBuffer
func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		buffer: buffer,
		logger: logger,
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// Publish delivers row to the subscribers of row.ID without blocking. A full subscriber
// loses its oldest queued event; every event carries the whole row so the newest wins.
func (b *Broker) Publish(row receipt.Row) {
	ev := NewUpdate(row)

	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[row.ID] {
		for {
			select {
			case sub.ch <- ev:
			default:
				select {
				case <-sub.ch:
					b.logger.Warn("Subscriber lagging, dropped oldest event", "receipt_id", row.ID)
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribe registers for the events of one receipt. The channel is closed once cancel is
// called or ctx is done.
func (b *Broker) Subscribe(ctx context.Context, receiptID string) (<-chan Event, func(), error) {
	sub := &subscriber{ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	if b.subs[receiptID] == nil {
		b.subs[receiptID] = make(map[*subscriber]struct{})
	}
	b.subs[receiptID][sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[receiptID], sub)
			if len(b.subs[receiptID]) == 0 {
				delete(b.subs, receiptID)
			}
			close(sub.ch)
		})
	}

	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			cancel()
		}()
	}
	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions for a receipt
func (b *Broker) Subscribers(receiptID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[receiptID])
}
