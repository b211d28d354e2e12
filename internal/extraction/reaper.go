package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/receipt-pipeline/internal/receipt"
)

// TimedOutMessage is recorded on receipts the reaper gives up on
const TimedOutMessage = "processing timed out"

var errNotStale = errors.New("receipt is not stale")

// Reaper moves receipts stuck in processing to error once they exceed staleAfter
type Reaper struct {
	db         receipt.DB
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewReaper creates a Reaper that sweeps every interval
func NewReaper(db receipt.DB, staleAfter, interval time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		db:         db,
		staleAfter: staleAfter,
		interval:   interval,
		now:        time.Now,
		logger:     logger,
	}
}

// Run sweeps on a ticker until ctx is cancelled
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("Reaper sweep failed", "error", err)
			}
		}
	}
}

// Sweep fails every stale processing receipt and returns how many it moved
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	receipts, err := r.db.ListReceipts(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing receipts: %w", err)
	}

	reaped := 0
	for _, rec := range receipts {
		if rec.Status != receipt.StatusProcessing || !r.stale(rec) {
			continue
		}

		_, err := r.db.UpdateReceipt(ctx, rec.ID, func(fresh *receipt.Receipt) error {
			if fresh.Status == receipt.StatusProcessing && !r.stale(fresh) {
				return errNotStale
			}
			return fresh.Fail(TimedOutMessage, r.now())
		})
		switch {
		case err == nil:
			reaped++
			r.logger.Warn("Reaped stale receipt", "receipt_id", rec.ID, "updated_at", rec.UpdatedAt)
		case errors.Is(err, errNotStale), errors.Is(err, receipt.ErrTerminal), errors.Is(err, receipt.ErrNotFound):
		default:
			r.logger.Error("Failed to reap receipt", "receipt_id", rec.ID, "error", err)
		}
	}
	return reaped, nil
}

func (r *Reaper) stale(rec *receipt.Receipt) bool {
	return r.now().Sub(rec.UpdatedAt) > r.staleAfter
}
