package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/receipt-pipeline/internal/invoke"
	"github.com/zombor/receipt-pipeline/internal/receipt"
	"github.com/zombor/receipt-pipeline/internal/scanning"
)

// Worker turns a stored receipt image into extracted fields, exactly once per job
type Worker struct {
	db      receipt.DB
	storage receipt.Storage
	creds   receipt.Credentials
	open    scanning.Opener
	invoker invoke.Invoker
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Worker
type Option func(*Worker)

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		w.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// NewWorker creates a Worker. invoker is used to chain the enrichment stage.
func NewWorker(db receipt.DB, storage receipt.Storage, creds receipt.Credentials, open scanning.Opener, invoker invoke.Invoker, opts ...Option) *Worker {
	w := &Worker{
		db:      db,
		storage: storage,
		creds:   creds,
		open:    open,
		invoker: invoker,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Process runs one extraction for receiptID. Failures after the record is located are
// recorded on it as status=error; a record that is already completed or error is left alone.
func (w *Worker) Process(ctx context.Context, receiptID string) error {
	rec, err := w.db.GetReceipt(ctx, receiptID)
	if err != nil {
		return fmt.Errorf("loading receipt: %w", err)
	}
	if rec.Status.Terminal() {
		w.logger.Warn("Receipt already finished, skipping extraction", "receipt_id", receiptID, "status", rec.Status)
		return fmt.Errorf("%w: receipt %s is %s", receipt.ErrTerminal, receiptID, rec.Status)
	}

	ext, err := w.extract(ctx, rec)
	if err != nil {
		return w.fail(ctx, receiptID, err)
	}

	_, err = w.db.UpdateReceipt(ctx, receiptID, func(r *receipt.Receipt) error {
		return r.Complete(ext, w.now())
	})
	if errors.Is(err, receipt.ErrTerminal) {
		w.logger.Warn("Receipt finished while extracting, discarding result", "receipt_id", receiptID)
		return err
	}
	if err != nil {
		return w.fail(ctx, receiptID, fmt.Errorf("saving extraction: %w", err))
	}

	w.logger.Info("Receipt extracted", "receipt_id", receiptID, "merchant", ext.Merchant, "items", len(ext.Items))
	w.enrich(ctx, receiptID)
	return nil
}

func (w *Worker) extract(ctx context.Context, rec *receipt.Receipt) (receipt.Extraction, error) {
	key, err := w.creds.ExtractionKey(ctx, rec.UserID)
	if err != nil {
		return receipt.Extraction{}, fmt.Errorf("resolving credential: %w", err)
	}

	data, err := w.storage.Get(rec.StoragePath)
	if err != nil {
		return receipt.Extraction{}, fmt.Errorf("%w: downloading image: %w", receipt.ErrTransfer, err)
	}

	model, err := w.open(ctx, key)
	if err != nil {
		return receipt.Extraction{}, fmt.Errorf("opening model: %w", err)
	}
	defer model.Close()

	scan, err := scanning.NewScannerWithClock(model, w.now).ScanReceipt(ctx, data, rec.ContentType)
	if err != nil {
		return receipt.Extraction{}, fmt.Errorf("scanning receipt: %w", err)
	}
	return scan.Extraction(), nil
}

// fail records cause on the receipt; if that write fails too the record stays in processing
// until the reaper picks it up
func (w *Worker) fail(ctx context.Context, receiptID string, cause error) error {
	w.logger.Error("Extraction failed", "receipt_id", receiptID, "error", cause)

	_, err := w.db.UpdateReceipt(context.WithoutCancel(ctx), receiptID, func(r *receipt.Receipt) error {
		return r.Fail(cause.Error(), w.now())
	})
	if err != nil {
		w.logger.Error("Failed to record extraction error", "receipt_id", receiptID, "error", err)
	}
	return cause
}

// enrich chains the enrichment stage without waiting for it
func (w *Worker) enrich(ctx context.Context, receiptID string) {
	if w.invoker == nil {
		return
	}
	go func() {
		dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := w.invoker.Invoke(dispatchCtx, invoke.ComparePrices, receiptID); err != nil {
			w.logger.Error("Failed to dispatch price comparison", "receipt_id", receiptID, "error", err)
		}
	}()
}
