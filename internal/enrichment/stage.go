package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/receipt-pipeline/internal/receipt"
	"github.com/zombor/receipt-pipeline/internal/scanning"
)

// ErrNotCompleted means the receipt has no extracted items to compare yet
var ErrNotCompleted = errors.New("receipt is not completed")

// Stage finds cheaper alternatives for the line items of completed receipts
type Stage struct {
	db     receipt.DB
	creds  receipt.Credentials
	open   scanning.Opener
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Stage
type Option func(*Stage)

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(s *Stage) {
		s.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stage) {
		s.logger = logger
	}
}

// NewStage creates a Stage
func NewStage(db receipt.DB, creds receipt.Credentials, open scanning.Opener, opts ...Option) *Stage {
	s := &Stage{
		db:     db,
		creds:  creds,
		open:   open,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CompareReceipt runs the batched comparison chained after extraction. Its result replaces
// any earlier comparisons. Receipts without items or credential are skipped, and a failed
// model call is stored as no alternatives.
func (s *Stage) CompareReceipt(ctx context.Context, receiptID string) error {
	rec, err := s.db.GetReceipt(ctx, receiptID)
	if err != nil {
		return fmt.Errorf("loading receipt: %w", err)
	}
	if rec.Status != receipt.StatusCompleted {
		s.logger.Info("Receipt not completed, skipping price comparison", "receipt_id", receiptID, "status", rec.Status)
		return nil
	}
	if len(rec.Items) == 0 {
		s.logger.Info("Receipt has no items to compare", "receipt_id", receiptID)
		return nil
	}

	key, err := s.creds.ExtractionKey(ctx, rec.UserID)
	if errors.Is(err, receipt.ErrMissingCredential) {
		s.logger.Info("API key not configured, skipping price comparison", "receipt_id", receiptID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolving credential: %w", err)
	}

	comps, err := s.batch(ctx, key, rec)
	if err != nil {
		s.logger.Error("Price comparison failed", "receipt_id", receiptID, "error", err)
		comps = map[int][]receipt.PriceComparison{}
	}

	if _, err := s.save(ctx, receiptID, comps, false); err != nil {
		return err
	}
	s.logger.Info("Price comparison stored", "receipt_id", receiptID, "items_with_alternatives", len(comps))
	return nil
}

// CompareOnDemand compares items one at a time with the caller's own key and merges the
// result over earlier comparisons
func (s *Stage) CompareOnDemand(ctx context.Context, receiptID, apiKey string) (*receipt.Receipt, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, receipt.ErrMissingCredential
	}

	rec, err := s.db.GetReceipt(ctx, receiptID)
	if err != nil {
		return nil, fmt.Errorf("loading receipt: %w", err)
	}
	if rec.Status != receipt.StatusCompleted {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotCompleted, receiptID, rec.Status)
	}

	model, err := s.open(ctx, apiKey)
	if err != nil {
		return nil, fmt.Errorf("opening model: %w", err)
	}
	defer model.Close()

	currency := currencyOf(rec)
	comps := make(map[int][]receipt.PriceComparison)
	for i, item := range rec.Items {
		alts, err := s.compareItem(ctx, model, item, currency)
		if err != nil {
			s.logger.Warn("Price comparison for item failed", "receipt_id", receiptID, "item", i, "error", err)
			continue
		}
		if len(alts) > 0 {
			comps[i] = alts
		}
	}

	return s.save(ctx, receiptID, comps, true)
}

func (s *Stage) batch(ctx context.Context, key string, rec *receipt.Receipt) (map[int][]receipt.PriceComparison, error) {
	model, err := s.open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("opening model: %w", err)
	}
	defer model.Close()

	text, err := model.Generate(ctx, batchPrompt(rec.Items, currencyOf(rec)), nil)
	if err != nil {
		return nil, err
	}

	var raw map[string][]json.RawMessage
	if err := scanning.DecodeJSON(text, &raw); err != nil {
		return nil, err
	}

	comps := make(map[int][]receipt.PriceComparison, len(raw))
	for k, alts := range raw {
		idx, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || idx < 0 || idx >= len(rec.Items) {
			s.logger.Warn("Ignoring comparison for unknown item", "receipt_id", rec.ID, "key", k)
			continue
		}
		if kept := filterAlternatives(rec.Items[idx].UnitPrice, alts); len(kept) > 0 {
			comps[idx] = kept
		}
	}
	return comps, nil
}

func (s *Stage) compareItem(ctx context.Context, model scanning.Model, item receipt.Item, currency string) ([]receipt.PriceComparison, error) {
	text, err := model.Generate(ctx, itemPrompt(item, currency), nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Alternatives []json.RawMessage `json:"alternatives"`
	}
	if err := scanning.DecodeJSON(text, &resp); err != nil {
		return nil, err
	}
	return filterAlternatives(item.UnitPrice, resp.Alternatives), nil
}

func (s *Stage) save(ctx context.Context, receiptID string, comps map[int][]receipt.PriceComparison, merge bool) (*receipt.Receipt, error) {
	updated, err := s.db.UpdateReceipt(ctx, receiptID, func(r *receipt.Receipt) error {
		r.SetPriceComparisons(comps, merge, s.now())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("saving price comparisons: %w", err)
	}
	return updated, nil
}

func currencyOf(rec *receipt.Receipt) string {
	if rec.Currency == "" {
		return "USD"
	}
	return rec.Currency
}
