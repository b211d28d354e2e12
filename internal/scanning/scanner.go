package scanning

import (
	"context"
	"fmt"
	"time"

	"github.com/zombor/receipt-pipeline/internal/receipt"
)

// Image is an inlined image payload ready to send to a model
type Image struct {
	Data     []byte
	MIMEType string // e.g. "image/png"
	Format   string // MIME subtype, e.g. "png"
}

// Model is a vision-language backend that answers a prompt, optionally about an image, with text
type Model interface {
	// Generate sends one request and returns the raw text of the first answer
	Generate(ctx context.Context, prompt string, img *Image) (string, error)
	// Close releases the backend's resources
	Close() error
}

// Opener opens a Model with the credential resolved for the current invocation
type Opener func(ctx context.Context, apiKey string) (Model, error)

// ReceiptData contains extracted information from a receipt, already mapped to canonical names
type ReceiptData struct {
	Merchant string
	Date     string // YYYY-MM-DD
	Total    float64
	Currency string
	Items    []receipt.Item
	Summary  string
}

// Extraction converts the scan into the fields stored on a completed receipt
func (d *ReceiptData) Extraction() receipt.Extraction {
	return receipt.Extraction{
		Merchant: d.Merchant,
		Date:     d.Date,
		Total:    d.Total,
		Currency: d.Currency,
		Items:    d.Items,
		Summary:  d.Summary,
	}
}

// Scanner extracts structured receipt data from an image with a Model
type Scanner struct {
	model Model
	now   func() time.Time
}

// NewScanner creates a Scanner on top of model
func NewScanner(model Model) *Scanner {
	return NewScannerWithClock(model, time.Now)
}

// NewScannerWithClock creates a Scanner whose date default comes from now
func NewScannerWithClock(model Model, now func() time.Time) *Scanner {
	return &Scanner{model: model, now: now}
}

// ScanReceipt issues exactly one extraction request and recovers the structured result
func (s *Scanner) ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*ReceiptData, error) {
	img, err := PrepareImage(imageData, contentType)
	if err != nil {
		return nil, fmt.Errorf("preparing image: %w", err)
	}

	text, err := s.model.Generate(ctx, receiptScanPrompt, img)
	if err != nil {
		return nil, err
	}

	data, err := parseReceiptJSON(text, s.now())
	if err != nil {
		return nil, fmt.Errorf("parsing receipt data: %w", err)
	}
	return data, nil
}
