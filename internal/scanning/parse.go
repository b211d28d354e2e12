package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/receipt-pipeline/internal/receipt"
)

const (
	unknownMerchant = "Unknown"
	defaultCurrency = "USD"
	maxSummaryLen   = 50
)

// Number accepts a JSON number, a numeric string or null
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", s)
		}
		*n = Number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

// scanResponse mirrors the field names fixed by receiptScanPrompt
type scanResponse struct {
	Comercio string         `json:"comercio"`
	Fecha    string         `json:"fecha"`
	Total    Number         `json:"total"`
	Moneda   string         `json:"moneda"`
	Items    []scanItemJSON `json:"items"`
	Summary  string         `json:"summary"`
}

type scanItemJSON struct {
	Descripcion    string   `json:"descripcion"`
	Cantidad       Number   `json:"cantidad"`
	PrecioUnitario Number   `json:"precio_unitario"`
	Categories     []string `json:"categories"`
	Category       string   `json:"category"`
}

var dateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"01/02/2006",
	"02-01-2006",
	"2006-01-02T15:04:05Z07:00",
}

// normalizeDate returns a YYYY-MM-DD date, falling back to today
func normalizeDate(raw string, now time.Time) string {
	raw = strings.TrimSpace(raw)
	for _, format := range dateFormats {
		if d, err := time.Parse(format, raw); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return now.Format("2006-01-02")
}

// parseReceiptJSON recovers the extraction answer and maps it to canonical fields
func parseReceiptJSON(text string, now time.Time) (*ReceiptData, error) {
	var resp scanResponse
	if err := DecodeJSON(text, &resp); err != nil {
		return nil, err
	}

	data := &ReceiptData{
		Merchant: strings.TrimSpace(resp.Comercio),
		Date:     normalizeDate(resp.Fecha, now),
		Total:    float64(resp.Total),
		Currency: strings.ToUpper(strings.TrimSpace(resp.Moneda)),
		Summary:  strings.Join(strings.Fields(resp.Summary), " "),
		Items:    make([]receipt.Item, 0, len(resp.Items)),
	}
	if data.Merchant == "" {
		data.Merchant = unknownMerchant
	}
	if data.Currency == "" {
		data.Currency = defaultCurrency
	}
	if r := []rune(data.Summary); len(r) > maxSummaryLen {
		data.Summary = string(r[:maxSummaryLen])
	}

	for _, it := range resp.Items {
		data.Items = append(data.Items, receipt.Item{
			Name:       strings.TrimSpace(it.Descripcion),
			UnitPrice:  float64(it.PrecioUnitario),
			Quantity:   float64(it.Cantidad),
			Categories: receipt.NormalizeCategories(it.Categories, it.Category),
		})
	}

	return data, nil
}
