package receipt

import (
	"fmt"
	"strconv"
	"time"
)

// Row is the wire image of a receipt as the store emits it on reads and change events
type Row struct {
	ID                        string                       `json:"id"`
	UserID                    string                       `json:"user_id"`
	Status                    string                       `json:"status"`
	StoragePath               string                       `json:"storage_path"`
	ImageURL                  string                       `json:"image_url"`
	ContentType               string                       `json:"content_type"`
	Merchant                  string                       `json:"merchant"`
	Date                      string                       `json:"date"`
	Total                     float64                      `json:"total"`
	Currency                  *string                      `json:"currency"`
	Items                     []Item                       `json:"items"`
	Summary                   *string                      `json:"summary"`
	PriceComparisons          map[string][]PriceComparison `json:"price_comparisons"`
	PriceComparisonsUpdatedAt *string                      `json:"price_comparisons_updated_at"`
	ErrorMessage              *string                      `json:"error_message"`
	Revision                  int64                        `json:"revision"`
	CreatedAt                 string                       `json:"created_at"`
	UpdatedAt                 string                       `json:"updated_at"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ToRow renders a receipt in its wire shape
func ToRow(r *Receipt) Row {
	row := Row{
		ID:           r.ID,
		UserID:       r.UserID,
		Status:       string(r.Status),
		StoragePath:  r.StoragePath,
		ImageURL:     r.ImageURL,
		ContentType:  r.ContentType,
		Merchant:     r.Merchant,
		Date:         r.Date,
		Total:        r.Total,
		Currency:     optional(r.Currency),
		Items:        r.Items,
		Summary:      optional(r.Summary),
		ErrorMessage: optional(r.ErrorMessage),
		Revision:     r.Revision,
		CreatedAt:    r.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if row.Items == nil {
		row.Items = []Item{}
	}
	if r.PriceComparisons != nil {
		row.PriceComparisons = make(map[string][]PriceComparison, len(r.PriceComparisons))
		for idx, alts := range r.PriceComparisons {
			row.PriceComparisons[strconv.Itoa(idx)] = alts
		}
	}
	if r.PriceComparisonsUpdatedAt != nil {
		row.PriceComparisonsUpdatedAt = optional(r.PriceComparisonsUpdatedAt.UTC().Format(time.RFC3339Nano))
	}
	return row
}

// FromRow maps a wire row back to the domain model
func FromRow(row Row) (*Receipt, error) {
	r := &Receipt{
		ID:           row.ID,
		UserID:       row.UserID,
		Status:       Status(row.Status),
		StoragePath:  row.StoragePath,
		ImageURL:     row.ImageURL,
		ContentType:  row.ContentType,
		Merchant:     row.Merchant,
		Date:         row.Date,
		Total:        row.Total,
		Currency:     deref(row.Currency),
		Items:        row.Items,
		Summary:      deref(row.Summary),
		ErrorMessage: deref(row.ErrorMessage),
		Revision:     row.Revision,
	}
	if r.Status == "" {
		r.Status = StatusCompleted
	}
	if r.Items == nil {
		r.Items = []Item{}
	}

	var err error
	if r.CreatedAt, err = parseTimestamp(row.CreatedAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = parseTimestamp(row.UpdatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if row.PriceComparisonsUpdatedAt != nil {
		at, err := parseTimestamp(*row.PriceComparisonsUpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing price_comparisons_updated_at: %w", err)
		}
		r.PriceComparisonsUpdatedAt = &at
	}

	if row.PriceComparisons != nil {
		r.PriceComparisons = make(map[int][]PriceComparison, len(row.PriceComparisons))
		for key, alts := range row.PriceComparisons {
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(r.Items) {
				continue
			}
			r.PriceComparisons[idx] = alts
		}
	}
	return r, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999-07", "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
