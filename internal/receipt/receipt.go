package receipt

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state of a receipt job
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether no further extraction will be attempted
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

const (
	// PlaceholderMerchant is shown until extraction finishes
	PlaceholderMerchant = "Processing..."

	dateLayout = "2006-01-02"
)

// Availability tells where a cheaper alternative can be bought
type Availability string

const (
	AvailabilityOnline Availability = "online"
	AvailabilityLocal  Availability = "local"
	AvailabilityBoth   Availability = "both"
)

// Item is a single line on a receipt
type Item struct {
	Name       string   `json:"name"`
	UnitPrice  float64  `json:"price"`
	Quantity   float64  `json:"quantity"`
	Categories []string `json:"categories"`
}

// UnmarshalJSON folds the legacy single "category" field into Categories
func (i *Item) UnmarshalJSON(data []byte) error {
	type plain Item
	var aux struct {
		plain
		Category string `json:"category"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*i = Item(aux.plain)
	i.Categories = NormalizeCategories(i.Categories, aux.Category)
	return nil
}

// NormalizeCategories merges tags and an optional legacy category into a de-duplicated,
// lowercase set that keeps first-seen order
func NormalizeCategories(tags []string, legacy string) []string {
	out := make([]string, 0, len(tags)+1)
	for _, t := range append(slices.Clone(tags), legacy) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// PriceComparison is a cheaper alternative for one line item
type PriceComparison struct {
	StoreName      string       `json:"storeName"`
	Price          float64      `json:"price"`
	Savings        float64      `json:"savings"`
	SavingsPercent float64      `json:"savingsPercent"`
	Availability   Availability `json:"availability"`
	Location       string       `json:"location,omitempty"`
	URL            string       `json:"url,omitempty"`
}

// Receipt is the job record: the unit of work for one uploaded image and its result
type Receipt struct {
	ID          string `json:"id" gorm:"primaryKey;size:64"`
	UserID      string `json:"userId" gorm:"index;size:128"`
	Status      Status `json:"status" gorm:"index;size:16"`
	StoragePath string `json:"storagePath"`
	ImageURL    string `json:"imageUrl"`
	ContentType string `json:"contentType" gorm:"size:64"`

	Merchant string  `json:"merchant"`
	Date     string  `json:"date" gorm:"size:10"` // YYYY-MM-DD
	Total    float64 `json:"total"`
	Currency string  `json:"currency" gorm:"size:8"`
	Items    []Item  `json:"items" gorm:"serializer:json"`
	Summary  string  `json:"summary"`

	// Keyed by item index; written by the enrichment stage only
	PriceComparisons          map[int][]PriceComparison `json:"priceComparisons,omitempty" gorm:"serializer:json"`
	PriceComparisonsUpdatedAt *time.Time                `json:"priceComparisonsUpdatedAt,omitempty"`

	ErrorMessage string    `json:"errorMessage,omitempty"`
	Revision     int64     `json:"revision" gorm:"not null;default:0"`
	CreatedAt    time.Time `json:"createdAt" gorm:"autoCreateTime:false"`
	UpdatedAt    time.Time `json:"updatedAt" gorm:"autoUpdateTime:false"`
}

// TableName keeps the relational table name stable
func (Receipt) TableName() string {
	return "receipts"
}

// New builds a receipt in processing state with placeholder fields
func New(id, userID, storagePath, imageURL, contentType string, now time.Time) *Receipt {
	return &Receipt{
		ID:          id,
		UserID:      userID,
		Status:      StatusProcessing,
		StoragePath: storagePath,
		ImageURL:    imageURL,
		ContentType: contentType,
		Merchant:    PlaceholderMerchant,
		Date:        now.Format(dateLayout),
		Total:       0,
		Items:       []Item{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Extraction holds the fields produced by a successful extraction
type Extraction struct {
	Merchant string
	Date     string
	Total    float64
	Currency string
	Items    []Item
	Summary  string
}

// Complete moves a processing receipt to completed
func (r *Receipt) Complete(ext Extraction, now time.Time) error {
	if r.Status != StatusProcessing {
		return fmt.Errorf("%w: receipt %s is %s", ErrTerminal, r.ID, r.Status)
	}
	r.Status = StatusCompleted
	r.Merchant = ext.Merchant
	r.Date = ext.Date
	r.Total = ext.Total
	r.Currency = ext.Currency
	r.Items = ext.Items
	if r.Items == nil {
		r.Items = []Item{}
	}
	r.Summary = ext.Summary
	r.ErrorMessage = ""
	r.UpdatedAt = now
	return nil
}

// Fail moves a processing receipt to error with a diagnostic message
func (r *Receipt) Fail(message string, now time.Time) error {
	if r.Status != StatusProcessing {
		return fmt.Errorf("%w: receipt %s is %s", ErrTerminal, r.ID, r.Status)
	}
	if strings.TrimSpace(message) == "" {
		message = "Unknown error"
	}
	r.Status = StatusError
	r.ErrorMessage = message
	r.UpdatedAt = now
	return nil
}

// SetPriceComparisons stores enrichment results without touching Status.
// With merge set, indices absent from comps keep their previous alternatives.
func (r *Receipt) SetPriceComparisons(comps map[int][]PriceComparison, merge bool, now time.Time) {
	next := make(map[int][]PriceComparison, len(comps))
	if merge {
		for idx, alts := range r.PriceComparisons {
			next[idx] = alts
		}
	}
	for idx, alts := range comps {
		if idx < 0 || idx >= len(r.Items) || len(alts) == 0 {
			continue
		}
		next[idx] = alts
	}
	r.PriceComparisons = next
	r.PriceComparisonsUpdatedAt = &now
	r.UpdatedAt = now
}
