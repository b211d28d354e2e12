package enrichment

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-pipeline/internal/receipt"
)

// MaxAlternatives caps the alternatives kept per item
const MaxAlternatives = 3

var alternativeSchema = jsonschema.MustCompileString("alternative.json", `{
  "type": "object",
  "required": ["storeName", "price"],
  "properties": {
    "storeName": {"type": "string", "minLength": 1},
    "price": {"type": "number", "minimum": 0},
    "availability": {"type": ["string", "null"]},
    "location": {"type": ["string", "null"]},
    "url": {"type": ["string", "null"]}
  }
}`)

type alternative struct {
	StoreName    string  `json:"storeName"`
	Price        float64 `json:"price"`
	Availability string  `json:"availability"`
	Location     *string `json:"location"`
	URL          *string `json:"url"`
}

// filterAlternatives keeps the well-formed alternatives that are strictly cheaper than original.
// Savings are recomputed rather than trusted, and the result is sorted by savings, highest first.
func filterAlternatives(original float64, raw []json.RawMessage) []receipt.PriceComparison {
	if original <= 0 {
		return nil
	}
	orig := decimal.NewFromFloat(original)

	out := make([]receipt.PriceComparison, 0, len(raw))
	for _, r := range raw {
		var doc any
		if err := json.Unmarshal(r, &doc); err != nil {
			continue
		}
		if err := alternativeSchema.Validate(doc); err != nil {
			continue
		}
		var alt alternative
		if err := json.Unmarshal(r, &alt); err != nil {
			continue
		}
		if alt.Price >= original {
			continue
		}

		savings := orig.Sub(decimal.NewFromFloat(alt.Price))
		out = append(out, receipt.PriceComparison{
			StoreName:      strings.TrimSpace(alt.StoreName),
			Price:          alt.Price,
			Savings:        savings.InexactFloat64(),
			SavingsPercent: savings.Div(orig).Mul(decimal.NewFromInt(100)).InexactFloat64(),
			Availability:   normalizeAvailability(alt.Availability),
			Location:       deref(alt.Location),
			URL:            deref(alt.URL),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Savings > out[j].Savings
	})
	if len(out) > MaxAlternatives {
		out = out[:MaxAlternatives]
	}
	return out
}

func normalizeAvailability(s string) receipt.Availability {
	switch a := receipt.Availability(strings.ToLower(strings.TrimSpace(s))); a {
	case receipt.AvailabilityOnline, receipt.AvailabilityLocal, receipt.AvailabilityBoth:
		return a
	}
	return receipt.AvailabilityOnline
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
