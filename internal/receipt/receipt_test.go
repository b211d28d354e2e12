package receipt

import (
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Receipt", func() {
	var (
		r   *Receipt
		now time.Time
	)

	BeforeEach(func() {
		now = time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)
		r = New("r-1", "alice", "p", "u", "image/png", now)
	})

	Describe("Complete", func() {
		It("fills the extracted fields and clears any error text", func() {
			r.ErrorMessage = "stale"
			Expect(r.Complete(Extraction{Merchant: "Market X", Date: "2025-03-08", Total: 42.5, Currency: "EUR", Summary: "Groceries"}, now.Add(time.Second))).To(Succeed())

			Expect(r.Status).To(Equal(StatusCompleted))
			Expect(r.Merchant).To(Equal("Market X"))
			Expect(r.Items).NotTo(BeNil())
			Expect(r.ErrorMessage).To(BeEmpty())
			Expect(r.UpdatedAt).To(Equal(now.Add(time.Second)))
		})

		It("refuses a receipt that already finished", func() {
			Expect(r.Fail("boom", now)).To(Succeed())
			err := r.Complete(Extraction{Merchant: "late"}, now)
			Expect(errors.Is(err, ErrTerminal)).To(BeTrue())
			Expect(r.Status).To(Equal(StatusError))
		})
	})

	Describe("Fail", func() {
		It("substitutes a message when none is given", func() {
			Expect(r.Fail("  ", now)).To(Succeed())
			Expect(r.ErrorMessage).To(Equal("Unknown error"))
		})

		It("refuses a completed receipt", func() {
			Expect(r.Complete(Extraction{}, now)).To(Succeed())
			Expect(errors.Is(r.Fail("late", now), ErrTerminal)).To(BeTrue())
			Expect(r.Status).To(Equal(StatusCompleted))
		})
	})

	Describe("SetPriceComparisons", func() {
		alt := func(store string) []PriceComparison {
			return []PriceComparison{{StoreName: store, Availability: AvailabilityOnline}}
		}

		BeforeEach(func() {
			Expect(r.Complete(Extraction{Items: []Item{{Name: "a"}, {Name: "b"}, {Name: "c"}}}, now)).To(Succeed())
			r.SetPriceComparisons(map[int][]PriceComparison{0: alt("first")}, false, now)
		})

		It("replaces the map when not merging", func() {
			r.SetPriceComparisons(map[int][]PriceComparison{1: alt("second")}, false, now)
			Expect(r.PriceComparisons).To(HaveLen(1))
			Expect(r.PriceComparisons).To(HaveKey(1))
		})

		It("keeps untouched indices when merging", func() {
			r.SetPriceComparisons(map[int][]PriceComparison{1: alt("second")}, true, now)
			Expect(r.PriceComparisons).To(HaveLen(2))
			Expect(r.PriceComparisons[0][0].StoreName).To(Equal("first"))
		})

		It("drops empty lists and out-of-range indices without touching status", func() {
			r.SetPriceComparisons(map[int][]PriceComparison{2: nil, 7: alt("ghost"), -1: alt("neg")}, false, now)
			Expect(r.PriceComparisons).To(BeEmpty())
			Expect(r.PriceComparisonsUpdatedAt).NotTo(BeNil())
			Expect(r.Status).To(Equal(StatusCompleted))
		})
	})

	Describe("Item JSON", func() {
		It("folds a legacy category into the tag set", func() {
			var item Item
			Expect(json.Unmarshal([]byte(`{"name":"Soap","price":3,"quantity":2,"category":"Household","categories":["household"," Personal Care "]}`), &item)).To(Succeed())
			Expect(item.Categories).To(Equal([]string{"household", "personal care"}))
		})
	})

	Describe("Status", func() {
		It("treats completed and error as terminal", func() {
			Expect(StatusProcessing.Terminal()).To(BeFalse())
			Expect(StatusCompleted.Terminal()).To(BeTrue())
			Expect(StatusError.Terminal()).To(BeTrue())
		})
	})
})
