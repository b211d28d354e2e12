package receipt

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// storeBehaviour runs the contract every DB implementation must satisfy
func storeBehaviour(open func(dir string) DB) {
	var (
		db  DB
		ctx context.Context
		now time.Time
	)

	BeforeEach(func() {
		db = open(GinkgoT().TempDir())
		ctx = context.Background()
		now = time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)
	})

	AfterEach(func() {
		db.Close()
	})

	Describe("CreateReceipt", func() {
		var err error

		JustBeforeEach(func() {
			err = db.CreateReceipt(ctx, New("r-1", "alice", "receipts/alice/receipt_r-1.jpg", "/files/receipts/alice/receipt_r-1.jpg", "image/jpeg", now))
		})

		It("stores the processing record", func() {
			Expect(err).NotTo(HaveOccurred())

			saved, getErr := db.GetReceipt(ctx, "r-1")
			Expect(getErr).NotTo(HaveOccurred())
			Expect(saved.UserID).To(Equal("alice"))
			Expect(saved.Status).To(Equal(StatusProcessing))
			Expect(saved.Merchant).To(Equal(PlaceholderMerchant))
			Expect(saved.Date).To(Equal("2025-03-09"))
			Expect(saved.Items).To(BeEmpty())
			Expect(saved.Revision).To(BeZero())
			Expect(saved.CreatedAt).To(BeTemporally("==", now))
		})

		It("rejects a duplicate id", func() {
			dupErr := db.CreateReceipt(ctx, New("r-1", "bob", "p", "u", "image/png", now))
			Expect(errors.Is(dupErr, ErrPersistence)).To(BeTrue())

			saved, _ := db.GetReceipt(ctx, "r-1")
			Expect(saved.UserID).To(Equal("alice"))
		})
	})

	Describe("GetReceipt", func() {
		It("reports an unknown id as not found", func() {
			_, err := db.GetReceipt(ctx, "nonexistent")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})

	Describe("ListReceipts", func() {
		When("no receipts exist", func() {
			It("returns an empty list", func() {
				receipts, err := db.ListReceipts(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(receipts).To(BeEmpty())
			})
		})

		When("receipts exist", func() {
			BeforeEach(func() {
				Expect(db.CreateReceipt(ctx, New("old", "alice", "p1", "u1", "image/png", now.Add(-time.Hour)))).To(Succeed())
				Expect(db.CreateReceipt(ctx, New("new", "alice", "p2", "u2", "image/png", now))).To(Succeed())
			})

			It("returns them newest first", func() {
				receipts, err := db.ListReceipts(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(receipts).To(HaveLen(2))
				Expect(receipts[0].ID).To(Equal("new"))
				Expect(receipts[1].ID).To(Equal("old"))
			})
		})
	})

	Describe("UpdateReceipt", func() {
		BeforeEach(func() {
			Expect(db.CreateReceipt(ctx, New("r-1", "alice", "p", "u", "image/png", now))).To(Succeed())
		})

		It("persists the change and bumps the revision", func() {
			updated, err := db.UpdateReceipt(ctx, "r-1", func(r *Receipt) error {
				return r.Complete(Extraction{
					Merchant: "Market X",
					Date:     "2025-03-08",
					Total:    42.5,
					Currency: "EUR",
					Items:    []Item{{Name: "Bread", UnitPrice: 2.5, Quantity: 1, Categories: []string{"groceries"}}},
				}, now.Add(time.Minute))
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Revision).To(Equal(int64(1)))

			saved, getErr := db.GetReceipt(ctx, "r-1")
			Expect(getErr).NotTo(HaveOccurred())
			Expect(saved.Status).To(Equal(StatusCompleted))
			Expect(saved.Merchant).To(Equal("Market X"))
			Expect(saved.Currency).To(Equal("EUR"))
			Expect(saved.Items).To(HaveLen(1))
			Expect(saved.Items[0].Categories).To(Equal([]string{"groceries"}))
			Expect(saved.Revision).To(Equal(int64(1)))
			Expect(saved.UpdatedAt).To(BeTemporally("==", now.Add(time.Minute)))
		})

		It("keeps price comparisons keyed by item index", func() {
			_, err := db.UpdateReceipt(ctx, "r-1", func(r *Receipt) error {
				if err := r.Complete(Extraction{Merchant: "M", Items: []Item{{Name: "a"}, {Name: "b"}}}, now); err != nil {
					return err
				}
				r.SetPriceComparisons(map[int][]PriceComparison{1: {{StoreName: "Shop", Price: 1, Savings: 0.5, SavingsPercent: 33.33, Availability: AvailabilityOnline}}}, false, now)
				return nil
			})
			Expect(err).NotTo(HaveOccurred())

			saved, _ := db.GetReceipt(ctx, "r-1")
			Expect(saved.PriceComparisons).To(HaveKey(1))
			Expect(saved.PriceComparisons[1][0].StoreName).To(Equal("Shop"))
			Expect(saved.PriceComparisonsUpdatedAt).NotTo(BeNil())
		})

		It("leaves the record untouched when fn fails", func() {
			boom := errors.New("boom")
			_, err := db.UpdateReceipt(ctx, "r-1", func(r *Receipt) error {
				r.Merchant = "changed"
				return boom
			})
			Expect(err).To(MatchError(boom))

			saved, _ := db.GetReceipt(ctx, "r-1")
			Expect(saved.Merchant).To(Equal(PlaceholderMerchant))
			Expect(saved.Revision).To(BeZero())
		})

		It("passes the terminal guard through", func() {
			_, err := db.UpdateReceipt(ctx, "r-1", func(r *Receipt) error { return r.Fail("first", now) })
			Expect(err).NotTo(HaveOccurred())

			_, err = db.UpdateReceipt(ctx, "r-1", func(r *Receipt) error { return r.Fail("second", now) })
			Expect(errors.Is(err, ErrTerminal)).To(BeTrue())

			saved, _ := db.GetReceipt(ctx, "r-1")
			Expect(saved.ErrorMessage).To(Equal("first"))
		})

		It("reports an unknown id as not found", func() {
			_, err := db.UpdateReceipt(ctx, "missing", func(*Receipt) error { return nil })
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})

	Describe("DeleteReceipt", func() {
		It("removes the receipt", func() {
			Expect(db.CreateReceipt(ctx, New("r-1", "alice", "p", "u", "image/png", now))).To(Succeed())
			Expect(db.DeleteReceipt(ctx, "r-1")).To(Succeed())

			_, err := db.GetReceipt(ctx, "r-1")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})

		It("reports an unknown id as not found", func() {
			Expect(errors.Is(db.DeleteReceipt(ctx, "nonexistent"), ErrNotFound)).To(BeTrue())
		})
	})

	Describe("user API keys", func() {
		It("returns empty when none is stored", func() {
			key, err := db.UserAPIKey(ctx, "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(key).To(BeEmpty())
		})

		It("stores and replaces a key per user", func() {
			Expect(db.SaveUserAPIKey(ctx, "alice", "key-1")).To(Succeed())
			Expect(db.SaveUserAPIKey(ctx, "alice", "key-2")).To(Succeed())

			key, err := db.UserAPIKey(ctx, "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(key).To(Equal("key-2"))

			other, err := db.UserAPIKey(ctx, "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(other).To(BeEmpty())
		})
	})
}

var _ = Describe("BoltDB", func() {
	storeBehaviour(func(dir string) DB {
		db, err := NewBoltDB(filepath.Join(dir, "test.db"))
		Expect(err).NotTo(HaveOccurred())
		return db
	})
})

var _ = Describe("GormDB", func() {
	storeBehaviour(func(dir string) DB {
		db, err := OpenGorm("sqlite", filepath.Join(dir, "test.sqlite"))
		Expect(err).NotTo(HaveOccurred())
		return db
	})

	Describe("concurrent writers", func() {
		var (
			db  *GormDB
			ctx context.Context
			now time.Time
		)

		BeforeEach(func() {
			var err error
			db, err = OpenGorm("sqlite", filepath.Join(GinkgoT().TempDir(), "cas.sqlite"))
			Expect(err).NotTo(HaveOccurred())
			ctx = context.Background()
			now = time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)
			Expect(db.CreateReceipt(ctx, New("r-1", "alice", "p", "u", "image/png", now))).To(Succeed())
		})

		AfterEach(func() {
			db.Close()
		})

		It("retries on a fresh read when the revision moved underneath", func() {
			calls := 0
			updated, err := db.UpdateReceipt(ctx, "r-1", func(r *Receipt) error {
				calls++
				if calls == 1 {
					_, innerErr := db.UpdateReceipt(ctx, "r-1", func(inner *Receipt) error {
						inner.Summary = "written by the other writer"
						return nil
					})
					Expect(innerErr).NotTo(HaveOccurred())
				}
				r.Merchant = "Market X"
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(calls).To(Equal(2))
			Expect(updated.Revision).To(Equal(int64(2)))

			saved, _ := db.GetReceipt(ctx, "r-1")
			Expect(saved.Merchant).To(Equal("Market X"))
			Expect(saved.Summary).To(Equal("written by the other writer"))
		})
	})

	It("rejects unknown drivers", func() {
		_, err := OpenGorm("oracle", "")
		Expect(err).To(MatchError(ContainSubstring("unsupported database driver")))
	})
})
