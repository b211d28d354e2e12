package extraction

import (
	"context"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-pipeline/internal/receipt"
)

var _ = Describe("Reaper", func() {
	var (
		db     *receipt.BoltDB
		reaper *Reaper
		now    time.Time
		reaped int
		err    error
	)

	create := func(id string, updated time.Time) {
		ExpectWithOffset(1, db.CreateReceipt(context.Background(),
			receipt.New(id, "u-1", "p", "u", "image/png", updated))).To(Succeed())
	}

	load := func(id string) *receipt.Receipt {
		rec, getErr := db.GetReceipt(context.Background(), id)
		ExpectWithOffset(1, getErr).NotTo(HaveOccurred())
		return rec
	}

	BeforeEach(func() {
		var openErr error
		db, openErr = receipt.NewBoltDB(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(openErr).NotTo(HaveOccurred())

		now = time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)
		reaper = NewReaper(db, 10*time.Minute, time.Minute, nil)
		reaper.now = func() time.Time { return now }

		create("stale", now.Add(-11*time.Minute))
		create("fresh", now.Add(-2*time.Minute))
		create("done", now.Add(-time.Hour))
		_, updErr := db.UpdateReceipt(context.Background(), "done", func(r *receipt.Receipt) error {
			return r.Complete(receipt.Extraction{Merchant: "Shop"}, now.Add(-time.Hour))
		})
		Expect(updErr).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		db.Close()
	})

	JustBeforeEach(func() {
		reaped, err = reaper.Sweep(context.Background())
	})

	It("fails only stale processing receipts", func() {
		Expect(err).NotTo(HaveOccurred())
		Expect(reaped).To(Equal(1))

		stale := load("stale")
		Expect(stale.Status).To(Equal(receipt.StatusError))
		Expect(stale.ErrorMessage).To(Equal(TimedOutMessage))

		Expect(load("fresh").Status).To(Equal(receipt.StatusProcessing))
		Expect(load("done").Status).To(Equal(receipt.StatusCompleted))
	})

	When("swept again", func() {
		It("does nothing more", func() {
			again, sweepErr := reaper.Sweep(context.Background())
			Expect(sweepErr).NotTo(HaveOccurred())
			Expect(again).To(BeZero())
		})
	})

	Describe("Run", func() {
		It("stops when the context is cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- reaper.Run(ctx) }()
			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})
	})
})
