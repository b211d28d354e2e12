package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-pipeline/internal/feed"
	"github.com/zombor/receipt-pipeline/internal/receipt"
)

// mockFeed hands out channels the test writes to directly
type mockFeed struct {
	mu        sync.Mutex
	streams   map[string][]chan feed.Event
	cancelled int
	err       error
}

func newMockFeed() *mockFeed {
	return &mockFeed{streams: make(map[string][]chan feed.Event)}
}

func (m *mockFeed) Subscribe(_ context.Context, id string) (<-chan feed.Event, func(), error) {
	if m.err != nil {
		return nil, nil, m.err
	}
	ch := make(chan feed.Event, 8)
	m.mu.Lock()
	m.streams[id] = append(m.streams[id], ch)
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			m.cancelled++
			m.mu.Unlock()
		})
	}, nil
}

func (m *mockFeed) send(id string, stream int, r *receipt.Receipt) {
	m.mu.Lock()
	ch := m.streams[id][stream]
	m.mu.Unlock()
	ch <- feed.NewUpdate(receipt.ToRow(r))
}

func (m *mockFeed) Cancelled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

type recorder struct {
	mu   sync.Mutex
	recs []*receipt.Receipt
}

func (r *recorder) record(rec *receipt.Receipt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recorder) Seen() []*receipt.Receipt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*receipt.Receipt(nil), r.recs...)
}

var _ = Describe("Subscriptions", func() {
	var (
		mf   *mockFeed
		subs *Subscriptions
		now  time.Time
	)

	version := func(id string, revision int64, status receipt.Status) *receipt.Receipt {
		r := receipt.New(id, "alice", "p", "u", "image/png", now)
		r.Status = status
		r.Revision = revision
		return r
	}

	BeforeEach(func() {
		mf = newMockFeed()
		subs = NewSubscriptions(mf, nil)
		now = time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)
	})

	It("maps wire rows to receipts for the subscribed id", func() {
		rec := &recorder{}
		_, err := subs.Subscribe(context.Background(), "r-1", rec.record)
		Expect(err).NotTo(HaveOccurred())

		mf.send("r-1", 0, version("other", 1, receipt.StatusCompleted))
		mf.send("r-1", 0, version("r-1", 1, receipt.StatusCompleted))

		Eventually(rec.Seen).Should(HaveLen(1))
		Expect(rec.Seen()[0].ID).To(Equal("r-1"))
		Expect(rec.Seen()[0].CreatedAt).To(BeTemporally("==", now))
	})

	It("drops stale and duplicate revisions", func() {
		rec := &recorder{}
		_, err := subs.Subscribe(context.Background(), "r-1", rec.record)
		Expect(err).NotTo(HaveOccurred())

		mf.send("r-1", 0, version("r-1", 2, receipt.StatusCompleted))
		mf.send("r-1", 0, version("r-1", 2, receipt.StatusCompleted))
		mf.send("r-1", 0, version("r-1", 1, receipt.StatusProcessing))
		mf.send("r-1", 0, version("r-1", 3, receipt.StatusCompleted))

		Eventually(rec.Seen).Should(HaveLen(2))
		Consistently(rec.Seen, 50*time.Millisecond).Should(HaveLen(2))
		Expect(rec.Seen()[1].Revision).To(Equal(int64(3)))
	})

	When("subscribing twice to the same id", func() {
		var (
			first, second  *recorder
			unsub1, unsub2 func()
		)

		BeforeEach(func() {
			first, second = &recorder{}, &recorder{}
			var err error
			unsub1, err = subs.Subscribe(context.Background(), "r-1", first.record)
			Expect(err).NotTo(HaveOccurred())
			unsub2, err = subs.Subscribe(context.Background(), "r-1", second.record)
			Expect(err).NotTo(HaveOccurred())
		})

		It("keeps exactly one live subscription", func() {
			Expect(subs.Len()).To(Equal(1))
			Expect(mf.Cancelled()).To(Equal(1))
		})

		It("delivers only to the last caller", func() {
			mf.send("r-1", 0, version("r-1", 1, receipt.StatusCompleted))
			mf.send("r-1", 1, version("r-1", 1, receipt.StatusCompleted))

			Eventually(second.Seen).Should(HaveLen(1))
			Consistently(first.Seen, 50*time.Millisecond).Should(BeEmpty())
		})

		It("ignores the stale handle", func() {
			unsub1()
			Expect(subs.Len()).To(Equal(1))
		})

		It("treats a repeated unsubscribe as a no-op", func() {
			unsub2()
			unsub2()
			Expect(subs.Len()).To(BeZero())
			Expect(mf.Cancelled()).To(Equal(2))

			mf.send("r-1", 1, version("r-1", 1, receipt.StatusCompleted))
			Consistently(second.Seen, 50*time.Millisecond).Should(BeEmpty())
		})
	})

	Describe("UnsubscribeAll", func() {
		It("is safe with nothing open", func() {
			subs.UnsubscribeAll()
			subs.UnsubscribeAll()
			Expect(subs.Len()).To(BeZero())
		})

		It("tears down every subscription", func() {
			for _, id := range []string{"a", "b", "c"} {
				_, err := subs.Subscribe(context.Background(), id, func(*receipt.Receipt) {})
				Expect(err).NotTo(HaveOccurred())
			}

			subs.UnsubscribeAll()
			subs.UnsubscribeAll()
			Expect(subs.Len()).To(BeZero())
			Expect(mf.Cancelled()).To(Equal(3))
		})
	})

	It("reports feed failures", func() {
		mf.err = errors.New("stream refused")
		_, err := subs.Subscribe(context.Background(), "r-1", func(*receipt.Receipt) {})
		Expect(err).To(MatchError(ContainSubstring("stream refused")))
		Expect(subs.Len()).To(BeZero())
	})
})
