package barrier_test

import (
	"github.com/mpokorny/legion/internal/barrier"
	"github.com/mpokorny/legion/internal/handle"
	"github.com/mpokorny/legion/internal/id"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Pool", func() {
	var (
		net  *testNet
		pool *barrier.Pool
	)
	BeforeEach(func() {
		net = newTestNet()
		pool = net.pool(0)
	})

	Describe("Arrival counting", func() {
		It("Should trigger after the expected number of arrivals", func() {
			b, err := pool.CreateBarrier(3, 0, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(b.Gen).To(Equal(uint32(1)))

			w := &recordingWaiter{}
			pool.AddWaiter(b.AsEvent(), w)

			for i := 0; i < 2; i++ {
				Expect(pool.Arrive(b, 1, handle.NoEvent, nil)).To(Succeed())
				triggered, _ := pool.HasTriggered(b.AsEvent())
				Expect(triggered).To(BeFalse())
			}
			Expect(pool.Arrive(b, 1, handle.NoEvent, nil)).To(Succeed())

			triggered, _ := pool.HasTriggered(b.AsEvent())
			Expect(triggered).To(BeTrue())
			Expect(w.fired).To(Equal(1))

			next := b.Advance()
			Expect(next.Gen).To(Equal(uint32(2)))
			triggered, _ = pool.HasTriggered(next.AsEvent())
			Expect(triggered).To(BeFalse())
		})
		It("Should accept one arrival carrying multiple counts", func() {
			b, _ := pool.CreateBarrier(3, 0, nil)
			Expect(pool.Arrive(b, 3, handle.NoEvent, nil)).To(Succeed())
			triggered, _ := pool.HasTriggered(b.AsEvent())
			Expect(triggered).To(BeTrue())
		})
		It("Should accumulate arrivals for a future generation", func() {
			b, _ := pool.CreateBarrier(1, 0, nil)
			// Generation 2 completes before generation 1 closes; both
			// close in one cascade once generation 1 does.
			Expect(pool.Arrive(b.Advance(), 1, handle.NoEvent, nil)).To(Succeed())
			triggered, _ := pool.HasTriggered(b.AsEvent())
			Expect(triggered).To(BeFalse())

			Expect(pool.Arrive(b, 1, handle.NoEvent, nil)).To(Succeed())
			triggered, _ = pool.HasTriggered(b.Advance().AsEvent())
			Expect(triggered).To(BeTrue())
		})
		It("Should panic on an arrival for a past generation", func() {
			b, _ := pool.CreateBarrier(1, 0, nil)
			Expect(pool.Arrive(b, 1, handle.NoEvent, nil)).To(Succeed())
			Expect(func() { _ = pool.Arrive(b, 1, handle.NoEvent, nil) }).To(Panic())
		})
	})

	Describe("Reductions", func() {
		It("Should fold arrival values into the generation's result", func() {
			b, err := pool.CreateBarrier(3, sumOpID, le(10))
			Expect(err).ToNot(HaveOccurred())

			buf := make([]byte, 8)
			Expect(pool.GetResult(b, buf)).To(BeFalse())

			Expect(pool.Arrive(b, 1, handle.NoEvent, le(1))).To(Succeed())
			Expect(pool.Arrive(b, 1, handle.NoEvent, le(2))).To(Succeed())
			Expect(pool.Arrive(b, 1, handle.NoEvent, le(3))).To(Succeed())

			Expect(pool.GetResult(b, buf)).To(BeTrue())
			Expect(leVal(buf)).To(Equal(uint64(16)))
		})
		It("Should seed every generation with the initial value", func() {
			b, _ := pool.CreateBarrier(1, sumOpID, le(10))
			Expect(pool.Arrive(b, 1, handle.NoEvent, le(1))).To(Succeed())
			next := b.Advance()
			Expect(pool.Arrive(next, 1, handle.NoEvent, le(2))).To(Succeed())

			buf := make([]byte, 8)
			Expect(pool.GetResult(b, buf)).To(BeTrue())
			Expect(leVal(buf)).To(Equal(uint64(11)))
			Expect(pool.GetResult(next, buf)).To(BeTrue())
			Expect(leVal(buf)).To(Equal(uint64(12)))
		})
		It("Should return the bare initial value when no arrival reduces", func() {
			b, _ := pool.CreateBarrier(1, sumOpID, le(10))
			Expect(pool.Arrive(b, 1, handle.NoEvent, nil)).To(Succeed())
			buf := make([]byte, 8)
			Expect(pool.GetResult(b, buf)).To(BeTrue())
			Expect(leVal(buf)).To(Equal(uint64(10)))
		})
		It("Should reject an initial value without an operator", func() {
			_, err := pool.CreateBarrier(1, 0, le(1))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Deferred arrivals", func() {
		It("Should hold an arrival until its precondition triggers", func() {
			b, _ := pool.CreateBarrier(1, 0, nil)
			pre := handle.Event{ID: id.Build(id.KindEvent, 0, 0), Gen: 1}

			Expect(pool.Arrive(b, 1, pre, nil)).To(Succeed())
			triggered, _ := pool.HasTriggered(b.AsEvent())
			Expect(triggered).To(BeFalse())

			net.registrar.trigger(pre, false)
			triggered, _ = pool.HasTriggered(b.AsEvent())
			Expect(triggered).To(BeTrue())
		})
		It("Should drop an arrival whose precondition poisons", func() {
			b, _ := pool.CreateBarrier(1, 0, nil)
			pre := handle.Event{ID: id.Build(id.KindEvent, 0, 1), Gen: 1}
			Expect(pool.Arrive(b, 1, pre, nil)).To(Succeed())
			net.registrar.trigger(pre, true)
			triggered, _ := pool.HasTriggered(b.AsEvent())
			Expect(triggered).To(BeFalse())
		})
	})

	Describe("Destroy", func() {
		It("Should record the request without tearing down state", func() {
			b, _ := pool.CreateBarrier(1, 0, nil)
			pool.DestroyBarrier(b)
			Expect(pool.Arrive(b, 1, handle.NoEvent, nil)).To(Succeed())
			triggered, _ := pool.HasTriggered(b.AsEvent())
			Expect(triggered).To(BeTrue())
		})
	})
})
