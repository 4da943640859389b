package barrier_test

import (
	"context"

	"github.com/mpokorny/legion/internal/barrier"
	"github.com/mpokorny/legion/internal/handle"
	"github.com/mpokorny/legion/internal/id"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Cross node", func() {
	var (
		net    *testNet
		owner  *barrier.Pool
		remote *barrier.Pool
	)
	BeforeEach(func() {
		net = newTestNet()
		owner = net.pool(0)
		remote = net.pool(1)
	})

	It("Should apply remote arrivals on the owner", func() {
		b, _ := owner.CreateBarrier(2, 0, nil)
		Expect(remote.Arrive(b, 1, handle.NoEvent, nil)).To(Succeed())
		Expect(remote.Arrive(b, 1, handle.NoEvent, nil)).To(Succeed())
		triggered, _ := owner.HasTriggered(b.AsEvent())
		Expect(triggered).To(BeTrue())
	})

	It("Should deliver triggers to a waiting subscriber", func() {
		b, _ := owner.CreateBarrier(1, 0, nil)
		w := &recordingWaiter{}
		remote.AddWaiter(b.AsEvent(), w)
		Expect(owner.Arrive(b, 1, handle.NoEvent, nil)).To(Succeed())
		Expect(w.fired).To(Equal(1))
		triggered, _ := remote.HasTriggered(b.AsEvent())
		Expect(triggered).To(BeTrue())
	})

	It("Should catch a late subscriber up with the reduction slice", func() {
		b, _ := owner.CreateBarrier(1, sumOpID, le(5))
		Expect(owner.Arrive(b, 1, handle.NoEvent, le(7))).To(Succeed())

		// The subscription round-trips synchronously; the second query
		// sees the caught-up cache.
		triggered, _ := remote.HasTriggered(b.AsEvent())
		Expect(triggered).To(BeFalse())
		triggered, _ = remote.HasTriggered(b.AsEvent())
		Expect(triggered).To(BeTrue())

		buf := make([]byte, 8)
		Expect(remote.GetResult(b, buf)).To(BeTrue())
		Expect(leVal(buf)).To(Equal(uint64(12)))
	})

	It("Should coalesce contiguous generations into one delivery", func() {
		b, _ := owner.CreateBarrier(1, sumOpID, le(0))
		w := &recordingWaiter{}
		remote.AddWaiter(handle.Event{ID: b.ID, Gen: 2}, w)

		// Generation 2 is complete before generation 1 closes; both
		// trigger in one cascade and one message.
		Expect(owner.Arrive(b.Advance(), 1, handle.NoEvent, le(2))).To(Succeed())
		Expect(owner.Arrive(b, 1, handle.NoEvent, le(1))).To(Succeed())

		Expect(w.fired).To(Equal(1))
		triggered, _ := remote.HasTriggered(handle.Event{ID: b.ID, Gen: 2})
		Expect(triggered).To(BeTrue())

		buf := make([]byte, 8)
		Expect(remote.GetResult(b, buf)).To(BeTrue())
		Expect(leVal(buf)).To(Equal(uint64(1)))
		Expect(remote.GetResult(b.Advance(), buf)).To(BeTrue())
		Expect(leVal(buf)).To(Equal(uint64(2)))
	})

	It("Should forward a deferred remote arrival to the owner", func() {
		b, _ := owner.CreateBarrier(1, 0, nil)
		pre := handle.Event{ID: id.Build(id.KindEvent, 1, 0), Gen: 1}

		Expect(remote.Arrive(b, 1, pre, nil)).To(Succeed())
		triggered, _ := owner.HasTriggered(b.AsEvent())
		Expect(triggered).To(BeFalse())

		// The shared registrar fires the deferral installed on the
		// owner.
		net.registrar.trigger(pre, false)
		triggered, _ = owner.HasTriggered(b.AsEvent())
		Expect(triggered).To(BeTrue())
	})

	Describe("Adjustment ordering", func() {
		It("Should hold an arrival citing an unseen positive adjustment", func() {
			b, _ := owner.CreateBarrier(2, 0, nil)
			w := &recordingWaiter{}
			owner.AddWaiter(b.AsEvent(), w)

			Expect(owner.Arrive(b, 1, handle.NoEvent, nil)).To(Succeed())

			// An arrival citing the remote node's next adjustment
			// timestamp reaches the owner first; applying it now would
			// trigger prematurely.
			citing := handle.Barrier{
				ID: b.ID, Gen: b.Gen,
				Timestamp: handle.Timestamp(uint64(1)<<handle.TimestampNodeShift | 1),
			}
			Expect(owner.Arrive(citing, 1, handle.NoEvent, nil)).To(Succeed())
			triggered, _ := owner.HasTriggered(b.AsEvent())
			Expect(triggered).To(BeFalse())

			withTS, err := remote.AlterArrivalCount(b, 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(withTS.Timestamp).To(Equal(citing.Timestamp))
			triggered, _ = owner.HasTriggered(b.AsEvent())
			Expect(triggered).To(BeFalse())

			Expect(owner.Arrive(b, 1, handle.NoEvent, nil)).To(Succeed())
			triggered, _ = owner.HasTriggered(b.AsEvent())
			Expect(triggered).To(BeTrue())
			Expect(w.fired).To(Equal(1))
		})
	})

	Describe("Out-of-order trigger delivery", func() {
		It("Should park and collapse future trigger messages", func() {
			b, _ := owner.CreateBarrier(1, 0, nil)
			ws := map[uint32]*recordingWaiter{}
			for gen := uint32(2); gen <= 4; gen++ {
				ws[gen] = &recordingWaiter{}
				remote.AddWaiter(handle.Event{ID: b.ID, Gen: gen}, ws[gen])
			}

			fromOwner := net.trigger.Route(0)
			ctx := context.Background()
			send := func(prev, trig uint32) {
				Expect(fromOwner.Send(ctx, 1, barrier.TriggerMessage{
					Node: 0, BarrierID: b.ID,
					TriggerGen: trig, PreviousGen: prev,
				})).To(Succeed())
			}

			send(0, 1)
			send(3, 4) // ahead of its time; parked
			for gen := uint32(2); gen <= 4; gen++ {
				Expect(ws[gen].fired).To(BeZero())
			}

			send(1, 3) // collapses with the held trigger
			for gen := uint32(2); gen <= 4; gen++ {
				Expect(ws[gen].fired).To(Equal(1))
			}
			triggered, _ := remote.HasTriggered(handle.Event{ID: b.ID, Gen: 4})
			Expect(triggered).To(BeTrue())
		})
	})
})
