package event_test

import (
	"github.com/mpokorny/legion/internal/event"
	"github.com/mpokorny/legion/internal/handle"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("MergeEvents", func() {
	var pool *event.Pool
	BeforeEach(func() {
		pool = newTestNet().pool(0)
	})

	It("Should return NoEvent for an empty input set", func() {
		merged, err := pool.MergeEvents(nil, false)
		Expect(err).ToNot(HaveOccurred())
		Expect(merged).To(Equal(handle.NoEvent))
	})
	It("Should return NoEvent when every input has triggered", func() {
		e1, _ := pool.CreateEvent()
		e2, _ := pool.CreateEvent()
		Expect(pool.Trigger(e1, false)).To(Succeed())
		Expect(pool.Trigger(e2, false)).To(Succeed())
		merged, err := pool.MergeEvents([]handle.Event{e1, e2}, false)
		Expect(err).ToNot(HaveOccurred())
		Expect(merged).To(Equal(handle.NoEvent))
	})
	It("Should return the single untriggered input directly", func() {
		e1, _ := pool.CreateEvent()
		e2, _ := pool.CreateEvent()
		Expect(pool.Trigger(e1, false)).To(Succeed())
		merged, err := pool.MergeEvents([]handle.Event{e1, e2}, false)
		Expect(err).ToNot(HaveOccurred())
		Expect(merged).To(Equal(e2))
	})
	It("Should return an already poisoned input directly", func() {
		e1, _ := pool.CreateEvent()
		e2, _ := pool.CreateEvent()
		Expect(pool.Trigger(e1, true)).To(Succeed())
		merged, err := pool.MergeEvents([]handle.Event{e1, e2}, false)
		Expect(err).ToNot(HaveOccurred())
		Expect(merged).To(Equal(e1))
	})
	It("Should trigger only after every input triggers", func() {
		e1, _ := pool.CreateEvent()
		e2, _ := pool.CreateEvent()
		merged, err := pool.MergeEvents([]handle.Event{e1, e2}, false)
		Expect(err).ToNot(HaveOccurred())
		Expect(merged).ToNot(Equal(e1))
		Expect(merged).ToNot(Equal(e2))

		Expect(pool.Trigger(e1, false)).To(Succeed())
		triggered, _ := pool.HasTriggered(merged)
		Expect(triggered).To(BeFalse())

		Expect(pool.Trigger(e2, false)).To(Succeed())
		triggered, poisoned := pool.HasTriggered(merged)
		Expect(triggered).To(BeTrue())
		Expect(poisoned).To(BeFalse())
	})
	It("Should count duplicate inputs once", func() {
		e, _ := pool.CreateEvent()
		other, _ := pool.CreateEvent()
		merged, err := pool.MergeEvents([]handle.Event{e, e, other}, false)
		Expect(err).ToNot(HaveOccurred())
		Expect(pool.Trigger(e, false)).To(Succeed())
		Expect(pool.Trigger(other, false)).To(Succeed())
		triggered, _ := pool.HasTriggered(merged)
		Expect(triggered).To(BeTrue())
	})
	It("Should eagerly poison the output when an input poisons mid-flight", func() {
		e1, _ := pool.CreateEvent()
		e2, _ := pool.CreateEvent()
		merged, _ := pool.MergeEvents([]handle.Event{e1, e2}, false)

		Expect(pool.Trigger(e1, true)).To(Succeed())
		triggered, poisoned := pool.HasTriggered(merged)
		Expect(triggered).To(BeTrue())
		Expect(poisoned).To(BeTrue())

		// The remaining input still counts down without re-triggering.
		Expect(pool.Trigger(e2, false)).To(Succeed())
		triggered, poisoned = pool.HasTriggered(merged)
		Expect(triggered).To(BeTrue())
		Expect(poisoned).To(BeTrue())
	})

	Describe("Ignoring faults", func() {
		It("Should launder a single pending input into a fresh event", func() {
			e, _ := pool.CreateEvent()
			merged, err := pool.MergeEvents([]handle.Event{e}, true)
			Expect(err).ToNot(HaveOccurred())
			Expect(merged).ToNot(Equal(e))

			Expect(pool.Trigger(e, true)).To(Succeed())
			triggered, poisoned := pool.HasTriggered(merged)
			Expect(triggered).To(BeTrue())
			Expect(poisoned).To(BeFalse())
		})
		It("Should never propagate input poison", func() {
			e1, _ := pool.CreateEvent()
			e2, _ := pool.CreateEvent()
			merged, _ := pool.MergeEvents([]handle.Event{e1, e2}, true)

			Expect(pool.Trigger(e1, true)).To(Succeed())
			triggered, _ := pool.HasTriggered(merged)
			Expect(triggered).To(BeFalse())

			Expect(pool.Trigger(e2, true)).To(Succeed())
			triggered, poisoned := pool.HasTriggered(merged)
			Expect(triggered).To(BeTrue())
			Expect(poisoned).To(BeFalse())
		})
	})
})
