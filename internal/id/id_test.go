package id_test

import (
	"github.com/mpokorny/legion/internal/id"
	"github.com/mpokorny/legion/internal/node"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ID", func() {
	Describe("Build", func() {
		It("Should round-trip kind, owner and index", func() {
			i := id.Build(id.KindEvent, 42, 1234)
			Expect(i.Kind()).To(Equal(id.KindEvent))
			Expect(i.Owner()).To(Equal(node.ID(42)))
			Expect(i.Index()).To(Equal(uint64(1234)))
		})
		It("Should keep barrier and event ids for the same slot distinct", func() {
			e := id.Build(id.KindEvent, 1, 7)
			b := id.Build(id.KindBarrier, 1, 7)
			Expect(e).ToNot(Equal(b))
			Expect(b.Kind()).To(Equal(id.KindBarrier))
		})
		It("Should hold the maximum slot index", func() {
			max := uint64(1)<<40 - 1
			i := id.Build(id.KindEvent, 65535, max)
			Expect(i.Owner()).To(Equal(node.ID(65535)))
			Expect(i.Index()).To(Equal(max))
		})
		It("Should panic when the index overflows 40 bits", func() {
			Expect(func() { id.Build(id.KindEvent, 0, uint64(1)<<40) }).To(Panic())
		})
	})
	Describe("Zero value", func() {
		It("Should be an invalid id", func() {
			var i id.ID
			Expect(i.Kind()).To(Equal(id.KindInvalid))
		})
	})
})
