package redop_test

import (
	"encoding/binary"

	"github.com/mpokorny/legion/internal/redop"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Registry", func() {
	var reg *redop.Registry
	BeforeEach(func() {
		reg = redop.NewRegistry()
	})
	It("Should look up a registered operator", func() {
		Expect(reg.Register(1, redop.SumUint64())).To(Succeed())
		op, err := reg.Lookup(1)
		Expect(err).ToNot(HaveOccurred())
		Expect(op.SizeofLHS).To(Equal(8))
	})
	It("Should reject id 0", func() {
		Expect(reg.Register(0, redop.SumUint64())).ToNot(Succeed())
	})
	It("Should reject duplicate registration", func() {
		Expect(reg.Register(1, redop.SumUint64())).To(Succeed())
		Expect(reg.Register(1, redop.SumUint64())).ToNot(Succeed())
	})
	It("Should fail lookup of an unknown id", func() {
		_, err := reg.Lookup(9)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("SumUint64", func() {
	It("Should fold right-hand sides into the accumulator", func() {
		op := redop.SumUint64()
		lhs := make([]byte, 8)
		binary.LittleEndian.PutUint64(lhs, 10)
		rhs := make([]byte, 16)
		binary.LittleEndian.PutUint64(rhs, 3)
		binary.LittleEndian.PutUint64(rhs[8:], 4)
		op.Apply(lhs, rhs, 2, true)
		Expect(binary.LittleEndian.Uint64(lhs)).To(Equal(uint64(17)))
	})
})
