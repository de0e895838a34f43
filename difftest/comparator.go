package difftest

import (
	"fmt"

	"github.com/colorfulnotion/lockstep/regfile"
)

// Mismatch describes the first register on which the two sides disagree.
type Mismatch struct {
	Index int // flat schema index
	Field regfile.Field
	Ref   uint64
	DUT   uint64
	// History holds the reference PCs of the last instructions that passed,
	// oldest first.
	History []uint64
}

func (m *Mismatch) String() string {
	return fmt.Sprintf("$%s (%s %d): ref 0x%x, dut 0x%x", m.Field.Name, m.Field.Kind, m.Field.Index, m.Ref, m.DUT)
}

// Comparator decides whether a DUT snapshot matches the reference under a
// trust profile.
type Comparator struct {
	profile regfile.TrustProfile
}

func NewComparator(p regfile.TrustProfile) *Comparator {
	return &Comparator{profile: p}
}

// Compare checks GPRs, then FPRs, then CSRs in index order and stops at the
// first difference. It returns nil on a match and never modifies its inputs.
func (c *Comparator) Compare(ref, dut *regfile.Snapshot) *Mismatch {
	for i := 0; i < regfile.NumGPR; i++ {
		if ref.GPR[i] != dut.GPR[i] {
			return c.mismatch(i, ref.GPR[i], dut.GPR[i])
		}
	}
	for i := 0; i < regfile.NumFPR; i++ {
		if ref.FPR[i] != dut.FPR[i] {
			return c.mismatch(regfile.FPRBase+i, ref.FPR[i], dut.FPR[i])
		}
	}
	for _, csr := range regfile.CSRs() {
		if c.profile.Excludes(csr) {
			continue
		}
		r := c.profile.Merge(csr, ref.CSR[csr], dut.CSR[csr])
		if r != dut.CSR[csr] {
			return c.mismatch(regfile.CSRBase+int(csr), r, dut.CSR[csr])
		}
	}
	return nil
}

func (c *Comparator) mismatch(index int, ref, dut uint64) *Mismatch {
	return &Mismatch{Index: index, Field: regfile.FieldAt(index), Ref: ref, DUT: dut}
}
