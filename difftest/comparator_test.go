package difftest

import (
	"testing"

	"github.com/colorfulnotion/lockstep/regfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pair() (regfile.Snapshot, regfile.Snapshot) {
	var s regfile.Snapshot
	s.PC = 0x80000004
	s.GPR[5] = 1
	s.CSR[regfile.Mtvec] = 0x80000100
	return s, s
}

func TestCompareEqual(t *testing.T) {
	ref, dut := pair()
	assert.Nil(t, NewComparator(regfile.RV64Machine).Compare(&ref, &dut))
}

func TestCompareIgnoresStatusRegisters(t *testing.T) {
	cmp := NewComparator(regfile.RV64Machine)
	ref, dut := pair()
	ref.CSR[regfile.Mstatus] = 0xa00000000
	dut.CSR[regfile.Mstatus] = 0x1880
	dut.CSR[regfile.Sstatus] = 0x22
	assert.Nil(t, cmp.Compare(&ref, &dut))
}

func TestCompareTrustsTimerBits(t *testing.T) {
	cmp := NewComparator(regfile.RV64Machine)
	for _, csr := range []regfile.CSR{regfile.Mie, regfile.Mip} {
		ref, dut := pair()
		ref.CSR[csr] = 0x8
		dut.CSR[csr] = 0x8 | 1<<7
		assert.Nil(t, cmp.Compare(&ref, &dut), csr.String())
		assert.Equal(t, uint64(0x8), ref.CSR[csr], "inputs are not modified")

		ref.CSR[csr] = 1 << 7
		dut.CSR[csr] = 0
		assert.Nil(t, cmp.Compare(&ref, &dut), csr.String())

		// any other bit is compared exactly
		dut.CSR[csr] = 1 << 3
		m := cmp.Compare(&ref, &dut)
		require.NotNil(t, m, csr.String())
		assert.Equal(t, csr.String(), m.Field.Name)
		assert.Equal(t, uint64(0), m.Ref)
		assert.Equal(t, uint64(1<<3), m.DUT)
	}
}

func TestCompareFailFastOrder(t *testing.T) {
	cmp := NewComparator(regfile.RV64Machine)

	ref, dut := pair()
	dut.GPR[7] = 99
	dut.FPR[0] = 1
	dut.CSR[regfile.Mcause] = 2
	m := cmp.Compare(&ref, &dut)
	require.NotNil(t, m)
	assert.Equal(t, "t2", m.Field.Name)
	assert.Equal(t, regfile.KindGPR, m.Field.Kind)

	dut.GPR[7] = ref.GPR[7]
	m = cmp.Compare(&ref, &dut)
	require.NotNil(t, m)
	assert.Equal(t, "ft0", m.Field.Name)
	assert.Equal(t, regfile.FPRBase, m.Index)

	dut.FPR[0] = 0
	m = cmp.Compare(&ref, &dut)
	require.NotNil(t, m)
	assert.Equal(t, "mcause", m.Field.Name)
}

func TestCompareDoesNotCheckPC(t *testing.T) {
	ref, dut := pair()
	dut.PC += 4
	assert.Nil(t, NewComparator(regfile.RV64Machine).Compare(&ref, &dut))
}

func TestMismatchString(t *testing.T) {
	ref, dut := pair()
	dut.GPR[5] = 0
	m := NewComparator(regfile.RV64Machine).Compare(&ref, &dut)
	require.NotNil(t, m)
	assert.Equal(t, "$t0 (gpr 5): ref 0x1, dut 0x0", m.String())
}

func TestCustomProfile(t *testing.T) {
	p := regfile.TrustProfile{Name: "strict"}
	ref, dut := pair()
	dut.CSR[regfile.Mstatus] = 1
	m := NewComparator(p).Compare(&ref, &dut)
	require.NotNil(t, m)
	assert.Equal(t, "mstatus", m.Field.Name)
}
