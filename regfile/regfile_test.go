package regfile

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaLayout(t *testing.T) {
	assert.Equal(t, 83, NumFields)
	assert.Equal(t, Field{Kind: KindGPR, Index: 5, Name: "t0"}, FieldAt(5))
	assert.Equal(t, KindPC, FieldAt(32).Kind)
	assert.Equal(t, "ft0", FieldAt(33).Name)
	assert.Equal(t, "ft11", FieldAt(64).Name)
	assert.Equal(t, "mstatus", FieldAt(65).Name)
	assert.Equal(t, "sstatus", FieldAt(75).Name)
	assert.Equal(t, "sip", FieldAt(82).Name)

	i, ok := Lookup("mie")
	require.True(t, ok)
	assert.Equal(t, CSRBase+int(Mie), i)
	assert.Equal(t, uint16(0x304), Mie.Addr())
	assert.Equal(t, uint16(0x344), Mip.Addr())
}

func TestSlotIsPositional(t *testing.T) {
	var s Snapshot
	for i := 0; i < NumFields; i++ {
		*s.Slot(i) = uint64(i) + 1
	}
	assert.Equal(t, uint64(6), s.GPR[5])
	assert.Equal(t, uint64(33), s.PC)
	assert.Equal(t, uint64(34), s.FPR[0])
	assert.Equal(t, uint64(66), s.CSR[Mstatus])
	assert.Equal(t, uint64(83), s.CSR[Sip])
}

func TestVectorView(t *testing.T) {
	var s Snapshot
	s.GPR[5] = 7
	s.PC = 0x80000004
	s.FPR[1] = 9
	v := s.Vector()
	assert.Equal(t, uint64(7), v[5])
	assert.Equal(t, uint64(0x80000004), v[32])

	var back Snapshot
	back.FPR[1] = 9
	back.SetVector(v)
	assert.Equal(t, s, back)
}

func TestSnapshotJSON(t *testing.T) {
	var s Snapshot
	s.GPR[1] = 0xdead
	s.PC = 0x80000000
	s.CSR[Mcause] = 8
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"ra":"0x000000000000dead"`)

	var back Snapshot
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s, back)

	assert.Error(t, json.Unmarshal([]byte(`{"x99":"0x1"}`), &back))
}

func TestTrustProfile(t *testing.T) {
	p := RV64Machine
	assert.True(t, p.Excludes(Mstatus))
	assert.True(t, p.Excludes(Sstatus))
	assert.False(t, p.Excludes(Mie))

	// only bit 7 is taken from the DUT
	assert.Equal(t, uint64(0x88), p.Merge(Mie, 0x08, 0x80))
	assert.Equal(t, uint64(0x08), p.Merge(Mie, 0x88, 0x00))
	assert.Equal(t, uint64(0x08), p.Merge(Mip, 0x08, 0x08))
	assert.Equal(t, uint64(0x1234), p.Merge(Mtvec, 0x1234, 0xffff))
}
