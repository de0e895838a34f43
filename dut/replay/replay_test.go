package replay

import (
	"path/filepath"
	"testing"

	"github.com/colorfulnotion/lockstep/dut"
	"github.com/colorfulnotion/lockstep/lockerrors"
	"github.com/colorfulnotion/lockstep/regfile"
	"github.com/colorfulnotion/lockstep/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayCarriesRegisters(t *testing.T) {
	initial := regfile.Snapshot{PC: 0x80000000}
	after := initial
	after.GPR[5] = 1
	after.PC = 0x80000004

	h := New(initial, []trace.CycleRecord{
		{Cycle: 1},
		{Cycle: 2, Retired: 1, Regs: &after, PCs: [3]uint64{0x80000000}},
		{Cycle: 3, MMIO: [3]bool{true}, WriteEnable: true, WriteDest: 10, WriteValue: 7, Interrupt: true},
		{Cycle: 4, Finished: true},
	})
	require.NoError(t, h.Reset(10))
	assert.Equal(t, initial, h.ReadRegisters())

	require.NoError(t, h.Advance(1))
	assert.Equal(t, uint(0), h.RetiredCount())
	assert.Equal(t, initial, h.ReadRegisters())

	require.NoError(t, h.Advance(1))
	assert.Equal(t, uint(1), h.RetiredCount())
	assert.Equal(t, after, h.ReadRegisters())
	assert.Equal(t, uint64(0x80000000), h.ReadPCTrace()[0])

	require.NoError(t, h.Advance(1))
	assert.Equal(t, after, h.ReadRegisters())
	assert.Equal(t, dut.MMIO{Touched: [3]bool{true}, WriteEnable: true, WriteDest: 10, WriteValue: 7}, h.ReadMMIO())
	assert.True(t, h.ReadMMIO().Any())
	assert.True(t, h.InterruptPending())

	require.NoError(t, h.Advance(1))
	assert.True(t, h.Finished())
	assert.Equal(t, uint64(4), h.Cycles())

	assert.ErrorIs(t, h.Advance(1), lockerrors.ErrRecordingEnd)
	require.NoError(t, h.Close())
}

func TestReplayRejectsBadWriteDest(t *testing.T) {
	h := New(regfile.Snapshot{}, []trace.CycleRecord{{Cycle: 1, WriteEnable: true, WriteDest: 32}})
	assert.ErrorIs(t, h.Advance(1), lockerrors.ErrBadWriteDest)
}

func TestOpenRecordingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dut.jsonl")
	w, err := trace.NewFileWriter(path)
	require.NoError(t, err)
	regs := regfile.Snapshot{PC: 0x80000004}
	require.NoError(t, w.Write(trace.CycleRecord{Cycle: 1, Retired: 1, Regs: &regs}))
	require.NoError(t, w.Close())

	h, err := Open(path)
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.Advance(1))
	assert.Equal(t, regs, h.ReadRegisters())
	assert.ErrorIs(t, h.Advance(1), lockerrors.ErrRecordingEnd)

	_, err = Open(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.ErrorIs(t, err, lockerrors.ErrHarness)
}

func TestOpenRecordingMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	w, err := trace.NewFileWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(map[string]any{"cycle": "one"}))
	require.NoError(t, w.Close())

	h, err := Open(path)
	require.NoError(t, err)
	defer h.Close()
	assert.ErrorIs(t, h.Advance(1), lockerrors.ErrBadRecording)
}
