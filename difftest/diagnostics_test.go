package difftest

import (
	"bytes"
	"strings"
	"testing"

	"github.com/colorfulnotion/lockstep/regfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisassemble(t *testing.T) {
	asm := Disassemble(0x00128293) // addi x5, x5, 1
	assert.Contains(t, asm, "addi")
	assert.Contains(t, asm, "t0")
	assert.NotRegexp(t, `\bx[0-9]+\b`, asm)

	// ld x31, 0(x2)
	asm = Disassemble(0x00013f83)
	assert.Contains(t, asm, "t6")
	assert.Contains(t, asm, "sp")

	assert.NotEmpty(t, Disassemble(0x0000006f))
}

func TestDumpSnapshotGroups(t *testing.T) {
	var s regfile.Snapshot
	s.PC = 0x80000000
	s.GPR[5] = 0x2a
	var buf bytes.Buffer
	DumpSnapshot(&buf, &s, true)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	// pc, 8 GPR rows, 8 FPR rows, 5 CSR rows
	require.Len(t, lines, 1+8+8+5)
	assert.Equal(t, "$pc:  0x0000000080000000", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "$zero:"))
	assert.Contains(t, lines[2], "$t0:     0x000000000000002a")
	assert.Contains(t, lines[len(lines)-1], "$sip:")
}

func TestSnapshotDiff(t *testing.T) {
	var a, b regfile.Snapshot
	diff, err := snapshotDiff(&a, &b, false)
	require.NoError(t, err)
	assert.Empty(t, diff)

	b.GPR[5] = 1
	diff, err = snapshotDiff(&a, &b, false)
	require.NoError(t, err)
	assert.Contains(t, diff, "t0")
	assert.Contains(t, diff, "0x0000000000000001")
}

func TestDivergenceReport(t *testing.T) {
	res := &Result{
		State:   StateDiverged,
		Cycles:  3,
		Retired: 2,
		Mismatch: &Mismatch{
			Index:   5,
			Field:   regfile.FieldAt(5),
			Ref:     2,
			DUT:     1,
			History: []uint64{0x80000000, 0x80000004},
		},
		DUTTrace: [3]uint64{0x80000004, 0x80000000},
	}
	res.Ref.GPR[5] = 2
	res.DUT.GPR[5] = 1
	var buf bytes.Buffer
	writeDivergence(&buf, res, []commit{{PC: 0x80000004, Inst: 0x00128293}}, false)

	out := buf.String()
	assert.Contains(t, out, "QEMU PC at [0x0000000080000000]")
	assert.Contains(t, out, "Error in $t0, QEMU 2, DUT 1")
	assert.Contains(t, out, "$pc_0:0x0000000080000004")
	assert.Contains(t, out, "divergence at cycle 3 after 2 instructions")
	assert.Contains(t, out, "addi")
	assert.Contains(t, out, "snapshot diff")
	assert.NotContains(t, out, "\033[")
}
