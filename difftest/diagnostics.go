package difftest

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/colorfulnotion/lockstep/common"
	"github.com/colorfulnotion/lockstep/regfile"
	"github.com/xlab/treeprint"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
	"golang.org/x/arch/riscv64/riscv64asm"
)

var numericGPR = regexp.MustCompile(`\bx([0-9]|[12][0-9]|3[01])\b`)

// Disassemble renders one instruction word in GNU syntax with ABI register
// names, matching the register dumps.
func Disassemble(inst uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], inst)
	in, err := riscv64asm.Decode(b[:])
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", inst)
	}
	return numericGPR.ReplaceAllStringFunc(riscv64asm.GNUSyntax(in), func(reg string) string {
		n, _ := strconv.Atoi(reg[1:])
		return regfile.GPRName(n)
	})
}

// commit is one reference retirement kept for the divergence report.
type commit struct {
	PC   uint64
	Inst uint32
}

// DumpSnapshot writes a snapshot in ABI-name groups of four.
func DumpSnapshot(w io.Writer, s *regfile.Snapshot, withPC bool) {
	if withPC {
		fmt.Fprintf(w, "$pc:  0x%016x\n", s.PC)
	}
	dumpGroup(w, s, 0, regfile.NumGPR)
	dumpGroup(w, s, regfile.FPRBase, regfile.NumFPR)
	dumpGroup(w, s, regfile.CSRBase, regfile.NumCSR)
}

func dumpGroup(w io.Writer, s *regfile.Snapshot, base, n int) {
	for i := 0; i < n; i += 4 {
		cols := make([]string, 0, 4)
		for j := i; j < i+4 && j < n; j++ {
			f := regfile.FieldAt(base + j)
			cols = append(cols, fmt.Sprintf("%-9s0x%016x", "$"+f.Name+":", s.At(base+j)))
		}
		fmt.Fprintln(w, strings.Join(cols, "  "))
	}
}

// mismatchTree summarises a divergence.
func mismatchTree(res *Result, recent []commit, color bool) treeprint.Tree {
	m := res.Mismatch
	tree := treeprint.New()
	tree.SetValue(common.Colorize(color, common.ColorRed, fmt.Sprintf("divergence at cycle %d after %d instructions", res.Cycles, res.Retired)))

	reg := tree.AddBranch(fmt.Sprintf("$%s (%s %d)", m.Field.Name, m.Field.Kind, m.Field.Index))
	reg.AddNode(fmt.Sprintf("ref 0x%016x", m.Ref))
	reg.AddNode(fmt.Sprintf("dut 0x%016x", m.DUT))
	reg.AddNode(fmt.Sprintf("xor 0x%016x", m.Ref^m.DUT))

	hist := tree.AddBranch("reference pc history")
	for _, pc := range m.History {
		hist.AddNode(fmt.Sprintf("0x%016x", pc))
	}
	if len(recent) > 0 {
		insts := tree.AddBranch("last reference instructions")
		for _, c := range recent {
			insts.AddNode(fmt.Sprintf("0x%016x  %08x  %s", c.PC, c.Inst, Disassemble(c.Inst)))
		}
	}
	dutPCs := tree.AddBranch("dut pc trace")
	for i, pc := range res.DUTTrace {
		dutPCs.AddNode(fmt.Sprintf("$pc_%d 0x%016x", i, pc))
	}
	return tree
}

// snapshotDiff renders the JSON difference between the two snapshots.
func snapshotDiff(ref, dut *regfile.Snapshot, color bool) (string, error) {
	left, err := json.Marshal(ref)
	if err != nil {
		return "", err
	}
	right, err := json.Marshal(dut)
	if err != nil {
		return "", err
	}
	delta, err := gojsondiff.New().Compare(left, right)
	if err != nil {
		return "", err
	}
	if !delta.Modified() {
		return "", nil
	}
	var leftObj interface{}
	if err := json.Unmarshal(left, &leftObj); err != nil {
		return "", err
	}
	f := formatter.NewAsciiFormatter(leftObj, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       color,
	})
	return f.Format(delta)
}

// writeDivergence prints the full divergence report.
func writeDivergence(w io.Writer, res *Result, recent []commit, color bool) {
	m := res.Mismatch
	for _, pc := range m.History {
		fmt.Fprintf(w, "QEMU PC at [0x%016x]\n", pc)
	}
	fmt.Fprintln(w, common.Colorize(color, common.ColorRed,
		fmt.Sprintf("Error in $%s, QEMU %x, DUT %x", m.Field.Name, m.Ref, m.DUT)))

	fmt.Fprintln(w, "\nQEMU")
	DumpSnapshot(w, &res.Ref, true)
	fmt.Fprintln(w, "\nDUT")
	pcs := make([]string, 0, len(res.DUTTrace))
	for i, pc := range res.DUTTrace {
		pcs = append(pcs, fmt.Sprintf("$pc_%d:0x%016x", i, pc))
	}
	fmt.Fprintln(w, strings.Join(pcs, "  "))
	DumpSnapshot(w, &res.DUT, false)

	fmt.Fprintln(w)
	fmt.Fprintln(w, mismatchTree(res, recent, color).String())

	diff, err := snapshotDiff(&res.Ref, &res.DUT, color)
	switch {
	case err != nil:
		fmt.Fprintf(w, "(error diffing snapshots: %v)\n", err)
	case diff != "":
		fmt.Fprintln(w, "snapshot diff (reference -> dut):")
		fmt.Fprintln(w, diff)
	}
}
