// Package regfile defines the architectural register snapshot shared by the
// reference driver and every DUT harness.
//
// The schema is a single positional table: flat index 0-31 are the integer
// registers, 32 is the PC, 33-64 are the floating-point registers and 65-82
// are the CSRs in the order listed by CSRs. Both sides of a lockstep run fill
// and compare snapshots through this table and never by name lookup.
package regfile

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	NumGPR = 32
	NumFPR = 32
	NumCSR = int(numCSR)

	// NumVectorWords is the width of the debug stub's g/G register vector: 32 GPRs then PC.
	NumVectorWords = NumGPR + 1

	NumFields = NumGPR + 1 + NumFPR + NumCSR

	PCIndex  = NumGPR
	FPRBase  = PCIndex + 1
	CSRBase  = FPRBase + NumFPR
	WordSize = 8
)

type Kind uint8

const (
	KindGPR Kind = iota
	KindPC
	KindFPR
	KindCSR
)

func (k Kind) String() string {
	switch k {
	case KindGPR:
		return "gpr"
	case KindPC:
		return "pc"
	case KindFPR:
		return "fpr"
	case KindCSR:
		return "csr"
	default:
		return "unknown"
	}
}

// CSR indexes the fixed control/status register set of a snapshot.
type CSR int

const (
	Mstatus CSR = iota
	Medeleg
	Mideleg
	Mie
	Mip
	Mtvec
	Mscratch
	Mepc
	Mcause
	Mtval
	Sstatus
	Sie
	Stvec
	Sscratch
	Sepc
	Scause
	Stval
	Sip
	numCSR
)

var csrNames = [numCSR]string{
	"mstatus", "medeleg", "mideleg", "mie",
	"mip", "mtvec", "mscratch", "mepc",
	"mcause", "mtval", "sstatus", "sie", "stvec",
	"sscratch", "sepc", "scause", "stval", "sip",
}

// architectural CSR numbers, used to address CSRs through the debug stub
var csrAddrs = [numCSR]uint16{
	0x300, 0x302, 0x303, 0x304,
	0x344, 0x305, 0x340, 0x341,
	0x342, 0x343, 0x100, 0x104, 0x105,
	0x140, 0x141, 0x142, 0x143, 0x144,
}

func (c CSR) String() string {
	if c < 0 || c >= numCSR {
		return fmt.Sprintf("csr%d", int(c))
	}
	return csrNames[c]
}

// Addr returns the architectural CSR number.
func (c CSR) Addr() uint16 {
	return csrAddrs[c]
}

// CSRs returns the CSR set in snapshot order.
func CSRs() []CSR {
	out := make([]CSR, numCSR)
	for i := range out {
		out[i] = CSR(i)
	}
	return out
}

var gprNames = [NumGPR]string{
	"zero", "ra", "sp", "gp",
	"tp", "t0", "t1", "t2",
	"fp", "s1", "a0", "a1",
	"a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3",
	"s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11",
	"t3", "t4", "t5", "t6",
}

var fprNames = [NumFPR]string{
	"ft0", "ft1", "ft2", "ft3", "ft4", "ft5", "ft6", "ft7",
	"fs0", "fs1", "fa0", "fa1", "fa2", "fa3", "fa4", "fa5",
	"fa6", "fa7", "fs2", "fs3", "fs4", "fs5", "fs6", "fs7",
	"fs8", "fs9", "fs10", "fs11", "ft8", "ft9", "ft10", "ft11",
}

// Field names one slot of the schema.
type Field struct {
	Kind  Kind
	Index int // index within its kind
	Name  string
}

var (
	schema [NumFields]Field
	byName = make(map[string]int, NumFields)
)

func init() {
	for i := 0; i < NumGPR; i++ {
		schema[i] = Field{Kind: KindGPR, Index: i, Name: gprNames[i]}
	}
	schema[PCIndex] = Field{Kind: KindPC, Name: "pc"}
	for i := 0; i < NumFPR; i++ {
		schema[FPRBase+i] = Field{Kind: KindFPR, Index: i, Name: fprNames[i]}
	}
	for i := 0; i < NumCSR; i++ {
		schema[CSRBase+i] = Field{Kind: KindCSR, Index: i, Name: csrNames[i]}
	}
	for i, f := range schema {
		byName[f.Name] = i
	}
}

// FieldAt returns the schema entry at flat index i.
func FieldAt(i int) Field {
	return schema[i]
}

// Lookup maps a register name to its flat index. It exists for user input
// (flags, recordings); comparisons stay positional.
func Lookup(name string) (int, bool) {
	i, ok := byName[name]
	return i, ok
}

// GPRName returns the ABI name of integer register i.
func GPRName(i int) string {
	return gprNames[i]
}

// Snapshot is the architectural state of one side at a retirement boundary.
type Snapshot struct {
	GPR [NumGPR]uint64
	PC  uint64
	FPR [NumFPR]uint64
	CSR [NumCSR]uint64
}

// Slot returns a pointer to the value at flat index i.
func (s *Snapshot) Slot(i int) *uint64 {
	f := schema[i]
	switch f.Kind {
	case KindGPR:
		return &s.GPR[f.Index]
	case KindPC:
		return &s.PC
	case KindFPR:
		return &s.FPR[f.Index]
	default:
		return &s.CSR[f.Index]
	}
}

// At returns the value at flat index i.
func (s *Snapshot) At(i int) uint64 {
	return *s.Slot(i)
}

// Vector returns the g/G register vector view of the snapshot.
func (s *Snapshot) Vector() [NumVectorWords]uint64 {
	var v [NumVectorWords]uint64
	copy(v[:NumGPR], s.GPR[:])
	v[PCIndex] = s.PC
	return v
}

// SetVector loads the GPRs and PC from a g/G register vector.
func (s *Snapshot) SetVector(v [NumVectorWords]uint64) {
	copy(s.GPR[:], v[:NumGPR])
	s.PC = v[PCIndex]
}

// MarshalJSON renders the snapshot as a name-keyed object of hex strings.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, NumFields)
	for i := 0; i < NumFields; i++ {
		m[schema[i].Name] = fmt.Sprintf("0x%016x", s.At(i))
	}
	return json.Marshal(m)
}

// UnmarshalJSON accepts the form produced by MarshalJSON. Missing names stay zero.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*s = Snapshot{}
	for name, hex := range m {
		i, ok := byName[name]
		if !ok {
			return fmt.Errorf("unknown register %q", name)
		}
		v, err := strconv.ParseUint(strings.TrimPrefix(hex, "0x"), 16, 64)
		if err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
		*s.Slot(i) = v
	}
	return nil
}
