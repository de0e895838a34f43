// Package emu implements a software DUT: the image runs on a unicorn RISC-V 64
// core, one instruction per simulated cycle. It is useful for exercising the
// lockstep flow without an RTL model.
package emu

import (
	"github.com/colorfulnotion/lockstep/dut"
)

// selfLoop is "jal x0, 0", the conventional end-of-test spin.
const selfLoop uint32 = 0x0000006f

// Window is a memory-mapped I/O region whose accesses are reported to the controller.
type Window struct {
	Name string
	Base uint64
	Size uint64
}

func (w Window) Contains(addr uint64) bool {
	return addr >= w.Base && addr-w.Base < w.Size
}

type Config struct {
	RAMBase uint64
	RAMSize uint64
	// Entry overrides the ELF entry point when non-zero.
	Entry uint64
	// FinishPC signals completion when reached, in addition to a self-loop.
	FinishPC uint64
	Windows  [dut.NumMMIOWindows]Window
}

// DefaultConfig matches QEMU's virt machine with 64 MiB of RAM.
func DefaultConfig() Config {
	return Config{
		RAMBase: 0x80000000,
		RAMSize: 64 << 20,
		Windows: [dut.NumMMIOWindows]Window{
			{Name: "clint", Base: 0x02000000, Size: 0x10000},
			{Name: "plic", Base: 0x0c000000, Size: 0x600000},
			{Name: "uart", Base: 0x10000000, Size: 0x1000},
		},
	}
}

// loadDest returns the integer destination of an instruction that reads
// memory into a general register.
func loadDest(inst uint32) (int, bool) {
	switch inst & 0x7f {
	case 0x03, 0x2f: // LOAD, AMO
		rd := int(inst>>7) & 0x1f
		return rd, rd != 0
	}
	return 0, false
}

// pushPC records a retired PC, most recent first.
func pushPC(trace [3]uint64, pc uint64) [3]uint64 {
	return [3]uint64{pc, trace[0], trace[1]}
}
