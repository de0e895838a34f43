// Package dut defines the boundary between the lockstep controller and a
// device under test, plus a recorder that captures any harness to JSON Lines.
package dut

import (
	"github.com/colorfulnotion/lockstep/regfile"
)

// NumMMIOWindows is the number of memory-mapped I/O windows a DUT reports on.
const NumMMIOWindows = 3

// MMIO is the DUT's memory-mapped I/O activity for one cycle.
type MMIO struct {
	Touched     [NumMMIOWindows]bool
	WriteEnable bool
	WriteDest   int
	WriteValue  uint64
}

// Any reports whether any window was touched.
func (m MMIO) Any() bool {
	for _, t := range m.Touched {
		if t {
			return true
		}
	}
	return false
}

// Harness is a device under test advanced one simulation cycle at a time.
// Readers report the state left by the most recent Advance.
type Harness interface {
	Advance(cycles int) error
	Reset(cycles int) error
	RetiredCount() uint
	Finished() bool
	ReadRegisters() regfile.Snapshot
	// ReadPCTrace returns the DUT's last three retired PCs, most recent first.
	ReadPCTrace() [3]uint64
	ReadMMIO() MMIO
	InterruptPending() bool
	Close() error
}
