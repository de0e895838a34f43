// Package trace reads and writes the JSON Lines files of a lockstep run: DUT
// cycle recordings and the reference commit log.
package trace

import "github.com/colorfulnotion/lockstep/regfile"

// CycleRecord is one simulated DUT cycle.
type CycleRecord struct {
	Cycle    uint64 `json:"cycle"`
	Retired  uint   `json:"retired"`
	Finished bool   `json:"finished,omitempty"`

	// Regs is the DUT state after the cycle. Omitted when unchanged.
	Regs *regfile.Snapshot `json:"regs,omitempty"`
	PCs  [3]uint64         `json:"pcs"`

	MMIO        [3]bool `json:"mmio"`
	WriteEnable bool    `json:"we,omitempty"`
	WriteDest   int     `json:"wdest,omitempty"`
	WriteValue  uint64  `json:"wdata,omitempty"`
	Interrupt   bool    `json:"int,omitempty"`
}

// CommitRecord is one instruction retired by the reference.
type CommitRecord struct {
	Cycle uint64 `json:"cycle"`
	PC    string `json:"pc"`
	Inst  string `json:"inst"`
	Asm   string `json:"asm,omitempty"`
}
