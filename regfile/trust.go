package regfile

import "golang.org/x/exp/slices"

const (
	// MieMTIE is the machine timer interrupt enable bit of mie.
	MieMTIE uint64 = 1 << 7
	// MipMTIP is the machine timer interrupt pending bit of mip.
	MipMTIP uint64 = 1 << 7
)

// TrustProfile lists the CSR exceptions applied when comparing a reference
// snapshot against a DUT snapshot for one target architecture.
type TrustProfile struct {
	Name string
	// Excluded CSRs are never compared.
	Excluded []CSR
	// TrustedBits are taken from the DUT value before comparison; every other
	// bit of the register is compared exactly.
	TrustedBits map[CSR]uint64
}

// RV64Machine is the profile for an RV64 core whose timer interrupt timing is
// driven by the DUT.
var RV64Machine = TrustProfile{
	Name:     "rv64-machine",
	Excluded: []CSR{Mstatus, Sstatus},
	TrustedBits: map[CSR]uint64{
		Mie: MieMTIE,
		Mip: MipMTIP,
	},
}

// Excludes reports whether c is skipped by the comparison.
func (p TrustProfile) Excludes(c CSR) bool {
	return slices.Contains(p.Excluded, c)
}

// Merge returns ref with the trusted bits of c replaced by those of dut.
func (p TrustProfile) Merge(c CSR, ref, dut uint64) uint64 {
	mask, ok := p.TrustedBits[c]
	if !ok {
		return ref
	}
	return (ref &^ mask) | (dut & mask)
}
