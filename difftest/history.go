package difftest

import "golang.org/x/exp/slices"

// HistorySize is the number of passing reference PCs kept for diagnostics.
const HistorySize = 3

// History is the bounded ring of reference PCs at which an instruction
// retired and compared equal.
type History struct {
	pcs []uint64
}

func NewHistory() *History {
	return &History{pcs: make([]uint64, 0, HistorySize)}
}

// Push records pc, evicting the oldest entry when full.
func (h *History) Push(pc uint64) {
	if len(h.pcs) == HistorySize {
		h.pcs = slices.Delete(h.pcs, 0, 1)
	}
	h.pcs = append(h.pcs, pc)
}

// Entries returns a copy, oldest first.
func (h *History) Entries() []uint64 {
	return slices.Clone(h.pcs)
}

func (h *History) Len() int {
	return len(h.pcs)
}
