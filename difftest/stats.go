package difftest

import "fmt"

// Sample is the running total at a point in the run, used for IPC charts.
type Sample struct {
	Cycle   uint64  `json:"cycle"`
	Retired uint64  `json:"retired"`
	IPC     float64 `json:"ipc"`
}

// Stats counts DUT progress over a run.
type Stats struct {
	Cycles          uint64
	Retired         uint64
	Bubbles         uint64
	BubbleOverflows uint64
	Samples         []Sample
}

// IPC is retired instructions per DUT cycle.
func (s *Stats) IPC() float64 {
	if s.Cycles == 0 {
		return 0
	}
	return float64(s.Retired) / float64(s.Cycles)
}

// sample closes an IPC window ending at the current cycle.
func (s *Stats) sample(prev Sample) Sample {
	cur := Sample{Cycle: s.Cycles, Retired: s.Retired}
	if d := cur.Cycle - prev.Cycle; d > 0 {
		cur.IPC = float64(cur.Retired-prev.Retired) / float64(d)
	}
	s.Samples = append(s.Samples, cur)
	return cur
}

func (s *Stats) String() string {
	return fmt.Sprintf("cycles=%d retired=%d bubbles=%d ipc=%.3f", s.Cycles, s.Retired, s.Bubbles, s.IPC())
}
