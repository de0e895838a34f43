package dut

import (
	"fmt"

	"github.com/colorfulnotion/lockstep/log"
	"github.com/colorfulnotion/lockstep/regfile"
	"github.com/colorfulnotion/lockstep/trace"
)

// Recorder passes calls through to a Harness and writes one CycleRecord per
// advanced cycle, producing a recording that replay.Open can play back.
type Recorder struct {
	Harness
	w        *trace.Writer
	cycle    uint64
	lastRegs regfile.Snapshot
	started  bool
}

func NewRecorder(h Harness, w *trace.Writer) *Recorder {
	return &Recorder{Harness: h, w: w}
}

// Advance steps the wrapped harness one cycle at a time so every cycle is recorded.
func (r *Recorder) Advance(cycles int) error {
	for i := 0; i < cycles; i++ {
		if err := r.Harness.Advance(1); err != nil {
			return err
		}
		r.cycle++
		if err := r.record(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) record() error {
	mmio := r.Harness.ReadMMIO()
	rec := trace.CycleRecord{
		Cycle:       r.cycle,
		Retired:     r.Harness.RetiredCount(),
		Finished:    r.Harness.Finished(),
		PCs:         r.Harness.ReadPCTrace(),
		MMIO:        mmio.Touched,
		WriteEnable: mmio.WriteEnable,
		WriteDest:   mmio.WriteDest,
		WriteValue:  mmio.WriteValue,
		Interrupt:   r.Harness.InterruptPending(),
	}
	regs := r.Harness.ReadRegisters()
	if !r.started || regs != r.lastRegs {
		rec.Regs = &regs
		r.lastRegs = regs
		r.started = true
	}
	if err := r.w.Write(&rec); err != nil {
		return fmt.Errorf("record cycle %d: %w", r.cycle, err)
	}
	return nil
}

// Close flushes the recording and closes the wrapped harness.
func (r *Recorder) Close() error {
	werr := r.w.Close()
	herr := r.Harness.Close()
	if werr != nil {
		return werr
	}
	log.Debug(log.DutMonitoring, "recording closed", "cycles", r.cycle)
	return herr
}
