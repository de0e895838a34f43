// Package replay implements a DUT harness that plays back a recorded cycle
// stream, typically captured from an RTL simulation.
package replay

import (
	"errors"
	"fmt"
	"io"

	"github.com/colorfulnotion/lockstep/dut"
	"github.com/colorfulnotion/lockstep/lockerrors"
	"github.com/colorfulnotion/lockstep/log"
	"github.com/colorfulnotion/lockstep/regfile"
	"github.com/colorfulnotion/lockstep/trace"
)

// Harness replays CycleRecords. Register state carries over from the last
// record that included it.
type Harness struct {
	src     source
	cur     trace.CycleRecord
	regs    regfile.Snapshot
	initial regfile.Snapshot
	cycles  uint64
	resets  int
}

type source interface {
	next() (trace.CycleRecord, error)
	close() error
}

// Open replays the JSON Lines recording at path.
func Open(path string) (*Harness, error) {
	r, err := trace.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lockerrors.ErrHarness, err)
	}
	log.Info(log.DutMonitoring, "replaying recording", "path", path)
	return &Harness{src: &fileSource{r: r}}, nil
}

// New replays records held in memory, starting from the initial register state.
func New(initial regfile.Snapshot, records []trace.CycleRecord) *Harness {
	return &Harness{src: &sliceSource{recs: records}, regs: initial, initial: initial}
}

// Reset discards nothing: a recording starts after the DUT's reset sequence.
func (h *Harness) Reset(cycles int) error {
	h.resets += cycles
	h.regs = h.initial
	log.Debug(log.DutMonitoring, "reset", "cycles", cycles)
	return nil
}

func (h *Harness) Advance(cycles int) error {
	for i := 0; i < cycles; i++ {
		rec, err := h.src.next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: after %d cycles", lockerrors.ErrRecordingEnd, h.cycles)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", lockerrors.ErrBadRecording, err)
		}
		if rec.WriteEnable && (rec.WriteDest < 0 || rec.WriteDest >= regfile.NumGPR) {
			return fmt.Errorf("%w: cycle %d wdest %d", lockerrors.ErrBadWriteDest, rec.Cycle, rec.WriteDest)
		}
		h.cycles++
		h.cur = rec
		if rec.Regs != nil {
			h.regs = *rec.Regs
		}
	}
	return nil
}

func (h *Harness) RetiredCount() uint              { return h.cur.Retired }
func (h *Harness) Finished() bool                  { return h.cur.Finished }
func (h *Harness) ReadRegisters() regfile.Snapshot { return h.regs }
func (h *Harness) ReadPCTrace() [3]uint64          { return h.cur.PCs }
func (h *Harness) InterruptPending() bool          { return h.cur.Interrupt }

func (h *Harness) ReadMMIO() dut.MMIO {
	return dut.MMIO{
		Touched:     h.cur.MMIO,
		WriteEnable: h.cur.WriteEnable,
		WriteDest:   h.cur.WriteDest,
		WriteValue:  h.cur.WriteValue,
	}
}

// Cycles is the number of records consumed.
func (h *Harness) Cycles() uint64 { return h.cycles }

func (h *Harness) Close() error {
	return h.src.close()
}

type fileSource struct {
	r *trace.Reader
}

func (s *fileSource) next() (trace.CycleRecord, error) {
	var rec trace.CycleRecord
	err := s.r.Next(&rec)
	return rec, err
}

func (s *fileSource) close() error { return s.r.Close() }

type sliceSource struct {
	recs []trace.CycleRecord
	pos  int
}

func (s *sliceSource) next() (trace.CycleRecord, error) {
	if s.pos >= len(s.recs) {
		return trace.CycleRecord{}, io.EOF
	}
	rec := s.recs[s.pos]
	s.pos++
	return rec, nil
}

func (s *sliceSource) close() error { return nil }

var _ dut.Harness = (*Harness)(nil)
