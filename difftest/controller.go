// Package difftest runs a device under test in lockstep with a reference
// model and stops at the first architectural divergence.
package difftest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/colorfulnotion/lockstep/dut"
	"github.com/colorfulnotion/lockstep/lockerrors"
	"github.com/colorfulnotion/lockstep/log"
	"github.com/colorfulnotion/lockstep/regfile"
	"github.com/colorfulnotion/lockstep/trace"
)

// State is the controller's lifecycle state.
type State int

const (
	StateInit State = iota
	StateRun
	StateFinished
	StateDiverged
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRun:
		return "RUN"
	case StateFinished:
		return "FINISHED"
	case StateDiverged:
		return "DIVERGED"
	case StateAborted:
		return "ABORTED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateDiverged || s == StateAborted
}

// NopInstruction is "addi x0, x0, 0".
const NopInstruction uint32 = 0x00000013

// Reference is the golden model side of a run.
type Reference interface {
	Initialize(entry uint64) error
	Fetch() (uint32, error)
	Step() (regfile.Snapshot, error)
	Snapshot() regfile.Snapshot
	EnableInterrupts() error
	WriteSnapshot(regfile.Snapshot) error
	PatchInstruction(addr uint64, inst uint32) error
}

// CycleEvent is published to observers after every compared cycle.
type CycleEvent struct {
	Cycle   uint64 `json:"cycle"`
	Retired uint   `json:"retired"`
	Total   uint64 `json:"total"`
	Bubbles int    `json:"bubbles"`
	PC      uint64 `json:"pc"`
}

// Observer receives progress from a running controller. Calls are made on
// the controller's goroutine.
type Observer interface {
	OnCycle(ev CycleEvent)
	OnResult(res *Result)
}

type Config struct {
	Entry            uint64
	BubbleLimit      int
	InstructionWidth uint64
	ResetCycles      int
	Profile          regfile.TrustProfile
	// NopPatches are reference addresses overwritten with a nop after initialization.
	NopPatches []uint64
	// SampleInterval is the IPC sampling period in DUT cycles; 0 disables sampling.
	SampleInterval uint64
	CommitLog      *trace.Writer
	Observers      []Observer
	// Diagnostics receives the divergence report; nil means stderr.
	Diagnostics io.Writer
	Color       bool
}

func DefaultConfig() Config {
	return Config{
		Entry:            0x80000000,
		BubbleLimit:      200,
		InstructionWidth: 4,
		ResetCycles:      10,
		Profile:          regfile.RV64Machine,
		SampleInterval:   1000,
	}
}

// Result is the outcome of a run.
type Result struct {
	State     State
	Cycles    uint64
	Retired   uint64
	Mismatch  *Mismatch
	History   []uint64
	Ref       regfile.Snapshot
	DUT       regfile.Snapshot
	DUTTrace  [3]uint64
	Stats     Stats
	Cancelled bool
	Err       error
}

// ExitCode maps the outcome to the process exit status: 0 for a pass or a
// requested stop, 1 for a divergence or an infrastructure failure.
func (r *Result) ExitCode() int {
	switch {
	case r.State == StateFinished:
		return 0
	case r.State == StateAborted && r.Cancelled && r.Err == nil:
		return 0
	}
	return 1
}

// Controller owns both sides of a run. It is single-use and not safe for
// concurrent use.
type Controller struct {
	ref     Reference
	dut     dut.Harness
	cfg     Config
	cmp     *Comparator
	history *History
	recent  []commit
	stats   Stats
	window  Sample
	state   State
}

func NewController(ref Reference, h dut.Harness, cfg Config) *Controller {
	if cfg.Diagnostics == nil {
		cfg.Diagnostics = os.Stderr
	}
	return &Controller{
		ref:     ref,
		dut:     h,
		cfg:     cfg,
		cmp:     NewComparator(cfg.Profile),
		history: NewHistory(),
		state:   StateInit,
	}
}

func (c *Controller) State() State {
	return c.state
}

// Run drives the lockstep loop until the DUT finishes, the sides diverge, an
// infrastructure error occurs or ctx is cancelled. Cancellation is observed
// once per outer cycle.
func (c *Controller) Run(ctx context.Context) *Result {
	if err := c.initialize(); err != nil {
		return c.finish(StateAborted, nil, err)
	}
	c.state = StateRun
	log.Info(log.DifftestMonitoring, "lockstep running", "entry", fmt.Sprintf("0x%x", c.cfg.Entry))

	for {
		if err := ctx.Err(); err != nil {
			res := c.finish(StateAborted, nil, nil)
			res.Cancelled = true
			log.Warn(log.DifftestMonitoring, "lockstep cancelled", "cycles", c.stats.Cycles, "retired", c.stats.Retired)
			return res
		}
		next, m, err := c.cycle()
		switch {
		case err != nil:
			return c.finish(StateAborted, nil, err)
		case next == StateRun:
			continue
		default:
			return c.finish(next, m, nil)
		}
	}
}

func (c *Controller) initialize() error {
	if err := c.ref.Initialize(c.cfg.Entry); err != nil {
		return fmt.Errorf("initialize reference: %w", err)
	}
	for _, addr := range c.cfg.NopPatches {
		if err := c.ref.PatchInstruction(addr, NopInstruction); err != nil {
			return err
		}
	}
	if err := c.dut.Reset(c.cfg.ResetCycles); err != nil {
		return fmt.Errorf("reset dut: %w", err)
	}
	return nil
}

// advance moves the DUT one cycle and accounts for it.
func (c *Controller) advance() error {
	if err := c.dut.Advance(1); err != nil {
		return fmt.Errorf("dut cycle %d: %w", c.stats.Cycles+1, err)
	}
	c.stats.Cycles++
	if c.dut.RetiredCount() == 0 {
		c.stats.Bubbles++
	}
	return nil
}

// cycle runs one outer iteration and returns the next state.
func (c *Controller) cycle() (State, *Mismatch, error) {
	if err := c.advance(); err != nil {
		return StateAborted, nil, err
	}
	if c.dut.Finished() {
		return StateFinished, nil, nil
	}

	bubbles := 0
	if c.dut.RetiredCount() == 0 {
		bubbles = 1
	}
	for c.dut.RetiredCount() == 0 {
		if err := c.advance(); err != nil {
			return StateAborted, nil, err
		}
		if c.dut.Finished() {
			return StateFinished, nil, nil
		}
		if c.dut.RetiredCount() != 0 {
			break
		}
		bubbles++
		if bubbles > c.cfg.BubbleLimit {
			c.stats.BubbleOverflows++
			log.Warn(log.DifftestMonitoring, "too many bubbles", "cycle", c.stats.Cycles, "bubbles", bubbles)
			break
		}
	}

	k := c.dut.RetiredCount()
	for i := uint(0); i < k; i++ {
		if err := c.stepReference(); err != nil {
			return StateAborted, nil, err
		}
	}
	c.stats.Retired += uint64(k)
	if c.cfg.SampleInterval > 0 && c.stats.Cycles-c.window.Cycle >= c.cfg.SampleInterval {
		c.window = c.stats.sample(c.window)
	}

	ref := c.ref.Snapshot()
	mmio := c.dut.ReadMMIO()
	if mmio.Any() && mmio.WriteEnable {
		if mmio.WriteDest < 0 || mmio.WriteDest >= regfile.NumGPR {
			return StateAborted, nil, fmt.Errorf("%w: %d", lockerrors.ErrBadWriteDest, mmio.WriteDest)
		}
		log.Debug(log.DifftestMonitoring, "mmio write-back", "reg", regfile.GPRName(mmio.WriteDest), "value", fmt.Sprintf("0x%x", mmio.WriteValue))
		ref.GPR[mmio.WriteDest] = mmio.WriteValue
		if err := c.ref.WriteSnapshot(ref); err != nil {
			return StateAborted, nil, fmt.Errorf("mmio write-back: %w", err)
		}
	}
	if c.dut.InterruptPending() {
		if err := c.ref.EnableInterrupts(); err != nil {
			return StateAborted, nil, fmt.Errorf("enable interrupts: %w", err)
		}
	}

	dutRegs := c.dut.ReadRegisters()
	if m := c.cmp.Compare(&ref, &dutRegs); m != nil {
		m.History = c.history.Entries()
		return StateDiverged, m, nil
	}
	c.history.Push(ref.PC - c.cfg.InstructionWidth)

	ev := CycleEvent{Cycle: c.stats.Cycles, Retired: k, Total: c.stats.Retired, Bubbles: bubbles, PC: ref.PC}
	for _, o := range c.cfg.Observers {
		o.OnCycle(ev)
	}
	return StateRun, nil, nil
}

// stepReference retires one reference instruction.
func (c *Controller) stepReference() error {
	pc := c.ref.Snapshot().PC
	inst, err := c.ref.Fetch()
	if err != nil {
		return fmt.Errorf("fetch 0x%x: %w", pc, err)
	}
	if _, err := c.ref.Step(); err != nil {
		return fmt.Errorf("step 0x%x: %w", pc, err)
	}
	c.recent = append(c.recent, commit{PC: pc, Inst: inst})
	if len(c.recent) > HistorySize {
		c.recent = c.recent[1:]
	}
	log.Trace(log.DifftestMonitoring, "reference retire", "pc", fmt.Sprintf("0x%x", pc), "inst", fmt.Sprintf("%08x", inst))
	if c.cfg.CommitLog != nil {
		rec := trace.CommitRecord{
			Cycle: c.stats.Cycles,
			PC:    fmt.Sprintf("0x%x", pc),
			Inst:  fmt.Sprintf("%08x", inst),
			Asm:   Disassemble(inst),
		}
		if err := c.cfg.CommitLog.Write(&rec); err != nil {
			return fmt.Errorf("commit log: %w", err)
		}
	}
	return nil
}

func (c *Controller) finish(state State, m *Mismatch, err error) *Result {
	c.state = state
	if c.cfg.SampleInterval > 0 && c.window.Cycle != c.stats.Cycles {
		c.window = c.stats.sample(c.window)
	}
	res := &Result{
		State:    state,
		Cycles:   c.stats.Cycles,
		Retired:  c.stats.Retired,
		Mismatch: m,
		History:  c.history.Entries(),
		Ref:      c.ref.Snapshot(),
		DUT:      c.dut.ReadRegisters(),
		DUTTrace: c.dut.ReadPCTrace(),
		Stats:    c.stats,
		Err:      err,
	}

	switch state {
	case StateFinished:
		log.Info(log.DifftestMonitoring, "difftest pass", "cycles", res.Cycles, "retired", res.Retired, "ipc", fmt.Sprintf("%.3f", c.stats.IPC()))
	case StateDiverged:
		log.Error(log.DifftestMonitoring, "difftest diverged", "reg", m.Field.Name, "ref", fmt.Sprintf("0x%x", m.Ref), "dut", fmt.Sprintf("0x%x", m.DUT), "cycle", res.Cycles)
		writeDivergence(c.cfg.Diagnostics, res, c.recent, c.cfg.Color)
	case StateAborted:
		if err != nil {
			log.Error(log.DifftestMonitoring, "lockstep aborted", "err", err, "code", lockerrors.GetErrorCodeWithName(rootCause(err)))
		}
	}
	if c.cfg.CommitLog != nil {
		if ferr := c.cfg.CommitLog.Flush(); ferr != nil && !errors.Is(ferr, trace.ErrWriterClosed) {
			log.Warn(log.DifftestMonitoring, "commit log flush failed", "err", ferr)
		}
	}
	for _, o := range c.cfg.Observers {
		o.OnResult(res)
	}
	return res
}

// rootCause unwraps to the innermost error, where the coded sentinel sits.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
