// Package qemu drives a QEMU RISC-V machine as the golden reference model of a
// lockstep run: it launches the emulator, establishes the debug session and
// exposes instruction-granular stepping and register access.
package qemu

import (
	"context"
	"fmt"
	"time"

	"github.com/colorfulnotion/lockstep/gdbstub"
	"github.com/colorfulnotion/lockstep/lockerrors"
	"github.com/colorfulnotion/lockstep/log"
	"github.com/colorfulnotion/lockstep/regfile"
)

// FailurePolicy decides what a non-OK reply to a state-changing command does.
type FailurePolicy int

const (
	// FailOnReject turns a rejected command into ErrCommandRejected.
	FailOnReject FailurePolicy = iota
	// WarnOnReject logs the rejection and carries on.
	WarnOnReject
)

func (p FailurePolicy) String() string {
	switch p {
	case FailOnReject:
		return "fail"
	case WarnOnReject:
		return "warn"
	}
	return fmt.Sprintf("FailurePolicy(%d)", int(p))
}

// ParseFailurePolicy accepts "fail" or "warn".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "fail":
		return FailOnReject, nil
	case "warn":
		return WarnOnReject, nil
	}
	return 0, fmt.Errorf("unknown failure policy %q", s)
}

const (
	stepModeNoIRQ = gdbstub.SstepEnable | gdbstub.SstepNoIRQ | gdbstub.SstepNoTimer
	stepModeIRQ   = gdbstub.SstepEnable | gdbstub.SstepNoTimer
)

type Config struct {
	Addr      string
	Retry     gdbstub.RetryPolicy
	StepDelay time.Duration
	Policy    FailurePolicy
	// ExtendedRegs fills FPRs and CSRs of every snapshot with p reads.
	ExtendedRegs bool
	// CSRRegBase is the stub register number of CSR 0.
	CSRRegBase int
}

func DefaultConfig() Config {
	return Config{
		Addr:       "127.0.0.1:1234",
		Retry:      gdbstub.DefaultRetryPolicy(),
		StepDelay:  250 * time.Microsecond,
		Policy:     FailOnReject,
		CSRRegBase: 69,
	}
}

// Session is the single debug connection to the reference engine.
type Session struct {
	cfg         Config
	client      *gdbstub.Client
	last        regfile.Snapshot
	initialized bool
	irqEnabled  bool
}

// Connect dials the stub under the configured retry policy.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	conn, err := gdbstub.Dial(ctx, cfg.Addr, cfg.Retry)
	if err != nil {
		return nil, err
	}
	log.Info(log.QemuMonitoring, "reference connected", "addr", cfg.Addr)
	return NewSession(conn, cfg), nil
}

// NewSession runs a session over an existing transport.
func NewSession(t gdbstub.Transport, cfg Config) *Session {
	return &Session{cfg: cfg, client: gdbstub.NewClient(t)}
}

func (s *Session) Close() error {
	return s.client.Close()
}

// check applies the failure policy to a state-changing command's outcome.
func (s *Session) check(what string, ok bool, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if ok {
		return nil
	}
	if s.cfg.Policy == WarnOnReject {
		log.Warn(log.QemuMonitoring, "reference rejected command", "cmd", what)
		return nil
	}
	return fmt.Errorf("%w: %s", lockerrors.ErrCommandRejected, what)
}

// Initialize negotiates features and parks the reference at entry with a
// clean register file and interrupts disabled.
func (s *Session) Initialize(entry uint64) error {
	if err := s.client.Negotiate(); err != nil {
		return fmt.Errorf("feature negotiation: %w", err)
	}
	ok, err := s.client.InsertBreakpoint(entry)
	if err := s.check("insert breakpoint", ok, err); err != nil {
		return err
	}
	if err := s.client.Continue(); err != nil {
		return fmt.Errorf("continue to entry: %w", err)
	}
	ok, err = s.client.RemoveBreakpoint(entry)
	if err := s.check("remove breakpoint", ok, err); err != nil {
		return err
	}

	clean := regfile.Snapshot{PC: entry}
	ok, err = s.client.WriteRegisters(clean.Vector())
	if err := s.check("write registers", ok, err); err != nil {
		return err
	}
	snap, err := s.readSnapshot(clean)
	if err != nil {
		return err
	}
	if snap.PC != entry {
		err := fmt.Errorf("%w: pc 0x%x, entry 0x%x", lockerrors.ErrEntryMismatch, snap.PC, entry)
		if s.cfg.Policy == FailOnReject {
			return err
		}
		log.Warn(log.QemuMonitoring, "reference not at entry", "err", err)
	}
	ok, err = s.client.SetStepMode(stepModeNoIRQ)
	if err := s.check("disable interrupts", ok, err); err != nil {
		return err
	}
	s.last = snap
	s.initialized = true
	log.Info(log.QemuMonitoring, "reference initialized", "entry", fmt.Sprintf("0x%x", entry))
	return nil
}

// Fetch reads the instruction at the current PC for diagnostics.
func (s *Session) Fetch() (uint32, error) {
	if !s.initialized {
		return 0, lockerrors.ErrNotInitialized
	}
	return s.client.ReadInstruction(s.last.PC)
}

// Step retires exactly one reference instruction and returns the state after
// it. Interrupts enabled by EnableInterrupts apply to this step only.
func (s *Session) Step() (regfile.Snapshot, error) {
	if !s.initialized {
		return regfile.Snapshot{}, lockerrors.ErrNotInitialized
	}
	if err := s.client.Step(); err != nil {
		return regfile.Snapshot{}, fmt.Errorf("single step: %w", err)
	}
	if s.irqEnabled {
		ok, err := s.client.SetStepMode(stepModeNoIRQ)
		if err := s.check("disable interrupts", ok, err); err != nil {
			return regfile.Snapshot{}, err
		}
		s.irqEnabled = false
	}
	if s.cfg.StepDelay > 0 {
		time.Sleep(s.cfg.StepDelay)
	}
	snap, err := s.readSnapshot(s.last)
	if err != nil {
		return regfile.Snapshot{}, err
	}
	s.last = snap
	return snap, nil
}

// Snapshot returns the state read by the last Initialize, Step or WriteSnapshot.
func (s *Session) Snapshot() regfile.Snapshot {
	return s.last
}

// EnableInterrupts lets the next step take a pending interrupt.
func (s *Session) EnableInterrupts() error {
	if !s.initialized {
		return lockerrors.ErrNotInitialized
	}
	ok, err := s.client.SetStepMode(stepModeIRQ)
	if err := s.check("enable interrupts", ok, err); err != nil {
		return err
	}
	s.irqEnabled = true
	return nil
}

// WriteSnapshot loads the GPRs and PC of snap into the reference.
func (s *Session) WriteSnapshot(snap regfile.Snapshot) error {
	if !s.initialized {
		return lockerrors.ErrNotInitialized
	}
	ok, err := s.client.WriteRegisters(snap.Vector())
	if err := s.check("write registers", ok, err); err != nil {
		return err
	}
	s.last = snap
	return nil
}

// PatchInstruction overwrites the instruction word at addr.
func (s *Session) PatchInstruction(addr uint64, inst uint32) error {
	if !s.initialized {
		return lockerrors.ErrNotInitialized
	}
	ok, err := s.client.WriteInstruction(addr, inst)
	if err := s.check(fmt.Sprintf("patch 0x%x", addr), ok, err); err != nil {
		return err
	}
	log.Debug(log.QemuMonitoring, "patched instruction", "addr", fmt.Sprintf("0x%x", addr), "inst", fmt.Sprintf("%08x", inst))
	return nil
}

// readSnapshot reads the g vector into a copy of base; with ExtendedRegs the
// FPRs and CSRs are read one at a time.
func (s *Session) readSnapshot(base regfile.Snapshot) (regfile.Snapshot, error) {
	v, err := s.client.ReadRegisters()
	if err != nil {
		return regfile.Snapshot{}, fmt.Errorf("read registers: %w", err)
	}
	snap := base
	snap.SetVector(v)
	if !s.cfg.ExtendedRegs {
		return snap, nil
	}
	for i := 0; i < regfile.NumFPR; i++ {
		if snap.FPR[i], err = s.client.ReadRegister(regfile.FPRBase + i); err != nil {
			return regfile.Snapshot{}, fmt.Errorf("read %s: %w", regfile.FieldAt(regfile.FPRBase+i).Name, err)
		}
	}
	for _, c := range regfile.CSRs() {
		if snap.CSR[c], err = s.client.ReadRegister(s.cfg.CSRRegBase + int(c.Addr())); err != nil {
			return regfile.Snapshot{}, fmt.Errorf("read %s: %w", c, err)
		}
	}
	return snap, nil
}
