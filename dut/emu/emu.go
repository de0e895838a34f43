//go:build unicorn
// +build unicorn

package emu

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/colorfulnotion/lockstep/dut"
	"github.com/colorfulnotion/lockstep/lockerrors"
	"github.com/colorfulnotion/lockstep/log"
	"github.com/colorfulnotion/lockstep/regfile"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

var csrRegs = [regfile.NumCSR]int{
	regfile.Mstatus:  uc.RISCV_REG_MSTATUS,
	regfile.Medeleg:  uc.RISCV_REG_MEDELEG,
	regfile.Mideleg:  uc.RISCV_REG_MIDELEG,
	regfile.Mie:      uc.RISCV_REG_MIE,
	regfile.Mip:      uc.RISCV_REG_MIP,
	regfile.Mtvec:    uc.RISCV_REG_MTVEC,
	regfile.Mscratch: uc.RISCV_REG_MSCRATCH,
	regfile.Mepc:     uc.RISCV_REG_MEPC,
	regfile.Mcause:   uc.RISCV_REG_MCAUSE,
	regfile.Mtval:    uc.RISCV_REG_MTVAL,
	regfile.Sstatus:  uc.RISCV_REG_SSTATUS,
	regfile.Sie:      uc.RISCV_REG_SIE,
	regfile.Stvec:    uc.RISCV_REG_STVEC,
	regfile.Sscratch: uc.RISCV_REG_SSCRATCH,
	regfile.Sepc:     uc.RISCV_REG_SEPC,
	regfile.Scause:   uc.RISCV_REG_SCAUSE,
	regfile.Stval:    uc.RISCV_REG_STVAL,
	regfile.Sip:      uc.RISCV_REG_SIP,
}

type segment struct {
	addr uint64
	data []byte
	size uint64
}

// Harness is the unicorn-backed DUT.
type Harness struct {
	mu       uc.Unicorn
	cfg      Config
	entry    uint64
	segments []segment

	regs     regfile.Snapshot
	retired  uint
	finished bool
	pcs      [3]uint64
	mmio     dut.MMIO
	touched  [dut.NumMMIOWindows]bool
	cycles   uint64
}

// New loads an ELF image into a fresh RV64 core.
func New(image string, cfg Config) (dut.Harness, error) {
	segs, entry, err := loadImage(image)
	if err != nil {
		return nil, err
	}
	if cfg.Entry != 0 {
		entry = cfg.Entry
	}

	mu, err := uc.NewUnicorn(uc.ARCH_RISCV, uc.MODE_RISCV64)
	if err != nil {
		return nil, fmt.Errorf("%w: create unicorn: %v", lockerrors.ErrHarness, err)
	}
	if err := mu.MemMap(cfg.RAMBase, cfg.RAMSize); err != nil {
		mu.Close()
		return nil, fmt.Errorf("%w: map RAM: %v", lockerrors.ErrHarness, err)
	}
	h := &Harness{mu: mu, cfg: cfg, entry: entry, segments: segs}
	for i, w := range cfg.Windows {
		if w.Size == 0 {
			continue
		}
		if w.Contains(cfg.RAMBase) || (cfg.RAMBase < w.Base && w.Base-cfg.RAMBase < cfg.RAMSize) {
			mu.Close()
			return nil, fmt.Errorf("%w: window %s overlaps RAM", lockerrors.ErrHarness, w.Name)
		}
		if err := mu.MemMap(w.Base, w.Size); err != nil {
			mu.Close()
			return nil, fmt.Errorf("%w: map %s: %v", lockerrors.ErrHarness, w.Name, err)
		}
		_, err := mu.HookAdd(uc.HOOK_MEM_READ|uc.HOOK_MEM_WRITE, func(_ uc.Unicorn, access int, addr uint64, size int, value int64) {
			h.touched[i] = true
		}, w.Base, w.Base+w.Size-1)
		if err != nil {
			mu.Close()
			return nil, fmt.Errorf("%w: hook %s: %v", lockerrors.ErrHarness, w.Name, err)
		}
	}
	if err := h.Reset(0); err != nil {
		mu.Close()
		return nil, err
	}
	log.Info(log.DutMonitoring, "software DUT ready", "image", image, "entry", fmt.Sprintf("0x%x", entry))
	return h, nil
}

func loadImage(path string) ([]segment, uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", lockerrors.ErrImage, err)
	}
	defer f.Close()
	if f.Machine != elf.EM_RISCV || f.Class != elf.ELFCLASS64 {
		return nil, 0, fmt.Errorf("%w: %s is not an RV64 image", lockerrors.ErrImage, path)
	}
	var segs []segment
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(p.Open(), int64(p.Filesz)))
		if err != nil {
			return nil, 0, fmt.Errorf("%w: segment at 0x%x: %v", lockerrors.ErrImage, p.Paddr, err)
		}
		segs = append(segs, segment{addr: p.Paddr, data: data, size: p.Memsz})
	}
	return segs, f.Entry, nil
}

// Reset reloads the image and places the core at the entry with clear registers.
func (h *Harness) Reset(cycles int) error {
	for _, s := range h.segments {
		if err := h.mu.MemWrite(s.addr, make([]byte, s.size)); err != nil {
			return fmt.Errorf("%w: clear 0x%x: %v", lockerrors.ErrHarness, s.addr, err)
		}
		if err := h.mu.MemWrite(s.addr, s.data); err != nil {
			return fmt.Errorf("%w: load 0x%x: %v", lockerrors.ErrHarness, s.addr, err)
		}
	}
	for i := 0; i < regfile.NumGPR; i++ {
		if err := h.mu.RegWrite(uc.RISCV_REG_X0+i, 0); err != nil {
			return fmt.Errorf("%w: %v", lockerrors.ErrHarness, err)
		}
	}
	if err := h.mu.RegWrite(uc.RISCV_REG_PC, h.entry); err != nil {
		return fmt.Errorf("%w: %v", lockerrors.ErrHarness, err)
	}
	h.retired, h.finished, h.cycles = 0, false, 0
	h.pcs = [3]uint64{}
	h.mmio = dut.MMIO{}
	log.Debug(log.DutMonitoring, "reset", "cycles", cycles)
	return h.readRegisters()
}

// Advance retires one instruction per cycle until the image signals completion.
func (h *Harness) Advance(cycles int) error {
	for n := 0; n < cycles; n++ {
		h.cycles++
		h.retired = 0
		h.mmio = dut.MMIO{}
		if h.finished {
			continue
		}
		pc := h.regs.PC
		raw, err := h.mu.MemRead(pc, 4)
		if err != nil {
			return fmt.Errorf("%w: fetch 0x%x: %v", lockerrors.ErrEmulatorFault, pc, err)
		}
		inst := binary.LittleEndian.Uint32(raw)
		if inst == selfLoop || (h.cfg.FinishPC != 0 && pc == h.cfg.FinishPC) {
			h.finished = true
			log.Info(log.DutMonitoring, "software DUT finished", "pc", fmt.Sprintf("0x%x", pc), "cycles", h.cycles)
			continue
		}

		h.touched = [dut.NumMMIOWindows]bool{}
		if err := h.mu.StartWithOptions(pc, ^uint64(0), &uc.UcOptions{Count: 1}); err != nil {
			return fmt.Errorf("%w: pc 0x%x inst %08x: %v", lockerrors.ErrEmulatorFault, pc, inst, err)
		}
		if err := h.readRegisters(); err != nil {
			return err
		}
		h.retired = 1
		h.pcs = pushPC(h.pcs, pc)
		h.mmio.Touched = h.touched
		if rd, ok := loadDest(inst); ok && h.mmio.Any() {
			h.mmio.WriteEnable = true
			h.mmio.WriteDest = rd
			h.mmio.WriteValue = h.regs.GPR[rd]
		}
		log.Trace(log.DutMonitoring, "retire", "pc", fmt.Sprintf("0x%x", pc), "inst", fmt.Sprintf("%08x", inst))
	}
	return nil
}

func (h *Harness) readRegisters() error {
	var s regfile.Snapshot
	var err error
	for i := 0; i < regfile.NumGPR; i++ {
		if s.GPR[i], err = h.mu.RegRead(uc.RISCV_REG_X0 + i); err != nil {
			return fmt.Errorf("%w: read x%d: %v", lockerrors.ErrHarness, i, err)
		}
	}
	if s.PC, err = h.mu.RegRead(uc.RISCV_REG_PC); err != nil {
		return fmt.Errorf("%w: read pc: %v", lockerrors.ErrHarness, err)
	}
	for i := 0; i < regfile.NumFPR; i++ {
		if s.FPR[i], err = h.mu.RegRead(uc.RISCV_REG_F0 + i); err != nil {
			return fmt.Errorf("%w: read f%d: %v", lockerrors.ErrHarness, i, err)
		}
	}
	for c, reg := range csrRegs {
		if s.CSR[c], err = h.mu.RegRead(reg); err != nil {
			return fmt.Errorf("%w: read %s: %v", lockerrors.ErrHarness, regfile.CSR(c), err)
		}
	}
	h.regs = s
	return nil
}

func (h *Harness) RetiredCount() uint              { return h.retired }
func (h *Harness) Finished() bool                  { return h.finished }
func (h *Harness) ReadRegisters() regfile.Snapshot { return h.regs }
func (h *Harness) ReadPCTrace() [3]uint64          { return h.pcs }
func (h *Harness) ReadMMIO() dut.MMIO              { return h.mmio }

// InterruptPending is always false: the software DUT runs with interrupts masked.
func (h *Harness) InterruptPending() bool { return false }

func (h *Harness) Close() error {
	return h.mu.Close()
}
