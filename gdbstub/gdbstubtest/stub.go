// Package gdbstubtest provides an in-process RISC-V debug stub for tests that
// drive the command layer or a reference session without a real emulator.
package gdbstubtest

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/colorfulnotion/lockstep/gdbstub"
	"github.com/colorfulnotion/lockstep/lockerrors"
	"github.com/colorfulnotion/lockstep/regfile"
)

// Stub answers the subset of RSP used by the reference driver. Its state is
// guarded by an internal lock; OnStep and Reject run with the lock held and
// must not call back into the Stub.
type Stub struct {
	mu          sync.Mutex
	Regs        [regfile.NumVectorWords]uint64
	Extra       map[int]uint64 // p registers beyond the g vector
	Mem         map[uint64]uint32
	Breakpoints map[uint64]bool
	StepMode    uint
	Steps       int

	// OnStep executes one instruction. The default advances the PC by 4.
	OnStep func(s *Stub)
	// Reject makes the stub answer E01 to a state-changing command.
	Reject func(cmd string) bool

	log []string
	ln  net.Listener
	wg  sync.WaitGroup
}

func New() *Stub {
	return &Stub{
		Extra:       make(map[int]uint64),
		Mem:         make(map[uint64]uint32),
		Breakpoints: make(map[uint64]bool),
	}
}

// Pipe serves the stub over an in-memory connection and returns the client end.
func (s *Stub) Pipe() *gdbstub.Conn {
	client, server := net.Pipe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.ServeConn(server)
	}()
	return gdbstub.NewConn(client)
}

// Listen accepts connections on a loopback port and returns its address.
func (s *Stub) Listen() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	s.ln = ln
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			s.ServeConn(nc)
		}
	}()
	return ln.Addr().String(), nil
}

// Close stops the listener, if any, and waits for served connections to end.
func (s *Stub) Close() {
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
}

// Commands returns every packet received so far, in order.
func (s *Stub) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

// Snapshot returns a copy of the g vector.
func (s *Stub) Snapshot() [regfile.NumVectorWords]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Regs
}

// ServeConn handles packets until the peer closes the connection.
func (s *Stub) ServeConn(nc net.Conn) error {
	conn := gdbstub.NewConn(nc)
	defer conn.Close()
	for {
		cmd, err := conn.Recv()
		if err != nil {
			if errors.Is(err, lockerrors.ErrConnClosed) {
				return nil
			}
			return err
		}
		if err := conn.Send(s.handle(cmd)); err != nil {
			return err
		}
	}
}

func (s *Stub) handle(cmd string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, cmd)

	switch {
	case strings.HasPrefix(cmd, "qXfer:features:read:"):
		return "l<?xml version=\"1.0\"?><target/>"
	case cmd == "g":
		return gdbstub.EncodeRegisters(s.Regs)
	case strings.HasPrefix(cmd, "G"):
		if s.rejected(cmd) {
			return "E01"
		}
		v, err := gdbstub.DecodeRegisters(cmd[1:])
		if err != nil {
			return "E02"
		}
		s.Regs = v
		return "OK"
	case strings.HasPrefix(cmd, "p"):
		n, err := strconv.ParseUint(cmd[1:], 16, 32)
		if err != nil {
			return "E02"
		}
		if int(n) < regfile.NumVectorWords {
			return gdbstub.EncodeWord(s.Regs[n])
		}
		if v, ok := s.Extra[int(n)]; ok {
			return gdbstub.EncodeWord(v)
		}
		return "E14"
	case cmd == "vCont;s:1":
		s.step()
		return "T05"
	case cmd == "vCont;c:1":
		s.cont()
		return "T05"
	case strings.HasPrefix(cmd, "Z0,"), strings.HasPrefix(cmd, "z0,"):
		if s.rejected(cmd) {
			return "E01"
		}
		addr, err := parseBreakpoint(cmd)
		if err != nil {
			return "E02"
		}
		if cmd[0] == 'Z' {
			s.Breakpoints[addr] = true
		} else {
			delete(s.Breakpoints, addr)
		}
		return "OK"
	case strings.HasPrefix(cmd, "m0x"):
		var addr, n uint64
		if _, err := fmt.Sscanf(cmd, "m0x%x,%x", &addr, &n); err != nil || n != 4 {
			return "E02"
		}
		return gdbstub.EncodeInstruction(s.Mem[addr])
	case strings.HasPrefix(cmd, "M"):
		if s.rejected(cmd) {
			return "E01"
		}
		head, data, ok := strings.Cut(cmd[1:], ":")
		if !ok {
			return "E02"
		}
		var addr, n uint64
		if _, err := fmt.Sscanf(head, "%x,%x", &addr, &n); err != nil || n != 4 {
			return "E02"
		}
		inst, err := gdbstub.DecodeInstruction(data)
		if err != nil {
			return "E02"
		}
		s.Mem[addr] = inst
		return "OK"
	case strings.HasPrefix(cmd, "Qqemu.sstep="):
		if s.rejected(cmd) {
			return "E01"
		}
		v, err := strconv.ParseUint(strings.TrimPrefix(cmd, "Qqemu.sstep=0x"), 16, 32)
		if err != nil {
			return "E02"
		}
		s.StepMode = uint(v)
		return "OK"
	}
	return ""
}

func (s *Stub) rejected(cmd string) bool {
	return s.Reject != nil && s.Reject(cmd)
}

func (s *Stub) step() {
	s.Steps++
	if s.OnStep != nil {
		s.OnStep(s)
		return
	}
	s.Regs[regfile.PCIndex] += 4
}

// cont stops at the lowest breakpoint, standing in for free-running into it.
func (s *Stub) cont() {
	if len(s.Breakpoints) == 0 {
		return
	}
	addrs := make([]uint64, 0, len(s.Breakpoints))
	for a := range s.Breakpoints {
		addrs = append(addrs, a)
	}
	slices.Sort(addrs)
	s.Regs[regfile.PCIndex] = addrs[0]
}

func parseBreakpoint(cmd string) (uint64, error) {
	parts := strings.Split(cmd, ",")
	if len(parts) != 3 {
		return 0, fmt.Errorf("breakpoint %q", cmd)
	}
	return strconv.ParseUint(parts[1], 16, 64)
}
