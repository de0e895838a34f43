package gdbstub

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/lockstep/lockerrors"
	"github.com/colorfulnotion/lockstep/log"
	"github.com/colorfulnotion/lockstep/regfile"
)

// FeatureCommands is the negotiation sequence QEMU expects before its RISC-V
// register layout is usable. It must be sent once, in this order, first.
var FeatureCommands = []string{
	"qXfer:features:read:target.xml:0,ffb",
	"qXfer:features:read:riscv-64bit-cpu.xml:0,ffb",
	"qXfer:features:read:riscv-64bit-fpu.xml:0,ffb",
	"qXfer:features:read:riscv-64bit-fpu.xml:7fd,ffb",
	"qXfer:features:read:riscv-64bit-virtual.xml:0,ffb",
	"qXfer:features:read:riscv-csr.xml:0,ffb",
	"qXfer:features:read:riscv-csr.xml:7fd,ffb",
	"qXfer:features:read:riscv-csr.xml:ffa,ffb",
	"qXfer:features:read:riscv-csr.xml:17f7,ffb",
}

// QEMU single-step flags for Qqemu.sstep.
const (
	SstepEnable  = 0x1
	SstepNoIRQ   = 0x2
	SstepNoTimer = 0x4
)

// Client is the command layer. It holds one outstanding request at most.
type Client struct {
	t Transport
}

func NewClient(t Transport) *Client {
	return &Client{t: t}
}

func (c *Client) Close() error {
	return c.t.Close()
}

func (c *Client) request(cmd string) (string, error) {
	if err := c.t.Send(cmd); err != nil {
		return "", err
	}
	reply, err := c.t.Recv()
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmdName(cmd), err)
	}
	return reply, nil
}

// read issues a command whose reply carries data.
func (c *Client) read(cmd string) (string, error) {
	reply, err := c.request(cmd)
	if err != nil {
		return "", err
	}
	if isErrorReply(reply) {
		return "", fmt.Errorf("%w: %s -> %s", lockerrors.ErrStubError, cmdName(cmd), reply)
	}
	if reply == "" {
		return "", fmt.Errorf("%w: %s", lockerrors.ErrUnsupported, cmdName(cmd))
	}
	return reply, nil
}

// exec issues a state-changing command and reports whether the stub said OK.
func (c *Client) exec(cmd string) (bool, error) {
	reply, err := c.request(cmd)
	if err != nil {
		return false, err
	}
	if reply != "OK" {
		log.Debug(log.GdbMonitoring, "command not acknowledged", "cmd", cmdName(cmd), "reply", reply)
		return false, nil
	}
	return true, nil
}

// Negotiate runs FeatureCommands, draining each reply.
func (c *Client) Negotiate() error {
	for _, cmd := range FeatureCommands {
		if _, err := c.request(cmd); err != nil {
			return err
		}
	}
	return nil
}

// ReadRegisters fetches the 32 GPRs and PC.
func (c *Client) ReadRegisters() ([regfile.NumVectorWords]uint64, error) {
	reply, err := c.read("g")
	if err != nil {
		return [regfile.NumVectorWords]uint64{}, err
	}
	return DecodeRegisters(reply)
}

// WriteRegisters overwrites the 32 GPRs and PC.
func (c *Client) WriteRegisters(v [regfile.NumVectorWords]uint64) (bool, error) {
	return c.exec("G" + EncodeRegisters(v))
}

// ReadRegister reads one register by the stub's register number.
func (c *Client) ReadRegister(regnum int) (uint64, error) {
	reply, err := c.read(fmt.Sprintf("p%x", regnum))
	if err != nil {
		return 0, err
	}
	return DecodeWord(reply)
}

// Step retires one instruction. The stop reply is drained.
func (c *Client) Step() error {
	_, err := c.request("vCont;s:1")
	return err
}

// Continue resumes the target and returns once it stops again.
func (c *Client) Continue() error {
	_, err := c.request("vCont;c:1")
	return err
}

func (c *Client) InsertBreakpoint(addr uint64) (bool, error) {
	return c.exec(fmt.Sprintf("Z0,%016x,4", addr))
}

func (c *Client) RemoveBreakpoint(addr uint64) (bool, error) {
	return c.exec(fmt.Sprintf("z0,%016x,4", addr))
}

// ReadInstruction reads the 32-bit word at addr.
func (c *Client) ReadInstruction(addr uint64) (uint32, error) {
	reply, err := c.read(fmt.Sprintf("m0x%x,4", addr))
	if err != nil {
		return 0, err
	}
	return DecodeInstruction(reply)
}

// WriteInstruction patches the 32-bit word at addr.
func (c *Client) WriteInstruction(addr uint64, inst uint32) (bool, error) {
	return c.exec(fmt.Sprintf("M%x,4:%s", addr, EncodeInstruction(inst)))
}

// SetStepMode sets QEMU's single-step flags (SstepEnable etc).
func (c *Client) SetStepMode(flags uint) (bool, error) {
	return c.exec(fmt.Sprintf("Qqemu.sstep=0x%x", flags))
}

func isErrorReply(reply string) bool {
	if len(reply) != 3 || reply[0] != 'E' {
		return false
	}
	_, ok := parseHexByte(reply[1], reply[2])
	return ok
}

// cmdName trims bulky payloads (G, M) for logs and errors.
func cmdName(cmd string) string {
	if strings.HasPrefix(cmd, "G") && len(cmd) > 1 {
		return "G"
	}
	if len(cmd) > 48 {
		return cmd[:48] + "..."
	}
	return cmd
}
