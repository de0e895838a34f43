package qemu

import (
	"context"
	"debug/elf"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/colorfulnotion/lockstep/lockerrors"
	"github.com/colorfulnotion/lockstep/log"
)

// BootMode selects how QEMU loads the image.
type BootMode string

const (
	BootKernel BootMode = "kernel"
	BootBIOS   BootMode = "bios"
)

func ParseBootMode(s string) (BootMode, error) {
	switch BootMode(s) {
	case BootKernel, BootBIOS:
		return BootMode(s), nil
	}
	return "", fmt.Errorf("unknown boot mode %q", s)
}

type LaunchConfig struct {
	Binary  string
	Image   string
	Boot    BootMode
	Port    int
	Machine string
	Memory  string
	Stdout  io.Writer
	Stderr  io.Writer
}

func DefaultLaunchConfig() LaunchConfig {
	return LaunchConfig{
		Binary:  "qemu-system-riscv64",
		Boot:    BootKernel,
		Port:    1234,
		Machine: "virt",
		Memory:  "64M",
	}
}

// Args returns the emulator command line: halted at reset with the debug
// stub listening on Port.
func (c LaunchConfig) Args() []string {
	return []string{
		"-S",
		"-gdb", "tcp::" + strconv.Itoa(c.Port),
		"-" + string(c.Boot), c.Image,
		"-M", c.Machine,
		"-m", c.Memory,
		"-nographic",
	}
}

// Addr is the loopback address of the launched stub.
func (c LaunchConfig) Addr() string {
	return "127.0.0.1:" + strconv.Itoa(c.Port)
}

// Process is a supervised reference engine. It is terminated when the
// launching process exits.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
	once sync.Once
}

// Launch starts the reference engine.
func Launch(ctx context.Context, cfg LaunchConfig) (*Process, error) {
	cmd := exec.CommandContext(ctx, cfg.Binary, cfg.Args()...)
	cmd.Stdin = nil
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr
	supervise(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", lockerrors.ErrLaunch, cfg.Binary, err)
	}
	p := &Process{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	log.Info(log.QemuMonitoring, "reference launched", "pid", cmd.Process.Pid, "image", cfg.Image, "boot", cfg.Boot, "port", cfg.Port)
	return p, nil
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Stop asks the engine to exit and kills it if it has not within a second.
func (p *Process) Stop() error {
	p.once.Do(func() {
		if err := terminate(p.cmd); err != nil {
			log.Debug(log.QemuMonitoring, "terminate failed", "err", err)
		}
		select {
		case <-p.done:
		case <-time.After(time.Second):
			p.cmd.Process.Kill()
			<-p.done
		}
		log.Debug(log.QemuMonitoring, "reference stopped", "pid", p.cmd.Process.Pid, "status", p.err)
	})
	return nil
}

// EntryPoint returns the entry address recorded in a RISC-V ELF image.
func EntryPoint(path string) (uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", lockerrors.ErrImage, err)
	}
	defer f.Close()
	if f.Machine != elf.EM_RISCV {
		return 0, fmt.Errorf("%w: %s is %s, not RISC-V", lockerrors.ErrImage, path, f.Machine)
	}
	return f.Entry, nil
}
