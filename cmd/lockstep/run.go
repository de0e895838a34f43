package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/colorfulnotion/lockstep/common"
	"github.com/colorfulnotion/lockstep/difftest"
	"github.com/colorfulnotion/lockstep/dut"
	"github.com/colorfulnotion/lockstep/dut/emu"
	"github.com/colorfulnotion/lockstep/dut/replay"
	"github.com/colorfulnotion/lockstep/gdbstub"
	"github.com/colorfulnotion/lockstep/log"
	"github.com/colorfulnotion/lockstep/monitor"
	"github.com/colorfulnotion/lockstep/qemu"
	"github.com/colorfulnotion/lockstep/trace"
)

const module = log.DifftestMonitoring

type runOptions struct {
	image      string
	boot       string
	launch     bool
	qemuBinary string
	port       int
	machine    string
	memory     string

	addr          string
	maxAttempts   int
	retryInterval time.Duration
	stepDelay     time.Duration
	policy        string
	extendedRegs  bool
	csrBase       int

	dut       string
	recording string
	record    string
	finishPC  string

	entry          string
	bubbleLimit    int
	nops           []string
	commitLog      string
	sampleInterval uint64
	ipcChart       string
	monitorAddr    string
	monitorLinger  time.Duration
	color          bool

	logLevel  string
	logFormat string
	modules   string
}

func defaultRunOptions() runOptions {
	lc := qemu.DefaultLaunchConfig()
	qc := qemu.DefaultConfig()
	dc := difftest.DefaultConfig()
	return runOptions{
		boot:           string(lc.Boot),
		qemuBinary:     lc.Binary,
		port:           lc.Port,
		machine:        lc.Machine,
		memory:         lc.Memory,
		addr:           qc.Addr,
		maxAttempts:    qc.Retry.MaxAttempts,
		retryInterval:  qc.Retry.Interval,
		stepDelay:      qc.StepDelay,
		policy:         qc.Policy.String(),
		csrBase:        qc.CSRRegBase,
		dut:            "replay",
		bubbleLimit:    dc.BubbleLimit,
		sampleInterval: dc.SampleInterval,
		monitorLinger:  2 * time.Second,
		color:          true,
		logLevel:       "info",
		logFormat:      "text",
	}
}

// parseAddr accepts decimal or 0x-prefixed hex.
func parseAddr(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return v, nil
}

func (o runOptions) entryPoint() (uint64, error) {
	if o.entry != "" {
		return parseAddr(o.entry)
	}
	if o.image != "" {
		return qemu.EntryPoint(o.image)
	}
	return difftest.DefaultConfig().Entry, nil
}

func (o runOptions) controllerConfig(entry uint64, stderr io.Writer) (difftest.Config, error) {
	cfg := difftest.DefaultConfig()
	cfg.Entry = entry
	cfg.BubbleLimit = o.bubbleLimit
	cfg.SampleInterval = o.sampleInterval
	cfg.Diagnostics = stderr
	cfg.Color = o.color
	for _, s := range o.nops {
		addr, err := parseAddr(s)
		if err != nil {
			return cfg, err
		}
		cfg.NopPatches = append(cfg.NopPatches, addr)
	}
	return cfg, nil
}

func (o runOptions) sessionConfig(addr string) (qemu.Config, error) {
	cfg := qemu.DefaultConfig()
	policy, err := qemu.ParseFailurePolicy(o.policy)
	if err != nil {
		return cfg, err
	}
	cfg.Addr = addr
	cfg.Retry = gdbstub.RetryPolicy{MaxAttempts: o.maxAttempts, Interval: o.retryInterval}
	cfg.StepDelay = o.stepDelay
	cfg.Policy = policy
	cfg.ExtendedRegs = o.extendedRegs
	cfg.CSRRegBase = o.csrBase
	return cfg, nil
}

func (o runOptions) openHarness() (dut.Harness, error) {
	switch o.dut {
	case "replay":
		if o.recording == "" {
			return nil, errors.New("--recording is required for the replay DUT")
		}
		h, err := replay.Open(o.recording)
		if err != nil {
			return nil, err
		}
		return h, nil
	case "emu":
		if o.image == "" {
			return nil, errors.New("--image is required for the emu DUT")
		}
		cfg := emu.DefaultConfig()
		if o.finishPC != "" {
			pc, err := parseAddr(o.finishPC)
			if err != nil {
				return nil, err
			}
			cfg.FinishPC = pc
		}
		return emu.New(o.image, cfg)
	default:
		return nil, fmt.Errorf("unknown DUT %q", o.dut)
	}
}

// run wires the reference, the DUT and the controller and runs one lockstep
// session. Setup failures are returned as errors; everything after the
// controller starts is reported through the Result.
func run(ctx context.Context, o runOptions, stdout, stderr io.Writer) (*difftest.Result, error) {
	entry, err := o.entryPoint()
	if err != nil {
		return nil, err
	}
	cfg, err := o.controllerConfig(entry, stderr)
	if err != nil {
		return nil, err
	}

	addr := o.addr
	if o.launch {
		if o.image == "" {
			return nil, errors.New("--image is required with --launch")
		}
		boot, err := qemu.ParseBootMode(o.boot)
		if err != nil {
			return nil, err
		}
		lc := qemu.DefaultLaunchConfig()
		lc.Binary = o.qemuBinary
		lc.Image = o.image
		lc.Boot = boot
		lc.Port = o.port
		lc.Machine = o.machine
		lc.Memory = o.memory
		lc.Stdout = stdout
		lc.Stderr = stderr
		proc, err := qemu.Launch(ctx, lc)
		if err != nil {
			return nil, err
		}
		defer proc.Stop()
		addr = lc.Addr()
	}

	qcfg, err := o.sessionConfig(addr)
	if err != nil {
		return nil, err
	}

	h, err := o.openHarness()
	if err != nil {
		return nil, err
	}
	if o.record != "" {
		w, err := trace.NewFileWriter(o.record)
		if err != nil {
			h.Close()
			return nil, err
		}
		h = dut.NewRecorder(h, w)
	}
	defer h.Close()

	ref, err := qemu.Connect(ctx, qcfg)
	if err != nil {
		return nil, err
	}
	defer ref.Close()

	if o.commitLog != "" {
		w, err := trace.NewFileWriter(o.commitLog)
		if err != nil {
			return nil, err
		}
		defer w.Close()
		cfg.CommitLog = w
	}

	var hub *monitor.Hub
	if o.monitorAddr != "" {
		hub = monitor.NewHub()
		hub.Interval = o.sampleInterval
		mctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := hub.Serve(mctx, o.monitorAddr); err != nil {
				log.Error(log.MonitorMonitoring, "monitor stopped", "err", err)
			}
		}()
		cfg.Observers = append(cfg.Observers, hub)
	}

	log.Info(module, "lockstep starting", "entry", fmt.Sprintf("0x%x", entry), "ref", addr, "dut", o.dut)
	res := difftest.NewController(ref, h, cfg).Run(ctx)

	fmt.Fprintf(stdout, "%s: %s\n", verdictLabel(res, o.color), res.Stats.String())
	if o.ipcChart != "" {
		if err := monitor.WriteIPCFile(o.ipcChart, res.Stats.Samples); err != nil {
			log.Warn(module, "ipc chart not written", "path", o.ipcChart, "err", err)
		}
	}
	if hub != nil {
		lingerMonitor(ctx, hub, o.monitorLinger)
	}
	return res, nil
}

// lingerMonitor delivers the verdict to connected clients and keeps /result
// available for linger before the monitor shuts down.
func lingerMonitor(ctx context.Context, hub *monitor.Hub, linger time.Duration) {
	lctx, cancel := context.WithTimeout(ctx, linger)
	defer cancel()
	if err := hub.Drain(lctx); err != nil {
		log.Warn(log.MonitorMonitoring, "verdict not delivered to every client", "err", err)
		return
	}
	<-lctx.Done()
}

func verdictLabel(res *difftest.Result, color bool) string {
	switch {
	case res.State == difftest.StateFinished:
		return common.Colorize(color, common.ColorGreen, "PASS")
	case res.State == difftest.StateDiverged:
		return common.Colorize(color, common.ColorRed, "FAIL")
	case res.Cancelled && res.Err == nil:
		return common.Colorize(color, common.ColorYellow, "STOPPED")
	default:
		return common.Colorize(color, common.ColorRed, "ABORTED")
	}
}
