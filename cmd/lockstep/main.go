// Command lockstep runs a DUT against the QEMU reference model in lockstep and
// stops at the first register that disagrees.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/colorfulnotion/lockstep/common"
	"github.com/colorfulnotion/lockstep/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	exitCode := 0
	rootCmd := newRootCmd(&exitCode)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return exitCode
}

func newRootCmd(exitCode *int) *cobra.Command {
	var rootCmd = &cobra.Command{
		Use:          "lockstep",
		Short:        "Lockstep differential testing of a RISC-V DUT against QEMU",
		SilenceUsage: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	o := defaultRunOptions()
	var runCmd = &cobra.Command{
		Use:   "run",
		Short: "Co-simulate the DUT with the reference model until it finishes or diverges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := log.InitLoggerFormat(o.logLevel, o.logFormat); err != nil {
				return err
			}
			log.EnableModules(o.modules)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := run(ctx, o, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			*exitCode = res.ExitCode()
			return nil
		},
	}
	f := runCmd.Flags()
	f.StringVar(&o.image, "image", o.image, "executable image loaded into the reference (and the emu DUT)")
	f.StringVar(&o.boot, "boot", o.boot, "how the reference loads the image: kernel or bios")
	f.BoolVar(&o.launch, "launch", o.launch, "start the reference engine instead of attaching to a running one")
	f.StringVar(&o.qemuBinary, "qemu", o.qemuBinary, "reference engine binary")
	f.IntVar(&o.port, "port", o.port, "debug stub port of a launched reference")
	f.StringVar(&o.machine, "machine", o.machine, "reference machine model")
	f.StringVar(&o.memory, "memory", o.memory, "reference memory size")
	f.StringVar(&o.addr, "addr", o.addr, "debug stub address when attaching")
	f.IntVar(&o.maxAttempts, "connect-attempts", o.maxAttempts, "connection attempts before giving up (0 = unbounded)")
	f.DurationVar(&o.retryInterval, "connect-interval", o.retryInterval, "delay between connection attempts")
	f.DurationVar(&o.stepDelay, "step-delay", o.stepDelay, "pause after each reference step")
	f.StringVar(&o.policy, "on-reject", o.policy, "reaction to a rejected stub command: fail or warn")
	f.BoolVar(&o.extendedRegs, "extended-regs", o.extendedRegs, "read reference FPRs and CSRs after every step")
	f.IntVar(&o.csrBase, "csr-regbase", o.csrBase, "stub register number of CSR 0")
	f.StringVar(&o.dut, "dut", o.dut, "DUT harness: replay or emu")
	f.StringVar(&o.recording, "recording", o.recording, "cycle recording played by the replay DUT")
	f.StringVar(&o.record, "record", o.record, "write the DUT's cycle stream to this JSONL file")
	f.StringVar(&o.finishPC, "finish-pc", o.finishPC, "PC at which the emu DUT reports completion")
	f.StringVar(&o.entry, "entry", o.entry, "entry address (default: from the image, else 0x80000000)")
	f.IntVar(&o.bubbleLimit, "bubble-limit", o.bubbleLimit, "consecutive idle DUT cycles before the liveness warning")
	f.StringSliceVar(&o.nops, "nop", o.nops, "reference addresses to overwrite with a nop after initialization")
	f.StringVar(&o.commitLog, "commit-log", o.commitLog, "write one JSONL record per reference retirement")
	f.Uint64Var(&o.sampleInterval, "sample-interval", o.sampleInterval, "IPC sampling period in DUT cycles")
	f.StringVar(&o.ipcChart, "ipc-chart", o.ipcChart, "render the IPC chart to this HTML file at the end of the run")
	f.StringVar(&o.monitorAddr, "monitor", o.monitorAddr, "serve the live monitor on this address")
	f.DurationVar(&o.monitorLinger, "monitor-linger", o.monitorLinger, "keep the monitor serving the verdict this long after the run")
	f.BoolVar(&o.color, "color", o.color, "colour divergence diagnostics")
	f.StringVar(&o.logLevel, "log-level", o.logLevel, "trace, debug, info, warn, error or crit")
	f.StringVar(&o.logFormat, "log-format", o.logFormat, "log output: text or json")
	f.StringVar(&o.modules, "debug", o.modules, "comma-separated modules with debug logging (difftest,gdb,qemu,dut,monitor or all)")

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "lockstep %s (commit %s, built %s)\n", Version, common.GetCommitHash(), BuildTime)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)
	rootCmd.SetContext(context.Background())
	return rootCmd
}
