package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	DifftestMonitoring = "difftest" // lockstep controller and comparator
	GdbMonitoring      = "gdb"      // debug-stub transport and command layer
	QemuMonitoring     = "qemu"     // reference session driver and launcher
	DutMonitoring      = "dut"      // DUT harnesses
	MonitorMonitoring  = "monitor"  // websocket monitor
)

var root atomic.Value

func init() {
	root.Store(NewLogger(DiscardHandler()))
}

// InitLogger installs a terminal logger on stderr at the given level.
func InitLogger(logLevel string) {
	if err := InitLoggerFormat(logLevel, "text"); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
}

// InitLoggerFormat installs a stderr logger; format is "text" or "json".
func InitLoggerFormat(logLevel, format string) error {
	lvl, err := ParseLevel(logLevel)
	if err != nil {
		return err
	}
	switch format {
	case "", "text":
		SetDefault(NewLogger(NewTerminalHandlerWithLevel(os.Stderr, lvl)))
	case "json":
		SetDefault(NewLogger(NewJSONHandlerWithLevel(os.Stderr, lvl)))
	default:
		return fmt.Errorf("invalid log format: %s", format)
	}
	return nil
}

// SetDefault sets the default global logger
func SetDefault(l Logger) {
	root.Store(l)
	if lg, ok := l.(*logger); ok {
		slog.SetDefault(lg.inner)
	}
}

func Root() Logger {
	return root.Load().(Logger)
}

// Debug and trace output is opt-in per module; higher levels always pass.
var (
	moduleMu      sync.RWMutex
	moduleEnabled = map[string]bool{}
)

func EnableModule(module string) {
	moduleMu.Lock()
	defer moduleMu.Unlock()
	moduleEnabled[module] = true
}

// EnableModules enables a comma-separated list of modules; "all" enables every module.
func EnableModules(modules string) {
	for _, m := range strings.Split(modules, ",") {
		switch m = strings.TrimSpace(m); m {
		case "":
		case "all":
			for _, k := range []string{DifftestMonitoring, GdbMonitoring, QemuMonitoring, DutMonitoring, MonitorMonitoring} {
				EnableModule(k)
			}
		default:
			EnableModule(m)
		}
	}
}

func DisableModule(module string) {
	moduleMu.Lock()
	defer moduleMu.Unlock()
	delete(moduleEnabled, module)
}

func isModuleEnabled(module string) bool {
	moduleMu.RLock()
	defer moduleMu.RUnlock()
	return moduleEnabled[module]
}

func Trace(module string, msg string, ctx ...any) {
	if isModuleEnabled(module) {
		Root().Write(LevelTrace, module, msg, ctx...)
	}
}

func Debug(module string, msg string, ctx ...any) {
	if isModuleEnabled(module) {
		Root().Write(LevelDebug, module, msg, ctx...)
	}
}

func Info(module string, msg string, ctx ...any) {
	Root().Write(LevelInfo, module, msg, ctx...)
}

func Warn(module string, msg string, ctx ...any) {
	Root().Write(LevelWarn, module, msg, ctx...)
}

func Error(module string, msg string, ctx ...any) {
	Root().Write(LevelError, module, msg, ctx...)
}

// Crit logs and exits the process.
func Crit(module string, msg string, ctx ...any) {
	Root().Write(LevelCrit, module, msg, ctx...)
	os.Exit(1)
}
