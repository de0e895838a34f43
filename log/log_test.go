package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
	}{
		{"trace", "trace"},
		{"DEBUG", "debug"},
		{"warning", "warn"},
		{"crit", "crit"},
	} {
		lvl, err := ParseLevel(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, LevelString(lvl))
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestModuleFiltering(t *testing.T) {
	var buf bytes.Buffer
	prev := Root()
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelTrace)))
	defer SetDefault(prev)

	DisableModule(GdbMonitoring)
	Debug(GdbMonitoring, "hidden packet")
	assert.Empty(t, buf.String())

	EnableModules("gdb, dut")
	defer DisableModule(GdbMonitoring)
	defer DisableModule(DutMonitoring)
	Debug(GdbMonitoring, "visible packet", "payload", "g")
	out := buf.String()
	assert.Contains(t, out, "visible packet")
	assert.Contains(t, out, "module=gdb")
	assert.Contains(t, out, "DEBUG")

	buf.Reset()
	Warn(DifftestMonitoring, "too many bubbles", "bubbles", 201)
	assert.True(t, strings.Contains(buf.String(), "bubbles=201"))
}

func TestLevelNames(t *testing.T) {
	assert.Equal(t, "WARN ", LevelAlignedString(LevelWarn))
	assert.Equal(t, "unknown", LevelString(3))
	lvl, err := ParseLevel(" Critical ")
	require.NoError(t, err)
	assert.Equal(t, LevelCrit, lvl)
	lvl, err = ParseLevel("max")
	require.NoError(t, err)
	assert.True(t, lvl < LevelTrace)
}

func TestJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	prev := Root()
	SetDefault(NewLogger(NewJSONHandlerWithLevel(&buf, LevelInfo)))
	defer SetDefault(prev)

	Info(QemuMonitoring, "reference connected", "addr", "127.0.0.1:1234")
	out := buf.String()
	assert.Contains(t, out, `"level":"info"`)
	assert.Contains(t, out, `"module":"qemu"`)
	assert.Contains(t, out, `"addr":"127.0.0.1:1234"`)
}

func TestInitLoggerFormat(t *testing.T) {
	prev := Root()
	defer SetDefault(prev)
	assert.NoError(t, InitLoggerFormat("info", "json"))
	assert.Error(t, InitLoggerFormat("info", "xml"))
	assert.Error(t, InitLoggerFormat("loud", "text"))
}
