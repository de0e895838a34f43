package lockerrors

import (
	"errors"
	"strings"
)

// Transport (T) Errors
var (
	ErrConnectRetriesExhausted = errors.New("T1|ConnectRetriesExhausted: Reference engine did not accept a connection within the retry budget.")
	ErrChecksum                = errors.New("T2|Checksum: Packet checksum does not match its payload.")
	ErrMalformedPacket         = errors.New("T3|MalformedPacket: Packet framing is not $payload#xx.")
	ErrNacked                  = errors.New("T4|Nacked: Peer rejected the packet with '-'.")
	ErrConnClosed              = errors.New("T5|ConnClosed: Connection is closed.")
)

// Command (C) Errors
var (
	ErrShortRegisterVector = errors.New("C1|ShortRegisterVector: Register vector reply is shorter than 33 words.")
	ErrBadHex              = errors.New("C2|BadHex: Reply contains non-hex digits.")
	ErrStubError           = errors.New("C3|StubError: Debug stub answered with an Exx error reply.")
	ErrCommandRejected     = errors.New("C4|CommandRejected: Debug stub did not answer OK to a state-changing command.")
	ErrUnsupported         = errors.New("C5|Unsupported: Debug stub answered with an empty reply.")
)

// Session (S) Errors
var (
	ErrNotInitialized = errors.New("S1|NotInitialized: Reference session has not been initialized.")
	ErrEntryMismatch  = errors.New("S2|EntryMismatch: Reference PC after initialization differs from the requested entry.")
	ErrLaunch         = errors.New("S3|Launch: Reference engine could not be started.")
	ErrImage          = errors.New("S4|Image: Executable image could not be read.")
)

// Harness (H) Errors
var (
	ErrHarness       = errors.New("H1|Harness: DUT harness failed to advance.")
	ErrRecordingEnd  = errors.New("H2|RecordingEnd: DUT recording ended before the DUT signalled completion.")
	ErrBadRecording  = errors.New("H3|BadRecording: DUT recording record is malformed.")
	ErrBadWriteDest  = errors.New("H4|BadWriteDest: DUT write-back destination is not a general register.")
	ErrEmulatorFault = errors.New("H5|EmulatorFault: Software DUT stopped on an emulator fault.")
)

// split parses "CODE|Name: description".
func split(err error) (code, name string, ok bool) {
	msg := err.Error()
	code, rest, found := strings.Cut(msg, "|")
	if !found {
		return "", msg, false
	}
	name, _, found = strings.Cut(rest, ":")
	if !found {
		return strings.TrimSpace(code), msg, false
	}
	return strings.TrimSpace(code), strings.TrimSpace(name), true
}

// GetErrorName returns the Name part of a coded error, or the whole message
// for an uncoded one.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	_, name, _ := split(err)
	return name
}

// GetErrorCode returns the CODE part of a coded error.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	code, _, _ := split(err)
	return code
}

// GetErrorCodeWithName returns "CODE_Name", or "" for an uncoded error.
func GetErrorCodeWithName(err error) string {
	if err == nil {
		return ""
	}
	code, name, ok := split(err)
	if !ok {
		return ""
	}
	return code + "_" + name
}
