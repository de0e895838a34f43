package gdbstub

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/colorfulnotion/lockstep/lockerrors"
	"github.com/colorfulnotion/lockstep/regfile"
)

const wordDigits = regfile.WordSize * 2

// RegisterVectorDigits is the length of a g/G register vector in hex digits.
const RegisterVectorDigits = regfile.NumVectorWords * wordDigits

// EncodeWord renders a 64-bit target word in stub byte order: little-endian
// bytes, each byte high nibble first.
func EncodeWord(v uint64) string {
	var b [regfile.WordSize]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return hex.EncodeToString(b[:])
}

// DecodeWord parses up to 16 hex digits of a little-endian target value.
func DecodeWord(s string) (uint64, error) {
	if len(s) == 0 || len(s) > wordDigits || len(s)%2 != 0 {
		return 0, fmt.Errorf("%w: word %q", lockerrors.ErrBadHex, s)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", lockerrors.ErrBadHex, err)
	}
	var b [regfile.WordSize]byte
	copy(b[:], raw)
	return binary.LittleEndian.Uint64(b[:]), nil
}

// EncodeRegisters renders the 33-word vector (32 GPRs then PC) with no separators.
func EncodeRegisters(v [regfile.NumVectorWords]uint64) string {
	var sb strings.Builder
	sb.Grow(RegisterVectorDigits)
	for _, w := range v {
		sb.WriteString(EncodeWord(w))
	}
	return sb.String()
}

// DecodeRegisters parses a g reply. Stubs may append further registers after
// the PC; only the first 33 words are taken.
func DecodeRegisters(s string) ([regfile.NumVectorWords]uint64, error) {
	var v [regfile.NumVectorWords]uint64
	if len(s) < RegisterVectorDigits {
		return v, fmt.Errorf("%w: %d digits", lockerrors.ErrShortRegisterVector, len(s))
	}
	for i := range v {
		w, err := DecodeWord(s[i*wordDigits : (i+1)*wordDigits])
		if err != nil {
			return v, fmt.Errorf("register %d: %w", i, err)
		}
		v[i] = w
	}
	return v, nil
}

// EncodeInstruction renders a 32-bit instruction word as it sits in memory.
func EncodeInstruction(inst uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], inst)
	return hex.EncodeToString(b[:])
}

// DecodeInstruction parses the 8 hex digits of an m reply.
func DecodeInstruction(s string) (uint32, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("%w: instruction %q", lockerrors.ErrBadHex, s)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", lockerrors.ErrBadHex, err)
	}
	return binary.LittleEndian.Uint32(raw), nil
}
