package lockerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorNameAndCode(t *testing.T) {
	assert.Equal(t, "CommandRejected", GetErrorName(ErrCommandRejected))
	assert.Equal(t, "C4", GetErrorCode(ErrCommandRejected))
	assert.Equal(t, "T1_ConnectRetriesExhausted", GetErrorCodeWithName(ErrConnectRetriesExhausted))
	assert.Equal(t, "No Error", GetErrorName(nil))
	assert.Equal(t, "", GetErrorCode(errors.New("plain")))
}

func TestWrappedErrorsKeepIdentity(t *testing.T) {
	err := fmt.Errorf("insert breakpoint at 0x80000000: %w", ErrCommandRejected)
	assert.True(t, errors.Is(err, ErrCommandRejected))
	assert.False(t, errors.Is(err, ErrStubError))
}

func TestUncodedErrors(t *testing.T) {
	plain := errors.New("plain")
	assert.Equal(t, "plain", GetErrorName(plain))
	assert.Equal(t, "", GetErrorCodeWithName(plain))
	assert.Equal(t, "", GetErrorCodeWithName(nil))

	half := errors.New("X9|NoColon")
	assert.Equal(t, "X9", GetErrorCode(half))
	assert.Equal(t, "", GetErrorCodeWithName(half))
}
