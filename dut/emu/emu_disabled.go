//go:build !unicorn
// +build !unicorn

package emu

import (
	"fmt"

	"github.com/colorfulnotion/lockstep/dut"
	"github.com/colorfulnotion/lockstep/lockerrors"
)

// New is unavailable without the unicorn build tag.
func New(image string, cfg Config) (dut.Harness, error) {
	return nil, fmt.Errorf("%w: software DUT needs a build with -tags unicorn", lockerrors.ErrHarness)
}
