//go:build !linux

package qemu

import "os/exec"

func supervise(cmd *exec.Cmd) {}

func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
