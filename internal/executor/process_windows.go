//go:build windows

package executor

import (
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// stopProcessGroup force-kills the task's process tree through taskkill. The
// grace period is ignored because console groups cannot be sent a catchable
// termination request. If taskkill is unavailable only the direct child dies.
func stopProcessGroup(cmd *exec.Cmd, _ time.Duration) error {
	if cmd.Process == nil {
		return nil
	}
	tree := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid))
	if err := tree.Run(); err == nil {
		return nil
	}
	return cmd.Process.Kill()
}
