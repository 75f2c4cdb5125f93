//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcess puts the child in its own process group so signals reach
// the interpreter and anything it spawned.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcess(cmd *exec.Cmd) {
	signalGroup(cmd, unix.SIGTERM)
}

func killProcess(cmd *exec.Cmd) {
	signalGroup(cmd, unix.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig unix.Signal) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	if pgid, err := unix.Getpgid(pid); err == nil && pgid > 0 {
		// Negative PGID targets the whole group.
		_ = unix.Kill(-pgid, sig)
		return
	}
	_ = cmd.Process.Signal(sig)
}
