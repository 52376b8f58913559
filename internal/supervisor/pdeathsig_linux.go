//go:build linux

package supervisor

import (
	"os/exec"
	"syscall"
)

// configureParentDeath makes the kernel kill the controller if the
// supervisor dies, so the child can never outlive its parent.
func configureParentDeath(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
