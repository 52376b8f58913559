//go:build !linux

package supervisor

import "os/exec"

// configureParentDeath is a no-op off Linux; there is no parent-death
// signal there. The controller still exits on its own when the shutdown
// pipe closes with the supervisor.
func configureParentDeath(cmd *exec.Cmd) {}
