//go:build !unix

package command

import "os/exec"

func configureProcess(cmd *exec.Cmd) {
	cmd.WaitDelay = waitDelay
}

// KillGroup kills cmd's process. Process groups are not used on this platform.
func KillGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
