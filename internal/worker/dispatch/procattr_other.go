//go:build !unix

package dispatch

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

// Without process groups or SIGTERM there is no graceful step.
func interruptGroup(cmd *exec.Cmd) error {
	return killGroup(cmd)
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func exitSignal(exitErr *exec.ExitError) (string, bool) {
	return "", false
}
