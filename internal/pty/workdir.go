package pty

import (
	"fmt"
	"os"
	"runtime"
)

// processWorkingDir reads a process's current directory from procfs.
func processWorkingDir(pid int) (string, error) {
	if runtime.GOOS != "linux" {
		return "", fmt.Errorf("working directory lookup not supported on %s", runtime.GOOS)
	}
	dir, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
	if err != nil {
		return "", fmt.Errorf("read cwd of pid %d: %w", pid, err)
	}
	return dir, nil
}
