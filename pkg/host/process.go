package host

import "os"

// osFindProcess is a thin wrapper so exec.go reads as the liveness
// logic rather than an os import list.
func osFindProcess(pid int) (*os.Process, error) {
	return os.FindProcess(pid)
}
