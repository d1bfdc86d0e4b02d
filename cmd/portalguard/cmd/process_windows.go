//go:build windows

package cmd

import (
	"os"

	"golang.org/x/sys/windows"
)

// stillActive is the exit code reported for a process that has not exited.
const stillActive = 259

// gracefulSignals are the signals that end "serve" cleanly. Windows only
// delivers os.Interrupt.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// processIsAlive queries the exit code of the process.
func processIsAlive(proc *os.Process) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(proc.Pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var code uint32
	if err := windows.GetExitCodeProcess(handle, &code); err != nil {
		return false
	}
	return code == stillActive
}

// sendGracefulStop terminates the server. There is no SIGTERM on Windows,
// so the offline queue is flushed on the next start instead.
func sendGracefulStop(proc *os.Process) error {
	return proc.Kill()
}
