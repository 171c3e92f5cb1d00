//go:build windows

package cmd

import (
	"os"
	"syscall"
)

// shutdownSignals returns the OS signals to listen for graceful shutdown.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// sigTERM returns the stop signal. Windows cannot deliver SIGTERM, so stop
// kills the process.
func sigTERM() syscall.Signal { return syscall.SIGKILL }
