//go:build windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
)

// recorded resolves the process named by the file. os.FindProcess opens a
// handle on Windows, so a dead PID fails here.
func (p *PIDFile) recorded() (int, *os.Process, error) {
	pid, err := p.Read()
	if err != nil {
		return 0, nil, fmt.Errorf("read PID file: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, nil, fmt.Errorf("find process %d: %w", pid, err)
	}
	return pid, proc, nil
}

// IsRunning reports the recorded PID and whether that process is alive.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, proc, err := p.recorded()
	if err != nil {
		return pid, false
	}
	defer func() { _ = proc.Release() }()
	return pid, true
}

// Signal stops the recorded process. Windows has no SIGTERM delivery, so
// any signal terminates it.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	_, proc, err := p.recorded()
	if err != nil {
		return err
	}
	defer func() { _ = proc.Release() }()
	return proc.Signal(sig)
}
