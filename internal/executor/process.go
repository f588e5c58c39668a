package executor

import (
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// terminationGrace is how long a process gets between SIGTERM and SIGKILL
const terminationGrace = 5 * time.Second

// resolveExecutable resolves a bare command name through PATH. Paths with a
// separator are returned as-is so config can point at a specific binary.
func resolveExecutable(command string) string {
	if strings.ContainsRune(command, os.PathSeparator) {
		return command
	}
	if path, err := exec.LookPath(command); err == nil {
		return path
	}
	return command
}

// signalGroup signals the worker's whole process group so children spawned
// by the worker (which share its stdio pipes) go down with it. Falls back to
// signaling the process alone if no group exists.
func signalGroup(proc *os.Process, sig syscall.Signal) {
	if proc == nil {
		return
	}
	if err := syscall.Kill(-proc.Pid, sig); err != nil {
		_ = proc.Signal(sig)
	}
}

// terminate escalates from SIGTERM to SIGKILL on the process group. exited
// receives once the process has been fully reaped; the kill fires only if
// that does not happen within the grace window.
func terminate(proc *os.Process, exited <-chan error) {
	if proc == nil {
		return
	}

	signalGroup(proc, syscall.SIGTERM)

	select {
	case <-exited:
	case <-time.After(terminationGrace):
		signalGroup(proc, syscall.SIGKILL)
		<-exited
	}
}
