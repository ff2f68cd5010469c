// Linux implementation of the tracing adapter. Uses the raw stdlib
// `syscall` package directly rather than golang.org/x/sys/unix, mirroring
// the teacher's own stated preference for this class of kernel-ABI code
// (see internal/watcher/ebpf/loader_linux.go: "All BPF operations use raw
// Linux syscalls so that this package requires no external dependencies
// beyond the Go standard library") and its raw-syscall inotify/netlink
// watchers.
//
//go:build linux

package tracer

import (
	"errors"
	"fmt"
	"syscall"
)

// SyscallTracer is the production Tracer backed by ptrace(2)/wait4(2).
type SyscallTracer struct{}

// New returns the Linux ptrace-backed Tracer.
func New() *SyscallTracer { return &SyscallTracer{} }

func wrapGone(op string, pid int, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("tracer: %s pid %d: %w: %v", op, pid, ErrGone, err)
}

// Attach implements Tracer.
func (t *SyscallTracer) Attach(pid int) error {
	return wrapGone("attach", pid, syscall.PtraceAttach(pid))
}

// Detach implements Tracer.
func (t *SyscallTracer) Detach(pid int, signal int) error {
	if signal != 0 {
		// PTRACE_DETACH with a pending signal: no Go stdlib wrapper
		// delivers a signal atomically with detach, so mirror it by
		// queuing the signal via kill(2) immediately before detaching.
		_ = syscall.Kill(pid, syscall.Signal(signal))
	}
	return wrapGone("detach", pid, syscall.PtraceDetach(pid))
}

// Cont implements Tracer.
func (t *SyscallTracer) Cont(pid int, signal int) error {
	return wrapGone("cont", pid, syscall.PtraceCont(pid, signal))
}

// SetOptions implements Tracer.
func (t *SyscallTracer) SetOptions(pid int, options int) error {
	return wrapGone("setoptions", pid, syscall.PtraceSetOptions(pid, options))
}

// GetEventMsg implements Tracer.
func (t *SyscallTracer) GetEventMsg(pid int) (uint64, error) {
	msg, err := syscall.PtraceGetEventMsg(pid)
	if err != nil {
		return 0, wrapGone("geteventmsg", pid, err)
	}
	return uint64(msg), nil
}

// Kill implements Tracer.
func (t *SyscallTracer) Kill(pid int, signal int) error {
	return wrapGone("kill", pid, syscall.Kill(pid, syscall.Signal(signal)))
}

// Wait implements Tracer, demultiplexing a raw wait4 status into a
// WaitResult the event router can switch on without touching syscall
// details itself.
func (t *SyscallTracer) Wait() (WaitResult, error) {
	var status syscall.WaitStatus
	pid, err := syscall.Wait4(-1, &status, syscall.WALL, nil)
	if err != nil {
		if errors.Is(err, syscall.ECHILD) {
			return WaitResult{}, fmt.Errorf("%w: %v", ECHILD, err)
		}
		return WaitResult{}, fmt.Errorf("tracer: wait4: %v", err)
	}

	res := WaitResult{PID: pid}
	switch {
	case status.Exited():
		res.Exited = true
		res.ExitStatus = status.ExitStatus()
	case status.Signaled():
		res.Exited = true
		res.Signaled = true
		res.TermSignal = int(status.Signal())
	case status.Stopped():
		res.Stopped = true
		res.StopSignal = int(status.StopSignal())
		if res.StopSignal == int(syscall.SIGTRAP) {
			if cause := status.TrapCause(); cause != 0 {
				res.PtraceEvent = cause
			}
		}
	}
	return res, nil
}
