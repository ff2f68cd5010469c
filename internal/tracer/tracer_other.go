// Stub Tracer for non-Linux platforms. ptrace/wait4 with PTRACE_O_* options
// and PTRACE_EVENT_* demultiplexing, as used throughout this package, is a
// Linux-specific kernel interface (Android's spawner model included); this
// stub only exists so the module compiles elsewhere. To add support for
// another OS, create tracer_<goos>.go implementing the Tracer interface.
//
//go:build !linux

package tracer

import (
	"fmt"
	"runtime"
)

// SyscallTracer is the non-Linux stand-in; every operation fails.
type SyscallTracer struct{}

// New returns a Tracer that reports every operation as unsupported.
func New() *SyscallTracer { return &SyscallTracer{} }

func unsupported(op string) error {
	return fmt.Errorf("tracer: %s: ptrace-based tracing is only supported on Linux (current platform: %s)", op, runtime.GOOS)
}

func (t *SyscallTracer) Attach(pid int) error                 { return unsupported("attach") }
func (t *SyscallTracer) Detach(pid int, signal int) error      { return unsupported("detach") }
func (t *SyscallTracer) Cont(pid int, signal int) error        { return unsupported("cont") }
func (t *SyscallTracer) SetOptions(pid int, options int) error { return unsupported("setoptions") }
func (t *SyscallTracer) GetEventMsg(pid int) (uint64, error)   { return 0, unsupported("geteventmsg") }
func (t *SyscallTracer) Kill(pid int, signal int) error        { return unsupported("kill") }
func (t *SyscallTracer) Wait() (WaitResult, error)             { return WaitResult{}, unsupported("wait") }
