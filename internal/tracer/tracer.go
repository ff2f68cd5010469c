// Package tracer is the syscall/tracing adapter (component A): thin
// wrappers around trace-attach/detach/continue/get-event-msg and waitpid.
// All failures are logged by the caller; per spec §4.A, attach/
// set-options/cont failures on a specific pid are treated as "that pid is
// gone" and propagate as ErrGone so callers can fold that into
// detachment bookkeeping without special-casing every syscall error.
package tracer

import "errors"

// Signal numbers used throughout the monitor, values from Linux's
// asm-generic/signal.h. Defined here (rather than imported per-platform)
// so that callers outside this package never need a build-tagged import
// of "syscall" just to name a signal.
const (
	SIGSTOP = 19
	SIGCONT = 18
	SIGTERM = 15
	SIGALRM = 14
	SIGIO   = 29
)

// ErrGone is returned by any per-pid operation (Attach, Detach, Cont,
// SetOptions, GetEventMsg) when the target process no longer exists or is
// no longer traceable. Per spec §4.A this is never fatal to the monitor.
var ErrGone = errors.New("tracer: pid is gone")

// Ptrace trace-option bits, values from <linux/ptrace.h>. Never change.
const (
	OptTraceFork     = 0x00000002
	OptTraceVfork    = 0x00000004
	OptTraceClone    = 0x00000008
	OptTraceExec     = 0x00000010
	OptTraceVforkDone = 0x00000020
	OptTraceExit     = 0x00000040
)

// SpawnerOptions is the trace-option set installed on a spawner per spec
// §4.A: "trace-fork, trace-vfork, trace-exit on spawners".
const SpawnerOptions = OptTraceFork | OptTraceVfork | OptTraceExit

// AppOptions is the trace-option set installed on a confirmed application
// process per spec §4.A: "trace-clone, trace-exec, trace-exit on
// confirmed app processes".
const AppOptions = OptTraceClone | OptTraceExec | OptTraceExit

// Ptrace event codes delivered via GetEventMsg/WaitResult.PtraceEvent,
// values from <linux/ptrace.h>. Never change.
const (
	EventFork      = 1
	EventVfork     = 2
	EventClone     = 3
	EventExec      = 4
	EventVforkDone = 5
	EventExit      = 6
)

// WaitResult is the demultiplexed outcome of a single waitpid call, as
// consumed by the event router (component E).
type WaitResult struct {
	PID int

	// Exited is true for a normal or signalled process exit; ExitStatus
	// / TermSignal describe it further.
	Exited     bool
	ExitStatus int
	Signaled   bool
	TermSignal int

	// Stopped is true for any ptrace stop (event-stop or
	// signal-delivery-stop). StopSignal is the signal the kernel
	// reports for the stop (SIGTRAP for an event-stop carrying
	// PtraceEvent, or the delivered signal for a plain
	// signal-delivery-stop).
	Stopped    bool
	StopSignal int

	// PtraceEvent is non-zero exactly when Stopped is a ptrace-event-stop
	// (fork/vfork/clone/exec/exit), distinct from an ordinary
	// signal-delivery-stop per the glossary.
	PtraceEvent int
}

// IsEventStop reports whether this result is a ptrace-event-stop.
func (w WaitResult) IsEventStop() bool { return w.Stopped && w.PtraceEvent != 0 }

// IsSignalStop reports whether this result is an ordinary
// signal-delivery-stop (a stop without an accompanying ptrace event).
func (w WaitResult) IsSignalStop() bool { return w.Stopped && w.PtraceEvent == 0 }

// Tracer is the interface component A exposes to the rest of the monitor.
// The real implementation (tracer_linux.go) wraps the raw syscall package;
// a fake implementation lets discovery/router/inspector be unit tested
// without a real kernel trace attachment.
type Tracer interface {
	// Attach requests a ptrace attachment to pid. Per spec §4.A, it
	// returns ErrGone (wrapped) if the pid cannot be attached.
	Attach(pid int) error

	// Detach releases the trace attachment on pid, optionally delivering
	// signal on detach (0 for none).
	Detach(pid int, signal int) error

	// Cont resumes a stopped pid, optionally delivering signal (0 for
	// none, used to forward a signal the tracee was stopped for).
	Cont(pid int, signal int) error

	// SetOptions installs the given ptrace option bits on pid.
	SetOptions(pid int, options int) error

	// GetEventMsg reads the auxiliary message associated with the most
	// recent ptrace-event-stop on pid (e.g. the new child's pid for a
	// fork/vfork/clone event).
	GetEventMsg(pid int) (uint64, error)

	// Wait blocks for the next reportable state change in any traced
	// child (waitpid(-1, ...)). It returns an error wrapping this
	// package's ECHILD when no tracees remain.
	Wait() (WaitResult, error)

	// Kill sends signal directly to pid via kill(2), used by the
	// inspector to SIGSTOP/SIGCONT a child that is not itself being
	// waited on by this adapter.
	Kill(pid int, signal int) error
}

// ECHILD is returned (wrapped) by Wait when there are no tracees left to
// wait for; the router reports it as OutcomeNoChildren, and Pump parks
// until Wake or cancellation.
var ECHILD = errors.New("tracer: no child processes")
