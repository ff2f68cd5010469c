package tracer

import (
	"fmt"
	"sync"
)

// Fake is an in-memory Tracer used by unit tests for discovery, the event
// router, and the inspector. It never touches the real kernel.
type Fake struct {
	mu sync.Mutex

	attached  map[int]bool
	options   map[int]int
	eventMsgs map[int]uint64

	// Events is consumed in order by Wait; tests push WaitResults (and
	// optional errors) here to drive the router deterministically.
	Events chan fakeWaitEvent

	// Calls records every method invocation for assertions.
	Calls []string
}

type fakeWaitEvent struct {
	result WaitResult
	err    error
}

// NewFake returns an empty Fake tracer with a buffered event queue.
func NewFake() *Fake {
	return &Fake{
		attached:  make(map[int]bool),
		options:   make(map[int]int),
		eventMsgs: make(map[int]uint64),
		Events:    make(chan fakeWaitEvent, 256),
	}
}

// PushWait enqueues a WaitResult to be returned by the next Wait call.
func (f *Fake) PushWait(r WaitResult) {
	f.Events <- fakeWaitEvent{result: r}
}

// PushWaitErr enqueues an error to be returned by the next Wait call.
func (f *Fake) PushWaitErr(err error) {
	f.Events <- fakeWaitEvent{err: err}
}

// SetEventMsg arranges for GetEventMsg(pid) to return msg.
func (f *Fake) SetEventMsg(pid int, msg uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventMsgs[pid] = msg
}

func (f *Fake) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, call)
}

func (f *Fake) Attach(pid int) error {
	f.record(fmt.Sprintf("attach(%d)", pid))
	f.mu.Lock()
	f.attached[pid] = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) Detach(pid int, signal int) error {
	f.record(fmt.Sprintf("detach(%d,%d)", pid, signal))
	f.mu.Lock()
	delete(f.attached, pid)
	f.mu.Unlock()
	return nil
}

func (f *Fake) Cont(pid int, signal int) error {
	f.record(fmt.Sprintf("cont(%d,%d)", pid, signal))
	return nil
}

func (f *Fake) SetOptions(pid int, options int) error {
	f.record(fmt.Sprintf("setoptions(%d,%#x)", pid, options))
	f.mu.Lock()
	f.options[pid] = options
	f.mu.Unlock()
	return nil
}

func (f *Fake) GetEventMsg(pid int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eventMsgs[pid], nil
}

func (f *Fake) Kill(pid int, signal int) error {
	f.record(fmt.Sprintf("kill(%d,%d)", pid, signal))
	return nil
}

func (f *Fake) Wait() (WaitResult, error) {
	ev := <-f.Events
	return ev.result, ev.err
}

// IsAttached reports whether pid is currently attached according to the
// fake's bookkeeping (not a real kernel trace).
func (f *Fake) IsAttached(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached[pid]
}
