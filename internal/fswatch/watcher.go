// Package fswatch implements the filesystem-watch half of the lifecycle &
// signal plane (component G) and of the §6 external interface contract:
// close-write events on the directory holding the package database, and
// access events on the spawner executable(s), per spec §6/§4.G.
//
// Platform-specific implementations (fswatch_linux.go, fswatch_other.go)
// satisfy the Watcher interface and are selected at compile time via
// build tags, mirroring the teacher's file_watcher_linux.go /
// file_watcher_other.go split.
package fswatch

// Operation classifies a single filesystem event.
type Operation string

const (
	// OpCloseWrite fires when a watched file that was open for writing
	// is closed — the signal spec §4.G treats as "packages.xml changed".
	OpCloseWrite Operation = "close_write"
	// OpAccess fires when a watched file is opened for reading, used to
	// observe accesses to the spawner executable.
	OpAccess Operation = "access"
)

// Event is a single filesystem event emitted by a Watcher.
type Event struct {
	// Path is the absolute path of the file that was accessed.
	Path string
	// Operation is the kind of access observed.
	Operation Operation
}

// Watcher is the common interface implemented by all fswatch backends.
// Implementations must be safe for concurrent use.
type Watcher interface {
	// Start begins monitoring the directory containing packageDBPath
	// (close-write only; every file in it that is closed after writing is
	// reported, not only packageDBPath) and every path in execPaths
	// (access only). It returns an error if inotify
	// itself cannot be initialized; per spec §7 a failed individual
	// watch add is logged and skipped, not fatal.
	Start(packageDBPath string, execPaths []string) error

	// Stop ceases monitoring, closes the underlying descriptor, and
	// closes the Events channel. It blocks until the internal goroutine
	// exits and is idempotent.
	Stop()

	// Events returns the channel on which Events are delivered. Closed
	// after Stop returns.
	Events() <-chan Event
}
