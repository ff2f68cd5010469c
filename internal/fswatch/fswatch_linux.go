//go:build linux

package fswatch

import (
	"bytes"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"syscall"
	"unsafe"
)

// inotifyEventHeaderSize is the fixed-width portion of a raw
// inotify_event structure; the variable-length Name field (of length
// InotifyEvent.Len) follows immediately in the kernel-provided buffer.
var inotifyEventHeaderSize = syscall.SizeofInotifyEvent

// watchEntry records which operation a registered watch descriptor
// should be reported as, and the path it was registered against.
type watchEntry struct {
	path string
	op   Operation
}

// InotifyWatcher monitors the package database and spawner executables
// using the Linux inotify subsystem, grounded on the teacher's
// InotifyWatcher (internal/watcher/file_watcher_linux.go).
type InotifyWatcher struct {
	logger *slog.Logger

	mu  sync.Mutex
	fd  int
	wds map[int32]watchEntry

	events   chan Event
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewInotifyWatcher constructs an InotifyWatcher. The inotify instance
// is created immediately so Start only needs to register watches.
func NewInotifyWatcher(logger *slog.Logger) (*InotifyWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fd, err := syscall.InotifyInit1(syscall.IN_NONBLOCK | syscall.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("fswatch: inotify init: %w", err)
	}
	return &InotifyWatcher{
		logger: logger,
		fd:     fd,
		wds:    make(map[int32]watchEntry),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}, nil
}

// Start registers a close-write watch on packageDBPath's containing
// directory and an access watch on each execPath, then launches the
// background read loop. Per spec §7 a single watch failing to register
// is logged and skipped, never fatal.
func (iw *InotifyWatcher) Start(packageDBPath string, execPaths []string) error {
	iw.addWatch(filepath.Dir(packageDBPath), syscall.IN_CLOSE_WRITE, OpCloseWrite)
	for _, p := range execPaths {
		iw.addWatch(p, syscall.IN_ACCESS, OpAccess)
	}

	iw.wg.Add(1)
	go iw.run()
	return nil
}

func (iw *InotifyWatcher) addWatch(path string, mask uint32, op Operation) {
	wd, err := syscall.InotifyAddWatch(iw.fd, path, mask)
	if err != nil {
		iw.logger.Warn("proc_monitor: fswatch: cannot add watch", slog.String("path", path), slog.Any("error", err))
		return
	}
	iw.mu.Lock()
	iw.wds[int32(wd)] = watchEntry{path: path, op: op}
	iw.mu.Unlock()
}

// Stop signals the watcher to cease monitoring and blocks until the
// background goroutine exits. Idempotent.
func (iw *InotifyWatcher) Stop() {
	iw.stopOnce.Do(func() {
		close(iw.done)
		iw.wg.Wait()
		_ = syscall.Close(iw.fd)
		close(iw.events)
	})
}

// Events returns the channel on which Events are delivered.
func (iw *InotifyWatcher) Events() <-chan Event {
	return iw.events
}

func (iw *InotifyWatcher) run() {
	defer iw.wg.Done()

	buf := make([]byte, 4096)
	epfd, err := syscall.EpollCreate1(syscall.EPOLL_CLOEXEC)
	if err == nil {
		defer syscall.Close(epfd)
		err = syscall.EpollCtl(epfd, syscall.EPOLL_CTL_ADD, iw.fd, &syscall.EpollEvent{Events: syscall.EPOLLIN, Fd: int32(iw.fd)})
	}
	if err != nil {
		iw.logger.Error("proc_monitor: fswatch: epoll setup error", slog.Any("error", err))
		return
	}
	ready := make([]syscall.EpollEvent, 1)

	for {
		select {
		case <-iw.done:
			return
		default:
		}

		// Wait for readability with a short timeout so done is checked
		// frequently without busy-waiting.
		n, err := syscall.EpollWait(epfd, ready, 100)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			select {
			case <-iw.done:
				return
			default:
			}
			iw.logger.Error("proc_monitor: fswatch: poll error", slog.Any("error", err))
			return
		}
		if n == 0 {
			continue
		}

		nr, err := syscall.Read(iw.fd, buf)
		if err != nil {
			select {
			case <-iw.done:
				return
			default:
			}
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				continue
			}
			iw.logger.Error("proc_monitor: fswatch: read error", slog.Any("error", err))
			return
		}
		if nr == 0 {
			continue
		}

		iw.parseEvents(buf[:nr])
	}
}

func (iw *InotifyWatcher) parseEvents(buf []byte) {
	for offset := 0; offset < len(buf); {
		if offset+inotifyEventHeaderSize > len(buf) {
			break
		}

		raw := (*syscall.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += inotifyEventHeaderSize

		var name string
		if raw.Len > 0 {
			end := offset + int(raw.Len)
			if end > len(buf) {
				break
			}
			nameBytes := buf[offset:end]
			if i := bytes.IndexByte(nameBytes, 0); i >= 0 {
				nameBytes = nameBytes[:i]
			}
			name = string(nameBytes)
			offset = end
		}

		iw.mu.Lock()
		entry, ok := iw.wds[raw.Wd]
		iw.mu.Unlock()
		if !ok {
			continue
		}

		var op Operation
		switch {
		case raw.Mask&syscall.IN_CLOSE_WRITE != 0:
			op = OpCloseWrite
		case raw.Mask&syscall.IN_ACCESS != 0:
			op = OpAccess
		default:
			continue
		}

		path := entry.path
		if name != "" {
			path = filepath.Join(entry.path, name)
		}
		iw.emit(path, op)
	}
}

func (iw *InotifyWatcher) emit(path string, op Operation) {
	evt := Event{Path: path, Operation: op}
	select {
	case iw.events <- evt:
	default:
		iw.logger.Warn("proc_monitor: fswatch: event channel full, dropping event",
			slog.String("path", path), slog.String("operation", string(op)))
	}
}
