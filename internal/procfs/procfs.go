// Package procfs is the default implementation of the process-tree
// enumeration and per-pid metadata reads that spec §6 treats as external
// collaborators (crawl_procfs). It is kept deliberately thin: callers that
// want a different enumeration strategy (a cached tree, a mock for tests)
// can satisfy the same interfaces without touching discovery or inspector
// logic.
package procfs

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Fingerprint uniquely identifies a mount namespace: the device and inode
// of its /proc/<pid>/ns/mnt handle, per spec §3 ("device+inode of the
// namespace handle is acceptable").
type Fingerprint struct {
	Dev uint64
	Ino uint64
}

// Crawler enumerates live processes. It mirrors the external
// crawl_procfs(f) collaborator from spec §6.
type Crawler interface {
	// Crawl invokes f(pid) for every live pid. Crawl does not inspect f's
	// return value; f is expected to filter for itself.
	Crawl(f func(pid int))
}

// DefaultCrawler enumerates /proc directly.
type DefaultCrawler struct{}

// Crawl lists /proc and invokes f for every entry that parses as a pid.
func (DefaultCrawler) Crawl(f func(pid int)) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return
	}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid <= 0 {
			continue
		}
		f(pid)
	}
}

// ErrGone indicates the process disappeared before its metadata could be
// read; callers should treat this as "nothing to do", never as fatal,
// per spec §7 ("transient proc read failure").
var ErrGone = fmt.Errorf("procfs: process no longer exists")

// Cmdline reads the space-joined command line of pid from /proc/<pid>/cmdline.
// Returns ErrGone if the process cannot be read.
func Cmdline(pid int) (string, error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGone, err)
	}
	return strings.TrimRight(strings.ReplaceAll(string(b), "\x00", " "), " "), nil
}

// ParentPID reads the PPid field from /proc/<pid>/status.
func ParentPID(pid int) (int, error) {
	return readStatusField(pid, "PPid:")
}

// ThreadGroupID reads the Tgid field from /proc/<pid>/status. "Confirm
// process" per spec §4.E compares this to pid to determine whether pid is
// a thread-group leader.
func ThreadGroupID(pid int) (int, error) {
	return readStatusField(pid, "Tgid:")
}

func readStatusField(pid int, prefix string) (int, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrGone, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		v, err := strconv.Atoi(fields[1])
		if err != nil {
			break
		}
		return v, nil
	}
	return 0, fmt.Errorf("%w: field %q not found", ErrGone, prefix)
}

// UID returns the numeric uid that owns pid's /proc directory.
func UID(pid int) (int, error) {
	info, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrGone, err)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return -1, fmt.Errorf("procfs: unsupported platform stat type")
	}
	return int(st.Uid), nil
}

// MountNamespace returns the Fingerprint of pid's mount namespace by
// stat-ing the magic symlink /proc/<pid>/ns/mnt. Per spec §4.D, if the
// fingerprint cannot be read the caller should treat that as "adopt
// silently returns" / "process gone", never as fatal.
func MountNamespace(pid int) (Fingerprint, error) {
	info, err := os.Stat(fmt.Sprintf("/proc/%d/ns/mnt", pid))
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: %v", ErrGone, err)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return Fingerprint{}, fmt.Errorf("procfs: unsupported platform stat type")
	}
	return Fingerprint{Dev: uint64(st.Dev), Ino: st.Ino}, nil
}
