//go:build linux

package fswatch_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/veilkit/procmon/internal/fswatch"
)

func startWatcher(t *testing.T, dbPath string, execPaths []string) *fswatch.InotifyWatcher {
	t.Helper()
	iw, err := fswatch.NewInotifyWatcher(nil)
	if err != nil {
		t.Fatalf("NewInotifyWatcher: %v", err)
	}
	if err := iw.Start(dbPath, execPaths); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(iw.Stop)
	return iw
}

func waitEvent(t *testing.T, ch <-chan fswatch.Event, timeout time.Duration) (fswatch.Event, bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return fswatch.Event{}, false
			}
			return evt, true
		case <-deadline:
			return fswatch.Event{}, false
		}
	}
}

func TestInotifyWatcherDetectsPackageDBCloseWrite(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "packages.xml")
	if err := os.WriteFile(dbPath, []byte("<packages/>"), 0600); err != nil {
		t.Fatalf("WriteFile (setup): %v", err)
	}

	iw := startWatcher(t, dbPath, nil)

	if err := os.WriteFile(dbPath, []byte("<packages><pkg/></packages>"), 0600); err != nil {
		t.Fatalf("WriteFile (modify): %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-iw.Events():
			if !ok {
				t.Fatal("Events channel closed unexpectedly")
			}
			if evt.Operation == fswatch.OpCloseWrite && filepath.Base(evt.Path) == "packages.xml" {
				return
			}
		case <-deadline:
			t.Fatal("no close-write event received within 5 seconds")
		}
	}
}

func TestInotifyWatcherDetectsSpawnerAccess(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "packages.xml")
	spawnerPath := filepath.Join(dir, "spawner64")
	if err := os.WriteFile(dbPath, []byte("<packages/>"), 0600); err != nil {
		t.Fatalf("WriteFile (db setup): %v", err)
	}
	if err := os.WriteFile(spawnerPath, []byte("fake-binary"), 0700); err != nil {
		t.Fatalf("WriteFile (spawner setup): %v", err)
	}

	iw := startWatcher(t, dbPath, []string{spawnerPath})

	f, err := os.Open(spawnerPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	buf := make([]byte, 4)
	_, _ = f.Read(buf)
	f.Close()

	evt, ok := waitEvent(t, iw.Events(), 5*time.Second)
	if !ok {
		t.Fatal("no access event received within 5 seconds")
	}
	if evt.Operation != fswatch.OpAccess || evt.Path != spawnerPath {
		t.Errorf("unexpected event %+v", evt)
	}
}

func TestInotifyWatcherStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "packages.xml")
	iw, err := fswatch.NewInotifyWatcher(nil)
	if err != nil {
		t.Fatalf("NewInotifyWatcher: %v", err)
	}
	if err := iw.Start(dbPath, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	iw.Stop()
	iw.Stop()

	if _, ok := <-iw.Events(); ok {
		t.Error("Events channel must be closed after Stop")
	}
}
