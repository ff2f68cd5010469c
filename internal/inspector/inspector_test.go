package inspector

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/veilkit/procmon/internal/procfs"
	"github.com/veilkit/procmon/internal/registry"
	"github.com/veilkit/procmon/internal/tracer"
)

// fakeReader is a scripted ProcessReader: each pid maps to a fixed
// namespace/uid/cmdline, with cmdline optionally changing across calls
// to simulate the pre-init-to-real-command transition.
type fakeReader struct {
	ns          map[int]procfs.Fingerprint
	nsErr       map[int]error
	uid         map[int]int
	uidErr      map[int]error
	cmdlines    map[int][]string // successive Cmdline() results, last one repeats
	cmdlineCall map[int]int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		ns:          make(map[int]procfs.Fingerprint),
		nsErr:       make(map[int]error),
		uid:         make(map[int]int),
		uidErr:      make(map[int]error),
		cmdlines:    make(map[int][]string),
		cmdlineCall: make(map[int]int),
	}
}

func (f *fakeReader) UID(pid int) (int, error) {
	if err, ok := f.uidErr[pid]; ok {
		return -1, err
	}
	return f.uid[pid], nil
}

func (f *fakeReader) Cmdline(pid int) (string, error) {
	seq, ok := f.cmdlines[pid]
	if !ok || len(seq) == 0 {
		return "", fmt.Errorf("fakeReader: no cmdline scripted for %d", pid)
	}
	i := f.cmdlineCall[pid]
	if i >= len(seq) {
		i = len(seq) - 1
	}
	f.cmdlineCall[pid] = i + 1
	return seq[i], nil
}

func (f *fakeReader) MountNamespace(pid int) (procfs.Fingerprint, error) {
	if err, ok := f.nsErr[pid]; ok {
		return procfs.Fingerprint{}, err
	}
	return f.ns[pid], nil
}

type fakeClassifier struct {
	target bool
	calls  []string
	// mutate, if set, runs after recording the call but before returning
	// target — used to simulate a registry update racing with
	// classification.
	mutate func()
}

func (c *fakeClassifier) IsHideTarget(uid int, cmdline string, confidence int) bool {
	c.calls = append(c.calls, fmt.Sprintf("%d/%s/%d", uid, cmdline, confidence))
	if c.mutate != nil {
		c.mutate()
	}
	return c.target
}

type fakeHideDaemon struct {
	called []int
	err    error
}

func (h *fakeHideDaemon) Hide(ctx context.Context, pid int) error {
	h.called = append(h.called, pid)
	return h.err
}

type fakeRecorder struct {
	decisions []Decision
}

func (r *fakeRecorder) Record(pid, uid int, cmdline string, decision Decision) {
	r.decisions = append(r.decisions, decision)
}

func testConfig() Config {
	return Config{
		PollInterval:     time.Millisecond,
		MaxPollAttempts:  5,
		HideConfidence:   95,
		ExcludedCommands: []string{"spawner", "usap32", "usap64"},
	}
}

func hasCall(calls []string, want string) bool {
	for _, c := range calls {
		if c == want {
			return true
		}
	}
	return false
}

// S1 — happy path target app: SIGSTOP, then hand off to hide daemon, no SIGCONT.
func TestInspectS1HappyPathTarget(t *testing.T) {
	spawnerFP := procfs.Fingerprint{Dev: 1, Ino: 1}
	childFP := procfs.Fingerprint{Dev: 2, Ino: 2}

	reg := registry.New()
	reg.Upsert(1000, spawnerFP)

	reader := newFakeReader()
	reader.ns[1100] = childFP
	reader.uid[1100] = 10050
	reader.cmdlines[1100] = []string{"com.example.target"}

	tr := tracer.NewFake()
	classifier := &fakeClassifier{target: true}
	hd := &fakeHideDaemon{}
	rec := &fakeRecorder{}

	in := NewWithReader(tr, reg, reader, classifier, hd, rec, nil, testConfig())
	in.Inspect(context.Background(), 1100, 1000)

	if !hasCall(tr.Calls, "kill(1100,19)") {
		t.Errorf("expected SIGSTOP(19) call, got %v", tr.Calls)
	}
	if hasCall(tr.Calls, "kill(1100,18)") {
		t.Errorf("inspector must not SIGCONT a child handed to the hide daemon, got %v", tr.Calls)
	}
	if len(hd.called) != 1 || hd.called[0] != 1100 {
		t.Errorf("expected hide daemon called once with 1100, got %v", hd.called)
	}
	if len(rec.decisions) != 1 || rec.decisions[0] != DecisionHandedToHideDaemon {
		t.Errorf("expected one handed_to_hide_daemon decision, got %v", rec.decisions)
	}
}

// S2 — non-target app: SIGSTOP then SIGCONT, hide daemon never called.
func TestInspectS2NonTarget(t *testing.T) {
	spawnerFP := procfs.Fingerprint{Dev: 1, Ino: 1}
	childFP := procfs.Fingerprint{Dev: 2, Ino: 2}

	reg := registry.New()
	reg.Upsert(1000, spawnerFP)

	reader := newFakeReader()
	reader.ns[1100] = childFP
	reader.uid[1100] = 10051
	reader.cmdlines[1100] = []string{"com.example.clean"}

	tr := tracer.NewFake()
	classifier := &fakeClassifier{target: false}
	hd := &fakeHideDaemon{}
	rec := &fakeRecorder{}

	in := NewWithReader(tr, reg, reader, classifier, hd, rec, nil, testConfig())
	in.Inspect(context.Background(), 1100, 1000)

	if !hasCall(tr.Calls, "kill(1100,19)") || !hasCall(tr.Calls, "kill(1100,18)") {
		t.Errorf("expected SIGSTOP then SIGCONT, got %v", tr.Calls)
	}
	if len(hd.called) != 0 {
		t.Errorf("hide daemon must not be called for a non-target, got %v", hd.called)
	}
	if len(rec.decisions) != 1 || rec.decisions[0] != DecisionResumedNotTarget {
		t.Errorf("expected one resumed_not_target decision, got %v", rec.decisions)
	}
}

// S3 — namespace not separated: resumed, hide daemon never called.
func TestInspectS3NamespaceNotSeparated(t *testing.T) {
	spawnerFP := procfs.Fingerprint{Dev: 1, Ino: 1}

	reg := registry.New()
	reg.Upsert(1000, spawnerFP)

	reader := newFakeReader()
	// Child fingerprint matches the spawner's for the whole attempt budget.
	reader.ns[1100] = spawnerFP
	reader.uid[1100] = 10050
	reader.cmdlines[1100] = []string{"com.example.target"}

	tr := tracer.NewFake()
	classifier := &fakeClassifier{target: true}
	hd := &fakeHideDaemon{}
	rec := &fakeRecorder{}

	in := NewWithReader(tr, reg, reader, classifier, hd, rec, nil, testConfig())
	in.Inspect(context.Background(), 1100, 1000)

	if hasCall(tr.Calls, "kill(1100,19)") {
		t.Errorf("must never SIGSTOP a child whose namespace never separated, got %v", tr.Calls)
	}
	if !hasCall(tr.Calls, "kill(1100,18)") {
		t.Errorf("expected a resuming SIGCONT per invariant 4, got %v", tr.Calls)
	}
	if len(hd.called) != 0 {
		t.Errorf("hide daemon must never be invoked when namespace never separated, got %v", hd.called)
	}
	if len(rec.decisions) != 1 || rec.decisions[0] != DecisionSkippedTimeout {
		t.Errorf("expected skipped_timeout decision, got %v", rec.decisions)
	}
}

// S4 — pre-warmed helper: no SIGSTOP, no predicate call, no hide daemon.
func TestInspectS4PreWarmedHelper(t *testing.T) {
	childFP := procfs.Fingerprint{Dev: 2, Ino: 2}

	reg := registry.New()

	reader := newFakeReader()
	reader.ns[1100] = childFP
	reader.uid[1100] = 10052
	reader.cmdlines[1100] = []string{"usap64"}

	tr := tracer.NewFake()
	classifier := &fakeClassifier{target: true}
	hd := &fakeHideDaemon{}
	rec := &fakeRecorder{}

	in := NewWithReader(tr, reg, reader, classifier, hd, rec, nil, testConfig())
	in.Inspect(context.Background(), 1100, 1000)

	if hasCall(tr.Calls, "kill(1100,19)") {
		t.Errorf("pre-warmed helper must never receive SIGSTOP, got %v", tr.Calls)
	}
	if !hasCall(tr.Calls, "kill(1100,18)") {
		t.Errorf("expected a resuming SIGCONT per invariant 4, got %v", tr.Calls)
	}
	if len(classifier.calls) != 0 {
		t.Errorf("predicate must never be consulted for a pre-warmed helper, got %v", classifier.calls)
	}
	if len(hd.called) != 0 {
		t.Errorf("hide daemon must never be called for a pre-warmed helper, got %v", hd.called)
	}
	if len(rec.decisions) != 1 || rec.decisions[0] != DecisionSkippedExcluded {
		t.Errorf("expected skipped_excluded decision, got %v", rec.decisions)
	}
}

// S5 — child dies during inspection (after separation, before uid read):
// inspector returns cleanly without crashing.
func TestInspectS5ChildDiesDuringInspection(t *testing.T) {
	childFP := procfs.Fingerprint{Dev: 2, Ino: 2}

	reg := registry.New()

	reader := newFakeReader()
	reader.ns[1100] = childFP
	reader.uidErr[1100] = procfs.ErrGone

	tr := tracer.NewFake()
	classifier := &fakeClassifier{target: true}
	hd := &fakeHideDaemon{}
	rec := &fakeRecorder{}

	in := NewWithReader(tr, reg, reader, classifier, hd, rec, nil, testConfig())

	done := make(chan struct{})
	go func() {
		in.Inspect(context.Background(), 1100, 1000)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Inspect did not return within the bound")
	}

	if len(hd.called) != 0 {
		t.Errorf("hide daemon must not be invoked for a child that died, got %v", hd.called)
	}
	if len(rec.decisions) != 1 || rec.decisions[0] != DecisionSkippedGone {
		t.Errorf("expected skipped_gone decision, got %v", rec.decisions)
	}
}

// Invariant 4/5: a child classified as a target whose namespace re-matches
// a spawner right before hand-off is resumed, never handed to the hide
// daemon.
func TestInspectReclassifiesNamespaceBeforeHandoff(t *testing.T) {
	spawnerFP := procfs.Fingerprint{Dev: 1, Ino: 1}
	childFP := procfs.Fingerprint{Dev: 2, Ino: 2}

	reg := registry.New()
	reg.Upsert(1000, spawnerFP)

	reader := newFakeReader()
	reader.ns[1100] = childFP
	reader.uid[1100] = 10050
	reader.cmdlines[1100] = []string{"com.example.target"}

	tr := tracer.NewFake()
	classifier := &fakeClassifier{target: true}
	hd := &fakeHideDaemon{}
	rec := &fakeRecorder{}

	// Simulate a spawner's fingerprint catching up to match the child's
	// exactly as classification finishes, racing the hand-off decision.
	classifier.mutate = func() { reg.Upsert(2000, childFP) }

	in := NewWithReader(tr, reg, reader, classifier, hd, rec, nil, testConfig())
	in.Inspect(context.Background(), 1100, 1000)

	if len(hd.called) != 0 {
		t.Errorf("hide daemon must not be called once the namespace re-matches a spawner, got %v", hd.called)
	}
	if !hasCall(tr.Calls, "kill(1100,18)") {
		t.Errorf("expected a resuming SIGCONT, got %v", tr.Calls)
	}
}

func TestExcludedCommandsAreSubstringMatched(t *testing.T) {
	in := &Inspector{cfg: testConfig()}
	if !in.excluded(10050, "/system/bin/spawner") {
		t.Error("cmdline containing the spawner name must be excluded")
	}
	if !in.excluded(0, "com.example.target") {
		t.Error("uid 0 must always be excluded")
	}
	if in.excluded(10050, "com.example.target") {
		t.Error("an ordinary app uid/cmdline must not be excluded")
	}
	if !strings.Contains("usap64", "usap64") {
		t.Fatal("sanity check failed")
	}
}
