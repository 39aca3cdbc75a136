package tele_test

import (
	"context"
	"testing"

	"github.com/go-maxine/maxscope/pkg/tele"
	"github.com/go-maxine/maxscope/pkg/tele/image"
)

// The test image has 8 byte words and the hub at offset 0.
//
//	0x1000  hub of hubs, its own hub
//	0x1020  hub of plain objects, size 24
//	0x1040  object, field at +16 = 0x2a
//	0x5000  semispace A, from-space
//	0x6000  semispace B, to-space, allocated up to 0x6800
//	0x6000  object, field at +16 = 0x2a
//	0xa000  Foo.bar()V compiled, position 3 at 0xa010
const testScenario = `
word-size: 8
heap-scheme: semispace
watchpoint-limit: 4
boot-heap: {name: boot, start: 0x1000, size: 0x1000}
memory:
  - start: 0x1000
    words: [0x1000, 0, 0, 0, 0x1000, 0, 0, 0, 0x1020, 0, 0x2a]
    size: 0x1000
  - start: 0x5000
    size: 0x1000
  - start: 0x6000
    words: [0x1020, 0, 0x2a]
    size: 0x1000
  - start: 0xa000
    size: 0x200
  - start: 0x9000
    size: 0x200
heap:
  dynamic:
    - {id: 1, name: A, start: 0x5000, size: 0x1000, space: from}
    - {id: 2, name: B, start: 0x6000, size: 0x1000, mark: 0x6800, space: to}
code:
  - {holder: Foo, method: bar, signature: "()V", start: 0xa000, size: 0x100, positions: {3: 0xa010}}
object-sizes:
  - {hub: 0x1000, size: 32}
  - {hub: 0x1020, size: 24}
`

var (
	fooBar    = tele.MethodKey{Holder: "Foo", Name: "bar", Signature: "()V"}
	mainStack = tele.NewMemoryRegion("", 0x9000, 0x100)
	mainLocal = tele.NewMemoryRegion("", 0x9100, 0x100)
)

func newTestImage(t *testing.T) *image.Image {
	t.Helper()
	sc, err := image.ParseScenario([]byte(testScenario))
	if err != nil {
		t.Fatal(err)
	}
	img, err := image.New(sc)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

// newTestSession returns an initialized session on the test image.
func newTestSession(t *testing.T, cfg tele.SessionConfig) (*image.Image, *tele.Session) {
	t.Helper()
	img := newTestImage(t)
	s, err := tele.NewSession(img, img, cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return img, s
}

func mainThread(state tele.ThreadState, ip tele.Address) tele.ThreadInfo {
	return tele.ThreadInfo{ID: 1, Name: "main", State: state, IP: ip, Stack: mainStack, Locals: mainLocal}
}

// resume resumes the target and fails the test on error.
func resume(t *testing.T, s *tele.Session) {
	t.Helper()
	if err := s.Resume(context.Background(), false); err != nil {
		t.Fatalf("Resume: %v", err)
	}
}

// deliver makes the image stop and hands ev to the session.
func deliver(t *testing.T, img *image.Image, s *tele.Session, ev tele.ProcessEvent) *tele.VMState {
	t.Helper()
	img.SetState(tele.Stopped)
	state, err := s.HandleEvent(ev)
	if err != nil {
		t.Fatalf("HandleEvent(%v): %v", ev.Kind, err)
	}
	return state
}

// stopAfterResume resumes the target and delivers a stop of the main
// thread.
func stopAfterResume(t *testing.T, img *image.Image, s *tele.Session, state tele.ThreadState, ip tele.Address) *tele.VMState {
	t.Helper()
	resume(t, s)
	return deliver(t, img, s, tele.ProcessEvent{Kind: tele.EventStopped, Threads: []tele.ThreadInfo{mainThread(state, ip)}})
}

// semispaceHeap returns the heap table of the test image with the roles
// of the two semispaces as given.
func semispaceHeap(started, completed uint64, aSpace, bSpace tele.SpaceRole, aMark, bMark tele.Address) *tele.HeapInfo {
	return &tele.HeapInfo{
		GCStarted:   started,
		GCCompleted: completed,
		Boot:        tele.RegionDescriptor{Name: "boot", Start: 0x1000, Size: 0x1000},
		Dynamic: []tele.RegionDescriptor{
			{ID: 1, Name: "A", Start: 0x5000, Size: 0x1000, Mark: aMark, Space: aSpace},
			{ID: 2, Name: "B", Start: 0x6000, Size: 0x1000, Mark: bMark, Space: bSpace},
		},
	}
}

// collect runs a collection that moves the object at 0x6000 to 0x5000,
// stopping at its start and at its end.
func collect(t *testing.T, img *image.Image, s *tele.Session) {
	t.Helper()
	resume(t, s)
	img.SetHeap(semispaceHeap(1, 0, tele.ToSpace, tele.FromSpace, 0x5018, 0x6800))
	deliver(t, img, s, tele.ProcessEvent{Kind: tele.EventGCStarted, Threads: []tele.ThreadInfo{mainThread(tele.Suspended, 0xa000)}})
	if !s.Heap().IsInGC() {
		t.Fatalf("collection not detected")
	}

	resume(t, s)
	copyObject(t, img)
	img.SetHeap(semispaceHeap(1, 1, tele.ToSpace, tele.FromSpace, 0x5018, 0x6800))
	deliver(t, img, s, tele.ProcessEvent{Kind: tele.EventGCCompleted, Threads: []tele.ThreadInfo{mainThread(tele.Suspended, 0xa000)}})
	if s.Heap().IsInGC() {
		t.Fatalf("collection did not complete")
	}
}

// copyObject copies the object at 0x6000 to 0x5000 and leaves a
// forwarding pointer behind.
func copyObject(t *testing.T, img *image.Image) {
	t.Helper()
	for i, w := range []uint64{0x1020, 0, 0x2a} {
		if err := tele.WriteWord(img, tele.Address(0x5000+8*i), 8, w); err != nil {
			t.Fatal(err)
		}
	}
	if err := tele.WriteWord(img, 0x6000, 8, 0x5000|1); err != nil {
		t.Fatal(err)
	}
}

type stateRecorder struct {
	states []*tele.VMState
}

func (r *stateRecorder) StateChanged(state *tele.VMState) {
	r.states = append(r.states, state)
}
