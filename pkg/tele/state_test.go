package tele_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-maxine/maxscope/pkg/tele"
)

func TestStateSequence(t *testing.T) {
	img, s := newTestSession(t, tele.SessionConfig{})
	rec := &stateRecorder{}
	s.AddVMStateListener(rec)

	initial := s.State()
	if initial.ProcessState() != tele.Stopped || initial.SerialID() != 0 || initial.Epoch() != 0 {
		t.Fatalf("initial state %v", initial)
	}

	stopped := stopAfterResume(t, img, s, tele.Suspended, 0xa000)
	if len(rec.states) != 2 {
		t.Fatalf("listener saw %d states", len(rec.states))
	}
	running := rec.states[0]
	if running.ProcessState() != tele.Running || running.Epoch() != 1 || running.Previous() != initial {
		t.Errorf("wrong running state %v", running)
	}
	if rec.states[1] != stopped || stopped.Previous() != running {
		t.Errorf("states delivered out of order")
	}
	for i, st := range stopped.History(10) {
		if want := uint64(2 - i); st.SerialID() != want {
			t.Errorf("History[%d] = %v", i, st)
		}
	}
	if !stopped.NewerThan(running) || running.NewerThan(stopped) || !initial.NewerThan(nil) {
		t.Errorf("NewerThan wrong")
	}

	main := stopped.FindThread(1)
	if main == nil || main.Name() != "main" || main.State() != tele.Suspended {
		t.Fatalf("main thread %v", main)
	}
	if started := stopped.ThreadsStarted(); len(started) != 1 || started[0] != main {
		t.Errorf("ThreadsStarted = %v", started)
	}
	if main.Stack().Name != "stack-1" {
		t.Errorf("default stack name %q", main.Stack().Name)
	}
	if !stopped.MemoryRegionsChanged() {
		t.Errorf("thread regions not reported")
	}
	found := false
	for _, r := range stopped.MemoryRegions() {
		if r.SameAs(mainStack) {
			found = true
		}
	}
	if !found {
		t.Errorf("stack missing from %v", stopped.MemoryRegions())
	}

	// the same stop again shares everything with the previous snapshot
	again := deliver(t, img, s, tele.ProcessEvent{Kind: tele.EventStopped, Threads: []tele.ThreadInfo{mainThread(tele.Suspended, 0xa000)}})
	if again.ThreadsChanged() || again.MemoryRegionsChanged() {
		t.Errorf("unchanged stop reported changes")
	}
	if again.FindThread(1) != main {
		t.Errorf("unchanged thread rebuilt")
	}
}

func TestThreadsStartedAndDied(t *testing.T) {
	img, s := newTestSession(t, tele.SessionConfig{})
	worker := tele.ThreadInfo{ID: 2, Name: "worker", State: tele.Suspended}

	resume(t, s)
	st := deliver(t, img, s, tele.ProcessEvent{Kind: tele.EventStopped, Threads: []tele.ThreadInfo{worker, mainThread(tele.Suspended, 0xa000)}})
	threads := st.Threads()
	if len(threads) != 2 || threads[0].ID() != 1 || threads[1].ID() != 2 {
		t.Fatalf("threads not sorted by id: %v", threads)
	}

	stopped := stopAfterResume(t, img, s, tele.Suspended, 0xa008)
	if died := stopped.ThreadsDied(); len(died) != 1 || died[0].ID() != 2 {
		t.Errorf("ThreadsDied = %v", died)
	}
	if len(stopped.ThreadsStarted()) != 0 {
		t.Errorf("ThreadsStarted = %v", stopped.ThreadsStarted())
	}
	if stopped.FindThread(2) != nil {
		t.Errorf("dead thread found")
	}
	if stopped.FindThread(1).IP() != 0xa008 {
		t.Errorf("thread not updated")
	}
}

func TestThreadRegisters(t *testing.T) {
	img, s := newTestSession(t, tele.SessionConfig{})
	info := mainThread(tele.Suspended, 0xa000)
	info.Registers = tele.Registers{Integer: []uint64{1, 2, 3}, State: 0x246, SP: 0x9080, FP: 0x90a0}
	stop := func(info tele.ThreadInfo) *tele.VMState {
		return deliver(t, img, s, tele.ProcessEvent{Kind: tele.EventStopped, Threads: []tele.ThreadInfo{info}})
	}

	resume(t, s)
	first := stop(info)
	main := first.FindThread(1)
	regs := main.Registers()
	if regs.SP != 0x9080 || regs.FP != 0x90a0 || regs.State != 0x246 || len(regs.Integer) != 3 || regs.Integer[2] != 3 {
		t.Fatalf("registers %+v", regs)
	}
	regs.Integer[0] = 42
	info.Registers.Integer[1] = 42
	if got := main.Registers().Integer; got[0] != 1 || got[1] != 2 {
		t.Errorf("thread registers shared with the caller: %v", got)
	}

	info.Registers.Integer[1] = 2
	if again := stop(info); again.ThreadsChanged() || again.FindThread(1) != main {
		t.Errorf("unchanged registers rebuilt the thread")
	}

	for _, tc := range []struct {
		name string
		regs tele.Registers
	}{
		{"integer", tele.Registers{Integer: []uint64{1, 2, 4}, State: 0x246, SP: 0x9080, FP: 0x90a0}},
		{"count", tele.Registers{Integer: []uint64{1, 2}, State: 0x246, SP: 0x9080, FP: 0x90a0}},
		{"state", tele.Registers{Integer: []uint64{1, 2, 3}, State: 0x202, SP: 0x9080, FP: 0x90a0}},
		{"sp", tele.Registers{Integer: []uint64{1, 2, 3}, State: 0x246, SP: 0x9078, FP: 0x90a0}},
		{"fp", tele.Registers{Integer: []uint64{1, 2, 3}, State: 0x246, SP: 0x9080, FP: 0x9090}},
	} {
		changed := info
		changed.Registers = tc.regs
		st := stop(changed)
		if !st.ThreadsChanged() || st.FindThread(1) == main {
			t.Errorf("%s: register change not detected", tc.name)
		}
		main = stop(info).FindThread(1)
	}
}

func TestSingleStepThread(t *testing.T) {
	img, s := newTestSession(t, tele.SessionConfig{})
	if err := s.SingleStep(context.Background(), 1, false); err != nil {
		t.Fatal(err)
	}
	if reqs := img.Requests(); reqs[len(reqs)-1] != "step 1" {
		t.Errorf("requests %v", reqs)
	}
	st := deliver(t, img, s, tele.ProcessEvent{Kind: tele.EventStopped, Threads: []tele.ThreadInfo{mainThread(tele.SingleStepped, 0xa004)}})
	if st.ProcessState() != tele.Stopped {
		t.Fatalf("single step stop resumed: %v", st)
	}
	if th := st.SingleStepThread(); th == nil || th.ID() != 1 {
		t.Errorf("SingleStepThread = %v", th)
	}
}

// resumer stops the target again, from another goroutine, whenever it
// is told the target is running.
type resumer struct {
	img  interface{ SetState(tele.ProcessState) }
	s    *tele.Session
	errs chan error
}

func (r *resumer) StateChanged(state *tele.VMState) {
	if state.ProcessState() != tele.Running {
		return
	}
	go func() {
		r.img.SetState(tele.Stopped)
		_, err := r.s.HandleEvent(tele.ProcessEvent{Kind: tele.EventStopped, Threads: []tele.ThreadInfo{mainThread(tele.Suspended, 0xa010)}})
		r.errs <- err
	}()
}

func TestSynchronousResume(t *testing.T) {
	img, s := newTestSession(t, tele.SessionConfig{})
	r := &resumer{img: img, s: s, errs: make(chan error, 1)}
	s.AddVMStateListener(r)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Resume(ctx, true); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := <-r.errs; err != nil {
		t.Fatal(err)
	}
	st := s.State()
	if st.ProcessState() != tele.Stopped || st.FindThread(1).IP() != 0xa010 {
		t.Errorf("Resume returned before the stop: %v", st)
	}
	s.RemoveVMStateListener(r)
}

func TestWaitForStateCanceled(t *testing.T) {
	_, s := newTestSession(t, tele.SessionConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.WaitForState(ctx, s.State()); err != context.Canceled {
		t.Errorf("WaitForState: %v", err)
	}
	if st, err := s.WaitForState(context.Background(), nil); err != nil || st != s.State() {
		t.Errorf("WaitForState(nil) = %v, %v", st, err)
	}
}
