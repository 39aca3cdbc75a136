package tele

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-maxine/maxscope/pkg/logflags"
)

// ProcessState is the execution state of the target process.
type ProcessState uint8

const (
	NoProcess ProcessState = iota
	Stopped
	Running
	Terminated
	UnknownState
)

func (s ProcessState) String() string {
	switch s {
	case NoProcess:
		return "no process"
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// VMState is an immutable snapshot of the externally observable state of
// the target, taken at one state transition. Snapshots form a chain
// through Previous that ends at the first snapshot.
//
// Slices that did not change since the previous snapshot are shared with
// it, ThreadsChanged and MemoryRegionsChanged detect changes by identity.
type VMState struct {
	processState     ProcessState
	serialID         uint64
	epoch            uint64
	memoryRegions    []MemoryRegion
	threads          []*Thread
	singleStepThread *Thread
	threadsStarted   []*Thread
	threadsDied      []*Thread
	breakpointEvents []*BreakpointEvent
	watchpointEvent  *WatchpointEvent
	inGC             bool
	previous         *VMState
}

func (s *VMState) ProcessState() ProcessState { return s.processState }

// SerialID is 0 for the first snapshot and grows by one with each
// following snapshot.
func (s *VMState) SerialID() uint64 { return s.serialID }

// Epoch counts how many times execution of the target was resumed before
// this snapshot was taken.
func (s *VMState) Epoch() uint64 { return s.epoch }

// MemoryRegions returns the regions allocated in the target: heap regions,
// compiled code, thread stacks and thread locals.
func (s *VMState) MemoryRegions() []MemoryRegion { return s.memoryRegions }

// Threads returns the live threads, ordered by id.
func (s *VMState) Threads() []*Thread { return s.threads }

// SingleStepThread returns the thread that just completed a single step,
// or nil.
func (s *VMState) SingleStepThread() *Thread { return s.singleStepThread }

// ThreadsStarted returns the threads first seen in this snapshot.
func (s *VMState) ThreadsStarted() []*Thread { return s.threadsStarted }

// ThreadsDied returns the threads of the previous snapshot no longer
// present in this one.
func (s *VMState) ThreadsDied() []*Thread { return s.threadsDied }

// BreakpointEvents returns the client breakpoints hit at this stop.
func (s *VMState) BreakpointEvents() []*BreakpointEvent { return s.breakpointEvents }

// WatchpointEvent returns the watchpoint triggered at this stop, or nil.
func (s *VMState) WatchpointEvent() *WatchpointEvent { return s.watchpointEvent }

// IsInGC returns true if a collection was in progress.
func (s *VMState) IsInGC() bool { return s.inGC }

// Previous returns the preceding snapshot, nil for the first one.
func (s *VMState) Previous() *VMState { return s.previous }

// NewerThan returns true if other is nil or precedes s.
func (s *VMState) NewerThan(other *VMState) bool {
	return other == nil || s.serialID > other.serialID
}

// FindThread returns the thread with the given id, or nil.
func (s *VMState) FindThread(id ThreadID) *Thread {
	for _, t := range s.threads {
		if t.ID() == id {
			return t
		}
	}
	return nil
}

// ThreadsChanged returns true if the thread list differs from the one of
// the previous snapshot.
func (s *VMState) ThreadsChanged() bool {
	return s.previous == nil || !sameSlice(s.threads, s.previous.threads)
}

// MemoryRegionsChanged returns true if the region list differs from the one
// of the previous snapshot.
func (s *VMState) MemoryRegionsChanged() bool {
	return s.previous == nil || !sameSlice(s.memoryRegions, s.previous.memoryRegions)
}

// History returns up to n snapshots, s first, following Previous.
func (s *VMState) History(n int) []*VMState {
	var states []*VMState
	for cur := s; cur != nil && len(states) < n; cur = cur.previous {
		states = append(states, cur)
	}
	return states
}

func (s *VMState) String() string {
	return fmt.Sprintf("VMState#%d(%s, epoch=%d, threads=%d, gc=%v)", s.serialID, s.processState, s.epoch, len(s.threads), s.inGC)
}

func sameSlice[T any](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}

// VMStateListener is notified of every published snapshot.
//
// Listeners run synchronously on the ingestion path, they must return
// promptly and must not wait for a later snapshot.
type VMStateListener interface {
	StateChanged(state *VMState)
}

// stateHistory publishes snapshots and notifies listeners.
type stateHistory struct {
	log     logflags.Logger
	current atomic.Pointer[VMState]

	mu        sync.Mutex
	listeners []VMStateListener
	changed   chan struct{}

	notifyMu     sync.Mutex
	lastNotified *VMState
}

func newStateHistory() *stateHistory {
	return &stateHistory{log: logflags.StateLogger(), changed: make(chan struct{})}
}

func (h *stateHistory) addListener(l VMStateListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

func (h *stateHistory) removeListener(l VMStateListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	listeners := make([]VMStateListener, 0, len(h.listeners))
	for _, other := range h.listeners {
		if other != l {
			listeners = append(listeners, other)
		}
	}
	h.listeners = listeners
}

// stateUpdate holds what the ingestion path determined about a
// transition; the history fills in the rest.
type stateUpdate struct {
	processState     ProcessState
	epoch            uint64
	memoryRegions    []MemoryRegion
	threads          []ThreadInfo
	breakpointEvents []*BreakpointEvent
	watchpointEvent  *WatchpointEvent
	inGC             bool
}

// next builds, but does not publish, the snapshot following the current
// one.
func (h *stateHistory) next(u *stateUpdate) *VMState {
	prev := h.current.Load()
	s := &VMState{
		processState:     u.processState,
		epoch:            u.epoch,
		breakpointEvents: u.breakpointEvents,
		watchpointEvent:  u.watchpointEvent,
		inGC:             u.inGC,
		previous:         prev,
	}
	var prevThreads []*Thread
	var prevRegions []MemoryRegion
	if prev != nil {
		s.serialID = prev.serialID + 1
		prevThreads = prev.threads
		prevRegions = prev.memoryRegions
		if u.epoch < prev.epoch {
			panic(fmt.Sprintf("epoch went backwards: %d after %d", u.epoch, prev.epoch))
		}
	}
	s.threads, s.threadsStarted, s.threadsDied = diffThreads(prevThreads, u.threads)
	for _, t := range s.threads {
		if t.State() == SingleStepped {
			s.singleStepThread = t
			break
		}
	}
	s.memoryRegions = u.memoryRegions
	if sameRegions(prevRegions, u.memoryRegions) {
		s.memoryRegions = prevRegions
	}
	return s
}

func sameRegions(a, b []MemoryRegion) bool {
	if a == nil || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// publish makes s the current snapshot and wakes up waiters. Listeners
// are notified separately, by notify, so that they run without the
// session's gate.
func (h *stateHistory) publish(s *VMState) {
	h.current.Store(s)
	h.mu.Lock()
	close(h.changed)
	h.changed = make(chan struct{})
	h.mu.Unlock()
	h.log.Debugf("published %v", s)
}

// notify delivers every snapshot published since the last call, oldest
// first. Concurrent callers are serialized, so each snapshot is delivered
// once and in serial order whichever caller gets there first.
func (h *stateHistory) notify() {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()
	cur := h.current.Load()
	var pending []*VMState
	for s := cur; s != nil && s != h.lastNotified; s = s.previous {
		pending = append(pending, s)
	}
	h.lastNotified = cur
	h.mu.Lock()
	listeners := h.listeners
	h.mu.Unlock()
	for i := len(pending) - 1; i >= 0; i-- {
		for _, l := range listeners {
			l.StateChanged(pending[i])
		}
	}
}

// wait blocks until a snapshot newer than after, not in the running state,
// is published.
func (h *stateHistory) wait(ctx context.Context, after *VMState) (*VMState, error) {
	for {
		h.mu.Lock()
		ch := h.changed
		h.mu.Unlock()
		if cur := h.current.Load(); cur != nil && cur.NewerThan(after) && cur.processState != Running {
			return cur, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
