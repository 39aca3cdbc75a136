package tele

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/go-maxine/maxscope/pkg/logflags"
)

// EventKind is the kind of a state transition reported by the target.
type EventKind uint8

const (
	// EventStopped reports that the target stopped: at a trigger, after a
	// single step or because it was paused.
	EventStopped EventKind = iota
	// EventRunning reports that the target resumed on its own.
	EventRunning
	// EventTerminated reports that the target process is gone.
	EventTerminated
	// EventGCStarted reports a stop at the start of a collection.
	EventGCStarted
	// EventGCCompleted reports a stop at the end of a collection.
	EventGCCompleted
)

func (k EventKind) String() string {
	switch k {
	case EventStopped:
		return "stopped"
	case EventRunning:
		return "running"
	case EventTerminated:
		return "terminated"
	case EventGCStarted:
		return "gc started"
	case EventGCCompleted:
		return "gc completed"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// ProcessEvent is a state transition of the target.
type ProcessEvent struct {
	Kind    EventKind
	Threads []ThreadInfo
	// Watchpoint is set if a watchpoint triggered.
	Watchpoint *WatchpointTrigger
}

// SessionConfig configures a Session.
type SessionConfig struct {
	Heap HeapConfig
	// WatchpointLimit caps the number of watchpoints below the platform
	// limit, zero means the platform limit.
	WatchpointLimit      int
	WatchpointRelocation RelocationMode
	// AutoResumeGC resumes the target after publishing the stops at the
	// boundaries of a collection.
	AutoResumeGC bool
}

// Session is the inspection of one target. It owns the heap manager, the
// code registry, the breakpoint and watchpoint managers and the history of
// states, and it is the only producer of states.
type Session struct {
	log    logflags.Logger
	target Target
	tables RuntimeTables
	info   TargetInfo
	cfg    SessionConfig

	gate    vmGate
	history *stateHistory

	heap        *HeapManager
	code        *CodeRegistry
	breakpoints *BreakpointManager
	watchpoints *WatchpointManager

	epoch          atomic.Uint64
	pauseRequested atomic.Bool
	lastGCStarted  uint64
	lastGCDone     uint64
}

// NewSession starts inspecting target, which must be stopped. The heap
// manager starts in the bootstrapped state, see Initialize.
func NewSession(target Target, tables RuntimeTables, cfg SessionConfig) (*Session, error) {
	info := target.Info()
	if info.WordSize != 4 && info.WordSize != 8 {
		return nil, fmt.Errorf("unsupported word size %d", info.WordSize)
	}
	s := &Session{
		log:     logflags.SessionLogger(),
		target:  target,
		tables:  tables,
		info:    info,
		cfg:     cfg,
		history: newStateHistory(),
		code:    newCodeRegistry(),
	}
	heap, err := newHeapManager(info, target, tables, s.code, cfg.Heap)
	if err != nil {
		return nil, err
	}
	s.heap = heap
	s.breakpoints = newBreakpointManager(s, target, s.code)
	s.watchpoints = newWatchpointManager(s, target, target, heap, cfg.WatchpointLimit, cfg.WatchpointRelocation)

	initial := s.history.next(&stateUpdate{
		processState:  Stopped,
		memoryRegions: s.memoryRegions(nil),
	})
	s.history.publish(initial)
	s.history.lastNotified = initial
	s.log.Debugf("session started: word size %d, heap scheme %s", info.WordSize, heap.Scheme().Name())
	return s, nil
}

// Initialize completes the initialization of the heap manager and reads
// the code table. Call it once the runtime's own tables can be read.
func (s *Session) Initialize() error {
	exit, err := s.enter("initialize")
	if err != nil {
		return err
	}
	defer exit()
	epoch := s.epoch.Load()
	heapErr := s.heap.Initialize(epoch)
	if !s.heap.IsInitialized() {
		return heapErr
	}
	s.lastGCStarted, s.lastGCDone = s.heap.GCCounts()
	if err := s.refreshCode(); err != nil {
		s.log.Warnf("code refresh: %v", err)
	}
	return heapErr
}

func (s *Session) refreshCode() error {
	units, err := s.tables.ReadCodeTable()
	if err != nil {
		return fmt.Errorf("could not read code table: %w", err)
	}
	return s.code.Refresh(units)
}

// State returns the current state.
func (s *Session) State() *VMState { return s.history.current.Load() }

// Info returns the static properties of the target.
func (s *Session) Info() TargetInfo { return s.info }

// Heap returns the heap manager.
func (s *Session) Heap() *HeapManager { return s.heap }

// Code returns the code registry.
func (s *Session) Code() *CodeRegistry { return s.code }

// Breakpoints returns the breakpoint manager.
func (s *Session) Breakpoints() *BreakpointManager { return s.breakpoints }

// Watchpoints returns the watchpoint manager.
func (s *Session) Watchpoints() *WatchpointManager { return s.watchpoints }

// Threads returns the threads of the current state.
func (s *Session) Threads() []*Thread { return s.State().Threads() }

// AddVMStateListener registers l to be notified of every new state.
func (s *Session) AddVMStateListener(l VMStateListener) { s.history.addListener(l) }

// RemoveVMStateListener unregisters l.
func (s *Session) RemoveVMStateListener(l VMStateListener) { s.history.removeListener(l) }

// WaitForState blocks until a state newer than after, in which the target
// is not running, is published.
func (s *Session) WaitForState(ctx context.Context, after *VMState) (*VMState, error) {
	return s.history.wait(ctx, after)
}

// enter implements commandGate: commands run only while the target is
// stopped.
func (s *Session) enter(request string) (func(), error) {
	return s.enterIn(request, Stopped)
}

func (s *Session) enterIn(request string, allowed ...ProcessState) (func(), error) {
	if !s.gate.tryAcquire() {
		s.log.Debugf("%s: gate held", request)
		return nil, ErrVMBusy
	}
	st := s.State().ProcessState()
	for _, a := range allowed {
		if st == a {
			return s.gate.release, nil
		}
	}
	s.gate.release()
	if st == Terminated || st == NoProcess {
		return nil, ErrProcessTerminated
	}
	s.log.Debugf("%s: process is %s", request, st)
	return nil, ErrVMBusy
}

// ReadMemory reads target memory. It fails with ErrVMBusy unless the
// target is stopped.
func (s *Session) ReadMemory(buf []byte, addr Address) (int, error) {
	if !s.gate.tryAcquireRead() {
		return 0, ErrVMBusy
	}
	defer s.gate.releaseRead()
	switch s.State().ProcessState() {
	case Stopped:
	case Terminated, NoProcess:
		return 0, ErrProcessTerminated
	default:
		return 0, ErrVMBusy
	}
	return s.target.ReadMemory(buf, addr)
}

// ReadWord reads a word of target memory.
func (s *Session) ReadWord(addr Address) (uint64, error) {
	return ReadWord(s, addr, s.info.WordSize)
}

func (s *Session) withReadGate(f func() error) error {
	if !s.gate.tryAcquireRead() {
		return ErrVMBusy
	}
	defer s.gate.releaseRead()
	if st := s.State().ProcessState(); st != Stopped {
		if st == Terminated {
			return ErrProcessTerminated
		}
		return ErrVMBusy
	}
	return f()
}

// FindObjectAt returns the object at origin.
func (s *Session) FindObjectAt(origin Address) (obj *Object, err error) {
	err = s.withReadGate(func() error {
		obj, err = s.heap.FindObjectAt(origin)
		return err
	})
	return obj, err
}

// IsValidOrigin returns true if origin is the origin of an object.
func (s *Session) IsValidOrigin(origin Address) bool {
	valid := false
	s.withReadGate(func() error {
		valid = s.heap.IsValidOrigin(origin)
		return nil
	})
	return valid
}

// memoryRegions lists the memory allocated in the target.
func (s *Session) memoryRegions(threads []*Thread) []MemoryRegion {
	var regions []MemoryRegion
	for _, hr := range s.heap.HeapRegions() {
		regions = append(regions, hr.Span())
	}
	for _, cc := range s.code.Compilations() {
		regions = append(regions, cc.Span())
	}
	for _, t := range threads {
		for _, child := range t.MemoryRegion().Children() {
			regions = append(regions, child.MemoryRegion)
		}
	}
	sort.SliceStable(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
	return regions
}

// HandleEvent ingests a state transition of the target and returns the
// published state. A stop with nothing to report, such as a breakpoint
// whose condition is false, resumes the target at once and the published
// state is a running one. Events that change nothing return nil.
//
// Refresh failures are logged, they never prevent the state from being
// published.
func (s *Session) HandleEvent(ev ProcessEvent) (*VMState, error) {
	s.gate.acquire()
	state, resume := s.ingestLocked(&ev)
	if state != nil {
		s.history.publish(state)
	}
	s.gate.release()
	if state == nil {
		return nil, nil
	}
	s.history.notify()
	if resume {
		if err := s.Resume(context.Background(), false); err != nil {
			s.log.Warnf("could not resume after %s: %v", ev.Kind, err)
		}
	}
	return state, nil
}

func (s *Session) ingestLocked(ev *ProcessEvent) (*VMState, bool) {
	prev := s.State()
	s.log.Debugf("event %s in %v", ev.Kind, prev)
	switch ev.Kind {
	case EventTerminated:
		if prev.ProcessState() == Terminated {
			return nil, false
		}
		return s.history.next(&stateUpdate{processState: Terminated, epoch: s.epoch.Load()}), false
	case EventRunning:
		if prev.ProcessState() == Terminated {
			return nil, false
		}
		if prev.ProcessState() != Running {
			s.epoch.Add(1)
		}
		return s.runningState(prev), false
	}
	if prev.ProcessState() == Terminated {
		s.log.Warnf("%s event after termination ignored", ev.Kind)
		return nil, false
	}

	epoch := s.epoch.Load()
	// collector status first, everything else depends on it
	if err := s.heap.Refresh(epoch); err != nil {
		s.log.Errorf("heap refresh: %v", err)
	}
	inGC := s.heap.IsInGC()
	if !inGC && s.heap.IsInitialized() {
		if err := s.refreshCode(); err != nil {
			s.log.Errorf("code refresh: %v", err)
		}
	}

	started, completed := s.heap.GCCounts()
	if started != s.lastGCStarted {
		s.watchpoints.gcStartedLocked()
	}
	if completed != s.lastGCDone {
		s.watchpoints.gcCompletedLocked()
	}
	s.lastGCStarted, s.lastGCDone = started, completed

	state := s.history.next(&stateUpdate{
		processState: Stopped,
		epoch:        epoch,
		threads:      ev.Threads,
		inGC:         inGC,
	})

	bc := s.breakpoints.correlate(state.threads)
	wev, wsilent := s.watchpoints.correlateLocked(ev.Watchpoint, state.threads)
	state.breakpointEvents = bc.events
	state.watchpointEvent = wev

	reasons, silent := bc.hits, bc.silent
	if ev.Watchpoint != nil {
		reasons++
		if wsilent {
			silent++
		}
	}
	if state.singleStepThread != nil {
		reasons++
	}
	if ev.Kind == EventStopped && reasons > 0 && reasons == silent && !s.pauseRequested.Load() {
		s.log.Debugf("nothing to report, resuming")
		err := s.target.Resume()
		if err == nil {
			s.epoch.Add(1)
			return s.runningState(prev), false
		}
		s.log.Errorf("could not resume: %v", err)
	}

	s.breakpoints.clearTransientLocked()
	s.watchpoints.refreshCachesLocked()
	s.pauseRequested.Store(false)

	state.memoryRegions = s.memoryRegions(state.threads)
	if prev != nil && sameRegions(prev.memoryRegions, state.memoryRegions) {
		state.memoryRegions = prev.memoryRegions
	}
	resume := s.cfg.AutoResumeGC && (ev.Kind == EventGCStarted || ev.Kind == EventGCCompleted)
	return state, resume
}

func (s *Session) runningState(prev *VMState) *VMState {
	infos := make([]ThreadInfo, 0, len(prev.Threads()))
	for _, t := range prev.Threads() {
		info := t.info
		info.State = ThreadRunning
		infos = append(infos, info)
	}
	return s.history.next(&stateUpdate{
		processState:  Running,
		epoch:         s.epoch.Load(),
		memoryRegions: prev.memoryRegions,
		threads:       infos,
		inGC:          prev.inGC,
	})
}

// execute runs a command that resumes the target and publishes the
// running state. With synchronous set it waits for the next stop.
func (s *Session) execute(ctx context.Context, request string, synchronous bool, f func() error) error {
	exit, err := s.enter(request)
	if err != nil {
		return err
	}
	if err := f(); err != nil {
		exit()
		return err
	}
	s.epoch.Add(1)
	running := s.runningState(s.State())
	s.history.publish(running)
	exit()
	s.history.notify()
	s.log.Debugf("%s: epoch %d", request, running.Epoch())
	if !synchronous {
		return nil
	}
	_, err = s.history.wait(ctx, running)
	return err
}

// Resume resumes all threads.
func (s *Session) Resume(ctx context.Context, synchronous bool) error {
	return s.execute(ctx, "resume", synchronous, s.target.Resume)
}

// SingleStep executes one instruction in thread.
func (s *Session) SingleStep(ctx context.Context, thread ThreadID, synchronous bool) error {
	return s.execute(ctx, "single step", synchronous, func() error {
		return s.target.SingleStep(thread)
	})
}

// StepOver executes one instruction in thread, running calls to
// completion.
func (s *Session) StepOver(ctx context.Context, thread ThreadID, synchronous bool) error {
	return s.execute(ctx, "step over", synchronous, func() error {
		return s.target.StepOver(thread)
	})
}

// RunToInstruction resumes the target until some thread reaches addr or
// it stops for any other reason.
func (s *Session) RunToInstruction(ctx context.Context, addr Address, synchronous bool) error {
	return s.execute(ctx, "run to instruction", synchronous, func() error {
		if _, err := s.breakpoints.setTransientLocked(addr); err != nil {
			return err
		}
		if err := s.target.Resume(); err != nil {
			s.breakpoints.clearTransientLocked()
			return err
		}
		return nil
	})
}

// Pause asks the running target to stop.
func (s *Session) Pause(ctx context.Context, synchronous bool) error {
	exit, err := s.enterIn("pause", Running)
	if err != nil {
		return err
	}
	current := s.State()
	s.pauseRequested.Store(true)
	if err := s.target.Pause(); err != nil {
		s.pauseRequested.Store(false)
		exit()
		return err
	}
	exit()
	if !synchronous {
		return nil
	}
	_, err = s.history.wait(ctx, current)
	return err
}

// Terminate kills the target.
func (s *Session) Terminate() error {
	exit, err := s.enterIn("terminate", Stopped, Running)
	if err != nil {
		return err
	}
	if err := s.target.Terminate(); err != nil {
		exit()
		return err
	}
	state := s.history.next(&stateUpdate{processState: Terminated, epoch: s.epoch.Load()})
	s.history.publish(state)
	exit()
	s.history.notify()
	return nil
}
