//go:build linux && (amd64 || arm64 || 386)

package native

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	sys "golang.org/x/sys/unix"

	"github.com/go-maxine/maxscope/pkg/logflags"
	"github.com/go-maxine/maxscope/pkg/tele"
)

var errThreadGone = errors.New("thread exited")

type nativeThread struct {
	tid         int
	running     bool
	interrupted bool
	// fresh threads were cloned while the process ran and have not
	// reported their first stop yet.
	fresh bool
	state tele.ThreadState
	pc    uint64
}

// Process is a tele.Target backed by a live Linux process traced with
// ptrace(2). Memory is accessed through /proc/<pid>/mem and breakpoints
// are trap instructions patched into the code. Hardware watchpoints are
// not supported, the watchpoint limit is zero.
type Process struct {
	log  logflags.Logger
	pid  int
	info tele.TargetInfo
	mem  *os.File

	ptraceChan     chan func()
	ptraceDoneChan chan struct{}

	mu      sync.Mutex
	resumed *sync.Cond
	state   tele.ProcessState
	threads map[int]*nativeThread
	// breakpoints maps installed breakpoints to the code they replace.
	breakpoints map[tele.Address][]byte
	stepping    int
	// reinsert is the breakpoint the stepping thread was moved off.
	reinsert tele.Address
	stopping bool
	killed   bool
	exited   bool
}

// Attach stops every thread of process pid and starts tracing it. The
// target properties that can not be read from the process itself, such as
// the heap scheme, come from info.
func Attach(pid int, info tele.TargetInfo) (*Process, error) {
	if info.WordSize == 0 {
		info.WordSize = strconv.IntSize / 8
	}
	p := &Process{
		log:            logflags.NativeLogger().WithField("pid", pid),
		pid:            pid,
		info:           info,
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan struct{}),
		threads:        make(map[int]*nativeThread),
		breakpoints:    make(map[tele.Address][]byte),
	}
	p.resumed = sync.NewCond(&p.mu)
	go p.handlePtraceFuncs()

	// threads may be created while attaching, list them until no new one
	// shows up
	for pass := 0; ; pass++ {
		tids, err := listThreads(pid)
		if err != nil {
			p.abandon()
			return nil, err
		}
		added := 0
		for _, tid := range tids {
			if _, ok := p.threads[tid]; ok {
				continue
			}
			err := p.attachThread(tid, pass > 0)
			if err == errThreadGone {
				continue
			}
			if err != nil {
				p.abandon()
				return nil, err
			}
			added++
		}
		if added == 0 {
			break
		}
	}
	if len(p.threads) == 0 {
		p.abandon()
		return nil, fmt.Errorf("could not attach to pid %d: no threads", pid)
	}

	mem, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDWR, 0)
	if err != nil {
		p.abandon()
		return nil, err
	}
	p.mem = mem
	p.state = tele.Stopped
	p.log.Debugf("attached, %d threads", len(p.threads))
	return p, nil
}

func listThreads(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, fmt.Errorf("could not list threads of %d: %w", pid, err)
	}
	var tids []int
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids, nil
}

// attachThread seizes tid and waits for it to stop. Threads found on a
// later pass may have been attached already by the clone tracing option.
func (p *Process) attachThread(tid int, mayBeTraced bool) error {
	var err error
	p.execPtraceFunc(func() { err = ptraceSeize(tid, sys.PTRACE_O_TRACECLONE) })
	switch {
	case err == sys.ESRCH:
		return errThreadGone
	case err == sys.EPERM && mayBeTraced:
		// cloned by a seized thread, it stops on its own
	case err != nil:
		return &tele.OSExecutionRequestError{Request: fmt.Sprintf("attach to thread %d", tid), Err: err}
	default:
		p.execPtraceFunc(func() { err = ptraceInterrupt(tid) })
		if err != nil {
			return &tele.OSExecutionRequestError{Request: fmt.Sprintf("stop thread %d", tid), Err: err}
		}
	}
	for {
		var ws sys.WaitStatus
		wpid, err := sys.Wait4(tid, &ws, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return &tele.OSExecutionRequestError{Request: fmt.Sprintf("wait for thread %d", tid), Err: err}
		}
		if wpid != tid {
			continue
		}
		if ws.Exited() || ws.Signaled() {
			return errThreadGone
		}
		if !ws.Stopped() {
			continue
		}
		if stopEvent(ws) == sys.PTRACE_EVENT_STOP {
			break
		}
		// a signal arrived before the interrupt, deliver it and stop again
		p.execPtraceFunc(func() { err = ptraceCont(tid, int(ws.StopSignal())) })
		if err == nil {
			p.execPtraceFunc(func() { err = ptraceInterrupt(tid) })
		}
		if err != nil {
			return errThreadGone
		}
	}
	p.threads[tid] = &nativeThread{tid: tid, state: tele.Suspended}
	return nil
}

// abandon gives up a failed attach.
func (p *Process) abandon() {
	for tid := range p.threads {
		tid := tid
		p.execPtraceFunc(func() { ptraceDetach(tid, 0) })
	}
	p.exited = true
	close(p.ptraceChan)
}

func (p *Process) handlePtraceFuncs() {
	// ptrace(2) requests must come from the thread that attached.
	runtime.LockOSThread()

	for fn := range p.ptraceChan {
		fn()
		p.ptraceDoneChan <- struct{}{}
	}
}

func (p *Process) execPtraceFunc(fn func()) {
	p.ptraceChan <- fn
	<-p.ptraceDoneChan
}

// Pid returns the process ID.
func (p *Process) Pid() int { return p.pid }

func (p *Process) Info() tele.TargetInfo { return p.info }

func (p *Process) ReadMemory(buf []byte, addr tele.Address) (int, error) {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited {
		return 0, tele.ErrProcessTerminated
	}
	return sys.Pread(int(p.mem.Fd()), buf, int64(addr))
}

func (p *Process) WriteMemory(addr tele.Address, data []byte) (int, error) {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited {
		return 0, tele.ErrProcessTerminated
	}
	return sys.Pwrite(int(p.mem.Fd()), data, int64(addr))
}

func (p *Process) writeCodeLocked(addr tele.Address, data []byte) error {
	n, err := sys.Pwrite(int(p.mem.Fd()), data, int64(addr))
	if err == nil && n != len(data) {
		err = fmt.Errorf("short write of %d bytes", n)
	}
	if err != nil {
		return &tele.DataIOError{Addr: addr, Size: len(data), Err: err}
	}
	return nil
}

// contLocked resumes t, delivering sig. While all threads are being
// stopped a resumed thread is interrupted again right away.
func (p *Process) contLocked(t *nativeThread, sig int) error {
	var err error
	p.execPtraceFunc(func() { err = ptraceCont(t.tid, sig) })
	if err != nil {
		return err
	}
	t.running = true
	t.interrupted = false
	t.state = tele.ThreadRunning
	if p.stopping {
		p.interruptLocked(t)
	}
	return nil
}

func (p *Process) interruptLocked(t *nativeThread) {
	if !t.running || t.interrupted {
		return
	}
	var err error
	p.execPtraceFunc(func() { err = ptraceInterrupt(t.tid) })
	if err != nil {
		p.log.Debugf("could not interrupt thread %d: %v", t.tid, err)
		return
	}
	t.interrupted = true
}

// stepOffBreakpointLocked moves a thread stopped at a breakpoint past the
// trap instruction by executing the original instruction.
func (p *Process) stepOffBreakpointLocked(t *nativeThread) error {
	addr := tele.Address(t.pc)
	orig, ok := p.breakpoints[addr]
	if !ok {
		return nil
	}
	if err := p.writeCodeLocked(addr, orig); err != nil {
		return err
	}
	var err error
	p.execPtraceFunc(func() { err = ptraceSingleStep(t.tid) })
	if err != nil {
		return &tele.OSExecutionRequestError{Request: fmt.Sprintf("step thread %d off breakpoint", t.tid), Err: err}
	}
	for {
		var ws sys.WaitStatus
		wpid, err := sys.Wait4(t.tid, &ws, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return &tele.OSExecutionRequestError{Request: fmt.Sprintf("step thread %d off breakpoint", t.tid), Err: err}
		}
		if wpid == t.tid && (ws.Stopped() || ws.Exited() || ws.Signaled()) {
			break
		}
	}
	return p.writeCodeLocked(addr, trapInstruction())
}

func (p *Process) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != tele.Stopped {
		return &tele.InvalidStateRequestError{Request: "resume", State: p.state}
	}
	for _, t := range p.threads {
		if t.state == tele.AtBreakpoint {
			if err := p.stepOffBreakpointLocked(t); err != nil {
				return err
			}
		}
	}
	for _, t := range p.threads {
		if err := p.contLocked(t, 0); err != nil {
			return &tele.OSExecutionRequestError{Request: "resume", Err: err}
		}
	}
	p.state = tele.Running
	p.resumed.Broadcast()
	return nil
}

func (p *Process) SingleStep(thread tele.ThreadID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	request := fmt.Sprintf("single step thread %d", thread)
	if p.state != tele.Stopped {
		return &tele.InvalidStateRequestError{Request: request, State: p.state}
	}
	t := p.threads[int(thread)]
	if t == nil {
		return &tele.OSExecutionRequestError{Request: request, Err: fmt.Errorf("no thread %d", thread)}
	}
	if t.state == tele.AtBreakpoint {
		if orig, ok := p.breakpoints[tele.Address(t.pc)]; ok {
			if err := p.writeCodeLocked(tele.Address(t.pc), orig); err != nil {
				return err
			}
			p.reinsert = tele.Address(t.pc)
		}
	}
	var err error
	p.execPtraceFunc(func() { err = ptraceSingleStep(t.tid) })
	if err != nil {
		return &tele.OSExecutionRequestError{Request: request, Err: err}
	}
	t.running = true
	t.state = tele.ThreadRunning
	p.stepping = t.tid
	p.state = tele.Running
	p.resumed.Broadcast()
	return nil
}

// StepOver needs to decode the instruction at the program counter, which
// the native target can not do.
func (p *Process) StepOver(thread tele.ThreadID) error {
	return &tele.OSExecutionRequestError{Request: fmt.Sprintf("step over thread %d", thread), Err: errors.New("not supported by the native target")}
}

func (p *Process) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != tele.Running {
		return &tele.InvalidStateRequestError{Request: "pause", State: p.state}
	}
	for _, t := range p.threads {
		p.interruptLocked(t)
	}
	return nil
}

func (p *Process) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited || p.killed {
		return &tele.InvalidStateRequestError{Request: "terminate", State: tele.Terminated}
	}
	if err := sys.Kill(p.pid, sys.SIGKILL); err != nil {
		return &tele.OSExecutionRequestError{Request: "terminate", Err: err}
	}
	p.killed = true
	p.resumed.Broadcast()
	return nil
}

// Detach removes all breakpoints and lets the process run untraced.
func (p *Process) Detach() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return nil
	}
	if p.state != tele.Stopped {
		return &tele.InvalidStateRequestError{Request: "detach", State: p.state}
	}
	var errs []error
	for addr, orig := range p.breakpoints {
		if err := p.writeCodeLocked(addr, orig); err != nil {
			errs = append(errs, err)
		}
	}
	p.breakpoints = make(map[tele.Address][]byte)
	for _, t := range p.threads {
		t := t
		var err error
		p.execPtraceFunc(func() { err = ptraceDetach(t.tid, 0) })
		if err != nil && err != sys.ESRCH {
			errs = append(errs, fmt.Errorf("detach thread %d: %w", t.tid, err))
		}
	}
	p.postExitLocked()
	return errors.Join(errs...)
}

func (p *Process) postExitLocked() {
	if p.exited {
		return
	}
	p.exited = true
	p.state = tele.Terminated
	close(p.ptraceChan)
	if p.mem != nil {
		p.mem.Close()
	}
	p.resumed.Broadcast()
}

func (p *Process) InstallBreakpoint(addr tele.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return tele.ErrProcessTerminated
	}
	if _, ok := p.breakpoints[addr]; ok {
		return nil
	}
	trap := trapInstruction()
	orig := make([]byte, len(trap))
	if _, err := sys.Pread(int(p.mem.Fd()), orig, int64(addr)); err != nil {
		return &tele.DataIOError{Addr: addr, Size: len(orig), Err: err}
	}
	if err := p.writeCodeLocked(addr, trap); err != nil {
		return err
	}
	p.breakpoints[addr] = orig
	p.log.Debugf("installed breakpoint at %#x", uint64(addr))
	return nil
}

func (p *Process) RemoveBreakpoint(addr tele.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	orig, ok := p.breakpoints[addr]
	if !ok {
		return nil
	}
	delete(p.breakpoints, addr)
	if p.exited {
		return nil
	}
	if p.reinsert == addr {
		p.reinsert = 0
	}
	p.log.Debugf("removed breakpoint at %#x", uint64(addr))
	return p.writeCodeLocked(addr, orig)
}

func (p *Process) ActivateWatchpoint(region tele.MemoryRegion, settings tele.WatchpointSettings) error {
	return &tele.OSExecutionRequestError{Request: fmt.Sprintf("activate watchpoint at %#x", uint64(region.Start)), Err: errors.New("hardware watchpoints are not supported by the native target")}
}

func (p *Process) DeactivateWatchpoint(region tele.MemoryRegion) error {
	return nil
}

func (p *Process) WatchpointLimit() int { return 0 }

// Wait blocks until the process stops or terminates after a resume, step
// or terminate request. The returned event is meant for
// Session.HandleEvent. Once a thread stops every other thread is stopped
// too.
func (p *Process) Wait() (tele.ProcessEvent, error) {
	p.mu.Lock()
	for p.state == tele.Stopped && !p.killed {
		p.resumed.Wait()
	}
	if p.exited {
		p.mu.Unlock()
		return tele.ProcessEvent{}, tele.ErrProcessTerminated
	}
	p.mu.Unlock()

	for {
		var ws sys.WaitStatus
		wpid, err := sys.Wait4(-1, &ws, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return tele.ProcessEvent{}, &tele.OSExecutionRequestError{Request: "wait", Err: err}
		}

		p.mu.Lock()
		stopped, terminated := p.handleStatusLocked(wpid, ws)
		if terminated {
			p.log.Debugf("process exited")
			p.stopping = false
			p.postExitLocked()
			p.mu.Unlock()
			return tele.ProcessEvent{Kind: tele.EventTerminated}, nil
		}
		if stopped && !p.stopping {
			p.stopping = true
			for _, t := range p.threads {
				p.interruptLocked(t)
			}
		}
		if p.stopping && !p.anyRunningLocked() {
			p.stopping = false
			p.state = tele.Stopped
			ev := p.stopEventLocked()
			p.mu.Unlock()
			return ev, nil
		}
		p.mu.Unlock()
	}
}

func (p *Process) anyRunningLocked() bool {
	for _, t := range p.threads {
		if t.running {
			return true
		}
	}
	return false
}

// handleStatusLocked updates the thread that reported ws. It returns true
// if the thread stopped for a reason worth reporting, and whether the
// whole process is gone.
func (p *Process) handleStatusLocked(wpid int, ws sys.WaitStatus) (stopped, terminated bool) {
	if ws.Exited() || ws.Signaled() {
		if wpid == p.pid {
			return false, true
		}
		delete(p.threads, wpid)
		return false, false
	}
	if !ws.Stopped() {
		return false, false
	}
	t := p.threads[wpid]
	if t == nil {
		// the new thread stopped before its parent reported the clone
		t = &nativeThread{tid: wpid, running: true, fresh: true}
		p.threads[wpid] = t
	}
	sig := ws.StopSignal()

	switch {
	case sig == sys.SIGTRAP && ws.TrapCause() == sys.PTRACE_EVENT_CLONE:
		var msg uint
		var err error
		p.execPtraceFunc(func() { msg, err = sys.PtraceGetEventMsg(wpid) })
		if err == nil {
			if _, ok := p.threads[int(msg)]; !ok {
				p.threads[int(msg)] = &nativeThread{tid: int(msg), running: true, fresh: true}
			}
		}
		p.contLocked(t, 0)
		return false, false

	case stopEvent(ws) == sys.PTRACE_EVENT_STOP:
		t.running = false
		t.interrupted = false
		t.state = tele.Suspended
		if t.fresh {
			t.fresh = false
			if !p.stopping {
				p.contLocked(t, 0)
			}
			return false, false
		}
		return true, false

	case sig == sys.SIGTRAP:
		t.running = false
		t.interrupted = false
		pc, err := p.getPCLocked(t.tid)
		if err != nil {
			p.log.Warnf("could not read registers of thread %d: %v", t.tid, err)
		}
		if t.tid == p.stepping {
			p.stepping = 0
			if p.reinsert != 0 {
				if err := p.writeCodeLocked(p.reinsert, trapInstruction()); err != nil {
					p.log.Warnf("could not reinsert breakpoint: %v", err)
				}
				p.reinsert = 0
			}
			t.state = tele.SingleStepped
			t.pc = pc
			return true, false
		}
		if bp := tele.Address(pc - trapPCAdjust()); pc != 0 {
			if _, ok := p.breakpoints[bp]; ok {
				if trapPCAdjust() != 0 {
					p.execPtraceFunc(func() { err = ptraceSetPC(t.tid, uint64(bp)) })
					if err != nil {
						p.log.Warnf("could not rewind thread %d: %v", t.tid, err)
					}
				}
				t.state = tele.AtBreakpoint
				t.pc = uint64(bp)
				return true, false
			}
		}
		p.contLocked(t, int(sig))
		return false, false

	default:
		p.contLocked(t, int(sig))
		return false, false
	}
}

func (p *Process) getPCLocked(tid int) (uint64, error) {
	var pc uint64
	var err error
	p.execPtraceFunc(func() { pc, err = ptraceGetPC(tid) })
	return pc, err
}

func (p *Process) getRegsLocked(tid int) (tele.Registers, error) {
	var regs tele.Registers
	var err error
	p.execPtraceFunc(func() { regs, err = ptraceGetRegs(tid) })
	return regs, err
}

func (p *Process) stopEventLocked() tele.ProcessEvent {
	tids := make([]int, 0, len(p.threads))
	for tid := range p.threads {
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	ev := tele.ProcessEvent{Kind: tele.EventStopped}
	for _, tid := range tids {
		t := p.threads[tid]
		if t.state != tele.AtBreakpoint && t.state != tele.SingleStepped {
			t.state = tele.Suspended
			if pc, err := p.getPCLocked(tid); err == nil {
				t.pc = pc
			}
		}
		regs, err := p.getRegsLocked(tid)
		if err != nil {
			p.log.Warnf("could not read registers of thread %d: %v", tid, err)
		}
		ev.Threads = append(ev.Threads, tele.ThreadInfo{
			ID:        tele.ThreadID(tid),
			Name:      p.threadName(tid),
			State:     t.state,
			IP:        tele.Address(t.pc),
			Registers: regs,
		})
	}
	return ev
}

func (p *Process) threadName(tid int) string {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/comm", p.pid, tid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(comm))
}
