package tele

import (
	"fmt"
	"sort"
)

// ThreadState is the execution state of one thread of the target.
type ThreadState uint8

const (
	// Suspended threads were stopped without a trigger, for example by a
	// pause request or because another thread hit a breakpoint.
	Suspended ThreadState = iota
	AtBreakpoint
	AtWatchpoint
	SingleStepped
	ThreadRunning
	Dead
)

func (s ThreadState) String() string {
	switch s {
	case Suspended:
		return "suspended"
	case AtBreakpoint:
		return "at breakpoint"
	case AtWatchpoint:
		return "at watchpoint"
	case SingleStepped:
		return "single stepped"
	case ThreadRunning:
		return "running"
	case Dead:
		return "dead"
	}
	return fmt.Sprintf("ThreadState(%d)", uint8(s))
}

// Registers are the register values of a thread at a stop. Integer holds
// the general purpose registers in the order of the target architecture.
type Registers struct {
	Integer []uint64
	State   uint64
	SP      Address
	FP      Address
}

func (r Registers) equal(o Registers) bool {
	if r.State != o.State || r.SP != o.SP || r.FP != o.FP || len(r.Integer) != len(o.Integer) {
		return false
	}
	for i := range r.Integer {
		if r.Integer[i] != o.Integer[i] {
			return false
		}
	}
	return true
}

func (r Registers) clone() Registers {
	r.Integer = append([]uint64(nil), r.Integer...)
	return r
}

// ThreadInfo is what the target reports about one thread at a stop.
type ThreadInfo struct {
	ID        ThreadID
	Name      string
	State     ThreadState
	IP        Address
	Stack     MemoryRegion
	Locals    MemoryRegion
	Registers Registers
}

// Thread is an immutable surrogate for a thread of the target as of one
// snapshot. Snapshots share Thread values while the thread is unchanged.
type Thread struct {
	info   ThreadInfo
	region *EntityRegion
}

func newThread(info ThreadInfo) *Thread {
	info.Registers = info.Registers.clone()
	t := &Thread{info: info}
	var children []*EntityRegion
	if info.Stack.Size > 0 {
		if info.Stack.Name == "" {
			info.Stack.Name = fmt.Sprintf("stack-%d", info.ID)
		}
		children = append(children, NewEntityRegion(threadPart{t, "stack"}, info.Stack, false))
	}
	if info.Locals.Size > 0 {
		if info.Locals.Name == "" {
			info.Locals.Name = fmt.Sprintf("locals-%d", info.ID)
		}
		children = append(children, NewEntityRegion(threadPart{t, "thread locals"}, info.Locals, false))
	}
	t.info = info
	t.region = NewEntityRegion(t, MemoryRegion{Name: t.EntityName()}, false).WithChildren(children...)
	return t
}

// threadPart owns the stack and thread locals regions of a thread.
type threadPart struct {
	thread *Thread
	part   string
}

func (p threadPart) EntityName() string {
	return fmt.Sprintf("%s %s", p.thread.EntityName(), p.part)
}

func (p threadPart) EntityDescription() string {
	return fmt.Sprintf("%s of %s", p.part, p.thread.EntityDescription())
}

func (t *Thread) ID() ThreadID         { return t.info.ID }
func (t *Thread) Name() string         { return t.info.Name }
func (t *Thread) State() ThreadState   { return t.info.State }
func (t *Thread) IP() Address          { return t.info.IP }
func (t *Thread) Stack() MemoryRegion  { return t.info.Stack }
func (t *Thread) Locals() MemoryRegion { return t.info.Locals }

// Registers returns the registers of the thread as of the snapshot.
func (t *Thread) Registers() Registers { return t.info.Registers.clone() }

// MemoryRegion returns the entity region of the thread, whose children
// are the stack and thread locals regions.
func (t *Thread) MemoryRegion() *EntityRegion { return t.region }

func (t *Thread) EntityName() string {
	if t.info.Name != "" {
		return t.info.Name
	}
	return fmt.Sprintf("thread-%d", t.info.ID)
}

func (t *Thread) EntityDescription() string {
	return fmt.Sprintf("thread %d %q (%s)", t.info.ID, t.info.Name, t.info.State)
}

func (t *Thread) String() string { return t.EntityDescription() }

// diffThreads builds the thread list of a new snapshot. Threads whose
// information did not change keep their surrogate, and if nothing changed
// at all prev itself is returned.
func diffThreads(prev []*Thread, infos []ThreadInfo) (threads, started, died []*Thread) {
	old := make(map[ThreadID]*Thread, len(prev))
	for _, t := range prev {
		old[t.info.ID] = t
	}
	sorted := append([]ThreadInfo(nil), infos...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	changed := len(prev) != len(sorted)
	threads = make([]*Thread, 0, len(sorted))
	seen := make(map[ThreadID]bool, len(sorted))
	for i, info := range sorted {
		if seen[info.ID] {
			continue
		}
		seen[info.ID] = true
		t, ok := old[info.ID]
		switch {
		case !ok:
			t = newThread(info)
			started = append(started, t)
			changed = true
		case !sameThreadInfo(t.info, info):
			t = newThread(info)
			changed = true
		}
		if !changed && prev[i] != t {
			changed = true
		}
		threads = append(threads, t)
	}
	for _, t := range prev {
		if !seen[t.info.ID] {
			died = append(died, t)
			changed = true
		}
	}
	if !changed && len(threads) == len(prev) {
		return prev, nil, nil
	}
	return threads, started, died
}

func sameThreadInfo(a, b ThreadInfo) bool {
	if b.Stack.Name == "" {
		b.Stack.Name = a.Stack.Name
	}
	if b.Locals.Name == "" {
		b.Locals.Name = a.Locals.Name
	}
	return a.ID == b.ID && a.Name == b.Name && a.State == b.State && a.IP == b.IP &&
		a.Stack == b.Stack && a.Locals == b.Locals && a.Registers.equal(b.Registers)
}
