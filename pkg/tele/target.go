package tele

// This file declares what the engine consumes from the surrounding
// debugger: raw memory access, process control, VM resident triggers and
// the runtime's own description of its heap and code.

// ThreadID identifies a thread of the target process.
type ThreadID int64

// ProcessController changes the execution state of the target process.
// Implementations return *InvalidStateRequestError when the request does
// not fit the current process state and *OSExecutionRequestError when the
// operating system failed to carry it out.
//
// None of the methods wait for the process to stop again: the stop is
// reported separately through Session.HandleEvent.
type ProcessController interface {
	Resume() error
	SingleStep(thread ThreadID) error
	StepOver(thread ThreadID) error
	Pause() error
	Terminate() error
}

// TriggerController installs and removes triggers resident in the target.
type TriggerController interface {
	InstallBreakpoint(addr Address) error
	RemoveBreakpoint(addr Address) error
	ActivateWatchpoint(region MemoryRegion, settings WatchpointSettings) error
	DeactivateWatchpoint(region MemoryRegion) error
	// WatchpointLimit is the number of watchpoints the platform supports.
	WatchpointLimit() int
}

// TargetInfo describes static properties of the target, read once at
// attach time.
type TargetInfo struct {
	// WordSize is the size of a machine word in bytes.
	WordSize int
	// HeapScheme is the name of the collector configured in the VM.
	HeapScheme string
	// HubOffset is the offset of the type descriptor (hub) word from an
	// object origin. Moving collectors store forwarding pointers there.
	HubOffset int64
	// TaggedOrigins is true if the VM was built to precede every object
	// with a tag word.
	TaggedOrigins bool
}

// Target is the process (or loaded image) being inspected.
type Target interface {
	MemoryReadWriter
	ProcessController
	TriggerController
	Info() TargetInfo
}

// SpaceRole distinguishes the two halves of a semispace heap.
type SpaceRole uint8

const (
	SpaceUnspecified SpaceRole = iota
	ToSpace
	FromSpace
)

func (r SpaceRole) String() string {
	switch r {
	case ToSpace:
		return "to-space"
	case FromSpace:
		return "from-space"
	default:
		return ""
	}
}

// RegionDescriptor is the runtime's description of one heap region.
type RegionDescriptor struct {
	// ID is the raw identity of the runtime object describing the region;
	// descriptors with the same ID describe the same region.
	ID    uint64
	Name  string
	Start Address
	Size  uint64
	// Mark is the allocation mark, memory in [Mark, End) is unallocated.
	// A zero mark means the whole region is allocated.
	Mark  Address
	Space SpaceRole
}

func (d *RegionDescriptor) span() MemoryRegion {
	return MemoryRegion{Start: d.Start, Size: d.Size, Name: d.Name}
}

// TLAB is a thread-local allocation buffer. Memory in [Mark, Top) has been
// handed to the thread but not yet initialized.
type TLAB struct {
	Thread ThreadID
	Mark   Address
	Top    Address
}

func (t TLAB) contains(addr Address) bool {
	return !t.Mark.IsZero() && !t.Top.IsZero() && addr >= t.Mark && addr < t.Top
}

// HeapInfo is the runtime's table of heap regions and collector counters.
type HeapInfo struct {
	// GCStarted and GCCompleted count collections, a collection is in
	// progress iff they differ. GCCompleted <= GCStarted.
	GCStarted   uint64
	GCCompleted uint64
	Boot        RegionDescriptor
	Immortal    *RegionDescriptor
	Dynamic     []RegionDescriptor
	Roots       *MemoryRegion
	TLABs       []TLAB
}

// CodeDescriptor is the runtime's description of one compilation, or of a
// block of foreign code.
type CodeDescriptor struct {
	Name   string
	Method MethodKey
	Start  Address
	Size   uint64
	// Entry is the pre-prologue entry point, BodyStart the first
	// instruction after the prologue. Both default to Start.
	Entry     Address
	BodyStart Address
	// Positions maps bytecode positions to instruction addresses.
	Positions map[int]Address
	External  bool
}

// RuntimeTables reads the runtime's own bookkeeping. It is implemented by
// the object identity layer of the debugger.
type RuntimeTables interface {
	// BootHeap computes the boot heap region from image metadata, without
	// reading any object in the target.
	BootHeap() (MemoryRegion, error)
	// ReadHeapInfo reads the current heap region table.
	ReadHeapInfo() (*HeapInfo, error)
	// ReadCodeTable reads the list of live compilations.
	ReadCodeTable() ([]CodeDescriptor, error)
	// ObjectSize returns the size of the object at origin whose hub is hub.
	ObjectSize(origin, hub Address) (uint64, error)
}
