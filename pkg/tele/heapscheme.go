package tele

// A HeapScheme answers the questions about the heap whose answers depend
// on the garbage collector the target runs. The set of schemes is closed:
// every implementation lives in this file and one is selected at attach
// time from the target's metadata.
//
// Schemes hold no state of their own, they query the heap manager that
// owns them.
type HeapScheme interface {
	Kind() HeapSchemeKind
	Name() string
	// ForwardingPointerOffset returns the offset from an object origin of
	// the word where the collector installs forwarding pointers, false
	// if the collector never moves objects.
	ForwardingPointerOffset() (int64, bool)
	// MemoryStatus classifies addr.
	MemoryStatus(addr Address) MemoryStatus
	// IsLiveMemory returns true if addr may hold a live object. While a
	// collection is in progress it returns true for every address.
	IsLiveMemory(addr Address) bool
	// IsForwardingPointer returns true if word, read from the forwarding
	// pointer slot of an object, is a forwarding pointer.
	IsForwardingPointer(word uint64) bool
	// ResolveForwarded returns the new origin of the object that used to
	// be at origin, or origin itself if it was not forwarded.
	ResolveForwarded(origin Address) (Address, error)

	isHeapScheme()
}

// HeapSchemeKind enumerates the supported collectors.
type HeapSchemeKind uint8

const (
	UnknownHeapScheme HeapSchemeKind = iota
	SemiSpaceHeapScheme
	MarkSweepHeapScheme
)

func (k HeapSchemeKind) String() string {
	switch k {
	case SemiSpaceHeapScheme:
		return "semispace"
	case MarkSweepHeapScheme:
		return "mark-sweep"
	default:
		return "unknown"
	}
}

// HeapSchemeKindFor maps the collector name configured in the VM to the
// scheme that understands it.
func HeapSchemeKindFor(name string) HeapSchemeKind {
	switch name {
	case "SemiSpaceHeapScheme", "semispace", "GenSSHeapScheme":
		return SemiSpaceHeapScheme
	case "MSEHeapScheme", "MSHeapScheme", "mark-sweep", "marksweep":
		return MarkSweepHeapScheme
	default:
		return UnknownHeapScheme
	}
}

// MemoryStatus describes what a heap address currently holds.
type MemoryStatus uint8

const (
	// MemoryUnknown is returned for addresses outside every heap region.
	MemoryUnknown MemoryStatus = iota
	MemoryLive
	// MemoryFree is allocatable memory: past an allocation mark or inside
	// the unused part of a thread-local allocation buffer.
	MemoryFree
	// MemoryDead holds objects that the collector has abandoned.
	MemoryDead
)

func (s MemoryStatus) String() string {
	switch s {
	case MemoryLive:
		return "live"
	case MemoryFree:
		return "free"
	case MemoryDead:
		return "dead"
	default:
		return "unknown"
	}
}

// heapSchemeEnv is what a scheme needs from the heap manager.
type heapSchemeEnv interface {
	IsInGC() bool
	FindHeapRegion(addr Address) *HeapRegion
	tlabs() []TLAB
	memory() MemoryReader
	wordSize() int
	hubOffset() int64
}

func newHeapScheme(kind HeapSchemeKind, env heapSchemeEnv) HeapScheme {
	switch kind {
	case SemiSpaceHeapScheme:
		return &semiSpaceScheme{env: env}
	case MarkSweepHeapScheme:
		return &markSweepScheme{env: env}
	default:
		return &unknownScheme{env: env}
	}
}

// semiSpaceScheme understands a copying collector with two semispaces.
// Forwarding pointers are written over the hub word and tagged in the low
// bit.
type semiSpaceScheme struct {
	env heapSchemeEnv
}

func (s *semiSpaceScheme) isHeapScheme() {}

func (s *semiSpaceScheme) Kind() HeapSchemeKind { return SemiSpaceHeapScheme }

func (s *semiSpaceScheme) Name() string { return "SemiSpaceHeapScheme" }

func (s *semiSpaceScheme) ForwardingPointerOffset() (int64, bool) {
	return s.env.hubOffset(), true
}

func (s *semiSpaceScheme) MemoryStatus(addr Address) MemoryStatus {
	if s.env.IsInGC() {
		// Both spaces are in flux, don't try to be precise.
		return MemoryLive
	}
	region := s.env.FindHeapRegion(addr)
	if region == nil {
		return MemoryUnknown
	}
	if region.Space() == FromSpace {
		// outside of GC everything in from-space is garbage
		return MemoryDead
	}
	if !region.ContainsInAllocated(addr) {
		return MemoryFree
	}
	for _, tlab := range s.env.tlabs() {
		if tlab.contains(addr) {
			return MemoryFree
		}
	}
	return MemoryLive
}

func (s *semiSpaceScheme) IsLiveMemory(addr Address) bool {
	return s.MemoryStatus(addr) == MemoryLive
}

func (s *semiSpaceScheme) IsForwardingPointer(word uint64) bool {
	return word&1 == 1
}

func (s *semiSpaceScheme) ResolveForwarded(origin Address) (Address, error) {
	word, err := ReadWord(s.env.memory(), origin.Add(s.env.hubOffset()), s.env.wordSize())
	if err != nil {
		return 0, err
	}
	if !s.IsForwardingPointer(word) {
		return origin, nil
	}
	return Address(word &^ 1), nil
}

// markSweepScheme understands a non moving mark-sweep collector.
type markSweepScheme struct {
	env heapSchemeEnv
}

func (s *markSweepScheme) isHeapScheme() {}

func (s *markSweepScheme) Kind() HeapSchemeKind { return MarkSweepHeapScheme }

func (s *markSweepScheme) Name() string { return "MSHeapScheme" }

func (s *markSweepScheme) ForwardingPointerOffset() (int64, bool) {
	return 0, false
}

func (s *markSweepScheme) MemoryStatus(addr Address) MemoryStatus {
	if s.env.IsInGC() {
		return MemoryLive
	}
	region := s.env.FindHeapRegion(addr)
	if region == nil {
		return MemoryUnknown
	}
	if !region.ContainsInAllocated(addr) {
		return MemoryFree
	}
	return MemoryLive
}

func (s *markSweepScheme) IsLiveMemory(addr Address) bool {
	return s.MemoryStatus(addr) == MemoryLive
}

func (s *markSweepScheme) IsForwardingPointer(word uint64) bool {
	return false
}

func (s *markSweepScheme) ResolveForwarded(origin Address) (Address, error) {
	return origin, nil
}

// unknownScheme is used when the collector is not recognized, everything
// inside a heap region is assumed live.
type unknownScheme struct {
	env heapSchemeEnv
}

func (s *unknownScheme) isHeapScheme() {}

func (s *unknownScheme) Kind() HeapSchemeKind { return UnknownHeapScheme }

func (s *unknownScheme) Name() string { return "unknown" }

func (s *unknownScheme) ForwardingPointerOffset() (int64, bool) {
	return 0, false
}

func (s *unknownScheme) MemoryStatus(addr Address) MemoryStatus {
	if s.env.IsInGC() {
		return MemoryLive
	}
	if s.env.FindHeapRegion(addr) == nil {
		return MemoryUnknown
	}
	return MemoryLive
}

func (s *unknownScheme) IsLiveMemory(addr Address) bool {
	return s.MemoryStatus(addr) == MemoryLive
}

func (s *unknownScheme) IsForwardingPointer(word uint64) bool {
	return false
}

func (s *unknownScheme) ResolveForwarded(origin Address) (Address, error) {
	return origin, nil
}
