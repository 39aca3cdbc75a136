package tele

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-maxine/maxscope/pkg/logflags"
)

// HeapRegionKind tells where a heap region came from.
type HeapRegionKind uint8

const (
	// BootHeap is the heap region loaded with the boot image.
	BootHeap HeapRegionKind = iota
	// ImmortalHeap holds objects that are never collected.
	ImmortalHeap
	// DynamicHeap regions are allocated by the collector at run time.
	DynamicHeap
)

func (k HeapRegionKind) String() string {
	switch k {
	case BootHeap:
		return "boot"
	case ImmortalHeap:
		return "immortal"
	default:
		return "dynamic"
	}
}

// HeapRegion is a region of memory managed by the collector.
//
// The span of a heap region never changes, a region that moves or grows is
// represented by a new HeapRegion. The allocation mark and, for semispace
// collectors, the space role are updated in place on every refresh.
type HeapRegion struct {
	region *EntityRegion
	kind   HeapRegionKind
	id     uint64
	mark   atomic.Uint64
	space  atomic.Uint32
}

func newHeapRegion(kind HeapRegionKind, id uint64, span MemoryRegion) *HeapRegion {
	hr := &HeapRegion{kind: kind, id: id}
	hr.region = NewEntityRegion(hr, span, kind == BootHeap)
	return hr
}

func (hr *HeapRegion) update(d *RegionDescriptor) {
	hr.mark.Store(uint64(d.Mark))
	hr.space.Store(uint32(d.Space))
}

// Span implements Region.
func (hr *HeapRegion) Span() MemoryRegion {
	return hr.region.MemoryRegion
}

// MemoryRegion returns the entity region of the heap region.
func (hr *HeapRegion) MemoryRegion() *EntityRegion {
	return hr.region
}

func (hr *HeapRegion) EntityName() string {
	return hr.region.Name
}

func (hr *HeapRegion) EntityDescription() string {
	return fmt.Sprintf("%s heap region %v", hr.kind, hr.region.MemoryRegion)
}

// Kind returns whether this is the boot, the immortal or a dynamic region.
func (hr *HeapRegion) Kind() HeapRegionKind {
	return hr.kind
}

// IsBootRegion returns true for the boot heap region.
func (hr *HeapRegion) IsBootRegion() bool {
	return hr.kind == BootHeap
}

// Contains returns true if addr is inside the region.
func (hr *HeapRegion) Contains(addr Address) bool {
	return hr.region.Contains(addr)
}

// Mark returns the allocation mark, zero if unknown.
func (hr *HeapRegion) Mark() Address {
	return Address(hr.mark.Load())
}

// Space returns the semispace role of the region.
func (hr *HeapRegion) Space() SpaceRole {
	return SpaceRole(hr.space.Load())
}

// ContainsInAllocated returns true if addr is inside the region and below
// the allocation mark.
func (hr *HeapRegion) ContainsInAllocated(addr Address) bool {
	if !hr.Contains(addr) {
		return false
	}
	mark := hr.Mark()
	return mark.IsZero() || addr < mark
}

func (hr *HeapRegion) String() string {
	return hr.EntityDescription()
}

// heapInitState breaks the initialization cycle between the heap manager
// and the object identity layer: until the identity layer is usable the
// heap manager only knows the boot region, computed from image metadata.
type heapInitState uint32

const (
	heapUninitialized heapInitState = iota
	heapBootstrapped
	heapReady
)

func (s heapInitState) String() string {
	switch s {
	case heapUninitialized:
		return "uninitialized"
	case heapBootstrapped:
		return "bootstrapped"
	default:
		return "ready"
	}
}

// RefreshPhase is RefreshRefreshing while the region table is being
// re-read. Reading the table can go through machinery that asks the heap
// manager whether addresses are in the heap, those questions are answered
// with true for the duration of the refresh. The answers are conservative,
// not authoritative.
type RefreshPhase uint32

const (
	RefreshIdle RefreshPhase = iota
	RefreshRefreshing
)

func (p RefreshPhase) String() string {
	if p == RefreshRefreshing {
		return "refreshing"
	}
	return "idle"
}

// HeapConfig configures a HeapManager.
type HeapConfig struct {
	// HubChainLimit bounds the number of hub pointers followed when
	// checking an object origin without tag words.
	HubChainLimit int
	// OriginTag is the value of the tag word preceding every object in
	// targets built with tagged origins.
	OriginTag uint64
	// ObjectCacheSize is the number of object surrogates cached.
	ObjectCacheSize int
	// Scheme, if not empty, overrides the collector named by the target.
	Scheme string
}

const (
	defaultHubChainLimit   = 3
	defaultObjectCacheSize = 1024
	// DefaultOriginTag is the tag word written by debug builds of the VM.
	DefaultOriginTag uint64 = 0xcafebabecafebabe
)

// heapTable is published atomically at the end of every refresh.
type heapTable struct {
	regions  []*HeapRegion
	index    *RegionSet[*HeapRegion]
	boot     *HeapRegion
	immortal *HeapRegion
	roots    *MemoryRegion
	tlabs    []TLAB
}

// newHeapTable indexes the regions in order. A region overlapping one
// added before it is left out of the table and reported in the returned
// error.
func newHeapTable(log logflags.Logger, boot, immortal *HeapRegion, dynamic []*HeapRegion) (*heapTable, error) {
	t := &heapTable{boot: boot, immortal: immortal, index: NewRegionSet[*HeapRegion]()}
	var errs []error
	add := func(hr *HeapRegion) {
		if hr == nil {
			return
		}
		if err := t.index.Add(hr); err != nil {
			log.Warnf("ignoring heap region: %v", err)
			errs = append(errs, err)
			return
		}
		t.regions = append(t.regions, hr)
	}
	add(boot)
	add(immortal)
	for _, hr := range dynamic {
		add(hr)
	}
	return t, errors.Join(errs...)
}

func (t *heapTable) find(addr Address) *HeapRegion {
	hr, _ := t.index.Find(addr)
	return hr
}

// HeapManager owns the heap regions of the target and answers address and
// object queries about them.
type HeapManager struct {
	log    logflags.Logger
	tables RuntimeTables
	mem    MemoryReader
	info   TargetInfo
	cfg    HeapConfig
	code   *CodeRegistry
	scheme HeapScheme

	mu sync.Mutex // serializes Initialize and Refresh

	state   atomic.Uint32 // heapInitState
	phase   atomic.Uint32 // RefreshPhase
	table   atomic.Pointer[heapTable]
	byID    map[uint64]*HeapRegion
	objects *lru.Cache

	gcStarted   atomic.Uint64
	gcCompleted atomic.Uint64

	refreshed bool
	lastEpoch uint64
}

// newHeapManager creates a heap manager in the bootstrapped state.
func newHeapManager(info TargetInfo, mem MemoryReader, tables RuntimeTables, code *CodeRegistry, cfg HeapConfig) (*HeapManager, error) {
	if cfg.HubChainLimit <= 0 {
		cfg.HubChainLimit = defaultHubChainLimit
	}
	if cfg.ObjectCacheSize <= 0 {
		cfg.ObjectCacheSize = defaultObjectCacheSize
	}
	if cfg.OriginTag == 0 {
		cfg.OriginTag = DefaultOriginTag
	}
	objects, err := lru.New(cfg.ObjectCacheSize)
	if err != nil {
		return nil, err
	}
	h := &HeapManager{
		log:     logflags.HeapLogger(),
		tables:  tables,
		mem:     mem,
		info:    info,
		cfg:     cfg,
		code:    code,
		byID:    make(map[uint64]*HeapRegion),
		objects: objects,
	}
	schemeName := info.HeapScheme
	if cfg.Scheme != "" {
		schemeName = cfg.Scheme
	}
	h.scheme = newHeapScheme(HeapSchemeKindFor(schemeName), h)
	h.log.Debugf("heap scheme %q selected for %q", h.scheme.Name(), schemeName)

	span, err := tables.BootHeap()
	if err != nil {
		return nil, fmt.Errorf("could not locate boot heap: %w", err)
	}
	if span.Name == "" {
		span.Name = "Heap-boot"
	}
	t, _ := newHeapTable(h.log, newHeapRegion(BootHeap, 0, span), nil, nil)
	h.table.Store(t)
	h.state.Store(uint32(heapBootstrapped))
	return h, nil
}

func (h *HeapManager) initState() heapInitState {
	return heapInitState(h.state.Load())
}

// IsInitialized returns true once Initialize has completed.
func (h *HeapManager) IsInitialized() bool {
	return h.initState() == heapReady
}

// Initialize makes the heap manager fully functional. It must only be
// called once the object identity layer can read runtime objects.
func (h *HeapManager) Initialize(epoch uint64) error {
	h.mu.Lock()
	if st := h.initState(); st != heapBootstrapped {
		h.mu.Unlock()
		return fmt.Errorf("can not initialize heap manager in state %s", st)
	}
	h.state.Store(uint32(heapReady))
	h.mu.Unlock()
	h.log.Debugf("initialized at epoch %d", epoch)
	return h.Refresh(epoch)
}

// Refresh re-reads the runtime's heap region table. Regions already known
// (same identity and span) are kept, so unchanged regions are never
// rebuilt. While a collection is in progress only the collector counters
// are updated. Regions overlapping another region are left out of the
// published table and reported as RegionOverlapErrors.
func (h *HeapManager) Refresh(epoch uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.initState() != heapReady {
		h.log.Debugf("not initialized yet")
		return nil
	}
	if h.refreshed && epoch <= h.lastEpoch {
		h.log.Debugf("redundant update epoch=%d", epoch)
		return nil
	}

	h.phase.Store(uint32(RefreshRefreshing))
	defer h.phase.Store(uint32(RefreshIdle))

	hinfo, err := h.tables.ReadHeapInfo()
	if err != nil {
		return fmt.Errorf("could not read heap info: %w", err)
	}
	if hinfo.GCCompleted > hinfo.GCStarted {
		return fmt.Errorf("corrupt collector counters: %d collections completed, %d started", hinfo.GCCompleted, hinfo.GCStarted)
	}
	if h.gcStarted.Load() != hinfo.GCStarted || h.gcCompleted.Load() != hinfo.GCCompleted {
		h.log.Debugf("collector counters changed, dropping object cache")
		h.objects.Purge()
	}
	h.gcStarted.Store(hinfo.GCStarted)
	h.gcCompleted.Store(hinfo.GCCompleted)
	h.refreshed = true
	h.lastEpoch = epoch

	if hinfo.GCStarted != hinfo.GCCompleted {
		// The region table is being rewritten by the collector, keep the
		// old one until the collection completes.
		h.log.Debugf("collection %d in progress, region table not updated", hinfo.GCStarted)
		return nil
	}
	old := h.table.Load()
	byID := make(map[uint64]*HeapRegion, len(hinfo.Dynamic))

	reuse := func(kind HeapRegionKind, d *RegionDescriptor, prev *HeapRegion) *HeapRegion {
		if prev != nil && prev.Span().SameAs(d.span()) {
			prev.update(d)
			return prev
		}
		hr := newHeapRegion(kind, d.ID, d.span())
		hr.update(d)
		return hr
	}

	boot := reuse(BootHeap, &hinfo.Boot, old.boot)
	var immortal *HeapRegion
	if hinfo.Immortal != nil {
		immortal = reuse(ImmortalHeap, hinfo.Immortal, old.immortal)
	}
	dynamic := make([]*HeapRegion, 0, len(hinfo.Dynamic))
	for i := range hinfo.Dynamic {
		d := &hinfo.Dynamic[i]
		hr := reuse(DynamicHeap, d, h.byID[d.ID])
		byID[d.ID] = hr
		dynamic = append(dynamic, hr)
	}

	t, err := newHeapTable(h.log, boot, immortal, dynamic)
	t.roots = hinfo.Roots
	t.tlabs = hinfo.TLABs
	h.byID = byID
	h.table.Store(t)
	h.log.Debugf("refreshed at epoch %d: %d regions", epoch, len(t.regions))
	return err
}

// Phase returns the current refresh phase.
func (h *HeapManager) Phase() RefreshPhase {
	return RefreshPhase(h.phase.Load())
}

// Scheme returns the heap scheme selected for the target's collector.
func (h *HeapManager) Scheme() HeapScheme {
	return h.scheme
}

// IsInGC returns true if a collection was in progress at the last refresh.
func (h *HeapManager) IsInGC() bool {
	return h.gcStarted.Load() != h.gcCompleted.Load()
}

// GCCounts returns the number of collections started and completed as of
// the last refresh.
func (h *HeapManager) GCCounts() (started, completed uint64) {
	return h.gcStarted.Load(), h.gcCompleted.Load()
}

// Contains returns true if addr is in some heap region.
//
// Before initialization only the boot heap region is considered. While a
// refresh is in progress the answer is always true.
func (h *HeapManager) Contains(addr Address) bool {
	if RefreshPhase(h.phase.Load()) == RefreshRefreshing {
		return true
	}
	t := h.table.Load()
	if h.initState() != heapReady {
		return t.boot.Contains(addr)
	}
	return t.find(addr) != nil
}

// FindHeapRegion returns the heap region containing addr, or nil.
func (h *HeapManager) FindHeapRegion(addr Address) *HeapRegion {
	return h.table.Load().find(addr)
}

// BootHeapRegion returns the boot heap region.
func (h *HeapManager) BootHeapRegion() *HeapRegion {
	return h.table.Load().boot
}

// ImmortalHeapRegion returns the immortal heap region, nil if the runtime
// has not allocated it yet.
func (h *HeapManager) ImmortalHeapRegion() *HeapRegion {
	return h.table.Load().immortal
}

// HeapRegions returns all known heap regions, boot region first. The slice
// must not be modified.
func (h *HeapManager) HeapRegions() []*HeapRegion {
	return h.table.Load().regions
}

// ContainsInDynamicHeap returns true if addr is in a heap region that is
// neither the boot nor the immortal region.
func (h *HeapManager) ContainsInDynamicHeap(addr Address) bool {
	hr := h.FindHeapRegion(addr)
	return hr != nil && hr.Kind() == DynamicHeap
}

// RootsRegion returns the region holding the inspector's root table, nil
// if unknown.
func (h *HeapManager) RootsRegion() *MemoryRegion {
	return h.table.Load().roots
}

// MemoryStatus classifies addr using the heap scheme.
func (h *HeapManager) MemoryStatus(addr Address) MemoryStatus {
	return h.scheme.MemoryStatus(addr)
}

func (h *HeapManager) tlabs() []TLAB {
	return h.table.Load().tlabs
}

func (h *HeapManager) memory() MemoryReader {
	return h.mem
}

func (h *HeapManager) wordSize() int {
	return h.info.WordSize
}

func (h *HeapManager) hubOffset() int64 {
	return h.info.HubOffset
}
