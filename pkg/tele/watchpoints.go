package tele

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-maxine/maxscope/pkg/logflags"
)

// WatchpointSettings selects the accesses a watchpoint triggers on.
type WatchpointSettings struct {
	Read  bool
	Write bool
	Exec  bool
	// EnabledDuringGC keeps the watchpoint active while the collector
	// runs. Otherwise it is deactivated the first time it triggers during
	// a collection and reactivated when the collection completes.
	EnabledDuringGC bool
}

func (s WatchpointSettings) String() string {
	b := []byte("---")
	if s.Read {
		b[0] = 'r'
	}
	if s.Write {
		b[1] = 'w'
	}
	if s.Exec {
		b[2] = 'x'
	}
	if s.EnabledDuringGC {
		return string(b) + "+gc"
	}
	return string(b)
}

// RelocationMode controls when a watchpoint on a heap object follows the
// object after the collector moved it.
type RelocationMode uint8

const (
	// EagerRelocation moves watchpoints as soon as a collection completes.
	EagerRelocation RelocationMode = iota
	// LazyRelocation marks watchpoints stale when a collection completes
	// and moves them when their region is next asked for, or at the
	// latest when the next collection starts.
	LazyRelocation
)

func (m RelocationMode) String() string {
	if m == LazyRelocation {
		return "lazy"
	}
	return "eager"
}

// RelocationModeFor parses "eager" or "lazy".
func RelocationModeFor(s string) (RelocationMode, error) {
	switch s {
	case "", "eager":
		return EagerRelocation, nil
	case "lazy":
		return LazyRelocation, nil
	}
	return EagerRelocation, fmt.Errorf("unknown watchpoint relocation mode %q", s)
}

// AccessKind is the kind of memory access that triggered a watchpoint.
type AccessKind uint8

const (
	ReadAccess AccessKind = iota
	WriteAccess
	ExecAccess
)

func (k AccessKind) String() string {
	switch k {
	case ReadAccess:
		return "read"
	case WriteAccess:
		return "write"
	}
	return "exec"
}

// FieldDescriptor locates a field inside an object.
type FieldDescriptor struct {
	Name   string
	Offset int64
	Size   uint64
}

// HeaderField names a word of the object header.
type HeaderField uint8

const (
	// HubField is the type descriptor word, at the hub offset.
	HubField HeaderField = iota
	// MiscField is the word after the hub (hash code, lock state).
	MiscField
	// LengthField is the array length word, after the misc word.
	LengthField
)

func (f HeaderField) String() string {
	switch f {
	case HubField:
		return "hub"
	case MiscField:
		return "misc"
	}
	return "length"
}

// ThreadLocalVariable locates a variable inside a thread locals area.
type ThreadLocalVariable struct {
	Name   string
	Offset int64
	Size   uint64
}

// Watchpoint triggers when the target accesses a region of memory.
type Watchpoint struct {
	ID int

	mgr *WatchpointManager

	// guarded by mgr.mu
	region      MemoryRegion
	settings    WatchpointSettings
	description string
	enabled     bool
	active      bool
	gcSuspended bool
	removed     bool
	cache       []byte

	// object tracking, origin is zero for plain region watchpoints
	origin     Address
	offset     int64
	tracking   bool
	stale      bool
	relocation RelocationMode
}

// Region returns the watched memory. For a stale watchpoint on a heap
// object the watchpoint is first moved to the object's current location,
// if the target is stopped.
func (wp *Watchpoint) Region() MemoryRegion {
	wp.mgr.mu.RLock()
	stale := wp.stale
	region := wp.region
	wp.mgr.mu.RUnlock()
	if !stale {
		return region
	}
	exit, err := wp.mgr.gate.enter("relocate watchpoint")
	if err != nil {
		return region
	}
	defer exit()
	wp.mgr.mu.Lock()
	changed := wp.mgr.relocateLocked(wp)
	region = wp.region
	wp.mgr.mu.Unlock()
	if changed {
		wp.mgr.dispatch()
	}
	return region
}

// RelocationMode returns how the watchpoint follows its object when a
// collection moves it.
func (wp *Watchpoint) RelocationMode() RelocationMode {
	wp.mgr.mu.RLock()
	defer wp.mgr.mu.RUnlock()
	return wp.relocation
}

// Settings returns the access kinds the watchpoint triggers on.
func (wp *Watchpoint) Settings() WatchpointSettings {
	wp.mgr.mu.RLock()
	defer wp.mgr.mu.RUnlock()
	return wp.settings
}

// Description returns the description given at creation.
func (wp *Watchpoint) Description() string {
	wp.mgr.mu.RLock()
	defer wp.mgr.mu.RUnlock()
	return wp.description
}

// IsEnabled returns true if the client enabled the watchpoint.
func (wp *Watchpoint) IsEnabled() bool {
	wp.mgr.mu.RLock()
	defer wp.mgr.mu.RUnlock()
	return wp.enabled
}

// IsActive returns true if the watchpoint is installed in the target.
func (wp *Watchpoint) IsActive() bool {
	wp.mgr.mu.RLock()
	defer wp.mgr.mu.RUnlock()
	return wp.active
}

// Object returns the origin of the watched object, zero if the watchpoint
// is not on an object.
func (wp *Watchpoint) Object() Address {
	wp.mgr.mu.RLock()
	defer wp.mgr.mu.RUnlock()
	return wp.origin
}

// IsTracking returns true while the watchpoint follows a live object.
func (wp *Watchpoint) IsTracking() bool {
	wp.mgr.mu.RLock()
	defer wp.mgr.mu.RUnlock()
	return wp.tracking
}

// IsStale returns true if the watched object may have moved since the
// region was last computed.
func (wp *Watchpoint) IsStale() bool {
	wp.mgr.mu.RLock()
	defer wp.mgr.mu.RUnlock()
	return wp.stale
}

// IsRemoved returns true once the watchpoint was removed.
func (wp *Watchpoint) IsRemoved() bool {
	wp.mgr.mu.RLock()
	defer wp.mgr.mu.RUnlock()
	return wp.removed
}

// CachedBytes returns the watched bytes as read at the last stop.
func (wp *Watchpoint) CachedBytes() []byte {
	wp.mgr.mu.RLock()
	defer wp.mgr.mu.RUnlock()
	return wp.cache
}

func (wp *Watchpoint) stringLocked() string {
	return fmt.Sprintf("watchpoint %d %v (%s)", wp.ID, wp.region, wp.settings)
}

func (wp *Watchpoint) String() string {
	wp.mgr.mu.RLock()
	defer wp.mgr.mu.RUnlock()
	return wp.stringLocked()
}

// WatchpointTrigger is what the target reports when a watchpoint fires.
type WatchpointTrigger struct {
	Thread ThreadID
	Addr   Address
	Access AccessKind
}

// WatchpointEvent reports a thread stopped by a watchpoint.
type WatchpointEvent struct {
	Watchpoint *Watchpoint
	Thread     *Thread
	Addr       Address
	Access     AccessKind
	// Before holds the watched bytes as of the previous stop.
	Before []byte
}

// WatchpointListener is notified when the set of watchpoints or their
// settings change.
type WatchpointListener interface {
	WatchpointsChanged()
}

// wpEntry indexes a watchpoint by the region it had when it was indexed.
type wpEntry struct {
	span MemoryRegion
	wp   *Watchpoint
}

func (e wpEntry) Span() MemoryRegion { return e.span }

// WatchpointManager creates and tracks the watchpoints of a session.
type WatchpointManager struct {
	log    logflags.Logger
	gate   commandGate
	target TriggerController
	mem    MemoryReader
	heap   *HeapManager
	limit  int
	mode   RelocationMode

	mu        sync.RWMutex
	index     *RegionSet[wpEntry]
	idCounter int

	listenersMu sync.Mutex
	listeners   []WatchpointListener
}

func newWatchpointManager(gate commandGate, target TriggerController, mem MemoryReader, heap *HeapManager, limit int, mode RelocationMode) *WatchpointManager {
	if pl := target.WatchpointLimit(); limit <= 0 || pl < limit {
		limit = pl
	}
	return &WatchpointManager{
		log:    logflags.WatchpointsLogger(),
		gate:   gate,
		target: target,
		mem:    mem,
		heap:   heap,
		limit:  limit,
		mode:   mode,
		index:  NewRegionSet[wpEntry](),
	}
}

// Limit returns the number of watchpoints that can exist at once.
func (m *WatchpointManager) Limit() int {
	return m.limit
}

// RelocationMode returns how new object watchpoints follow moved objects.
func (m *WatchpointManager) RelocationMode() RelocationMode {
	return m.mode
}

// AddListener registers l.
func (m *WatchpointManager) AddListener(l WatchpointListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// RemoveListener unregisters l.
func (m *WatchpointManager) RemoveListener(l WatchpointListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	for i, other := range m.listeners {
		if other == l {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *WatchpointManager) dispatch() {
	m.listenersMu.Lock()
	listeners := m.listeners
	m.listenersMu.Unlock()
	for _, l := range listeners {
		l.WatchpointsChanged()
	}
}

// CreateRegionWatchpoint watches an arbitrary region of memory.
func (m *WatchpointManager) CreateRegionWatchpoint(description string, region MemoryRegion, settings WatchpointSettings) (*Watchpoint, error) {
	return m.create("create region watchpoint", func() (*Watchpoint, error) {
		return &Watchpoint{region: region, description: description, settings: settings}, nil
	})
}

// CreateObjectWatchpoint watches the whole object at origin.
func (m *WatchpointManager) CreateObjectWatchpoint(description string, origin Address, settings WatchpointSettings) (*Watchpoint, error) {
	return m.create("create object watchpoint", func() (*Watchpoint, error) {
		obj, err := m.heap.FindObjectAt(origin)
		if err != nil {
			return nil, err
		}
		return m.objectWatchpoint(description, obj, 0, obj.Size(), settings), nil
	})
}

// CreateFieldWatchpoint watches one field of the object at origin.
func (m *WatchpointManager) CreateFieldWatchpoint(description string, origin Address, field FieldDescriptor, settings WatchpointSettings) (*Watchpoint, error) {
	return m.create("create field watchpoint", func() (*Watchpoint, error) {
		obj, err := m.heap.FindObjectAt(origin)
		if err != nil {
			return nil, err
		}
		if field.Offset < 0 || uint64(field.Offset)+field.Size > obj.Size() {
			return nil, fmt.Errorf("field %s (offset %d, size %d) outside %v", field.Name, field.Offset, field.Size, obj)
		}
		if description == "" {
			description = field.Name
		}
		return m.objectWatchpoint(description, obj, field.Offset, field.Size, settings), nil
	})
}

// CreateArrayElementWatchpoint watches element index of the array at
// origin. Elements start at firstElementOffset from the origin.
func (m *WatchpointManager) CreateArrayElementWatchpoint(description string, origin Address, firstElementOffset int64, elementSize uint64, index int, settings WatchpointSettings) (*Watchpoint, error) {
	return m.create("create array element watchpoint", func() (*Watchpoint, error) {
		if index < 0 {
			return nil, fmt.Errorf("invalid array index %d", index)
		}
		obj, err := m.heap.FindObjectAt(origin)
		if err != nil {
			return nil, err
		}
		offset := firstElementOffset + int64(index)*int64(elementSize)
		if offset < 0 || uint64(offset)+elementSize > obj.Size() {
			return nil, fmt.Errorf("array index %d out of bounds for %v", index, obj)
		}
		if description == "" {
			description = fmt.Sprintf("[%d]", index)
		}
		return m.objectWatchpoint(description, obj, offset, elementSize, settings), nil
	})
}

// CreateHeaderWatchpoint watches a word of the header of the object at
// origin.
func (m *WatchpointManager) CreateHeaderWatchpoint(description string, origin Address, field HeaderField, settings WatchpointSettings) (*Watchpoint, error) {
	return m.create("create header watchpoint", func() (*Watchpoint, error) {
		obj, err := m.heap.FindObjectAt(origin)
		if err != nil {
			return nil, err
		}
		ws := int64(m.heap.wordSize())
		offset := m.heap.hubOffset() + int64(field)*ws
		if description == "" {
			description = field.String()
		}
		return m.objectWatchpoint(description, obj, offset, uint64(ws), settings), nil
	})
}

// CreateThreadLocalWatchpoint watches a thread local variable of thread.
func (m *WatchpointManager) CreateThreadLocalWatchpoint(description string, thread *Thread, v ThreadLocalVariable, settings WatchpointSettings) (*Watchpoint, error) {
	return m.create("create thread local watchpoint", func() (*Watchpoint, error) {
		locals := thread.Locals()
		region := NewMemoryRegion(v.Name, locals.Start.Add(v.Offset), v.Size)
		if v.Offset < 0 || !locals.Covers(region) || region.Size == 0 {
			return nil, fmt.Errorf("thread local %s outside %v", v.Name, locals)
		}
		if description == "" {
			description = fmt.Sprintf("%s of %s", v.Name, thread.EntityName())
		}
		return &Watchpoint{region: region, description: description, settings: settings}, nil
	})
}

func (m *WatchpointManager) objectWatchpoint(description string, obj *Object, offset int64, size uint64, settings WatchpointSettings) *Watchpoint {
	return &Watchpoint{
		region:      NewMemoryRegion(description, obj.Origin().Add(offset), size),
		description: description,
		settings:    settings,
		origin:      obj.Origin(),
		offset:      offset,
		tracking:    true,
	}
}

// create runs the creation protocol shared by all kinds of watchpoints:
// the busy gate, the platform limit and the overlap check all come before
// the watchpoint is activated in the target.
func (m *WatchpointManager) create(request string, build func() (*Watchpoint, error)) (*Watchpoint, error) {
	exit, err := m.gate.enter(request)
	if err != nil {
		return nil, err
	}
	defer exit()
	wp, err := build()
	if err != nil {
		return nil, err
	}
	if wp.region.Size == 0 {
		return nil, fmt.Errorf("can not watch empty region %v", wp.region)
	}
	wp.mgr = m
	wp.enabled = true
	wp.relocation = m.mode

	m.mu.Lock()
	if m.index.Len() >= m.limit {
		m.mu.Unlock()
		return nil, &TooManyWatchpointsError{Limit: m.limit}
	}
	if err := m.index.Add(wpEntry{wp.region, wp}); err != nil {
		m.mu.Unlock()
		var overlap *RegionOverlapError
		if errors.As(err, &overlap) {
			return nil, &DuplicateWatchpointError{Region: wp.region, Existing: overlap.Existing}
		}
		return nil, err
	}
	if err := m.activateLocked(wp); err != nil {
		m.index.Remove(wp.region.Start)
		m.mu.Unlock()
		return nil, err
	}
	m.idCounter++
	wp.ID = m.idCounter
	wp.cache = m.readCache(wp.region)
	m.log.Debugf("created %s", wp.stringLocked())
	m.mu.Unlock()
	m.dispatch()
	return wp, nil
}

// activateLocked installs wp in the target unless it is disabled or a
// collection is running that it should not observe.
func (m *WatchpointManager) activateLocked(wp *Watchpoint) error {
	if wp.active || !wp.enabled {
		return nil
	}
	if m.heap.IsInGC() && !wp.settings.EnabledDuringGC {
		wp.gcSuspended = true
		return nil
	}
	if err := m.target.ActivateWatchpoint(wp.region, wp.settings); err != nil {
		return err
	}
	wp.active = true
	wp.gcSuspended = false
	return nil
}

func (m *WatchpointManager) deactivateLocked(wp *Watchpoint) error {
	if !wp.active {
		return nil
	}
	if err := m.target.DeactivateWatchpoint(wp.region); err != nil {
		return err
	}
	wp.active = false
	return nil
}

func (m *WatchpointManager) readCache(region MemoryRegion) []byte {
	buf := make([]byte, region.Size)
	if n, err := m.mem.ReadMemory(buf, region.Start); err != nil || n != len(buf) {
		return nil
	}
	return buf
}

// Watchpoints returns all watchpoints ordered by address.
func (m *WatchpointManager) Watchpoints() []*Watchpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.index.All()
	wps := make([]*Watchpoint, len(entries))
	for i := range entries {
		wps[i] = entries[i].wp
	}
	return wps
}

// FindWatchpoints returns the watchpoints overlapping region.
func (m *WatchpointManager) FindWatchpoints(region MemoryRegion) []*Watchpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var wps []*Watchpoint
	for _, e := range m.index.All() {
		if e.span.Overlaps(region) {
			wps = append(wps, e.wp)
		}
	}
	return wps
}

func (m *WatchpointManager) findLocked(addr Address) *Watchpoint {
	e, ok := m.index.Find(addr)
	if !ok {
		return nil
	}
	return e.wp
}

// SetSettings changes the access kinds wp triggers on.
func (m *WatchpointManager) SetSettings(wp *Watchpoint, settings WatchpointSettings) error {
	exit, err := m.gate.enter("change watchpoint settings")
	if err != nil {
		return err
	}
	defer exit()
	m.mu.Lock()
	if wp.removed {
		m.mu.Unlock()
		return ErrBreakpointRemoved
	}
	old := wp.settings
	wasActive := wp.active
	if err := m.deactivateLocked(wp); err != nil {
		m.mu.Unlock()
		return err
	}
	wp.settings = settings
	if err := m.activateLocked(wp); err != nil {
		wp.settings = old
		if wasActive {
			m.activateLocked(wp)
		}
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()
	m.dispatch()
	return nil
}

// SetRelocationMode changes how wp follows its object. Switching a stale
// watchpoint to eager relocation moves it right away.
func (m *WatchpointManager) SetRelocationMode(wp *Watchpoint, mode RelocationMode) error {
	if mode != EagerRelocation && mode != LazyRelocation {
		return fmt.Errorf("unknown relocation mode %d", mode)
	}
	exit, err := m.gate.enter("change watchpoint relocation")
	if err != nil {
		return err
	}
	defer exit()
	m.mu.Lock()
	if wp.removed {
		m.mu.Unlock()
		return ErrBreakpointRemoved
	}
	wp.relocation = mode
	changed := false
	if mode == EagerRelocation && wp.stale {
		changed = m.relocateLocked(wp)
	}
	m.mu.Unlock()
	if changed {
		m.dispatch()
	}
	return nil
}

// SetEnabled enables or disables wp. Disabled watchpoints keep their
// region reserved.
func (m *WatchpointManager) SetEnabled(wp *Watchpoint, enabled bool) error {
	exit, err := m.gate.enter("enable watchpoint")
	if err != nil {
		return err
	}
	defer exit()
	m.mu.Lock()
	if wp.removed {
		m.mu.Unlock()
		return ErrBreakpointRemoved
	}
	if wp.enabled == enabled {
		m.mu.Unlock()
		return nil
	}
	wp.enabled = enabled
	if enabled {
		err = m.activateLocked(wp)
	} else {
		wp.gcSuspended = false
		err = m.deactivateLocked(wp)
	}
	if err != nil {
		wp.enabled = !enabled
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()
	m.dispatch()
	return nil
}

// Remove deletes wp.
func (m *WatchpointManager) Remove(wp *Watchpoint) error {
	exit, err := m.gate.enter("remove watchpoint")
	if err != nil {
		return err
	}
	defer exit()
	m.mu.Lock()
	if wp.removed {
		m.mu.Unlock()
		return ErrBreakpointRemoved
	}
	if err := m.deactivateLocked(wp); err != nil {
		m.mu.Unlock()
		return err
	}
	m.index.Remove(wp.region.Start)
	wp.removed = true
	m.log.Debugf("removed %s", wp.stringLocked())
	m.mu.Unlock()
	m.dispatch()
	return nil
}

// relocateLocked moves an object watchpoint to the object's current
// location. It returns true if the region changed. A watchpoint whose
// object died stops tracking but stays where it is.
func (m *WatchpointManager) relocateLocked(wp *Watchpoint) bool {
	wp.stale = false
	if !wp.tracking || wp.removed {
		return false
	}
	newOrigin, err := m.heap.Scheme().ResolveForwarded(wp.origin)
	if err != nil {
		m.log.Warnf("could not relocate %s: %v", wp.stringLocked(), err)
		return false
	}
	if newOrigin == wp.origin {
		if m.heap.MemoryStatus(wp.origin) == MemoryDead {
			m.log.Debugf("object of %s died, no longer tracking", wp.stringLocked())
			wp.tracking = false
		}
		return false
	}
	newRegion := NewMemoryRegion(wp.region.Name, newOrigin.Add(wp.offset), wp.region.Size)
	oldRegion := wp.region
	wasActive := wp.active
	if err := m.deactivateLocked(wp); err != nil {
		m.log.Errorf("could not relocate %s: %v", wp.stringLocked(), err)
		return false
	}
	m.index.Remove(oldRegion.Start)
	if err := m.index.Add(wpEntry{newRegion, wp}); err != nil {
		m.log.Errorf("could not relocate %s to %v: %v", wp.stringLocked(), newRegion, err)
		m.index.Add(wpEntry{oldRegion, wp})
		wp.tracking = false
		if wasActive {
			m.activateLocked(wp)
		}
		return false
	}
	wp.region = newRegion
	wp.origin = newOrigin
	if err := m.activateLocked(wp); err != nil {
		m.log.Errorf("could not reactivate %s: %v", wp.stringLocked(), err)
	}
	m.log.Debugf("relocated watchpoint %d from %v", wp.ID, oldRegion)
	return true
}

// gcStartedLocked relocates the watchpoints still stale from the previous
// collection, before their forwarding information is lost.
func (m *WatchpointManager) gcStartedLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for _, e := range m.index.All() {
		if e.wp.stale {
			changed = m.relocateLocked(e.wp) || changed
		}
	}
	return changed
}

// gcCompletedLocked follows moved objects and reactivates the watchpoints
// suspended during the collection.
func (m *WatchpointManager) gcCompletedLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for _, e := range m.index.All() {
		wp := e.wp
		if wp.tracking {
			if wp.relocation == EagerRelocation {
				changed = m.relocateLocked(wp) || changed
			} else {
				wp.stale = true
			}
		}
		if wp.gcSuspended {
			if err := m.activateLocked(wp); err != nil {
				m.log.Errorf("could not reactivate %s: %v", wp.stringLocked(), err)
			}
		}
	}
	return changed
}

// correlateLocked maps a watchpoint trigger to the watchpoint that caused
// it. It returns a nil event and true if the stop need not be reported.
func (m *WatchpointManager) correlateLocked(trig *WatchpointTrigger, threads []*Thread) (*WatchpointEvent, bool) {
	if trig == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	wp := m.findLocked(trig.Addr)
	if wp == nil {
		m.log.Warnf("watchpoint triggered at %#x, no watchpoint there", uint64(trig.Addr))
		return nil, false
	}
	if m.heap.IsInGC() && !wp.settings.EnabledDuringGC {
		if err := m.deactivateLocked(wp); err != nil {
			m.log.Errorf("could not deactivate %s: %v", wp.stringLocked(), err)
		}
		wp.gcSuspended = true
		return nil, true
	}
	ev := &WatchpointEvent{Watchpoint: wp, Addr: trig.Addr, Access: trig.Access, Before: wp.cache}
	for _, t := range threads {
		if t.ID() == trig.Thread {
			ev.Thread = t
			break
		}
	}
	return ev, false
}

// refreshCachesLocked re-reads the watched bytes of every watchpoint.
func (m *WatchpointManager) refreshCachesLocked() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.index.All() {
		e.wp.cache = m.readCache(e.wp.region)
	}
}
