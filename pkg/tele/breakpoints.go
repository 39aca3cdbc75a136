package tele

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-maxine/maxscope/pkg/logflags"
)

// BreakpointKind tells who a breakpoint was created for.
type BreakpointKind uint16

const (
	// ClientBreakpoint is created by the client and reported in state
	// snapshots.
	ClientBreakpoint BreakpointKind = 1 << iota
	// SystemBreakpoint is used internally, either to implement a client
	// breakpoint on a method (the client breakpoint is its owner) or to
	// run a handler when the target reaches some address.
	SystemBreakpoint
	// TransientBreakpoint is set by RunToInstruction and removed at the
	// next stop.
	TransientBreakpoint
)

func (k BreakpointKind) String() string {
	switch k {
	case ClientBreakpoint:
		return "client"
	case SystemBreakpoint:
		return "system"
	case TransientBreakpoint:
		return "transient"
	}
	return fmt.Sprintf("BreakpointKind(%d)", uint16(k))
}

// SystemHandler is called when a system breakpoint without owner is hit.
// It returns true if the thread should be resumed without reporting the
// stop.
type SystemHandler func(thread *Thread) (resume bool)

// Breakpoint is a logical breakpoint. Several breakpoints can share the
// trigger installed at one address.
type Breakpoint struct {
	ID   int
	Kind BreakpointKind

	mgr *BreakpointManager

	// guarded by mgr.mu
	location    CodeLocation
	enabled     bool
	cond        *condition
	description string
	hitCount    uint64
	removed     bool
	owner       *Breakpoint
	owned       map[Address]*Breakpoint
	handler     SystemHandler
}

// Location returns where the breakpoint is set. A breakpoint on a method
// gains an address when the method is first compiled.
func (bp *Breakpoint) Location() CodeLocation {
	bp.mgr.mu.RLock()
	defer bp.mgr.mu.RUnlock()
	return bp.location
}

// IsEnabled returns true if the breakpoint is enabled.
func (bp *Breakpoint) IsEnabled() bool {
	bp.mgr.mu.RLock()
	defer bp.mgr.mu.RUnlock()
	return bp.enabled
}

// Condition returns the source of the condition, empty if none.
func (bp *Breakpoint) Condition() string {
	bp.mgr.mu.RLock()
	defer bp.mgr.mu.RUnlock()
	if bp.cond == nil {
		return ""
	}
	return bp.cond.src
}

// Description returns the client supplied description.
func (bp *Breakpoint) Description() string {
	bp.mgr.mu.RLock()
	defer bp.mgr.mu.RUnlock()
	return bp.description
}

// SetDescription changes the description of the breakpoint.
func (bp *Breakpoint) SetDescription(description string) {
	bp.mgr.mu.Lock()
	defer bp.mgr.mu.Unlock()
	bp.description = description
}

// HitCount returns how many times the breakpoint was reached.
func (bp *Breakpoint) HitCount() uint64 {
	bp.mgr.mu.RLock()
	defer bp.mgr.mu.RUnlock()
	return bp.hitCount
}

// Owner returns the client breakpoint a system breakpoint was created for.
func (bp *Breakpoint) Owner() *Breakpoint {
	return bp.owner
}

// IsTransient returns true for breakpoints removed at the next stop.
func (bp *Breakpoint) IsTransient() bool {
	return bp.Kind == TransientBreakpoint
}

// IsClient returns true for breakpoints visible to the client.
func (bp *Breakpoint) IsClient() bool {
	return bp.Kind == ClientBreakpoint
}

// IsRemoved returns true once the breakpoint was removed.
func (bp *Breakpoint) IsRemoved() bool {
	bp.mgr.mu.RLock()
	defer bp.mgr.mu.RUnlock()
	return bp.removed
}

// IsSameAs returns true if both breakpoints are set at the same location.
func (bp *Breakpoint) IsSameAs(other *Breakpoint) bool {
	if bp == other {
		return true
	}
	if other == nil || bp.Kind != other.Kind {
		return false
	}
	return bp.Location().IsSameAs(other.Location())
}

func (bp *Breakpoint) isActiveLocked() bool {
	if bp.removed || !bp.enabled {
		return false
	}
	return bp.owner == nil || bp.owner.isActiveLocked()
}

func (bp *Breakpoint) String() string {
	bp.mgr.mu.RLock()
	defer bp.mgr.mu.RUnlock()
	return bp.stringLocked()
}

func (bp *Breakpoint) stringLocked() string {
	return fmt.Sprintf("%s breakpoint %d at %v", bp.Kind, bp.ID, bp.location)
}

// BreakpointEvent reports a thread stopped by a client breakpoint.
type BreakpointEvent struct {
	Breakpoint *Breakpoint
	Thread     *Thread
	// CondError is set if the condition could not be evaluated.
	CondError error
}

// BreakpointListener is notified of changes to the client breakpoints.
// Listeners are called with the session's gate held and must not issue
// commands.
type BreakpointListener interface {
	BreakpointsChanged()
	BreakpointToBeDeleted(bp *Breakpoint, reason string)
}

// trigger is the breakpoint instruction installed at one address.
type trigger struct {
	addr      Address
	bps       []*Breakpoint
	installed bool
}

// BreakpointManager creates and tracks the breakpoints of a session.
type BreakpointManager struct {
	log    logflags.Logger
	gate   commandGate
	target TriggerController
	code   *CodeRegistry

	mu        sync.RWMutex
	byAddr    map[Address]*Breakpoint
	byKey     map[methodPosition]*Breakpoint
	triggers  map[Address]*trigger
	transient []*Breakpoint

	clientIDCounter   int
	internalIDCounter int

	listenersMu sync.Mutex
	listeners   []BreakpointListener
}

func newBreakpointManager(gate commandGate, target TriggerController, code *CodeRegistry) *BreakpointManager {
	m := &BreakpointManager{
		log:      logflags.BreakpointsLogger(),
		gate:     gate,
		target:   target,
		code:     code,
		byAddr:   make(map[Address]*Breakpoint),
		byKey:    make(map[methodPosition]*Breakpoint),
		triggers: make(map[Address]*trigger),
	}
	code.AddCodeListener(m)
	return m
}

// AddListener registers l.
func (m *BreakpointManager) AddListener(l BreakpointListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// RemoveListener unregisters l.
func (m *BreakpointManager) RemoveListener(l BreakpointListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	for i, other := range m.listeners {
		if other == l {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return
		}
	}
}

// notice is a listener notification deferred until the manager's lock
// is released.
type notice struct {
	deleted *Breakpoint
	reason  string
}

func (m *BreakpointManager) dispatch(notices []notice) {
	if len(notices) == 0 {
		return
	}
	m.listenersMu.Lock()
	listeners := m.listeners
	m.listenersMu.Unlock()
	for _, n := range notices {
		if n.deleted == nil {
			continue
		}
		for _, l := range listeners {
			l.BreakpointToBeDeleted(n.deleted, n.reason)
		}
	}
	for _, l := range listeners {
		l.BreakpointsChanged()
	}
}

// MakeBreakpoint returns the client breakpoint at loc, creating it if
// there is none. Calling it twice with the same location returns the same
// breakpoint.
//
// A location without address sets a breakpoint on every current and
// future compilation of the method. Such a breakpoint gains the address of
// the first compilation, and a later request for that address returns it.
func (m *BreakpointManager) MakeBreakpoint(loc CodeLocation) (*Breakpoint, error) {
	exit, err := m.gate.enter("make breakpoint")
	if err != nil {
		return nil, err
	}
	defer exit()
	bp, created, err := m.makeBreakpointLocked(loc)
	if err != nil {
		return nil, err
	}
	if created {
		m.dispatch([]notice{{}})
	}
	return bp, nil
}

func (m *BreakpointManager) makeBreakpointLocked(loc CodeLocation) (*Breakpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loc.HasAddress() {
		if bp := m.byAddr[loc.Address()]; bp != nil {
			return bp, false, nil
		}
		if !loc.HasMethodKey() {
			if cc := m.code.FindCode(loc.Address()); cc != nil {
				loc = cc.Location(loc.Address())
			}
		}
		bp := m.newBreakpointLocked(ClientBreakpoint, loc)
		if err := m.attachLocked(loc.Address(), bp); err != nil {
			return nil, false, err
		}
		m.byAddr[loc.Address()] = bp
		m.log.Debugf("created %s", bp.stringLocked())
		return bp, true, nil
	}
	if !loc.HasMethodKey() {
		return nil, false, fmt.Errorf("can not set breakpoint at %v", loc)
	}
	mp := loc.methodPosition()
	if bp := m.byKey[mp]; bp != nil {
		return bp, false, nil
	}
	bp := m.newBreakpointLocked(ClientBreakpoint, loc)
	bp.owned = make(map[Address]*Breakpoint)
	m.byKey[mp] = bp
	for _, cc := range m.code.CompilationsOf(loc.MethodKey()) {
		m.compiledLocked(bp, cc)
	}
	m.log.Debugf("created %s", bp.stringLocked())
	return bp, true, nil
}

func (m *BreakpointManager) newBreakpointLocked(kind BreakpointKind, loc CodeLocation) *Breakpoint {
	bp := &Breakpoint{Kind: kind, mgr: m, location: loc, enabled: true}
	if kind == ClientBreakpoint {
		m.clientIDCounter++
		bp.ID = m.clientIDCounter
	} else {
		m.internalIDCounter--
		bp.ID = m.internalIDCounter
	}
	return bp
}

// compiledLocked installs a system breakpoint for the method breakpoint bp
// into cc.
func (m *BreakpointManager) compiledLocked(bp *Breakpoint, cc *CompiledCode) {
	addr, ok := cc.AddressOf(bp.location.Position())
	if !ok {
		m.log.Warnf("no address for position %d in %v", bp.location.Position(), cc)
		return
	}
	if _, dup := bp.owned[addr]; dup {
		return
	}
	sys := m.newBreakpointLocked(SystemBreakpoint, cc.Location(addr))
	sys.owner = bp
	if err := m.attachLocked(addr, sys); err != nil {
		m.log.Errorf("could not install breakpoint for %s in %v: %v", bp.stringLocked(), cc, err)
		return
	}
	bp.owned[addr] = sys
	if !bp.location.HasAddress() {
		bp.location = bp.location.withAddress(addr)
		if m.byAddr[addr] == nil {
			m.byAddr[addr] = bp
		}
		m.log.Debugf("%s bound to %v", bp.stringLocked(), cc)
	}
}

// attachLocked adds bp to the trigger at addr, installing it in the target
// if needed. On failure nothing changes.
func (m *BreakpointManager) attachLocked(addr Address, bp *Breakpoint) error {
	t := m.triggers[addr]
	if t == nil {
		t = &trigger{addr: addr}
	}
	t.bps = append(t.bps, bp)
	if err := m.syncTriggerLocked(t); err != nil {
		t.bps = t.bps[:len(t.bps)-1]
		return err
	}
	if len(t.bps) > 0 {
		m.triggers[addr] = t
	}
	return nil
}

func (m *BreakpointManager) detachLocked(addr Address, bp *Breakpoint) {
	t := m.triggers[addr]
	if t == nil {
		return
	}
	for i, other := range t.bps {
		if other == bp {
			t.bps = append(t.bps[:i:i], t.bps[i+1:]...)
			break
		}
	}
	if err := m.syncTriggerLocked(t); err != nil {
		m.log.Errorf("could not remove breakpoint at %#x: %v", uint64(addr), err)
	}
	if len(t.bps) == 0 && !t.installed {
		delete(m.triggers, addr)
	}
}

// syncTriggerLocked installs or removes the trigger so that it is present
// in the target iff one of its breakpoints is active.
func (m *BreakpointManager) syncTriggerLocked(t *trigger) error {
	want := false
	for _, bp := range t.bps {
		if bp.isActiveLocked() {
			want = true
			break
		}
	}
	switch {
	case want && !t.installed:
		if err := m.target.InstallBreakpoint(t.addr); err != nil {
			return err
		}
		t.installed = true
	case !want && t.installed:
		if err := m.target.RemoveBreakpoint(t.addr); err != nil {
			return err
		}
		t.installed = false
	}
	return nil
}

func (m *BreakpointManager) syncBreakpointLocked(bp *Breakpoint) error {
	if bp.owned != nil {
		for addr := range bp.owned {
			if t := m.triggers[addr]; t != nil {
				if err := m.syncTriggerLocked(t); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if t := m.triggers[bp.location.Address()]; t != nil {
		return m.syncTriggerLocked(t)
	}
	return nil
}

// FindBreakpoint returns the client breakpoint at loc, or nil.
func (m *BreakpointManager) FindBreakpoint(loc CodeLocation) *Breakpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if loc.HasAddress() {
		return m.byAddr[loc.Address()]
	}
	return m.byKey[loc.methodPosition()]
}

// Breakpoints returns the client breakpoints ordered by id.
func (m *BreakpointManager) Breakpoints() []*Breakpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[*Breakpoint]bool)
	bps := make([]*Breakpoint, 0, len(m.byAddr)+len(m.byKey))
	for _, bp := range m.byAddr {
		if !seen[bp] {
			seen[bp] = true
			bps = append(bps, bp)
		}
	}
	for _, bp := range m.byKey {
		if !seen[bp] {
			seen[bp] = true
			bps = append(bps, bp)
		}
	}
	sort.Slice(bps, func(i, j int) bool { return bps[i].ID < bps[j].ID })
	return bps
}

// SetEnabled enables or disables bp. Disabled breakpoints are removed from
// the target but remembered.
func (m *BreakpointManager) SetEnabled(bp *Breakpoint, enabled bool) error {
	exit, err := m.gate.enter("enable breakpoint")
	if err != nil {
		return err
	}
	defer exit()
	m.mu.Lock()
	if bp.removed {
		m.mu.Unlock()
		return ErrBreakpointRemoved
	}
	if bp.enabled == enabled {
		m.mu.Unlock()
		return nil
	}
	bp.enabled = enabled
	if err := m.syncBreakpointLocked(bp); err != nil {
		bp.enabled = !enabled
		m.syncBreakpointLocked(bp)
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()
	m.dispatch([]notice{{}})
	return nil
}

// SetCondition sets the condition of bp, an empty expression removes it.
func (m *BreakpointManager) SetCondition(bp *Breakpoint, expr string) error {
	var cond *condition
	if expr != "" {
		var err error
		cond, err = compileCondition(expr)
		if err != nil {
			return err
		}
	}
	exit, err := m.gate.enter("set breakpoint condition")
	if err != nil {
		return err
	}
	defer exit()
	m.mu.Lock()
	if bp.removed {
		m.mu.Unlock()
		return ErrBreakpointRemoved
	}
	bp.cond = cond
	m.mu.Unlock()
	m.dispatch([]notice{{}})
	return nil
}

// Remove deletes bp.
func (m *BreakpointManager) Remove(bp *Breakpoint) error {
	exit, err := m.gate.enter("remove breakpoint")
	if err != nil {
		return err
	}
	defer exit()
	m.mu.Lock()
	if bp.removed {
		m.mu.Unlock()
		return ErrBreakpointRemoved
	}
	m.removeLocked(bp)
	m.mu.Unlock()
	m.dispatch([]notice{{deleted: bp, reason: "removed by client"}})
	return nil
}

func (m *BreakpointManager) removeLocked(bp *Breakpoint) {
	bp.removed = true
	switch {
	case bp.owned != nil:
		for addr, sys := range bp.owned {
			sys.removed = true
			m.detachLocked(addr, sys)
		}
		bp.owned = nil
		delete(m.byKey, bp.location.methodPosition())
		if bp.location.HasAddress() && m.byAddr[bp.location.Address()] == bp {
			delete(m.byAddr, bp.location.Address())
		}
	case bp.owner != nil:
		if bp.owner.owned != nil {
			delete(bp.owner.owned, bp.location.Address())
		}
		m.detachLocked(bp.location.Address(), bp)
	default:
		if bp.Kind == ClientBreakpoint && m.byAddr[bp.location.Address()] == bp {
			delete(m.byAddr, bp.location.Address())
		}
		m.detachLocked(bp.location.Address(), bp)
	}
	m.log.Debugf("removed %s", bp.stringLocked())
}

// SetSystemBreakpoint sets a breakpoint invisible to the client at addr.
// handler runs on the ingestion path every time a thread hits it.
func (m *BreakpointManager) SetSystemBreakpoint(addr Address, handler SystemHandler) (*Breakpoint, error) {
	exit, err := m.gate.enter("set system breakpoint")
	if err != nil {
		return nil, err
	}
	defer exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	loc := LocationAt(addr)
	if cc := m.code.FindCode(addr); cc != nil {
		loc = cc.Location(addr)
	}
	bp := m.newBreakpointLocked(SystemBreakpoint, loc)
	bp.handler = handler
	if err := m.attachLocked(addr, bp); err != nil {
		return nil, err
	}
	return bp, nil
}

// RemoveSystemBreakpoint deletes a breakpoint set by SetSystemBreakpoint.
func (m *BreakpointManager) RemoveSystemBreakpoint(bp *Breakpoint) error {
	if bp.Kind != SystemBreakpoint || bp.owner != nil {
		return fmt.Errorf("%v is not a system breakpoint", bp)
	}
	exit, err := m.gate.enter("remove system breakpoint")
	if err != nil {
		return err
	}
	defer exit()
	m.mu.Lock()
	defer m.mu.Unlock()
	if bp.removed {
		return ErrBreakpointRemoved
	}
	m.removeLocked(bp)
	return nil
}

// setTransientLocked sets a breakpoint removed at the next stop. The
// caller holds the gate.
func (m *BreakpointManager) setTransientLocked(addr Address) (*Breakpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp := m.newBreakpointLocked(TransientBreakpoint, LocationAt(addr))
	if err := m.attachLocked(addr, bp); err != nil {
		return nil, err
	}
	m.transient = append(m.transient, bp)
	return bp, nil
}

// clearTransientLocked removes all transient breakpoints.
func (m *BreakpointManager) clearTransientLocked() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bp := range m.transient {
		if !bp.removed {
			m.removeLocked(bp)
		}
	}
	m.transient = nil
}

// CodeCompiled binds method breakpoints to a new compilation.
func (m *BreakpointManager) CodeCompiled(cc *CompiledCode) {
	if cc.Method().IsZero() {
		return
	}
	m.mu.Lock()
	for mp, bp := range m.byKey {
		if mp.key == cc.Method() {
			m.compiledLocked(bp, cc)
		}
	}
	m.mu.Unlock()
}

// CodeEvicted deletes client breakpoints set at addresses inside evicted
// code and detaches system breakpoints from their method breakpoint.
func (m *BreakpointManager) CodeEvicted(cc *CompiledCode) {
	var notices []notice
	m.mu.Lock()
	for addr, t := range m.triggers {
		if !cc.Contains(addr) {
			continue
		}
		for _, bp := range append([]*Breakpoint(nil), t.bps...) {
			switch {
			case bp.owner != nil:
				m.removeLocked(bp)
				m.rebindLocked(bp.owner, addr)
			case bp.Kind == ClientBreakpoint:
				m.removeLocked(bp)
				notices = append(notices, notice{deleted: bp, reason: fmt.Sprintf("code evicted: %v", cc)})
			default:
				m.removeLocked(bp)
			}
		}
	}
	m.mu.Unlock()
	if len(notices) > 0 {
		m.dispatch(notices)
	}
}

// rebindLocked moves the address of a method breakpoint whose compilation
// at addr went away to one of its remaining compilations.
func (m *BreakpointManager) rebindLocked(bp *Breakpoint, addr Address) {
	if !bp.location.HasAddress() || bp.location.Address() != addr {
		return
	}
	if m.byAddr[addr] == bp {
		delete(m.byAddr, addr)
	}
	loc, _ := LocationInMethod(bp.location.MethodKey(), bp.location.Position())
	for other := range bp.owned {
		if !loc.HasAddress() || other < loc.Address() {
			loc = loc.withAddress(other)
		}
	}
	bp.location = loc
	if loc.HasAddress() && m.byAddr[loc.Address()] == nil {
		m.byAddr[loc.Address()] = bp
	}
}

// correlation is the result of matching halted threads to breakpoints.
type correlation struct {
	events []*BreakpointEvent
	// hits counts threads stopped at a breakpoint instruction.
	hits int
	// silent counts the hits that need not be reported: failed
	// conditions and system handlers asking to resume.
	silent int
}

// Correlate maps threads stopped at breakpoint instructions to the
// client breakpoints that stopped them and runs the handlers of system
// breakpoints.
func (m *BreakpointManager) Correlate(threads []*Thread) []*BreakpointEvent {
	return m.correlate(threads).events
}

func (m *BreakpointManager) correlate(threads []*Thread) correlation {
	var c correlation
	type pending struct {
		thread   *Thread
		handlers []SystemHandler
	}
	var quiet []pending
	m.mu.Lock()
	for _, thread := range threads {
		if thread.State() != AtBreakpoint {
			continue
		}
		c.hits++
		t := m.triggers[thread.IP()]
		if t == nil {
			m.log.Warnf("thread %d stopped at %#x, no breakpoint there", thread.ID(), uint64(thread.IP()))
			continue
		}
		stop := false
		p := pending{thread: thread}
		reported := map[*Breakpoint]bool{}
		for _, bp := range t.bps {
			if !bp.isActiveLocked() {
				continue
			}
			switch {
			case bp.Kind == TransientBreakpoint:
				stop = true
			case bp.owner != nil, bp.Kind == ClientBreakpoint:
				client := bp
				if bp.owner != nil {
					client = bp.owner
				}
				if reported[client] {
					continue
				}
				reported[client] = true
				client.hitCount++
				active, err := evalBreakpointCondition(client.cond, thread, client.hitCount)
				if active || err != nil {
					stop = true
					c.events = append(c.events, &BreakpointEvent{Breakpoint: client, Thread: thread, CondError: err})
				}
			case bp.handler != nil:
				bp.hitCount++
				p.handlers = append(p.handlers, bp.handler)
			default:
				stop = true
			}
		}
		if !stop {
			quiet = append(quiet, p)
		}
	}
	m.mu.Unlock()
	// handlers run without the lock, they may query the manager
	for _, p := range quiet {
		resume := true
		for _, h := range p.handlers {
			if !h(p.thread) {
				resume = false
			}
		}
		if resume {
			c.silent++
		}
	}
	return c
}
