package tele

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/derekparker/trie"

	"github.com/go-maxine/maxscope/pkg/logflags"
)

// CompiledCode is one compilation of a method, or a block of foreign code
// discovered in the target.
type CompiledCode struct {
	region    *EntityRegion
	method    MethodKey
	entry     Address
	bodyStart Address
	positions map[int]Address
	external  bool
}

func newCompiledCode(d *CodeDescriptor) *CompiledCode {
	name := d.Name
	if name == "" {
		name = d.Method.String()
	}
	cc := &CompiledCode{
		method:    d.Method,
		entry:     d.Entry,
		bodyStart: d.BodyStart,
		positions: make(map[int]Address, len(d.Positions)),
		external:  d.External,
	}
	if cc.entry.IsZero() {
		cc.entry = d.Start
	}
	if cc.bodyStart.IsZero() {
		cc.bodyStart = cc.entry
	}
	for pos, addr := range d.Positions {
		cc.positions[pos] = addr
	}
	cc.region = NewEntityRegion(cc, NewMemoryRegion(name, d.Start, d.Size), false)
	return cc
}

// Span implements Region.
func (cc *CompiledCode) Span() MemoryRegion { return cc.region.MemoryRegion }

// MemoryRegion returns the entity region of the compilation.
func (cc *CompiledCode) MemoryRegion() *EntityRegion { return cc.region }

func (cc *CompiledCode) EntityName() string { return cc.region.Name }

func (cc *CompiledCode) EntityDescription() string {
	if cc.external {
		return fmt.Sprintf("external code %v", cc.region.MemoryRegion)
	}
	return fmt.Sprintf("compilation of %s %v", cc.method, cc.region.MemoryRegion)
}

// Method returns the compiled method, zero for external code.
func (cc *CompiledCode) Method() MethodKey { return cc.method }

// Entry returns the pre-prologue entry point.
func (cc *CompiledCode) Entry() Address { return cc.entry }

// BodyStart returns the first instruction after the prologue.
func (cc *CompiledCode) BodyStart() Address { return cc.bodyStart }

// External returns true for code not produced by the VM's compilers.
func (cc *CompiledCode) External() bool { return cc.external }

// Contains returns true if addr is inside the compilation.
func (cc *CompiledCode) Contains(addr Address) bool { return cc.region.Contains(addr) }

// AddressOf maps a bytecode position to an instruction address.
// Position -1 is the entry point, position 0 the start of the body unless
// the compiler recorded a different address for it.
func (cc *CompiledCode) AddressOf(position int) (Address, bool) {
	if position == EntryPosition {
		return cc.entry, true
	}
	if addr, ok := cc.positions[position]; ok {
		return addr, true
	}
	if position == BodyPosition {
		return cc.bodyStart, true
	}
	return 0, false
}

// Offset returns the distance of addr from the start of the compilation.
func (cc *CompiledCode) Offset(addr Address) int64 { return addr.Sub(cc.region.Start) }

// Location returns the location of addr in this compilation.
func (cc *CompiledCode) Location(addr Address) CodeLocation {
	if cc.external || cc.method.IsZero() {
		return LocationAt(addr)
	}
	pos := -2
	for p, a := range cc.positions {
		if a == addr && (pos < -1 || p < pos) {
			pos = p
		}
	}
	switch {
	case pos >= 0:
	case addr == cc.entry:
		pos = EntryPosition
	case addr == cc.bodyStart:
		pos = BodyPosition
	default:
		return LocationAt(addr)
	}
	loc, _ := LocationAtAddressInMethod(addr, cc.method, pos)
	return loc
}

func (cc *CompiledCode) String() string { return cc.EntityDescription() }

// CodeListener is notified, on the ingestion path, of compilations added
// to and evicted from the code registry.
type CodeListener interface {
	CodeCompiled(cc *CompiledCode)
	CodeEvicted(cc *CompiledCode)
}

// CodeRegistry is the address ordered table of compiled code in the target.
type CodeRegistry struct {
	log logflags.Logger
	set *RegionSet[*CompiledCode]

	mu        sync.RWMutex
	byMethod  map[MethodKey][]*CompiledCode
	methods   *trie.Trie
	listeners []CodeListener
}

func newCodeRegistry() *CodeRegistry {
	return &CodeRegistry{
		log:      logflags.CodeLogger(),
		set:      NewRegionSet[*CompiledCode](),
		byMethod: make(map[MethodKey][]*CompiledCode),
		methods:  trie.New(),
	}
}

// AddCodeListener registers l. Listeners are called in registration order.
func (r *CodeRegistry) AddCodeListener(l CodeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *CodeRegistry) codeListeners() []CodeListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listeners
}

// Register adds a compilation described by d.
func (r *CodeRegistry) Register(d CodeDescriptor) (*CompiledCode, error) {
	cc := newCompiledCode(&d)
	if err := r.set.Add(cc); err != nil {
		return nil, err
	}
	if !cc.method.IsZero() {
		r.mu.Lock()
		old := r.byMethod[cc.method]
		r.byMethod[cc.method] = append(append(make([]*CompiledCode, 0, len(old)+1), old...), cc)
		name := cc.method.String()
		if _, found := r.methods.Find(name); !found {
			r.methods.Add(name, cc.method)
		}
		r.mu.Unlock()
	}
	r.log.Debugf("registered %v", cc)
	for _, l := range r.codeListeners() {
		l.CodeCompiled(cc)
	}
	return cc, nil
}

// Evict removes the compilation starting at start.
func (r *CodeRegistry) Evict(start Address) (*CompiledCode, bool) {
	cc, ok := r.set.Remove(start)
	if !ok {
		return nil, false
	}
	if !cc.method.IsZero() {
		r.mu.Lock()
		old := r.byMethod[cc.method]
		rest := make([]*CompiledCode, 0, len(old))
		for _, other := range old {
			if other != cc {
				rest = append(rest, other)
			}
		}
		if len(rest) == 0 {
			delete(r.byMethod, cc.method)
		} else {
			r.byMethod[cc.method] = rest
		}
		r.mu.Unlock()
	}
	r.log.Debugf("evicted %v", cc)
	for _, l := range r.codeListeners() {
		l.CodeEvicted(cc)
	}
	return cc, true
}

// Refresh brings the registry in line with the runtime's table of live
// code: compilations missing from units are evicted, new ones registered.
// Malformed entries are skipped and reported in the returned error.
func (r *CodeRegistry) Refresh(units []CodeDescriptor) error {
	live := make(map[Address]*CodeDescriptor, len(units))
	for i := range units {
		live[units[i].Start] = &units[i]
	}
	for _, cc := range r.set.All() {
		d, ok := live[cc.Span().Start]
		if ok && cc.Span().SameAs(d.span()) && cc.method == d.Method {
			delete(live, cc.Span().Start)
			continue
		}
		r.Evict(cc.Span().Start)
	}
	var errs []error
	for i := range units {
		d := &units[i]
		if _, isNew := live[d.Start]; !isNew {
			continue
		}
		if _, err := r.Register(*d); err != nil {
			r.log.Warnf("skipping code %s: %v", d.Name, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *CodeDescriptor) span() MemoryRegion {
	return MemoryRegion{Start: d.Start, Size: d.Size, Name: d.Name}
}

// FindCode returns the compilation containing addr, or nil.
func (r *CodeRegistry) FindCode(addr Address) *CompiledCode {
	cc, _ := r.set.Find(addr)
	return cc
}

// Contains returns true if addr is in some registered code.
func (r *CodeRegistry) Contains(addr Address) bool {
	return r.set.Contains(addr)
}

// Compilations returns all registered code, sorted by address.
func (r *CodeRegistry) Compilations() []*CompiledCode {
	return r.set.All()
}

// CompilationsOf returns the live compilations of method, oldest first.
func (r *CodeRegistry) CompilationsOf(method MethodKey) []*CompiledCode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byMethod[method]
}

// FindMethods returns the methods ever compiled whose qualified name
// starts with prefix, sorted.
func (r *CodeRegistry) FindMethods(prefix string) []MethodKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.methods.PrefixSearch(prefix)
	sort.Strings(names)
	keys := make([]MethodKey, 0, len(names))
	for _, name := range names {
		if node, ok := r.methods.Find(name); ok {
			keys = append(keys, node.Meta().(MethodKey))
		}
	}
	return keys
}
