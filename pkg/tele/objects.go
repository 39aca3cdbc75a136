package tele

import "fmt"

// Object is a surrogate for an object in the target's heap.
type Object struct {
	origin Address
	hub    Address
	size   uint64
	region *HeapRegion
}

// Origin returns the address identifying the object.
func (o *Object) Origin() Address {
	return o.origin
}

// Hub returns the address of the object's type descriptor.
func (o *Object) Hub() Address {
	return o.hub
}

// Size returns the size of the object in bytes, header included.
func (o *Object) Size() uint64 {
	return o.size
}

// Region returns the heap region the object was found in, nil for objects
// living in code regions.
func (o *Object) Region() *HeapRegion {
	return o.region
}

// Span returns the memory occupied by the object.
func (o *Object) Span() MemoryRegion {
	return MemoryRegion{Start: o.origin, Size: o.size, Name: fmt.Sprintf("object@%#x", uint64(o.origin))}
}

func (o *Object) String() string {
	return fmt.Sprintf("object@%#x(hub=%#x, size=%d)", uint64(o.origin), uint64(o.hub), o.size)
}

func (h *HeapManager) inHeapOrCode(addr Address) bool {
	return h.Contains(addr) || (h.code != nil && h.code.Contains(addr))
}

func (h *HeapManager) readWord(addr Address) (uint64, error) {
	return ReadWord(h.mem, addr, h.info.WordSize)
}

// IsValidOrigin returns true if origin is the origin of an object.
//
// Targets built with tagged origins are checked by reading the tag word
// preceding the object. Otherwise the chain of hub pointers starting at
// origin is followed: the origin is valid if the chain reaches a pointer
// already seen within HubChainLimit hops, invalid if a hop leaves every
// heap and code region or the limit is exceeded.
//
// While a collection is in progress origins in the dynamic heap are
// reported invalid.
func (h *HeapManager) IsValidOrigin(origin Address) bool {
	if origin.IsZero() || !h.inHeapOrCode(origin) {
		return false
	}
	if h.IsInGC() && h.ContainsInDynamicHeap(origin) {
		return false
	}
	if h.info.TaggedOrigins {
		tag, err := h.readWord(origin.Add(-int64(h.info.WordSize)))
		return err == nil && tag == h.cfg.OriginTag
	}
	return h.checkHubChain(origin)
}

func (h *HeapManager) checkHubChain(origin Address) bool {
	seen := map[Address]bool{}
	p := origin
	for i := 0; i < h.cfg.HubChainLimit; i++ {
		word, err := h.readWord(p.Add(h.info.HubOffset))
		if err != nil {
			return false
		}
		if h.scheme.IsForwardingPointer(word) {
			return false
		}
		hub := Address(word)
		if hub.IsZero() || !h.inHeapOrCode(hub) {
			return false
		}
		if hub == p || seen[hub] {
			return true
		}
		seen[p] = true
		p = hub
	}
	return false
}

// FindObjectAt returns the object whose origin is origin.
func (h *HeapManager) FindObjectAt(origin Address) (*Object, error) {
	if h.initState() != heapReady {
		return nil, ErrNotInitialized
	}
	if v, ok := h.objects.Get(origin); ok {
		return v.(*Object), nil
	}
	if !h.IsValidOrigin(origin) {
		return nil, &InvalidReferenceError{Origin: origin}
	}
	header := h.info.HubOffset + int64(h.info.WordSize)
	if header < 0 {
		header = int64(h.info.WordSize)
	}
	mem := cacheMemory(h.mem, origin, int(header))
	hub, err := ReadWord(mem, origin.Add(h.info.HubOffset), h.info.WordSize)
	if err != nil {
		return nil, err
	}
	size, err := h.tables.ObjectSize(origin, Address(hub))
	if err != nil {
		return nil, fmt.Errorf("could not compute size of object at %#x: %w", uint64(origin), err)
	}
	obj := &Object{origin: origin, hub: Address(hub), size: size, region: h.FindHeapRegion(origin)}
	h.objects.Add(origin, obj)
	return obj, nil
}

// FindObjectFollowing returns the first object whose origin lies in
// [addr, addr+maxSearch), scanning word by word.
func (h *HeapManager) FindObjectFollowing(addr Address, maxSearch uint64) (*Object, error) {
	ws := int64(h.info.WordSize)
	start := addr.Align(ws)
	for p := start; p < addr+Address(maxSearch); p = p.Add(ws) {
		if h.IsValidOrigin(p) {
			return h.FindObjectAt(p)
		}
	}
	return nil, &InvalidReferenceError{Origin: addr}
}

// FindObjectPreceding returns the last object whose origin lies in
// (addr-maxSearch, addr], scanning word by word.
func (h *HeapManager) FindObjectPreceding(addr Address, maxSearch uint64) (*Object, error) {
	ws := int64(h.info.WordSize)
	p := addr.AlignDown(ws)
	limit := Address(0)
	if uint64(addr) > maxSearch {
		limit = addr - Address(maxSearch)
	}
	for ; p > limit; p = p.Add(-ws) {
		if h.IsValidOrigin(p) {
			return h.FindObjectAt(p)
		}
	}
	return nil, &InvalidReferenceError{Origin: addr}
}

// IsObjectForwarded returns true if the object at origin was copied by the
// collector and its old location holds a forwarding pointer.
func (h *HeapManager) IsObjectForwarded(origin Address) (bool, error) {
	off, moving := h.scheme.ForwardingPointerOffset()
	if !moving {
		return false, nil
	}
	word, err := h.readWord(origin.Add(off))
	if err != nil {
		return false, err
	}
	return h.scheme.IsForwardingPointer(word), nil
}

// ForwardedObject returns the object at the new location of a forwarded
// object, or the object at origin if it was not forwarded.
func (h *HeapManager) ForwardedObject(origin Address) (*Object, error) {
	newOrigin, err := h.scheme.ResolveForwarded(origin)
	if err != nil {
		return nil, err
	}
	return h.FindObjectAt(newOrigin)
}
