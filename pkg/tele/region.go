package tele

import "fmt"

// MemoryRegion describes a span of the target's address space.
// MemoryRegion is a value type, regions are never modified once built.
type MemoryRegion struct {
	Start Address
	Size  uint64
	Name  string
}

// NewMemoryRegion returns the region [start, start+size).
func NewMemoryRegion(name string, start Address, size uint64) MemoryRegion {
	return MemoryRegion{Start: start, Size: size, Name: name}
}

// End returns the first address past the region.
func (r MemoryRegion) End() Address {
	return r.Start + Address(r.Size)
}

// Contains returns true if Start <= addr < End.
// A zero length region contains nothing.
func (r MemoryRegion) Contains(addr Address) bool {
	return r.Size > 0 && addr >= r.Start && addr < r.End()
}

// Overlaps returns true if the two regions share at least one address.
func (r MemoryRegion) Overlaps(other MemoryRegion) bool {
	if r.Size == 0 || other.Size == 0 {
		return false
	}
	return r.Start.Max(other.Start) < r.End().Min(other.End())
}

// SameAs returns true if both regions cover exactly the same span, names
// are not compared.
func (r MemoryRegion) SameAs(other MemoryRegion) bool {
	return r.Start == other.Start && r.Size == other.Size
}

// Covers returns true if other lies entirely within r.
func (r MemoryRegion) Covers(other MemoryRegion) bool {
	return other.Start >= r.Start && other.End() <= r.End()
}

// Span returns r, so that plain regions can be stored in a RegionSet.
func (r MemoryRegion) Span() MemoryRegion {
	return r
}

func (r MemoryRegion) String() string {
	name := r.Name
	if name == "" {
		name = "region"
	}
	return fmt.Sprintf("%s[%#x-%#x)", name, uint64(r.Start), uint64(r.End()))
}

// Entity is something in the target that owns memory: a thread, a stack, a
// heap region, a compilation.
type Entity interface {
	EntityName() string
	EntityDescription() string
}

// EntityRegion is the memory region allocated to an entity in the target.
// Entity regions form a two level hierarchy: a thread region has its stack
// and thread locals regions as children. Children need not lie inside the
// parent's span, a thread's own region is usually empty.
//
// EntityRegion values are never mutated. Structural changes produce new
// instances, see WithChildren.
type EntityRegion struct {
	MemoryRegion
	owner    Entity
	parent   *EntityRegion
	children []*EntityRegion
	boot     bool
}

// NewEntityRegion returns a childless region owned by owner.
func NewEntityRegion(owner Entity, region MemoryRegion, boot bool) *EntityRegion {
	return &EntityRegion{MemoryRegion: region, owner: owner, boot: boot}
}

// Owner returns the entity this region was allocated to.
func (r *EntityRegion) Owner() Entity {
	return r.owner
}

// Parent returns the enclosing entity region or nil.
func (r *EntityRegion) Parent() *EntityRegion {
	return r.parent
}

// Children returns the regions of the entities enclosed by this one.
func (r *EntityRegion) Children() []*EntityRegion {
	return r.children
}

// IsBootRegion returns true if the region was allocated in the boot image.
func (r *EntityRegion) IsBootRegion() bool {
	return r.boot
}

// WithChildren returns a copy of r whose children are copies of the
// arguments, each one pointing back at the new parent.
func (r *EntityRegion) WithChildren(children ...*EntityRegion) *EntityRegion {
	nr := &EntityRegion{MemoryRegion: r.MemoryRegion, owner: r.owner, parent: r.parent, boot: r.boot}
	nr.children = make([]*EntityRegion, 0, len(children))
	for _, child := range children {
		if child == nil {
			continue
		}
		nc := child.WithChildren(child.children...)
		nc.parent = nr
		nr.children = append(nr.children, nc)
	}
	return nr
}

// ContainsInEntity returns true if addr is in the region of the entity or
// in the region of any of its descendants.
func (r *EntityRegion) ContainsInEntity(addr Address) bool {
	if r.Contains(addr) {
		return true
	}
	for _, child := range r.children {
		if child.ContainsInEntity(addr) {
			return true
		}
	}
	return false
}

// FindDescendant returns the innermost region in the tree rooted at r that
// contains addr, or nil.
func (r *EntityRegion) FindDescendant(addr Address) *EntityRegion {
	for _, child := range r.children {
		if found := child.FindDescendant(addr); found != nil {
			return found
		}
	}
	if r.Contains(addr) {
		return r
	}
	return nil
}
