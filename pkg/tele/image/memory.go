package image

import (
	"fmt"

	"github.com/go-maxine/maxscope/pkg/tele"
)

// A splicedMemory represents an address space formed from multiple
// regions, each of which may override previously added regions. Scenario
// files describe the boot image first and then patch it, for example with
// a dynamic heap region allocated at run time.
type splicedMemory struct {
	readers []readerEntry
}

type readerEntry struct {
	offset tele.Address
	length uint64
	chunk  *chunk
}

// chunk is a block of memory backed by a byte slice, addressed from base.
type chunk struct {
	base tele.Address
	data []byte
}

func (c *chunk) ReadMemory(buf []byte, addr tele.Address) (int, error) {
	if addr < c.base || addr >= c.base+tele.Address(len(c.data)) {
		return 0, fmt.Errorf("address %#x outside chunk", uint64(addr))
	}
	return copy(buf, c.data[addr-c.base:]), nil
}

func (c *chunk) WriteMemory(addr tele.Address, data []byte) (int, error) {
	if addr < c.base || addr >= c.base+tele.Address(len(c.data)) {
		return 0, fmt.Errorf("address %#x outside chunk", uint64(addr))
	}
	return copy(c.data[addr-c.base:], data), nil
}

// Add adds a new region, which may override existing regions.
func (r *splicedMemory) Add(c *chunk, off tele.Address, length uint64) {
	if length == 0 {
		return
	}
	end := off + tele.Address(length) - 1
	newReaders := make([]readerEntry, 0, len(r.readers))
	add := func(e readerEntry) {
		if e.length == 0 {
			return
		}
		newReaders = append(newReaders, e)
	}
	inserted := false
	// Walk through the list of regions, fixing up any that overlap and inserting the new one.
	for _, entry := range r.readers {
		entryEnd := entry.offset + tele.Address(entry.length) - 1
		switch {
		case entryEnd < off:
			// Entry is completely before the new region.
			add(entry)
		case end < entry.offset:
			// Entry is completely after the new region.
			if !inserted {
				add(readerEntry{off, length, c})
				inserted = true
			}
			add(entry)
		case off <= entry.offset && entryEnd <= end:
			// Entry is completely overwritten by the new region. Drop.
		case entry.offset < off && entryEnd <= end:
			// New region overwrites the end of the entry.
			entry.length = uint64(off - entry.offset)
			add(entry)
		case off <= entry.offset && end < entryEnd:
			// New region overwrites the beginning of the entry.
			if !inserted {
				add(readerEntry{off, length, c})
				inserted = true
			}
			overlap := end + 1 - entry.offset
			entry.offset += overlap
			entry.length -= uint64(overlap)
			add(entry)
		case entry.offset < off && end < entryEnd:
			// New region punches a hole in the entry. Split it in two and put the new region in the middle.
			add(readerEntry{entry.offset, uint64(off - entry.offset), entry.chunk})
			add(readerEntry{off, length, c})
			add(readerEntry{end + 1, uint64(entryEnd - end), entry.chunk})
			inserted = true
		default:
			panic(fmt.Sprintf("Unhandled case: existing entry is %v len %v, new is %v len %v", entry.offset, entry.length, off, length))
		}
	}
	if !inserted {
		newReaders = append(newReaders, readerEntry{off, length, c})
	}
	r.readers = newReaders
}

// ReadMemory implements tele.MemoryReader.
func (r *splicedMemory) ReadMemory(buf []byte, addr tele.Address) (n int, err error) {
	return r.access(buf, addr, func(e readerEntry, b []byte, a tele.Address) (int, error) {
		return e.chunk.ReadMemory(b, a)
	})
}

// WriteMemory implements tele.MemoryReadWriter.
func (r *splicedMemory) WriteMemory(addr tele.Address, data []byte) (int, error) {
	return r.access(data, addr, func(e readerEntry, b []byte, a tele.Address) (int, error) {
		return e.chunk.WriteMemory(a, b)
	})
}

func (r *splicedMemory) access(buf []byte, addr tele.Address, op func(readerEntry, []byte, tele.Address) (int, error)) (n int, err error) {
	started := false
	for _, entry := range r.readers {
		entryEnd := entry.offset + tele.Address(entry.length)
		if entryEnd <= addr {
			continue
		}
		if entry.offset > addr {
			if !started {
				break
			}
			return n, fmt.Errorf("hit unmapped area at %#x after %d bytes", uint64(addr), n)
		}
		started = true

		// Don't go past the region.
		pb := buf
		if addr+tele.Address(len(buf)) > entryEnd {
			pb = pb[:entryEnd-addr]
		}
		pn, err := op(entry, pb, addr)
		n += pn
		if err != nil {
			return n, fmt.Errorf("error while accessing spliced memory at %#x: %v", uint64(addr), err)
		}
		if pn != len(pb) {
			return n, nil
		}
		buf = buf[pn:]
		addr += tele.Address(pn)
		if len(buf) == 0 {
			// Done, don't bother scanning the rest.
			return n, nil
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("address %#x did not match any regions", uint64(addr))
	}
	return n, nil
}
