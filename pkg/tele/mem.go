package tele

import (
	"encoding/binary"
	"fmt"
)

const cacheEnabled = true

// MemoryReader is like io.ReaderAt, but the offset is an Address so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr Address) (n int, err error)
}

// MemoryReadWriter can also modify target memory.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr Address, data []byte) (written int, err error)
}

// ReadWord reads a little endian word of wordSize bytes at addr.
func ReadWord(mem MemoryReader, addr Address, wordSize int) (uint64, error) {
	buf := make([]byte, wordSize)
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return 0, &DataIOError{Addr: addr, Size: wordSize, Err: err}
	}
	if n != wordSize {
		return 0, &DataIOError{Addr: addr, Size: wordSize, Err: fmt.Errorf("short read (%d bytes)", n)}
	}
	switch wordSize {
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	case 8:
		return binary.LittleEndian.Uint64(buf), nil
	}
	panic(fmt.Sprintf("unsupported word size %d", wordSize))
}

// WriteWord writes v as a little endian word of wordSize bytes at addr.
func WriteWord(mem MemoryReadWriter, addr Address, wordSize int, v uint64) error {
	buf := make([]byte, wordSize)
	switch wordSize {
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(buf, v)
	default:
		panic(fmt.Sprintf("unsupported word size %d", wordSize))
	}
	return writeFull(mem, addr, buf)
}

// WriteInt32 writes a little endian 32 bit integer at addr.
func WriteInt32(mem MemoryReadWriter, addr Address, v int32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return writeFull(mem, addr, buf)
}

func writeFull(mem MemoryReadWriter, addr Address, buf []byte) error {
	n, err := mem.WriteMemory(addr, buf)
	if err != nil {
		return &DataIOError{Addr: addr, Size: len(buf), Err: err}
	}
	if n != len(buf) {
		return &DataIOError{Addr: addr, Size: len(buf), Err: fmt.Errorf("short write (%d bytes)", n)}
	}
	return nil
}

type memCache struct {
	cacheAddr Address
	cache     []byte
	mem       MemoryReader
}

func (m *memCache) contains(addr Address, size int) bool {
	return addr >= m.cacheAddr && addr+Address(size) <= m.cacheAddr+Address(len(m.cache))
}

func (m *memCache) ReadMemory(data []byte, addr Address) (n int, err error) {
	if m.contains(addr, len(data)) {
		copy(data, m.cache[addr.Sub(m.cacheAddr):])
		return len(data), nil
	}

	return m.mem.ReadMemory(data, addr)
}

// cacheMemory reads size bytes at addr in one request and returns a reader
// that serves reads inside that span from the local copy.
func cacheMemory(mem MemoryReader, addr Address, size int) MemoryReader {
	if !cacheEnabled {
		return mem
	}
	if size <= 0 {
		return mem
	}
	if cacheMem, isCache := mem.(*memCache); isCache {
		if cacheMem.contains(addr, size) {
			return mem
		}
		mem = cacheMem.mem
	}
	cache := make([]byte, size)
	n, err := mem.ReadMemory(cache, addr)
	if err != nil || n != size {
		return mem
	}
	return &memCache{addr, cache, mem}
}
