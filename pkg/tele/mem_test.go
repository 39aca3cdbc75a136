package tele_test

import (
	"errors"
	"testing"

	"github.com/go-maxine/maxscope/pkg/tele"
)

// shortWriter accepts at most limit bytes per write.
type shortWriter struct {
	tele.MemoryReadWriter
	limit int
}

func (w *shortWriter) WriteMemory(addr tele.Address, data []byte) (int, error) {
	if len(data) > w.limit {
		data = data[:w.limit]
	}
	return w.MemoryReadWriter.WriteMemory(addr, data)
}

func TestWriteInt32(t *testing.T) {
	img := newTestImage(t)
	if err := tele.WriteWord(img, 0x5100, 8, 0x1111111111111111); err != nil {
		t.Fatal(err)
	}
	if err := tele.WriteInt32(img, 0x5100, -2); err != nil {
		t.Fatal(err)
	}
	w, err := tele.ReadWord(img, 0x5100, 8)
	if err != nil {
		t.Fatal(err)
	}
	if w != 0x11111111fffffffe {
		t.Errorf("word after WriteInt32 %#x", w)
	}
	if w, err := tele.ReadWord(img, 0x5100, 4); err != nil || int32(uint32(w)) != -2 {
		t.Errorf("ReadWord = %#x, %v", w, err)
	}

	var ioErr *tele.DataIOError
	if err := tele.WriteInt32(&shortWriter{img, 2}, 0x5200, 7); !errors.As(err, &ioErr) || ioErr.Addr != 0x5200 || ioErr.Size != 4 {
		t.Errorf("short write: %v", err)
	}
	if err := tele.WriteInt32(img, 0x3000, 7); !errors.As(err, &ioErr) || ioErr.Addr != 0x3000 {
		t.Errorf("write to unmapped memory: %v", err)
	}
}
