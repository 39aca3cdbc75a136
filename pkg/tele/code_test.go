package tele_test

import (
	"reflect"
	"testing"

	"github.com/go-maxine/maxscope/pkg/tele"
)

type codeRecorder struct {
	compiled, evicted []tele.Address
}

func (r *codeRecorder) CodeCompiled(cc *tele.CompiledCode) {
	r.compiled = append(r.compiled, cc.Span().Start)
}

func (r *codeRecorder) CodeEvicted(cc *tele.CompiledCode) {
	r.evicted = append(r.evicted, cc.Span().Start)
}

func TestCompiledCode(t *testing.T) {
	_, s := newTestSession(t, tele.SessionConfig{})
	cc := s.Code().FindCode(0xa080)
	if cc == nil {
		t.Fatalf("compilation not registered")
	}
	if cc.Method() != fooBar || cc.Entry() != 0xa000 || cc.BodyStart() != 0xa000 {
		t.Errorf("wrong compilation %v entry %v body %v", cc, cc.Entry(), cc.BodyStart())
	}
	for _, tc := range []struct {
		pos  int
		addr tele.Address
		ok   bool
	}{
		{tele.EntryPosition, 0xa000, true},
		{tele.BodyPosition, 0xa000, true},
		{3, 0xa010, true},
		{4, 0, false},
	} {
		addr, ok := cc.AddressOf(tc.pos)
		if addr != tc.addr || ok != tc.ok {
			t.Errorf("AddressOf(%d) = %v, %v", tc.pos, addr, ok)
		}
	}
	if loc := cc.Location(0xa010); !loc.HasMethodKey() || loc.Position() != 3 {
		t.Errorf("Location(0xa010) = %v", loc)
	}
	if loc := cc.Location(0xa000); loc.Position() != tele.EntryPosition {
		t.Errorf("Location(0xa000) = %v", loc)
	}
	if loc := cc.Location(0xa020); loc.HasMethodKey() {
		t.Errorf("Location(0xa020) = %v", loc)
	}
	if off := cc.Offset(0xa020); off != 0x20 {
		t.Errorf("Offset(0xa020) = %#x", off)
	}
	if !s.Heap().IsValidOrigin(0x1040) {
		t.Errorf("heap origin invalid with code registered")
	}
}

func TestCodeRegistryRefresh(t *testing.T) {
	img, s := newTestSession(t, tele.SessionConfig{})
	code := s.Code()
	rec := &codeRecorder{}
	code.AddCodeListener(rec)

	baz := tele.MethodKey{Holder: "Foo", Name: "baz", Signature: "(I)V"}
	img.SetCode([]tele.CodeDescriptor{
		{Method: fooBar, Start: 0xa100, Size: 0x80, BodyStart: 0xa108},
		{Method: baz, Start: 0xa180, Size: 0x40},
		{Name: "stub", Start: 0xa1c0, Size: 0x40, External: true},
		{Method: baz, Start: 0xa1f0, Size: 0x40},
	})
	stopAfterResume(t, img, s, tele.Suspended, 0xa100)

	if !reflect.DeepEqual(rec.evicted, []tele.Address{0xa000}) {
		t.Errorf("evicted %v", rec.evicted)
	}
	if !reflect.DeepEqual(rec.compiled, []tele.Address{0xa100, 0xa180, 0xa1c0}) {
		t.Errorf("compiled %v", rec.compiled)
	}
	if code.Contains(0xa000) {
		t.Errorf("evicted code still registered")
	}
	if ccs := code.CompilationsOf(fooBar); len(ccs) != 1 || ccs[0].BodyStart() != 0xa108 {
		t.Errorf("CompilationsOf(fooBar) = %v", ccs)
	}
	if ext := code.FindCode(0xa1c8); ext == nil || !ext.External() || ext.Location(0xa1c8).HasMethodKey() {
		t.Errorf("external code %v", ext)
	}
	if got := code.FindMethods("Foo.b"); !reflect.DeepEqual(got, []tele.MethodKey{fooBar, baz}) {
		t.Errorf("FindMethods = %v", got)
	}
	if got := code.FindMethods("Bar"); len(got) != 0 {
		t.Errorf("FindMethods(Bar) = %v", got)
	}
	if len(code.Compilations()) != 3 {
		t.Errorf("Compilations = %v", code.Compilations())
	}
}
