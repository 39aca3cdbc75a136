package tele_test

import (
	"errors"
	"testing"

	"github.com/go-maxine/maxscope/pkg/tele"
)

func TestCodeLocationIdentity(t *testing.T) {
	other := tele.MethodKey{Holder: "Foo", Name: "baz", Signature: "()V"}
	mustLoc := func(loc tele.CodeLocation, err error) tele.CodeLocation {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		return loc
	}
	addrOnly := tele.LocationAt(0xa010)
	keyOnly := mustLoc(tele.LocationInMethod(fooBar, 3))
	both := mustLoc(tele.LocationAtAddressInMethod(0xa010, fooBar, 3))
	bothOther := mustLoc(tele.LocationAtAddressInMethod(0xa010, other, 7))
	entry := mustLoc(tele.LocationInMethod(fooBar, tele.EntryPosition))

	for _, tc := range []struct {
		a, b tele.CodeLocation
		same bool
	}{
		{addrOnly, tele.LocationAt(0xa010), true},
		{addrOnly, tele.LocationAt(0xa018), false},
		{addrOnly, both, true},
		{both, bothOther, true},
		{keyOnly, mustLoc(tele.LocationInMethod(fooBar, 3)), true},
		{keyOnly, mustLoc(tele.LocationInMethod(fooBar, 4)), false},
		{keyOnly, mustLoc(tele.LocationInMethod(other, 3)), false},
		{keyOnly, both, false},
		{keyOnly, entry, false},
	} {
		if got := tc.a.IsSameAs(tc.b); got != tc.same {
			t.Errorf("%v.IsSameAs(%v) = %v", tc.a, tc.b, got)
		}
		if got := tc.b.IsSameAs(tc.a); got != tc.same {
			t.Errorf("%v.IsSameAs(%v) = %v", tc.b, tc.a, got)
		}
	}
}

func TestCodeLocationPosition(t *testing.T) {
	var perr *tele.BytecodePositionError
	if _, err := tele.LocationInMethod(fooBar, -2); !errors.As(err, &perr) || perr.Position != -2 {
		t.Errorf("position -2 accepted: %v", err)
	}
	if _, err := tele.LocationAtAddressInMethod(0xa000, fooBar, -5); err == nil {
		t.Errorf("position -5 accepted")
	}
	loc, err := tele.LocationInMethod(fooBar, tele.EntryPosition)
	if err != nil {
		t.Fatal(err)
	}
	if loc.HasAddress() || !loc.HasMethodKey() || loc.Position() != -1 || loc.MethodKey() != fooBar {
		t.Errorf("wrong location %v", loc)
	}
	if got := loc.String(); got != "Foo.bar()V:-1" {
		t.Errorf("String = %q", got)
	}
}

func TestParseMethodKey(t *testing.T) {
	tests := []struct {
		in   string
		want tele.MethodKey
	}{
		{"Foo.bar()V", fooBar},
		{"com.sun.max.Foo.bar(I)V", tele.MethodKey{Holder: "com.sun.max.Foo", Name: "bar", Signature: "(I)V"}},
		{"bar", tele.MethodKey{Name: "bar"}},
		{"Foo.bar", tele.MethodKey{Holder: "Foo", Name: "bar"}},
	}
	for _, tt := range tests {
		got, err := tele.ParseMethodKey(tt.in)
		if err != nil {
			t.Errorf("%q: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%q: got %+v want %+v", tt.in, got, tt.want)
		}
		if got.String() != tt.in {
			t.Errorf("%q: round trip gave %q", tt.in, got.String())
		}
	}
	for _, bad := range []string{"", "Foo.", "()V", "Foo.b ar()V"} {
		if _, err := tele.ParseMethodKey(bad); err == nil {
			t.Errorf("%q: expected an error", bad)
		}
	}
}
