package tele

import (
	"fmt"
	"strings"
)

// MethodKey names a method abstractly, without requiring its class to be
// loaded in the target.
type MethodKey struct {
	Holder    string
	Name      string
	Signature string
}

// IsZero returns true if k names no method.
func (k MethodKey) IsZero() bool {
	return k == MethodKey{}
}

// QualifiedName returns Holder.Name, the key used by the method name index.
func (k MethodKey) QualifiedName() string {
	if k.Holder == "" {
		return k.Name
	}
	return k.Holder + "." + k.Name
}

func (k MethodKey) String() string {
	return k.QualifiedName() + k.Signature
}

// ParseMethodKey parses the String form of a method key,
// Holder.name(signature). The holder and the signature may be omitted.
func ParseMethodKey(str string) (MethodKey, error) {
	var k MethodKey
	s := str
	if i := strings.IndexByte(s, '('); i >= 0 {
		k.Signature = s[i:]
		s = s[:i]
	}
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		k.Holder = s[:i]
		s = s[i+1:]
	}
	k.Name = s
	if k.Name == "" || strings.ContainsAny(k.Name, " \t") {
		return MethodKey{}, fmt.Errorf("malformed method name %q", str)
	}
	return k, nil
}

const (
	// EntryPosition denotes the pre-prologue entry point of every
	// compilation of a method.
	EntryPosition = -1
	// BodyPosition denotes the start of the method body, after the
	// prologue.
	BodyPosition = 0
)

// CodeLocation is a location in code, identified by an absolute machine
// address, by a method and bytecode position, or by both.
//
// Two locations with addresses are the same iff the addresses match. Two
// locations with only a method key are the same iff key and position
// match. A location with an address is never the same as one without.
type CodeLocation struct {
	addr     Address
	hasAddr  bool
	key      MethodKey
	hasKey   bool
	position int
}

// LocationAt returns a location identified by address alone.
func LocationAt(addr Address) CodeLocation {
	return CodeLocation{addr: addr, hasAddr: true}
}

// LocationInMethod returns a location identified by a method and bytecode
// position. Position -1 is the pre-prologue entry point, 0 the start of
// the body.
func LocationInMethod(key MethodKey, position int) (CodeLocation, error) {
	if position < EntryPosition {
		return CodeLocation{}, &BytecodePositionError{Position: position}
	}
	return CodeLocation{key: key, hasKey: true, position: position}, nil
}

// LocationAtAddressInMethod returns a location identified by both.
func LocationAtAddressInMethod(addr Address, key MethodKey, position int) (CodeLocation, error) {
	loc, err := LocationInMethod(key, position)
	if err != nil {
		return loc, err
	}
	loc.addr, loc.hasAddr = addr, true
	return loc, nil
}

// HasAddress returns true if the location carries a machine address.
func (l CodeLocation) HasAddress() bool { return l.hasAddr }

// Address returns the machine address, zero if the location has none.
func (l CodeLocation) Address() Address { return l.addr }

// HasMethodKey returns true if the location carries a method key.
func (l CodeLocation) HasMethodKey() bool { return l.hasKey }

// MethodKey returns the method key of the location.
func (l CodeLocation) MethodKey() MethodKey { return l.key }

// Position returns the bytecode position, meaningful only with a key.
func (l CodeLocation) Position() int { return l.position }

// IsSameAs compares two locations.
func (l CodeLocation) IsSameAs(other CodeLocation) bool {
	switch {
	case l.hasAddr && other.hasAddr:
		return l.addr == other.addr
	case !l.hasAddr && !other.hasAddr:
		return l.hasKey && other.hasKey && l.key == other.key && l.position == other.position
	}
	return false
}

func (l CodeLocation) withAddress(addr Address) CodeLocation {
	l.addr, l.hasAddr = addr, true
	return l
}

// methodPosition is the map key of a key-only location.
type methodPosition struct {
	key      MethodKey
	position int
}

func (l CodeLocation) methodPosition() methodPosition {
	return methodPosition{l.key, l.position}
}

func (l CodeLocation) String() string {
	switch {
	case l.hasAddr && l.hasKey:
		return fmt.Sprintf("%s:%d@%#x", l.key, l.position, uint64(l.addr))
	case l.hasAddr:
		return fmt.Sprintf("%#x", uint64(l.addr))
	case l.hasKey:
		return fmt.Sprintf("%s:%d", l.key, l.position)
	}
	return "<no location>"
}
