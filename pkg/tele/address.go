package tele

import "fmt"

// Address is a location in the address space of the target VM. The null
// address never holds an object or code.
type Address uint64

// IsZero reports whether a is the null address.
func (a Address) IsZero() bool { return a == 0 }

// Add returns a displaced by the signed offset x.
func (a Address) Add(x int64) Address {
	return a + Address(x)
}

// Sub returns the signed distance from b to a.
func (a Address) Sub(b Address) int64 {
	return int64(a - b)
}

func (a Address) Max(b Address) Address {
	if b > a {
		return b
	}
	return a
}

func (a Address) Min(b Address) Address {
	if b < a {
		return b
	}
	return a
}

// Align rounds a up to a multiple of the power of two x, AlignDown rounds
// it down.
func (a Address) Align(x int64) Address {
	return (a + Address(x) - 1).AlignDown(x)
}

func (a Address) AlignDown(x int64) Address {
	return a &^ (Address(x) - 1)
}

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}
