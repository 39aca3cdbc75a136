//go:build linux && (amd64 || arm64 || 386)

package native

import "runtime"

// trapInstruction is the software breakpoint instruction for the host
// architecture.
func trapInstruction() []byte {
	switch runtime.GOARCH {
	case "arm64":
		return []byte{0x00, 0x00, 0x20, 0xd4} // brk 0
	default:
		return []byte{0xcc} // int3
	}
}

// trapPCAdjust is how far past the breakpoint address the program counter
// is reported after the trap.
func trapPCAdjust() uint64 {
	if runtime.GOARCH == "arm64" {
		return 0
	}
	return 1
}
