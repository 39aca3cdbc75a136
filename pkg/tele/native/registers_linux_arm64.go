package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/go-maxine/maxscope/pkg/tele"
)

// registersOf converts the general purpose registers of a thread. X29 is
// the frame pointer.
func registersOf(regs *sys.PtraceRegs) tele.Registers {
	integer := make([]uint64, 0, len(regs.Regs)+1)
	integer = append(integer, regs.Regs[:]...)
	integer = append(integer, regs.Sp)
	return tele.Registers{
		Integer: integer,
		State:   regs.Pstate,
		SP:      tele.Address(regs.Sp),
		FP:      tele.Address(regs.Regs[29]),
	}
}
