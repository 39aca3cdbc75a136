package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/go-maxine/maxscope/pkg/tele"
)

// registersOf converts the general purpose registers of a thread, in the
// DWARF numbering order of amd64.
func registersOf(regs *sys.PtraceRegs) tele.Registers {
	return tele.Registers{
		Integer: []uint64{
			regs.Rax, regs.Rdx, regs.Rcx, regs.Rbx, regs.Rsi, regs.Rdi, regs.Rbp, regs.Rsp,
			regs.R8, regs.R9, regs.R10, regs.R11, regs.R12, regs.R13, regs.R14, regs.R15,
		},
		State: regs.Eflags,
		SP:    tele.Address(regs.Rsp),
		FP:    tele.Address(regs.Rbp),
	}
}
