package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/go-maxine/maxscope/pkg/tele"
)

func registersOf(regs *sys.PtraceRegs) tele.Registers {
	u := func(r int32) uint64 { return uint64(uint32(r)) }
	return tele.Registers{
		Integer: []uint64{u(regs.Eax), u(regs.Ecx), u(regs.Edx), u(regs.Ebx), u(regs.Esp), u(regs.Ebp), u(regs.Esi), u(regs.Edi)},
		State:   u(regs.Eflags),
		SP:      tele.Address(u(regs.Esp)),
		FP:      tele.Address(u(regs.Ebp)),
	}
}
