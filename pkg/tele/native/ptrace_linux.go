//go:build linux && (amd64 || arm64 || 386)

package native

import (
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/go-maxine/maxscope/pkg/tele"
)

// ptraceSeize attaches to tid without stopping it.
func ptraceSeize(tid int, options int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_SEIZE, uintptr(tid), 0, uintptr(options), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceInterrupt stops a seized thread.
func ptraceInterrupt(tid int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_INTERRUPT, uintptr(tid), 0, 0, 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceCont executes ptrace PTRACE_CONT
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// ptraceSingleStep executes ptrace PTRACE_SINGLESTEP
func ptraceSingleStep(tid int) error {
	return sys.PtraceSingleStep(tid)
}

func ptraceGetPC(tid int) (uint64, error) {
	var regs sys.PtraceRegs
	if err := sys.PtraceGetRegs(tid, &regs); err != nil {
		return 0, err
	}
	return uint64(regs.PC()), nil
}

func ptraceGetRegs(tid int) (tele.Registers, error) {
	var regs sys.PtraceRegs
	if err := sys.PtraceGetRegs(tid, &regs); err != nil {
		return tele.Registers{}, err
	}
	return registersOf(&regs), nil
}

func ptraceSetPC(tid int, pc uint64) error {
	var regs sys.PtraceRegs
	if err := sys.PtraceGetRegs(tid, &regs); err != nil {
		return err
	}
	regs.SetPC(pc)
	return sys.PtraceSetRegs(tid, &regs)
}

// stopEvent returns the ptrace event of a stop. Unlike WaitStatus.TrapCause
// it also reports the events of group stops, which are not SIGTRAP stops.
func stopEvent(ws sys.WaitStatus) int {
	if !ws.Stopped() {
		return -1
	}
	return int(ws>>16) & 0xff
}
