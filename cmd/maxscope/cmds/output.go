package cmds

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/go-maxine/maxscope/pkg/tele"
)

const (
	styleHeader = "\x1b[1;34m"
	styleEvent  = "\x1b[33m"
	styleError  = "\x1b[31m"
	styleReset  = "\x1b[0m"
)

// printer writes states and query results, coloring them when the output
// is a terminal.
type printer struct {
	w     io.Writer
	color bool
	code  *tele.CodeRegistry
}

func newStdoutPrinter(noColor bool) *printer {
	color := !noColor && isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("TERM") != "dumb"
	if color {
		return &printer{w: colorable.NewColorableStdout(), color: true}
	}
	return &printer{w: os.Stdout}
}

func (p *printer) styled(style, format string, args ...interface{}) string {
	s := fmt.Sprintf(format, args...)
	if !p.color {
		return s
	}
	return style + s + styleReset
}

func (p *printer) printf(format string, args ...interface{}) {
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) errorf(format string, args ...interface{}) {
	fmt.Fprintln(p.w, p.styled(styleError, format, args...))
}

func (p *printer) location(addr tele.Address) string {
	if p.code == nil {
		return addr.String()
	}
	if cc := p.code.FindCode(addr); cc != nil {
		if loc := cc.Location(addr); loc.HasMethodKey() {
			return fmt.Sprintf("%s (%v)", addr, loc)
		}
		return fmt.Sprintf("%s (%s+%#x)", addr, cc.EntityName(), cc.Offset(addr))
	}
	return addr.String()
}

// printState writes one published state.
func (p *printer) printState(state *tele.VMState) {
	var flags []string
	if state.IsInGC() {
		flags = append(flags, "in GC")
	}
	if state.ThreadsChanged() {
		flags = append(flags, "threads changed")
	}
	header := fmt.Sprintf("state %d: %s, epoch %d", state.SerialID(), state.ProcessState(), state.Epoch())
	if len(flags) > 0 {
		header += " (" + strings.Join(flags, ", ") + ")"
	}
	fmt.Fprintln(p.w, p.styled(styleHeader, "%s", header))

	for _, t := range state.Threads() {
		p.printf("  thread %d %q %s at %s\n", t.ID(), t.Name(), t.State(), p.location(t.IP()))
	}
	for _, t := range state.ThreadsStarted() {
		p.printf("  started thread %d\n", t.ID())
	}
	for _, t := range state.ThreadsDied() {
		p.printf("  thread %d died\n", t.ID())
	}
	for _, ev := range state.BreakpointEvents() {
		line := fmt.Sprintf("  breakpoint %d at %v hit by thread %d", ev.Breakpoint.ID, ev.Breakpoint.Location(), ev.Thread.ID())
		if ev.CondError != nil {
			line += fmt.Sprintf(" (condition failed: %v)", ev.CondError)
		}
		fmt.Fprintln(p.w, p.styled(styleEvent, "%s", line))
	}
	if ev := state.WatchpointEvent(); ev != nil {
		fmt.Fprintln(p.w, p.styled(styleEvent, "  watchpoint %d %s access at %s by thread %d", ev.Watchpoint.ID, ev.Access, ev.Addr, ev.Thread.ID()))
		if ev.Before != nil {
			p.printf("    before: %x\n", ev.Before)
		}
	}
	if state.MemoryRegionsChanged() {
		for _, r := range state.MemoryRegions() {
			p.printf("  region %v\n", r)
		}
	}
}

// StateChanged prints every state the session publishes.
func (p *printer) StateChanged(state *tele.VMState) {
	p.printState(state)
}
