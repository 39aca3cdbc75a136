package cmds

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-maxine/maxscope/pkg/config"
	"github.com/go-maxine/maxscope/pkg/tele"
)

// inspector runs queries against a session.
type inspector struct {
	s    *tele.Session
	conf *config.Config
	out  *printer
}

type queryFunc func(in *inspector, args []string) error

type query struct {
	name    string
	args    string
	help    string
	minArgs int
	fn      queryFunc
}

var queries []query

func init() {
	queries = []query{
		{"state", "[n]", "print the current state and up to n-1 predecessors", 0, (*inspector).state},
		{"threads", "", "list the threads of the current state", 0, (*inspector).threads},
		{"heap", "", "list the heap regions", 0, (*inspector).heap},
		{"region", "<addr>", "describe the memory containing addr", 1, (*inspector).region},
		{"object", "<addr>", "describe the object at origin addr", 1, (*inspector).object},
		{"valid", "<addr>", "check whether addr is a valid object origin", 1, (*inspector).valid},
		{"read", "<addr> [words]", "read words of memory", 1, (*inspector).read},
		{"code", "[prefix]", "list compilations, or the methods whose name starts with prefix", 0, (*inspector).code},
		{"break", "<method> [position] [condition] | <addr>", "set a breakpoint", 1, (*inspector).breakpoint},
		{"breakpoints", "", "list breakpoints", 0, (*inspector).breakpoints},
		{"watch", "<addr> <size> [rwxg]", "watch a region of memory", 2, (*inspector).watch},
		{"watch-object", "<addr> [rwxg]", "watch an object, following it when it moves", 1, (*inspector).watchObject},
		{"watchpoints", "", "list watchpoints", 0, (*inspector).watchpoints},
	}
}

// queryHelp describes every query, for the command line help.
func queryHelp() string {
	var b strings.Builder
	for _, q := range queries {
		fmt.Fprintf(&b, "\t%-14s %-42s %s\n", q.name, q.args, q.help)
	}
	return b.String()
}

// run parses and executes one query.
func (in *inspector) run(line string) error {
	fields := config.SplitQuotedFields(line)
	fields = in.conf.Expand(fields)
	if len(fields) == 0 {
		return nil
	}
	for _, q := range queries {
		if q.name != fields[0] {
			continue
		}
		args := fields[1:]
		if len(args) < q.minArgs {
			return fmt.Errorf("usage: %s %s", q.name, q.args)
		}
		return q.fn(in, args)
	}
	return fmt.Errorf("unknown query %q", fields[0])
}

func parseAddress(s string) (tele.Address, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q", s)
	}
	return tele.Address(v), nil
}

func parseSettings(s string) (tele.WatchpointSettings, error) {
	var settings tele.WatchpointSettings
	if s == "" {
		settings.Write = true
		return settings, nil
	}
	for _, ch := range s {
		switch ch {
		case 'r':
			settings.Read = true
		case 'w':
			settings.Write = true
		case 'x':
			settings.Exec = true
		case 'g':
			settings.EnabledDuringGC = true
		default:
			return settings, fmt.Errorf("bad watchpoint settings %q", s)
		}
	}
	return settings, nil
}

func (in *inspector) state(args []string) error {
	n := 1
	if len(args) > 0 {
		var err error
		n, err = strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("bad state count %q", args[0])
		}
	}
	for _, st := range in.s.State().History(n) {
		in.out.printState(st)
	}
	return nil
}

func (in *inspector) threads(args []string) error {
	for _, t := range in.s.Threads() {
		regs := t.Registers()
		in.out.printf("%d %q %s at %s stack %v sp=%#x fp=%#x\n", t.ID(), t.Name(), t.State(), in.out.location(t.IP()), t.Stack(), uint64(regs.SP), uint64(regs.FP))
	}
	return nil
}

func (in *inspector) heap(args []string) error {
	h := in.s.Heap()
	started, completed := h.GCCounts()
	in.out.printf("%s, %s, collections started %d completed %d\n", h.Scheme().Name(), h.Phase(), started, completed)
	for _, hr := range h.HeapRegions() {
		in.out.printf("%s\n", hr)
	}
	if roots := h.RootsRegion(); roots != nil {
		in.out.printf("roots %v\n", *roots)
	}
	return nil
}

func (in *inspector) region(args []string) error {
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	found := false
	if hr := in.s.Heap().FindHeapRegion(addr); hr != nil {
		in.out.printf("%s: %s, %s\n", addr, hr, in.s.Heap().MemoryStatus(addr))
		found = true
	}
	if cc := in.s.Code().FindCode(addr); cc != nil {
		in.out.printf("%s: %s at %v\n", addr, cc, cc.Location(addr))
		found = true
	}
	for _, t := range in.s.Threads() {
		if r := t.MemoryRegion().FindDescendant(addr); r != nil {
			in.out.printf("%s: %v of thread %d\n", addr, r.MemoryRegion, t.ID())
			found = true
		}
	}
	if !found {
		in.out.printf("%s: unknown memory\n", addr)
	}
	return nil
}

func (in *inspector) object(args []string) error {
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	obj, err := in.s.FindObjectAt(addr)
	if err != nil {
		var invalid *tele.InvalidReferenceError
		if !errors.As(err, &invalid) {
			return err
		}
		forwarded, ferr := in.s.Heap().IsObjectForwarded(addr)
		if ferr != nil || !forwarded {
			return err
		}
		obj, err = in.s.Heap().ForwardedObject(addr)
		if err != nil {
			return err
		}
		in.out.printf("%s: forwarded to %s\n", addr, obj.Origin())
	}
	region := "code"
	if obj.Region() != nil {
		region = obj.Region().EntityName()
	}
	in.out.printf("%s in %s\n", obj, region)
	return nil
}

func (in *inspector) valid(args []string) error {
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	in.out.printf("%s: %v\n", addr, in.s.IsValidOrigin(addr))
	return nil
}

func (in *inspector) read(args []string) error {
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	n := 1
	if len(args) > 1 {
		n, err = strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return fmt.Errorf("bad word count %q", args[1])
		}
	}
	wordSize := in.s.Info().WordSize
	for i := 0; i < n; i++ {
		a := addr.Add(int64(i * wordSize))
		w, err := in.s.ReadWord(a)
		if err != nil {
			return err
		}
		in.out.printf("%s: 0x%0*x\n", a, 2*wordSize, w)
	}
	return nil
}

func (in *inspector) code(args []string) error {
	if len(args) > 0 {
		for _, key := range in.s.Code().FindMethods(args[0]) {
			in.out.printf("%s\n", key)
			for _, cc := range in.s.Code().CompilationsOf(key) {
				in.out.printf("\t%s\n", cc)
			}
		}
		return nil
	}
	for _, cc := range in.s.Code().Compilations() {
		in.out.printf("%s\n", cc)
	}
	return nil
}

func (in *inspector) breakpoint(args []string) error {
	var loc tele.CodeLocation
	if addr, err := parseAddress(args[0]); err == nil {
		loc = tele.LocationAt(addr)
		args = args[1:]
	} else {
		key, err := tele.ParseMethodKey(args[0])
		if err != nil {
			return err
		}
		pos := tele.BodyPosition
		args = args[1:]
		if len(args) > 0 {
			if p, err := strconv.Atoi(args[0]); err == nil {
				pos = p
				args = args[1:]
			}
		}
		loc, err = tele.LocationInMethod(key, pos)
		if err != nil {
			return err
		}
	}
	bps := in.s.Breakpoints()
	bp, err := bps.MakeBreakpoint(loc)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		if err := bps.SetCondition(bp, strings.Join(args, " ")); err != nil {
			return err
		}
	}
	in.out.printf("%s\n", bp)
	return nil
}

func (in *inspector) breakpoints(args []string) error {
	bps := in.s.Breakpoints().Breakpoints()
	sort.Slice(bps, func(i, j int) bool { return bps[i].ID < bps[j].ID })
	for _, bp := range bps {
		line := bp.String()
		if !bp.IsEnabled() {
			line += " (disabled)"
		}
		if cond := bp.Condition(); cond != "" {
			line += " if " + cond
		}
		in.out.printf("%s, hit %d times\n", line, bp.HitCount())
	}
	return nil
}

func (in *inspector) watch(args []string) error {
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	size, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return fmt.Errorf("bad size %q", args[1])
	}
	var s string
	if len(args) > 2 {
		s = args[2]
	}
	settings, err := parseSettings(s)
	if err != nil {
		return err
	}
	wp, err := in.s.Watchpoints().CreateRegionWatchpoint("", tele.NewMemoryRegion("", addr, size), settings)
	if err != nil {
		return err
	}
	in.out.printf("%s\n", wp)
	return nil
}

func (in *inspector) watchObject(args []string) error {
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	var s string
	if len(args) > 1 {
		s = args[1]
	}
	settings, err := parseSettings(s)
	if err != nil {
		return err
	}
	wp, err := in.s.Watchpoints().CreateObjectWatchpoint("", addr, settings)
	if err != nil {
		return err
	}
	in.out.printf("%s\n", wp)
	return nil
}

func (in *inspector) watchpoints(args []string) error {
	for _, wp := range in.s.Watchpoints().Watchpoints() {
		line := wp.String()
		if wp.IsStale() {
			line += " (stale)"
		}
		if !wp.IsActive() {
			line += " (inactive)"
		}
		in.out.printf("%s\n", line)
	}
	return nil
}
