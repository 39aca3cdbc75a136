package image

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/go-maxine/maxscope/pkg/tele"
)

// Scenario describes a target image and the state transitions it goes
// through. Scenario files are YAML.
type Scenario struct {
	WordSize        int              `yaml:"word-size"`
	HeapScheme      string           `yaml:"heap-scheme"`
	HubOffset       int64            `yaml:"hub-offset"`
	TaggedOrigins   bool             `yaml:"tagged-origins"`
	WatchpointLimit int              `yaml:"watchpoint-limit"`
	BootHeap        RegionSpec       `yaml:"boot-heap"`
	Memory          []MemorySpec     `yaml:"memory"`
	Heap            *HeapSpec        `yaml:"heap"`
	Code            []CodeSpec       `yaml:"code"`
	ObjectSizes     []ObjectSizeSpec `yaml:"object-sizes"`
	Events          []EventSpec      `yaml:"events"`
}

// RegionSpec is a memory region, or a heap region descriptor.
type RegionSpec struct {
	ID    uint64 `yaml:"id"`
	Name  string `yaml:"name"`
	Start uint64 `yaml:"start"`
	Size  uint64 `yaml:"size"`
	Mark  uint64 `yaml:"mark"`
	// Space is "to", "from" or empty.
	Space string `yaml:"space"`
}

// MemorySpec maps memory. Words are written little endian starting at
// Start, Bytes is hex encoded. Size reserves zeroed memory past the data.
type MemorySpec struct {
	Start uint64   `yaml:"start"`
	Size  uint64   `yaml:"size"`
	Words []uint64 `yaml:"words"`
	Bytes string   `yaml:"bytes"`
}

// HeapSpec is the runtime's heap region table.
type HeapSpec struct {
	GCStarted   uint64       `yaml:"gc-started"`
	GCCompleted uint64       `yaml:"gc-completed"`
	Boot        *RegionSpec  `yaml:"boot"`
	Immortal    *RegionSpec  `yaml:"immortal"`
	Dynamic     []RegionSpec `yaml:"dynamic"`
	Roots       *RegionSpec  `yaml:"roots"`
	TLABs       []TLABSpec   `yaml:"tlabs"`
}

// TLABSpec is a thread-local allocation buffer.
type TLABSpec struct {
	Thread int64  `yaml:"thread"`
	Mark   uint64 `yaml:"mark"`
	Top    uint64 `yaml:"top"`
}

// CodeSpec is one compilation.
type CodeSpec struct {
	Name      string         `yaml:"name"`
	Holder    string         `yaml:"holder"`
	Method    string         `yaml:"method"`
	Signature string         `yaml:"signature"`
	Start     uint64         `yaml:"start"`
	Size      uint64         `yaml:"size"`
	Entry     uint64         `yaml:"entry"`
	BodyStart uint64         `yaml:"body-start"`
	Positions map[int]uint64 `yaml:"positions"`
	External  bool           `yaml:"external"`
}

// ObjectSizeSpec gives the size of the objects whose hub is Hub.
type ObjectSizeSpec struct {
	Hub  uint64 `yaml:"hub"`
	Size uint64 `yaml:"size"`
}

// EventSpec is a scripted state transition. Heap, Code and Memory, when
// present, are applied to the image before the event is delivered.
type EventSpec struct {
	Kind       string          `yaml:"kind"`
	Threads    []ThreadSpec    `yaml:"threads"`
	Watchpoint *WatchpointSpec `yaml:"watchpoint"`
	Heap       *HeapSpec       `yaml:"heap"`
	Code       []CodeSpec      `yaml:"code"`
	Memory     []MemorySpec    `yaml:"memory"`
}

// ThreadSpec describes a thread at a stop.
type ThreadSpec struct {
	ID        int64          `yaml:"id"`
	Name      string         `yaml:"name"`
	State     string         `yaml:"state"`
	IP        uint64         `yaml:"ip"`
	Stack     *RegionSpec    `yaml:"stack"`
	Locals    *RegionSpec    `yaml:"locals"`
	Registers *RegistersSpec `yaml:"registers"`
}

// RegistersSpec describes the registers of a thread at a stop.
type RegistersSpec struct {
	Integer []uint64 `yaml:"integer"`
	State   uint64   `yaml:"state"`
	SP      uint64   `yaml:"sp"`
	FP      uint64   `yaml:"fp"`
}

func (r *RegistersSpec) registers() tele.Registers {
	if r == nil {
		return tele.Registers{}
	}
	return tele.Registers{Integer: r.Integer, State: r.State, SP: tele.Address(r.SP), FP: tele.Address(r.FP)}
}

// WatchpointSpec describes a watchpoint trigger.
type WatchpointSpec struct {
	Thread int64  `yaml:"thread"`
	Addr   uint64 `yaml:"addr"`
	Access string `yaml:"access"`
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses a YAML scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("unable to decode scenario: %v", err)
	}
	if sc.WordSize == 0 {
		sc.WordSize = 8
	}
	return &sc, nil
}

func (r *RegionSpec) memoryRegion() tele.MemoryRegion {
	if r == nil {
		return tele.MemoryRegion{}
	}
	return tele.NewMemoryRegion(r.Name, tele.Address(r.Start), r.Size)
}

func (r *RegionSpec) descriptor() (tele.RegionDescriptor, error) {
	d := tele.RegionDescriptor{
		ID:    r.ID,
		Name:  r.Name,
		Start: tele.Address(r.Start),
		Size:  r.Size,
		Mark:  tele.Address(r.Mark),
	}
	switch strings.ToLower(r.Space) {
	case "":
	case "to", "to-space":
		d.Space = tele.ToSpace
	case "from", "from-space":
		d.Space = tele.FromSpace
	default:
		return d, fmt.Errorf("unknown space %q for region %s", r.Space, r.Name)
	}
	return d, nil
}

func (h *HeapSpec) heapInfo(boot tele.RegionDescriptor) (*tele.HeapInfo, error) {
	info := &tele.HeapInfo{GCStarted: h.GCStarted, GCCompleted: h.GCCompleted, Boot: boot}
	if h.Boot != nil {
		d, err := h.Boot.descriptor()
		if err != nil {
			return nil, err
		}
		info.Boot = d
	}
	if h.Immortal != nil {
		d, err := h.Immortal.descriptor()
		if err != nil {
			return nil, err
		}
		info.Immortal = &d
	}
	for i := range h.Dynamic {
		d, err := h.Dynamic[i].descriptor()
		if err != nil {
			return nil, err
		}
		info.Dynamic = append(info.Dynamic, d)
	}
	if h.Roots != nil {
		r := h.Roots.memoryRegion()
		info.Roots = &r
	}
	for _, t := range h.TLABs {
		info.TLABs = append(info.TLABs, tele.TLAB{Thread: tele.ThreadID(t.Thread), Mark: tele.Address(t.Mark), Top: tele.Address(t.Top)})
	}
	return info, nil
}

func (c *CodeSpec) descriptor() tele.CodeDescriptor {
	d := tele.CodeDescriptor{
		Name:      c.Name,
		Method:    tele.MethodKey{Holder: c.Holder, Name: c.Method, Signature: c.Signature},
		Start:     tele.Address(c.Start),
		Size:      c.Size,
		Entry:     tele.Address(c.Entry),
		BodyStart: tele.Address(c.BodyStart),
		External:  c.External,
	}
	if len(c.Positions) > 0 {
		d.Positions = make(map[int]tele.Address, len(c.Positions))
		for pos, addr := range c.Positions {
			d.Positions[pos] = tele.Address(addr)
		}
	}
	return d
}

func (m *MemorySpec) contents(wordSize int) ([]byte, error) {
	var data []byte
	for _, w := range m.Words {
		for i := 0; i < wordSize; i++ {
			data = append(data, byte(w>>(8*i)))
		}
	}
	if m.Bytes != "" {
		b, err := hex.DecodeString(strings.ReplaceAll(m.Bytes, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("bad bytes at %#x: %v", m.Start, err)
		}
		data = append(data, b...)
	}
	if uint64(len(data)) < m.Size {
		data = append(data, make([]byte, m.Size-uint64(len(data)))...)
	}
	return data, nil
}

var threadStates = map[string]tele.ThreadState{
	"":               tele.Suspended,
	"suspended":      tele.Suspended,
	"at-breakpoint":  tele.AtBreakpoint,
	"at-watchpoint":  tele.AtWatchpoint,
	"single-stepped": tele.SingleStepped,
	"running":        tele.ThreadRunning,
	"dead":           tele.Dead,
}

var eventKinds = map[string]tele.EventKind{
	"":             tele.EventStopped,
	"stopped":      tele.EventStopped,
	"running":      tele.EventRunning,
	"terminated":   tele.EventTerminated,
	"gc-started":   tele.EventGCStarted,
	"gc-completed": tele.EventGCCompleted,
}

var accessKinds = map[string]tele.AccessKind{
	"":      tele.WriteAccess,
	"read":  tele.ReadAccess,
	"write": tele.WriteAccess,
	"exec":  tele.ExecAccess,
}

func (e *EventSpec) event() (tele.ProcessEvent, error) {
	kind, ok := eventKinds[e.Kind]
	if !ok {
		return tele.ProcessEvent{}, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	ev := tele.ProcessEvent{Kind: kind}
	for _, t := range e.Threads {
		state, ok := threadStates[t.State]
		if !ok {
			return ev, fmt.Errorf("unknown thread state %q", t.State)
		}
		ev.Threads = append(ev.Threads, tele.ThreadInfo{
			ID:        tele.ThreadID(t.ID),
			Name:      t.Name,
			State:     state,
			IP:        tele.Address(t.IP),
			Stack:     t.Stack.memoryRegion(),
			Locals:    t.Locals.memoryRegion(),
			Registers: t.Registers.registers(),
		})
	}
	if w := e.Watchpoint; w != nil {
		access, ok := accessKinds[w.Access]
		if !ok {
			return ev, fmt.Errorf("unknown access kind %q", w.Access)
		}
		ev.Watchpoint = &tele.WatchpointTrigger{Thread: tele.ThreadID(w.Thread), Addr: tele.Address(w.Addr), Access: access}
	}
	return ev, nil
}
