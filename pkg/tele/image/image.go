// Package image implements a target backed by an in-memory image described
// by a scenario file. The image records every process control and trigger
// request it receives, and replays the state transitions listed in the
// scenario.
package image

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-maxine/maxscope/pkg/tele"
)

// Watch is a watchpoint activated in the image.
type Watch struct {
	Region   tele.MemoryRegion
	Settings tele.WatchpointSettings
}

// Image is a tele.Target and tele.RuntimeTables backed by memory.
type Image struct {
	mu sync.Mutex

	info            tele.TargetInfo
	mem             splicedMemory
	boot            tele.MemoryRegion
	heap            *tele.HeapInfo
	code            []tele.CodeDescriptor
	sizes           map[tele.Address]uint64
	watchpointLimit int

	state       tele.ProcessState
	breakpoints map[tele.Address]bool
	watches     map[tele.Address]Watch
	requests    []string
	failures    map[string]error

	events []EventSpec
	next   int
}

// Load reads a scenario file and builds its image.
func Load(path string) (*Image, error) {
	sc, err := LoadScenario(path)
	if err != nil {
		return nil, err
	}
	return New(sc)
}

// New builds the image described by sc.
func New(sc *Scenario) (*Image, error) {
	img := &Image{
		info: tele.TargetInfo{
			WordSize:      sc.WordSize,
			HeapScheme:    sc.HeapScheme,
			HubOffset:     sc.HubOffset,
			TaggedOrigins: sc.TaggedOrigins,
		},
		boot:            sc.BootHeap.memoryRegion(),
		sizes:           make(map[tele.Address]uint64),
		watchpointLimit: sc.WatchpointLimit,
		state:           tele.Stopped,
		breakpoints:     make(map[tele.Address]bool),
		watches:         make(map[tele.Address]Watch),
		failures:        make(map[string]error),
		events:          sc.Events,
	}
	if img.info.WordSize == 0 {
		img.info.WordSize = 8
	}
	if img.boot.Size == 0 {
		return nil, fmt.Errorf("scenario has no boot heap")
	}
	if err := img.applyMemory(sc.Memory); err != nil {
		return nil, err
	}
	if sc.Heap != nil {
		if err := img.applyHeap(sc.Heap); err != nil {
			return nil, err
		}
	}
	img.applyCode(sc.Code)
	for _, spec := range sc.ObjectSizes {
		img.sizes[tele.Address(spec.Hub)] = spec.Size
	}
	return img, nil
}

func (img *Image) applyMemory(specs []MemorySpec) error {
	for i := range specs {
		data, err := specs[i].contents(img.info.WordSize)
		if err != nil {
			return err
		}
		img.mapLocked(tele.Address(specs[i].Start), data)
	}
	return nil
}

func (img *Image) applyHeap(spec *HeapSpec) error {
	boot := tele.RegionDescriptor{Name: img.boot.Name, Start: img.boot.Start, Size: img.boot.Size}
	info, err := spec.heapInfo(boot)
	if err != nil {
		return err
	}
	img.heap = info
	return nil
}

func (img *Image) applyCode(specs []CodeSpec) {
	if specs == nil {
		return
	}
	code := make([]tele.CodeDescriptor, 0, len(specs))
	for i := range specs {
		code = append(code, specs[i].descriptor())
	}
	img.code = code
}

// Map maps data at start, over whatever was mapped there before.
func (img *Image) Map(start tele.Address, data []byte) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.mapLocked(start, data)
}

func (img *Image) mapLocked(start tele.Address, data []byte) {
	img.mem.Add(&chunk{base: start, data: append([]byte(nil), data...)}, start, uint64(len(data)))
}

// SetHeap replaces the runtime's heap region table.
func (img *Image) SetHeap(info *tele.HeapInfo) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.heap = info
}

// SetCode replaces the runtime's code table.
func (img *Image) SetCode(code []tele.CodeDescriptor) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.code = code
}

// SetObjectSize sets the size of objects whose hub is hub.
func (img *Image) SetObjectSize(hub tele.Address, size uint64) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.sizes[hub] = size
}

// Fail makes the next request named request fail with err.
func (img *Image) Fail(request string, err error) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.failures[request] = err
}

// Requests returns the process control and trigger requests received so
// far, in order.
func (img *Image) Requests() []string {
	img.mu.Lock()
	defer img.mu.Unlock()
	return append([]string(nil), img.requests...)
}

// Breakpoints returns the addresses of the installed breakpoints, sorted.
func (img *Image) Breakpoints() []tele.Address {
	img.mu.Lock()
	defer img.mu.Unlock()
	r := make([]tele.Address, 0, len(img.breakpoints))
	for addr := range img.breakpoints {
		r = append(r, addr)
	}
	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })
	return r
}

// Watches returns the active watchpoints, sorted by address.
func (img *Image) Watches() []Watch {
	img.mu.Lock()
	defer img.mu.Unlock()
	r := make([]Watch, 0, len(img.watches))
	for _, w := range img.watches {
		r = append(r, w)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Region.Start < r[j].Region.Start })
	return r
}

// record notes request and returns the error injected for it, if any.
func (img *Image) record(request string) error {
	img.requests = append(img.requests, request)
	name := request
	for i, c := range request {
		if c == ' ' {
			name = request[:i]
			break
		}
	}
	if err, ok := img.failures[name]; ok {
		delete(img.failures, name)
		return err
	}
	return nil
}

func (img *Image) Info() tele.TargetInfo { return img.info }

func (img *Image) ReadMemory(buf []byte, addr tele.Address) (int, error) {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.mem.ReadMemory(buf, addr)
}

func (img *Image) WriteMemory(addr tele.Address, data []byte) (int, error) {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.mem.WriteMemory(addr, data)
}

func (img *Image) control(request string, from tele.ProcessState, to tele.ProcessState) error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if err := img.record(request); err != nil {
		return &tele.OSExecutionRequestError{Request: request, Err: err}
	}
	if img.state != from {
		return &tele.InvalidStateRequestError{Request: request, State: img.state}
	}
	img.state = to
	return nil
}

func (img *Image) Resume() error {
	return img.control("resume", tele.Stopped, tele.Running)
}

func (img *Image) SingleStep(thread tele.ThreadID) error {
	return img.control(fmt.Sprintf("step %d", thread), tele.Stopped, tele.Running)
}

func (img *Image) StepOver(thread tele.ThreadID) error {
	return img.control(fmt.Sprintf("stepover %d", thread), tele.Stopped, tele.Running)
}

func (img *Image) Pause() error {
	return img.control("pause", tele.Running, tele.Running)
}

func (img *Image) Terminate() error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if err := img.record("terminate"); err != nil {
		return &tele.OSExecutionRequestError{Request: "terminate", Err: err}
	}
	if img.state == tele.Terminated {
		return &tele.InvalidStateRequestError{Request: "terminate", State: img.state}
	}
	img.state = tele.Terminated
	return nil
}

func (img *Image) InstallBreakpoint(addr tele.Address) error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if err := img.record(fmt.Sprintf("install %#x", uint64(addr))); err != nil {
		return err
	}
	img.breakpoints[addr] = true
	return nil
}

func (img *Image) RemoveBreakpoint(addr tele.Address) error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if err := img.record(fmt.Sprintf("remove %#x", uint64(addr))); err != nil {
		return err
	}
	delete(img.breakpoints, addr)
	return nil
}

func (img *Image) ActivateWatchpoint(region tele.MemoryRegion, settings tele.WatchpointSettings) error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if err := img.record(fmt.Sprintf("activate %#x+%d", uint64(region.Start), region.Size)); err != nil {
		return err
	}
	img.watches[region.Start] = Watch{region, settings}
	return nil
}

func (img *Image) DeactivateWatchpoint(region tele.MemoryRegion) error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if err := img.record(fmt.Sprintf("deactivate %#x+%d", uint64(region.Start), region.Size)); err != nil {
		return err
	}
	delete(img.watches, region.Start)
	return nil
}

func (img *Image) WatchpointLimit() int { return img.watchpointLimit }

func (img *Image) BootHeap() (tele.MemoryRegion, error) {
	return img.boot, nil
}

func (img *Image) ReadHeapInfo() (*tele.HeapInfo, error) {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.heap == nil {
		return &tele.HeapInfo{Boot: tele.RegionDescriptor{Name: img.boot.Name, Start: img.boot.Start, Size: img.boot.Size}}, nil
	}
	info := *img.heap
	return &info, nil
}

func (img *Image) ReadCodeTable() ([]tele.CodeDescriptor, error) {
	img.mu.Lock()
	defer img.mu.Unlock()
	return append([]tele.CodeDescriptor(nil), img.code...), nil
}

func (img *Image) ObjectSize(origin, hub tele.Address) (uint64, error) {
	img.mu.Lock()
	defer img.mu.Unlock()
	size, ok := img.sizes[hub]
	if !ok {
		return 0, fmt.Errorf("unknown hub %#x for object at %#x", uint64(hub), uint64(origin))
	}
	return size, nil
}

// SetState forces the process state of the image, as if the process had
// stopped, resumed or died on its own.
func (img *Image) SetState(state tele.ProcessState) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.state = state
}

// Pending returns the number of scripted events not delivered yet.
func (img *Image) Pending() int {
	img.mu.Lock()
	defer img.mu.Unlock()
	return len(img.events) - img.next
}

// NextEvent applies the changes scripted with the next event and returns
// it. The image takes the process state the event implies.
func (img *Image) NextEvent() (tele.ProcessEvent, error) {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.next >= len(img.events) {
		return tele.ProcessEvent{}, fmt.Errorf("no more events")
	}
	spec := &img.events[img.next]
	img.next++
	ev, err := spec.event()
	if err != nil {
		return ev, fmt.Errorf("event %d: %v", img.next, err)
	}
	if err := img.applyMemory(spec.Memory); err != nil {
		return ev, err
	}
	if spec.Heap != nil {
		if err := img.applyHeap(spec.Heap); err != nil {
			return ev, err
		}
	}
	img.applyCode(spec.Code)
	switch ev.Kind {
	case tele.EventRunning:
		img.state = tele.Running
	case tele.EventTerminated:
		img.state = tele.Terminated
	default:
		img.state = tele.Stopped
	}
	return ev, nil
}

// Replay delivers all remaining events to s and calls fn with every state
// published.
func (img *Image) Replay(s *tele.Session, fn func(*tele.VMState)) error {
	for img.Pending() > 0 {
		ev, err := img.NextEvent()
		if err != nil {
			return err
		}
		state, err := s.HandleEvent(ev)
		if err != nil {
			return err
		}
		if state != nil && fn != nil {
			fn(state)
		}
	}
	return nil
}
