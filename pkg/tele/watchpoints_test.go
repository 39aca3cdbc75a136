package tele_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/go-maxine/maxscope/pkg/tele"
	"github.com/go-maxine/maxscope/pkg/tele/image"
)

var writes = tele.WatchpointSettings{Write: true}

func word(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func watchedStarts(watches []image.Watch) []tele.Address {
	var r []tele.Address
	for _, w := range watches {
		r = append(r, w.Region.Start)
	}
	return r
}

func TestOverlappingWatchpoints(t *testing.T) {
	img, s := newTestSession(t, tele.SessionConfig{})
	wpm := s.Watchpoints()
	first, err := wpm.CreateRegionWatchpoint("first", tele.NewMemoryRegion("", 0x1050, 8), writes)
	if err != nil {
		t.Fatal(err)
	}
	_, err = wpm.CreateRegionWatchpoint("second", tele.NewMemoryRegion("", 0x1057, 4), writes)
	var dup *tele.DuplicateWatchpointError
	if !errors.As(err, &dup) {
		t.Fatalf("overlapping watchpoint created: %v", err)
	}
	if dup.Existing.Start != 0x1050 {
		t.Errorf("overlap reported with %v", dup.Existing)
	}
	if wps := wpm.Watchpoints(); len(wps) != 1 || wps[0] != first {
		t.Errorf("Watchpoints = %v", wps)
	}
	if w := img.Watches(); len(w) != 1 || w[0].Region.Start != 0x1050 || w[0].Settings != writes {
		t.Errorf("active watches %v", w)
	}
	if first.ID != 1 || first.Description() != "first" || !first.IsActive() {
		t.Errorf("wrong watchpoint %v", first)
	}
	if _, err := wpm.CreateRegionWatchpoint("empty", tele.NewMemoryRegion("", 0x2000, 0), writes); err == nil {
		t.Errorf("empty watchpoint created")
	}
}

func TestWatchpointLimit(t *testing.T) {
	_, s := newTestSession(t, tele.SessionConfig{WatchpointLimit: 2})
	wpm := s.Watchpoints()
	if wpm.Limit() != 2 {
		t.Fatalf("Limit = %d", wpm.Limit())
	}
	for _, start := range []tele.Address{0x1040, 0x1050} {
		if _, err := wpm.CreateRegionWatchpoint("", tele.NewMemoryRegion("", start, 8), writes); err != nil {
			t.Fatal(err)
		}
	}
	_, err := wpm.CreateRegionWatchpoint("", tele.NewMemoryRegion("", 0x1060, 8), writes)
	var tooMany *tele.TooManyWatchpointsError
	if !errors.As(err, &tooMany) || tooMany.Limit != 2 {
		t.Errorf("third watchpoint: %v", err)
	}

	_, s = newTestSession(t, tele.SessionConfig{WatchpointLimit: 100})
	if s.Watchpoints().Limit() != 4 {
		t.Errorf("platform limit not applied: %d", s.Watchpoints().Limit())
	}
}

func TestWatchpointTrigger(t *testing.T) {
	img, s := newTestSession(t, tele.SessionConfig{})
	wpm := s.Watchpoints()
	wp, err := wpm.CreateFieldWatchpoint("", 0x1040, tele.FieldDescriptor{Name: "count", Offset: 16, Size: 8}, writes)
	if err != nil {
		t.Fatal(err)
	}
	if r := wp.Region(); r.Start != 0x1050 || r.Size != 8 {
		t.Errorf("field region %v", r)
	}
	if wp.Description() != "count" || wp.Object() != 0x1040 || !wp.IsTracking() {
		t.Errorf("wrong field watchpoint %v", wp)
	}
	if !bytes.Equal(wp.CachedBytes(), word(0x2a)) {
		t.Errorf("cached bytes %x", wp.CachedBytes())
	}

	resume(t, s)
	if err := tele.WriteWord(img, 0x1050, 8, 0x2b); err != nil {
		t.Fatal(err)
	}
	st := deliver(t, img, s, tele.ProcessEvent{
		Kind:       tele.EventStopped,
		Threads:    []tele.ThreadInfo{mainThread(tele.AtWatchpoint, 0xa010)},
		Watchpoint: &tele.WatchpointTrigger{Thread: 1, Addr: 0x1054, Access: tele.WriteAccess},
	})
	ev := st.WatchpointEvent()
	if st.ProcessState() != tele.Stopped || ev == nil {
		t.Fatalf("watchpoint stop not reported: %v", st)
	}
	if ev.Watchpoint != wp || ev.Thread == nil || ev.Thread.ID() != 1 || ev.Access != tele.WriteAccess || ev.Addr != 0x1054 {
		t.Errorf("wrong event %+v", ev)
	}
	if !bytes.Equal(ev.Before, word(0x2a)) {
		t.Errorf("bytes before the write %x", ev.Before)
	}
	if !bytes.Equal(wp.CachedBytes(), word(0x2b)) {
		t.Errorf("cache not refreshed: %x", wp.CachedBytes())
	}
}

func TestObjectWatchpointKinds(t *testing.T) {
	_, s := newTestSession(t, tele.SessionConfig{})
	wpm := s.Watchpoints()

	obj, err := wpm.CreateObjectWatchpoint("obj", 0x6000, writes)
	if err != nil {
		t.Fatal(err)
	}
	if r := obj.Region(); r.Start != 0x6000 || r.Size != 24 {
		t.Errorf("object region %v", r)
	}
	var ierr *tele.InvalidReferenceError
	if _, err := wpm.CreateObjectWatchpoint("", 0x1048, writes); !errors.As(err, &ierr) {
		t.Errorf("watchpoint on invalid origin: %v", err)
	}

	hub, err := wpm.CreateHeaderWatchpoint("", 0x1040, tele.HubField, writes)
	if err != nil {
		t.Fatal(err)
	}
	if r := hub.Region(); r.Start != 0x1040 || r.Size != 8 || hub.Description() != "hub" {
		t.Errorf("hub watchpoint %v", hub)
	}
	misc, err := wpm.CreateHeaderWatchpoint("", 0x1040, tele.MiscField, writes)
	if err != nil {
		t.Fatal(err)
	}
	if r := misc.Region(); r.Start != 0x1048 {
		t.Errorf("misc watchpoint %v", r)
	}

	if _, err := wpm.CreateFieldWatchpoint("", 0x1040, tele.FieldDescriptor{Name: "f", Offset: 20, Size: 8}, writes); err == nil {
		t.Errorf("field outside the object accepted")
	}
	if _, err := wpm.CreateArrayElementWatchpoint("", 0x1000, 16, 8, 2, writes); err == nil {
		t.Errorf("array index out of bounds accepted")
	}
	if _, err := wpm.CreateArrayElementWatchpoint("", 0x1000, 16, 8, -1, writes); err == nil {
		t.Errorf("negative array index accepted")
	}
	elem, err := wpm.CreateArrayElementWatchpoint("", 0x1000, 16, 8, 1, writes)
	if err != nil {
		t.Fatal(err)
	}
	if r := elem.Region(); r.Start != 0x1018 || elem.Description() != "[1]" {
		t.Errorf("array element watchpoint %v", elem)
	}
	if n := len(wpm.Watchpoints()); n != 4 {
		t.Errorf("%d watchpoints", n)
	}
	if found := wpm.FindWatchpoints(tele.NewMemoryRegion("", 0x1000, 0x100)); len(found) != 3 {
		t.Errorf("FindWatchpoints = %v", found)
	}
}

func TestThreadLocalWatchpoint(t *testing.T) {
	img, s := newTestSession(t, tele.SessionConfig{})
	st := stopAfterResume(t, img, s, tele.Suspended, 0xa000)
	thread := st.FindThread(1)
	wpm := s.Watchpoints()
	wp, err := wpm.CreateThreadLocalWatchpoint("", thread, tele.ThreadLocalVariable{Name: "safepoint", Offset: 8, Size: 8}, writes)
	if err != nil {
		t.Fatal(err)
	}
	if r := wp.Region(); r.Start != 0x9108 || r.Size != 8 {
		t.Errorf("thread local region %v", r)
	}
	if wp.Description() != "safepoint of main" || wp.IsTracking() {
		t.Errorf("wrong thread local watchpoint %v", wp)
	}
	if _, err := wpm.CreateThreadLocalWatchpoint("", thread, tele.ThreadLocalVariable{Name: "x", Offset: 0xfc, Size: 8}, writes); err == nil {
		t.Errorf("variable outside the thread locals accepted")
	}
}

func TestWatchpointUpdates(t *testing.T) {
	img, s := newTestSession(t, tele.SessionConfig{})
	wpm := s.Watchpoints()
	wp, err := wpm.CreateRegionWatchpoint("", tele.NewMemoryRegion("", 0x1050, 8), writes)
	if err != nil {
		t.Fatal(err)
	}

	if err := wpm.SetEnabled(wp, false); err != nil {
		t.Fatal(err)
	}
	if wp.IsActive() || len(img.Watches()) != 0 {
		t.Errorf("disabled watchpoint active")
	}
	if _, err := wpm.CreateRegionWatchpoint("", tele.NewMemoryRegion("", 0x1050, 1), writes); err == nil {
		t.Errorf("region of a disabled watchpoint reused")
	}
	if err := wpm.SetEnabled(wp, true); err != nil {
		t.Fatal(err)
	}

	reads := tele.WatchpointSettings{Read: true, EnabledDuringGC: true}
	if err := wpm.SetSettings(wp, reads); err != nil {
		t.Fatal(err)
	}
	if w := img.Watches(); len(w) != 1 || w[0].Settings != reads || wp.Settings() != reads {
		t.Errorf("settings not applied: %v", w)
	}

	img.Fail("activate", errors.New("boom"))
	if err := wpm.SetSettings(wp, writes); err == nil {
		t.Errorf("failed activation not reported")
	}
	if wp.Settings() != reads || !wp.IsActive() {
		t.Errorf("failed settings change not undone: %v", wp)
	}

	if err := wpm.Remove(wp); err != nil {
		t.Fatal(err)
	}
	if err := wpm.Remove(wp); !errors.Is(err, tele.ErrBreakpointRemoved) {
		t.Errorf("second Remove: %v", err)
	}
	if len(img.Watches()) != 0 || len(wpm.Watchpoints()) != 0 {
		t.Errorf("removed watchpoint still present")
	}
	if _, err := wpm.CreateRegionWatchpoint("", tele.NewMemoryRegion("", 0x1050, 1), writes); err != nil {
		t.Errorf("region of a removed watchpoint not reusable: %v", err)
	}

	resume(t, s)
	if _, err := wpm.CreateRegionWatchpoint("", tele.NewMemoryRegion("", 0x1060, 8), writes); !errors.Is(err, tele.ErrVMBusy) {
		t.Errorf("create while running: %v", err)
	}
}

func TestEagerRelocation(t *testing.T) {
	img, s := newTestSession(t, tele.SessionConfig{})
	wp, err := s.Watchpoints().CreateObjectWatchpoint("", 0x6000, writes)
	if err != nil {
		t.Fatal(err)
	}
	collect(t, img, s)
	if wp.IsStale() {
		t.Errorf("watchpoint stale in eager mode")
	}
	if wp.Object() != 0x5000 || !wp.IsTracking() {
		t.Errorf("object not followed: %v", wp)
	}
	if r := wp.Region(); r.Start != 0x5000 || r.Size != 24 {
		t.Errorf("region %v", r)
	}
	if got := watchedStarts(img.Watches()); len(got) != 1 || got[0] != 0x5000 {
		t.Errorf("active watches %v", got)
	}
}

func TestLazyRelocation(t *testing.T) {
	img, s := newTestSession(t, tele.SessionConfig{WatchpointRelocation: tele.LazyRelocation})
	wp, err := s.Watchpoints().CreateObjectWatchpoint("", 0x6000, writes)
	if err != nil {
		t.Fatal(err)
	}
	collect(t, img, s)
	if !wp.IsStale() {
		t.Fatalf("watchpoint not stale after collection")
	}
	if got := watchedStarts(img.Watches()); len(got) != 1 || got[0] != 0x6000 {
		t.Errorf("watchpoint moved before access: %v", got)
	}
	if r := wp.Region(); r.Start != 0x5000 {
		t.Errorf("region not relocated on access: %v", r)
	}
	if wp.IsStale() {
		t.Errorf("still stale after access")
	}
	if got := watchedStarts(img.Watches()); len(got) != 1 || got[0] != 0x5000 {
		t.Errorf("active watches %v", got)
	}
}

func TestLazyRelocationAtNextCollection(t *testing.T) {
	img, s := newTestSession(t, tele.SessionConfig{WatchpointRelocation: tele.LazyRelocation})
	wp, err := s.Watchpoints().CreateObjectWatchpoint("", 0x6000, writes)
	if err != nil {
		t.Fatal(err)
	}
	collect(t, img, s)

	resume(t, s)
	img.SetHeap(semispaceHeap(2, 1, tele.ToSpace, tele.FromSpace, 0x5018, 0x6800))
	deliver(t, img, s, tele.ProcessEvent{Kind: tele.EventGCStarted})
	if wp.IsStale() || wp.Object() != 0x5000 {
		t.Errorf("stale watchpoint not relocated when the next collection started: %v", wp)
	}
}

func TestMixedRelocationModes(t *testing.T) {
	img, s := newTestSession(t, tele.SessionConfig{})
	wpm := s.Watchpoints()
	hub, err := wpm.CreateHeaderWatchpoint("", 0x6000, tele.HubField, writes)
	if err != nil {
		t.Fatal(err)
	}
	field, err := wpm.CreateFieldWatchpoint("", 0x6000, tele.FieldDescriptor{Name: "f", Offset: 16, Size: 8}, writes)
	if err != nil {
		t.Fatal(err)
	}
	if hub.RelocationMode() != tele.EagerRelocation || field.RelocationMode() != tele.EagerRelocation {
		t.Fatalf("watchpoints do not start with the session mode")
	}
	if err := wpm.SetRelocationMode(field, tele.LazyRelocation); err != nil {
		t.Fatal(err)
	}
	if field.RelocationMode() != tele.LazyRelocation || hub.RelocationMode() != tele.EagerRelocation {
		t.Fatalf("relocation mode not changed for a single watchpoint")
	}
	if err := wpm.SetRelocationMode(field, tele.RelocationMode(7)); err == nil {
		t.Errorf("unknown relocation mode accepted")
	}

	collect(t, img, s)
	if hub.IsStale() || hub.Object() != 0x5000 {
		t.Errorf("eager watchpoint not relocated: %v", hub)
	}
	if !field.IsStale() || field.Object() != 0x6000 {
		t.Errorf("lazy watchpoint relocated before access: %v", field)
	}
	if got := watchedStarts(img.Watches()); len(got) != 2 || got[0] != 0x5000 || got[1] != 0x6010 {
		t.Errorf("active watches %v", got)
	}

	resume(t, s)
	if err := wpm.SetRelocationMode(field, tele.EagerRelocation); !errors.Is(err, tele.ErrVMBusy) {
		t.Errorf("relocation mode changed while running: %v", err)
	}
	deliver(t, img, s, tele.ProcessEvent{Kind: tele.EventStopped, Threads: []tele.ThreadInfo{mainThread(tele.Suspended, 0xa000)}})
	if err := wpm.SetRelocationMode(field, tele.EagerRelocation); err != nil {
		t.Fatal(err)
	}
	if field.IsStale() || field.Object() != 0x5000 {
		t.Errorf("stale watchpoint not relocated when made eager: %v", field)
	}
	if r := field.Region(); r.Start != 0x5010 {
		t.Errorf("region %v", r)
	}
}

func TestWatchpointOnDeadObject(t *testing.T) {
	img, s := newTestSession(t, tele.SessionConfig{})
	wp, err := s.Watchpoints().CreateObjectWatchpoint("", 0x6000, writes)
	if err != nil {
		t.Fatal(err)
	}
	// the object is not copied, it dies with its semispace
	resume(t, s)
	img.SetHeap(semispaceHeap(1, 1, tele.ToSpace, tele.FromSpace, 0x5000, 0x6800))
	deliver(t, img, s, tele.ProcessEvent{Kind: tele.EventGCCompleted})
	if wp.IsTracking() {
		t.Errorf("watchpoint still tracking a dead object")
	}
	if r := wp.Region(); r.Start != 0x6000 {
		t.Errorf("watchpoint on dead object moved: %v", r)
	}
	if wp.IsRemoved() {
		t.Errorf("watchpoint on dead object removed")
	}
}

func TestWatchpointsDuringGC(t *testing.T) {
	img, s := newTestSession(t, tele.SessionConfig{})
	wpm := s.Watchpoints()
	plain, err := wpm.CreateRegionWatchpoint("", tele.NewMemoryRegion("", 0x1050, 8), writes)
	if err != nil {
		t.Fatal(err)
	}
	always, err := wpm.CreateRegionWatchpoint("", tele.NewMemoryRegion("", 0x1060, 8), tele.WatchpointSettings{Write: true, EnabledDuringGC: true})
	if err != nil {
		t.Fatal(err)
	}

	resume(t, s)
	img.SetHeap(semispaceHeap(1, 0, tele.ToSpace, tele.FromSpace, 0x5000, 0x6800))
	deliver(t, img, s, tele.ProcessEvent{Kind: tele.EventGCStarted})

	resume(t, s)
	st := deliver(t, img, s, tele.ProcessEvent{
		Kind:       tele.EventStopped,
		Threads:    []tele.ThreadInfo{mainThread(tele.AtWatchpoint, 0xa000)},
		Watchpoint: &tele.WatchpointTrigger{Thread: 1, Addr: 0x1050, Access: tele.WriteAccess},
	})
	if st.ProcessState() != tele.Running {
		t.Errorf("trigger during collection reported: %v", st)
	}
	if plain.IsActive() {
		t.Errorf("watchpoint still active during collection")
	}
	if got := watchedStarts(img.Watches()); len(got) != 1 || got[0] != 0x1060 {
		t.Errorf("active watches %v", got)
	}

	st = deliver(t, img, s, tele.ProcessEvent{
		Kind:       tele.EventStopped,
		Threads:    []tele.ThreadInfo{mainThread(tele.AtWatchpoint, 0xa000)},
		Watchpoint: &tele.WatchpointTrigger{Thread: 1, Addr: 0x1060, Access: tele.WriteAccess},
	})
	if st.ProcessState() != tele.Stopped || st.WatchpointEvent() == nil || st.WatchpointEvent().Watchpoint != always {
		t.Errorf("trigger of watchpoint enabled during collection not reported: %v", st)
	}
	if !st.IsInGC() {
		t.Errorf("stop not flagged as inside a collection")
	}

	resume(t, s)
	img.SetHeap(semispaceHeap(1, 1, tele.ToSpace, tele.FromSpace, 0x5000, 0x6800))
	deliver(t, img, s, tele.ProcessEvent{Kind: tele.EventGCCompleted})
	if !plain.IsActive() {
		t.Errorf("watchpoint not reactivated after collection")
	}
	if got := watchedStarts(img.Watches()); len(got) != 2 {
		t.Errorf("active watches %v", got)
	}
}
