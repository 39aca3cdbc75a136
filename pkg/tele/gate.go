package tele

import "sync"

// vmGate is the single mutual exclusion gate between commands that change
// the state of the target and the ingestion of state transitions. Reads of
// target memory share it.
//
// Commands and reads never wait for the gate: if it is held, or the
// target is not stopped, they fail with ErrVMBusy. The ingestion path
// waits.
type vmGate struct {
	mu sync.RWMutex
}

func (g *vmGate) tryAcquire() bool {
	return g.mu.TryLock()
}

func (g *vmGate) acquire() {
	g.mu.Lock()
}

func (g *vmGate) release() {
	g.mu.Unlock()
}

func (g *vmGate) tryAcquireRead() bool {
	return g.mu.TryRLock()
}

func (g *vmGate) releaseRead() {
	g.mu.RUnlock()
}

// commandGate admits one command at a time. enter returns the function
// that ends the command.
type commandGate interface {
	enter(request string) (exit func(), err error)
}
