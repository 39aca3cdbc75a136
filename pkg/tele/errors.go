package tele

import (
	"errors"
	"fmt"
)

var (
	// ErrVMBusy is returned when a command can not run because the target
	// is not stopped or another command holds the session. Callers should
	// retry after the next state change notification.
	ErrVMBusy = errors.New("VM busy")

	// ErrProcessTerminated is returned by commands issued after the target
	// process terminated.
	ErrProcessTerminated = errors.New("process terminated")

	// ErrNotInitialized is returned by queries that need a fully initialized
	// heap manager.
	ErrNotInitialized = errors.New("heap manager not initialized")

	// ErrBreakpointRemoved is returned when operating on a breakpoint or
	// watchpoint that was already removed.
	ErrBreakpointRemoved = errors.New("trigger already removed")
)

// DataIOError is returned when target memory could not be read or written.
type DataIOError struct {
	Addr Address
	Size int
	Err  error
}

func (e *DataIOError) Error() string {
	return fmt.Sprintf("could not access %d bytes at %#x: %v", e.Size, uint64(e.Addr), e.Err)
}

func (e *DataIOError) Unwrap() error {
	return e.Err
}

// InvalidReferenceError is returned when an address is not the origin of a
// valid object.
type InvalidReferenceError struct {
	Origin Address
}

func (e *InvalidReferenceError) Error() string {
	return fmt.Sprintf("no valid object at origin %#x", uint64(e.Origin))
}

// InvalidStateRequestError is returned by the process controller when a
// request does not make sense in the current process state, for example
// resuming a running process.
type InvalidStateRequestError struct {
	Request string
	State   ProcessState
}

func (e *InvalidStateRequestError) Error() string {
	return fmt.Sprintf("can not %s: process is %s", e.Request, e.State)
}

// OSExecutionRequestError is returned when the operating system failed to
// carry out a process control request.
type OSExecutionRequestError struct {
	Request string
	Err     error
}

func (e *OSExecutionRequestError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Request, e.Err)
}

func (e *OSExecutionRequestError) Unwrap() error {
	return e.Err
}

// RegionOverlapError is returned when adding a region to a RegionSet
// would overlap an existing entry.
type RegionOverlapError struct {
	New      MemoryRegion
	Existing MemoryRegion
}

func (e *RegionOverlapError) Error() string {
	return fmt.Sprintf("region %v overlaps existing region %v", e.New, e.Existing)
}

// BytecodePositionError is returned for a malformed bytecode position.
type BytecodePositionError struct {
	Position int
}

func (e *BytecodePositionError) Error() string {
	return fmt.Sprintf("invalid bytecode position %d", e.Position)
}

// TooManyWatchpointsError is returned when the platform can not support
// another watchpoint.
type TooManyWatchpointsError struct {
	Limit int
}

func (e *TooManyWatchpointsError) Error() string {
	return fmt.Sprintf("number of watchpoints supported by platform (%d) exceeded", e.Limit)
}

// DuplicateWatchpointError is returned when a new watchpoint would overlap
// an existing one.
type DuplicateWatchpointError struct {
	Region   MemoryRegion
	Existing MemoryRegion
}

func (e *DuplicateWatchpointError) Error() string {
	return fmt.Sprintf("watchpoint already exists that overlaps with start=%#x, size=%d (existing %v)", uint64(e.Region.Start), e.Region.Size, e.Existing)
}
