// Package native implements a target for live processes on Linux.
//
// The process is traced with ptrace(2): every thread is seized and stopped
// on Attach, and Wait turns the next stop of the process into a
// tele.ProcessEvent after stopping all the remaining threads. Memory is
// read and written through /proc/<pid>/mem.
//
// Only what the operating system can observe is available. The runtime
// tables describing the heap and the compiled code must be provided by a
// separate tele.RuntimeTables implementation.
package native
