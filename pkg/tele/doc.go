// Package tele is the introspection engine of the maxscope debugger.
//
// It maintains a model of a remote virtual machine process:
//   - a causally ordered history of immutable VM state snapshots
//   - a hierarchy of named, owned memory regions over the target address space
//   - heap regions, object identity and liveness through a collector specific
//     heap scheme that tolerates objects moving mid-query
//   - breakpoints and watchpoints installed in the VM and correlated back to
//     the events reported to clients
//
// A Session owns one instance of every manager and is the only producer of
// VMState snapshots.
package tele
