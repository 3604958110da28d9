// Package proc is a low-level package that answers questions about the
// processes of a system.
//
// proc implements the core queries:
// * translating a virtual address of a process to a physical frame
// * reconstructing the chain of ancestors of a process
//
// Processes are obtained through a Registry. The Tree type is an in-memory
// Registry; packages core and native provide registries backed by a
// snapshot file and by the live /proc filesystem.
package proc
