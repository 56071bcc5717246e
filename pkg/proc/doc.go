// Package proc is a low-level package that provides methods to control the
// threads of a remote process.
//
// proc implements all core functionality including:
// * enumerating the threads of the attached process
// * suspending, resuming, terminating and joining threads
// * reading and writing the register context of a suspended thread
// * reading and writing the thread environment block (TLS slots)
//
// The operating system is reached through a Backend, see package native
// for the Windows implementation and package fake for an in-memory one.
package proc
