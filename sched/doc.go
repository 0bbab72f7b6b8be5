// Package sched implements the task lifecycle and a multi-CPU scheduler.
//
// A task moves through Init, Ready and Blocked, each a distinct type whose
// transitions consume the receiver, and leaves through Ready.Exit. Each CPU
// is a goroutine owning a run queue, granting one task at a time a run
// permit; a Task executes only while holding it. Waking a task is a message
// to the CPU that owns it, so run queues are only ever touched by their CPU.
package sched
