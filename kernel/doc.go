// Package kernel is the syscall-facing layer: it resolves handles in the
// calling task's space, checks their capabilities, and drives the wait,
// dispatcher, interrupt and scheduler packages on the task's behalf. It also
// owns the channel objects that move packets and handles between spaces.
//
// Every syscall takes the calling *sched.Task, and must be called from that
// task. Errors are the kerr sentinels, possibly wrapped; kerr.Code converts
// them to the errno surfaced at the boundary.
package kernel
