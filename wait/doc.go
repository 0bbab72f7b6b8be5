// Package wait implements the two waiter kinds built on [ipc.Event]: the
// single-use [Blocker], which parks one caller until an Event matches, and the
// [Dispatcher], which fans many Event registrations into one ordered ready
// queue.
//
// Suspension is abstracted by [Parker]. Scheduled tasks implement it by
// giving up their CPU; [ChannelParker] serves goroutines that run outside the
// scheduler.
package wait
