package ipc

// Signal bits shared by the kernel objects.
const (
	SigGeneric uint64 = 0b0001
	SigRead    uint64 = 0b0010
	SigWrite   uint64 = 0b0100
	SigTimer   uint64 = 0b1000
)

// TriggerMode selects when a waiter may match.
type TriggerMode uint8

const (
	// Edge waiters only match on a notify, never at registration.
	Edge TriggerMode = iota
	// Level waiters match whenever the desired bits are set, including at
	// registration.
	Level
)

// String returns "edge" or "level".
func (x TriggerMode) String() string {
	switch x {
	case Edge:
		return "edge"
	case Level:
		return "level"
	default:
		return "unknown"
	}
}

// WaiterData is the matching policy of a waiter.
type WaiterData struct {
	signal uint64
	mode   TriggerMode
}

// NewWaiterData returns a WaiterData matching when all bits of signal are set.
func NewWaiterData(mode TriggerMode, signal uint64) WaiterData {
	return WaiterData{signal: signal, mode: mode}
}

// TriggerMode returns the trigger mode.
func (x WaiterData) TriggerMode() TriggerMode { return x.mode }

// Signal returns the desired bitmask.
func (x WaiterData) Signal() uint64 { return x.signal }

// CanSignal reports whether signal satisfies x. The onWait flag indicates the
// registration-time check, which never matches edge-triggered waiters.
func (x WaiterData) CanSignal(signal uint64, onWait bool) bool {
	if onWait && x.mode == Edge {
		return false
	}
	return x.signal&^signal == 0
}

// Waiter observes one Event. Implementations must be comparable, which in
// practice means pointer receivers, since Event.Unwait finds them by
// equality.
type Waiter interface {
	// WaiterData returns the matching policy. It must not change while the
	// waiter is registered.
	WaiterData() WaiterData

	// OnCancel is called once if the Event is canceled while the waiter is
	// registered.
	OnCancel(event *Event, signal uint64)

	// OnNotify is called once when the waiter matches, with the signal that
	// satisfied it.
	OnNotify(signal uint64)
}

// Waitable is implemented by kernel objects that publish signals.
type Waitable interface {
	Event() *Event
}

func tryOnNotify(w Waiter, signal uint64, onWait bool) bool {
	if !w.WaiterData().CanSignal(signal, onWait) {
		return false
	}
	w.OnNotify(signal)
	return true
}
