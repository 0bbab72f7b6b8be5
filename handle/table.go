package handle

import (
	"fmt"
	"strings"
	"sync"

	"fortio.org/safecast"
	"github.com/joeycumines/go-microkernel/ipc"
	"github.com/joeycumines/go-microkernel/kerr"
)

// Feature is a capability granted by a handle.
type Feature uint32

const (
	// FeatureRead allows reading, e.g. popping a dispatcher.
	FeatureRead Feature = 1 << iota
	// FeatureWrite allows writing, e.g. registering with a dispatcher, or
	// notifying an event.
	FeatureWrite
	// FeatureWait allows waiting on the object's Event.
	FeatureWait
	// FeatureSend allows passing the handle to another space.
	FeatureSend
	// FeatureClone allows duplicating the handle.
	FeatureClone

	FeatureAll = FeatureRead | FeatureWrite | FeatureWait | FeatureSend | FeatureClone
)

var featureNames = [...]string{"read", "write", "wait", "send", "clone"}

// String returns the feature names joined by "|".
func (f Feature) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for i, name := range featureNames {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if rest := f &^ FeatureAll; rest != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(rest)))
	}
	return strings.Join(names, "|")
}

// Handle names an Object within one Table. The zero Handle is null.
//
// The low indexBits hold the slot index plus one, the remaining bits the slot
// generation, so a handle to a removed object doesn't alias its successor.
type Handle uint32

const (
	indexBits = 20
	indexMask = 1<<indexBits - 1
	// MaxHandles is the capacity of a Table.
	MaxHandles = indexMask
)

func makeHandle(index int, gen uint32) Handle {
	n, err := safecast.Conv[uint32](index + 1)
	if err != nil {
		panic(fmt.Errorf("handle index overflow: %w", err))
	}
	return Handle(gen<<indexBits | n)
}

func (h Handle) index() int { return int(h&indexMask) - 1 }

func (h Handle) gen() uint32 { return uint32(h) >> indexBits }

type slot struct {
	obj      Object
	features Feature
	gen      uint32
}

// Table is a capability-checked handle table, one per address space. It is
// safe for concurrent use.
type Table struct {
	mu    sync.RWMutex
	slots []slot
	free  []int
	count int
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return new(Table)
}

// Insert adds a handle to obj with the given features.
func (t *Table) Insert(obj Object, features Feature) (Handle, error) {
	return t.insert(obj, features, true)
}

// Adopt adds a handle to obj, taking over a reference released by Take
// instead of adding one. If it fails, the caller still owns the reference.
func (t *Table) Adopt(obj Object, features Feature) (Handle, error) {
	return t.insert(obj, features, false)
}

func (t *Table) insert(obj Object, features Feature, retain bool) (Handle, error) {
	if obj == nil {
		return 0, fmt.Errorf("%w: nil object", kerr.ErrInvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var index int
	if n := len(t.free); n != 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		if len(t.slots) >= MaxHandles {
			return 0, fmt.Errorf("%w: handle table full", kerr.ErrCapacityExceeded)
		}
		index = len(t.slots)
		t.slots = append(t.slots, slot{})
	}
	s := &t.slots[index]
	s.obj, s.features = obj, features
	t.count++
	if retain {
		obj.objectRef().retain()
	}
	return makeHandle(index, s.gen), nil
}

func (t *Table) slotLocked(h Handle) (*slot, error) {
	if h == 0 {
		return nil, fmt.Errorf("%w: null handle", kerr.ErrInvalidArgument)
	}
	i := h.index()
	if i < 0 || i >= len(t.slots) || t.slots[i].obj == nil || t.slots[i].gen != h.gen() {
		return nil, fmt.Errorf("%w: handle %#x", kerr.ErrNotFound, uint32(h))
	}
	return &t.slots[i], nil
}

// Get resolves h, checking that it grants every feature in required.
func (t *Table) Get(h Handle, required Feature) (Object, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, err := t.slotLocked(h)
	if err != nil {
		return nil, err
	}
	if missing := required &^ s.features; missing != 0 {
		return nil, fmt.Errorf("%w: handle %#x lacks %s", kerr.ErrPermissionDenied, uint32(h), missing)
	}
	return s.obj, nil
}

// Features returns the features granted by h.
func (t *Table) Features(h Handle) (Feature, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, err := t.slotLocked(h)
	if err != nil {
		return 0, err
	}
	return s.features, nil
}

// Event resolves h to its object's Event, for waiting. The handle must grant
// required. A destroyed object fails with kerr.ErrBrokenEvent, and an object
// without an Event with kerr.ErrInvalidArgument.
func (t *Table) Event(h Handle, required Feature) (*ipc.Event, Object, error) {
	obj, err := t.Get(h, required)
	if err != nil {
		return nil, nil, err
	}
	event, ok := eventOf(obj)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s object is not waitable", kerr.ErrInvalidArgument, obj.Kind())
	}
	if obj.objectRef().Destroyed() {
		return nil, nil, fmt.Errorf("%w: %s object destroyed", kerr.ErrBrokenEvent, obj.Kind())
	}
	return event, obj, nil
}

// Clone duplicates h, granting the intersection of its features and mask.
// The handle must grant FeatureClone.
func (t *Table) Clone(h Handle, mask Feature) (Handle, error) {
	t.mu.RLock()
	s, err := t.slotLocked(h)
	var (
		obj      Object
		features Feature
	)
	if err == nil {
		if s.features&FeatureClone == 0 {
			err = fmt.Errorf("%w: handle %#x lacks %s", kerr.ErrPermissionDenied, uint32(h), FeatureClone)
		}
		obj, features = s.obj, s.features&mask
	}
	t.mu.RUnlock()
	if err != nil {
		return 0, err
	}
	return t.Insert(obj, features)
}

// Transfer moves h from t into dst, which requires FeatureSend.
func (t *Table) Transfer(h Handle, dst *Table) (Handle, error) {
	obj, err := t.Get(h, FeatureSend)
	if err != nil {
		return 0, err
	}
	features, _ := t.Features(h)
	nh, err := dst.Insert(obj, features)
	if err != nil {
		return 0, err
	}
	if err := t.Remove(h); err != nil {
		_ = dst.Remove(nh)
		return 0, err
	}
	return nh, nil
}

// Remove drops h, destroying its object if this was the last handle.
func (t *Table) Remove(h Handle) error {
	obj, _, err := t.Take(h, 0)
	if err != nil {
		return err
	}
	// outside the lock, destruction may cancel waiters
	Release(obj)
	return nil
}

// Take removes h, which must grant required, without dropping its reference.
// The caller owns the reference, and must pass it to Adopt or Release.
func (t *Table) Take(h Handle, required Feature) (Object, Feature, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.slotLocked(h)
	if err != nil {
		return nil, 0, err
	}
	if missing := required &^ s.features; missing != 0 {
		return nil, 0, fmt.Errorf("%w: handle %#x lacks %s", kerr.ErrPermissionDenied, uint32(h), missing)
	}
	obj, features := s.obj, s.features
	s.obj, s.features = nil, 0
	s.gen = (s.gen + 1) & (1<<(32-indexBits) - 1)
	t.free = append(t.free, h.index())
	t.count--
	return obj, features, nil
}

// Release drops a reference obtained from Take, destroying obj if it was the
// last.
func Release(obj Object) {
	obj.objectRef().release()
}

// Len returns the number of live handles.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Close removes every handle.
func (t *Table) Close() {
	t.mu.Lock()
	var objs []Object
	for i := range t.slots {
		if s := &t.slots[i]; s.obj != nil {
			objs = append(objs, s.obj)
		}
	}
	t.slots, t.free, t.count = nil, nil, 0
	t.mu.Unlock()

	for _, obj := range objs {
		obj.objectRef().release()
	}
}
