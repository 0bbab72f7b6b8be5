package wait

import (
	"sync"

	"github.com/joeycumines/go-microkernel/cpu"
)

// Parker suspends and resumes one execution context.
//
// Unpark makes a single wake token available, and Park consumes it, blocking
// until one exists. Tokens do not accumulate: any number of Unpark calls
// between two Park calls releases exactly one Park.
//
// Park returns an error if the context can no longer wait, e.g.
// kerr.ErrKilled for a killed task, possibly without consuming a token.
type Parker interface {
	Park(reason string) error
	Unpark()
}

// BoundParker is a Parker whose context runs bound to a CPU, e.g. a task.
// Blockers use its Binding to disable preemption, instead of looking up the
// binding of the calling goroutine.
type BoundParker interface {
	Parker
	Binding() *cpu.Binding
}

// ChannelParker is a Parker for plain goroutines. The zero value is ready to
// use.
type ChannelParker struct {
	once sync.Once
	ch   chan struct{}
}

// NewChannelParker returns a new ChannelParker.
func NewChannelParker() *ChannelParker {
	p := new(ChannelParker)
	p.init()
	return p
}

func (p *ChannelParker) init() {
	p.once.Do(func() { p.ch = make(chan struct{}, 1) })
}

// Park blocks until a token is available. The reason is ignored, and the
// error is always nil.
func (p *ChannelParker) Park(string) error {
	p.init()
	<-p.ch
	return nil
}

// Unpark makes a token available, if there isn't one already.
func (p *ChannelParker) Unpark() {
	p.init()
	select {
	case p.ch <- struct{}{}:
	default:
	}
}
