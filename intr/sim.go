package intr

import (
	"sync"
)

// SimChip is an in-memory Chip, for simulation and tests. Lines start
// masked. It is safe for concurrent use.
type SimChip struct {
	mu       sync.Mutex
	unmasked map[uint32]bool
	acks     uint64
	eois     uint64
}

var _ Chip = (*SimChip)(nil)

func (c *SimChip) Mask(irq uint32) {
	c.mu.Lock()
	delete(c.unmasked, irq)
	c.mu.Unlock()
}

func (c *SimChip) Unmask(irq uint32) {
	c.mu.Lock()
	if c.unmasked == nil {
		c.unmasked = make(map[uint32]bool)
	}
	c.unmasked[irq] = true
	c.mu.Unlock()
}

func (c *SimChip) Ack(uint32) {
	c.mu.Lock()
	c.acks++
	c.mu.Unlock()
}

func (c *SimChip) EOI(uint32) {
	c.mu.Lock()
	c.eois++
	c.mu.Unlock()
}

// Masked reports whether irq is masked.
func (c *SimChip) Masked(irq uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.unmasked[irq]
}

// Counts returns the number of acks and EOIs issued. Every fire issues one
// of each, so they differ only while a handler runs.
func (c *SimChip) Counts() (acks, eois uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acks, c.eois
}
