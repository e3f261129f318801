// Package slotpool lends a fixed set of reservoir scratch states to workers.
// It is a counting semaphore over the slot IDs 0..n-1; the state owned by a
// slot is only touched by the goroutine currently holding that ID.
package slotpool

import (
	"context"
	"fmt"
	"sync"
)

type Pool struct {
	free   chan int
	states [][]float64

	mu   sync.Mutex
	held []bool
}

func New(slots, stateSize int) (*Pool, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("slot count must be > 0, got %d", slots)
	}
	if stateSize <= 0 {
		return nil, fmt.Errorf("state size must be > 0, got %d", stateSize)
	}
	p := &Pool{
		free:   make(chan int, slots),
		states: make([][]float64, slots),
		held:   make([]bool, slots),
	}
	for id := 0; id < slots; id++ {
		p.states[id] = make([]float64, stateSize)
		p.free <- id
	}
	return p, nil
}

func (p *Pool) Size() int { return len(p.states) }

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (int, error) {
	select {
	case id := <-p.free:
		p.mu.Lock()
		p.held[id] = true
		p.mu.Unlock()
		return id, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Release returns id to the free set. Releasing a slot that is not held is
// a programming error and panics.
func (p *Pool) Release(id int) {
	p.mu.Lock()
	if id < 0 || id >= len(p.held) || !p.held[id] {
		p.mu.Unlock()
		panic(fmt.Sprintf("slotpool: release of slot %d that is not held", id))
	}
	p.held[id] = false
	p.mu.Unlock()
	p.free <- id
}

// With runs fn while holding a slot. The slot is released on every exit
// path, including a panic in fn.
func (p *Pool) With(ctx context.Context, fn func(id int, state []float64) error) error {
	id, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(id)
	return fn(id, p.states[id])
}

// State returns the scratch vector of a slot. Callers must hold id.
func (p *Pool) State(id int) []float64 { return p.states[id] }

// Reset zeroes every scratch state. It must not race with held slots.
func (p *Pool) Reset() {
	for _, s := range p.states {
		clear(s)
	}
}

func (p *Pool) ResetSlot(id int) error {
	if id < 0 || id >= len(p.states) {
		return fmt.Errorf("slot %d out of range [0,%d)", id, len(p.states))
	}
	clear(p.states[id])
	return nil
}

// Available is the number of free slots at the moment of the call.
func (p *Pool) Available() int { return len(p.free) }
