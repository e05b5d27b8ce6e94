package serialport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrGuardHeld    = errors.New("port is held by another owner")
	ErrGuardNotHeld = errors.New("port is not held by this owner")
)

// Guard is the exclusive ownership lock for a physical port. Whoever holds
// it may open the device; everyone else must wait.
type Guard struct {
	name string
	sem  chan struct{}

	mu     sync.Mutex
	holder string
}

func NewGuard(name string) *Guard {
	return &Guard{
		name: name,
		sem:  make(chan struct{}, 1),
	}
}

func (g *Guard) Name() string {
	return g.name
}

// Acquire blocks until the guard is free or ctx ends.
func (g *Guard) Acquire(ctx context.Context, holder string) error {
	select {
	case g.sem <- struct{}{}:
		g.setHolder(holder)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("acquire %s for %s: %w", g.name, holder, ctx.Err())
	}
}

// TryAcquire takes the guard only if it is free.
func (g *Guard) TryAcquire(holder string) error {
	select {
	case g.sem <- struct{}{}:
		g.setHolder(holder)
		return nil
	default:
		return fmt.Errorf("%s wants %s: %w (held by %s)", holder, g.name, ErrGuardHeld, g.Holder())
	}
}

// Release frees the guard. Releasing on behalf of someone who does not
// hold it is an error and leaves the guard untouched.
func (g *Guard) Release(holder string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.holder != holder {
		return fmt.Errorf("release %s by %s: %w", g.name, holder, ErrGuardNotHeld)
	}
	g.holder = ""
	<-g.sem
	return nil
}

// Holder returns the current owner, or "" when free.
func (g *Guard) Holder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}

func (g *Guard) setHolder(holder string) {
	g.mu.Lock()
	g.holder = holder
	g.mu.Unlock()
}
