package sensor

import (
	"context"
	"sync"
)

// SharedBus serializes access to one physical bus (the I2C pair shares
// one, the UART sensor has its own). Two sensors on the same bus must
// never interleave transactions, so every driver wraps its bus work in
// Do.
type SharedBus struct {
	mu      sync.Mutex
	monitor BusMonitor
}

// BusMonitor observes bus acquisition for tests. Enter is called after
// the bus is acquired, Exit just before release.
type BusMonitor interface {
	Enter(owner string)
	Exit(owner string)
}

// NewSharedBus returns a bus guard. monitor may be nil.
func NewSharedBus(monitor BusMonitor) *SharedBus {
	return &SharedBus{monitor: monitor}
}

// Do runs fn with exclusive ownership of the bus. The context is
// checked before acquisition so a cancelled poll cycle does not queue
// up behind a slow transaction.
func (b *SharedBus) Do(ctx context.Context, owner string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.monitor != nil {
		b.monitor.Enter(owner)
		defer b.monitor.Exit(owner)
	}
	return fn()
}
