// Package state provides the shared state cells the tasks coordinate
// through: link status, broker session status, and TLS session status.
//
// Each cell has exactly one owning task that performs transitions; every
// other task only reads snapshots or waits for a condition. Readers must
// not hold a snapshot across a blocking call — re-read after resuming,
// since the owner may have transitioned the cell in the meantime.
package state

import (
	"context"
	"sync"
)

// LinkState is the tri-state status of the network link. Owned by the
// link watcher task.
type LinkState int

const (
	LinkDown LinkState = iota
	LinkConnecting
	LinkUp
)

func (s LinkState) String() string {
	switch s {
	case LinkDown:
		return "down"
	case LinkConnecting:
		return "connecting"
	case LinkUp:
		return "up"
	}
	return "unknown"
}

// SessionState is the broker session status. Owned by the publisher task.
type SessionState int

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionConnected
)

func (s SessionState) String() string {
	switch s {
	case SessionDisconnected:
		return "disconnected"
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	}
	return "unknown"
}

// TLSState is the secure-transport session status. Owned by whichever
// task currently drives a transport dial (publisher or updater — each
// uses its own cell, so single-writer still holds).
type TLSState int

const (
	TLSClosed TLSState = iota
	TLSHandshaking
	TLSEstablished
	TLSFailed
)

func (s TLSState) String() string {
	switch s {
	case TLSClosed:
		return "closed"
	case TLSHandshaking:
		return "handshaking"
	case TLSEstablished:
		return "established"
	case TLSFailed:
		return "failed"
	}
	return "unknown"
}

// Cell is a single-writer shared variable. Set is the only mutation
// path; Get returns a snapshot; Wait suspends until a predicate holds.
type Cell[T comparable] struct {
	mu      sync.Mutex
	value   T
	changed chan struct{} // closed and replaced on every Set
}

// NewCell returns a cell holding the initial value.
func NewCell[T comparable](initial T) *Cell[T] {
	return &Cell[T]{value: initial, changed: make(chan struct{})}
}

// Get returns a snapshot of the current value.
func (c *Cell[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Set transitions the cell to v and wakes all waiters. Only the owning
// task may call Set.
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == v {
		return
	}
	c.value = v
	close(c.changed)
	c.changed = make(chan struct{})
}

// Wait blocks until pred is true for the cell's value or ctx is done.
// It returns the value that satisfied the predicate.
func (c *Cell[T]) Wait(ctx context.Context, pred func(T) bool) (T, error) {
	for {
		c.mu.Lock()
		v := c.value
		ch := c.changed
		c.mu.Unlock()

		if pred(v) {
			return v, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}
