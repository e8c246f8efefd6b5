package flash

import (
	"bytes"
	"fmt"
	"sync"
)

// MemStore is an in-memory Store for tests. Fault hooks simulate power
// loss at precise points in the update protocol.
type MemStore struct {
	mu     sync.Mutex
	slots  map[Partition][]byte
	target Partition
	valid  bool

	// FailWriteAfter, when > 0, fails image writes once that many
	// bytes have been accepted (simulated power loss mid-download).
	FailWriteAfter int

	// FailSetBootTarget simulates power loss before the flag write.
	FailSetBootTarget bool

	written int
}

// NewMemStore returns an empty arena booting slot A.
func NewMemStore() *MemStore {
	return &MemStore{
		slots:  map[Partition][]byte{},
		target: PartitionA,
	}
}

func (s *MemStore) BootTarget() (Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target, nil
}

func (s *MemStore) OpenInactive(size int64) (Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &memWriter{store: s, slot: s.target.Other()}, nil
}

func (s *MemStore) SetBootTarget(p Partition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSetBootTarget {
		return fmt.Errorf("simulated power loss before boot-target write")
	}
	if !p.valid() {
		return fmt.Errorf("invalid partition %q", p)
	}
	s.target = p
	return nil
}

func (s *MemStore) MarkValid() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = true
	return nil
}

// Slot returns the committed image bytes for a partition.
func (s *MemStore) Slot(p Partition) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[p]
}

// Valid reports whether MarkValid has been called.
func (s *MemStore) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

type memWriter struct {
	store *MemStore
	slot  Partition
	buf   bytes.Buffer
	done  bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	s := w.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWriteAfter > 0 && s.written+len(p) > s.FailWriteAfter {
		return 0, fmt.Errorf("simulated power loss after %d bytes", s.written)
	}
	s.written += len(p)
	return w.buf.Write(p)
}

func (w *memWriter) Commit() error {
	if w.done {
		return nil
	}
	w.done = true
	s := w.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[w.slot] = append([]byte(nil), w.buf.Bytes()...)
	return nil
}

func (w *memWriter) Discard() error {
	w.done = true
	w.buf.Reset()
	return nil
}
