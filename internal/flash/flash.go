// Package flash abstracts the two-partition firmware arena the updater
// writes into. The platform storage layer owns the real partitions; the
// core only ever needs "write image bytes to the inactive partition"
// and "flip the boot-target flag", with the flag write being the single
// atomic action that changes boot behaviour.
package flash

import (
	"fmt"
	"io"
)

// Partition identifies one of the two firmware slots.
type Partition string

const (
	PartitionA Partition = "a"
	PartitionB Partition = "b"
)

// Other returns the opposite slot.
func (p Partition) Other() Partition {
	if p == PartitionA {
		return PartitionB
	}
	return PartitionA
}

func (p Partition) valid() bool { return p == PartitionA || p == PartitionB }

// ErrNoSpace is returned when an image exceeds the slot capacity.
var ErrNoSpace = fmt.Errorf("image exceeds partition capacity")

// Writer streams an image into the inactive partition. Nothing written
// through a Writer affects boot behaviour until the store's
// SetBootTarget is called separately.
type Writer interface {
	io.Writer

	// Commit finalizes the written image in the inactive slot.
	Commit() error

	// Discard drops a partial or rejected write, leaving the slot as
	// if the download never happened.
	Discard() error
}

// Store is the partition arena. The active (currently booted) slot is
// never written through this interface.
type Store interface {
	// BootTarget returns the slot the bootloader will load next.
	BootTarget() (Partition, error)

	// OpenInactive prepares the non-boot-target slot to receive an
	// image of the given size.
	OpenInactive(size int64) (Writer, error)

	// SetBootTarget atomically flips which slot boots next. This is
	// the only operation that changes boot behaviour.
	SetBootTarget(p Partition) error

	// MarkValid records that the currently running image booted
	// successfully, so the bootloader will not roll it back.
	MarkValid() error
}
