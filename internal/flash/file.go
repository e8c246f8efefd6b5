package flash

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps the two image slots and the boot-target flag as
// files under one directory. The flag is replaced via rename, which is
// the atomic action the commit protocol relies on: a crash between
// image commit and flag rename leaves the old flag (and the old,
// still-valid image) in effect.
type FileStore struct {
	dir     string
	maxSize int64
}

const (
	bootTargetFile = "boot_target"
	imageStateFile = "image_state"
)

// NewFileStore opens (creating if needed) a partition directory.
// maxSize bounds accepted images; 0 means unbounded.
func NewFileStore(dir string, maxSize int64) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("flash dir: %w", err)
	}
	return &FileStore{dir: dir, maxSize: maxSize}, nil
}

func (s *FileStore) slotPath(p Partition) string {
	return filepath.Join(s.dir, "slot_"+string(p)+".img")
}

// BootTarget reads the flag file; a missing flag means slot A, the
// factory default.
func (s *FileStore) BootTarget() (Partition, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, bootTargetFile))
	if errors.Is(err, fs.ErrNotExist) {
		return PartitionA, nil
	}
	if err != nil {
		return "", fmt.Errorf("read boot target: %w", err)
	}
	p := Partition(strings.TrimSpace(string(data)))
	if !p.valid() {
		return "", fmt.Errorf("corrupt boot target flag %q", data)
	}
	return p, nil
}

// OpenInactive stages an image for the non-boot-target slot. The image
// lands in a scratch file first; Commit moves it into the slot.
func (s *FileStore) OpenInactive(size int64) (Writer, error) {
	if s.maxSize > 0 && size > s.maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrNoSpace, size, s.maxSize)
	}
	target, err := s.BootTarget()
	if err != nil {
		return nil, err
	}
	inactive := target.Other()

	f, err := os.CreateTemp(s.dir, "staging-*.img")
	if err != nil {
		return nil, fmt.Errorf("stage image: %w", err)
	}
	return &fileWriter{file: f, dest: s.slotPath(inactive)}, nil
}

// SetBootTarget atomically replaces the flag file.
func (s *FileStore) SetBootTarget(p Partition) error {
	if !p.valid() {
		return fmt.Errorf("invalid partition %q", p)
	}
	return s.atomicWrite(bootTargetFile, string(p)+"\n")
}

// MarkValid records the running image as good.
func (s *FileStore) MarkValid() error {
	return s.atomicWrite(imageStateFile, "valid\n")
}

// atomicWrite writes name via a temp file and rename so readers see
// either the old or the new content, never a torn write.
func (s *FileStore) atomicWrite(name, content string) error {
	tmp, err := os.CreateTemp(s.dir, name+"-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

type fileWriter struct {
	file *os.File
	dest string
	done bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

func (w *fileWriter) Commit() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(w.file.Name())
		return fmt.Errorf("sync image: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.file.Name())
		return fmt.Errorf("close image: %w", err)
	}
	if err := os.Rename(w.file.Name(), w.dest); err != nil {
		os.Remove(w.file.Name())
		return fmt.Errorf("install image: %w", err)
	}
	return nil
}

func (w *fileWriter) Discard() error {
	if w.done {
		return nil
	}
	w.done = true
	w.file.Close()
	return os.Remove(w.file.Name())
}
