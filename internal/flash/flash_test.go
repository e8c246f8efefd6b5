package flash

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileStore_DefaultBootTarget(t *testing.T) {
	t.Parallel()
	s, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	p, err := s.BootTarget()
	if err != nil {
		t.Fatal(err)
	}
	if p != PartitionA {
		t.Errorf("BootTarget() = %q, want a (factory default)", p)
	}
}

func TestFileStore_CommitAndFlip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := NewFileStore(dir, 0)
	if err != nil {
		t.Fatal(err)
	}

	image := []byte("firmware v2 image bytes")
	w, err := s.OpenInactive(int64(len(image)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(image); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}

	// Image committed but flag untouched: still boots A.
	p, err := s.BootTarget()
	if err != nil {
		t.Fatal(err)
	}
	if p != PartitionA {
		t.Fatalf("BootTarget() = %q before flag write, want a", p)
	}

	if err := s.SetBootTarget(PartitionB); err != nil {
		t.Fatal(err)
	}
	p, err = s.BootTarget()
	if err != nil {
		t.Fatal(err)
	}
	if p != PartitionB {
		t.Errorf("BootTarget() = %q after flag write, want b", p)
	}

	got, err := os.ReadFile(filepath.Join(dir, "slot_b.img"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(image) {
		t.Errorf("slot b content = %q, want %q", got, image)
	}
}

func TestFileStore_DiscardLeavesSlotUntouched(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := NewFileStore(dir, 0)
	if err != nil {
		t.Fatal(err)
	}

	w, err := s.OpenInactive(16)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("partial garbage")); err != nil {
		t.Fatal(err)
	}
	if err := w.Discard(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "slot_b.img")); !os.IsNotExist(err) {
		t.Errorf("slot b exists after Discard (err=%v)", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".img" {
			t.Errorf("leftover image file %s after Discard", e.Name())
		}
	}
}

func TestFileStore_RejectsOversizedImage(t *testing.T) {
	t.Parallel()
	s, err := NewFileStore(t.TempDir(), 8)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.OpenInactive(64); err == nil {
		t.Fatal("OpenInactive() accepted an image above capacity")
	}
}

func TestFileStore_RejectsCorruptFlag(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := NewFileStore(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "boot_target"), []byte("q\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.BootTarget(); err == nil {
		t.Fatal("BootTarget() accepted a corrupt flag")
	}
}

func TestPartition_Other(t *testing.T) {
	t.Parallel()
	if PartitionA.Other() != PartitionB || PartitionB.Other() != PartitionA {
		t.Error("Other() does not flip between slots")
	}
}
