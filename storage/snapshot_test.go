package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRawSnapshot(dir, content string) error {
	return os.WriteFile(filepath.Join(dir, snapshotFileName), []byte(content), 0640)
}

func TestSnapshotStoreSaveLoad(t *testing.T) {
	dir := t.TempDir()
	s := NewSnapshotStore(dir)

	if s.Exists() {
		t.Fatal("expected no snapshot before Save")
	}
	if err := s.Save([]byte(`{"balance":10}`), 7, 10007); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !s.Exists() {
		t.Fatal("expected snapshot to exist after Save")
	}

	data, onDiskCovered, absoluteIndex, status, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if status != SnapshotOK {
		t.Fatalf("expected SnapshotOK, got %v", status)
	}
	if string(data) != `{"balance":10}` {
		t.Errorf("unexpected state bytes: %s", data)
	}
	if onDiskCovered != 7 {
		t.Errorf("expected on-disk covered 7, got %d", onDiskCovered)
	}
	if absoluteIndex != 10007 {
		t.Errorf("expected absolute index 10007, got %d", absoluteIndex)
	}
}

func TestSnapshotStoreMissing(t *testing.T) {
	dir := t.TempDir()
	s := NewSnapshotStore(dir)
	_, _, _, status, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if status != SnapshotMissing {
		t.Errorf("expected SnapshotMissing, got %v", status)
	}
}

func TestSnapshotStoreDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	s := NewSnapshotStore(dir)
	if err := s.Save([]byte(`{"balance":10}`), 1, 1); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := writeRawSnapshot(dir, "not-a-valid-line-at-all"); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	_, _, _, status, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if status != SnapshotCorrupt {
		t.Errorf("expected SnapshotCorrupt, got %v", status)
	}
}
