package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func appendEnvelope(t *testing.T, s *SegmentLog, eventID string) {
	t.Helper()
	line, err := EncodeEnvelope(Envelope{EventType: "test", EventID: eventID, Timestamp: 1, Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := s.Append(line); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestSegmentLogAppendAndIterate(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSegmentLog(dir, "orders", 1<<20, MaxDurability)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 5; i++ {
		appendEnvelope(t, s, "evt-"+string(rune('a'+i)))
	}

	result, err := s.Iterate()
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(result.Envelopes) != 5 {
		t.Fatalf("expected 5 envelopes, got %d", len(result.Envelopes))
	}
	if result.CorruptAtOffset != -1 {
		t.Errorf("expected no corruption, got offset %d", result.CorruptAtOffset)
	}
}

func TestSegmentLogRotation(t *testing.T) {
	dir := t.TempDir()
	// tiny max size so every append rotates
	s, err := OpenSegmentLog(dir, "orders", 1, MaxDurability)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	appendEnvelope(t, s, "evt-1")
	appendEnvelope(t, s, "evt-2")
	appendEnvelope(t, s, "evt-3")

	if _, err := os.Stat(filepath.Join(dir, previousSegmentName)); err != nil {
		t.Errorf("expected a previous segment to exist after rotation: %v", err)
	}

	result, err := s.Iterate()
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	// with a threshold this small every append rotates immediately, so each
	// new event's rotation discards the previous one's generation before the
	// next append even happens: only the very last event survives. This is
	// the bounded, accepted data loss spec.md §4.2 describes for rotation
	// racing ahead of snapshotting.
	if len(result.Envelopes) != 1 {
		t.Fatalf("expected exactly 1 surviving envelope, got %d: %+v", len(result.Envelopes), result.Envelopes)
	}
	if result.Envelopes[0].EventID != "evt-3" {
		t.Errorf("expected the last-written event to survive, got %q", result.Envelopes[0].EventID)
	}
}

func TestSegmentLogStopsAtCorruption(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSegmentLog(dir, "orders", 1<<20, MaxDurability)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	appendEnvelope(t, s, "evt-1")
	appendEnvelope(t, s, "evt-2")
	s.Close()

	// corrupt the second line directly on disk
	path := filepath.Join(dir, currentSegmentName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines on disk, got %d", len(lines))
	}
	lines[1] = lines[1][:len(lines[1])/2] // truncate mid-line
	corrupted := bytes.Join(lines, []byte("\n"))
	corrupted = append(corrupted, '\n')
	if err := os.WriteFile(path, corrupted, 0640); err != nil {
		t.Fatalf("write: %v", err)
	}

	s2, err := OpenSegmentLog(dir, "orders", 1<<20, MaxDurability)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	result, err := s2.Iterate()
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(result.Envelopes) != 1 {
		t.Fatalf("expected exactly the valid prefix (1 envelope), got %d", len(result.Envelopes))
	}
	if result.CorruptAtOffset < 0 {
		t.Error("expected corruption to be reported")
	}
}
