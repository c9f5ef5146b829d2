/*
Copyright (C) 2023-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package storage

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"
)

const (
	currentSegmentName  = "events.raftlog"
	previousSegmentName = "events.raftlog.1"
)

// SegmentLog is the durable, ordered append log for one aggregate (or the
// global bucket). It owns at most two generations on disk: the current
// segment being written, and one rotated previous segment.
type SegmentLog struct {
	dir        string
	aggregate  string
	maxSize    int64
	durability DurabilityMode

	mu             sync.Mutex // write lock for this segment's file handle and counters
	current        *os.File
	currentSize    int64
	sinceLastFsync int
}

// OpenSegmentLog opens (creating if necessary) the current segment for an
// aggregate directory. The directory is created with 0750 permissions if
// missing, per spec.md §8 ("parent directory missing at startup is created").
func OpenSegmentLog(dir, aggregate string, maxSize int64, durability DurabilityMode) (*SegmentLog, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, currentSegmentName), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &SegmentLog{
		dir:         dir,
		aggregate:   aggregate,
		maxSize:     maxSize,
		durability:  durability,
		current:     f,
		currentSize: fi.Size(),
	}, nil
}

// Append writes an already-encoded line to the current segment, rotating
// when the size threshold is crossed, and fsyncing per the durability mode.
func (s *SegmentLog) Append(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.current.Write(line)
	if err != nil {
		return &PersistError{Aggregate: s.aggregate, Err: err}
	}
	s.currentSize += int64(n)
	s.sinceLastFsync++

	switch s.durability {
	case MaxDurability:
		if err := s.current.Sync(); err != nil {
			return &PersistError{Aggregate: s.aggregate, Err: err}
		}
		s.sinceLastFsync = 0
	case Balanced:
		// count-based flush, driven by EventStore.Append through FlushIfDue
		// every BalancedEveryAppends appends.
	case Performance:
		// never fsync; bounded loss to OS page cache.
	}

	if s.currentSize >= s.maxSize {
		if err := s.rotateLocked(); err != nil {
			return &PersistError{Aggregate: s.aggregate, Err: err}
		}
	}
	return nil
}

// FlushIfDue fsyncs the current segment in Balanced mode once at least
// everyAppends appends (any pending append, if everyAppends is 0) have
// accumulated since the last fsync. EventStore.Append calls it.
func (s *SegmentLog) FlushIfDue(everyAppends int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.durability != Balanced {
		return nil
	}
	if everyAppends > 0 && s.sinceLastFsync < everyAppends {
		return nil
	}
	if s.sinceLastFsync == 0 {
		return nil
	}
	if err := s.current.Sync(); err != nil {
		return &PersistError{Aggregate: s.aggregate, Err: err}
	}
	s.sinceLastFsync = 0
	return nil
}

// rotateLocked implements the rotation protocol of spec.md §4.2: rename
// current -> .1 (discarding any prior .1), create a fresh current, fsync the
// parent directory. Caller must hold s.mu.
func (s *SegmentLog) rotateLocked() error {
	if err := s.current.Close(); err != nil {
		return err
	}
	prevPath := filepath.Join(s.dir, previousSegmentName)
	curPath := filepath.Join(s.dir, currentSegmentName)
	os.Remove(prevPath) // discard any prior .1; absence is not an error
	if err := os.Rename(curPath, prevPath); err != nil {
		return err
	}
	f, err := os.OpenFile(curPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return err
	}
	s.current = f
	s.currentSize = 0
	s.sinceLastFsync = 0
	return fsyncDir(s.dir)
}

// Close releases the file handle without deleting anything.
func (s *SegmentLog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Close()
}

// IterateResult is what Iterate reports back to the caller.
type IterateResult struct {
	Envelopes       []Envelope
	CorruptAtOffset int64 // -1 if no corruption was found
}

// Iterate yields every valid envelope across the previous (if present) then
// current segment, in arrival order. It stops at the first corrupt line and
// reports the byte offset (within the segment it was found in) via
// CorruptAtOffset; bytes after that point do not influence the result.
func (s *SegmentLog) Iterate() (IterateResult, error) {
	result := IterateResult{CorruptAtOffset: -1}

	prevPath := filepath.Join(s.dir, previousSegmentName)
	if _, err := os.Stat(prevPath); err == nil {
		envs, corruptAt, err := scanSegmentFile(prevPath)
		if err != nil {
			return result, err
		}
		result.Envelopes = append(result.Envelopes, envs...)
		if corruptAt >= 0 {
			result.CorruptAtOffset = corruptAt
			return result, nil
		}
	}

	curPath := filepath.Join(s.dir, currentSegmentName)
	envs, corruptAt, err := scanSegmentFile(curPath)
	if err != nil {
		return result, err
	}
	result.Envelopes = append(result.Envelopes, envs...)
	if corruptAt >= 0 {
		result.CorruptAtOffset = corruptAt
	}
	return result, nil
}

// scanSegmentFile reads envelopes from one file, stopping cleanly (not
// panicking) at the first corrupt or partially-written line.
func scanSegmentFile(path string) ([]Envelope, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, -1, nil
		}
		return nil, -1, err
	}
	defer f.Close()

	var envs []Envelope
	var offset int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			offset += 1
			continue
		}
		env, ok := DecodeLine(line)
		if !ok {
			return envs, offset, nil
		}
		envs = append(envs, env)
		offset += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		// treat scanner failure (e.g. token too long) as corruption at the
		// last known-good offset rather than propagating an I/O error.
		return envs, offset, nil
	}
	return envs, -1, nil
}

// TruncateTo rewrites the current segment so that it holds exactly tailLines
// (i.e. the tail belonging to the logical position after a snapshot),
// atomically via temp-file + rename + directory fsync, and removes the
// previous segment. tailLines is the exact set of encoded lines to keep, in
// order; it is the caller's (EventStore's) responsibility to have computed
// that tail by re-encoding the envelopes to retain.
func (s *SegmentLog) TruncateTo(tailLines [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := filepath.Join(s.dir, currentSegmentName+".tmp")
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}
	var size int64
	for _, line := range tailLines {
		n, err := tmp.Write(line)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		size += int64(n)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := s.current.Close(); err != nil {
		return err
	}
	curPath := filepath.Join(s.dir, currentSegmentName)
	if err := os.Rename(tmpPath, curPath); err != nil {
		return err
	}
	// compaction discards the previous generation: EventStore.Compact builds
	// tailLines from a scan of previous + current, so any of its envelopes
	// after the snapshot point are already in the rewritten current segment.
	os.Remove(filepath.Join(s.dir, previousSegmentName))

	f, err := os.OpenFile(curPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return err
	}
	s.current = f
	s.currentSize = size
	s.sinceLastFsync = 0
	return fsyncDir(s.dir)
}

// RepairTail truncates the previous and/or current segment file back to its
// last valid line, discarding a partial/corrupt trailing write left by a
// crash mid-append. Call once at recovery when Iterate reported a
// CorruptAtOffset >= 0, before accepting any new Append: otherwise the next
// Append concatenates a fresh line onto the dangling partial bytes, producing
// a merged line that fails CRC forever and hides every event written after
// it (spec.md §8 scenario 3).
func (s *SegmentLog) RepairTail() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevPath := filepath.Join(s.dir, previousSegmentName)
	if err := repairSegmentFile(prevPath); err != nil {
		return err
	}

	curPath := filepath.Join(s.dir, currentSegmentName)
	_, corruptAt, err := scanSegmentFile(curPath)
	if err != nil {
		return err
	}
	if corruptAt < 0 {
		return nil
	}

	if err := s.current.Close(); err != nil {
		return err
	}
	if err := truncateFileAt(curPath, corruptAt); err != nil {
		return err
	}
	f, err := os.OpenFile(curPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	s.current = f
	s.currentSize = fi.Size()
	s.sinceLastFsync = 0
	return fsyncDir(s.dir)
}

// repairSegmentFile truncates path to its last valid line if scanning it
// reports corruption; a missing file or a clean scan are both no-ops.
func repairSegmentFile(path string) error {
	_, corruptAt, err := scanSegmentFile(path)
	if err != nil {
		return err
	}
	if corruptAt < 0 {
		return nil
	}
	return truncateFileAt(path, corruptAt)
}

func truncateFileAt(path string, offset int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0640)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(offset); err != nil {
		return err
	}
	return f.Sync()
}

// fsyncDir fsyncs a directory so that renames/creates within it are durable,
// per the rotation and compaction protocols in spec.md §4.2/§4.4.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
