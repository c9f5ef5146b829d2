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
	"path/filepath"
	"sync"
)

const globalBucketDir = "global"

// aggregatePipeline bundles the three on-disk pieces of one aggregate's
// storage: its segment log, its dedup set, and its snapshot store. Appends
// are serialized by mu, matching spec.md §4.5 ("one fine-grained lock per
// aggregate on the write path").
type aggregatePipeline struct {
	name    string
	dir     string
	mu      sync.Mutex
	segment *SegmentLog
	dedup   *DedupSet
	snap    *SnapshotStore
	archive BlobStore // optional cold mirror, nil if disabled
}

// EventStore owns every aggregate's Segment Log, Dedup Set, and Snapshot
// Store, and is the single point of disk I/O discipline (spec.md §4.5).
type EventStore struct {
	cfg     Config
	archive BlobStore

	mu    sync.RWMutex
	pipes map[string]*aggregatePipeline
}

// NewEventStore constructs an EventStore rooted at cfg.DataDir. archive may
// be nil to disable the cold mirror.
func NewEventStore(cfg Config, archive BlobStore) *EventStore {
	return &EventStore{
		cfg:     cfg,
		archive: archive,
		pipes:   make(map[string]*aggregatePipeline),
	}
}

// aggregateDir maps an aggregate name to its on-disk directory, per the
// bit-exact layout in spec.md §6. The empty aggregate_id names the global
// bucket.
func (es *EventStore) aggregateDir(name string) string {
	if name == "" {
		return filepath.Join(es.cfg.DataDir, globalBucketDir)
	}
	return filepath.Join(es.cfg.DataDir, normalizeAggregateName(name))
}

// Ensure lazily opens (or returns the cached) pipeline for an aggregate.
func (es *EventStore) Ensure(name string) (*aggregatePipeline, error) {
	es.mu.RLock()
	p, ok := es.pipes[name]
	es.mu.RUnlock()
	if ok {
		return p, nil
	}

	es.mu.Lock()
	defer es.mu.Unlock()
	if p, ok := es.pipes[name]; ok {
		return p, nil
	}

	dir := es.aggregateDir(name)
	segment, err := OpenSegmentLog(dir, name, es.cfg.MaxLogFileSize, es.cfg.Durability)
	if err != nil {
		return nil, &PersistError{Aggregate: name, Err: err}
	}
	dedup, err := OpenDedupSet(dir)
	if err != nil {
		return nil, &PersistError{Aggregate: name, Err: err}
	}
	p = &aggregatePipeline{
		name:    name,
		dir:     dir,
		segment: segment,
		dedup:   dedup,
		snap:    NewSnapshotStore(dir),
		archive: es.archive,
	}
	es.pipes[name] = p
	return p, nil
}

// AppendOutcome tells the caller whether the event was newly durable or was
// already applied before (spec.md §7.1).
type AppendOutcome uint8

const (
	Appended AppendOutcome = iota
	AlreadyApplied
)

// Append idempotence-checks the dedup set under dedupKey; on a miss it
// encodes env (unchanged: the envelope's EventID always carries the
// producer's own event_id, never the derived dedup key, per spec.md §3/§6),
// appends it to the segment, and records dedupKey in the dedup set, all
// under the aggregate's write lock.
func (es *EventStore) Append(name string, env Envelope, dedupKey string) (AppendOutcome, error) {
	p, err := es.Ensure(name)
	if err != nil {
		return Appended, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dedup.Contains(dedupKey) {
		return AlreadyApplied, nil
	}
	line, err := EncodeEnvelope(env)
	if err != nil {
		return Appended, &PersistError{Aggregate: name, Err: err}
	}
	if err := p.segment.Append(line); err != nil {
		return Appended, err
	}
	if err := p.dedup.Insert(dedupKey, es.cfg.Durability); err != nil {
		return Appended, &PersistError{Aggregate: name, Err: err}
	}
	if es.cfg.Durability == Balanced && es.cfg.BalancedEveryAppends > 0 && p.dedup.Count()%es.cfg.BalancedEveryAppends == 0 {
		if err := p.segment.FlushIfDue(0); err != nil {
			return Appended, err
		}
		if err := p.dedup.Sync(); err != nil {
			return Appended, &PersistError{Aggregate: name, Err: err}
		}
	}
	if p.archive != nil {
		// best-effort mirror; archival failures never fail the write path.
		_ = p.archive.Put(archiveKey(name, currentSegmentName), line)
	}
	return Appended, nil
}

// Iterate returns the envelopes after the aggregate's snapshot position (or
// from the start if there is no snapshot), along with any corruption offset
// encountered while scanning. The skipped prefix is the snapshot's
// on-disk-covered count, which Compact rebases to 0 whenever it truncates
// the segment -- never the snapshot's absolute lifetime index, which keeps
// growing independently of what is physically on disk.
func (es *EventStore) Iterate(name string) (IterateResult, error) {
	p, err := es.Ensure(name)
	if err != nil {
		return IterateResult{CorruptAtOffset: -1}, err
	}
	result, err := p.segment.Iterate()
	if err != nil {
		return result, &PersistError{Aggregate: name, Err: err}
	}

	_, onDiskCovered, _, status, err := p.snap.Load()
	if err != nil {
		return result, &PersistError{Aggregate: name, Err: err}
	}
	if status != SnapshotOK {
		return result, nil
	}
	if onDiskCovered >= uint64(len(result.Envelopes)) {
		result.Envelopes = nil
		return result, nil
	}
	result.Envelopes = result.Envelopes[onDiskCovered:]
	return result, nil
}

// RepairTail truncates the aggregate's segment back to its last valid line,
// discarding a dangling partial write left by a crash mid-append, so the
// next Append starts from a clean, CRC-valid tail (spec.md §8 scenario 3).
func (es *EventStore) RepairTail(name string) error {
	p, err := es.Ensure(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.segment.RepairTail(); err != nil {
		return &PersistError{Aggregate: name, Err: err}
	}
	return nil
}

// OnDiskCount returns the total number of envelopes currently physically
// present (previous + current segment) for the aggregate, ignoring the
// snapshot position. The State Engine uses this at snapshot time to record
// how many of those envelopes the snapshot covers.
func (es *EventStore) OnDiskCount(name string) (int, error) {
	result, err := es.IterateAll(name)
	if err != nil {
		return 0, err
	}
	return len(result.Envelopes), nil
}

// IterateAll returns every envelope currently retained on disk (previous +
// current segment), ignoring the snapshot position. Used by the public
// audit/read-model surface (engine.IterateEvents); recovery and compaction
// use the snapshot-relative Iterate instead.
func (es *EventStore) IterateAll(name string) (IterateResult, error) {
	p, err := es.Ensure(name)
	if err != nil {
		return IterateResult{CorruptAtOffset: -1}, err
	}
	result, err := p.segment.Iterate()
	if err != nil {
		return result, &PersistError{Aggregate: name, Err: err}
	}
	return result, nil
}

// LoadSnapshot exposes the aggregate's raw snapshot bytes, on-disk-covered
// count, and absolute lifetime index, for the State Engine's recovery path.
func (es *EventStore) LoadSnapshot(name string) ([]byte, uint64, uint64, SnapshotStatus, error) {
	p, err := es.Ensure(name)
	if err != nil {
		return nil, 0, 0, SnapshotMissing, err
	}
	return p.snap.Load()
}

// Snapshot delegates to the aggregate's Snapshot Store. onDiskCovered is how
// many of the envelopes currently physically on disk this snapshot's state
// already reflects (normally all of them, since Snapshot is only ever called
// once the State Engine has caught up); absoluteIndex is the lifetime event
// count, unaffected by any later compaction.
func (es *EventStore) Snapshot(name string, stateBytes []byte, onDiskCovered, absoluteIndex uint64) error {
	p, err := es.Ensure(name)
	if err != nil {
		return err
	}
	if err := p.snap.Save(stateBytes, onDiskCovered, absoluteIndex); err != nil {
		return &PersistError{Aggregate: name, Err: err}
	}
	if p.archive != nil {
		_ = p.archive.Put(archiveKey(name, snapshotFileName), stateBytes)
	}
	return nil
}

// Compact truncates the live segment to the tail strictly after the
// snapshot's on-disk-covered position, preserving the remainder, and rebases
// the snapshot's on-disk-covered count to 0 -- every envelope still on disk
// after truncation is, by construction, part of the not-yet-covered tail, so
// a later Iterate/restart must not skip any of it (spec.md §8 scenario 4: a
// stale covered count previously caused every event appended after a
// compaction to be silently dropped on the next restart). The snapshot's
// absolute lifetime index is left untouched: it is what Health.EventIndex
// reports and must keep growing independently of what is physically on
// disk.
//
// The dedup set is also left untouched: it is an append-only superset across
// the whole aggregate lifetime (spec.md §4.3's "stale-but-present entries are
// harmless"), which is what lets duplicates proposed across the compaction
// boundary keep being rejected (spec.md §8).
func (es *EventStore) Compact(name string) error {
	p, err := es.Ensure(name)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	stateBytes, onDiskCovered, absoluteIndex, status, err := p.snap.Load()
	if err != nil {
		return &PersistError{Aggregate: name, Err: err}
	}
	if status != SnapshotOK {
		return nil // nothing to compact against
	}

	result, err := p.segment.Iterate()
	if err != nil {
		return &PersistError{Aggregate: name, Err: err}
	}

	var tail []Envelope
	if onDiskCovered < uint64(len(result.Envelopes)) {
		tail = result.Envelopes[onDiskCovered:]
	}
	if es.cfg.ArchiveCompacted {
		discarded := result.Envelopes
		if onDiskCovered < uint64(len(result.Envelopes)) {
			discarded = result.Envelopes[:onDiskCovered]
		}
		es.archiveCompactedPrefix(name, p, discarded)
	}

	lines := make([][]byte, 0, len(tail))
	for _, env := range tail {
		line, err := EncodeEnvelope(env)
		if err != nil {
			return &PersistError{Aggregate: name, Err: err}
		}
		lines = append(lines, line)
	}
	if err := p.segment.TruncateTo(lines); err != nil {
		return &PersistError{Aggregate: name, Err: err}
	}

	if err := p.snap.Save(stateBytes, 0, absoluteIndex); err != nil {
		return &PersistError{Aggregate: name, Err: err}
	}
	return nil
}

// CountUncoveredEvents reports how many envelopes currently sit in the
// aggregate's on-disk tail (i.e. after the snapshot position, or all of them
// if there is no snapshot). Used by the State Engine to decide whether the
// snapshot threshold has been crossed.
func (es *EventStore) CountUncoveredEvents(name string) (int, error) {
	result, err := es.Iterate(name)
	if err != nil {
		return 0, err
	}
	return len(result.Envelopes), nil
}

func archiveKey(aggregate, file string) string {
	if aggregate == "" {
		aggregate = globalBucketDir
	}
	return aggregate + "/" + file
}
