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
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// aggregateRuntime is the in-memory side of one aggregate: its current
// application state plus the bookkeeping needed to keep applying events
// idempotently and to know when to snapshot.
type aggregateRuntime struct {
	handle *aggregateHandle
	model  AggregateModel

	state         any
	recovered     bool
	poison        *PoisonedError
	eventIndex    uint64 // absolute lifetime count of events folded into state; survives compaction, reported by Health
	sinceSnapshot int
	lastTimestamp int64
	corruption    *CorruptionError // non-nil if recovery truncated at a bad line
}

// StateEngine is the in-memory apply pipeline described in spec.md §4.6: it
// owns one aggregateRuntime per aggregate, replays the Event Store on first
// access, and folds new events through the aggregate's registered Model.
type StateEngine struct {
	store    *EventStore
	registry *Registry
	cfg      Config
	log      zerolog.Logger

	mu       sync.Mutex
	models   map[string]AggregateModel
	runtimes map[string]*aggregateRuntime
}

func NewStateEngine(store *EventStore, registry *Registry, cfg Config, log zerolog.Logger) *StateEngine {
	return &StateEngine{
		store:    store,
		registry: registry,
		cfg:      cfg,
		log:      log.With().Str("component", "state_engine").Logger(),
		models:   make(map[string]AggregateModel),
		runtimes: make(map[string]*aggregateRuntime),
	}
}

// RegisterModel binds an aggregate name to the Model that interprets its
// events. Must be called before the aggregate's first ApplyEvent/ReadState.
func (se *StateEngine) RegisterModel(aggregate string, model AggregateModel) {
	name := normalizeAggregateName(aggregate)
	se.mu.Lock()
	defer se.mu.Unlock()
	se.models[name] = model
}

// ensureRuntime lazily recovers an aggregate's state from its Snapshot Store
// plus the tail of its Segment Log, per spec.md §4.6's startup recovery
// contract.
func (se *StateEngine) ensureRuntime(name string) (*aggregateRuntime, error) {
	name = normalizeAggregateName(name)

	se.mu.Lock()
	if rt, ok := se.runtimes[name]; ok {
		se.mu.Unlock()
		return rt, nil
	}
	model, ok := se.models[name]
	se.mu.Unlock()
	if !ok {
		return nil, &RegistryError{Aggregate: name}
	}

	rt := &aggregateRuntime{handle: newAggregateHandle(), model: model}
	if err := se.recover(name, rt); err != nil {
		return nil, err
	}

	se.mu.Lock()
	defer se.mu.Unlock()
	if existing, ok := se.runtimes[name]; ok {
		return existing, nil // lost a race with a concurrent first access
	}
	se.runtimes[name] = rt
	return rt, nil
}

func (se *StateEngine) recover(name string, rt *aggregateRuntime) error {
	stateBytes, _, absoluteIndex, status, err := se.store.LoadSnapshot(name)
	if err != nil {
		return &PersistError{Aggregate: name, Err: err}
	}
	switch status {
	case SnapshotCorrupt:
		return &CorruptionError{Aggregate: name, File: snapshotFileName, Offset: 0}
	case SnapshotOK:
		state, err := rt.model.UnmarshalState(stateBytes)
		if err != nil {
			return &CorruptionError{Aggregate: name, File: snapshotFileName, Offset: 0, Err: err}
		}
		rt.state = state
		rt.eventIndex = absoluteIndex
	default: // SnapshotMissing
		rt.state = rt.model.NewState()
		rt.eventIndex = 0
	}

	tail, err := se.store.Iterate(name)
	if err != nil {
		return err
	}
	for _, env := range tail.Envelopes {
		next, applyErr := rt.model.Apply(rt.state, env)
		if applyErr != nil {
			rt.poison = &PoisonedError{Aggregate: name, Cause: applyErr}
			se.log.Error().Err(applyErr).Str("aggregate", name).Str("event_id", env.EventID).
				Msg("aggregate poisoned during recovery")
			break
		}
		rt.state = next
		rt.eventIndex++
		if env.Timestamp > rt.lastTimestamp {
			rt.lastTimestamp = env.Timestamp
		}
	}
	if tail.CorruptAtOffset >= 0 {
		rt.corruption = &CorruptionError{Aggregate: name, File: currentSegmentName, Offset: tail.CorruptAtOffset}
		se.log.Warn().Str("aggregate", name).Int64("offset", tail.CorruptAtOffset).
			Msg("segment log truncated at first corrupt line; recovered valid prefix")
		if err := se.store.RepairTail(name); err != nil {
			return err
		}
		se.log.Warn().Str("aggregate", name).Msg("segment log tail repaired; ready for new appends")
	}
	rt.recovered = true
	return nil
}

// monotonicTimestamp returns a timestamp (unix seconds, per spec.md §3) that
// is guaranteed to be strictly greater than last.
func monotonicTimestamp(last int64) int64 {
	now := time.Now().Unix()
	if now <= last {
		return last + 1
	}
	return now
}

// ApplyEvent is the write path: idempotence-checked append to the Event
// Store, followed by folding the event into the aggregate's state if it was
// not a duplicate. The returned state is a snapshot of the aggregate's state
// immediately after this call, valid until the next ApplyEvent on the same
// aggregate.
func (se *StateEngine) ApplyEvent(aggregate, eventType, eventID string, payload []byte, idempotenceKey string) (any, AppendOutcome, error) {
	rt, err := se.ensureRuntime(aggregate)
	if err != nil {
		return nil, Appended, err
	}
	if rt.poison != nil {
		return nil, Appended, rt.poison
	}

	release := rt.handle.GetExclusive()
	defer release()

	if rt.poison != nil { // re-check: another writer may have poisoned it while we waited for the lock
		return nil, Appended, rt.poison
	}

	if eventID == "" {
		eventID = NewEventID()
	}
	key := IdempotenceKey(eventType, eventID, idempotenceKey)
	ts := monotonicTimestamp(rt.lastTimestamp)
	env := Envelope{
		EventType:   eventType,
		EventID:     eventID,
		Timestamp:   ts,
		Payload:     payload,
		AggregateID: normalizeAggregateName(aggregate),
	}

	outcome, err := se.store.Append(aggregate, env, key)
	if err != nil {
		return nil, outcome, err
	}
	if outcome == AlreadyApplied {
		return rt.state, AlreadyApplied, nil
	}

	next, applyErr := rt.model.Apply(rt.state, env)
	if applyErr != nil {
		rt.poison = &PoisonedError{Aggregate: aggregate, Cause: applyErr}
		se.log.Error().Err(applyErr).Str("aggregate", aggregate).Str("event_id", eventID).
			Msg("aggregate poisoned")
		return nil, Appended, rt.poison
	}
	rt.state = next
	rt.eventIndex++
	rt.lastTimestamp = ts
	rt.sinceSnapshot++

	if se.snapshotDue(aggregate, rt) {
		if err := se.snapshotLocked(aggregate, rt); err != nil {
			se.log.Warn().Err(err).Str("aggregate", aggregate).Msg("auto-snapshot failed")
		}
	}
	return rt.state, Appended, nil
}

func (se *StateEngine) snapshotDue(aggregate string, rt *aggregateRuntime) bool {
	threshold := se.cfg.SnapshotEvery
	if desc := se.registry.Lookup(aggregate); desc.SnapshotEvery > 0 {
		threshold = desc.SnapshotEvery
	}
	return threshold > 0 && rt.sinceSnapshot >= threshold
}

// snapshotLocked marshals and persists rt.state. Caller must already hold
// the aggregate's exclusive handle.
func (se *StateEngine) snapshotLocked(aggregate string, rt *aggregateRuntime) error {
	bytes, err := rt.model.MarshalState(rt.state)
	if err != nil {
		return err
	}
	onDiskCovered, err := se.store.OnDiskCount(aggregate)
	if err != nil {
		return err
	}
	if err := se.store.Snapshot(aggregate, bytes, uint64(onDiskCovered), rt.eventIndex); err != nil {
		return err
	}
	rt.sinceSnapshot = 0
	return nil
}

// Snapshot forces an out-of-band snapshot (spec.md §6's save_snapshot
// operation), regardless of the auto-snapshot threshold.
func (se *StateEngine) Snapshot(aggregate string) error {
	rt, err := se.ensureRuntime(aggregate)
	if err != nil {
		return err
	}
	release := rt.handle.GetExclusive()
	defer release()
	if rt.poison != nil {
		return rt.poison
	}
	return se.snapshotLocked(aggregate, rt)
}

// Compact truncates the aggregate's segment log to the tail after its most
// recent snapshot (spec.md §6's compact operation).
func (se *StateEngine) Compact(aggregate string) error {
	if _, err := se.ensureRuntime(aggregate); err != nil {
		return err
	}
	return se.store.Compact(aggregate)
}

// ReadState returns the aggregate's current state plus a release function
// that must be called when the caller is done observing it. The state value
// itself must not be mutated by the caller: Models should treat states as
// immutable and return a new value from Apply.
func (se *StateEngine) ReadState(aggregate string) (any, func(), error) {
	rt, err := se.ensureRuntime(aggregate)
	if err != nil {
		return nil, nil, err
	}
	if rt.poison != nil {
		return nil, nil, rt.poison
	}
	release := rt.handle.GetRead()
	return rt.state, release, nil
}

// IterateEvents exposes the full retained event history for an aggregate,
// for audit/read-model consumers (spec.md §6's iterate_events operation).
func (se *StateEngine) IterateEvents(aggregate string) (IterateResult, error) {
	if _, err := se.ensureRuntime(aggregate); err != nil {
		return IterateResult{CorruptAtOffset: -1}, err
	}
	return se.store.IterateAll(aggregate)
}

// Health reports whether an aggregate recovered cleanly, is poisoned, or
// recovered with a truncated tail (spec.md's supplemented health surface,
// see SPEC_FULL.md §5).
type AggregateHealth struct {
	Aggregate  string
	Poisoned   bool
	PoisonedBy error
	Truncated  bool
	EventIndex uint64
}

func (se *StateEngine) Health(aggregate string) (AggregateHealth, error) {
	rt, err := se.ensureRuntime(aggregate)
	if err != nil {
		return AggregateHealth{}, err
	}
	h := AggregateHealth{Aggregate: normalizeAggregateName(aggregate), EventIndex: rt.eventIndex}
	if rt.poison != nil {
		h.Poisoned = true
		h.PoisonedBy = rt.poison.Cause
	}
	if rt.corruption != nil {
		h.Truncated = true
	}
	return h, nil
}
