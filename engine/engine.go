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

// Package engine exposes the stable public contract of spec.md §6:
// RegisterAggregate, ApplyEvent, ReadState, IterateEvents, SaveSnapshot,
// Compact, Health, Shutdown. It wires storage.EventStore/StateEngine/Registry
// together with an optional replication.Node, rs/zerolog logging, and
// dc0d/onexit-triggered shutdown, the way the teacher's storage.Init wires
// its own subsystems together in one place.
package engine

import (
	"os"

	"github.com/dc0d/onexit"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/launix-de/raftstore/replication"
	"github.com/launix-de/raftstore/storage"
)

// Engine is the single entry point embedding programs use.
type Engine struct {
	cfg      storage.Config
	log      zerolog.Logger
	registry *storage.Registry
	store    *storage.EventStore
	states   *storage.StateEngine
	node     *replication.Node // nil when no aggregate is replicated
	watcher  *fsnotify.Watcher // nil when the corruption watchdog is disabled
}

// Options configures New.
type Options struct {
	Config      storage.Config
	Archive     storage.BlobStore // nil disables the cold archive mirror
	Logger      *zerolog.Logger   // nil gets a default stderr logger
	WatchForRot bool              // enable the fsnotify corruption watchdog (SPEC_FULL.md §5)
}

// New constructs an Engine, ready to have aggregates registered on it. It
// does not itself start a replication.Node: callers that replicate build one
// from StateEngine() and Registry() and pass it to AttachReplication, since
// the FSM needs a fully-formed StateEngine to close over.
func New(opts Options) (*Engine, error) {
	if err := opts.Config.ResolveSizes(); err != nil {
		return nil, err
	}
	var log zerolog.Logger
	if opts.Logger != nil {
		log = *opts.Logger
	} else {
		log = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	registry := storage.NewRegistry()
	store := storage.NewEventStore(opts.Config, opts.Archive)
	states := storage.NewStateEngine(store, registry, opts.Config, log)

	e := &Engine{cfg: opts.Config, log: log, registry: registry, store: store, states: states}

	onexit.Register(func() {
		if err := e.Shutdown(); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	})

	if opts.WatchForRot {
		if err := e.startCorruptionWatchdog(); err != nil {
			log.Warn().Err(err).Msg("corruption watchdog disabled")
		}
	}
	return e, nil
}

// StateEngine exposes the Engine's single underlying StateEngine, for
// constructing the replication.FSM that must close over the very same
// instance ReadState/IterateEvents/Health read from.
func (e *Engine) StateEngine() *storage.StateEngine {
	return e.states
}

// Registry exposes the Engine's Registry, for constructing the
// replication.FSM that needs to know which aggregates are replicated when it
// builds its snapshot manifest.
func (e *Engine) Registry() *storage.Registry {
	return e.registry
}

// AttachReplication binds a running replication.Node to this engine. Writes
// to aggregates registered with Replicate: true are routed through it;
// writes to non-replicated aggregates still go straight to the local
// StateEngine.
func (e *Engine) AttachReplication(node *replication.Node) {
	e.node = node
}

// RegisterAggregate declares an aggregate's policy (spec.md §5) and binds the
// Model that interprets its events.
func (e *Engine) RegisterAggregate(desc storage.AggregateDescriptor, model storage.AggregateModel) {
	e.registry.Register(desc)
	e.states.RegisterModel(desc.Name, model)
}

// ApplyEvent appends and applies one event. Replicated aggregates are routed
// through the attached replication.Node (returning NotLeaderError on a
// follower); everything else goes straight to the local StateEngine.
func (e *Engine) ApplyEvent(aggregate, eventType, eventID string, payload []byte, idempotenceKey string) (any, storage.AppendOutcome, error) {
	desc := e.registry.Lookup(aggregate)
	if desc.Replicate {
		if e.node == nil {
			return nil, storage.Appended, &storage.RegistryError{Aggregate: aggregate}
		}
		return e.node.Propose(aggregate, eventType, eventID, payload, idempotenceKey)
	}
	return e.states.ApplyEvent(aggregate, eventType, eventID, payload, idempotenceKey)
}

// ReadState returns an aggregate's current state plus a release function.
func (e *Engine) ReadState(aggregate string) (any, func(), error) {
	return e.states.ReadState(aggregate)
}

// IterateEvents exposes the full retained event history for an aggregate.
func (e *Engine) IterateEvents(aggregate string) (storage.IterateResult, error) {
	return e.states.IterateEvents(aggregate)
}

// SaveSnapshot forces an out-of-band snapshot.
func (e *Engine) SaveSnapshot(aggregate string) error {
	return e.states.Snapshot(aggregate)
}

// Compact truncates an aggregate's segment log to its post-snapshot tail.
func (e *Engine) Compact(aggregate string) error {
	return e.states.Compact(aggregate)
}

// Health reports one aggregate's recovery/poison status.
func (e *Engine) Health(aggregate string) (storage.AggregateHealth, error) {
	return e.states.Health(aggregate)
}

// AggregateNames lists every explicitly registered aggregate.
func (e *Engine) AggregateNames() []string {
	return e.registry.Names()
}

// Shutdown stops the corruption watchdog and (if attached) the replication
// node. Safe to call more than once.
func (e *Engine) Shutdown() error {
	if e.watcher != nil {
		_ = e.watcher.Close()
		e.watcher = nil
	}
	if e.node != nil {
		return e.node.Shutdown()
	}
	return nil
}
