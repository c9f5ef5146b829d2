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

import "sync"

// AggregateDescriptor is the declarative policy metadata for one aggregate,
// per spec.md §5 (the Declarative Registry).
type AggregateDescriptor struct {
	Name          string // normalized aggregate name, "" for the global bucket
	PrimaryKey    string // informational; the engine does not enforce uniqueness itself
	Replicate     bool   // true routes writes through the Raft replication layer
	TrackHistory  bool   // recorded only; no engine component keeps prior state versions
	RetainVersions int   // recorded only; not read by the engine
	SnapshotEvery int    // override of Config.SnapshotEvery; 0 means "use default"
}

// Registry is the process-wide table of aggregate descriptors, mirroring
// storage/database.go's global-map-plus-lock style for catalog state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]AggregateDescriptor
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]AggregateDescriptor)}
}

// Register is idempotent: re-registering the same name with the same
// descriptor is a no-op; re-registering with a different descriptor updates
// it (there is no running replication/snapshot state keyed by descriptor
// contents, so this is always safe to do before first use of the
// aggregate).
func (r *Registry) Register(desc AggregateDescriptor) {
	name := normalizeAggregateName(desc.Name)
	desc.Name = name
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = desc
}

// Lookup returns the descriptor for name, or the zero-value descriptor
// (non-replicated, no history, engine defaults) if it was never registered
// -- per spec.md §5, an unregistered aggregate still works, just with
// defaults, it is not a RegistryError.
func (r *Registry) Lookup(name string) AggregateDescriptor {
	name = normalizeAggregateName(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.entries[name]
	if !ok {
		return AggregateDescriptor{Name: name}
	}
	return desc
}

// Names returns every aggregate name that has been explicitly registered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}
