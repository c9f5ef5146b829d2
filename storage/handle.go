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

// aggregateHandle is a concrete SharedResource: the per-aggregate in-memory
// state, lazily materialized (COLD until its first read or write) and guarded by a
// plain RWMutex. It generalizes the teacher's SharedResource contract
// (shared_resource.go) from a placeholder to the State Engine's real
// read/write path: GetRead backs ReadState, GetExclusive backs ApplyEvent.
type aggregateHandle struct {
	mu    sync.RWMutex
	state SharedState
}

func newAggregateHandle() *aggregateHandle {
	return &aggregateHandle{state: COLD}
}

func (h *aggregateHandle) GetState() SharedState {
	return h.state
}

func (h *aggregateHandle) GetRead() func() {
	h.mu.RLock()
	h.state = SHARED
	return func() {
		h.mu.RUnlock()
	}
}

func (h *aggregateHandle) GetExclusive() func() {
	h.mu.Lock()
	h.state = WRITE
	return func() {
		h.state = SHARED
		h.mu.Unlock()
	}
}

var _ SharedResource = (*aggregateHandle)(nil)
