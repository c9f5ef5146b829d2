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

import "fmt"

// PersistError wraps an I/O failure on the write path: disk full, permission
// denied, or any other error returned by the underlying filesystem.
type PersistError struct {
	Aggregate string
	Err       error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("storage: persist failed for aggregate %q: %v", e.Aggregate, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// CorruptionError marks a CRC or JSON mismatch found while scanning a segment
// or snapshot file. Scanning stops at the offset named here; state loaded so
// far is kept.
type CorruptionError struct {
	Aggregate string
	File      string
	Offset    int64
	Err       error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("storage: corruption in %s (aggregate %q) at offset %d: %v", e.File, e.Aggregate, e.Offset, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// NotLeaderError is returned by a non-leader replica when it rejects a write
// to a replicated aggregate. LeaderHint, when non-empty, names the current
// leader so the caller can redirect.
type NotLeaderError struct {
	LeaderHint string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderHint == "" {
		return "storage: not leader"
	}
	return fmt.Sprintf("storage: not leader, try %s", e.LeaderHint)
}

// ReplicationTimeoutError is returned when a client-visible write's deadline
// expires before the Raft log commits the entry. The caller must assume the
// write is undecided and retry with the same event_id.
type ReplicationTimeoutError struct {
	Aggregate string
	EventID   string
}

func (e *ReplicationTimeoutError) Error() string {
	return fmt.Sprintf("storage: replication timeout for aggregate %q event %q", e.Aggregate, e.EventID)
}

// PoisonedError is returned for every write to an aggregate whose apply
// function has failed. The aggregate stays poisoned for the lifetime of the
// process; there is no revive operation, and because the failing event is
// already in the segment log, recovery after a restart replays it and
// poisons the aggregate again.
type PoisonedError struct {
	Aggregate string
	Cause     error
}

func (e *PoisonedError) Error() string {
	return fmt.Sprintf("storage: aggregate %q is poisoned: %v", e.Aggregate, e.Cause)
}

func (e *PoisonedError) Unwrap() error { return e.Cause }

// RegistryError is returned when a caller addresses an aggregate that was
// never registered, and by engine.Engine.ApplyEvent for an aggregate
// registered with Replicate: true while no replication node is attached.
type RegistryError struct {
	Aggregate string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("storage: aggregate %q is not registered", e.Aggregate)
}
