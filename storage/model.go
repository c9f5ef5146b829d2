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

import "encoding/json"

// AggregateModel is the type-erased form of a registered Model[S]: the State
// Engine stores one of these per aggregate so it can hold many differently
// typed application states in a single map without reflection at the call
// site. Callers never implement this directly; they call NewModel.
type AggregateModel interface {
	NewState() any
	Apply(state any, env Envelope) (any, error)
	MarshalState(state any) ([]byte, error)
	UnmarshalState(data []byte) (any, error)
}

// Model describes how one aggregate's application state evolves:
// New produces the zero state for a never-initialized aggregate, and Apply
// folds one event into the current state, returning the error that poisons
// the aggregate (spec.md §4.6) if the event cannot be applied.
type Model[S any] struct {
	New   func() S
	Apply func(state S, env Envelope) (S, error)
}

// NewModel type-erases a Model[S] into the AggregateModel the State Engine
// operates on.
func NewModel[S any](m Model[S]) AggregateModel {
	return &modelAdapter[S]{m: m}
}

type modelAdapter[S any] struct {
	m Model[S]
}

func (a *modelAdapter[S]) NewState() any {
	return a.m.New()
}

func (a *modelAdapter[S]) Apply(state any, env Envelope) (any, error) {
	typed, ok := state.(S)
	if !ok {
		typed = a.m.New()
	}
	out, err := a.m.Apply(typed, env)
	return out, err
}

func (a *modelAdapter[S]) MarshalState(state any) ([]byte, error) {
	return json.Marshal(state)
}

func (a *modelAdapter[S]) UnmarshalState(data []byte) (any, error) {
	var s S
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s, nil
}
