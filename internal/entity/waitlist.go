// SPDX-License-Identifier: AGPL-3.0-or-later
// Replica - Entity replication over unreliable datagrams in a single binary
// Copyright (C) 2025-2026 Angel
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/AngelOnFira/naia-sub000>

package entity

// Converter resolves between global ids and wire references. Satisfied by
// LocalEntityMap; narrow so the component layer never sees the full map.
type Converter interface {
	GlobalFromOwned(OwnedLocalEntity) (GlobalEntity, error)
	OwnedFromGlobal(GlobalEntity) (OwnedLocalEntity, error)
}

// WaitlistHandle identifies a deferred item in the waitlist.
type WaitlistHandle uint64

// Waitlist defers items (component inserts, updates) whose entity
// references are not yet resolvable. An item becomes deliverable once every
// remote entity in its dependency set has a global mapping. Cyclic entity
// graphs resolve here without back-pointers: each new spawn retries the
// entries waiting on it.
type Waitlist[T any] struct {
	nextHandle WaitlistHandle
	items      map[WaitlistHandle]*waitItem[T]
	byEntity   map[RemoteEntity]map[WaitlistHandle]struct{}
}

type waitItem[T any] struct {
	waitingOn map[RemoteEntity]struct{}
	item      T
}

// NewWaitlist creates an empty waitlist.
func NewWaitlist[T any]() *Waitlist[T] {
	return &Waitlist[T]{
		items:    make(map[WaitlistHandle]*waitItem[T]),
		byEntity: make(map[RemoteEntity]map[WaitlistHandle]struct{}),
	}
}

// Queue parks item until all entities in deps resolve. deps must be
// non-empty.
func (w *Waitlist[T]) Queue(deps []RemoteEntity, item T) WaitlistHandle {
	handle := w.nextHandle
	w.nextHandle++
	wi := &waitItem[T]{waitingOn: make(map[RemoteEntity]struct{}, len(deps)), item: item}
	for _, dep := range deps {
		wi.waitingOn[dep] = struct{}{}
		set, ok := w.byEntity[dep]
		if !ok {
			set = make(map[WaitlistHandle]struct{})
			w.byEntity[dep] = set
		}
		set[handle] = struct{}{}
	}
	w.items[handle] = wi
	return handle
}

// ResolveEntity marks remote as resolved and returns any items whose
// dependency sets are now empty.
func (w *Waitlist[T]) ResolveEntity(remote RemoteEntity) []T {
	set, ok := w.byEntity[remote]
	if !ok {
		return nil
	}
	delete(w.byEntity, remote)

	var ready []T
	for handle := range set {
		wi, ok := w.items[handle]
		if !ok {
			continue
		}
		delete(wi.waitingOn, remote)
		if len(wi.waitingOn) == 0 {
			ready = append(ready, wi.item)
			delete(w.items, handle)
		}
	}
	return ready
}

// RemoveEntity drops every item still waiting on remote (the entity is gone
// and will never resolve).
func (w *Waitlist[T]) RemoveEntity(remote RemoteEntity) {
	set, ok := w.byEntity[remote]
	if !ok {
		return
	}
	delete(w.byEntity, remote)
	for handle := range set {
		wi, ok := w.items[handle]
		if !ok {
			continue
		}
		for dep := range wi.waitingOn {
			if dep == remote {
				continue
			}
			if other, ok := w.byEntity[dep]; ok {
				delete(other, handle)
			}
		}
		delete(w.items, handle)
	}
}

// Len returns the number of parked items.
func (w *Waitlist[T]) Len() int {
	return len(w.items)
}
