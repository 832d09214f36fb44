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

package worldsync

import "github.com/AngelOnFira/naia-sub000/internal/wire"

// OrderedIDs is a deque of (message id, item) pairs kept sorted by wrap-safe
// id order, smallest at the front.
type OrderedIDs[P any] struct {
	inner []orderedEntry[P]
}

type orderedEntry[P any] struct {
	id   wire.MessageIndex
	item P
}

// NewOrderedIDs creates an empty queue.
func NewOrderedIDs[P any]() *OrderedIDs[P] {
	return &OrderedIDs[P]{}
}

// PushBack inserts item at its sorted position, scanning from the back
// since arrivals are usually near-ordered.
func (o *OrderedIDs[P]) PushBack(id wire.MessageIndex, item P) {
	for i := len(o.inner); i > 0; i-- {
		if wire.SequenceLessThan(o.inner[i-1].id, id) {
			o.inner = append(o.inner, orderedEntry[P]{})
			copy(o.inner[i+1:], o.inner[i:])
			o.inner[i] = orderedEntry[P]{id: id, item: item}
			return
		}
	}
	o.inner = append([]orderedEntry[P]{{id: id, item: item}}, o.inner...)
}

// PeekFront returns the smallest entry without removing it.
func (o *OrderedIDs[P]) PeekFront() (wire.MessageIndex, P, bool) {
	if len(o.inner) == 0 {
		var zero P
		return 0, zero, false
	}
	return o.inner[0].id, o.inner[0].item, true
}

// PopFront removes and returns the smallest entry.
func (o *OrderedIDs[P]) PopFront() (wire.MessageIndex, P, bool) {
	if len(o.inner) == 0 {
		var zero P
		return 0, zero, false
	}
	e := o.inner[0]
	o.inner = o.inner[1:]
	return e.id, e.item, true
}

// PopFrontUntilIncluding discards entries with id ≤ bound.
func (o *OrderedIDs[P]) PopFrontUntilIncluding(bound wire.MessageIndex) {
	for len(o.inner) > 0 {
		front := o.inner[0].id
		if front == bound || wire.SequenceLessThan(front, bound) {
			o.inner = o.inner[1:]
			continue
		}
		return
	}
}

// PopFrontUntilExcluding discards entries with id < bound.
func (o *OrderedIDs[P]) PopFrontUntilExcluding(bound wire.MessageIndex) {
	for len(o.inner) > 0 {
		front := o.inner[0].id
		if wire.SequenceLessThan(front, bound) {
			o.inner = o.inner[1:]
			continue
		}
		return
	}
}

// Clear empties the queue.
func (o *OrderedIDs[P]) Clear() {
	o.inner = nil
}

// Len returns the number of buffered entries.
func (o *OrderedIDs[P]) Len() int {
	return len(o.inner)
}
