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

package channels

import (
	"github.com/AngelOnFira/naia-sub000/internal/wire"
)

// Receiver is the inbound half of a channel. Buffer accepts a message with
// its channel-local index; Receive drains everything deliverable under the
// channel's mode.
type Receiver[M any] interface {
	Buffer(index wire.MessageIndex, message M)
	Receive() []M
}

// dedupeWindow bounds how far behind the newest index a reliable receiver
// still remembers delivered ids. The reliable sender enforces no matching
// limit on messages in flight.
const dedupeWindow = 2048

// UnorderedUnreliableReceiver delivers everything as it arrives.
type UnorderedUnreliableReceiver[M any] struct {
	ready []M
}

func NewUnorderedUnreliableReceiver[M any]() *UnorderedUnreliableReceiver[M] {
	return &UnorderedUnreliableReceiver[M]{}
}

func (r *UnorderedUnreliableReceiver[M]) Buffer(_ wire.MessageIndex, message M) {
	r.ready = append(r.ready, message)
}

func (r *UnorderedUnreliableReceiver[M]) Receive() []M {
	out := r.ready
	r.ready = nil
	return out
}

// SequencedUnreliableReceiver drops any message not strictly newer than the
// last delivered.
type SequencedUnreliableReceiver[M any] struct {
	last    *wire.MessageIndex
	ready   []M
}

func NewSequencedUnreliableReceiver[M any]() *SequencedUnreliableReceiver[M] {
	return &SequencedUnreliableReceiver[M]{}
}

func (r *SequencedUnreliableReceiver[M]) Buffer(index wire.MessageIndex, message M) {
	if r.last != nil && !wire.SequenceGreaterThan(index, *r.last) {
		return
	}
	idx := index
	r.last = &idx
	r.ready = append(r.ready, message)
}

func (r *SequencedUnreliableReceiver[M]) Receive() []M {
	out := r.ready
	r.ready = nil
	return out
}

// UnorderedReliableReceiver delivers each index exactly once, on first
// arrival, remembering delivered ids within dedupeWindow.
type UnorderedReliableReceiver[M any] struct {
	delivered map[wire.MessageIndex]struct{}
	newest    *wire.MessageIndex
	ready     []M
}

func NewUnorderedReliableReceiver[M any]() *UnorderedReliableReceiver[M] {
	return &UnorderedReliableReceiver[M]{delivered: make(map[wire.MessageIndex]struct{})}
}

func (r *UnorderedReliableReceiver[M]) Buffer(index wire.MessageIndex, message M) {
	if _, seen := r.delivered[index]; seen {
		return
	}
	if r.newest != nil && wire.SequenceLessThan(index, *r.newest) &&
		wire.SequenceDelta(*r.newest, index) > dedupeWindow {
		// Beyond the window this is a wrap-side straggler; the dedupe record
		// for it has been pruned, so it must be dropped rather than re-delivered.
		return
	}
	r.delivered[index] = struct{}{}
	if r.newest == nil || wire.SequenceGreaterThan(index, *r.newest) {
		idx := index
		r.newest = &idx
		r.prune()
	}
	r.ready = append(r.ready, message)
}

func (r *UnorderedReliableReceiver[M]) prune() {
	for id := range r.delivered {
		if wire.SequenceDelta(*r.newest, id) > dedupeWindow {
			delete(r.delivered, id)
		}
	}
}

func (r *UnorderedReliableReceiver[M]) Receive() []M {
	out := r.ready
	r.ready = nil
	return out
}

// SequencedReliableReceiver acknowledges everything but delivers only
// messages newer than the last delivered.
type SequencedReliableReceiver[M any] struct {
	inner UnorderedReliableReceiver[M]
	last  *wire.MessageIndex
	ready []M
}

func NewSequencedReliableReceiver[M any]() *SequencedReliableReceiver[M] {
	return &SequencedReliableReceiver[M]{
		inner: UnorderedReliableReceiver[M]{delivered: make(map[wire.MessageIndex]struct{})},
	}
}

func (r *SequencedReliableReceiver[M]) Buffer(index wire.MessageIndex, message M) {
	r.inner.Buffer(index, message)
	for _, m := range r.inner.Receive() {
		if r.last != nil && !wire.SequenceGreaterThan(index, *r.last) {
			continue
		}
		idx := index
		r.last = &idx
		r.ready = append(r.ready, m)
	}
}

func (r *SequencedReliableReceiver[M]) Receive() []M {
	out := r.ready
	r.ready = nil
	return out
}

// OrderedReliableReceiver delivers strictly in index order, buffering gaps.
type OrderedReliableReceiver[M any] struct {
	buffered map[wire.MessageIndex]M
	next     wire.MessageIndex
	ready    []M
}

func NewOrderedReliableReceiver[M any]() *OrderedReliableReceiver[M] {
	return &OrderedReliableReceiver[M]{buffered: make(map[wire.MessageIndex]M)}
}

func (r *OrderedReliableReceiver[M]) Buffer(index wire.MessageIndex, message M) {
	if wire.SequenceLessThan(index, r.next) {
		return // already delivered
	}
	if _, ok := r.buffered[index]; ok {
		return
	}
	r.buffered[index] = message
	for {
		m, ok := r.buffered[r.next]
		if !ok {
			return
		}
		delete(r.buffered, r.next)
		r.ready = append(r.ready, m)
		r.next++
	}
}

func (r *OrderedReliableReceiver[M]) Receive() []M {
	out := r.ready
	r.ready = nil
	return out
}
