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
	"time"

	"github.com/AngelOnFira/naia-sub000/internal/wire"
)

// TickTagged is a message bound to a target tick.
type TickTagged[M any] struct {
	Tick    wire.Tick
	Message M
}

// TickBufferSender queues client input messages against a future tick. Each
// message is sent reliably until the target tick has passed on the server;
// the per-tick resend stops once the tick is acknowledged as processed.
type TickBufferSender[M any] struct {
	inner *ReliableSender[TickTagged[M]]
}

// NewTickBufferSender creates a tick-buffered sender.
func NewTickBufferSender[M any]() *TickBufferSender[M] {
	return &TickBufferSender[M]{inner: NewReliableSender[TickTagged[M]]()}
}

// BufferForTick queues message to release at tick on the receiving side.
func (s *TickBufferSender[M]) BufferForTick(tick wire.Tick, message M) {
	s.inner.Buffer(TickTagged[M]{Tick: tick, Message: message})
}

func (s *TickBufferSender[M]) Buffer(message TickTagged[M]) { s.inner.Buffer(message) }

func (s *TickBufferSender[M]) Collect(now time.Time, rtt time.Duration) { s.inner.Collect(now, rtt) }

func (s *TickBufferSender[M]) Outgoing() []Outgoing[TickTagged[M]] { return s.inner.Outgoing() }

func (s *TickBufferSender[M]) MarkSent(index wire.MessageIndex, now time.Time) {
	s.inner.MarkSent(index, now)
}

func (s *TickBufferSender[M]) NotifyDelivered(index wire.MessageIndex) {
	s.inner.NotifyDelivered(index)
}

func (s *TickBufferSender[M]) HasOutgoing() bool { return s.inner.HasOutgoing() }

// DropBeforeTick retires every queued message targeting a tick before
// horizon; input for a tick the server has already simulated is useless.
func (s *TickBufferSender[M]) DropBeforeTick(horizon wire.Tick) {
	s.inner.RetireIf(func(m TickTagged[M]) bool {
		return wire.SequenceLessThan(m.Tick, horizon)
	})
}

// TickBufferReceiver holds messages until their target tick is processed.
type TickBufferReceiver[M any] struct {
	delivered map[wire.MessageIndex]struct{}
	newest    *wire.MessageIndex
	byTick    map[wire.Tick][]M
}

// NewTickBufferReceiver creates a tick-buffered receiver.
func NewTickBufferReceiver[M any]() *TickBufferReceiver[M] {
	return &TickBufferReceiver[M]{
		delivered: make(map[wire.MessageIndex]struct{}),
		byTick:    make(map[wire.Tick][]M),
	}
}

// Buffer accepts a tick-tagged message, deduplicating by index.
func (r *TickBufferReceiver[M]) Buffer(index wire.MessageIndex, message TickTagged[M]) {
	if _, seen := r.delivered[index]; seen {
		return
	}
	if r.newest != nil && wire.SequenceLessThan(index, *r.newest) &&
		wire.SequenceDelta(*r.newest, index) > dedupeWindow {
		return
	}
	r.delivered[index] = struct{}{}
	if r.newest == nil || wire.SequenceGreaterThan(index, *r.newest) {
		idx := index
		r.newest = &idx
		for id := range r.delivered {
			if wire.SequenceDelta(*r.newest, id) > dedupeWindow {
				delete(r.delivered, id)
			}
		}
	}
	r.byTick[message.Tick] = append(r.byTick[message.Tick], message.Message)
}

// Receive is unsupported for tick buffers; use ReceiveForTick.
func (r *TickBufferReceiver[M]) Receive() []M { return nil }

// ReceiveForTick releases the messages bound to tick, plus any stragglers
// from earlier ticks that were never drained.
func (r *TickBufferReceiver[M]) ReceiveForTick(tick wire.Tick) []M {
	var out []M
	for bufferedTick, msgs := range r.byTick {
		if bufferedTick == tick || wire.SequenceLessThan(bufferedTick, tick) {
			out = append(out, msgs...)
			delete(r.byTick, bufferedTick)
		}
	}
	return out
}
