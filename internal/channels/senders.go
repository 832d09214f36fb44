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

// Outgoing is a message due for (re)send, tagged with its channel-local
// index. Unreliable senders number their messages too; sequenced receivers
// use that index to discard stale arrivals.
type Outgoing[M any] struct {
	Index   wire.MessageIndex
	Message M
}

// Sender is the outbound half of a channel.
type Sender[M any] interface {
	// Buffer queues a message for sending.
	Buffer(message M)
	// Collect moves due messages (new, or past their resend deadline) into
	// the outgoing set. rtt scales the resend interval for reliable modes.
	Collect(now time.Time, rtt time.Duration)
	// Outgoing returns messages due for this packet, in send order.
	Outgoing() []Outgoing[M]
	// MarkSent records that index was written into a packet at now.
	MarkSent(index wire.MessageIndex, now time.Time)
	// NotifyDelivered retires a message after its packet was ACKed.
	NotifyDelivered(index wire.MessageIndex)
	// HasOutgoing reports whether anything is due.
	HasOutgoing() bool
}

// UnreliableSender sends each message exactly once and forgets it.
type UnreliableSender[M any] struct {
	queue     []M
	outgoing  []Outgoing[M]
	nextIndex wire.MessageIndex
}

// NewUnreliableSender creates an unreliable sender.
func NewUnreliableSender[M any]() *UnreliableSender[M] {
	return &UnreliableSender[M]{}
}

func (s *UnreliableSender[M]) Buffer(message M) {
	s.queue = append(s.queue, message)
}

func (s *UnreliableSender[M]) Collect(_ time.Time, _ time.Duration) {
	for _, m := range s.queue {
		s.outgoing = append(s.outgoing, Outgoing[M]{Index: s.nextIndex, Message: m})
		s.nextIndex++
	}
	s.queue = s.queue[:0]
}

func (s *UnreliableSender[M]) Outgoing() []Outgoing[M] { return s.outgoing }

func (s *UnreliableSender[M]) MarkSent(index wire.MessageIndex, _ time.Time) {
	for i, o := range s.outgoing {
		if o.Index == index {
			s.outgoing = append(s.outgoing[:i], s.outgoing[i+1:]...)
			return
		}
	}
}

func (s *UnreliableSender[M]) NotifyDelivered(wire.MessageIndex) {}

func (s *UnreliableSender[M]) HasOutgoing() bool { return len(s.outgoing) > 0 }

// resendFactor scales the RTT into a resend interval.
const resendFactor = 1.5

// minResendInterval bounds the resend interval from below so a near-zero
// RTT estimate cannot cause a resend storm.
const minResendInterval = 10 * time.Millisecond

type reliableRecord[M any] struct {
	message  M
	lastSent time.Time
	sent     bool
}

// ReliableSender resends messages on an RTT-scaled interval until their
// carrying packet is acknowledged.
type ReliableSender[M any] struct {
	unacked   map[wire.MessageIndex]*reliableRecord[M]
	order     []wire.MessageIndex
	outgoing  []Outgoing[M]
	nextIndex wire.MessageIndex
}

// NewReliableSender creates a reliable sender.
func NewReliableSender[M any]() *ReliableSender[M] {
	return &ReliableSender[M]{unacked: make(map[wire.MessageIndex]*reliableRecord[M])}
}

func (s *ReliableSender[M]) Buffer(message M) {
	index := s.nextIndex
	s.nextIndex++
	s.unacked[index] = &reliableRecord[M]{message: message}
	s.order = append(s.order, index)
}

func (s *ReliableSender[M]) Collect(now time.Time, rtt time.Duration) {
	interval := time.Duration(float64(rtt) * resendFactor)
	if interval < minResendInterval {
		interval = minResendInterval
	}
	s.outgoing = s.outgoing[:0]
	for _, index := range s.order {
		rec, ok := s.unacked[index]
		if !ok {
			continue
		}
		if !rec.sent || now.Sub(rec.lastSent) >= interval {
			s.outgoing = append(s.outgoing, Outgoing[M]{Index: index, Message: rec.message})
		}
	}
}

func (s *ReliableSender[M]) Outgoing() []Outgoing[M] { return s.outgoing }

func (s *ReliableSender[M]) MarkSent(index wire.MessageIndex, now time.Time) {
	if rec, ok := s.unacked[index]; ok {
		rec.sent = true
		rec.lastSent = now
	}
	for i, o := range s.outgoing {
		if o.Index == index {
			s.outgoing = append(s.outgoing[:i], s.outgoing[i+1:]...)
			break
		}
	}
}

func (s *ReliableSender[M]) NotifyDelivered(index wire.MessageIndex) {
	if _, ok := s.unacked[index]; !ok {
		return
	}
	delete(s.unacked, index)
	for i, candidate := range s.order {
		if candidate == index {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *ReliableSender[M]) HasOutgoing() bool { return len(s.outgoing) > 0 }

// HasUnacked reports whether any message is still awaiting acknowledgment.
func (s *ReliableSender[M]) HasUnacked() bool { return len(s.unacked) > 0 }

// RetireIf retires every unacked message matching pred, as though it had
// been delivered.
func (s *ReliableSender[M]) RetireIf(pred func(M) bool) {
	for _, index := range append([]wire.MessageIndex(nil), s.order...) {
		if rec, ok := s.unacked[index]; ok && pred(rec.message) {
			s.NotifyDelivered(index)
		}
	}
}
