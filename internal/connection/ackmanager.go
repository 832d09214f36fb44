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

package connection

import (
	"github.com/AngelOnFira/naia-sub000/internal/wire"
)

// PacketNotifiable receives delivery notifications for packets this side
// sent.
type PacketNotifiable interface {
	NotifyPacketDelivered(index wire.PacketIndex)
	NotifyPacketDropped(index wire.PacketIndex)
}

// AckManager tracks both directions of packet acknowledgment: which of our
// packets the peer has seen (driving delivery notifications), and which of
// the peer's packets we have seen (driving the header we echo back).
type AckManager struct {
	nextIndex wire.PacketIndex

	// sent tracks our un-acked packet indices.
	sent map[wire.PacketIndex]struct{}

	// lastReceived is the newest peer packet index seen; receivedField has
	// bit n set when lastReceived-1-n was also seen.
	lastReceived    wire.PacketIndex
	receivedAny     bool
	receivedField   uint32
}

// NewAckManager creates an empty manager.
func NewAckManager() *AckManager {
	return &AckManager{sent: make(map[wire.PacketIndex]struct{})}
}

// NextIndex allocates the index for an outgoing packet and tracks it as
// un-acked.
func (a *AckManager) NextIndex() wire.PacketIndex {
	index := a.nextIndex
	a.nextIndex++
	a.sent[index] = struct{}{}
	return index
}

// UntrackIndex forgets an outgoing index without notification (used for
// packet types that carry no reliable state).
func (a *AckManager) UntrackIndex(index wire.PacketIndex) {
	delete(a.sent, index)
}

// FillHeader populates the ACK fields of an outgoing header.
func (a *AckManager) FillHeader(h *wire.StandardHeader) {
	h.LastRemoteIndex = a.lastReceived
	h.AckField = a.receivedField
}

// ProcessIncomingHeader ingests a received header: records the peer's
// packet for our own ACK echo, and resolves our sent packets against the
// peer's ACK view. Returns false when the packet is a duplicate and must be
// dropped.
func (a *AckManager) ProcessIncomingHeader(h *wire.StandardHeader, notifiables ...PacketNotifiable) bool {
	if !a.recordReceived(h.Index) {
		return false
	}
	a.resolveSent(h, notifiables...)
	return true
}

func (a *AckManager) recordReceived(index wire.PacketIndex) bool {
	if !a.receivedAny {
		a.receivedAny = true
		a.lastReceived = index
		a.receivedField = 0
		return true
	}
	if index == a.lastReceived {
		return false
	}
	if wire.SequenceGreaterThan(index, a.lastReceived) {
		shift := wire.SequenceDelta(index, a.lastReceived)
		if shift >= wire.AckFieldBits {
			a.receivedField = 0
		} else {
			a.receivedField = a.receivedField<<shift | 1<<(shift-1)
		}
		a.lastReceived = index
		return true
	}
	delta := wire.SequenceDelta(a.lastReceived, index)
	if delta > wire.AckFieldBits {
		// Too old to track; treat as duplicate.
		return false
	}
	bit := uint32(1) << (delta - 1)
	if a.receivedField&bit != 0 {
		return false
	}
	a.receivedField |= bit
	return true
}

func (a *AckManager) resolveSent(h *wire.StandardHeader, notifiables ...PacketNotifiable) {
	ackOne := func(index wire.PacketIndex) {
		if _, ok := a.sent[index]; !ok {
			return
		}
		delete(a.sent, index)
		for _, n := range notifiables {
			n.NotifyPacketDelivered(index)
		}
	}
	ackOne(h.LastRemoteIndex)
	for n := uint16(0); n < wire.AckFieldBits; n++ {
		if h.AckField&(1<<n) != 0 {
			ackOne(h.LastRemoteIndex - 1 - wire.PacketIndex(n))
		}
	}
	// Anything older than the ACK window and still unresolved was lost.
	for index := range a.sent {
		if wire.SequenceLessThan(index, h.LastRemoteIndex) &&
			wire.SequenceDelta(h.LastRemoteIndex, index) > wire.AckFieldBits {
			delete(a.sent, index)
			for _, n := range notifiables {
				n.NotifyPacketDropped(index)
			}
		}
	}
}
