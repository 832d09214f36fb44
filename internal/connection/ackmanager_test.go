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

package connection_test

import (
	"testing"

	"github.com/AngelOnFira/naia-sub000/internal/connection"
	"github.com/AngelOnFira/naia-sub000/internal/wire"
	"github.com/stretchr/testify/assert"
)

type recordingNotifiable struct {
	delivered []wire.PacketIndex
	dropped   []wire.PacketIndex
}

func (r *recordingNotifiable) NotifyPacketDelivered(i wire.PacketIndex) {
	r.delivered = append(r.delivered, i)
}

func (r *recordingNotifiable) NotifyPacketDropped(i wire.PacketIndex) {
	r.dropped = append(r.dropped, i)
}

func TestAckManagerDeliveryNotification(t *testing.T) {
	t.Parallel()
	a := connection.NewAckManager()
	notes := &recordingNotifiable{}

	i0 := a.NextIndex()
	i1 := a.NextIndex()

	// Peer reports having seen both: last = i1, bitfield bit 0 = i0.
	header := wire.StandardHeader{Type: wire.PacketData, Index: 0, LastRemoteIndex: i1, AckField: 1}
	assert.True(t, a.ProcessIncomingHeader(&header, notes))
	assert.ElementsMatch(t, []wire.PacketIndex{i0, i1}, notes.delivered)
	assert.Empty(t, notes.dropped)
}

func TestAckManagerDropDetection(t *testing.T) {
	t.Parallel()
	a := connection.NewAckManager()
	notes := &recordingNotifiable{}

	lost := a.NextIndex()
	for i := 0; i < 40; i++ {
		a.NextIndex()
	}
	newest := a.NextIndex()

	// Peer saw only the newest; everything older than the 32-bit window is
	// reported lost.
	header := wire.StandardHeader{Type: wire.PacketData, Index: 0, LastRemoteIndex: newest}
	assert.True(t, a.ProcessIncomingHeader(&header, notes))
	assert.Contains(t, notes.dropped, lost)
	assert.Contains(t, notes.delivered, newest)
}

func TestAckManagerDuplicateDetection(t *testing.T) {
	t.Parallel()
	a := connection.NewAckManager()

	h := wire.StandardHeader{Type: wire.PacketData, Index: 5}
	assert.True(t, a.ProcessIncomingHeader(&h))
	assert.False(t, a.ProcessIncomingHeader(&h), "replayed index must be dropped")

	// An older, not-yet-seen index is still accepted.
	h2 := wire.StandardHeader{Type: wire.PacketData, Index: 3}
	assert.True(t, a.ProcessIncomingHeader(&h2))
	assert.False(t, a.ProcessIncomingHeader(&h2))
}

func TestAckManagerEchoedHeader(t *testing.T) {
	t.Parallel()
	a := connection.NewAckManager()

	for _, index := range []wire.PacketIndex{10, 11, 13} {
		h := wire.StandardHeader{Type: wire.PacketData, Index: index}
		a.ProcessIncomingHeader(&h)
	}

	var out wire.StandardHeader
	a.FillHeader(&out)
	assert.Equal(t, wire.PacketIndex(13), out.LastRemoteIndex)
	// Bit 0 = index 12 (missing), bit 1 = 11, bit 2 = 10.
	assert.Equal(t, uint32(0b110), out.AckField)
}
