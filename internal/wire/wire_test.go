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

package wire_test

import (
	"testing"

	"github.com/AngelOnFira/naia-sub000/internal/bitio"
	"github.com/AngelOnFira/naia-sub000/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Wrap-safe ordering agrees with send order for all pairs less than 2^15
// apart.
func TestSequenceOrderingAcrossWrap(t *testing.T) {
	t.Parallel()
	tests := []struct {
		a, b    uint16
		greater bool
	}{
		{1, 0, true},
		{0, 1, false},
		{0, 65535, true}, // wrapped
		{65535, 0, false},
		{32768, 0, true},
		{40000, 20000, true},
		{20000, 40000, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.greater, wire.SequenceGreaterThan(tt.a, tt.b), "greater(%d, %d)", tt.a, tt.b)
		assert.Equal(t, tt.greater, wire.SequenceLessThan(tt.b, tt.a), "less(%d, %d)", tt.b, tt.a)
	}
}

func TestSequenceDelta(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint16(5), wire.SequenceDelta(uint16(3), uint16(65534)))
	assert.Equal(t, uint16(0), wire.SequenceDelta(uint16(7), uint16(7)))
}

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()
	in := wire.StandardHeader{
		Type:            wire.PacketData,
		Index:           1234,
		LastRemoteIndex: 65500,
		AckField:        0xDEADBEEF,
	}
	w := bitio.NewWriter(wire.MaxPacketBits)
	in.Ser(w)
	assert.Equal(t, wire.HeaderBits, w.BitCount())

	out, err := wire.DeHeader(bitio.NewReader(w.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestHeaderRejectsUnknownType(t *testing.T) {
	t.Parallel()
	_, err := wire.DeHeader(bitio.NewReader([]byte{0xFF, 0, 0, 0, 0, 0, 0, 0, 0}))
	assert.ErrorIs(t, err, wire.ErrUnknownPacketType)
}

func TestAuthCapabilityTable(t *testing.T) {
	t.Parallel()
	type caps struct{ request, release, write, read bool }
	table := map[wire.EntityAuthStatus]caps{
		wire.AuthAvailable: {request: true, read: true},
		wire.AuthRequested: {release: true},
		wire.AuthGranted:   {release: true, write: true},
		wire.AuthReleasing: {write: true, read: true},
		wire.AuthDenied:    {read: true},
	}
	for status, want := range table {
		assert.Equal(t, want.request, status.CanRequest(), "%s.CanRequest", status)
		assert.Equal(t, want.release, status.CanRelease(), "%s.CanRelease", status)
		assert.Equal(t, want.write, status.CanWrite(), "%s.CanWrite", status)
		assert.Equal(t, want.read, status.CanRead(), "%s.CanRead", status)
	}
}
