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

package component_test

import (
	"testing"

	"github.com/AngelOnFira/naia-sub000/internal/bitio"
	"github.com/AngelOnFira/naia-sub000/internal/component"
	"github.com/AngelOnFira/naia-sub000/internal/entity"
	"github.com/AngelOnFira/naia-sub000/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedAuth struct{ status wire.EntityAuthStatus }

func (f fixedAuth) AuthStatus() wire.EntityAuthStatus { return f.status }

func TestHostPropertyMutateSetsDirtyBit(t *testing.T) {
	t.Parallel()
	mask := component.NewDiffMask(4)
	mutator := component.NewMutator(mask.SetBit)

	p := component.NewHostProperty(component.UintCodec(7), 10, 2)
	p.SetMutator(mutator)
	require.NoError(t, p.TrySet(11))

	assert.True(t, mask.Bit(2))
	assert.False(t, mask.Bit(0))
	assert.Equal(t, uint64(11), p.Get())
}

func TestRemotePropertyRejectsMutation(t *testing.T) {
	t.Parallel()
	w := bitio.NewWriter(64)
	bitio.WriteUnsignedVariable(w, 5, 7)
	p, err := component.NewReadProperty(component.UintCodec(7), bitio.NewReader(w.Bytes()))
	require.NoError(t, err)

	assert.ErrorIs(t, p.TrySet(9), component.ErrPropertyNotMutable)
	assert.ErrorIs(t, p.TryWrite(bitio.NewWriter(64)), component.ErrPropertyNotWritable)
}

func TestPropertyWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	p := component.NewHostProperty(component.FloatCodec(5, 2), -12.25, 0)
	p.SetMutator(component.NewMutator(func(uint8) {}))

	w := bitio.NewWriter(256)
	require.NoError(t, p.TryWrite(w))

	q, err := component.NewReadProperty(component.FloatCodec(5, 2), bitio.NewReader(w.Bytes()))
	require.NoError(t, err)
	assert.InDelta(t, -12.25, q.Get(), 0.0001)
}

func TestPropertyTransitionTable(t *testing.T) {
	t.Parallel()
	mutator := component.NewMutator(func(uint8) {})

	t.Run("remote owned to public to delegated", func(t *testing.T) {
		t.Parallel()
		p := remoteProperty(t, 5)
		require.NoError(t, p.TryRemotePublish(0, mutator))
		assert.Equal(t, component.StatusRemotePublic, p.Status())
		require.NoError(t, p.TryEnableDelegation(fixedAuth{wire.AuthAvailable}, 0, mutator))
		assert.Equal(t, component.StatusDelegated, p.Status())
	})

	t.Run("remote owned requires publish before delegation", func(t *testing.T) {
		t.Parallel()
		p := remoteProperty(t, 5)
		assert.ErrorIs(t, p.TryEnableDelegation(fixedAuth{wire.AuthAvailable}, 0, mutator), component.ErrDelegationRequiresPub)
	})

	t.Run("delegated returns to former variant", func(t *testing.T) {
		t.Parallel()
		host := component.NewHostProperty(component.UintCodec(7), 1, 0)
		host.SetMutator(mutator)
		require.NoError(t, host.TryEnableDelegation(component.ServerAuth{}, 0, mutator))
		require.NoError(t, host.TryDisableDelegation())
		assert.Equal(t, component.StatusHostOwned, host.Status())

		public := remoteProperty(t, 5)
		require.NoError(t, public.TryRemotePublish(0, mutator))
		require.NoError(t, public.TryEnableDelegation(fixedAuth{wire.AuthAvailable}, 0, mutator))
		require.NoError(t, public.TryDisableDelegation())
		assert.Equal(t, component.StatusRemotePublic, public.Status())
	})

	t.Run("local is terminal", func(t *testing.T) {
		t.Parallel()
		p := component.NewLocalProperty(component.UintCodec(7), 1)
		assert.ErrorIs(t, p.TryRemotePublish(0, mutator), component.ErrInvalidTransition)
		assert.ErrorIs(t, p.TryEnableDelegation(component.ServerAuth{}, 0, mutator), component.ErrInvalidTransition)
		assert.ErrorIs(t, p.TryLocalize(), component.ErrInvalidTransition)
	})

	t.Run("host to local", func(t *testing.T) {
		t.Parallel()
		p := component.NewHostProperty(component.UintCodec(7), 1, 0)
		require.NoError(t, p.TryLocalize())
		assert.Equal(t, component.StatusLocal, p.Status())
	})
}

func TestDelegatedPropertyFollowsAuthority(t *testing.T) {
	t.Parallel()
	mutator := component.NewMutator(func(uint8) {})
	for _, tt := range []struct {
		status    wire.EntityAuthStatus
		canMutate bool
		canWrite  bool
	}{
		{wire.AuthAvailable, false, false},
		{wire.AuthRequested, true, false},
		{wire.AuthGranted, true, true},
		{wire.AuthReleasing, true, true},
		{wire.AuthDenied, false, false},
	} {
		p := component.NewHostProperty(component.UintCodec(7), 1, 0)
		p.SetMutator(mutator)
		require.NoError(t, p.TryEnableDelegation(fixedAuth{tt.status}, 0, mutator))

		setErr := p.TrySet(2)
		writeErr := p.TryWrite(bitio.NewWriter(256))
		if tt.canMutate {
			assert.NoError(t, setErr, tt.status.String())
		} else {
			assert.ErrorIs(t, setErr, component.ErrPropertyNotMutable, tt.status.String())
		}
		if tt.canWrite {
			assert.NoError(t, writeErr, tt.status.String())
		} else {
			assert.ErrorIs(t, writeErr, component.ErrPropertyNotWritable, tt.status.String())
		}
	}
}

func remoteProperty(t *testing.T, value uint64) *component.Property[uint64] {
	t.Helper()
	w := bitio.NewWriter(64)
	bitio.WriteUnsignedVariable(w, value, 7)
	p, err := component.NewReadProperty(component.UintCodec(7), bitio.NewReader(w.Bytes()))
	require.NoError(t, err)
	return p
}

func TestDiffMaskOperations(t *testing.T) {
	t.Parallel()
	m := component.NewDiffMask(10)
	m.SetBit(0)
	m.SetBit(9)
	assert.True(t, m.Bit(0))
	assert.True(t, m.Bit(9))
	assert.False(t, m.Bit(5))
	assert.False(t, m.IsClear())

	other := m.Copy()
	m.Nand(other)
	assert.True(t, m.IsClear())

	m.Or(other)
	assert.True(t, m.Bit(0))
	assert.True(t, m.Bit(9))

	w := bitio.NewWriter(64)
	m.Ser(w)
	round, err := component.DeDiffMask(bitio.NewReader(w.Bytes()), 10)
	require.NoError(t, err)
	assert.Equal(t, m.String(), round.String())
}

func TestEntityPropertyWaitsOnUnresolvedReference(t *testing.T) {
	t.Parallel()
	m := entity.NewLocalEntityMap()

	// Sender writes a host reference; receiver sees remote id 3, unmapped.
	w := bitio.NewWriter(64)
	w.WriteBit(true)
	entity.OwnedHost(entity.HostEntity(3)).Ser(w)

	p, err := component.NewReadEntityProperty(m, bitio.NewReader(w.Bytes()))
	require.NoError(t, err)
	assert.True(t, p.IsWaiting())
	waitingOn, ok := p.WaitingEntity()
	require.True(t, ok)
	assert.Equal(t, entity.RemoteEntity(3), waitingOn)

	// Once the mapping lands, the reference resolves.
	global := entity.NewGlobalEntity(77)
	require.NoError(t, m.InsertWithRemoteEntity(global, entity.RemoteEntity(3)))
	assert.True(t, p.Resolve(m))
	got, ok := p.Get()
	require.True(t, ok)
	assert.Equal(t, global, got)
}

func TestComponentRegistryNetIDRoundTrip(t *testing.T) {
	t.Parallel()
	reg := component.NewRegistry()
	kindA := component.KindOf("Position")
	kindB := component.KindOf("Velocity")
	require.NoError(t, reg.Register(component.Descriptor{Kind: kindA, Name: "Position", FieldCount: 2}))
	require.NoError(t, reg.Register(component.Descriptor{Kind: kindB, Name: "Velocity", FieldCount: 2}))
	assert.ErrorIs(t, reg.Register(component.Descriptor{Kind: kindA}), component.ErrKindAlreadyRegistered)

	w := bitio.NewWriter(64)
	require.NoError(t, reg.WriteKind(w, kindB))
	got, err := reg.ReadKind(bitio.NewReader(w.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, kindB, got)
}
