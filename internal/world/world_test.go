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

package world_test

import (
	"testing"
	"time"

	"github.com/AngelOnFira/naia-sub000/internal/bitio"
	"github.com/AngelOnFira/naia-sub000/internal/component"
	"github.com/AngelOnFira/naia-sub000/internal/entity"
	"github.com/AngelOnFira/naia-sub000/internal/wire"
	"github.com/AngelOnFira/naia-sub000/internal/world"
	"github.com/AngelOnFira/naia-sub000/internal/worldsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	posKind = component.KindOf("Position")
	velKind = component.KindOf("Velocity")
)

// position is a two-field test component.
type position struct {
	x, y    int64
	mutator *component.Mutator
}

func (p *position) Kind() component.Kind { return posKind }
func (p *position) FieldCount() uint8    { return 2 }

func (p *position) Write(_ entity.Converter, w bitio.BitWrite) {
	bitio.WriteSignedVariable(w, p.x, 7)
	bitio.WriteSignedVariable(w, p.y, 7)
}

func (p *position) WriteUpdate(mask *component.DiffMask, _ entity.Converter, w bitio.BitWrite) {
	if mask.Bit(0) {
		bitio.WriteSignedVariable(w, p.x, 7)
	}
	if mask.Bit(1) {
		bitio.WriteSignedVariable(w, p.y, 7)
	}
}

func (p *position) ReadUpdate(mask *component.DiffMask, _ entity.Converter, r *bitio.Reader) error {
	var err error
	if mask.Bit(0) {
		if p.x, err = bitio.ReadSignedVariable(r, 7); err != nil {
			return err
		}
	}
	if mask.Bit(1) {
		if p.y, err = bitio.ReadSignedVariable(r, 7); err != nil {
			return err
		}
	}
	return nil
}

func (p *position) SetMutator(m *component.Mutator)            { p.mutator = m.Clone() }
func (p *position) WaitingEntities() []entity.RemoteEntity     { return nil }
func (p *position) ResolveWaitingEntities(_ entity.Converter)  {}

func readPosition(conv entity.Converter, r *bitio.Reader) (component.Replicate, error) {
	p := &position{}
	var err error
	if p.x, err = bitio.ReadSignedVariable(r, 7); err != nil {
		return nil, err
	}
	if p.y, err = bitio.ReadSignedVariable(r, 7); err != nil {
		return nil, err
	}
	return p, nil
}

func testRegistry(t *testing.T) *component.Registry {
	t.Helper()
	reg := component.NewRegistry()
	require.NoError(t, reg.Register(component.Descriptor{Kind: posKind, Name: "Position", FieldCount: 2, ReadCreate: readPosition}))
	require.NoError(t, reg.Register(component.Descriptor{Kind: velKind, Name: "Velocity", FieldCount: 2, ReadCreate: readPosition}))
	return reg
}

func newManager(t *testing.T, hostType wire.HostType) *world.LocalWorldManager {
	t.Helper()
	var next uint64 = 1000
	return world.NewLocalWorldManager(hostType, testRegistry(t), func() entity.GlobalEntity {
		next++
		return entity.NewGlobalEntity(next)
	})
}

func TestAuthHandlerRegistration(t *testing.T) {
	t.Parallel()
	h := world.NewAuthHandler()
	global := entity.NewGlobalEntity(1)

	_, err := h.TryGetAccessor(global)
	assert.ErrorIs(t, err, world.ErrEntityNotRegistered)
	assert.ErrorIs(t, h.TrySetAuthStatus(global, wire.AuthGranted, nil), world.ErrEntityNotRegistered)

	require.NoError(t, h.TryRegisterEntity(global))
	assert.ErrorIs(t, h.TryRegisterEntity(global), world.ErrEntityAlreadyRegistered)

	accessor, err := h.TryGetAccessor(global)
	require.NoError(t, err)
	assert.Equal(t, wire.AuthAvailable, accessor.AuthStatus())

	// Mutating through one accessor is visible through another.
	other, err := h.TryGetAccessor(global)
	require.NoError(t, err)
	require.NoError(t, accessor.TrySetAuthStatus(wire.AuthGranted))
	assert.Equal(t, wire.AuthGranted, other.AuthStatus())
}

func TestGlobalManagerRefCountedDestroy(t *testing.T) {
	t.Parallel()
	g := world.NewGlobalWorldManager()
	global := g.GenerateEntity(world.OwnerServer, 0)
	require.True(t, g.HasEntity(global))

	g.AddRef(global)
	assert.ErrorIs(t, g.TryDestroyEntity(global), world.ErrEntityStillReferenced)
	g.ReleaseRef(global)
	assert.False(t, g.HasEntity(global), "last release destroys the entity")
}

func TestHostManagerDiffMaskLifecycle(t *testing.T) {
	t.Parallel()
	lm := newManager(t, wire.HostServer)
	global := entity.NewGlobalEntity(1)

	require.NoError(t, lm.SpawnEntity(global))
	mutator, err := lm.InsertComponent(global, posKind)
	require.NoError(t, err)

	// No dirty fields yet.
	assert.Empty(t, lm.Host().PendingUpdates())

	mutator.Mutate(0)
	updates := lm.Host().PendingUpdates()
	require.Len(t, updates, 1)
	assert.True(t, updates[0].Mask.Bit(0))
	assert.False(t, updates[0].Mask.Bit(1))

	// Committing the written mask clears the live one.
	lm.Host().CommitUpdate(global, posKind, updates[0].Mask)
	assert.Empty(t, lm.Host().PendingUpdates())

	// A lost packet's mask is reinstated.
	lm.Host().ReinstateUpdate(global, posKind, updates[0].Mask)
	require.Len(t, lm.Host().PendingUpdates(), 1)
}

func TestCommandRecordLifecycle(t *testing.T) {
	t.Parallel()
	lm := newManager(t, wire.HostServer)
	global := entity.NewGlobalEntity(1)

	require.NoError(t, lm.SpawnEntity(global))
	_, err := lm.InsertComponent(global, posKind)
	require.NoError(t, err)

	lm.CollectOutgoingCommands()
	pending := lm.PendingCommands()
	require.Len(t, pending, 2) // spawn + insert

	now := time.Now()
	ids := []wire.CommandID{pending[0].ID, pending[1].ID}
	lm.MarkCommandsSent(7, ids, now)
	assert.Empty(t, lm.PendingCommands())

	// A dropped packet requeues its commands in id order.
	lm.NotifyPacketDropped(7)
	requeued := lm.PendingCommands()
	require.Len(t, requeued, 2)
	assert.True(t, wire.SequenceLessThan(requeued[0].ID, requeued[1].ID))

	// Delivery retires the record for good.
	lm.MarkCommandsSent(8, ids, now)
	lm.NotifyPacketDelivered(8)
	lm.NotifyPacketDropped(8)
	assert.Empty(t, lm.PendingCommands())
}

func TestCommandRecordTTLRequeues(t *testing.T) {
	t.Parallel()
	lm := newManager(t, wire.HostServer)
	global := entity.NewGlobalEntity(1)
	require.NoError(t, lm.SpawnEntity(global))

	lm.CollectOutgoingCommands()
	pending := lm.PendingCommands()
	require.Len(t, pending, 1)

	now := time.Now()
	lm.MarkCommandsSent(3, []wire.CommandID{pending[0].ID}, now)
	lm.CleanupRecords(now.Add(time.Second))
	assert.Empty(t, lm.PendingCommands(), "record survives inside the TTL")

	lm.CleanupRecords(now.Add(2 * world.DefaultCommandRecordTTL))
	assert.Len(t, lm.PendingCommands(), 1, "expired record requeues its commands")
}

func TestRemoteSpawnInsertFlow(t *testing.T) {
	t.Parallel()
	lm := newManager(t, wire.HostClient)
	remote := entity.RemoteEntity(4)

	lm.ProcessIncomingCommand(1, worldsync.Message[entity.RemoteEntity]{Type: worldsync.TypeSpawn, Entity: remote})
	lm.ProcessIncomingCommand(2, worldsync.Message[entity.RemoteEntity]{
		Type:      worldsync.TypeInsertComponent,
		Entity:    remote,
		Component: posKind,
		Payload:   &position{x: 10, y: 20},
	})

	events := lm.TakeEvents()
	require.Len(t, events, 2)
	assert.Equal(t, world.EventSpawnEntity, events[0].Type)
	assert.Equal(t, world.EventInsertComponent, events[1].Type)
	pos := events[1].Payload.(*position)
	assert.Equal(t, int64(10), pos.x)
	assert.Equal(t, int64(20), pos.y)

	global := events[0].Entity
	mapped, err := lm.EntityMap().GlobalFromRemote(remote)
	require.NoError(t, err)
	assert.Equal(t, global, mapped)
}

// S5/P6: migration preserves the component set exactly, applies buffered
// operations, duplicates no events, and leaves no remote entry in the map.
func TestMigrationRemoteToHost(t *testing.T) {
	t.Parallel()
	lm := newManager(t, wire.HostServer)
	remote := entity.RemoteEntity(9)

	lm.ProcessIncomingCommand(1, worldsync.Message[entity.RemoteEntity]{Type: worldsync.TypeSpawn, Entity: remote})
	lm.ProcessIncomingCommand(2, worldsync.Message[entity.RemoteEntity]{
		Type: worldsync.TypeInsertComponent, Entity: remote, Component: posKind, Payload: &position{x: 1}})
	// A stray respawn blocks the head of the entity buffer, so the vel
	// insert behind it is still unemitted when migration runs.
	lm.ProcessIncomingCommand(5, worldsync.Message[entity.RemoteEntity]{Type: worldsync.TypeSpawn, Entity: remote})
	lm.ProcessIncomingCommand(6, worldsync.Message[entity.RemoteEntity]{
		Type: worldsync.TypeInsertComponent, Entity: remote, Component: velKind, Payload: &position{x: 2}})

	preEvents := lm.TakeEvents()
	require.Len(t, preEvents, 2) // spawn + pos insert only
	global := preEvents[0].Entity

	newHost, err := lm.MigrateEntityRemoteToHost(global)
	require.NoError(t, err)

	// (a) host-owned with components {Pos, Vel}
	hostChannel, ok := lm.Host().Channel(global)
	require.True(t, ok)
	assert.ElementsMatch(t, []component.Kind{posKind, velKind}, hostChannel.ComponentKinds())
	assert.True(t, lm.EntityMap().IsHostOwned(global))

	// (b) the buffered vel insert surfaced exactly once, and the stray
	// respawn produced no duplicate spawn event
	postEvents := lm.TakeEvents()
	var velInserts, spawns int
	for _, ev := range postEvents {
		switch {
		case ev.Type == world.EventInsertComponent && ev.Component == velKind:
			velInserts++
		case ev.Type == world.EventSpawnEntity:
			spawns++
		}
	}
	assert.Equal(t, 1, velInserts)
	assert.Zero(t, spawns)

	// (c) no RemoteEntity entry remains; in-flight references redirect
	assert.False(t, lm.EntityMap().HasRemoteEntity(remote))
	resolved, err := lm.EntityMap().GlobalFromOwned(entity.OwnedRemote(remote))
	require.NoError(t, err)
	assert.Equal(t, global, resolved)

	gotHost, err := lm.EntityMap().HostEntityFromGlobal(global)
	require.NoError(t, err)
	assert.Equal(t, newHost, gotHost)
}

func TestMigrationValidationDoesNotMutate(t *testing.T) {
	t.Parallel()
	lm := newManager(t, wire.HostServer)
	global := entity.NewGlobalEntity(5)

	_, err := lm.MigrateEntityRemoteToHost(global)
	assert.ErrorIs(t, err, world.ErrMigrateUnknownEntity)

	// A host-owned entity refuses migration and stays mapped.
	require.NoError(t, lm.SpawnEntity(global))
	_, err = lm.MigrateEntityRemoteToHost(global)
	assert.ErrorIs(t, err, world.ErrMigrateNotRemote)
	assert.True(t, lm.EntityMap().IsHostOwned(global))
}
