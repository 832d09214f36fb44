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

package worldsync_test

import (
	"testing"
	"time"

	"github.com/AngelOnFira/naia-sub000/internal/component"
	"github.com/AngelOnFira/naia-sub000/internal/entity"
	"github.com/AngelOnFira/naia-sub000/internal/wire"
	"github.com/AngelOnFira/naia-sub000/internal/worldsync"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type msg = worldsync.Message[entity.RemoteEntity]

func spawn(e entity.RemoteEntity) msg {
	return msg{Type: worldsync.TypeSpawn, Entity: e}
}

func despawn(e entity.RemoteEntity) msg {
	return msg{Type: worldsync.TypeDespawn, Entity: e}
}

func insert(e entity.RemoteEntity, kind component.Kind) msg {
	return msg{Type: worldsync.TypeInsertComponent, Entity: e, Component: kind}
}

func remove(e entity.RemoteEntity, kind component.Kind) msg {
	return msg{Type: worldsync.TypeRemoveComponent, Entity: e, Component: kind}
}

func checkEmitted(t *testing.T, engine *worldsync.ReceiverEngine[entity.RemoteEntity], want []msg) {
	t.Helper()
	got := engine.ReceiveMessages()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("emitted messages mismatch (-want +got):\n%s", diff)
	}
}

func TestEngineBasic(t *testing.T) {
	t.Parallel()
	engine := worldsync.NewReceiverEngine[entity.RemoteEntity](wire.HostClient)
	e := entity.RemoteEntity(1)
	comp := component.KindOf("Pos")

	engine.AcceptMessage(1, spawn(e))
	engine.AcceptMessage(2, insert(e, comp))
	engine.AcceptMessage(3, remove(e, comp))
	engine.AcceptMessage(4, despawn(e))

	checkEmitted(t, engine, []msg{spawn(e), insert(e, comp), remove(e, comp), despawn(e)})
}

// S2: an update-bearing packet arriving before the spawn packet emits
// nothing until the spawn lands, then everything in causal order.
func TestEngineReordersAcrossLoss(t *testing.T) {
	t.Parallel()
	engine := worldsync.NewReceiverEngine[entity.RemoteEntity](wire.HostClient)
	e := entity.RemoteEntity(1)
	comp := component.KindOf("Pos")

	engine.AcceptMessage(2, insert(e, comp))
	checkEmitted(t, engine, nil)

	engine.AcceptMessage(1, spawn(e))
	checkEmitted(t, engine, []msg{spawn(e), insert(e, comp)})
}

func TestEngineEntityChannelsDoNotBlock(t *testing.T) {
	t.Parallel()
	engine := worldsync.NewReceiverEngine[entity.RemoteEntity](wire.HostClient)
	a, b, c := entity.RemoteEntity(1), entity.RemoteEntity(2), entity.RemoteEntity(3)

	engine.AcceptMessage(3, spawn(a))
	engine.AcceptMessage(2, spawn(b))
	engine.AcceptMessage(1, spawn(c))

	checkEmitted(t, engine, []msg{spawn(a), spawn(b), spawn(c)})
}

func TestEngineComponentChannelsDoNotBlock(t *testing.T) {
	t.Parallel()
	engine := worldsync.NewReceiverEngine[entity.RemoteEntity](wire.HostClient)
	e := entity.RemoteEntity(1)
	compA := component.KindOf("A")
	compB := component.KindOf("B")
	compC := component.KindOf("C")

	engine.AcceptMessage(1, spawn(e))
	engine.AcceptMessage(4, insert(e, compA))
	engine.AcceptMessage(3, insert(e, compB))
	engine.AcceptMessage(2, insert(e, compC))

	checkEmitted(t, engine, []msg{spawn(e), insert(e, compA), insert(e, compB), insert(e, compC)})
}

func TestEngineWrapOrdering(t *testing.T) {
	t.Parallel()
	engine := worldsync.NewReceiverEngine[entity.RemoteEntity](wire.HostClient)
	e := entity.RemoteEntity(1)
	comp := component.KindOf("Pos")

	engine.AcceptMessage(65534, spawn(e))
	engine.AcceptMessage(0, insert(e, comp))

	checkEmitted(t, engine, []msg{spawn(e), insert(e, comp)})
}

func TestEngineGuardBandDropsStragglers(t *testing.T) {
	t.Parallel()
	engine := worldsync.NewReceiverEngine[entity.RemoteEntity](wire.HostClient)
	e := entity.RemoteEntity(1)
	comp := component.KindOf("Pos")
	threshold := engine.Config().FlushThreshold

	engine.AcceptMessage(10, spawn(e))
	checkEmitted(t, engine, []msg{spawn(e)})

	// An id beyond the in-flight window from the epoch is dropped.
	engine.AcceptMessage(wire.MessageIndex(10+uint16(threshold)+1), insert(e, comp))
	checkEmitted(t, engine, nil)
	assert.Equal(t, uint64(1), engine.DroppedStragglers())

	// An id within the window is fine.
	engine.AcceptMessage(11, insert(e, comp))
	checkEmitted(t, engine, []msg{insert(e, comp)})
}

func TestEngineNoopSafe(t *testing.T) {
	t.Parallel()
	engine := worldsync.NewReceiverEngine[entity.RemoteEntity](wire.HostClient)
	engine.AcceptMessage(10, msg{Type: worldsync.TypeNoop})
	checkEmitted(t, engine, nil)
	assert.Zero(t, engine.Len())
}

func TestEngineStaleCommandsBeforeEpochDropped(t *testing.T) {
	t.Parallel()
	engine := worldsync.NewReceiverEngine[entity.RemoteEntity](wire.HostClient)
	e := entity.RemoteEntity(1)
	comp := component.KindOf("Pos")

	engine.AcceptMessage(5, spawn(e))
	engine.AcceptMessage(6, despawn(e))
	checkEmitted(t, engine, []msg{spawn(e), despawn(e)})

	// Anything at or before the despawn epoch predates this life of the
	// entity.
	engine.AcceptMessage(4, insert(e, comp))
	checkEmitted(t, engine, nil)
}

func TestEngineDespawnClearsBufferedCommands(t *testing.T) {
	t.Parallel()
	engine := worldsync.NewReceiverEngine[entity.RemoteEntity](wire.HostClient)
	e := entity.RemoteEntity(1)
	comp := component.KindOf("Pos")

	engine.AcceptMessage(1, spawn(e))
	engine.AcceptMessage(2, insert(e, comp))
	// A respawn arrives ahead of the despawn; applying the despawn adopts
	// its epoch and clears the whole buffer, dropping the early respawn.
	engine.AcceptMessage(4, spawn(e))
	engine.AcceptMessage(3, despawn(e))

	checkEmitted(t, engine, []msg{spawn(e), insert(e, comp), despawn(e)})

	// A fresh spawn after the despawn epoch starts a new life normally.
	engine.AcceptMessage(6, spawn(e))
	checkEmitted(t, engine, []msg{spawn(e)})
}

func TestEngineDuplicateInsertOnlyEmittedOnce(t *testing.T) {
	t.Parallel()
	engine := worldsync.NewReceiverEngine[entity.RemoteEntity](wire.HostClient)
	e := entity.RemoteEntity(1)
	comp := component.KindOf("Pos")

	engine.AcceptMessage(1, spawn(e))
	engine.AcceptMessage(2, insert(e, comp))
	engine.AcceptMessage(3, insert(e, comp))
	engine.AcceptMessage(4, remove(e, comp))

	// The duplicated insert is absorbed; only the first transition per
	// direction is emitted.
	checkEmitted(t, engine, []msg{spawn(e), insert(e, comp), remove(e, comp)})
}

func TestEngineChannelTTLCleanup(t *testing.T) {
	t.Parallel()
	engine := worldsync.NewReceiverEngineWithConfig[entity.RemoteEntity](wire.HostClient, worldsync.Config{
		FlushThreshold: 8192,
		ChannelTTL:     time.Minute,
	})
	e := entity.RemoteEntity(1)

	engine.AcceptMessage(1, spawn(e))
	engine.AcceptMessage(2, despawn(e))
	engine.ReceiveMessages()
	require.Equal(t, 1, engine.Len())

	start := time.Now()
	engine.Cleanup(start)
	assert.Equal(t, 1, engine.Len(), "channel survives inside the TTL grace period")
	engine.Cleanup(start.Add(2 * time.Minute))
	assert.Zero(t, engine.Len())
}

func TestEngineDuplicateEpochIDPanics(t *testing.T) {
	t.Parallel()
	engine := worldsync.NewReceiverEngine[entity.RemoteEntity](wire.HostClient)
	e := entity.RemoteEntity(1)

	engine.AcceptMessage(1, spawn(e))
	assert.Panics(t, func() {
		engine.AcceptMessage(1, despawn(e))
	})
}
