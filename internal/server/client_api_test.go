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

package server_test

import (
	"testing"

	"github.com/AngelOnFira/naia-sub000/internal/client"
	"github.com/AngelOnFira/naia-sub000/internal/entity"
	"github.com/AngelOnFira/naia-sub000/internal/protocol"
	"github.com/AngelOnFira/naia-sub000/internal/server"
	"github.com/AngelOnFira/naia-sub000/internal/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Client-authored entity flow: spawn, insert, diff-mask update, remove,
// despawn, all observed through the server's world store.
func TestClientEntityLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t)

	global, err := h.cli.SpawnEntity()
	require.NoError(t, err)
	require.NoError(t, h.clientWorld.SpawnEntity(global))

	m := &marker{value: 7}
	mutator, err := h.cli.InsertComponent(global, markerKind)
	require.NoError(t, err)
	m.SetMutator(mutator)
	require.NoError(t, h.clientWorld.InsertComponent(global, m))

	serverEvents, _ := h.step(t)
	serverGlobal := entity.GlobalEntity(0)
	var sawInsert bool
	for _, event := range serverEvents {
		if event.Type != server.EventWorld {
			continue
		}
		switch event.World.Type {
		case world.EventSpawnEntity:
			serverGlobal = event.World.Entity
		case world.EventInsertComponent:
			sawInsert = true
			assert.Equal(t, uint64(7), event.World.Payload.(*marker).value)
		}
	}
	require.NotZero(t, serverGlobal, "server never saw the spawn")
	require.True(t, sawInsert, "server never saw the insert")

	// Mutate one field; only the dirty field travels and lands in the
	// server's copy.
	m.value = 42
	m.mutator.Mutate(0)
	h.step(t)

	got, ok := h.serverWorld.ComponentOfKind(serverGlobal, markerKind)
	require.True(t, ok)
	assert.Equal(t, uint64(42), got.(*marker).value)

	// Remove the component.
	require.NoError(t, h.cli.RemoveComponent(global, markerKind))
	require.NoError(t, h.clientWorld.RemoveComponent(global, markerKind))
	h.step(t)
	_, ok = h.serverWorld.ComponentOfKind(serverGlobal, markerKind)
	assert.False(t, ok, "server still holds the removed component")

	// Despawn the entity.
	require.NoError(t, h.cli.DespawnEntity(global))
	require.NoError(t, h.clientWorld.DespawnEntity(global))
	h.step(t)
	assert.False(t, h.serverWorld.HasEntity(serverGlobal), "server still holds the despawned entity")
}

func TestClientPublishUnpublishDelegation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t)

	global, err := h.cli.SpawnEntity()
	require.NoError(t, err)
	require.NoError(t, h.clientWorld.SpawnEntity(global))
	_, err = h.cli.InsertComponent(global, markerKind)
	require.NoError(t, err)
	require.NoError(t, h.clientWorld.InsertComponent(global, &marker{value: 1}))
	h.step(t)

	collect := func() map[world.EventType]int {
		counts := make(map[world.EventType]int)
		serverEvents, _ := h.step(t)
		for _, event := range serverEvents {
			if event.Type == server.EventWorld {
				counts[event.World.Type]++
			}
		}
		return counts
	}

	require.NoError(t, h.cli.PublishEntity(global))
	assert.Equal(t, 1, collect()[world.EventPublishEntity], "server never saw the publish")

	require.NoError(t, h.cli.UnpublishEntity(global))
	assert.Equal(t, 1, collect()[world.EventUnpublishEntity], "server never saw the unpublish")

	// Delegation requires the entity be public again.
	assert.Error(t, h.cli.EnableDelegation(global), "delegation of a private entity must be refused")
	require.NoError(t, h.cli.PublishEntity(global))
	require.NoError(t, h.cli.EnableDelegation(global))
	counts := collect()
	assert.Equal(t, 1, counts[world.EventPublishEntity])
	assert.Equal(t, 1, counts[world.EventDelegateEntity], "server never saw the delegation")
}

// Tick-buffered input is held until the server simulates the target tick.
func TestClientTickBufferedInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t)

	require.NoError(t, h.cli.SendTickBuffered(inputChannel, 3, &chat{Body: "jump"}))
	h.step(t) // deliver into the server's tick buffer; releases nothing yet

	var released []string
	var lastTickSeen bool
	for i := 0; i < 5; i++ {
		h.now = h.now.Add(protocol.DefaultTickInterval)
		h.srv.Tick(h.now)
		for _, event := range h.srv.TakeEvents() {
			switch event.Type {
			case server.EventMessage:
				assert.Equal(t, inputChannel, event.Channel)
				released = append(released, event.Message.(*chat).Body)
			case server.EventTick:
				lastTickSeen = true
			}
		}
		if i == 0 {
			// Tick 1 has passed; input for tick 3 must still be held.
			assert.Empty(t, released)
		}
	}
	assert.Equal(t, []string{"jump"}, released)
	assert.True(t, lastTickSeen, "tick events never fired")
}

// Request/response correlation in both directions through the real
// endpoints.
func TestRequestResponseBothWays(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	userKey := h.connect(t)

	// client → server
	requestID, err := h.cli.SendRequest(chatChannel, &chat{Body: "who am i"})
	require.NoError(t, err)
	serverEvents, _ := h.step(t)
	var answered bool
	for _, event := range serverEvents {
		if event.Type == server.EventRequest {
			assert.Equal(t, "who am i", event.Request.Message.(*chat).Body)
			require.NoError(t, h.srv.SendResponse(userKey, event.Request.Key, &chat{Body: "user-1"}))
			answered = true
		}
	}
	require.True(t, answered, "server never saw the request")

	h.step(t)
	response, ok := h.cli.ReceiveResponse(requestID)
	require.True(t, ok, "client never received the response")
	assert.Equal(t, "user-1", response.(*chat).Body)

	// server → client
	serverRequestID, err := h.srv.SendRequest(userKey, chatChannel, &chat{Body: "still there?"})
	require.NoError(t, err)
	_, clientEvents := h.step(t)
	answered = false
	for _, event := range clientEvents {
		if event.Type == client.EventRequest {
			assert.Equal(t, "still there?", event.Request.Message.(*chat).Body)
			require.NoError(t, h.cli.SendResponse(event.Request.Key, &chat{Body: "yes"}))
			answered = true
		}
	}
	require.True(t, answered, "client never saw the request")

	h.step(t)
	response, ok = h.srv.ReceiveResponse(userKey, serverRequestID)
	require.True(t, ok, "server never received the response")
	assert.Equal(t, "yes", response.(*chat).Body)
}

func TestClientAPIRequiresConnection(t *testing.T) {
	t.Parallel()
	cli := client.NewClient(testProtocol(t))

	_, err := cli.SpawnEntity()
	assert.ErrorIs(t, err, client.ErrNotConnected)
	assert.ErrorIs(t, cli.SendTickBuffered(inputChannel, 1, &chat{Body: "x"}), client.ErrNotConnected)
	_, err = cli.SendRequest(chatChannel, &chat{Body: "x"})
	assert.ErrorIs(t, err, client.ErrNotConnected)
}
