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
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/AngelOnFira/naia-sub000/internal/bitio"
	"github.com/AngelOnFira/naia-sub000/internal/channels"
	"github.com/AngelOnFira/naia-sub000/internal/client"
	"github.com/AngelOnFira/naia-sub000/internal/component"
	"github.com/AngelOnFira/naia-sub000/internal/entity"
	"github.com/AngelOnFira/naia-sub000/internal/messages"
	"github.com/AngelOnFira/naia-sub000/internal/protocol"
	"github.com/AngelOnFira/naia-sub000/internal/server"
	"github.com/AngelOnFira/naia-sub000/internal/transport"
	"github.com/AngelOnFira/naia-sub000/internal/wire"
	"github.com/AngelOnFira/naia-sub000/internal/world"
	"github.com/AngelOnFira/naia-sub000/internal/worldsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback wires a ServerSocket and ClientSocket directly together.
type loopbackServer struct {
	packets chan transport.Packet
	auth    chan transport.AuthRequest
	peer    *loopbackClient
}

type loopbackClient struct {
	packets  chan []byte
	identity chan transport.IdentityResult
	peer     *loopbackServer
	addr     netip.AddrPort
}

func newLoopback(addr netip.AddrPort) (*loopbackServer, *loopbackClient) {
	s := &loopbackServer{
		packets: make(chan transport.Packet, 1024),
		auth:    make(chan transport.AuthRequest, 8),
	}
	c := &loopbackClient{
		packets:  make(chan []byte, 1024),
		identity: make(chan transport.IdentityResult, 1),
		addr:     addr,
	}
	s.peer = c
	c.peer = s
	return s, c
}

func (s *loopbackServer) Listen(context.Context) error       { return nil }
func (s *loopbackServer) Packets() <-chan transport.Packet   { return s.packets }
func (s *loopbackServer) Auth() <-chan transport.AuthRequest { return s.auth }
func (s *loopbackServer) Close() error                       { return nil }

func (s *loopbackServer) Send(_ netip.AddrPort, data []byte) error {
	s.peer.packets <- append([]byte(nil), data...)
	return nil
}

func (c *loopbackClient) Connect(context.Context) error { return nil }
func (c *loopbackClient) Packets() <-chan []byte        { return c.packets }
func (c *loopbackClient) Close() error                  { return nil }

func (c *loopbackClient) Identity() <-chan transport.IdentityResult { return c.identity }

func (c *loopbackClient) SendAuth(payload []byte, _ map[string]string) error {
	c.peer.auth <- transport.AuthRequest{
		Addr:    c.addr,
		Payload: payload,
		Accept:  func(token string) { c.identity <- transport.IdentityResult{Token: token} },
		Reject:  func() { c.identity <- transport.IdentityResult{Rejected: true} },
	}
	return nil
}

func (c *loopbackClient) Send(data []byte) error {
	c.peer.packets <- transport.Packet{Addr: c.addr, Data: append([]byte(nil), data...)}
	return nil
}

// --- protocol fixtures ---

const (
	chatChannel  channels.Kind = 1
	inputChannel channels.Kind = 2
)

var chatKind = messages.KindOf("Chat")

type chat struct{ Body string }

func (c *chat) MessageKind() messages.Kind { return chatKind }

func (c *chat) Write(w bitio.BitWrite) {
	bitio.WriteUnsignedVariable(w, uint64(len(c.Body)), 9)
	bitio.WriteBytes(w, []byte(c.Body))
}

func readChat(r *bitio.Reader) (messages.Message, error) {
	length, err := bitio.ReadUnsignedVariable(r, 9)
	if err != nil {
		return nil, err
	}
	if length > uint64(r.BitsRemaining()/8) {
		return nil, bitio.ErrExhausted
	}
	body, err := bitio.ReadBytes(r, int(length))
	if err != nil {
		return nil, err
	}
	return &chat{Body: string(body)}, nil
}

var markerKind = component.KindOf("Marker")

type marker struct {
	value   uint64
	mutator *component.Mutator
}

func (m *marker) Kind() component.Kind { return markerKind }
func (m *marker) FieldCount() uint8    { return 1 }

func (m *marker) Write(_ entity.Converter, w bitio.BitWrite) {
	bitio.WriteUnsignedVariable(w, m.value, 7)
}

func (m *marker) WriteUpdate(mask *component.DiffMask, _ entity.Converter, w bitio.BitWrite) {
	if mask.Bit(0) {
		bitio.WriteUnsignedVariable(w, m.value, 7)
	}
}

func (m *marker) ReadUpdate(mask *component.DiffMask, _ entity.Converter, r *bitio.Reader) error {
	if mask.Bit(0) {
		var err error
		if m.value, err = bitio.ReadUnsignedVariable(r, 7); err != nil {
			return err
		}
	}
	return nil
}

func (m *marker) SetMutator(mu *component.Mutator)          { m.mutator = mu.Clone() }
func (m *marker) WaitingEntities() []entity.RemoteEntity    { return nil }
func (m *marker) ResolveWaitingEntities(entity.Converter)   {}

func readMarker(_ entity.Converter, r *bitio.Reader) (component.Replicate, error) {
	value, err := bitio.ReadUnsignedVariable(r, 7)
	if err != nil {
		return nil, err
	}
	return &marker{value: value}, nil
}

func testProtocol(t *testing.T) *protocol.Protocol {
	t.Helper()
	p := protocol.New()
	require.NoError(t, p.AddChannel(chatChannel, channels.Settings{Mode: channels.OrderedReliable, Direction: channels.Bidirectional}))
	require.NoError(t, p.AddChannel(inputChannel, channels.Settings{Mode: channels.TickBuffered, Direction: channels.ClientToServer}))
	require.NoError(t, p.AddMessage(messages.Descriptor{Kind: chatKind, Name: "Chat", Read: readChat}))
	require.NoError(t, p.AddComponent(component.Descriptor{Kind: markerKind, Name: "Marker", FieldCount: 1, ReadCreate: readMarker}))
	return p
}

type harness struct {
	srv         *server.Server
	cli         *client.Client
	serverWorld *world.MemoryWorld
	clientWorld *world.MemoryWorld
	now         time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	addr := netip.MustParseAddrPort("127.0.0.1:26800")
	serverSock, clientSock := newLoopback(addr)

	srv := server.NewServer(testProtocol(t))
	require.NoError(t, srv.Listen(context.Background(), serverSock))

	cli := client.NewClient(testProtocol(t))
	require.NoError(t, cli.Connect(context.Background(), clientSock, []byte("token"), nil))

	return &harness{
		srv:         srv,
		cli:         cli,
		serverWorld: world.NewMemoryWorld(),
		clientWorld: world.NewMemoryWorld(),
		now:         time.Now(),
	}
}

// step drives both loops a few times so in-flight packets settle.
func (h *harness) step(t *testing.T) (serverEvents []server.Event, clientEvents []client.Event) {
	t.Helper()
	for i := 0; i < 6; i++ {
		h.now = h.now.Add(time.Millisecond)
		h.srv.ProcessPackets(h.now, h.serverWorld)
		h.cli.ProcessPackets(h.now, h.clientWorld)
		serverEvents = append(serverEvents, h.drainServerEvents(t)...)
		clientEvents = append(clientEvents, h.drainClientEvents(t)...)
		h.srv.SendAll(h.now, h.serverWorld)
		h.cli.Send(h.now, h.clientWorld)
	}
	return serverEvents, clientEvents
}

func (h *harness) drainServerEvents(t *testing.T) []server.Event {
	t.Helper()
	events := h.srv.TakeEvents()
	for _, event := range events {
		switch event.Type {
		case server.EventAuth:
			event.Auth.Accept("user-token")
		case server.EventWorld:
			applyWorldEvent(t, h.serverWorld, event.World)
		}
	}
	return events
}

func (h *harness) drainClientEvents(t *testing.T) []client.Event {
	t.Helper()
	events := h.cli.TakeEvents()
	for _, event := range events {
		if event.Type == client.EventWorld {
			applyWorldEvent(t, h.clientWorld, event.World)
		}
	}
	return events
}

func applyWorldEvent(t *testing.T, store *world.MemoryWorld, event world.Event) {
	t.Helper()
	switch event.Type {
	case world.EventSpawnEntity:
		require.NoError(t, store.SpawnEntity(event.Entity))
	case world.EventDespawnEntity:
		_ = store.DespawnEntity(event.Entity)
	case world.EventInsertComponent:
		if event.Payload != nil {
			require.NoError(t, store.InsertComponent(event.Entity, event.Payload))
		}
	case world.EventRemoveComponent:
		_ = store.RemoveComponent(event.Entity, event.Component)
	}
}

func (h *harness) connect(t *testing.T) world.UserKey {
	t.Helper()
	var userKey world.UserKey
	for i := 0; i < 10 && !h.cli.IsConnected(); i++ {
		serverEvents, _ := h.step(t)
		for _, event := range serverEvents {
			if event.Type == server.EventConnect {
				userKey = event.User
			}
		}
	}
	require.True(t, h.cli.IsConnected(), "handshake did not complete")
	require.NotZero(t, userKey)
	return userKey
}

func TestHandshakeAndConnectEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	userKey := h.connect(t)
	assert.Contains(t, h.srv.UserKeys(), userKey)
}

func TestChatMessageBothWays(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	userKey := h.connect(t)

	require.NoError(t, h.cli.SendMessage(chatChannel, &chat{Body: "hello server"}))
	require.NoError(t, h.srv.SendMessage(userKey, chatChannel, &chat{Body: "hello client"}))

	serverEvents, clientEvents := h.step(t)

	var serverGot, clientGot string
	for _, event := range serverEvents {
		if event.Type == server.EventMessage {
			serverGot = event.Message.(*chat).Body
		}
	}
	for _, event := range clientEvents {
		if event.Type == client.EventMessage {
			clientGot = event.Message.(*chat).Body
		}
	}
	assert.Equal(t, "hello server", serverGot)
	assert.Equal(t, "hello client", clientGot)
}

func TestEntityReplicationThroughRoomScope(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	userKey := h.connect(t)

	lobby := h.srv.MakeRoom()
	require.NoError(t, h.srv.RoomAddUser(lobby, userKey))

	global := h.srv.SpawnEntity()
	require.NoError(t, h.serverWorld.SpawnEntity(global))
	m := &marker{value: 7}
	require.NoError(t, h.serverWorld.InsertComponent(global, m))
	require.NoError(t, h.srv.RoomAddEntity(lobby, global))

	_, clientEvents := h.step(t)

	var sawSpawn, sawInsert bool
	for _, event := range clientEvents {
		if event.Type != client.EventWorld {
			continue
		}
		switch event.World.Type {
		case world.EventSpawnEntity:
			sawSpawn = true
		case world.EventInsertComponent:
			sawInsert = true
			assert.Equal(t, uint64(7), event.World.Payload.(*marker).value)
		}
	}
	assert.True(t, sawSpawn, "client never saw the spawn")
	assert.True(t, sawInsert, "client never saw the insert")

	// A scope override hides the entity again.
	h.srv.SetScopeOverride(userKey, global, false)
	_, clientEvents = h.step(t)
	var sawDespawn bool
	for _, event := range clientEvents {
		if event.Type == client.EventWorld && event.World.Type == world.EventDespawnEntity {
			sawDespawn = true
		}
	}
	assert.True(t, sawDespawn, "scope override did not despawn")
}

// S4 at the endpoint level: delegation, grant, release, duplicate release.
func TestAuthorityGrantAndRelease(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	userKey := h.connect(t)

	lobby := h.srv.MakeRoom()
	require.NoError(t, h.srv.RoomAddUser(lobby, userKey))

	global := h.srv.SpawnEntity()
	require.NoError(t, h.serverWorld.SpawnEntity(global))
	require.NoError(t, h.serverWorld.InsertComponent(global, &marker{value: 1}))
	require.NoError(t, h.srv.RoomAddEntity(lobby, global))
	h.step(t)

	require.NoError(t, h.srv.ConfigureReplication(global, worldsync.ModeDelegated))
	_, clientEvents := h.step(t)

	var clientGlobal entity.GlobalEntity
	var delegated bool
	for _, event := range clientEvents {
		if event.Type == client.EventWorld && event.World.Type == world.EventDelegateEntity {
			delegated = true
			clientGlobal = event.World.Entity
		}
	}
	require.True(t, delegated, "client never observed delegation")

	// Client requests authority; server sees the request event.
	require.NoError(t, h.cli.RequestAuthority(clientGlobal))
	serverEvents, _ := h.step(t)
	var requested bool
	for _, event := range serverEvents {
		if event.Type == server.EventWorld && event.World.Type == world.EventRequestAuthority {
			requested = true
			require.NoError(t, h.srv.GrantAuthority(event.World.Entity, event.User))
		}
	}
	require.True(t, requested, "server never saw the authority request")

	h.step(t)
	status, ok := h.cli.AuthStatus(clientGlobal)
	require.True(t, ok)
	assert.Equal(t, wire.AuthGranted, status)

	// Release: the server observes Granted → Available and an AuthReset.
	require.NoError(t, h.cli.ReleaseAuthority(clientGlobal))
	serverEvents, _ = h.step(t)
	var sawReset bool
	for _, event := range serverEvents {
		if event.Type == server.EventWorld && event.World.Type == world.EventAuthReset {
			sawReset = true
			require.NoError(t, h.srv.ResetAuthority(event.World.Entity))
		}
	}
	assert.True(t, sawReset, "server never saw the auth reset")

	// A duplicate release is a no-op.
	err := h.cli.ReleaseAuthority(clientGlobal)
	assert.Error(t, err, "release without authority must be refused locally")
}
