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

package client

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/AngelOnFira/naia-sub000/internal/bitio"
	"github.com/AngelOnFira/naia-sub000/internal/channels"
	"github.com/AngelOnFira/naia-sub000/internal/component"
	"github.com/AngelOnFira/naia-sub000/internal/connection"
	"github.com/AngelOnFira/naia-sub000/internal/entity"
	"github.com/AngelOnFira/naia-sub000/internal/messages"
	"github.com/AngelOnFira/naia-sub000/internal/protocol"
	"github.com/AngelOnFira/naia-sub000/internal/transport"
	"github.com/AngelOnFira/naia-sub000/internal/wire"
	"github.com/AngelOnFira/naia-sub000/internal/world"
	"github.com/AngelOnFira/naia-sub000/internal/worldsync"
)

var (
	ErrNotConnected = errors.New("client is not connected")
	ErrAuthRejected = errors.New("server rejected the auth payload")
)

// EventType enumerates client-level events.
type EventType uint8

const (
	EventConnect EventType = iota
	EventDisconnect
	EventReject
	EventMessage
	EventRequest
	EventTick
	EventWorld
)

// Event is one client occurrence for the embedder.
type Event struct {
	Type EventType

	Message messages.Message
	Channel channels.Kind
	Request *messages.ReceivedRequest
	Tick    wire.Tick
	World   world.Event
}

// Client is the replication endpoint for one connection to a server.
type Client struct {
	protocol *protocol.Protocol
	socket   transport.ClientSocket

	handshake *connection.ClientHandshake
	conn      *connection.Connection
	connected bool
	rejected  bool

	nextLocal uint64

	tick     wire.Tick
	lastTick time.Time

	lastHandshakeSend time.Time

	events []Event
}

// NewClient creates a client for the given protocol.
func NewClient(p *protocol.Protocol) *Client {
	return &Client{protocol: p, handshake: connection.NewClientHandshake()}
}

// Connect starts the transport and handshake. authPayload is the opaque
// application credential carried on the auth stream.
func (c *Client) Connect(ctx context.Context, socket transport.ClientSocket, authPayload []byte, authHeaders map[string]string) error {
	if err := socket.Connect(ctx); err != nil {
		return err
	}
	c.socket = socket
	c.lastTick = time.Now()
	if err := socket.SendAuth(authPayload, authHeaders); err != nil {
		return err
	}
	return nil
}

// IsConnected reports whether the handshake completed.
func (c *Client) IsConnected() bool { return c.connected }

// RTT returns the smoothed round-trip estimate.
func (c *Client) RTT() time.Duration {
	if c.conn == nil {
		return 0
	}
	return c.conn.RTT()
}

// ServerTick returns the latest tick observed from the server.
func (c *Client) ServerTick() wire.Tick {
	if c.conn == nil {
		return 0
	}
	return c.conn.RemoteTick()
}

// CurrentTick returns the client's own tick.
func (c *Client) CurrentTick() wire.Tick { return c.tick }

// handshakeResendInterval paces handshake retransmissions.
const handshakeResendInterval = 250 * time.Millisecond

// ProcessPackets drains the socket and advances the handshake or feeds the
// live connection.
func (c *Client) ProcessPackets(now time.Time, worldMut world.Mutator) {
	for {
		if c.socket == nil {
			return
		}
		select {
		case identity := <-c.socket.Identity():
			if identity.Rejected {
				// The server closed the auth stream without a token; surface
				// the rejection and stop. Reconnection is the embedder's call.
				c.rejected = true
				c.events = append(c.events, Event{Type: EventReject})
			}
		case data, ok := <-c.socket.Packets():
			if !ok {
				c.disconnect()
				return
			}
			c.processPacket(now, worldMut, data)
		default:
			c.driveHandshake(now)
			if c.connected && c.conn.TimedOut(now) {
				c.disconnect()
			}
			return
		}
	}
}

func (c *Client) processPacket(now time.Time, worldMut world.Mutator, data []byte) {
	if len(data) == 0 {
		return
	}
	if wire.PacketType(data[0]) == wire.PacketHandshake {
		r := bitio.NewReader(data)
		if _, err := wire.DeHeader(r); err != nil {
			return
		}
		c.handshake.Process(r)
		switch c.handshake.State() {
		case connection.HandshakeConnected:
			if !c.connected {
				c.becomeConnected(now)
			}
		case connection.HandshakeRejected:
			c.disconnect()
		default:
			// The server's answer advanced us a step; send the next
			// message right away rather than waiting out the resend timer.
			c.sendHandshakeNow(now)
		}
		return
	}
	if !c.connected {
		return
	}
	response, err := c.conn.ProcessPacket(now, worldMut, data)
	if err != nil {
		slog.Debug("dropping malformed packet", "error", err)
		return
	}
	if response != nil {
		c.send(response)
	}
	c.collectEvents()
}

func (c *Client) driveHandshake(now time.Time) {
	if c.connected || c.rejected {
		return
	}
	if now.Sub(c.lastHandshakeSend) < handshakeResendInterval {
		return
	}
	c.sendHandshakeNow(now)
}

func (c *Client) sendHandshakeNow(now time.Time) {
	if c.connected || c.rejected {
		return
	}
	c.lastHandshakeSend = now
	w := bitio.NewWriter(wire.MaxPacketBits)
	header := wire.StandardHeader{Type: wire.PacketHandshake}
	header.Ser(w)
	c.handshake.WriteCurrent(w)
	c.send(w.Bytes())
}

func (c *Client) becomeConnected(now time.Time) {
	lm := world.NewLocalWorldManager(wire.HostClient, c.protocol.Components, func() entity.GlobalEntity {
		c.nextLocal++
		return entity.NewLocalGlobalEntity(c.nextLocal)
	})
	msgs := messages.NewManager(wire.HostClient, c.protocol.Channels, c.protocol.Messages)
	c.conn = connection.NewConnection(wire.HostClient, c.protocol.Connection, c.protocol.Components, msgs, lm, now)
	c.connected = true
	c.events = append(c.events, Event{Type: EventConnect})
}

func (c *Client) collectEvents() {
	for _, received := range c.conn.Messages.ReceiveMessages() {
		c.events = append(c.events, Event{Type: EventMessage, Message: received.Message, Channel: received.Channel})
	}
	for _, request := range c.conn.Messages.ReceiveRequests() {
		requestCopy := request
		c.events = append(c.events, Event{Type: EventRequest, Request: &requestCopy})
	}
	for _, worldEvent := range c.conn.World.TakeEvents() {
		c.events = append(c.events, Event{Type: EventWorld, World: worldEvent})
	}
}

func (c *Client) disconnect() {
	if c.socket != nil {
		_ = c.socket.Close()
	}
	wasConnected := c.connected
	c.connected = false
	c.conn = nil
	c.socket = nil
	// Exactly one disconnect event, even if the socket reports more errors.
	if wasConnected {
		c.events = append(c.events, Event{Type: EventDisconnect})
	}
}

// Disconnect announces departure and tears the connection down.
func (c *Client) Disconnect() {
	if c.socket != nil {
		w := bitio.NewWriter(wire.MaxPacketBits)
		header := wire.StandardHeader{Type: wire.PacketHandshake}
		header.Ser(w)
		payload := connection.DisconnectPayload()
		bitio.CopyBits(w, payload, len(payload)*8)
		c.send(w.Bytes())
	}
	c.disconnect()
}

// Tick advances the client clock, emitting one EventTick per elapsed tick.
func (c *Client) Tick(now time.Time) {
	if !c.connected {
		return
	}
	for now.Sub(c.lastTick) >= c.protocol.TickInterval {
		c.lastTick = c.lastTick.Add(c.protocol.TickInterval)
		c.tick++
		c.conn.Messages.DropStaleTickMessages(c.conn.RemoteTick())
		c.events = append(c.events, Event{Type: EventTick, Tick: c.tick})
	}
}

// Send packs and transmits everything pending.
func (c *Client) Send(now time.Time, worldRef world.Reader) {
	if !c.connected {
		return
	}
	if packet := c.conn.WriteDataPacket(now, worldRef, c.tick); packet != nil {
		c.send(packet)
	}
	for _, control := range c.conn.ProduceControlPackets(now) {
		c.send(control)
	}
	c.conn.World.CleanupRecords(now)
	c.conn.World.Remote().Engine().Cleanup(now)
}

func (c *Client) send(data []byte) {
	if c.socket == nil {
		return
	}
	if err := c.socket.Send(data); err != nil {
		slog.Error("error sending packet", "error", err)
	}
}

// TakeEvents drains the client event queue.
func (c *Client) TakeEvents() []Event {
	out := c.events
	c.events = nil
	return out
}

// --- messaging ---

// SendMessage queues a message.
func (c *Client) SendMessage(kind channels.Kind, m messages.Message) error {
	if !c.connected {
		return ErrNotConnected
	}
	return c.conn.Messages.TrySendMessage(kind, m)
}

// SendTickBuffered queues input targeting a future server tick.
func (c *Client) SendTickBuffered(kind channels.Kind, tick wire.Tick, m messages.Message) error {
	if !c.connected {
		return ErrNotConnected
	}
	return c.conn.Messages.TrySendTickBuffered(kind, tick, m)
}

// SendRequest queues a request.
func (c *Client) SendRequest(kind channels.Kind, m messages.Message) (wire.GlobalRequestID, error) {
	if !c.connected {
		return 0, ErrNotConnected
	}
	return c.conn.Messages.TrySendRequest(kind, m)
}

// SendResponse answers a received request.
func (c *Client) SendResponse(key messages.ResponseSendKey, m messages.Message) error {
	if !c.connected {
		return ErrNotConnected
	}
	return c.conn.Messages.TrySendResponse(key, m)
}

// ReceiveResponse polls for a response.
func (c *Client) ReceiveResponse(id wire.GlobalRequestID) (messages.Message, bool) {
	if !c.connected {
		return nil, false
	}
	return c.conn.Messages.ReceiveResponse(id)
}

// --- entities ---

// SpawnEntity mints a client-authored entity and begins replicating it.
func (c *Client) SpawnEntity() (entity.GlobalEntity, error) {
	if !c.connected {
		return 0, ErrNotConnected
	}
	c.nextLocal++
	global := entity.NewLocalGlobalEntity(c.nextLocal)
	return global, c.conn.World.SpawnEntity(global)
}

// DespawnEntity withdraws a client-authored entity.
func (c *Client) DespawnEntity(global entity.GlobalEntity) error {
	if !c.connected {
		return ErrNotConnected
	}
	return c.conn.World.DespawnEntity(global)
}

// InsertComponent advertises a component on a client-authored entity.
func (c *Client) InsertComponent(global entity.GlobalEntity, kind component.Kind) (*component.Mutator, error) {
	if !c.connected {
		return nil, ErrNotConnected
	}
	return c.conn.World.InsertComponent(global, kind)
}

// RemoveComponent withdraws a component.
func (c *Client) RemoveComponent(global entity.GlobalEntity, kind component.Kind) error {
	if !c.connected {
		return ErrNotConnected
	}
	return c.conn.World.RemoveComponent(global, kind)
}

// PublishEntity makes a client-authored entity visible to other peers.
func (c *Client) PublishEntity(global entity.GlobalEntity) error {
	if !c.connected {
		return ErrNotConnected
	}
	return c.conn.World.SendHostCommand(global, worldsync.Message[worldsync.Unit]{Type: worldsync.TypePublish})
}

// UnpublishEntity returns a published entity to private replication.
func (c *Client) UnpublishEntity(global entity.GlobalEntity) error {
	if !c.connected {
		return ErrNotConnected
	}
	return c.conn.World.SendHostCommand(global, worldsync.Message[worldsync.Unit]{Type: worldsync.TypeUnpublish})
}

// EnableDelegation opens a published entity to authority migration.
func (c *Client) EnableDelegation(global entity.GlobalEntity) error {
	if !c.connected {
		return ErrNotConnected
	}
	return c.conn.World.SendHostCommand(global, worldsync.Message[worldsync.Unit]{Type: worldsync.TypeEnableDelegation})
}

// RequestAuthority asks for write authority over a server entity.
func (c *Client) RequestAuthority(global entity.GlobalEntity) error {
	if !c.connected {
		return ErrNotConnected
	}
	return c.conn.World.SendRemoteCommand(global, worldsync.Message[worldsync.Unit]{Type: worldsync.TypeRequestAuthority})
}

// ReleaseAuthority gives held or requested authority back.
func (c *Client) ReleaseAuthority(global entity.GlobalEntity) error {
	if !c.connected {
		return ErrNotConnected
	}
	return c.conn.World.SendRemoteCommand(global, worldsync.Message[worldsync.Unit]{Type: worldsync.TypeReleaseAuthority})
}

// AuthStatus mirrors the authority status the client last observed for a
// server entity.
func (c *Client) AuthStatus(global entity.GlobalEntity) (wire.EntityAuthStatus, bool) {
	if !c.connected {
		return wire.AuthAvailable, false
	}
	remote, err := c.conn.World.EntityMap().RemoteEntityFromGlobal(global)
	if err != nil {
		return wire.AuthAvailable, false
	}
	ch, ok := c.conn.World.Remote().Engine().Channel(remote)
	if !ok {
		return wire.AuthAvailable, false
	}
	return ch.Auth().AuthStatus(), true
}
