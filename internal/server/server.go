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

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
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
)

var (
	ErrNotListening   = errors.New("server is not listening")
	ErrUnknownUser    = errors.New("unknown user")
	ErrUnknownRoom    = errors.New("unknown room")
	ErrNotDelegated   = errors.New("entity is not delegated")
	ErrNotClientOwned = errors.New("entity is not client-owned")
)

// RoomKey identifies a room.
type RoomKey uint64

// EventType enumerates server-level events.
type EventType uint8

const (
	EventConnect EventType = iota
	EventDisconnect
	EventAuth
	EventMessage
	EventRequest
	EventTick
	EventWorld
)

// Event is one server occurrence for the embedder.
type Event struct {
	Type EventType
	User world.UserKey

	// Auth carries the pending auth request for EventAuth.
	Auth *transport.AuthRequest
	// Message/Channel are set for EventMessage.
	Message messages.Message
	Channel channels.Kind
	// Request is set for EventRequest.
	Request *messages.ReceivedRequest
	// Tick is set for EventTick.
	Tick wire.Tick
	// World is set for EventWorld.
	World world.Event
}

type user struct {
	key       world.UserKey
	addr      netip.AddrPort
	conn      *connection.Connection
}

type room struct {
	users    map[world.UserKey]struct{}
	entities map[entity.GlobalEntity]struct{}
}

type fanoutMutator struct {
	sinks map[world.UserKey]*component.Mutator
}

// Server is the replication endpoint for many client connections: it owns
// the global registry, rooms and scope, the per-user connections, and the
// tick loop.
type Server struct {
	protocol *protocol.Protocol
	global   *world.GlobalWorldManager

	socket    transport.ServerSocket
	listening bool

	users    map[world.UserKey]*user
	byAddr   map[netip.AddrPort]world.UserKey
	nextUser uint64

	rooms    map[RoomKey]*room
	nextRoom uint64
	// scopeOverrides is consulted after room membership; an explicit entry
	// wins.
	scopeOverrides map[world.UserKey]map[entity.GlobalEntity]bool

	mutators map[entity.GlobalEntity]map[component.Kind]*fanoutMutator

	tick     wire.Tick
	lastTick time.Time
	tickSum  time.Duration
	tickN    int

	handshake connection.ServerHandshake
	events    []Event
}

// NewServer creates a server for the given protocol.
func NewServer(p *protocol.Protocol) *Server {
	return &Server{
		protocol:       p,
		global:         world.NewGlobalWorldManager(),
		users:          make(map[world.UserKey]*user),
		byAddr:         make(map[netip.AddrPort]world.UserKey),
		rooms:          make(map[RoomKey]*room),
		scopeOverrides: make(map[world.UserKey]map[entity.GlobalEntity]bool),
		mutators:       make(map[entity.GlobalEntity]map[component.Kind]*fanoutMutator),
	}
}

// Global returns the process-wide world manager.
func (s *Server) Global() *world.GlobalWorldManager { return s.global }

// Listen binds the server to a transport socket.
func (s *Server) Listen(ctx context.Context, socket transport.ServerSocket) error {
	if err := socket.Listen(ctx); err != nil {
		return err
	}
	s.socket = socket
	s.listening = true
	s.lastTick = time.Now()
	return nil
}

// IsListening reports whether the server has a bound socket.
func (s *Server) IsListening() bool { return s.listening }

// CurrentTick returns the server tick.
func (s *Server) CurrentTick() wire.Tick { return s.tick }

// AverageTickDuration returns the observed mean tick length.
func (s *Server) AverageTickDuration() time.Duration {
	if s.tickN == 0 {
		return s.protocol.TickInterval
	}
	return s.tickSum / time.Duration(s.tickN)
}

// RTT returns a user's smoothed round-trip estimate.
func (s *Server) RTT(key world.UserKey) (time.Duration, error) {
	u, ok := s.users[key]
	if !ok {
		return 0, ErrUnknownUser
	}
	return u.conn.RTT(), nil
}

// Jitter returns a user's smoothed round-trip deviation.
func (s *Server) Jitter(key world.UserKey) (time.Duration, error) {
	u, ok := s.users[key]
	if !ok {
		return 0, ErrUnknownUser
	}
	return u.conn.Jitter(), nil
}

// UserKeys lists connected users.
func (s *Server) UserKeys() []world.UserKey {
	out := make([]world.UserKey, 0, len(s.users))
	for key := range s.users {
		out = append(out, key)
	}
	return out
}

// --- receive path ---

// ProcessPackets drains the socket and feeds every pending datagram and
// auth request through the protocol core. Call once per loop iteration.
func (s *Server) ProcessPackets(now time.Time, worldMut world.Mutator) {
	if !s.listening {
		return
	}
	for {
		select {
		case packet, ok := <-s.socket.Packets():
			if !ok {
				return
			}
			s.processPacket(now, worldMut, packet)
		case auth := <-s.socket.Auth():
			authCopy := auth
			s.events = append(s.events, Event{Type: EventAuth, Auth: &authCopy})
		default:
			s.reapTimeouts(now)
			return
		}
	}
}

func (s *Server) processPacket(now time.Time, worldMut world.Mutator, packet transport.Packet) {
	if len(packet.Data) == 0 {
		return
	}
	if wire.PacketType(packet.Data[0]) == wire.PacketHandshake {
		s.processHandshake(now, packet)
		return
	}
	key, ok := s.byAddr[packet.Addr]
	if !ok {
		return // not handshaken; drop
	}
	u := s.users[key]
	response, err := u.conn.ProcessPacket(now, worldMut, packet.Data)
	if err != nil {
		slog.Debug("dropping malformed packet", "user", key, "error", err)
		return
	}
	if response != nil {
		s.send(u.addr, response)
	}
	s.collectUserEvents(u)
}

func (s *Server) processHandshake(now time.Time, packet transport.Packet) {
	r := bitio.NewReader(packet.Data)
	if _, err := wire.DeHeader(r); err != nil {
		return
	}
	result := s.handshake.Process(r)
	if result.Disconnect {
		if key, ok := s.byAddr[packet.Addr]; ok {
			s.disconnectUser(key)
		}
		return
	}
	if result.Respond != nil {
		w := bitio.NewWriter(wire.MaxPacketBits)
		header := wire.StandardHeader{Type: wire.PacketHandshake}
		header.Ser(w)
		bitio.CopyBits(w, result.Respond, len(result.Respond)*8)
		s.send(packet.Addr, w.Bytes())
	}
	if result.Connected {
		if _, ok := s.byAddr[packet.Addr]; !ok {
			s.receiveUser(now, packet.Addr)
		}
	}
}

// receiveUser promotes an address that completed the handshake to a live
// connection.
func (s *Server) receiveUser(now time.Time, addr netip.AddrPort) {
	s.nextUser++
	key := world.UserKey(s.nextUser)
	lm := world.NewLocalWorldManager(wire.HostServer, s.protocol.Components, func() entity.GlobalEntity {
		return s.global.GenerateEntity(world.OwnerClient, key)
	})
	msgs := messages.NewManager(wire.HostServer, s.protocol.Channels, s.protocol.Messages)
	u := &user{
		key:  key,
		addr: addr,
		conn: connection.NewConnection(wire.HostServer, s.protocol.Connection, s.protocol.Components, msgs, lm, now),
	}
	s.users[key] = u
	s.byAddr[addr] = key
	s.events = append(s.events, Event{Type: EventConnect, User: key})
}

func (s *Server) collectUserEvents(u *user) {
	for _, received := range u.conn.Messages.ReceiveMessages() {
		s.events = append(s.events, Event{Type: EventMessage, User: u.key, Message: received.Message, Channel: received.Channel})
	}
	for _, request := range u.conn.Messages.ReceiveRequests() {
		requestCopy := request
		s.events = append(s.events, Event{Type: EventRequest, User: u.key, Request: &requestCopy})
	}
	for _, worldEvent := range u.conn.World.TakeEvents() {
		s.events = append(s.events, Event{Type: EventWorld, User: u.key, World: worldEvent})
	}
}

func (s *Server) reapTimeouts(now time.Time) {
	for key, u := range s.users {
		if u.conn.TimedOut(now) {
			slog.Info("user timed out", "user", key)
			s.disconnectUser(key)
		}
	}
}

func (s *Server) disconnectUser(key world.UserKey) {
	u, ok := s.users[key]
	if !ok {
		return
	}
	delete(s.users, key)
	delete(s.byAddr, u.addr)
	delete(s.scopeOverrides, key)
	for _, r := range s.rooms {
		delete(r.users, key)
	}
	for _, f := range s.mutators {
		for _, fm := range f {
			delete(fm.sinks, key)
		}
	}
	// A disconnect fires exactly once, even if the socket layer later
	// reports more errors for the address.
	s.events = append(s.events, Event{Type: EventDisconnect, User: key})
}

// --- tick ---

// Tick advances the simulation clock, releasing tick-buffered input and
// emitting one EventTick per elapsed tick.
func (s *Server) Tick(now time.Time) {
	if !s.listening {
		return
	}
	for now.Sub(s.lastTick) >= s.protocol.TickInterval {
		s.tickSum += s.protocol.TickInterval
		s.tickN++
		s.lastTick = s.lastTick.Add(s.protocol.TickInterval)
		s.tick++
		for _, u := range s.users {
			for _, received := range u.conn.Messages.ReceiveTickBuffered(s.tick) {
				s.events = append(s.events, Event{Type: EventMessage, User: u.key, Message: received.Message, Channel: received.Channel})
			}
		}
		s.events = append(s.events, Event{Type: EventTick, Tick: s.tick})
	}
}

// --- send path ---

// SendAll applies scope, packs and transmits every user's outgoing packets,
// and performs periodic record maintenance.
func (s *Server) SendAll(now time.Time, worldRef world.Reader) {
	if !s.listening {
		return
	}
	s.applyScope(worldRef)
	for _, u := range s.users {
		if packet := u.conn.WriteDataPacket(now, worldRef, s.tick); packet != nil {
			s.send(u.addr, packet)
		}
		for _, control := range u.conn.ProduceControlPackets(now) {
			s.send(u.addr, control)
		}
		u.conn.World.CleanupRecords(now)
		u.conn.World.Remote().Engine().Cleanup(now)
	}
}

func (s *Server) send(addr netip.AddrPort, data []byte) {
	if err := s.socket.Send(addr, data); err != nil {
		slog.Error("error sending packet", "addr", addr, "error", err)
	}
}

// SendMessage queues a message to one user.
func (s *Server) SendMessage(key world.UserKey, kind channels.Kind, m messages.Message) error {
	u, ok := s.users[key]
	if !ok {
		return ErrUnknownUser
	}
	return u.conn.Messages.TrySendMessage(kind, m)
}

// BroadcastMessage queues a message to every connected user.
func (s *Server) BroadcastMessage(kind channels.Kind, m messages.Message) {
	for _, u := range s.users {
		if err := u.conn.Messages.TrySendMessage(kind, m); err != nil {
			slog.Warn("broadcast send failed", "user", u.key, "error", err)
		}
	}
}

// SendRequest queues a request to one user.
func (s *Server) SendRequest(key world.UserKey, kind channels.Kind, m messages.Message) (wire.GlobalRequestID, error) {
	u, ok := s.users[key]
	if !ok {
		return 0, ErrUnknownUser
	}
	return u.conn.Messages.TrySendRequest(kind, m)
}

// SendResponse answers a received request.
func (s *Server) SendResponse(key world.UserKey, sendKey messages.ResponseSendKey, m messages.Message) error {
	u, ok := s.users[key]
	if !ok {
		return ErrUnknownUser
	}
	return u.conn.Messages.TrySendResponse(sendKey, m)
}

// ReceiveResponse polls for a response to a previously sent request.
func (s *Server) ReceiveResponse(key world.UserKey, id wire.GlobalRequestID) (messages.Message, bool) {
	u, ok := s.users[key]
	if !ok {
		return nil, false
	}
	return u.conn.Messages.ReceiveResponse(id)
}

// TakeEvents drains the server event queue.
func (s *Server) TakeEvents() []Event {
	out := s.events
	s.events = nil
	return out
}
