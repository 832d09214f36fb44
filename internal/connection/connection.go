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
	"log/slog"
	"time"

	"github.com/AngelOnFira/naia-sub000/internal/bitio"
	"github.com/AngelOnFira/naia-sub000/internal/channels"
	"github.com/AngelOnFira/naia-sub000/internal/component"
	"github.com/AngelOnFira/naia-sub000/internal/entity"
	"github.com/AngelOnFira/naia-sub000/internal/messages"
	"github.com/AngelOnFira/naia-sub000/internal/wire"
	"github.com/AngelOnFira/naia-sub000/internal/world"
	"github.com/AngelOnFira/naia-sub000/internal/worldsync"
)

// Config bounds one connection's timers.
type Config struct {
	PingInterval      time.Duration
	HeartbeatInterval time.Duration
	Timeout           time.Duration
}

// DefaultConfig returns the production timer values.
func DefaultConfig() Config {
	return Config{
		PingInterval:      time.Second,
		HeartbeatInterval: 3 * time.Second,
		Timeout:           10 * time.Second,
	}
}

type incomingCmd struct {
	owned entity.OwnedLocalEntity
	msg   worldsync.Message[worldsync.Unit]
}

type sentUpdate struct {
	global entity.GlobalEntity
	kind   component.Kind
	mask   *component.DiffMask
}

// Connection sequences one peer's packet traffic: header/ACK processing,
// ping/pong, heartbeats, idle timeout, and the data packet codec that
// splices messages, component updates, and entity commands into each
// datagram.
type Connection struct {
	hostType wire.HostType
	config   Config
	registry *component.Registry

	Messages *messages.Manager
	World    *world.LocalWorldManager

	acks  *AckManager
	pings *PingManager

	cmdDedupe *channels.UnorderedReliableReceiver[incomingCmd]

	sentUpdates map[wire.PacketIndex][]sentUpdate

	remoteTick   wire.Tick
	lastReceived time.Time
	lastSent     time.Time
}

// NewConnection assembles a connection's state for one peer.
func NewConnection(hostType wire.HostType, config Config, registry *component.Registry, msgs *messages.Manager, lm *world.LocalWorldManager, now time.Time) *Connection {
	return &Connection{
		hostType:     hostType,
		config:       config,
		registry:     registry,
		Messages:     msgs,
		World:        lm,
		acks:         NewAckManager(),
		pings:        NewPingManager(),
		cmdDedupe:    channels.NewUnorderedReliableReceiver[incomingCmd](),
		sentUpdates:  make(map[wire.PacketIndex][]sentUpdate),
		lastReceived: now,
		lastSent:     now,
	}
}

// RTT returns the smoothed round-trip estimate.
func (c *Connection) RTT() time.Duration { return c.pings.RTT() }

// Jitter returns the smoothed round-trip deviation.
func (c *Connection) Jitter() time.Duration { return c.pings.Jitter() }

// RemoteTick returns the latest tick carried by a peer data packet.
func (c *Connection) RemoteTick() wire.Tick { return c.remoteTick }

// TimedOut reports whether the peer has been silent past the idle budget.
func (c *Connection) TimedOut(now time.Time) bool {
	return now.Sub(c.lastReceived) >= c.config.Timeout
}

// NotifyPacketDelivered implements PacketNotifiable: committed updates need
// nothing further, commands and messages retire their records.
func (c *Connection) NotifyPacketDelivered(index wire.PacketIndex) {
	delete(c.sentUpdates, index)
	c.Messages.NotifyPacketDelivered(index)
	c.World.NotifyPacketDelivered(index)
}

// NotifyPacketDropped implements PacketNotifiable: lost diff masks are
// reinstated, commands requeued.
func (c *Connection) NotifyPacketDropped(index wire.PacketIndex) {
	for _, u := range c.sentUpdates[index] {
		c.World.Host().ReinstateUpdate(u.global, u.kind, u.mask)
	}
	delete(c.sentUpdates, index)
	c.Messages.NotifyPacketDropped(index)
	c.World.NotifyPacketDropped(index)
}

// --- send path ---

// WriteDataPacket packs pending messages, component updates, and entity
// commands into one datagram. Returns nil when nothing needs sending.
func (c *Connection) WriteDataPacket(now time.Time, worldRef world.Reader, localTick wire.Tick) []byte {
	c.World.CollectOutgoingCommands()
	c.Messages.Collect(now, c.pings.RTT())

	pendingUpdates := c.World.Host().PendingUpdates()
	if !c.Messages.HasOutgoing() && len(pendingUpdates) == 0 && len(c.World.PendingCommands()) == 0 {
		return nil
	}

	w := bitio.NewWriter(wire.MaxPacketBits)
	index := c.acks.NextIndex()
	header := wire.StandardHeader{Type: wire.PacketData, Index: index}
	c.acks.FillHeader(&header)
	header.Ser(w)
	bitio.WriteUnsigned(w, uint64(localTick), 16)

	// Three block lists, each 0-terminated; reserve the terminators so
	// greedy packing cannot eat them.
	w.ReserveBits(3)

	c.Messages.WriteMessages(w, index, now)
	w.ReleaseBits(1)
	w.WriteBit(false)

	c.writeUpdates(w, index, worldRef)
	w.ReleaseBits(1)
	w.WriteBit(false)

	c.writeCommands(w, index, now, worldRef)
	w.ReleaseBits(1)
	w.WriteBit(false)

	c.lastSent = now
	return w.Bytes()
}

func (c *Connection) writeUpdates(w *bitio.Writer, packetIndex wire.PacketIndex, worldRef world.Reader) {
	conv := c.World.EntityMap()
	for _, update := range c.World.Host().PendingUpdates() {
		comp, ok := worldRef.ComponentOfKind(update.Global, update.Kind)
		if !ok {
			// The embedder removed the component without telling us; drop
			// the mask rather than retrying forever.
			c.World.Host().CommitUpdate(update.Global, update.Kind, update.Mask)
			continue
		}
		owned, err := conv.OwnedFromGlobal(update.Global)
		if err != nil {
			continue
		}

		body := bitio.NewWriter(wire.MaxPacketBits)
		update.Mask.Ser(body)
		comp.WriteUpdate(update.Mask, conv, body)
		bodyBits := body.BitCount()
		bodyBytes := body.Bytes()

		counter := w.Counter()
		counter.WriteBit(true)
		owned.Ser(counter)
		counter.WriteBit(true)
		_ = c.registry.WriteKind(counter, update.Kind)
		bitio.WriteUnsignedVariable(counter, uint64(bodyBits), updateLengthDigitBits)
		bitio.CopyBits(counter, bodyBytes, bodyBits)
		counter.WriteBit(false)
		if counter.Overflowed() {
			if w.BitCount() == 0 {
				slog.Warn("component update exceeds empty packet budget",
					"entity", update.Global, "kind", update.Kind, "bits", bodyBits)
			}
			continue
		}

		w.WriteBit(true)
		owned.Ser(w)
		w.WriteBit(true)
		_ = c.registry.WriteKind(w, update.Kind)
		bitio.WriteUnsignedVariable(w, uint64(bodyBits), updateLengthDigitBits)
		bitio.CopyBits(w, bodyBytes, bodyBits)
		w.WriteBit(false)

		c.World.Host().CommitUpdate(update.Global, update.Kind, update.Mask)
		c.sentUpdates[packetIndex] = append(c.sentUpdates[packetIndex], sentUpdate{
			global: update.Global, kind: update.Kind, mask: update.Mask,
		})
	}
}

func (c *Connection) writeCommands(w *bitio.Writer, packetIndex wire.PacketIndex, now time.Time, worldRef world.Reader) {
	conv := c.World.EntityMap()
	var written []wire.CommandID
	for _, cmd := range c.World.PendingCommands() {
		if cmd.Msg.Type == worldsync.TypeInsertComponent && cmd.Msg.Payload == nil {
			// Host-side inserts carry the live component; serialize it from
			// the world store at send time so the wire always sees current
			// values.
			comp, ok := worldRef.ComponentOfKind(cmd.Msg.Entity, cmd.Msg.Component)
			if !ok {
				// The embedder dropped the component before the insert could
				// ship; retire the command, the remove that follows is all
				// the peer needs.
				slog.Warn("retiring insert for missing component",
					"entity", cmd.Msg.Entity, "kind", cmd.Msg.Component)
				written = append(written, cmd.ID)
				continue
			}
			cmd.Msg.Payload = comp
		}
		counter := w.Counter()
		counter.WriteBit(true)
		if err := writeCommand(counter, c.registry, conv, cmd); err != nil {
			slog.Warn("skipping unencodable entity command", "command", cmd.Msg.Type, "error", err)
			continue
		}
		counter.WriteBit(false)
		if counter.Overflowed() {
			break
		}
		w.WriteBit(true)
		if err := writeCommand(w, c.registry, conv, cmd); err != nil {
			// The counter pass validated this; a failure here is corrupt state.
			panic("entity command serialization diverged from measurement: " + err.Error())
		}
		written = append(written, cmd.ID)
	}
	c.World.MarkCommandsSent(packetIndex, written, now)
}

// --- receive path ---

// ProcessPacket ingests one datagram. Codec errors drop the packet and are
// returned for the embedder's suspicion accounting; they never terminate.
func (c *Connection) ProcessPacket(now time.Time, worldMut world.Mutator, data []byte) ([]byte, error) {
	r := bitio.NewReader(data)
	header, err := wire.DeHeader(r)
	if err != nil {
		return nil, err
	}
	if !c.acks.ProcessIncomingHeader(&header, c) {
		return nil, nil // duplicate
	}
	c.lastReceived = now

	switch header.Type {
	case wire.PacketData:
		return nil, c.readDataPayload(r, worldMut)
	case wire.PacketPing:
		index, err := ReadPing(r)
		if err != nil {
			return nil, err
		}
		return c.buildPongPacket(index), nil
	case wire.PacketPong:
		return nil, c.pings.ProcessPong(r, now)
	case wire.PacketHeartbeat:
		return nil, nil
	default:
		return nil, wire.ErrUnknownPacketType
	}
}

func (c *Connection) readDataPayload(r *bitio.Reader, worldMut world.Mutator) error {
	rawTick, err := bitio.ReadUnsigned(r, 16)
	if err != nil {
		return err
	}
	tick := wire.Tick(rawTick)
	if wire.SequenceGreaterThan(tick, c.remoteTick) {
		c.remoteTick = tick
	}

	if err := c.Messages.ReadMessages(r); err != nil {
		return err
	}
	if err := c.readUpdates(r, worldMut); err != nil {
		return err
	}
	if err := c.readCommands(r); err != nil {
		return err
	}
	return nil
}

func (c *Connection) readUpdates(r *bitio.Reader, worldMut world.Mutator) error {
	for {
		cont, err := r.ReadBit()
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
		owned, err := entity.DeOwnedLocalEntity(r)
		if err != nil {
			return err
		}
		for {
			more, err := r.ReadBit()
			if err != nil {
				return err
			}
			if !more {
				break
			}
			kind, err := c.registry.ReadKind(r)
			if err != nil {
				return err
			}
			bodyBits, err := bitio.ReadUnsignedVariable(r, updateLengthDigitBits)
			if err != nil {
				return err
			}
			if bodyBits > wire.MaxPacketBits || int(bodyBits) > r.BitsRemaining() {
				return bitio.ErrExhausted
			}
			body := bitio.NewWriter(int(bodyBits))
			for i := 0; i < int(bodyBits); i++ {
				bit, err := r.ReadBit()
				if err != nil {
					return err
				}
				body.WriteBit(bit)
			}
			c.World.ApplyRemoteUpdate(worldMut, owned, kind, body.Bytes(), int(bodyBits))
		}
	}
}

func (c *Connection) readCommands(r *bitio.Reader) error {
	for {
		cont, err := r.ReadBit()
		if err != nil {
			return err
		}
		if !cont {
			break
		}
		id, owned, msg, err := readCommand(r, c.registry, c.World.EntityMap())
		if err != nil {
			return err
		}
		// The reorder engine requires upstream dedupe of the reliable
		// command stream; resends of the same id stop here.
		c.cmdDedupe.Buffer(id, incomingCmd{owned: owned, msg: msg})
		for _, delivered := range c.cmdDedupe.Receive() {
			c.route(id, delivered)
		}
	}
	return nil
}

func (c *Connection) route(id wire.CommandID, cmd incomingCmd) {
	if cmd.owned.Host {
		c.World.ProcessIncomingHostCommand(cmd.owned, cmd.msg)
		return
	}
	c.World.ProcessIncomingCommand(id, worldsync.Retag(cmd.msg, entity.RemoteEntity(cmd.owned.Value)))
}

// --- control packets ---

// ProduceControlPackets emits any ping or heartbeat now due.
func (c *Connection) ProduceControlPackets(now time.Time) [][]byte {
	var out [][]byte
	if c.pings.ShouldPing(now, c.config.PingInterval) {
		w := bitio.NewWriter(wire.MaxPacketBits)
		header := wire.StandardHeader{Type: wire.PacketPing, Index: c.acks.NextIndex()}
		c.acks.FillHeader(&header)
		header.Ser(w)
		c.pings.WritePing(w, now)
		out = append(out, w.Bytes())
		c.lastSent = now
	}
	if now.Sub(c.lastSent) >= c.config.HeartbeatInterval {
		w := bitio.NewWriter(wire.MaxPacketBits)
		header := wire.StandardHeader{Type: wire.PacketHeartbeat, Index: c.acks.NextIndex()}
		c.acks.FillHeader(&header)
		header.Ser(w)
		out = append(out, w.Bytes())
		c.lastSent = now
	}
	return out
}

func (c *Connection) buildPongPacket(index wire.MessageIndex) []byte {
	w := bitio.NewWriter(wire.MaxPacketBits)
	header := wire.StandardHeader{Type: wire.PacketPong, Index: c.acks.NextIndex()}
	c.acks.FillHeader(&header)
	header.Ser(w)
	WritePong(w, index)
	return w.Bytes()
}
