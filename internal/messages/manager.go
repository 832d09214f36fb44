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

package messages

import (
	"errors"
	"log/slog"
	"time"

	"github.com/AngelOnFira/naia-sub000/internal/bitio"
	"github.com/AngelOnFira/naia-sub000/internal/channels"
	"github.com/AngelOnFira/naia-sub000/internal/wire"
)

var (
	ErrChannelNotConfiguredForSend    = errors.New("channel is not configured for sending from this host")
	ErrChannelNotConfiguredForReceive = errors.New("channel is not configured for receiving on this host")
	ErrChannelNotBidirectional        = errors.New("requests require a bidirectional reliable channel")
	ErrMessageTooLarge                = errors.New("message exceeds fragmentation limit on a non-reliable channel")
	ErrChannelRequiresTick            = errors.New("tick-buffered channel requires a target tick")
	ErrUnknownResponseKey             = errors.New("unknown response send key")
)

// FragmentationLimitBits is the serialized size above which a reliable
// message is split into fragments. Byte-aligned so fragment chunks slice
// cleanly.
const FragmentationLimitBits = 2048

// maxMessageBits bounds a single serialized message (pre-fragmentation).
const maxMessageBits = 1 << 20

type recordType uint8

const (
	recMessage recordType = iota
	recRequest
	recResponse
)

type fragInfo struct {
	group uint16
	index uint32
	total uint32
}

// payload is a serialized outbound record.
type payload struct {
	bytes  []byte
	bits   int
	record recordType
	corrID uint64
	frag   *fragInfo
	tick   wire.Tick
}

type fragChunk struct {
	fragInfo
	bytes []byte
	bits  int
}

// inbound is a parsed wire record before dispatch.
type inbound struct {
	record  recordType
	corrID  uint64
	message Message
	chunk   *fragChunk
}

// Received is a delivered message tagged with its channel.
type Received struct {
	Channel channels.Kind
	Message Message
}

// ResponseSendKey is handed to the embedder alongside a received request;
// it must be supplied back to SendResponse.
type ResponseSendKey struct {
	ID wire.LocalResponseID
}

// ReceivedRequest is a delivered request awaiting a response.
type ReceivedRequest struct {
	Channel channels.Kind
	Key     ResponseSendKey
	Message Message
}

type responseRoute struct {
	channel      channels.Kind
	remoteCorrID uint64
}

type channelSender struct {
	settings channels.Settings
	reliable *channels.ReliableSender[payload]
	plain    *channels.UnreliableSender[payload]
}

func (cs *channelSender) sender() channels.Sender[payload] {
	if cs.reliable != nil {
		return cs.reliable
	}
	return cs.plain
}

type fragAssembly struct {
	record recordType
	corrID uint64
	chunks map[uint32]fragChunk
	total  uint32
}

type channelReceiver struct {
	settings   channels.Settings
	recv       channels.Receiver[inbound]
	tick       *channels.TickBufferReceiver[inbound]
	reassembly map[uint16]*fragAssembly
}

// Manager routes outbound and inbound typed messages, requests, and
// responses through channels, fragmenting over the size limit and retiring
// reliable messages on packet delivery notification.
type Manager struct {
	hostType wire.HostType
	kinds    *channels.Kinds
	registry *Registry

	senders   map[channels.Kind]*channelSender
	receivers map[channels.Kind]*channelReceiver

	sentRecords map[wire.PacketIndex][]sentEntry

	readyMessages []Received
	readyRequests []ReceivedRequest

	nextFragGroup    uint16
	nextRequestID    wire.GlobalRequestID
	nextResponseID   wire.LocalResponseID
	pendingResponses map[wire.GlobalRequestID]Message
	awaitingRequests map[wire.GlobalRequestID]struct{}
	responseRoutes   map[wire.LocalResponseID]responseRoute
}

type sentEntry struct {
	channel channels.Kind
	index   wire.MessageIndex
}

// NewManager creates a message manager for one connection.
func NewManager(hostType wire.HostType, kinds *channels.Kinds, registry *Registry) *Manager {
	m := &Manager{
		hostType:         hostType,
		kinds:            kinds,
		registry:         registry,
		senders:          make(map[channels.Kind]*channelSender),
		receivers:        make(map[channels.Kind]*channelReceiver),
		sentRecords:      make(map[wire.PacketIndex][]sentEntry),
		pendingResponses: make(map[wire.GlobalRequestID]Message),
		awaitingRequests: make(map[wire.GlobalRequestID]struct{}),
		responseRoutes:   make(map[wire.LocalResponseID]responseRoute),
	}
	for _, kind := range kinds.All() {
		settings, _ := kinds.Settings(kind)
		if m.canSend(settings) {
			cs := &channelSender{settings: settings}
			if settings.Mode.Reliable() {
				cs.reliable = channels.NewReliableSender[payload]()
			} else {
				cs.plain = channels.NewUnreliableSender[payload]()
			}
			m.senders[kind] = cs
		}
		if m.canReceive(settings) {
			cr := &channelReceiver{settings: settings, reassembly: make(map[uint16]*fragAssembly)}
			switch settings.Mode {
			case channels.UnorderedUnreliable:
				cr.recv = channels.NewUnorderedUnreliableReceiver[inbound]()
			case channels.SequencedUnreliable:
				cr.recv = channels.NewSequencedUnreliableReceiver[inbound]()
			case channels.UnorderedReliable:
				cr.recv = channels.NewUnorderedReliableReceiver[inbound]()
			case channels.SequencedReliable:
				cr.recv = channels.NewSequencedReliableReceiver[inbound]()
			case channels.OrderedReliable:
				cr.recv = channels.NewOrderedReliableReceiver[inbound]()
			case channels.TickBuffered:
				cr.tick = channels.NewTickBufferReceiver[inbound]()
			}
			m.receivers[kind] = cr
		}
	}
	return m
}

func (m *Manager) canSend(settings channels.Settings) bool {
	if settings.Mode == channels.TickBuffered {
		return m.hostType == wire.HostClient
	}
	switch settings.Direction {
	case channels.Bidirectional:
		return true
	case channels.ClientToServer:
		return m.hostType == wire.HostClient
	case channels.ServerToClient:
		return m.hostType == wire.HostServer
	default:
		return false
	}
}

func (m *Manager) canReceive(settings channels.Settings) bool {
	if settings.Mode == channels.TickBuffered {
		return m.hostType == wire.HostServer
	}
	switch settings.Direction {
	case channels.Bidirectional:
		return true
	case channels.ClientToServer:
		return m.hostType == wire.HostServer
	case channels.ServerToClient:
		return m.hostType == wire.HostClient
	default:
		return false
	}
}

func (m *Manager) serialize(message Message) (payload, error) {
	w := bitio.NewWriter(maxMessageBits)
	if err := m.registry.WriteMessage(w, message); err != nil {
		return payload{}, err
	}
	bits := w.BitCount()
	return payload{bytes: w.Bytes(), bits: bits}, nil
}

func (m *Manager) buffer(kind channels.Kind, p payload) error {
	cs, ok := m.senders[kind]
	if !ok {
		return ErrChannelNotConfiguredForSend
	}
	if p.bits <= FragmentationLimitBits {
		cs.sender().Buffer(p)
		return nil
	}
	if !cs.settings.Mode.Reliable() {
		return ErrMessageTooLarge
	}
	group := m.nextFragGroup
	m.nextFragGroup++
	chunkBytes := FragmentationLimitBits / 8
	total := uint32((p.bits + FragmentationLimitBits - 1) / FragmentationLimitBits)
	for i := uint32(0); i < total; i++ {
		start := int(i) * chunkBytes
		end := start + chunkBytes
		if end > len(p.bytes) {
			end = len(p.bytes)
		}
		bits := FragmentationLimitBits
		if i == total-1 {
			bits = p.bits - int(i)*FragmentationLimitBits
		}
		cs.sender().Buffer(payload{
			bytes:  p.bytes[start:end],
			bits:   bits,
			record: p.record,
			corrID: p.corrID,
			tick:   p.tick,
			frag:   &fragInfo{group: group, index: i, total: total},
		})
	}
	return nil
}

// TrySendMessage queues a message on a channel.
func (m *Manager) TrySendMessage(kind channels.Kind, message Message) error {
	settings, err := m.kinds.Settings(kind)
	if err != nil {
		return err
	}
	if settings.Mode == channels.TickBuffered {
		return ErrChannelRequiresTick
	}
	p, err := m.serialize(message)
	if err != nil {
		return err
	}
	return m.buffer(kind, p)
}

// SendMessage is the infallible TrySendMessage.
func (m *Manager) SendMessage(kind channels.Kind, message Message) {
	if err := m.TrySendMessage(kind, message); err != nil {
		panic("send message: " + err.Error())
	}
}

// TrySendTickBuffered queues a client input message targeting tick.
func (m *Manager) TrySendTickBuffered(kind channels.Kind, tick wire.Tick, message Message) error {
	settings, err := m.kinds.Settings(kind)
	if err != nil {
		return err
	}
	if settings.Mode != channels.TickBuffered {
		return ErrChannelNotConfiguredForSend
	}
	p, err := m.serialize(message)
	if err != nil {
		return err
	}
	p.tick = tick
	return m.buffer(kind, p)
}

// TrySendRequest queues a request and returns the id its response will be
// correlated under.
func (m *Manager) TrySendRequest(kind channels.Kind, message Message) (wire.GlobalRequestID, error) {
	settings, err := m.kinds.Settings(kind)
	if err != nil {
		return 0, err
	}
	if settings.Direction != channels.Bidirectional || !settings.Mode.Reliable() ||
		settings.Mode == channels.TickBuffered {
		return 0, ErrChannelNotBidirectional
	}
	p, err := m.serialize(message)
	if err != nil {
		return 0, err
	}
	id := m.nextRequestID
	m.nextRequestID++
	p.record = recRequest
	p.corrID = uint64(id)
	if err := m.buffer(kind, p); err != nil {
		return 0, err
	}
	m.awaitingRequests[id] = struct{}{}
	return id, nil
}

// TrySendResponse answers a previously received request.
func (m *Manager) TrySendResponse(key ResponseSendKey, message Message) error {
	route, ok := m.responseRoutes[key.ID]
	if !ok {
		return ErrUnknownResponseKey
	}
	delete(m.responseRoutes, key.ID)
	p, err := m.serialize(message)
	if err != nil {
		return err
	}
	p.record = recResponse
	p.corrID = route.remoteCorrID
	return m.buffer(route.channel, p)
}

// DropStaleTickMessages retires queued tick-buffered input older than
// horizon (already simulated on the server).
func (m *Manager) DropStaleTickMessages(horizon wire.Tick) {
	for _, cs := range m.senders {
		if cs.settings.Mode == channels.TickBuffered && cs.reliable != nil {
			cs.reliable.RetireIf(func(p payload) bool {
				return wire.SequenceLessThan(p.tick, horizon)
			})
		}
	}
}

// Collect moves due messages into each sender's outgoing set.
func (m *Manager) Collect(now time.Time, rtt time.Duration) {
	for _, cs := range m.senders {
		cs.sender().Collect(now, rtt)
	}
}

// HasOutgoing reports whether any channel has messages due.
func (m *Manager) HasOutgoing() bool {
	for _, cs := range m.senders {
		if cs.sender().HasOutgoing() {
			return true
		}
	}
	return false
}

func writeRecord(w bitio.BitWrite, settings channels.Settings, o channels.Outgoing[payload]) {
	bitio.WriteUnsigned(w, uint64(o.Index), 16)
	if settings.Mode == channels.TickBuffered {
		bitio.WriteUnsigned(w, uint64(o.Message.tick), 16)
	}
	bitio.WriteUnsigned(w, uint64(o.Message.record), 2)
	if o.Message.record != recMessage {
		bitio.WriteUnsignedVariable(w, o.Message.corrID, 7)
	}
	if o.Message.frag != nil {
		w.WriteBit(true)
		bitio.WriteUnsigned(w, uint64(o.Message.frag.group), 16)
		bitio.WriteUnsignedVariable(w, uint64(o.Message.frag.index), 5)
		bitio.WriteUnsignedVariable(w, uint64(o.Message.frag.total), 5)
		bitio.WriteUnsignedVariable(w, uint64(o.Message.bits), 11)
	} else {
		w.WriteBit(false)
	}
	bitio.CopyBits(w, o.Message.bytes, o.Message.bits)
}

// WriteMessages packs due messages into the packet as CHANNEL-MSG blocks,
// greedily, never splitting a record. Written indices are recorded under
// packetIndex for delivery notification. The caller terminates the block
// list separately.
func (m *Manager) WriteMessages(w *bitio.Writer, packetIndex wire.PacketIndex, now time.Time) {
	for _, kind := range m.kinds.All() {
		cs, ok := m.senders[kind]
		if !ok {
			continue
		}
		outgoing := append([]channels.Outgoing[payload](nil), cs.sender().Outgoing()...)
		if len(outgoing) == 0 {
			continue
		}
		headerWritten := false
		for _, o := range outgoing {
			c := w.Counter()
			if !headerWritten {
				c.WriteBit(true)
				_ = m.kinds.WriteKind(c, kind)
			}
			c.WriteBit(true)
			writeRecord(c, cs.settings, o)
			c.WriteBit(false) // record list terminator
			c.WriteBit(false) // block list terminator
			if c.Overflowed() {
				if !headerWritten && w.BitCount() == 0 {
					slog.Warn("message too large for an empty packet, deferring",
						"channel", kind, "bits", o.Message.bits)
				}
				if headerWritten {
					w.WriteBit(false)
				}
				return
			}
			if !headerWritten {
				w.WriteBit(true)
				_ = m.kinds.WriteKind(w, kind)
				headerWritten = true
			}
			w.WriteBit(true)
			writeRecord(w, cs.settings, o)
			cs.sender().MarkSent(o.Index, now)
			m.sentRecords[packetIndex] = append(m.sentRecords[packetIndex], sentEntry{channel: kind, index: o.Index})
		}
		if headerWritten {
			w.WriteBit(false)
		}
	}
}

// ReadMessages parses CHANNEL-MSG blocks and dispatches records to channel
// receivers, draining whatever becomes deliverable.
func (m *Manager) ReadMessages(r *bitio.Reader) error {
	for {
		cont, err := r.ReadBit()
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
		kind, err := m.kinds.ReadKind(r)
		if err != nil {
			return err
		}
		cr, ok := m.receivers[kind]
		if !ok {
			return ErrChannelNotConfiguredForReceive
		}
		for {
			more, err := r.ReadBit()
			if err != nil {
				return err
			}
			if !more {
				break
			}
			if err := m.readRecord(r, kind, cr); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) readRecord(r *bitio.Reader, kind channels.Kind, cr *channelReceiver) error {
	rawIndex, err := bitio.ReadUnsigned(r, 16)
	if err != nil {
		return err
	}
	index := wire.MessageIndex(rawIndex)
	var tick wire.Tick
	if cr.settings.Mode == channels.TickBuffered {
		rawTick, err := bitio.ReadUnsigned(r, 16)
		if err != nil {
			return err
		}
		tick = wire.Tick(rawTick)
	}
	rawRecord, err := bitio.ReadUnsigned(r, 2)
	if err != nil {
		return err
	}
	if rawRecord > uint64(recResponse) {
		return ErrUnknownMessageNetID
	}
	in := inbound{record: recordType(rawRecord)}
	if in.record != recMessage {
		in.corrID, err = bitio.ReadUnsignedVariable(r, 7)
		if err != nil {
			return err
		}
	}
	isFragment, err := r.ReadBit()
	if err != nil {
		return err
	}
	if isFragment {
		group, err := bitio.ReadUnsigned(r, 16)
		if err != nil {
			return err
		}
		fragIndex, err := bitio.ReadUnsignedVariable(r, 5)
		if err != nil {
			return err
		}
		total, err := bitio.ReadUnsignedVariable(r, 5)
		if err != nil {
			return err
		}
		bits, err := bitio.ReadUnsignedVariable(r, 11)
		if err != nil {
			return err
		}
		if bits > FragmentationLimitBits || total == 0 || fragIndex >= total {
			return bitio.ErrExhausted
		}
		if int(bits) > r.BitsRemaining() {
			return bitio.ErrExhausted
		}
		chunkWriter := bitio.NewWriter(int(bits))
		for i := 0; i < int(bits); i++ {
			bit, err := r.ReadBit()
			if err != nil {
				return err
			}
			chunkWriter.WriteBit(bit)
		}
		in.chunk = &fragChunk{
			fragInfo: fragInfo{group: uint16(group), index: uint32(fragIndex), total: uint32(total)},
			bytes:    chunkWriter.Bytes(),
			bits:     int(bits),
		}
	} else {
		in.message, err = m.registry.ReadMessage(r)
		if err != nil {
			return err
		}
	}

	if cr.tick != nil {
		cr.tick.Buffer(index, channels.TickTagged[inbound]{Tick: tick, Message: in})
		return nil
	}
	cr.recv.Buffer(index, in)
	for _, released := range cr.recv.Receive() {
		m.dispatch(kind, cr, released)
	}
	return nil
}

func (m *Manager) dispatch(kind channels.Kind, cr *channelReceiver, in inbound) {
	if in.chunk != nil {
		assembled, ok := m.reassemble(cr, in)
		if !ok {
			return
		}
		in = assembled
	}
	switch in.record {
	case recMessage:
		m.readyMessages = append(m.readyMessages, Received{Channel: kind, Message: in.message})
	case recRequest:
		id := m.nextResponseID
		m.nextResponseID++
		m.responseRoutes[id] = responseRoute{channel: kind, remoteCorrID: in.corrID}
		m.readyRequests = append(m.readyRequests, ReceivedRequest{
			Channel: kind,
			Key:     ResponseSendKey{ID: id},
			Message: in.message,
		})
	case recResponse:
		id := wire.GlobalRequestID(in.corrID)
		if _, ok := m.awaitingRequests[id]; !ok {
			slog.Debug("response for unknown request dropped", "requestID", id)
			return
		}
		delete(m.awaitingRequests, id)
		m.pendingResponses[id] = in.message
	}
}

func (m *Manager) reassemble(cr *channelReceiver, in inbound) (inbound, bool) {
	chunk := in.chunk
	asm, ok := cr.reassembly[chunk.group]
	if !ok {
		asm = &fragAssembly{
			record: in.record,
			corrID: in.corrID,
			chunks: make(map[uint32]fragChunk),
			total:  chunk.total,
		}
		cr.reassembly[chunk.group] = asm
	}
	asm.chunks[chunk.index] = *chunk
	if uint32(len(asm.chunks)) < asm.total {
		return inbound{}, false
	}
	delete(cr.reassembly, chunk.group)

	totalBits := 0
	for _, c := range asm.chunks {
		totalBits += c.bits
	}
	assembled := bitio.NewWriter(totalBits)
	for i := uint32(0); i < asm.total; i++ {
		c := asm.chunks[i]
		bitio.CopyBits(assembled, c.bytes, c.bits)
	}
	message, err := m.registry.ReadMessage(bitio.NewReader(assembled.Bytes()))
	if err != nil {
		slog.Warn("dropping undecodable reassembled message", "error", err)
		return inbound{}, false
	}
	return inbound{record: asm.record, corrID: asm.corrID, message: message}, true
}

// ReceiveMessages drains delivered messages.
func (m *Manager) ReceiveMessages() []Received {
	out := m.readyMessages
	m.readyMessages = nil
	return out
}

// ReceiveRequests drains delivered requests.
func (m *Manager) ReceiveRequests() []ReceivedRequest {
	out := m.readyRequests
	m.readyRequests = nil
	return out
}

// ReceiveResponse pops the response for a request, if it has arrived.
func (m *Manager) ReceiveResponse(id wire.GlobalRequestID) (Message, bool) {
	message, ok := m.pendingResponses[id]
	if ok {
		delete(m.pendingResponses, id)
	}
	return message, ok
}

// ReceiveTickBuffered releases the input messages bound to tick.
func (m *Manager) ReceiveTickBuffered(tick wire.Tick) []Received {
	var out []Received
	for kind, cr := range m.receivers {
		if cr.tick == nil {
			continue
		}
		for _, in := range cr.tick.ReceiveForTick(tick) {
			if in.chunk != nil {
				assembled, ok := m.reassemble(cr, in)
				if !ok {
					continue
				}
				in = assembled
			}
			if in.record == recMessage {
				out = append(out, Received{Channel: kind, Message: in.message})
			}
		}
	}
	return out
}

// NotifyPacketDelivered retires every reliable message the packet carried.
func (m *Manager) NotifyPacketDelivered(packetIndex wire.PacketIndex) {
	entries, ok := m.sentRecords[packetIndex]
	if !ok {
		return
	}
	delete(m.sentRecords, packetIndex)
	for _, e := range entries {
		if cs, ok := m.senders[e.channel]; ok {
			cs.sender().NotifyDelivered(e.index)
		}
	}
}

// NotifyPacketDropped forgets the packet's record; its reliable messages
// remain queued and will resend on their interval.
func (m *Manager) NotifyPacketDropped(packetIndex wire.PacketIndex) {
	delete(m.sentRecords, packetIndex)
}
