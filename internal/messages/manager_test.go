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

package messages_test

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/AngelOnFira/naia-sub000/internal/bitio"
	"github.com/AngelOnFira/naia-sub000/internal/channels"
	"github.com/AngelOnFira/naia-sub000/internal/messages"
	"github.com/AngelOnFira/naia-sub000/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	chatChannel  channels.Kind = 1
	stateChannel channels.Kind = 2
	inputChannel channels.Kind = 3
)

var textKind = messages.KindOf("Text")

type textMessage struct {
	Body []byte
}

func (t *textMessage) MessageKind() messages.Kind { return textKind }

func (t *textMessage) Write(w bitio.BitWrite) {
	bitio.WriteUnsignedVariable(w, uint64(len(t.Body)), 9)
	bitio.WriteBytes(w, t.Body)
}

func readText(r *bitio.Reader) (messages.Message, error) {
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
	return &textMessage{Body: body}, nil
}

func testProtocol(t *testing.T) (*channels.Kinds, *messages.Registry) {
	t.Helper()
	kinds := channels.NewKinds()
	require.NoError(t, kinds.Add(chatChannel, channels.Settings{Mode: channels.OrderedReliable, Direction: channels.Bidirectional}))
	require.NoError(t, kinds.Add(stateChannel, channels.Settings{Mode: channels.SequencedUnreliable, Direction: channels.ServerToClient}))
	require.NoError(t, kinds.Add(inputChannel, channels.Settings{Mode: channels.TickBuffered, Direction: channels.ClientToServer}))
	registry := messages.NewRegistry()
	require.NoError(t, registry.Register(messages.Descriptor{Kind: textKind, Name: "Text", Read: readText}))
	return kinds, registry
}

func pump(t *testing.T, from, to *messages.Manager, packetIndex wire.PacketIndex) {
	t.Helper()
	now := time.Now()
	from.Collect(now, 50*time.Millisecond)
	if !from.HasOutgoing() {
		return
	}
	w := bitio.NewWriter(wire.MaxPacketBits)
	from.WriteMessages(w, packetIndex, now)
	w.WriteBit(false) // block list terminator
	require.NoError(t, to.ReadMessages(bitio.NewReader(w.Bytes())))
	from.NotifyPacketDelivered(packetIndex)
}

func TestSendReceiveRoundTrip(t *testing.T) {
	t.Parallel()
	kinds, registry := testProtocol(t)
	server := messages.NewManager(wire.HostServer, kinds, registry)
	client := messages.NewManager(wire.HostClient, kinds, registry)

	require.NoError(t, server.TrySendMessage(chatChannel, &textMessage{Body: []byte("hello")}))
	pump(t, server, client, 1)

	received := client.ReceiveMessages()
	require.Len(t, received, 1)
	assert.Equal(t, chatChannel, received[0].Channel)
	assert.Equal(t, []byte("hello"), received[0].Message.(*textMessage).Body)
}

func TestDirectionEnforced(t *testing.T) {
	t.Parallel()
	kinds, registry := testProtocol(t)
	client := messages.NewManager(wire.HostClient, kinds, registry)

	// stateChannel is server→client.
	err := client.TrySendMessage(stateChannel, &textMessage{Body: []byte("x")})
	assert.ErrorIs(t, err, messages.ErrChannelNotConfiguredForSend)

	// Tick-buffered channels refuse plain sends.
	err = client.TrySendMessage(inputChannel, &textMessage{Body: []byte("x")})
	assert.ErrorIs(t, err, messages.ErrChannelRequiresTick)
}

// S3: a fragmented reliable message arriving with fragments out of order is
// delivered exactly once with its original content.
func TestFragmentedMessageReassembly(t *testing.T) {
	t.Parallel()
	kinds, registry := testProtocol(t)
	server := messages.NewManager(wire.HostServer, kinds, registry)
	client := messages.NewManager(wire.HostClient, kinds, registry)

	body := make([]byte, 1200) // ~9600 bits, several fragments
	rng := rand.New(rand.NewSource(3))
	rng.Read(body)
	require.NoError(t, server.TrySendMessage(chatChannel, &textMessage{Body: body}))

	now := time.Now()
	server.Collect(now, 50*time.Millisecond)

	// Capture each fragment in its own packet.
	var packets [][]byte
	for i := wire.PacketIndex(0); server.HasOutgoing(); i++ {
		w := bitio.NewWriter(wire.MaxPacketBits)
		server.WriteMessages(w, i, now)
		w.WriteBit(false)
		packets = append(packets, w.Bytes())
		server.NotifyPacketDelivered(i)
		server.Collect(now, 50*time.Millisecond)
	}
	require.Greater(t, len(packets), 1, "message should have fragmented across packets")

	// Deliver packets out of order.
	order := rng.Perm(len(packets))
	for _, i := range order {
		require.NoError(t, client.ReadMessages(bitio.NewReader(packets[i])))
	}

	received := client.ReceiveMessages()
	require.Len(t, received, 1)
	assert.True(t, bytes.Equal(body, received[0].Message.(*textMessage).Body))
	// No duplicate delivery afterwards.
	assert.Empty(t, client.ReceiveMessages())
}

func TestOversizeUnreliableRefused(t *testing.T) {
	t.Parallel()
	kinds, registry := testProtocol(t)
	server := messages.NewManager(wire.HostServer, kinds, registry)

	body := make([]byte, 4096)
	err := server.TrySendMessage(stateChannel, &textMessage{Body: body})
	assert.ErrorIs(t, err, messages.ErrMessageTooLarge)
}

func TestRequestResponseCorrelation(t *testing.T) {
	t.Parallel()
	kinds, registry := testProtocol(t)
	server := messages.NewManager(wire.HostServer, kinds, registry)
	client := messages.NewManager(wire.HostClient, kinds, registry)

	id, err := client.TrySendRequest(chatChannel, &textMessage{Body: []byte("whoami")})
	require.NoError(t, err)
	pump(t, client, server, 1)

	requests := server.ReceiveRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, []byte("whoami"), requests[0].Message.(*textMessage).Body)

	require.NoError(t, server.TrySendResponse(requests[0].Key, &textMessage{Body: []byte("user-9")}))
	// A second response on the same key is refused.
	assert.ErrorIs(t, server.TrySendResponse(requests[0].Key, &textMessage{Body: []byte("x")}), messages.ErrUnknownResponseKey)
	pump(t, server, client, 2)

	response, ok := client.ReceiveResponse(id)
	require.True(t, ok)
	assert.Equal(t, []byte("user-9"), response.(*textMessage).Body)
	_, ok = client.ReceiveResponse(id)
	assert.False(t, ok)
}

func TestRequestOnNonBidirectionalChannel(t *testing.T) {
	t.Parallel()
	kinds, registry := testProtocol(t)
	server := messages.NewManager(wire.HostServer, kinds, registry)

	_, err := server.TrySendRequest(stateChannel, &textMessage{Body: []byte("q")})
	assert.ErrorIs(t, err, messages.ErrChannelNotBidirectional)
}

func TestTickBufferedDelivery(t *testing.T) {
	t.Parallel()
	kinds, registry := testProtocol(t)
	server := messages.NewManager(wire.HostServer, kinds, registry)
	client := messages.NewManager(wire.HostClient, kinds, registry)

	require.NoError(t, client.TrySendTickBuffered(inputChannel, 30, &textMessage{Body: []byte("jump")}))
	require.NoError(t, client.TrySendTickBuffered(inputChannel, 31, &textMessage{Body: []byte("shoot")}))
	pump(t, client, server, 1)

	assert.Empty(t, server.ReceiveTickBuffered(29))
	got := server.ReceiveTickBuffered(30)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("jump"), got[0].Message.(*textMessage).Body)
	got = server.ReceiveTickBuffered(31)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("shoot"), got[0].Message.(*textMessage).Body)
}

func TestReliableResendAfterLoss(t *testing.T) {
	t.Parallel()
	kinds, registry := testProtocol(t)
	server := messages.NewManager(wire.HostServer, kinds, registry)
	client := messages.NewManager(wire.HostClient, kinds, registry)

	require.NoError(t, server.TrySendMessage(chatChannel, &textMessage{Body: []byte("lost")}))

	now := time.Now()
	server.Collect(now, 10*time.Millisecond)
	w := bitio.NewWriter(wire.MaxPacketBits)
	server.WriteMessages(w, 1, now)
	w.WriteBit(false)
	// Packet 1 is lost.
	server.NotifyPacketDropped(1)

	// Past the resend interval the message goes out again.
	later := now.Add(time.Second)
	server.Collect(later, 10*time.Millisecond)
	w2 := bitio.NewWriter(wire.MaxPacketBits)
	server.WriteMessages(w2, 2, later)
	w2.WriteBit(false)
	require.NoError(t, client.ReadMessages(bitio.NewReader(w2.Bytes())))
	server.NotifyPacketDelivered(2)

	received := client.ReceiveMessages()
	require.Len(t, received, 1)
	assert.Equal(t, []byte("lost"), received[0].Message.(*textMessage).Body)
}

func TestMalformedInputOnlyErrors(t *testing.T) {
	t.Parallel()
	kinds, registry := testProtocol(t)
	server := messages.NewManager(wire.HostServer, kinds, registry)

	rng := rand.New(rand.NewSource(99))
	for i := 0; i < 1000; i++ {
		junk := make([]byte, 1024)
		rng.Read(junk)
		// Must return an error or parse cleanly; never panic.
		_ = server.ReadMessages(bitio.NewReader(junk))
	}
}
