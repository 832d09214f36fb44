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

package transport_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/AngelOnFira/naia-sub000/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const socketWait = 5 * time.Second

// udpPair opens a real server socket on a kernel-assigned loopback port and
// dials it with a real client socket.
func udpPair(t *testing.T) (*transport.UDPServerSocket, *transport.UDPClientSocket) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	serverSock := transport.NewUDPServerSocket(netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, serverSock.Listen(ctx))
	t.Cleanup(func() { _ = serverSock.Close() })

	clientSock := transport.NewUDPClientSocket(serverSock.LocalAddr())
	require.NoError(t, clientSock.Connect(ctx))
	t.Cleanup(func() { _ = clientSock.Close() })

	return serverSock, clientSock
}

func TestUDPSocketRoundTrip(t *testing.T) {
	t.Parallel()
	serverSock, clientSock := udpPair(t)

	require.NoError(t, clientSock.Send([]byte("ping over udp")))

	var received transport.Packet
	select {
	case received = <-serverSock.Packets():
	case <-time.After(socketWait):
		t.Fatal("server never received the datagram")
	}
	assert.Equal(t, []byte("ping over udp"), received.Data)

	// Reply to the observed source address.
	require.NoError(t, serverSock.Send(received.Addr, []byte("pong over udp")))
	select {
	case data := <-clientSock.Packets():
		assert.Equal(t, []byte("pong over udp"), data)
	case <-time.After(socketWait):
		t.Fatal("client never received the reply")
	}
}

func TestUDPSocketManyDatagrams(t *testing.T) {
	t.Parallel()
	serverSock, clientSock := udpPair(t)

	const count = 50
	for i := 0; i < count; i++ {
		require.NoError(t, clientSock.Send([]byte{byte(i)}))
	}

	seen := make(map[byte]bool)
	deadline := time.After(socketWait)
	// UDP may drop or reorder even on loopback; most datagrams arriving is
	// the realistic assertion.
	for len(seen) < count/2 {
		select {
		case packet := <-serverSock.Packets():
			require.Len(t, packet.Data, 1)
			seen[packet.Data[0]] = true
		case <-deadline:
			t.Fatalf("only %d/%d datagrams arrived", len(seen), count)
		}
	}
}

func TestUDPSocketAuthIsNoOpAccept(t *testing.T) {
	t.Parallel()
	_, clientSock := udpPair(t)

	// UDP has no auth stream; identity resolves immediately without a
	// rejection.
	require.NoError(t, clientSock.SendAuth([]byte("credential"), nil))
	select {
	case identity := <-clientSock.Identity():
		assert.False(t, identity.Rejected)
	case <-time.After(socketWait):
		t.Fatal("identity never resolved")
	}
}

func TestUDPSocketCloseStopsReadLoop(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverSock := transport.NewUDPServerSocket(netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, serverSock.Listen(ctx))
	require.NoError(t, serverSock.Close())

	select {
	case _, ok := <-serverSock.Packets():
		assert.False(t, ok, "packet channel must close after the socket closes")
	case <-time.After(socketWait):
		t.Fatal("packet channel never closed")
	}

	// Sending on a closed socket surfaces an error rather than hanging.
	assert.Error(t, serverSock.Send(netip.MustParseAddrPort("127.0.0.1:9"), []byte("x")))
}

func TestUDPClientSendBeforeConnect(t *testing.T) {
	t.Parallel()
	clientSock := transport.NewUDPClientSocket(netip.MustParseAddrPort("127.0.0.1:9"))
	assert.ErrorIs(t, clientSock.Send([]byte("x")), transport.ErrNotStarted)
}
