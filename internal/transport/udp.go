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

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"

	"github.com/AngelOnFira/naia-sub000/internal/wire"
)

const packetChannelSize = 500

// socketBufferSize is applied to both UDP buffers. 1MB.
const socketBufferSize = 1000000

// UDPServerSocket carries datagrams over plain UDP. UDP has no stream
// facility, so this socket never produces auth requests (its Auth channel
// stays empty) and the client resolves an empty identity locally; deploys
// that need real auth material use the QUIC transport.
type UDPServerSocket struct {
	bind    netip.AddrPort
	conn    *net.UDPConn
	packets chan Packet
	auth    chan AuthRequest
}

// NewUDPServerSocket creates a server socket bound to bind.
func NewUDPServerSocket(bind netip.AddrPort) *UDPServerSocket {
	return &UDPServerSocket{
		bind:    bind,
		packets: make(chan Packet, packetChannelSize),
		auth:    make(chan AuthRequest, packetChannelSize),
	}
}

func (s *UDPServerSocket) Listen(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(s.bind))
	if err != nil {
		return errors.Join(errors.New("error opening UDP socket"), err)
	}
	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		slog.Warn("failed to set UDP read buffer", "error", err)
	}
	if err := conn.SetWriteBuffer(socketBufferSize); err != nil {
		slog.Warn("failed to set UDP write buffer", "error", err)
	}
	s.conn = conn
	go s.readLoop(ctx)
	return nil
}

func (s *UDPServerSocket) readLoop(ctx context.Context) {
	buffer := make([]byte, wire.MaxPacketBytes*2)
	for {
		length, addr, err := s.conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				slog.Warn("error reading from UDP socket, swallowing", "error", err)
			}
			if errors.Is(err, net.ErrClosed) {
				close(s.packets)
				return
			}
			continue
		}
		data := make([]byte, length)
		copy(data, buffer[:length])
		select {
		case s.packets <- Packet{Addr: addr, Data: data}:
		default:
			slog.Warn("dropping packet, receive channel full", "addr", addr)
		}
	}
}

// LocalAddr returns the bound address, useful when listening on port 0.
func (s *UDPServerSocket) LocalAddr() netip.AddrPort {
	if s.conn == nil {
		return s.bind
	}
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (s *UDPServerSocket) Packets() <-chan Packet { return s.packets }

func (s *UDPServerSocket) Auth() <-chan AuthRequest { return s.auth }

func (s *UDPServerSocket) Send(addr netip.AddrPort, data []byte) error {
	if s.conn == nil {
		return ErrNotStarted
	}
	_, err := s.conn.WriteToUDPAddrPort(data, addr)
	return err
}

func (s *UDPServerSocket) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// UDPClientSocket is the client end of the UDP transport. The identity
// exchange is a no-op accept, mirroring the server side.
type UDPClientSocket struct {
	server   netip.AddrPort
	conn     *net.UDPConn
	packets  chan []byte
	identity chan IdentityResult
}

// NewUDPClientSocket creates a client socket for server.
func NewUDPClientSocket(server netip.AddrPort) *UDPClientSocket {
	return &UDPClientSocket{
		server:   server,
		packets:  make(chan []byte, packetChannelSize),
		identity: make(chan IdentityResult, 1),
	}
}

func (c *UDPClientSocket) Connect(ctx context.Context) error {
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(c.server))
	if err != nil {
		return errors.Join(errors.New("error dialing UDP socket"), err)
	}
	c.conn = conn
	go c.readLoop(ctx)
	return nil
}

func (c *UDPClientSocket) readLoop(ctx context.Context) {
	buffer := make([]byte, wire.MaxPacketBytes*2)
	for {
		length, err := c.conn.Read(buffer)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				slog.Warn("error reading from UDP socket, swallowing", "error", err)
			}
			if errors.Is(err, net.ErrClosed) {
				close(c.packets)
				return
			}
			continue
		}
		data := make([]byte, length)
		copy(data, buffer[:length])
		select {
		case c.packets <- data:
		default:
			slog.Warn("dropping packet, receive channel full")
		}
	}
}

func (c *UDPClientSocket) Packets() <-chan []byte { return c.packets }

func (c *UDPClientSocket) SendAuth(_ []byte, _ map[string]string) error {
	// No stream to carry it; the server grants identity unconditionally.
	c.identity <- IdentityResult{Token: ""}
	return nil
}

func (c *UDPClientSocket) Identity() <-chan IdentityResult { return c.identity }

func (c *UDPClientSocket) Send(data []byte) error {
	if c.conn == nil {
		return ErrNotStarted
	}
	_, err := c.conn.Write(data)
	return err
}

func (c *UDPClientSocket) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
