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
	"net/netip"
)

var (
	ErrAuthUnsupported = errors.New("transport does not support auth streams")
	ErrNotStarted      = errors.New("transport not started")
)

// Packet is one datagram with its source address.
type Packet struct {
	Addr netip.AddrPort
	Data []byte
}

// AuthRequest is a client's handshake-stream payload awaiting a server
// verdict.
type AuthRequest struct {
	Addr    netip.AddrPort
	Payload []byte
	Headers map[string]string

	// Accept sends the identity token back on the stream.
	Accept func(identityToken string)
	// Reject closes the stream with the unauthorized code.
	Reject func()
}

// IdentityResult is the outcome of the client's auth exchange.
type IdentityResult struct {
	Token    string
	Rejected bool
}

// ServerSocket is the server side of a datagram transport plus the
// per-client auth stream channel.
type ServerSocket interface {
	// Listen starts accepting; packets and auth requests flow on the
	// returned channels until ctx ends or Close is called.
	Listen(ctx context.Context) error
	Packets() <-chan Packet
	Auth() <-chan AuthRequest
	Send(addr netip.AddrPort, data []byte) error
	Close() error
}

// ClientSocket is the client side of a datagram transport.
type ClientSocket interface {
	Connect(ctx context.Context) error
	Packets() <-chan []byte
	// SendAuth pushes the application auth payload over the auth stream.
	SendAuth(payload []byte, headers map[string]string) error
	Identity() <-chan IdentityResult
	Send(data []byte) error
	Close() error
}
