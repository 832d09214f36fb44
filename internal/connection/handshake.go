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
	"crypto/rand"
	"encoding/binary"
	"errors"

	"github.com/AngelOnFira/naia-sub000/internal/bitio"
	"github.com/AngelOnFira/naia-sub000/internal/wire"
)

// The handshake rides on unreliable packets, so both sides must tolerate
// loss and duplication: every message is safe to re-process, and the client
// re-sends its current message until the server's answer moves it forward.

var ErrHandshakeMalformed = errors.New("malformed handshake packet")

// HandshakeState is the client handshake progression.
type HandshakeState uint8

const (
	HandshakeAwaitingChallenge HandshakeState = iota
	HandshakeAwaitingConnect
	HandshakeConnected
	HandshakeRejected
)

// ClientHandshake drives the client side of the challenge/connect exchange.
type ClientHandshake struct {
	state HandshakeState
	nonce uint64
}

// NewClientHandshake creates a handshake with a random nonce.
func NewClientHandshake() *ClientHandshake {
	var raw [8]byte
	_, _ = rand.Read(raw[:])
	return &ClientHandshake{nonce: binary.LittleEndian.Uint64(raw[:])}
}

// State returns the progression state.
func (c *ClientHandshake) State() HandshakeState { return c.state }

// WriteCurrent writes the message for the current state (after the
// standard header): the sub-type byte plus payload.
func (c *ClientHandshake) WriteCurrent(w bitio.BitWrite) {
	switch c.state {
	case HandshakeAwaitingChallenge:
		bitio.WriteByte(w, byte(wire.HandshakeClientChallengeRequest))
		bitio.WriteUnsigned(w, c.nonce, 64)
	case HandshakeAwaitingConnect:
		bitio.WriteByte(w, byte(wire.HandshakeClientConnectRequest))
		bitio.WriteUnsigned(w, c.nonce, 64)
	}
}

// Process advances the state machine with a server handshake payload.
// Malformed input is treated as a drop.
func (c *ClientHandshake) Process(r *bitio.Reader) {
	subType, err := r.ReadByte()
	if err != nil {
		return
	}
	switch wire.HandshakeType(subType) {
	case wire.HandshakeServerChallengeResponse:
		echoed, err := bitio.ReadUnsigned(r, 64)
		if err != nil || echoed != c.nonce {
			return
		}
		if c.state == HandshakeAwaitingChallenge {
			c.state = HandshakeAwaitingConnect
		}
	case wire.HandshakeServerConnectResponse:
		echoed, err := bitio.ReadUnsigned(r, 64)
		if err != nil || echoed != c.nonce {
			return
		}
		if c.state == HandshakeAwaitingConnect {
			c.state = HandshakeConnected
		}
	case wire.HandshakeDisconnect:
		c.state = HandshakeRejected
	}
}

// ServerHandshake answers client handshake messages statelessly: each
// response echoes the client's nonce, so a half-open exchange holds no
// server memory.
type ServerHandshake struct{}

// ServerHandshakeResult describes what a processed message asks for.
type ServerHandshakeResult struct {
	// Respond is the reply payload to send, nil when the input was dropped.
	Respond []byte
	// Connected is true once a ClientConnectRequest was answered; the
	// caller promotes the address to a live connection.
	Connected bool
	// Disconnect is true when the peer announced disconnection.
	Disconnect bool
}

// Process handles one client handshake payload. Any malformed byte
// sequence is a drop.
func (ServerHandshake) Process(r *bitio.Reader) ServerHandshakeResult {
	subType, err := r.ReadByte()
	if err != nil {
		return ServerHandshakeResult{}
	}
	switch wire.HandshakeType(subType) {
	case wire.HandshakeClientChallengeRequest:
		nonce, err := bitio.ReadUnsigned(r, 64)
		if err != nil {
			return ServerHandshakeResult{}
		}
		return ServerHandshakeResult{Respond: handshakePayload(wire.HandshakeServerChallengeResponse, nonce)}
	case wire.HandshakeClientConnectRequest:
		nonce, err := bitio.ReadUnsigned(r, 64)
		if err != nil {
			return ServerHandshakeResult{}
		}
		return ServerHandshakeResult{
			Respond:   handshakePayload(wire.HandshakeServerConnectResponse, nonce),
			Connected: true,
		}
	case wire.HandshakeDisconnect:
		return ServerHandshakeResult{Disconnect: true}
	default:
		return ServerHandshakeResult{}
	}
}

// DisconnectPayload builds the handshake payload announcing disconnection.
func DisconnectPayload() []byte {
	w := bitio.NewWriter(16)
	bitio.WriteByte(w, byte(wire.HandshakeDisconnect))
	return w.Bytes()
}

func handshakePayload(t wire.HandshakeType, nonce uint64) []byte {
	w := bitio.NewWriter(128)
	bitio.WriteByte(w, byte(t))
	bitio.WriteUnsigned(w, nonce, 64)
	return w.Bytes()
}
