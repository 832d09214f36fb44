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

package entity

import (
	"fmt"

	"github.com/AngelOnFira/naia-sub000/internal/bitio"
)

// Three id spaces coexist. GlobalEntity is process-wide; HostEntity is the
// connection-local id this side generated; RemoteEntity is the
// connection-local id the peer generated. On the wire an entity reference is
// an OwnedLocalEntity: a tag bit plus the local id, with the tag reversed on
// read because the sender's "host" is the receiver's "remote".

// localFlagBit marks GlobalEntity values minted by a client for entities the
// server has not yet adopted.
const localFlagBit = 1 << 63

// GlobalEntity is the process-wide stable key for an entity.
type GlobalEntity uint64

// NewGlobalEntity builds a global entity id from a raw value.
func NewGlobalEntity(value uint64) GlobalEntity {
	return GlobalEntity(value &^ localFlagBit)
}

// NewLocalGlobalEntity builds a global entity id flagged as locally minted.
func NewLocalGlobalEntity(value uint64) GlobalEntity {
	return GlobalEntity(value | localFlagBit)
}

// IsLocal reports whether the id carries the local flag.
func (g GlobalEntity) IsLocal() bool {
	return g&localFlagBit != 0
}

func (g GlobalEntity) String() string {
	if g.IsLocal() {
		return fmt.Sprintf("GlobalEntity(local %d)", uint64(g)&^uint64(localFlagBit))
	}
	return fmt.Sprintf("GlobalEntity(%d)", uint64(g))
}

// HostEntity is a connection-local id generated by the local side.
type HostEntity uint64

// RemoteEntity is a connection-local id generated by the peer.
type RemoteEntity uint64

// entityIDDigitBits is the varint digit width for local entity ids.
const entityIDDigitBits = 7

// OwnedLocalEntity is the wire form of an entity reference: one tag bit for
// host/remote plus the local id.
type OwnedLocalEntity struct {
	Host  bool
	Value uint64
}

// OwnedHost wraps a HostEntity for the wire.
func OwnedHost(h HostEntity) OwnedLocalEntity {
	return OwnedLocalEntity{Host: true, Value: uint64(h)}
}

// OwnedRemote wraps a RemoteEntity for the wire.
func OwnedRemote(r RemoteEntity) OwnedLocalEntity {
	return OwnedLocalEntity{Host: false, Value: uint64(r)}
}

// Ser writes the tag bit and id as the sender sees them.
func (o OwnedLocalEntity) Ser(w bitio.BitWrite) {
	w.WriteBit(o.Host)
	bitio.WriteUnsignedVariable(w, o.Value, entityIDDigitBits)
}

// DeOwnedLocalEntity reads an entity reference, reversing the tag: what the
// sender called host is remote here, and vice versa.
func DeOwnedLocalEntity(r *bitio.Reader) (OwnedLocalEntity, error) {
	senderHost, err := r.ReadBit()
	if err != nil {
		return OwnedLocalEntity{}, err
	}
	value, err := bitio.ReadUnsignedVariable(r, entityIDDigitBits)
	if err != nil {
		return OwnedLocalEntity{}, err
	}
	return OwnedLocalEntity{Host: !senderHost, Value: value}, nil
}

func (o OwnedLocalEntity) String() string {
	if o.Host {
		return fmt.Sprintf("Host(%d)", o.Value)
	}
	return fmt.Sprintf("Remote(%d)", o.Value)
}
