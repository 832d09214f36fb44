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
	"errors"

	"github.com/AngelOnFira/naia-sub000/internal/bitio"
	"github.com/AngelOnFira/naia-sub000/internal/component"
	"github.com/AngelOnFira/naia-sub000/internal/entity"
	"github.com/AngelOnFira/naia-sub000/internal/wire"
	"github.com/AngelOnFira/naia-sub000/internal/world"
	"github.com/AngelOnFira/naia-sub000/internal/worldsync"
)

var ErrUnknownCommandType = errors.New("unknown entity command type")

// commandTypeBits is the width of the command type tag.
const commandTypeBits = 4

// updateLengthDigitBits is the varint digit width of the update body length
// prefix, which lets a reader hold an update for a not-yet-spawned entity
// without understanding its fields.
const updateLengthDigitBits = 11

// writeCommand serializes one ENTITY-COMMAND record (after its continuation
// bit): type tag, command id, sub-command id if applicable, local entity id
// (reversed on read), then any payload.
func writeCommand(w bitio.BitWrite, registry *component.Registry, conv entity.Converter, cmd world.SentCommand) error {
	bitio.WriteUnsigned(w, uint64(cmd.Msg.Type), commandTypeBits)
	bitio.WriteUnsigned(w, uint64(cmd.ID), 16)
	if cmd.Msg.Type.HasSubID() {
		bitio.WriteUnsigned(w, uint64(cmd.Msg.SubID), 16)
	}
	owned, err := conv.OwnedFromGlobal(cmd.Msg.Entity)
	if err != nil {
		return err
	}
	owned.Ser(w)

	switch cmd.Msg.Type {
	case worldsync.TypeInsertComponent:
		if err := registry.WriteKind(w, cmd.Msg.Component); err != nil {
			return err
		}
		if cmd.Msg.Payload != nil {
			cmd.Msg.Payload.Write(conv, w)
		}
	case worldsync.TypeRemoveComponent:
		if err := registry.WriteKind(w, cmd.Msg.Component); err != nil {
			return err
		}
	case worldsync.TypeSetAuthority:
		bitio.WriteUnsigned(w, uint64(cmd.Msg.Auth), 3)
	}
	return nil
}

// readCommand parses one ENTITY-COMMAND record. The returned entity
// reference is already tag-reversed: commands about the peer's entities
// carry the remote tag, commands about our own host entities (authority
// requests) carry the host tag.
func readCommand(r *bitio.Reader, registry *component.Registry, conv entity.Converter) (wire.CommandID, entity.OwnedLocalEntity, worldsync.Message[worldsync.Unit], error) {
	var msg worldsync.Message[worldsync.Unit]
	var owned entity.OwnedLocalEntity
	rawType, err := bitio.ReadUnsigned(r, commandTypeBits)
	if err != nil {
		return 0, owned, msg, err
	}
	if rawType > uint64(worldsync.TypeNoop) {
		return 0, owned, msg, ErrUnknownCommandType
	}
	msg.Type = worldsync.MessageType(rawType)
	rawID, err := bitio.ReadUnsigned(r, 16)
	if err != nil {
		return 0, owned, msg, err
	}
	if msg.Type.HasSubID() {
		rawSub, err := bitio.ReadUnsigned(r, 16)
		if err != nil {
			return 0, owned, msg, err
		}
		msg.SubID = wire.SubCommandID(rawSub)
	}
	owned, err = entity.DeOwnedLocalEntity(r)
	if err != nil {
		return 0, owned, msg, err
	}

	switch msg.Type {
	case worldsync.TypeInsertComponent:
		kind, err := registry.ReadKind(r)
		if err != nil {
			return 0, owned, msg, err
		}
		descriptor, err := registry.Descriptor(kind)
		if err != nil {
			return 0, owned, msg, err
		}
		payload, err := descriptor.ReadCreate(conv, r)
		if err != nil {
			return 0, owned, msg, err
		}
		msg.Component = kind
		msg.Payload = payload
	case worldsync.TypeRemoveComponent:
		kind, err := registry.ReadKind(r)
		if err != nil {
			return 0, owned, msg, err
		}
		msg.Component = kind
	case worldsync.TypeSetAuthority:
		rawAuth, err := bitio.ReadUnsigned(r, 3)
		if err != nil {
			return 0, owned, msg, err
		}
		if rawAuth > uint64(wire.AuthDenied) {
			return 0, owned, msg, ErrUnknownCommandType
		}
		msg.Auth = wire.EntityAuthStatus(rawAuth)
	}
	return wire.CommandID(rawID), owned, msg, nil
}
