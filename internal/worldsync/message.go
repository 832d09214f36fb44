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

package worldsync

import (
	"fmt"

	"github.com/AngelOnFira/naia-sub000/internal/component"
	"github.com/AngelOnFira/naia-sub000/internal/wire"
)

// MessageType enumerates the reliable entity commands.
type MessageType uint8

const (
	TypeSpawn MessageType = iota
	TypeDespawn
	TypeInsertComponent
	TypeRemoveComponent
	TypePublish
	TypeUnpublish
	TypeEnableDelegation
	TypeDisableDelegation
	TypeSetAuthority
	TypeRequestAuthority
	TypeReleaseAuthority
	TypeEnableDelegationResponse
	TypeMigrateResponse
	TypeNoop
)

func (t MessageType) String() string {
	switch t {
	case TypeSpawn:
		return "Spawn"
	case TypeDespawn:
		return "Despawn"
	case TypeInsertComponent:
		return "InsertComponent"
	case TypeRemoveComponent:
		return "RemoveComponent"
	case TypePublish:
		return "Publish"
	case TypeUnpublish:
		return "Unpublish"
	case TypeEnableDelegation:
		return "EnableDelegation"
	case TypeDisableDelegation:
		return "DisableDelegation"
	case TypeSetAuthority:
		return "SetAuthority"
	case TypeRequestAuthority:
		return "RequestAuthority"
	case TypeReleaseAuthority:
		return "ReleaseAuthority"
	case TypeEnableDelegationResponse:
		return "EnableDelegationResponse"
	case TypeMigrateResponse:
		return "MigrateResponse"
	case TypeNoop:
		return "Noop"
	default:
		return "Unknown"
	}
}

// IsAuthMessage reports whether the type routes to the auth sub-channel.
func (t MessageType) IsAuthMessage() bool {
	switch t {
	case TypePublish, TypeUnpublish, TypeEnableDelegation, TypeDisableDelegation,
		TypeSetAuthority, TypeRequestAuthority, TypeReleaseAuthority,
		TypeEnableDelegationResponse, TypeMigrateResponse:
		return true
	default:
		return false
	}
}

// HasSubID reports whether the command carries a SubCommandID on the wire.
func (t MessageType) HasSubID() bool {
	switch t {
	case TypeSetAuthority, TypeRequestAuthority, TypeReleaseAuthority,
		TypeEnableDelegationResponse, TypeMigrateResponse:
		return true
	default:
		return false
	}
}

// Unit is the empty entity tag used inside per-entity channels, where the
// owning entity is implied.
type Unit = struct{}

// Message is one entity command, tagged with the entity in whichever id
// space applies to its direction. Payload carries the deserialized
// component for InsertComponent commands; it rides along unexamined while
// the command waits for its spawn.
type Message[E comparable] struct {
	Type      MessageType
	Entity    E
	Component component.Kind
	Auth      wire.EntityAuthStatus
	SubID     wire.SubCommandID
	Payload   component.Replicate
}

func (m Message[E]) String() string {
	return fmt.Sprintf("%s(%v)", m.Type, m.Entity)
}

// Retag rebinds a message to a different entity tag.
func Retag[E, F comparable](m Message[E], entity F) Message[F] {
	return Message[F]{
		Type:      m.Type,
		Entity:    entity,
		Component: m.Component,
		Auth:      m.Auth,
		SubID:     m.SubID,
		Payload:   m.Payload,
	}
}

// Untag strips the entity tag for storage inside a per-entity channel.
func Untag[E comparable](m Message[E]) Message[Unit] {
	return Retag(m, Unit{})
}

// ReplicationMode is the delegation mode of an entity.
type ReplicationMode uint8

const (
	// ModePrivate: visible only to the owning connection.
	ModePrivate ReplicationMode = iota
	// ModePublic: remote-owned but visible to other peers.
	ModePublic
	// ModeDelegated: write authority is migratable.
	ModeDelegated
)

func (m ReplicationMode) String() string {
	switch m {
	case ModePrivate:
		return "Private"
	case ModePublic:
		return "Public"
	case ModeDelegated:
		return "Delegated"
	default:
		return "Unknown"
	}
}
