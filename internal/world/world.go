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

package world

import (
	"errors"

	"github.com/AngelOnFira/naia-sub000/internal/component"
	"github.com/AngelOnFira/naia-sub000/internal/entity"
	"github.com/AngelOnFira/naia-sub000/internal/wire"
)

var (
	ErrWorldEntityNotFound = errors.New("entity does not exist in the world store")
	ErrComponentNotFound   = errors.New("component not present on entity")
)

// Reader is the read capability over the external entity store. The core
// does not hold component data; it reaches through these interfaces.
type Reader interface {
	HasEntity(global entity.GlobalEntity) bool
	ComponentOfKind(global entity.GlobalEntity, kind component.Kind) (component.Replicate, bool)
	ComponentKinds(global entity.GlobalEntity) []component.Kind
}

// Mutator is the write capability over the external entity store.
type Mutator interface {
	Reader
	SpawnEntity(global entity.GlobalEntity) error
	DespawnEntity(global entity.GlobalEntity) error
	InsertComponent(global entity.GlobalEntity, comp component.Replicate) error
	RemoveComponent(global entity.GlobalEntity, kind component.Kind) error
}

// EventType enumerates events the core surfaces to the embedder.
type EventType uint8

const (
	EventSpawnEntity EventType = iota
	EventDespawnEntity
	EventInsertComponent
	EventRemoveComponent
	EventUpdateComponent
	EventPublishEntity
	EventUnpublishEntity
	EventDelegateEntity
	EventUndelegateEntity
	EventAuthChange
	EventAuthReset
	EventRequestAuthority
	EventReleaseAuthority
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventSpawnEntity:
		return "SpawnEntity"
	case EventDespawnEntity:
		return "DespawnEntity"
	case EventInsertComponent:
		return "InsertComponent"
	case EventRemoveComponent:
		return "RemoveComponent"
	case EventUpdateComponent:
		return "UpdateComponent"
	case EventPublishEntity:
		return "PublishEntity"
	case EventUnpublishEntity:
		return "UnpublishEntity"
	case EventDelegateEntity:
		return "DelegateEntity"
	case EventUndelegateEntity:
		return "UndelegateEntity"
	case EventAuthChange:
		return "AuthChange"
	case EventAuthReset:
		return "AuthReset"
	case EventRequestAuthority:
		return "RequestAuthority"
	case EventReleaseAuthority:
		return "ReleaseAuthority"
	case EventError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Event is one occurrence surfaced from the replication core.
type Event struct {
	Type      EventType
	Entity    entity.GlobalEntity
	Component component.Kind
	Payload   component.Replicate
	Auth      wire.EntityAuthStatus
	Err       error
}
