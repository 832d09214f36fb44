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
	"github.com/AngelOnFira/naia-sub000/internal/bitio"
	"github.com/AngelOnFira/naia-sub000/internal/component"
	"github.com/AngelOnFira/naia-sub000/internal/entity"
	"github.com/AngelOnFira/naia-sub000/internal/worldsync"
)

// deferredInsert is an InsertComponent whose payload references entities
// with no global mapping yet.
type deferredInsert struct {
	global entity.GlobalEntity
	msg    worldsync.Message[entity.RemoteEntity]
}

// heldUpdate is a component update captured for an entity whose spawn has
// not yet been emitted.
type heldUpdate struct {
	remote entity.RemoteEntity
	kind   component.Kind
	bytes  []byte
	bits   int
}

// RemoteWorldManager owns the per-entity channels for entities whose
// authority lies with the peer, plus the waitlists deferring work on
// unresolved entity references.
type RemoteWorldManager struct {
	engine      *worldsync.ReceiverEngine[entity.RemoteEntity]
	inserts     *entity.Waitlist[deferredInsert]
	updates     *entity.Waitlist[heldUpdate]
}

// NewRemoteWorldManager creates an empty manager.
func NewRemoteWorldManager(engine *worldsync.ReceiverEngine[entity.RemoteEntity]) *RemoteWorldManager {
	return &RemoteWorldManager{
		engine:  engine,
		inserts: entity.NewWaitlist[deferredInsert](),
		updates: entity.NewWaitlist[heldUpdate](),
	}
}

// Engine returns the receiver engine.
func (r *RemoteWorldManager) Engine() *worldsync.ReceiverEngine[entity.RemoteEntity] {
	return r.engine
}

// QueueInsert parks an insert whose payload waits on deps.
func (r *RemoteWorldManager) QueueInsert(deps []entity.RemoteEntity, global entity.GlobalEntity, msg worldsync.Message[entity.RemoteEntity]) {
	r.inserts.Queue(deps, deferredInsert{global: global, msg: msg})
}

// QueueUpdate parks a raw update for a not-yet-spawned entity.
func (r *RemoteWorldManager) QueueUpdate(target entity.RemoteEntity, kind component.Kind, raw []byte, bits int) {
	r.updates.Queue([]entity.RemoteEntity{target}, heldUpdate{remote: target, kind: kind, bytes: raw, bits: bits})
}

// ResolveEntity releases work that was waiting on remote gaining a global
// mapping.
func (r *RemoteWorldManager) ResolveEntity(remote entity.RemoteEntity) (ready []deferredInsert, held []heldUpdate) {
	return r.inserts.ResolveEntity(remote), r.updates.ResolveEntity(remote)
}

// DropEntity abandons work waiting on a despawned remote entity.
func (r *RemoteWorldManager) DropEntity(remote entity.RemoteEntity) {
	r.inserts.RemoveEntity(remote)
	r.updates.RemoveEntity(remote)
}

// ComponentInserted reports whether the channel has emitted kind's insert.
func (r *RemoteWorldManager) ComponentInserted(remote entity.RemoteEntity, kind component.Kind) bool {
	ch, ok := r.engine.Channel(remote)
	if !ok {
		return false
	}
	for _, inserted := range ch.InsertedComponentKinds() {
		if inserted == kind {
			return true
		}
	}
	return false
}

// readUpdateInto parses a held or live update body (diff mask + selected
// fields) into the live component.
func readUpdateInto(registry *component.Registry, conv entity.Converter, comp component.Replicate, raw []byte) error {
	reader := bitio.NewReader(raw)
	descriptor, err := registry.Descriptor(comp.Kind())
	if err != nil {
		return err
	}
	mask, err := component.DeDiffMask(reader, descriptor.FieldCount)
	if err != nil {
		return err
	}
	return comp.ReadUpdate(mask, conv, reader)
}
