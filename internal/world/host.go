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
	"github.com/AngelOnFira/naia-sub000/internal/worldsync"
)

var (
	ErrEntityNotHosted     = errors.New("entity has no host channel on this connection")
	ErrEntityAlreadyHosted = errors.New("entity already has a host channel on this connection")
)

type diffKey struct {
	global entity.GlobalEntity
	kind   component.Kind
}

// PendingUpdate is one diff-mask-driven component update awaiting packing.
type PendingUpdate struct {
	Global entity.GlobalEntity
	Kind   component.Kind
	Mask   *component.DiffMask
}

// HostWorldManager owns the outgoing side of replication for entities under
// local authority on one connection: per-entity host channels, dirty field
// masks, and the commands those entities generate.
type HostWorldManager struct {
	hostType wire.HostType
	registry *component.Registry

	channels map[entity.GlobalEntity]*worldsync.HostEntityChannel
	masks    map[diffKey]*component.DiffMask

	outgoing []worldsync.Message[entity.GlobalEntity]
}

// NewHostWorldManager creates an empty manager.
func NewHostWorldManager(hostType wire.HostType, registry *component.Registry) *HostWorldManager {
	return &HostWorldManager{
		hostType: hostType,
		registry: registry,
		channels: make(map[entity.GlobalEntity]*worldsync.HostEntityChannel),
		masks:    make(map[diffKey]*component.DiffMask),
	}
}

// HasEntity reports whether global is hosted here.
func (h *HostWorldManager) HasEntity(global entity.GlobalEntity) bool {
	_, ok := h.channels[global]
	return ok
}

// Channel looks up an entity's host channel.
func (h *HostWorldManager) Channel(global entity.GlobalEntity) (*worldsync.HostEntityChannel, bool) {
	ch, ok := h.channels[global]
	return ch, ok
}

// SpawnEntity begins replicating global to the peer.
func (h *HostWorldManager) SpawnEntity(global entity.GlobalEntity) error {
	if _, ok := h.channels[global]; ok {
		return ErrEntityAlreadyHosted
	}
	h.channels[global] = worldsync.NewHostEntityChannel(h.hostType)
	h.queue(global, worldsync.Message[worldsync.Unit]{Type: worldsync.TypeSpawn})
	return nil
}

// DespawnEntity stops replicating global.
func (h *HostWorldManager) DespawnEntity(global entity.GlobalEntity) error {
	ch, ok := h.channels[global]
	if !ok {
		return ErrEntityNotHosted
	}
	for _, kind := range ch.ComponentKinds() {
		delete(h.masks, diffKey{global: global, kind: kind})
	}
	delete(h.channels, global)
	h.queue(global, worldsync.Message[worldsync.Unit]{Type: worldsync.TypeDespawn})
	return nil
}

// InsertComponent advertises a component and starts tracking its dirty
// fields. The returned mutator must be attached to the live component.
func (h *HostWorldManager) InsertComponent(global entity.GlobalEntity, kind component.Kind) (*component.Mutator, error) {
	ch, ok := h.channels[global]
	if !ok {
		return nil, ErrEntityNotHosted
	}
	descriptor, err := h.registry.Descriptor(kind)
	if err != nil {
		return nil, err
	}
	ch.InsertComponent(kind)
	key := diffKey{global: global, kind: kind}
	mask := component.NewDiffMask(descriptor.FieldCount)
	h.masks[key] = mask
	h.queue(global, worldsync.Message[worldsync.Unit]{Type: worldsync.TypeInsertComponent, Component: kind})
	return h.Mutator(global, kind), nil
}

// RemoveComponent withdraws a component.
func (h *HostWorldManager) RemoveComponent(global entity.GlobalEntity, kind component.Kind) error {
	ch, ok := h.channels[global]
	if !ok {
		return ErrEntityNotHosted
	}
	ch.RemoveComponent(kind)
	delete(h.masks, diffKey{global: global, kind: kind})
	h.queue(global, worldsync.Message[worldsync.Unit]{Type: worldsync.TypeRemoveComponent, Component: kind})
	return nil
}

// Mutator returns a dirty-bit handle for (global, kind). Handles are cheap
// clones into the shared mask; dropping one never clears a bit.
func (h *HostWorldManager) Mutator(global entity.GlobalEntity, kind component.Kind) *component.Mutator {
	key := diffKey{global: global, kind: kind}
	return component.NewMutator(func(index uint8) {
		if mask, ok := h.masks[key]; ok {
			mask.SetBit(index)
		}
	})
}

// SendCommand validates and queues a mode/authority command for global.
func (h *HostWorldManager) SendCommand(global entity.GlobalEntity, msg worldsync.Message[worldsync.Unit]) error {
	ch, ok := h.channels[global]
	if !ok {
		return ErrEntityNotHosted
	}
	if err := ch.SendCommand(msg); err != nil {
		return err
	}
	for _, cmd := range ch.ExtractOutgoingCommands() {
		h.outgoing = append(h.outgoing, worldsync.Retag(cmd, global))
	}
	return nil
}

func (h *HostWorldManager) queue(global entity.GlobalEntity, msg worldsync.Message[worldsync.Unit]) {
	h.outgoing = append(h.outgoing, worldsync.Retag(msg, global))
}

// DrainOutgoingCommands takes the queued commands in generation order.
func (h *HostWorldManager) DrainOutgoingCommands() []worldsync.Message[entity.GlobalEntity] {
	out := h.outgoing
	h.outgoing = nil
	return out
}

// PendingUpdates snapshots every non-clear diff mask.
func (h *HostWorldManager) PendingUpdates() []PendingUpdate {
	var out []PendingUpdate
	for key, mask := range h.masks {
		if mask.IsClear() {
			continue
		}
		out = append(out, PendingUpdate{Global: key.global, Kind: key.kind, Mask: mask.Copy()})
	}
	return out
}

// CommitUpdate clears the written fields from the live mask once an update
// has been packed.
func (h *HostWorldManager) CommitUpdate(global entity.GlobalEntity, kind component.Kind, written *component.DiffMask) {
	if mask, ok := h.masks[diffKey{global: global, kind: kind}]; ok {
		mask.Nand(written)
	}
}

// ReinstateUpdate OR-s a lost packet's mask back into the live mask.
func (h *HostWorldManager) ReinstateUpdate(global entity.GlobalEntity, kind component.Kind, lost *component.DiffMask) {
	if mask, ok := h.masks[diffKey{global: global, kind: kind}]; ok {
		mask.Or(lost)
	}
}

// ExtractComponentKinds returns the advertised kinds for global.
func (h *HostWorldManager) ExtractComponentKinds(global entity.GlobalEntity) []component.Kind {
	ch, ok := h.channels[global]
	if !ok {
		return nil
	}
	return ch.ComponentKinds()
}

// InsertChannel installs a pre-built channel (migration support). Dirty
// masks for its components begin cleared.
func (h *HostWorldManager) InsertChannel(global entity.GlobalEntity, ch *worldsync.HostEntityChannel) error {
	if _, ok := h.channels[global]; ok {
		return ErrEntityAlreadyHosted
	}
	h.channels[global] = ch
	for _, kind := range ch.ComponentKinds() {
		descriptor, err := h.registry.Descriptor(kind)
		if err != nil {
			return err
		}
		h.masks[diffKey{global: global, kind: kind}] = component.NewDiffMask(descriptor.FieldCount)
	}
	return nil
}

// RemoveEntity detaches an entity without emitting a despawn (migration
// support).
func (h *HostWorldManager) RemoveEntity(global entity.GlobalEntity) {
	if ch, ok := h.channels[global]; ok {
		for _, kind := range ch.ComponentKinds() {
			delete(h.masks, diffKey{global: global, kind: kind})
		}
		delete(h.channels, global)
	}
}

// Entities lists hosted entities.
func (h *HostWorldManager) Entities() []entity.GlobalEntity {
	out := make([]entity.GlobalEntity, 0, len(h.channels))
	for global := range h.channels {
		out = append(out, global)
	}
	return out
}
