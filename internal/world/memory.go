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
	"github.com/AngelOnFira/naia-sub000/internal/component"
	"github.com/AngelOnFira/naia-sub000/internal/entity"
)

// MemoryWorld is a self-contained in-memory world store. Embedders with an
// ECS bring their own Reader/Mutator; this one backs the demo binary and
// anything that just needs a component bag per entity.
type MemoryWorld struct {
	entities map[entity.GlobalEntity]map[component.Kind]component.Replicate
}

// NewMemoryWorld creates an empty store.
func NewMemoryWorld() *MemoryWorld {
	return &MemoryWorld{entities: make(map[entity.GlobalEntity]map[component.Kind]component.Replicate)}
}

func (m *MemoryWorld) HasEntity(global entity.GlobalEntity) bool {
	_, ok := m.entities[global]
	return ok
}

func (m *MemoryWorld) ComponentOfKind(global entity.GlobalEntity, kind component.Kind) (component.Replicate, bool) {
	comps, ok := m.entities[global]
	if !ok {
		return nil, false
	}
	comp, ok := comps[kind]
	return comp, ok
}

func (m *MemoryWorld) ComponentKinds(global entity.GlobalEntity) []component.Kind {
	comps, ok := m.entities[global]
	if !ok {
		return nil
	}
	out := make([]component.Kind, 0, len(comps))
	for kind := range comps {
		out = append(out, kind)
	}
	return out
}

func (m *MemoryWorld) SpawnEntity(global entity.GlobalEntity) error {
	if _, ok := m.entities[global]; ok {
		return ErrEntityAlreadyRegistered
	}
	m.entities[global] = make(map[component.Kind]component.Replicate)
	return nil
}

func (m *MemoryWorld) DespawnEntity(global entity.GlobalEntity) error {
	if _, ok := m.entities[global]; !ok {
		return ErrWorldEntityNotFound
	}
	delete(m.entities, global)
	return nil
}

func (m *MemoryWorld) InsertComponent(global entity.GlobalEntity, comp component.Replicate) error {
	comps, ok := m.entities[global]
	if !ok {
		return ErrWorldEntityNotFound
	}
	comps[comp.Kind()] = comp
	return nil
}

func (m *MemoryWorld) RemoveComponent(global entity.GlobalEntity, kind component.Kind) error {
	comps, ok := m.entities[global]
	if !ok {
		return ErrWorldEntityNotFound
	}
	if _, ok := comps[kind]; !ok {
		return ErrComponentNotFound
	}
	delete(comps, kind)
	return nil
}

var (
	_ Reader  = (*MemoryWorld)(nil)
	_ Mutator = (*MemoryWorld)(nil)
)
