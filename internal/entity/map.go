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

import "errors"

var (
	ErrEntityAlreadyMapped = errors.New("global entity already has a local mapping")
	ErrEntityNotMapped     = errors.New("entity has no mapping")
	ErrEntityNotRemote     = errors.New("entity is not remote-owned")
)

// record holds the local ids mapped to one global entity. A given global
// entity has at most one of host/remote per connection at any instant.
type record struct {
	host      *HostEntity
	remote    *RemoteEntity
	hostOwned bool
}

// LocalEntityMap is the per-connection bidirectional map between global
// entity ids and the host/remote local id spaces, plus the redirect table
// installed during authority migration so in-flight references from the
// peer still resolve.
type LocalEntityMap struct {
	byGlobal  map[GlobalEntity]*record
	byHost    map[HostEntity]GlobalEntity
	byRemote  map[RemoteEntity]GlobalEntity
	redirects map[OwnedLocalEntity]OwnedLocalEntity

	nextHost uint64
	reserved map[HostEntity]struct{}
}

// NewLocalEntityMap creates an empty map.
func NewLocalEntityMap() *LocalEntityMap {
	return &LocalEntityMap{
		byGlobal:  make(map[GlobalEntity]*record),
		byHost:    make(map[HostEntity]GlobalEntity),
		byRemote:  make(map[RemoteEntity]GlobalEntity),
		redirects: make(map[OwnedLocalEntity]OwnedLocalEntity),
		reserved:  make(map[HostEntity]struct{}),
	}
}

// GenerateHostEntity allocates a fresh host-side local id.
func (m *LocalEntityMap) GenerateHostEntity() HostEntity {
	for {
		h := HostEntity(m.nextHost)
		m.nextHost++
		if _, taken := m.byHost[h]; taken {
			continue
		}
		if _, taken := m.reserved[h]; taken {
			continue
		}
		return h
	}
}

// ReserveHostEntity allocates a host id held aside for later binding,
// used by client-side prediction before the server adopts an entity.
func (m *LocalEntityMap) ReserveHostEntity() HostEntity {
	h := m.GenerateHostEntity()
	m.reserved[h] = struct{}{}
	return h
}

// RemoveReservedHostEntity releases a reservation.
func (m *LocalEntityMap) RemoveReservedHostEntity(h HostEntity) {
	delete(m.reserved, h)
}

// InsertWithHostEntity maps global to a host-side local id.
func (m *LocalEntityMap) InsertWithHostEntity(global GlobalEntity, host HostEntity) error {
	if _, ok := m.byGlobal[global]; ok {
		return ErrEntityAlreadyMapped
	}
	h := host
	m.byGlobal[global] = &record{host: &h, hostOwned: true}
	m.byHost[host] = global
	delete(m.reserved, host)
	return nil
}

// InsertWithRemoteEntity maps global to a remote-side local id.
func (m *LocalEntityMap) InsertWithRemoteEntity(global GlobalEntity, remote RemoteEntity) error {
	if _, ok := m.byGlobal[global]; ok {
		return ErrEntityAlreadyMapped
	}
	r := remote
	m.byGlobal[global] = &record{remote: &r}
	m.byRemote[remote] = global
	return nil
}

// HasGlobalEntity reports whether global is mapped.
func (m *LocalEntityMap) HasGlobalEntity(global GlobalEntity) bool {
	_, ok := m.byGlobal[global]
	return ok
}

// HasHostEntity reports whether host is mapped.
func (m *LocalEntityMap) HasHostEntity(host HostEntity) bool {
	_, ok := m.byHost[host]
	return ok
}

// HasRemoteEntity reports whether remote is mapped.
func (m *LocalEntityMap) HasRemoteEntity(remote RemoteEntity) bool {
	_, ok := m.byRemote[remote]
	return ok
}

// IsHostOwned reports whether global currently maps to a host-side id.
func (m *LocalEntityMap) IsHostOwned(global GlobalEntity) bool {
	rec, ok := m.byGlobal[global]
	return ok && rec.hostOwned
}

// HostEntityFromGlobal resolves the host id for global.
func (m *LocalEntityMap) HostEntityFromGlobal(global GlobalEntity) (HostEntity, error) {
	rec, ok := m.byGlobal[global]
	if !ok || rec.host == nil {
		return 0, ErrEntityNotMapped
	}
	return *rec.host, nil
}

// RemoteEntityFromGlobal resolves the remote id for global.
func (m *LocalEntityMap) RemoteEntityFromGlobal(global GlobalEntity) (RemoteEntity, error) {
	rec, ok := m.byGlobal[global]
	if !ok || rec.remote == nil {
		return 0, ErrEntityNotMapped
	}
	return *rec.remote, nil
}

// GlobalFromHost resolves a host id back to its global entity.
func (m *LocalEntityMap) GlobalFromHost(host HostEntity) (GlobalEntity, error) {
	g, ok := m.byHost[host]
	if !ok {
		return 0, ErrEntityNotMapped
	}
	return g, nil
}

// GlobalFromRemote resolves a remote id back to its global entity.
func (m *LocalEntityMap) GlobalFromRemote(remote RemoteEntity) (GlobalEntity, error) {
	g, ok := m.byRemote[remote]
	if !ok {
		return 0, ErrEntityNotMapped
	}
	return g, nil
}

// GlobalFromOwned resolves a wire entity reference, following at most one
// redirect installed by migration.
func (m *LocalEntityMap) GlobalFromOwned(owned OwnedLocalEntity) (GlobalEntity, error) {
	if redirect, ok := m.redirects[owned]; ok {
		owned = redirect
	}
	if owned.Host {
		return m.GlobalFromHost(HostEntity(owned.Value))
	}
	return m.GlobalFromRemote(RemoteEntity(owned.Value))
}

// OwnedFromGlobal produces the wire reference for global in the sender's
// id space.
func (m *LocalEntityMap) OwnedFromGlobal(global GlobalEntity) (OwnedLocalEntity, error) {
	rec, ok := m.byGlobal[global]
	if !ok {
		return OwnedLocalEntity{}, ErrEntityNotMapped
	}
	if rec.host != nil {
		return OwnedHost(*rec.host), nil
	}
	return OwnedRemote(*rec.remote), nil
}

// RemoveByGlobal removes the mapping for global and returns the local ids it
// held.
func (m *LocalEntityMap) RemoveByGlobal(global GlobalEntity) (host *HostEntity, remote *RemoteEntity, err error) {
	rec, ok := m.byGlobal[global]
	if !ok {
		return nil, nil, ErrEntityNotMapped
	}
	delete(m.byGlobal, global)
	if rec.host != nil {
		delete(m.byHost, *rec.host)
	}
	if rec.remote != nil {
		delete(m.byRemote, *rec.remote)
	}
	return rec.host, rec.remote, nil
}

// InstallRedirect maps an old wire reference to its replacement so the
// peer's in-flight references keep resolving after a migration.
func (m *LocalEntityMap) InstallRedirect(old, replacement OwnedLocalEntity) {
	m.redirects[old] = replacement
}

// RemoveRedirect drops a redirect entry.
func (m *LocalEntityMap) RemoveRedirect(old OwnedLocalEntity) {
	delete(m.redirects, old)
}

// RemoteEntities returns the global ids of all remote-owned mappings.
func (m *LocalEntityMap) RemoteEntities() []GlobalEntity {
	out := make([]GlobalEntity, 0, len(m.byRemote))
	for _, g := range m.byRemote {
		out = append(out, g)
	}
	return out
}
