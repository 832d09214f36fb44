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
	"sync"
	"sync/atomic"

	"github.com/AngelOnFira/naia-sub000/internal/component"
	"github.com/AngelOnFira/naia-sub000/internal/entity"
	"github.com/AngelOnFira/naia-sub000/internal/wire"
	"github.com/AngelOnFira/naia-sub000/internal/worldsync"
	"github.com/puzpuzpuz/xsync/v4"
)

var (
	ErrEntityAlreadyRegistered = errors.New("entity already registered with authority handler")
	ErrEntityNotRegistered     = errors.New("entity not registered with authority handler")
	ErrEntityStillReferenced   = errors.New("entity is still referenced by a connection or room")
)

// UserKey identifies one connected user on the server.
type UserKey uint64

// EntityOwner names which side authored an entity.
type EntityOwner uint8

const (
	OwnerServer EntityOwner = iota
	OwnerClient
	OwnerLocal
)

// EntityRecord is the process-wide registry entry for one entity.
type EntityRecord struct {
	Owner          EntityOwner
	OwningUser     UserKey
	Mode           worldsync.ReplicationMode
	ComponentKinds map[component.Kind]struct{}
	// refs counts connections and rooms holding the entity; it is destroyed
	// only at zero.
	refs int64
}

// GlobalWorldManager is the process-wide entity registry. It is shared
// across per-user connections on the server but confined to the server
// goroutine for mutation; the xsync maps make the read paths safe from
// transport goroutines.
type GlobalWorldManager struct {
	entities   *xsync.Map[entity.GlobalEntity, *EntityRecord]
	auth       *AuthHandler
	nextEntity atomic.Uint64
}

// NewGlobalWorldManager creates an empty registry.
func NewGlobalWorldManager() *GlobalWorldManager {
	return &GlobalWorldManager{
		entities: xsync.NewMap[entity.GlobalEntity, *EntityRecord](),
		auth:     NewAuthHandler(),
	}
}

// Auth returns the authority handler.
func (g *GlobalWorldManager) Auth() *AuthHandler { return g.auth }

// GenerateEntity mints a fresh global entity id and registers it.
func (g *GlobalWorldManager) GenerateEntity(owner EntityOwner, user UserKey) entity.GlobalEntity {
	global := entity.NewGlobalEntity(g.nextEntity.Add(1))
	g.entities.Store(global, &EntityRecord{
		Owner:          owner,
		OwningUser:     user,
		ComponentKinds: make(map[component.Kind]struct{}),
	})
	return global
}

// AdoptEntity registers an externally minted entity id (e.g. a
// client-authored entity the server adopts).
func (g *GlobalWorldManager) AdoptEntity(global entity.GlobalEntity, owner EntityOwner, user UserKey) {
	g.entities.LoadOrStore(global, &EntityRecord{
		Owner:          owner,
		OwningUser:     user,
		ComponentKinds: make(map[component.Kind]struct{}),
	})
}

// Record looks up an entity's registry entry.
func (g *GlobalWorldManager) Record(global entity.GlobalEntity) (*EntityRecord, bool) {
	return g.entities.Load(global)
}

// HasEntity reports whether global is registered.
func (g *GlobalWorldManager) HasEntity(global entity.GlobalEntity) bool {
	_, ok := g.entities.Load(global)
	return ok
}

// AddRef notes another holder of the entity.
func (g *GlobalWorldManager) AddRef(global entity.GlobalEntity) {
	if rec, ok := g.entities.Load(global); ok {
		atomic.AddInt64(&rec.refs, 1)
	}
}

// ReleaseRef drops a holder; at zero references the entity is destroyed.
func (g *GlobalWorldManager) ReleaseRef(global entity.GlobalEntity) {
	rec, ok := g.entities.Load(global)
	if !ok {
		return
	}
	if atomic.AddInt64(&rec.refs, -1) <= 0 {
		g.entities.Delete(global)
		g.auth.Deregister(global)
	}
}

// TryDestroyEntity removes an unreferenced entity from the registry.
func (g *GlobalWorldManager) TryDestroyEntity(global entity.GlobalEntity) error {
	rec, ok := g.entities.Load(global)
	if !ok {
		return ErrEntityNotRegistered
	}
	if atomic.LoadInt64(&rec.refs) > 0 {
		return ErrEntityStillReferenced
	}
	g.entities.Delete(global)
	g.auth.Deregister(global)
	return nil
}

// SetMode updates an entity's replication mode.
func (g *GlobalWorldManager) SetMode(global entity.GlobalEntity, mode worldsync.ReplicationMode) error {
	rec, ok := g.entities.Load(global)
	if !ok {
		return ErrEntityNotRegistered
	}
	rec.Mode = mode
	return nil
}

type authEntry struct {
	mu     sync.Mutex
	status wire.EntityAuthStatus
	owner  *UserKey
}

// AuthHandler is the process-wide map from delegated entities to their
// authority status. Accessors are shared handles whose reads always
// observe the latest status.
type AuthHandler struct {
	entries *xsync.Map[entity.GlobalEntity, *authEntry]
}

// NewAuthHandler creates an empty handler.
func NewAuthHandler() *AuthHandler {
	return &AuthHandler{entries: xsync.NewMap[entity.GlobalEntity, *authEntry]()}
}

// TryRegisterEntity begins authority tracking for global.
func (h *AuthHandler) TryRegisterEntity(global entity.GlobalEntity) error {
	if _, loaded := h.entries.LoadOrStore(global, &authEntry{status: wire.AuthAvailable}); loaded {
		return ErrEntityAlreadyRegistered
	}
	return nil
}

// Deregister stops tracking global.
func (h *AuthHandler) Deregister(global entity.GlobalEntity) {
	h.entries.Delete(global)
}

// TryGetAccessor returns a live handle into global's authority status.
func (h *AuthHandler) TryGetAccessor(global entity.GlobalEntity) (*Accessor, error) {
	if _, ok := h.entries.Load(global); !ok {
		return nil, ErrEntityNotRegistered
	}
	return &Accessor{handler: h, global: global}, nil
}

// TrySetAuthStatus atomically updates global's status and granted user.
func (h *AuthHandler) TrySetAuthStatus(global entity.GlobalEntity, status wire.EntityAuthStatus, user *UserKey) error {
	e, ok := h.entries.Load(global)
	if !ok {
		return ErrEntityNotRegistered
	}
	e.mu.Lock()
	e.status = status
	e.owner = user
	e.mu.Unlock()
	return nil
}

// AuthStatus reads global's status.
func (h *AuthHandler) AuthStatus(global entity.GlobalEntity) (wire.EntityAuthStatus, bool) {
	e, ok := h.entries.Load(global)
	if !ok {
		return wire.AuthAvailable, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, true
}

// AuthOwner reads which user currently holds authority, if any.
func (h *AuthHandler) AuthOwner(global entity.GlobalEntity) (UserKey, bool) {
	e, ok := h.entries.Load(global)
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.owner == nil {
		return 0, false
	}
	return *e.owner, true
}

// Accessor is a handle into one entity's authority status, resolved
// through the handler on every call; it satisfies component.AuthAccessor.
type Accessor struct {
	handler *AuthHandler
	global  entity.GlobalEntity
}

// AuthStatus reads the live status.
func (a *Accessor) AuthStatus() wire.EntityAuthStatus {
	status, _ := a.handler.AuthStatus(a.global)
	return status
}

// TrySetAuthStatus writes back through the handler.
func (a *Accessor) TrySetAuthStatus(status wire.EntityAuthStatus) error {
	return a.handler.TrySetAuthStatus(a.global, status, nil)
}

var _ component.AuthAccessor = (*Accessor)(nil)
