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

package server

import (
	"errors"
	"log/slog"

	"github.com/AngelOnFira/naia-sub000/internal/component"
	"github.com/AngelOnFira/naia-sub000/internal/entity"
	"github.com/AngelOnFira/naia-sub000/internal/wire"
	"github.com/AngelOnFira/naia-sub000/internal/world"
	"github.com/AngelOnFira/naia-sub000/internal/worldsync"
)

// --- rooms & scope ---

// MakeRoom creates an empty room.
func (s *Server) MakeRoom() RoomKey {
	s.nextRoom++
	key := RoomKey(s.nextRoom)
	s.rooms[key] = &room{
		users:    make(map[world.UserKey]struct{}),
		entities: make(map[entity.GlobalEntity]struct{}),
	}
	return key
}

// RoomExists reports whether key names a room.
func (s *Server) RoomExists(key RoomKey) bool {
	_, ok := s.rooms[key]
	return ok
}

// RoomAddUser puts a user in a room.
func (s *Server) RoomAddUser(roomKey RoomKey, userKey world.UserKey) error {
	r, ok := s.rooms[roomKey]
	if !ok {
		return ErrUnknownRoom
	}
	r.users[userKey] = struct{}{}
	return nil
}

// RoomRemoveUser removes a user from a room.
func (s *Server) RoomRemoveUser(roomKey RoomKey, userKey world.UserKey) error {
	r, ok := s.rooms[roomKey]
	if !ok {
		return ErrUnknownRoom
	}
	delete(r.users, userKey)
	return nil
}

// RoomAddEntity puts an entity in a room and holds a reference on it.
func (s *Server) RoomAddEntity(roomKey RoomKey, global entity.GlobalEntity) error {
	r, ok := s.rooms[roomKey]
	if !ok {
		return ErrUnknownRoom
	}
	if _, present := r.entities[global]; !present {
		r.entities[global] = struct{}{}
		s.global.AddRef(global)
	}
	return nil
}

// RoomRemoveEntity removes an entity from a room, releasing its reference.
func (s *Server) RoomRemoveEntity(roomKey RoomKey, global entity.GlobalEntity) error {
	r, ok := s.rooms[roomKey]
	if !ok {
		return ErrUnknownRoom
	}
	if _, present := r.entities[global]; present {
		delete(r.entities, global)
		s.global.ReleaseRef(global)
	}
	return nil
}

// SetScopeOverride pins an (user, entity) visibility decision, overriding
// room membership.
func (s *Server) SetScopeOverride(userKey world.UserKey, global entity.GlobalEntity, inScope bool) {
	overrides, ok := s.scopeOverrides[userKey]
	if !ok {
		overrides = make(map[entity.GlobalEntity]bool)
		s.scopeOverrides[userKey] = overrides
	}
	overrides[global] = inScope
}

// ClearScopeOverride removes a pinned decision.
func (s *Server) ClearScopeOverride(userKey world.UserKey, global entity.GlobalEntity) {
	if overrides, ok := s.scopeOverrides[userKey]; ok {
		delete(overrides, global)
	}
}

// ScopeCheck is one (room, user, entity) visibility decision.
type ScopeCheck struct {
	Room   RoomKey
	User   world.UserKey
	Entity entity.GlobalEntity
	// InScope is the resolved decision: room co-membership, unless an
	// explicit override pins it.
	InScope bool
}

// ScopeChecks enumerates every room × user × entity decision.
func (s *Server) ScopeChecks() []ScopeCheck {
	var out []ScopeCheck
	for roomKey, r := range s.rooms {
		for userKey := range r.users {
			for global := range r.entities {
				inScope := true
				if overrides, ok := s.scopeOverrides[userKey]; ok {
					if pinned, ok := overrides[global]; ok {
						inScope = pinned
					}
				}
				out = append(out, ScopeCheck{Room: roomKey, User: userKey, Entity: global, InScope: inScope})
			}
		}
	}
	return out
}

// applyScope reconciles each user's replicated entity set against the
// current scope decisions.
func (s *Server) applyScope(worldRef world.Reader) {
	inScope := make(map[world.UserKey]map[entity.GlobalEntity]struct{}, len(s.users))
	for _, check := range s.ScopeChecks() {
		if !check.InScope {
			continue
		}
		record, ok := s.global.Record(check.Entity)
		if !ok || record.Owner != world.OwnerServer {
			continue // client-owned entities replicate through their owner
		}
		set, ok := inScope[check.User]
		if !ok {
			set = make(map[entity.GlobalEntity]struct{})
			inScope[check.User] = set
		}
		set[check.Entity] = struct{}{}
	}

	for key, u := range s.users {
		want := inScope[key]
		host := u.conn.World.Host()
		for _, global := range host.Entities() {
			record, ok := s.global.Record(global)
			if !ok || record.Owner != world.OwnerServer {
				continue
			}
			if _, keep := want[global]; !keep {
				if err := u.conn.World.DespawnEntity(global); err != nil {
					slog.Warn("scope despawn failed", "user", key, "entity", global, "error", err)
				}
			}
		}
		for global := range want {
			if host.HasEntity(global) {
				continue
			}
			if err := s.replicateEntityTo(u, global, worldRef); err != nil {
				slog.Warn("scope spawn failed", "user", key, "entity", global, "error", err)
			}
		}
	}
}

func (s *Server) replicateEntityTo(u *user, global entity.GlobalEntity, worldRef world.Reader) error {
	if err := u.conn.World.SpawnEntity(global); err != nil {
		return err
	}
	for _, kind := range worldRef.ComponentKinds(global) {
		if err := s.insertComponentOn(u, global, kind, worldRef); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) insertComponentOn(u *user, global entity.GlobalEntity, kind component.Kind, worldRef world.Reader) error {
	mutator, err := u.conn.World.InsertComponent(global, kind)
	if err != nil {
		return err
	}
	s.fanout(global, kind).sinks[u.key] = mutator
	if comp, ok := worldRef.ComponentOfKind(global, kind); ok {
		comp.SetMutator(s.FanoutMutator(global, kind))
	}
	return nil
}

func (s *Server) fanout(global entity.GlobalEntity, kind component.Kind) *fanoutMutator {
	byKind, ok := s.mutators[global]
	if !ok {
		byKind = make(map[component.Kind]*fanoutMutator)
		s.mutators[global] = byKind
	}
	f, ok := byKind[kind]
	if !ok {
		f = &fanoutMutator{sinks: make(map[world.UserKey]*component.Mutator)}
		byKind[kind] = f
	}
	return f
}

// FanoutMutator returns the handle a live component should carry: one
// mutation fans out to every replicating connection's diff mask.
func (s *Server) FanoutMutator(global entity.GlobalEntity, kind component.Kind) *component.Mutator {
	f := s.fanout(global, kind)
	return component.NewMutator(func(index uint8) {
		for _, m := range f.sinks {
			m.Mutate(index)
		}
	})
}

// --- entity lifecycle ---

// SpawnEntity mints a server-owned entity. The embedder mirrors it into
// the world store; room membership controls which users receive it.
func (s *Server) SpawnEntity() entity.GlobalEntity {
	return s.global.GenerateEntity(world.OwnerServer, 0)
}

// DespawnEntity withdraws an entity from every room and connection.
func (s *Server) DespawnEntity(global entity.GlobalEntity) {
	for roomKey := range s.rooms {
		_ = s.RoomRemoveEntity(roomKey, global)
	}
	for _, u := range s.users {
		if u.conn.World.Host().HasEntity(global) {
			_ = u.conn.World.DespawnEntity(global)
		}
	}
	delete(s.mutators, global)
}

// InsertComponent advertises a component on an already replicated entity
// and returns the mutator the live component must carry.
func (s *Server) InsertComponent(global entity.GlobalEntity, kind component.Kind) *component.Mutator {
	if record, ok := s.global.Record(global); ok {
		record.ComponentKinds[kind] = struct{}{}
	}
	for _, u := range s.users {
		if !u.conn.World.Host().HasEntity(global) {
			continue
		}
		mutator, err := u.conn.World.InsertComponent(global, kind)
		if err != nil {
			slog.Warn("insert component failed", "user", u.key, "entity", global, "error", err)
			continue
		}
		s.fanout(global, kind).sinks[u.key] = mutator
	}
	return s.FanoutMutator(global, kind)
}

// RemoveComponent withdraws a component everywhere.
func (s *Server) RemoveComponent(global entity.GlobalEntity, kind component.Kind) {
	if record, ok := s.global.Record(global); ok {
		delete(record.ComponentKinds, kind)
	}
	for _, u := range s.users {
		if u.conn.World.Host().HasEntity(global) {
			_ = u.conn.World.RemoveComponent(global, kind)
		}
	}
	if byKind, ok := s.mutators[global]; ok {
		delete(byKind, kind)
	}
}

// --- replication modes & authority ---

// ConfigureReplication drives an entity to the requested mode, emitting
// the publish/delegation commands each replicating connection needs.
func (s *Server) ConfigureReplication(global entity.GlobalEntity, mode worldsync.ReplicationMode) error {
	if err := s.global.SetMode(global, mode); err != nil {
		return err
	}
	if mode == worldsync.ModeDelegated {
		if err := s.global.Auth().TryRegisterEntity(global); err != nil &&
			!errors.Is(err, world.ErrEntityAlreadyRegistered) {
			return err
		}
	}
	for _, u := range s.users {
		host := u.conn.World.Host()
		ch, ok := host.Channel(global)
		if !ok {
			continue
		}
		for _, step := range modeSteps(ch.Mode(), mode) {
			if err := u.conn.World.SendHostCommand(global, worldsync.Message[worldsync.Unit]{Type: step}); err != nil {
				slog.Warn("replication mode command failed", "user", u.key, "entity", global, "error", err)
				break
			}
		}
	}
	return nil
}

// modeSteps returns the command sequence moving from one replication mode
// to another.
func modeSteps(from, to worldsync.ReplicationMode) []worldsync.MessageType {
	if from == to {
		return nil
	}
	switch {
	case from == worldsync.ModePrivate && to == worldsync.ModePublic:
		return []worldsync.MessageType{worldsync.TypePublish}
	case from == worldsync.ModePrivate && to == worldsync.ModeDelegated:
		return []worldsync.MessageType{worldsync.TypePublish, worldsync.TypeEnableDelegation}
	case from == worldsync.ModePublic && to == worldsync.ModeDelegated:
		return []worldsync.MessageType{worldsync.TypeEnableDelegation}
	case from == worldsync.ModePublic && to == worldsync.ModePrivate:
		return []worldsync.MessageType{worldsync.TypeUnpublish}
	case from == worldsync.ModeDelegated && to == worldsync.ModePublic:
		return []worldsync.MessageType{worldsync.TypeDisableDelegation}
	case from == worldsync.ModeDelegated && to == worldsync.ModePrivate:
		return []worldsync.MessageType{worldsync.TypeDisableDelegation, worldsync.TypeUnpublish}
	default:
		return nil
	}
}

// EntityAuthStatus reads the live authority status of a delegated entity.
func (s *Server) EntityAuthStatus(global entity.GlobalEntity) (wire.EntityAuthStatus, bool) {
	return s.global.Auth().AuthStatus(global)
}

// GrantAuthority grants a requesting user write authority, denying it to
// everyone else.
func (s *Server) GrantAuthority(global entity.GlobalEntity, grantee world.UserKey) error {
	granteeKey := grantee
	if err := s.global.Auth().TrySetAuthStatus(global, wire.AuthGranted, &granteeKey); err != nil {
		return err
	}
	return s.broadcastAuthority(global, grantee)
}

// DenyAuthority refuses a pending request.
func (s *Server) DenyAuthority(global entity.GlobalEntity, requester world.UserKey) error {
	if err := s.global.Auth().TrySetAuthStatus(global, wire.AuthAvailable, nil); err != nil {
		return err
	}
	u, ok := s.users[requester]
	if !ok {
		return ErrUnknownUser
	}
	return u.conn.World.SendHostCommand(global, worldsync.Message[worldsync.Unit]{
		Type: worldsync.TypeSetAuthority, Auth: wire.AuthDenied,
	})
}

// ResetAuthority returns a delegated entity to Available on every
// connection; called after a release or disconnect of the holder.
func (s *Server) ResetAuthority(global entity.GlobalEntity) error {
	if err := s.global.Auth().TrySetAuthStatus(global, wire.AuthAvailable, nil); err != nil {
		return err
	}
	for _, u := range s.users {
		if _, ok := u.conn.World.Host().Channel(global); !ok {
			continue
		}
		if err := u.conn.World.SendHostCommand(global, worldsync.Message[worldsync.Unit]{
			Type: worldsync.TypeSetAuthority, Auth: wire.AuthAvailable,
		}); err != nil {
			slog.Warn("authority reset failed", "user", u.key, "entity", global, "error", err)
		}
	}
	return nil
}

func (s *Server) broadcastAuthority(global entity.GlobalEntity, grantee world.UserKey) error {
	for _, u := range s.users {
		if _, ok := u.conn.World.Host().Channel(global); !ok {
			continue
		}
		status := wire.AuthDenied
		if u.key == grantee {
			status = wire.AuthGranted
		}
		if err := u.conn.World.SendHostCommand(global, worldsync.Message[worldsync.Unit]{
			Type: worldsync.TypeSetAuthority, Auth: status,
		}); err != nil {
			return err
		}
	}
	return nil
}

// EntityTakeAuthority migrates a client-owned delegated entity to server
// authority: the owning connection's channel state moves remote→host
// atomically and the old owner is told via a migrate response.
func (s *Server) EntityTakeAuthority(global entity.GlobalEntity) error {
	record, ok := s.global.Record(global)
	if !ok {
		return world.ErrEntityNotRegistered
	}
	if record.Owner != world.OwnerClient {
		return ErrNotClientOwned
	}
	if record.Mode != worldsync.ModeDelegated {
		return ErrNotDelegated
	}
	owner, ok := s.users[record.OwningUser]
	if !ok {
		return ErrUnknownUser
	}
	if _, err := owner.conn.World.MigrateEntityRemoteToHost(global); err != nil {
		return err
	}
	record.Owner = world.OwnerServer
	record.OwningUser = 0
	if err := s.global.Auth().TrySetAuthStatus(global, wire.AuthAvailable, nil); err != nil &&
		!errors.Is(err, world.ErrEntityNotRegistered) {
		return err
	}
	return owner.conn.World.SendHostCommand(global, worldsync.Message[worldsync.Unit]{
		Type: worldsync.TypeMigrateResponse,
	})
}
