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
	"github.com/AngelOnFira/naia-sub000/internal/component"
	"github.com/AngelOnFira/naia-sub000/internal/wire"
)

// HostEntityChannel tracks the outbound state of an entity under local
// authority: which components have been advertised to the peer, and the
// entity's replication mode as the peer will come to see it.
type HostEntityChannel struct {
	hostType   wire.HostType
	mode       ReplicationMode
	authStatus wire.EntityAuthStatus

	componentKinds map[component.Kind]struct{}

	outgoing  []Message[Unit]
	nextSubID wire.SubCommandID
}

// NewHostEntityChannel creates a channel in Private mode.
func NewHostEntityChannel(hostType wire.HostType) *HostEntityChannel {
	return &HostEntityChannel{
		hostType:       hostType,
		componentKinds: make(map[component.Kind]struct{}),
	}
}

// NewHostEntityChannelWithComponents creates a channel pre-populated with
// kinds, used when a migrated remote entity becomes host-owned.
func NewHostEntityChannelWithComponents(hostType wire.HostType, kinds []component.Kind) *HostEntityChannel {
	ch := NewHostEntityChannel(hostType)
	for _, kind := range kinds {
		ch.componentKinds[kind] = struct{}{}
	}
	// A migrated entity is by definition delegated.
	ch.mode = ModeDelegated
	return ch
}

// Mode returns the replication mode.
func (ch *HostEntityChannel) Mode() ReplicationMode { return ch.mode }

// AuthStatus returns the authority status granted to the peer.
func (ch *HostEntityChannel) AuthStatus() wire.EntityAuthStatus { return ch.authStatus }

// SendCommand validates a mode/authority command against the channel state
// and queues it.
func (ch *HostEntityChannel) SendCommand(msg Message[Unit]) error {
	switch msg.Type {
	case TypePublish:
		if ch.mode != ModePrivate {
			return ErrAuthIllegalTransition
		}
		ch.mode = ModePublic
	case TypeUnpublish:
		if ch.mode != ModePublic {
			return ErrAuthIllegalTransition
		}
		ch.mode = ModePrivate
	case TypeEnableDelegation:
		if ch.mode != ModePublic {
			return ErrAuthIllegalTransition
		}
		ch.mode = ModeDelegated
		ch.authStatus = wire.AuthAvailable
	case TypeDisableDelegation:
		if ch.mode != ModeDelegated {
			return ErrAuthNotDelegated
		}
		ch.mode = ModePublic
		ch.authStatus = wire.AuthAvailable
	case TypeSetAuthority:
		if ch.mode != ModeDelegated {
			return ErrAuthNotDelegated
		}
		ch.authStatus = msg.Auth
	case TypeEnableDelegationResponse, TypeMigrateResponse:
		if ch.mode != ModeDelegated {
			return ErrAuthNotDelegated
		}
	default:
		return ErrAuthIllegalTransition
	}
	if msg.Type.HasSubID() {
		msg.SubID = ch.nextSubID
		ch.nextSubID++
	}
	ch.outgoing = append(ch.outgoing, msg)
	return nil
}

// ReceiveCommand applies a peer-originated authority command against this
// host-owned entity. Returns false when the command is a no-op in the
// current state (including duplicates of an already applied transition).
func (ch *HostEntityChannel) ReceiveCommand(msg Message[Unit]) bool {
	switch msg.Type {
	case TypeRequestAuthority:
		if ch.mode != ModeDelegated || !ch.authStatus.CanRequest() {
			return false
		}
		ch.authStatus = wire.AuthRequested
		return true
	case TypeReleaseAuthority:
		if ch.mode != ModeDelegated || !ch.authStatus.CanRelease() {
			return false
		}
		ch.authStatus = wire.AuthAvailable
		return true
	case TypeEnableDelegationResponse, TypeMigrateResponse:
		return ch.mode == ModeDelegated
	default:
		return false
	}
}

// InsertComponent records that kind has been advertised.
func (ch *HostEntityChannel) InsertComponent(kind component.Kind) {
	ch.componentKinds[kind] = struct{}{}
}

// RemoveComponent records that kind has been withdrawn.
func (ch *HostEntityChannel) RemoveComponent(kind component.Kind) {
	delete(ch.componentKinds, kind)
}

// HasComponent reports whether kind is advertised.
func (ch *HostEntityChannel) HasComponent(kind component.Kind) bool {
	_, ok := ch.componentKinds[kind]
	return ok
}

// ComponentKinds returns the advertised component kinds.
func (ch *HostEntityChannel) ComponentKinds() []component.Kind {
	out := make([]component.Kind, 0, len(ch.componentKinds))
	for kind := range ch.componentKinds {
		out = append(out, kind)
	}
	return out
}

// ExtractOutgoingCommands drains queued commands.
func (ch *HostEntityChannel) ExtractOutgoingCommands() []Message[Unit] {
	out := ch.outgoing
	ch.outgoing = nil
	return out
}
