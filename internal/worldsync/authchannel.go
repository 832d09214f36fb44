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
	"errors"

	"github.com/AngelOnFira/naia-sub000/internal/wire"
)

var (
	ErrAuthIllegalTransition = errors.New("illegal authority transition")
	ErrAuthNotDelegated      = errors.New("entity is not delegated")
)

// AuthChannel is the per-entity authority sub-channel. The receiver half
// mirrors the peer's replication state (Private ↔ Public ↔ Delegated, and
// within Delegated the authority status) by applying incoming commands in
// order; the sender half validates and queues locally originated commands
// against that mirror.
type AuthChannel struct {
	hostType wire.HostType

	mode       ReplicationMode
	authStatus wire.EntityAuthStatus

	buffered OrderedIDs[Message[Unit]]
	// waitingEnables holds an EnableDelegation received while already
	// delegated; it is flushed by the next DisableDelegation.
	waitingEnables []Message[Unit]
	incoming       []Message[Unit]

	outgoing  []Message[Unit]
	nextSubID wire.SubCommandID
}

// NewAuthChannel creates an auth channel in Private mode.
func NewAuthChannel(hostType wire.HostType) *AuthChannel {
	return &AuthChannel{hostType: hostType}
}

// Mode returns the mirrored replication mode.
func (a *AuthChannel) Mode() ReplicationMode { return a.mode }

// AuthStatus returns the mirrored authority status.
func (a *AuthChannel) AuthStatus() wire.EntityAuthStatus { return a.authStatus }

// ReceiverReceiveMessage ingests one auth command. Commands arriving while
// the entity is despawned are buffered until the spawn flushes them.
func (a *AuthChannel) ReceiverReceiveMessage(spawned bool, id wire.MessageIndex, msg Message[Unit]) {
	if !spawned {
		a.buffered.PushBack(id, msg)
		return
	}
	a.apply(msg)
}

// ReceiverProcessMessages drains the buffer once the entity is spawned.
func (a *AuthChannel) ReceiverProcessMessages(spawned bool) {
	if !spawned {
		return
	}
	for {
		_, msg, ok := a.buffered.PopFront()
		if !ok {
			return
		}
		a.apply(msg)
	}
}

// ReceiverPopFrontUntilIncluding discards buffered commands at or before the
// epoch id.
func (a *AuthChannel) ReceiverPopFrontUntilIncluding(id wire.MessageIndex) {
	a.buffered.PopFrontUntilIncluding(id)
}

func (a *AuthChannel) apply(msg Message[Unit]) {
	switch msg.Type {
	case TypePublish:
		if a.mode == ModePrivate {
			a.mode = ModePublic
			a.emit(msg)
		}
	case TypeUnpublish:
		if a.mode == ModePublic {
			a.mode = ModePrivate
			a.emit(msg)
		}
	case TypeEnableDelegation:
		switch a.mode {
		case ModePublic:
			a.mode = ModeDelegated
			a.authStatus = wire.AuthAvailable
			a.emit(msg)
		case ModeDelegated:
			// Duplicate while delegated: held, then flushed by the next
			// DisableDelegation.
			a.waitingEnables = append(a.waitingEnables, msg)
		}
	case TypeDisableDelegation:
		if a.mode == ModeDelegated {
			a.mode = ModePublic
			a.authStatus = wire.AuthAvailable
			a.emit(msg)
			if len(a.waitingEnables) > 0 {
				waiting := a.waitingEnables[0]
				a.waitingEnables = a.waitingEnables[1:]
				a.apply(waiting)
			}
		}
	case TypeSetAuthority:
		if a.mode == ModeDelegated {
			a.authStatus = msg.Auth
			a.emit(msg)
		}
	case TypeRequestAuthority:
		if a.mode == ModeDelegated && a.authStatus.CanRequest() {
			a.authStatus = wire.AuthRequested
			a.emit(msg)
		}
	case TypeReleaseAuthority:
		// A release in a non-releasable state (including a duplicate
		// release) is a no-op.
		if a.mode == ModeDelegated && a.authStatus.CanRelease() {
			a.authStatus = wire.AuthAvailable
			a.emit(msg)
		}
	case TypeEnableDelegationResponse, TypeMigrateResponse:
		if a.mode == ModeDelegated {
			a.emit(msg)
		}
	}
}

func (a *AuthChannel) emit(msg Message[Unit]) {
	a.incoming = append(a.incoming, msg)
}

// ReceiverDrainMessagesInto appends accepted commands to out.
func (a *AuthChannel) ReceiverDrainMessagesInto(out *[]Message[Unit]) {
	*out = append(*out, a.incoming...)
	a.incoming = nil
}

// Reset returns the channel to its initial state (on despawn).
func (a *AuthChannel) Reset() {
	a.mode = ModePrivate
	a.authStatus = wire.AuthAvailable
	a.buffered.Clear()
	a.waitingEnables = nil
	a.incoming = nil
}

// SendCommand validates a locally originated command against the mirror,
// assigns its SubCommandID, and queues it for the wire.
func (a *AuthChannel) SendCommand(msg Message[Unit]) error {
	switch msg.Type {
	case TypeRequestAuthority:
		if a.mode != ModeDelegated {
			return ErrAuthNotDelegated
		}
		if !a.authStatus.CanRequest() {
			return ErrAuthIllegalTransition
		}
		a.authStatus = wire.AuthRequested
	case TypeReleaseAuthority:
		if a.mode != ModeDelegated {
			return ErrAuthNotDelegated
		}
		if !a.authStatus.CanRelease() {
			return ErrAuthIllegalTransition
		}
		a.authStatus = wire.AuthReleasing
	case TypeEnableDelegationResponse, TypeMigrateResponse:
		if a.mode != ModeDelegated {
			return ErrAuthNotDelegated
		}
	default:
		return ErrAuthIllegalTransition
	}
	if msg.Type.HasSubID() {
		msg.SubID = a.nextSubID
		a.nextSubID++
	}
	a.outgoing = append(a.outgoing, msg)
	return nil
}

// SenderDrainMessagesInto appends queued outbound commands to out.
func (a *AuthChannel) SenderDrainMessagesInto(out *[]Message[Unit]) {
	*out = append(*out, a.outgoing...)
	a.outgoing = nil
}

// ForcePublish installs Public mode directly (migration support).
func (a *AuthChannel) ForcePublish() {
	a.mode = ModePublic
}

// ForceEnableDelegation installs Delegated mode directly (migration support).
func (a *AuthChannel) ForceEnableDelegation() {
	a.mode = ModeDelegated
	a.authStatus = wire.AuthAvailable
}

// ForceSetAuthStatus installs an authority status directly, used after
// migration to sync with the global status.
func (a *AuthChannel) ForceSetAuthStatus(status wire.EntityAuthStatus) {
	a.authStatus = status
}
