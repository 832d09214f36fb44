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

// EntityState is the lifecycle state of a per-entity channel.
type EntityState uint8

const (
	StateDespawned EntityState = iota
	StateSpawned
)

func (s EntityState) String() string {
	if s == StateSpawned {
		return "Spawned"
	}
	return "Despawned"
}

// RemoteEntityChannel is the reorder/gating state machine for a single
// entity travelling across an unordered reliable transport. It absorbs the
// raw command stream, re-orders and filters it, and emits ready-to-apply
// commands in the only sequence the embedder needs to respect.
//
// Invariants: no component-mutating command is emitted before the spawn
// that legitimizes it, and an emitted command is never withdrawn or
// reordered.
type RemoteEntityChannel struct {
	state       EntityState
	lastEpochID *wire.MessageIndex

	components map[component.Kind]*RemoteComponentChannel
	auth       *AuthChannel

	buffered OrderedIDs[Message[Unit]]
	incoming []Message[Unit]
	outgoing []Message[Unit]
}

// NewRemoteEntityChannel creates a channel in the Despawned state.
func NewRemoteEntityChannel(hostType wire.HostType) *RemoteEntityChannel {
	return &RemoteEntityChannel{
		state:      StateDespawned,
		components: make(map[component.Kind]*RemoteComponentChannel),
		auth:       NewAuthChannel(hostType),
	}
}

// NewDelegatedRemoteEntityChannel creates a channel pre-set for a delegated
// entity, as though it had gone through Publish → EnableDelegation. Used
// during migration.
func NewDelegatedRemoteEntityChannel(hostType wire.HostType) *RemoteEntityChannel {
	ch := NewRemoteEntityChannel(hostType)
	ch.auth.ForcePublish()
	ch.auth.ForceEnableDelegation()
	return ch
}

// State returns the lifecycle state.
func (ch *RemoteEntityChannel) State() EntityState { return ch.state }

// Auth returns the authority sub-channel.
func (ch *RemoteEntityChannel) Auth() *AuthChannel { return ch.auth }

// LastEpochID returns the id of the latest accepted Spawn or Despawn.
func (ch *RemoteEntityChannel) LastEpochID() (wire.MessageIndex, bool) {
	if ch.lastEpochID == nil {
		return 0, false
	}
	return *ch.lastEpochID, true
}

// ReceiveMessage ingests one command. Commands at or before the epoch are
// dropped; a command reusing the exact epoch id means the upstream dedupe
// failed, which is a programming error.
func (ch *RemoteEntityChannel) ReceiveMessage(id wire.MessageIndex, msg Message[Unit]) {
	if ch.lastEpochID != nil {
		if *ch.lastEpochID == id {
			panic(fmt.Sprintf("entity channel received duplicate epoch id %d (%s); duplicates must be filtered upstream", id, msg.Type))
		}
		if wire.SequenceLessThan(id, *ch.lastEpochID) {
			return
		}
	}
	ch.buffered.PushBack(id, msg)
	ch.processMessages()
}

// SendCommand validates and queues a locally originated auth command.
func (ch *RemoteEntityChannel) SendCommand(cmd Message[Unit]) error {
	if err := ch.auth.SendCommand(cmd); err != nil {
		return err
	}
	ch.auth.SenderDrainMessagesInto(&ch.outgoing)
	return nil
}

// DrainIncomingMessagesInto tags accepted commands with entity and appends
// them to out.
func DrainIncomingMessagesInto[E comparable](ch *RemoteEntityChannel, entity E, out *[]Message[E]) {
	for _, msg := range ch.incoming {
		*out = append(*out, Retag(msg, entity))
	}
	ch.incoming = nil
}

// DrainOutgoingCommandsInto appends queued outbound commands to out.
func (ch *RemoteEntityChannel) DrainOutgoingCommandsInto(out *[]Message[Unit]) {
	*out = append(*out, ch.outgoing...)
	ch.outgoing = nil
}

// ComponentKinds returns every component kind with a sub-channel.
func (ch *RemoteEntityChannel) ComponentKinds() []component.Kind {
	out := make([]component.Kind, 0, len(ch.components))
	for kind := range ch.components {
		out = append(out, kind)
	}
	return out
}

// InsertedComponentKinds returns the component kinds currently present.
func (ch *RemoteEntityChannel) InsertedComponentKinds() []component.Kind {
	var out []component.Kind
	for kind, sub := range ch.components {
		if sub.IsInserted() {
			out = append(out, kind)
		}
	}
	return out
}

func (ch *RemoteEntityChannel) processMessages() {
	for {
		id, msg, ok := ch.buffered.PeekFront()
		if !ok {
			return
		}
		switch msg.Type {
		case TypeSpawn:
			if ch.state != StateDespawned {
				return
			}
			ch.state = StateSpawned
			epoch := id
			ch.lastEpochID = &epoch
			ch.buffered.PopFrontUntilExcluding(id)
			ch.popFrontIntoIncoming()

			ch.auth.ReceiverPopFrontUntilIncluding(id)
			ch.auth.ReceiverProcessMessages(true)
			ch.auth.ReceiverDrainMessagesInto(&ch.incoming)

			for kind, sub := range ch.components {
				sub.BufferPopFrontUntilExcluding(id)
				sub.ProcessMessages(true)
				ch.drainComponent(kind, sub)
			}
		case TypeDespawn:
			if ch.state != StateSpawned {
				return
			}
			ch.state = StateDespawned
			epoch := id
			ch.lastEpochID = &epoch

			ch.auth.Reset()
			ch.components = make(map[component.Kind]*RemoteComponentChannel)

			ch.popFrontIntoIncoming()
			ch.buffered.Clear()
		case TypeInsertComponent, TypeRemoveComponent:
			ch.buffered.PopFront()
			sub, ok := ch.components[msg.Component]
			if !ok {
				sub = NewRemoteComponentChannel(ch.lastEpochID)
				ch.components[msg.Component] = sub
			}
			sub.AcceptMessage(ch.state == StateSpawned, id, msg)
			ch.drainComponent(msg.Component, sub)
		case TypeNoop:
			ch.buffered.PopFront()
		default:
			if !msg.Type.IsAuthMessage() {
				panic(fmt.Sprintf("entity channel received unexpected message type %s", msg.Type))
			}
			ch.buffered.PopFront()
			ch.auth.ReceiverReceiveMessage(ch.state == StateSpawned, id, msg)
			ch.auth.ReceiverDrainMessagesInto(&ch.incoming)
		}
	}
}

func (ch *RemoteEntityChannel) drainComponent(kind component.Kind, sub *RemoteComponentChannel) {
	var emitted []Message[Unit]
	sub.DrainMessagesInto(&emitted)
	for _, msg := range emitted {
		msg.Component = kind
		ch.incoming = append(ch.incoming, msg)
	}
}

func (ch *RemoteEntityChannel) popFrontIntoIncoming() {
	_, msg, ok := ch.buffered.PopFront()
	if !ok {
		panic("entity channel buffer empty during pop")
	}
	ch.incoming = append(ch.incoming, msg)
}

// ForceDrainAllBuffers applies every buffered command as if perfectly
// ordered; used before extracting state for a migration.
func (ch *RemoteEntityChannel) ForceDrainAllBuffers() {
	for {
		id, msg, ok := ch.buffered.PopFront()
		if !ok {
			break
		}
		switch {
		case msg.Type == TypeSpawn:
			if ch.state == StateDespawned {
				ch.state = StateSpawned
				epoch := id
				ch.lastEpochID = &epoch
				ch.incoming = append(ch.incoming, msg)
			}
		case msg.Type == TypeDespawn:
			if ch.state == StateSpawned {
				ch.state = StateDespawned
				epoch := id
				ch.lastEpochID = &epoch
				ch.incoming = append(ch.incoming, msg)
			}
		case msg.Type == TypeInsertComponent || msg.Type == TypeRemoveComponent:
			sub, ok := ch.components[msg.Component]
			if !ok {
				sub = NewRemoteComponentChannel(ch.lastEpochID)
				ch.components[msg.Component] = sub
			}
			sub.AcceptMessage(ch.state == StateSpawned, id, msg)
			ch.drainComponent(msg.Component, sub)
		case msg.Type.IsAuthMessage():
			ch.auth.ReceiverReceiveMessage(ch.state == StateSpawned, id, msg)
			ch.auth.ReceiverDrainMessagesInto(&ch.incoming)
		}
	}
	for kind, sub := range ch.components {
		sub.ForceDrainBuffers(ch.state == StateSpawned)
		ch.drainComponent(kind, sub)
	}
	ch.auth.ReceiverProcessMessages(ch.state == StateSpawned)
	ch.auth.ReceiverDrainMessagesInto(&ch.incoming)
}

// SetSpawned installs the Spawned state directly (migration support).
func (ch *RemoteEntityChannel) SetSpawned(epochID wire.MessageIndex) {
	if ch.state != StateDespawned {
		panic("can only set spawned on a despawned entity channel")
	}
	ch.state = StateSpawned
	epoch := epochID
	ch.lastEpochID = &epoch
}

// InsertComponentAsInserted installs a component sub-channel already in the
// inserted state (migration support).
func (ch *RemoteEntityChannel) InsertComponentAsInserted(kind component.Kind, epochID wire.MessageIndex) {
	sub := NewRemoteComponentChannel(nil)
	sub.SetInserted(true, epochID)
	ch.components[kind] = sub
}

// UpdateAuthStatus syncs the auth sub-channel with the global status after
// a migration.
func (ch *RemoteEntityChannel) UpdateAuthStatus(status wire.EntityAuthStatus) {
	ch.auth.ForceSetAuthStatus(status)
}

// TakeIncoming drains accepted commands without retagging.
func (ch *RemoteEntityChannel) TakeIncoming() []Message[Unit] {
	out := ch.incoming
	ch.incoming = nil
	return out
}
