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
	"time"

	"github.com/AngelOnFira/naia-sub000/internal/wire"
)

// Config bounds the receiver engine.
type Config struct {
	// FlushThreshold is the maximum in-flight command window per entity.
	// Ids whose forward delta from the epoch exceeds it are wrap-side
	// stragglers and are dropped.
	FlushThreshold uint16
	// ChannelTTL is the grace period a despawned entity channel is kept
	// around to absorb stragglers.
	ChannelTTL time.Duration
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{
		FlushThreshold: 8192,
		ChannelTTL:     60 * time.Second,
	}
}

type engineEntry struct {
	ch          *RemoteEntityChannel
	despawnSeen *time.Time
}

// ReceiverEngine owns the per-entity channels for entities whose commands
// arrive from the peer, creating channels on first reference and reaping
// them a TTL after despawn.
type ReceiverEngine[E comparable] struct {
	hostType wire.HostType
	config   Config

	channels map[E]*engineEntry
	outgoing []Message[E]
	dropped  uint64
}

// NewReceiverEngine creates an engine with the default config.
func NewReceiverEngine[E comparable](hostType wire.HostType) *ReceiverEngine[E] {
	return NewReceiverEngineWithConfig[E](hostType, DefaultConfig())
}

// NewReceiverEngineWithConfig creates an engine with explicit bounds.
func NewReceiverEngineWithConfig[E comparable](hostType wire.HostType, config Config) *ReceiverEngine[E] {
	return &ReceiverEngine[E]{
		hostType: hostType,
		config:   config,
		channels: make(map[E]*engineEntry),
	}
}

// Config returns the engine bounds.
func (e *ReceiverEngine[E]) Config() Config { return e.config }

// AcceptMessage ingests one command for its entity's channel, creating the
// channel on first reference.
func (e *ReceiverEngine[E]) AcceptMessage(id wire.MessageIndex, msg Message[E]) {
	if msg.Type == TypeNoop {
		return
	}
	entry := e.ensure(msg.Entity)
	if epoch, ok := entry.ch.LastEpochID(); ok {
		if id != epoch && !wire.SequenceLessThan(id, epoch) &&
			wire.SequenceDelta(id, epoch) > e.config.FlushThreshold {
			e.dropped++
			return
		}
	}
	entry.ch.ReceiveMessage(id, Untag(msg))
	DrainIncomingMessagesInto(entry.ch, msg.Entity, &e.outgoing)
}

func (e *ReceiverEngine[E]) ensure(entity E) *engineEntry {
	entry, ok := e.channels[entity]
	if !ok {
		entry = &engineEntry{ch: NewRemoteEntityChannel(e.hostType)}
		e.channels[entity] = entry
	}
	return entry
}

// ReceiveMessages drains commands that became legal, in emission order.
func (e *ReceiverEngine[E]) ReceiveMessages() []Message[E] {
	out := e.outgoing
	e.outgoing = nil
	return out
}

// Channel looks up an entity's channel.
func (e *ReceiverEngine[E]) Channel(entity E) (*RemoteEntityChannel, bool) {
	entry, ok := e.channels[entity]
	if !ok {
		return nil, false
	}
	return entry.ch, true
}

// InsertChannel installs a pre-built channel (migration support).
func (e *ReceiverEngine[E]) InsertChannel(entity E, ch *RemoteEntityChannel) {
	e.channels[entity] = &engineEntry{ch: ch}
}

// RemoveChannel detaches and returns an entity's channel.
func (e *ReceiverEngine[E]) RemoveChannel(entity E) (*RemoteEntityChannel, bool) {
	entry, ok := e.channels[entity]
	if !ok {
		return nil, false
	}
	delete(e.channels, entity)
	return entry.ch, true
}

// SendCommand queues an auth command on an entity's channel.
func (e *ReceiverEngine[E]) SendCommand(entity E, cmd Message[Unit]) error {
	return e.ensure(entity).ch.SendCommand(cmd)
}

// DrainOutgoingCommands collects queued commands across all channels,
// tagged with their entity.
func (e *ReceiverEngine[E]) DrainOutgoingCommands() []Message[E] {
	var out []Message[E]
	for entity, entry := range e.channels {
		var cmds []Message[Unit]
		entry.ch.DrainOutgoingCommandsInto(&cmds)
		for _, cmd := range cmds {
			out = append(out, Retag(cmd, entity))
		}
	}
	return out
}

// Cleanup reaps channels that have sat despawned for longer than the TTL.
func (e *ReceiverEngine[E]) Cleanup(now time.Time) {
	for entity, entry := range e.channels {
		_, hasEpoch := entry.ch.LastEpochID()
		if entry.ch.State() != StateDespawned || !hasEpoch {
			entry.despawnSeen = nil
			continue
		}
		if entry.despawnSeen == nil {
			seen := now
			entry.despawnSeen = &seen
			continue
		}
		if now.Sub(*entry.despawnSeen) >= e.config.ChannelTTL {
			delete(e.channels, entity)
		}
	}
}

// DroppedStragglers counts commands dropped by the guard band; a rising
// count under normal latency signals protocol corruption.
func (e *ReceiverEngine[E]) DroppedStragglers() uint64 { return e.dropped }

// Len returns the number of live channels.
func (e *ReceiverEngine[E]) Len() int { return len(e.channels) }
