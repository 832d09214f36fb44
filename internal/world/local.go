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
	"log/slog"
	"sort"
	"time"

	"github.com/AngelOnFira/naia-sub000/internal/component"
	"github.com/AngelOnFira/naia-sub000/internal/entity"
	"github.com/AngelOnFira/naia-sub000/internal/wire"
	"github.com/AngelOnFira/naia-sub000/internal/worldsync"
)

var (
	ErrMigrateUnknownEntity = errors.New("cannot migrate an entity with no local mapping")
	ErrMigrateNotRemote     = errors.New("cannot migrate an entity that is not remote-owned")
	ErrMigrateNoChannel     = errors.New("cannot migrate an entity with no remote channel")
)

// DefaultCommandRecordTTL bounds memory held for commands whose packets
// were never acknowledged.
const DefaultCommandRecordTTL = 60 * time.Second

// SentCommand is an entity command with its assigned sequence id.
type SentCommand struct {
	ID  wire.CommandID
	Msg worldsync.Message[entity.GlobalEntity]
}

type commandRecord struct {
	at       time.Time
	commands []SentCommand
}

// LocalWorldManager is the per-connection router above the host and remote
// world managers: it owns the entity map, assigns command ids, records sent
// commands per packet for delivery notification, and performs the atomic
// remote→host migration.
type LocalWorldManager struct {
	hostType wire.HostType
	registry *component.Registry

	entityMap *entity.LocalEntityMap
	host      *HostWorldManager
	remote    *RemoteWorldManager

	mintGlobal func() entity.GlobalEntity

	nextCommandID wire.CommandID
	pending       []SentCommand
	sentRecords   map[wire.PacketIndex]*commandRecord
	recordTTL     time.Duration

	events    []Event
	heldReady []heldUpdate
}

// NewLocalWorldManager creates the manager for one connection. mintGlobal
// supplies fresh global ids for entities spawned by the peer.
func NewLocalWorldManager(hostType wire.HostType, registry *component.Registry, mintGlobal func() entity.GlobalEntity) *LocalWorldManager {
	return &LocalWorldManager{
		hostType:    hostType,
		registry:    registry,
		entityMap:   entity.NewLocalEntityMap(),
		host:        NewHostWorldManager(hostType, registry),
		remote:      NewRemoteWorldManager(worldsync.NewReceiverEngine[entity.RemoteEntity](hostType)),
		mintGlobal:  mintGlobal,
		sentRecords: make(map[wire.PacketIndex]*commandRecord),
		recordTTL:   DefaultCommandRecordTTL,
	}
}

// EntityMap returns the connection's entity map.
func (lm *LocalWorldManager) EntityMap() *entity.LocalEntityMap { return lm.entityMap }

// Host returns the host-side manager.
func (lm *LocalWorldManager) Host() *HostWorldManager { return lm.host }

// Remote returns the remote-side manager.
func (lm *LocalWorldManager) Remote() *RemoteWorldManager { return lm.remote }

// --- host-side operations ---

// SpawnEntity begins replicating a locally authored entity to the peer.
func (lm *LocalWorldManager) SpawnEntity(global entity.GlobalEntity) error {
	if !lm.entityMap.HasGlobalEntity(global) {
		host := lm.entityMap.GenerateHostEntity()
		if err := lm.entityMap.InsertWithHostEntity(global, host); err != nil {
			return err
		}
	}
	return lm.host.SpawnEntity(global)
}

// DespawnEntity stops replicating a locally authored entity. The host-side
// mapping is kept: the queued despawn command still needs it to serialize,
// and a later respawn of the same entity reuses the host id.
func (lm *LocalWorldManager) DespawnEntity(global entity.GlobalEntity) error {
	return lm.host.DespawnEntity(global)
}

// InsertComponent advertises a component on a hosted entity.
func (lm *LocalWorldManager) InsertComponent(global entity.GlobalEntity, kind component.Kind) (*component.Mutator, error) {
	return lm.host.InsertComponent(global, kind)
}

// RemoveComponent withdraws a component from a hosted entity.
func (lm *LocalWorldManager) RemoveComponent(global entity.GlobalEntity, kind component.Kind) error {
	return lm.host.RemoveComponent(global, kind)
}

// SendHostCommand queues a mode/authority command for a hosted entity.
func (lm *LocalWorldManager) SendHostCommand(global entity.GlobalEntity, msg worldsync.Message[worldsync.Unit]) error {
	return lm.host.SendCommand(global, msg)
}

// --- remote-side operations ---

// SendRemoteCommand queues an authority command for a remote entity
// (request/release authority and responses).
func (lm *LocalWorldManager) SendRemoteCommand(global entity.GlobalEntity, msg worldsync.Message[worldsync.Unit]) error {
	remote, err := lm.entityMap.RemoteEntityFromGlobal(global)
	if err != nil {
		return err
	}
	return lm.remote.Engine().SendCommand(remote, msg)
}

// --- outbound command stream ---

// CollectOutgoingCommands gathers commands generated since the last call,
// assigns their ids, and merges them into the pending send queue.
func (lm *LocalWorldManager) CollectOutgoingCommands() {
	for _, msg := range lm.host.DrainOutgoingCommands() {
		lm.pending = append(lm.pending, SentCommand{ID: lm.nextID(), Msg: msg})
	}
	for _, msg := range lm.remote.Engine().DrainOutgoingCommands() {
		global, err := lm.entityMap.GlobalFromRemote(msg.Entity)
		if err != nil {
			slog.Warn("dropping command for unmapped remote entity", "entity", msg.Entity, "type", msg.Type)
			continue
		}
		lm.pending = append(lm.pending, SentCommand{ID: lm.nextID(), Msg: worldsync.Retag(msg, global)})
	}
}

func (lm *LocalWorldManager) nextID() wire.CommandID {
	id := lm.nextCommandID
	lm.nextCommandID++
	return id
}

// PendingCommands returns the commands awaiting packing, in id order.
func (lm *LocalWorldManager) PendingCommands() []SentCommand {
	return lm.pending
}

// MarkCommandsSent moves written commands from pending into the packet's
// sent record.
func (lm *LocalWorldManager) MarkCommandsSent(packetIndex wire.PacketIndex, ids []wire.CommandID, now time.Time) {
	if len(ids) == 0 {
		return
	}
	idSet := make(map[wire.CommandID]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	record, ok := lm.sentRecords[packetIndex]
	if !ok {
		record = &commandRecord{at: now}
		lm.sentRecords[packetIndex] = record
	}
	remaining := lm.pending[:0]
	for _, cmd := range lm.pending {
		if _, written := idSet[cmd.ID]; written {
			record.commands = append(record.commands, cmd)
		} else {
			remaining = append(remaining, cmd)
		}
	}
	lm.pending = remaining
}

// NotifyPacketDelivered retires the packet's command record.
func (lm *LocalWorldManager) NotifyPacketDelivered(packetIndex wire.PacketIndex) {
	delete(lm.sentRecords, packetIndex)
}

// NotifyPacketDropped requeues the packet's commands for resend.
func (lm *LocalWorldManager) NotifyPacketDropped(packetIndex wire.PacketIndex) {
	record, ok := lm.sentRecords[packetIndex]
	if !ok {
		return
	}
	delete(lm.sentRecords, packetIndex)
	lm.requeue(record.commands)
}

// CleanupRecords requeues commands whose packets have gone unacknowledged
// past the record TTL.
func (lm *LocalWorldManager) CleanupRecords(now time.Time) {
	for packetIndex, record := range lm.sentRecords {
		if now.Sub(record.at) >= lm.recordTTL {
			delete(lm.sentRecords, packetIndex)
			lm.requeue(record.commands)
		}
	}
}

func (lm *LocalWorldManager) requeue(commands []SentCommand) {
	lm.pending = append(lm.pending, commands...)
	sort.Slice(lm.pending, func(i, j int) bool {
		return wire.SequenceLessThan(lm.pending[i].ID, lm.pending[j].ID)
	})
}

// --- inbound command stream ---

// ProcessIncomingCommand feeds one received command into the reorder engine
// and converts whatever becomes legal into events.
func (lm *LocalWorldManager) ProcessIncomingCommand(id wire.CommandID, msg worldsync.Message[entity.RemoteEntity]) {
	lm.remote.Engine().AcceptMessage(id, msg)
	lm.drainEmissions()
}

func (lm *LocalWorldManager) drainEmissions() {
	for _, msg := range lm.remote.Engine().ReceiveMessages() {
		lm.applyEmission(msg)
	}
}

func (lm *LocalWorldManager) applyEmission(msg worldsync.Message[entity.RemoteEntity]) {
	switch msg.Type {
	case worldsync.TypeSpawn:
		global := lm.mintGlobal()
		if err := lm.entityMap.InsertWithRemoteEntity(global, msg.Entity); err != nil {
			lm.events = append(lm.events, Event{Type: EventError, Entity: global, Err: err})
			return
		}
		lm.events = append(lm.events, Event{Type: EventSpawnEntity, Entity: global})
		lm.releaseWaiting(msg.Entity)
	case worldsync.TypeDespawn:
		global, err := lm.entityMap.GlobalFromRemote(msg.Entity)
		if err != nil {
			return
		}
		lm.remote.DropEntity(msg.Entity)
		_, _, _ = lm.entityMap.RemoveByGlobal(global)
		lm.events = append(lm.events, Event{Type: EventDespawnEntity, Entity: global})
	case worldsync.TypeInsertComponent:
		global, err := lm.entityMap.GlobalFromRemote(msg.Entity)
		if err != nil {
			return
		}
		if msg.Payload != nil {
			if deps := msg.Payload.WaitingEntities(); len(deps) > 0 {
				lm.remote.QueueInsert(deps, global, msg)
				return
			}
		}
		lm.events = append(lm.events, Event{
			Type:      EventInsertComponent,
			Entity:    global,
			Component: msg.Component,
			Payload:   msg.Payload,
		})
	case worldsync.TypeRemoveComponent:
		global, err := lm.entityMap.GlobalFromRemote(msg.Entity)
		if err != nil {
			return
		}
		lm.events = append(lm.events, Event{Type: EventRemoveComponent, Entity: global, Component: msg.Component})
	default:
		lm.applyAuthEmission(msg)
	}
}

func (lm *LocalWorldManager) applyAuthEmission(msg worldsync.Message[entity.RemoteEntity]) {
	global, err := lm.entityMap.GlobalFromRemote(msg.Entity)
	if err != nil {
		return
	}
	switch msg.Type {
	case worldsync.TypePublish:
		lm.events = append(lm.events, Event{Type: EventPublishEntity, Entity: global})
	case worldsync.TypeUnpublish:
		lm.events = append(lm.events, Event{Type: EventUnpublishEntity, Entity: global})
	case worldsync.TypeEnableDelegation:
		lm.events = append(lm.events, Event{Type: EventDelegateEntity, Entity: global})
	case worldsync.TypeDisableDelegation:
		lm.events = append(lm.events, Event{Type: EventUndelegateEntity, Entity: global})
	case worldsync.TypeSetAuthority:
		lm.events = append(lm.events, Event{Type: EventAuthChange, Entity: global, Auth: msg.Auth})
	case worldsync.TypeRequestAuthority:
		lm.events = append(lm.events, Event{Type: EventRequestAuthority, Entity: global})
	case worldsync.TypeReleaseAuthority:
		lm.events = append(lm.events, Event{Type: EventReleaseAuthority, Entity: global})
		lm.events = append(lm.events, Event{Type: EventAuthReset, Entity: global, Auth: wire.AuthAvailable})
	}
}

// ProcessIncomingHostCommand routes a peer command that targets one of our
// own host entities (authority requests and responses). The caller must
// have deduplicated the command stream already.
func (lm *LocalWorldManager) ProcessIncomingHostCommand(owned entity.OwnedLocalEntity, msg worldsync.Message[worldsync.Unit]) {
	global, err := lm.entityMap.GlobalFromOwned(owned)
	if err != nil {
		slog.Debug("dropping peer command for unknown host entity", "entity", owned, "type", msg.Type)
		return
	}
	ch, ok := lm.host.Channel(global)
	if !ok {
		return
	}
	if !ch.ReceiveCommand(msg) {
		return
	}
	switch msg.Type {
	case worldsync.TypeRequestAuthority:
		lm.events = append(lm.events, Event{Type: EventRequestAuthority, Entity: global})
	case worldsync.TypeReleaseAuthority:
		lm.events = append(lm.events, Event{Type: EventReleaseAuthority, Entity: global})
		lm.events = append(lm.events, Event{Type: EventAuthReset, Entity: global, Auth: wire.AuthAvailable})
	case worldsync.TypeEnableDelegationResponse:
		lm.events = append(lm.events, Event{Type: EventDelegateEntity, Entity: global})
	case worldsync.TypeMigrateResponse:
		lm.events = append(lm.events, Event{Type: EventAuthChange, Entity: global, Auth: ch.AuthStatus()})
	}
}

// releaseWaiting resolves deferred work once remote has a global mapping.
func (lm *LocalWorldManager) releaseWaiting(remote entity.RemoteEntity) {
	inserts, updates := lm.remote.ResolveEntity(remote)
	for _, item := range inserts {
		if item.msg.Payload != nil {
			item.msg.Payload.ResolveWaitingEntities(lm.entityMap)
			if deps := item.msg.Payload.WaitingEntities(); len(deps) > 0 {
				lm.remote.QueueInsert(deps, item.global, item.msg)
				continue
			}
		}
		lm.events = append(lm.events, Event{
			Type:      EventInsertComponent,
			Entity:    item.global,
			Component: item.msg.Component,
			Payload:   item.msg.Payload,
		})
	}
	// Application happens in ApplyHeldUpdates, where the connection passes
	// in world access.
	lm.heldReady = append(lm.heldReady, updates...)
}

// ApplyRemoteUpdate applies one component update read off the wire. Updates
// for entities without an emitted spawn are held on the waitlist; updates
// for components whose insert has not been emitted are dropped (a newer
// update will follow).
func (lm *LocalWorldManager) ApplyRemoteUpdate(world Mutator, owned entity.OwnedLocalEntity, kind component.Kind, raw []byte, bits int) {
	global, err := lm.entityMap.GlobalFromOwned(owned)
	if err != nil {
		if !owned.Host {
			lm.remote.QueueUpdate(entity.RemoteEntity(owned.Value), kind, raw, bits)
		}
		return
	}
	if !owned.Host && !lm.remote.ComponentInserted(entity.RemoteEntity(owned.Value), kind) {
		return
	}
	lm.applyUpdateToWorld(world, global, kind, raw, bits)
}

// ApplyHeldUpdates applies updates that were waiting on their entity.
func (lm *LocalWorldManager) ApplyHeldUpdates(world Mutator) {
	held := lm.heldReady
	lm.heldReady = nil
	for _, h := range held {
		global, err := lm.entityMap.GlobalFromRemote(h.remote)
		if err != nil {
			continue
		}
		lm.applyUpdateToWorld(world, global, h.kind, h.bytes, h.bits)
	}
}

func (lm *LocalWorldManager) applyUpdateToWorld(world Mutator, global entity.GlobalEntity, kind component.Kind, raw []byte, bits int) {
	comp, ok := world.ComponentOfKind(global, kind)
	if !ok {
		lm.events = append(lm.events, Event{Type: EventError, Entity: global, Component: kind, Err: ErrComponentNotFound})
		return
	}
	if err := readUpdateInto(lm.registry, lm.entityMap, comp, raw); err != nil {
		lm.events = append(lm.events, Event{Type: EventError, Entity: global, Component: kind, Err: err})
		return
	}
	lm.events = append(lm.events, Event{Type: EventUpdateComponent, Entity: global, Component: kind})
}

// TakeEvents drains the event queue.
func (lm *LocalWorldManager) TakeEvents() []Event {
	out := lm.events
	lm.events = nil
	return out
}

// --- migration ---

// MigrateEntityRemoteToHost atomically moves a client-owned delegated
// entity to local authority: buffered channel state is force-drained, the
// component set is preserved, the entity map swaps remote for host with a
// redirect for in-flight peer references, and deferred work keyed on the
// old remote id is released. On error nothing has been mutated.
func (lm *LocalWorldManager) MigrateEntityRemoteToHost(global entity.GlobalEntity) (entity.HostEntity, error) {
	if !lm.entityMap.HasGlobalEntity(global) {
		return 0, ErrMigrateUnknownEntity
	}
	oldRemote, err := lm.entityMap.RemoteEntityFromGlobal(global)
	if err != nil {
		return 0, ErrMigrateNotRemote
	}
	channel, ok := lm.remote.Engine().Channel(oldRemote)
	if !ok {
		return 0, ErrMigrateNoChannel
	}

	// All validation has passed; the steps below cannot fail.

	// Apply everything still buffered, as if perfectly ordered, and surface
	// the resulting events exactly once.
	channel.ForceDrainAllBuffers()
	for _, msg := range channel.TakeIncoming() {
		lm.applyEmission(worldsync.Retag(msg, oldRemote))
	}

	componentKinds := channel.InsertedComponentKinds()
	lm.remote.Engine().RemoveChannel(oldRemote)

	_, _, _ = lm.entityMap.RemoveByGlobal(global)
	newHost := lm.entityMap.GenerateHostEntity()
	_ = lm.entityMap.InsertWithHostEntity(global, newHost)
	lm.entityMap.InstallRedirect(
		entity.OwnedRemote(oldRemote),
		entity.OwnedHost(newHost),
	)

	hostChannel := worldsync.NewHostEntityChannelWithComponents(lm.hostType, componentKinds)
	_ = lm.host.InsertChannel(global, hostChannel)

	// Work deferred on the old remote id resolves through the redirect.
	lm.releaseWaiting(oldRemote)

	// Sent-but-unacked command records key entities by global id, so their
	// wire references are re-derived from the updated map on resend; no
	// record entry can still name the old remote id.
	return newHost, nil
}
