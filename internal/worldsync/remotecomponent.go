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

import "github.com/AngelOnFira/naia-sub000/internal/wire"

// RemoteComponentChannel tracks one component kind on one remote entity.
// Only the first legal insert/remove transition per direction is emitted;
// duplicates and stale commands are absorbed by the canonical-index guard.
type RemoteComponentChannel struct {
	inserted       bool
	lastCanonical  *wire.MessageIndex
	waitingInserts OrderedIDs[Message[Unit]]
	waitingRemoves OrderedIDs[Message[Unit]]
	incoming       []Message[Unit]
}

// NewRemoteComponentChannel creates a channel inheriting the entity's
// canonical index so stale commands from before the current epoch are
// rejected.
func NewRemoteComponentChannel(canonical *wire.MessageIndex) *RemoteComponentChannel {
	var c *wire.MessageIndex
	if canonical != nil {
		idx := *canonical
		c = &idx
	}
	return &RemoteComponentChannel{lastCanonical: c}
}

// IsInserted reports whether the component is currently present.
func (c *RemoteComponentChannel) IsInserted() bool { return c.inserted }

// SetInserted installs presence directly (migration support).
func (c *RemoteComponentChannel) SetInserted(inserted bool, epochID wire.MessageIndex) {
	c.inserted = inserted
	idx := epochID
	c.lastCanonical = &idx
}

func (c *RemoteComponentChannel) stale(id wire.MessageIndex) bool {
	return c.lastCanonical != nil && wire.SequenceLessThan(id, *c.lastCanonical)
}

// AcceptMessage ingests an insert or remove for this component.
func (c *RemoteComponentChannel) AcceptMessage(spawned bool, id wire.MessageIndex, msg Message[Unit]) {
	if c.stale(id) {
		return
	}
	if !spawned {
		switch msg.Type {
		case TypeInsertComponent:
			c.waitingInserts.PushBack(id, msg)
		case TypeRemoveComponent:
			c.waitingRemoves.PushBack(id, msg)
		}
		return
	}
	switch msg.Type {
	case TypeInsertComponent:
		c.receiveInsert(id, msg)
	case TypeRemoveComponent:
		c.receiveRemove(id, msg)
	}
}

func (c *RemoteComponentChannel) receiveInsert(id wire.MessageIndex, msg Message[Unit]) {
	if c.stale(id) {
		return
	}
	if c.inserted {
		c.waitingInserts.PushBack(id, msg)
		return
	}
	c.inserted = true
	c.incoming = append(c.incoming, msg)
	c.receiveCanonical(id)
	if removeID, removeMsg, ok := c.waitingRemoves.PopFront(); ok {
		c.receiveRemove(removeID, removeMsg)
	}
}

func (c *RemoteComponentChannel) receiveRemove(id wire.MessageIndex, msg Message[Unit]) {
	if c.stale(id) {
		return
	}
	if !c.inserted {
		c.waitingRemoves.PushBack(id, msg)
		return
	}
	c.inserted = false
	c.incoming = append(c.incoming, msg)
	c.receiveCanonical(id)
	if insertID, insertMsg, ok := c.waitingInserts.PopFront(); ok {
		c.receiveInsert(insertID, insertMsg)
	}
}

func (c *RemoteComponentChannel) receiveCanonical(id wire.MessageIndex) {
	c.waitingInserts.PopFrontUntilIncluding(id)
	c.waitingRemoves.PopFrontUntilIncluding(id)
	idx := id
	c.lastCanonical = &idx
}

// ProcessMessages retries buffered commands after a state change (spawn).
func (c *RemoteComponentChannel) ProcessMessages(spawned bool) {
	if !spawned {
		return
	}
	if !c.inserted {
		if id, msg, ok := c.waitingInserts.PopFront(); ok {
			c.receiveInsert(id, msg)
		}
	} else {
		if id, msg, ok := c.waitingRemoves.PopFront(); ok {
			c.receiveRemove(id, msg)
		}
	}
}

// BufferPopFrontUntilExcluding drops buffered commands older than the epoch.
func (c *RemoteComponentChannel) BufferPopFrontUntilExcluding(id wire.MessageIndex) {
	c.waitingInserts.PopFrontUntilExcluding(id)
	c.waitingRemoves.PopFrontUntilExcluding(id)
}

// ForceDrainBuffers applies buffered commands as if perfectly ordered
// (migration support).
func (c *RemoteComponentChannel) ForceDrainBuffers(spawned bool) {
	if !spawned {
		return
	}
	for c.waitingInserts.Len() > 0 || c.waitingRemoves.Len() > 0 {
		before := c.waitingInserts.Len() + c.waitingRemoves.Len()
		c.ProcessMessages(spawned)
		after := c.waitingInserts.Len() + c.waitingRemoves.Len()
		if after >= before {
			// Remaining commands are unapplicable in any order.
			return
		}
	}
}

// DrainMessagesInto appends emitted commands, tagged with kind, to out.
func (c *RemoteComponentChannel) DrainMessagesInto(out *[]Message[Unit]) {
	*out = append(*out, c.incoming...)
	c.incoming = nil
}
